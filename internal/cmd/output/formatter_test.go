package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/eventhub/pkg/event"
)

func testEvent() *event.Event {
	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := event.New("ftrack.update", map[string]any{"entity": "task", "count": 2},
		event.WithTarget("applicationId=ftrack.client"))
	ev.Source = &event.Source{ID: "hub-1", ApplicationID: "ftrack.api.go"}
	ev.Sent = &sent
	return ev
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"table", "JSON", "yaml", ""} {
		_, err := ParseFormat(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestDetectFormatExplicit(t *testing.T) {
	assert.Equal(t, FormatYAML, DetectFormat("YAML"))
}

func TestNewEventRecord(t *testing.T) {
	r := NewEventRecord(testEvent())
	assert.Equal(t, "ftrack.update", r.Topic)
	assert.Equal(t, "hub-1 (ftrack.api.go)", r.Source)
	assert.Equal(t, "2024-05-01T12:00:00Z", r.Sent)
	assert.Equal(t, "applicationId=ftrack.client", r.Target)

	empty := NewEventRecord(event.New("bare", nil))
	assert.NotNil(t, empty.Data)
	assert.Empty(t, empty.Source)
}

func TestEventTableData(t *testing.T) {
	data := EventTableData(NewEventRecord(testEvent()))
	assert.Equal(t, []string{"Property", "Value"}, data.Headers)

	props := make(map[string]string)
	for _, row := range data.Rows {
		props[row[0]] = row[1]
	}
	assert.Equal(t, "ftrack.update", props["Topic"])
	assert.Equal(t, "task", props["data.entity"])
	assert.Equal(t, "2", props["data.count"])
	assert.NotContains(t, props, "In Reply To")
}

func TestWriteEventJSONStream(t *testing.T) {
	var buf bytes.Buffer
	f := NewStreamFormatter(FormatJSON)
	require.NoError(t, WriteEvent(&buf, f, testEvent()))
	require.NoError(t, WriteEvent(&buf, f, event.New("second", nil)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var got EventRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "ftrack.update", got.Topic)
	assert.Equal(t, "task", got.Data["entity"])
}

func TestWriteEventYAMLStream(t *testing.T) {
	var buf bytes.Buffer
	f := NewStreamFormatter(FormatYAML)
	require.NoError(t, WriteEvent(&buf, f, testEvent()))
	require.NoError(t, WriteEvent(&buf, f, event.New("second", nil)))

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "---\n"))
	assert.Contains(t, out, "topic: ftrack.update")
	assert.Contains(t, out, "topic: second")
}

func TestWriteEventTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEvent(&buf, NewFormatter(FormatTable), testEvent()))
	out := buf.String()
	assert.Contains(t, out, "ftrack.update")
	assert.Contains(t, out, "data.entity")
	assert.Contains(t, out, "task")
}

func TestTableFormatterStruct(t *testing.T) {
	type info struct {
		Version   string `json:"version"`
		GoVersion string `json:"go_version"`
		hidden    string
	}
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatTable).Format(&buf, info{Version: "1.2.3", GoVersion: "go1.24", hidden: "x"}))
	out := buf.String()
	assert.Contains(t, out, "Go Version")
	assert.Contains(t, out, "1.2.3")
	assert.NotContains(t, out, "hidden")
}

func TestTableFormatterFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatTable).Format(&buf, []int{1, 2}))
	assert.JSONEq(t, "[1,2]", buf.String())
}
