package output

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/agentstation/eventhub/pkg/event"
)

// EventRecord is the printable view of an event.
type EventRecord struct {
	ID        string         `json:"id" yaml:"id"`
	Topic     string         `json:"topic" yaml:"topic"`
	Source    string         `json:"source,omitempty" yaml:"source,omitempty"`
	Target    string         `json:"target,omitempty" yaml:"target,omitempty"`
	InReplyTo string         `json:"in_reply_to,omitempty" yaml:"in_reply_to,omitempty"`
	Sent      string         `json:"sent,omitempty" yaml:"sent,omitempty"`
	Data      map[string]any `json:"data" yaml:"data"`
}

// NewEventRecord builds the printable view of ev.
func NewEventRecord(ev *event.Event) EventRecord {
	r := EventRecord{
		ID:        ev.ID,
		Topic:     ev.Topic,
		Target:    ev.Target,
		InReplyTo: ev.InReplyToEvent,
		Data:      ev.Data,
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	if ev.Source != nil {
		r.Source = ev.Source.ID
		if ev.Source.ApplicationID != "" {
			r.Source += " (" + ev.Source.ApplicationID + ")"
		}
	}
	if ev.Sent != nil {
		r.Sent = ev.Sent.UTC().Format(time.RFC3339)
	}
	return r
}

// EventTableData renders a single event as a property/value table with one
// row per data key.
func EventTableData(r EventRecord) Data {
	rows := [][]string{
		{"ID", r.ID},
		{"Topic", r.Topic},
	}
	for _, kv := range [][2]string{
		{"Source", r.Source},
		{"Target", r.Target},
		{"In Reply To", r.InReplyTo},
		{"Sent", r.Sent},
	} {
		if kv[1] != "" {
			rows = append(rows, []string{kv[0], kv[1]})
		}
	}

	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{"data." + k, compact(r.Data[k])})
	}

	return Data{Headers: []string{"Property", "Value"}, Rows: rows}
}

// WriteEvent writes ev to w using f. Table formatters get the event table.
func WriteEvent(w io.Writer, f Formatter, ev *event.Event) error {
	r := NewEventRecord(ev)
	if _, ok := f.(*TableFormatter); ok {
		return f.Format(w, EventTableData(r))
	}
	return f.Format(w, r)
}

func compact(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "<unprintable>"
	}
	return string(b)
}
