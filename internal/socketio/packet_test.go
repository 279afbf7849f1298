package socketio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		want   string
	}{
		{"heartbeat", HeartbeatPacket(), "2::"},
		{"connect", Packet{Type: Connect}, "1::"},
		{"disconnect", Packet{Type: Disconnect}, "0::"},
		{"message with data", Packet{Type: Message, ID: "1", Data: "hello"}, "3:1::hello"},
		{"error with endpoint", Packet{Type: Error, Endpoint: "/chat", Data: "0+1"}, "7::/chat:0+1"},
		{
			"event",
			Packet{Type: Event, Event: &EventPayload{Name: "ftrack.event", Args: []json.RawMessage{json.RawMessage(`{"a":1}`)}}},
			`5:::{"name":"ftrack.event","args":[{"a":1}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.packet)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	t.Run("with data", func(t *testing.T) {
		got, err := EncodeEvent("ftrack.event", map[string]any{"topic": "a"})
		require.NoError(t, err)
		assert.Equal(t, `5:::{"name":"ftrack.event","args":[{"topic":"a"}]}`, string(got))
	})

	t.Run("nil data", func(t *testing.T) {
		got, err := EncodeEvent("ping", nil)
		require.NoError(t, err)
		assert.Equal(t, `5:::{"name":"ping","args":[]}`, string(got))
	})

	t.Run("unmarshalable data", func(t *testing.T) {
		_, err := EncodeEvent("bad", map[string]any{"ch": make(chan int)})
		assert.Error(t, err)
	})
}

func TestParse(t *testing.T) {
	t.Run("heartbeat", func(t *testing.T) {
		res := Parse([]byte("2::"))
		require.True(t, res.OK())
		assert.Equal(t, Heartbeat, res.Packet.Type)
		assert.Nil(t, res.Packet.Event)
	})

	t.Run("bare type", func(t *testing.T) {
		res := Parse([]byte("1"))
		require.True(t, res.OK())
		assert.Equal(t, Connect, res.Packet.Type)
	})

	t.Run("event with three colons", func(t *testing.T) {
		res := Parse([]byte(`5:::{"name":"ftrack.event","args":[{"topic":"x"}]}`))
		require.True(t, res.OK(), res.Reason)
		require.NotNil(t, res.Packet.Event)
		assert.Equal(t, "ftrack.event", res.Packet.Event.Name)
		assert.JSONEq(t, `{"topic":"x"}`, string(res.Packet.Event.FirstArg()))
		assert.Empty(t, res.Packet.Data)
	})

	t.Run("event with id and endpoint", func(t *testing.T) {
		res := Parse([]byte(`5:12+:/ns:{"name":"greet","args":["hi","there"]}`))
		require.True(t, res.OK(), res.Reason)
		assert.Equal(t, "12+", res.Packet.ID)
		assert.Equal(t, "/ns", res.Packet.Endpoint)
		assert.Len(t, res.Packet.Event.Args, 2)
	})

	t.Run("event payload containing colons", func(t *testing.T) {
		res := Parse([]byte(`5:::{"name":"n","args":[{"url":"http://a:80/b::c"}]}`))
		require.True(t, res.OK(), res.Reason)
		assert.JSONEq(t, `{"url":"http://a:80/b::c"}`, string(res.Packet.Event.FirstArg()))
	})

	t.Run("event without args", func(t *testing.T) {
		res := Parse([]byte(`5:::{"name":"n"}`))
		require.True(t, res.OK())
		assert.Nil(t, res.Packet.Event.FirstArg())
	})

	t.Run("error packet", func(t *testing.T) {
		res := Parse([]byte("7:::1+0"))
		require.True(t, res.OK())
		assert.Equal(t, Error, res.Packet.Type)
		assert.Equal(t, "1+0", res.Packet.Data)
	})

	drops := map[string]string{
		"empty":             "",
		"whitespace":        "  \n",
		"non-numeric":       "x::",
		"unknown type":      "9::",
		"negative type":     "-1::",
		"event no payload":  "5:::",
		"event bad json":    "5:::{not json",
		"event no name":     `5:::{"args":[1]}`,
		"event args object": `5:::{"name":"n","args":{"a":1}}`,
	}
	for name, frame := range drops {
		t.Run("drops "+name, func(t *testing.T) {
			var res ParseResult
			assert.NotPanics(t, func() { res = Parse([]byte(frame)) })
			assert.True(t, res.Dropped)
			assert.NotEmpty(t, res.Reason)
			assert.Equal(t, Packet{}, res.Packet)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	payloads := []any{
		map[string]any{"topic": "ftrack.update", "data": map[string]any{"entities": []any{}}},
		map[string]any{"id": "abc", "target": "id=xyz", "inReplyToEvent": nil},
		"plain string",
		float64(42),
	}

	for _, payload := range payloads {
		p, err := NewEvent("ftrack.event", payload)
		require.NoError(t, err)

		frame, err := Encode(p)
		require.NoError(t, err)

		res := Parse(frame)
		require.True(t, res.OK(), res.Reason)
		assert.Equal(t, p.Type, res.Packet.Type)
		assert.Equal(t, p.Event.Name, res.Packet.Event.Name)

		want, err := json.Marshal(payload)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(res.Packet.Event.FirstArg()))
	}

	t.Run("heartbeat", func(t *testing.T) {
		frame, err := Encode(HeartbeatPacket())
		require.NoError(t, err)
		assert.Equal(t, HeartbeatPacket(), Parse(frame).Packet)
	})
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "event", Event.String())
	assert.Equal(t, "noop", Noop.String())
	assert.Equal(t, "unknown(12)", Type(12).String())
	assert.False(t, Type(12).Valid())
}
