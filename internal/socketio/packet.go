// Package socketio implements the subset of the Socket.IO 0.9 framing used
// by the event server: colon separated text frames of the form
// type:id:endpoint:data, with JSON event payloads.
//
// Encoding is infallible for every packet except events whose arguments
// cannot be marshalled. Decoding never fails loudly: Parse returns a
// ParseResult that is either a packet or a drop with a reason.
package socketio

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Type is a Socket.IO 0.9 packet type.
type Type int

// Packet types, in wire order.
const (
	Disconnect Type = iota
	Connect
	Heartbeat
	Message
	JSON
	Event
	Ack
	Error
	Noop
)

var typeNames = [...]string{
	Disconnect: "disconnect",
	Connect:    "connect",
	Heartbeat:  "heartbeat",
	Message:    "message",
	JSON:       "json",
	Event:      "event",
	Ack:        "ack",
	Error:      "error",
	Noop:       "noop",
}

// String returns the lower case name of the packet type.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
	return typeNames[t]
}

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	return t >= Disconnect && t <= Noop
}

// Packet is one decoded frame. Event is set only for event packets, in
// which case Data is empty; every other type carries its payload in Data.
type Packet struct {
	Type     Type
	ID       string
	Endpoint string
	Data     string
	Event    *EventPayload
}

// EventPayload is the JSON body of an event packet.
type EventPayload struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

// FirstArg returns the first argument, or nil when there is none. Only the
// first argument is meaningful to the event hub.
func (p *EventPayload) FirstArg() json.RawMessage {
	if p == nil || len(p.Args) == 0 {
		return nil
	}
	return p.Args[0]
}

// HeartbeatPacket returns the packet a client sends in reply to a server heartbeat.
func HeartbeatPacket() Packet {
	return Packet{Type: Heartbeat}
}

// NewEvent builds an event packet with data as its single argument. A nil
// data produces an event with no arguments.
func NewEvent(name string, data any) (Packet, error) {
	payload := &EventPayload{Name: name, Args: []json.RawMessage{}}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Packet{}, err
		}
		payload.Args = append(payload.Args, raw)
	}
	return Packet{Type: Event, Event: payload}, nil
}

// Encode renders p as a wire frame.
//
// Heartbeats encode as "2::", events as "5:::" followed by the JSON payload,
// and every other packet as type:id:endpoint with ":data" appended when data
// is present.
func Encode(p Packet) ([]byte, error) {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(p.Type)))
	b.WriteByte(':')
	b.WriteString(p.ID)
	b.WriteByte(':')
	b.WriteString(p.Endpoint)

	data := p.Data
	if p.Type == Event && p.Event != nil {
		raw, err := json.Marshal(p.Event)
		if err != nil {
			return nil, err
		}
		data = string(raw)
	}
	if data != "" {
		b.WriteByte(':')
		b.WriteString(data)
	}
	return []byte(b.String()), nil
}

// EncodeEvent is shorthand for NewEvent followed by Encode.
func EncodeEvent(name string, data any) ([]byte, error) {
	p, err := NewEvent(name, data)
	if err != nil {
		return nil, err
	}
	return Encode(p)
}
