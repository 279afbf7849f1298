package socketio

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ParseResult is the outcome of decoding one frame. When Dropped is true
// Packet is the zero value and Reason says why the frame was discarded.
type ParseResult struct {
	Packet  Packet
	Dropped bool
	Reason  string
}

// OK reports whether the frame decoded into a packet.
func (r ParseResult) OK() bool {
	return !r.Dropped
}

func drop(reason string) ParseResult {
	return ParseResult{Dropped: true, Reason: reason}
}

// Parse decodes a single frame. Both "2::" and "5:::{...}" shapes are
// accepted since the data field is whatever follows the third colon.
func Parse(raw []byte) ParseResult {
	frame := string(bytes.TrimSpace(raw))
	if frame == "" {
		return drop("empty frame")
	}

	fields := strings.SplitN(frame, ":", 4)

	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return drop("non-numeric packet type " + strconv.Quote(fields[0]))
	}
	typ := Type(n)
	if !typ.Valid() {
		return drop("unknown packet type " + fields[0])
	}

	p := Packet{Type: typ}
	if len(fields) > 1 {
		p.ID = fields[1]
	}
	if len(fields) > 2 {
		p.Endpoint = fields[2]
	}
	if len(fields) > 3 {
		p.Data = fields[3]
	}

	switch typ {
	case Heartbeat:
		p.Data = ""
	case Event:
		if p.Data == "" {
			return drop("event packet without payload")
		}
		payload := &EventPayload{}
		if err := json.Unmarshal([]byte(p.Data), payload); err != nil {
			return drop("invalid event payload: " + err.Error())
		}
		if payload.Name == "" {
			return drop("event payload without name")
		}
		p.Data = ""
		p.Event = payload
	}

	return ParseResult{Packet: p}
}
