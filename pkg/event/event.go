// Package event defines the envelope exchanged with the event server and
// the subscription expression grammar used to select events by topic.
//
// Example usage:
//
//	e := event.New("ftrack.update", map[string]any{"entities": entities})
//	sub, err := event.ParseSubscription("topic=ftrack.update")
//	if err == nil && sub.Matches(e.Topic) {
//	    // deliver
//	}
package event

import (
	"bytes"
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Event is a topic addressed message envelope.
//
// ID is assigned at construction and never changes. Source is absent until
// the hub stamps it just before the first transmission.
type Event struct {
	ID             string
	Topic          string
	Data           map[string]any
	Target         string
	InReplyToEvent string
	Source         *Source
	Sent           *time.Time
}

// Source identifies the client that sent an event.
type Source struct {
	ID            string `json:"id,omitempty"`
	ApplicationID string `json:"applicationId,omitempty"`
	ClientToken   string `json:"clientToken,omitempty"`
	User          *User  `json:"user,omitempty"`
}

// User is the API user an event was sent on behalf of.
type User struct {
	Username string `json:"username,omitempty"`
	ID       string `json:"id,omitempty"`
}

// Option configures an Event at construction.
type Option func(*Event)

// WithTarget sets the routing expression, for example "id=<client id>".
func WithTarget(target string) Option {
	return func(e *Event) {
		e.Target = target
	}
}

// WithInReplyTo marks the event as a reply to the event with the given id.
func WithInReplyTo(eventID string) Option {
	return func(e *Event) {
		e.InReplyToEvent = eventID
	}
}

// WithSource presets the source. The hub fills any field left empty.
func WithSource(src *Source) Option {
	return func(e *Event) {
		e.Source = src.Clone()
	}
}

// New creates an event with a fresh UUIDv4 identifier.
func New(topic string, data map[string]any, opts ...Option) *Event {
	e := &Event{
		ID:    uuid.NewString(),
		Topic: topic,
		Data:  data,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddSource replaces the event source.
func (e *Event) AddSource(src *Source) {
	e.Source = src.Clone()
}

// PrepareSource merges src into the event source. Fields already set on
// the event win over the ones in src.
func (e *Event) PrepareSource(src *Source) {
	if src == nil {
		return
	}
	if e.Source == nil {
		e.Source = src.Clone()
		return
	}
	if e.Source.ID == "" {
		e.Source.ID = src.ID
	}
	if e.Source.ApplicationID == "" {
		e.Source.ApplicationID = src.ApplicationID
	}
	if e.Source.ClientToken == "" {
		e.Source.ClientToken = src.ClientToken
	}
	switch {
	case e.Source.User == nil && src.User != nil:
		u := *src.User
		e.Source.User = &u
	case e.Source.User != nil && src.User != nil:
		if e.Source.User.Username == "" {
			e.Source.User.Username = src.User.Username
		}
		if e.Source.User.ID == "" {
			e.Source.User.ID = src.User.ID
		}
	}
}

// Clone returns a copy that shares no mutable state with e at the top
// level. Nested values inside Data are shared.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Data = maps.Clone(e.Data)
	c.Source = e.Source.Clone()
	if e.Sent != nil {
		sent := *e.Sent
		c.Sent = &sent
	}
	return &c
}

// Clone returns a deep copy of the source.
func (s *Source) Clone() *Source {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	return &c
}

// wireEvent is the JSON shape shared with the server.
type wireEvent struct {
	ID             string         `json:"id"`
	Topic          string         `json:"topic"`
	Data           map[string]any `json:"data"`
	Target         string         `json:"target"`
	InReplyToEvent *string        `json:"inReplyToEvent"`
	Source         *Source        `json:"source"`
	Sent           *time.Time     `json:"sent"`
}

// MarshalJSON implements json.Marshaler. An empty inReplyToEvent is sent as null.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:     e.ID,
		Topic:  e.Topic,
		Data:   e.Data,
		Target: e.Target,
		Source: e.Source,
		Sent:   e.Sent,
	}
	if w.Data == nil {
		w.Data = map[string]any{}
	}
	if e.InReplyToEvent != "" {
		id := e.InReplyToEvent
		w.InReplyToEvent = &id
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
//
// Decoding is lenient so one odd event cannot stall delivery: a topic that
// is not a JSON string decodes to the empty topic, which no subscription
// matches, and data that is not an object is discarded.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w struct {
		ID             json.RawMessage `json:"id"`
		Topic          json.RawMessage `json:"topic"`
		Data           json.RawMessage `json:"data"`
		Target         json.RawMessage `json:"target"`
		InReplyToEvent json.RawMessage `json:"inReplyToEvent"`
		Source         json.RawMessage `json:"source"`
		Sent           json.RawMessage `json:"sent"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*e = Event{
		ID:             stringOrEmpty(w.ID),
		Topic:          stringOrEmpty(w.Topic),
		Target:         stringOrEmpty(w.Target),
		InReplyToEvent: stringOrEmpty(w.InReplyToEvent),
	}

	if isObject(w.Data) {
		if err := json.Unmarshal(w.Data, &e.Data); err != nil {
			return err
		}
	}
	if isObject(w.Source) {
		src := &Source{}
		if err := json.Unmarshal(w.Source, src); err == nil {
			e.Source = src
		}
	}
	if len(w.Sent) > 0 && !bytes.Equal(w.Sent, []byte("null")) {
		var sent time.Time
		if err := json.Unmarshal(w.Sent, &sent); err == nil {
			e.Sent = &sent
		}
	}
	return nil
}

func stringOrEmpty(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
