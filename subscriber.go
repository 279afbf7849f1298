package eventhub

import (
	"context"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/agentstation/eventhub/pkg/errors"
	"github.com/agentstation/eventhub/pkg/event"
)

// Callback handles an event delivered to a subscriber. A non-nil result is
// published back to the event source as a reply. Only the returned value
// counts: work the callback starts in the background cannot produce a reply.
type Callback func(ctx context.Context, ev *event.Event) (any, error)

// Subscriber is a registered subscription.
type Subscriber struct {
	ID           string
	Subscription event.Subscription
	Metadata     map[string]any

	callback Callback
	// announcing is set while a subscribe announcement sits in the unsent queue.
	announcing bool
}

// announcement is the metadata sent to the server, always carrying the id.
func (s *Subscriber) announcement() map[string]any {
	md := maps.Clone(s.Metadata)
	if md == nil {
		md = make(map[string]any, 1)
	}
	md["id"] = s.ID
	return md
}

// source is the reply source for results of this subscriber.
func (s *Subscriber) source() *event.Source {
	src := &event.Source{ID: s.ID}
	if app, ok := s.Metadata["applicationId"].(string); ok {
		src.ApplicationID = app
	}
	return src
}

// subscribers is an append/remove arena with an id index. It is guarded
// by the hub mutex; iteration always goes through snapshot.
type subscribers struct {
	list  []*Subscriber
	index map[string]*Subscriber
}

func newSubscribers() *subscribers {
	return &subscribers{index: make(map[string]*Subscriber)}
}

func (ss *subscribers) add(sub event.Subscription, cb Callback, id string, md map[string]any) (*Subscriber, error) {
	if id == "" {
		if v, ok := md["id"].(string); ok {
			id = v
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := ss.index[id]; exists {
		return nil, errors.NewNotUniqueError("subscriber", id)
	}

	s := &Subscriber{
		ID:           id,
		Subscription: sub,
		Metadata:     maps.Clone(md),
		callback:     cb,
	}
	ss.list = append(ss.list, s)
	ss.index[id] = s
	return s, nil
}

func (ss *subscribers) remove(id string) (*Subscriber, bool) {
	s, ok := ss.index[id]
	if !ok {
		return nil, false
	}
	delete(ss.index, id)
	ss.list = slices.DeleteFunc(ss.list, func(x *Subscriber) bool { return x == s })
	return s, true
}

func (ss *subscribers) get(id string) (*Subscriber, bool) {
	s, ok := ss.index[id]
	return s, ok
}

func (ss *subscribers) snapshot() []*Subscriber {
	return slices.Clone(ss.list)
}

func (ss *subscribers) len() int {
	return len(ss.list)
}
