// Package eventhub is a client for the ftrack realtime event server.
//
// A Hub publishes events, correlates replies and dispatches incoming events
// to local subscribers. Everything that must reach the server goes through a
// connection aware queue: while the transport is down, publishes and
// subscription announcements wait and are flushed in order on reconnect,
// after every subscriber has been announced again.
//
// Example usage:
//
//	hub, err := eventhub.New("https://example.ftrackapp.com", user, key)
//	if err != nil {
//	    return err
//	}
//	hub.Connect()
//	defer hub.Disconnect()
//
//	_, err = hub.Subscribe("topic=ftrack.update", func(ctx context.Context, ev *event.Event) (any, error) {
//	    log.Println(ev.Data)
//	    return nil, nil
//	})
//
//	id, err := hub.Publish(ctx, event.New("my.topic", map[string]any{"k": "v"}))
package eventhub

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/errors"
	"github.com/agentstation/eventhub/pkg/event"
	"github.com/agentstation/eventhub/pkg/logging"
	"github.com/agentstation/eventhub/pkg/transport"
)

// Transport is the connection the hub drives. *transport.Client implements it.
//
// Handlers registered with On must be invoked without any transport lock
// held; the hub calls back into the transport from them.
type Transport interface {
	Connect()
	On(name string, fn transport.Handler) transport.HandlerID
	Emit(name string, data any) error
	IsConnected() bool
	Reconnect()
	Disconnect()
}

var (
	_ Transport    = (*transport.Client)(nil)
	_ keyedEmitter = (*transport.Client)(nil)
)

// flusher is implemented by transports that can report when queued frames
// have been written.
type flusher interface {
	Flush(ctx context.Context) error
}

// keyedEmitter is implemented by transports whose outbound queue keeps
// only the newest unsent frame per key.
type keyedEmitter interface {
	EmitKeyed(name, key string, data any) error
}

// pendingFunc runs with the hub mutex held once the transport is usable.
// It must not lock the hub.
type pendingFunc func(t Transport)

// pending is an entry of the unsent queue.
type pending struct {
	run pendingFunc
}

// delivery is a queued emission settled by exactly one of the transport
// or the caller giving up.
type delivery struct {
	claimed atomic.Bool
	sent    chan error
	entry   *pending
}

// Hub is an event hub client. All methods are safe for concurrent use.
type Hub struct {
	id            string
	serverURL     string
	apiUser       string
	apiKey        string
	applicationID string
	opts          *options
	logger        *zerolog.Logger
	tracer        trace.Tracer

	mu             sync.Mutex
	transport      Transport
	ready          bool
	subscribers    *subscribers
	replyCallbacks map[string]ReplyFunc
	unsent         []*pending
}

// New creates a Hub for the given server and API credentials. The server
// URL gets an explicit port (443 for https, 80 otherwise) when it has none.
// Nothing touches the network until Connect.
func New(serverURL, apiUser, apiKey string, opts ...Option) (*Hub, error) {
	normalized, err := normalizeServerURL(serverURL)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	id := uuid.NewString()
	logger := o.logger.With().Str("hub_id", id).Logger()

	return &Hub{
		id:             id,
		serverURL:      normalized,
		apiUser:        apiUser,
		apiKey:         apiKey,
		applicationID:  o.applicationID,
		opts:           o,
		logger:         &logger,
		tracer:         o.tracerProvider.Tracer(tracerName),
		subscribers:    newSubscribers(),
		replyCallbacks: make(map[string]ReplyFunc),
	}, nil
}

func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", errors.NewValidationError("serverURL", raw, "must be an absolute http or https URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.NewValidationError("serverURL", raw, "scheme must be http or https")
	}
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		return raw + ":" + port, nil
	}
	return raw, nil
}

// ID returns the hub's client id, used as the source id of its events and
// as the target of replies addressed to it.
func (h *Hub) ID() string {
	return h.id
}

// ServerURL returns the normalized server URL.
func (h *Hub) ServerURL() string {
	return h.serverURL
}

// Connect binds the hub to its transport and starts connecting in the
// background. Calling it again after Disconnect resumes the same transport.
func (h *Hub) Connect() {
	h.mu.Lock()
	t := h.transport
	if t == nil {
		t = h.newTransport()
		t.On(transport.EventConnect, func(json.RawMessage) { h.onConnected() })
		t.On(transport.EventDisconnect, func(json.RawMessage) { h.onDisconnected() })
		t.On(constants.EventName, h.onEvent)
		h.transport = t
	}
	h.mu.Unlock()

	t.Connect()
}

func (h *Hub) newTransport() Transport {
	if h.opts.transport != nil {
		return h.opts.transport
	}
	topts := append([]transport.Option{transport.WithLogger(h.logger)}, h.opts.transportOpts...)
	if h.opts.registry != nil {
		return h.opts.registry.Get(h.serverURL, h.apiUser, h.apiKey, false, topts...)
	}
	return transport.New(h.serverURL, h.apiUser, h.apiKey, topts...)
}

// IsConnected reports whether the transport is open.
func (h *Hub) IsConnected() bool {
	h.mu.Lock()
	t := h.transport
	h.mu.Unlock()
	return t != nil && t.IsConnected()
}

// Disconnect closes the transport. Queued work is kept for the next Connect.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	t := h.transport
	h.ready = false
	h.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
}

// Flush waits until the transport has written everything handed to it, or
// ctx is done. Work still queued in the hub for a connection is not waited
// for. Transports without flush support return immediately.
func (h *Hub) Flush(ctx context.Context) error {
	h.mu.Lock()
	t := h.transport
	h.mu.Unlock()

	if f, ok := t.(flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

// Publish stamps ev with the hub source and sends it. It returns the
// event id once the event has been handed to the transport, which says
// nothing about delivery.
//
// Without a connection Publish waits up to the timeout (WithTimeout,
// default 30s) and fails with a *errors.ConnectionTimeoutError. With a
// zero timeout it waits until ctx is done, except before the first
// Connect, where it fails at once with a *errors.PublishError.
func (h *Hub) Publish(ctx context.Context, ev *event.Event, opts ...PublishOption) (string, error) {
	o := h.publishOptions(opts)

	ctx, span := h.startSpan(ctx, "eventhub.publish", ev)
	defer span.End()

	id, err := h.publish(ctx, ev, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return id, err
}

// PublishAndWaitForReply publishes ev and returns the first reply to it.
// It fails with a *errors.ReplyTimeoutError when no reply arrives within
// the timeout. The reply callback is removed on every return path.
func (h *Hub) PublishAndWaitForReply(ctx context.Context, ev *event.Event, opts ...PublishOption) (*event.Event, error) {
	o := h.publishOptions(opts)

	ctx, span := h.startSpan(ctx, "eventhub.publish_and_wait", ev)
	defer span.End()

	reply, err := h.publishAndWait(ctx, ev, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (h *Hub) publishAndWait(ctx context.Context, ev *event.Event, o publishOptions) (*event.Event, error) {
	if ev == nil {
		return nil, errors.NewValidationError("event", nil, "event is required")
	}

	replies := make(chan *event.Event, 1)
	onReply := func(reply *event.Event) {
		select {
		case replies <- reply:
		default:
		}
	}

	h.mu.Lock()
	if h.transport == nil && o.timeout <= 0 {
		h.mu.Unlock()
		return nil, errors.NewPublishError("unable to publish event, not connected to server")
	}
	h.replyCallbacks[ev.ID] = onReply
	d, reconnect := h.submitLocked(ev)
	h.mu.Unlock()
	defer h.removeReplyCallback(ev.ID)
	reconnect()

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	sent := d.sent
	for {
		select {
		case reply := <-replies:
			return reply, nil
		case err := <-sent:
			if err != nil {
				return nil, err
			}
			sent = nil
		case <-timeout:
			// Waiting for the connection counts against the same timeout.
			h.cancelDelivery(d)
			return nil, errors.NewReplyTimeoutError(ev.ID, o.timeout)
		case <-ctx.Done():
			h.cancelDelivery(d)
			return nil, ctx.Err()
		}
	}
}

func (h *Hub) publishOptions(opts []PublishOption) publishOptions {
	o := publishOptions{timeout: h.opts.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (h *Hub) startSpan(ctx context.Context, name string, ev *event.Event) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("eventhub.hub_id", h.id)}
	if ev != nil {
		attrs = append(attrs,
			attribute.String("event.topic", ev.Topic),
			attribute.String("event.id", ev.ID),
		)
	}
	return h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

func (h *Hub) publish(ctx context.Context, ev *event.Event, o publishOptions) (string, error) {
	if ev == nil {
		return "", errors.NewValidationError("event", nil, "event is required")
	}

	h.mu.Lock()
	if h.transport == nil && o.timeout <= 0 {
		h.mu.Unlock()
		return "", errors.NewPublishError("unable to publish event, not connected to server")
	}
	if o.onReply != nil {
		h.replyCallbacks[ev.ID] = o.onReply
	}
	d, reconnect := h.submitLocked(ev)
	h.mu.Unlock()
	reconnect()

	fail := func(err error) (string, error) {
		if h.cancelDelivery(d) {
			if o.onReply != nil {
				h.removeReplyCallback(ev.ID)
			}
			return "", err
		}
		// Emission won the race.
		if err := <-d.sent; err != nil {
			return "", err
		}
		return ev.ID, nil
	}

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-d.sent:
		if err != nil {
			if o.onReply != nil {
				h.removeReplyCallback(ev.ID)
			}
			return "", err
		}
		return ev.ID, nil
	case <-timeout:
		h.logger.Warn().Str("event_id", ev.ID).Dur("timeout", o.timeout).Msg("Event server not connected within timeout")
		return fail(errors.NewConnectionTimeoutError(o.timeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

// submitLocked stamps ev and queues its emission. The caller must run
// reconnect after releasing the lock.
func (h *Hub) submitLocked(ev *event.Event) (*delivery, func()) {
	ev.PrepareSource(h.source())
	snapshot := ev.Clone()

	d := &delivery{sent: make(chan error, 1)}
	entry, reconnect := h.runWhenConnectedLocked(func(t Transport) {
		if !d.claimed.CompareAndSwap(false, true) {
			return
		}
		err := t.Emit(constants.EventName, snapshot)
		if err != nil {
			h.logger.Error().Err(err).Str("event_id", snapshot.ID).Str("topic", snapshot.Topic).Msg("Failed to emit event")
		} else {
			h.logger.Debug().Str("event_id", snapshot.ID).Str("topic", snapshot.Topic).Msg("Published event")
		}
		d.sent <- err
	})
	d.entry = entry
	return d, reconnect
}

// cancelDelivery claims d for the caller and drops it from the unsent
// queue. It reports false when the emission already happened.
func (h *Hub) cancelDelivery(d *delivery) bool {
	if !d.claimed.CompareAndSwap(false, true) {
		return false
	}
	if d.entry != nil {
		h.mu.Lock()
		h.dropUnsentLocked(d.entry)
		h.mu.Unlock()
	}
	return true
}

func (h *Hub) dropUnsentLocked(entry *pending) {
	for i, p := range h.unsent {
		if p == entry {
			h.unsent = append(h.unsent[:i], h.unsent[i+1:]...)
			return
		}
	}
}

func (h *Hub) source() *event.Source {
	return &event.Source{
		ID:            h.id,
		ApplicationID: h.applicationID,
		User:          &event.User{Username: h.apiUser},
	}
}

// runWhenConnectedLocked runs fn now when the hub is connected, otherwise
// appends it to the unsent queue and returns the queued entry. The returned
// func forces a transport reconnect when fn was queued and must be called
// without the lock.
func (h *Hub) runWhenConnectedLocked(fn pendingFunc) (*pending, func()) {
	t := h.transport
	connected := t != nil && t.IsConnected()
	if connected && h.ready {
		fn(t)
		return nil, func() {}
	}

	entry := &pending{run: fn}
	h.unsent = append(h.unsent, entry)
	if t == nil || connected {
		// Open but the connect handler has not run yet; it flushes the queue.
		return entry, func() {}
	}
	h.logger.Debug().Int("unsent", len(h.unsent)).Msg("Event hub is not connected, event is delayed")
	return entry, t.Reconnect
}

// Subscribe registers cb for events matching expr, which must have the
// form topic=<value>. The subscriber is announced to the server, or on the
// first Connect when the hub has not connected yet.
//
// It returns a *errors.FormatError for an unsupported expression and a
// *errors.NotUniqueError when the subscriber id is taken.
func (h *Hub) Subscribe(expr string, cb Callback, opts ...SubscribeOption) (string, error) {
	sub, err := event.ParseSubscription(expr)
	if err != nil {
		return "", err
	}
	if cb == nil {
		return "", errors.NewValidationError("callback", nil, "callback is required")
	}

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	h.mu.Lock()
	s, err := h.subscribers.add(sub, cb, o.id, o.metadata)
	if err != nil {
		h.mu.Unlock()
		return "", err
	}
	reconnect := h.announceLocked(s)
	h.mu.Unlock()
	reconnect()

	h.logger.Debug().Str("subscriber_id", s.ID).Str("topic", sub.Topic).Msg("Subscribed")
	return s.ID, nil
}

// Unsubscribe removes the subscriber with the given id and announces the
// removal. It reports whether a subscriber was removed.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	s, ok := h.subscribers.remove(id)
	if !ok {
		h.mu.Unlock()
		return false
	}

	reconnect := func() {}
	if h.transport != nil {
		ev := event.New(constants.TopicUnsubscribe, map[string]any{
			"subscriber": s.announcement(),
		})
		ev.PrepareSource(h.source())
		snapshot := ev.Clone()
		_, reconnect = h.runWhenConnectedLocked(func(t Transport) {
			if err := emitAnnouncement(t, s.ID, snapshot); err != nil {
				h.logger.Error().Err(err).Str("subscriber_id", s.ID).Msg("Failed to announce unsubscription")
			}
		})
	}
	h.mu.Unlock()
	reconnect()

	h.logger.Debug().Str("subscriber_id", id).Msg("Unsubscribed")
	return true
}

// Subscriber returns a copy of the subscriber with the given id.
func (h *Hub) Subscriber(id string) (*Subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subscribers.get(id)
	if !ok {
		return nil, false
	}
	c := *s
	return &c, true
}

// Subscribers returns a snapshot of every registered subscriber.
func (h *Hub) Subscribers() []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.subscribers.snapshot()
	out := make([]Subscriber, len(snap))
	for i, s := range snap {
		out[i] = *s
	}
	return out
}

// announceLocked queues a subscribe announcement for s. Nothing is sent
// before the first Connect.
func (h *Hub) announceLocked(s *Subscriber) func() {
	if h.transport == nil {
		return func() {}
	}

	ev := event.New(constants.TopicSubscribe, map[string]any{
		"subscriber":   s.announcement(),
		"subscription": s.Subscription.Expression,
	})
	ev.PrepareSource(h.source())
	snapshot := ev.Clone()

	s.announcing = true
	_, reconnect := h.runWhenConnectedLocked(func(t Transport) {
		s.announcing = false
		if err := emitAnnouncement(t, s.ID, snapshot); err != nil {
			h.logger.Error().Err(err).Str("subscriber_id", s.ID).Msg("Failed to announce subscriber")
		}
	})
	return reconnect
}

// emitAnnouncement sends a subscribe or unsubscribe announcement. A newer
// announcement for the same subscriber replaces one the transport has not
// written yet.
func emitAnnouncement(t Transport, subscriberID string, ev *event.Event) error {
	if ke, ok := t.(keyedEmitter); ok {
		return ke.EmitKeyed(constants.EventName, "subscriber:"+subscriberID, ev)
	}
	return t.Emit(constants.EventName, ev)
}

// PublishReply publishes data as a reply to source, addressed to the
// client that sent it. src, when given, becomes the reply source.
func (h *Hub) PublishReply(ctx context.Context, source *event.Event, data map[string]any, src *event.Source, opts ...PublishOption) (string, error) {
	return h.Publish(ctx, newReply(source, data, src), opts...)
}

func newReply(source *event.Event, data map[string]any, src *event.Source) *event.Event {
	var target string
	if source.Source != nil {
		target = "id=" + source.Source.ID
	}
	opts := []event.Option{
		event.WithTarget(target),
		event.WithInReplyTo(source.ID),
	}
	if src != nil {
		opts = append(opts, event.WithSource(src))
	}
	return event.New(constants.TopicReply, data, opts...)
}

// Handle dispatches ev to every subscriber whose topic equals ev.Topic and
// returns how many were invoked. Callback errors and panics are logged and
// never stop delivery to the remaining subscribers. A non-nil callback
// result is queued as a reply to ev.
//
// Each callback gets a context whose logger carries the hub, event and
// subscriber ids; see logging.FromContext.
func (h *Hub) Handle(ctx context.Context, ev *event.Event) int {
	if ev == nil {
		return 0
	}

	h.mu.Lock()
	subs := h.subscribers.snapshot()
	h.mu.Unlock()

	ctx = logging.WithLogger(ctx, h.logger)
	ctx = logging.WithEventID(ctx, ev.ID)
	ctx = logging.WithTopic(ctx, ev.Topic)
	logging.FromContext(ctx).Trace().Msg("Event received")

	invoked := 0
	for _, s := range subs {
		if !s.Subscription.Matches(ev.Topic) {
			continue
		}
		invoked++

		subCtx := logging.WithSubscriber(ctx, s.ID)
		result, ok := h.invoke(subCtx, s, ev)
		if !ok || result == nil {
			continue
		}
		h.reply(subCtx, s, ev, result)
	}
	return invoked
}

func (h *Hub) invoke(ctx context.Context, s *Subscriber, ev *event.Event) (any, bool) {
	var (
		result any
		err    error
		pc     panics.Catcher
	)
	pc.Try(func() { result, err = s.callback(ctx, ev) })

	logger := logging.FromContext(ctx)
	if r := pc.Recovered(); r != nil {
		logger.Error().
			Interface("panic", r.Value).
			Bytes("stack", r.Stack).
			Msg("Subscriber callback panicked")
		return nil, false
	}
	if err != nil {
		logger.Error().Err(err).Msg("Error calling subscriber for event")
		return nil, false
	}
	return result, true
}

// reply queues result as a reply without waiting for the transport.
func (h *Hub) reply(ctx context.Context, s *Subscriber, ev *event.Event, result any) {
	logger := logging.FromContext(ctx)
	data, err := replyData(result)
	if err != nil {
		logger.Warn().Err(err).Msg("Dropping reply that is not a JSON object")
		return
	}
	if ev.Source == nil || ev.Source.ID == "" {
		logger.Warn().Msg("Dropping reply to event without source")
		return
	}

	h.mu.Lock()
	_, reconnect := h.submitLocked(newReply(ev, data, s.source()))
	h.mu.Unlock()
	reconnect()
}

func replyData(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (h *Hub) setReplyCallback(eventID string, fn ReplyFunc) {
	h.mu.Lock()
	h.replyCallbacks[eventID] = fn
	h.mu.Unlock()
}

func (h *Hub) removeReplyCallback(eventID string) {
	h.mu.Lock()
	delete(h.replyCallbacks, eventID)
	h.mu.Unlock()
}

// pendingReplies returns the number of registered reply callbacks.
func (h *Hub) pendingReplies() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.replyCallbacks)
}

func (h *Hub) handleReply(_ context.Context, ev *event.Event) (any, error) {
	h.mu.Lock()
	fn := h.replyCallbacks[ev.InReplyToEvent]
	h.mu.Unlock()

	if fn != nil {
		h.logger.Debug().Str("event_id", ev.ID).Str("in_reply_to", ev.InReplyToEvent).Msg("Reply received")
		fn(ev)
	}
	return nil, nil
}

// onConnected ensures the reply subscription, announces every subscriber
// once and then flushes the unsent queue in order.
func (h *Hub) onConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.transport
	if t == nil {
		return
	}
	h.logger.Debug().Msg("Connected to event server")

	replySub, err := event.ParseSubscription("topic=" + constants.TopicReply)
	if err == nil {
		_, err = h.subscribers.add(replySub, h.handleReply, h.id, nil)
	}
	switch {
	case errors.IsNotUnique(err):
		h.logger.Debug().Msg("Already subscribed to replies")
	case err != nil:
		h.logger.Error().Err(err).Msg("Failed to subscribe to replies")
	}

	h.ready = true
	for _, s := range h.subscribers.snapshot() {
		if s.announcing {
			continue
		}
		// Connected and ready, so this emits immediately.
		h.announceLocked(s)
	}

	queued := h.unsent
	h.unsent = nil
	if len(queued) > 0 {
		h.logger.Debug().Int("count", len(queued)).Msg("Publishing unsent events")
	}
	for _, p := range queued {
		p.run(t)
	}
}

func (h *Hub) onDisconnected() {
	h.mu.Lock()
	h.ready = false
	h.mu.Unlock()
	h.logger.Debug().Msg("Disconnected from event server")
}

func (h *Hub) onEvent(payload json.RawMessage) {
	var ev event.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Warn().Err(err).Msg("Dropping undecodable event")
		return
	}

	h.Handle(context.Background(), &ev)
}
