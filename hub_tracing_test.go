package eventhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/agentstation/eventhub/pkg/errors"
	"github.com/agentstation/eventhub/pkg/event"
)

type startedSpan struct {
	name  string
	kind  trace.SpanKind
	attrs map[attribute.Key]string
}

// recordingProvider records span starts and hands out no-op spans.
type recordingProvider struct {
	embedded.TracerProvider

	mu    sync.Mutex
	spans []startedSpan
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return &recordingTracer{provider: p}
}

func (p *recordingProvider) started() []startedSpan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]startedSpan(nil), p.spans...)
}

type recordingTracer struct {
	embedded.Tracer

	provider *recordingProvider
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	attrs := make(map[attribute.Key]string)
	for _, kv := range cfg.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}

	t.provider.mu.Lock()
	t.provider.spans = append(t.provider.spans, startedSpan{name: name, kind: cfg.SpanKind(), attrs: attrs})
	t.provider.mu.Unlock()

	return tracenoop.NewTracerProvider().Tracer("").Start(ctx, name, opts...)
}

func TestPublishSpans(t *testing.T) {
	tp := &recordingProvider{}
	ft := newFakeTransport(true)
	h := newTestHub(t, ft, WithTracerProvider(tp))
	h.Connect()

	ev := event.New("traced.topic", nil)
	_, err := h.Publish(context.Background(), ev)
	require.NoError(t, err)

	spans := tp.started()
	require.Len(t, spans, 1)
	assert.Equal(t, "eventhub.publish", spans[0].name)
	assert.Equal(t, trace.SpanKindProducer, spans[0].kind)
	assert.Equal(t, "traced.topic", spans[0].attrs["event.topic"])
	assert.Equal(t, ev.ID, spans[0].attrs["event.id"])
	assert.Equal(t, h.ID(), spans[0].attrs["eventhub.hub_id"])
}

func TestPublishAndWaitSpan(t *testing.T) {
	tp := &recordingProvider{}
	ft := newFakeTransport(true)
	h := newTestHub(t, ft, WithTracerProvider(tp))
	h.Connect()

	ev := event.New("traced.request", nil)
	_, err := h.PublishAndWaitForReply(context.Background(), ev, WithTimeout(20*time.Millisecond))
	assert.True(t, errors.IsReplyTimeout(err))

	spans := tp.started()
	require.NotEmpty(t, spans)
	assert.Equal(t, "eventhub.publish_and_wait", spans[0].name)
	assert.Equal(t, ev.ID, spans[0].attrs["event.id"])
}
