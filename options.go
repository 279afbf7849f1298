package eventhub

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/event"
	"github.com/agentstation/eventhub/pkg/logging"
	"github.com/agentstation/eventhub/pkg/transport"
)

const tracerName = "github.com/agentstation/eventhub"

// options holds the Hub configuration.
type options struct {
	applicationID  string
	transport      Transport
	registry       *transport.Registry
	transportOpts  []transport.Option
	logger         *zerolog.Logger
	tracerProvider trace.TracerProvider
	defaultTimeout time.Duration
}

func defaultOptions() *options {
	return &options{
		applicationID:  constants.DefaultApplicationID,
		logger:         logging.Component("eventhub"),
		tracerProvider: otel.GetTracerProvider(),
		defaultTimeout: constants.PublishTimeout,
	}
}

// Option configures a Hub.
type Option func(*options)

// WithApplicationID sets the application id stamped on outgoing events.
func WithApplicationID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.applicationID = id
		}
	}
}

// WithTransport binds the hub to an existing transport instead of
// creating one on Connect.
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithRegistry makes the hub share its transport with every other hub
// using the same registry, server and credentials.
func WithRegistry(r *transport.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithTransportOptions passes options to the transport created on Connect.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracerProvider sets the OpenTelemetry provider used for publish spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithDefaultTimeout sets the timeout used by Publish and
// PublishAndWaitForReply when no WithTimeout is given.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.defaultTimeout = d
		}
	}
}

// ReplyFunc receives reply events for a published event.
type ReplyFunc func(reply *event.Event)

type publishOptions struct {
	onReply ReplyFunc
	timeout time.Duration
}

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

// WithOnReply registers fn for every reply to the published event.
func WithOnReply(fn ReplyFunc) PublishOption {
	return func(o *publishOptions) {
		o.onReply = fn
	}
}

// WithTimeout bounds how long to wait for the event server. Zero waits
// for as long as ctx allows.
func WithTimeout(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.timeout = d
	}
}

type subscribeOptions struct {
	id       string
	metadata map[string]any
}

// SubscribeOption configures a subscriber.
type SubscribeOption func(*subscribeOptions)

// WithSubscriberID sets the subscriber id. It must be unique within the hub.
func WithSubscriberID(id string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.id = id
	}
}

// WithSubscriberMetadata attaches metadata announced to the server with the
// subscription. An "id" entry is used as the subscriber id unless
// WithSubscriberID is also given.
func WithSubscriberMetadata(md map[string]any) SubscribeOption {
	return func(o *subscribeOptions) {
		o.metadata = md
	}
}
