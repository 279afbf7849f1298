package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

// WithLogger returns ctx carrying logger. A nil logger stores Default.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	if logger == nil {
		logger = Default()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger carried by ctx, or Default.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	return Default()
}

// WithEventID tags the context logger with an event id.
func WithEventID(ctx context.Context, id string) context.Context {
	return withStr(ctx, "event_id", id)
}

// WithTopic tags the context logger with an event topic.
func WithTopic(ctx context.Context, topic string) context.Context {
	return withStr(ctx, "topic", topic)
}

// WithSubscriber tags the context logger with a subscriber id.
func WithSubscriber(ctx context.Context, id string) context.Context {
	return withStr(ctx, "subscriber_id", id)
}

func withStr(ctx context.Context, key, value string) context.Context {
	l := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, &l)
}
