// Package logging holds the zerolog setup shared by the hub, the transport
// and the event server.
//
// Components default to a child of the process logger tagged with their
// name. The hub hands subscriber callbacks a context whose logger already
// carries the event id, topic and subscriber id:
//
//	hub.Subscribe("topic=my.tool.ping", func(ctx context.Context, ev *event.Event) (any, error) {
//		logging.FromContext(ctx).Info().Msg("Ping received")
//		return nil, nil
//	})
package logging

import (
	"os"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var processLogger atomic.Pointer[zerolog.Logger]

func init() {
	l := NewLoggerFromConfig(ConfigFromEnv())
	processLogger.Store(&l)
}

// Default returns the process logger.
func Default() *zerolog.Logger {
	return processLogger.Load()
}

// SetDefault replaces the process logger, and zerolog's global logger with it.
func SetDefault(logger zerolog.Logger) {
	processLogger.Store(&logger)
	log.Logger = logger
}

// Component returns a child of the process logger tagged with name.
func Component(name string) *zerolog.Logger {
	l := Default().With().Str("component", name).Logger()
	return &l
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
