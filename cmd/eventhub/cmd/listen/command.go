// Package listen implements the listen command.
package listen

import (
	"context"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/agentstation/eventhub"
	"github.com/agentstation/eventhub/cmd/application"
	"github.com/agentstation/eventhub/internal/cmd/globals"
	"github.com/agentstation/eventhub/internal/cmd/output"
	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/errors"
	"github.com/agentstation/eventhub/pkg/event"
	"github.com/agentstation/eventhub/pkg/logging"
)

type options struct {
	topics        []string
	subscriptions []string
	count         int
	reply         *globals.DataFlags
}

// NewCommand creates the listen command.
func NewCommand(app application.Application) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:     "listen",
		GroupID: "core",
		Short:   "Subscribe to topics and print events",
		Long: `Listen subscribes to one or more topics and prints every matching event
until interrupted.

With --reply each received event is answered with the given data, which
makes listen usable as a responder for publish --wait.`,
		Example: `  eventhub listen --topic ftrack.update
  eventhub listen --topic my.request --reply status=ok --count 1
  eventhub listen --subscription "topic=ftrack.update" -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), app, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.topics, "topic", "t", nil, "topic to subscribe to, repeatable")
	cmd.Flags().StringArrayVar(&opts.subscriptions, "subscription", nil, "raw subscription expression, repeatable")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 0, "exit after this many events (0 listens until interrupted)")
	opts.reply = globals.AddDataFlags(cmd, "reply", "reply data as key=value, repeatable")

	return cmd
}

func (o *options) expressions() []string {
	exprs := make([]string, 0, len(o.topics)+len(o.subscriptions))
	for _, topic := range o.topics {
		exprs = append(exprs, "topic="+topic)
	}
	return append(exprs, o.subscriptions...)
}

func run(ctx context.Context, app application.Application, opts *options) error {
	exprs := opts.expressions()
	if len(exprs) == 0 {
		return errors.NewValidationError("topic", nil, "at least one --topic or --subscription is required")
	}

	replyData, err := opts.reply.Map()
	if err != nil {
		return err
	}

	hub, err := app.Hub()
	if err != nil {
		return err
	}
	if hub == nil {
		return errors.NewConfigError("hub", "no hub available", nil)
	}

	p := &printer{
		out:       app.Out(),
		formatter: output.NewStreamFormatter(output.Format(app.OutputFormat())),
		limit:     opts.count,
		done:      make(chan struct{}),
	}

	// Replies are sent from the callback so they reach the transport before
	// the last event lets the command exit.
	callback := func(ctx context.Context, ev *event.Event) (any, error) {
		if !p.print(ev) {
			logging.FromContext(ctx).Debug().Msg("Event past --count ignored")
			return nil, nil
		}
		defer p.finish()

		if replyData != nil {
			if _, err := hub.PublishReply(ctx, ev, replyData, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	var ids []string
	for _, expr := range exprs {
		id, err := hub.Subscribe(expr, callback)
		if err != nil {
			unsubscribeAll(hub, ids)
			return err
		}
		ids = append(ids, id)
		app.Logger().Info().Str("subscription", expr).Str("subscriber_id", id).Msg("Listening")
	}

	select {
	case <-ctx.Done():
	case <-p.done:
	}

	// Withdraw before flushing so the unsubscriptions reach the server too.
	unsubscribeAll(hub, ids)
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.WriteTimeout)
	defer cancel()
	if err := hub.Flush(flushCtx); err != nil {
		app.Logger().Warn().Err(err).Msg("Pending frames not flushed")
	}
	return p.err()
}

func unsubscribeAll(hub *eventhub.Hub, ids []string) {
	for _, id := range ids {
		hub.Unsubscribe(id)
	}
}

// printer serializes event output and counts printed events.
type printer struct {
	out       io.Writer
	formatter output.Formatter
	limit     int
	done      chan struct{}

	mu       sync.Mutex
	printed  int
	writeErr error
}

// print writes ev and reports whether it was printed. Events past the
// limit are ignored.
func (p *printer) print(ev *event.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finishedLocked() || (p.limit > 0 && p.printed >= p.limit) {
		return false
	}

	if err := output.WriteEvent(p.out, p.formatter, ev); err != nil {
		p.writeErr = err
		close(p.done)
		return false
	}
	p.printed++
	return true
}

// finish ends listening once the limit has been printed.
func (p *printer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && p.printed >= p.limit && !p.finishedLocked() {
		close(p.done)
	}
}

func (p *printer) finishedLocked() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *printer) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeErr
}
