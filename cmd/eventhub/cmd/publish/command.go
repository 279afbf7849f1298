// Package publish implements the publish command.
package publish

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentstation/eventhub"
	"github.com/agentstation/eventhub/cmd/application"
	"github.com/agentstation/eventhub/internal/backoff"
	"github.com/agentstation/eventhub/internal/cmd/globals"
	"github.com/agentstation/eventhub/internal/cmd/output"
	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/errors"
	"github.com/agentstation/eventhub/pkg/event"
)

// Result is printed after a publish without --wait.
type Result struct {
	ID    string `json:"id" yaml:"id"`
	Topic string `json:"topic" yaml:"topic"`
}

type options struct {
	topic   string
	target  string
	wait    bool
	timeout time.Duration
	retries int
	data    *globals.DataFlags
}

// retryBackoff spaces attempts made with --retries.
var retryBackoff = backoff.Config{
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2,
	Jitter:       true,
}

// NewCommand creates the publish command.
func NewCommand(app application.Application) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:     "publish",
		GroupID: "core",
		Short:   "Publish an event",
		Long: `Publish sends one event to the event server.

With --wait the command blocks until the first reply arrives and prints it.
With --retries a failed publish or reply wait is attempted again with
the same event id.`,
		Example: `  eventhub publish --topic ftrack.update --data entity=task
  eventhub publish --topic my.request --data a=2 --data b=3 --wait --timeout 10s
  eventhub publish --topic my.notify --target applicationId=ftrack.client
  eventhub publish --topic my.request --wait --timeout 2s --retries 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, app, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.topic, "topic", "t", "", "event topic (required)")
	cmd.Flags().StringVar(&opts.target, "target", "", "target expression restricting delivery")
	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "wait for the first reply and print it")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "how long to wait for a connection and reply (default from config)")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "extra attempts after a failed publish or reply wait")
	opts.data = globals.AddDataFlags(cmd, "data", "event data as key=value, repeatable; JSON values keep their type")
	_ = cmd.MarkFlagRequired("topic")

	return cmd
}

func run(cmd *cobra.Command, app application.Application, opts *options) error {
	data, err := opts.data.Map()
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

	var evOpts []event.Option
	if opts.target != "" {
		evOpts = append(evOpts, event.WithTarget(opts.target))
	}
	ev := event.New(opts.topic, data, evOpts...)

	var pubOpts []eventhub.PublishOption
	if opts.timeout > 0 {
		pubOpts = append(pubOpts, eventhub.WithTimeout(opts.timeout))
	}

	logger := app.Logger()
	format := output.Format(app.OutputFormat())
	if opts.retries < 0 {
		return errors.NewValidationError("retries", opts.retries, "must not be negative")
	}
	attempts := opts.retries + 1

	if opts.wait {
		var reply *event.Event
		err := backoff.Retry(cmd.Context(), attempts, retryBackoff, logger, func(ctx context.Context) error {
			var err error
			reply, err = hub.PublishAndWaitForReply(ctx, ev, pubOpts...)
			return err
		})
		if err != nil {
			return err
		}
		logger.Debug().Str("event_id", ev.ID).Str("reply_id", reply.ID).Msg("Reply received")
		return output.WriteEvent(app.Out(), output.NewFormatter(format), reply)
	}

	var id string
	err = backoff.Retry(cmd.Context(), attempts, retryBackoff, logger, func(ctx context.Context) error {
		var err error
		id, err = hub.Publish(ctx, ev, pubOpts...)
		return err
	})
	if err != nil {
		return err
	}

	// The process exits next; make sure the frame reached the socket.
	flushCtx, cancel := context.WithTimeout(cmd.Context(), constants.WriteTimeout)
	defer cancel()
	if err := hub.Flush(flushCtx); err != nil {
		return errors.WrapResource("flush", "event", id, err)
	}
	logger.Debug().Str("event_id", id).Str("topic", ev.Topic).Msg("Event published")
	return output.NewFormatter(format).Format(app.Out(), Result{ID: id, Topic: ev.Topic})
}
