package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Labeler applies a mailbox label to a message.
type Labeler interface {
	ApplyLabel(ctx context.Context, emailID, label string) error
}

// Notifier delivers a notice keyed by a follow-up item ID.
type Notifier interface {
	Notify(ctx context.Context, id, text string) error
}

// Sink fans notices out to every notifier and routes labels to the mailbox.
// It implements out.NotificationSink.
type Sink struct {
	labeler   Labeler
	notifiers []Notifier
	log       zerolog.Logger
}

// NewSink builds a sink. A nil labeler makes ApplyLabel a no-op.
func NewSink(labeler Labeler, log zerolog.Logger, notifiers ...Notifier) *Sink {
	return &Sink{labeler: labeler, notifiers: notifiers, log: log}
}

func (s *Sink) ApplyLabel(ctx context.Context, emailID, label string) error {
	if s.labeler == nil {
		return nil
	}
	return s.labeler.ApplyLabel(ctx, emailID, label)
}

// Notify tries every notifier and joins their errors.
func (s *Sink) Notify(ctx context.Context, id, text string) error {
	var errs []error
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, id, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notices to the log. It stands in for Slack when no
// workspace is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, id, text string) error {
	l.log.Info().Str("item_id", id).Msg(text)
	return nil
}
