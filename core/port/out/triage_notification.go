package out

import "context"

// NotificationSink applies labels and sends notifications. Callers ignore failures
// beyond logging them.
type NotificationSink interface {
	ApplyLabel(ctx context.Context, emailID, label string) error
	Notify(ctx context.Context, id, text string) error
}
