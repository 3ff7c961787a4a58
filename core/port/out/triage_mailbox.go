package out

import (
	"context"

	"triage_server/core/domain"
)

// MailboxReader returns email records matching a provider query, oldest first.
type MailboxReader interface {
	Fetch(ctx context.Context, query string, limit int) ([]domain.Email, error)
}
