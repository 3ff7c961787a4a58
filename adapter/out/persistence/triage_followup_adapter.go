package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"triage_server/core/domain"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// FollowUpRepository implements domain.FollowUpRepository on sqlx.
type FollowUpRepository struct {
	db *sqlx.DB
}

func NewFollowUpRepository(db *sqlx.DB) *FollowUpRepository {
	return &FollowUpRepository{db: db}
}

const followUpColumns = `id, email_id, thread_id, subject, sender, priority, category, labels,
	vip_tier, reason, status, added_at, snoozed_until, last_action_at, sla_deadline,
	sla_status, action_count, snooze_count, escalated_at, closed_at, version, updated_at`

type followUpRow struct {
	ID           string        `db:"id"`
	EmailID      string        `db:"email_id"`
	ThreadID     string        `db:"thread_id"`
	Subject      string        `db:"subject"`
	Sender       string        `db:"sender"`
	Priority     string        `db:"priority"`
	Category     string        `db:"category"`
	Labels       string        `db:"labels"`
	VIPTier      sql.NullInt64 `db:"vip_tier"`
	Reason       string        `db:"reason"`
	Status       string        `db:"status"`
	AddedAt      int64         `db:"added_at"`
	SnoozedUntil sql.NullInt64 `db:"snoozed_until"`
	LastActionAt sql.NullInt64 `db:"last_action_at"`
	SLADeadline  sql.NullInt64 `db:"sla_deadline"`
	SLAStatus    string        `db:"sla_status"`
	ActionCount  int           `db:"action_count"`
	SnoozeCount  int           `db:"snooze_count"`
	EscalatedAt  sql.NullInt64 `db:"escalated_at"`
	ClosedAt     sql.NullInt64 `db:"closed_at"`
	Version      int           `db:"version"`
	UpdatedAt    int64         `db:"updated_at"`
}

func (r *followUpRow) toDomain() (*domain.FollowUpItem, error) {
	item := &domain.FollowUpItem{
		ID:             r.ID,
		EmailID:        r.EmailID,
		ThreadID:       r.ThreadID,
		Subject:        r.Subject,
		From:           r.Sender,
		Priority:       domain.Priority(r.Priority),
		Category:       r.Category,
		Reason:         domain.FollowUpReason(r.Reason),
		Status:         domain.FollowUpStatus(r.Status),
		AddedToQueueAt: fromNanos(r.AddedAt),
		SnoozedUntil:   fromNullNanos(r.SnoozedUntil),
		LastActionDate: fromNullNanos(r.LastActionAt),
		SLADeadline:    fromNullNanos(r.SLADeadline),
		SLAStatus:      domain.SLAStatus(r.SLAStatus),
		ActionCount:    r.ActionCount,
		SnoozeCount:    r.SnoozeCount,
		EscalatedAt:    fromNullNanos(r.EscalatedAt),
		ClosedAt:       fromNullNanos(r.ClosedAt),
		Version:        r.Version,
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}
	if r.VIPTier.Valid {
		tier := domain.VIPTier(r.VIPTier.Int64)
		item.VIPTier = &tier
	}
	if r.Labels != "" {
		if err := json.Unmarshal([]byte(r.Labels), &item.Labels); err != nil {
			return nil, fmt.Errorf("decode labels of %s: %w", r.ID, err)
		}
	}
	return item, nil
}

func toFollowUpRow(item *domain.FollowUpItem) (*followUpRow, error) {
	labels := item.Labels
	if labels == nil {
		labels = []string{}
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	row := &followUpRow{
		ID:           item.ID,
		EmailID:      item.EmailID,
		ThreadID:     item.ThreadID,
		Subject:      item.Subject,
		Sender:       item.From,
		Priority:     string(item.Priority),
		Category:     item.Category,
		Labels:       string(encoded),
		Reason:       string(item.Reason),
		Status:       string(item.Status),
		AddedAt:      item.AddedToQueueAt.UnixNano(),
		SnoozedUntil: toNullNanos(item.SnoozedUntil),
		LastActionAt: toNullNanos(item.LastActionDate),
		SLADeadline:  toNullNanos(item.SLADeadline),
		SLAStatus:    string(item.SLAStatus),
		ActionCount:  item.ActionCount,
		SnoozeCount:  item.SnoozeCount,
		EscalatedAt:  toNullNanos(item.EscalatedAt),
		ClosedAt:     toNullNanos(item.ClosedAt),
		Version:      item.Version,
		UpdatedAt:    item.UpdatedAt.UnixNano(),
	}
	if item.VIPTier != nil {
		row.VIPTier = sql.NullInt64{Int64: int64(*item.VIPTier), Valid: true}
	}
	return row, nil
}

// =============================================================================
// Commands
// =============================================================================

func (r *FollowUpRepository) Create(ctx context.Context, item *domain.FollowUpItem) error {
	item.Version = 1
	row, err := toFollowUpRow(item)
	if err != nil {
		return err
	}
	query := `INSERT INTO followup_items (` + followUpColumns + `) VALUES (
		:id, :email_id, :thread_id, :subject, :sender, :priority, :category, :labels,
		:vip_tier, :reason, :status, :added_at, :snoozed_until, :last_action_at, :sla_deadline,
		:sla_status, :action_count, :snooze_count, :escalated_at, :closed_at, :version, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert followup item: %w", err)
	}
	return nil
}

// Update writes the item when the stored version matches item.Version.
func (r *FollowUpRepository) Update(ctx context.Context, item *domain.FollowUpItem) error {
	row, err := toFollowUpRow(item)
	if err != nil {
		return err
	}
	query := `UPDATE followup_items SET
		priority = :priority, category = :category, labels = :labels, vip_tier = :vip_tier,
		reason = :reason, status = :status, snoozed_until = :snoozed_until,
		last_action_at = :last_action_at, sla_deadline = :sla_deadline, sla_status = :sla_status,
		action_count = :action_count, snooze_count = :snooze_count, escalated_at = :escalated_at,
		closed_at = :closed_at, updated_at = :updated_at, version = version + 1
		WHERE id = :id AND version = :version`
	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update followup item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update followup item: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	item.Version++
	return nil
}

// =============================================================================
// Queries
// =============================================================================

func (r *FollowUpRepository) GetByID(ctx context.Context, id string) (*domain.FollowUpItem, error) {
	query := r.db.Rebind(`SELECT ` + followUpColumns + ` FROM followup_items WHERE id = ?`)
	return r.getOne(ctx, query, id)
}

func (r *FollowUpRepository) FindOpenByEmailID(ctx context.Context, emailID string) (*domain.FollowUpItem, error) {
	query := r.db.Rebind(`SELECT ` + followUpColumns + ` FROM followup_items
		WHERE email_id = ? AND status NOT IN ('COMPLETED', 'ARCHIVED')`)
	return r.getOne(ctx, query, emailID)
}

func (r *FollowUpRepository) getOne(ctx context.Context, query string, args ...any) (*domain.FollowUpItem, error) {
	var row followUpRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get followup item: %w", err)
	}
	return row.toDomain()
}

// List returns items ordered by SLA deadline, earliest first.
func (r *FollowUpRepository) List(ctx context.Context, filter *domain.FollowUpFilter) ([]*domain.FollowUpItem, error) {
	if filter == nil {
		filter = &domain.FollowUpFilter{}
	}
	var conditions []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.EmailID != "" {
		conditions = append(conditions, "email_id = ?")
		args = append(args, filter.EmailID)
	}

	query := `SELECT ` + followUpColumns + ` FROM followup_items`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY COALESCE(sla_deadline, added_at), id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	var rows []followUpRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list followup items: %w", err)
	}
	items := make([]*domain.FollowUpItem, 0, len(rows))
	for i := range rows {
		item, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// =============================================================================
// Helpers
// =============================================================================

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
