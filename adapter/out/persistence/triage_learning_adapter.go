package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"triage_server/core/domain"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// LearningRepository is the append-only feedback log.
type LearningRepository struct {
	db *sqlx.DB
}

func NewLearningRepository(db *sqlx.DB) *LearningRepository {
	return &LearningRepository{db: db}
}

type learningRow struct {
	ID             string         `db:"id"`
	EmailID        string         `db:"email_id"`
	Subject        string         `db:"subject"`
	Sender         string         `db:"sender"`
	Snippet        string         `db:"snippet"`
	Classification string         `db:"classification"`
	Feedback       sql.NullString `db:"feedback"`
	Outcome        string         `db:"outcome"`
	CreatedAt      int64          `db:"created_at"`
}

func (r *LearningRepository) Append(ctx context.Context, rec *domain.LearningData) error {
	cls, err := json.Marshal(rec.OriginalClassification)
	if err != nil {
		return fmt.Errorf("encode classification: %w", err)
	}
	row := learningRow{
		ID:             rec.ID,
		EmailID:        rec.EmailID,
		Subject:        rec.Subject,
		Sender:         rec.From,
		Snippet:        rec.Snippet,
		Classification: string(cls),
		Outcome:        string(rec.Outcome),
		CreatedAt:      rec.Timestamp.UnixNano(),
	}
	if rec.Feedback != nil {
		fb, err := json.Marshal(rec.Feedback)
		if err != nil {
			return fmt.Errorf("encode feedback: %w", err)
		}
		row.Feedback = sql.NullString{String: string(fb), Valid: true}
	}

	query := `INSERT INTO learning_records
		(id, email_id, subject, sender, snippet, classification, feedback, outcome, created_at)
		VALUES (:id, :email_id, :subject, :sender, :snippet, :classification, :feedback, :outcome, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert learning record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (r *LearningRepository) Recent(ctx context.Context, limit int) ([]*domain.LearningData, error) {
	query := r.db.Rebind(`SELECT id, email_id, subject, sender, snippet, classification, feedback, outcome, created_at
		FROM learning_records ORDER BY created_at DESC, id DESC LIMIT ?`)

	var rows []learningRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list learning records: %w", err)
	}

	records := make([]*domain.LearningData, 0, len(rows))
	for _, row := range rows {
		rec := &domain.LearningData{
			ID:        row.ID,
			EmailID:   row.EmailID,
			Subject:   row.Subject,
			From:      row.Sender,
			Snippet:   row.Snippet,
			Outcome:   domain.LearningOutcome(row.Outcome),
			Timestamp: fromNanos(row.CreatedAt),
		}
		if err := json.Unmarshal([]byte(row.Classification), &rec.OriginalClassification); err != nil {
			return nil, fmt.Errorf("decode classification of %s: %w", row.ID, err)
		}
		if row.Feedback.Valid {
			var fb domain.ClassificationFeedback
			if err := json.Unmarshal([]byte(row.Feedback.String), &fb); err != nil {
				return nil, fmt.Errorf("decode feedback of %s: %w", row.ID, err)
			}
			rec.Feedback = &fb
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *LearningRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM learning_records`); err != nil {
		return 0, fmt.Errorf("count learning records: %w", err)
	}
	return n, nil
}
