package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"triage_server/core/domain"

	"github.com/jmoiron/sqlx"
)

// VIPRepository stores the VIP registry.
type VIPRepository struct {
	db *sqlx.DB
}

func NewVIPRepository(db *sqlx.DB) *VIPRepository {
	return &VIPRepository{db: db}
}

type vipRow struct {
	Key       string `db:"sender_key"`
	Name      string `db:"name"`
	Tier      int    `db:"tier"`
	Note      string `db:"note"`
	CreatedAt int64  `db:"created_at"`
}

func (r vipRow) toDomain() *domain.VIPSender {
	return &domain.VIPSender{
		Key:       r.Key,
		Name:      r.Name,
		Tier:      domain.VIPTier(r.Tier),
		Note:      r.Note,
		CreatedAt: fromNanos(r.CreatedAt),
	}
}

func (r *VIPRepository) Get(ctx context.Context, key string) (*domain.VIPSender, error) {
	var row vipRow
	query := r.db.Rebind(`SELECT sender_key, name, tier, note, created_at FROM vip_senders WHERE sender_key = ?`)
	if err := r.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get vip: %w", err)
	}
	return row.toDomain(), nil
}

func (r *VIPRepository) Upsert(ctx context.Context, s *domain.VIPSender) error {
	query := `INSERT INTO vip_senders (sender_key, name, tier, note, created_at)
		VALUES (:sender_key, :name, :tier, :note, :created_at)
		ON CONFLICT (sender_key) DO UPDATE SET
			name = excluded.name, tier = excluded.tier, note = excluded.note`
	row := vipRow{Key: s.Key, Name: s.Name, Tier: int(s.Tier), Note: s.Note, CreatedAt: s.CreatedAt.UnixNano()}
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("upsert vip: %w", err)
	}
	return nil
}

func (r *VIPRepository) Delete(ctx context.Context, key string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM vip_senders WHERE sender_key = ?`), key)
	if err != nil {
		return false, fmt.Errorf("delete vip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete vip: %w", err)
	}
	return n > 0, nil
}

func (r *VIPRepository) List(ctx context.Context) ([]*domain.VIPSender, error) {
	var rows []vipRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT sender_key, name, tier, note, created_at FROM vip_senders ORDER BY tier, sender_key`); err != nil {
		return nil, fmt.Errorf("list vips: %w", err)
	}
	out := make([]*domain.VIPSender, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}
