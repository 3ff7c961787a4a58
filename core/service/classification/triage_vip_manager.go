package classification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"
)

// VIPManager answers sender importance lookups against the VIP registry.
type VIPManager struct {
	repo domain.VIPRepository
	now  func() time.Time
}

func NewVIPManager(repo domain.VIPRepository) *VIPManager {
	return &VIPManager{repo: repo, now: time.Now}
}

// Lookup checks the exact address first, then an "@domain" wildcard entry.
// It returns nil for non-VIP senders.
func (m *VIPManager) Lookup(ctx context.Context, sender string) (*domain.VIPStatus, error) {
	addr := domain.NormalizeAddress(sender)
	if addr == "" {
		return nil, nil
	}

	keys := []string{addr}
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		keys = append(keys, addr[at:])
	}
	for _, key := range keys {
		vip, err := m.repo.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lookup vip %s: %w", key, err)
		}
		if vip != nil && vip.Tier.IsValid() {
			return &domain.VIPStatus{Tier: vip.Tier, IsVIP: true}, nil
		}
	}
	return nil, nil
}

// Add registers or re-tiers a sender. Repeating the same call changes nothing.
func (m *VIPManager) Add(ctx context.Context, sender string, tier domain.VIPTier, name string) error {
	if !tier.IsValid() {
		return apperr.InvalidInput("tier", fmt.Sprintf("tier must be 1-3, got %d", tier))
	}
	key := domain.VIPKey(sender)
	if key == "" || key == "@" {
		return apperr.InvalidInput("sender", "sender is required")
	}
	existing, err := m.repo.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get vip %s: %w", key, err)
	}
	if existing != nil && existing.Tier == tier && (name == "" || existing.Name == name) {
		return nil
	}
	vip := &domain.VIPSender{Key: key, Name: name, Tier: tier, CreatedAt: m.now()}
	if existing != nil {
		vip.CreatedAt = existing.CreatedAt
		vip.Note = existing.Note
		if name == "" {
			vip.Name = existing.Name
		}
	}
	if err := m.repo.Upsert(ctx, vip); err != nil {
		return fmt.Errorf("upsert vip %s: %w", key, err)
	}
	return nil
}

// Remove drops a sender. Removing an unknown sender is not an error.
func (m *VIPManager) Remove(ctx context.Context, sender string) error {
	key := domain.VIPKey(sender)
	if _, err := m.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete vip %s: %w", key, err)
	}
	return nil
}

// Seed adds every catalog entry.
func (m *VIPManager) Seed(ctx context.Context, senders []domain.VIPSender) error {
	for _, s := range senders {
		if err := m.Add(ctx, s.Key, s.Tier, s.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m *VIPManager) List(ctx context.Context) ([]*domain.VIPSender, error) {
	return m.repo.List(ctx)
}
