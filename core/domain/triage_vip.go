package domain

import (
	"context"
	"strings"
	"time"
)

// VIPTier runs from 1 (highest) to 3.
type VIPTier int

const (
	VIPTier1 VIPTier = 1
	VIPTier2 VIPTier = 2
	VIPTier3 VIPTier = 3
)

func (t VIPTier) IsValid() bool {
	return t >= VIPTier1 && t <= VIPTier3
}

// Priority maps tier 1 to CRITICAL, 2 to HIGH and 3 to MEDIUM.
func (t VIPTier) Priority() Priority {
	switch t {
	case VIPTier1:
		return PriorityCritical
	case VIPTier2:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Signal is the vipStatus factor value for this tier.
func (t VIPTier) Signal() float64 {
	switch t {
	case VIPTier1:
		return 1.0
	case VIPTier2:
		return 0.75
	case VIPTier3:
		return 0.5
	default:
		return 0
	}
}

// VIPSender is a registry entry. Key is a lower-cased address or an "@domain" wildcard.
type VIPSender struct {
	Key       string    `json:"key" yaml:"sender"`
	Name      string    `json:"name" yaml:"name"`
	Tier      VIPTier   `json:"tier" yaml:"tier"`
	Note      string    `json:"note,omitempty" yaml:"note,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// VIPStatus is the lookup answer.
type VIPStatus struct {
	Tier  VIPTier `json:"tier"`
	IsVIP bool    `json:"is_vip"`
}

// VIPKey normalizes a sender or wildcard into a registry key.
func VIPKey(sender string) string {
	s := strings.TrimSpace(sender)
	if strings.HasPrefix(s, "@") {
		return strings.ToLower(s)
	}
	return NormalizeAddress(s)
}

// VIPRepository stores the registry.
type VIPRepository interface {
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, key string) (*VIPSender, error)
	Upsert(ctx context.Context, sender *VIPSender) error
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]*VIPSender, error)
}
