package followup

import (
	"context"
	"sort"
	"sync"

	"triage_server/core/domain"
)

// memRepo is an in-memory FollowUpRepository with the same version semantics as the SQL store.
type memRepo struct {
	mu    sync.Mutex
	items map[string]domain.FollowUpItem
	// conflicts makes the next N updates fail with ErrVersionConflict.
	conflicts int
}

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[string]domain.FollowUpItem)}
}

func (r *memRepo) Create(_ context.Context, item *domain.FollowUpItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.EmailID == item.EmailID && it.IsOpen() {
			return domain.ErrDuplicate
		}
	}
	item.Version = 1
	r.items[item.ID] = *item
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*domain.FollowUpItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (r *memRepo) FindOpenByEmailID(_ context.Context, emailID string) (*domain.FollowUpItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.EmailID == emailID && it.IsOpen() {
			found := it
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memRepo) List(_ context.Context, filter *domain.FollowUpFilter) ([]*domain.FollowUpItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.FollowUpItem
	for _, it := range r.items {
		if filter != nil && len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, it.Status) {
			continue
		}
		if filter != nil && filter.EmailID != "" && it.EmailID != filter.EmailID {
			continue
		}
		found := it
		out = append(out, &found)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter != nil {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
	}
	return out, nil
}

func (r *memRepo) Update(_ context.Context, item *domain.FollowUpItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[item.ID]
	if !ok || stored.Version != item.Version {
		return domain.ErrVersionConflict
	}
	if r.conflicts > 0 {
		r.conflicts--
		return domain.ErrVersionConflict
	}
	item.Version++
	r.items[item.ID] = *item
	return nil
}

func hasStatus(set []domain.FollowUpStatus, s domain.FollowUpStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

type recordedFeedback struct {
	emailID        string
	classification *domain.ClassificationResult
	feedback       *domain.ClassificationFeedback
}

type fakeLearner struct {
	calls []recordedFeedback
}

func (f *fakeLearner) RecordFeedback(_ context.Context, emailID string, cls *domain.ClassificationResult, fb *domain.ClassificationFeedback) error {
	f.calls = append(f.calls, recordedFeedback{emailID, cls, fb})
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	labels  map[string][]string
	notices []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{labels: make(map[string][]string)}
}

func (s *fakeSink) ApplyLabel(_ context.Context, emailID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[emailID] = append(s.labels[emailID], label)
	return nil
}

func (s *fakeSink) Notify(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, text)
	return nil
}
