// Package learning maintains the adaptive factor weights and category hints.
//
// The feedback log is the source of truth. The LearnedModel is a projection of
// it that lives in memory and in the cache for ModelTTL; a miss on both rebuilds
// it by replaying the most recent RebuildWindow records.
package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	modelCacheKey    = "learning:model:v1"
	modelCachePrefix = "learning:"
	loadKey          = "model"
	snippetLength    = 500
)

// Config tunes the learning system.
type Config struct {
	LearningRate    float64
	RebuildWindow   int
	ModelTTL        time.Duration
	TopKeywords     int
	MinWeight       float64
	DefaultAccuracy float64
	// MinSuggestionConfidence is exclusive: suggestions must score above it.
	MinSuggestionConfidence float64
	MaxSuggestionConfidence float64
}

func DefaultConfig() *Config {
	return &Config{
		LearningRate:            0.1,
		RebuildWindow:           500,
		ModelTTL:                time.Hour,
		TopKeywords:             20,
		MinWeight:               0.01,
		DefaultAccuracy:         0.75,
		MinSuggestionConfidence: 0.3,
		MaxSuggestionConfidence: 0.95,
	}
}

// System is the learning service. Construct one per process and inject it.
type System struct {
	cfg   *Config
	repo  domain.LearningRepository
	cache out.Cache
	log   zerolog.Logger
	now   func() time.Time

	loadGroup singleflight.Group

	mu       sync.RWMutex
	model    *domain.LearnedModel
	loadedAt time.Time
	seeds    map[string]*domain.CategoryHint
}

// NewSystem wires the system. cache may be nil, in which case only the in-memory
// copy is kept.
func NewSystem(repo domain.LearningRepository, cache out.Cache, cfg *Config, log zerolog.Logger) *System {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &System{
		cfg:   cfg,
		repo:  repo,
		cache: cache,
		log:   log.With().Str("component", "learning").Logger(),
		now:   time.Now,
		seeds: make(map[string]*domain.CategoryHint),
	}
}

// =============================================================================
// Loading
// =============================================================================

// Initialize returns a ready model, loading it on first use. Concurrent callers
// share one load.
func (s *System) Initialize(ctx context.Context) (*domain.LearnedModel, error) {
	if m := s.fresh(); m != nil {
		return m, nil
	}
	v, err, _ := s.loadGroup.Do(loadKey, func() (any, error) {
		if m := s.fresh(); m != nil {
			return m, nil
		}
		return s.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.LearnedModel), nil
}

func (s *System) fresh() *domain.LearnedModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model != nil && s.now().Sub(s.loadedAt) < s.cfg.ModelTTL {
		return s.model
	}
	return nil
}

func (s *System) load(ctx context.Context) (*domain.LearnedModel, error) {
	if s.cache != nil {
		var cached domain.LearnedModel
		hit, err := s.cache.GetJSON(ctx, modelCacheKey, &cached)
		if err != nil {
			s.log.Warn().Err(err).Msg("model cache read failed")
		}
		if hit && cached.Weights != nil {
			if cached.Hints == nil {
				cached.Hints = make(map[string]*domain.CategoryHint)
			}
			s.install(&cached)
			return &cached, nil
		}
	}
	return s.RebuildModel(ctx)
}

func (s *System) install(m *domain.LearnedModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cat, seed := range s.seeds {
		if _, ok := m.Hints[cat]; !ok {
			c := *seed
			m.Hints[cat] = &c
		}
	}
	s.model = m
	s.loadedAt = s.now()
}

// current never fails: a load error falls back to a cold-start model.
func (s *System) current(ctx context.Context) *domain.LearnedModel {
	m, err := s.Initialize(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("learned model unavailable, using defaults")
		return s.coldStart()
	}
	return m
}

func (s *System) coldStart() *domain.LearnedModel {
	m := domain.NewLearnedModel(s.cfg.DefaultAccuracy, s.now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	for cat, seed := range s.seeds {
		m.Hints[cat] = seed
	}
	// Seeds are shared; hand out private copies.
	return m.Clone()
}

// RebuildModel replays the most recent feedback records into a fresh model and
// caches it.
func (s *System) RebuildModel(ctx context.Context) (*domain.LearnedModel, error) {
	records, err := s.repo.Recent(ctx, s.cfg.RebuildWindow)
	if err != nil {
		return nil, fmt.Errorf("load feedback log: %w", err)
	}

	m := s.coldStart()
	categories := newRatioTracker()
	priorities := newRatioTracker()
	var correct, total int

	// Recent is newest first; replay in chronological order.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Feedback == nil || rec.Feedback.Validate() != nil {
			continue
		}
		cls := &rec.OriginalClassification
		fb := rec.Feedback
		total++
		if fb.Type == domain.FeedbackCorrect {
			correct++
		}
		categories.add(cls.Category, fb.Type != domain.FeedbackWrongCategory)
		priorities.add(string(cls.Priority), fb.Type != domain.FeedbackWrongPriority)

		applyUpdate(m, s.cfg, update{
			classification: cls,
			feedback:       fb,
			terms:          extractTerms(rec.Subject, rec.Snippet),
			senderPattern:  senderPattern(rec.From),
			at:             rec.Timestamp,
		})
	}

	m.Accuracy = s.cfg.DefaultAccuracy
	if total > 0 {
		m.Accuracy = float64(correct) / float64(total)
	}
	m.SampleCount = total
	m.CategoryAccuracy = categories.ratios()
	m.PriorityAccuracy = make(map[domain.Priority]float64)
	for k, v := range priorities.ratios() {
		m.PriorityAccuracy[domain.Priority(k)] = v
	}
	m.BuiltAt = s.now()

	s.install(m)
	s.persist(ctx, m)
	s.log.Info().Int("records", len(records)).Int("samples", total).Float64("accuracy", m.Accuracy).Msg("model rebuilt")
	return m, nil
}

// Invalidate drops the cached and in-memory model so the next access rebuilds.
func (s *System) Invalidate(ctx context.Context) (int64, error) {
	s.mu.Lock()
	s.model = nil
	s.mu.Unlock()
	if s.cache == nil {
		return 0, nil
	}
	return s.cache.Invalidate(ctx, modelCachePrefix)
}

// SeedCategoryHints installs catalog hints that apply until learning touches them.
func (s *System) SeedCategoryHints(ctx context.Context, hints []domain.CategoryHint) {
	s.mu.Lock()
	for i := range hints {
		h := hints[i]
		if h.Category == "" {
			continue
		}
		h.Weight = capWeight(h.Weight)
		s.seeds[h.Category] = &h
	}
	s.mu.Unlock()
	if m := s.fresh(); m != nil {
		next := m.Clone()
		s.install(next)
	}
}

func (s *System) persist(ctx context.Context, m *domain.LearnedModel) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, modelCacheKey, m, s.cfg.ModelTTL); err != nil {
		s.log.Warn().Err(err).Msg("model cache write failed")
	}
}

// =============================================================================
// Feedback
// =============================================================================

// RecordFeedback logs feedback on a classification and applies the online update.
func (s *System) RecordFeedback(ctx context.Context, emailID string, classification *domain.ClassificationResult, feedback *domain.ClassificationFeedback) error {
	return s.record(ctx, emailID, nil, classification, feedback)
}

// RecordFeedbackForEmail is RecordFeedback with the email text kept for keyword mining.
func (s *System) RecordFeedbackForEmail(ctx context.Context, email *domain.Email, classification *domain.ClassificationResult, feedback *domain.ClassificationFeedback) error {
	if email == nil {
		return apperr.Validation("email is required")
	}
	return s.record(ctx, email.ID, email, classification, feedback)
}

func (s *System) record(ctx context.Context, emailID string, email *domain.Email, cls *domain.ClassificationResult, fb *domain.ClassificationFeedback) error {
	if emailID == "" {
		return apperr.InvalidInput("email_id", "email id is required")
	}
	if cls == nil {
		return apperr.Validation("classification is required")
	}
	if fb != nil {
		if err := fb.Validate(); err != nil {
			return err
		}
	}

	if fb != nil {
		// Load before appending so a rebuild does not replay this record twice.
		s.current(ctx)
	}

	now := s.now()
	rec := &domain.LearningData{
		ID:                     uuid.NewString(),
		EmailID:                emailID,
		OriginalClassification: *cls,
		Outcome:                domain.OutcomeFor(fb),
		Timestamp:              now,
	}
	if fb != nil {
		stored := *fb
		if stored.ID == "" {
			stored.ID = rec.ID
		}
		rec.ID = stored.ID
		rec.Feedback = &stored
	}
	if email != nil {
		rec.Subject = email.Subject
		rec.From = email.SenderAddress()
		rec.Snippet = email.Snippet(snippetLength)
	}

	log := s.log.With().Str("email_id", emailID).Str("record_id", rec.ID).Logger()
	if err := s.repo.Append(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			log.Debug().Msg("feedback already recorded")
			return nil
		}
		log.Warn().Err(err).Msg("feedback log write failed")
	}

	if fb == nil {
		return nil
	}
	if fb.Type == domain.FeedbackMissingAction {
		log.Info().Str("user_action", fb.UserAction).Msg("missing action reported")
	}

	s.mu.Lock()
	base := s.model
	if base == nil {
		s.mu.Unlock()
		base = s.coldStart()
		s.mu.Lock()
	}
	next := base.Clone()
	applyUpdate(next, s.cfg, update{
		classification: cls,
		feedback:       rec.Feedback,
		terms:          extractTerms(rec.Subject, rec.Snippet),
		senderPattern:  senderPattern(rec.From),
		at:             now,
	})
	s.model = next
	if s.loadedAt.IsZero() {
		s.loadedAt = now
	}
	s.mu.Unlock()

	s.persist(ctx, next)
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// CalculatePriorityScore is the weighted dot-product of the signals in [0,100].
func (s *System) CalculatePriorityScore(ctx context.Context, signals domain.FactorSignals) float64 {
	return s.current(ctx).Weights.Score(signals)
}

// CalculateUrgencyScore scores only the time-critical factors.
func (s *System) CalculateUrgencyScore(ctx context.Context, signals domain.FactorSignals) float64 {
	return s.current(ctx).Weights.UrgencyScore(signals)
}

// Weights returns a copy of the current factor weights.
func (s *System) Weights(ctx context.Context) domain.PriorityFactors {
	return s.current(ctx).Weights.Clone()
}

// Accuracy returns the current accuracy estimate.
func (s *System) Accuracy(ctx context.Context) float64 {
	return s.current(ctx).Accuracy
}

// SuggestCategoryForEmail scores each known category against the email:
// +0.1 per keyword hit, +0.2 per sender pattern hit, +0.1 per subject or body
// pattern hit, times the hint weight, capped. It returns nil unless the best
// score clears the minimum.
func (s *System) SuggestCategoryForEmail(ctx context.Context, subject, from, body string) *domain.CategorySuggestion {
	m := s.current(ctx)

	subjectL := strings.ToLower(subject)
	bodyL := strings.ToLower(body)
	fromL := domain.NormalizeAddress(from)
	text := subjectL + "\n" + bodyL

	categories := make([]string, 0, len(m.Hints))
	for cat := range m.Hints {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var best *domain.CategorySuggestion
	for _, cat := range categories {
		hint := m.Hints[cat]
		var score float64
		for _, kw := range hint.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				score += 0.1
			}
		}
		for _, p := range hint.SenderPatterns {
			if p != "" && strings.Contains(fromL, strings.ToLower(p)) {
				score += 0.2
			}
		}
		for _, p := range hint.SubjectPatterns {
			if p != "" && strings.Contains(subjectL, strings.ToLower(p)) {
				score += 0.1
			}
		}
		for _, p := range hint.BodyPatterns {
			if p != "" && strings.Contains(bodyL, strings.ToLower(p)) {
				score += 0.1
			}
		}
		conf := score * hint.Weight
		if conf > s.cfg.MaxSuggestionConfidence {
			conf = s.cfg.MaxSuggestionConfidence
		}
		if best == nil || conf > best.Confidence {
			best = &domain.CategorySuggestion{Category: cat, Confidence: conf}
		}
	}
	if best == nil || best.Confidence <= s.cfg.MinSuggestionConfidence {
		return nil
	}
	return best
}

// senderPattern generalizes an address to its "@domain" form.
func senderPattern(from string) string {
	addr := domain.NormalizeAddress(from)
	if at := strings.LastIndex(addr, "@"); at >= 0 && at < len(addr)-1 {
		return addr[at:]
	}
	return ""
}
