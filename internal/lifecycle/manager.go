// Package lifecycle owns recommendation state: deduplication by
// (resource_id, type), ranking, and the pending → applied → rolled_back/expired
// state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/metrics"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
	"github.com/lvonguyen/cost-optimizer/internal/store"
)

// TaskStatus of an apply request
type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskApplied   TaskStatus = "applied"
)

// Task records an apply decision. Executing the change on the live resource
// is left to an external collaborator.
type Task struct {
	TaskID           string     `json:"task_id"`
	RecommendationID string     `json:"recommendation_id"`
	Status           TaskStatus `json:"status"`
	ScheduledFor     time.Time  `json:"scheduled_for"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Provider normalizer.Provider `json:"provider,omitempty"`
	Impact   recommend.Impact    `json:"severity,omitempty"`
	Type     recommend.Type      `json:"type,omitempty"`
	Status   recommend.Status    `json:"status,omitempty"`
}

// Config configures the manager
type Config struct {
	// Stripes is the number of identity lock stripes
	Stripes int
	// Clock overrides time.Now
	Clock func() time.Time
}

// Manager applies lifecycle transitions with compare-and-set persistence
type Manager struct {
	store  store.RecommendationStore
	locks  *stripedLocks
	now    func() time.Time
	logger *zap.Logger
}

// NewManager creates a new Manager
func NewManager(s store.RecommendationStore, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:  s,
		locks:  newStripedLocks(cfg.Stripes),
		now:    now,
		logger: logger,
	}
}

// NewID returns a fresh recommendation ID
func NewID() string {
	return "rec_" + ksuid.New().String()
}

func validateCandidate(c *recommend.Recommendation) error {
	switch {
	case c.ResourceID == "":
		return &errs.ValidationError{Field: "resource_id", Message: "required"}
	case c.Type == "":
		return &errs.ValidationError{Field: "type", Message: "required"}
	case c.MonthlySavings < 0:
		return &errs.ValidationError{Field: "monthly_savings", Message: "must not be negative"}
	case c.Confidence < 0 || c.Confidence > 1:
		return &errs.ValidationError{Field: "confidence", Message: "must be within [0,1]"}
	}
	return nil
}

// conflict maps a store compare-and-set failure to the caller-facing error
func conflict(err error, id string, expected recommend.Status) error {
	if errors.Is(err, store.ErrConflict) {
		return &errs.ConcurrencyConflict{ID: id, Expected: string(expected)}
	}
	return err
}

// Upsert re-scores the pending recommendation for the candidate's identity,
// keeping its ID and creation time, or inserts a new pending record. It
// reports whether a record was created.
func (m *Manager) Upsert(ctx context.Context, candidate *recommend.Recommendation) (*recommend.Recommendation, bool, error) {
	if err := validateCandidate(candidate); err != nil {
		return nil, false, err
	}

	identity := candidate.Identity()
	unlock := m.locks.lock(identity)
	defer unlock()

	now := m.now()
	existing, err := m.store.FindPending(ctx, identity)
	switch {
	case err == nil:
		next := candidate.Clone()
		next.ID = existing.ID
		next.Status = recommend.StatusPending
		next.CreatedAt = existing.CreatedAt
		next.UpdatedAt = now
		next.AppliedAt, next.RolledBackAt, next.ExpiredAt = nil, nil, nil

		if err := m.store.UpdateRecommendation(ctx, next, recommend.StatusPending); err != nil {
			return nil, false, conflict(err, existing.ID, recommend.StatusPending)
		}
		metrics.RecommendationTransitions.WithLabelValues(string(next.Type), "update").Inc()
		return next, false, nil

	case errors.Is(err, store.ErrNotFound):
		next := candidate.Clone()
		next.ID = NewID()
		next.Status = recommend.StatusPending
		next.CreatedAt = now
		next.UpdatedAt = now
		next.AppliedAt, next.RolledBackAt, next.ExpiredAt = nil, nil, nil

		if err := m.store.InsertRecommendation(ctx, next); err != nil {
			return nil, false, conflict(err, identity.String(), recommend.StatusPending)
		}
		metrics.RecommendationTransitions.WithLabelValues(string(next.Type), "create").Inc()
		m.logger.Debug("Recommendation created",
			zap.String("recommendation_id", next.ID),
			zap.String("resource_id", next.ResourceID),
			zap.String("type", string(next.Type)),
			zap.Float64("monthly_savings", next.MonthlySavings),
		)
		return next, true, nil

	default:
		return nil, false, fmt.Errorf("failed to find pending recommendation: %w", err)
	}
}

// transition loads id, checks the source state under the identity lock and
// writes the mutated record with compare-and-set on that state
func (m *Manager) transition(ctx context.Context, id, action string, from recommend.Status, mutate func(*recommend.Recommendation, time.Time)) (*recommend.Recommendation, error) {
	rec, err := m.store.GetRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.lock(rec.Identity())
	defer unlock()

	rec, err = m.store.GetRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != from {
		return nil, &errs.InvalidStateError{ID: id, From: string(rec.Status), Action: action}
	}

	now := m.now()
	next := rec.Clone()
	mutate(next, now)
	next.UpdatedAt = now

	if err := m.store.UpdateRecommendation(ctx, next, from); err != nil {
		return nil, conflict(err, id, from)
	}
	metrics.RecommendationTransitions.WithLabelValues(string(next.Type), action).Inc()
	m.logger.Info("Recommendation transitioned",
		zap.String("recommendation_id", id),
		zap.String("action", action),
		zap.String("from", string(from)),
		zap.String("to", string(next.Status)),
	)
	return next, nil
}

// Apply records the decision to apply a pending recommendation at effective.
// A zero effective time means now.
func (m *Manager) Apply(ctx context.Context, id string, effective time.Time) (Task, error) {
	var scheduled time.Time
	rec, err := m.transition(ctx, id, "apply", recommend.StatusPending, func(r *recommend.Recommendation, now time.Time) {
		scheduled = effective
		if scheduled.IsZero() {
			scheduled = now
		}
		r.Status = recommend.StatusApplied
		r.AppliedAt = &scheduled
	})
	if err != nil {
		return Task{}, err
	}

	status := TaskApplied
	if scheduled.After(m.now()) {
		status = TaskScheduled
	}
	return Task{
		TaskID:           uuid.NewString(),
		RecommendationID: rec.ID,
		Status:           status,
		ScheduledFor:     scheduled,
	}, nil
}

// Rollback reverts an applied recommendation
func (m *Manager) Rollback(ctx context.Context, id string) (*recommend.Recommendation, error) {
	return m.transition(ctx, id, "rollback", recommend.StatusApplied, func(r *recommend.Recommendation, now time.Time) {
		r.Status = recommend.StatusRolledBack
		r.RolledBackAt = &now
	})
}

// Expire retires a pending recommendation that was not regenerated
func (m *Manager) Expire(ctx context.Context, id string) (*recommend.Recommendation, error) {
	return m.transition(ctx, id, "expire", recommend.StatusPending, func(r *recommend.Recommendation, now time.Time) {
		r.Status = recommend.StatusExpired
		r.ExpiredAt = &now
	})
}

// Get returns one recommendation or errs.ErrNotFound
func (m *Manager) Get(ctx context.Context, id string) (*recommend.Recommendation, error) {
	return m.store.GetRecommendation(ctx, id)
}

// List returns recommendations ranked by monthly savings, then confidence, then ID
func (m *Manager) List(ctx context.Context, f Filter) ([]*recommend.Recommendation, error) {
	recs, err := m.store.ListRecommendations(ctx, store.RecommendationFilter{
		Provider: f.Provider,
		Type:     f.Type,
		Status:   f.Status,
		Impact:   f.Impact,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	store.SortRecommendations(recs)
	return recs, nil
}

// AppliedSavings sums the monthly savings of applied recommendations
func (m *Manager) AppliedSavings(ctx context.Context) (float64, error) {
	recs, err := m.store.ListRecommendations(ctx, store.RecommendationFilter{Status: recommend.StatusApplied})
	if err != nil {
		return 0, fmt.Errorf("failed to list applied recommendations: %w", err)
	}
	total := 0.0
	for _, r := range recs {
		total += r.MonthlySavings
	}
	return total, nil
}
