// Package store persists facts, forecasts, recommendations and alerts.
// Two backends are provided: an in-process memory store and PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errs.ErrNotFound

	// ErrConflict is returned when a write loses a compare-and-set or would
	// create a second pending recommendation for the same identity
	ErrConflict = errors.New("conflict")
)

// RecommendationFilter narrows ListRecommendations. Zero fields match everything.
type RecommendationFilter struct {
	Provider normalizer.Provider
	Type     recommend.Type
	Status   recommend.Status
	Impact   recommend.Impact
}

// Matches reports whether rec passes the filter
func (f RecommendationFilter) Matches(rec *recommend.Recommendation) bool {
	if f.Provider != "" && rec.Provider != f.Provider {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Impact != "" && rec.Impact != f.Impact {
		return false
	}
	return true
}

// FactQuery selects cost records or utilization samples in [Start, End)
type FactQuery struct {
	Start    time.Time
	End      time.Time
	Provider normalizer.Provider
	Service  string
}

// RecommendationStore persists recommendations
type RecommendationStore interface {
	GetRecommendation(ctx context.Context, id string) (*recommend.Recommendation, error)
	// FindPending returns the pending recommendation for an identity or ErrNotFound
	FindPending(ctx context.Context, id recommend.Identity) (*recommend.Recommendation, error)
	// InsertRecommendation fails with ErrConflict if a pending record for the
	// same identity exists
	InsertRecommendation(ctx context.Context, rec *recommend.Recommendation) error
	// UpdateRecommendation writes rec only if the stored status equals expected
	UpdateRecommendation(ctx context.Context, rec *recommend.Recommendation, expected recommend.Status) error
	ListRecommendations(ctx context.Context, filter RecommendationFilter) ([]*recommend.Recommendation, error)
}

// ForecastStore persists forecast runs. A run replaces every point of its pair.
type ForecastStore interface {
	ReplaceForecast(ctx context.Context, key normalizer.SeriesKey, points []forecast.Point) error
	GetForecast(ctx context.Context, key normalizer.SeriesKey) ([]forecast.Point, error)
}

// FactStore persists the append-only cost and utilization facts
type FactStore interface {
	AppendCostRecords(ctx context.Context, records []normalizer.CostRecord) (int64, error)
	AppendUtilization(ctx context.Context, samples []normalizer.UtilizationSample) (int64, error)
	CostRecords(ctx context.Context, q FactQuery) ([]normalizer.CostRecord, error)
	UtilizationSamples(ctx context.Context, q FactQuery) ([]normalizer.UtilizationSample, error)
	// PurgeBefore drops facts older than cutoff and returns how many were removed
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence surface
type Store interface {
	RecommendationStore
	ForecastStore
	FactStore
	budget.AlertStore
	Close()
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

func inRange(ts time.Time, q FactQuery) bool {
	if !q.Start.IsZero() && ts.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !ts.Before(q.End) {
		return false
	}
	return true
}
