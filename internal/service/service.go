// Package service exposes the consumption interfaces used by API and
// dashboard layers: recommendations, forecasts and active alerts.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/lifecycle"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
	"github.com/lvonguyen/cost-optimizer/internal/store"
)

// Config holds service configuration
type Config struct {
	// HistoryDays bounds the cost history loaded for on-demand forecasts
	HistoryDays int
}

// Service answers read and apply requests against optimizer state
type Service struct {
	config  Config
	manager *lifecycle.Manager
	store   store.Store
	engine  *forecast.Engine
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a new Service
func New(cfg Config, manager *lifecycle.Manager, s store.Store, engine *forecast.Engine, logger *zap.Logger) *Service {
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 365
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:  cfg,
		manager: manager,
		store:   s,
		engine:  engine,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// ListRecommendations returns recommendations matching f, ranked by monthly
// savings, then confidence
func (s *Service) ListRecommendations(ctx context.Context, f lifecycle.Filter) ([]*recommend.Recommendation, error) {
	return s.manager.List(ctx, f)
}

// GetRecommendation returns a recommendation or errs.ErrNotFound
func (s *Service) GetRecommendation(ctx context.Context, id string) (*recommend.Recommendation, error) {
	return s.manager.Get(ctx, id)
}

// ApplyRecommendation applies a pending recommendation now, or at scheduleTime
// when given
func (s *Service) ApplyRecommendation(ctx context.Context, id string, scheduleTime *time.Time) (lifecycle.Task, error) {
	var effective time.Time
	if scheduleTime != nil {
		effective = scheduleTime.UTC()
	}
	task, err := s.manager.Apply(ctx, id, effective)
	if err != nil {
		return lifecycle.Task{}, err
	}
	s.logger.Info("Recommendation applied",
		zap.String("recommendation_id", id),
		zap.String("task_id", task.TaskID),
		zap.String("status", string(task.Status)),
	)
	return task, nil
}

// RollbackRecommendation reverts an applied recommendation
func (s *Service) RollbackRecommendation(ctx context.Context, id string) (*recommend.Recommendation, error) {
	return s.manager.Rollback(ctx, id)
}

// GetForecast projects horizonDays of spend for one (provider, service) pair.
// Pairs with too little history fail with an InsufficientDataError.
func (s *Service) GetForecast(ctx context.Context, provider, service string, horizonDays int) ([]forecast.Point, error) {
	p, ok := normalizer.ParseProvider(provider)
	if !ok {
		return nil, &errs.ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", provider)}
	}
	if service == "" {
		return nil, &errs.ValidationError{Field: "service", Message: "required"}
	}

	now := s.now()
	records, err := s.store.CostRecords(ctx, store.FactQuery{
		Start:    now.AddDate(0, 0, -s.config.HistoryDays),
		End:      now.Add(time.Nanosecond),
		Provider: p,
		Service:  service,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load cost records: %w", err)
	}

	key := normalizer.SeriesKey{Provider: p, Service: service}
	return s.engine.Forecast(ctx, key, forecast.SeriesFromRecords(records)[key], horizonDays)
}

// StoredForecast returns the forecast persisted by the last evaluation cycle
func (s *Service) StoredForecast(ctx context.Context, provider normalizer.Provider, service string) ([]forecast.Point, error) {
	return s.store.GetForecast(ctx, normalizer.SeriesKey{Provider: provider, Service: service})
}

// ListActiveAlerts returns active budget alerts, optionally limited to scope
func (s *Service) ListActiveAlerts(ctx context.Context, scope *budget.Scope) ([]*budget.Alert, error) {
	return s.store.ListAlerts(ctx, budget.AlertFilter{Status: budget.StatusActive, Scope: scope})
}
