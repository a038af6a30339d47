// Package pipeline wires ingestion, forecasting, anomaly detection,
// recommendation generation and budget alerting into one evaluation cycle.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/cost-optimizer/internal/anomaly"
	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/chargeback"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/lifecycle"
	"github.com/lvonguyen/cost-optimizer/internal/metrics"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
	"github.com/lvonguyen/cost-optimizer/internal/store"
)

// Stage names used in summaries and metrics
const (
	StageForecast  = "forecast"
	StageAnomaly   = "anomaly"
	StageRecommend = "recommend"
	StageLifecycle = "lifecycle"
	StageBudget    = "budget"
)

// Config holds pipeline configuration
type Config struct {
	Workers            int
	HorizonDays        int // forecast horizon persisted each cycle
	HistoryDays        int // cost history loaded for forecasting
	AnomalyDays        int // trailing days scanned for anomalies
	LookbackDays       int // recommendation evaluation window
	AnomalyMinSeverity anomaly.Severity
	Budgets            []budget.Budget
}

// Components are the collaborators of a pipeline
type Components struct {
	Store      store.Store
	Normalizer *normalizer.Normalizer
	Engine     *forecast.Engine
	Detector   *anomaly.Detector // nil disables anomaly detection
	Generator  *recommend.Generator
	Manager    *lifecycle.Manager
	Evaluator  *budget.Evaluator
	Allocator  *chargeback.Allocator
}

// Pipeline orchestrates the optimizer components
type Pipeline struct {
	config Config
	Components
	now    func() time.Time
	logger *zap.Logger

	collectors map[string]Collector
	mu         sync.RWMutex
	budgets    []budget.Budget
	cycleMu    sync.Mutex
}

// New creates a new Pipeline
func New(cfg Config, c Components, logger *zap.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 30
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 365
	}
	if cfg.AnomalyDays <= 0 {
		cfg.AnomalyDays = 7
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Allocator == nil {
		c.Allocator = chargeback.NewAllocator(chargeback.AllocatorConfig{})
	}

	return &Pipeline{
		config:     cfg,
		Components: c,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
		collectors: make(map[string]Collector),
		budgets:    append([]budget.Budget(nil), cfg.Budgets...),
	}
}

// WithClock overrides the pipeline's clock
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Summary reports one evaluation cycle. Stage counts are successes; failures
// are tallied by kind in Errors.
type Summary struct {
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
	Series          int                    `json:"series"`
	Forecasts       int                    `json:"forecasts"`
	ForecastPoints  int                    `json:"forecast_points"`
	Anomalies       anomaly.Summary        `json:"anomalies"`
	Evaluated       int                    `json:"evaluated"`
	Candidates      int                    `json:"candidates"`
	Lifecycle       lifecycle.SyncResult   `json:"lifecycle"`
	AlertsRaised    int                    `json:"alerts_raised"`
	AlertsResolved  int                    `json:"alerts_resolved"`
	AnomalyNotified int                    `json:"anomaly_notified"`
	Errors          errs.Counts            `json:"errors"`
	StageErrors     map[string]errs.Counts `json:"stage_errors"`
}

func newSummary(started time.Time) *Summary {
	return &Summary{
		StartedAt:   started,
		Errors:      errs.Counts{},
		StageErrors: make(map[string]errs.Counts),
	}
}

func (s *Summary) fail(stage string, err error) {
	s.Errors.Add(err)
	counts, ok := s.StageErrors[stage]
	if !ok {
		counts = errs.Counts{}
		s.StageErrors[stage] = counts
	}
	counts.Add(err)
	metrics.CycleErrors.WithLabelValues(stage, string(errs.KindOf(err))).Inc()
}

func (s *Summary) merge(stage string, counts errs.Counts) {
	if counts.Total() == 0 {
		return
	}
	s.Errors.Merge(counts)
	stageCounts, ok := s.StageErrors[stage]
	if !ok {
		stageCounts = errs.Counts{}
		s.StageErrors[stage] = stageCounts
	}
	stageCounts.Merge(counts)
	for kind, n := range counts {
		metrics.CycleErrors.WithLabelValues(stage, string(kind)).Add(float64(n))
	}
}

// RunCycle runs one full evaluation. Cycles never overlap; a cycle canceled
// midway keeps the units it already committed and returns the context error.
func (p *Pipeline) RunCycle(ctx context.Context) (*Summary, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	started := time.Now()
	now := p.now()
	summary := newSummary(now)
	defer func() {
		summary.FinishedAt = p.now()
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	records, err := p.Store.CostRecords(ctx, store.FactQuery{
		Start: now.AddDate(0, 0, -p.config.HistoryDays),
		End:   now.Add(time.Nanosecond),
	})
	if err != nil {
		return summary, fmt.Errorf("failed to load cost records: %w", err)
	}

	verdicts, err := p.forecastAll(ctx, records, summary)
	if err != nil {
		return summary, err
	}

	if err := p.recommendAll(ctx, records, now, summary); err != nil {
		return summary, err
	}

	p.evaluateBudgets(ctx, records, now, verdicts, summary)
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	p.logger.Info("Evaluation cycle complete",
		zap.Int("series", summary.Series),
		zap.Int("forecasts", summary.Forecasts),
		zap.Int("anomalies", summary.Anomalies.Anomalous),
		zap.Int("candidates", summary.Candidates),
		zap.Int("created", summary.Lifecycle.Created),
		zap.Int("expired", summary.Lifecycle.Expired),
		zap.Int("alerts_raised", summary.AlertsRaised),
		zap.Int("errors", summary.Errors.Total()),
	)
	return summary, nil
}

// forecastAll forecasts and scans every (provider, service) pair in parallel.
// Each pair's forecast replace commits on its own.
func (p *Pipeline) forecastAll(ctx context.Context, records []normalizer.CostRecord, summary *Summary) ([]anomaly.Verdict, error) {
	series := forecast.SeriesFromRecords(records)
	summary.Series = len(series)

	var mu sync.Mutex
	var verdicts []anomaly.Verdict

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.config.Workers)

	for key, obs := range series {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return nil
			}
			points, ferr := p.Engine.Forecast(egCtx, key, obs, p.config.HorizonDays)
			if ferr == nil {
				ferr = p.Store.ReplaceForecast(egCtx, key, points)
			}

			var found []anomaly.Verdict
			var aerr error
			if p.Detector != nil {
				found, aerr = p.Detector.DetectRecent(egCtx, p.Engine, key, obs, p.config.AnomalyDays)
			}

			mu.Lock()
			defer mu.Unlock()
			if ferr != nil {
				summary.fail(StageForecast, ferr)
				p.logger.Debug("Forecast failed", zap.Stringer("series", key), zap.Error(ferr))
			} else {
				summary.Forecasts++
				summary.ForecastPoints += len(points)
			}
			if aerr != nil {
				summary.fail(StageAnomaly, aerr)
			} else {
				verdicts = append(verdicts, found...)
			}
			return nil
		})
	}
	_ = eg.Wait()

	summary.Anomalies = anomaly.Summarize(verdicts)
	for _, v := range summary.Anomalies.Anomalies {
		metrics.AnomaliesDetected.WithLabelValues(string(v.Severity)).Inc()
	}
	if err := ctx.Err(); err != nil {
		return verdicts, err
	}
	return verdicts, nil
}

func (p *Pipeline) recommendAll(ctx context.Context, records []normalizer.CostRecord, now time.Time, summary *Summary) error {
	start := now.AddDate(0, 0, -p.config.LookbackDays)
	samples, err := p.Store.UtilizationSamples(ctx, store.FactQuery{Start: start, End: now.Add(time.Nanosecond)})
	if err != nil {
		summary.fail(StageRecommend, err)
		return fmt.Errorf("failed to load utilization samples: %w", err)
	}

	histories := recommend.BuildHistories(records, samples, now, p.config.LookbackDays)
	batch, err := p.Generator.GenerateAll(ctx, histories, p.config.Workers)
	if batch != nil {
		summary.Evaluated = len(batch.Evaluated)
		summary.Candidates = len(batch.Candidates)
		summary.merge(StageRecommend, batch.Errors)
	}
	if err != nil {
		return err
	}

	summary.Lifecycle = p.Manager.Sync(ctx, batch.Evaluated, batch.Candidates)
	summary.merge(StageLifecycle, summary.Lifecycle.Errors)
	return ctx.Err()
}

func (p *Pipeline) evaluateBudgets(ctx context.Context, records []normalizer.CostRecord, now time.Time, verdicts []anomaly.Verdict, summary *Summary) {
	budgets := p.Budgets()
	if len(budgets) > 0 {
		from, to := budget.MonthToDate(now)
		spend := budget.ComputeSpend(records, budgets, p.Allocator, from, to.Add(time.Nanosecond))
		res := p.Evaluator.Evaluate(ctx, budgets, spend)
		summary.AlertsRaised = len(res.Raised)
		summary.AlertsResolved = len(res.Resolved)
		summary.merge(StageBudget, res.Errors)
	}
	summary.AnomalyNotified = len(p.Evaluator.AnomalyAlerts(ctx, verdicts, p.config.AnomalyMinSeverity))
}

// Budgets returns the budgets evaluated each cycle
func (p *Pipeline) Budgets() []budget.Budget {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]budget.Budget(nil), p.budgets...)
}

// AddBudgets appends budgets, replacing any with the same name
func (p *Pipeline) AddBudgets(budgets ...budget.Budget) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index := make(map[string]int, len(p.budgets))
	for i, b := range p.budgets {
		index[b.Name] = i
	}
	for _, b := range budgets {
		if i, ok := index[b.Name]; ok {
			p.budgets[i] = b
			continue
		}
		index[b.Name] = len(p.budgets)
		p.budgets = append(p.budgets, b)
	}
}

// Purge removes facts older than retentionDays. Backends that partition by
// month get partitions ensured through next month first.
func (p *Pipeline) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, &errs.ValidationError{Field: "retention_days", Message: "must be positive"}
	}
	now := p.now()
	if pt, ok := p.Store.(partitioner); ok {
		if err := pt.EnsurePartitions(ctx, now.AddDate(0, -1, 0), now.AddDate(0, 1, 0)); err != nil {
			return 0, fmt.Errorf("failed to ensure partitions: %w", err)
		}
	}
	removed, err := p.Store.PurgeBefore(ctx, now.AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, fmt.Errorf("failed to purge facts: %w", err)
	}
	p.logger.Info("Purged expired facts", zap.Int64("rows", removed), zap.Int("retention_days", retentionDays))
	return removed, nil
}

type partitioner interface {
	EnsurePartitions(ctx context.Context, from, to time.Time) error
}
