// Package forecast produces per-(provider, service) cost forecasts with confidence intervals.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/metrics"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// DefaultModelVersion identifies the trend + weekly seasonality model
const DefaultModelVersion = "seasonal-ols-v1"

// Observation is one (timestamp, cost) pair of a series
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Cost      float64   `json:"cost"`
}

// Point is one forecast day
type Point struct {
	Date            time.Time           `json:"date"`
	Provider        normalizer.Provider `json:"provider"`
	Service         string              `json:"service"`
	PredictedCost   float64             `json:"predicted_cost"`
	ConfidenceLower float64             `json:"confidence_lower"`
	ConfidenceUpper float64             `json:"confidence_upper"`
	ModelVersion    string              `json:"model_version"`
}

// Config holds forecast engine configuration
type Config struct {
	MinHistoryDays int
	MaxHorizonDays int
	Coverage       float64 // two-sided interval coverage, e.g. 0.8
	ModelVersion   string
	Timeout        time.Duration
	CacheSize      int
	CacheTTL       time.Duration
}

// Engine fits and projects cost series
type Engine struct {
	config Config
	z      float64
	cache  *Cache
	logger *zap.Logger
}

// NewEngine creates a new forecast engine
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if cfg.MinHistoryDays <= 0 {
		cfg.MinHistoryDays = 90
	}
	if cfg.MaxHorizonDays <= 0 {
		cfg.MaxHorizonDays = 365
	}
	if cfg.Coverage <= 0 || cfg.Coverage >= 1 {
		cfg.Coverage = 0.8
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = DefaultModelVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		config: cfg,
		z:      zScore(cfg.Coverage),
		cache:  NewCache(cfg.CacheSize, cfg.CacheTTL),
		logger: logger,
	}
}

// ModelVersion returns the model version stamped on every point
func (e *Engine) ModelVersion() string {
	return e.config.ModelVersion
}

// Cache returns the engine's forecast cache
func (e *Engine) Cache() *Cache {
	return e.cache
}

// Forecast returns horizonDays points following the last observed day.
// Results are served from the cache until the pair is invalidated. A request
// that exceeds the configured timeout fails with a TimeoutError.
func (e *Engine) Forecast(ctx context.Context, key normalizer.SeriesKey, series []Observation, horizonDays int) ([]Point, error) {
	cacheKey := CacheKey{Provider: key.Provider, Service: key.Service, Horizon: horizonDays, Through: lastDay(series)}
	if points, ok := e.cache.Get(cacheKey); ok {
		metrics.ForecastCache.WithLabelValues("hit").Inc()
		return points, nil
	}
	metrics.ForecastCache.WithLabelValues("miss").Inc()

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, e.contextError(key, err, started)
	}

	type outcome struct {
		points []Point
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		points, err := e.Compute(key, series, horizonDays)
		done <- outcome{points: points, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, e.contextError(key, ctx.Err(), started)
	case out := <-done:
		metrics.ForecastDuration.Observe(time.Since(started).Seconds())
		if out.err != nil {
			metrics.ForecastRuns.WithLabelValues(string(errs.KindOf(out.err))).Inc()
			return nil, out.err
		}
		metrics.ForecastRuns.WithLabelValues("success").Inc()
		e.cache.Put(cacheKey, out.points)
		return out.points, nil
	}
}

func lastDay(series []Observation) time.Time {
	var last time.Time
	for _, obs := range series {
		if obs.Timestamp.After(last) {
			last = obs.Timestamp
		}
	}
	return normalizer.DayOf(last)
}

func (e *Engine) contextError(key normalizer.SeriesKey, err error, started time.Time) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.ForecastRuns.WithLabelValues("timeout").Inc()
		return &errs.TimeoutError{Op: "forecast " + key.String(), After: time.Since(started)}
	}
	metrics.ForecastRuns.WithLabelValues("canceled").Inc()
	return err
}

// Compute fits the series and projects it without caching or timeouts.
// Identical inputs always produce identical output.
func (e *Engine) Compute(key normalizer.SeriesKey, series []Observation, horizonDays int) ([]Point, error) {
	if horizonDays <= 0 || horizonDays > e.config.MaxHorizonDays {
		return nil, &errs.ValidationError{
			Field:   "horizon_days",
			Message: fmt.Sprintf("must be between 1 and %d", e.config.MaxHorizonDays),
		}
	}

	days := aggregateDaily(series)
	if len(days) < e.config.MinHistoryDays {
		return nil, &errs.InsufficientDataError{Have: len(days), Need: e.config.MinHistoryDays}
	}

	m := fit(days)
	last := days[len(days)-1].day

	points := make([]Point, 0, horizonDays)
	for h := 1; h <= horizonDays; h++ {
		day := last.AddDate(0, 0, h)
		index := m.lastIndex + h
		predicted := m.predict(day, index)
		hw := m.halfWidth(index, e.z)

		points = append(points, Point{
			Date:            day,
			Provider:        key.Provider,
			Service:         key.Service,
			PredictedCost:   predicted,
			ConfidenceLower: predicted - hw,
			ConfidenceUpper: predicted + hw,
			ModelVersion:    e.config.ModelVersion,
		})
	}

	e.logger.Debug("Forecast computed",
		zap.String("series", key.String()),
		zap.Int("history_days", len(days)),
		zap.Int("horizon_days", horizonDays),
		zap.Float64("slope", m.slope),
		zap.Float64("sigma", m.sigma),
	)

	return points, nil
}

// Trend describes the direction of a series
type Trend struct {
	Direction      string  `json:"direction"` // increasing, decreasing, stable
	SlopePerDay    float64 `json:"slope_per_day"`
	ChangePer30Day float64 `json:"change_per_30_days_pct"`
	MeanDailyCost  float64 `json:"mean_daily_cost"`
}

// Analyze reports the fitted trend of a series
func (e *Engine) Analyze(series []Observation) (Trend, error) {
	days := aggregateDaily(series)
	if len(days) < e.config.MinHistoryDays {
		return Trend{}, &errs.InsufficientDataError{Have: len(days), Need: e.config.MinHistoryDays}
	}

	m := fit(days)
	var sum float64
	for _, d := range days {
		sum += d.cost
	}
	mean := sum / float64(len(days))

	trend := Trend{SlopePerDay: m.slope, MeanDailyCost: mean, Direction: "stable"}
	if mean > 0 {
		trend.ChangePer30Day = m.slope * 30 / mean * 100
	}
	switch {
	case trend.ChangePer30Day > 5:
		trend.Direction = "increasing"
	case trend.ChangePer30Day < -5:
		trend.Direction = "decreasing"
	}
	return trend, nil
}

// Accuracy holds backtest results over a holdout window
type Accuracy struct {
	HoldoutDays int     `json:"holdout_days"`
	MAPE        float64 `json:"mape"`
	Coverage    float64 `json:"coverage"` // share of actuals inside the band
}

// Backtest fits on all but the last holdoutDays and scores the projection
func (e *Engine) Backtest(key normalizer.SeriesKey, series []Observation, holdoutDays int) (Accuracy, error) {
	days := aggregateDaily(series)
	if holdoutDays <= 0 || len(days)-holdoutDays < e.config.MinHistoryDays {
		return Accuracy{}, &errs.InsufficientDataError{Have: len(days) - holdoutDays, Need: e.config.MinHistoryDays}
	}

	train := days[:len(days)-holdoutDays]
	test := days[len(days)-holdoutDays:]
	m := fit(train)

	var apeSum float64
	var apeCount, inside int
	for _, d := range test {
		index := daysBetween(m.start, d.day)
		predicted := m.predict(d.day, index)
		hw := m.halfWidth(index, e.z)
		if d.cost >= predicted-hw && d.cost <= predicted+hw {
			inside++
		}
		if d.cost > 0 {
			apeSum += math.Abs(d.cost-predicted) / d.cost
			apeCount++
		}
	}

	acc := Accuracy{HoldoutDays: len(test), Coverage: float64(inside) / float64(len(test))}
	if apeCount > 0 {
		acc.MAPE = apeSum / float64(apeCount) * 100
	}
	return acc, nil
}

// SeriesFromRecords groups cost records into per-(provider, service) series
func SeriesFromRecords(records []normalizer.CostRecord) map[normalizer.SeriesKey][]Observation {
	series := make(map[normalizer.SeriesKey][]Observation)
	for _, r := range records {
		key := normalizer.SeriesKey{Provider: r.Provider, Service: r.Service}
		series[key] = append(series[key], Observation{Timestamp: r.Timestamp, Cost: r.Cost.InexactFloat64()})
	}
	for key := range series {
		obs := series[key]
		sort.SliceStable(obs, func(i, j int) bool {
			return obs[i].Timestamp.Before(obs[j].Timestamp)
		})
	}
	return series
}
