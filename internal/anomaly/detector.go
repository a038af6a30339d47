// Package anomaly flags abnormal cost points against the forecast baseline.
package anomaly

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// Severity of a verdict
type Severity string

const (
	SeverityNone    Severity = "none"
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityHigh    Severity = "high"
	SeverityUnknown Severity = "unknown"
)

// Direction of a deviation from the band
type Direction string

const (
	DirectionNone  Direction = "none"
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// DetectorConfig holds configuration for anomaly detection
type DetectorConfig struct {
	Margin         float64 // relative margin beyond the band, e.g. 0.2
	MediumRatio    float64 // deviation ratio where severity becomes medium
	HighRatio      float64 // deviation ratio where severity becomes high
	MinActual      float64 // ignore points below this spend
	HorizonPadding int     // extra forecast days beyond the scanned window
}

// Verdict is the outcome of checking one point
type Verdict struct {
	Date           time.Time            `json:"date"`
	Series         normalizer.SeriesKey `json:"series"`
	Actual         float64              `json:"actual"`
	Baseline       forecast.Point       `json:"baseline"`
	IsAnomalous    bool                 `json:"is_anomalous"`
	Severity       Severity             `json:"severity"`
	Direction      Direction            `json:"direction"`
	DeviationRatio float64              `json:"deviation_ratio"`
	Reason         string               `json:"reason,omitempty"`
	Err            error                `json:"-"`
}

// Detector compares actuals with forecast bands
type Detector struct {
	config DetectorConfig
}

// NewDetector creates a new anomaly detector
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Margin <= 0 {
		cfg.Margin = 0.2
	}
	if cfg.MediumRatio <= 0 {
		cfg.MediumRatio = 0.5
	}
	if cfg.HighRatio <= cfg.MediumRatio {
		cfg.HighRatio = cfg.MediumRatio * 2
	}
	return &Detector{config: cfg}
}

// Detect checks a single actual cost against its baseline point
func (d *Detector) Detect(actual float64, baseline forecast.Point) Verdict {
	v := Verdict{
		Date:      baseline.Date,
		Series:    normalizer.SeriesKey{Provider: baseline.Provider, Service: baseline.Service},
		Actual:    actual,
		Baseline:  baseline,
		Severity:  SeverityNone,
		Direction: DirectionNone,
	}

	upper, lower := baseline.ConfidenceUpper, baseline.ConfidenceLower
	switch {
	case actual > upper:
		v.Direction = DirectionAbove
		v.DeviationRatio = (actual - upper) / denominator(upper)
		v.IsAnomalous = actual > upper+d.config.Margin*denominator(upper) && actual >= d.config.MinActual
	case actual < lower:
		v.Direction = DirectionBelow
		v.DeviationRatio = (lower - actual) / denominator(lower)
		v.IsAnomalous = actual < lower-d.config.Margin*denominator(lower)
	}

	if v.IsAnomalous {
		v.Severity = d.severity(v.DeviationRatio)
		v.Reason = determineReason(v)
	}
	return v
}

// denominator scales deviations relative to the bound, or in absolute terms at zero
func denominator(bound float64) float64 {
	if bound == 0 {
		return 1
	}
	return math.Abs(bound)
}

func (d *Detector) severity(ratio float64) Severity {
	switch {
	case ratio >= d.config.HighRatio:
		return SeverityHigh
	case ratio >= d.config.MediumRatio:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Forecaster produces baselines; *forecast.Engine satisfies it
type Forecaster interface {
	Forecast(ctx context.Context, key normalizer.SeriesKey, series []forecast.Observation, horizonDays int) ([]forecast.Point, error)
}

// DetectRecent forecasts from the history before the last recentDays and
// checks each of those days against its baseline. Insufficient history yields
// verdicts of unknown severity instead of an error.
func (d *Detector) DetectRecent(ctx context.Context, f Forecaster, key normalizer.SeriesKey, series []forecast.Observation, recentDays int) ([]Verdict, error) {
	if recentDays <= 0 {
		recentDays = 1
	}

	daily := dailyTotals(series)
	if len(daily) == 0 {
		return nil, nil
	}
	if recentDays > len(daily) {
		recentDays = len(daily)
	}

	cut := daily[len(daily)-recentDays].day
	history := make([]forecast.Observation, 0, len(series))
	for _, obs := range series {
		if normalizer.DayOf(obs.Timestamp).Before(cut) {
			history = append(history, obs)
		}
	}
	recent := daily[len(daily)-recentDays:]

	var horizon int
	if idx := len(daily) - recentDays; idx > 0 {
		lastHistory := daily[idx-1].day
		horizon = int(math.Round(recent[len(recent)-1].day.Sub(lastHistory).Hours()/24)) + d.config.HorizonPadding
	}

	var points []forecast.Point
	var err error
	if horizon > 0 {
		points, err = f.Forecast(ctx, key, history, horizon)
	} else {
		err = &errs.InsufficientDataError{Have: 0, Need: 1}
	}

	if err != nil {
		var insufficient *errs.InsufficientDataError
		if !errors.As(err, &insufficient) {
			return nil, err
		}
		verdicts := make([]Verdict, 0, len(recent))
		for _, r := range recent {
			verdicts = append(verdicts, Verdict{
				Date:      r.day,
				Series:    key,
				Actual:    r.cost,
				Severity:  SeverityUnknown,
				Direction: DirectionNone,
				Err:       err,
			})
		}
		return verdicts, nil
	}

	byDay := make(map[time.Time]forecast.Point, len(points))
	for _, p := range points {
		byDay[p.Date] = p
	}

	verdicts := make([]Verdict, 0, len(recent))
	for _, r := range recent {
		baseline, ok := byDay[r.day]
		if !ok {
			continue
		}
		verdicts = append(verdicts, d.Detect(r.cost, baseline))
	}
	return verdicts, nil
}

type dayCost struct {
	day  time.Time
	cost float64
}

func dailyTotals(series []forecast.Observation) []dayCost {
	totals := make(map[time.Time]float64)
	for _, obs := range series {
		totals[normalizer.DayOf(obs.Timestamp)] += obs.Cost
	}
	out := make([]dayCost, 0, len(totals))
	for day, cost := range totals {
		out = append(out, dayCost{day: day, cost: cost})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].day.Before(out[j].day)
	})
	return out
}

// Summary aggregates a set of verdicts
type Summary struct {
	Checked     int              `json:"checked"`
	Anomalous   int              `json:"anomalous"`
	Unknown     int              `json:"unknown"`
	AnomalyRate float64          `json:"anomaly_rate"`
	BySeverity  map[Severity]int `json:"by_severity"`
	Anomalies   []Verdict        `json:"anomalies"`
}

// Summarize computes rates and severity breakdown, most severe first
func Summarize(verdicts []Verdict) Summary {
	s := Summary{BySeverity: make(map[Severity]int)}
	for _, v := range verdicts {
		if v.Severity == SeverityUnknown {
			s.Unknown++
			continue
		}
		s.Checked++
		if v.IsAnomalous {
			s.Anomalous++
			s.BySeverity[v.Severity]++
			s.Anomalies = append(s.Anomalies, v)
		}
	}
	if s.Checked > 0 {
		s.AnomalyRate = float64(s.Anomalous) / float64(s.Checked)
	}

	sort.SliceStable(s.Anomalies, func(i, j int) bool {
		ri, rj := Rank(s.Anomalies[i].Severity), Rank(s.Anomalies[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return s.Anomalies[i].DeviationRatio > s.Anomalies[j].DeviationRatio
	})
	return s
}

// determineReason suggests possible reasons for the anomaly
func determineReason(v Verdict) string {
	if v.Direction == DirectionBelow {
		if v.Actual == 0 {
			return "Spend dropped to zero - possible billing export gap or resource termination"
		}
		return "Spend below expected band - possible billing error or reduced usage"
	}
	switch {
	case v.DeviationRatio >= 1:
		return "Significant cost spike - possible new workload or misconfiguration"
	case v.DeviationRatio >= 0.5:
		return "Notable increase - check for scaling events or new resources"
	default:
		return "Moderate increase above forecast band"
	}
}

// Rank orders severities from unknown (0) to high (3)
func Rank(severity Severity) int {
	switch severity {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
