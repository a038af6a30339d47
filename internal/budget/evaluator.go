package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/anomaly"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/metrics"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// Result summarizes one evaluation
type Result struct {
	Raised   []*Alert    `json:"raised"`
	Updated  []*Alert    `json:"updated"`
	Resolved []*Alert    `json:"resolved"`
	Errors   errs.Counts `json:"errors"`
}

// Spend is current spend keyed by Scope.Key
type Spend map[string]decimal.Decimal

// Attributor resolves the department of a cost record
type Attributor interface {
	Department(r normalizer.CostRecord) string
}

// ComputeSpend sums records in [from, to) for each budget scope
func ComputeSpend(records []normalizer.CostRecord, budgets []Budget, attr Attributor, from, to time.Time) Spend {
	spend := make(Spend, len(budgets))
	for _, b := range budgets {
		spend[b.Scope.Key()] = decimal.Zero
	}

	for _, r := range records {
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		department := r.Department
		if attr != nil {
			department = attr.Department(r)
		}
		for _, b := range budgets {
			if b.Scope.Matches(r, department) {
				key := b.Scope.Key()
				spend[key] = spend[key].Add(r.Cost)
			}
		}
	}
	return spend
}

// MonthToDate returns [first of month, now)
func MonthToDate(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), now
}

// Evaluator raises and resolves budget alerts
type Evaluator struct {
	store    AlertStore
	notifier Notifier
	now      func() time.Time
	logger   *zap.Logger

	// evaluations are serialized so the read-then-write per scope and level is exclusive
	mu sync.Mutex
}

// NewEvaluator creates a new Evaluator. A nil notifier logs only.
func NewEvaluator(store AlertStore, notifier Notifier, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Evaluator{
		store:    store,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// WithClock overrides the evaluator's clock
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate checks every budget tier against spend. Each crossed tier keeps one
// active alert per (scope, level); tiers no longer crossed are resolved.
func (e *Evaluator) Evaluate(ctx context.Context, budgets []Budget, spend Spend) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{Errors: errs.Counts{}}
	for _, b := range budgets {
		if ctx.Err() != nil {
			result.Errors.Add(ctx.Err())
			break
		}
		if err := e.evaluateBudget(ctx, b, spend[b.Scope.Key()], &result); err != nil {
			result.Errors.Add(err)
			e.logger.Warn("Budget evaluation failed", zap.String("budget", b.Name), zap.Error(err))
		}
	}

	e.recordActive(ctx)
	return result
}

func (e *Evaluator) evaluateBudget(ctx context.Context, b Budget, current decimal.Decimal, result *Result) error {
	if !b.Amount.IsPositive() {
		return &errs.ValidationError{Field: "budgets." + b.Name + ".amount", Message: "must be positive"}
	}

	thresholds := b.Thresholds
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	thresholds = append([]Threshold(nil), thresholds...)
	sort.SliceStable(thresholds, func(i, j int) bool {
		return thresholds[i].Percentage < thresholds[j].Percentage
	})

	pct := current.Div(b.Amount).Mul(decimal.NewFromInt(100)).InexactFloat64()
	key := b.Scope.Key()
	now := e.now()

	var failures []error
	for _, th := range thresholds {
		active, err := e.store.ActiveAlert(ctx, key, th.Level)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			failures = append(failures, fmt.Errorf("failed to load alert %s/%s: %w", key, th.Level, err))
			continue
		}

		crossed := pct >= th.Percentage
		switch {
		case crossed && active != nil:
			active.CurrentSpend = current
			active.BudgetAmount = b.Amount
			active.UpdatedAt = now
			if err := e.store.SaveAlert(ctx, active); err != nil {
				failures = append(failures, err)
				continue
			}
			result.Updated = append(result.Updated, active)

		case crossed:
			alert := &Alert{
				ID:                  "alert_" + ksuid.New().String(),
				BudgetName:          b.Name,
				Scope:               b.Scope,
				ScopeKey:            key,
				BudgetAmount:        b.Amount,
				CurrentSpend:        current,
				ThresholdPercentage: th.Percentage,
				Level:               th.Level,
				Status:              StatusActive,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := e.store.SaveAlert(ctx, alert); err != nil {
				failures = append(failures, err)
				continue
			}
			result.Raised = append(result.Raised, alert)
			e.notify(ctx, Notification{
				Event:      EventRaised,
				Alert:      alert,
				Message:    fmt.Sprintf("Budget %s crossed %.0f%%: %s", b.Name, th.Percentage, alert),
				OccurredAt: now,
			})

		case active != nil:
			active.CurrentSpend = current
			active.Status = StatusResolved
			active.UpdatedAt = now
			active.ResolvedAt = &now
			if err := e.store.SaveAlert(ctx, active); err != nil {
				failures = append(failures, err)
				continue
			}
			result.Resolved = append(result.Resolved, active)
			e.notify(ctx, Notification{
				Event:      EventResolved,
				Alert:      active,
				Message:    fmt.Sprintf("Budget %s back under %.0f%%: %s", b.Name, th.Percentage, active),
				OccurredAt: now,
			})
		}
	}
	return errors.Join(failures...)
}

func (e *Evaluator) notify(ctx context.Context, n Notification) {
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("Failed to deliver notification", zap.String("event", string(n.Event)), zap.Error(err))
	}
}

func (e *Evaluator) recordActive(ctx context.Context) {
	active, err := e.store.ListAlerts(ctx, AlertFilter{Status: StatusActive})
	if err != nil {
		return
	}
	counts := map[Level]int{LevelWarning: 0, LevelCritical: 0, LevelEmergency: 0}
	for _, a := range active {
		counts[a.Level]++
	}
	for level, n := range counts {
		metrics.BudgetAlertsActive.WithLabelValues(string(level)).Set(float64(n))
	}
}

// AnomalyAlerts notifies on anomalous verdicts at or above minSeverity and
// returns the verdicts that were notified
func (e *Evaluator) AnomalyAlerts(ctx context.Context, verdicts []anomaly.Verdict, minSeverity anomaly.Severity) []anomaly.Verdict {
	if minSeverity == "" {
		minSeverity = anomaly.SeverityHigh
	}

	var out []anomaly.Verdict
	for i := range verdicts {
		v := verdicts[i]
		if !v.IsAnomalous || anomaly.Rank(v.Severity) < anomaly.Rank(minSeverity) {
			continue
		}
		out = append(out, v)
		e.notify(ctx, Notification{
			Event:   EventAnomaly,
			Anomaly: &v,
			Message: fmt.Sprintf("%s anomaly on %s for %s: actual %.2f vs band [%.2f, %.2f]",
				v.Severity, v.Series, v.Date.Format(time.DateOnly), v.Actual, v.Baseline.ConfidenceLower, v.Baseline.ConfidenceUpper),
			OccurredAt: e.now(),
		})
	}
	return out
}
