package budget_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-optimizer/internal/anomaly"
	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []budget.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n budget.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
	return nil
}

func (r *recordingNotifier) count(event budget.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

var platform = budget.Scope{Department: "platform"}

func spendOf(scope budget.Scope, amount int64) budget.Spend {
	return budget.Spend{scope.Key(): decimal.NewFromInt(amount)}
}

func TestEvaluate_RaisesAndResolves(t *testing.T) {
	ctx := context.Background()
	alerts := store.NewMemory()
	notifier := &recordingNotifier{}
	eval := budget.NewEvaluator(alerts, notifier, nil)

	budgets := []budget.Budget{{
		Name:       "platform-monthly",
		Scope:      platform,
		Amount:     decimal.NewFromInt(8000),
		Thresholds: []budget.Threshold{{Level: budget.LevelCritical, Percentage: 95}},
	}}

	t.Run("crossing raises one critical alert", func(t *testing.T) {
		res := eval.Evaluate(ctx, budgets, spendOf(platform, 8200))
		assert.Zero(t, res.Errors.Total())
		require.Len(t, res.Raised, 1)
		assert.Equal(t, budget.LevelCritical, res.Raised[0].Level)
		assert.Equal(t, "department=platform", res.Raised[0].ScopeKey)
		assert.True(t, strings.HasPrefix(res.Raised[0].ID, "alert_"))
		assert.Equal(t, 1, notifier.count(budget.EventRaised))
	})

	t.Run("re-evaluation keeps a single alert", func(t *testing.T) {
		res := eval.Evaluate(ctx, budgets, spendOf(platform, 8300))
		assert.Empty(t, res.Raised)
		require.Len(t, res.Updated, 1)
		assert.True(t, decimal.NewFromInt(8300).Equal(res.Updated[0].CurrentSpend))

		active, err := alerts.ListAlerts(ctx, budget.AlertFilter{Status: budget.StatusActive})
		require.NoError(t, err)
		assert.Len(t, active, 1)
		assert.Equal(t, 1, notifier.count(budget.EventRaised))
	})

	t.Run("dropping below resolves", func(t *testing.T) {
		res := eval.Evaluate(ctx, budgets, spendOf(platform, 7000))
		require.Len(t, res.Resolved, 1)
		assert.Equal(t, budget.StatusResolved, res.Resolved[0].Status)
		require.NotNil(t, res.Resolved[0].ResolvedAt)

		active, err := alerts.ListAlerts(ctx, budget.AlertFilter{Status: budget.StatusActive})
		require.NoError(t, err)
		assert.Empty(t, active)
		assert.Equal(t, 1, notifier.count(budget.EventResolved))
	})
}

func TestEvaluate_DefaultTiers(t *testing.T) {
	ctx := context.Background()
	alerts := store.NewMemory()
	eval := budget.NewEvaluator(alerts, &recordingNotifier{}, nil)
	budgets := []budget.Budget{{Name: "all", Amount: decimal.NewFromInt(1000)}}

	tests := []struct {
		name  string
		spend int64
		want  []budget.Level
	}{
		{"under every tier", 700, nil},
		{"warning", 850, []budget.Level{budget.LevelWarning}},
		{"warning and critical", 960, []budget.Level{budget.LevelWarning, budget.LevelCritical}},
		{"all tiers", 1000, []budget.Level{budget.LevelWarning, budget.LevelCritical, budget.LevelEmergency}},
		{"back to warning", 810, []budget.Level{budget.LevelWarning}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval.Evaluate(ctx, budgets, budget.Spend{"all": decimal.NewFromInt(tt.spend)})

			active, err := alerts.ListAlerts(ctx, budget.AlertFilter{Status: budget.StatusActive})
			require.NoError(t, err)
			var levels []budget.Level
			for _, a := range active {
				levels = append(levels, a.Level)
			}
			assert.ElementsMatch(t, tt.want, levels)
		})
	}
}

func TestEvaluate_InvalidBudget(t *testing.T) {
	eval := budget.NewEvaluator(store.NewMemory(), &recordingNotifier{}, nil)
	res := eval.Evaluate(context.Background(), []budget.Budget{{Name: "zero", Amount: decimal.Zero}}, budget.Spend{})
	assert.Equal(t, 1, res.Errors[errs.KindValidation])
	assert.Empty(t, res.Raised)
}

type failingAlerts struct {
	*store.Memory
}

func (f failingAlerts) SaveAlert(ctx context.Context, alert *budget.Alert) error {
	return errors.New("disk full")
}

func TestEvaluate_StoreFailureCounted(t *testing.T) {
	notifier := &recordingNotifier{}
	eval := budget.NewEvaluator(failingAlerts{store.NewMemory()}, notifier, nil)
	budgets := []budget.Budget{{Name: "platform", Scope: platform, Amount: decimal.NewFromInt(100)}}

	res := eval.Evaluate(context.Background(), budgets, spendOf(platform, 500))
	assert.Equal(t, 1, res.Errors.Total())
	assert.Empty(t, res.Raised)
	assert.Zero(t, notifier.count(budget.EventRaised))
}

func TestComputeSpend(t *testing.T) {
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	rec := func(day int, provider normalizer.Provider, department, cost string) normalizer.CostRecord {
		return normalizer.CostRecord{
			Timestamp:  from.AddDate(0, 0, day),
			Provider:   provider,
			Service:    "Compute",
			Cost:       decimal.RequireFromString(cost),
			Department: department,
		}
	}
	records := []normalizer.CostRecord{
		rec(0, normalizer.ProviderAWS, "platform", "100"),
		rec(3, normalizer.ProviderGCP, "platform", "50"),
		rec(4, normalizer.ProviderAWS, "data", "30"),
		rec(-1, normalizer.ProviderAWS, "platform", "999"),
		rec(30, normalizer.ProviderAWS, "platform", "999"),
	}
	awsPlatform := budget.Scope{Department: "platform", Provider: normalizer.ProviderAWS}
	budgets := []budget.Budget{
		{Name: "platform", Scope: platform},
		{Name: "aws-platform", Scope: awsPlatform},
		{Name: "everything"},
	}

	spend := budget.ComputeSpend(records, budgets, nil, from, to)
	assert.True(t, decimal.NewFromInt(150).Equal(spend[platform.Key()]))
	assert.True(t, decimal.NewFromInt(100).Equal(spend[awsPlatform.Key()]))
	assert.True(t, decimal.NewFromInt(180).Equal(spend["all"]))
}

func TestAnomalyAlerts(t *testing.T) {
	notifier := &recordingNotifier{}
	eval := budget.NewEvaluator(store.NewMemory(), notifier, nil)
	series := normalizer.SeriesKey{Provider: normalizer.ProviderAWS, Service: "Compute"}

	verdicts := []anomaly.Verdict{
		{Series: series, IsAnomalous: true, Severity: anomaly.SeverityHigh, Actual: 500},
		{Series: series, IsAnomalous: true, Severity: anomaly.SeverityLow, Actual: 120},
		{Series: series, IsAnomalous: false, Severity: anomaly.SeverityNone, Actual: 100},
	}

	t.Run("default minimum is high", func(t *testing.T) {
		got := eval.AnomalyAlerts(context.Background(), verdicts, "")
		require.Len(t, got, 1)
		assert.Equal(t, anomaly.SeverityHigh, got[0].Severity)
		assert.Equal(t, 1, notifier.count(budget.EventAnomaly))
	})

	t.Run("low minimum", func(t *testing.T) {
		got := eval.AnomalyAlerts(context.Background(), verdicts, anomaly.SeverityLow)
		assert.Len(t, got, 2)
	})
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := budget.NewWebhookNotifier(srv.URL, "#finops")
	err := n.Notify(context.Background(), budget.Notification{Event: budget.EventRaised, Message: "over budget"})
	require.NoError(t, err)
	assert.Equal(t, "*[cost-optimizer/raised]* over budget", got["text"])
	assert.Equal(t, "#finops", got["channel"])

	t.Run("non-2xx is an error", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer bad.Close()

		err := budget.NewWebhookNotifier(bad.URL, "").Notify(context.Background(), budget.Notification{Event: budget.EventResolved})
		assert.Error(t, err)
	})
}
