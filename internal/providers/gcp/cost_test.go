package gcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/billing/budgets/apiv1/budgetspb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/type/money"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/config"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

const export = `{"usage_start_time":"2026-08-31T00:00:00Z","cost":9.1,"service":{"description":"Compute Engine"}}
{"usage_start_time":"2026-09-01T00:00:00Z","cost":41.25,"currency":"USD","service":{"description":"Compute Engine"},"location":{"region":"us-central1"},"labels":[{"key":"department","value":"data"}]}

{"usage_start_time":"2026-09-02T00:00:00Z","cost":3.5,"service":{"description":"Cloud Storage"}}
{"usage_start_time":"2026-09-03T00:00:00Z","cost":1,"service":{"description":"Cloud Storage"}}
`

var window = struct{ start, end time.Time }{
	start: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	end:   time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC),
}

func TestReadExport(t *testing.T) {
	records, err := ReadExport(context.Background(), strings.NewReader(export), window.start, window.end)
	require.NoError(t, err)
	require.Len(t, records, 2)

	t.Run("labels flattened", func(t *testing.T) {
		assert.Equal(t, map[string]any{"department": "data"}, records[0]["labels"])
	})

	t.Run("records normalize", func(t *testing.T) {
		result := normalizer.New(normalizer.Config{}).Normalize("gcp", records)
		require.Equal(t, 2, result.Report.Accepted)
		rec := result.Records[0]
		assert.Equal(t, normalizer.ProviderGCP, rec.Provider)
		assert.Equal(t, "us-central1", rec.Region)
		assert.Equal(t, "data", rec.Department)
		assert.True(t, decimal.RequireFromString("41.25").Equal(rec.Cost))
	})

	t.Run("malformed line", func(t *testing.T) {
		_, err := ReadExport(context.Background(), strings.NewReader("{\"cost\":1}\n{oops\n"), window.start, window.end)
		var verr *errs.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "line 2", verr.Field)
	})
}

func TestCollect(t *testing.T) {
	t.Run("reads the configured export", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "billing.jsonl")
		require.NoError(t, os.WriteFile(path, []byte(export), 0o600))

		c := NewCollectorWithLister(nil, config.GCPConfig{Enabled: true, ExportPath: path}, nil)
		records, err := c.Collect(context.Background(), window.start, window.end)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("no export configured", func(t *testing.T) {
		c := NewCollectorWithLister(nil, config.GCPConfig{Enabled: true}, nil)
		records, err := c.Collect(context.Background(), window.start, window.end)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("missing export file", func(t *testing.T) {
		c := NewCollectorWithLister(nil, config.GCPConfig{Enabled: true, ExportPath: filepath.Join(t.TempDir(), "none.jsonl")}, nil)
		_, err := c.Collect(context.Background(), window.start, window.end)
		assert.Error(t, err)
	})
}

type fakeLister struct {
	parent  string
	budgets []*budgetspb.Budget
	err     error
	closed  bool
}

func (f *fakeLister) ListBudgets(_ context.Context, parent string) ([]*budgetspb.Budget, error) {
	f.parent = parent
	return f.budgets, f.err
}

func (f *fakeLister) Close() error {
	f.closed = true
	return nil
}

func specified(units int64, nanos int32) *budgetspb.BudgetAmount {
	return &budgetspb.BudgetAmount{
		BudgetAmount: &budgetspb.BudgetAmount_SpecifiedAmount{
			SpecifiedAmount: &money.Money{CurrencyCode: "USD", Units: units, Nanos: nanos},
		},
	}
}

func TestFromBudget(t *testing.T) {
	t.Run("amount and tiers", func(t *testing.T) {
		b, ok := FromBudget(&budgetspb.Budget{
			DisplayName: "analytics",
			Amount:      specified(5000, 500_000_000),
			ThresholdRules: []*budgetspb.ThresholdRule{
				{ThresholdPercent: 1.0},
				{ThresholdPercent: 0.8},
				{ThresholdPercent: 0.5},
				{ThresholdPercent: 0.95},
			},
		})
		require.True(t, ok)
		assert.Equal(t, "gcp/analytics", b.Name)
		assert.Equal(t, budget.Scope{Provider: normalizer.ProviderGCP}, b.Scope)
		assert.True(t, decimal.RequireFromString("5000.5").Equal(b.Amount))
		assert.Equal(t, []budget.Threshold{
			{Level: budget.LevelWarning, Percentage: 50},
			{Level: budget.LevelCritical, Percentage: 95},
			{Level: budget.LevelEmergency, Percentage: 100},
		}, b.Thresholds)
	})

	t.Run("no rules uses default tiers", func(t *testing.T) {
		b, ok := FromBudget(&budgetspb.Budget{DisplayName: "infra", Amount: specified(100, 0)})
		require.True(t, ok)
		assert.Equal(t, budget.DefaultThresholds(), b.Thresholds)
	})

	t.Run("last period amount skipped", func(t *testing.T) {
		_, ok := FromBudget(&budgetspb.Budget{
			DisplayName: "rolling",
			Amount: &budgetspb.BudgetAmount{
				BudgetAmount: &budgetspb.BudgetAmount_LastPeriodAmount{LastPeriodAmount: &budgetspb.LastPeriodAmount{}},
			},
		})
		assert.False(t, ok)
	})
}

func TestBudgets(t *testing.T) {
	lister := &fakeLister{budgets: []*budgetspb.Budget{
		{DisplayName: "analytics", Amount: specified(5000, 0)},
		{DisplayName: "empty"},
	}}
	cfg := config.GCPConfig{Enabled: true, BillingAccount: "012345-6789AB-CDEF01", ImportBudgets: true, RequestsPerSecond: 1000}
	c := NewCollectorWithLister(lister, cfg, nil)

	budgets, err := c.Budgets(context.Background())
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.Equal(t, "billingAccounts/012345-6789AB-CDEF01", lister.parent)

	t.Run("import disabled", func(t *testing.T) {
		off := NewCollectorWithLister(lister, config.GCPConfig{Enabled: true}, nil)
		got, err := off.Budgets(context.Background())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("list failure", func(t *testing.T) {
		failing := NewCollectorWithLister(&fakeLister{err: errors.New("permission denied")}, cfg, nil)
		_, err := failing.Budgets(context.Background())
		assert.ErrorContains(t, err, "permission denied")
	})

	t.Run("close", func(t *testing.T) {
		require.NoError(t, c.Close())
		assert.True(t, lister.closed)
	})
}
