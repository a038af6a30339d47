// Package gcp reads GCP billing export rows and imports Cloud Billing budgets
package gcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	billing "cloud.google.com/go/billing/budgets/apiv1"
	"cloud.google.com/go/billing/budgets/apiv1/budgetspb"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/config"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/metrics"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

const defaultRequestsPerSecond = 5

// BudgetLister lists the budgets of a billing account
type BudgetLister interface {
	ListBudgets(ctx context.Context, parent string) ([]*budgetspb.Budget, error)
	Close() error
}

type budgetClient struct {
	client *billing.BudgetClient
}

func (b *budgetClient) ListBudgets(ctx context.Context, parent string) ([]*budgetspb.Budget, error) {
	var budgets []*budgetspb.Budget
	it := b.client.ListBudgets(ctx, &budgetspb.ListBudgetsRequest{Parent: parent})
	for {
		bgt, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, bgt)
	}
	return budgets, nil
}

func (b *budgetClient) Close() error {
	return b.client.Close()
}

// Collector reads GCP spend from a billing export file. GCP has no direct
// cost query API; the export is produced by BigQuery billing export jobs.
type Collector struct {
	budgets BudgetLister
	config  config.GCPConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCollector creates a GCP collector. The budget client is only created
// when budget import is enabled.
func NewCollector(ctx context.Context, cfg config.GCPConfig, logger *zap.Logger) (*Collector, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("GCP provider is disabled")
	}

	var lister BudgetLister
	if cfg.ImportBudgets {
		var opts []option.ClientOption

		// Use Workload Identity Federation if configured
		if cfg.WIFConfigPath != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.WIFConfigPath))
		}

		client, err := billing.NewBudgetClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create budget client: %w", err)
		}
		lister = &budgetClient{client: client}
	}

	return NewCollectorWithLister(lister, cfg, logger), nil
}

// NewCollectorWithLister builds a collector around an existing budget lister
func NewCollectorWithLister(lister BudgetLister, cfg config.GCPConfig, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &Collector{
		budgets: lister,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Name returns the provider name
func (c *Collector) Name() string {
	return string(normalizer.ProviderGCP)
}

// Collect returns export rows whose usage_start_time falls in [start, end).
// With no export configured there is nothing to collect.
func (c *Collector) Collect(ctx context.Context, start, end time.Time) ([]normalizer.RawRecord, error) {
	if c.config.ExportPath == "" {
		return nil, nil
	}

	f, err := os.Open(c.config.ExportPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open billing export: %w", err)
	}
	defer f.Close()

	records, err := ReadExport(ctx, f, start, end)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Read GCP billing export",
		zap.String("path", c.config.ExportPath),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// ReadExport decodes newline-delimited JSON billing rows. Rows outside the
// window are skipped; rows with unreadable timestamps are passed through for
// the normalizer to reject. Label arrays are flattened into a map.
func ReadExport(ctx context.Context, r io.Reader, start, end time.Time) ([]normalizer.RawRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var records []normalizer.RawRecord
	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			return nil, &errs.ValidationError{Field: fmt.Sprintf("line %d", line), Message: "malformed JSON"}
		}

		if ts, ok := row["usage_start_time"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				if t.Before(start) || !t.Before(end) {
					continue
				}
			}
		}
		if labels, ok := row["labels"].([]any); ok {
			row["labels"] = flattenLabels(labels)
		}
		records = append(records, normalizer.RawRecord(row))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read billing export: %w", err)
	}
	return records, nil
}

func flattenLabels(labels []any) map[string]any {
	out := make(map[string]any, len(labels))
	for _, l := range labels {
		kv, ok := l.(map[string]any)
		if !ok {
			continue
		}
		key, _ := kv["key"].(string)
		if key == "" {
			continue
		}
		out[key] = kv["value"]
	}
	return out
}

// Budgets imports the billing account's budgets when budget import is enabled
func (c *Collector) Budgets(ctx context.Context) ([]budget.Budget, error) {
	if !c.config.ImportBudgets || c.budgets == nil {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	parent := fmt.Sprintf("billingAccounts/%s", c.config.BillingAccount)
	listed, err := c.budgets.ListBudgets(ctx, parent)
	if err != nil {
		metrics.CollectorRequests.WithLabelValues(c.Name(), "error").Inc()
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	metrics.CollectorRequests.WithLabelValues(c.Name(), "ok").Inc()

	budgets := make([]budget.Budget, 0, len(listed))
	for _, b := range listed {
		converted, ok := FromBudget(b)
		if !ok {
			c.logger.Debug("Skipping budget without a specified amount", zap.String("budget", b.GetDisplayName()))
			continue
		}
		budgets = append(budgets, converted)
	}
	return budgets, nil
}

// FromBudget converts a Cloud Billing budget. Budgets tracking last period's
// spend have no fixed amount and are skipped. Several threshold rules that
// land on the same level collapse to the lowest percentage.
func FromBudget(b *budgetspb.Budget) (budget.Budget, bool) {
	money := b.GetAmount().GetSpecifiedAmount()
	if money == nil {
		return budget.Budget{}, false
	}
	amount := decimal.New(money.GetUnits(), 0).Add(decimal.New(int64(money.GetNanos()), -9))
	if !amount.IsPositive() {
		return budget.Budget{}, false
	}

	name := b.GetDisplayName()
	if name == "" {
		name = b.GetName()
	}

	scope := budget.Scope{Provider: normalizer.ProviderGCP}
	if dept, ok := b.GetBudgetFilter().GetLabels()["department"]; ok {
		if values := dept.GetValues(); len(values) > 0 {
			scope.Department = values[0].GetStringValue()
		}
	}

	lowest := map[budget.Level]float64{}
	for _, rule := range b.GetThresholdRules() {
		pct := math.Round(rule.GetThresholdPercent()*10000) / 100
		if pct <= 0 {
			continue
		}
		level := levelFor(pct)
		if cur, ok := lowest[level]; !ok || pct < cur {
			lowest[level] = pct
		}
	}

	thresholds := make([]budget.Threshold, 0, len(lowest))
	for level, pct := range lowest {
		thresholds = append(thresholds, budget.Threshold{Level: level, Percentage: pct})
	}
	sort.Slice(thresholds, func(i, j int) bool {
		return thresholds[i].Percentage < thresholds[j].Percentage
	})
	if len(thresholds) == 0 {
		thresholds = budget.DefaultThresholds()
	}

	return budget.Budget{
		Name:       "gcp/" + name,
		Scope:      scope,
		Amount:     amount,
		Thresholds: thresholds,
	}, true
}

func levelFor(pct float64) budget.Level {
	switch {
	case pct >= 100:
		return budget.LevelEmergency
	case pct >= 95:
		return budget.LevelCritical
	default:
		return budget.LevelWarning
	}
}

// Close closes the GCP clients
func (c *Collector) Close() error {
	if c.budgets == nil {
		return nil
	}
	return c.budgets.Close()
}
