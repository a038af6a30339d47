// Package azure collects daily spend from Azure Cost Management
package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/cost-optimizer/internal/config"
	"github.com/lvonguyen/cost-optimizer/internal/metrics"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// Name of the aggregated cost column in query results
const costAlias = "totalCost"

// Cost Management throttles aggressively per tenant
const defaultRequestsPerSecond = 0.5

// QueryAPI is the subset of the Cost Management query client the collector uses
type QueryAPI interface {
	Usage(ctx context.Context, scope string, parameters armcostmanagement.QueryDefinition, options *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error)
}

// Collector queries actual cost per subscription
type Collector struct {
	client  QueryAPI
	config  config.AzureConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCollector creates a Cost Management collector
func NewCollector(cfg config.AzureConfig, logger *zap.Logger) (*Collector, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("Azure provider is disabled")
	}

	var cred *azidentity.DefaultAzureCredential
	var err error

	if cfg.UseMSI {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			TenantID: cfg.TenantID,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	client, err := armcostmanagement.NewQueryClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cost management client: %w", err)
	}

	return NewCollectorWithClient(client, cfg, logger), nil
}

// NewCollectorWithClient wraps an existing query client
func NewCollectorWithClient(client QueryAPI, cfg config.AzureConfig, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &Collector{
		client:  client,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Name returns the provider name
func (c *Collector) Name() string {
	return string(normalizer.ProviderAzure)
}

// Collect runs one usage query per configured subscription. Any failing
// subscription fails the collection so partial spend never reaches budgets.
func (c *Collector) Collect(ctx context.Context, start, end time.Time) ([]normalizer.RawRecord, error) {
	query := c.query(start, end)

	var records []normalizer.RawRecord
	for _, subscriptionID := range c.config.SubscriptionIDs {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		scope := fmt.Sprintf("/subscriptions/%s", subscriptionID)
		result, err := c.client.Usage(ctx, scope, query, nil)
		if err != nil {
			metrics.CollectorRequests.WithLabelValues(c.Name(), "error").Inc()
			return nil, fmt.Errorf("failed to query costs for %s: %w", subscriptionID, err)
		}
		metrics.CollectorRequests.WithLabelValues(c.Name(), "ok").Inc()

		if result.Properties == nil {
			continue
		}
		rows := RecordsFromRows(result.Properties.Columns, result.Properties.Rows, subscriptionID)
		c.logger.Debug("Queried Azure costs",
			zap.String("subscription", subscriptionID),
			zap.Int("rows", len(rows)),
		)
		records = append(records, rows...)
	}

	return records, nil
}

func (c *Collector) query(start, end time.Time) armcostmanagement.QueryDefinition {
	granularity := armcostmanagement.GranularityTypeDaily
	if strings.EqualFold(c.config.Granularity, "MONTHLY") {
		granularity = armcostmanagement.GranularityType("Monthly")
	}

	// Cost Management treats To as inclusive
	from := start.UTC()
	to := end.UTC().Add(-time.Second)

	return armcostmanagement.QueryDefinition{
		Type:      toPtr(armcostmanagement.ExportTypeActualCost),
		Timeframe: toPtr(armcostmanagement.TimeframeTypeCustom),
		TimePeriod: &armcostmanagement.QueryTimePeriod{
			From: &from,
			To:   &to,
		},
		Dataset: &armcostmanagement.QueryDataset{
			Granularity: &granularity,
			Grouping: []*armcostmanagement.QueryGrouping{
				{
					Type: toPtr(armcostmanagement.QueryColumnTypeDimension),
					Name: toPtr("ServiceName"),
				},
				{
					Type: toPtr(armcostmanagement.QueryColumnTypeDimension),
					Name: toPtr("ResourceLocation"),
				},
			},
			Aggregation: map[string]*armcostmanagement.QueryAggregation{
				costAlias: {
					Name:     toPtr("Cost"),
					Function: toPtr(armcostmanagement.FunctionTypeSum),
				},
			},
		},
	}
}

// RecordsFromRows maps query rows onto raw records using the column names
// the service returned, since column order is not fixed.
func RecordsFromRows(columns []*armcostmanagement.QueryColumn, rows [][]any, subscriptionID string) []normalizer.RawRecord {
	names := make([]string, len(columns))
	for i, col := range columns {
		if col != nil && col.Name != nil {
			names[i] = *col.Name
		}
	}

	records := make([]normalizer.RawRecord, 0, len(rows))
	for _, row := range rows {
		record := normalizer.RawRecord{
			"tags": map[string]any{"subscription_id": subscriptionID},
		}
		for i, value := range row {
			if i >= len(names) || names[i] == "" {
				continue
			}
			switch names[i] {
			case costAlias, "Cost":
				record["cost"] = value
			default:
				record[names[i]] = value
			}
		}
		if _, ok := record["cost"]; !ok {
			continue
		}
		records = append(records, record)
	}
	return records
}

func toPtr[T any](v T) *T {
	return &v
}
