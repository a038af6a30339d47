// Package aws collects daily spend from AWS Cost Explorer
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	internalConfig "github.com/lvonguyen/cost-optimizer/internal/config"
	"github.com/lvonguyen/cost-optimizer/internal/metrics"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

const (
	costMetric  = "UnblendedCost"
	usageMetric = "UsageQuantity"

	// Cost Explorer allows a handful of requests per second per account
	defaultRequestsPerSecond = 5
)

// API is the subset of the Cost Explorer client the collector uses
type API interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// Collector pulls grouped cost and usage from Cost Explorer
type Collector struct {
	api     API
	config  internalConfig.AWSConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCollector creates a Cost Explorer collector. When RoleARN is set the
// collector assumes that role through STS.
func NewCollector(ctx context.Context, cfg internalConfig.AWSConfig, logger *zap.Logger) (*Collector, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("AWS provider is disabled")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	return NewCollectorWithAPI(costexplorer.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewCollectorWithAPI wraps an existing Cost Explorer client
func NewCollectorWithAPI(api API, cfg internalConfig.AWSConfig, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &Collector{
		api:     api,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Name returns the provider name
func (c *Collector) Name() string {
	return string(normalizer.ProviderAWS)
}

// Collect retrieves cost data for [start, end), following NextPageToken
// until Cost Explorer reports no further pages.
func (c *Collector) Collect(ctx context.Context, start, end time.Time) ([]normalizer.RawRecord, error) {
	groupBy := c.groupBy()
	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(start.UTC().Format("2006-01-02")),
			End:   aws.String(end.UTC().Format("2006-01-02")),
		},
		Granularity: c.granularity(),
		Metrics:     []string{costMetric, usageMetric},
	}
	for _, g := range groupBy {
		input.GroupBy = append(input.GroupBy, types.GroupDefinition{
			Type: types.GroupDefinitionTypeDimension,
			Key:  aws.String(g),
		})
	}
	if len(c.config.AccountIDs) > 0 {
		input.Filter = &types.Expression{
			Dimensions: &types.DimensionValues{
				Key:    types.DimensionLinkedAccount,
				Values: c.config.AccountIDs,
			},
		}
	}

	var records []normalizer.RawRecord
	pages := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := c.api.GetCostAndUsage(ctx, input)
		if err != nil {
			metrics.CollectorRequests.WithLabelValues(c.Name(), "error").Inc()
			return nil, fmt.Errorf("failed to get AWS costs: %w", err)
		}
		metrics.CollectorRequests.WithLabelValues(c.Name(), "ok").Inc()
		pages++

		records = append(records, RecordsFromResults(result.ResultsByTime, groupBy)...)

		if result.NextPageToken == nil || *result.NextPageToken == "" {
			break
		}
		input.NextPageToken = result.NextPageToken
	}

	c.logger.Debug("Collected AWS costs",
		zap.Int("pages", pages),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func (c *Collector) granularity() types.Granularity {
	switch c.config.Granularity {
	case "MONTHLY":
		return types.GranularityMonthly
	case "HOURLY":
		return types.GranularityHourly
	default:
		return types.GranularityDaily
	}
}

func (c *Collector) groupBy() []string {
	if len(c.config.GroupBy) > 0 {
		return c.config.GroupBy
	}
	return []string{"SERVICE", "REGION"}
}

// RecordsFromResults flattens Cost Explorer result groups into raw records
// keyed the way the AWS field map expects. groupBy names the dimension held
// at each position of a group's Keys.
func RecordsFromResults(results []types.ResultByTime, groupBy []string) []normalizer.RawRecord {
	var records []normalizer.RawRecord

	for _, result := range results {
		if result.TimePeriod == nil || result.TimePeriod.Start == nil {
			continue
		}

		for _, group := range result.Groups {
			record := normalizer.RawRecord{
				"timestamp": *result.TimePeriod.Start,
			}
			tags := map[string]any{}

			for i, key := range group.Keys {
				if i >= len(groupBy) {
					break
				}
				switch groupBy[i] {
				case "SERVICE":
					record["service"] = key
				case "REGION":
					record["region"] = key
				case "LINKED_ACCOUNT":
					tags["account_id"] = key
				case "INSTANCE_TYPE":
					tags["instance_type"] = key
				case "USAGE_TYPE":
					tags["usage_type"] = key
				default:
					tags[groupBy[i]] = key
				}
			}
			if len(tags) > 0 {
				record["tags"] = tags
			}

			if cost, ok := group.Metrics[costMetric]; ok && cost.Amount != nil {
				record["cost"] = *cost.Amount
				if cost.Unit != nil {
					record["currency"] = *cost.Unit
				}
			}
			if usage, ok := group.Metrics[usageMetric]; ok && usage.Amount != nil && usage.Unit != nil && *usage.Unit == "Hrs" {
				record["usage_hours"] = *usage.Amount
			}

			records = append(records, record)
		}
	}

	return records
}
