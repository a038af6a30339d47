package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalConfig "github.com/lvonguyen/cost-optimizer/internal/config"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

type fakeAPI struct {
	pages  []*costexplorer.GetCostAndUsageOutput
	inputs []costexplorer.GetCostAndUsageInput
	err    error
}

func (f *fakeAPI) GetCostAndUsage(_ context.Context, params *costexplorer.GetCostAndUsageInput, _ ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error) {
	f.inputs = append(f.inputs, *params)
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func group(service, region, amount string) types.Group {
	return types.Group{
		Keys: []string{service, region},
		Metrics: map[string]types.MetricValue{
			costMetric:  {Amount: aws.String(amount), Unit: aws.String("USD")},
			usageMetric: {Amount: aws.String("24"), Unit: aws.String("Hrs")},
		},
	}
}

func day(date string, groups ...types.Group) types.ResultByTime {
	return types.ResultByTime{
		TimePeriod: &types.DateInterval{Start: aws.String(date)},
		Groups:     groups,
	}
}

func TestCollect_FollowsPages(t *testing.T) {
	api := &fakeAPI{pages: []*costexplorer.GetCostAndUsageOutput{
		{
			ResultsByTime: []types.ResultByTime{day("2026-09-01", group("Amazon Elastic Compute Cloud - Compute", "us-east-1", "18.41"))},
			NextPageToken: aws.String("page-2"),
		},
		{
			ResultsByTime: []types.ResultByTime{day("2026-09-02", group("Amazon Simple Storage Service", "us-west-2", "3.10"))},
		},
	}}
	c := NewCollectorWithAPI(api, internalConfig.AWSConfig{Enabled: true, AccountIDs: []string{"123456789012"}, RequestsPerSecond: 1000}, nil)

	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	records, err := c.Collect(context.Background(), start, start.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, records, 2)

	t.Run("request shape", func(t *testing.T) {
		require.Len(t, api.inputs, 2)
		first := api.inputs[0]
		assert.Equal(t, "2026-09-01", *first.TimePeriod.Start)
		assert.Equal(t, "2026-09-03", *first.TimePeriod.End)
		assert.Equal(t, types.GranularityDaily, first.Granularity)
		require.NotNil(t, first.Filter)
		assert.Equal(t, []string{"123456789012"}, first.Filter.Dimensions.Values)
		assert.Nil(t, first.NextPageToken)
		assert.Equal(t, "page-2", *api.inputs[1].NextPageToken)
	})

	t.Run("records normalize", func(t *testing.T) {
		result := normalizer.New(normalizer.Config{}).Normalize(c.Name(), records)
		require.Equal(t, 2, result.Report.Accepted)
		rec := result.Records[0]
		assert.Equal(t, normalizer.ProviderAWS, rec.Provider)
		assert.Equal(t, "us-east-1", rec.Region)
		assert.True(t, decimal.RequireFromString("18.41").Equal(rec.Cost))
		assert.Equal(t, 24.0, rec.UsageHours)
		assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), rec.Timestamp)
	})
}

func TestCollect_Errors(t *testing.T) {
	t.Run("api failure", func(t *testing.T) {
		c := NewCollectorWithAPI(&fakeAPI{err: errors.New("throttled")}, internalConfig.AWSConfig{Enabled: true}, nil)
		_, err := c.Collect(context.Background(), time.Now().AddDate(0, 0, -1), time.Now())
		assert.ErrorContains(t, err, "throttled")
	})

	t.Run("canceled context", func(t *testing.T) {
		api := &fakeAPI{}
		c := NewCollectorWithAPI(api, internalConfig.AWSConfig{Enabled: true}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Collect(ctx, time.Now().AddDate(0, 0, -1), time.Now())
		assert.Error(t, err)
		assert.Empty(t, api.inputs)
	})

	t.Run("disabled", func(t *testing.T) {
		_, err := NewCollector(context.Background(), internalConfig.AWSConfig{}, nil)
		assert.Error(t, err)
	})
}

func TestRecordsFromResults(t *testing.T) {
	results := []types.ResultByTime{
		day("2026-09-01", types.Group{
			Keys: []string{"Amazon Relational Database Service", "987654321098"},
			Metrics: map[string]types.MetricValue{
				costMetric:  {Amount: aws.String("42.5"), Unit: aws.String("USD")},
				usageMetric: {Amount: aws.String("3"), Unit: aws.String("GB-Mo")},
			},
		}),
		{Groups: []types.Group{group("ignored", "us-east-1", "1")}},
	}

	records := RecordsFromResults(results, []string{"SERVICE", "LINKED_ACCOUNT"})
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "Amazon Relational Database Service", rec["service"])
	assert.Equal(t, "42.5", rec["cost"])
	assert.Equal(t, map[string]any{"account_id": "987654321098"}, rec["tags"])
	assert.NotContains(t, rec, "usage_hours")
}
