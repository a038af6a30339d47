package normalizer_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

func newNormalizer() *normalizer.Normalizer {
	return normalizer.New(normalizer.Config{
		ReportingCurrency: "USD",
		ExchangeRates: map[string]decimal.Decimal{
			"eur": decimal.RequireFromString("1.10"),
		},
	})
}

func TestNormalize_AWSRecords(t *testing.T) {
	n := newNormalizer()

	raw := []normalizer.RawRecord{
		{
			"line_item_usage_start_date":       "2024-03-01T00:00:00Z",
			"line_item_unblended_cost":         "12.50",
			"line_item_currency_code":          "USD",
			"product_product_name":             "Amazon Elastic Compute Cloud",
			"line_item_resource_id":            "i-0abc",
			"product_region":                   "us-east-1",
			"resource_tags_user_department":    "platform",
			"resource_tags_user_instance_type": "m5.4xlarge",
			"usage_hours":                      24.0,
		},
	}

	result := n.Normalize("aws", raw)
	require.Len(t, result.Records, 1)

	r := result.Records[0]
	assert.Equal(t, normalizer.ProviderAWS, r.Provider)
	assert.Equal(t, "Compute", r.Service)
	assert.Equal(t, "i-0abc", r.ResourceID)
	assert.True(t, r.Cost.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, "platform", r.Department)
	assert.Equal(t, "m5.4xlarge", r.Tags["instance_type"])
	assert.Equal(t, "Amazon Elastic Compute Cloud", r.Tags["cloud_service"])
	assert.Equal(t, 24.0, r.UsageHours)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), r.Timestamp)
}

func TestNormalize_GCPNestedFields(t *testing.T) {
	n := newNormalizer()

	raw := []normalizer.RawRecord{
		{
			"usage_start_time": "2024-03-01",
			"cost":             3.25,
			"currency":         "USD",
			"service":          map[string]any{"description": "Cloud Storage"},
			"resource":         map[string]any{"name": "bucket-logs"},
			"location":         map[string]any{"region": "us-central1"},
			"labels":           map[string]any{"department": "data"},
		},
	}

	result := n.Normalize("google", raw)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Storage", result.Records[0].Service)
	assert.Equal(t, "bucket-logs", result.Records[0].ResourceID)
	assert.Equal(t, "us-central1", result.Records[0].Region)
	assert.Equal(t, "data", result.Records[0].Department)
}

func TestNormalize_QualityReport(t *testing.T) {
	n := newNormalizer()

	raw := []normalizer.RawRecord{
		{"timestamp": "2024-03-01", "cost": "10", "service": "vm"},
		{"cost": "10", "service": "vm"},
		{"timestamp": "2024-03-01", "service": "vm"},
		{"timestamp": "2024-03-01", "cost": "-4", "service": "vm"},
		{"timestamp": "2024-03-01", "cost": "5", "currency": "GBP", "service": "vm"},
		{"timestamp": "2024-03-01", "cost": "5", "currency": "EUR", "service": "vm"},
		{"timestamp": "not-a-date", "cost": "5", "service": "vm"},
	}

	result := n.Normalize("onprem", raw)
	report := result.Report

	assert.Equal(t, len(raw), report.Total)
	assert.Equal(t, report.Total, report.Accepted+report.Rejected)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 3, report.ByKind[errs.KindValidation])
	assert.Equal(t, 2, report.ByKind[errs.KindDataQuality])
	assert.Equal(t, 1, report.Reasons["data quality issue on cost: negative cost"])
	assert.Equal(t, 1, report.Reasons["data quality issue on currency: no exchange rate for GBP"])

	require.Len(t, result.Records, 2)
	assert.True(t, result.Records[1].Cost.Equal(decimal.RequireFromString("5.5")))
	assert.Equal(t, "USD", result.Records[1].Currency)
}

func TestNormalize_NonFiniteValues(t *testing.T) {
	n := newNormalizer()

	raw := []normalizer.RawRecord{
		{"timestamp": "2024-03-01", "cost": float32(math.NaN()), "service": "vm"},
		{"timestamp": "2024-03-01", "cost": float32(math.Inf(1)), "service": "vm"},
		{"timestamp": "2024-03-01", "cost": math.NaN(), "service": "vm"},
		{"timestamp": "2024-03-01", "cost": "5", "usage_hours": math.Inf(1), "service": "vm"},
		{"timestamp": "2024-03-01", "cost": "5", "resource_count": math.NaN(), "service": "vm"},
		{"timestamp": "2024-03-01", "cost": float32(2.5), "usage_hours": 24.0, "resource_count": 2.0, "service": "vm"},
	}

	var result normalizer.CostResult
	require.NotPanics(t, func() { result = n.Normalize("onprem", raw) })

	report := result.Report
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 3, report.ByKind[errs.KindValidation])
	assert.Equal(t, 2, report.ByKind[errs.KindDataQuality])
	assert.Equal(t, 1, report.Reasons["data quality issue on usage_hours: usage not finite"])
	assert.Equal(t, 1, report.Reasons["data quality issue on resource_count: count not finite"])

	require.Len(t, result.Records, 1)
	assert.True(t, result.Records[0].Cost.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 2, result.Records[0].ResourceCount)
}

func TestNormalize_UnknownProvider(t *testing.T) {
	n := newNormalizer()

	result := n.Normalize("", []normalizer.RawRecord{{"timestamp": "2024-03-01", "cost": 1.0}, {}})
	assert.Empty(t, result.Records)
	assert.Equal(t, 2, result.Report.Rejected)
	assert.Equal(t, 2, result.Report.ByKind[errs.KindValidation])
}

func TestNormalize_AzureNumericDate(t *testing.T) {
	n := newNormalizer()

	result := n.Normalize("azure", []normalizer.RawRecord{
		{"UsageDate": 20240115, "PreTaxCost": 7.52, "ServiceName": "Virtual Machines", "ResourceId": "/subscriptions/x/vm1"},
	})
	require.Len(t, result.Records, 1)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), result.Records[0].Timestamp)
	assert.Equal(t, "Compute", result.Records[0].Service)
}

func TestNormalizeUtilization(t *testing.T) {
	n := newNormalizer()

	raw := []normalizer.RawRecord{
		{"timestamp": "2024-03-01T10:00:00Z", "resource_id": "i-1", "cpu_utilization": 0.12, "memory_utilization": 0.2},
		{"timestamp": "2024-03-01T11:00:00Z", "resource_id": "i-1", "cpu": 35.0, "memory": 40.0},
		{"timestamp": "2024-03-01T12:00:00Z", "resource_id": "i-1", "cpu": 140.0, "memory": 40.0},
		{"timestamp": "2024-03-01T13:00:00Z", "cpu": 0.1},
	}

	result := n.NormalizeUtilization("aws", raw)
	require.Len(t, result.Samples, 2)
	assert.InDelta(t, 0.35, result.Samples[1].CPUUtilization, 1e-9)
	assert.InDelta(t, 0.40, result.Samples[1].MemoryUtilization, 1e-9)
	assert.Equal(t, 4, result.Report.Accepted+result.Report.Rejected)
	assert.Equal(t, 1, result.Report.ByKind[errs.KindDataQuality])
	assert.Equal(t, 1, result.Report.ByKind[errs.KindValidation])
}

func TestNormalizeUtilization_NonFinite(t *testing.T) {
	n := newNormalizer()

	raw := []normalizer.RawRecord{
		{"timestamp": "2024-03-01T10:00:00Z", "resource_id": "i-1", "cpu_utilization": math.NaN(), "memory_utilization": 0.2},
		{"timestamp": "2024-03-01T11:00:00Z", "resource_id": "i-1", "cpu_utilization": 0.3, "memory_utilization": math.Inf(-1)},
		{"timestamp": "2024-03-01T12:00:00Z", "resource_id": "i-1", "cpu_utilization": "NaN", "memory_utilization": 0.2},
		{"timestamp": "2024-03-01T13:00:00Z", "resource_id": "i-1", "cpu_utilization": 0.3, "memory_utilization": 0.2},
	}

	result := n.NormalizeUtilization("aws", raw)
	require.Len(t, result.Samples, 1)
	assert.Equal(t, 0.3, result.Samples[0].CPUUtilization)
	assert.Equal(t, 3, result.Report.ByKind[errs.KindDataQuality])
	assert.Equal(t, 3, result.Report.Reasons["data quality issue on cpu_utilization: utilization not finite"]+
		result.Report.Reasons["data quality issue on memory_utilization: utilization not finite"])
}

func TestSummarize(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []normalizer.CostRecord{
		{Timestamp: day.Add(26 * time.Hour), Provider: normalizer.ProviderAWS, Service: "Compute", Cost: decimal.NewFromInt(10), Department: "eng"},
		{Timestamp: day, Provider: normalizer.ProviderAzure, Service: "Storage", Cost: decimal.NewFromInt(5)},
	}

	summary := normalizer.Summarize(records, "USD")
	assert.True(t, summary.TotalCost.Equal(decimal.NewFromInt(15)))
	assert.True(t, summary.ByDepartment["UNTAGGED"].Equal(decimal.NewFromInt(5)))
	require.Len(t, summary.DailyCosts, 2)
	assert.Equal(t, day, summary.DailyCosts[0].Date)
	assert.Equal(t, day, summary.StartDate)
}
