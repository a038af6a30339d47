package chargeback

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

func record(provider normalizer.Provider, cost string, department string, tags map[string]string) normalizer.CostRecord {
	return normalizer.CostRecord{
		Timestamp:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Provider:   provider,
		Service:    "Compute",
		Cost:       decimal.RequireFromString(cost),
		Currency:   "USD",
		Department: department,
		Tags:       tags,
	}
}

func TestDepartment(t *testing.T) {
	a := NewAllocator(AllocatorConfig{UntaggedPool: "shared"})

	tests := []struct {
		name string
		rec  normalizer.CostRecord
		want string
		pool string
	}{
		{"department field", record(normalizer.ProviderAWS, "1", "platform", map[string]string{"cost_center": "data"}), "platform", "platform"},
		{"primary tag", record(normalizer.ProviderAWS, "1", "", map[string]string{"cost_center": "data", "team": "web"}), "data", "data"},
		{"fallback tag", record(normalizer.ProviderAWS, "1", "", map[string]string{"team": "web"}), "web", "web"},
		{"untagged", record(normalizer.ProviderAWS, "1", "", nil), "", "shared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Department(tt.rec))
			assert.Equal(t, tt.pool, a.Attribute(tt.rec))
		})
	}
}

func TestAllocate(t *testing.T) {
	records := []normalizer.CostRecord{
		record(normalizer.ProviderAWS, "600", "platform", nil),
		record(normalizer.ProviderGCP, "200", "data", nil),
		record(normalizer.ProviderAzure, "200", "", nil),
	}

	t.Run("untagged pool", func(t *testing.T) {
		got := NewAllocator(AllocatorConfig{UntaggedPool: "shared"}).Allocate(records)
		require.Len(t, got, 3)
		assert.True(t, decimal.NewFromInt(200).Equal(got["shared"].AllocatedCost))
		assert.True(t, decimal.NewFromInt(200).Equal(got["shared"].ByProvider[normalizer.ProviderAzure]))
	})

	t.Run("proportional", func(t *testing.T) {
		got := NewAllocator(AllocatorConfig{}).Allocate(records)
		require.Len(t, got, 2)
		assert.True(t, decimal.NewFromInt(750).Equal(got["platform"].TotalCost), got["platform"].TotalCost.String())
		assert.True(t, decimal.NewFromInt(250).Equal(got["data"].TotalCost), got["data"].TotalCost.String())
	})

	t.Run("shared split", func(t *testing.T) {
		got := NewAllocator(AllocatorConfig{SharedCostSplit: []SharedCostRule{{Department: "data", Percentage: 100}}}).Allocate(records)
		assert.True(t, decimal.NewFromInt(400).Equal(got["data"].TotalCost))
		assert.True(t, decimal.NewFromInt(600).Equal(got["platform"].TotalCost))
	})
}

func TestReport_WriteCSV(t *testing.T) {
	records := []normalizer.CostRecord{
		record(normalizer.ProviderAWS, "750", "platform", nil),
		record(normalizer.ProviderGCP, "250", "data", nil),
	}
	report := GenerateReport(NewAllocator(AllocatorConfig{}).Allocate(records), "2024-06", "USD")

	assert.Equal(t, "platform", report.Allocations[0].Department)
	assert.True(t, decimal.NewFromInt(1000).Equal(report.TotalCost))

	var buf bytes.Buffer
	require.NoError(t, report.WriteCSV(&buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Department", rows[0][0])
	assert.Equal(t, []string{"platform", "750.00", "750.00", "0.00", "750.00", "0.00", "0.00", "0.00", "75.0%"}, rows[1])
	assert.Equal(t, "TOTAL", rows[3][0])
}
