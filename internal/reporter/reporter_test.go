package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/chargeback"
	"github.com/lvonguyen/cost-optimizer/internal/config"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
)

func sampleData() ReportData {
	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	return ReportData{
		Period: "2026-09",
		Recommendations: []*recommend.Recommendation{
			{ID: "rec_1", Provider: normalizer.ProviderAWS, ResourceID: "i-0abc", Type: recommend.TypeRightSizing, Status: recommend.StatusPending, Impact: recommend.ImpactHigh, MonthlySavings: 300, Confidence: 0.82, Description: "Downsize m5.4xlarge to m5.xlarge"},
			{ID: "rec_2", Provider: normalizer.ProviderAWS, ResourceID: "i-0def", Type: recommend.TypeRightSizing, Status: recommend.StatusPending, Impact: recommend.ImpactLow, MonthlySavings: 20, Confidence: 0.7},
			{ID: "rec_3", Provider: normalizer.ProviderGCP, ResourceID: "bucket-logs", Type: recommend.TypeStorage, Status: recommend.StatusPending, Impact: recommend.ImpactMedium, MonthlySavings: 75, Confidence: 0.9},
			{ID: "rec_4", Provider: normalizer.ProviderAzure, ResourceID: "vm-1", Type: recommend.TypeReserved, Status: recommend.StatusApplied, MonthlySavings: 1000, Confidence: 0.8},
		},
		Alerts: []*budget.Alert{
			{ID: "alert_1", BudgetName: "platform", ScopeKey: "department=platform", Level: budget.LevelCritical, BudgetAmount: decimal.NewFromInt(8000), CurrentSpend: decimal.NewFromInt(8200), ThresholdPercentage: 95},
		},
		Forecasts: []forecast.Point{
			{Date: day, PredictedCost: 100.5},
			{Date: day.AddDate(0, 0, 1), PredictedCost: 99.5},
		},
		Chargeback: &chargeback.Report{
			Month: "2026-09",
			Allocations: []*chargeback.Allocation{
				{Department: "platform", TotalCost: decimal.NewFromInt(500), DirectCost: decimal.NewFromInt(450), AllocatedCost: decimal.NewFromInt(50)},
			},
		},
		GeneratedAt: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestReportData_Totals(t *testing.T) {
	data := sampleData()

	t.Run("applied recommendations are excluded", func(t *testing.T) {
		assert.Equal(t, 395.0, data.TotalSavings())
	})

	t.Run("savings by type", func(t *testing.T) {
		assert.Equal(t, []TypeSavings{
			{Type: recommend.TypeRightSizing, Count: 2, Savings: 320},
			{Type: recommend.TypeStorage, Count: 1, Savings: 75},
		}, data.SavingsByType())
	})

	t.Run("forecast total", func(t *testing.T) {
		assert.Equal(t, 200.0, data.ForecastTotal())
	})
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	r := New(config.ReporterConfig{OutputDir: dir})

	t.Run("html", func(t *testing.T) {
		path, err := r.GenerateHTML(sampleData())
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "optimizer-report-20261001-080000.html"), path)

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		html := string(content)
		assert.Contains(t, html, "$395.00")
		assert.Contains(t, html, "i-0abc")
		assert.Contains(t, html, "82%")
		assert.Contains(t, html, "$8200.00")
		assert.Contains(t, html, "Chargeback 2026-09")
	})

	t.Run("csv", func(t *testing.T) {
		path, err := r.GenerateCSV(sampleData())
		require.NoError(t, err)

		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 5)
		assert.Equal(t, "ID", rows[0][0])
		assert.Equal(t, []string{"rec_1", "aws", "", "i-0abc", "rightsizing", "pending", "high", "0.00", "0.00", "300.00", "0.82", "Downsize m5.4xlarge to m5.xlarge"}, rows[1])
	})

	t.Run("json", func(t *testing.T) {
		path, err := r.GenerateJSON(sampleData())
		require.NoError(t, err)

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(content, &decoded))
		assert.Equal(t, 395.0, decoded["total_monthly_savings"])
		assert.Equal(t, "2026-09", decoded["period"])
		assert.Len(t, decoded["recommendations"], 4)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := r.Generate("pdf", sampleData())
		var verr *errs.ValidationError
		assert.True(t, errors.As(err, &verr))
	})
}

func TestGenerate_CustomTemplate(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "custom.html")
	require.NoError(t, os.WriteFile(tmplPath, []byte(`<p>{{.Period}}: {{printf "%.0f" .TotalSavings}} ({{printf "%.0f" (percent 0.5)}}%)</p>`), 0o600))

	r := New(config.ReporterConfig{OutputDir: dir, HTMLTemplate: tmplPath})
	path, err := r.GenerateHTML(sampleData())
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<p>2026-09: 395 (50%)</p>", string(content))

	t.Run("missing template", func(t *testing.T) {
		r := New(config.ReporterConfig{OutputDir: dir, HTMLTemplate: filepath.Join(dir, "missing.html")})
		_, err := r.GenerateHTML(sampleData())
		assert.Error(t, err)
	})
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, ReportData{}))
	assert.Equal(t, "ID,Provider,Service,Resource,Type,Status,Impact,Current Cost,Projected Cost,Monthly Savings,Confidence,Description\n", buf.String())
}
