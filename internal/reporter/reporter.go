// Package reporter renders optimization reports as HTML, CSV or JSON
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/cost-optimizer/internal/anomaly"
	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/chargeback"
	"github.com/lvonguyen/cost-optimizer/internal/config"
	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
)

// Output formats
const (
	FormatHTML = "html"
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// ReportData contains all data for report generation
type ReportData struct {
	Period          string                      `json:"period"`
	Recommendations []*recommend.Recommendation `json:"recommendations"`
	Alerts          []*budget.Alert             `json:"budget_alerts"`
	Anomalies       []anomaly.Verdict           `json:"anomalies"`
	Forecasts       []forecast.Point            `json:"forecasts"`
	Chargeback      *chargeback.Report          `json:"chargeback,omitempty"`
	GeneratedAt     time.Time                   `json:"generated_at"`
}

// TypeSavings is the monthly savings of one recommendation type
type TypeSavings struct {
	Type    recommend.Type `json:"type"`
	Count   int            `json:"count"`
	Savings float64        `json:"monthly_savings"`
}

// TotalSavings sums monthly savings over pending recommendations
func (d ReportData) TotalSavings() float64 {
	var total float64
	for _, r := range d.Recommendations {
		if r.Status == recommend.StatusPending {
			total += r.MonthlySavings
		}
	}
	return total
}

// SavingsByType breaks pending savings down per type, largest first
func (d ReportData) SavingsByType() []TypeSavings {
	byType := map[recommend.Type]*TypeSavings{}
	for _, r := range d.Recommendations {
		if r.Status != recommend.StatusPending {
			continue
		}
		ts, ok := byType[r.Type]
		if !ok {
			ts = &TypeSavings{Type: r.Type}
			byType[r.Type] = ts
		}
		ts.Count++
		ts.Savings += r.MonthlySavings
	}

	out := make([]TypeSavings, 0, len(byType))
	for _, ts := range byType {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Savings != out[j].Savings {
			return out[i].Savings > out[j].Savings
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// ForecastTotal sums predicted cost across all forecast points
func (d ReportData) ForecastTotal() float64 {
	var total float64
	for _, p := range d.Forecasts {
		total += p.PredictedCost
	}
	return total
}

// Reporter generates optimization reports
type Reporter struct {
	config config.ReporterConfig
	now    func() time.Time
}

// New creates a new Reporter
func New(cfg config.ReporterConfig) *Reporter {
	return &Reporter{config: cfg, now: time.Now}
}

// Generate writes a report in the given format and returns its path
func (r *Reporter) Generate(format string, data ReportData) (string, error) {
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = r.now().UTC()
	}

	var write func(io.Writer, ReportData) error
	switch strings.ToLower(format) {
	case FormatHTML:
		tmpl, err := r.template()
		if err != nil {
			return "", err
		}
		write = func(w io.Writer, d ReportData) error { return tmpl.Execute(w, d) }
	case FormatCSV:
		write = WriteCSV
	case FormatJSON:
		write = WriteJSON
	default:
		return "", &errs.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported report format %q", format)}
	}

	if err := os.MkdirAll(r.config.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	filename := fmt.Sprintf("optimizer-report-%s.%s", data.GeneratedAt.Format("20060102-150405"), strings.ToLower(format))
	outputPath := filepath.Join(r.config.OutputDir, filename)

	f, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if err := write(f, data); err != nil {
		return "", fmt.Errorf("failed to write %s report: %w", format, err)
	}
	return outputPath, nil
}

// GenerateHTML generates an HTML report
func (r *Reporter) GenerateHTML(data ReportData) (string, error) {
	return r.Generate(FormatHTML, data)
}

// GenerateCSV generates a CSV report of recommendations
func (r *Reporter) GenerateCSV(data ReportData) (string, error) {
	return r.Generate(FormatCSV, data)
}

// GenerateJSON generates a JSON report
func (r *Reporter) GenerateJSON(data ReportData) (string, error) {
	return r.Generate(FormatJSON, data)
}

var funcs = template.FuncMap{
	"percent": func(f float64) float64 { return f * 100 },
}

func (r *Reporter) template() (*template.Template, error) {
	if r.config.HTMLTemplate == "" {
		return template.Must(template.New("report").Funcs(funcs).Parse(htmlTemplate)), nil
	}
	tmpl, err := template.New(filepath.Base(r.config.HTMLTemplate)).Funcs(funcs).ParseFiles(r.config.HTMLTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", r.config.HTMLTemplate, err)
	}
	return tmpl, nil
}

// WriteCSV writes one row per recommendation
func WriteCSV(w io.Writer, data ReportData) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{
		"ID", "Provider", "Service", "Resource", "Type", "Status", "Impact",
		"Current Cost", "Projected Cost", "Monthly Savings", "Confidence", "Description",
	}); err != nil {
		return err
	}

	for _, rec := range data.Recommendations {
		if err := writer.Write([]string{
			rec.ID,
			string(rec.Provider),
			rec.Service,
			rec.ResourceID,
			string(rec.Type),
			string(rec.Status),
			string(rec.Impact),
			fmt.Sprintf("%.2f", rec.CurrentCost),
			fmt.Sprintf("%.2f", rec.ProjectedCost),
			fmt.Sprintf("%.2f", rec.MonthlySavings),
			strconv.FormatFloat(rec.Confidence, 'f', 2, 64),
			rec.Description,
		}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteJSON writes the report data with computed totals
func WriteJSON(w io.Writer, data ReportData) error {
	payload := struct {
		ReportData
		TotalSavings  float64       `json:"total_monthly_savings"`
		SavingsByType []TypeSavings `json:"savings_by_type"`
		ForecastTotal float64       `json:"forecast_total"`
	}{
		ReportData:    data,
		TotalSavings:  data.TotalSavings(),
		SavingsByType: data.SavingsByType(),
		ForecastTotal: data.ForecastTotal(),
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Cost Optimization Report - {{.Period}}</title>
    <style>
        :root {
            --bg-dark: #0f172a;
            --bg-card: #1e293b;
            --text-primary: #f1f5f9;
            --text-secondary: #94a3b8;
            --accent-blue: #3b82f6;
            --accent-green: #22c55e;
            --accent-yellow: #eab308;
            --accent-red: #ef4444;
            --border: #334155;
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, sans-serif;
            background: var(--bg-dark);
            color: var(--text-primary);
            line-height: 1.6;
            padding: 2rem;
        }
        .container { max-width: 1400px; margin: 0 auto; }
        .subtitle { color: var(--text-secondary); margin-bottom: 2rem; }
        .stats-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(200px, 1fr));
            gap: 1rem;
            margin-bottom: 2rem;
        }
        .stat-card {
            background: var(--bg-card);
            border: 1px solid var(--border);
            border-radius: 12px;
            padding: 1.5rem;
        }
        .stat-label { color: var(--text-secondary); font-size: 0.875rem; }
        .stat-value { font-size: 2rem; font-weight: 700; }
        .stat-value.green { color: var(--accent-green); }
        .stat-value.yellow { color: var(--accent-yellow); }
        .stat-value.red { color: var(--accent-red); }
        .section { margin-bottom: 2rem; }
        .section-title {
            font-size: 1.25rem;
            margin-bottom: 1rem;
            border-bottom: 1px solid var(--border);
        }
        table { width: 100%; border-collapse: collapse; background: var(--bg-card); }
        th, td { padding: 0.75rem; text-align: left; }
        th { color: var(--accent-blue); }
        tr:not(:last-child) { border-bottom: 1px solid var(--border); }
        .badge { padding: 0.25rem 0.75rem; border-radius: 9999px; font-size: 0.75rem; }
        .badge.low, .badge.warning { color: var(--accent-green); }
        .badge.medium, .badge.critical { color: var(--accent-yellow); }
        .badge.high, .badge.emergency { color: var(--accent-red); }
    </style>
</head>
<body>
    <div class="container">
        <h1>Cost Optimization Report</h1>
        <p class="subtitle">{{.Period}} | Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</p>

        <div class="stats-grid">
            <div class="stat-card">
                <div class="stat-label">Monthly Savings Available</div>
                <div class="stat-value green">${{printf "%.2f" .TotalSavings}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Recommendations</div>
                <div class="stat-value">{{len .Recommendations}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Forecast Spend</div>
                <div class="stat-value">${{printf "%.2f" .ForecastTotal}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Anomalies</div>
                <div class="stat-value {{if .Anomalies}}red{{else}}green{{end}}">{{len .Anomalies}}</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Budget Alerts</div>
                <div class="stat-value {{if .Alerts}}yellow{{else}}green{{end}}">{{len .Alerts}}</div>
            </div>
        </div>

        {{with .SavingsByType}}
        <div class="section">
            <h2 class="section-title">Savings by Type</h2>
            <table>
                <thead><tr><th>Type</th><th>Count</th><th>Monthly Savings</th></tr></thead>
                <tbody>
                    {{range .}}
                    <tr><td>{{.Type}}</td><td>{{.Count}}</td><td>${{printf "%.2f" .Savings}}</td></tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Recommendations}}
        <div class="section">
            <h2 class="section-title">Recommendations</h2>
            <table>
                <thead>
                    <tr><th>Resource</th><th>Type</th><th>Savings</th><th>Confidence</th><th>Impact</th><th>Status</th></tr>
                </thead>
                <tbody>
                    {{range .Recommendations}}
                    <tr>
                        <td>{{.Provider}} / {{.ResourceID}}</td>
                        <td>{{.Type}}</td>
                        <td>${{printf "%.2f" .MonthlySavings}}</td>
                        <td>{{printf "%.0f" (percent .Confidence)}}%</td>
                        <td><span class="badge {{.Impact}}">{{.Impact}}</span></td>
                        <td>{{.Status}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Anomalies}}
        <div class="section">
            <h2 class="section-title">Cost Anomalies</h2>
            <table>
                <thead><tr><th>Date</th><th>Series</th><th>Actual</th><th>Expected</th><th>Severity</th></tr></thead>
                <tbody>
                    {{range .Anomalies}}
                    <tr>
                        <td>{{.Date.Format "2006-01-02"}}</td>
                        <td>{{.Series}}</td>
                        <td>${{printf "%.2f" .Actual}}</td>
                        <td>${{printf "%.2f" .Baseline.PredictedCost}}</td>
                        <td><span class="badge {{.Severity}}">{{.Severity}}</span></td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{if .Alerts}}
        <div class="section">
            <h2 class="section-title">Budget Alerts</h2>
            <table>
                <thead><tr><th>Budget</th><th>Scope</th><th>Current Spend</th><th>Limit</th><th>Threshold</th><th>Level</th></tr></thead>
                <tbody>
                    {{range .Alerts}}
                    <tr>
                        <td>{{.BudgetName}}</td>
                        <td>{{.ScopeKey}}</td>
                        <td>${{.CurrentSpend.StringFixed 2}}</td>
                        <td>${{.BudgetAmount.StringFixed 2}}</td>
                        <td>{{printf "%.0f" .ThresholdPercentage}}%</td>
                        <td><span class="badge {{.Level}}">{{.Level}}</span></td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        {{with .Chargeback}}
        <div class="section">
            <h2 class="section-title">Chargeback {{.Month}}</h2>
            <table>
                <thead><tr><th>Department</th><th>Direct</th><th>Allocated</th><th>Total</th></tr></thead>
                <tbody>
                    {{range .Allocations}}
                    <tr>
                        <td>{{.Department}}</td>
                        <td>${{.DirectCost.StringFixed 2}}</td>
                        <td>${{.AllocatedCost.StringFixed 2}}</td>
                        <td>${{.TotalCost.StringFixed 2}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}
    </div>
</body>
</html>`
