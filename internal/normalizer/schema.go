// Package normalizer provides the canonical schema for multi-cloud cost and utilization data.
package normalizer

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies the origin of a record
type Provider string

const (
	ProviderAWS    Provider = "aws"
	ProviderAzure  Provider = "azure"
	ProviderGCP    Provider = "gcp"
	ProviderOnPrem Provider = "onprem"
)

// Providers lists every supported provider
var Providers = []Provider{ProviderAWS, ProviderAzure, ProviderGCP, ProviderOnPrem}

// ParseProvider resolves a provider tag, accepting common aliases
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aws", "amazon":
		return ProviderAWS, true
	case "azure", "microsoft":
		return ProviderAzure, true
	case "gcp", "google":
		return ProviderGCP, true
	case "onprem", "onpremises", "on-prem", "on_prem":
		return ProviderOnPrem, true
	}
	return "", false
}

// CostRecord is an immutable, currency-normalized cost fact
type CostRecord struct {
	Timestamp     time.Time         `json:"timestamp"`
	Provider      Provider          `json:"provider"`
	Service       string            `json:"service"`
	ResourceID    string            `json:"resource_id,omitempty"`
	Cost          decimal.Decimal   `json:"cost"`
	Currency      string            `json:"currency"`
	UsageHours    float64           `json:"usage_hours"`
	ResourceCount int               `json:"resource_count"`
	Region        string            `json:"region"`
	Department    string            `json:"department"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Day returns the UTC calendar day of the record
func (r CostRecord) Day() time.Time {
	return DayOf(r.Timestamp)
}

// UtilizationSample is an immutable utilization fact with fractions in [0,1]
type UtilizationSample struct {
	Timestamp         time.Time `json:"timestamp"`
	ResourceID        string    `json:"resource_id"`
	Provider          Provider  `json:"provider"`
	CPUUtilization    float64   `json:"cpu_utilization"`
	MemoryUtilization float64   `json:"memory_utilization"`
	NetworkIO         float64   `json:"network_io"`
	DiskIO            float64   `json:"disk_io"`
}

// DayOf truncates t to its UTC calendar day
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SeriesKey identifies one forecastable cost series
type SeriesKey struct {
	Provider Provider `json:"provider"`
	Service  string   `json:"service"`
}

func (k SeriesKey) String() string {
	return string(k.Provider) + "/" + k.Service
}

// CostSummary holds aggregated cost data
type CostSummary struct {
	TotalCost    decimal.Decimal            `json:"total_cost"`
	Currency     string                     `json:"currency"`
	StartDate    time.Time                  `json:"start_date"`
	EndDate      time.Time                  `json:"end_date"`
	ByProvider   map[string]decimal.Decimal `json:"by_provider"`
	ByService    map[string]decimal.Decimal `json:"by_service"`
	ByRegion     map[string]decimal.Decimal `json:"by_region"`
	ByDepartment map[string]decimal.Decimal `json:"by_department"`
	DailyCosts   []DailyCost                `json:"daily_costs"`
}

// DailyCost holds daily cost breakdown
type DailyCost struct {
	Date       time.Time                  `json:"date"`
	Total      decimal.Decimal            `json:"total"`
	ByProvider map[string]decimal.Decimal `json:"by_provider"`
}

// Summarize aggregates cost records into a summary
func Summarize(records []CostRecord, currency string) CostSummary {
	summary := CostSummary{
		Currency:     currency,
		ByProvider:   make(map[string]decimal.Decimal),
		ByService:    make(map[string]decimal.Decimal),
		ByRegion:     make(map[string]decimal.Decimal),
		ByDepartment: make(map[string]decimal.Decimal),
	}

	if len(records) == 0 {
		return summary
	}

	summary.StartDate = records[0].Day()
	summary.EndDate = records[0].Day()

	dailyMap := make(map[time.Time]*DailyCost)

	for _, r := range records {
		provider := string(r.Provider)
		summary.TotalCost = summary.TotalCost.Add(r.Cost)
		summary.ByProvider[provider] = summary.ByProvider[provider].Add(r.Cost)
		summary.ByService[r.Service] = summary.ByService[r.Service].Add(r.Cost)
		summary.ByRegion[r.Region] = summary.ByRegion[r.Region].Add(r.Cost)

		dept := r.Department
		if dept == "" {
			dept = "UNTAGGED"
		}
		summary.ByDepartment[dept] = summary.ByDepartment[dept].Add(r.Cost)

		day := r.Day()
		if day.Before(summary.StartDate) {
			summary.StartDate = day
		}
		if day.After(summary.EndDate) {
			summary.EndDate = day
		}

		dc, exists := dailyMap[day]
		if !exists {
			dc = &DailyCost{Date: day, ByProvider: make(map[string]decimal.Decimal)}
			dailyMap[day] = dc
		}
		dc.Total = dc.Total.Add(r.Cost)
		dc.ByProvider[provider] = dc.ByProvider[provider].Add(r.Cost)
	}

	for _, dc := range dailyMap {
		summary.DailyCosts = append(summary.DailyCosts, *dc)
	}
	sort.Slice(summary.DailyCosts, func(i, j int) bool {
		return summary.DailyCosts[i].Date.Before(summary.DailyCosts[j].Date)
	})

	return summary
}

// ServiceMapping maps cloud-specific services to normalized names
var ServiceMapping = map[Provider]map[string]string{
	ProviderAWS: {
		"Amazon Elastic Compute Cloud - Compute": "Compute",
		"Amazon Elastic Compute Cloud":           "Compute",
		"AmazonEC2":                              "Compute",
		"Amazon Relational Database Service":     "Database",
		"AmazonRDS":                              "Database",
		"Amazon Simple Storage Service":          "Storage",
		"AmazonS3":                               "Storage",
		"Amazon Elastic Block Store":             "Storage",
		"AWS Lambda":                             "Serverless",
		"Amazon Virtual Private Cloud":           "Networking",
		"Amazon CloudWatch":                      "Monitoring",
	},
	ProviderAzure: {
		"Virtual Machines":   "Compute",
		"Azure SQL Database": "Database",
		"SQL Database":       "Database",
		"Storage":            "Storage",
		"Azure Functions":    "Serverless",
		"Functions":          "Serverless",
		"Virtual Network":    "Networking",
		"Azure Monitor":      "Monitoring",
	},
	ProviderGCP: {
		"Compute Engine":        "Compute",
		"Cloud SQL":             "Database",
		"Cloud Storage":         "Storage",
		"Cloud Functions":       "Serverless",
		"Virtual Private Cloud": "Networking",
		"Cloud Monitoring":      "Monitoring",
	},
	ProviderOnPrem: {
		"vm":      "Compute",
		"san":     "Storage",
		"nas":     "Storage",
		"db":      "Database",
		"network": "Networking",
	},
}

// NormalizeService converts cloud-specific service names to normalized names
func NormalizeService(provider Provider, cloudService string) string {
	if mapping, ok := ServiceMapping[provider]; ok {
		if normalized, ok := mapping[cloudService]; ok {
			return normalized
		}
	}
	return cloudService
}
