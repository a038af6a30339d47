package normalizer

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
)

// Config holds normalizer configuration
type Config struct {
	ReportingCurrency string
	// ExchangeRates maps a currency code to units of the reporting currency per unit
	ExchangeRates map[string]decimal.Decimal
	// FieldMaps overrides the built-in mapping per provider
	FieldMaps map[Provider]FieldMap
}

// QualityReport summarizes a normalized batch
type QualityReport struct {
	Provider Provider       `json:"provider"`
	Total    int            `json:"total"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Reasons  map[string]int `json:"reasons"`
	ByKind   errs.Counts    `json:"by_kind"`
	Errors   []RecordError  `json:"errors,omitempty"`
}

// RecordError ties a rejection to its position in the batch
type RecordError struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Err   error  `json:"-"`
}

func newReport(provider Provider, total int) QualityReport {
	return QualityReport{
		Provider: provider,
		Total:    total,
		Reasons:  make(map[string]int),
		ByKind:   errs.Counts{},
	}
}

func (q *QualityReport) reject(index int, err error) {
	q.Rejected++
	q.Reasons[err.Error()]++
	q.ByKind.Add(err)
	q.Errors = append(q.Errors, RecordError{Index: index, Kind: string(errs.KindOf(err)), Err: err})
}

// CostResult is the output of Normalize
type CostResult struct {
	Records []CostRecord
	Report  QualityReport
}

// UtilizationResult is the output of NormalizeUtilization
type UtilizationResult struct {
	Samples []UtilizationSample
	Report  QualityReport
}

// Normalizer converts provider-specific records into the canonical schema
type Normalizer struct {
	currency  string
	rates     map[string]decimal.Decimal
	fieldMaps map[Provider]FieldMap
}

// New creates a new Normalizer
func New(cfg Config) *Normalizer {
	currency := strings.ToUpper(cfg.ReportingCurrency)
	if currency == "" {
		currency = "USD"
	}

	rates := make(map[string]decimal.Decimal, len(cfg.ExchangeRates))
	for code, rate := range cfg.ExchangeRates {
		rates[strings.ToUpper(code)] = rate
	}

	maps := make(map[Provider]FieldMap, len(DefaultFieldMaps))
	for p, m := range DefaultFieldMaps {
		maps[p] = m
	}
	for p, m := range cfg.FieldMaps {
		maps[p] = m
	}

	return &Normalizer{currency: currency, rates: rates, fieldMaps: maps}
}

// ReportingCurrency returns the currency all costs are converted into
func (n *Normalizer) ReportingCurrency() string {
	return n.currency
}

// Normalize converts a batch of raw cost records. Per-record failures are
// counted in the report and never abort the batch.
func (n *Normalizer) Normalize(providerTag string, raw []RawRecord) CostResult {
	provider, ok := ParseProvider(providerTag)
	result := CostResult{Report: newReport(provider, len(raw))}

	if !ok {
		for i := range raw {
			result.Report.reject(i, &errs.ValidationError{Field: "provider", Message: "missing or unknown provider"})
		}
		return result
	}

	fields := n.fieldMaps[provider]
	for i, r := range raw {
		record, err := n.normalizeCost(provider, fields, r)
		if err != nil {
			result.Report.reject(i, err)
			continue
		}
		result.Records = append(result.Records, record)
		result.Report.Accepted++
	}

	return result
}

func (n *Normalizer) normalizeCost(provider Provider, fields FieldMap, r RawRecord) (CostRecord, error) {
	tsValue, ok := r.lookup(fields.Timestamp)
	if !ok {
		return CostRecord{}, &errs.ValidationError{Field: "timestamp", Message: "missing"}
	}
	ts, err := toTime(tsValue)
	if err != nil {
		return CostRecord{}, &errs.ValidationError{Field: "timestamp", Message: "unparseable"}
	}

	costValue, ok := r.lookup(fields.Cost)
	if !ok {
		return CostRecord{}, &errs.ValidationError{Field: "cost", Message: "missing"}
	}
	cost, err := toDecimal(costValue)
	if err != nil {
		return CostRecord{}, &errs.ValidationError{Field: "cost", Message: "unparseable"}
	}
	if cost.IsNegative() {
		return CostRecord{}, &errs.DataQualityError{Field: "cost", Reason: "negative cost"}
	}

	currency := strings.ToUpper(r.str(fields.Currency))
	if currency == "" {
		currency = n.currency
	}
	if currency != n.currency {
		rate, ok := n.rates[currency]
		if !ok {
			return CostRecord{}, &errs.DataQualityError{Field: "currency", Reason: fmt.Sprintf("no exchange rate for %s", currency)}
		}
		cost = cost.Mul(rate)
	}

	usageHours, _, err := r.float(fields.UsageHours)
	if err != nil {
		return CostRecord{}, &errs.ValidationError{Field: "usage_hours", Message: "not numeric"}
	}
	if !finite(usageHours) {
		return CostRecord{}, &errs.DataQualityError{Field: "usage_hours", Reason: "usage not finite"}
	}
	count := 1
	if c, found, err := r.float(fields.ResourceCount); err == nil && found {
		if !finite(c) {
			return CostRecord{}, &errs.DataQualityError{Field: "resource_count", Reason: "count not finite"}
		}
		count = int(c)
	}

	tags := r.tags(fields)
	cloudService := r.str(fields.Service)
	service := NormalizeService(provider, cloudService)
	if service == "" {
		service = "Unknown"
	}
	if cloudService != "" && cloudService != service {
		tags["cloud_service"] = cloudService
	}

	department := r.str(fields.Department)
	if department == "" {
		department = tags["department"]
	}

	return CostRecord{
		Timestamp:     ts,
		Provider:      provider,
		Service:       service,
		ResourceID:    r.str(fields.ResourceID),
		Cost:          cost,
		Currency:      n.currency,
		UsageHours:    usageHours,
		ResourceCount: count,
		Region:        r.str(fields.Region),
		Department:    department,
		Tags:          tags,
	}, nil
}

// NormalizeUtilization converts a batch of raw utilization records
func (n *Normalizer) NormalizeUtilization(providerTag string, raw []RawRecord) UtilizationResult {
	provider, ok := ParseProvider(providerTag)
	result := UtilizationResult{Report: newReport(provider, len(raw))}

	if !ok {
		for i := range raw {
			result.Report.reject(i, &errs.ValidationError{Field: "provider", Message: "missing or unknown provider"})
		}
		return result
	}

	fields := n.fieldMaps[provider]
	for i, r := range raw {
		sample, err := normalizeUtilization(provider, fields, r)
		if err != nil {
			result.Report.reject(i, err)
			continue
		}
		result.Samples = append(result.Samples, sample)
		result.Report.Accepted++
	}

	return result
}

func normalizeUtilization(provider Provider, fields FieldMap, r RawRecord) (UtilizationSample, error) {
	tsValue, ok := r.lookup(fields.Timestamp)
	if !ok {
		return UtilizationSample{}, &errs.ValidationError{Field: "timestamp", Message: "missing"}
	}
	ts, err := toTime(tsValue)
	if err != nil {
		return UtilizationSample{}, &errs.ValidationError{Field: "timestamp", Message: "unparseable"}
	}

	resourceID := r.str(fields.ResourceID)
	if resourceID == "" {
		return UtilizationSample{}, &errs.ValidationError{Field: "resource_id", Message: "missing"}
	}

	cpu, cpuFound, err := r.float(fields.CPU)
	if err != nil {
		return UtilizationSample{}, &errs.ValidationError{Field: "cpu_utilization", Message: "not numeric"}
	}
	mem, memFound, err := r.float(fields.Memory)
	if err != nil {
		return UtilizationSample{}, &errs.ValidationError{Field: "memory_utilization", Message: "not numeric"}
	}
	if !cpuFound && !memFound {
		return UtilizationSample{}, &errs.ValidationError{Field: "cpu_utilization", Message: "missing"}
	}

	if cpu, err = fraction("cpu_utilization", cpu); err != nil {
		return UtilizationSample{}, err
	}
	if mem, err = fraction("memory_utilization", mem); err != nil {
		return UtilizationSample{}, err
	}

	network, _, _ := r.float(fields.NetworkIO)
	disk, _, _ := r.float(fields.DiskIO)

	return UtilizationSample{
		Timestamp:         ts,
		ResourceID:        resourceID,
		Provider:          provider,
		CPUUtilization:    cpu,
		MemoryUtilization: mem,
		NetworkIO:         network,
		DiskIO:            disk,
	}, nil
}

// fraction accepts [0,1] as-is and (1,100] as a percentage
func fraction(field string, v float64) (float64, error) {
	switch {
	case !finite(v):
		return 0, &errs.DataQualityError{Field: field, Reason: "utilization not finite"}
	case v < 0 || v > 100:
		return 0, &errs.DataQualityError{Field: field, Reason: "utilization out of range"}
	case v > 1:
		return v / 100, nil
	default:
		return v, nil
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
