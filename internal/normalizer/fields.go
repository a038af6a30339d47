package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawRecord is a provider-shaped record as delivered by a collector
type RawRecord map[string]any

// FieldMap locates canonical fields inside a provider's raw records.
// Each entry lists candidate keys tried in order; dotted keys walk nested maps.
type FieldMap struct {
	Timestamp     []string
	Cost          []string
	Currency      []string
	Service       []string
	ResourceID    []string
	UsageHours    []string
	ResourceCount []string
	Region        []string
	Department    []string
	Tags          []string
	TagPrefix     string

	CPU       []string
	Memory    []string
	NetworkIO []string
	DiskIO    []string
}

var utilizationFields = FieldMap{
	CPU:       []string{"cpu_utilization", "cpu", "CPUUtilization"},
	Memory:    []string{"memory_utilization", "memory", "MemoryUtilization"},
	NetworkIO: []string{"network_io", "NetworkIO"},
	DiskIO:    []string{"disk_io", "DiskIO"},
}

// DefaultFieldMaps holds the built-in mappings for each provider's export format
var DefaultFieldMaps = map[Provider]FieldMap{
	ProviderAWS: withUtilization(FieldMap{
		Timestamp:     []string{"line_item_usage_start_date", "lineItem/UsageStartDate", "timestamp"},
		Cost:          []string{"line_item_unblended_cost", "lineItem/UnblendedCost", "cost"},
		Currency:      []string{"line_item_currency_code", "lineItem/CurrencyCode", "currency"},
		Service:       []string{"product_product_name", "product/ProductName", "line_item_product_code", "service"},
		ResourceID:    []string{"line_item_resource_id", "lineItem/ResourceId", "resource_id"},
		UsageHours:    []string{"usage_hours", "line_item_usage_amount"},
		ResourceCount: []string{"resource_count"},
		Region:        []string{"product_region", "product/region", "region"},
		Department:    []string{"resource_tags_user_department", "department"},
		Tags:          []string{"tags"},
		TagPrefix:     "resource_tags_user_",
	}),
	ProviderAzure: withUtilization(FieldMap{
		Timestamp:     []string{"date", "UsageDate", "timestamp"},
		Cost:          []string{"costInBillingCurrency", "CostInBillingCurrency", "PreTaxCost", "cost"},
		Currency:      []string{"billingCurrency", "BillingCurrency", "Currency", "currency"},
		Service:       []string{"meterCategory", "ServiceName", "service"},
		ResourceID:    []string{"resourceId", "ResourceId", "resource_id"},
		UsageHours:    []string{"usage_hours", "quantity"},
		ResourceCount: []string{"resource_count"},
		Region:        []string{"resourceLocation", "ResourceLocation", "region"},
		Department:    []string{"tags.department", "department"},
		Tags:          []string{"tags"},
	}),
	ProviderGCP: withUtilization(FieldMap{
		Timestamp:     []string{"usage_start_time", "timestamp"},
		Cost:          []string{"cost"},
		Currency:      []string{"currency"},
		Service:       []string{"service.description", "service"},
		ResourceID:    []string{"resource.name", "resource_id"},
		UsageHours:    []string{"usage_hours", "usage.amount_in_pricing_units"},
		ResourceCount: []string{"resource_count"},
		Region:        []string{"location.region", "region"},
		Department:    []string{"labels.department", "department"},
		Tags:          []string{"labels", "tags"},
	}),
	ProviderOnPrem: withUtilization(FieldMap{
		Timestamp:     []string{"timestamp"},
		Cost:          []string{"cost"},
		Currency:      []string{"currency"},
		Service:       []string{"service"},
		ResourceID:    []string{"resource_id"},
		UsageHours:    []string{"usage_hours"},
		ResourceCount: []string{"resource_count"},
		Region:        []string{"region", "datacenter"},
		Department:    []string{"department"},
		Tags:          []string{"tags"},
	}),
}

func withUtilization(m FieldMap) FieldMap {
	m.CPU = utilizationFields.CPU
	m.Memory = utilizationFields.Memory
	m.NetworkIO = utilizationFields.NetworkIO
	m.DiskIO = utilizationFields.DiskIO
	return m
}

// lookup returns the first non-nil value among keys
func (r RawRecord) lookup(keys []string) (any, bool) {
	for _, key := range keys {
		if v, ok := r[key]; ok && v != nil {
			return v, true
		}
		if !strings.Contains(key, ".") {
			continue
		}
		if v, ok := walk(map[string]any(r), strings.Split(key, ".")); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func walk(m map[string]any, path []string) (any, bool) {
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	switch next := v.(type) {
	case map[string]any:
		return walk(next, path[1:])
	case RawRecord:
		return walk(map[string]any(next), path[1:])
	case map[string]string:
		s, ok := next[path[1]]
		return s, ok && len(path) == 2
	}
	return nil, false
}

func (r RawRecord) str(keys []string) string {
	v, ok := r.lookup(keys)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func (r RawRecord) float(keys []string) (float64, bool, error) {
	v, ok := r.lookup(keys)
	if !ok {
		return 0, false, nil
	}
	f, err := toFloat(v)
	return f, true, err
}

func (r RawRecord) tags(m FieldMap) map[string]string {
	tags := make(map[string]string)
	if v, ok := r.lookup(m.Tags); ok {
		switch t := v.(type) {
		case map[string]string:
			for k, val := range t {
				tags[k] = val
			}
		case map[string]any:
			for k, val := range t {
				tags[k] = fmt.Sprint(val)
			}
		}
	}
	if m.TagPrefix != "" {
		for k, v := range r {
			if strings.HasPrefix(k, m.TagPrefix) && v != nil {
				tags[strings.TrimPrefix(k, m.TagPrefix)] = fmt.Sprint(v)
			}
		}
	}
	return tags
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case decimal.Decimal:
		return n.InexactFloat64(), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("unsupported numeric type %T", v)
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, fmt.Errorf("non-finite cost")
		}
		return decimal.NewFromFloat(n), nil
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Zero, fmt.Errorf("non-finite cost")
		}
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	}
	return decimal.Zero, fmt.Errorf("unsupported cost type %T", v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
	"01/02/2006",
}

// toTime parses the timestamp shapes seen across billing exports.
// Eight-digit integers are read as yyyymmdd (Azure UsageDate), other numbers as unix seconds.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
	}

	f, err := toFloat(v)
	if err != nil {
		return time.Time{}, err
	}
	if f >= 19000101 && f <= 29991231 && f == math.Trunc(f) {
		return time.Parse("20060102", strconv.FormatInt(int64(f), 10))
	}
	return time.Unix(int64(f), 0).UTC(), nil
}
