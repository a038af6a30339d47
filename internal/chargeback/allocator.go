// Package chargeback attributes spend to departments from the department
// field and cost allocation tags, with a pool for untagged spend.
package chargeback

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// DefaultUntaggedPool receives spend that no rule attributes
const DefaultUntaggedPool = "unallocated"

// AllocatorConfig holds configuration for cost allocation
type AllocatorConfig struct {
	PrimaryTag      string           `yaml:"primary_tag"`  // e.g. cost_center
	FallbackTag     string           `yaml:"fallback_tag"` // used when the primary tag is missing
	UntaggedPool    string           `yaml:"untagged_pool"`
	SharedCostSplit []SharedCostRule `yaml:"shared_cost_split"`
}

// SharedCostRule assigns a percentage of untagged spend to a department
type SharedCostRule struct {
	Department string  `yaml:"department"`
	Percentage float64 `yaml:"percentage"`
}

// Allocation is the spend attributed to one department
type Allocation struct {
	Department    string                                  `json:"department"`
	TotalCost     decimal.Decimal                         `json:"total_cost"`
	DirectCost    decimal.Decimal                         `json:"direct_cost"`
	AllocatedCost decimal.Decimal                         `json:"allocated_cost"`
	ByProvider    map[normalizer.Provider]decimal.Decimal `json:"by_provider"`
	ByService     map[string]decimal.Decimal              `json:"by_service"`
}

func newAllocation(department string) *Allocation {
	return &Allocation{
		Department: department,
		ByProvider: make(map[normalizer.Provider]decimal.Decimal),
		ByService:  make(map[string]decimal.Decimal),
	}
}

func (a *Allocation) addDirect(r normalizer.CostRecord) {
	a.TotalCost = a.TotalCost.Add(r.Cost)
	a.DirectCost = a.DirectCost.Add(r.Cost)
	a.ByProvider[r.Provider] = a.ByProvider[r.Provider].Add(r.Cost)
	a.ByService[r.Service] = a.ByService[r.Service].Add(r.Cost)
}

// Allocator performs tag-based cost allocation
type Allocator struct {
	config AllocatorConfig
}

// NewAllocator creates a new cost allocator
func NewAllocator(cfg AllocatorConfig) *Allocator {
	if cfg.PrimaryTag == "" {
		cfg.PrimaryTag = "cost_center"
	}
	if cfg.FallbackTag == "" {
		cfg.FallbackTag = "team"
	}
	return &Allocator{config: cfg}
}

// Department resolves the department of a record: the record's department
// field, then the primary tag, then the fallback tag. Empty means untagged.
func (a *Allocator) Department(r normalizer.CostRecord) string {
	if r.Department != "" {
		return r.Department
	}
	if d := r.Tags[a.config.PrimaryTag]; d != "" {
		return d
	}
	return r.Tags[a.config.FallbackTag]
}

// Attribute is Department with untagged records mapped to the untagged pool
func (a *Allocator) Attribute(r normalizer.CostRecord) string {
	if d := a.Department(r); d != "" {
		return d
	}
	if a.config.UntaggedPool != "" {
		return a.config.UntaggedPool
	}
	return DefaultUntaggedPool
}

// Allocate distributes costs to departments
func (a *Allocator) Allocate(records []normalizer.CostRecord) map[string]*Allocation {
	allocations := make(map[string]*Allocation)
	var untagged []normalizer.CostRecord

	for _, r := range records {
		department := a.Department(r)
		if department == "" {
			untagged = append(untagged, r)
			continue
		}
		alloc, ok := allocations[department]
		if !ok {
			alloc = newAllocation(department)
			allocations[department] = alloc
		}
		alloc.addDirect(r)
	}

	a.allocateUntagged(allocations, untagged)
	return allocations
}

// allocateUntagged applies shared split rules, then the untagged pool, then
// a proportional split over tagged departments
func (a *Allocator) allocateUntagged(allocations map[string]*Allocation, untagged []normalizer.CostRecord) {
	if len(untagged) == 0 {
		return
	}

	total := decimal.Zero
	for _, r := range untagged {
		total = total.Add(r.Cost)
	}

	switch {
	case len(a.config.SharedCostSplit) > 0:
		remaining := decimal.NewFromInt(100)
		for _, rule := range a.config.SharedCostSplit {
			alloc, ok := allocations[rule.Department]
			if !ok {
				alloc = newAllocation(rule.Department)
				allocations[rule.Department] = alloc
			}
			pct := decimal.NewFromFloat(rule.Percentage)
			share := total.Mul(pct).Div(decimal.NewFromInt(100))
			alloc.AllocatedCost = alloc.AllocatedCost.Add(share)
			alloc.TotalCost = alloc.TotalCost.Add(share)
			remaining = remaining.Sub(pct)
		}
		if remaining.IsPositive() {
			a.distributeProportionally(allocations, total.Mul(remaining).Div(decimal.NewFromInt(100)))
		}

	case a.config.UntaggedPool != "":
		pool, ok := allocations[a.config.UntaggedPool]
		if !ok {
			pool = newAllocation(a.config.UntaggedPool)
			allocations[a.config.UntaggedPool] = pool
		}
		for _, r := range untagged {
			pool.TotalCost = pool.TotalCost.Add(r.Cost)
			pool.AllocatedCost = pool.AllocatedCost.Add(r.Cost)
			pool.ByProvider[r.Provider] = pool.ByProvider[r.Provider].Add(r.Cost)
			pool.ByService[r.Service] = pool.ByService[r.Service].Add(r.Cost)
		}

	default:
		a.distributeProportionally(allocations, total)
	}
}

// distributeProportionally allocates amount by each department's direct spend
func (a *Allocator) distributeProportionally(allocations map[string]*Allocation, amount decimal.Decimal) {
	totalDirect := decimal.Zero
	for _, alloc := range allocations {
		totalDirect = totalDirect.Add(alloc.DirectCost)
	}
	if totalDirect.IsZero() {
		return
	}

	for _, alloc := range allocations {
		share := amount.Mul(alloc.DirectCost).Div(totalDirect)
		alloc.AllocatedCost = alloc.AllocatedCost.Add(share)
		alloc.TotalCost = alloc.TotalCost.Add(share)
	}
}

// Report holds a generated chargeback report
type Report struct {
	Month       string          `json:"month"`
	Currency    string          `json:"currency"`
	Allocations []*Allocation   `json:"allocations"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	Generated   time.Time       `json:"generated"`
}

// GenerateReport creates a chargeback report from allocations, largest first
func GenerateReport(allocations map[string]*Allocation, month, currency string) *Report {
	report := &Report{
		Month:     month,
		Currency:  currency,
		Generated: time.Now().UTC(),
	}

	for _, alloc := range allocations {
		report.Allocations = append(report.Allocations, alloc)
		report.TotalCost = report.TotalCost.Add(alloc.TotalCost)
	}

	sort.Slice(report.Allocations, func(i, j int) bool {
		a, b := report.Allocations[i], report.Allocations[j]
		if !a.TotalCost.Equal(b.TotalCost) {
			return a.TotalCost.GreaterThan(b.TotalCost)
		}
		return a.Department < b.Department
	})

	return report
}

// SaveCSV saves the report as a CSV file
func (r *Report) SaveCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	return r.WriteCSV(file)
}

// WriteCSV writes the report rows and a total row
func (r *Report) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)

	header := []string{"Department", "Total Cost", "Direct Cost", "Allocated Cost"}
	for _, p := range normalizer.Providers {
		header = append(header, string(p))
	}
	header = append(header, "% of Total")
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alloc := range r.Allocations {
		pct := decimal.Zero
		if !r.TotalCost.IsZero() {
			pct = alloc.TotalCost.Div(r.TotalCost).Mul(decimal.NewFromInt(100))
		}
		row := []string{
			alloc.Department,
			alloc.TotalCost.StringFixed(2),
			alloc.DirectCost.StringFixed(2),
			alloc.AllocatedCost.StringFixed(2),
		}
		for _, p := range normalizer.Providers {
			row = append(row, alloc.ByProvider[p].StringFixed(2))
		}
		row = append(row, pct.StringFixed(1)+"%")
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	total := []string{"TOTAL", r.TotalCost.StringFixed(2), "", ""}
	for range normalizer.Providers {
		total = append(total, "")
	}
	total = append(total, "100.0%")
	if err := writer.Write(total); err != nil {
		return err
	}

	writer.Flush()
	return writer.Error()
}
