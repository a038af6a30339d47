package recommend

import (
	"fmt"
	"math"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// RightSizingParams configures the right-sizing policy
type RightSizingParams struct {
	CPUThreshold    float64 `yaml:"cpu_threshold" json:"cpu_threshold"`
	MemoryThreshold float64 `yaml:"memory_threshold" json:"memory_threshold"`
	WindowDays      int     `yaml:"window_days" json:"window_days"`
	SafetyMargin    float64 `yaml:"safety_margin" json:"safety_margin"`
	Percentile      float64 `yaml:"percentile" json:"percentile"`
}

func (p RightSizingParams) withDefaults() RightSizingParams {
	if p.CPUThreshold <= 0 {
		p.CPUThreshold = 0.30
	}
	if p.MemoryThreshold <= 0 {
		p.MemoryThreshold = 0.40
	}
	if p.WindowDays <= 0 {
		p.WindowDays = 14
	}
	if p.SafetyMargin < 1 {
		p.SafetyMargin = 1.5
	}
	if p.Percentile <= 0 || p.Percentile > 100 {
		p.Percentile = 95
	}
	return p
}

// sampleScale sets how quickly sample count saturates the confidence score
const sampleScale = 100.0

type rightSizing struct {
	params  RightSizingParams
	catalog *Catalog
	floor   float64
}

func newRightSizing(catalog *Catalog, floor float64, params *RightSizingParams) *rightSizing {
	p := RightSizingParams{}
	if params != nil {
		p = *params
	}
	return &rightSizing{params: p.withDefaults(), catalog: catalog, floor: floor}
}

func (p *rightSizing) Type() Type { return TypeRightSizing }

// Applies to catalogued compute instances with a full window of samples
func (p *rightSizing) Applies(h *ResourceHistory) bool {
	if _, ok := p.catalog.Instance(h.Provider, h.Tag("instance_type")); !ok {
		return false
	}
	return distinctDays(p.window(h)) >= p.params.WindowDays
}

func (p *rightSizing) window(h *ResourceHistory) []normalizer.UtilizationSample {
	return h.SamplesSince(h.WindowEnd.AddDate(0, 0, -p.params.WindowDays))
}

func (p *rightSizing) Evaluate(h *ResourceHistory) (*Recommendation, error) {
	current, _ := p.catalog.Instance(h.Provider, h.Tag("instance_type"))
	samples := p.window(h)

	cpu := make([]float64, len(samples))
	mem := make([]float64, len(samples))
	for i, s := range samples {
		cpu[i] = s.CPUUtilization
		mem[i] = s.MemoryUtilization
	}
	p95CPU := percentile(cpu, p.params.Percentile)
	p95Mem := percentile(mem, p.params.Percentile)
	if p95CPU >= p.params.CPUThreshold || p95Mem >= p.params.MemoryThreshold {
		return nil, nil
	}

	needCPU := current.VCPU * p95CPU * p.params.SafetyMargin
	needMem := current.MemoryGB * p95Mem * p.params.SafetyMargin

	var target *InstanceType
	for _, it := range p.catalog.InstancesFor(h.Provider) {
		if it.VCPU >= needCPU && it.MemoryGB >= needMem && it.MonthlyCost < current.MonthlyCost {
			it := it
			target = &it
			break
		}
	}
	if target == nil {
		return nil, nil
	}

	currentCost := h.MonthlyCost()
	if currentCost <= 0 {
		currentCost = current.MonthlyCost
	}

	days := distinctDays(samples)
	coverage := math.Min(1, float64(days)/float64(p.params.WindowDays))

	rec := base(h, TypeRightSizing)
	rec.CurrentCost = currentCost
	rec.ProjectedCost = currentCost * target.MonthlyCost / current.MonthlyCost
	rec.Confidence = rightSizingConfidence(len(samples), coefficientOfVariation(cpu), coverage)
	rec.CurrentConfig = map[string]any{
		"instance_type": current.Name,
		"vcpu":          current.VCPU,
		"memory_gb":     current.MemoryGB,
	}
	rec.RecommendedConfig = map[string]any{
		"instance_type": target.Name,
		"vcpu":          target.VCPU,
		"memory_gb":     target.MemoryGB,
	}
	rec.Description = fmt.Sprintf("Downsize %s to %s", current.Name, target.Name)
	rec.Reasoning = fmt.Sprintf(
		"p%.0f CPU utilization is %.1f%% and p%.0f memory utilization is %.1f%% over %d days (%d samples); "+
			"%s (%.0f vCPU, %.0f GB) covers observed demand with a %.1fx safety margin",
		p.params.Percentile, p95CPU*100, p.params.Percentile, p95Mem*100, days, len(samples),
		target.Name, target.VCPU, target.MemoryGB, p.params.SafetyMargin,
	)

	return finalize(rec, p.floor), nil
}

// rightSizingConfidence grows with sample count and window coverage and
// shrinks with CPU variability.
func rightSizingConfidence(samples int, cv, coverage float64) float64 {
	sampleFactor := 1 - math.Exp(-float64(samples)/sampleScale)
	consistency := 1 / (1 + cv)
	return math.Min(0.99, sampleFactor*(0.4+0.6*consistency)*coverage)
}
