package recommend

import (
	"fmt"
	"math"
)

// SpotParams configures the spot migration policy
type SpotParams struct {
	WorkloadClasses []string `yaml:"workload_classes" json:"workload_classes"`
	CoverageDays    int      `yaml:"coverage_days" json:"coverage_days"`
}

func (p SpotParams) withDefaults() SpotParams {
	if len(p.WorkloadClasses) == 0 {
		p.WorkloadClasses = []string{"batch", "stateless", "ci"}
	}
	if p.CoverageDays <= 0 {
		p.CoverageDays = 14
	}
	return p
}

type spotMigration struct {
	params  SpotParams
	classes map[string]bool
	catalog *Catalog
	floor   float64
}

func newSpotMigration(catalog *Catalog, floor float64, params *SpotParams) *spotMigration {
	p := SpotParams{}
	if params != nil {
		p = *params
	}
	p = p.withDefaults()

	classes := make(map[string]bool, len(p.WorkloadClasses))
	for _, c := range p.WorkloadClasses {
		classes[c] = true
	}
	return &spotMigration{params: p, classes: classes, catalog: catalog, floor: floor}
}

func (p *spotMigration) Type() Type { return TypeSpot }

// Applies to interruptible workloads on catalogued on-demand instances
func (p *spotMigration) Applies(h *ResourceHistory) bool {
	if !p.classes[h.Tag("workload_class")] {
		return false
	}
	if h.Tag("pricing_model") == "spot" {
		return false
	}
	if _, ok := p.catalog.SpotDiscount[h.Provider]; !ok {
		return false
	}
	_, ok := p.catalog.Instance(h.Provider, h.Tag("instance_type"))
	return ok
}

func (p *spotMigration) Evaluate(h *ResourceHistory) (*Recommendation, error) {
	instance, _ := p.catalog.Instance(h.Provider, h.Tag("instance_type"))
	discount := p.catalog.SpotDiscount[h.Provider]

	daily := h.DailyCosts()
	current := mean(daily) * daysPerMonth
	if current <= 0 {
		current = instance.MonthlyCost
	}

	coverage := math.Min(1, float64(len(daily))/float64(p.params.CoverageDays))
	cv := coefficientOfVariation(daily)

	rec := base(h, TypeSpot)
	rec.CurrentCost = current
	rec.ProjectedCost = current * (1 - discount)
	rec.Confidence = math.Min(0.85, 0.55+0.3*coverage/(1+cv))
	rec.CurrentConfig = map[string]any{
		"instance_type": instance.Name,
		"pricing_model": "on_demand",
	}
	rec.RecommendedConfig = map[string]any{
		"instance_type": instance.Name,
		"pricing_model": "spot",
	}
	rec.Description = fmt.Sprintf("Run %s on spot capacity", h.ResourceID)
	rec.Reasoning = fmt.Sprintf(
		"workload class %q tolerates interruption; %s spot pricing averages %.0f%% below on-demand",
		h.Tag("workload_class"), h.Provider, discount*100,
	)

	return finalize(rec, p.floor), nil
}
