package recommend

import (
	"fmt"
	"math"
)

// StorageParams configures the storage tiering policy
type StorageParams struct {
	// MaxMonthlyAccesses is the access count above which data is treated as hot
	MaxMonthlyAccesses int `yaml:"max_monthly_accesses" json:"max_monthly_accesses"`
	// CoverageDays of cost history give full confidence
	CoverageDays int `yaml:"coverage_days" json:"coverage_days"`
}

func (p StorageParams) withDefaults() StorageParams {
	if p.MaxMonthlyAccesses <= 0 {
		p.MaxMonthlyAccesses = 10
	}
	if p.CoverageDays <= 0 {
		p.CoverageDays = 7
	}
	return p
}

type storageTiering struct {
	params  StorageParams
	catalog *Catalog
	floor   float64
}

func newStorageTiering(catalog *Catalog, floor float64, params *StorageParams) *storageTiering {
	p := StorageParams{}
	if params != nil {
		p = *params
	}
	return &storageTiering{params: p.withDefaults(), catalog: catalog, floor: floor}
}

func (p *storageTiering) Type() Type { return TypeStorage }

// Applies to resources in a catalogued storage class with access metadata
func (p *storageTiering) Applies(h *ResourceHistory) bool {
	if _, ok := p.catalog.StorageTier(h.Provider, h.Tag("storage_class")); !ok {
		return false
	}
	if _, ok := h.TagFloat("last_accessed_days"); !ok {
		return false
	}
	return len(h.Costs) > 0
}

func (p *storageTiering) Evaluate(h *ResourceHistory) (*Recommendation, error) {
	current, _ := p.catalog.StorageTier(h.Provider, h.Tag("storage_class"))
	idle, _ := h.TagFloat("last_accessed_days")

	if accesses, ok := h.TagFloat("access_count_30d"); ok && accesses > float64(p.params.MaxMonthlyAccesses) {
		return nil, nil
	}

	target, ok := p.catalog.NextCheaperTier(current)
	if !ok || idle < float64(target.MinIdleDays) {
		return nil, nil
	}

	currentCost := h.MonthlyCost()
	if size, ok := h.TagFloat("size_gb"); ok && currentCost <= 0 {
		currentCost = size * current.PricePerGB
	}
	if currentCost <= 0 {
		return nil, nil
	}

	days := len(h.DailyCosts())
	coverage := math.Min(1, float64(days)/float64(p.params.CoverageDays))

	rec := base(h, TypeStorage)
	rec.CurrentCost = currentCost
	rec.ProjectedCost = currentCost * target.PricePerGB / current.PricePerGB
	rec.Confidence = storageConfidence(idle, target.MinIdleDays) * coverage
	rec.CurrentConfig = map[string]any{
		"storage_class": current.Name,
		"price_per_gb":  current.PricePerGB,
	}
	rec.RecommendedConfig = map[string]any{
		"storage_class": target.Name,
		"price_per_gb":  target.PricePerGB,
	}
	if size, ok := h.TagFloat("size_gb"); ok {
		rec.CurrentConfig["size_gb"] = size
		rec.RecommendedConfig["size_gb"] = size
	}
	rec.Description = fmt.Sprintf("Move %s from %s to %s", h.ResourceID, current.Name, target.Name)
	rec.Reasoning = fmt.Sprintf(
		"last accessed %.0f days ago; %s requires %d idle days and keeps %s availability",
		idle, target.Name, target.MinIdleDays, target.Availability,
	)

	return finalize(rec, p.floor), nil
}

// storageConfidence rises from 0.6 at the tier minimum to 0.95 at twice the minimum
func storageConfidence(idle float64, minIdle int) float64 {
	if minIdle <= 0 {
		return 0.95
	}
	m := float64(minIdle)
	return 0.6 + 0.35*math.Min(1, (idle-m)/m)
}
