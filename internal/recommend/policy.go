package recommend

import (
	"fmt"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
)

// DefaultConfidenceFloor is the minimum confidence a candidate must reach
const DefaultConfidenceFloor = 0.5

// Policy is one independent optimization rule.
// Evaluate returns nil when the policy does not fire for the resource.
type Policy interface {
	Type() Type
	Applies(h *ResourceHistory) bool
	Evaluate(h *ResourceHistory) (*Recommendation, error)
}

// PolicyConfig is a tagged variant: Type selects which parameter block applies.
type PolicyConfig struct {
	Type        Type               `yaml:"type" json:"type" validate:"required,oneof=rightsizing reserved_instance storage_optimization spot_migration"`
	RightSizing *RightSizingParams `yaml:"rightsizing,omitempty" json:"rightsizing,omitempty"`
	Reserved    *ReservedParams    `yaml:"reserved_instance,omitempty" json:"reserved_instance,omitempty"`
	Storage     *StorageParams     `yaml:"storage_optimization,omitempty" json:"storage_optimization,omitempty"`
	Spot        *SpotParams        `yaml:"spot_migration,omitempty" json:"spot_migration,omitempty"`
}

// DefaultPolicies enables every policy with its reference parameters
func DefaultPolicies() []PolicyConfig {
	return []PolicyConfig{
		{Type: TypeRightSizing},
		{Type: TypeReserved},
		{Type: TypeStorage},
		{Type: TypeSpot},
	}
}

// Registry holds the configured policies in evaluation order
type Registry struct {
	policies []Policy
}

// NewRegistry builds policies from their configs
func NewRegistry(catalog *Catalog, floor float64, configs []PolicyConfig) (*Registry, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}

	r := &Registry{}
	seen := make(map[Type]bool)
	for i, cfg := range configs {
		if seen[cfg.Type] {
			return nil, &errs.ValidationError{Field: fmt.Sprintf("policies[%d].type", i), Message: "duplicate policy " + string(cfg.Type)}
		}
		seen[cfg.Type] = true

		p, err := build(catalog, floor, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build policy %d: %w", i, err)
		}
		r.policies = append(r.policies, p)
	}
	return r, nil
}

func build(catalog *Catalog, floor float64, cfg PolicyConfig) (Policy, error) {
	set := 0
	for _, present := range []bool{cfg.RightSizing != nil, cfg.Reserved != nil, cfg.Storage != nil, cfg.Spot != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return nil, &errs.ValidationError{Field: "policy", Message: "more than one parameter block set"}
	}

	switch cfg.Type {
	case TypeRightSizing:
		if set == 1 && cfg.RightSizing == nil {
			return nil, mismatch(cfg.Type)
		}
		return newRightSizing(catalog, floor, cfg.RightSizing), nil
	case TypeReserved:
		if set == 1 && cfg.Reserved == nil {
			return nil, mismatch(cfg.Type)
		}
		return newReserved(catalog, floor, cfg.Reserved), nil
	case TypeStorage:
		if set == 1 && cfg.Storage == nil {
			return nil, mismatch(cfg.Type)
		}
		return newStorageTiering(catalog, floor, cfg.Storage), nil
	case TypeSpot:
		if set == 1 && cfg.Spot == nil {
			return nil, mismatch(cfg.Type)
		}
		return newSpotMigration(catalog, floor, cfg.Spot), nil
	default:
		return nil, &errs.ValidationError{Field: "policy.type", Message: fmt.Sprintf("unknown policy %q", cfg.Type)}
	}
}

func mismatch(t Type) error {
	return &errs.ValidationError{Field: "policy", Message: fmt.Sprintf("parameters do not match policy type %s", t)}
}

// Policies returns the registered policies in evaluation order
func (r *Registry) Policies() []Policy {
	return append([]Policy(nil), r.policies...)
}

// finalize fills derived fields and rejects candidates without positive
// savings or below the confidence floor
func finalize(rec *Recommendation, floor float64) *Recommendation {
	rec.CurrentCost = round2(rec.CurrentCost)
	rec.ProjectedCost = round2(rec.ProjectedCost)
	rec.MonthlySavings = round2(rec.CurrentCost - rec.ProjectedCost)
	rec.Confidence = round3(clamp(rec.Confidence, 0, 1))

	if rec.MonthlySavings <= 0 || rec.Confidence < floor {
		return nil
	}
	rec.Impact = ImpactFor(rec.MonthlySavings)
	return rec
}

func base(h *ResourceHistory, t Type) *Recommendation {
	return &Recommendation{
		Provider:   h.Provider,
		Service:    h.Service,
		ResourceID: h.ResourceID,
		Region:     h.Region,
		Type:       t,
	}
}
