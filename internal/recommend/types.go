// Package recommend evaluates resource histories against optimization policies
// and emits scored candidate recommendations.
package recommend

import (
	"time"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// Type of recommendation
type Type string

const (
	TypeRightSizing Type = "rightsizing"
	TypeReserved    Type = "reserved_instance"
	TypeStorage     Type = "storage_optimization"
	TypeSpot        Type = "spot_migration"
)

// Status of a recommendation in its lifecycle
type Status string

const (
	StatusPending    Status = "pending"
	StatusApplied    Status = "applied"
	StatusRolledBack Status = "rolled_back"
	StatusExpired    Status = "expired"
)

// Impact buckets monthly savings for filtering
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// ImpactFor classifies monthly savings
func ImpactFor(monthlySavings float64) Impact {
	switch {
	case monthlySavings >= 250:
		return ImpactHigh
	case monthlySavings >= 50:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// Recommendation is a scored optimization. Candidates returned by the
// generator carry no ID or status; the lifecycle manager assigns both.
type Recommendation struct {
	ID                string              `json:"recommendation_id"`
	Provider          normalizer.Provider `json:"provider"`
	Service           string              `json:"service"`
	ResourceID        string              `json:"resource_id"`
	Region            string              `json:"region,omitempty"`
	Type              Type                `json:"type"`
	CurrentConfig     map[string]any      `json:"current_config"`
	RecommendedConfig map[string]any      `json:"recommended_config"`
	CurrentCost       float64             `json:"current_cost"`
	ProjectedCost     float64             `json:"projected_cost"`
	MonthlySavings    float64             `json:"monthly_savings"`
	Confidence        float64             `json:"confidence"`
	Impact            Impact              `json:"impact"`
	Status            Status              `json:"status"`
	Description       string              `json:"description"`
	Reasoning         string              `json:"reasoning"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	AppliedAt         *time.Time          `json:"applied_at,omitempty"`
	RolledBackAt      *time.Time          `json:"rolled_back_at,omitempty"`
	ExpiredAt         *time.Time          `json:"expired_at,omitempty"`
}

// Identity is the deduplication key of a recommendation
type Identity struct {
	ResourceID string `json:"resource_id"`
	Type       Type   `json:"type"`
}

func (i Identity) String() string {
	return i.ResourceID + "#" + string(i.Type)
}

// Identity returns the (resource_id, type) key
func (r *Recommendation) Identity() Identity {
	return Identity{ResourceID: r.ResourceID, Type: r.Type}
}

// Clone returns a deep copy
func (r *Recommendation) Clone() *Recommendation {
	c := *r
	c.CurrentConfig = cloneMap(r.CurrentConfig)
	c.RecommendedConfig = cloneMap(r.RecommendedConfig)
	c.AppliedAt = clonePtr(r.AppliedAt)
	c.RolledBackAt = clonePtr(r.RolledBackAt)
	c.ExpiredAt = clonePtr(r.ExpiredAt)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
