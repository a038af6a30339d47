package recommend

import (
	"fmt"
	"math"
)

// ReservedParams configures the reserved-capacity policy
type ReservedParams struct {
	LookbackDays     int     `yaml:"lookback_days" json:"lookback_days"`
	Band             float64 `yaml:"band" json:"band"`
	SteadyFraction   float64 `yaml:"steady_fraction" json:"steady_fraction"`
	MaxPaybackMonths float64 `yaml:"max_payback_months" json:"max_payback_months"`
	MaxTermMonths    int     `yaml:"max_term_months" json:"max_term_months"`
}

func (p ReservedParams) withDefaults() ReservedParams {
	if p.LookbackDays <= 0 {
		p.LookbackDays = 30
	}
	if p.Band <= 0 {
		p.Band = 0.15
	}
	if p.SteadyFraction <= 0 || p.SteadyFraction > 1 {
		p.SteadyFraction = 0.75
	}
	if p.MaxPaybackMonths <= 0 {
		p.MaxPaybackMonths = 12
	}
	if p.MaxTermMonths <= 0 {
		p.MaxTermMonths = 36
	}
	return p
}

// pricing models that already carry a commitment or discount
var committedPricing = map[string]bool{
	"reserved":     true,
	"spot":         true,
	"savings_plan": true,
}

type reserved struct {
	params  ReservedParams
	catalog *Catalog
	floor   float64
}

func newReserved(catalog *Catalog, floor float64, params *ReservedParams) *reserved {
	p := ReservedParams{}
	if params != nil {
		p = *params
	}
	return &reserved{params: p.withDefaults(), catalog: catalog, floor: floor}
}

func (p *reserved) Type() Type { return TypeReserved }

func (p *reserved) Applies(h *ResourceHistory) bool {
	if committedPricing[h.Tag("pricing_model")] {
		return false
	}
	if len(p.catalog.Offers[h.Provider]) == 0 {
		return false
	}
	if h.Service != "Compute" && h.Service != "Database" && h.Tag("instance_type") == "" {
		return false
	}
	return len(p.daily(h)) >= p.params.LookbackDays
}

func (p *reserved) daily(h *ResourceHistory) []float64 {
	return h.DailyCostsSince(h.WindowEnd.AddDate(0, 0, -p.params.LookbackDays))
}

type offerChoice struct {
	offer     Offer
	projected float64
	upfront   float64
	payback   float64
	savings   float64
}

func (p *reserved) Evaluate(h *ResourceHistory) (*Recommendation, error) {
	daily := p.daily(h)
	steady := fractionWithin(daily, p.params.Band)
	if steady < p.params.SteadyFraction {
		return nil, nil
	}

	current := mean(daily) * daysPerMonth
	if current <= 0 {
		return nil, nil
	}

	var best *offerChoice
	for _, o := range p.catalog.Offers[h.Provider] {
		if o.TermMonths > p.params.MaxTermMonths {
			continue
		}
		c := price(o, current)
		if c.savings <= 0 || c.payback > p.params.MaxPaybackMonths {
			continue
		}
		if best == nil || better(c, *best) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}

	coverage := math.Min(1, float64(len(daily))/float64(p.params.LookbackDays))
	cv := coefficientOfVariation(daily)

	rec := base(h, TypeReserved)
	rec.CurrentCost = current
	rec.ProjectedCost = best.projected
	rec.Confidence = steady * coverage / (1 + cv)
	rec.CurrentConfig = map[string]any{
		"pricing_model": "on_demand",
	}
	if it := h.Tag("instance_type"); it != "" {
		rec.CurrentConfig["instance_type"] = it
	}
	rec.RecommendedConfig = map[string]any{
		"pricing_model":  "reserved",
		"term_months":    best.offer.TermMonths,
		"payment_option": best.offer.Payment,
		"upfront_cost":   round2(best.upfront),
		"payback_months": round2(best.payback),
	}
	rec.Description = fmt.Sprintf("Purchase a %d-month %s reservation", best.offer.TermMonths, best.offer.Payment)
	rec.Reasoning = fmt.Sprintf(
		"%.0f%% of the last %d days stayed within %.0f%% of the mean daily cost (cv %.2f); "+
			"a %.0f%% discount pays back in %.1f months",
		steady*100, len(daily), p.params.Band*100, cv, best.offer.Discount*100, best.payback,
	)

	return finalize(rec, p.floor), nil
}

// price computes the amortized monthly cost and payback of an offer.
// Payback is the upfront payment over the monthly cash saved.
func price(o Offer, current float64) offerChoice {
	effective := current * (1 - o.Discount)
	upfront := effective * float64(o.TermMonths) * o.UpfrontFraction
	recurring := effective * (1 - o.UpfrontFraction)

	payback := 0.0
	if upfront > 0 {
		saved := current - recurring
		if saved <= 0 {
			payback = math.Inf(1)
		} else {
			payback = upfront / saved
		}
	}
	return offerChoice{
		offer:     o,
		projected: effective,
		upfront:   upfront,
		payback:   payback,
		savings:   current - effective,
	}
}

// better orders by payback, then savings, then shorter term
func better(a, b offerChoice) bool {
	if a.payback != b.payback {
		return a.payback < b.payback
	}
	if a.savings != b.savings {
		return a.savings > b.savings
	}
	return a.offer.TermMonths < b.offer.TermMonths
}
