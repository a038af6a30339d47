package recommend

import (
	"sort"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// InstanceType is a rated compute configuration with its on-demand monthly price
type InstanceType struct {
	Provider    normalizer.Provider `json:"provider"`
	Name        string              `json:"instance_type"`
	Family      string              `json:"family"`
	VCPU        float64             `json:"vcpu"`
	MemoryGB    float64             `json:"memory_gb"`
	MonthlyCost float64             `json:"monthly_cost"`
}

// StorageTier is a storage class with its per-GB-month price
type StorageTier struct {
	Provider     normalizer.Provider `json:"provider"`
	Name         string              `json:"storage_class"`
	PricePerGB   float64             `json:"price_per_gb"`
	Availability string              `json:"availability"` // online, archive
	MinIdleDays  int                 `json:"min_idle_days"`
}

// Offer is a commitment term and payment option
type Offer struct {
	TermMonths      int     `json:"term_months"`
	Payment         string  `json:"payment_option"`
	Discount        float64 `json:"discount"`
	UpfrontFraction float64 `json:"upfront_fraction"`
}

// Catalog holds the pricing tables used by the policies
type Catalog struct {
	Instances    []InstanceType
	StorageTiers []StorageTier
	Offers       map[normalizer.Provider][]Offer
	SpotDiscount map[normalizer.Provider]float64
}

// DefaultCatalog returns the built-in on-demand pricing tables
func DefaultCatalog() *Catalog {
	return &Catalog{
		Instances: []InstanceType{
			{normalizer.ProviderAWS, "t3.nano", "t3", 2, 0.5, 3.50},
			{normalizer.ProviderAWS, "t3.micro", "t3", 2, 1, 7.00},
			{normalizer.ProviderAWS, "t3.small", "t3", 2, 2, 14.00},
			{normalizer.ProviderAWS, "t3.medium", "t3", 2, 4, 28.00},
			{normalizer.ProviderAWS, "t3.large", "t3", 2, 8, 56.00},
			{normalizer.ProviderAWS, "m5.large", "m5", 2, 8, 70.02},
			{normalizer.ProviderAWS, "m5.xlarge", "m5", 4, 16, 140.16},
			{normalizer.ProviderAWS, "m5.2xlarge", "m5", 8, 32, 280.32},
			{normalizer.ProviderAWS, "m5.4xlarge", "m5", 16, 64, 560.16},
			{normalizer.ProviderAzure, "Standard_B1s", "B", 1, 1, 7.52},
			{normalizer.ProviderAzure, "Standard_B2s", "B", 2, 4, 30.08},
			{normalizer.ProviderAzure, "Standard_D2s_v4", "Dsv4", 2, 8, 70.08},
			{normalizer.ProviderAzure, "Standard_D4s_v4", "Dsv4", 4, 16, 140.16},
			{normalizer.ProviderAzure, "Standard_D8s_v4", "Dsv4", 8, 32, 280.32},
			{normalizer.ProviderGCP, "e2-small", "e2", 2, 2, 12.23},
			{normalizer.ProviderGCP, "e2-medium", "e2", 2, 4, 24.46},
			{normalizer.ProviderGCP, "n2-standard-2", "n2", 2, 8, 56.72},
			{normalizer.ProviderGCP, "n2-standard-4", "n2", 4, 16, 113.44},
			{normalizer.ProviderGCP, "n2-standard-8", "n2", 8, 32, 226.88},
			{normalizer.ProviderGCP, "n2-standard-16", "n2", 16, 64, 453.76},
		},
		StorageTiers: []StorageTier{
			{normalizer.ProviderAWS, "standard", 0.023, "online", 0},
			{normalizer.ProviderAWS, "standard_ia", 0.0125, "online", 30},
			{normalizer.ProviderAWS, "glacier_ir", 0.004, "online", 90},
			{normalizer.ProviderAWS, "glacier", 0.0036, "archive", 90},
			{normalizer.ProviderAWS, "glacier_deep", 0.00099, "archive", 180},
			{normalizer.ProviderAzure, "hot", 0.0184, "online", 0},
			{normalizer.ProviderAzure, "cool", 0.01, "online", 30},
			{normalizer.ProviderAzure, "cold", 0.0036, "online", 90},
			{normalizer.ProviderAzure, "archive", 0.00099, "archive", 180},
			{normalizer.ProviderGCP, "standard", 0.020, "online", 0},
			{normalizer.ProviderGCP, "nearline", 0.010, "online", 30},
			{normalizer.ProviderGCP, "coldline", 0.004, "online", 90},
			{normalizer.ProviderGCP, "archive", 0.0012, "online", 365},
		},
		Offers: map[normalizer.Provider][]Offer{
			normalizer.ProviderAWS: {
				{12, "no_upfront", 0.28, 0},
				{12, "partial_upfront", 0.31, 0.5},
				{12, "all_upfront", 0.33, 1},
				{36, "no_upfront", 0.45, 0},
				{36, "partial_upfront", 0.50, 0.5},
				{36, "all_upfront", 0.53, 1},
			},
			normalizer.ProviderAzure: {
				{12, "monthly", 0.36, 0},
				{12, "upfront", 0.36, 1},
				{36, "monthly", 0.57, 0},
				{36, "upfront", 0.57, 1},
			},
			normalizer.ProviderGCP: {
				{12, "monthly", 0.37, 0},
				{36, "monthly", 0.55, 0},
			},
		},
		SpotDiscount: map[normalizer.Provider]float64{
			normalizer.ProviderAWS:   0.70,
			normalizer.ProviderAzure: 0.60,
			normalizer.ProviderGCP:   0.65,
		},
	}
}

// Instance looks up an instance type by provider and name
func (c *Catalog) Instance(provider normalizer.Provider, name string) (InstanceType, bool) {
	for _, it := range c.Instances {
		if it.Provider == provider && it.Name == name {
			return it, true
		}
	}
	return InstanceType{}, false
}

// InstancesFor returns the provider's instance types, cheapest first
func (c *Catalog) InstancesFor(provider normalizer.Provider) []InstanceType {
	var out []InstanceType
	for _, it := range c.Instances {
		if it.Provider == provider {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MonthlyCost != out[j].MonthlyCost {
			return out[i].MonthlyCost < out[j].MonthlyCost
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// StorageTier looks up a storage class by provider and name
func (c *Catalog) StorageTier(provider normalizer.Provider, name string) (StorageTier, bool) {
	for _, t := range c.StorageTiers {
		if t.Provider == provider && t.Name == name {
			return t, true
		}
	}
	return StorageTier{}, false
}

// NextCheaperTier returns the next lower-cost tier with the same availability class
func (c *Catalog) NextCheaperTier(current StorageTier) (StorageTier, bool) {
	var best StorageTier
	found := false
	for _, t := range c.StorageTiers {
		if t.Provider != current.Provider || t.Availability != current.Availability {
			continue
		}
		if t.PricePerGB >= current.PricePerGB {
			continue
		}
		if !found || t.PricePerGB > best.PricePerGB {
			best = t
			found = true
		}
	}
	return best, found
}
