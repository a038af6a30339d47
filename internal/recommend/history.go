package recommend

import (
	"sort"
	"strconv"
	"time"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// daysPerMonth converts daily spend into monthly spend (730 hours)
const daysPerMonth = 730.0 / 24.0

// ResourceHistory is the recent cost and utilization of one resource
type ResourceHistory struct {
	ResourceID  string
	Provider    normalizer.Provider
	Service     string
	Region      string
	Department  string
	Tags        map[string]string
	Costs       []normalizer.CostRecord
	Samples     []normalizer.UtilizationSample
	WindowStart time.Time
	WindowEnd   time.Time
}

// BuildHistories groups facts per resource over the lookback window ending at end.
// Only resources with at least one cost record in the window are returned, so
// utilization for unseen resources is ignored.
func BuildHistories(records []normalizer.CostRecord, samples []normalizer.UtilizationSample, end time.Time, lookbackDays int) []*ResourceHistory {
	start := end.AddDate(0, 0, -lookbackDays)

	sorted := append([]normalizer.CostRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	byID := make(map[string]*ResourceHistory)
	for _, r := range sorted {
		if r.ResourceID == "" || r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		h, ok := byID[r.ResourceID]
		if !ok {
			h = &ResourceHistory{
				ResourceID:  r.ResourceID,
				Provider:    r.Provider,
				Tags:        make(map[string]string),
				WindowStart: start,
				WindowEnd:   end,
			}
			byID[r.ResourceID] = h
		}
		h.Service = r.Service
		if r.Region != "" {
			h.Region = r.Region
		}
		if r.Department != "" {
			h.Department = r.Department
		}
		for k, v := range r.Tags {
			h.Tags[k] = v
		}
		h.Costs = append(h.Costs, r)
	}

	for _, s := range samples {
		h, ok := byID[s.ResourceID]
		if !ok || s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		h.Samples = append(h.Samples, s)
	}

	out := make([]*ResourceHistory, 0, len(byID))
	for _, h := range byID {
		sort.SliceStable(h.Samples, func(i, j int) bool {
			return h.Samples[i].Timestamp.Before(h.Samples[j].Timestamp)
		})
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}

// DailyCosts returns the resource's total cost per observed day, oldest first
func (h *ResourceHistory) DailyCosts() []float64 {
	return h.DailyCostsSince(time.Time{})
}

// DailyCostsSince is DailyCosts restricted to days at or after since
func (h *ResourceHistory) DailyCostsSince(since time.Time) []float64 {
	totals := make(map[time.Time]float64)
	for _, r := range h.Costs {
		if r.Timestamp.Before(since) {
			continue
		}
		totals[r.Day()] += r.Cost.InexactFloat64()
	}
	days := make([]time.Time, 0, len(totals))
	for d := range totals {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = totals[d]
	}
	return out
}

// MonthlyCost projects the mean observed daily cost to a month
func (h *ResourceHistory) MonthlyCost() float64 {
	return mean(h.DailyCosts()) * daysPerMonth
}

// SamplesSince returns utilization samples at or after since
func (h *ResourceHistory) SamplesSince(since time.Time) []normalizer.UtilizationSample {
	idx := sort.Search(len(h.Samples), func(i int) bool {
		return !h.Samples[i].Timestamp.Before(since)
	})
	return h.Samples[idx:]
}

// Tag returns a tag value
func (h *ResourceHistory) Tag(key string) string {
	return h.Tags[key]
}

// TagFloat parses a numeric tag
func (h *ResourceHistory) TagFloat(key string) (float64, bool) {
	v, ok := h.Tags[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func distinctDays(samples []normalizer.UtilizationSample) int {
	days := make(map[time.Time]struct{})
	for _, s := range samples {
		days[normalizer.DayOf(s.Timestamp)] = struct{}{}
	}
	return len(days)
}
