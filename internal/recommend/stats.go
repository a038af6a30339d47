package recommend

import (
	"math"
	"sort"
)

// percentile computes the Nth percentile using linear interpolation
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	fraction := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*fraction
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// coefficientOfVariation measures relative variability (stddev / mean)
func coefficientOfVariation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	if m == 0 {
		return 0
	}

	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - m
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff/float64(len(values))) / m
}

// fractionWithin returns the share of values within ±band of their mean
func fractionWithin(values []float64, band float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	within := 0
	for _, v := range values {
		if math.Abs(v-m) <= band*math.Abs(m) {
			within++
		}
	}
	return float64(within) / float64(len(values))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
