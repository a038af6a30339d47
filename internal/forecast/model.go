package forecast

import (
	"math"
	"sort"
	"time"

	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// dayValue is one aggregated day of a series
type dayValue struct {
	day   time.Time
	index int // days since the first observed day
	cost  float64
}

// aggregateDaily sums observations into ordered calendar days
func aggregateDaily(series []Observation) []dayValue {
	totals := make(map[time.Time]float64)
	for _, obs := range series {
		totals[normalizer.DayOf(obs.Timestamp)] += obs.Cost
	}

	days := make([]dayValue, 0, len(totals))
	for day, cost := range totals {
		days = append(days, dayValue{day: day, cost: cost})
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].day.Before(days[j].day)
	})

	if len(days) > 0 {
		first := days[0].day
		for i := range days {
			days[i].index = daysBetween(first, days[i].day)
		}
	}
	return days
}

func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}

// model is a linear trend with additive weekly seasonality fitted by least squares
type model struct {
	start     time.Time
	lastIndex int
	n         int

	intercept float64
	slope     float64
	seasonal  [7]float64

	sigma float64
	tMean float64
	sxx   float64
}

func fit(days []dayValue) model {
	m := model{
		start:     days[0].day,
		lastIndex: days[len(days)-1].index,
		n:         len(days),
	}

	// Trend
	var tSum, ySum float64
	for _, d := range days {
		tSum += float64(d.index)
		ySum += d.cost
	}
	n := float64(m.n)
	m.tMean = tSum / n
	yMean := ySum / n

	var sxy float64
	for _, d := range days {
		dt := float64(d.index) - m.tMean
		m.sxx += dt * dt
		sxy += dt * (d.cost - yMean)
	}
	if m.sxx > 0 {
		m.slope = sxy / m.sxx
	}
	m.intercept = yMean - m.slope*m.tMean

	// Weekly seasonality from detrended residuals
	var sums [7]float64
	var counts [7]int
	for _, d := range days {
		wd := d.day.Weekday()
		sums[wd] += d.cost - m.trend(d.index)
		counts[wd]++
	}
	var offsetSum float64
	var present int
	for wd := 0; wd < 7; wd++ {
		if counts[wd] > 0 {
			m.seasonal[wd] = sums[wd] / float64(counts[wd])
			offsetSum += m.seasonal[wd]
			present++
		}
	}
	if present > 0 {
		center := offsetSum / float64(present)
		for wd := 0; wd < 7; wd++ {
			if counts[wd] > 0 {
				m.seasonal[wd] -= center
			}
		}
	}

	// Residual spread after trend and seasonality
	var sse float64
	for _, d := range days {
		e := d.cost - m.predict(d.day, d.index)
		sse += e * e
	}
	dof := m.n - 2 - (present - 1)
	if dof < 1 {
		dof = 1
	}
	m.sigma = math.Sqrt(sse / float64(dof))

	return m
}

func (m model) trend(index int) float64 {
	return m.intercept + m.slope*float64(index)
}

func (m model) predict(day time.Time, index int) float64 {
	return m.trend(index) + m.seasonal[day.Weekday()]
}

// halfWidth is the prediction-interval half width at index; it grows with
// distance from the fitted mean, so it never shrinks past the last observation.
func (m model) halfWidth(index int, z float64) float64 {
	spread := 1 + 1/float64(m.n)
	if m.sxx > 0 {
		dt := float64(index) - m.tMean
		spread += dt * dt / m.sxx
	}
	return z * m.sigma * math.Sqrt(spread)
}

// zScore returns the two-sided normal quantile for the given coverage
func zScore(coverage float64) float64 {
	return math.Sqrt2 * math.Erfinv(coverage)
}
