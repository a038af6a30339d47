package anomaly_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-optimizer/internal/anomaly"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

var key = normalizer.SeriesKey{Provider: normalizer.ProviderAWS, Service: "Compute"}

func baseline(lower, predicted, upper float64) forecast.Point {
	return forecast.Point{
		Date:            time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Provider:        key.Provider,
		Service:         key.Service,
		PredictedCost:   predicted,
		ConfidenceLower: lower,
		ConfidenceUpper: upper,
	}
}

func TestDetect_SpikeAboveUpperBound(t *testing.T) {
	d := anomaly.NewDetector(anomaly.DetectorConfig{Margin: 0.2})

	v := d.Detect(376.50, baseline(90, 120, 150))

	assert.True(t, v.IsAnomalous)
	assert.Equal(t, anomaly.DirectionAbove, v.Direction)
	assert.InDelta(t, 1.51, v.DeviationRatio, 1e-9)
	assert.Equal(t, anomaly.SeverityHigh, v.Severity)
	assert.NotEmpty(t, v.Reason)
}

func TestDetect_Margin(t *testing.T) {
	d := anomaly.NewDetector(anomaly.DetectorConfig{Margin: 0.2})

	tests := []struct {
		name      string
		actual    float64
		anomalous bool
		severity  anomaly.Severity
		direction anomaly.Direction
	}{
		{"inside band", 120, false, anomaly.SeverityNone, anomaly.DirectionNone},
		{"above band within margin", 175, false, anomaly.SeverityNone, anomaly.DirectionAbove},
		{"just past margin", 185, true, anomaly.SeverityLow, anomaly.DirectionAbove},
		{"medium spike", 240, true, anomaly.SeverityMedium, anomaly.DirectionAbove},
		{"below band within margin", 75, false, anomaly.SeverityNone, anomaly.DirectionBelow},
		{"billing drop", 20, true, anomaly.SeverityMedium, anomaly.DirectionBelow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := d.Detect(tt.actual, baseline(90, 120, 150))
			assert.Equal(t, tt.anomalous, v.IsAnomalous)
			assert.Equal(t, tt.severity, v.Severity)
			assert.Equal(t, tt.direction, v.Direction)
		})
	}
}

func TestDetect_ZeroUpperBound(t *testing.T) {
	d := anomaly.NewDetector(anomaly.DetectorConfig{})

	v := d.Detect(5, baseline(-2, 0, 0))
	assert.True(t, v.IsAnomalous)
	assert.InDelta(t, 5, v.DeviationRatio, 1e-9)
}

func daily(days int, cost float64) []forecast.Observation {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	series := make([]forecast.Observation, 0, days)
	for i := 0; i < days; i++ {
		c := cost
		if i%2 == 0 {
			c += 4
		}
		series = append(series, forecast.Observation{Timestamp: start.AddDate(0, 0, i), Cost: c})
	}
	return series
}

func TestDetectRecent(t *testing.T) {
	engine := forecast.NewEngine(forecast.Config{MinHistoryDays: 90}, nil)
	d := anomaly.NewDetector(anomaly.DetectorConfig{})

	series := daily(120, 100)
	series[len(series)-1].Cost = 400

	verdicts, err := d.DetectRecent(context.Background(), engine, key, series, 3)
	require.NoError(t, err)
	require.Len(t, verdicts, 3)

	assert.False(t, verdicts[0].IsAnomalous)
	assert.False(t, verdicts[1].IsAnomalous)
	assert.True(t, verdicts[2].IsAnomalous)
	assert.Equal(t, anomaly.SeverityHigh, verdicts[2].Severity)
	assert.Equal(t, series[len(series)-1].Timestamp, verdicts[2].Date)
}

func TestDetectRecent_InsufficientHistory(t *testing.T) {
	engine := forecast.NewEngine(forecast.Config{MinHistoryDays: 90}, nil)
	d := anomaly.NewDetector(anomaly.DetectorConfig{})

	verdicts, err := d.DetectRecent(context.Background(), engine, key, daily(30, 100), 2)
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	for _, v := range verdicts {
		assert.False(t, v.IsAnomalous)
		assert.Equal(t, anomaly.SeverityUnknown, v.Severity)
		assert.Error(t, v.Err)
	}
}

func TestSummarize(t *testing.T) {
	d := anomaly.NewDetector(anomaly.DetectorConfig{})
	b := baseline(90, 120, 150)

	verdicts := []anomaly.Verdict{
		d.Detect(120, b),
		d.Detect(185, b),
		d.Detect(400, b),
		{Severity: anomaly.SeverityUnknown},
	}

	s := anomaly.Summarize(verdicts)
	assert.Equal(t, 3, s.Checked)
	assert.Equal(t, 2, s.Anomalous)
	assert.Equal(t, 1, s.Unknown)
	assert.InDelta(t, 2.0/3.0, s.AnomalyRate, 1e-9)
	assert.Equal(t, 1, s.BySeverity[anomaly.SeverityHigh])
	require.Len(t, s.Anomalies, 2)
	assert.Equal(t, anomaly.SeverityHigh, s.Anomalies[0].Severity)
}
