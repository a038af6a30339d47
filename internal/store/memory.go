package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu sync.RWMutex

	recommendations map[string]*recommend.Recommendation
	pending         map[recommend.Identity]string

	alerts map[string]*budget.Alert
	active map[alertKey]string

	forecasts map[normalizer.SeriesKey][]forecast.Point

	costs   []normalizer.CostRecord
	samples []normalizer.UtilizationSample
}

type alertKey struct {
	scope string
	level budget.Level
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{
		recommendations: make(map[string]*recommend.Recommendation),
		pending:         make(map[recommend.Identity]string),
		alerts:          make(map[string]*budget.Alert),
		active:          make(map[alertKey]string),
		forecasts:       make(map[normalizer.SeriesKey][]forecast.Point),
	}
}

// Close is a no-op
func (m *Memory) Close() {}

// GetRecommendation returns a copy of the recommendation or ErrNotFound
func (m *Memory) GetRecommendation(ctx context.Context, id string) (*recommend.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.recommendations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// FindPending returns the pending recommendation for a resource and type
func (m *Memory) FindPending(ctx context.Context, id recommend.Identity) (*recommend.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recID, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.recommendations[recID].Clone(), nil
}

// InsertRecommendation stores a new recommendation, rejecting a second pending one per identity
func (m *Memory) InsertRecommendation(ctx context.Context, rec *recommend.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.recommendations[rec.ID]; exists {
		return ErrConflict
	}
	if rec.Status == recommend.StatusPending {
		if _, exists := m.pending[rec.Identity()]; exists {
			return ErrConflict
		}
		m.pending[rec.Identity()] = rec.ID
	}
	m.recommendations[rec.ID] = rec.Clone()
	return nil
}

// UpdateRecommendation replaces a recommendation if its stored status still equals expected
func (m *Memory) UpdateRecommendation(ctx context.Context, rec *recommend.Recommendation, expected recommend.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.recommendations[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != expected {
		return ErrConflict
	}

	if stored.Status == recommend.StatusPending && rec.Status != recommend.StatusPending {
		delete(m.pending, stored.Identity())
	}
	if rec.Status == recommend.StatusPending {
		if other, exists := m.pending[rec.Identity()]; exists && other != rec.ID {
			return ErrConflict
		}
		m.pending[rec.Identity()] = rec.ID
	}
	m.recommendations[rec.ID] = rec.Clone()
	return nil
}

// ListRecommendations returns matching recommendations in ranking order
func (m *Memory) ListRecommendations(ctx context.Context, filter RecommendationFilter) ([]*recommend.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*recommend.Recommendation, 0)
	for _, rec := range m.recommendations {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	SortRecommendations(out)
	return out, nil
}

// ActiveAlert returns the active alert for a scope and level
func (m *Memory) ActiveAlert(ctx context.Context, scopeKey string, level budget.Level) (*budget.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[alertKey{scopeKey, level}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.alerts[id].Clone(), nil
}

// SaveAlert inserts or updates an alert, keeping one active alert per scope and level
func (m *Memory) SaveAlert(ctx context.Context, alert *budget.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alertKey{alert.ScopeKey, alert.Level}
	if alert.Status == budget.StatusActive {
		if other, exists := m.active[key]; exists && other != alert.ID {
			return ErrConflict
		}
		m.active[key] = alert.ID
	} else if m.active[key] == alert.ID {
		delete(m.active, key)
	}
	m.alerts[alert.ID] = alert.Clone()
	return nil
}

// ListAlerts returns alerts matching the filter
func (m *Memory) ListAlerts(ctx context.Context, filter budget.AlertFilter) ([]*budget.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*budget.Alert, 0)
	for _, a := range m.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Scope != nil && a.ScopeKey != filter.Scope.Key() {
			continue
		}
		out = append(out, a.Clone())
	}
	SortAlerts(out)
	return out, nil
}

// ReplaceForecast swaps the stored points for a series
func (m *Memory) ReplaceForecast(ctx context.Context, key normalizer.SeriesKey, points []forecast.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forecasts[key] = append([]forecast.Point(nil), points...)
	return nil
}

// GetForecast returns the stored points for a series
func (m *Memory) GetForecast(ctx context.Context, key normalizer.SeriesKey) ([]forecast.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points, ok := m.forecasts[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]forecast.Point(nil), points...), nil
}

// AppendCostRecords appends normalized cost records
func (m *Memory) AppendCostRecords(ctx context.Context, records []normalizer.CostRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		m.costs = append(m.costs, copyRecord(r))
	}
	return int64(len(records)), nil
}

// AppendUtilization appends utilization samples
func (m *Memory) AppendUtilization(ctx context.Context, samples []normalizer.UtilizationSample) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, samples...)
	return int64(len(samples)), nil
}

// CostRecords returns cost records in the query window, oldest first
func (m *Memory) CostRecords(ctx context.Context, q FactQuery) ([]normalizer.CostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []normalizer.CostRecord
	for _, r := range m.costs {
		if !inRange(r.Timestamp, q) {
			continue
		}
		if q.Provider != "" && r.Provider != q.Provider {
			continue
		}
		if q.Service != "" && r.Service != q.Service {
			continue
		}
		out = append(out, copyRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// UtilizationSamples returns samples in the query window, oldest first
func (m *Memory) UtilizationSamples(ctx context.Context, q FactQuery) ([]normalizer.UtilizationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []normalizer.UtilizationSample
	for _, s := range m.samples {
		if !inRange(s.Timestamp, q) {
			continue
		}
		if q.Provider != "" && s.Provider != q.Provider {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// PurgeBefore drops facts older than cutoff and reports how many were removed
func (m *Memory) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	costs := m.costs[:0]
	for _, r := range m.costs {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		costs = append(costs, r)
	}
	m.costs = costs

	samples := m.samples[:0]
	for _, s := range m.samples {
		if s.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		samples = append(samples, s)
	}
	m.samples = samples

	return removed, nil
}

func copyRecord(r normalizer.CostRecord) normalizer.CostRecord {
	if r.Tags != nil {
		tags := make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			tags[k] = v
		}
		r.Tags = tags
	}
	return r
}

// SortRecommendations orders by monthly savings desc, confidence desc, then ID
func SortRecommendations(recs []*recommend.Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].MonthlySavings != recs[j].MonthlySavings {
			return recs[i].MonthlySavings > recs[j].MonthlySavings
		}
		if recs[i].Confidence != recs[j].Confidence {
			return recs[i].Confidence > recs[j].Confidence
		}
		return recs[i].ID < recs[j].ID
	})
}

// SortAlerts orders by scope then level
func SortAlerts(alerts []*budget.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].ScopeKey != alerts[j].ScopeKey {
			return alerts[i].ScopeKey < alerts[j].ScopeKey
		}
		if alerts[i].Level != alerts[j].Level {
			return alerts[i].Level < alerts[j].Level
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
}
