package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/lifecycle"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
	"github.com/lvonguyen/cost-optimizer/internal/store"
)

var t0 = time.Date(2024, 6, 30, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(s store.RecommendationStore) (*lifecycle.Manager, *clock) {
	c := &clock{now: t0}
	return lifecycle.NewManager(s, lifecycle.Config{Clock: c.Now}, nil), c
}

func candidate(resource string, t recommend.Type, savings, confidence float64) *recommend.Recommendation {
	return &recommend.Recommendation{
		Provider:          normalizer.ProviderAWS,
		Service:           "Compute",
		ResourceID:        resource,
		Type:              t,
		CurrentConfig:     map[string]any{"instance_type": "m5.4xlarge"},
		RecommendedConfig: map[string]any{"instance_type": "m5.xlarge"},
		CurrentCost:       savings * 4,
		ProjectedCost:     savings * 3,
		MonthlySavings:    savings,
		Confidence:        confidence,
		Impact:            recommend.ImpactFor(savings),
	}
}

func TestUpsert_CreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(store.NewMemory())

	first, created, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 400, 0.8))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(first.ID, "rec_"))
	assert.Equal(t, recommend.StatusPending, first.Status)

	c.Advance(24 * time.Hour)
	second, created, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 420, 0.85))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, t0, second.CreatedAt)
	assert.Equal(t, t0.Add(24*time.Hour), second.UpdatedAt)
	assert.Equal(t, 420.0, second.MonthlySavings)

	all, err := m.List(ctx, lifecycle.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsert_RejectsInvalidCandidates(t *testing.T) {
	m, _ := newManager(store.NewMemory())

	tests := []struct {
		name string
		rec  *recommend.Recommendation
	}{
		{"missing resource", candidate("", recommend.TypeRightSizing, 10, 0.8)},
		{"negative savings", candidate("i-1", recommend.TypeRightSizing, -10, 0.8)},
		{"confidence above one", candidate("i-1", recommend.TypeRightSizing, 10, 1.2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.Upsert(context.Background(), tt.rec)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestApply_Twice(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(store.NewMemory())

	rec, _, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 400, 0.8))
	require.NoError(t, err)

	task, err := m.Apply(ctx, rec.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.TaskApplied, task.Status)
	assert.Equal(t, rec.ID, task.RecommendationID)
	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, t0, task.ScheduledFor)

	_, err = m.Apply(ctx, rec.ID, time.Time{})
	var invalid *errs.InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, string(recommend.StatusApplied), invalid.From)

	got, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, recommend.StatusApplied, got.Status)

	savings, err := m.AppliedSavings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 400.0, savings)
}

func TestApply_Scheduled(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(store.NewMemory())

	rec, _, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 400, 0.8))
	require.NoError(t, err)

	when := t0.Add(72 * time.Hour)
	task, err := m.Apply(ctx, rec.ID, when)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.TaskScheduled, task.Status)
	assert.Equal(t, when, task.ScheduledFor)

	got, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AppliedAt)
	assert.Equal(t, when, *got.AppliedAt)
}

func TestApply_NotFound(t *testing.T) {
	m, _ := newManager(store.NewMemory())
	_, err := m.Apply(context.Background(), "rec_missing", time.Time{})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("rollback requires applied", func(t *testing.T) {
		m, _ := newManager(store.NewMemory())
		rec, _, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 400, 0.8))
		require.NoError(t, err)

		_, err = m.Rollback(ctx, rec.ID)
		assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

		_, err = m.Apply(ctx, rec.ID, time.Time{})
		require.NoError(t, err)
		back, err := m.Rollback(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusRolledBack, back.Status)
		assert.NotNil(t, back.RolledBackAt)

		_, err = m.Rollback(ctx, rec.ID)
		assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	})

	t.Run("expire requires pending", func(t *testing.T) {
		m, _ := newManager(store.NewMemory())
		rec, _, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 400, 0.8))
		require.NoError(t, err)

		expired, err := m.Expire(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusExpired, expired.Status)

		_, err = m.Apply(ctx, rec.ID, time.Time{})
		assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
		_, err = m.Expire(ctx, rec.ID)
		assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	})

	t.Run("new pending after terminal state", func(t *testing.T) {
		m, _ := newManager(store.NewMemory())
		rec, _, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 400, 0.8))
		require.NoError(t, err)
		_, err = m.Apply(ctx, rec.ID, time.Time{})
		require.NoError(t, err)

		next, created, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 100, 0.8))
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, rec.ID, next.ID)
	})
}

func TestList_Ranking(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(store.NewMemory())

	for _, c := range []*recommend.Recommendation{
		candidate("i-1", recommend.TypeRightSizing, 100, 0.7),
		candidate("i-2", recommend.TypeRightSizing, 300, 0.6),
		candidate("i-3", recommend.TypeReserved, 100, 0.9),
		candidate("i-4", recommend.TypeStorage, 20, 0.95),
	} {
		_, _, err := m.Upsert(ctx, c)
		require.NoError(t, err)
	}

	all, err := m.List(ctx, lifecycle.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		ordered := prev.MonthlySavings > cur.MonthlySavings ||
			(prev.MonthlySavings == cur.MonthlySavings && prev.Confidence >= cur.Confidence)
		assert.True(t, ordered, "position %d", i)
	}
	assert.Equal(t, "i-2", all[0].ResourceID)
	assert.Equal(t, "i-3", all[1].ResourceID)

	medium, err := m.List(ctx, lifecycle.Filter{Impact: recommend.ImpactMedium})
	require.NoError(t, err)
	assert.Len(t, medium, 2)

	storage, err := m.List(ctx, lifecycle.Filter{Type: recommend.TypeStorage, Provider: normalizer.ProviderAWS})
	require.NoError(t, err)
	require.Len(t, storage, 1)
	assert.Equal(t, "i-4", storage[0].ResourceID)
}

func TestSync_RepeatedCyclesKeepOnePending(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(store.NewMemory())

	for cycle := 0; cycle < 5; cycle++ {
		res := m.Sync(ctx, []string{"i-1", "i-2"}, []*recommend.Recommendation{
			candidate("i-1", recommend.TypeRightSizing, 400, 0.8),
			candidate("i-1", recommend.TypeReserved, 150, 0.9),
			candidate("i-2", recommend.TypeRightSizing, 90, 0.7),
		})
		assert.Zero(t, res.Errors.Total())
		c.Advance(time.Hour)
	}

	pending, err := m.List(ctx, lifecycle.Filter{Status: recommend.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	seen := make(map[recommend.Identity]int)
	for _, p := range pending {
		seen[p.Identity()]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, id.String())
	}
}

func TestSync_ExpiresOnlyEvaluatedStale(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(store.NewMemory())

	res := m.Sync(ctx, []string{"i-1", "i-2"}, []*recommend.Recommendation{
		candidate("i-1", recommend.TypeRightSizing, 400, 0.8),
		candidate("i-2", recommend.TypeRightSizing, 90, 0.7),
	})
	assert.Equal(t, 2, res.Created)

	// i-1 changed and no longer qualifies; i-2 was not evaluated this cycle
	res = m.Sync(ctx, []string{"i-1"}, nil)
	assert.Equal(t, 1, res.Expired)

	expired, err := m.List(ctx, lifecycle.Filter{Status: recommend.StatusExpired})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "i-1", expired[0].ResourceID)

	pending, err := m.List(ctx, lifecycle.Filter{Status: recommend.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "i-2", pending[0].ResourceID)
}

func TestApply_ConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(store.NewMemory())

	rec, _, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 400, 0.8))
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Apply(ctx, rec.ID, time.Time{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok, invalid := 0, 0
	for err := range results {
		switch errs.KindOf(err) {
		case "":
			ok++
		case errs.KindInvalidState:
			invalid++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, invalid)
}

func TestUpsert_ConcurrentRegeneration(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(store.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, float64(100+i), 0.8))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pending, err := m.List(ctx, lifecycle.Filter{Status: recommend.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// racingStore simulates another writer winning every compare-and-set
type racingStore struct {
	*store.Memory
}

func (racingStore) UpdateRecommendation(context.Context, *recommend.Recommendation, recommend.Status) error {
	return store.ErrConflict
}

func TestApply_CompareAndSetConflict(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	m, _ := newManager(racingStore{mem})

	rec, _, err := m.Upsert(ctx, candidate("i-1", recommend.TypeRightSizing, 400, 0.8))
	require.NoError(t, err)

	_, err = m.Apply(ctx, rec.ID, time.Time{})
	var conflict *errs.ConcurrencyConflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, rec.ID, conflict.ID)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	got, err := mem.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, recommend.StatusPending, got.Status)
}
