package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
	"github.com/lvonguyen/cost-optimizer/internal/store"
)

// SyncResult summarizes one regeneration pass
type SyncResult struct {
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Expired int         `json:"expired"`
	Errors  errs.Counts `json:"errors"`
}

// Sync upserts every candidate and then expires pending records of evaluated
// resources that were not regenerated. Failures are counted per record.
func (m *Manager) Sync(ctx context.Context, evaluated []string, candidates []*recommend.Recommendation) SyncResult {
	result := SyncResult{Errors: errs.Counts{}}

	regenerated := make(map[recommend.Identity]bool, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			result.Errors.Add(ctx.Err())
			return result
		}
		regenerated[c.Identity()] = true

		_, created, err := m.Upsert(ctx, c)
		switch {
		case err != nil:
			result.Errors.Add(err)
			m.logger.Warn("Failed to upsert recommendation",
				zap.String("resource_id", c.ResourceID),
				zap.String("type", string(c.Type)),
				zap.Error(err),
			)
		case created:
			result.Created++
		default:
			result.Updated++
		}
	}

	expired, counts := m.Reconcile(ctx, evaluated, regenerated)
	result.Expired = expired
	result.Errors.Merge(counts)
	return result
}

// Reconcile expires pending recommendations whose resource was evaluated this
// cycle but whose identity was not regenerated. Resources outside evaluated
// are left alone.
func (m *Manager) Reconcile(ctx context.Context, evaluated []string, regenerated map[recommend.Identity]bool) (int, errs.Counts) {
	counts := errs.Counts{}

	seen := make(map[string]bool, len(evaluated))
	for _, id := range evaluated {
		seen[id] = true
	}

	pending, err := m.store.ListRecommendations(ctx, store.RecommendationFilter{Status: recommend.StatusPending})
	if err != nil {
		counts.Add(fmt.Errorf("failed to list pending recommendations: %w", err))
		return 0, counts
	}

	expired := 0
	for _, rec := range pending {
		if !seen[rec.ResourceID] || regenerated[rec.Identity()] {
			continue
		}
		if ctx.Err() != nil {
			counts.Add(ctx.Err())
			break
		}

		_, err := m.Expire(ctx, rec.ID)
		var invalid *errs.InvalidStateError
		switch {
		case err == nil:
			expired++
		case errors.As(err, &invalid):
			// applied concurrently; nothing to expire
		default:
			counts.Add(err)
			m.logger.Warn("Failed to expire recommendation", zap.String("recommendation_id", rec.ID), zap.Error(err))
		}
	}
	return expired, counts
}
