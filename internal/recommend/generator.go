package recommend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
)

// Generator evaluates resource histories against the registered policies
type Generator struct {
	registry *Registry
	logger   *zap.Logger
}

// NewGenerator creates a new Generator
func NewGenerator(registry *Registry, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{registry: registry, logger: logger}
}

// PolicyError records a policy that failed on one resource
type PolicyError struct {
	ResourceID string
	Policy     Type
	Err        error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy %s failed on %s: %v", e.Policy, e.ResourceID, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// Generate runs every applicable policy for one resource. A failing policy
// does not stop the others. Candidates are sorted by type.
func (g *Generator) Generate(h *ResourceHistory) ([]*Recommendation, []error) {
	var out []*Recommendation
	var failures []error

	for _, p := range g.registry.policies {
		if !p.Applies(h) {
			continue
		}
		rec, err := p.Evaluate(h)
		if err != nil {
			failures = append(failures, &PolicyError{ResourceID: h.ResourceID, Policy: p.Type(), Err: err})
			continue
		}
		if rec != nil {
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Type < out[j].Type
	})
	return out, failures
}

// Batch is the result of evaluating many resources
type Batch struct {
	// Evaluated lists every resource that was evaluated, in input order
	Evaluated  []string
	Candidates []*Recommendation
	Failures   []error
	Errors     errs.Counts
}

// GenerateAll evaluates histories with up to workers in parallel. Cancellation
// is checked between resources; resources already evaluated are kept.
func (g *Generator) GenerateAll(ctx context.Context, histories []*ResourceHistory, workers int) (*Batch, error) {
	if workers <= 0 {
		workers = 1
	}

	type result struct {
		done       bool
		candidates []*Recommendation
		failures   []error
	}
	results := make([]result, len(histories))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	var mu sync.Mutex
	canceled := false

	for i, h := range histories {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if egCtx.Err() != nil {
				mu.Lock()
				canceled = true
				mu.Unlock()
				return nil
			}
			candidates, failures := g.Generate(h)
			results[i] = result{done: true, candidates: candidates, failures: failures}
			return nil
		})
	}
	_ = eg.Wait()

	batch := &Batch{Errors: errs.Counts{}}
	for i, r := range results {
		if !r.done {
			continue
		}
		batch.Evaluated = append(batch.Evaluated, histories[i].ResourceID)
		batch.Candidates = append(batch.Candidates, r.candidates...)
		for _, err := range r.failures {
			batch.Failures = append(batch.Failures, err)
			batch.Errors.Add(err)
			g.logger.Warn("Policy evaluation failed", zap.Error(err))
		}
	}

	g.logger.Debug("Recommendations generated",
		zap.Int("resources", len(histories)),
		zap.Int("evaluated", len(batch.Evaluated)),
		zap.Int("candidates", len(batch.Candidates)),
	)

	if err := ctx.Err(); err != nil || canceled {
		if err == nil {
			err = context.Canceled
		}
		return batch, err
	}
	return batch, nil
}
