package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

var errNoCollectors = errors.New("no collectors registered")

// Collector pulls raw billing records from a cloud provider
type Collector interface {
	// Name is the provider tag handed to the normalizer
	Name() string
	Collect(ctx context.Context, start, end time.Time) ([]normalizer.RawRecord, error)
}

// BudgetSource is implemented by collectors that can import provider budgets
type BudgetSource interface {
	Budgets(ctx context.Context) ([]budget.Budget, error)
}

// RegisterCollector registers a collector under its name
func (p *Pipeline) RegisterCollector(c Collector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectors[c.Name()] = c
}

// Collectors returns the registered collector names, sorted
func (p *Pipeline) Collectors() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.collectors))
	for name := range p.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CollectResult reports one collection pass
type CollectResult struct {
	Batches  map[string]*IngestResult `json:"batches"`
	Budgets  int                      `json:"budgets_imported"`
	Failures map[string]error         `json:"-"`
}

// Collect pulls [start, end) from every registered collector concurrently and
// ingests what each returns. It fails only when every collector fails.
func (p *Pipeline) Collect(ctx context.Context, start, end time.Time) (*CollectResult, error) {
	p.mu.RLock()
	collectors := make(map[string]Collector, len(p.collectors))
	for k, v := range p.collectors {
		collectors[k] = v
	}
	p.mu.RUnlock()

	if len(collectors) == 0 {
		return nil, errNoCollectors
	}

	result := &CollectResult{
		Batches:  make(map[string]*IngestResult),
		Failures: make(map[string]error),
	}
	var mu sync.Mutex
	var imported []budget.Budget

	var eg errgroup.Group
	for name, c := range collectors {
		eg.Go(func() error {
			raw, err := c.Collect(ctx, start, end)
			if err == nil {
				var res *IngestResult
				res, err = p.Ingest(ctx, Batch{Provider: name, Kind: KindCost, Records: raw})
				if err == nil {
					mu.Lock()
					result.Batches[name] = res
					mu.Unlock()
				}
			}
			if err != nil {
				mu.Lock()
				result.Failures[name] = err
				mu.Unlock()
				p.logger.Warn("Collector failed", zap.String("collector", name), zap.Error(err))
			}

			if src, ok := c.(BudgetSource); ok {
				budgets, berr := src.Budgets(ctx)
				if berr != nil {
					p.logger.Warn("Budget import failed", zap.String("collector", name), zap.Error(berr))
					return nil
				}
				mu.Lock()
				imported = append(imported, budgets...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if len(imported) > 0 {
		p.AddBudgets(imported...)
		result.Budgets = len(imported)
	}

	if len(result.Failures) == len(collectors) {
		return result, fmt.Errorf("all collectors failed: %d errors", len(result.Failures))
	}
	return result, nil
}
