package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/metrics"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// Kind of raw records in a batch
type Kind string

const (
	KindCost        Kind = "cost"
	KindUtilization Kind = "utilization"
)

// Batch is a set of raw records from one provider
type Batch struct {
	Provider string
	Kind     Kind
	Records  []normalizer.RawRecord
}

// IngestResult reports one ingested batch
type IngestResult struct {
	Report      normalizer.QualityReport `json:"report"`
	Appended    int64                    `json:"appended"`
	Invalidated int                      `json:"invalidated"` // forecast cache entries dropped
}

// Ingest normalizes a batch and appends the accepted records. Rejected
// records are counted in the report and never fail the batch. Forecasts
// cached for any affected (provider, service) pair are invalidated.
func (p *Pipeline) Ingest(ctx context.Context, b Batch) (*IngestResult, error) {
	switch b.Kind {
	case KindCost, "":
		res := p.Normalizer.Normalize(b.Provider, b.Records)
		out := &IngestResult{Report: res.Report}
		observeReport(res.Report, KindCost)

		if len(res.Records) > 0 {
			n, err := p.Store.AppendCostRecords(ctx, res.Records)
			if err != nil {
				return out, fmt.Errorf("failed to append cost records: %w", err)
			}
			out.Appended = n
		}

		touched := make(map[normalizer.SeriesKey]struct{})
		for _, r := range res.Records {
			touched[normalizer.SeriesKey{Provider: r.Provider, Service: r.Service}] = struct{}{}
		}
		for key := range touched {
			out.Invalidated += p.Engine.Cache().Invalidate(key)
		}

		p.logIngest(b, out)
		return out, nil

	case KindUtilization:
		res := p.Normalizer.NormalizeUtilization(b.Provider, b.Records)
		out := &IngestResult{Report: res.Report}
		observeReport(res.Report, KindUtilization)

		if len(res.Samples) > 0 {
			n, err := p.Store.AppendUtilization(ctx, res.Samples)
			if err != nil {
				return out, fmt.Errorf("failed to append utilization samples: %w", err)
			}
			out.Appended = n
		}

		p.logIngest(b, out)
		return out, nil
	}

	return nil, &errs.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown batch kind %q", b.Kind)}
}

func observeReport(report normalizer.QualityReport, kind Kind) {
	provider := string(report.Provider)
	if provider == "" {
		provider = "unknown"
	}
	metrics.RecordsIngested.WithLabelValues(provider, string(kind), "accepted").Add(float64(report.Accepted))
	metrics.RecordsIngested.WithLabelValues(provider, string(kind), "rejected").Add(float64(report.Rejected))
}

func (p *Pipeline) logIngest(b Batch, out *IngestResult) {
	fields := []zap.Field{
		zap.String("provider", b.Provider),
		zap.String("kind", string(b.Kind)),
		zap.Int("total", out.Report.Total),
		zap.Int("accepted", out.Report.Accepted),
		zap.Int("rejected", out.Report.Rejected),
		zap.Int("cache_invalidated", out.Invalidated),
	}
	if out.Report.Rejected > 0 {
		p.logger.Warn("Batch ingested with rejected records", append(fields, zap.Any("reasons", out.Report.Reasons))...)
		return
	}
	p.logger.Info("Batch ingested", fields...)
}
