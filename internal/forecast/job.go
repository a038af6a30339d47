package forecast

import (
	"context"
	"errors"
	"time"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
)

// Job is a forecast running in the background
type Job struct {
	Key     normalizer.SeriesKey
	Horizon int

	started time.Time
	done    chan struct{}
	points  []Point
	err     error
}

// Submit starts a forecast in the background. Callers poll Done or block in Wait.
func (e *Engine) Submit(ctx context.Context, key normalizer.SeriesKey, series []Observation, horizonDays int) *Job {
	job := &Job{
		Key:     key,
		Horizon: horizonDays,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(job.done)
		job.points, job.err = e.Forecast(ctx, key, series, horizonDays)
	}()

	return job
}

// Done is closed once the job has finished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Poll returns the result if the job has finished
func (j *Job) Poll() ([]Point, bool, error) {
	select {
	case <-j.done:
		return j.points, true, j.err
	default:
		return nil, false, nil
	}
}

// Wait blocks until the job finishes or ctx ends. A deadline yields a TimeoutError.
func (j *Job) Wait(ctx context.Context) ([]Point, error) {
	select {
	case <-j.done:
		return j.points, j.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &errs.TimeoutError{Op: "forecast " + j.Key.String(), After: time.Since(j.started)}
		}
		return nil, ctx.Err()
	}
}
