// Package scheduler runs the optimizer's periodic jobs on cron schedules.
// A job never overlaps itself: a tick that fires while the previous run is
// still going is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by RunNow when the job is mid-run
var ErrAlreadyRunning = errors.New("job already running")

// Job is a named unit of periodic work. Run must be idempotent.
type Job struct {
	Name     string
	Schedule string // standard cron spec or descriptor such as "@every 1h"
	Run      func(ctx context.Context) error
}

// JobStats reports a job's run history
type JobStats struct {
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	Skipped   int           `json:"skipped"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
	Duration  time.Duration `json:"last_duration"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	mu      sync.Mutex
	running bool
	stats   JobStats
}

// Scheduler owns a cron runner and the jobs registered on it
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a new Scheduler evaluating schedules in UTC
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
		),
		logger:  logger,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	e := &entry{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		if err := s.run(e); errors.Is(err, ErrAlreadyRunning) {
			s.logger.Warn("Skipping tick, previous run still in progress", zap.String("job", job.Name))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
	}
	e.id = id
	s.entries[job.Name] = e
	return nil
}

// Start begins firing schedules. The scheduler stops when ctx is canceled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.Jobs())))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
}

// Stop cancels in-flight runs and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
		close(s.done)
	}
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Done is closed once the scheduler has been stopped
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// RunNow runs a job immediately outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	return s.run(e)
}

func (s *Scheduler) run(e *entry) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.running {
		e.stats.Skipped++
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	started := time.Now()
	err := e.job.Run(s.ctx)
	elapsed := time.Since(started)

	e.mu.Lock()
	e.running = false
	e.stats.Runs++
	e.stats.LastRun = started.UTC()
	e.stats.Duration = elapsed
	e.stats.LastError = ""
	if err != nil {
		e.stats.Failures++
		e.stats.LastError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		s.logger.Error("Job failed", zap.String("job", e.job.Name), zap.Duration("duration", elapsed), zap.Error(err))
		return err
	}
	s.logger.Info("Job completed", zap.String("job", e.job.Name), zap.Duration("duration", elapsed))
	return nil
}

// Stats returns a job's run history
func (s *Scheduler) Stats(name string) (JobStats, bool) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return JobStats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, true
}

// Jobs returns the registered jobs with their next fire times
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, e := range s.entries {
		out[name] = s.cron.Entry(e.id).Next
	}
	return out
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
