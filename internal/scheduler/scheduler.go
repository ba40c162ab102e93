// Package scheduler runs the periodic sweeps: deal expiry, auto-confirm,
// deposit expiry and automated withdrawal processing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/suspectuso/ton-escrow/internal/metrics"
)

// Sweep changes some rows and reports how many
type Sweep func(ctx context.Context) (int, error)

// Job is one named sweep and its cron spec
type Job struct {
	Name    string
	Spec    string
	Run     Sweep
	Timeout time.Duration
}

type Scheduler struct {
	cron    *cron.Cron
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running map[string]bool
	jobs    map[string]Job
}

func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		log:     log.With("component", "scheduler"),
		metrics: metrics.Default(),
		running: map[string]bool{},
		jobs:    map[string]Job{},
	}
}

// Add registers a job. An empty spec leaves the job disabled.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.log.Info("sweep disabled", "sweep", job.Name)
		return nil
	}
	if job.Timeout <= 0 {
		job.Timeout = 5 * time.Minute
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.RunNow(job.Name) }); err != nil {
		return fmt.Errorf("schedule %s %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	s.jobs[job.Name] = job
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop waits for running sweeps to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunNow runs a registered sweep in the calling goroutine. A sweep that is
// still running from its previous tick is skipped.
func (s *Scheduler) RunNow(name string) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok || s.running[name] {
		s.mu.Unlock()
		if ok {
			s.metrics.SweepRuns.WithLabelValues(name, "skipped").Inc()
		}
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	n, err := job.Run(ctx)
	if err != nil {
		s.metrics.SweepRuns.WithLabelValues(name, "error").Inc()
		s.log.Error("sweep failed", "sweep", name, "error", err)
		return
	}
	s.metrics.SweepRuns.WithLabelValues(name, "ok").Inc()
	s.metrics.SweepRowsAffected.WithLabelValues(name).Add(float64(n))
	if n > 0 {
		s.log.Info("sweep done", "sweep", name, "rows", n)
	}
}
