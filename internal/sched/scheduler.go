// Package sched runs the engine's background jobs: auto-expiry, expiry
// reminders, overdue review escalation, webhook retries and housekeeping.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"athens-ptw.org/internal/obs"
)

// Job is one periodic task.
type Job struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobStatus is the last observed outcome of a job, surfaced on the system
// endpoints.
type JobStatus struct {
	Name        string     `json:"name"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Runs        int        `json:"runs"`
}

// Health tracks per-job outcomes.
type Health struct {
	mu   sync.RWMutex
	jobs map[string]*JobStatus
}

// NewHealth creates an empty registry.
func NewHealth() *Health {
	return &Health{jobs: make(map[string]*JobStatus)}
}

func (h *Health) record(name string, at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.jobs[name]
	if !ok {
		st = &JobStatus{Name: name}
		h.jobs[name] = st
	}
	t := at
	st.LastRun = &t
	st.Runs++
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.LastError = ""
		s := at
		st.LastSuccess = &s
	}
}

// Snapshot returns a copy of every job status.
func (h *Health) Snapshot() []JobStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]JobStatus, 0, len(h.jobs))
	for _, st := range h.jobs {
		out = append(out, *st)
	}
	return out
}

// Scheduler runs registered jobs on their intervals until the context ends.
type Scheduler struct {
	jobs   []Job
	health *Health
}

// New creates a scheduler with the given health registry.
func New(health *Health) *Scheduler {
	if health == nil {
		health = NewHealth()
	}
	return &Scheduler{health: health}
}

// Health returns the job status registry.
func (s *Scheduler) Health() *Health { return s.health }

// Register adds a job. Must be called before Run.
func (s *Scheduler) Register(j Job) {
	if j.Timeout <= 0 {
		j.Timeout = 5 * time.Minute
	}
	s.jobs = append(s.jobs, j)
}

// Run starts every job loop and blocks until ctx ends. Each job runs once at
// startup, then on its interval; a panicking run is recorded and the loop
// keeps going.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.runOnce(ctx, j)
			ticker := time.NewTicker(j.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.runOnce(ctx, j)
				case <-ctx.Done():
					return
				}
			}
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	jctx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.Run(jctx)
	}()

	d := time.Since(start)
	obs.ObserveJob(j.Name, d, err == nil)
	s.health.record(j.Name, start.UTC(), err)
	if err != nil {
		obs.Error("job failed", map[string]any{"job": j.Name, "err": err.Error(), "took_ms": d.Milliseconds()})
		return
	}
	obs.Info("job done", map[string]any{"job": j.Name, "took_ms": d.Milliseconds()})
}
