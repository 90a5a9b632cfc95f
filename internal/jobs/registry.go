// Package jobs tracks long-running ingestion-style work (embedding builds)
// in an in-process registry with TTL eviction.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	cferrors "github.com/caseforge/caseforge/internal/errors"
	"github.com/caseforge/caseforge/pkg/observability"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// BatchResult records the outcome of one processed batch or file.
type BatchResult struct {
	Name      string `json:"name"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Job is one background work unit. Mutated only through Registry.Update.
type Job struct {
	ID        string        `json:"id"`
	Status    Status        `json:"status"`
	Total     int           `json:"total"`
	Progress  int           `json:"progress"`
	Results   []BatchResult `json:"results,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartTime time.Time     `json:"startTime"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
}

// Registry is a concurrency-safe in-process job store. Records older than
// the TTL are evicted by a periodic sweep.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	ttl    time.Duration
	logger observability.Logger
	now    func() time.Time

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewRegistry creates a registry with the given record TTL.
func NewRegistry(ttl time.Duration, logger observability.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Registry{
		jobs:      make(map[string]*Job),
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		sweepStop: make(chan struct{}),
	}
}

// Create registers a new in-progress job and returns a snapshot of it.
func (r *Registry) Create(total int) Job {
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusInProgress,
		Total:     total,
		StartTime: r.now(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.logger.Info("Job created", map[string]interface{}{"job_id": job.ID, "total": total})
	return snapshot(job)
}

// Update applies fn to the job under the registry lock, so readers never see
// a partially updated record. Last writer wins per field.
func (r *Registry) Update(id string, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return cferrors.Errorf(cferrors.KindNotFound, "jobs.update", "job %s not found", id)
	}
	fn(job)
	return nil
}

// Complete marks a job finished with the given terminal status.
func (r *Registry) Complete(id string, status Status, errMsg string) error {
	end := r.now()
	return r.Update(id, func(j *Job) {
		j.Status = status
		j.Error = errMsg
		j.EndTime = &end
	})
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, cferrors.Errorf(cferrors.KindNotFound, "jobs.get", "job %s not found", id)
	}
	return snapshot(job), nil
}

// ListActive returns snapshots of all in-progress jobs.
func (r *Registry) ListActive() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]Job, 0)
	for _, job := range r.jobs {
		if job.Status == StatusInProgress {
			active = append(active, snapshot(job))
		}
	}
	return active
}

// StartSweeper evicts expired records every interval until Stop is called.
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call more than once.
func (r *Registry) Stop() {
	r.sweepOnce.Do(func() { close(r.sweepStop) })
}

// sweep removes records whose start time is older than the TTL.
func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, job := range r.jobs {
		if job.StartTime.Before(cutoff) {
			delete(r.jobs, id)
			r.logger.Debug("Job evicted", map[string]interface{}{"job_id": id})
		}
	}
}

func snapshot(job *Job) Job {
	copied := *job
	if job.Results != nil {
		copied.Results = make([]BatchResult, len(job.Results))
		copy(copied.Results, job.Results)
	}
	if job.EndTime != nil {
		end := *job.EndTime
		copied.EndTime = &end
	}
	return copied
}
