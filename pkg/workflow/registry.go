package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobStatus is an async job's lifecycle position.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is one async workflow run.
type Job struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	Result     *Result    `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Registry runs workflows in background goroutines and tracks their state.
type Registry struct {
	mu     sync.Mutex
	orch   *Orchestrator
	logger *zap.Logger
	jobs   map[string]*Job
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(orch *Orchestrator, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{orch: orch, logger: logger, jobs: make(map[string]*Job)}
}

// Submit starts a workflow run in the background and returns its job ID.
// ctx bounds the run itself, not just the submission.
func (r *Registry) Submit(ctx context.Context, cfg RunConfig) string {
	job := &Job{
		ID:        uuid.New().String(),
		Status:    JobRunning,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.orch.Run(ctx, cfg)
		now := time.Now().UTC()

		r.mu.Lock()
		defer r.mu.Unlock()
		job.FinishedAt = &now
		job.Result = &res
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
			r.logger.Warn("workflow job failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		job.Status = JobDone
	}()
	return job.ID
}

// Get returns a snapshot of one job.
func (r *Registry) Get(jobID string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	cp := *job
	if job.Result != nil {
		res := *job.Result
		cp.Result = &res
	}
	return cp, true
}

// Wait blocks until all submitted jobs finish, for shutdown and tests.
func (r *Registry) Wait() {
	r.wg.Wait()
}
