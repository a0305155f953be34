package runner

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/martinemde/roleplay/society"
)

// Job is one independent run in a batch.
type Job struct {
	ID string
	// New builds the job's society when a concurrency slot is free.
	New func(ctx context.Context) (Stepper, error)
}

// JobResult is the outcome of one Job.
type JobResult struct {
	ID     string
	Result *Result
	Err    error
}

// BatchOptions controls RunBatch.
type BatchOptions struct {
	// Concurrency bounds simultaneous runs when Semaphore is nil. Values
	// below one mean one.
	Concurrency int
	// Semaphore, when set, is shared with other batches and overrides
	// Concurrency.
	Semaphore *semaphore.Weighted
	Config    Config
	// OnResult is called as each job finishes, from the job's goroutine.
	OnResult func(JobResult)
}

// RunBatch runs every job and returns their results in job order. A failed
// job does not stop the others; cancelling ctx does.
func RunBatch(ctx context.Context, jobs []Job, opts BatchOptions) []JobResult {
	sem := opts.Semaphore
	if sem == nil {
		sem = semaphore.NewWeighted(int64(max(opts.Concurrency, 1)))
	}

	results := make([]JobResult, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = runJob(ctx, sem, job, opts.Config)
			if opts.OnResult != nil {
				opts.OnResult(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runJob(ctx context.Context, sem *semaphore.Weighted, job Job, cfg Config) JobResult {
	jr := JobResult{ID: job.ID}
	if err := sem.Acquire(ctx, 1); err != nil {
		jr.Result = &Result{Termination: Termination{Reason: society.ReasonCancelled}}
		jr.Err = err
		return jr
	}
	defer sem.Release(1)

	s, err := job.New(ctx)
	if err != nil {
		jr.Result = &Result{Termination: Termination{Reason: society.ReasonAgentFailed}}
		jr.Err = err
		return jr
	}
	cfg.Logger = cfg.withDefaults().Logger.With("job_id", job.ID)
	jr.Result, jr.Err = Run(ctx, s, cfg)
	return jr
}
