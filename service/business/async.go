package business

import (
	"context"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
)

// workerPoolRunner dispatches registry bookkeeping onto the service worker
// pool so store latency never stalls a connection goroutine.
type workerPoolRunner struct {
	workMan workerpool.Manager
}

// NewWorkerPoolRunner wraps the service's worker pool manager as an
// AsyncRunner.
func NewWorkerPoolRunner(workMan workerpool.Manager) AsyncRunner {
	return &workerPoolRunner{workMan: workMan}
}

func (r *workerPoolRunner) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) {
	job := workerpool.NewJob[any](func(jobCtx context.Context, resultPipe workerpool.JobResultPipe[any]) error {
		if err := fn(jobCtx); err != nil {
			util.Log(jobCtx).WithError(err).WithField("task", name).Warn("async task failed")
			return resultPipe.WriteError(jobCtx, err)
		}
		return nil
	})

	if err := workerpool.SubmitJob(ctx, r.workMan, job); err != nil {
		util.Log(ctx).WithError(err).WithField("task", name).Warn("could not submit async task")
	}
}

// syncRunner executes tasks inline. Used by tests and single threaded
// tooling where deterministic ordering matters more than latency.
type syncRunner struct{}

// NewSyncRunner returns an AsyncRunner that runs everything inline.
func NewSyncRunner() AsyncRunner {
	return syncRunner{}
}

func (syncRunner) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		util.Log(ctx).WithError(err).WithField("task", name).Warn("task failed")
	}
}
