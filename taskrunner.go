package lyra

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TaskRunner fans tasks out over a bounded number of goroutines.
//
// A fail-fast runner (NewTaskRunner) cancels the context handed to the remaining
// tasks on the first error and Wait returns that error. A collecting runner
// (NewCollector) lets every task run to the end and Wait joins all their errors,
// each labelled with the name the task was started under.
type TaskRunner struct {
	eg      *errgroup.Group
	ctx     context.Context
	collect bool

	mu   sync.Mutex
	errs []error
}

// NewTaskRunner returns a fail-fast runner. limit > 0 bounds concurrent tasks.
func NewTaskRunner(ctx context.Context, limit int) *TaskRunner {
	eg, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}
	return &TaskRunner{eg: eg, ctx: ctx}
}

// NewCollector returns a runner whose tasks do not cancel each other.
func NewCollector(ctx context.Context, limit int) *TaskRunner {
	eg := &errgroup.Group{}
	if limit > 0 {
		eg.SetLimit(limit)
	}
	return &TaskRunner{eg: eg, ctx: ctx, collect: true}
}

// Go starts task, blocking while the limit is reached. name labels the task's
// error in a collecting runner.
func (tr *TaskRunner) Go(name string, task func(ctx context.Context) error) {
	if !tr.collect {
		tr.eg.Go(func() error { return task(tr.ctx) })
		return
	}
	tr.eg.Go(func() error {
		if err := task(tr.ctx); err != nil {
			if name != "" {
				err = fmt.Errorf("%s: %w", name, err)
			}
			tr.mu.Lock()
			tr.errs = append(tr.errs, err)
			tr.mu.Unlock()
		}
		return nil
	})
}

// Wait waits for every started task.
func (tr *TaskRunner) Wait() error {
	err := tr.eg.Wait()
	if !tr.collect {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return errors.Join(tr.errs...)
}

// Failed returns how many tasks of a collecting runner returned an error so far.
func (tr *TaskRunner) Failed() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.errs)
}
