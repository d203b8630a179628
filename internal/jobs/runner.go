package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func is the unit of work a Runner executes for one key.
type Func func(ctx context.Context, key string) error

// Runner executes at most one Func per key at a time. A Trigger that arrives
// while a job for the key is in flight is coalesced into a single pending
// re-run that starts as soon as the current run returns.
type Runner struct {
	name    string
	fn      Func
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	flights map[string]*flight
	errs    map[string]error
	runs    map[string]int
}

type flight struct {
	pending bool
	cancel  context.CancelFunc
	ctx     context.Context
	done    chan struct{}
}

// NewRunner creates a Runner. A zero timeout leaves runs unbounded.
func NewRunner(name string, fn Func, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		name:    name,
		fn:      fn,
		timeout: timeout,
		logger:  logger,
		flights: make(map[string]*flight),
		errs:    make(map[string]error),
		runs:    make(map[string]int),
	}
}

// Trigger schedules a run for key. It reports whether a new job was started;
// false means the request was folded into the in-flight job's pending re-run.
func (r *Runner) Trigger(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.flights[key]; ok {
		f.pending = true
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &flight{cancel: cancel, ctx: ctx, done: make(chan struct{})}
	r.flights[key] = f
	go r.loop(key, f)
	return true
}

func (r *Runner) loop(key string, f *flight) {
	for {
		err := r.runOnce(f.ctx, key)

		r.mu.Lock()
		r.runs[key]++
		r.errs[key] = err
		if err != nil {
			r.logger.Warn("background job failed", "job", r.name, "key", key, "error", err)
		}
		if f.pending && f.ctx.Err() == nil {
			f.pending = false
			r.mu.Unlock()
			continue
		}
		delete(r.flights, key)
		f.cancel()
		close(f.done)
		r.mu.Unlock()
		return
	}
}

func (r *Runner) runOnce(ctx context.Context, key string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.fn(ctx, key)
}

// Wait blocks until no job for key is in flight or ctx is done.
func (r *Runner) Wait(ctx context.Context, key string) error {
	r.mu.Lock()
	f, ok := r.flights[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers a run for key and waits for it, returning the error of the
// last completed run.
func (r *Runner) RunNow(ctx context.Context, key string) error {
	r.Trigger(key)
	if err := r.Wait(ctx, key); err != nil {
		return err
	}
	return r.LastError(key)
}

// Stop cancels the in-flight job for key, drops any pending re-run and waits
// for the job to return.
func (r *Runner) Stop(ctx context.Context, key string) error {
	r.mu.Lock()
	if f, ok := r.flights[key]; ok {
		f.pending = false
		f.cancel()
	}
	r.mu.Unlock()
	return r.Wait(ctx, key)
}

// Running reports whether a job for key is in flight.
func (r *Runner) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flights[key]
	return ok
}

// LastError returns the error of the most recent completed run for key.
func (r *Runner) LastError(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[key]
}

// Runs returns how many runs have completed for key.
func (r *Runner) Runs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[key]
}
