// Package worker runs diagnostic jobs in the background with a bounded
// number of concurrent probe executions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ispchecker/ispchecker/internal/log"
	"github.com/ispchecker/ispchecker/internal/metrics"
	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/ispchecker/ispchecker/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxWorkers = 10

// ShutdownGrace is how long Shutdown waits for cancelled jobs to exit once
// its timeout has passed.
const ShutdownGrace = time.Second

var (
	ErrClosed          = errors.New("worker pool is closed")
	ErrDuplicateRun    = errors.New("run is already in flight")
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Executor probes a target, the error is reserved for cancellation.
type Executor interface {
	Run(ctx context.Context, target, mode string) (model.Result, error)
}

// Sink receives every job exactly once, when it reaches a terminal state.
// ctx is not cancelled even if the job was.
type Sink interface {
	Finish(ctx context.Context, job model.Job)
}

type Config struct {
	MaxWorkers int
}

type Option func(*Pool)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// Pool tracks submitted jobs in a map keyed by run ID. Every job runs in its
// own goroutine, a weighted semaphore limits how many of them execute a
// probe at the same time.
type Pool struct {
	exec       Executor
	sink       Sink
	maxWorkers int
	sem        *semaphore.Weighted
	metrics    *metrics.Metrics

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mx      sync.Mutex
	tasks   map[string]*task
	running int
	closed  bool
	wg      sync.WaitGroup
}

type task struct {
	job    model.Job
	cancel context.CancelFunc
	done   chan struct{}
	// cancelled is set by Cancel, completing once the executor returned.
	// Both are guarded by Pool.mx.
	cancelled  bool
	completing bool
}

func New(exec Executor, sink Sink, cfg Config, opts ...Option) *Pool {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	baseCtx, cancelAll := context.WithCancel(context.Background())
	p := &Pool{
		exec:       exec,
		sink:       sink,
		maxWorkers: maxWorkers,
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		baseCtx:    baseCtx,
		cancelAll:  cancelAll,
		tasks:      make(map[string]*task),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// Submit schedules a job and returns immediately.
func (p *Pool) Submit(runID, target, mode, owner string) (string, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	if _, ok := p.tasks[runID]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRun, runID)
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	t := &task{
		job: model.Job{
			RunID:   runID,
			Target:  target,
			Mode:    mode,
			Owner:   owner,
			Status:  model.JobPending,
			Created: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.tasks[runID] = t
	p.wg.Go(func() {
		p.run(ctx, t)
	})
	return runID, nil
}

// IsActive reports whether runID is pending or running.
func (p *Pool) IsActive(runID string) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	t, ok := p.tasks[runID]
	return ok && !t.job.Status.Terminal()
}

// Job returns a snapshot of an in-flight job.
func (p *Pool) Job(runID string) (model.Job, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	t, ok := p.tasks[runID]
	if !ok {
		return model.Job{}, false
	}
	return t.job, true
}

// ActiveCount returns the number of jobs executing a probe right now, it
// never exceeds MaxWorkers.
func (p *Pool) ActiveCount() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.running
}

// InFlight returns the number of tracked jobs, pending ones included.
func (p *Pool) InFlight() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.tasks)
}

// Cancel stops a pending or running job and waits until its task exits or
// ctx is done. It returns false when runID is unknown, already cancelled or
// its probe has already returned.
func (p *Pool) Cancel(ctx context.Context, runID string) bool {
	p.mx.Lock()
	t, ok := p.tasks[runID]
	if !ok || t.completing || t.cancelled {
		p.mx.Unlock()
		return false
	}
	t.cancelled = true
	t.cancel()
	p.mx.Unlock()

	select {
	case <-t.done:
	case <-ctx.Done():
	}
	return true
}

// Wait blocks until runID has left the pool, its result handed to the Sink,
// or ctx is done.
func (p *Pool) Wait(ctx context.Context, runID string) {
	p.mx.Lock()
	t, ok := p.tasks[runID]
	p.mx.Unlock()
	if !ok {
		return
	}
	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

// Shutdown stops accepting jobs and waits up to timeout for in-flight ones.
// Jobs still running after timeout are cancelled, Shutdown then gives them
// ShutdownGrace to exit and returns ErrShutdownTimeout. A job whose executor
// ignores cancellation reaches the Sink after Shutdown returned.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mx.Lock()
	p.closed = true
	n := len(p.tasks)
	p.mx.Unlock()
	if n > 0 {
		slog.Info("shutting down worker pool", "in_flight", n)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.cancelAll()
		return nil
	case <-timer.C:
	}

	p.mx.Lock()
	var stragglers int
	for _, t := range p.tasks {
		if !t.completing {
			t.cancelled = true
			stragglers++
		}
	}
	p.mx.Unlock()
	slog.Warn("worker pool shutdown timed out, cancelling jobs", "cancelled", stragglers)
	p.cancelAll()

	grace := time.NewTimer(ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
	}
	return ErrShutdownTimeout
}

func (p *Pool) run(ctx context.Context, t *task) {
	defer close(t.done)
	defer p.remove(t.job.RunID)

	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", t.job.RunID),
		slog.String("target", t.job.Target),
		slog.String("mode", t.job.Mode),
	)
	ctx, span := tracing.StartSpan(ctx, "worker.job",
		attribute.String("run_id", t.job.RunID),
		attribute.String("target", t.job.Target),
		attribute.String("mode", t.job.Mode),
	)
	defer span.End()

	job := p.execute(ctx, t)
	span.SetAttributes(attribute.String("status", string(job.Status)))
	p.metrics.JobFinished(string(job.Status))
	if job.Status == model.JobFailed {
		slog.ErrorContext(ctx, "job failed", "fault", job.Fault)
	} else {
		slog.InfoContext(ctx, "job finished", "status", job.Status)
	}
	p.sink.Finish(context.WithoutCancel(ctx), job)
}

func (p *Pool) execute(ctx context.Context, t *task) model.Job {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return p.terminate(t, model.JobCancelled, nil, "")
	}
	defer p.sem.Release(1)

	if !p.start(t) {
		return p.terminate(t, model.JobCancelled, nil, "")
	}
	p.metrics.JobStarted()
	started := time.Now()
	defer func() {
		p.mx.Lock()
		p.running--
		p.mx.Unlock()
		p.metrics.JobStopped(time.Since(started))
	}()

	slog.DebugContext(ctx, "job started")
	res, fault, err := p.call(ctx, t.job)
	switch {
	case fault != "":
		return p.terminate(t, model.JobFailed, nil, fault)
	case err != nil && ctx.Err() != nil:
		return p.terminate(t, model.JobCancelled, nil, "")
	case err != nil:
		return p.terminate(t, model.JobFailed, nil, err.Error())
	default:
		return p.terminate(t, model.JobCompleted, &res, "")
	}
}

// call runs the executor, a panic is turned into fault.
func (p *Pool) call(ctx context.Context, job model.Job) (res model.Result, fault string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "executor panicked", "panic", r, "stack", string(debug.Stack()))
			fault = fmt.Sprintf("internal error: %v", r)
		}
	}()
	res, err = p.exec.Run(ctx, job.Target, job.Mode)
	return res, "", err
}

// start moves a job to running unless it was cancelled while pending.
func (p *Pool) start(t *task) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	if t.cancelled {
		return false
	}
	t.job.Status = model.JobRunning
	t.job.Started = time.Now().UTC()
	p.running++
	return true
}

// terminate records the final state. A job cancelled before its probe
// returned stays cancelled whatever the probe produced.
func (p *Pool) terminate(t *task, status model.JobStatus, res *model.Result, fault string) model.Job {
	p.mx.Lock()
	defer p.mx.Unlock()
	t.completing = true
	if t.cancelled {
		status, res, fault = model.JobCancelled, nil, ""
	}
	t.job.Status = status
	t.job.Result = res
	t.job.Fault = fault
	t.job.Finished = time.Now().UTC()
	return t.job
}

func (p *Pool) remove(runID string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if t, ok := p.tasks[runID]; ok {
		t.cancel()
		delete(p.tasks, runID)
	}
}
