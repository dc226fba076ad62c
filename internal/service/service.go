package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ispchecker/ispchecker/internal/metrics"
	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/ispchecker/ispchecker/internal/store"
	"github.com/ispchecker/ispchecker/internal/worker"
)

// DefaultStopWait bounds how long Cancel and Delete wait for a run to stop.
const DefaultStopWait = 5 * time.Second

type Config struct {
	MaxWorkers int
	// StopWait defaults to DefaultStopWait.
	StopWait time.Duration
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

type Service struct {
	store   store.Store
	pool     *worker.Pool
	metrics  *metrics.Metrics
	stopWait time.Duration
	now      func() time.Time
}

func New(cfg Config, exec worker.Executor, st store.Store, opts ...Option) *Service {
	s := &Service{
		store:    st,
		stopWait: cfg.StopWait,
		now:      time.Now,
	}
	if s.stopWait <= 0 {
		s.stopWait = DefaultStopWait
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = worker.New(exec, s, worker.Config{MaxWorkers: cfg.MaxWorkers}, worker.WithMetrics(s.metrics))
	return s
}

// Submit starts a background check of target and returns its run ID. The
// pending record is already persisted when Submit returns.
func (s *Service) Submit(ctx context.Context, target, mode, owner string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", model.ErrInvalidTarget
	}
	if mode == "" {
		mode = model.ModeFull
	}

	runID := uuid.NewString()
	pending := model.RecordFromJob(model.Job{
		RunID:   runID,
		Target:  target,
		Mode:    mode,
		Owner:   owner,
		Status:  model.JobPending,
		Created: s.now().UTC(),
	})
	if err := s.store.Save(ctx, pending); err != nil {
		return "", fmt.Errorf("saving pending run: %w", err)
	}

	if _, err := s.pool.Submit(runID, target, mode, owner); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), runID); derr != nil {
			slog.ErrorContext(ctx, "removing unscheduled run failed", "run_id", runID, "error", derr)
		}
		return "", fmt.Errorf("scheduling run: %w", err)
	}
	slog.InfoContext(ctx, "run submitted", "run_id", runID, "target", target, "mode", mode)
	return runID, nil
}

// Accept stores a report measured by the client itself, no check is run.
func (s *Service) Accept(ctx context.Context, owner string, res model.Result, ts time.Time) (string, error) {
	res.Target = strings.TrimSpace(res.Target)
	if res.Target == "" {
		return "", model.ErrInvalidTarget
	}
	if res.Mode == "" {
		res.Mode = model.ModeFull
	}
	if ts.IsZero() {
		ts = s.now()
	}

	runID := uuid.NewString()
	rec := model.Record{
		RunID:     runID,
		Owner:     owner,
		Timestamp: ts.UTC(),
		Target:    res.Target,
		Mode:      res.Mode,
		Status:    model.JobAccepted,
		Score:     res.Score,
		Summary:   res.Summary,
		Result:    &res,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("saving report: %w", err)
	}
	slog.InfoContext(ctx, "report accepted", "run_id", runID, "target", res.Target, "probes", len(res.Probes))
	return runID, nil
}

// Status returns the live state of an in-flight run, or the stored record.
func (s *Service) Status(ctx context.Context, runID string) (model.Record, error) {
	if job, ok := s.pool.Job(runID); ok {
		rec := model.RecordFromJob(job)
		if stored, err := s.store.Fetch(ctx, runID); err == nil {
			rec.Timestamp = stored.Timestamp
		}
		return rec, nil
	}
	return s.store.Fetch(ctx, runID)
}

// List returns stored runs newest first, in-flight ones with their live
// status.
func (s *Service) List(ctx context.Context, filter store.Filter, limit, offset int) ([]model.Record, error) {
	recs, err := s.store.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, rec := range recs {
		if job, ok := s.pool.Job(rec.RunID); ok {
			recs[i].Status = job.Status
		}
	}
	return recs, nil
}

// Delete cancels the run if it is in flight and removes its record. A run
// whose probe already returned is given StopWait to save its result first.
func (s *Service) Delete(ctx context.Context, runID string) error {
	wctx, cancel := context.WithTimeout(ctx, s.stopWait)
	defer cancel()
	s.pool.Cancel(wctx, runID)
	s.pool.Wait(wctx, runID)
	return s.store.Delete(ctx, runID)
}

// Cancel stops an in-flight run and waits up to StopWait for it to exit. It
// reports whether cancellation was requested, see worker.Pool.Cancel.
func (s *Service) Cancel(ctx context.Context, runID string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.stopWait)
	defer cancel()
	return s.pool.Cancel(ctx, runID)
}

func (s *Service) IsActive(runID string) bool {
	return s.pool.IsActive(runID)
}

// ActiveCount returns the number of runs executing a probe.
func (s *Service) ActiveCount() int {
	return s.pool.ActiveCount()
}

func (s *Service) MaxWorkers() int {
	return s.pool.MaxWorkers()
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown stops accepting runs and drains the pool, see
// worker.Pool.Shutdown.
func (s *Service) Shutdown(timeout time.Duration) error {
	err := s.pool.Shutdown(timeout)
	if errors.Is(err, worker.ErrShutdownTimeout) {
		slog.Warn("runs cancelled on shutdown", "timeout", timeout)
	}
	return err
}

// Finish implements worker.Sink. The pending record is saved before a run
// is scheduled, a missing one means the run was deleted and stays deleted.
func (s *Service) Finish(ctx context.Context, job model.Job) {
	rec := model.RecordFromJob(job)
	stored, err := s.store.Fetch(ctx, job.RunID)
	switch {
	case err == nil:
		rec.Timestamp = stored.Timestamp
	case errors.Is(err, store.ErrNotFound):
		slog.DebugContext(ctx, "run deleted, result dropped", "status", job.Status)
		return
	}
	if err := s.store.Save(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "saving run result failed", "status", job.Status, "error", err)
		return
	}
	slog.DebugContext(ctx, "run result saved", "status", job.Status, "score", rec.Score)
}
