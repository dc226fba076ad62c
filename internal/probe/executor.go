// Package probe runs the external diagnostic tool and turns its outcome into
// a model.Result. When the tool is not installed a simulated report is
// produced instead.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"runtime/debug"
	"time"

	"github.com/ispchecker/ispchecker/internal/metrics"
	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/ispchecker/ispchecker/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultBinary          = "isp-checker"
	DefaultTimeout         = 60 * time.Second
	DefaultSimulationDelay = 500 * time.Millisecond
)

type Config struct {
	Binary          string
	Timeout         time.Duration
	SimulationDelay time.Duration
	Env             []string
}

type Option func(*Executor)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// Executor runs one probe at a time per Run call, it is safe for concurrent
// use.
type Executor struct {
	cfg     Config
	metrics *metrics.Metrics
}

func NewExecutor(cfg Config, opts ...Option) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SimulationDelay < 0 {
		cfg.SimulationDelay = DefaultSimulationDelay
	}
	e := &Executor{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run probes target in the given mode. Every failure of the tool is
// reported as an error Result, the returned error is non-nil only when ctx
// was cancelled before the run finished.
func (e *Executor) Run(ctx context.Context, target, mode string) (res model.Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "probe.run",
		attribute.String("target", target),
		attribute.String("mode", mode),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "probe panicked", "panic", r, "stack", string(debug.Stack()))
			res, err = e.failed(ctx, target, mode, Unexpected{Detail: fmt.Sprint(r)}), nil
		}
	}()

	path, lookErr := exec.LookPath(e.cfg.Binary)
	if lookErr != nil {
		slog.DebugContext(ctx, "diagnostic tool not available, simulating", "binary", e.cfg.Binary, "error", lookErr)
		span.SetAttributes(attribute.Bool("simulation", true))
		return Simulate(ctx, target, mode, e.cfg.SimulationDelay)
	}

	cmd := Command{
		Path:    path,
		Args:    []string{"run", "--target", target, "--type", mode},
		Env:     e.cfg.Env,
		Timeout: e.cfg.Timeout,
	}
	out := Run(ctx, cmd, func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "tool stderr", "line", line)
	})
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return model.Result{}, ctx.Err()
	}

	if f := classify(out, e.cfg.Timeout); f != nil {
		var missing ToolMissing
		if errors.As(f, &missing) {
			slog.WarnContext(ctx, "diagnostic tool vanished, simulating", "path", missing.Path)
			return Simulate(ctx, target, mode, e.cfg.SimulationDelay)
		}
		return e.failed(ctx, target, mode, f), nil
	}

	res, perr := Parse(out.Stdout.Bytes(), target, mode)
	if perr != nil {
		return e.failed(ctx, target, mode, ParseError{Err: perr}), nil
	}
	span.SetAttributes(attribute.Float64("score", res.Score))
	return res, nil
}

// classify maps a finished command onto a Failure, nil means the tool
// succeeded.
func classify(out Output, timeout time.Duration) Failure {
	if out.TimedOut {
		return Timeout{After: timeout}
	}
	if out.Err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(out.Err, &exitErr) {
		return ProcessError{ExitCode: exitErr.ExitCode(), Stderr: out.Stderr}
	}
	if out.State == nil && (errors.Is(out.Err, exec.ErrNotFound) || errors.Is(out.Err, fs.ErrNotExist)) {
		return ToolMissing{Path: out.Path}
	}
	return Unexpected{Detail: out.Err.Error()}
}

func (e *Executor) failed(ctx context.Context, target, mode string, f Failure) model.Result {
	slog.WarnContext(ctx, "probe failed", "kind", f.Kind(), "error", f.Error())
	e.metrics.ProbeFailure(f.Kind())
	return ErrorResult(target, mode, f)
}
