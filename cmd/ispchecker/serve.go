package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ispchecker/ispchecker/internal/api"
	"github.com/ispchecker/ispchecker/internal/log"
	"github.com/ispchecker/ispchecker/internal/metrics"
	"github.com/ispchecker/ispchecker/internal/probe"
	"github.com/ispchecker/ispchecker/internal/ratelimit"
	"github.com/ispchecker/ispchecker/internal/service"
	"github.com/ispchecker/ispchecker/internal/store"
	"github.com/ispchecker/ispchecker/internal/tracing"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API and the worker pool",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("ispchecker",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.Exporter, cfg.Tracing.ServiceName, version(), os.Stderr)
	if err != nil {
		return err
	}

	m := metrics.New()
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.Prefix)
	if err != nil {
		return errors.Join(err, shutdownTracing(context.WithoutCancel(ctx)))
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
		BurstSize:         cfg.RateLimit.BurstSize,
	}, ratelimit.WithMetrics(m))
	janitorDone, err := limiter.StartJanitor(ctx, cfg.RateLimit.CleanupInterval, cfg.RateLimit.BucketMaxAge)
	if err != nil {
		return errors.Join(err, st.Close(), shutdownTracing(context.WithoutCancel(ctx)))
	}

	executor := probe.NewExecutor(probe.Config{
		Binary:          cfg.Probe.Binary,
		Timeout:         cfg.Probe.CLITimeout(),
		SimulationDelay: cfg.Probe.SimulationDelay,
		Env:             environ(cfg.Probe.Env),
	}, probe.WithMetrics(m))
	svc := service.New(service.Config{MaxWorkers: cfg.Worker.MaxWorkers}, executor, st, service.WithMetrics(m))

	handler := api.New(svc, api.Config{
		Version:     version(),
		CORSOrigins: cfg.Server.CORSOrigins,
	}, api.WithLimiter(limiter), api.WithMetrics(m))
	httpSrv := api.NewHTTPServer(cfg.Server.Addr, handler)
	httpSrv.BaseContext = func(net.Listener) context.Context {
		return context.WithoutCancel(ctx)
	}

	// HTTP and the worker pool drain against one shutdown deadline
	var deadline time.Time
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", cfg.Server.Addr, "store", cfg.Store.Driver, "max_workers", svc.MaxWorkers())
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down", "timeout", cfg.Server.ShutdownTimeout)
		deadline = time.Now().Add(cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	stop()
	<-janitorDone
	return errors.Join(
		err,
		svc.Shutdown(max(time.Until(deadline), 0)),
		st.Close(),
		shutdownTracing(context.WithoutCancel(ctx)),
	)
}

// environ turns configured probe variables into KEY=VALUE pairs.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
