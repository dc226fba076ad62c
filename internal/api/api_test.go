package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/ispchecker/ispchecker/internal/api"
	"github.com/ispchecker/ispchecker/internal/metrics"
	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/ispchecker/ispchecker/internal/ratelimit"
	"github.com/ispchecker/ispchecker/internal/service"
	"github.com/ispchecker/ispchecker/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tool answers after delay with two probes.
type tool time.Duration

func (d tool) Run(ctx context.Context, target, mode string) (model.Result, error) {
	select {
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	case <-time.After(time.Duration(d)):
	}
	return model.Result{
		Target:  target,
		Mode:    mode,
		Score:   50,
		Summary: "Some issues detected.",
		Probes: []model.ProbeOutcome{
			{Name: "ping", Status: model.ProbeOK, LatencyMs: model.Float(9)},
			{Name: "dns", Status: model.ProbeCrit, Error: "SERVFAIL"},
		},
		Diagnosis: []model.Diagnosis{{Component: model.ComponentDNS, Confidence: 0.9}},
		Raw:       map[string]any{"version": "1.0"},
	}, nil
}

func newServer(t *testing.T, delay time.Duration, opts ...api.Option) *api.Server {
	t.Helper()
	svc := service.New(service.Config{MaxWorkers: 2}, tool(delay), store.NewMemory())
	t.Cleanup(func() { _ = svc.Shutdown(time.Second) })
	return api.New(svc, api.Config{Version: "test", CORSOrigins: []string{"*"}}, opts...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

type created struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type run struct {
	RunID     string               `json:"run_id"`
	Target    string               `json:"target"`
	Mode      string               `json:"mode"`
	Status    string               `json:"status"`
	Score     float64              `json:"score"`
	Summary   string               `json:"summary"`
	Probes    []model.ProbeOutcome `json:"probes"`
	Diagnosis []model.Diagnosis    `json:"diagnosis"`
	Raw       map[string]any       `json:"raw"`
}

func TestRunLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		srv := newServer(t, 5*time.Second)

		rec := do(t, srv, http.MethodPost, "/api/v1/runs/", `{"target":"example.com","mode":"ping"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		c := decode[created](t, rec)
		require.Equal(t, "pending", c.Status)

		rec = do(t, srv, http.MethodGet, "/api/v1/runs/"+c.RunID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[run](t, rec)
		require.Equal(t, "example.com", got.Target)
		require.Equal(t, "Health check in progress...", got.Summary)
		require.NotNil(t, got.Probes)
		require.Empty(t, got.Probes)

		time.Sleep(6 * time.Second)
		synctest.Wait()

		rec = do(t, srv, http.MethodGet, "/api/v1/runs/"+c.RunID, "")
		got = decode[run](t, rec)
		require.Equal(t, "completed", got.Status)
		require.Equal(t, 50.0, got.Score)
		require.Len(t, got.Probes, 2)
		require.Len(t, got.Diagnosis, 1)

		rec = do(t, srv, http.MethodGet, "/api/v1/runs/"+c.RunID+"/probes", "")
		require.Equal(t, http.StatusOK, rec.Code)
		probes := decode[[]model.ProbeOutcome](t, rec)
		require.Equal(t, "SERVFAIL", probes[1].Error)

		rec = do(t, srv, http.MethodGet, "/api/v1/runs/"+c.RunID+"/raw", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "1.0", decode[map[string]any](t, rec)["version"])

		rec = do(t, srv, http.MethodPost, "/api/v1/runs/"+c.RunID+"/cancel", "")
		require.Equal(t, http.StatusConflict, rec.Code)

		rec = do(t, srv, http.MethodDelete, "/api/v1/runs/"+c.RunID, "")
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, srv, http.MethodGet, "/api/v1/runs/"+c.RunID, "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "Run not found", decode[map[string]string](t, rec)["detail"])
	})
}

func TestCancelRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		srv := newServer(t, time.Hour)

		c := decode[created](t, do(t, srv, http.MethodPost, "/api/v1/runs", `{"target":"example.com"}`))
		synctest.Wait()

		rec := do(t, srv, http.MethodPost, "/api/v1/runs/"+c.RunID+"/cancel", "")
		require.Equal(t, http.StatusAccepted, rec.Code)

		got := decode[run](t, do(t, srv, http.MethodGet, "/api/v1/runs/"+c.RunID, ""))
		require.Equal(t, "cancelled", got.Status)
		require.Equal(t, model.ModeFull, got.Mode)
		require.Empty(t, got.Probes)
	})
}

// deafTool sleeps its full delay whatever happens to ctx.
type deafTool time.Duration

func (d deafTool) Run(_ context.Context, target, mode string) (model.Result, error) {
	time.Sleep(time.Duration(d))
	return model.Result{Target: target, Mode: mode, Score: 100}, nil
}

func TestCancelRun_DeafTool(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		svc := service.New(service.Config{MaxWorkers: 1}, deafTool(time.Hour), store.NewMemory())
		t.Cleanup(func() { _ = svc.Shutdown(time.Second) })
		srv := api.New(svc, api.Config{Version: "test"})

		c := decode[created](t, do(t, srv, http.MethodPost, "/api/v1/runs", `{"target":"example.com"}`))
		synctest.Wait()

		start := time.Now()
		rec := do(t, srv, http.MethodPost, "/api/v1/runs/"+c.RunID+"/cancel", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Equal(t, service.DefaultStopWait, time.Since(start))

		time.Sleep(time.Hour)
		synctest.Wait()
		got := decode[run](t, do(t, srv, http.MethodGet, "/api/v1/runs/"+c.RunID, ""))
		require.Equal(t, "cancelled", got.Status)
		require.Empty(t, got.Probes)
	})
}

func TestSubmitReport(t *testing.T) {
	t.Parallel()
	srv := newServer(t, 0)

	body := `{
		"target": "8.8.8.8",
		"mode": "dns",
		"timestamp": "2026-03-01T10:00:00Z",
		"score": 100,
		"summary": "Connection appears healthy.",
		"probes": [{"name": "dns", "status": "OK", "latency_ms": 12.5}]
	}`
	rec := do(t, srv, http.MethodPost, "/api/v1/runs/", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	c := decode[created](t, rec)
	require.Equal(t, "accepted", c.Status)

	rec = do(t, srv, http.MethodGet, "/api/v1/runs/?target=8.8.8.8", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]run](t, rec)
	require.Len(t, list, 1)
	require.Equal(t, c.RunID, list[0].RunID)
	require.Equal(t, 100.0, list[0].Score)
	require.Equal(t, "dns", list[0].Probes[0].Name)
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	srv := newServer(t, 0)

	var testCases = []struct {
		scenario string
		method   string
		path     string
		body     string
		then     int
	}{
		{"malformed json", http.MethodPost, "/api/v1/runs/", `{"target":`, http.StatusBadRequest},
		{"missing target", http.MethodPost, "/api/v1/runs/", `{"mode":"ping"}`, http.StatusUnprocessableEntity},
		{"limit too big", http.MethodGet, "/api/v1/runs/?limit=101", "", http.StatusUnprocessableEntity},
		{"limit zero", http.MethodGet, "/api/v1/runs/?limit=0", "", http.StatusUnprocessableEntity},
		{"negative offset", http.MethodGet, "/api/v1/runs/?offset=-1", "", http.StatusUnprocessableEntity},
		{"not a number", http.MethodGet, "/api/v1/runs/?limit=ten", "", http.StatusUnprocessableEntity},
		{"unknown run", http.MethodGet, "/api/v1/runs/nope/raw", "", http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/api/v1/runs/nope", "", http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/api/v1/runs/nope/cancel", "", http.StatusConflict},
		{"unknown route", http.MethodGet, "/api/v2/runs", "", http.StatusNotFound},
		{"wrong method", http.MethodPut, "/api/v1/runs/x", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			rec := do(t, srv, tc.method, tc.path, tc.body)
			require.Equal(t, tc.then, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			require.NotEmpty(t, decode[map[string]string](t, rec)["detail"])
		})
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	srv := newServer(t, 0, api.WithMetrics(m))

	rec := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]string{
		"status":  "healthy",
		"service": api.ServiceName,
		"version": "test",
	}, decode[map[string]string](t, rec))

	rec = do(t, srv, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[map[string]any](t, rec)
	require.Equal(t, "ready", ready["status"])
	require.EqualValues(t, 0, ready["active_workers"])
	require.EqualValues(t, 2, ready["max_workers"])

	rec = do(t, srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, "/docs", rec.Header().Get("Location"))

	do(t, srv, http.MethodGet, "/api/v1/runs/", "")
	rec = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `route="/api/v1/runs/"`)
}

// downStore fails every ping.
type downStore struct {
	store.Store
}

func (downStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestNotReady(t *testing.T) {
	t.Parallel()
	svc := service.New(service.Config{MaxWorkers: 1}, tool(0), downStore{store.NewMemory()})
	t.Cleanup(func() { _ = svc.Shutdown(time.Second) })
	srv := api.New(svc, api.Config{})

	rec := do(t, srv, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ready := decode[map[string]any](t, rec)
	require.Equal(t, "not_ready", ready["status"])
	require.Equal(t, "disconnected: connection refused", ready["database"])
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, BurstSize: 2})
	srv := newServer(t, 0, api.WithLimiter(limiter))

	for range 2 {
		rec := do(t, srv, http.MethodGet, "/api/v1/runs/", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := do(t, srv, http.MethodGet, "/api/v1/runs/", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	// service endpoints are never limited
	for range 5 {
		require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "").Code)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	svc := service.New(service.Config{MaxWorkers: 1}, tool(0), store.NewMemory())
	t.Cleanup(func() { _ = svc.Shutdown(time.Second) })
	srv := api.New(svc, api.Config{CORSOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs/", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery(t *testing.T) {
	t.Parallel()
	h := api.Chain(api.Recovery, api.RequestID)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	require.Equal(t, "Internal server error", decode[map[string]string](t, rec)["detail"])
}
