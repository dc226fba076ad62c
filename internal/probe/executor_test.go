package probe_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/ispchecker/ispchecker/internal/probe"
	"github.com/stretchr/testify/require"
)

// fakeTool writes a shell script standing in for the diagnostic tool.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "isp-checker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

const report = `{
  "target": "example.com",
  "mode": "full",
  "score": 50,
  "summary": "Some issues detected.",
  "probes": [
    {"name": "ping", "status": "ok", "latency_ms": 20.5},
    {"name": "dns", "status": "fail", "error": "SERVFAIL"},
    {"name": "http", "status": "warn"},
    {"name": "traceroute", "status": ""}
  ],
  "diagnosis": [
    {"component": "DNS", "confidence": 0.8, "explanation": "resolver fails", "suggested_action": "Switch resolver."}
  ],
  "raw": {"version": "1.2.0"}
}`

func TestExecutor_Report(t *testing.T) {
	t.Parallel()
	tool := fakeTool(t, "echo 'probing example.com...'\necho 'loaded 4 probes'\ncat <<'EOF'\n"+report+"\nEOF")
	e := probe.NewExecutor(probe.Config{Binary: tool, Timeout: 5 * time.Second})

	res, err := e.Run(t.Context(), "example.com", model.ModeFull)
	require.NoError(t, err)
	require.False(t, res.Failed())
	require.Equal(t, "example.com", res.Target)
	require.Equal(t, model.ModeFull, res.Mode)
	require.Equal(t, 50.0, res.Score)
	require.Equal(t, "Some issues detected.", res.Summary)
	require.Len(t, res.Probes, 4)
	require.Equal(t, model.ProbeOK, res.Probes[0].Status)
	require.Equal(t, 20.5, *res.Probes[0].LatencyMs)
	require.Equal(t, model.ProbeCrit, res.Probes[1].Status)
	require.Equal(t, "SERVFAIL", res.Probes[1].Error)
	require.Equal(t, model.ProbeWarn, res.Probes[2].Status)
	require.Equal(t, model.ProbeNA, res.Probes[3].Status)
	require.Equal(t, model.ComponentDNS, res.Diagnosis[0].Component)
	require.Equal(t, "1.2.0", res.Raw["version"])
}

func TestExecutor_Arguments(t *testing.T) {
	t.Parallel()
	tool := fakeTool(t, `printf '{"summary": "%s %s %s %s %s", "probes": []}' "$@"`)
	e := probe.NewExecutor(probe.Config{Binary: tool, Timeout: 5 * time.Second})

	res, err := e.Run(t.Context(), "8.8.8.8", model.ModeDNS)
	require.NoError(t, err)
	require.Equal(t, "run --target 8.8.8.8 --type dns", res.Summary)
	require.Contains(t, res.Raw, "stdout")
}

func TestExecutor_Failures(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		script   string
		timeout  time.Duration
		then     string
	}{
		{
			scenario: "non-zero exit",
			script:   "echo 'resolver unreachable' >&2\nexit 3",
			then:     "CLI execution failed (exit 3): resolver unreachable",
		},
		{
			scenario: "timeout",
			script:   "exec sleep 10",
			timeout:  200 * time.Millisecond,
			then:     "Health check timed out after 200ms",
		},
		{
			scenario: "no json",
			script:   "echo 'segfault in probe'",
			then:     "CLI output could not be parsed: no JSON object in output",
		},
		{
			scenario: "broken json",
			script:   `echo '{"score": 10, "probes": [}'`,
			then:     "CLI output could not be parsed: ",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			timeout := tc.timeout
			if timeout == 0 {
				timeout = 5 * time.Second
			}
			e := probe.NewExecutor(probe.Config{Binary: fakeTool(t, tc.script), Timeout: timeout})
			res, err := e.Run(t.Context(), "example.com", model.ModePing)
			require.NoError(t, err)
			require.True(t, res.Failed())
			require.Zero(t, res.Score)
			require.Empty(t, res.Probes)
			require.True(t, strings.HasPrefix(res.Summary, "Health check failed: "+tc.then), res.Summary)
			require.Len(t, res.Diagnosis, 1)
			require.Equal(t, model.ComponentLocalNetwork, res.Diagnosis[0].Component)
			require.Equal(t, 0.5, res.Diagnosis[0].Confidence)
			require.Equal(t, res.Raw["error"], res.Diagnosis[0].Explanation)
		})
	}
}

func TestExecutor_Cancel(t *testing.T) {
	t.Parallel()
	e := probe.NewExecutor(probe.Config{Binary: fakeTool(t, "exec sleep 10"), Timeout: time.Minute})

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	_, err := e.Run(ctx, "example.com", model.ModeFull)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutor_Simulation(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "isp-checker")

	var testCases = []struct {
		mode   string
		target string
		probes []string
		score  float64
	}{
		{model.ModeFull, "example.com", []string{"ping", "dns", "traceroute"}, 100},
		{model.ModePing, "example.com", []string{"ping"}, 100},
		{model.ModeDNS, "1.1.1.1", []string{"dns"}, 100},
		{model.ModeTraceroute, "example.com", []string{"traceroute"}, 100},
		{"bogus", "example.com", []string{}, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.mode, func(t *testing.T) {
			t.Parallel()
			e := probe.NewExecutor(probe.Config{Binary: missing, SimulationDelay: time.Millisecond})
			res, err := e.Run(t.Context(), tc.target, tc.mode)
			require.NoError(t, err)
			require.Equal(t, tc.score, res.Score)
			names := make([]string, 0, len(res.Probes))
			for _, p := range res.Probes {
				names = append(names, p.Name)
				require.Equal(t, model.ProbeOK, p.Status)
			}
			require.Equal(t, tc.probes, names)
			require.Equal(t, true, res.Raw["simulation"])
			require.Len(t, res.Diagnosis, 1)
			if tc.score >= model.HealthyScore {
				require.Equal(t, "Connection appears healthy.", res.Summary)
				require.Equal(t, model.ComponentLocalNetwork, res.Diagnosis[0].Component)
			} else {
				require.Equal(t, "Some issues detected.", res.Summary)
				require.Equal(t, model.ComponentTransit, res.Diagnosis[0].Component)
			}
		})
	}
}

func TestSimulate(t *testing.T) {
	t.Parallel()
	res, err := probe.Simulate(t.Context(), "10.0.0.1", model.ModeDNS, 0)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", res.Probes[0].Details["resolved_ip"])

	res, err = probe.Simulate(t.Context(), "example.com", model.ModeDNS, 0)
	require.NoError(t, err)
	require.Equal(t, "93.184.216.34", res.Probes[0].Details["resolved_ip"])

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = probe.Simulate(ctx, "example.com", model.ModeFull, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestErrorResult(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given probe.Failure
		kind  string
		then  string
	}{
		{probe.Timeout{After: time.Minute}, "timeout", "Health check timed out after 1m0s"},
		{probe.ProcessError{ExitCode: 2, Stderr: "bad flag\n"}, "process_error", "CLI execution failed (exit 2): bad flag"},
		{probe.ToolMissing{Path: "/usr/local/bin/isp-checker"}, "tool_missing", "CLI binary not found: /usr/local/bin/isp-checker"},
		{probe.ParseError{Err: errors.New("unexpected EOF")}, "parse_error", "CLI output could not be parsed: unexpected EOF"},
		{probe.Unexpected{Detail: "boom"}, "unexpected", "Unexpected error: boom"},
	}
	for _, tc := range testCases {
		t.Run(tc.kind, func(t *testing.T) {
			require.Equal(t, tc.kind, tc.given.Kind())
			res := probe.ErrorResult("example.com", model.ModeFull, tc.given)
			require.Equal(t, "Health check failed: "+tc.then, res.Summary)
			require.Equal(t, map[string]any{"error": tc.then}, res.Raw)
			require.Equal(t, "Check the health checker configuration and try again.", res.Diagnosis[0].SuggestedAction)
			require.NotNil(t, res.Probes)
			require.Empty(t, res.Probes)
		})
	}
}
