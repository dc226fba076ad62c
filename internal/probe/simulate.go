package probe

import (
	"context"
	"strings"
	"time"

	"github.com/ispchecker/ispchecker/internal/model"
)

const simulationNote = "This is simulated data. CLI binary not available."

// Simulate produces a plausible healthy report for mode without running any
// tool. It waits delay first, returning ctx.Err() when cancelled meanwhile.
func Simulate(ctx context.Context, target, mode string, delay time.Duration) (model.Result, error) {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		case <-t.C:
		}
	}

	var probes []model.ProbeOutcome
	if mode == model.ModeFull || mode == model.ModePing {
		probes = append(probes, model.ProbeOutcome{
			Name:      "ping",
			Status:    model.ProbeOK,
			LatencyMs: model.Float(25.5),
			Details: map[string]any{
				"packets_sent":     3,
				"packets_received": 3,
				"packet_loss":      0,
				"min_rtt":          24.1,
				"avg_rtt":          25.5,
				"max_rtt":          27.2,
			},
		})
	}
	if mode == model.ModeFull || mode == model.ModeDNS {
		resolved := "93.184.216.34"
		if looksNumeric(target) {
			resolved = target
		}
		probes = append(probes, model.ProbeOutcome{
			Name:      "dns",
			Status:    model.ProbeOK,
			LatencyMs: model.Float(12.3),
			Details: map[string]any{
				"resolution_time": "12.3ms",
				"resolved_ip":     resolved,
			},
		})
	}
	if mode == model.ModeFull || mode == model.ModeTraceroute {
		probes = append(probes, model.ProbeOutcome{
			Name:      "traceroute",
			Status:    model.ProbeOK,
			LatencyMs: model.Float(150),
			Details: map[string]any{
				"hops":     8,
				"complete": true,
			},
		})
	}
	if probes == nil {
		probes = []model.ProbeOutcome{}
	}

	score := model.Score(probes)
	res := model.Result{
		Target: target,
		Mode:   mode,
		Score:  score,
		Probes: probes,
		Raw: map[string]any{
			"simulation": true,
			"note":       simulationNote,
		},
	}
	if score >= model.HealthyScore {
		res.Summary = "Connection appears healthy."
		res.Diagnosis = []model.Diagnosis{{
			Component:       model.ComponentLocalNetwork,
			Confidence:      0.95,
			Explanation:     "All probes completed successfully.",
			SuggestedAction: "No action required.",
		}}
	} else {
		res.Summary = "Some issues detected."
		res.Diagnosis = []model.Diagnosis{{
			Component:       model.ComponentTransit,
			Confidence:      0.7,
			Explanation:     "Some network issues detected.",
			SuggestedAction: "Check network connectivity.",
		}}
	}
	return res, nil
}

// looksNumeric reports whether target consists of digits and dots only,
// such as an IPv4 literal.
func looksNumeric(target string) bool {
	digits := strings.ReplaceAll(target, ".", "")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
