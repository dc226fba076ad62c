package probe

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ispchecker/ispchecker/internal/model"
)

var errNoReport = errors.New("no JSON object in output")

// report is the JSON document printed by the diagnostic tool.
type report struct {
	Target    string            `json:"target"`
	Mode      string            `json:"mode"`
	Score     *float64          `json:"score"`
	Summary   string            `json:"summary"`
	Probes    []reportProbe     `json:"probes"`
	Diagnosis []model.Diagnosis `json:"diagnosis"`
	Raw       map[string]any    `json:"raw"`
}

type reportProbe struct {
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	LatencyMs *float64       `json:"latency_ms"`
	Details   map[string]any `json:"details"`
	Error     string         `json:"error"`
}

// Parse decodes the report printed by the tool. Anything before the first
// '{' (log lines, banners) is skipped, as is anything after the object.
func Parse(stdout []byte, target, mode string) (model.Result, error) {
	i := bytes.IndexByte(stdout, '{')
	if i < 0 {
		return model.Result{}, errNoReport
	}
	var rep report
	if err := json.NewDecoder(bytes.NewReader(stdout[i:])).Decode(&rep); err != nil {
		return model.Result{}, err
	}

	probes := make([]model.ProbeOutcome, 0, len(rep.Probes))
	for _, p := range rep.Probes {
		probes = append(probes, model.ProbeOutcome{
			Name:      p.Name,
			Status:    NormalizeStatus(p.Status),
			LatencyMs: p.LatencyMs,
			Details:   p.Details,
			Error:     p.Error,
		})
	}

	res := model.Result{
		Target:    target,
		Mode:      mode,
		Summary:   rep.Summary,
		Probes:    probes,
		Diagnosis: rep.Diagnosis,
		Raw:       rep.Raw,
	}
	if rep.Score != nil {
		res.Score = *rep.Score
	} else {
		res.Score = model.Score(probes)
	}
	if res.Diagnosis == nil {
		res.Diagnosis = []model.Diagnosis{}
	}
	if res.Raw == nil {
		res.Raw = map[string]any{"stdout": string(bytes.TrimSpace(stdout))}
	}
	return res, nil
}

// NormalizeStatus maps the tool's probe status onto ProbeStatus, unknown
// values are NA.
func NormalizeStatus(s string) model.ProbeStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ok":
		return model.ProbeOK
	case "warn", "warning":
		return model.ProbeWarn
	case "fail", "crit", "critical", "error":
		return model.ProbeCrit
	default:
		return model.ProbeNA
	}
}
