package model

// ProbeStatus is a verdict of a single probe.
type ProbeStatus string

const (
	ProbeOK   ProbeStatus = "OK"
	ProbeWarn ProbeStatus = "WARN"
	ProbeCrit ProbeStatus = "CRIT"
	ProbeNA   ProbeStatus = "NA"
)

// Component names used in Diagnosis entries.
const (
	ComponentDNS          = "DNS"
	ComponentTransit      = "Transit"
	ComponentPeering      = "Peering"
	ComponentUpstream     = "Upstream"
	ComponentLocalNetwork = "LocalNetwork"
)

// HealthyScore is the lowest score summarized as a healthy connection.
const HealthyScore = 80.0

// ProbeOutcome is a result of one diagnostic check (ping, dns, traceroute, ...).
type ProbeOutcome struct {
	Name      string         `json:"name"`
	Status    ProbeStatus    `json:"status"`
	LatencyMs *float64       `json:"latency_ms,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type Diagnosis struct {
	Component       string  `json:"component"`
	Confidence      float64 `json:"confidence"`
	Explanation     string  `json:"explanation"`
	SuggestedAction string  `json:"suggested_action"`
}

// Result is a normalized outcome of a probe run. Probes are empty only for
// hard failures, which carry a single Diagnosis and Raw["error"].
type Result struct {
	Target    string         `json:"target"`
	Mode      string         `json:"mode"`
	Score     float64        `json:"score"`
	Summary   string         `json:"summary"`
	Probes    []ProbeOutcome `json:"probes"`
	Diagnosis []Diagnosis    `json:"diagnosis"`
	Raw       map[string]any `json:"raw"`
}

// Failed reports whether the result describes a failure of the checker
// itself rather than of the target.
func (r Result) Failed() bool {
	_, ok := r.Raw["error"]
	return ok
}

// Score returns 100 * OK/total, 0 for no probes.
func Score(probes []ProbeOutcome) float64 {
	if len(probes) == 0 {
		return 0
	}
	var ok int
	for _, p := range probes {
		if p.Status == ProbeOK {
			ok++
		}
	}
	return float64(ok) / float64(len(probes)) * 100
}

func Float(f float64) *float64 {
	return &f
}
