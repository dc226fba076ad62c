package probe

import (
	"fmt"
	"strings"
	"time"

	"github.com/ispchecker/ispchecker/internal/model"
)

// Failure is the closed set of reasons a probe run produced no report:
// Timeout, ProcessError, ToolMissing, ParseError and Unexpected.
type Failure interface {
	error
	// Kind is a short label used in metrics and logs.
	Kind() string
	failure()
}

type Timeout struct {
	After time.Duration
}

func (f Timeout) Error() string {
	return "Health check timed out after " + f.After.String()
}

func (Timeout) Kind() string { return "timeout" }
func (Timeout) failure()     {}

type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (f ProcessError) Error() string {
	return fmt.Sprintf("CLI execution failed (exit %d): %s", f.ExitCode, strings.TrimSpace(f.Stderr))
}

func (ProcessError) Kind() string { return "process_error" }
func (ProcessError) failure()     {}

type ToolMissing struct {
	Path string
}

func (f ToolMissing) Error() string {
	return "CLI binary not found: " + f.Path
}

func (ToolMissing) Kind() string { return "tool_missing" }
func (ToolMissing) failure()     {}

type ParseError struct {
	Err error
}

func (f ParseError) Error() string {
	return "CLI output could not be parsed: " + f.Err.Error()
}

func (f ParseError) Unwrap() error { return f.Err }
func (ParseError) Kind() string    { return "parse_error" }
func (ParseError) failure()        {}

type Unexpected struct {
	Detail string
}

func (f Unexpected) Error() string {
	return "Unexpected error: " + f.Detail
}

func (Unexpected) Kind() string { return "unexpected" }
func (Unexpected) failure()     {}

const errorAction = "Check the health checker configuration and try again."

// ErrorResult converts f into a Result with score 0, no probes and a single
// LocalNetwork diagnosis.
func ErrorResult(target, mode string, f Failure) model.Result {
	var msg string
	switch f := f.(type) {
	case Timeout, ProcessError, ToolMissing, ParseError, Unexpected:
		msg = f.Error()
	default:
		msg = "Unexpected error: " + f.Error()
	}
	return model.Result{
		Target:  target,
		Mode:    mode,
		Score:   0,
		Summary: "Health check failed: " + msg,
		Probes:  []model.ProbeOutcome{},
		Diagnosis: []model.Diagnosis{
			{
				Component:       model.ComponentLocalNetwork,
				Confidence:      0.5,
				Explanation:     msg,
				SuggestedAction: errorAction,
			},
		},
		Raw: map[string]any{"error": msg},
	}
}
