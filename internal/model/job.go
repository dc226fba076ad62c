package model

import (
	"time"
)

// JobStatus is a lifecycle state of a Job:
//
//	pending -> running -> completed | failed | cancelled
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	// JobAccepted marks a report submitted by a client with its probes
	// already measured, no job is run for it.
	JobAccepted JobStatus = "accepted"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobAccepted:
		return true
	default:
		return false
	}
}

// Mode names understood by the diagnostic tool and the simulation.
const (
	ModeFull       = "full"
	ModePing       = "ping"
	ModeDNS        = "dns"
	ModeTraceroute = "traceroute"
)

// Job is one diagnostic run. Result is set only in terminal states.
type Job struct {
	RunID    string    `json:"run_id"`
	Target   string    `json:"target"`
	Mode     string    `json:"mode"`
	Owner    string    `json:"owner,omitempty"`
	Status   JobStatus `json:"status"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
	Result   *Result   `json:"result,omitempty"`
	Fault    string    `json:"fault,omitempty"`
}

// Record is a persisted run, as stored by a run store.
type Record struct {
	RunID     string    `json:"run_id"`
	Owner     string    `json:"owner,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target"`
	Mode      string    `json:"mode"`
	Status    JobStatus `json:"status"`
	Score     float64   `json:"score"`
	Summary   string    `json:"summary"`
	Result    *Result   `json:"result,omitempty"`
}

// RecordFromJob converts a job into a Record, score and summary are taken
// from the Result when present.
func RecordFromJob(job Job) Record {
	rec := Record{
		RunID:     job.RunID,
		Owner:     job.Owner,
		Timestamp: job.Created,
		Target:    job.Target,
		Mode:      job.Mode,
		Status:    job.Status,
		Result:    job.Result,
	}
	switch {
	case job.Result != nil:
		rec.Score = job.Result.Score
		rec.Summary = job.Result.Summary
	case job.Status == JobCancelled:
		rec.Summary = "Health check cancelled."
	case job.Status == JobFailed:
		rec.Summary = "Health check failed: " + job.Fault
	default:
		rec.Summary = "Health check in progress..."
	}
	return rec
}
