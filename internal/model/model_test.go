package model_test

import (
	"testing"
	"time"

	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    []model.ProbeStatus
		then     float64
	}{
		{"no probes", nil, 0},
		{"all ok", []model.ProbeStatus{model.ProbeOK, model.ProbeOK}, 100},
		{"half", []model.ProbeStatus{model.ProbeOK, model.ProbeCrit}, 50},
		{"warn is not ok", []model.ProbeStatus{model.ProbeWarn, model.ProbeOK, model.ProbeOK, model.ProbeNA}, 50},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			probes := make([]model.ProbeOutcome, 0, len(tc.given))
			for _, s := range tc.given {
				probes = append(probes, model.ProbeOutcome{Name: "ping", Status: s})
			}
			require.Equal(t, tc.then, model.Score(probes))
		})
	}
}

func TestRecordFromJob(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := model.Job{
		RunID:   "r1",
		Target:  "8.8.8.8",
		Mode:    model.ModePing,
		Status:  model.JobPending,
		Created: created,
	}

	rec := model.RecordFromJob(job)
	require.Equal(t, "Health check in progress...", rec.Summary)
	require.Equal(t, created, rec.Timestamp)
	require.Nil(t, rec.Result)

	job.Status = model.JobCompleted
	job.Result = &model.Result{Score: 100, Summary: "Connection appears healthy."}
	rec = model.RecordFromJob(job)
	require.Equal(t, 100.0, rec.Score)
	require.Equal(t, "Connection appears healthy.", rec.Summary)

	job.Status = model.JobCancelled
	job.Result = nil
	rec = model.RecordFromJob(job)
	require.Nil(t, rec.Result)
	require.True(t, rec.Status.Terminal())
}
