package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/ispchecker/ispchecker/internal/ratelimit"
	"github.com/ispchecker/ispchecker/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	maxBody      = 1 << 20
)

// runRequest either starts a check (no probes) or submits a measured report.
type runRequest struct {
	Target    string               `json:"target"`
	Mode      string               `json:"mode"`
	Timestamp time.Time            `json:"timestamp,omitzero"`
	Score     float64              `json:"score"`
	Summary   string               `json:"summary"`
	Probes    []model.ProbeOutcome `json:"probes"`
	Diagnosis []model.Diagnosis    `json:"diagnosis"`
	Raw       map[string]any       `json:"raw"`
}

type runCreated struct {
	RunID  string          `json:"run_id"`
	Status model.JobStatus `json:"status"`
}

// runView is a run as returned by the API.
type runView struct {
	RunID     string               `json:"run_id"`
	Timestamp time.Time            `json:"timestamp"`
	Target    string               `json:"target"`
	Mode      string               `json:"mode"`
	Status    model.JobStatus      `json:"status"`
	Score     float64              `json:"score"`
	Summary   string               `json:"summary"`
	Probes    []model.ProbeOutcome `json:"probes"`
	Diagnosis []model.Diagnosis    `json:"diagnosis"`
	Raw       map[string]any       `json:"raw"`
}

func viewOf(rec model.Record) runView {
	v := runView{
		RunID:     rec.RunID,
		Timestamp: rec.Timestamp,
		Target:    rec.Target,
		Mode:      rec.Mode,
		Status:    rec.Status,
		Score:     rec.Score,
		Summary:   rec.Summary,
		Probes:    []model.ProbeOutcome{},
		Diagnosis: []model.Diagnosis{},
		Raw:       map[string]any{},
	}
	if res := rec.Result; res != nil {
		if res.Probes != nil {
			v.Probes = res.Probes
		}
		if res.Diagnosis != nil {
			v.Diagnosis = res.Diagnosis
		}
		if res.Raw != nil {
			v.Raw = res.Raw
		}
	}
	return v
}

// owner is the client identity when the request carries a bearer token.
func owner(r *http.Request) string {
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return ratelimit.Identify(r)
	}
	return ""
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}

	ctx := r.Context()
	if len(req.Probes) == 0 {
		runID, err := s.runs.Submit(ctx, req.Target, req.Mode, owner(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, runCreated{RunID: runID, Status: model.JobPending})
		return
	}

	res := model.Result{
		Target:    req.Target,
		Mode:      req.Mode,
		Score:     req.Score,
		Summary:   req.Summary,
		Probes:    req.Probes,
		Diagnosis: req.Diagnosis,
		Raw:       req.Raw,
	}
	runID, err := s.runs.Accept(ctx, owner(r), res, req.Timestamp)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runCreated{RunID: runID, Status: model.JobAccepted})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultLimit)
	if err != nil || limit < 1 || limit > maxLimit {
		writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 100")
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusUnprocessableEntity, "offset must not be negative")
		return
	}

	recs, err := s.runs.List(r.Context(), store.Filter{Target: q.Get("target")}, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]runView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.fetch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) getRaw(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.fetch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec).Raw)
}

func (s *Server) getProbes(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.fetch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec).Probes)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Delete(r.Context(), mux.Vars(r)["run_id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	if !s.runs.Cancel(r.Context(), runID) {
		writeError(w, http.StatusConflict, "Run is not in flight")
		return
	}
	writeJSON(w, http.StatusAccepted, runCreated{RunID: runID, Status: model.JobCancelled})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) (model.Record, bool) {
	rec, err := s.runs.Status(r.Context(), mux.Vars(r)["run_id"])
	if err != nil {
		s.fail(w, r, err)
		return model.Record{}, false
	}
	return rec, true
}

// fail maps service errors to responses. Unknown errors are internal.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Run not found")
	case errors.Is(err, model.ErrInvalidTarget):
		writeError(w, http.StatusUnprocessableEntity, "target is required")
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
