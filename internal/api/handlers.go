package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/tempcast/internal/forecast"
	"github.com/lox/tempcast/internal/ingest"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/queue"
	"github.com/lox/tempcast/internal/store"
	"github.com/lox/tempcast/internal/train"
)

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, train.ErrInvalidRequest), errors.Is(err, queue.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, forecast.ErrInsufficientHistory), errors.Is(err, forecast.ErrNoCandidate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, store.ErrPublishConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Printf("api: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return v, nil
}

func latLon(r *http.Request) (lat, lon float64, err error) {
	if lat, err = queryFloat(r, "lat"); err != nil {
		return 0, 0, err
	}
	if lon, err = queryFloat(r, "lon"); err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

type jobAccepted struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, kind string, payload any) {
	id, err := s.queue.Submit(r.Context(), kind, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+id)
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: id, State: string(models.JobPending)})
}

type backfillBody struct {
	train.BackfillRequest
	Async bool `json:"async,omitempty"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var body backfillBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Async {
		s.enqueue(w, r, train.KindBackfill, body.BackfillRequest)
		return
	}
	res, err := s.orch.Backfill(r.Context(), body.BackfillRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type trainBody struct {
	train.TrainRequest
	Async bool `json:"async,omitempty"`
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var body trainBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Async {
		s.enqueue(w, r, train.KindTrain, body.TrainRequest)
		return
	}
	res, err := s.orch.Train(r.Context(), body.TrainRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := latLon(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	horizon := models.Horizon(r.URL.Query().Get("horizon"))
	if horizon == "" {
		horizon = models.HorizonDaily
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	set, err := s.orch.Predictions(r.Context(), lat, lon, horizon, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := latLon(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	listing, err := s.orch.Registry(r.Context(), lat, lon)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.queue.List(r.Context(), min(max(limit, 1), 200))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type HealthStatus struct {
	Status      string                     `json:"status"`
	Time        time.Time                  `json:"time"`
	Fetches     []store.FetchHealthSummary `json:"fetches,omitempty"`
	FetchErrors []string                   `json:"fetch_errors,omitempty"`
	Errors      []string                   `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok", Time: time.Now().UTC()}

	if err := s.store.Ping(); err != nil {
		health.Status = "error"
		health.Errors = append(health.Errors, "database: "+err.Error())
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}

	fetches, err := s.store.GetFetchHealth(1)
	if err != nil {
		health.Errors = append(health.Errors, "fetch health: "+err.Error())
	}
	health.Fetches = fetches

	failed, err := s.store.GetRecentFetchErrors(5)
	if err != nil {
		health.Errors = append(health.Errors, "fetch errors: "+err.Error())
	}
	for _, run := range failed {
		health.FetchErrors = append(health.FetchErrors,
			fmt.Sprintf("%s %s %s: %s", run.StartedAt.Format(time.RFC3339), run.Provider, run.LocKey, run.ErrorMessage.String))
	}
	if len(health.Errors) > 0 {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}
