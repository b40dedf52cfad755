package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"job-lease-guard/internal/coordinator"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/ledger"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/telemetry"
)

// Protocol is the coordinator surface the HTTP API exposes.
type Protocol interface {
	CreateJob(ctx context.Context, jobID string) (models.JobRecord, error)
	Status(ctx context.Context, jobID string) (coordinator.JobStatus, error)
	Outbox(ctx context.Context, jobID string) ([]models.OutboxEvent, error)
	AcquireLease(ctx context.Context, jobID, workerID string, ttl time.Duration) (models.Lease, error)
	RenewLease(ctx context.Context, jobID, workerID string, epoch uint64, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, jobID, workerID string, epoch uint64) (bool, error)
	CompleteJob(ctx context.Context, jobID, workerID string, epoch uint64) error
	RecordProgress(ctx context.Context, jobID, workerID string, epoch uint64) error
	ScanForCrashes(ctx context.Context) ([]models.CrashEvent, error)
	HandleCrash(ctx context.Context, ev models.CrashEvent) (models.CrashOutcome, error)
	ResetQuarantine(ctx context.Context, jobID, operatorID string) (bool, error)
	Quarantined(ctx context.Context, limit int64) ([]string, error)
}

// Limiter throttles acquire attempts per worker.
type Limiter interface {
	Allow(ctx context.Context, workerID string) (bool, float64, error)
}

// Server wires HTTP handlers for workers and operators.
type Server struct {
	svc     Protocol
	limiter Limiter
	log     *slog.Logger
}

// New constructs the API server.
func New(svc Protocol, log *slog.Logger) *Server {
	return &Server{svc: svc, log: logging.OrNop(log)}
}

// WithLimiter enables per-worker throttling of acquire requests.
func (s *Server) WithLimiter(l Limiter) *Server {
	s.limiter = l
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/outbox", s.handleOutbox)
	r.Post("/jobs/{id}/quarantine/reset", s.handleResetQuarantine)

	r.Post("/leases/{job}", s.handleAcquire)
	r.Put("/leases/{job}", s.handleRenew)
	r.Delete("/leases/{job}", s.handleRelease)
	r.Post("/leases/{job}/progress", s.handleProgress)
	r.Post("/leases/{job}/complete", s.handleComplete)

	r.Post("/scans", s.handleScan)
	r.Get("/quarantine", s.handleQuarantined)
	return r
}

type createJobRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	job, err := s.svc.CreateJob(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Outbox(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// leaseRequest carries the holder identity. Epoch is ignored on acquire.
type leaseRequest struct {
	WorkerID   string `json:"worker_id"`
	Epoch      uint64 `json:"epoch"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (req leaseRequest) ttl() time.Duration {
	return time.Duration(req.TTLSeconds) * time.Second
}

func decodeLease(w http.ResponseWriter, r *http.Request, needEpoch bool) (leaseRequest, bool) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return req, false
	}
	if req.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return req, false
	}
	if needEpoch && req.Epoch == 0 {
		http.Error(w, "epoch is required", http.StatusBadRequest)
		return req, false
	}
	if req.TTLSeconds < 0 {
		http.Error(w, "ttl_seconds must not be negative", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLease(w, r, false)
	if !ok {
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.WorkerID)
		if err != nil {
			s.log.Warn("rate limit check failed", "worker_id", req.WorkerID, "err", err)
		} else if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}
	l, err := s.svc.AcquireLease(r.Context(), chi.URLParam(r, "job"), req.WorkerID, req.ttl())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLease(w, r, true)
	if !ok {
		return
	}
	renewed, err := s.svc.RenewLease(r.Context(), chi.URLParam(r, "job"), req.WorkerID, req.Epoch, req.ttl())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !renewed {
		s.writeError(w, lease.ErrLeaseLost)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"renewed": true})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLease(w, r, true)
	if !ok {
		return
	}
	released, err := s.svc.ReleaseLease(r.Context(), chi.URLParam(r, "job"), req.WorkerID, req.Epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLease(w, r, true)
	if !ok {
		return
	}
	if err := s.svc.RecordProgress(r.Context(), chi.URLParam(r, "job"), req.WorkerID, req.Epoch); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeLease(w, r, true)
	if !ok {
		return
	}
	if err := s.svc.CompleteJob(r.Context(), chi.URLParam(r, "job"), req.WorkerID, req.Epoch); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type scanResult struct {
	Event   models.CrashEvent    `json:"event"`
	Outcome *models.CrashOutcome `json:"outcome,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// handleScan runs one detector pass. With ?recover=true each event is also
// handed to crash recovery.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	recoverEvents, _ := strconv.ParseBool(r.URL.Query().Get("recover"))
	events, err := s.svc.ScanForCrashes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	results := make([]scanResult, 0, len(events))
	for _, ev := range events {
		res := scanResult{Event: ev}
		if recoverEvents {
			out, err := s.svc.HandleCrash(r.Context(), ev)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Outcome = &out
			}
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"crashes": results})
}

func (s *Server) handleResetQuarantine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	operator := r.Header.Get("X-Operator-ID")
	if _, err := s.svc.ResetQuarantine(r.Context(), id, operator); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("quarantine reset via api", "job_id", id, "operator_id", operator)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleQuarantined(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ids, err := s.svc.Quarantined(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrJobExists),
		errors.Is(err, lease.ErrLeaseConflict),
		errors.Is(err, lease.ErrCrashPending),
		errors.Is(err, lease.ErrLeaseLost),
		errors.Is(err, ledger.ErrStaleEpoch),
		errors.Is(err, coordinator.ErrNotQuarantined),
		errors.Is(err, coordinator.ErrStaleCrash):
		return http.StatusConflict
	case errors.Is(err, lease.ErrQuarantined):
		return http.StatusLocked
	case errors.Is(err, coordinator.ErrOperatorRequired),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, lease.ErrInvalidTTL):
		return http.StatusBadRequest
	case errors.Is(err, lease.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
