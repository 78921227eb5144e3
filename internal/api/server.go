package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"companion-jobs/internal/config"
	"companion-jobs/internal/deadletter"
	"companion-jobs/internal/models"
	"companion-jobs/internal/ratelimit"
	"companion-jobs/internal/store"
	"companion-jobs/internal/telemetry"
	"companion-jobs/internal/worker"
)

// JobStore is the persistence surface used by the HTTP handlers.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
	ListJobs(ctx context.Context, f store.ListFilter) ([]models.Job, error)
	Ping(ctx context.Context) error
}

// PayloadValidator checks a payload against the handler registered for its type.
type PayloadValidator interface {
	Validate(jobType string, payload json.RawMessage) error
}

type Limiter interface {
	Allow(ctx context.Context, userID string) (ratelimit.Decision, error)
}

type DeadLetters interface {
	Peek(ctx context.Context, count int64) ([]deadletter.Entry, error)
}

type Dispatcher interface {
	Run(ctx context.Context) (worker.Summary, error)
}

// Deps are the collaborators of the API. Limiter, DeadLetters and Dispatcher are optional.
type Deps struct {
	Store       JobStore
	Validator   PayloadValidator
	Limiter     Limiter
	DeadLetters DeadLetters
	Dispatcher  Dispatcher
	Logger      zerolog.Logger
}

// Server wires HTTP handlers for producers, operators and the dispatch trigger.
type Server struct {
	cfg  config.Config
	deps Deps
	log  zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, log: deps.Logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleJobEvents)
	r.Get("/dlq", s.handleDLQ)

	r.With(cors).Post("/dispatch", s.handleDispatch)
	r.With(cors).Options("/dispatch", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// enqueueRequest uses the same snake_case keys as the job it creates.
type enqueueRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	UserID     string          `json:"user_id"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	RunAt      *time.Time      `json:"run_at"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required", nil)
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		req.Payload = json.RawMessage(`{}`)
	}
	if err := s.deps.Validator.Validate(req.Type, req.Payload); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, worker.ErrNoHandler) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, "invalid job", err)
		return
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = s.cfg.DefaultMaxRetries
	}

	if s.deps.Limiter != nil {
		d, err := s.deps.Limiter.Allow(r.Context(), req.UserID)
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error", nil)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited", nil)
			return
		}
	}

	job, err := s.deps.Store.CreateJob(r.Context(), store.CreateJobParams{
		Type:       req.Type,
		UserID:     req.UserID,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		NotBefore:  req.RunAt,
	})
	if err != nil {
		s.log.Error().Err(err).Str("job_type", req.Type).Msg("create job")
		writeError(w, http.StatusInternalServerError, "enqueue failed", err)
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Type).Inc()
	s.log.Info().Str("job_id", job.ID).Str("job_type", job.Type).Str("user_id", job.UserID).Msg("job enqueued")

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetJob(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	events, err := s.deps.Store.ListEvents(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		Status: models.Status(q.Get("status")),
		Type:   q.Get("type"),
		UserID: q.Get("user_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status", nil)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		f.Limit = n
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []deadletter.Entry{}})
		return
	}
	items, err := s.deps.DeadLetters.Peek(r.Context(), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("read dlq")
		writeError(w, http.StatusInternalServerError, "failed to read dlq", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type dispatchError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleDispatch runs one dispatcher invocation. Missing configuration fails
// before any job is touched.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Validate(); err != nil {
		s.log.Error().Err(err).Msg("dispatch rejected")
		writeJSON(w, http.StatusInternalServerError, dispatchError{Error: "Configuration error", Message: err.Error()})
		return
	}
	if s.deps.Dispatcher == nil {
		writeJSON(w, http.StatusInternalServerError, dispatchError{Error: "Configuration error", Message: "dispatcher is not configured"})
		return
	}

	sum, err := s.deps.Dispatcher.Run(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("dispatch invocation failed")
		writeJSON(w, http.StatusInternalServerError, dispatchError{Error: "Failed to process jobs", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	s.log.Error().Err(err).Msg("store error")
	writeError(w, http.StatusInternalServerError, "internal error", nil)
}

// cors allows browser clients to trigger a dispatch.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["message"] = err.Error()
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
