// Package api serves the admin and monitoring endpoints. Everything is
// read-only except cancelling an event.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/breaker"
	"event-dispatcher/internal/models"
	"event-dispatcher/internal/monitor"
	"event-dispatcher/internal/queue"
	"event-dispatcher/internal/scheduler"
	"event-dispatcher/internal/store"
	"event-dispatcher/internal/telemetry"
)

const dlqPeekLimit = 100

// Store is the persistence the admin endpoints read.
type Store interface {
	Ping(ctx context.Context) error
	CountJobsByStatus(ctx context.Context) (map[string]int, error)
	GetEvent(ctx context.Context, id string) (models.Event, error)
	GetJob(ctx context.Context, eventID string) (models.ScheduledJob, error)
	ListAudit(ctx context.Context, eventID string) ([]models.AuditLog, error)
	DeleteEvent(ctx context.Context, id string) (bool, error)
}

type Scheduler interface {
	Snapshot() []scheduler.TrackedJob
	CancelJob(ctx context.Context, eventID string) bool
}

type DeadLetter interface {
	Peek(ctx context.Context, count int64) ([]queue.Entry, error)
	Len(ctx context.Context) (int64, error)
	Remove(ctx context.Context, eventID string) (int64, error)
}

// Deps are the components the server reports on. DeadLetter and Monitor may
// be nil.
type Deps struct {
	Store      Store
	Scheduler  Scheduler
	Breaker    *breaker.Breaker
	Monitor    *monitor.Monitor
	DeadLetter DeadLetter
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	deps Deps
	log  logrus.FieldLogger
}

// New constructs the API server.
func New(deps Deps, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{deps: deps, log: log.WithField("component", "api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/health/memory", s.handleMemory)

	r.Get("/jobs", s.handleJobs)
	r.Get("/jobs/{eventID}", s.handleGetJob)
	r.Delete("/events/{eventID}", s.handleDeleteEvent)
	r.Get("/breaker", s.handleBreaker)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMemory(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusNotFound, "memory monitor disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitor.Stats())
}

type jobsResponse struct {
	Counts  map[string]int         `json:"counts"`
	Tracked []scheduler.TrackedJob `json:"tracked"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.CountJobsByStatus(r.Context())
	if err != nil {
		s.log.WithError(err).Error("count jobs")
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}
	tracked := s.deps.Scheduler.Snapshot()
	if tracked == nil {
		tracked = []scheduler.TrackedJob{}
	}
	writeJSON(w, http.StatusOK, jobsResponse{Counts: counts, Tracked: tracked})
}

type jobResponse struct {
	Event   models.Event        `json:"event"`
	Job     models.ScheduledJob `json:"job"`
	Tracked bool                `json:"tracked"`
	Audit   []models.AuditLog   `json:"audit"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventID")
	ctx := r.Context()

	ev, err := s.deps.Store.GetEvent(ctx, id)
	if err != nil {
		s.storeError(w, err, "failed to load event")
		return
	}
	job, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		s.storeError(w, err, "failed to load job")
		return
	}
	audit, err := s.deps.Store.ListAudit(ctx, id)
	if err != nil {
		s.storeError(w, err, "failed to load audit")
		return
	}
	if audit == nil {
		audit = []models.AuditLog{}
	}
	tracked := false
	for _, tj := range s.deps.Scheduler.Snapshot() {
		if tj.EventID == id {
			tracked = true
			break
		}
	}
	writeJSON(w, http.StatusOK, jobResponse{Event: ev, Job: job, Tracked: tracked, Audit: audit})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventID")
	ctx := r.Context()

	cancelled := s.deps.Scheduler.CancelJob(ctx, id)
	deleted, err := s.deps.Store.DeleteEvent(ctx, id)
	if err != nil {
		s.log.WithError(err).WithField("event_id", id).Error("delete event")
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}
	if !deleted && !cancelled {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if s.deps.DeadLetter != nil {
		if _, err := s.deps.DeadLetter.Remove(ctx, id); err != nil {
			s.log.WithError(err).WithField("event_id", id).Warn("remove dead letter entry")
		}
	}
	s.log.WithFields(logrus.Fields{"event_id": id, "timer_cancelled": cancelled}).Info("event deleted via api")
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "timer_cancelled": cancelled})
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breaker.Stats())
}

// handleDLQ returns the oldest dead-letter entries and the list length.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetter == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []queue.Entry{}, "total": 0, "enabled": false})
		return
	}
	items, err := s.deps.DeadLetter.Peek(r.Context(), dlqPeekLimit)
	if err != nil {
		s.log.WithError(err).Error("peek dead letter")
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	total, err := s.deps.DeadLetter.Len(r.Context())
	if err != nil {
		s.log.WithError(err).Error("dead letter length")
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []queue.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total, "enabled": true})
}

func (s *Server) storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.WithError(err).Error(msg)
	writeError(w, http.StatusInternalServerError, msg)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
