// Package api exposes the scheduler over HTTP for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/scheduler"
)

// UserHeader carries the operator name recorded on manual runs
const UserHeader = "X-User"

// Service is the subset of the scheduler the HTTP surface drives
type Service interface {
	GetJobStatus(ctx context.Context, jobName string) (*model.ScheduledJob, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.ScheduledJob, error)
	GetJobHistory(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error)
	GetJobStatistics(ctx context.Context, jobID string, windowHours int) ([]*model.JobStatistics, error)
	GetDashboard(ctx context.Context) (*model.Dashboard, error)
	UpdateJob(ctx context.Context, jobName string, update model.JobUpdate) (*model.ScheduledJob, error)
	DeleteJob(ctx context.Context, jobName string, force bool) error
	RunJob(ctx context.Context, jobName, triggeredByUser string) (*model.JobExecution, error)
	PauseJob(ctx context.Context, jobName string) error
	ResumeJob(ctx context.Context, jobName string) error
}

type Server struct {
	r       *chi.Mux
	service Service
	logger  *zap.Logger
}

// NewServer builds the router. metrics may be nil to leave /metrics unrouted.
func NewServer(service Service, metrics http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, service: service, logger: logger.Named("api")}

	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/dashboard", s.dashboard)
		r.Get("/statistics", s.statistics)
		r.Get("/jobs", s.listJobs)
		r.Route("/jobs/{name}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Put("/", s.updateJob)
			r.Delete("/", s.deleteJob)
			r.Get("/history", s.history)
			r.Post("/run", s.runJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := s.service.GetDashboard(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	windowHours, err := queryInt(r, "window_hours")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := s.service.GetJobStatistics(r.Context(), r.URL.Query().Get("job_id"), windowHours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := model.JobFilter{}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid active: "+err.Error(), http.StatusBadRequest)
			return
		}
		filter.ActiveOnly = active
	}
	if v := r.URL.Query().Get("tags"); v != "" {
		filter.Tags = strings.Split(v, ",")
	}

	jobs, err := s.service.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, err := s.service.GetJobStatus(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job == nil {
		http.Error(w, "job not found: "+name, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type updateJobReq struct {
	CronExpression *string        `json:"cron_expression"`
	Timezone       *string        `json:"timezone"`
	Description    *string        `json:"description"`
	HandlerService *string        `json:"handler_service"`
	HandlerMethod  *string        `json:"handler_method"`
	Config         map[string]any `json:"config"`
	Priority       *int           `json:"priority"`
	Tags           []string       `json:"tags"`
	MaxRetries     *int           `json:"max_retries"`
	RetryDelayMs   *int64         `json:"retry_delay_ms"`
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req updateJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.service.UpdateJob(r.Context(), chi.URLParam(r, "name"), model.JobUpdate{
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Description:    req.Description,
		HandlerService: req.HandlerService,
		HandlerMethod:  req.HandlerMethod,
		Config:         req.Config,
		Priority:       req.Priority,
		Tags:           req.Tags,
		MaxRetries:     req.MaxRetries,
		RetryDelayMs:   req.RetryDelayMs,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.service.DeleteJob(r.Context(), chi.URLParam(r, "name"), force); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	executions, err := s.service.GetJobHistory(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	execution, err := s.service.RunJob(r.Context(), chi.URLParam(r, "name"), r.Header.Get(UserHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.PauseJob(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ResumeJob(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidCronExpression),
		errors.Is(err, scheduler.ErrInvalidJob),
		errors.Is(err, scheduler.ErrHandlerNotFound):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrSystemJob):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + key + ": " + v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
