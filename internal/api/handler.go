package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/analytics"
	"github.com/quartznet/quartznet-sub011/internal/dispatcher"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/firetime"
	"github.com/quartznet/quartznet-sub011/internal/scheduler"
	"github.com/quartznet/quartznet-sub011/internal/store"
)

// Scheduler is the subset of *scheduler.Scheduler the API drives.
type Scheduler interface {
	ScheduleJob(ctx context.Context, detail domain.JobDetail, t domain.Trigger) (time.Time, error)
	ScheduleTrigger(ctx context.Context, t domain.Trigger) (time.Time, error)
	AddJob(ctx context.Context, detail domain.JobDetail, replace bool) error
	DeleteJob(ctx context.Context, key domain.JobKey) (bool, error)
	UnscheduleJob(ctx context.Context, key domain.TriggerKey) (bool, error)
	RescheduleJob(ctx context.Context, key domain.TriggerKey, t domain.Trigger) (time.Time, error)
	TriggerJob(ctx context.Context, key domain.JobKey, data domain.JobDataMap) (domain.TriggerKey, error)

	PauseTrigger(ctx context.Context, key domain.TriggerKey) error
	PauseTriggers(ctx context.Context, group string) error
	PauseJob(ctx context.Context, key domain.JobKey) error
	PauseJobs(ctx context.Context, group string) error
	PauseAll(ctx context.Context) error
	ResumeTrigger(ctx context.Context, key domain.TriggerKey) error
	ResumeTriggers(ctx context.Context, group string) error
	ResumeJob(ctx context.Context, key domain.JobKey) error
	ResumeJobs(ctx context.Context, group string) error
	ResumeAll(ctx context.Context) error
	PausedTriggerGroups(ctx context.Context) ([]string, error)
	ResetTriggerFromErrorState(ctx context.Context, key domain.TriggerKey) error

	Interrupt(key domain.JobKey) int
	InterruptFire(fireInstanceID string) bool
	GetCurrentlyExecutingJobs() []dispatcher.Running

	AddCalendar(ctx context.Context, name string, cal domain.Calendar, replace, updateTriggers bool) error
	DeleteCalendar(ctx context.Context, name string) (bool, error)
	GetCalendar(ctx context.Context, name string) (domain.Calendar, error)
	CalendarNames(ctx context.Context) ([]string, error)

	GetJob(ctx context.Context, key domain.JobKey) (domain.JobDetail, error)
	GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error)
	GetTriggersOfJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error)
	JobKeys(ctx context.Context, group string) ([]domain.JobKey, error)
	TriggerKeys(ctx context.Context, group string) ([]domain.TriggerKey, error)
	JobGroupNames(ctx context.Context) ([]string, error)
	TriggerGroupNames(ctx context.Context) ([]string, error)

	Start(ctx context.Context) error
	Standby()
	Status() scheduler.Status
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// StatsReader serves per-job fire counts. Optional.
type StatsReader interface {
	Counts(ctx context.Context, key domain.JobKey, at time.Time) (map[analytics.Kind]int64, error)
	Window() time.Duration
}

type Handler struct {
	sched  Scheduler
	db     HealthChecker
	stats  StatsReader
	logger zerolog.Logger
	router chi.Router
	clock  func() time.Time
}

func NewHandler(sched Scheduler) *Handler {
	h := &Handler{
		sched:  sched,
		logger: log.With().Str("component", "api").Logger(),
		clock:  time.Now,
	}
	h.router = h.routes()
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithStats enables GET /jobs/{group}/{name}/stats.
func (h *Handler) WithStats(s StatsReader) *Handler {
	h.stats = s
	return h
}

func (h *Handler) WithLogger(l zerolog.Logger) *Handler {
	h.logger = l.With().Str("component", "api").Logger()
	return h
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Get("/groups", h.listGroups)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Post("/", h.createJob)
		r.Post("/{group}/pause", h.pauseJobGroup)
		r.Post("/{group}/resume", h.resumeJobGroup)
		r.Route("/{group}/{name}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.deleteJob)
			r.Post("/trigger", h.triggerJob)
			r.Post("/pause", h.pauseJob)
			r.Post("/resume", h.resumeJob)
			r.Post("/interrupt", h.interruptJob)
			r.Get("/stats", h.jobStats)
		})
	})

	r.Route("/triggers", func(r chi.Router) {
		r.Get("/", h.listTriggers)
		r.Post("/", h.createTrigger)
		r.Get("/paused-groups", h.pausedGroups)
		r.Post("/{group}/pause", h.pauseTriggerGroup)
		r.Post("/{group}/resume", h.resumeTriggerGroup)
		r.Route("/{group}/{name}", func(r chi.Router) {
			r.Get("/", h.getTrigger)
			r.Put("/", h.rescheduleTrigger)
			r.Delete("/", h.deleteTrigger)
			r.Post("/pause", h.pauseTrigger)
			r.Post("/resume", h.resumeTrigger)
			r.Post("/reset", h.resetTrigger)
		})
	})

	r.Route("/calendars", func(r chi.Router) {
		r.Get("/", h.listCalendars)
		r.Get("/{name}", h.getCalendar)
		r.Put("/{name}", h.putCalendar)
		r.Delete("/{name}", h.deleteCalendar)
	})

	r.Get("/executing", h.listExecuting)
	r.Delete("/executing/{id}", h.interruptExecution)

	r.Route("/scheduler", func(r chi.Router) {
		r.Post("/start", h.start)
		r.Post("/standby", h.standby)
		r.Post("/pause-all", h.pauseAll)
		r.Post("/resume-all", h.resumeAll)
	})
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	st := h.sched.Status()
	switch {
	case st.Shutdown:
		resp.Status = "degraded"
		resp.Components["scheduler"] = "shut down"
	case !st.Healthy:
		resp.Status = "degraded"
		resp.Components["scheduler"] = "unhealthy: cluster check-in failing"
	case st.Standby:
		resp.Components["scheduler"] = "standby"
	default:
		resp.Components["scheduler"] = "running"
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	st := h.sched.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		InstanceID: st.InstanceID,
		Clustered:  st.Clustered,
		Started:    st.Started,
		Standby:    st.Standby,
		Shutdown:   st.Shutdown,
		Healthy:    st.Healthy,
		PoolSize:   st.PoolSize,
		Running:    st.Running,
	})
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody reads a JSON body into v and writes the error response itself
// when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// writeSchedulerError maps scheduler and store errors to status codes.
func (h *Handler) writeSchedulerError(w http.ResponseWriter, op string, err error) {
	switch {
	case scheduler.IsConfiguration(err), errors.Is(err, firetime.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrTriggerNotFound),
		errors.Is(err, store.ErrCalendarNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrObjectAlreadyExists),
		errors.Is(err, store.ErrCalendarInUse),
		errors.Is(err, store.ErrJobMismatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error().Err(err).Str("op", op).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("api: json encode error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
