package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/quartznet/quartznet-sub011/internal/calendar"
)

type GroupsResponse struct {
	JobGroups     []string `json:"job_groups"`
	TriggerGroups []string `json:"trigger_groups"`
}

type CalendarResponse struct {
	Name string `json:"name"`
	calendar.Spec
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	jobGroups, err := h.sched.JobGroupNames(r.Context())
	if err != nil {
		h.writeSchedulerError(w, "list groups", err)
		return
	}
	triggerGroups, err := h.sched.TriggerGroupNames(r.Context())
	if err != nil {
		h.writeSchedulerError(w, "list groups", err)
		return
	}
	writeJSON(w, http.StatusOK, GroupsResponse{JobGroups: nonNil(jobGroups), TriggerGroups: nonNil(triggerGroups)})
}

func (h *Handler) listCalendars(w http.ResponseWriter, r *http.Request) {
	names, err := h.sched.CalendarNames(r.Context())
	if err != nil {
		h.writeSchedulerError(w, "list calendars", err)
		return
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, ListNamesResponse{Names: nonNil(names)})
}

func (h *Handler) getCalendar(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cal, err := h.sched.GetCalendar(r.Context(), name)
	if err != nil {
		h.writeSchedulerError(w, "get calendar", err)
		return
	}
	spec, err := calendar.Describe(cal)
	if err != nil {
		h.writeSchedulerError(w, "get calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, CalendarResponse{Name: name, Spec: spec})
}

// putCalendar stores or replaces a calendar. ?update_triggers=true
// recomputes the next fire time of triggers already using it.
func (h *Handler) putCalendar(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var spec calendar.Spec
	if !decodeBody(w, r, &spec) {
		return
	}
	cal, err := spec.Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updateTriggers := r.URL.Query().Get("update_triggers") == "true"
	if err := h.sched.AddCalendar(r.Context(), name, cal, true, updateTriggers); err != nil {
		h.writeSchedulerError(w, "store calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, CalendarResponse{Name: name, Spec: spec})
}

func (h *Handler) deleteCalendar(w http.ResponseWriter, r *http.Request) {
	found, err := h.sched.DeleteCalendar(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeSchedulerError(w, "delete calendar", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "calendar not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listExecuting(w http.ResponseWriter, r *http.Request) {
	running := h.sched.GetCurrentlyExecutingJobs()
	resp := ListExecutionsResponse{Executions: make([]ExecutionResponse, len(running))}
	for i, e := range running {
		resp.Executions[i] = ExecutionResponse{
			FireInstanceID: e.FireInstanceID,
			Job:            e.JobKey.String(),
			Trigger:        e.TriggerKey.String(),
			FireTime:       formatTime(e.FireTime),
			StartedAt:      formatTime(e.StartedAt),
			RefireCount:    e.RefireCount,
			Recovering:     e.Recovering,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) interruptExecution(w http.ResponseWriter, r *http.Request) {
	if !h.sched.InterruptFire(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Start(r.Context()); err != nil {
		h.writeSchedulerError(w, "start scheduler", err)
		return
	}
	h.logger.Info().Msg("scheduler started via api")
	h.status(w, r)
}

func (h *Handler) standby(w http.ResponseWriter, r *http.Request) {
	h.sched.Standby()
	h.logger.Info().Msg("scheduler put in standby via api")
	h.status(w, r)
}

func (h *Handler) pauseAll(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.PauseAll(r.Context()); err != nil {
		h.writeSchedulerError(w, "pause all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resumeAll(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ResumeAll(r.Context()); err != nil {
		h.writeSchedulerError(w, "resume all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
