package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/jobsfile"
	"github.com/quartznet/quartznet-sub011/internal/store"
)

func jobKeyParam(r *http.Request) domain.JobKey {
	return domain.NewJobKey(chi.URLParam(r, "name"), chi.URLParam(r, "group"))
}

func triggerKeyParam(r *http.Request) domain.TriggerKey {
	return domain.NewTriggerKey(chi.URLParam(r, "name"), chi.URLParam(r, "group"))
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateCreateJob(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	def, err := req.Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.storeJob(r, def, req.Replace)
	if err != nil {
		h.writeSchedulerError(w, "create job", err)
		return
	}

	resp, err := h.jobResponse(r, def.Detail.Key)
	if err != nil {
		h.writeSchedulerError(w, "create job", err)
		return
	}
	h.logger.Info().Str("job", def.Detail.Key.String()).Int("triggers", n).Msg("job created")
	writeJSON(w, http.StatusCreated, resp)
}

// storeJob stores def and returns how many triggers were scheduled. With
// replace, an existing job is overwritten and each listed trigger is added
// or rescheduled in place.
func (h *Handler) storeJob(r *http.Request, def jobsfile.JobDefinition, replace bool) (int, error) {
	ctx := r.Context()
	exists := false
	if replace {
		_, err := h.sched.GetJob(ctx, def.Detail.Key)
		switch {
		case err == nil:
			exists = true
		case !errors.Is(err, store.ErrJobNotFound):
			return 0, err
		}
	}

	if !exists {
		if len(def.Triggers) == 0 {
			return 0, h.sched.AddJob(ctx, def.Detail, false)
		}
		if _, err := h.sched.ScheduleJob(ctx, def.Detail, def.Triggers[0]); err != nil {
			return 0, err
		}
		for i, t := range def.Triggers[1:] {
			if _, err := h.sched.ScheduleTrigger(ctx, t); err != nil {
				return i + 1, err
			}
		}
		return len(def.Triggers), nil
	}

	// Triggers first so a non-durable job never sits without one.
	for i, t := range def.Triggers {
		_, err := h.sched.GetTrigger(ctx, t.Key)
		switch {
		case err == nil:
			_, err = h.sched.RescheduleJob(ctx, t.Key, t)
		case errors.Is(err, store.ErrTriggerNotFound):
			_, err = h.sched.ScheduleTrigger(ctx, t)
		}
		if err != nil {
			return i, err
		}
	}
	return len(def.Triggers), h.sched.AddJob(ctx, def.Detail, true)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	pg, err := pagerFrom(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	keys, err := h.sched.JobKeys(ctx, r.URL.Query().Get("group"))
	if err != nil {
		h.writeSchedulerError(w, "list jobs", err)
		return
	}
	from, to := pg.window(len(keys))

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, to-from)}
	for _, key := range keys[from:to] {
		detail, err := h.sched.GetJob(ctx, key)
		if err != nil {
			// deleted between the key scan and the read
			continue
		}
		resp.Jobs = append(resp.Jobs, toJobResponse(detail))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	resp, err := h.jobResponse(r, jobKeyParam(r))
	if err != nil {
		h.writeSchedulerError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) jobResponse(r *http.Request, key domain.JobKey) (JobResponse, error) {
	detail, err := h.sched.GetJob(r.Context(), key)
	if err != nil {
		return JobResponse{}, err
	}
	triggers, err := h.sched.GetTriggersOfJob(r.Context(), key)
	if err != nil {
		return JobResponse{}, err
	}
	resp := toJobResponse(detail)
	for _, t := range triggers {
		resp.Triggers = append(resp.Triggers, toTriggerResponse(t))
	}
	return resp, nil
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	key := jobKeyParam(r)
	found, err := h.sched.DeleteJob(r.Context(), key)
	if err != nil {
		h.writeSchedulerError(w, "delete job", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) triggerJob(w http.ResponseWriter, r *http.Request) {
	var req TriggerJobRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	tk, err := h.sched.TriggerJob(r.Context(), jobKeyParam(r), domain.JobDataMap(req.Data))
	if err != nil {
		h.writeSchedulerError(w, "trigger job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ScheduledResponse{Trigger: tk.String(), NextFireTime: formatTime(h.clock())})
}

func (h *Handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.PauseJob(r.Context(), jobKeyParam(r)); err != nil {
		h.writeSchedulerError(w, "pause job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ResumeJob(r.Context(), jobKeyParam(r)); err != nil {
		h.writeSchedulerError(w, "resume job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pauseJobGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.PauseJobs(r.Context(), chi.URLParam(r, "group")); err != nil {
		h.writeSchedulerError(w, "pause job group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resumeJobGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ResumeJobs(r.Context(), chi.URLParam(r, "group")); err != nil {
		h.writeSchedulerError(w, "resume job group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) interruptJob(w http.ResponseWriter, r *http.Request) {
	n := h.sched.Interrupt(jobKeyParam(r))
	writeJSON(w, http.StatusOK, InterruptResponse{Interrupted: n})
}

func (h *Handler) jobStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "analytics disabled")
		return
	}
	key := jobKeyParam(r)
	if _, err := h.sched.GetJob(r.Context(), key); err != nil {
		h.writeSchedulerError(w, "get job stats", err)
		return
	}

	at := h.clock()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid at: %v", err))
			return
		}
		at = parsed
	}

	counts, err := h.stats.Counts(r.Context(), key, at)
	if err != nil {
		h.writeSchedulerError(w, "get job stats", err)
		return
	}
	resp := StatsResponse{
		Job:    key.String(),
		Window: h.stats.Window().String(),
		Bucket: formatTime(at.Truncate(h.stats.Window())),
		Counts: make(map[string]int64, len(counts)),
	}
	for kind, n := range counts {
		resp.Counts[string(kind)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	pg, err := pagerFrom(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	keys, err := h.sched.TriggerKeys(ctx, r.URL.Query().Get("group"))
	if err != nil {
		h.writeSchedulerError(w, "list triggers", err)
		return
	}
	from, to := pg.window(len(keys))

	resp := ListTriggersResponse{Triggers: make([]TriggerResponse, 0, to-from)}
	for _, key := range keys[from:to] {
		t, err := h.sched.GetTrigger(ctx, key)
		if err != nil {
			continue
		}
		resp.Triggers = append(resp.Triggers, toTriggerResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateTrigger(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := req.Build(domain.NewJobKey(req.JobName, req.JobGroup))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next, err := h.sched.ScheduleTrigger(r.Context(), t)
	if err != nil {
		h.writeSchedulerError(w, "create trigger", err)
		return
	}
	writeJSON(w, http.StatusCreated, ScheduledResponse{Trigger: t.Key.String(), NextFireTime: formatTime(next)})
}

func (h *Handler) getTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := h.sched.GetTrigger(r.Context(), triggerKeyParam(r))
	if err != nil {
		h.writeSchedulerError(w, "get trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, toTriggerResponse(t))
}

// rescheduleTrigger replaces the trigger at the path with the body. The new
// trigger keeps the path key unless the body names another one.
func (h *Handler) rescheduleTrigger(w http.ResponseWriter, r *http.Request) {
	key := triggerKeyParam(r)
	var req jobsfile.TriggerSpec
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name, req.Group = key.Name, key.Group
	}
	// RescheduleJob fills in the job key from the replaced trigger.
	t, err := req.Build(domain.JobKey{})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next, err := h.sched.RescheduleJob(r.Context(), key, t)
	if err != nil {
		h.writeSchedulerError(w, "reschedule trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, ScheduledResponse{Trigger: t.Key.String(), NextFireTime: formatTime(next)})
}

func (h *Handler) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	found, err := h.sched.UnscheduleJob(r.Context(), triggerKeyParam(r))
	if err != nil {
		h.writeSchedulerError(w, "delete trigger", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pauseTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.PauseTrigger(r.Context(), triggerKeyParam(r)); err != nil {
		h.writeSchedulerError(w, "pause trigger", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resumeTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ResumeTrigger(r.Context(), triggerKeyParam(r)); err != nil {
		h.writeSchedulerError(w, "resume trigger", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resetTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ResetTriggerFromErrorState(r.Context(), triggerKeyParam(r)); err != nil {
		h.writeSchedulerError(w, "reset trigger", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pauseTriggerGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.PauseTriggers(r.Context(), chi.URLParam(r, "group")); err != nil {
		h.writeSchedulerError(w, "pause trigger group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resumeTriggerGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ResumeTriggers(r.Context(), chi.URLParam(r, "group")); err != nil {
		h.writeSchedulerError(w, "resume trigger group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pausedGroups(w http.ResponseWriter, r *http.Request) {
	names, err := h.sched.PausedTriggerGroups(r.Context())
	if err != nil {
		h.writeSchedulerError(w, "list paused groups", err)
		return
	}
	writeJSON(w, http.StatusOK, ListNamesResponse{Names: nonNil(names)})
}

func toJobResponse(d domain.JobDetail) JobResponse {
	return JobResponse{
		Name:               d.Key.Name,
		Group:              d.Key.Group,
		Type:               d.JobType,
		Description:        d.Description,
		Durable:            d.Durable,
		DisallowConcurrent: d.DisallowConcurrent,
		PersistData:        d.PersistDataAfterExecution,
		RequestsRecovery:   d.RequestsRecovery,
		Data:               d.Data,
	}
}

func toTriggerResponse(t domain.Trigger) TriggerResponse {
	return TriggerResponse{
		Name:             t.Key.Name,
		Group:            t.Key.Group,
		JobName:          t.JobKey.Name,
		JobGroup:         t.JobKey.Group,
		Description:      t.Description,
		State:            string(t.State),
		Priority:         t.Priority,
		Calendar:         t.CalendarName,
		Misfire:          string(t.MisfireInstruction),
		Schedule:         describeSchedule(t.Schedule),
		StartTime:        formatTime(t.StartTime),
		EndTime:          formatTime(t.EndTime),
		NextFireTime:     formatTime(t.NextFireTime),
		PreviousFireTime: formatTime(t.PreviousFireTime),
		TimesTriggered:   t.TimesTriggered,
	}
}

func describeSchedule(s domain.Schedule) string {
	switch s := s.(type) {
	case domain.SimpleSchedule:
		if s.RepeatCount == 0 {
			return "once"
		}
		if s.RepeatCount < 0 {
			return "every " + s.RepeatInterval.String()
		}
		return fmt.Sprintf("every %s, %d more times", s.RepeatInterval, s.RepeatCount)
	case domain.CronSchedule:
		if s.TimeZone != "" {
			return "cron " + s.Expression + " (" + s.TimeZone + ")"
		}
		return "cron " + s.Expression
	case domain.DailyTimeIntervalSchedule:
		return fmt.Sprintf("every %d %s between %s and %s", s.Interval, s.Unit, s.StartTimeOfDay, s.EndTimeOfDay)
	case domain.CalendarIntervalSchedule:
		return fmt.Sprintf("every %d %s", s.Interval, s.Unit)
	case nil:
		return ""
	}
	return string(s.Kind())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
