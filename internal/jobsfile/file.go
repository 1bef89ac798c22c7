// Package jobsfile reads calendars, jobs and triggers from a YAML file and
// applies them to a running scheduler, re-applying when the file changes.
package jobsfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/quartznet/quartznet-sub011/internal/calendar"
	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// File is the jobs document. The HTTP API accepts the same shapes as JSON.
type File struct {
	Calendars map[string]calendar.Spec `json:"calendars,omitempty" yaml:"calendars"`
	Jobs      []JobSpec                `json:"jobs,omitempty" yaml:"jobs"`
}

type JobSpec struct {
	Name               string         `json:"name,omitempty" yaml:"name"`
	Group              string         `json:"group,omitempty" yaml:"group"`
	Type               string         `json:"type,omitempty" yaml:"type"`
	Description        string         `json:"description,omitempty" yaml:"description"`
	Durable            bool           `json:"durable,omitempty" yaml:"durable"`
	DisallowConcurrent bool           `json:"disallow_concurrent,omitempty" yaml:"disallow_concurrent"`
	PersistData        bool           `json:"persist_data,omitempty" yaml:"persist_data"`
	RequestsRecovery   bool           `json:"requests_recovery,omitempty" yaml:"requests_recovery"`
	Data               map[string]any `json:"data,omitempty" yaml:"data"`
	Triggers           []TriggerSpec  `json:"triggers,omitempty" yaml:"triggers"`
}

// TriggerSpec describes one trigger. At most one of Cron, Every, Daily and
// CalendarInterval may be set; with none the trigger fires once.
type TriggerSpec struct {
	Name        string         `json:"name,omitempty" yaml:"name"`
	Group       string         `json:"group,omitempty" yaml:"group"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Priority    *int           `json:"priority,omitempty" yaml:"priority"`
	Calendar    string         `json:"calendar,omitempty" yaml:"calendar"`
	Misfire     string         `json:"misfire,omitempty" yaml:"misfire"`
	StartAt     time.Time      `json:"start_at,omitempty" yaml:"start_at"`
	EndAt       time.Time      `json:"end_at,omitempty" yaml:"end_at"`
	Data        map[string]any `json:"data,omitempty" yaml:"data"`

	Cron     string `json:"cron,omitempty" yaml:"cron"`
	TimeZone string `json:"time_zone,omitempty" yaml:"time_zone"`

	Every  string `json:"every,omitempty" yaml:"every"`
	Repeat *int   `json:"repeat,omitempty" yaml:"repeat"`

	Daily            *DailySpec            `json:"daily,omitempty" yaml:"daily"`
	CalendarInterval *CalendarIntervalSpec `json:"calendar_interval,omitempty" yaml:"calendar_interval"`
}

type DailySpec struct {
	Start    string   `json:"start,omitempty" yaml:"start"`
	End      string   `json:"end,omitempty" yaml:"end"`
	Days     []string `json:"days,omitempty" yaml:"days"`
	Interval int      `json:"interval,omitempty" yaml:"interval"`
	Unit     string   `json:"unit,omitempty" yaml:"unit"`
	Repeat   *int     `json:"repeat,omitempty" yaml:"repeat"`
}

type CalendarIntervalSpec struct {
	Interval         int    `json:"interval,omitempty" yaml:"interval"`
	Unit             string `json:"unit,omitempty" yaml:"unit"`
	PreserveHour     bool   `json:"preserve_hour,omitempty" yaml:"preserve_hour"`
	SkipMissingHours bool   `json:"skip_missing_hours,omitempty" yaml:"skip_missing_hours"`
}

// Definitions is a parsed file converted to domain objects.
type Definitions struct {
	Calendars map[string]domain.Calendar
	Jobs      []JobDefinition
}

type JobDefinition struct {
	Detail   domain.JobDetail
	Triggers []domain.Trigger
}

// Load reads and converts the file at path.
func Load(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobsfile: %w", err)
	}
	return Parse(data)
}

// Parse converts a YAML document. Every problem found is reported.
func Parse(data []byte) (*Definitions, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to an empty File.
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("jobsfile: decode: %w", err)
	}
	return f.Build()
}

// Build converts f to domain objects.
func (f File) Build() (*Definitions, error) {
	defs := &Definitions{Calendars: make(map[string]domain.Calendar, len(f.Calendars))}
	var errs []error

	for name, spec := range f.Calendars {
		cal, err := spec.Build()
		if err != nil {
			errs = append(errs, fmt.Errorf("calendar %q: %w", name, err))
			continue
		}
		defs.Calendars[name] = cal
	}

	seenJobs := map[domain.JobKey]bool{}
	seenTriggers := map[domain.TriggerKey]bool{}
	for i, js := range f.Jobs {
		jd, err := js.Build()
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
			continue
		}
		if seenJobs[jd.Detail.Key] {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate job %s", i, jd.Detail.Key))
			continue
		}
		seenJobs[jd.Detail.Key] = true
		for _, t := range jd.Triggers {
			if seenTriggers[t.Key] {
				errs = append(errs, fmt.Errorf("job %s: duplicate trigger %s", jd.Detail.Key, t.Key))
			}
			seenTriggers[t.Key] = true
			if t.CalendarName != "" {
				if _, ok := f.Calendars[t.CalendarName]; !ok {
					errs = append(errs, fmt.Errorf("trigger %s: unknown calendar %q", t.Key, t.CalendarName))
				}
			}
		}
		defs.Jobs = append(defs.Jobs, jd)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("jobsfile: %w", errors.Join(errs...))
	}
	return defs, nil
}

// Build converts the job and its triggers.
func (js JobSpec) Build() (JobDefinition, error) {
	if js.Name == "" {
		return JobDefinition{}, errors.New("name is required")
	}
	if js.Type == "" {
		return JobDefinition{}, fmt.Errorf("job %s: type is required", js.Name)
	}
	detail := domain.JobDetail{
		Key:                       domain.NewJobKey(js.Name, js.Group),
		Description:               js.Description,
		JobType:                   js.Type,
		Durable:                   js.Durable,
		DisallowConcurrent:        js.DisallowConcurrent,
		PersistDataAfterExecution: js.PersistData,
		RequestsRecovery:          js.RequestsRecovery,
		Data:                      domain.JobDataMap(js.Data),
	}
	if len(js.Triggers) == 0 && !js.Durable {
		return JobDefinition{}, fmt.Errorf("job %s: a job without triggers must be durable", detail.Key)
	}

	jd := JobDefinition{Detail: detail}
	for i, ts := range js.Triggers {
		t, err := ts.Build(detail.Key)
		if err != nil {
			return JobDefinition{}, fmt.Errorf("job %s trigger[%d]: %w", detail.Key, i, err)
		}
		jd.Triggers = append(jd.Triggers, t)
	}
	return jd, nil
}

// Build converts the trigger for job.
func (ts TriggerSpec) Build(job domain.JobKey) (domain.Trigger, error) {
	if ts.Name == "" {
		return domain.Trigger{}, errors.New("name is required")
	}
	misfire := domain.MisfireInstruction(ts.Misfire)
	if !misfire.Valid() {
		return domain.Trigger{}, fmt.Errorf("unknown misfire instruction %q", ts.Misfire)
	}
	priority := domain.DefaultPriority
	if ts.Priority != nil {
		priority = *ts.Priority
	}
	t := domain.Trigger{
		Key:                domain.NewTriggerKey(ts.Name, ts.Group),
		JobKey:             job,
		Description:        ts.Description,
		Priority:           priority,
		StartTime:          ts.StartAt,
		EndTime:            ts.EndAt,
		CalendarName:       ts.Calendar,
		MisfireInstruction: misfire,
		Data:               domain.JobDataMap(ts.Data),
	}
	if !t.StartTime.IsZero() {
		t.StartTime = t.StartTime.UTC()
	}
	if !t.EndTime.IsZero() {
		t.EndTime = t.EndTime.UTC()
	}

	set := 0
	for _, on := range []bool{ts.Cron != "", ts.Every != "", ts.Daily != nil, ts.CalendarInterval != nil} {
		if on {
			set++
		}
	}
	if set > 1 {
		return domain.Trigger{}, errors.New("only one of cron, every, daily and calendar_interval may be set")
	}

	switch {
	case ts.Cron != "":
		t.Schedule = domain.CronSchedule{Expression: ts.Cron, TimeZone: ts.TimeZone}
	case ts.Every != "":
		d, err := time.ParseDuration(ts.Every)
		if err != nil || d <= 0 {
			return domain.Trigger{}, fmt.Errorf("every: invalid duration %q", ts.Every)
		}
		t.Schedule = domain.SimpleSchedule{RepeatInterval: d, RepeatCount: repeatOr(ts.Repeat, domain.RepeatIndefinitely)}
	case ts.Daily != nil:
		s, err := ts.Daily.build(ts.TimeZone)
		if err != nil {
			return domain.Trigger{}, err
		}
		t.Schedule = s
	case ts.CalendarInterval != nil:
		ci := ts.CalendarInterval
		t.Schedule = domain.CalendarIntervalSchedule{
			Interval:                   ci.Interval,
			Unit:                       domain.IntervalUnit(ci.Unit),
			TimeZone:                   ts.TimeZone,
			PreserveHourOfDayAcrossDST: ci.PreserveHour,
			SkipDayIfHourDoesNotExist:  ci.SkipMissingHours,
		}
	default:
		t.Schedule = domain.SimpleSchedule{}
	}
	return t, nil
}

func (ds DailySpec) build(tz string) (domain.DailyTimeIntervalSchedule, error) {
	start, err := domain.ParseTimeOfDay(ds.Start)
	if err != nil {
		return domain.DailyTimeIntervalSchedule{}, fmt.Errorf("daily start: %w", err)
	}
	end := domain.TimeOfDay{Hour: 23, Minute: 59, Second: 59}
	if ds.End != "" {
		if end, err = domain.ParseTimeOfDay(ds.End); err != nil {
			return domain.DailyTimeIntervalSchedule{}, fmt.Errorf("daily end: %w", err)
		}
	}
	s := domain.DailyTimeIntervalSchedule{
		StartTimeOfDay: start,
		EndTimeOfDay:   end,
		Interval:       ds.Interval,
		Unit:           domain.IntervalUnit(ds.Unit),
		RepeatCount:    repeatOr(ds.Repeat, domain.RepeatIndefinitely),
		TimeZone:       tz,
	}
	for _, d := range ds.Days {
		wd, err := calendar.ParseWeekday(d)
		if err != nil {
			return domain.DailyTimeIntervalSchedule{}, err
		}
		s.DaysOfWeek = append(s.DaysOfWeek, wd)
	}
	return s, nil
}

func repeatOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
