package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/calendar"
	"github.com/quartznet/quartznet-sub011/internal/domain"
)

type tx struct {
	b    *Backend
	tx   *sql.Tx
	held []string
	done bool
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	err := t.tx.Commit()
	t.release()
	if err != nil {
		return fmt.Errorf("sqldb: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	err := t.tx.Rollback()
	t.release()
	return err
}

// release frees locks obtained outside the transaction, in reverse order.
func (t *tx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		if err := t.b.sem.Release(context.Background(), t.held[i]); err != nil {
			t.b.logger.Warn().Err(err).Str("lock", t.held[i]).Msg("lock release failed")
		}
	}
	t.held = nil
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := t.tx.ExecContext(ctx, t.b.dialect.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.b.dialect.Rebind(query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.b.dialect.Rebind(query), args...)
}

// strings runs a query returning one text column.
func (t *tx) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func millis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.UnixMilli(n.Int64).UTC()
}

func encodeData(m domain.JobDataMap) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode job data: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeData(s sql.NullString) (domain.JobDataMap, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m domain.JobDataMap
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode job data: %w", err)
	}
	return m, nil
}

// inStates appends "AND col IN (...)" for a non-empty state list.
func inStates(query string, args []any, col string, states []domain.TriggerState) (string, []any) {
	if len(states) == 0 {
		return query, args
	}
	marks := make([]string, len(states))
	for i, s := range states {
		marks[i] = "?"
		args = append(args, string(s))
	}
	return query + " AND " + col + " IN (" + strings.Join(marks, ", ") + ")", args
}

// Jobs.

func (t *tx) InsertJob(ctx context.Context, job domain.JobDetail) error {
	data, err := encodeData(job.Data)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, queryInsertJob, t.b.schedName, job.Key.Name, job.Key.Group, job.Description, job.JobType,
		job.Durable, job.DisallowConcurrent, job.PersistDataAfterExecution, job.RequestsRecovery, data)
	return err
}

func (t *tx) UpdateJob(ctx context.Context, job domain.JobDetail) error {
	data, err := encodeData(job.Data)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, queryUpdateJob, job.Description, job.JobType, job.Durable, job.DisallowConcurrent,
		job.PersistDataAfterExecution, job.RequestsRecovery, data, t.b.schedName, job.Key.Name, job.Key.Group)
	return err
}

func (t *tx) UpdateJobData(ctx context.Context, key domain.JobKey, data domain.JobDataMap) error {
	enc, err := encodeData(data)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, queryUpdateJobData, enc, t.b.schedName, key.Name, key.Group)
	return err
}

func (t *tx) SelectJob(ctx context.Context, key domain.JobKey) (domain.JobDetail, bool, error) {
	job := domain.JobDetail{Key: key}
	var data sql.NullString
	err := t.queryRow(ctx, querySelectJob, t.b.schedName, key.Name, key.Group).Scan(
		&job.Description,
		&job.JobType,
		&job.Durable,
		&job.DisallowConcurrent,
		&job.PersistDataAfterExecution,
		&job.RequestsRecovery,
		&data,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobDetail{}, false, nil
	}
	if err != nil {
		return domain.JobDetail{}, false, err
	}
	if job.Data, err = decodeData(data); err != nil {
		return domain.JobDetail{}, false, err
	}
	return job, true, nil
}

func (t *tx) DeleteJob(ctx context.Context, key domain.JobKey) (bool, error) {
	n, err := t.exec(ctx, queryDeleteJob, t.b.schedName, key.Name, key.Group)
	return n > 0, err
}

func (t *tx) SelectJobKeys(ctx context.Context, group string) ([]domain.JobKey, error) {
	q, args := querySelectJobKeys, []any{t.b.schedName}
	if group != "" {
		q += " AND job_group = ?"
		args = append(args, group)
	}
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobKey
	for rows.Next() {
		var k domain.JobKey
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (t *tx) SelectJobGroups(ctx context.Context) ([]string, error) {
	return t.strings(ctx, querySelectJobGroups, t.b.schedName)
}

// Triggers.

// simprop holds the parameters of daily and calendar-interval schedules.
type simprop struct {
	StartTimeOfDay             string `json:"start_time_of_day,omitempty"`
	EndTimeOfDay               string `json:"end_time_of_day,omitempty"`
	DaysOfWeek                 []int  `json:"days_of_week,omitempty"`
	Interval                   int    `json:"interval"`
	Unit                       string `json:"unit"`
	RepeatCount                int    `json:"repeat_count,omitempty"`
	TimeZone                   string `json:"time_zone,omitempty"`
	PreserveHourOfDayAcrossDST bool   `json:"preserve_hour_of_day_across_dst,omitempty"`
	SkipDayIfHourDoesNotExist  bool   `json:"skip_day_if_hour_does_not_exist,omitempty"`
}

func (t *tx) writeTrigger(ctx context.Context, query string, tr domain.Trigger, state domain.TriggerState, insert bool) error {
	if tr.Schedule == nil {
		return fmt.Errorf("trigger %s has no schedule", tr.Key)
	}
	data, err := encodeData(tr.Data)
	if err != nil {
		return err
	}

	cols := []any{
		tr.JobKey.Name, tr.JobKey.Group, tr.Description,
		millis(tr.NextFireTime), millis(tr.PreviousFireTime), millis(tr.ScheduledFireTime),
		tr.TimesTriggered, tr.Priority, string(state), string(tr.Schedule.Kind()),
		millis(tr.StartTime), millis(tr.EndTime), tr.CalendarName, string(tr.MisfireInstruction), data,
	}
	key := []any{t.b.schedName, tr.Key.Name, tr.Key.Group}
	var args []any
	if insert {
		args = append(key, cols...)
	} else {
		args = append(cols, key...)
	}
	if _, err := t.exec(ctx, query, args...); err != nil {
		return err
	}
	return t.insertSchedule(ctx, tr)
}

func (t *tx) insertSchedule(ctx context.Context, tr domain.Trigger) error {
	var err error
	switch s := tr.Schedule.(type) {
	case domain.SimpleSchedule:
		_, err = t.exec(ctx, queryInsertSimpleTrigger, t.b.schedName, tr.Key.Name, tr.Key.Group,
			s.RepeatCount, s.RepeatInterval.Milliseconds())
	case domain.CronSchedule:
		_, err = t.exec(ctx, queryInsertCronTrigger, t.b.schedName, tr.Key.Name, tr.Key.Group,
			s.Expression, s.TimeZone)
	case domain.DailyTimeIntervalSchedule:
		p := simprop{
			StartTimeOfDay: s.StartTimeOfDay.String(),
			EndTimeOfDay:   s.EndTimeOfDay.String(),
			Interval:       s.Interval,
			Unit:           string(s.Unit),
			RepeatCount:    s.RepeatCount,
			TimeZone:       s.TimeZone,
		}
		for _, d := range s.DaysOfWeek {
			p.DaysOfWeek = append(p.DaysOfWeek, int(d))
		}
		err = t.insertSimprop(ctx, tr.Key, p)
	case domain.CalendarIntervalSchedule:
		err = t.insertSimprop(ctx, tr.Key, simprop{
			Interval:                   s.Interval,
			Unit:                       string(s.Unit),
			TimeZone:                   s.TimeZone,
			PreserveHourOfDayAcrossDST: s.PreserveHourOfDayAcrossDST,
			SkipDayIfHourDoesNotExist:  s.SkipDayIfHourDoesNotExist,
		})
	default:
		err = fmt.Errorf("unsupported schedule %T", tr.Schedule)
	}
	return err
}

func (t *tx) insertSimprop(ctx context.Context, key domain.TriggerKey, p simprop) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, queryInsertSimpropTrigger, t.b.schedName, key.Name, key.Group, string(b))
	return err
}

func (t *tx) deleteSchedule(ctx context.Context, key domain.TriggerKey) error {
	for _, table := range scheduleTables {
		if _, err := t.exec(ctx, fmt.Sprintf(queryDeleteScheduleRow, table), t.b.schedName, key.Name, key.Group); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) InsertTrigger(ctx context.Context, tr domain.Trigger, state domain.TriggerState) error {
	return t.writeTrigger(ctx, queryInsertTrigger, tr, state, true)
}

func (t *tx) UpdateTrigger(ctx context.Context, tr domain.Trigger, state domain.TriggerState) error {
	if err := t.deleteSchedule(ctx, tr.Key); err != nil {
		return err
	}
	return t.writeTrigger(ctx, queryUpdateTrigger, tr, state, false)
}

func (t *tx) selectTriggers(ctx context.Context, where string, args ...any) ([]domain.Trigger, error) {
	rows, err := t.query(ctx, querySelectTriggers+where, append([]any{t.b.schedName}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func scanTrigger(rows *sql.Rows) (domain.Trigger, error) {
	var (
		tr                        domain.Trigger
		nft, pft, sft, start, end sql.NullInt64
		state, kind, misfire      string
		data                      sql.NullString
		repeatCount, repeatMillis sql.NullInt64
		expr, tz, props           sql.NullString
	)
	err := rows.Scan(
		&tr.Key.Name, &tr.Key.Group, &tr.JobKey.Name, &tr.JobKey.Group, &tr.Description,
		&nft, &pft, &sft, &tr.TimesTriggered, &tr.Priority,
		&state, &kind, &start, &end, &tr.CalendarName, &misfire, &data,
		&repeatCount, &repeatMillis, &expr, &tz, &props,
	)
	if err != nil {
		return tr, err
	}
	tr.NextFireTime = fromMillis(nft)
	tr.PreviousFireTime = fromMillis(pft)
	tr.ScheduledFireTime = fromMillis(sft)
	tr.StartTime = fromMillis(start)
	tr.EndTime = fromMillis(end)
	tr.State = domain.TriggerState(state)
	tr.MisfireInstruction = domain.MisfireInstruction(misfire)
	if tr.Data, err = decodeData(data); err != nil {
		return tr, err
	}

	switch domain.ScheduleKind(kind) {
	case domain.KindSimple:
		tr.Schedule = domain.SimpleSchedule{
			RepeatCount:    int(repeatCount.Int64),
			RepeatInterval: time.Duration(repeatMillis.Int64) * time.Millisecond,
		}
	case domain.KindCron:
		tr.Schedule = domain.CronSchedule{Expression: expr.String, TimeZone: tz.String}
	case domain.KindDailyTimeWindow, domain.KindCalendarInterval:
		var p simprop
		if err := json.Unmarshal([]byte(props.String), &p); err != nil {
			return tr, fmt.Errorf("decode schedule of %s: %w", tr.Key, err)
		}
		if tr.Schedule, err = p.schedule(domain.ScheduleKind(kind)); err != nil {
			return tr, fmt.Errorf("decode schedule of %s: %w", tr.Key, err)
		}
	default:
		return tr, fmt.Errorf("trigger %s has unknown type %q", tr.Key, kind)
	}
	return tr, nil
}

func (p simprop) schedule(kind domain.ScheduleKind) (domain.Schedule, error) {
	if kind == domain.KindCalendarInterval {
		return domain.CalendarIntervalSchedule{
			Interval:                   p.Interval,
			Unit:                       domain.IntervalUnit(p.Unit),
			TimeZone:                   p.TimeZone,
			PreserveHourOfDayAcrossDST: p.PreserveHourOfDayAcrossDST,
			SkipDayIfHourDoesNotExist:  p.SkipDayIfHourDoesNotExist,
		}, nil
	}
	start, err := domain.ParseTimeOfDay(p.StartTimeOfDay)
	if err != nil {
		return nil, err
	}
	end, err := domain.ParseTimeOfDay(p.EndTimeOfDay)
	if err != nil {
		return nil, err
	}
	s := domain.DailyTimeIntervalSchedule{
		StartTimeOfDay: start,
		EndTimeOfDay:   end,
		Interval:       p.Interval,
		Unit:           domain.IntervalUnit(p.Unit),
		RepeatCount:    p.RepeatCount,
		TimeZone:       p.TimeZone,
	}
	for _, d := range p.DaysOfWeek {
		s.DaysOfWeek = append(s.DaysOfWeek, time.Weekday(d))
	}
	return s, nil
}

const whereTriggerKey = " AND t.trigger_name = ? AND t.trigger_group = ?"

func (t *tx) SelectTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, bool, error) {
	found, err := t.selectTriggers(ctx, whereTriggerKey, key.Name, key.Group)
	if err != nil || len(found) == 0 {
		return domain.Trigger{}, false, err
	}
	return found[0], true, nil
}

func (t *tx) DeleteTrigger(ctx context.Context, key domain.TriggerKey) (bool, error) {
	if err := t.deleteSchedule(ctx, key); err != nil {
		return false, err
	}
	n, err := t.exec(ctx, queryDeleteTrigger, t.b.schedName, key.Name, key.Group)
	return n > 0, err
}

func (t *tx) SelectTriggerState(ctx context.Context, key domain.TriggerKey) (domain.TriggerState, error) {
	var state string
	err := t.queryRow(ctx, querySelectTriggerState, t.b.schedName, key.Name, key.Group).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateNone, nil
	}
	return domain.TriggerState(state), err
}

func (t *tx) updateStates(ctx context.Context, where string, whereArgs []any, state domain.TriggerState, old []domain.TriggerState) (int, error) {
	q := queryUpdateTriggerStates + where
	args := append([]any{string(state), t.b.schedName}, whereArgs...)
	q, args = inStates(q, args, "trigger_state", old)
	return t.exec(ctx, q, args...)
}

func (t *tx) UpdateTriggerState(ctx context.Context, key domain.TriggerKey, state domain.TriggerState, old ...domain.TriggerState) (int, error) {
	return t.updateStates(ctx, " AND trigger_name = ? AND trigger_group = ?", []any{key.Name, key.Group}, state, old)
}

func (t *tx) UpdateJobTriggerStates(ctx context.Context, job domain.JobKey, state domain.TriggerState, old ...domain.TriggerState) (int, error) {
	return t.updateStates(ctx, " AND job_name = ? AND job_group = ?", []any{job.Name, job.Group}, state, old)
}

func (t *tx) UpdateGroupTriggerStates(ctx context.Context, group string, state domain.TriggerState, old ...domain.TriggerState) (int, error) {
	return t.updateStates(ctx, " AND trigger_group = ?", []any{group}, state, old)
}

func (t *tx) UpdateAllTriggerStates(ctx context.Context, state domain.TriggerState, old ...domain.TriggerState) (int, error) {
	return t.updateStates(ctx, "", nil, state, old)
}

func (t *tx) SelectTriggersForJob(ctx context.Context, job domain.JobKey) ([]domain.Trigger, error) {
	return t.selectTriggers(ctx, " AND t.job_name = ? AND t.job_group = ?", job.Name, job.Group)
}

func (t *tx) SelectTriggersForCalendar(ctx context.Context, name string) ([]domain.Trigger, error) {
	return t.selectTriggers(ctx, " AND t.calendar_name = ?", name)
}

func (t *tx) triggerKeys(ctx context.Context, query string, args ...any) ([]domain.TriggerKey, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TriggerKey
	for rows.Next() {
		var k domain.TriggerKey
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (t *tx) SelectTriggerKeys(ctx context.Context, group string) ([]domain.TriggerKey, error) {
	if group == "" {
		return t.triggerKeys(ctx, querySelectTriggerKeys, t.b.schedName)
	}
	return t.triggerKeys(ctx, querySelectTriggerKeys+" AND trigger_group = ?", t.b.schedName, group)
}

func (t *tx) SelectTriggerGroups(ctx context.Context) ([]string, error) {
	return t.strings(ctx, querySelectTriggerGroups, t.b.schedName)
}

func (t *tx) SelectTriggerKeysInState(ctx context.Context, state domain.TriggerState) ([]domain.TriggerKey, error) {
	return t.triggerKeys(ctx, querySelectTriggerKeys+" AND trigger_state = ?", t.b.schedName, string(state))
}

func (t *tx) SelectTriggersToAcquire(ctx context.Context, noLaterThan time.Time, limit int) ([]domain.TriggerKey, error) {
	return t.triggerKeys(ctx, querySelectTriggersToAcquire,
		t.b.schedName, string(domain.StateWaiting), noLaterThan.UnixMilli(), limit)
}

// Fired triggers.

func (t *tx) InsertFiredTrigger(ctx context.Context, f domain.FiredTrigger) error {
	_, err := t.exec(ctx, queryInsertFiredTrigger, t.b.schedName, f.FireInstanceID,
		f.TriggerKey.Name, f.TriggerKey.Group, f.JobKey.Name, f.JobKey.Group, f.InstanceID,
		f.FiredAt.UnixMilli(), millis(f.ScheduledAt), f.Priority, string(f.State),
		f.DisallowConcurrent, f.RequestsRecovery)
	return err
}

func (t *tx) UpdateFiredTrigger(ctx context.Context, f domain.FiredTrigger) error {
	_, err := t.exec(ctx, queryUpdateFiredTrigger,
		f.TriggerKey.Name, f.TriggerKey.Group, f.JobKey.Name, f.JobKey.Group, f.InstanceID,
		f.FiredAt.UnixMilli(), millis(f.ScheduledAt), f.Priority, string(f.State),
		f.DisallowConcurrent, f.RequestsRecovery, t.b.schedName, f.FireInstanceID)
	return err
}

func (t *tx) firedTriggers(ctx context.Context, where string, args ...any) ([]domain.FiredTrigger, error) {
	rows, err := t.query(ctx, querySelectFiredTriggers+where, append([]any{t.b.schedName}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FiredTrigger
	for rows.Next() {
		var (
			f       domain.FiredTrigger
			firedAt int64
			sched   sql.NullInt64
			state   string
		)
		err := rows.Scan(
			&f.FireInstanceID,
			&f.TriggerKey.Name, &f.TriggerKey.Group,
			&f.JobKey.Name, &f.JobKey.Group,
			&f.InstanceID,
			&firedAt, &sched,
			&f.Priority, &state,
			&f.DisallowConcurrent, &f.RequestsRecovery,
		)
		if err != nil {
			return nil, err
		}
		f.FiredAt = time.UnixMilli(firedAt).UTC()
		f.ScheduledAt = fromMillis(sched)
		f.State = domain.TriggerState(state)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (t *tx) SelectFiredTrigger(ctx context.Context, id string) (domain.FiredTrigger, bool, error) {
	found, err := t.firedTriggers(ctx, " AND entry_id = ?", id)
	if err != nil || len(found) == 0 {
		return domain.FiredTrigger{}, false, err
	}
	return found[0], true, nil
}

func (t *tx) SelectFiredTriggersForJob(ctx context.Context, job domain.JobKey) ([]domain.FiredTrigger, error) {
	return t.firedTriggers(ctx, " AND job_name = ? AND job_group = ?", job.Name, job.Group)
}

func (t *tx) SelectFiredTriggersForInstance(ctx context.Context, instanceID string) ([]domain.FiredTrigger, error) {
	return t.firedTriggers(ctx, " AND instance_name = ?", instanceID)
}

func (t *tx) SelectFiredTriggerInstances(ctx context.Context) ([]string, error) {
	return t.strings(ctx, querySelectFiredTriggerInstances, t.b.schedName)
}

func (t *tx) DeleteFiredTrigger(ctx context.Context, id string) error {
	_, err := t.exec(ctx, queryDeleteFiredTrigger, t.b.schedName, id)
	return err
}

// Calendars.

func (t *tx) UpsertCalendar(ctx context.Context, name string, cal domain.Calendar) error {
	b, err := calendar.Marshal(cal)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, queryUpsertCalendar, t.b.schedName, name, string(b))
	return err
}

func (t *tx) SelectCalendar(ctx context.Context, name string) (domain.Calendar, bool, error) {
	var raw string
	err := t.queryRow(ctx, querySelectCalendar, t.b.schedName, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cal, err := calendar.Unmarshal([]byte(raw))
	if err != nil {
		return nil, false, fmt.Errorf("calendar %q: %w", name, err)
	}
	return cal, true, nil
}

func (t *tx) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	n, err := t.exec(ctx, queryDeleteCalendar, t.b.schedName, name)
	return n > 0, err
}

func (t *tx) SelectCalendarNames(ctx context.Context) ([]string, error) {
	return t.strings(ctx, querySelectCalendarNames, t.b.schedName)
}

// Paused groups.

func (t *tx) InsertPausedTriggerGroup(ctx context.Context, group string) error {
	_, err := t.exec(ctx, queryInsertPausedGroup, t.b.schedName, group)
	return err
}

func (t *tx) DeletePausedTriggerGroup(ctx context.Context, group string) error {
	_, err := t.exec(ctx, queryDeletePausedGroup, t.b.schedName, group)
	return err
}

func (t *tx) IsTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	found, err := t.strings(ctx, querySelectPausedGroup, t.b.schedName, group)
	return len(found) > 0, err
}

func (t *tx) SelectPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return t.strings(ctx, querySelectPausedGroups, t.b.schedName)
}

// Scheduler instances.

func (t *tx) UpsertSchedulerState(ctx context.Context, inst domain.SchedulerInstance) error {
	_, err := t.exec(ctx, queryUpsertSchedulerState, t.b.schedName, inst.InstanceID,
		inst.LastCheckin.UnixMilli(), inst.CheckinInterval.Milliseconds())
	return err
}

func (t *tx) SelectSchedulerStates(ctx context.Context) ([]domain.SchedulerInstance, error) {
	rows, err := t.query(ctx, querySelectSchedulerStates, t.b.schedName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SchedulerInstance
	for rows.Next() {
		var (
			inst              domain.SchedulerInstance
			checkin, interval int64
		)
		if err := rows.Scan(&inst.InstanceID, &checkin, &interval); err != nil {
			return nil, err
		}
		inst.LastCheckin = time.UnixMilli(checkin).UTC()
		inst.CheckinInterval = time.Duration(interval) * time.Millisecond
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (t *tx) DeleteSchedulerState(ctx context.Context, instanceID string) error {
	_, err := t.exec(ctx, queryDeleteSchedulerState, t.b.schedName, instanceID)
	return err
}
