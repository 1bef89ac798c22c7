package sqldb

const queryInsertJob = `
INSERT INTO sched_jobs (sched_name, job_name, job_group, description, job_type,
    is_durable, is_nonconcurrent, is_update_data, requests_recovery, job_data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const queryUpdateJob = `
UPDATE sched_jobs
SET description = ?, job_type = ?, is_durable = ?, is_nonconcurrent = ?,
    is_update_data = ?, requests_recovery = ?, job_data = ?
WHERE sched_name = ? AND job_name = ? AND job_group = ?
`

const queryUpdateJobData = `
UPDATE sched_jobs SET job_data = ?
WHERE sched_name = ? AND job_name = ? AND job_group = ?
`

const querySelectJob = `
SELECT description, job_type, is_durable, is_nonconcurrent, is_update_data, requests_recovery, job_data
FROM sched_jobs
WHERE sched_name = ? AND job_name = ? AND job_group = ?
`

const queryDeleteJob = `
DELETE FROM sched_jobs WHERE sched_name = ? AND job_name = ? AND job_group = ?
`

const querySelectJobKeys = `
SELECT job_name, job_group FROM sched_jobs WHERE sched_name = ?
`

const querySelectJobGroups = `
SELECT DISTINCT job_group FROM sched_jobs WHERE sched_name = ?
`

const queryInsertTrigger = `
INSERT INTO sched_triggers (sched_name, trigger_name, trigger_group, job_name, job_group, description,
    next_fire_time, prev_fire_time, scheduled_fire_time, times_triggered, priority, trigger_state,
    trigger_type, start_time, end_time, calendar_name, misfire_instr, job_data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const queryUpdateTrigger = `
UPDATE sched_triggers
SET job_name = ?, job_group = ?, description = ?, next_fire_time = ?, prev_fire_time = ?,
    scheduled_fire_time = ?, times_triggered = ?, priority = ?, trigger_state = ?, trigger_type = ?,
    start_time = ?, end_time = ?, calendar_name = ?, misfire_instr = ?, job_data = ?
WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?
`

const queryInsertSimpleTrigger = `
INSERT INTO sched_simple_triggers (sched_name, trigger_name, trigger_group, repeat_count, repeat_interval)
VALUES (?, ?, ?, ?, ?)
`

const queryInsertCronTrigger = `
INSERT INTO sched_cron_triggers (sched_name, trigger_name, trigger_group, cron_expression, time_zone_id)
VALUES (?, ?, ?, ?, ?)
`

const queryInsertSimpropTrigger = `
INSERT INTO sched_simprop_triggers (sched_name, trigger_name, trigger_group, props)
VALUES (?, ?, ?, ?)
`

// Schedule tables, deleted child first.
var scheduleTables = []string{"sched_simple_triggers", "sched_cron_triggers", "sched_simprop_triggers"}

const queryDeleteScheduleRow = `
DELETE FROM %s WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?
`

const queryDeleteTrigger = `
DELETE FROM sched_triggers WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?
`

const querySelectTriggers = `
SELECT t.trigger_name, t.trigger_group, t.job_name, t.job_group, t.description,
    t.next_fire_time, t.prev_fire_time, t.scheduled_fire_time, t.times_triggered, t.priority,
    t.trigger_state, t.trigger_type, t.start_time, t.end_time, t.calendar_name, t.misfire_instr, t.job_data,
    s.repeat_count, s.repeat_interval, c.cron_expression, c.time_zone_id, p.props
FROM sched_triggers t
LEFT JOIN sched_simple_triggers s
    ON s.sched_name = t.sched_name AND s.trigger_name = t.trigger_name AND s.trigger_group = t.trigger_group
LEFT JOIN sched_cron_triggers c
    ON c.sched_name = t.sched_name AND c.trigger_name = t.trigger_name AND c.trigger_group = t.trigger_group
LEFT JOIN sched_simprop_triggers p
    ON p.sched_name = t.sched_name AND p.trigger_name = t.trigger_name AND p.trigger_group = t.trigger_group
WHERE t.sched_name = ?
`

const querySelectTriggerState = `
SELECT trigger_state FROM sched_triggers
WHERE sched_name = ? AND trigger_name = ? AND trigger_group = ?
`

const queryUpdateTriggerStates = `
UPDATE sched_triggers SET trigger_state = ? WHERE sched_name = ?
`

const querySelectTriggerKeys = `
SELECT trigger_name, trigger_group FROM sched_triggers WHERE sched_name = ?
`

const querySelectTriggerGroups = `
SELECT DISTINCT trigger_group FROM sched_triggers WHERE sched_name = ?
`

const querySelectTriggersToAcquire = `
SELECT trigger_name, trigger_group FROM sched_triggers
WHERE sched_name = ? AND trigger_state = ? AND next_fire_time IS NOT NULL AND next_fire_time <= ?
ORDER BY next_fire_time ASC, priority DESC, trigger_group ASC, trigger_name ASC
LIMIT ?
`

const queryInsertFiredTrigger = `
INSERT INTO sched_fired_triggers (sched_name, entry_id, trigger_name, trigger_group, job_name, job_group,
    instance_name, fired_time, sched_time, priority, state, is_nonconcurrent, requests_recovery)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const queryUpdateFiredTrigger = `
UPDATE sched_fired_triggers
SET trigger_name = ?, trigger_group = ?, job_name = ?, job_group = ?, instance_name = ?, fired_time = ?,
    sched_time = ?, priority = ?, state = ?, is_nonconcurrent = ?, requests_recovery = ?
WHERE sched_name = ? AND entry_id = ?
`

const querySelectFiredTriggers = `
SELECT entry_id, trigger_name, trigger_group, job_name, job_group, instance_name,
    fired_time, sched_time, priority, state, is_nonconcurrent, requests_recovery
FROM sched_fired_triggers
WHERE sched_name = ?
`

const querySelectFiredTriggerInstances = `
SELECT DISTINCT instance_name FROM sched_fired_triggers WHERE sched_name = ?
`

const queryDeleteFiredTrigger = `
DELETE FROM sched_fired_triggers WHERE sched_name = ? AND entry_id = ?
`

const queryUpsertCalendar = `
INSERT INTO sched_calendars (sched_name, calendar_name, calendar) VALUES (?, ?, ?)
ON CONFLICT (sched_name, calendar_name) DO UPDATE SET calendar = excluded.calendar
`

const querySelectCalendar = `
SELECT calendar FROM sched_calendars WHERE sched_name = ? AND calendar_name = ?
`

const queryDeleteCalendar = `
DELETE FROM sched_calendars WHERE sched_name = ? AND calendar_name = ?
`

const querySelectCalendarNames = `
SELECT calendar_name FROM sched_calendars WHERE sched_name = ?
`

const queryInsertPausedGroup = `
INSERT INTO sched_paused_trigger_grps (sched_name, trigger_group) VALUES (?, ?)
ON CONFLICT DO NOTHING
`

const queryDeletePausedGroup = `
DELETE FROM sched_paused_trigger_grps WHERE sched_name = ? AND trigger_group = ?
`

const querySelectPausedGroup = `
SELECT trigger_group FROM sched_paused_trigger_grps WHERE sched_name = ? AND trigger_group = ?
`

const querySelectPausedGroups = `
SELECT trigger_group FROM sched_paused_trigger_grps WHERE sched_name = ?
`

const queryUpsertSchedulerState = `
INSERT INTO sched_scheduler_state (sched_name, instance_name, last_checkin_time, checkin_interval)
VALUES (?, ?, ?, ?)
ON CONFLICT (sched_name, instance_name)
DO UPDATE SET last_checkin_time = excluded.last_checkin_time, checkin_interval = excluded.checkin_interval
`

const querySelectSchedulerStates = `
SELECT instance_name, last_checkin_time, checkin_interval FROM sched_scheduler_state WHERE sched_name = ?
`

const queryDeleteSchedulerState = `
DELETE FROM sched_scheduler_state WHERE sched_name = ? AND instance_name = ?
`
