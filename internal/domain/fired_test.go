package domain

import (
	"testing"
	"time"
)

func TestTriggerState_Values(t *testing.T) {
	tests := []struct {
		state TriggerState
		want  string
	}{
		{StateWaiting, "WAITING"},
		{StateAcquired, "ACQUIRED"},
		{StateExecuting, "EXECUTING"},
		{StateComplete, "COMPLETE"},
		{StateBlocked, "BLOCKED"},
		{StatePaused, "PAUSED"},
		{StatePausedBlocked, "PAUSED_BLOCKED"},
		{StateError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.state) != tt.want {
				t.Errorf("TriggerState = %q, want %q", tt.state, tt.want)
			}
		})
	}
}

func TestTriggerClone_Independent(t *testing.T) {
	orig := Trigger{
		Key:  NewTriggerKey("t1", ""),
		Data: JobDataMap{"a": "1"},
		Schedule: DailyTimeIntervalSchedule{
			DaysOfWeek: []time.Weekday{time.Monday},
			Interval:   1,
			Unit:       UnitHour,
		},
	}

	cp := orig.Clone()
	cp.Data["a"] = "2"
	cp.Schedule.(DailyTimeIntervalSchedule).DaysOfWeek[0] = time.Friday

	if orig.Data["a"] != "1" {
		t.Errorf("clone shares data map")
	}
	if orig.Schedule.(DailyTimeIntervalSchedule).DaysOfWeek[0] != time.Monday {
		t.Errorf("clone shares days of week")
	}
}

func TestKeys_DefaultGroupAndOrdering(t *testing.T) {
	k := NewJobKey("report", "")
	if k.Group != DefaultGroup {
		t.Fatalf("group = %q, want %q", k.Group, DefaultGroup)
	}
	if k.String() != "DEFAULT.report" {
		t.Errorf("String() = %q", k.String())
	}

	a := NewTriggerKey("a", "g1")
	b := NewTriggerKey("a", "g2")
	c := NewTriggerKey("b", "g1")
	if a.Compare(b) >= 0 || a.Compare(c) >= 0 || c.Compare(b) >= 0 {
		t.Errorf("unexpected ordering")
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"08:30", TimeOfDay{8, 30, 0}, false},
		{"23:59:59", TimeOfDay{23, 59, 59}, false},
		{"24:00", TimeOfDay{}, true},
		{"noon", TimeOfDay{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
