package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/firetime"
)

// StoreCalendar stores cal under name. When an existing calendar is
// replaced and updateTriggers is set, the next fire time of every trigger
// referencing it is recomputed.
func (s *Store) StoreCalendar(ctx context.Context, name string, cal domain.Calendar, replace, updateTriggers bool) error {
	return s.execute(ctx, "store calendar", triggerLocks, func(tx Tx, ev *events) error {
		_, exists, err := tx.SelectCalendar(ctx, name)
		if err != nil {
			return err
		}
		if exists && !replace {
			return fmt.Errorf("%w: calendar %q", ErrObjectAlreadyExists, name)
		}
		if err := tx.UpsertCalendar(ctx, name, cal); err != nil {
			return err
		}
		if !exists || !updateTriggers {
			return nil
		}

		triggers, err := tx.SelectTriggersForCalendar(ctx, name)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, t := range triggers {
			firetime.Recompute(&t, cal, now, s.misfire.Threshold)
			if err := tx.UpdateTrigger(ctx, t, t.State); err != nil {
				return err
			}
			ev.changed(t.NextFireTime)
		}
		return nil
	})
}

// RemoveCalendar deletes a calendar that no trigger references.
func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := s.execute(ctx, "remove calendar", triggerLocks, func(tx Tx, _ *events) error {
		refs, err := tx.SelectTriggersForCalendar(ctx, name)
		if err != nil {
			return err
		}
		if len(refs) > 0 {
			return fmt.Errorf("%w: %q used by %s", ErrCalendarInUse, name, refs[0].Key)
		}
		removed, err = tx.DeleteCalendar(ctx, name)
		return err
	})
	return removed, err
}

func (s *Store) RetrieveCalendar(ctx context.Context, name string) (domain.Calendar, error) {
	var cal domain.Calendar
	err := s.execute(ctx, "retrieve calendar", nil, func(tx Tx, _ *events) error {
		c, ok, err := tx.SelectCalendar(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrCalendarNotFound, name)
		}
		cal = c
		return nil
	})
	return cal, err
}

func (s *Store) CalendarNames(ctx context.Context) ([]string, error) {
	var out []string
	err := s.execute(ctx, "calendar names", nil, func(tx Tx, _ *events) error {
		var err error
		out, err = tx.SelectCalendarNames(ctx)
		return err
	})
	slices.Sort(out)
	return out, err
}
