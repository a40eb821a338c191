// Package temporal backs the schedule registry with Temporal Schedules. Each
// reminder timer is a one-shot calendar schedule whose action starts the
// reminder workflow; Temporal owns firing across restarts.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/soonishlabs/soonish/schedule"
)

// Timer implements schedule.Timer over a Temporal client.
type Timer struct {
	client       client.Client
	taskQueue    string
	workflowName string
}

var _ schedule.Timer = (*Timer)(nil)

// New constructs a Timer. workflowName is the registered name of the reminder
// workflow started when a timer fires.
func New(c client.Client, taskQueue, workflowName string) *Timer {
	return &Timer{client: c, taskQueue: taskQueue, workflowName: workflowName}
}

// ScheduleAt creates a one-shot calendar schedule at the given UTC instant.
// The calendar spec pins every field including the year, so the schedule
// fires exactly once.
func (t *Timer) ScheduleAt(ctx context.Context, id string, at time.Time, input schedule.ReminderInput) error {
	at = at.UTC()
	_, err := t.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Calendars: []client.ScheduleCalendarSpec{{
				Second:     []client.ScheduleRange{{Start: at.Second()}},
				Minute:     []client.ScheduleRange{{Start: at.Minute()}},
				Hour:       []client.ScheduleRange{{Start: at.Hour()}},
				DayOfMonth: []client.ScheduleRange{{Start: at.Day()}},
				Month:      []client.ScheduleRange{{Start: int(at.Month())}},
				Year:       []client.ScheduleRange{{Start: at.Year()}},
			}},
			TimeZoneName: "UTC",
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        id,
			Workflow:  t.workflowName,
			Args:      []any{input},
			TaskQueue: t.taskQueue,
		},
	})
	if err != nil {
		if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
			return schedule.ErrAlreadyExists
		}
		var exists *serviceerror.AlreadyExists
		if errors.As(err, &exists) {
			return schedule.ErrAlreadyExists
		}
		return fmt.Errorf("temporal create schedule %s: %w", id, err)
	}
	return nil
}

// Cancel deletes the schedule.
func (t *Timer) Cancel(ctx context.Context, id string) error {
	handle := t.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return schedule.ErrNotFound
		}
		return fmt.Errorf("temporal delete schedule %s: %w", id, err)
	}
	return nil
}

// List pages through all schedules in the namespace and keeps those whose id
// starts with prefix. The visibility API has no server-side prefix filter for
// schedule ids, so filtering happens here.
func (t *Timer) List(ctx context.Context, prefix string) ([]string, error) {
	iter, err := t.client.ScheduleClient().List(ctx, client.ScheduleListOptions{PageSize: 100})
	if err != nil {
		return nil, fmt.Errorf("temporal list schedules: %w", err)
	}
	var ids []string
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("temporal list schedules: %w", err)
		}
		if strings.HasPrefix(entry.ID, prefix) {
			ids = append(ids, entry.ID)
		}
	}
	return ids, nil
}
