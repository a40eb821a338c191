// Package workflow contains the durable workflows of the event core: the
// long-running per-event lifecycle workflow and the short-lived reminder
// workflow started by a firing schedule. Workflow code is deterministic; all
// I/O happens in the activity package.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/soonishlabs/soonish/activity"
	"github.com/soonishlabs/soonish/notify"
)

// Registered workflow names. Schedules and the orchestration facade refer to
// workflows by these names, never by function identity.
const (
	EventWorkflowName    = "EventWorkflow"
	ReminderWorkflowName = "ReminderWorkflow"
)

// Signal and query names of the event lifecycle workflow.
const (
	SignalParticipantAdded = "participant_added"
	SignalEventUpdated     = "event_updated"
	SignalCancelEvent      = "cancel_event"
	QueryGetStatus         = "get_status"
)

// DefaultMaxWait bounds the Active state when the event has no end date.
const DefaultMaxWait = 365 * 24 * time.Hour

// EventInput starts the lifecycle workflow.
type EventInput struct {
	EventID  int64                  `json:"event_id"`
	Snapshot *activity.EventDetails `json:"snapshot,omitempty"`
}

// ParticipantAdded is the payload of the participant_added signal.
type ParticipantAdded struct {
	SubscriptionID int64 `json:"subscription_id"`
	UserID         int64 `json:"user_id"`
}

// EventUpdated is the payload of the event_updated signal. Nil fields leave
// the snapshot untouched.
type EventUpdated struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Location    *string    `json:"location,omitempty"`
}

// Status is the get_status query result.
type Status struct {
	EventID     int64                  `json:"event_id"`
	IsCancelled bool                   `json:"is_cancelled"`
	EventData   *activity.EventDetails `json:"event_data"`
}

// Event is the per-event lifecycle workflow. It validates the event, builds
// the initial reminder schedules, then stays Active handling signals until
// the event ends or is cancelled. One instance per event, identified by the
// event's workflow id.
func Event(ctx workflow.Context, in EventInput) (string, error) {
	logger := workflow.GetLogger(ctx)
	var (
		snapshot  *activity.EventDetails
		cancelled bool
	)

	if err := workflow.SetQueryHandler(ctx, QueryGetStatus, func() (Status, error) {
		return Status{EventID: in.EventID, IsCancelled: cancelled, EventData: snapshot}, nil
	}); err != nil {
		return "", err
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
			NonRetryableErrorTypes: []string{
				activity.ErrTypeEventNotFound,
			},
		},
	})
	var acts *activity.Activities

	// Initializing: the event row must exist and the full schedule set must
	// build. Both failures are fatal for the workflow.
	if err := workflow.ExecuteActivity(ctx, acts.ValidateEventExists, in.EventID).Get(ctx, nil); err != nil {
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) && appErr.Type() == activity.ErrTypeEventNotFound {
			return fmt.Sprintf("Event %d missing", in.EventID), nil
		}
		return "", err
	}
	snapshot = in.Snapshot
	if snapshot == nil {
		if err := workflow.ExecuteActivity(ctx, acts.GetEventDetails, in.EventID).Get(ctx, &snapshot); err != nil {
			return "", err
		}
	}
	var offsets map[int64][]int64
	if err := workflow.ExecuteActivity(ctx, acts.ListReminderOffsets, in.EventID).Get(ctx, &offsets); err != nil {
		return "", err
	}
	if err := workflow.ExecuteActivity(ctx, acts.CreateSchedules, activity.CreateSchedulesInput{
		EventID: in.EventID, StartDate: snapshot.StartDate, Offsets: offsets,
	}).Get(ctx, nil); err != nil {
		return "", err
	}

	participantCh := workflow.GetSignalChannel(ctx, SignalParticipantAdded)
	updatedCh := workflow.GetSignalChannel(ctx, SignalEventUpdated)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancelEvent)

	// Active: signals are serialized by the selector; the wait deadline is
	// recomputed after every signal because event_updated may move end_date.
	for !cancelled {
		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		timer := workflow.NewTimer(timerCtx, waitFor(workflow.Now(ctx), snapshot))

		ended := false
		sel := workflow.NewSelector(ctx)
		sel.AddFuture(timer, func(f workflow.Future) {
			if f.Get(timerCtx, nil) == nil {
				ended = true
			}
		})
		sel.AddReceive(participantCh, func(ch workflow.ReceiveChannel, _ bool) {
			var p ParticipantAdded
			ch.Receive(ctx, &p)
			handleParticipantAdded(ctx, acts, in.EventID, snapshot, p)
		})
		sel.AddReceive(updatedCh, func(ch workflow.ReceiveChannel, _ bool) {
			var upd EventUpdated
			ch.Receive(ctx, &upd)
			handleEventUpdated(ctx, acts, in.EventID, snapshot, upd)
		})
		sel.AddReceive(cancelCh, func(ch workflow.ReceiveChannel, _ bool) {
			ch.Receive(ctx, nil)
			cancelled = true
		})
		sel.Select(ctx)
		cancelTimer()

		if ended {
			break
		}
	}

	if cancelled {
		if err := workflow.ExecuteActivity(ctx, acts.NotifyEvent, activity.NotifyEventInput{
			EventID: in.EventID,
			Title:   fmt.Sprintf("Event Cancelled: %s", snapshot.Name),
			Body:    fmt.Sprintf("The event %q has been cancelled.", snapshot.Name),
			Level:   notify.LevelCritical,
		}).Get(ctx, nil); err != nil {
			logger.Error("cancellation broadcast failed", "event_id", in.EventID, "error", err)
		}
	}

	// Termination: tear down remaining timers best-effort.
	if err := workflow.ExecuteActivity(ctx, acts.DeleteSchedules, in.EventID).Get(ctx, nil); err != nil {
		logger.Error("schedule teardown failed", "event_id", in.EventID, "error", err)
	}

	if cancelled {
		return fmt.Sprintf("Event %d cancelled", in.EventID), nil
	}
	return fmt.Sprintf("Event %d completed", in.EventID), nil
}

// waitFor computes how long the Active state may block: until end_date when
// set, otherwise the bounded default wait.
func waitFor(now time.Time, snapshot *activity.EventDetails) time.Duration {
	if snapshot.EndDate != nil {
		d := snapshot.EndDate.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}
	return DefaultMaxWait
}

// handleParticipantAdded creates the joiner's timers incrementally. Creation
// is idempotent, so re-delivery of the signal is safe. Failures are logged
// and swallowed; a later start_date change rebuilds the full set anyway.
func handleParticipantAdded(ctx workflow.Context, acts *activity.Activities, eventID int64, snapshot *activity.EventDetails, p ParticipantAdded) {
	logger := workflow.GetLogger(ctx)
	if snapshot.StartDate.IsZero() {
		return
	}
	var offsets map[int64][]int64
	if err := workflow.ExecuteActivity(ctx, acts.ListSubscriptionOffsets, p.SubscriptionID).Get(ctx, &offsets); err != nil {
		logger.Error("participant offsets load failed", "subscription_id", p.SubscriptionID, "error", err)
		return
	}
	if len(offsets) == 0 {
		return
	}
	if err := workflow.ExecuteActivity(ctx, acts.CreateSchedules, activity.CreateSchedulesInput{
		EventID: eventID, StartDate: snapshot.StartDate, Offsets: offsets,
	}).Get(ctx, nil); err != nil {
		logger.Error("participant schedule creation failed", "subscription_id", p.SubscriptionID, "error", err)
	}
}

// handleEventUpdated merges the changed fields, rebuilds schedules when the
// start moved, and broadcasts the update. Broadcast failures are non-fatal.
func handleEventUpdated(ctx workflow.Context, acts *activity.Activities, eventID int64, snapshot *activity.EventDetails, upd EventUpdated) {
	logger := workflow.GetLogger(ctx)

	startChanged := false
	if upd.Name != nil {
		snapshot.Name = *upd.Name
	}
	if upd.Description != nil {
		snapshot.Description = upd.Description
	}
	if upd.StartDate != nil && !upd.StartDate.Equal(snapshot.StartDate) {
		snapshot.StartDate = *upd.StartDate
		startChanged = true
	}
	if upd.EndDate != nil {
		snapshot.EndDate = upd.EndDate
	}
	if upd.Location != nil {
		snapshot.Location = upd.Location
	}

	if startChanged {
		if err := workflow.ExecuteActivity(ctx, acts.DeleteSchedules, eventID).Get(ctx, nil); err != nil {
			logger.Error("schedule rebuild delete failed", "event_id", eventID, "error", err)
		}
		var offsets map[int64][]int64
		if err := workflow.ExecuteActivity(ctx, acts.ListReminderOffsets, eventID).Get(ctx, &offsets); err != nil {
			logger.Error("schedule rebuild offsets load failed", "event_id", eventID, "error", err)
			return
		}
		if err := workflow.ExecuteActivity(ctx, acts.CreateSchedules, activity.CreateSchedulesInput{
			EventID: eventID, StartDate: snapshot.StartDate, Offsets: offsets,
		}).Get(ctx, nil); err != nil {
			logger.Error("schedule rebuild create failed", "event_id", eventID, "error", err)
		}
	}

	if err := workflow.ExecuteActivity(ctx, acts.NotifyEvent, activity.NotifyEventInput{
		EventID: eventID,
		Title:   fmt.Sprintf("Event Updated: %s", snapshot.Name),
		Body:    updateBody(snapshot),
		Level:   notify.LevelInfo,
	}).Get(ctx, nil); err != nil {
		logger.Error("update broadcast failed", "event_id", eventID, "error", err)
	}
}

func updateBody(snapshot *activity.EventDetails) string {
	body := fmt.Sprintf("The event %q has been updated.\nStarts: %s",
		snapshot.Name, snapshot.StartDate.Format(time.RFC1123))
	if snapshot.Location != nil && *snapshot.Location != "" {
		body += "\nLocation: " + *snapshot.Location
	}
	return body
}
