package workflow

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/soonishlabs/soonish/activity"
	"github.com/soonishlabs/soonish/notify"
	"github.com/soonishlabs/soonish/schedule"
)

// Reminder is the short-lived workflow started when a reminder schedule
// fires. It loads the event's current details, composes the message from the
// offset and dispatches to the single subscription. It never reschedules
// itself; one schedule fires one run.
func Reminder(ctx workflow.Context, in schedule.ReminderInput) (string, error) {
	logger := workflow.GetLogger(ctx)
	var acts *activity.Activities

	loadCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
			NonRetryableErrorTypes: []string{
				activity.ErrTypeEventNotFound,
			},
		},
	})

	var details *activity.EventDetails
	if err := workflow.ExecuteActivity(loadCtx, acts.GetEventDetails, in.EventID).Get(loadCtx, &details); err != nil {
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) && appErr.Type() == activity.ErrTypeEventNotFound {
			// Event deleted after the schedule was created; nothing to send.
			return "event_not_found", nil
		}
		return "", err
	}

	title, body := ReminderMessage(details, in.OffsetSeconds)

	dispatchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    2 * time.Second,
			MaximumInterval:    30 * time.Second,
			BackoffCoefficient: 2,
		},
	})
	var report struct {
		Success int `json:"success"`
		Failed  int `json:"failed"`
	}
	if err := workflow.ExecuteActivity(dispatchCtx, acts.NotifySubscription, activity.NotifySubscriptionInput{
		SubscriptionID: in.SubscriptionID,
		Title:          title,
		Body:           body,
		Level:          notify.LevelWarning,
	}).Get(dispatchCtx, &report); err != nil {
		return "", err
	}

	outcome := fmt.Sprintf("sent: success=%d failed=%d", report.Success, report.Failed)
	logger.Info("reminder dispatched",
		"event_id", in.EventID,
		"subscription_id", in.SubscriptionID,
		"outcome", outcome)
	return outcome, nil
}

// ReminderMessage composes the reminder title and body from the event
// snapshot and the offset.
func ReminderMessage(details *activity.EventDetails, offsetSeconds int64) (title, body string) {
	title = fmt.Sprintf("Reminder: %s in %s", details.Name, humanOffset(offsetSeconds))
	body = fmt.Sprintf("Your event %q starts in %s.", details.Name, humanOffset(offsetSeconds))
	body += "\nStarts: " + details.StartDate.Format(time.RFC1123)
	if details.Location != nil && *details.Location != "" {
		body += "\nLocation: " + *details.Location
	}
	return title, body
}

// humanOffset renders an offset as days, hours or minutes, whichever is the
// largest whole unit.
func humanOffset(offsetSeconds int64) string {
	switch {
	case offsetSeconds >= 86400:
		return fmt.Sprintf("%d day(s)", offsetSeconds/86400)
	case offsetSeconds >= 3600:
		return fmt.Sprintf("%d hour(s)", offsetSeconds/3600)
	default:
		return fmt.Sprintf("%d minute(s)", offsetSeconds/60)
	}
}
