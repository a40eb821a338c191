// Package activity hosts the durable units of work invoked by the event and
// reminder workflows. Activities are the only workflow-adjacent code allowed
// to touch the store, the schedule registry and the dispatcher; workflows
// stay deterministic.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"goa.design/clue/log"

	"github.com/soonishlabs/soonish/dispatch"
	"github.com/soonishlabs/soonish/notify"
	"github.com/soonishlabs/soonish/schedule"
	"github.com/soonishlabs/soonish/store"
)

// ErrTypeEventNotFound is the application error type signalling a vanished
// event. Non-retryable: retrying cannot make the row reappear.
const ErrTypeEventNotFound = "event_not_found"

// EventDetails is the event snapshot shared between activities and workflows.
type EventDetails struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Location    *string    `json:"location,omitempty"`
	Timezone    string     `json:"timezone"`
	IsPublic    bool       `json:"is_public"`
}

// NotifyEventInput is the broadcast activity payload.
type NotifyEventInput struct {
	EventID int64        `json:"event_id"`
	Title   string       `json:"title"`
	Body    string       `json:"body"`
	Level   notify.Level `json:"level"`
}

// NotifySubscriptionInput is the personal dispatch activity payload.
type NotifySubscriptionInput struct {
	SubscriptionID int64        `json:"subscription_id"`
	Title          string       `json:"title"`
	Body           string       `json:"body"`
	Level          notify.Level `json:"level"`
}

// CreateSchedulesInput carries a full or singleton offsets map to rebuild or
// extend the timers of an event.
type CreateSchedulesInput struct {
	EventID   int64             `json:"event_id"`
	StartDate time.Time         `json:"start_date"`
	Offsets   map[int64][]int64 `json:"offsets"`
}

// Activities bundles the workflow-facing operations with their dependencies.
type Activities struct {
	store      store.Store
	registry   *schedule.Registry
	dispatcher *dispatch.Dispatcher
}

// New constructs the activity set.
func New(st store.Store, registry *schedule.Registry, dispatcher *dispatch.Dispatcher) *Activities {
	return &Activities{store: st, registry: registry, dispatcher: dispatcher}
}

// ValidateEventExists fails with a non-retryable event_not_found error when
// the event row is gone; the lifecycle workflow terminates as missing.
func (a *Activities) ValidateEventExists(ctx context.Context, eventID int64) error {
	_, err := a.store.Events().ByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("event %d not found", eventID), ErrTypeEventNotFound, err)
		}
		return fmt.Errorf("validate event %d: %w", eventID, err)
	}
	return nil
}

// GetEventDetails loads the current event snapshot.
func (a *Activities) GetEventDetails(ctx context.Context, eventID int64) (*EventDetails, error) {
	e, err := a.store.Events().ByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("event %d not found", eventID), ErrTypeEventNotFound, err)
		}
		return nil, fmt.Errorf("load event %d: %w", eventID, err)
	}
	return &EventDetails{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		StartDate:   e.StartDate,
		EndDate:     e.EndDate,
		Location:    e.Location,
		Timezone:    e.Timezone,
		IsPublic:    e.IsPublic,
	}, nil
}

// ListReminderOffsets returns subscription id to reminder offsets for every
// subscription of the event.
func (a *Activities) ListReminderOffsets(ctx context.Context, eventID int64) (map[int64][]int64, error) {
	offsets, err := a.store.Subscriptions().ReminderOffsetsByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list reminder offsets of event %d: %w", eventID, err)
	}
	return offsets, nil
}

// ListSubscriptionOffsets returns the singleton offsets map of one
// subscription, for incremental schedule creation when a participant joins.
// A vanished subscription yields an empty map; the join signal may have been
// outrun by an unsubscribe.
func (a *Activities) ListSubscriptionOffsets(ctx context.Context, subscriptionID int64) (map[int64][]int64, error) {
	sub, err := a.store.Subscriptions().ByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return map[int64][]int64{}, nil
		}
		return nil, fmt.Errorf("load subscription %d: %w", subscriptionID, err)
	}
	offsets := make([]int64, 0, len(sub.Reminders))
	for _, rem := range sub.Reminders {
		offsets = append(offsets, rem.OffsetSeconds)
	}
	return map[int64][]int64{sub.ID: offsets}, nil
}

// CreateSchedules creates the durable timers described by the input map.
func (a *Activities) CreateSchedules(ctx context.Context, in CreateSchedulesInput) ([]string, error) {
	ids, err := a.registry.CreateFor(ctx, in.EventID, in.StartDate, in.Offsets)
	if err != nil {
		return nil, fmt.Errorf("create schedules of event %d: %w", in.EventID, err)
	}
	return ids, nil
}

// DeleteSchedules cancels every timer of the event.
func (a *Activities) DeleteSchedules(ctx context.Context, eventID int64) ([]string, error) {
	ids, err := a.registry.DeleteFor(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("delete schedules of event %d: %w", eventID, err)
	}
	return ids, nil
}

// NotifyEvent broadcasts to every subscriber of the event. Delivery failures
// live inside the report; only the inability to dispatch at all is an error.
func (a *Activities) NotifyEvent(ctx context.Context, in NotifyEventInput) (*dispatch.Report, error) {
	r, err := a.dispatcher.ToEvent(ctx, in.EventID, notify.Notification{
		Title: in.Title, Body: in.Body, Level: in.Level,
	})
	if err != nil {
		return nil, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "broadcast dispatched"},
		log.KV{K: "event_id", V: in.EventID},
		log.KV{K: "success", V: r.Success},
		log.KV{K: "failed", V: r.Failed})
	return r, nil
}

// NotifySubscription dispatches to a single subscription's channels.
func (a *Activities) NotifySubscription(ctx context.Context, in NotifySubscriptionInput) (*dispatch.Report, error) {
	r, err := a.dispatcher.ToSubscription(ctx, in.SubscriptionID, notify.Notification{
		Title: in.Title, Body: in.Body, Level: in.Level,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Subscriber unsubscribed between timer fire and dispatch.
			return &dispatch.Report{Scope: "subscription", SubscriptionID: in.SubscriptionID, Failed: 1}, nil
		}
		return nil, err
	}
	return r, nil
}
