// Package schedule manages the durable one-shot timers that fire personal
// reminders. Timer ids are deterministic, so creates and deletes are
// idempotent by construction and the full set for an event can be rebuilt
// from the store at any time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"goa.design/clue/log"
)

// ReminderInput is the payload a firing timer hands to the reminder task.
type ReminderInput struct {
	EventID        int64 `json:"event_id"`
	SubscriptionID int64 `json:"subscription_id"`
	OffsetSeconds  int64 `json:"offset_seconds"`
}

// ErrAlreadyExists is returned by a Timer when the id is already scheduled.
var ErrAlreadyExists = errors.New("schedule: already exists")

// ErrNotFound is returned by a Timer when the id is not scheduled.
var ErrNotFound = errors.New("schedule: not found")

// Timer is a durable one-shot timer backend: it wakes at an absolute instant
// across process restarts. Implementations live in schedule/temporal.
type Timer interface {
	// ScheduleAt arranges for the reminder input to fire at the given instant
	// under the given id. Returns ErrAlreadyExists when the id is taken.
	ScheduleAt(ctx context.Context, id string, at time.Time, input ReminderInput) error
	// Cancel removes the timer. Returns ErrNotFound when the id is unknown.
	Cancel(ctx context.Context, id string) error
	// List returns the ids of all timers whose id starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ScheduleID builds the deterministic timer id for one (event, subscription,
// offset) triple.
func ScheduleID(eventID, subscriptionID, offsetSeconds int64) string {
	return fmt.Sprintf("event-%d-sub-%d-reminder-%ds", eventID, subscriptionID, offsetSeconds)
}

// EventPrefix is the id prefix shared by every timer of an event.
func EventPrefix(eventID int64) string {
	return fmt.Sprintf("event-%d-", eventID)
}

// SubscriptionPrefix is the id prefix shared by every timer of one
// subscription of an event.
func SubscriptionPrefix(eventID, subscriptionID int64) string {
	return fmt.Sprintf("event-%d-sub-%d-", eventID, subscriptionID)
}

// Registry drives a Timer with the reminder-specific id scheme and skip
// rules.
type Registry struct {
	timer Timer
	now   func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs a Registry over the given timer backend.
func NewRegistry(timer Timer, opts ...Option) *Registry {
	r := &Registry{timer: timer, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateFor creates one timer per (subscription, offset) pair, each firing
// offset seconds before start. Pairs whose trigger instant is already past
// are skipped with a log line, not created. Duplicate creates are no-ops.
// Returns the ids now effective, sorted.
func (r *Registry) CreateFor(ctx context.Context, eventID int64, start time.Time, offsets map[int64][]int64) ([]string, error) {
	now := r.now()
	var ids []string
	for subID, subOffsets := range offsets {
		for _, offset := range subOffsets {
			trigger := start.Add(-time.Duration(offset) * time.Second)
			if !trigger.After(now) {
				log.Info(ctx, log.KV{K: "msg", V: "skipping reminder with past trigger"},
					log.KV{K: "event_id", V: eventID},
					log.KV{K: "subscription_id", V: subID},
					log.KV{K: "offset_seconds", V: offset})
				continue
			}
			id := ScheduleID(eventID, subID, offset)
			err := r.timer.ScheduleAt(ctx, id, trigger, ReminderInput{
				EventID:        eventID,
				SubscriptionID: subID,
				OffsetSeconds:  offset,
			})
			switch {
			case err == nil:
				ids = append(ids, id)
			case errors.Is(err, ErrAlreadyExists):
				// Re-delivered signal or rebuild overlap; the timer stands.
				ids = append(ids, id)
			default:
				return nil, fmt.Errorf("schedule: create %s: %w", id, err)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteFor cancels every timer of the event. Best-effort: ids that vanished
// between list and cancel are fine. Returns the ids cancelled.
func (r *Registry) DeleteFor(ctx context.Context, eventID int64) ([]string, error) {
	return r.deleteByPrefix(ctx, EventPrefix(eventID))
}

// DeleteForSubscription cancels the timers of a single subscription, leaving
// the rest of the event's timers in place. Used on unsubscribe.
func (r *Registry) DeleteForSubscription(ctx context.Context, eventID, subscriptionID int64) ([]string, error) {
	return r.deleteByPrefix(ctx, SubscriptionPrefix(eventID, subscriptionID))
}

func (r *Registry) deleteByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ids, err := r.timer.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("schedule: list %s: %w", prefix, err)
	}
	var cancelled []string
	for _, id := range ids {
		err := r.timer.Cancel(ctx, id)
		switch {
		case err == nil:
			cancelled = append(cancelled, id)
		case errors.Is(err, ErrNotFound):
			// Already gone.
		default:
			return cancelled, fmt.Errorf("schedule: cancel %s: %w", id, err)
		}
	}
	sort.Strings(cancelled)
	return cancelled, nil
}
