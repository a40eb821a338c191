package schedule

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer records scheduled ids in memory with Timer semantics.
type fakeTimer struct {
	entries map[string]time.Time
	inputs  map[string]ReminderInput
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{
		entries: make(map[string]time.Time),
		inputs:  make(map[string]ReminderInput),
	}
}

func (f *fakeTimer) ScheduleAt(_ context.Context, id string, at time.Time, input ReminderInput) error {
	if _, ok := f.entries[id]; ok {
		return ErrAlreadyExists
	}
	f.entries[id] = at
	f.inputs[id] = input
	return nil
}

func (f *fakeTimer) Cancel(_ context.Context, id string) error {
	if _, ok := f.entries[id]; !ok {
		return ErrNotFound
	}
	delete(f.entries, id)
	delete(f.inputs, id)
	return nil
}

func (f *fakeTimer) List(_ context.Context, prefix string) ([]string, error) {
	var ids []string
	for id := range f.entries {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(f *fakeTimer) *Registry {
	return NewRegistry(f, WithNow(func() time.Time { return testNow }))
}

func TestScheduleID(t *testing.T) {
	assert.Equal(t, "event-1-sub-42-reminder-300s", ScheduleID(1, 42, 300))
	assert.Equal(t, "event-7-", EventPrefix(7))
	assert.Equal(t, "event-7-sub-42-", SubscriptionPrefix(7, 42))
}

func TestCreateForBuildsTimers(t *testing.T) {
	f := newFakeTimer()
	r := newRegistry(f)
	start := testNow.Add(2 * time.Hour)

	ids, err := r.CreateFor(context.Background(), 1, start, map[int64][]int64{
		42: {300, 3600},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"event-1-sub-42-reminder-300s",
		"event-1-sub-42-reminder-3600s",
	}, ids)

	assert.Equal(t, start.Add(-5*time.Minute), f.entries["event-1-sub-42-reminder-300s"])
	assert.Equal(t, ReminderInput{EventID: 1, SubscriptionID: 42, OffsetSeconds: 3600},
		f.inputs["event-1-sub-42-reminder-3600s"])
}

func TestCreateForSkipsPastTriggers(t *testing.T) {
	f := newFakeTimer()
	r := newRegistry(f)

	// Start is now: every positive offset would trigger in the past.
	ids, err := r.CreateFor(context.Background(), 1, testNow, map[int64][]int64{42: {300}})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, f.entries)

	// Offset far beyond the distance to start is skipped too.
	ids, err = r.CreateFor(context.Background(), 1, testNow.Add(time.Hour), map[int64][]int64{42: {86400}})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateForEmptyOffsets(t *testing.T) {
	f := newFakeTimer()
	r := newRegistry(f)

	ids, err := r.CreateFor(context.Background(), 1, testNow.Add(time.Hour), map[int64][]int64{42: {}})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateForIdempotent(t *testing.T) {
	f := newFakeTimer()
	r := newRegistry(f)
	start := testNow.Add(time.Hour)
	offsets := map[int64][]int64{42: {300}}

	first, err := r.CreateFor(context.Background(), 1, start, offsets)
	require.NoError(t, err)
	second, err := r.CreateFor(context.Background(), 1, start, offsets)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.entries, 1)
}

func TestDeleteForRemovesOnlyEvent(t *testing.T) {
	f := newFakeTimer()
	r := newRegistry(f)
	start := testNow.Add(time.Hour)

	_, err := r.CreateFor(context.Background(), 1, start, map[int64][]int64{42: {300, 600}})
	require.NoError(t, err)
	_, err = r.CreateFor(context.Background(), 2, start, map[int64][]int64{43: {300}})
	require.NoError(t, err)

	cancelled, err := r.DeleteFor(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)

	remaining, err := f.List(context.Background(), "event-")
	require.NoError(t, err)
	assert.Equal(t, []string{"event-2-sub-43-reminder-300s"}, remaining)
}

func TestDeleteForSubscriptionRemovesOnlyThatSubscription(t *testing.T) {
	f := newFakeTimer()
	r := newRegistry(f)
	start := testNow.Add(time.Hour)

	_, err := r.CreateFor(context.Background(), 1, start, map[int64][]int64{
		42: {300, 600},
		43: {300},
	})
	require.NoError(t, err)

	cancelled, err := r.DeleteForSubscription(context.Background(), 1, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"event-1-sub-42-reminder-300s",
		"event-1-sub-42-reminder-600s",
	}, cancelled)

	remaining, err := f.List(context.Background(), EventPrefix(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"event-1-sub-43-reminder-300s"}, remaining)
}

func TestDeleteForToleratesMissing(t *testing.T) {
	f := newFakeTimer()
	r := newRegistry(f)

	cancelled, err := r.DeleteFor(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestRebuildAfterStartShift(t *testing.T) {
	f := newFakeTimer()
	r := newRegistry(f)
	start := testNow.Add(2 * time.Hour)
	offsets := map[int64][]int64{42: {3600, 300}}

	_, err := r.CreateFor(context.Background(), 3, start, offsets)
	require.NoError(t, err)

	// Organizer pushes the start one hour out: delete then create rebuilds
	// the full set at the new instants.
	_, err = r.DeleteFor(context.Background(), 3)
	require.NoError(t, err)
	newStart := start.Add(time.Hour)
	ids, err := r.CreateFor(context.Background(), 3, newStart, offsets)
	require.NoError(t, err)

	assert.Len(t, ids, 2)
	assert.Equal(t, newStart.Add(-time.Hour), f.entries["event-3-sub-42-reminder-3600s"])
	assert.Equal(t, newStart.Add(-5*time.Minute), f.entries["event-3-sub-42-reminder-300s"])
	assert.Len(t, f.entries, 2)
}
