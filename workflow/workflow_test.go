package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/soonishlabs/soonish/activity"
	"github.com/soonishlabs/soonish/dispatch"
	"github.com/soonishlabs/soonish/notify"
	"github.com/soonishlabs/soonish/resolve"
	"github.com/soonishlabs/soonish/schedule"
	"github.com/soonishlabs/soonish/secret"
	"github.com/soonishlabs/soonish/store"
	"github.com/soonishlabs/soonish/store/memory"
)

// fakeTimer is an in-memory schedule.Timer.
type fakeTimer struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{entries: make(map[string]time.Time)}
}

func (f *fakeTimer) ScheduleAt(_ context.Context, id string, at time.Time, _ schedule.ReminderInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; ok {
		return schedule.ErrAlreadyExists
	}
	f.entries[id] = at
	return nil
}

func (f *fakeTimer) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; !ok {
		return schedule.ErrNotFound
	}
	delete(f.entries, id)
	return nil
}

func (f *fakeTimer) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.entries {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeTimer) ids() []string {
	out, _ := f.List(context.Background(), "")
	return out
}

func (f *fakeTimer) at(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.entries[id]
	return at, ok
}

// fakeSender records every send and always succeeds.
type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Notification
	urls []string
}

func (f *fakeSender) Send(_ context.Context, deliveryURL string, n notify.Notification) notify.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	f.urls = append(f.urls, deliveryURL)
	return notify.Outcome{OK: true, Channel: "gotify://push.example.com"}
}

func (f *fakeSender) notifications() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.sent...)
}

type world struct {
	st     *memory.Store
	timer  *fakeTimer
	sender *fakeSender
	acts   *activity.Activities
	event  *store.Event
}

// newWorld wires real activities over the memory store with fake timer and
// sender backends.
func newWorld(t *testing.T, eventMod func(*store.Event)) *world {
	t.Helper()
	cipher, err := secret.NewCipherFromBase64(secret.GenerateKey())
	require.NoError(t, err)
	st := memory.New(cipher)
	ctx := context.Background()

	organizer, err := st.Users().Create(ctx, &store.User{Email: "org@example.com", Name: "Org"})
	require.NoError(t, err)
	e := &store.Event{
		Name: "Launch", StartDate: time.Now().Add(2 * time.Hour).UTC(), Timezone: "UTC",
		IsPublic: true, OrganizerUserID: organizer.ID, WorkflowID: "wf-launch",
	}
	if eventMod != nil {
		eventMod(e)
	}
	event, err := st.Events().Create(ctx, e)
	require.NoError(t, err)

	timer := newFakeTimer()
	sender := &fakeSender{}
	resolver := resolve.New(st.Integrations(), cipher)
	disp := dispatch.New(st.Subscriptions(), resolver, sender)
	registry := schedule.NewRegistry(timer)

	return &world{
		st:     st,
		timer:  timer,
		sender: sender,
		acts:   activity.New(st, registry, disp),
		event:  event,
	}
}

// subscribe adds a user with one gotify integration selecting it, with the
// given reminder offsets.
func (w *world) subscribe(t *testing.T, email string, offsets []int64) *store.Subscription {
	t.Helper()
	ctx := context.Background()
	u, err := w.st.Users().Create(ctx, &store.User{Email: email, Name: email})
	require.NoError(t, err)
	in, err := w.st.Integrations().Create(ctx, store.IntegrationCreate{
		UserID: u.ID, Name: "phone", Tag: "urgent",
		Type: store.IntegrationGotify, DeliveryURL: "gotify://push.example.com/" + email,
	})
	require.NoError(t, err)
	sub, err := w.st.Subscriptions().Create(ctx, w.event.ID, u.ID,
		[]store.SelectorSpec{{IntegrationID: &in.ID}}, offsets)
	require.NoError(t, err)
	return sub
}

func newEnv(t *testing.T, w *world) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(Event)
	env.RegisterWorkflow(Reminder)
	env.RegisterActivity(w.acts)
	return env
}

func TestEventWorkflowMissingEvent(t *testing.T) {
	w := newWorld(t, nil)
	env := newEnv(t, w)

	env.ExecuteWorkflow(Event, EventInput{EventID: 9999})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result string
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, "Event 9999 missing", result)
}

func TestEventWorkflowCompletesAtEnd(t *testing.T) {
	end := time.Now().Add(3 * time.Hour).UTC()
	w := newWorld(t, func(e *store.Event) { e.EndDate = &end })
	w.subscribe(t, "ada@example.com", []int64{300})
	env := newEnv(t, w)

	env.ExecuteWorkflow(Event, EventInput{EventID: w.event.ID})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result string
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Contains(t, result, "completed")
	// Initial schedule build happened, teardown removed it at termination.
	assert.Empty(t, w.timer.ids())
}

func TestEventWorkflowCancellation(t *testing.T) {
	w := newWorld(t, nil)
	w.subscribe(t, "u1@example.com", []int64{300})
	w.subscribe(t, "u2@example.com", nil)
	env := newEnv(t, w)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancelEvent, nil)
	}, time.Minute)

	env.ExecuteWorkflow(Event, EventInput{EventID: w.event.ID})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result string
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Contains(t, result, "cancelled")

	// One critical broadcast reached both subscribers.
	notifications := w.sender.notifications()
	require.Len(t, notifications, 2)
	for _, n := range notifications {
		assert.Equal(t, notify.LevelCritical, n.Level)
		assert.Contains(t, n.Title, "Cancelled")
	}
	assert.Empty(t, w.timer.ids(), "all schedules torn down")

	v, err := env.QueryWorkflow(QueryGetStatus)
	require.NoError(t, err)
	var status Status
	require.NoError(t, v.Get(&status))
	assert.True(t, status.IsCancelled)
	assert.Equal(t, w.event.ID, status.EventID)
}

func TestParticipantAddedCreatesSchedules(t *testing.T) {
	w := newWorld(t, nil)
	env := newEnv(t, w)

	var subID int64
	env.RegisterDelayedCallback(func() {
		sub := w.subscribe(t, "late@example.com", []int64{300, 3600})
		subID = sub.ID
		env.SignalWorkflow(SignalParticipantAdded, ParticipantAdded{SubscriptionID: sub.ID, UserID: sub.UserID})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		assert.Len(t, w.timer.ids(), 2)
		_, ok := w.timer.at(schedule.ScheduleID(w.event.ID, subID, 300))
		assert.True(t, ok)
		env.SignalWorkflow(SignalCancelEvent, nil)
	}, 2*time.Minute)

	env.ExecuteWorkflow(Event, EventInput{EventID: w.event.ID})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
}

func TestEventUpdatedStartShiftReschedules(t *testing.T) {
	w := newWorld(t, nil)
	sub := w.subscribe(t, "ada@example.com", []int64{3600, 300})
	env := newEnv(t, w)

	newStart := w.event.StartDate.Add(time.Hour)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalEventUpdated, EventUpdated{StartDate: &newStart})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		ids := w.timer.ids()
		assert.Len(t, ids, 2)
		at, ok := w.timer.at(schedule.ScheduleID(w.event.ID, sub.ID, 3600))
		require.True(t, ok)
		assert.Equal(t, newStart.Add(-time.Hour), at)
		at, ok = w.timer.at(schedule.ScheduleID(w.event.ID, sub.ID, 300))
		require.True(t, ok)
		assert.Equal(t, newStart.Add(-5*time.Minute), at)
		env.SignalWorkflow(SignalCancelEvent, nil)
	}, 2*time.Minute)

	env.ExecuteWorkflow(Event, EventInput{EventID: w.event.ID})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	// The update itself was broadcast at info level before the cancellation.
	notifications := w.sender.notifications()
	require.NotEmpty(t, notifications)
	assert.Equal(t, notify.LevelInfo, notifications[0].Level)
	assert.Contains(t, notifications[0].Title, "Event Updated")
}

func TestEventUpdatedNameOnlyKeepsSchedules(t *testing.T) {
	w := newWorld(t, nil)
	sub := w.subscribe(t, "ada@example.com", []int64{300})
	env := newEnv(t, w)

	name := "Launch v2"
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalEventUpdated, EventUpdated{Name: &name})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		at, ok := w.timer.at(schedule.ScheduleID(w.event.ID, sub.ID, 300))
		require.True(t, ok)
		assert.Equal(t, w.event.StartDate.Add(-5*time.Minute), at)
		env.SignalWorkflow(SignalCancelEvent, nil)
	}, 2*time.Minute)

	env.ExecuteWorkflow(Event, EventInput{EventID: w.event.ID})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	notifications := w.sender.notifications()
	require.NotEmpty(t, notifications)
	assert.Contains(t, notifications[0].Title, "Launch v2")
}

func TestEventUpdatedMergesDescription(t *testing.T) {
	w := newWorld(t, nil)
	w.subscribe(t, "ada@example.com", []int64{300})
	env := newEnv(t, w)

	desc := "Doors open at noon"
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalEventUpdated, EventUpdated{Description: &desc})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancelEvent, nil)
	}, 2*time.Minute)

	env.ExecuteWorkflow(Event, EventInput{EventID: w.event.ID})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	v, err := env.QueryWorkflow(QueryGetStatus)
	require.NoError(t, err)
	var status Status
	require.NoError(t, v.Get(&status))
	require.NotNil(t, status.EventData)
	require.NotNil(t, status.EventData.Description)
	assert.Equal(t, desc, *status.EventData.Description)
}

func TestReminderWorkflowDelivers(t *testing.T) {
	w := newWorld(t, nil)
	sub := w.subscribe(t, "ada@example.com", []int64{300})
	env := newEnv(t, w)

	env.ExecuteWorkflow(Reminder, schedule.ReminderInput{
		EventID: w.event.ID, SubscriptionID: sub.ID, OffsetSeconds: 300,
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result string
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, "sent: success=1 failed=0", result)

	notifications := w.sender.notifications()
	require.Len(t, notifications, 1)
	assert.Contains(t, notifications[0].Title, "in 5 minute(s)")
	assert.Contains(t, notifications[0].Body, "Launch")
	assert.Equal(t, notify.LevelWarning, notifications[0].Level)
}

func TestReminderWorkflowEventGone(t *testing.T) {
	w := newWorld(t, nil)
	env := newEnv(t, w)

	env.ExecuteWorkflow(Reminder, schedule.ReminderInput{
		EventID: 9999, SubscriptionID: 1, OffsetSeconds: 300,
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result string
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, "event_not_found", result)
	assert.Empty(t, w.sender.notifications())
}

func TestHumanOffset(t *testing.T) {
	assert.Equal(t, "5 minute(s)", humanOffset(300))
	assert.Equal(t, "1 hour(s)", humanOffset(3600))
	assert.Equal(t, "2 hour(s)", humanOffset(7200))
	assert.Equal(t, "1 day(s)", humanOffset(86400))
	assert.Equal(t, "3 day(s)", humanOffset(3*86400))
	assert.Equal(t, "0 minute(s)", humanOffset(30))
}

func TestReminderMessageIncludesLocation(t *testing.T) {
	loc := "Pier 39"
	title, body := ReminderMessage(&activity.EventDetails{
		Name: "Launch", StartDate: time.Date(2025, 3, 1, 12, 10, 0, 0, time.UTC), Location: &loc,
	}, 300)
	assert.Equal(t, "Reminder: Launch in 5 minute(s)", title)
	assert.Contains(t, body, "Location: Pier 39")
	assert.Contains(t, body, "Starts: ")
}
