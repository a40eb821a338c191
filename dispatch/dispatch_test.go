package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soonishlabs/soonish/config"
	"github.com/soonishlabs/soonish/notify"
	"github.com/soonishlabs/soonish/resolve"
	"github.com/soonishlabs/soonish/secret"
	"github.com/soonishlabs/soonish/store"
	"github.com/soonishlabs/soonish/store/memory"
)

// fakeSender records sends and fails URLs matching failSubstr.
type fakeSender struct {
	mu         sync.Mutex
	sent       []string
	failSubstr string
	failKind   notify.ErrKind
}

func (f *fakeSender) Send(_ context.Context, deliveryURL string, _ notify.Notification) notify.Outcome {
	f.mu.Lock()
	f.sent = append(f.sent, deliveryURL)
	f.mu.Unlock()
	if f.failSubstr != "" && strings.Contains(deliveryURL, f.failSubstr) {
		kind := f.failKind
		if kind == "" {
			kind = notify.ErrTransport
		}
		return notify.Outcome{OK: false, Channel: "gotify://push.example.com", Kind: kind, Error: "boom"}
	}
	return notify.Outcome{OK: true, Channel: "gotify://push.example.com"}
}

func (f *fakeSender) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type env struct {
	st     *memory.Store
	cipher *secret.Cipher
	sender *fakeSender
	disp   *Dispatcher
	event  *store.Event
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	cipher, err := secret.NewCipherFromBase64(secret.GenerateKey())
	require.NoError(t, err)
	st := memory.New(cipher)
	ctx := context.Background()

	organizer, err := st.Users().Create(ctx, &store.User{Email: "org@example.com", Name: "Org"})
	require.NoError(t, err)
	event, err := st.Events().Create(ctx, &store.Event{
		Name: "Launch", StartDate: time.Now().Add(time.Hour).UTC(), Timezone: "UTC",
		IsPublic: true, OrganizerUserID: organizer.ID, WorkflowID: "wf-launch",
	})
	require.NoError(t, err)

	sender := &fakeSender{}
	resolver := resolve.New(st.Integrations(), cipher)
	return &env{
		st:     st,
		cipher: cipher,
		sender: sender,
		disp:   New(st.Subscriptions(), resolver, sender, opts...),
		event:  event,
	}
}

// subscriber creates a user with one active gotify integration and a
// subscription selecting it.
func (e *env) subscriber(t *testing.T, email string) *store.Subscription {
	t.Helper()
	ctx := context.Background()
	u, err := e.st.Users().Create(ctx, &store.User{Email: email, Name: email})
	require.NoError(t, err)
	in, err := e.st.Integrations().Create(ctx, store.IntegrationCreate{
		UserID: u.ID, Name: "phone", Tag: "mobile",
		Type: store.IntegrationGotify, DeliveryURL: "gotify://push.example.com/" + email,
	})
	require.NoError(t, err)
	sub, err := e.st.Subscriptions().Create(ctx, e.event.ID, u.ID,
		[]store.SelectorSpec{{IntegrationID: &in.ID}}, []int64{300})
	require.NoError(t, err)
	return sub
}

// bareSubscriber creates a user with no integrations and no selectors.
func (e *env) bareSubscriber(t *testing.T, email string) *store.Subscription {
	t.Helper()
	ctx := context.Background()
	u, err := e.st.Users().Create(ctx, &store.User{Email: email, Name: email})
	require.NoError(t, err)
	sub, err := e.st.Subscriptions().Create(ctx, e.event.ID, u.ID, nil, nil)
	require.NoError(t, err)
	return sub
}

func note() notify.Notification {
	return notify.Notification{Title: "Event Updated: Launch", Body: "moved", Level: notify.LevelInfo}
}

func TestToSubscriptionDelivers(t *testing.T) {
	e := newEnv(t)
	sub := e.subscriber(t, "ada@example.com")

	r, err := e.disp.ToSubscription(context.Background(), sub.ID, note())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Success)
	assert.Equal(t, 0, r.Failed)
	require.Len(t, r.Details, 1)
	assert.Equal(t, StatusSuccess, r.Details[0].Status)
	assert.Equal(t, []string{"gotify://push.example.com"}, r.Details[0].Channels)
	require.Len(t, e.sender.urls(), 1)
}

func TestToSubscriptionNoChannelsNoFallback(t *testing.T) {
	e := newEnv(t, WithFallbackProfiles(
		config.SMTPProfile{Host: "smtp.example.com", Username: "svc"}, config.SMTPProfile{}))
	sub := e.bareSubscriber(t, "bare@example.com")

	r, err := e.disp.ToSubscription(context.Background(), sub.ID, note())
	require.NoError(t, err)
	assert.Equal(t, 0, r.Success)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, []string{"no channels"}, r.Details[0].Errors)
	assert.Empty(t, e.sender.urls(), "fallback must not fire for personal dispatch")
}

func TestToSubscriptionUnknownID(t *testing.T) {
	e := newEnv(t)
	_, err := e.disp.ToSubscription(context.Background(), 9999, note())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestToEventIsolatesFailures(t *testing.T) {
	e := newEnv(t)
	e.subscriber(t, "good1@example.com")
	e.subscriber(t, "bad@example.com")
	e.subscriber(t, "good2@example.com")
	e.sender.failSubstr = "bad@example.com"

	r, err := e.disp.ToEvent(context.Background(), e.event.ID, note())
	require.NoError(t, err)
	assert.Equal(t, 3, r.TotalSubscribers)
	assert.Equal(t, 2, r.Success)
	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Details, 3)
}

func TestToEventFallbackOnlyWithoutSelectors(t *testing.T) {
	e := newEnv(t, WithFallbackProfiles(
		config.SMTPProfile{Host: "smtp.gmail.com", Port: 587, Username: "svc@gmail.com", Password: "p", From: "Soonish"},
		config.SMTPProfile{}))
	e.bareSubscriber(t, "u7@example.com")

	// A subscriber whose selector points at a disabled integration gets no
	// fallback: they expressed a preference.
	ctx := context.Background()
	u, err := e.st.Users().Create(ctx, &store.User{Email: "picky@example.com", Name: "Picky"})
	require.NoError(t, err)
	in, err := e.st.Integrations().Create(ctx, store.IntegrationCreate{
		UserID: u.ID, Name: "phone", Tag: "mobile",
		Type: store.IntegrationGotify, DeliveryURL: "gotify://push.example.com/x",
	})
	require.NoError(t, err)
	_, err = e.st.Subscriptions().Create(ctx, e.event.ID, u.ID,
		[]store.SelectorSpec{{IntegrationID: &in.ID}}, nil)
	require.NoError(t, err)
	require.NoError(t, e.st.Integrations().SetActive(ctx, in.ID, false))

	r, err := e.disp.ToEvent(ctx, e.event.ID, note())
	require.NoError(t, err)
	assert.Equal(t, 2, r.TotalSubscribers)
	assert.Equal(t, 1, r.Success)
	assert.Equal(t, 1, r.Failed)

	urls := e.sender.urls()
	require.Len(t, urls, 1, "exactly one fallback email attempt")
	assert.Contains(t, urls[0], "mailtos://")
	assert.Contains(t, urls[0], "to=u7%40example.com")

	for _, detail := range r.Details {
		if detail.Fallback {
			assert.Equal(t, StatusSuccess, detail.Status)
		} else {
			assert.Equal(t, StatusFailed, detail.Status)
		}
	}
}

func TestToEventNoFallbackSenderConfigured(t *testing.T) {
	e := newEnv(t)
	e.bareSubscriber(t, "u@example.com")

	r, err := e.disp.ToEvent(context.Background(), e.event.ID, note())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Failed)
	assert.Contains(t, r.Details[0].Errors[0], "no fallback sender")
}

func TestToEventTagFilter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u, err := e.st.Users().Create(ctx, &store.User{Email: "multi@example.com", Name: "Multi"})
	require.NoError(t, err)
	for _, tag := range []string{"mobile", "desktop"} {
		_, err := e.st.Integrations().Create(ctx, store.IntegrationCreate{
			UserID: u.ID, Name: tag, Tag: tag,
			Type: store.IntegrationGotify, DeliveryURL: "gotify://push.example.com/" + tag,
		})
		require.NoError(t, err)
	}
	_, err = e.st.Subscriptions().Create(ctx, e.event.ID, u.ID,
		[]store.SelectorSpec{{Tag: ptr("mobile")}, {Tag: ptr("desktop")}}, nil)
	require.NoError(t, err)

	r, err := e.disp.ToEvent(ctx, e.event.ID, note(), "MOBILE")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Success)
	urls := e.sender.urls()
	require.Len(t, urls, 1)
	assert.Contains(t, urls[0], "/mobile")
}

// countingIntegrations counts per-subscription integration reads during
// resolution.
type countingIntegrations struct {
	store.Integrations
	mu    sync.Mutex
	reads int
}

func (c *countingIntegrations) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *countingIntegrations) ByID(ctx context.Context, id int64) (*store.Integration, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Integrations.ByID(ctx, id)
}

func (c *countingIntegrations) ByUserAndTag(ctx context.Context, userID int64, tag string, activeOnly bool) ([]*store.Integration, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Integrations.ByUserAndTag(ctx, userID, tag, activeOnly)
}

func TestToEventResolvesFromPreloadedIntegrations(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 10; i++ {
		e.subscriber(t, fmt.Sprintf("u%d@example.com", i))
	}

	counting := &countingIntegrations{Integrations: e.st.Integrations()}
	disp := New(e.st.Subscriptions(), resolve.New(counting, e.cipher), e.sender)

	r, err := disp.ToEvent(context.Background(), e.event.ID, note())
	require.NoError(t, err)
	assert.Equal(t, 10, r.Success)
	assert.Zero(t, counting.count(), "broadcast must resolve from the integrations loaded with the subscriptions")
}

func TestSinkReceivesReport(t *testing.T) {
	var got []*Report
	sink := sinkFunc(func(_ context.Context, r *Report) error {
		got = append(got, r)
		return nil
	})
	e := newEnv(t, WithSinks(sink))
	sub := e.subscriber(t, "ada@example.com")

	_, err := e.disp.ToSubscription(context.Background(), sub.ID, note())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "subscription", got[0].Scope)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].FinishedAt.Before(got[0].StartedAt))
}

func TestReportNeverLeaksDeliveryURL(t *testing.T) {
	e := newEnv(t)
	sub := e.subscriber(t, "ada@example.com")

	r, err := e.disp.ToSubscription(context.Background(), sub.ID, note())
	require.NoError(t, err)
	for _, detail := range r.Details {
		for _, ch := range detail.Channels {
			assert.NotContains(t, ch, "ada@example.com")
		}
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, statusOf(2, 0))
	assert.Equal(t, StatusPartial, statusOf(1, 1))
	assert.Equal(t, StatusFailed, statusOf(0, 1))
	assert.Equal(t, StatusFailed, statusOf(0, 0))
}

type sinkFunc func(context.Context, *Report) error

func (f sinkFunc) Record(ctx context.Context, r *Report) error { return f(ctx, r) }

func ptr[T any](v T) *T { return &v }
