package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soonishlabs/soonish/secret"
	"github.com/soonishlabs/soonish/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	cipher, err := secret.NewCipherFromBase64(secret.GenerateKey())
	require.NoError(t, err)
	return New(cipher)
}

func seedUser(t *testing.T, s *Store, email string) *store.User {
	t.Helper()
	u, err := s.Users().Create(context.Background(), &store.User{Email: email, Name: "Test"})
	require.NoError(t, err)
	return u
}

func seedEvent(t *testing.T, s *Store, organizer int64, workflowID string) *store.Event {
	t.Helper()
	e, err := s.Events().Create(context.Background(), &store.Event{
		Name:            "Launch",
		StartDate:       time.Date(2025, 3, 1, 12, 10, 0, 0, time.UTC),
		IsPublic:        true,
		OrganizerUserID: organizer,
		WorkflowID:      workflowID,
	})
	require.NoError(t, err)
	return e
}

func TestUserEmailIsCaseInsensitive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u := seedUser(t, s, "Alice@Example.COM")
	assert.Equal(t, "alice@example.com", u.Email)

	got, err := s.Users().ByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.Users().Create(ctx, &store.User{Email: "alice@EXAMPLE.com", Name: "Dup"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestGetOrCreateByEmail(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u1, created, err := s.Users().GetOrCreateByEmail(ctx, "anon@example.com", "Anon")
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, u1.IsVerified)
	assert.Nil(t, u1.PasswordHash)

	u2, created, err := s.Users().GetOrCreateByEmail(ctx, "anon@example.com", "Other")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u1.ID, u2.ID)
}

func TestGetOrCreateByEmailConcurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[int64]int)
		creates int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, created, err := s.Users().GetOrCreateByEmail(ctx, "race@example.com", "Race")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[u.ID]++
			if created {
				creates++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, ids, 1, "all callers must land on the same user")
	assert.Equal(t, 1, creates)
}

func TestIntegrationUniquenessAndTagNormalization(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com")

	in, err := s.Integrations().Create(ctx, store.IntegrationCreate{
		UserID: u.ID, Name: "phone", Tag: "Urgent",
		Type: store.IntegrationGotify, DeliveryURL: "gotifys://push.example.com/tok",
	})
	require.NoError(t, err)
	assert.Equal(t, "urgent", in.Tag)
	assert.NotEmpty(t, in.EncryptedURL)
	assert.NotContains(t, string(in.EncryptedURL), "push.example.com")

	_, err = s.Integrations().Create(ctx, store.IntegrationCreate{
		UserID: u.ID, Name: "phone", Tag: "URGENT",
		Type: store.IntegrationGotify, DeliveryURL: "gotifys://push.example.com/tok",
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Integrations().Create(ctx, store.IntegrationCreate{
		UserID: u.ID, Name: "bad", Tag: "  ",
		Type: store.IntegrationGotify, DeliveryURL: "gotify://x/y",
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestIntegrationGetOrCreate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com")

	in := store.IntegrationCreate{
		UserID: u.ID, Name: "phone", Tag: "urgent",
		Type: store.IntegrationNtfy, DeliveryURL: "ntfy://ntfy.sh/me",
	}
	first, created, err := s.Integrations().GetOrCreate(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	second, created, err := s.Integrations().GetOrCreate(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestSubscriptionUniqueness(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com")
	e := seedEvent(t, s, u.ID, "wf-1")

	_, err := s.Subscriptions().Create(ctx, e.ID, u.ID, nil, []int64{300})
	require.NoError(t, err)
	_, err = s.Subscriptions().Create(ctx, e.ID, u.ID, nil, nil)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSubscriptionSelectorOneOf(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com")
	e := seedEvent(t, s, u.ID, "wf-1")

	iid := int64(1)
	tag := "urgent"
	_, err := s.Subscriptions().Create(ctx, e.ID, u.ID,
		[]store.SelectorSpec{{IntegrationID: &iid, Tag: &tag}}, nil)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = s.Subscriptions().Create(ctx, e.ID, u.ID,
		[]store.SelectorSpec{{}}, nil)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSubscriptionEagerLoading(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com")
	e := seedEvent(t, s, u.ID, "wf-1")
	tag := "Urgent"

	in, err := s.Integrations().Create(ctx, store.IntegrationCreate{
		UserID: u.ID, Name: "phone", Tag: "urgent",
		Type: store.IntegrationGotify, DeliveryURL: "gotify://h/t",
	})
	require.NoError(t, err)
	require.NoError(t, s.Integrations().SetActive(ctx, in.ID, false))

	sub, err := s.Subscriptions().Create(ctx, e.ID, u.ID,
		[]store.SelectorSpec{{Tag: &tag}}, []int64{3600, 300})
	require.NoError(t, err)
	require.Len(t, sub.Selectors, 1)
	assert.Equal(t, "urgent", *sub.Selectors[0].Tag)
	require.Len(t, sub.Reminders, 2)

	subs, err := s.Subscriptions().ByEvent(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].User)
	assert.Equal(t, u.ID, subs[0].User.ID)

	// Inactive integrations ride along too; resolution filters them.
	require.Len(t, subs[0].User.Integrations, 1)
	assert.Equal(t, in.ID, subs[0].User.Integrations[0].ID)
	assert.False(t, subs[0].User.Integrations[0].IsActive)
}

func TestReminderOffsetsByEvent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u1 := seedUser(t, s, "a@example.com")
	u2 := seedUser(t, s, "b@example.com")
	e := seedEvent(t, s, u1.ID, "wf-1")

	sub1, err := s.Subscriptions().Create(ctx, e.ID, u1.ID, nil, []int64{3600, 300})
	require.NoError(t, err)
	sub2, err := s.Subscriptions().Create(ctx, e.ID, u2.ID, nil, nil)
	require.NoError(t, err)

	offsets, err := s.Subscriptions().ReminderOffsetsByEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{300, 3600}, offsets[sub1.ID])
	assert.Empty(t, offsets[sub2.ID])
}

func TestEventDeleteCascades(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com")
	e := seedEvent(t, s, u.ID, "wf-1")
	sub, err := s.Subscriptions().Create(ctx, e.ID, u.ID, nil, []int64{300})
	require.NoError(t, err)
	tok := store.NewUnsubscribeToken(sub.ID, time.Now().UTC())
	require.NoError(t, s.UnsubscribeTokens().Create(ctx, tok))

	require.NoError(t, s.Events().Delete(ctx, e.ID))

	_, err = s.Subscriptions().ByID(ctx, sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.UnsubscribeTokens().ByToken(ctx, tok.Token)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIntegrationDeleteCascadesSelectors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com")
	e := seedEvent(t, s, u.ID, "wf-1")
	in, err := s.Integrations().Create(ctx, store.IntegrationCreate{
		UserID: u.ID, Name: "phone", Tag: "urgent",
		Type: store.IntegrationGotify, DeliveryURL: "gotify://h/t",
	})
	require.NoError(t, err)
	sub, err := s.Subscriptions().Create(ctx, e.ID, u.ID,
		[]store.SelectorSpec{{IntegrationID: &in.ID}}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Integrations().Delete(ctx, in.ID))

	got, err := s.Subscriptions().ByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Selectors)
}

func TestUnsubscribeTokenLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com")
	e := seedEvent(t, s, u.ID, "wf-1")
	sub, err := s.Subscriptions().Create(ctx, e.ID, u.ID, nil, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	tok := store.NewUnsubscribeToken(sub.ID, now)
	assert.True(t, tok.Valid(now))
	assert.False(t, tok.Valid(now.Add(61*24*time.Hour)))

	require.NoError(t, s.UnsubscribeTokens().Create(ctx, tok))
	require.NoError(t, s.UnsubscribeTokens().MarkUsed(ctx, tok.Token))

	got, err := s.UnsubscribeTokens().ByToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.False(t, got.Valid(now))
}

func TestCanView(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	organizer := seedUser(t, s, "org@example.com")
	invitee := seedUser(t, s, "guest@example.com")
	outsider := seedUser(t, s, "out@example.com")

	e, err := s.Events().Create(ctx, &store.Event{
		Name: "Private", StartDate: time.Now().UTC().Add(time.Hour),
		IsPublic: false, OrganizerUserID: organizer.ID, WorkflowID: "wf-private",
	})
	require.NoError(t, err)

	ok, err := s.Events().CanView(ctx, e.ID, organizer.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Events().CanView(ctx, e.ID, outsider.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	inv := store.NewInvitation(e.ID, invitee.Email, organizer.ID, time.Now().UTC())
	_, err = s.Invitations().Create(ctx, inv)
	require.NoError(t, err)

	ok, err = s.Events().CanView(ctx, e.ID, invitee.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListVisibleForUser(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	organizer := seedUser(t, s, "org@example.com")
	subscriber := seedUser(t, s, "sub@example.com")

	pub := seedEvent(t, s, organizer.ID, "wf-pub")
	priv, err := s.Events().Create(ctx, &store.Event{
		Name: "Private", StartDate: time.Now().UTC().Add(time.Hour),
		IsPublic: false, OrganizerUserID: organizer.ID, WorkflowID: "wf-priv",
	})
	require.NoError(t, err)
	_, err = s.Subscriptions().Create(ctx, priv.ID, subscriber.ID, nil, nil)
	require.NoError(t, err)

	visible, err := s.Events().ListVisibleForUser(ctx, subscriber.ID, 0, 100)
	require.NoError(t, err)
	ids := make([]int64, len(visible))
	for i, e := range visible {
		ids[i] = e.ID
	}
	assert.ElementsMatch(t, []int64{pub.ID, priv.ID}, ids)
}

func TestEventWorkflowIDUnique(t *testing.T) {
	s := newStore(t)
	u := seedUser(t, s, "a@example.com")
	seedEvent(t, s, u.ID, "wf-dup")
	_, err := s.Events().Create(context.Background(), &store.Event{
		Name: "Other", StartDate: time.Now().UTC(),
		OrganizerUserID: u.ID, WorkflowID: "wf-dup",
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}
