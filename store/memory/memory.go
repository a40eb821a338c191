// Package memory provides an in-memory store.Store for tests and local
// development. It enforces the same uniqueness, cascade and normalization
// invariants as the Postgres implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soonishlabs/soonish/secret"
	"github.com/soonishlabs/soonish/store"
)

// Store is an in-memory implementation of store.Store. Safe for concurrent
// use; every operation takes the single store lock, mirroring the short
// per-operation transactions of the SQL backend.
type Store struct {
	cipher *secret.Cipher
	now    func() time.Time

	mu            sync.Mutex
	users         map[int64]*store.User
	events        map[int64]*store.Event
	integrations  map[int64]*store.Integration
	subscriptions map[int64]*store.Subscription
	selectors     map[int64]*store.Selector
	reminders     map[int64]*store.Reminder
	unsubTokens   map[string]*store.UnsubscribeToken
	invitations   map[int64]*store.Invitation
	nextID        int64
}

// Option customizes the store.
type Option func(*Store)

// WithNow overrides the clock, for tests that need deterministic timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs an empty store. The cipher encrypts integration secrets on
// write, exactly as the SQL store does.
func New(cipher *secret.Cipher, opts ...Option) *Store {
	s := &Store{
		cipher:        cipher,
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[int64]*store.User),
		events:        make(map[int64]*store.Event),
		integrations:  make(map[int64]*store.Integration),
		subscriptions: make(map[int64]*store.Subscription),
		selectors:     make(map[int64]*store.Selector),
		reminders:     make(map[int64]*store.Reminder),
		unsubTokens:   make(map[string]*store.UnsubscribeToken),
		invitations:   make(map[int64]*store.Invitation),
		nextID:        1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Users() store.Users                         { return (*users)(s) }
func (s *Store) Events() store.Events                       { return (*events)(s) }
func (s *Store) Integrations() store.Integrations           { return (*integrations)(s) }
func (s *Store) Subscriptions() store.Subscriptions         { return (*subscriptions)(s) }
func (s *Store) UnsubscribeTokens() store.UnsubscribeTokens { return (*unsubTokens)(s) }
func (s *Store) Invitations() store.Invitations             { return (*invitations)(s) }

func (s *Store) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

type users Store

func (r *users) ByID(_ context.Context, id int64) (*store.User, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *users) ByEmail(_ context.Context, email string) (*store.User, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userByEmailLocked(email)
}

func (s *Store) userByEmailLocked(email string) (*store.User, error) {
	email = store.NormalizeEmail(email)
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *users) Create(_ context.Context, u *store.User) (*store.User, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.userByEmailLocked(u.Email); err == nil {
		return nil, fmt.Errorf("%w: user email %q", store.ErrConflict, u.Email)
	}
	cp := *u
	cp.ID = s.allocID()
	cp.Email = store.NormalizeEmail(u.Email)
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.users[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *users) GetOrCreateByEmail(_ context.Context, email, name string) (*store.User, bool, error) {
	// Lookup and insert under one lock so concurrent callers for the same
	// email all land on the same row, like the SQL upsert.
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, err := s.userByEmailLocked(email); err == nil {
		return u, false, nil
	}
	now := s.now()
	u := &store.User{
		ID:        s.allocID(),
		Email:     store.NormalizeEmail(email),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, true, nil
}

type events Store

func (r *events) ByID(_ context.Context, id int64) (*store.Event, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *events) ByWorkflowID(_ context.Context, workflowID string) (*store.Event, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.WorkflowID == workflowID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *events) Create(_ context.Context, e *store.Event) (*store.Event, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.WorkflowID == e.WorkflowID {
			return nil, fmt.Errorf("%w: workflow id %q", store.ErrConflict, e.WorkflowID)
		}
	}
	cp := *e
	cp.ID = s.allocID()
	if cp.Timezone == "" {
		cp.Timezone = "UTC"
	}
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.events[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *events) Update(_ context.Context, id int64, upd store.EventUpdate) (*store.Event, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if upd.Name != nil {
		e.Name = *upd.Name
	}
	if upd.Description != nil {
		e.Description = upd.Description
	}
	if upd.StartDate != nil {
		e.StartDate = *upd.StartDate
	}
	if upd.EndDate != nil {
		e.EndDate = upd.EndDate
	}
	if upd.Location != nil {
		e.Location = upd.Location
	}
	e.UpdatedAt = s.now()
	cp := *e
	return &cp, nil
}

func (r *events) Delete(_ context.Context, id int64) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.events, id)
	for sid, sub := range s.subscriptions {
		if sub.EventID == id {
			s.deleteSubscriptionLocked(sid)
		}
	}
	for iid, inv := range s.invitations {
		if inv.EventID == id {
			delete(s.invitations, iid)
		}
	}
	return nil
}

func (r *events) ListPublic(_ context.Context, skip, limit int) ([]*store.Event, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Event
	for _, e := range s.events {
		if e.IsPublic {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortEvents(out)
	return page(out, skip, limit), nil
}

func (r *events) ListVisibleForUser(_ context.Context, userID int64, skip, limit int) ([]*store.Event, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	subscribed := make(map[int64]bool)
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			subscribed[sub.EventID] = true
		}
	}
	var out []*store.Event
	for _, e := range s.events {
		if e.IsPublic || e.OrganizerUserID == userID || subscribed[e.ID] {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortEvents(out)
	return page(out, skip, limit), nil
}

func (r *events) CanView(_ context.Context, eventID, userID int64) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return false, store.ErrNotFound
	}
	if e.IsPublic || e.OrganizerUserID == userID {
		return true, nil
	}
	for _, sub := range s.subscriptions {
		if sub.EventID == eventID && sub.UserID == userID {
			return true, nil
		}
	}
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	now := s.now()
	for _, inv := range s.invitations {
		if inv.EventID == eventID && inv.Email == u.Email && inv.Valid(now) {
			return true, nil
		}
	}
	return false, nil
}

type integrations Store

func (r *integrations) ByID(_ context.Context, id int64) (*store.Integration, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (r *integrations) ByUser(_ context.Context, userID int64, activeOnly bool) ([]*store.Integration, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrationsByUserLocked(userID, "", activeOnly), nil
}

func (r *integrations) ByUserAndTag(_ context.Context, userID int64, tag string, activeOnly bool) ([]*store.Integration, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrationsByUserLocked(userID, store.NormalizeTag(tag), activeOnly), nil
}

func (s *Store) integrationsByUserLocked(userID int64, tag string, activeOnly bool) []*store.Integration {
	var out []*store.Integration
	for _, in := range s.integrations {
		if in.UserID != userID {
			continue
		}
		if activeOnly && !in.IsActive {
			continue
		}
		if tag != "" && in.Tag != tag {
			continue
		}
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *integrations) Create(_ context.Context, in store.IntegrationCreate) (*store.Integration, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createIntegrationLocked(in)
}

func (s *Store) createIntegrationLocked(in store.IntegrationCreate) (*store.Integration, error) {
	tag := store.NormalizeTag(in.Tag)
	if tag == "" {
		return nil, fmt.Errorf("%w: integration tag must not be empty", store.ErrValidation)
	}
	for _, existing := range s.integrations {
		if existing.UserID == in.UserID && existing.Name == in.Name && existing.Tag == tag {
			return nil, fmt.Errorf("%w: integration (%d, %q, %q)", store.ErrConflict, in.UserID, in.Name, tag)
		}
	}
	encURL, err := s.cipher.Encrypt(in.DeliveryURL)
	if err != nil {
		return nil, fmt.Errorf("encrypt delivery url: %w", err)
	}
	var encCfg []byte
	if in.Config != "" {
		if encCfg, err = s.cipher.Encrypt(in.Config); err != nil {
			return nil, fmt.Errorf("encrypt config: %w", err)
		}
	}
	now := s.now()
	row := &store.Integration{
		ID:              s.allocID(),
		UserID:          in.UserID,
		Name:            in.Name,
		Tag:             tag,
		Type:            in.Type,
		IsActive:        true,
		EncryptedURL:    encURL,
		EncryptedConfig: encCfg,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.integrations[row.ID] = row
	cp := *row
	return &cp, nil
}

func (r *integrations) GetOrCreate(_ context.Context, in store.IntegrationCreate) (*store.Integration, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := store.NormalizeTag(in.Tag)
	for _, existing := range s.integrations {
		if existing.UserID == in.UserID && existing.Name == in.Name && existing.Tag == tag {
			cp := *existing
			return &cp, false, nil
		}
	}
	row, err := s.createIntegrationLocked(in)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (r *integrations) SetActive(_ context.Context, id int64, active bool) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok {
		return store.ErrNotFound
	}
	in.IsActive = active
	in.UpdatedAt = s.now()
	return nil
}

func (r *integrations) Delete(_ context.Context, id int64) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.integrations[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.integrations, id)
	for sid, sel := range s.selectors {
		if sel.IntegrationID != nil && *sel.IntegrationID == id {
			delete(s.selectors, sid)
		}
	}
	return nil
}

type subscriptions Store

func (r *subscriptions) ByID(_ context.Context, id int64) (*store.Subscription, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.loadSubscriptionLocked(sub, false), nil
}

func (r *subscriptions) ByEvent(_ context.Context, eventID int64) ([]*store.Subscription, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Subscription
	for _, sub := range s.subscriptions {
		if sub.EventID == eventID {
			out = append(out, s.loadSubscriptionLocked(sub, true))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *subscriptions) ByEventAndUser(_ context.Context, eventID, userID int64) (*store.Subscription, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.EventID == eventID && sub.UserID == userID {
			return s.loadSubscriptionLocked(sub, false), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) loadSubscriptionLocked(sub *store.Subscription, withUser bool) *store.Subscription {
	cp := *sub
	cp.Selectors = nil
	cp.Reminders = nil
	for _, sel := range s.selectors {
		if sel.SubscriptionID == sub.ID {
			cp.Selectors = append(cp.Selectors, *sel)
		}
	}
	sort.Slice(cp.Selectors, func(i, j int) bool { return cp.Selectors[i].ID < cp.Selectors[j].ID })
	for _, rem := range s.reminders {
		if rem.SubscriptionID == sub.ID {
			cp.Reminders = append(cp.Reminders, *rem)
		}
	}
	sort.Slice(cp.Reminders, func(i, j int) bool { return cp.Reminders[i].ID < cp.Reminders[j].ID })
	if withUser {
		if u, ok := s.users[sub.UserID]; ok {
			ucp := *u
			ucp.Integrations = s.integrationsByUserLocked(sub.UserID, "", false)
			cp.User = &ucp
		}
	}
	return &cp
}

func (r *subscriptions) Create(_ context.Context, eventID, userID int64, selectors []store.SelectorSpec, offsets []int64) (*store.Subscription, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		return nil, fmt.Errorf("%w: event %d", store.ErrNotFound, eventID)
	}
	if _, ok := s.users[userID]; !ok {
		return nil, fmt.Errorf("%w: user %d", store.ErrNotFound, userID)
	}
	for _, sub := range s.subscriptions {
		if sub.EventID == eventID && sub.UserID == userID {
			return nil, fmt.Errorf("%w: subscription (%d, %d)", store.ErrConflict, eventID, userID)
		}
	}
	for _, spec := range selectors {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	for _, off := range offsets {
		if off < 0 {
			return nil, fmt.Errorf("%w: negative reminder offset %d", store.ErrValidation, off)
		}
	}
	now := s.now()
	sub := &store.Subscription{ID: s.allocID(), EventID: eventID, UserID: userID, CreatedAt: now}
	s.subscriptions[sub.ID] = sub
	for _, spec := range selectors {
		sel := &store.Selector{
			ID:             s.allocID(),
			SubscriptionID: sub.ID,
			IntegrationID:  spec.IntegrationID,
			CreatedAt:      now,
		}
		if spec.Tag != nil {
			tag := store.NormalizeTag(*spec.Tag)
			sel.Tag = &tag
		}
		s.selectors[sel.ID] = sel
	}
	for _, off := range offsets {
		rem := &store.Reminder{
			ID:             s.allocID(),
			SubscriptionID: sub.ID,
			OffsetSeconds:  off,
			CreatedAt:      now,
		}
		s.reminders[rem.ID] = rem
	}
	return s.loadSubscriptionLocked(sub, false), nil
}

func (r *subscriptions) ReminderOffsetsByEvent(_ context.Context, eventID int64) (map[int64][]int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]int64)
	for _, sub := range s.subscriptions {
		if sub.EventID != eventID {
			continue
		}
		var offsets []int64
		for _, rem := range s.reminders {
			if rem.SubscriptionID == sub.ID {
				offsets = append(offsets, rem.OffsetSeconds)
			}
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		out[sub.ID] = offsets
	}
	return out, nil
}

func (r *subscriptions) Delete(_ context.Context, id int64) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[id]; !ok {
		return store.ErrNotFound
	}
	s.deleteSubscriptionLocked(id)
	return nil
}

func (s *Store) deleteSubscriptionLocked(id int64) {
	delete(s.subscriptions, id)
	for sid, sel := range s.selectors {
		if sel.SubscriptionID == id {
			delete(s.selectors, sid)
		}
	}
	for rid, rem := range s.reminders {
		if rem.SubscriptionID == id {
			delete(s.reminders, rid)
		}
	}
	for tok, t := range s.unsubTokens {
		if t.SubscriptionID == id {
			delete(s.unsubTokens, tok)
		}
	}
}

type unsubTokens Store

func (r *unsubTokens) Create(_ context.Context, t *store.UnsubscribeToken) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unsubTokens[t.Token]; ok {
		return fmt.Errorf("%w: token", store.ErrConflict)
	}
	cp := *t
	s.unsubTokens[t.Token] = &cp
	return nil
}

func (r *unsubTokens) ByToken(_ context.Context, token string) (*store.UnsubscribeToken, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.unsubTokens[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *unsubTokens) MarkUsed(_ context.Context, token string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.unsubTokens[token]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	t.UsedAt = &now
	return nil
}

type invitations Store

func (r *invitations) Create(_ context.Context, inv *store.Invitation) (*store.Invitation, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[inv.EventID]; !ok {
		return nil, fmt.Errorf("%w: event %d", store.ErrNotFound, inv.EventID)
	}
	for _, existing := range s.invitations {
		if existing.Token == inv.Token {
			return nil, fmt.Errorf("%w: invitation token", store.ErrConflict)
		}
	}
	cp := *inv
	cp.ID = s.allocID()
	cp.CreatedAt = s.now()
	s.invitations[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *invitations) ByToken(_ context.Context, token string) (*store.Invitation, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invitations {
		if inv.Token == token {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *invitations) ByEvent(_ context.Context, eventID int64) ([]*store.Invitation, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Invitation
	for _, inv := range s.invitations {
		if inv.EventID == eventID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *invitations) MarkUsed(_ context.Context, id int64) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	inv.UsedAt = &now
	return nil
}

func sortEvents(events []*store.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].StartDate.Equal(events[j].StartDate) {
			return events[i].ID < events[j].ID
		}
		return events[i].StartDate.Before(events[j].StartDate)
	})
}

func page[T any](items []T, skip, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
