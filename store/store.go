// Package store defines the domain model and the repository contracts of the
// Soonish core. Implementations live in store/postgres (production) and
// store/memory (tests and development).
//
// Encryption of integration secrets is applied in the write path: the store
// receives plaintext delivery URLs and persists ciphertext only. Reads return
// ciphertext; decryption happens in the resolver, never here.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness invariant would be violated:
// duplicate (event, user) subscription or duplicate (user, name, tag)
// integration.
var ErrConflict = errors.New("store: conflict")

// ErrValidation is returned when input violates a model-level invariant
// before it reaches persistence.
var ErrValidation = errors.New("store: validation")

// Users is the user repository.
type Users interface {
	ByID(ctx context.Context, id int64) (*User, error)
	ByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, u *User) (*User, error)
	// GetOrCreateByEmail returns the user for email, creating an unverified
	// password-less account when none exists. The bool reports creation.
	GetOrCreateByEmail(ctx context.Context, email, name string) (*User, bool, error)
}

// Events is the event repository.
type Events interface {
	ByID(ctx context.Context, id int64) (*Event, error)
	ByWorkflowID(ctx context.Context, workflowID string) (*Event, error)
	Create(ctx context.Context, e *Event) (*Event, error)
	// Update applies the non-nil fields of upd and returns the new row.
	Update(ctx context.Context, id int64, upd EventUpdate) (*Event, error)
	// Delete removes the event, cascading subscriptions, selectors,
	// reminders and invitations.
	Delete(ctx context.Context, id int64) error
	// ListPublic pages public events ordered by start date. A limit of zero
	// or less means no limit.
	ListPublic(ctx context.Context, skip, limit int) ([]*Event, error)
	// ListVisibleForUser returns public events plus those the user
	// organizes or subscribes to. Same paging semantics as ListPublic.
	ListVisibleForUser(ctx context.Context, userID int64, skip, limit int) ([]*Event, error)
	// CanView reports whether the user may see the event: public, organizer,
	// subscriber, or holder of a valid unused invitation.
	CanView(ctx context.Context, eventID, userID int64) (bool, error)
}

// IntegrationCreate is the write-side form of an Integration. DeliveryURL and
// Config are plaintext; the repository encrypts before persisting.
type IntegrationCreate struct {
	UserID      int64
	Name        string
	Tag         string
	Type        IntegrationType
	DeliveryURL string
	Config      string
}

// Integrations is the integration repository.
type Integrations interface {
	ByID(ctx context.Context, id int64) (*Integration, error)
	// ByUser lists a user's integrations, optionally only active ones.
	ByUser(ctx context.Context, userID int64, activeOnly bool) ([]*Integration, error)
	// ByUserAndTag lists a user's integrations with the given normalized tag.
	ByUserAndTag(ctx context.Context, userID int64, tag string, activeOnly bool) ([]*Integration, error)
	Create(ctx context.Context, in IntegrationCreate) (*Integration, error)
	// GetOrCreate is keyed on the (user_id, name, tag) uniqueness; an
	// existing row is returned unchanged with created=false.
	GetOrCreate(ctx context.Context, in IntegrationCreate) (*Integration, bool, error)
	SetActive(ctx context.Context, id int64, active bool) error
	// Delete removes the integration, cascading selectors that reference it.
	Delete(ctx context.Context, id int64) error
}

// Subscriptions is the subscription repository.
type Subscriptions interface {
	// ByID loads a subscription with selectors and reminders eagerly loaded.
	ByID(ctx context.Context, id int64) (*Subscription, error)
	// ByEvent loads all subscriptions of an event with selectors, user and
	// the user's integrations eagerly loaded, avoiding per-subscriber reads
	// during fan-out.
	ByEvent(ctx context.Context, eventID int64) ([]*Subscription, error)
	ByEventAndUser(ctx context.Context, eventID, userID int64) (*Subscription, error)
	// Create inserts the subscription with its selectors and reminder
	// offsets atomically. Returns ErrConflict for a duplicate (event, user).
	Create(ctx context.Context, eventID, userID int64, selectors []SelectorSpec, offsets []int64) (*Subscription, error)
	// ReminderOffsetsByEvent returns subscription id -> reminder offsets for
	// every subscription of the event.
	ReminderOffsetsByEvent(ctx context.Context, eventID int64) (map[int64][]int64, error)
	Delete(ctx context.Context, id int64) error
}

// UnsubscribeTokens is the unsubscribe token repository.
type UnsubscribeTokens interface {
	Create(ctx context.Context, t *UnsubscribeToken) error
	ByToken(ctx context.Context, token string) (*UnsubscribeToken, error)
	MarkUsed(ctx context.Context, token string) error
}

// Invitations is the event invitation repository.
type Invitations interface {
	Create(ctx context.Context, inv *Invitation) (*Invitation, error)
	ByToken(ctx context.Context, token string) (*Invitation, error)
	ByEvent(ctx context.Context, eventID int64) ([]*Invitation, error)
	MarkUsed(ctx context.Context, id int64) error
}

// Store aggregates the repositories over a shared backend.
type Store interface {
	Users() Users
	Events() Events
	Integrations() Integrations
	Subscriptions() Subscriptions
	UnsubscribeTokens() UnsubscribeTokens
	Invitations() Invitations
}
