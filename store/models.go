package store

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// User is an account identified by a unique case-insensitive email. Users
// created implicitly on first anonymous subscribe carry no password hash and
// are unverified. The core never destroys users.
type User struct {
	ID           int64     `db:"id"`
	Email        string    `db:"email"`
	Name         string    `db:"name"`
	PasswordHash *string   `db:"password_hash"`
	IsVerified   bool      `db:"is_verified"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`

	// Integrations is populated only by the broadcast read
	// (Subscriptions.ByEvent): all of the user's integrations, active or not.
	// Nil on every other read path.
	Integrations []*Integration `db:"-"`
}

// Event is a one-shot event. WorkflowID is the durable lifecycle workflow
// identifier and is unique across events. EndDate, when set, is never before
// StartDate. Deleting an event cascades subscriptions, selectors, reminder
// rows and invitations.
type Event struct {
	ID              int64      `db:"id"`
	Name            string     `db:"name"`
	Description     *string    `db:"description"`
	StartDate       time.Time  `db:"start_date"`
	EndDate         *time.Time `db:"end_date"`
	Timezone        string     `db:"timezone"`
	Location        *string    `db:"location"`
	IsPublic        bool       `db:"is_public"`
	OrganizerUserID int64      `db:"organizer_user_id"`
	WorkflowID      string     `db:"workflow_id"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// EventUpdate carries the mutable event fields for UpdateEvent. Nil pointers
// leave the stored value untouched.
type EventUpdate struct {
	Name        *string
	Description *string
	StartDate   *time.Time
	EndDate     *time.Time
	Location    *string
}

// IntegrationType enumerates the supported delivery channel kinds.
type IntegrationType string

const (
	IntegrationGotify  IntegrationType = "gotify"
	IntegrationEmail   IntegrationType = "email"
	IntegrationNtfy    IntegrationType = "ntfy"
	IntegrationDiscord IntegrationType = "discord"
	IntegrationSlack   IntegrationType = "slack"
)

// Integration is a user-owned delivery channel. The delivery URL and the
// original typed config are ciphertext at rest; plaintext only materializes
// inside the resolver and drivers during a send. (user_id, name, tag) is
// unique; tags are lowercased on write.
type Integration struct {
	ID           int64           `db:"id"`
	UserID       int64           `db:"user_id"`
	Name         string          `db:"name"`
	Tag          string          `db:"tag"`
	Type         IntegrationType `db:"integration_type"`
	IsActive     bool            `db:"is_active"`
	EncryptedURL []byte          `db:"delivery_url_encrypted"`
	// EncryptedConfig stores the original typed config for later editing.
	// May be nil for integrations created from a raw URL.
	EncryptedConfig []byte    `db:"config_encrypted"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Subscription links a user to an event. At most one per (event, user).
type Subscription struct {
	ID        int64     `db:"id"`
	EventID   int64     `db:"event_id"`
	UserID    int64     `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`

	// Selectors and Reminders are populated by the eager-loading reads
	// (SubscriptionByID, SubscriptionsByEvent).
	Selectors []Selector `db:"-"`
	Reminders []Reminder `db:"-"`
	// User is populated by SubscriptionsByEvent together with the user's
	// integrations, so broadcast resolution needs no further store reads.
	User *User `db:"-"`
}

// Selector expresses one component of a subscription's delivery preference:
// either a specific integration or a tag match. Exactly one of IntegrationID
// and Tag is set.
type Selector struct {
	ID             int64     `db:"id"`
	SubscriptionID int64     `db:"subscription_id"`
	IntegrationID  *int64    `db:"integration_id"`
	Tag            *string   `db:"tag"`
	CreatedAt      time.Time `db:"created_at"`
}

// SelectorSpec is the write-side form of a Selector.
type SelectorSpec struct {
	IntegrationID *int64
	Tag           *string
}

// Validate checks the one-of invariant and tag shape.
func (s SelectorSpec) Validate() error {
	switch {
	case s.IntegrationID != nil && s.Tag != nil:
		return fmt.Errorf("%w: selector must set integration_id or tag, not both", ErrValidation)
	case s.IntegrationID == nil && s.Tag == nil:
		return fmt.Errorf("%w: selector must set integration_id or tag", ErrValidation)
	case s.Tag != nil && strings.TrimSpace(*s.Tag) == "":
		return fmt.Errorf("%w: selector tag must not be empty", ErrValidation)
	}
	return nil
}

// Reminder is one reminder firing for a subscription, OffsetSeconds before
// the event start. Absence of rows means the subscriber opted out.
type Reminder struct {
	ID             int64     `db:"id"`
	SubscriptionID int64     `db:"subscription_id"`
	OffsetSeconds  int64     `db:"offset_seconds"`
	CreatedAt      time.Time `db:"created_at"`
}

// UnsubscribeTokenTTL is how long an unsubscribe token stays redeemable.
const UnsubscribeTokenTTL = 60 * 24 * time.Hour

// UnsubscribeToken is a one-shot token that deletes its subscription when
// redeemed.
type UnsubscribeToken struct {
	Token          string     `db:"token"`
	SubscriptionID int64      `db:"subscription_id"`
	CreatedAt      time.Time  `db:"created_at"`
	UsedAt         *time.Time `db:"used_at"`
	ExpiresAt      time.Time  `db:"expires_at"`
}

// Valid reports whether the token is unused and unexpired at now.
func (t *UnsubscribeToken) Valid(now time.Time) bool {
	return t.UsedAt == nil && t.ExpiresAt.After(now)
}

// NewUnsubscribeToken generates a fresh token for a subscription.
func NewUnsubscribeToken(subscriptionID int64, now time.Time) *UnsubscribeToken {
	return &UnsubscribeToken{
		Token:          randomToken(),
		SubscriptionID: subscriptionID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(UnsubscribeTokenTTL),
	}
}

// InvitationTTL is the default invitation expiry.
const InvitationTTL = 7 * 24 * time.Hour

// Invitation is a token-addressed invite to a (usually private) event.
// Cascades with the event.
type Invitation struct {
	ID              int64      `db:"id"`
	EventID         int64      `db:"event_id"`
	Email           string     `db:"email"`
	Token           string     `db:"token"`
	InvitedByUserID int64      `db:"invited_by_user_id"`
	ExpiresAt       time.Time  `db:"expires_at"`
	UsedAt          *time.Time `db:"used_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

// Valid reports whether the invitation is unused and unexpired at now.
func (i *Invitation) Valid(now time.Time) bool {
	return i.UsedAt == nil && i.ExpiresAt.After(now)
}

// NewInvitation builds an invitation with the default expiry.
func NewInvitation(eventID int64, email string, invitedBy int64, now time.Time) *Invitation {
	return &Invitation{
		EventID:         eventID,
		Email:           NormalizeEmail(email),
		Token:           randomToken(),
		InvitedByUserID: invitedBy,
		ExpiresAt:       now.Add(InvitationTTL),
	}
}

// NormalizeTag lowercases a tag. All tag writes pass through here so matching
// is exact post-normalization.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// NormalizeEmail lowercases an email for the case-insensitive uniqueness
// constraint.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// randomToken returns a 48-byte (384-bit) URL-safe random string.
func randomToken() string {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("store: read random: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
