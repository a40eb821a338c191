// Package service implements the operations the API layer calls into the
// core: event CRUD wired to the lifecycle workflows, subscriptions with
// channel selectors and unsubscribe tokens, integrations and invitations.
// Authorization beyond ownership checks is the caller's responsibility.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/soonishlabs/soonish/activity"
	"github.com/soonishlabs/soonish/notify"
	"github.com/soonishlabs/soonish/notify/convert"
	"github.com/soonishlabs/soonish/secret"
	"github.com/soonishlabs/soonish/store"
	"github.com/soonishlabs/soonish/workflow"
)

// ErrForbidden is returned when the caller does not own the target entity.
var ErrForbidden = errors.New("service: forbidden")

// MaxStartDatePast is how far in the past an event may start at creation.
const MaxStartDatePast = time.Hour

// MaxReminderOffsets caps the reminder offsets of one subscription.
const MaxReminderOffsets = 20

// Orchestrator is the slice of the workflow facade the service needs.
type Orchestrator interface {
	StartEvent(ctx context.Context, eventID int64, snapshot *activity.EventDetails, workflowID string) error
	Signal(ctx context.Context, workflowID, name string, payload any) error
	QueryStatus(ctx context.Context, workflowID string) (*workflow.Status, error)
	Terminate(ctx context.Context, workflowID, reason string) error
}

// Sender is the slice of the driver registry used by TestIntegration.
type Sender interface {
	Send(ctx context.Context, deliveryURL string, n notify.Notification) notify.Outcome
}

// Schedules is the slice of the reminder registry the service needs to clean
// up a subscription's durable timers on unsubscribe.
type Schedules interface {
	DeleteForSubscription(ctx context.Context, eventID, subscriptionID int64) ([]string, error)
}

// Service bundles the boundary operations.
type Service struct {
	store     store.Store
	orch      Orchestrator
	sender    Sender
	schedules Schedules
	cipher    *secret.Cipher
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the service.
func New(st store.Store, orch Orchestrator, sender Sender, schedules Schedules, cipher *secret.Cipher, opts ...Option) *Service {
	s := &Service{
		store:     st,
		orch:      orch,
		sender:    sender,
		schedules: schedules,
		cipher:    cipher,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEventInput carries the event creation fields.
type CreateEventInput struct {
	Name            string
	Description     *string
	StartDate       time.Time
	EndDate         *time.Time
	Timezone        string
	Location        *string
	IsPublic        bool
	OrganizerUserID int64
}

// CreateEvent validates the input, persists the event and starts its
// lifecycle workflow. The workflow id is generated here and stored with the
// row.
func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (*store.Event, error) {
	now := s.now()
	if in.Name == "" {
		return nil, fmt.Errorf("%w: event name is required", store.ErrValidation)
	}
	if in.StartDate.Before(now.Add(-MaxStartDatePast)) {
		return nil, fmt.Errorf("%w: start_date more than %s in the past", store.ErrValidation, MaxStartDatePast)
	}
	if in.EndDate != nil && in.EndDate.Before(in.StartDate) {
		return nil, fmt.Errorf("%w: end_date before start_date", store.ErrValidation)
	}
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}

	event, err := s.store.Events().Create(ctx, &store.Event{
		Name:            in.Name,
		Description:     in.Description,
		StartDate:       in.StartDate.UTC(),
		EndDate:         in.EndDate,
		Timezone:        tz,
		Location:        in.Location,
		IsPublic:        in.IsPublic,
		OrganizerUserID: in.OrganizerUserID,
		WorkflowID:      "event-" + uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	snapshot := &activity.EventDetails{
		ID:          event.ID,
		Name:        event.Name,
		Description: event.Description,
		StartDate:   event.StartDate,
		EndDate:     event.EndDate,
		Location:    event.Location,
		Timezone:    event.Timezone,
		IsPublic:    event.IsPublic,
	}
	if err := s.orch.StartEvent(ctx, event.ID, snapshot, event.WorkflowID); err != nil {
		// Without its workflow the event would never notify anyone; roll the
		// row back.
		if delErr := s.store.Events().Delete(ctx, event.ID); delErr != nil {
			log.Error(ctx, delErr, log.KV{K: "msg", V: "orphan event cleanup failed"},
				log.KV{K: "event_id", V: event.ID})
		}
		return nil, fmt.Errorf("start event workflow: %w", err)
	}
	return event, nil
}

// UpdateEvent applies the changed fields and signals the workflow so
// subscribers get notified and schedules rebuild when the start moved.
// Organizer-only authorization is enforced here against callerID.
func (s *Service) UpdateEvent(ctx context.Context, eventID, callerID int64, upd store.EventUpdate) (*store.Event, error) {
	event, err := s.store.Events().ByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizerUserID != callerID {
		return nil, ErrForbidden
	}
	if upd.StartDate != nil {
		end := event.EndDate
		if upd.EndDate != nil {
			end = upd.EndDate
		}
		if end != nil && end.Before(*upd.StartDate) {
			return nil, fmt.Errorf("%w: end_date before start_date", store.ErrValidation)
		}
	}

	updated, err := s.store.Events().Update(ctx, eventID, upd)
	if err != nil {
		return nil, err
	}
	err = s.orch.Signal(ctx, updated.WorkflowID, workflow.SignalEventUpdated, workflow.EventUpdated{
		Name:        upd.Name,
		Description: upd.Description,
		StartDate:   upd.StartDate,
		EndDate:     upd.EndDate,
		Location:    upd.Location,
	})
	if err != nil {
		// The row is the source of truth; a finished workflow just means no
		// one is left to notify.
		log.Warn(ctx, log.KV{K: "msg", V: "event_updated signal not delivered"},
			log.KV{K: "event_id", V: eventID},
			log.KV{K: "workflow_id", V: updated.WorkflowID})
	}
	return updated, nil
}

// CancelEvent signals cancellation to the workflow. The workflow broadcasts
// and tears down schedules; the row stays for the record.
func (s *Service) CancelEvent(ctx context.Context, eventID, callerID int64) error {
	event, err := s.store.Events().ByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.OrganizerUserID != callerID {
		return ErrForbidden
	}
	return s.orch.Signal(ctx, event.WorkflowID, workflow.SignalCancelEvent, nil)
}

// DeleteEvent terminates the workflow and removes the event with all its
// dependents.
func (s *Service) DeleteEvent(ctx context.Context, eventID, callerID int64) error {
	event, err := s.store.Events().ByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.OrganizerUserID != callerID {
		return ErrForbidden
	}
	if err := s.orch.Terminate(ctx, event.WorkflowID, "event deleted"); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "workflow terminate on delete failed"},
			log.KV{K: "event_id", V: eventID},
			log.KV{K: "workflow_id", V: event.WorkflowID})
	}
	return s.store.Events().Delete(ctx, eventID)
}

// SubscribeResult carries the new subscription and its unsubscribe token.
type SubscribeResult struct {
	Subscription     *store.Subscription
	UnsubscribeToken string
}

// Subscribe creates a subscription with the given selectors and reminder
// offsets, mints an unsubscribe token and signals the event workflow. A
// duplicate (event, user) pair surfaces as store.ErrConflict. Selectors
// referencing integrations the user does not own are rejected.
func (s *Service) Subscribe(ctx context.Context, eventID, userID int64, selectors []store.SelectorSpec, offsets []int64) (*SubscribeResult, error) {
	if len(offsets) > MaxReminderOffsets {
		return nil, fmt.Errorf("%w: at most %d reminder offsets", store.ErrValidation, MaxReminderOffsets)
	}
	for _, off := range offsets {
		if off < 0 {
			return nil, fmt.Errorf("%w: negative reminder offset", store.ErrValidation)
		}
	}
	for _, sel := range selectors {
		if err := sel.Validate(); err != nil {
			return nil, err
		}
		if sel.IntegrationID != nil {
			in, err := s.store.Integrations().ByID(ctx, *sel.IntegrationID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("%w: integration %d not found", store.ErrValidation, *sel.IntegrationID)
				}
				return nil, err
			}
			if in.UserID != userID {
				return nil, ErrForbidden
			}
		}
	}

	event, err := s.store.Events().ByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.Subscriptions().Create(ctx, eventID, userID, selectors, offsets)
	if err != nil {
		return nil, err
	}
	token := store.NewUnsubscribeToken(sub.ID, s.now())
	if err := s.store.UnsubscribeTokens().Create(ctx, token); err != nil {
		return nil, fmt.Errorf("create unsubscribe token: %w", err)
	}

	err = s.orch.Signal(ctx, event.WorkflowID, workflow.SignalParticipantAdded, workflow.ParticipantAdded{
		SubscriptionID: sub.ID,
		UserID:         userID,
	})
	if err != nil {
		// Reminders for this subscriber will materialize on the next full
		// schedule rebuild; the subscription itself is durable.
		log.Warn(ctx, log.KV{K: "msg", V: "participant_added signal not delivered"},
			log.KV{K: "event_id", V: eventID},
			log.KV{K: "subscription_id", V: sub.ID})
	}
	return &SubscribeResult{Subscription: sub, UnsubscribeToken: token.Token}, nil
}

// SubscribeByEmail is the anonymous path: the subscriber supplies only an
// email, an unverified account is created on the fly and the subscription
// carries no selectors, so broadcasts reach them via email fallback.
func (s *Service) SubscribeByEmail(ctx context.Context, eventID int64, email, name string, offsets []int64) (*SubscribeResult, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", store.ErrValidation)
	}
	user, _, err := s.store.Users().GetOrCreateByEmail(ctx, email, name)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, eventID, user.ID, nil, offsets)
}

// Unsubscribe redeems an unsubscribe token: the token is burned, the
// subscription is removed and its remaining reminder timers are cancelled.
// Expired or already-used tokens surface as store.ErrNotFound.
func (s *Service) Unsubscribe(ctx context.Context, token string) error {
	t, err := s.store.UnsubscribeTokens().ByToken(ctx, token)
	if err != nil {
		return err
	}
	if !t.Valid(s.now()) {
		return store.ErrNotFound
	}
	// Burn the token before deleting the subscription: the delete cascades the
	// token row away, so marking it afterwards would find nothing.
	if err := s.store.UnsubscribeTokens().MarkUsed(ctx, token); err != nil {
		return err
	}
	sub, err := s.store.Subscriptions().ByID(ctx, t.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.Subscriptions().Delete(ctx, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := s.schedules.DeleteForSubscription(ctx, sub.EventID, sub.ID); err != nil {
		// The timers that survive fire into a deleted subscription and report
		// a single failure each; delivery cannot happen.
		log.Warn(ctx, log.KV{K: "msg", V: "reminder timer cleanup failed"},
			log.KV{K: "event_id", V: sub.EventID},
			log.KV{K: "subscription_id", V: sub.ID})
	}
	return nil
}

// Invite creates an invitation to the event. Only the organizer may invite.
func (s *Service) Invite(ctx context.Context, eventID, callerID int64, email string) (*store.Invitation, error) {
	event, err := s.store.Events().ByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizerUserID != callerID {
		return nil, ErrForbidden
	}
	return s.store.Invitations().Create(ctx, store.NewInvitation(eventID, email, callerID, s.now()))
}

// AcceptInvitation redeems an invitation token and returns the event it
// grants access to. The invitee still subscribes separately.
func (s *Service) AcceptInvitation(ctx context.Context, token string) (*store.Event, error) {
	inv, err := s.store.Invitations().ByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !inv.Valid(s.now()) {
		return nil, store.ErrNotFound
	}
	event, err := s.store.Events().ByID(ctx, inv.EventID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Invitations().MarkUsed(ctx, inv.ID); err != nil {
		return nil, err
	}
	return event, nil
}

// CreateIntegration converts the typed config to a delivery URL and stores
// both encrypted. The plaintext never leaves this call.
func (s *Service) CreateIntegration(ctx context.Context, userID int64, name, tag string, typ store.IntegrationType, configJSON []byte) (*store.Integration, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: integration name is required", store.ErrValidation)
	}
	deliveryURL, err := convert.DeliveryURL(string(typ), configJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrValidation, err)
	}
	return s.store.Integrations().Create(ctx, store.IntegrationCreate{
		UserID:      userID,
		Name:        name,
		Tag:         tag,
		Type:        typ,
		DeliveryURL: deliveryURL,
		Config:      string(configJSON),
	})
}

// TestIntegration sends one synchronous notification through the
// integration's channel and returns the structured outcome. Only the owner
// may test.
func (s *Service) TestIntegration(ctx context.Context, integrationID, callerID int64, title, body string) (notify.Outcome, error) {
	in, err := s.store.Integrations().ByID(ctx, integrationID)
	if err != nil {
		return notify.Outcome{}, err
	}
	if in.UserID != callerID {
		return notify.Outcome{}, ErrForbidden
	}
	plaintext, err := s.cipher.Decrypt(in.EncryptedURL)
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("decrypt integration %d: %w", integrationID, err)
	}
	if title == "" {
		title = "Soonish Test Notification"
	}
	if body == "" {
		body = fmt.Sprintf("This is a test of your %q integration.", in.Name)
	}
	return s.sender.Send(ctx, string(plaintext), notify.Notification{
		Title: title, Body: body, Level: notify.LevelInfo,
	}), nil
}

// GetEvent returns the event when the user may view it, store.ErrNotFound
// otherwise. Visibility: public, organizer, subscriber or invited.
func (s *Service) GetEvent(ctx context.Context, eventID, userID int64) (*store.Event, error) {
	ok, err := s.store.Events().CanView(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.store.Events().ByID(ctx, eventID)
}

// ListEvents returns the events visible to the user, or only public events
// when userID is zero.
func (s *Service) ListEvents(ctx context.Context, userID int64, skip, limit int) ([]*store.Event, error) {
	if userID == 0 {
		return s.store.Events().ListPublic(ctx, skip, limit)
	}
	return s.store.Events().ListVisibleForUser(ctx, userID, skip, limit)
}

// EventStatus queries the lifecycle workflow's durable status.
func (s *Service) EventStatus(ctx context.Context, eventID int64) (*workflow.Status, error) {
	event, err := s.store.Events().ByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return s.orch.QueryStatus(ctx, event.WorkflowID)
}
