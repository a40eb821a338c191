// Package resolve turns subscription channel selectors into concrete delivery
// endpoints. This is the only place plaintext delivery URLs materialize;
// callers hand endpoints straight to the notifier drivers and never persist
// or log them.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"goa.design/clue/log"

	"github.com/soonishlabs/soonish/config"
	"github.com/soonishlabs/soonish/secret"
	"github.com/soonishlabs/soonish/store"
)

// Endpoint is one resolved delivery target. DeliveryURL is plaintext and must
// stay in memory only.
type Endpoint struct {
	IntegrationID int64
	Type          store.IntegrationType
	Tag           string
	DeliveryURL   string
}

// Resolver resolves selectors against a user's integrations.
type Resolver struct {
	integrations store.Integrations
	cipher       *secret.Cipher
}

// New constructs a Resolver.
func New(integrations store.Integrations, cipher *secret.Cipher) *Resolver {
	return &Resolver{integrations: integrations, cipher: cipher}
}

// ForSubscription resolves the subscription's selectors to a deduplicated
// endpoint list:
//
//  1. integration selectors load the referenced integration and keep it only
//     if it belongs to the subscriber and is active,
//  2. tag selectors add every active integration of the subscriber carrying
//     the tag,
//  3. duplicates collapse by integration id,
//  4. each survivor is decrypted; a decryption failure skips that one
//     integration and never aborts the rest.
//
// An empty result is not an error; the dispatcher decides whether a fallback
// applies.
//
// Broadcast reads (Subscriptions.ByEvent) preload the subscriber's
// integrations on sub.User; when that set is present the resolver selects
// from it and issues no store reads, keeping event fan-out free of per-sub
// round trips.
func (r *Resolver) ForSubscription(ctx context.Context, sub *store.Subscription) ([]Endpoint, error) {
	var (
		candidates []*store.Integration
		err        error
	)
	if sub.User != nil {
		candidates = preloadedCandidates(ctx, sub)
	} else {
		candidates, err = r.loadCandidates(ctx, sub)
		if err != nil {
			return nil, err
		}
	}
	return r.decryptAll(ctx, candidates), nil
}

// preloadedCandidates applies the selector rules against the integrations the
// broadcast read attached to the subscription's user.
func preloadedCandidates(ctx context.Context, sub *store.Subscription) []*store.Integration {
	byID := make(map[int64]*store.Integration, len(sub.User.Integrations))
	for _, in := range sub.User.Integrations {
		byID[in.ID] = in
	}
	seen := make(map[int64]bool)
	var candidates []*store.Integration
	for _, sel := range sub.Selectors {
		switch {
		case sel.IntegrationID != nil:
			in, ok := byID[*sel.IntegrationID]
			if !ok {
				// Deleted or foreign; either way it cannot deliver for this
				// subscriber.
				log.Warn(ctx, log.KV{K: "msg", V: "selector references unavailable integration"},
					log.KV{K: "subscription_id", V: sub.ID},
					log.KV{K: "integration_id", V: *sel.IntegrationID})
				continue
			}
			if !in.IsActive || seen[in.ID] {
				continue
			}
			seen[in.ID] = true
			candidates = append(candidates, in)
		case sel.Tag != nil:
			tag := store.NormalizeTag(*sel.Tag)
			for _, in := range sub.User.Integrations {
				if !in.IsActive || in.Tag != tag || seen[in.ID] {
					continue
				}
				seen[in.ID] = true
				candidates = append(candidates, in)
			}
		}
	}
	return candidates
}

// loadCandidates applies the selector rules with per-selector store reads,
// for subscriptions loaded without the user attached.
func (r *Resolver) loadCandidates(ctx context.Context, sub *store.Subscription) ([]*store.Integration, error) {
	seen := make(map[int64]bool)
	var candidates []*store.Integration

	add := func(in *store.Integration) {
		if seen[in.ID] {
			return
		}
		seen[in.ID] = true
		candidates = append(candidates, in)
	}

	for _, sel := range sub.Selectors {
		switch {
		case sel.IntegrationID != nil:
			in, err := r.integrations.ByID(ctx, *sel.IntegrationID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					log.Warn(ctx, log.KV{K: "msg", V: "selector references missing integration"},
						log.KV{K: "subscription_id", V: sub.ID},
						log.KV{K: "integration_id", V: *sel.IntegrationID})
					continue
				}
				return nil, fmt.Errorf("resolve: load integration %d: %w", *sel.IntegrationID, err)
			}
			if in.UserID != sub.UserID || !in.IsActive {
				// Foreign or disabled integrations are silently dropped so a
				// stale selector cannot route through another user's channel.
				continue
			}
			add(in)
		case sel.Tag != nil:
			matches, err := r.integrations.ByUserAndTag(ctx, sub.UserID, store.NormalizeTag(*sel.Tag), true)
			if err != nil {
				return nil, fmt.Errorf("resolve: list integrations for tag %q: %w", *sel.Tag, err)
			}
			for _, in := range matches {
				add(in)
			}
		}
	}
	return candidates, nil
}

// decryptAll turns the surviving integrations into endpoints, skipping any
// whose secret fails to open.
func (r *Resolver) decryptAll(ctx context.Context, candidates []*store.Integration) []Endpoint {
	endpoints := make([]Endpoint, 0, len(candidates))
	for _, in := range candidates {
		plaintext, err := r.cipher.Decrypt(in.EncryptedURL)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "integration decryption failed, skipping"},
				log.KV{K: "integration_id", V: in.ID},
				log.KV{K: "user_id", V: in.UserID})
			continue
		}
		endpoints = append(endpoints, Endpoint{
			IntegrationID: in.ID,
			Type:          in.Type,
			Tag:           in.Tag,
			DeliveryURL:   string(plaintext),
		})
	}
	return endpoints
}

// FallbackEndpoint synthesizes an email endpoint from a service-level sender
// profile for subscribers whose selectors resolved to nothing. Verified users
// send through the verified profile when one is configured; everyone else uses
// the default. Returns false when no usable profile exists.
func FallbackEndpoint(def, verified config.SMTPProfile, user *store.User) (Endpoint, bool) {
	profile := def
	if user.IsVerified && verified.Configured() {
		profile = verified
	}
	if !profile.Configured() {
		return Endpoint{}, false
	}
	q := url.Values{}
	q.Set("to", user.Email)
	q.Set("smtp", profile.Host)
	if profile.Port != 0 {
		q.Set("port", fmt.Sprintf("%d", profile.Port))
	}
	q.Set("user", profile.Username)
	q.Set("pass", profile.Password)
	from := profile.From
	if from == "" {
		from = profile.Username
	} else if from != profile.Username {
		from = fmt.Sprintf("%s <%s>", from, profile.Username)
	}
	q.Set("from", from)
	return Endpoint{
		Type:        store.IntegrationEmail,
		DeliveryURL: "mailtos://?" + q.Encode(),
	}, true
}
