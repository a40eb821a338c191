// Package dispatch fans notifications out to the channels of one subscription
// or of every subscriber of an event. It drives the resolver and the driver
// registry with per-target error isolation and produces a structured delivery
// report; it never returns an error for delivery failures, only for the
// inability to load its inputs.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/soonishlabs/soonish/config"
	"github.com/soonishlabs/soonish/notify"
	"github.com/soonishlabs/soonish/resolve"
	"github.com/soonishlabs/soonish/store"
)

// Status summarizes one subscriber's delivery outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Detail is the per-subscriber slice of a report. Channels carry secret-free
// channel names only.
type Detail struct {
	SubscriptionID int64    `json:"subscription_id"`
	UserID         int64    `json:"user_id"`
	Status         Status   `json:"status"`
	Fallback       bool     `json:"fallback,omitempty"`
	Channels       []string `json:"channels,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Report is the aggregate outcome of one dispatch. For subscription scope,
// Success and Failed count endpoints; for event scope they count subscribers.
type Report struct {
	ID               string       `json:"id"`
	Scope            string       `json:"scope"` // "subscription" or "event"
	EventID          int64        `json:"event_id,omitempty"`
	SubscriptionID   int64        `json:"subscription_id,omitempty"`
	Title            string       `json:"title"`
	Level            notify.Level `json:"level"`
	TotalSubscribers int          `json:"total_subscribers,omitempty"`
	Success          int          `json:"success"`
	Failed           int          `json:"failed"`
	Details          []Detail     `json:"details"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
}

// Sink receives completed reports for archival or live streaming. Sink
// failures are logged and never affect the dispatch outcome.
type Sink interface {
	Record(ctx context.Context, r *Report) error
}

// Sender is the slice of the driver registry the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, deliveryURL string, n notify.Notification) notify.Outcome
}

const (
	// DefaultEndpointParallelism bounds concurrent sends within one
	// subscription.
	DefaultEndpointParallelism = 8
	// DefaultSubscriberParallelism bounds subscriptions in flight during a
	// broadcast.
	DefaultSubscriberParallelism = 32
)

// Dispatcher implements the two fan-out entry points.
type Dispatcher struct {
	subs     store.Subscriptions
	resolver *resolve.Resolver
	sender   Sender

	defaultSMTP  config.SMTPProfile
	verifiedSMTP config.SMTPProfile

	endpointParallelism   int
	subscriberParallelism int
	limiter               *rate.Limiter
	sinks                 []Sink

	sendCounter metric.Int64Counter
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithFallbackProfiles sets the service-level email sender profiles used for
// broadcast fallback.
func WithFallbackProfiles(def, verified config.SMTPProfile) Option {
	return func(d *Dispatcher) {
		d.defaultSMTP = def
		d.verifiedSMTP = verified
	}
}

// WithParallelism overrides the endpoint and subscriber bounds. Zero keeps the
// default.
func WithParallelism(endpoints, subscribers int) Option {
	return func(d *Dispatcher) {
		if endpoints > 0 {
			d.endpointParallelism = endpoints
		}
		if subscribers > 0 {
			d.subscriberParallelism = subscribers
		}
	}
}

// WithRateLimit throttles sends across all dispatches to n per second.
func WithRateLimit(perSecond float64) Option {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
	}
}

// WithSinks registers report sinks.
func WithSinks(sinks ...Sink) Option {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, sinks...) }
}

// New constructs a Dispatcher.
func New(subs store.Subscriptions, resolver *resolve.Resolver, sender Sender, opts ...Option) *Dispatcher {
	meter := otel.Meter("soonish/dispatch")
	counter, err := meter.Int64Counter("soonish.dispatch.sends",
		metric.WithDescription("Notification send attempts by outcome"))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("soonish/dispatch").Int64Counter("soonish.dispatch.sends")
	}
	d := &Dispatcher{
		subs:                  subs,
		resolver:              resolver,
		sender:                sender,
		endpointParallelism:   DefaultEndpointParallelism,
		subscriberParallelism: DefaultSubscriberParallelism,
		sendCounter:           counter,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ToSubscription delivers to the resolved channels of a single subscription.
// No fallback applies: the subscriber configured selectors explicitly, and an
// empty resolution is reported as one failure with error "no channels".
func (d *Dispatcher) ToSubscription(ctx context.Context, subscriptionID int64, n notify.Notification) (*Report, error) {
	sub, err := d.subs.ByID(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load subscription %d: %w", subscriptionID, err)
	}
	r := d.newReport("subscription", n)
	r.EventID = sub.EventID
	r.SubscriptionID = sub.ID

	eps, err := d.resolver.ForSubscription(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve subscription %d: %w", sub.ID, err)
	}

	detail := Detail{SubscriptionID: sub.ID, UserID: sub.UserID}
	if len(eps) == 0 {
		detail.Status = StatusFailed
		detail.Errors = []string{"no channels"}
		r.Failed = 1
	} else {
		outcomes := d.sendAll(ctx, eps, n)
		for _, out := range outcomes {
			if out.OK {
				r.Success++
				detail.Channels = append(detail.Channels, out.Channel)
			} else {
				r.Failed++
				detail.Errors = append(detail.Errors, outcomeError(out))
			}
		}
		detail.Status = statusOf(r.Success, r.Failed)
	}
	r.TotalSubscribers = 1
	r.Details = []Detail{detail}
	d.finish(ctx, r)
	return r, nil
}

// ToEvent broadcasts to every subscriber of the event. Subscriptions resolve
// independently; one subscriber's failure never blocks another's. Email
// fallback applies only to subscriptions that resolved to nothing AND carry no
// selectors at all. A non-empty tags filter restricts delivery to endpoints
// whose integration tag is in the set (fallback is unaffected).
func (d *Dispatcher) ToEvent(ctx context.Context, eventID int64, n notify.Notification, tags ...string) (*Report, error) {
	subs, err := d.subs.ByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load subscriptions of event %d: %w", eventID, err)
	}
	r := d.newReport("event", n)
	r.EventID = eventID
	r.TotalSubscribers = len(subs)

	tagFilter := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagFilter[store.NormalizeTag(t)] = true
	}

	details := make([]Detail, len(subs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.subscriberParallelism)
	for i, sub := range subs {
		g.Go(func() error {
			detail := d.dispatchOne(gctx, sub, n, tagFilter)
			mu.Lock()
			details[i] = detail
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in details

	for _, detail := range details {
		if detail.Status == StatusFailed {
			r.Failed++
		} else {
			r.Success++
		}
	}
	r.Details = details
	d.finish(ctx, r)
	return r, nil
}

// dispatchOne handles a single subscriber of a broadcast. It never fails the
// caller; every problem becomes part of the detail.
func (d *Dispatcher) dispatchOne(ctx context.Context, sub *store.Subscription, n notify.Notification, tagFilter map[string]bool) Detail {
	detail := Detail{SubscriptionID: sub.ID, UserID: sub.UserID}

	eps, err := d.resolver.ForSubscription(ctx, sub)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "broadcast resolution failed"},
			log.KV{K: "subscription_id", V: sub.ID})
		detail.Status = StatusFailed
		detail.Errors = []string{"resolution failed"}
		return detail
	}
	if len(tagFilter) > 0 {
		kept := eps[:0]
		for _, ep := range eps {
			if tagFilter[ep.Tag] {
				kept = append(kept, ep)
			}
		}
		eps = kept
	}

	if len(eps) == 0 {
		if len(sub.Selectors) > 0 || sub.User == nil {
			detail.Status = StatusFailed
			detail.Errors = []string{"no channels"}
			return detail
		}
		ep, ok := resolve.FallbackEndpoint(d.defaultSMTP, d.verifiedSMTP, sub.User)
		if !ok {
			detail.Status = StatusFailed
			detail.Errors = []string{"no channels and no fallback sender configured"}
			return detail
		}
		detail.Fallback = true
		eps = []resolve.Endpoint{ep}
	}

	okCount, failCount := 0, 0
	for _, out := range d.sendAll(ctx, eps, n) {
		if out.OK {
			okCount++
			detail.Channels = append(detail.Channels, out.Channel)
		} else {
			failCount++
			detail.Errors = append(detail.Errors, outcomeError(out))
		}
	}
	detail.Status = statusOf(okCount, failCount)
	return detail
}

// sendAll delivers the notification to every endpoint with bounded
// parallelism, preserving input order in the outcomes.
func (d *Dispatcher) sendAll(ctx context.Context, eps []resolve.Endpoint, n notify.Notification) []notify.Outcome {
	outcomes := make([]notify.Outcome, len(eps))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.endpointParallelism)
	for i, ep := range eps {
		g.Go(func() error {
			if d.limiter != nil {
				if err := d.limiter.Wait(gctx); err != nil {
					mu.Lock()
					outcomes[i] = notify.Outcome{Kind: notify.ErrTimeout, Error: err.Error()}
					mu.Unlock()
					return nil
				}
			}
			out := d.sender.Send(gctx, ep.DeliveryURL, n)
			d.count(gctx, out)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) count(ctx context.Context, out notify.Outcome) {
	result := "ok"
	if !out.OK {
		result = string(out.Kind)
	}
	d.sendCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", result)))
}

func (d *Dispatcher) newReport(scope string, n notify.Notification) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Scope:     scope,
		Title:     n.Title,
		Level:     n.Level,
		StartedAt: time.Now().UTC(),
	}
}

// finish stamps the report and hands it to the sinks. Sink errors are logged
// and swallowed; the report is already the source of truth for the caller.
func (d *Dispatcher) finish(ctx context.Context, r *Report) {
	r.FinishedAt = time.Now().UTC()
	sort.SliceStable(r.Details, func(i, j int) bool {
		return r.Details[i].SubscriptionID < r.Details[j].SubscriptionID
	})
	for _, sink := range d.sinks {
		if err := sink.Record(ctx, r); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "report sink failed"},
				log.KV{K: "report_id", V: r.ID})
		}
	}
}

func statusOf(ok, failed int) Status {
	switch {
	case failed == 0 && ok > 0:
		return StatusSuccess
	case ok > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

func outcomeError(out notify.Outcome) string {
	if out.Channel != "" {
		return fmt.Sprintf("%s: %s: %s", out.Channel, out.Kind, out.Error)
	}
	return fmt.Sprintf("%s: %s", out.Kind, out.Error)
}
