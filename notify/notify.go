// Package notify hosts the pluggable delivery drivers. A driver sends one
// message to one delivery URL, selected by URL scheme. Drivers are stateless,
// synchronous, enforce a per-send timeout and never retry; retries are the
// caller's concern.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Level is the message severity carried end to end from workflows to drivers.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notification is the payload handed to a driver.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Level Level  `json:"level"`
}

// ErrKind classifies a failed send. transient kinds (transport, timeout) may
// be retried upstream; target_rejected must not be.
type ErrKind string

const (
	ErrTransport      ErrKind = "transport"
	ErrAuth           ErrKind = "auth"
	ErrTargetRejected ErrKind = "target_rejected"
	ErrTimeout        ErrKind = "timeout"
)

// Outcome is the structured result of a single send. Drivers never return Go
// errors as control flow; failures are data.
type Outcome struct {
	OK      bool    `json:"ok"`
	Channel string  `json:"channel,omitempty"`
	Kind    ErrKind `json:"kind,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Retryable reports whether the failure may succeed on retry.
func (o Outcome) Retryable() bool {
	return !o.OK && (o.Kind == ErrTransport || o.Kind == ErrTimeout)
}

func success(channel string) Outcome {
	return Outcome{OK: true, Channel: channel}
}

func failure(channel string, kind ErrKind, err error) Outcome {
	return Outcome{OK: false, Channel: channel, Kind: kind, Error: err.Error()}
}

// Driver delivers notifications for one or more URL schemes.
type Driver interface {
	// Schemes lists the URL schemes the driver handles.
	Schemes() []string
	// Send delivers the notification to the delivery URL. It must respect
	// ctx cancellation and return within the registry's per-send timeout.
	Send(ctx context.Context, deliveryURL string, n Notification) Outcome
}

// Registry maps URL schemes to drivers. It is populated at startup and
// immutable afterwards; lookups are lock-free.
type Registry struct {
	timeout time.Duration
	drivers map[string]Driver
}

// DefaultTimeout bounds each send when no override is configured.
const DefaultTimeout = 10 * time.Second

// NewRegistry builds a registry with the given per-send timeout (zero means
// DefaultTimeout) and registers the drivers.
func NewRegistry(timeout time.Duration, drivers ...Driver) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Registry{timeout: timeout, drivers: make(map[string]Driver)}
	for _, d := range drivers {
		for _, scheme := range d.Schemes() {
			r.drivers[scheme] = d
		}
	}
	return r
}

// NewDefaultRegistry registers the full built-in driver set.
func NewDefaultRegistry(timeout time.Duration) *Registry {
	client := &http.Client{Timeout: timeout}
	if timeout <= 0 {
		client.Timeout = DefaultTimeout
	}
	return NewRegistry(timeout,
		NewGotifyDriver(client),
		NewNtfyDriver(client),
		NewDiscordDriver(client),
		NewSlackDriver(client),
		NewMailDriver(),
	)
}

// Send parses the delivery URL, picks the driver for its scheme and performs
// the send under the registry timeout. An unknown scheme is a target
// rejection: no retry will make it deliverable.
func (r *Registry) Send(ctx context.Context, deliveryURL string, n Notification) Outcome {
	u, err := url.Parse(deliveryURL)
	if err != nil {
		return failure("", ErrTargetRejected, fmt.Errorf("invalid delivery url: %w", err))
	}
	d, ok := r.drivers[u.Scheme]
	if !ok {
		return failure(u.Scheme, ErrTargetRejected, fmt.Errorf("no driver for scheme %q", u.Scheme))
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out := d.Send(ctx, deliveryURL, n)
	if !out.OK && ctx.Err() == context.DeadlineExceeded && out.Kind == ErrTransport {
		out.Kind = ErrTimeout
	}
	return out
}

// Schemes lists the registered schemes.
func (r *Registry) Schemes() []string {
	out := make([]string, 0, len(r.drivers))
	for scheme := range r.drivers {
		out = append(out, scheme)
	}
	return out
}

// channelName is the secret-free identity of an endpoint used in reports and
// logs: scheme plus host only, never path or credentials.
func channelName(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// classifyStatus maps an HTTP response status to an error kind.
func classifyStatus(status int) ErrKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status >= 400 && status < 500:
		return ErrTargetRejected
	default:
		return ErrTransport
	}
}
