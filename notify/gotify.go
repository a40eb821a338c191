package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GotifyDriver delivers to a Gotify server.
//
// URL form: gotify://host/token or gotifys://host/token for HTTPS, with an
// optional ?priority=low|normal|high query overriding the level mapping.
type GotifyDriver struct {
	client *http.Client
}

// NewGotifyDriver constructs the driver with the given HTTP client.
func NewGotifyDriver(client *http.Client) *GotifyDriver {
	return &GotifyDriver{client: client}
}

func (*GotifyDriver) Schemes() []string { return []string{"gotify", "gotifys"} }

func (d *GotifyDriver) Send(ctx context.Context, deliveryURL string, n Notification) Outcome {
	u, err := url.Parse(deliveryURL)
	if err != nil {
		return failure("", ErrTargetRejected, fmt.Errorf("parse gotify url: %w", err))
	}
	channel := channelName(u)
	token := strings.Trim(u.Path, "/")
	if u.Host == "" || token == "" {
		return failure(channel, ErrTargetRejected, fmt.Errorf("gotify url must be gotify://host/token"))
	}
	scheme := "http"
	if u.Scheme == "gotifys" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/message?token=%s", scheme, u.Host, url.QueryEscape(token))
	payload := map[string]any{
		"title":    n.Title,
		"message":  n.Body,
		"priority": gotifyPriority(n.Level, u.Query().Get("priority")),
	}
	return postJSON(ctx, d.client, channel, endpoint, payload)
}

// gotifyPriority maps the message level onto Gotify's 0-10 scale; an explicit
// priority query wins.
func gotifyPriority(level Level, override string) int {
	switch override {
	case "low":
		return 2
	case "normal":
		return 5
	case "high":
		return 8
	}
	switch level {
	case LevelCritical:
		return 10
	case LevelWarning:
		return 7
	default:
		return 4
	}
}
