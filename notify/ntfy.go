package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NtfyDriver publishes to an ntfy topic.
//
// URL form: ntfy://host/topic. Publishing always goes over HTTPS; ntfy.sh and
// self-hosted instances both expect POST https://host/topic.
type NtfyDriver struct {
	client *http.Client
}

// NewNtfyDriver constructs the driver with the given HTTP client.
func NewNtfyDriver(client *http.Client) *NtfyDriver {
	return &NtfyDriver{client: client}
}

func (*NtfyDriver) Schemes() []string { return []string{"ntfy"} }

func (d *NtfyDriver) Send(ctx context.Context, deliveryURL string, n Notification) Outcome {
	u, err := url.Parse(deliveryURL)
	if err != nil {
		return failure("", ErrTargetRejected, fmt.Errorf("parse ntfy url: %w", err))
	}
	channel := channelName(u)
	topic := strings.Trim(u.Path, "/")
	if u.Host == "" || topic == "" {
		return failure(channel, ErrTargetRejected, fmt.Errorf("ntfy url must be ntfy://host/topic"))
	}
	endpoint := fmt.Sprintf("https://%s/%s", u.Host, url.PathEscape(topic))
	headers := map[string]string{
		"Title":    n.Title,
		"Priority": ntfyPriority(n.Level),
	}
	return post(ctx, d.client, channel, endpoint, "text/plain", strings.NewReader(n.Body), headers)
}

func ntfyPriority(level Level) string {
	switch level {
	case LevelCritical:
		return "urgent"
	case LevelWarning:
		return "high"
	default:
		return "default"
	}
}
