package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SlackDriver posts to a Slack incoming webhook.
//
// URL form: slack://TokenA/TokenB/TokenC, the three path components of the
// hooks.slack.com/services URL.
type SlackDriver struct {
	client *http.Client
}

// NewSlackDriver constructs the driver with the given HTTP client.
func NewSlackDriver(client *http.Client) *SlackDriver {
	return &SlackDriver{client: client}
}

func (*SlackDriver) Schemes() []string { return []string{"slack"} }

func (d *SlackDriver) Send(ctx context.Context, deliveryURL string, n Notification) Outcome {
	u, err := url.Parse(deliveryURL)
	if err != nil {
		return failure("", ErrTargetRejected, fmt.Errorf("parse slack url: %w", err))
	}
	channel := "slack://webhook"
	parts := append([]string{u.Host}, strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })...)
	var tokens []string
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	if len(tokens) != 3 {
		return failure(channel, ErrTargetRejected, fmt.Errorf("slack url must be slack://tokenA/tokenB/tokenC"))
	}
	endpoint := fmt.Sprintf("https://hooks.slack.com/services/%s/%s/%s", tokens[0], tokens[1], tokens[2])
	payload := map[string]any{
		"text": fmt.Sprintf("%s*%s*\n%s", slackPrefix(n.Level), n.Title, n.Body),
	}
	return postJSON(ctx, d.client, channel, endpoint, payload)
}

func slackPrefix(level Level) string {
	switch level {
	case LevelCritical:
		return ":rotating_light: "
	case LevelWarning:
		return ":warning: "
	default:
		return ""
	}
}
