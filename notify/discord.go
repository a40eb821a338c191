package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DiscordDriver posts to a Discord channel webhook.
//
// URL form: discord://webhook_id/webhook_token, the two path components of
// the webhook URL Discord hands out.
type DiscordDriver struct {
	client *http.Client
}

// NewDiscordDriver constructs the driver with the given HTTP client.
func NewDiscordDriver(client *http.Client) *DiscordDriver {
	return &DiscordDriver{client: client}
}

func (*DiscordDriver) Schemes() []string { return []string{"discord"} }

func (d *DiscordDriver) Send(ctx context.Context, deliveryURL string, n Notification) Outcome {
	u, err := url.Parse(deliveryURL)
	if err != nil {
		return failure("", ErrTargetRejected, fmt.Errorf("parse discord url: %w", err))
	}
	channel := "discord://webhook"
	webhookID := u.Host
	webhookToken := strings.Trim(u.Path, "/")
	if webhookID == "" || webhookToken == "" || strings.Contains(webhookToken, "/") {
		return failure(channel, ErrTargetRejected, fmt.Errorf("discord url must be discord://webhook_id/webhook_token"))
	}
	endpoint := fmt.Sprintf("https://discord.com/api/webhooks/%s/%s", webhookID, webhookToken)
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       n.Title,
			"description": n.Body,
			"color":       discordColor(n.Level),
		}},
	}
	return postJSON(ctx, d.client, channel, endpoint, payload)
}

func discordColor(level Level) int {
	switch level {
	case LevelCritical:
		return 0xe74c3c
	case LevelWarning:
		return 0xf39c12
	default:
		return 0x3498db
	}
}
