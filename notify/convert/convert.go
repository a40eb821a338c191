// Package convert turns typed integration configs into delivery URLs.
// Each integration type has a JSON Schema guarding its config shape and a
// pure conversion function; nothing here performs I/O.
package convert

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// GotifyConfig configures a Gotify server integration.
type GotifyConfig struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
	Priority  string `json:"priority,omitempty"` // low | normal | high
}

// EmailConfig configures a direct SMTP integration.
type EmailConfig struct {
	To       string `json:"to"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from,omitempty"`
	UseTLS   *bool  `json:"use_tls,omitempty"`
}

// NtfyConfig configures an ntfy topic integration.
type NtfyConfig struct {
	ServerURL string `json:"server_url,omitempty"` // defaults to ntfy.sh
	Topic     string `json:"topic"`
}

// DiscordConfig configures a Discord webhook integration.
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// SlackConfig configures a Slack incoming-webhook integration.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// DeliveryURL validates rawConfig against the schema for typ and converts it
// to the driver URL. The returned URL is what gets encrypted and stored.
func DeliveryURL(typ string, rawConfig []byte) (string, error) {
	sch, ok := schemas[typ]
	if !ok {
		return "", fmt.Errorf("convert: unknown integration type %q", typ)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(rawConfig)))
	if err != nil {
		return "", fmt.Errorf("convert: parse %s config: %w", typ, err)
	}
	if err := sch.Validate(doc); err != nil {
		return "", fmt.Errorf("convert: invalid %s config: %w", typ, err)
	}
	switch typ {
	case "gotify":
		var cfg GotifyConfig
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return "", err
		}
		return GotifyURL(cfg)
	case "email":
		var cfg EmailConfig
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return "", err
		}
		return EmailURL(cfg)
	case "ntfy":
		var cfg NtfyConfig
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return "", err
		}
		return NtfyURL(cfg)
	case "discord":
		var cfg DiscordConfig
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return "", err
		}
		return DiscordURL(cfg)
	case "slack":
		var cfg SlackConfig
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return "", err
		}
		return SlackURL(cfg)
	}
	return "", fmt.Errorf("convert: unknown integration type %q", typ)
}

// GotifyURL builds gotify://host/token (gotifys for HTTPS servers).
func GotifyURL(cfg GotifyConfig) (string, error) {
	parsed, err := url.Parse(cfg.ServerURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("convert: invalid gotify server url %q", cfg.ServerURL)
	}
	scheme := "gotify"
	if parsed.Scheme == "https" {
		scheme = "gotifys"
	}
	out := fmt.Sprintf("%s://%s/%s", scheme, parsed.Host, cfg.Token)
	if cfg.Priority != "" && cfg.Priority != "normal" {
		out += "?priority=" + url.QueryEscape(cfg.Priority)
	}
	return out, nil
}

// EmailURL builds the mailto(s) URL consumed by the mail driver.
func EmailURL(cfg EmailConfig) (string, error) {
	scheme := "mailtos"
	if cfg.UseTLS != nil && !*cfg.UseTLS {
		scheme = "mailto"
	}
	q := url.Values{}
	q.Set("to", cfg.To)
	q.Set("smtp", cfg.SMTPHost)
	if cfg.SMTPPort != 0 {
		q.Set("port", fmt.Sprintf("%d", cfg.SMTPPort))
	}
	q.Set("user", cfg.Username)
	q.Set("pass", cfg.Password)
	if cfg.From != "" {
		q.Set("from", cfg.From)
	}
	return scheme + "://?" + q.Encode(), nil
}

// NtfyURL builds ntfy://host/topic.
func NtfyURL(cfg NtfyConfig) (string, error) {
	host := "ntfy.sh"
	if cfg.ServerURL != "" {
		parsed, err := url.Parse(cfg.ServerURL)
		if err != nil || parsed.Host == "" {
			return "", fmt.Errorf("convert: invalid ntfy server url %q", cfg.ServerURL)
		}
		host = parsed.Host
	}
	return fmt.Sprintf("ntfy://%s/%s", host, cfg.Topic), nil
}

// DiscordURL extracts the webhook id and token from the full webhook URL.
func DiscordURL(cfg DiscordConfig) (string, error) {
	parsed, err := url.Parse(cfg.WebhookURL)
	if err != nil {
		return "", fmt.Errorf("convert: invalid discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	// Expected path: api/webhooks/{id}/{token}
	if len(parts) != 4 || parts[0] != "api" || parts[1] != "webhooks" {
		return "", fmt.Errorf("convert: discord webhook url must look like https://discord.com/api/webhooks/id/token")
	}
	return fmt.Sprintf("discord://%s/%s", parts[2], parts[3]), nil
}

// SlackURL extracts the three service tokens from the incoming-webhook URL.
func SlackURL(cfg SlackConfig) (string, error) {
	parsed, err := url.Parse(cfg.WebhookURL)
	if err != nil {
		return "", fmt.Errorf("convert: invalid slack webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	// Expected path: services/{A}/{B}/{C}
	if len(parts) != 4 || parts[0] != "services" {
		return "", fmt.Errorf("convert: slack webhook url must look like https://hooks.slack.com/services/A/B/C")
	}
	return fmt.Sprintf("slack://%s/%s/%s", parts[1], parts[2], parts[3]), nil
}
