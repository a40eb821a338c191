package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// postJSON performs a JSON POST and classifies the response. Shared by every
// webhook-style driver.
func postJSON(ctx context.Context, client *http.Client, channel, endpoint string, payload any) Outcome {
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(channel, ErrTargetRejected, fmt.Errorf("encode payload: %w", err))
	}
	return post(ctx, client, channel, endpoint, "application/json", bytes.NewReader(body), nil)
}

// post performs a POST with optional headers and classifies the response.
func post(ctx context.Context, client *http.Client, channel, endpoint, contentType string, body io.Reader, headers map[string]string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return failure(channel, ErrTargetRejected, fmt.Errorf("build request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failure(channel, ErrTimeout, err)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return failure(channel, ErrTimeout, err)
		}
		return failure(channel, ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return success(channel)
	}
	return failure(channel, classifyStatus(resp.StatusCode),
		fmt.Errorf("unexpected status %d", resp.StatusCode))
}
