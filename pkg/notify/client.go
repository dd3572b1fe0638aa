package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keelhq/forge/pkg/builder"
)

// Client delivers build-completion webhooks. Retry policy is deliberately
// left to the receiving side; a failed delivery is logged by the caller and
// dropped.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a webhook client targeting endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Event is the webhook payload sent when a build reaches a terminal state.
type Event struct {
	BuildID     string          `json:"build_id"`
	Status      builder.Status  `json:"status"`
	Tag         string          `json:"tag,omitempty"`
	ImageDigest string          `json:"image_digest,omitempty"`
	Error       string          `json:"error,omitempty"`
	FinishedAt  time.Time       `json:"finished_at"`
	Spec        json.RawMessage `json:"spec,omitempty"`
}

// BuildFinished posts the terminal state of a build to the endpoint.
func (c *Client) BuildFinished(ctx context.Context, build builder.Build) error {
	spec, err := json.Marshal(build.Spec)
	if err != nil {
		return fmt.Errorf("marshal build spec: %w", err)
	}
	event := Event{
		BuildID:     build.ID,
		Status:      build.Status,
		Tag:         build.Tag,
		ImageDigest: build.ImageDigest,
		Error:       build.Error,
		FinishedAt:  build.FinishedAt,
		Spec:        spec,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
