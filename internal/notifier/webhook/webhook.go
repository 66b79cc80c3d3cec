// Package webhook posts batch summaries to an HTTP endpoint
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trenchcoat/enricher/internal/core"
)

const defaultTimeout = 30 * time.Second

// Webhook implements notifier.Notifier for HTTP webhooks
type Webhook struct {
	url           string
	headers       map[string]string
	onlyOnFailure bool
	client        *http.Client
}

// Option configures a Webhook
type Option func(*Webhook)

// WithHeaders adds static request headers, e.g. an auth token
func WithHeaders(h map[string]string) Option {
	return func(w *Webhook) { w.headers = h }
}

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) { w.client = c }
}

// OnlyOnFailure skips runs where every task succeeded
func OnlyOnFailure(v bool) Option {
	return func(w *Webhook) { w.onlyOnFailure = v }
}

// New creates a new Webhook notifier
func New(url string, opts ...Option) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Webhook) Name() string { return "webhook" }

// payload is the JSON body sent for one run
type payload struct {
	Type         string    `json:"type"`
	RunID        string    `json:"run_id"`
	Total        int       `json:"total"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Retries      int       `json:"retries"`
	FailedTokens []string  `json:"failed_tokens,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	ElapsedMS    int64     `json:"elapsed_ms"`
}

func (w *Webhook) NotifyBatch(ctx context.Context, stats core.BatchStats) error {
	if w.onlyOnFailure && stats.Failed == 0 {
		return nil
	}
	return w.post(ctx, payload{
		Type:         "batch_completed",
		RunID:        stats.RunID,
		Total:        stats.Total,
		Succeeded:    stats.Succeeded,
		Failed:       stats.Failed,
		Retries:      stats.Retries,
		FailedTokens: stats.FailedTokens,
		StartedAt:    stats.StartedAt,
		FinishedAt:   stats.FinishedAt,
		ElapsedMS:    stats.Elapsed.Milliseconds(),
	})
}

func (w *Webhook) post(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: server returned %d", resp.StatusCode)
	}

	return nil
}
