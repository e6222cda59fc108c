// Package queue is the agent's shim over the Supabase backend: the commands
// table via PostgREST, screenshot storage, and the realtime INSERT feed. All
// terminal-state writes go through here; transient HTTP failures are retried
// with bounded backoff before they surface as an AdapterError.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	storageBucket = "screenshots"
	truncatedMark = "[log truncated]\n"
)

// Client talks to one Supabase project.
type Client struct {
	baseURL     string
	apiKey      string
	userFilter  string
	maxBatch    int
	logMaxChars int
	httpc       *http.Client
}

type Options struct {
	BaseURL string
	APIKey  string
	// UserFilter restricts fetches to one user when set.
	UserFilter  string
	MaxBatch    int
	LogMaxChars int
	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

func NewClient(opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 20
	}
	logMaxChars := opts.LogMaxChars
	if logMaxChars <= 0 {
		logMaxChars = 20000
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		userFilter:  opts.UserFilter,
		maxBatch:    maxBatch,
		logMaxChars: logMaxChars,
		httpc:       httpc,
	}
}

// FetchClaimable returns pending commands oldest-first, optionally filtered
// to the configured user, at most MaxBatch rows.
func (c *Client) FetchClaimable(ctx context.Context) ([]Command, error) {
	q := url.Values{}
	q.Set("select", "id,user_id,command_text,status,created_at")
	q.Set("status", "eq."+string(StatusPending))
	q.Set("order", "created_at.asc")
	q.Set("limit", fmt.Sprintf("%d", c.maxBatch))
	if c.userFilter != "" {
		q.Set("user_id", "eq."+c.userFilter)
	}

	var rows []Command
	err := c.withRetry(ctx, "fetch claimable", func(ctx context.Context) error {
		body, err := c.rest(ctx, http.MethodGet, "/rest/v1/commands?"+q.Encode(), nil, nil)
		if err != nil {
			return err
		}
		rows = nil
		return json.Unmarshal(body, &rows)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Claim atomically transitions pending → processing. Returns false when the
// row was no longer pending (claimed elsewhere or already terminal).
func (c *Client) Claim(ctx context.Context, id string) (bool, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("status", "eq."+string(StatusPending))
	payload := map[string]any{
		"status":       StatusProcessing,
		"response_log": "Command received",
	}

	var claimed bool
	err := c.withRetry(ctx, "claim "+id, func(ctx context.Context) error {
		body, err := c.rest(ctx, http.MethodPatch, "/rest/v1/commands?"+q.Encode(), payload,
			map[string]string{"Prefer": "return=representation"})
		if err != nil {
			return err
		}
		var rows []Command
		if err := json.Unmarshal(body, &rows); err != nil {
			return err
		}
		claimed = len(rows) > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Finalize writes a terminal status. The filter excludes rows that are
// already terminal, so finalizing twice matches zero rows and is a no-op.
func (c *Client) Finalize(ctx context.Context, id string, status Status, logText, imageURL string) error {
	if !status.Terminal() {
		return &AdapterError{Op: "finalize " + id, Err: fmt.Errorf("non-terminal status %q", status)}
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("status", "in.(pending,processing)")
	payload := map[string]any{
		"status":       status,
		"response_log": c.truncate(logText),
	}
	if imageURL != "" {
		payload["image_url"] = imageURL
	}

	return c.withRetry(ctx, "finalize "+id, func(ctx context.Context) error {
		body, err := c.rest(ctx, http.MethodPatch, "/rest/v1/commands?"+q.Encode(), payload,
			map[string]string{"Prefer": "return=representation"})
		if err != nil {
			return err
		}
		var rows []Command
		if err := json.Unmarshal(body, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			log.Printf("Finalize %s: already terminal, skipping", id)
		}
		return nil
	})
}

// UpdateProgress streams partial output while the command is still
// processing. Best effort: a progress write must never fail the handler.
func (c *Client) UpdateProgress(ctx context.Context, id string, partial string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("status", "eq."+string(StatusProcessing))
	payload := map[string]any{"response_log": c.truncate(partial)}

	_, err := c.rest(ctx, http.MethodPatch, "/rest/v1/commands?"+q.Encode(), payload, nil)
	if err != nil {
		log.Printf("Progress update for %s failed: %v", id, err)
	}
	return err
}

// UploadScreenshot stores a PNG under the per-user namespace and returns its
// public URL. The uuid suffix keeps two captures within one second distinct.
func (c *Client) UploadScreenshot(ctx context.Context, userID string, png []byte, label string) (string, error) {
	if label == "" {
		label = "capture"
	}
	stamp := time.Now().UTC().Format("20060102_150405")
	objectPath := fmt.Sprintf("%s/%s_%s_%s.png", userID, label, stamp, uuid.NewString()[:8])

	err := c.withRetry(ctx, "upload "+objectPath, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, storageBucket, objectPath)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(png))
		if err != nil {
			return err
		}
		c.authorize(req)
		req.Header.Set("Content-Type", "image/png")
		req.Header.Set("x-upsert", "true")
		resp, err := c.httpc.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		return checkStatus(resp)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, storageBucket, objectPath), nil
}

// rest performs one JSON request against PostgREST and returns the body.
// Network errors and 5xx/429 responses are marked retryable.
func (c *Client) rest(ctx context.Context, method, path string, payload any, headers map[string]string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return retry.RetryableError(err)
	}
	return err
}

// withRetry applies the adapter's bounded backoff policy and wraps
// exhaustion in an AdapterError.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	if err := retry.Do(ctx, backoff, fn); err != nil {
		return &AdapterError{Op: op, Err: err}
	}
	return nil
}

// truncate keeps the log tail when output exceeds the configured cap; the
// tail is where exit codes and final errors live.
func (c *Client) truncate(text string) string {
	if len(text) <= c.logMaxChars {
		return text
	}
	return truncatedMark + text[len(text)-c.logMaxChars:]
}
