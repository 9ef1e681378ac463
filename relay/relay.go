// Package relay calls the backend ingestion service: segment upload and
// vector-store querying. Both endpoints are fixed collaborator contracts; the
// client only shapes requests, it never retries (a failed segment is dropped
// with a notification upstream).
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loudwire/spacetap/telemetry"
)

// UploadError reports a non-2xx response from the upload endpoint.
type UploadError struct {
	Status int
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed: status code %d", e.Status)
}

// Client talks to the backend relay service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Upload relays one base64-encoded segment. Non-2xx responses become an
// UploadError; the response body is otherwise ignored beyond draining.
func (c *Client) Upload(ctx context.Context, audioData, mimeType string, size int) error {
	ctx, span := telemetry.StartSpan(ctx, "relay", "upload")
	defer span.End()

	body, err := json.Marshal(map[string]any{
		"audioData": audioData,
		"mimeType":  mimeType,
		"size":      size,
	})
	if err != nil {
		return fmt.Errorf("encode upload payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/upload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http().Do(req)
	if err != nil {
		telemetry.ObserveRelay(time.Since(start), err)
		telemetry.RecordError(span, err)
		return fmt.Errorf("upload request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		uerr := &UploadError{Status: resp.StatusCode}
		telemetry.ObserveRelay(time.Since(start), uerr)
		telemetry.RecordError(span, uerr)
		return uerr
	}
	telemetry.ObserveRelay(time.Since(start), nil)
	telemetry.SetSpanSuccess(span)
	return nil
}

// QueryVectors fetches recorded context for a raw user query. The returned
// string is prepended to the query before it reaches the completion endpoint.
func (c *Client) QueryVectors(ctx context.Context, query string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "relay", "query_vectors")
	defer span.End()

	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("encode query payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/query_vectors", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("query request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("query failed: status code %d", resp.StatusCode)
		telemetry.RecordError(span, err)
		return "", err
	}
	var out struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode query response: %w", err)
	}
	telemetry.SetSpanSuccess(span)
	return out.Result, nil
}
