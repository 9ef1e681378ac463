// Package completion is a stateless wrapper over the AI provider's
// text-completion and image-generation endpoints. It never retries: an
// authentication rejection must reach the user verbatim so they can fix their
// credentials, and anything else is a transport failure surfaced as a
// chat-visible system message by the caller.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/loudwire/spacetap/telemetry"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AuthError is a credential rejection (HTTP 401) from the provider.
type AuthError struct{}

func (e *AuthError) Error() string {
	return "API key incorrect. Please check and try again."
}

// TransportError is any other non-success provider response.
type TransportError struct {
	Status int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("Failed to fetch. Status code: %d", e.Status)
}

// Client calls the AI provider. The API key is passed per call, not held: the
// user can change it between messages.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// authedHTTP wraps the base client with a bearer-token transport for the
// given key.
func (c *Client) authedHTTP(ctx context.Context, apiKey string) (*http.Client, context.Context) {
	if c.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
	return oauth2.NewClient(ctx, ts), ctx
}

// Complete sends the conversation history to the chat completion endpoint and
// returns the assistant reply.
func (c *Client) Complete(ctx context.Context, history []Message, apiKey, model string) (Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "completion", "chat")
	defer span.End()

	payload := map[string]any{"messages": history, "model": model}
	start := time.Now()
	var out struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	err := c.post(ctx, "/chat/completions", apiKey, payload, &out)
	telemetry.ObserveCompletion(time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return Message{}, err
	}
	if len(out.Choices) == 0 {
		err := fmt.Errorf("completion response has no choices")
		telemetry.RecordError(span, err)
		return Message{}, err
	}
	telemetry.SetSpanSuccess(span)
	reply := out.Choices[0].Message
	if reply.Role == "" {
		reply.Role = RoleAssistant
	}
	return reply, nil
}

// GenerateImage asks the image endpoint for a single 1024x1024 render and
// returns its URL.
func (c *Client) GenerateImage(ctx context.Context, prompt, apiKey, model string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "completion", "image")
	defer span.End()

	payload := map[string]any{
		"prompt": prompt,
		"model":  model,
		"n":      1,
		"size":   "1024x1024",
	}
	start := time.Now()
	var out struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	err := c.post(ctx, "/images/generations", apiKey, payload, &out)
	telemetry.ObserveCompletion(time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		err := fmt.Errorf("image response has no url")
		telemetry.RecordError(span, err)
		return "", err
	}
	telemetry.SetSpanSuccess(span)
	return out.Data[0].URL, nil
}

func (c *Client) post(ctx context.Context, path, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	hc, ctx := c.authedHTTP(ctx, apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return &AuthError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return &TransportError{Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
