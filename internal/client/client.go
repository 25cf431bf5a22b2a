// Package client is a typed HTTP client for the IVR service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/httpapi"
	"github.com/tiger/conversational-ivr/internal/security/webhook"
)

const defaultTimeout = 30 * time.Second

// ErrNotFound is matched by APIError values carrying a 404 status.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ivr api: status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match a 404.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client calls the service at BaseURL. WebhookSecret, when set, signs
// call-start events and sends the shared secret header.
type Client struct {
	BaseURL       string
	WebhookSecret string
	HTTPClient    *http.Client
}

// New returns a client with a default timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// TranscriptSearch filters GET /api/transcripts. Zero values are omitted.
type TranscriptSearch struct {
	CallID string
	FromTS string
	ToTS   string
	Limit  int
}

func (c *Client) Health(ctx context.Context) (httpapi.HealthResponse, error) {
	var out httpapi.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

// SimulateCall posts a call-start event to the webhook.
func (c *Client) SimulateCall(ctx context.Context, event callflow.CallStartEvent) (httpapi.AcceptedResponse, error) {
	var out httpapi.AcceptedResponse
	body, err := json.Marshal(event)
	if err != nil {
		return out, fmt.Errorf("encode call event: %w", err)
	}
	headers := map[string]string{}
	if c.WebhookSecret != "" {
		headers[webhook.SecretHeader] = c.WebhookSecret
		headers[webhook.SignatureHeader] = webhook.Sign(c.WebhookSecret, body)
	}
	err = c.do(ctx, http.MethodPost, "/webhook/call", body, headers, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context) ([]callflow.Session, error) {
	var out []callflow.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, nil, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, callID string) (callflow.Session, error) {
	var out callflow.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(callID), nil, nil, &out)
	return out, err
}

// WaitForTerminal polls the session until its status is terminal or ctx ends.
func (c *Client) WaitForTerminal(ctx context.Context, callID string, interval time.Duration) (callflow.Session, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		got, err := c.GetSession(ctx, callID)
		if err == nil && got.Status.Terminal() {
			return got, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return callflow.Session{}, err
		}
		select {
		case <-ctx.Done():
			return got, fmt.Errorf("wait for call %s: %w", callID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) SearchTranscripts(ctx context.Context, search TranscriptSearch) ([]callflow.TranscriptEntry, error) {
	q := url.Values{}
	if search.CallID != "" {
		q.Set("call_id", search.CallID)
	}
	if search.FromTS != "" {
		q.Set("from_ts", search.FromTS)
	}
	if search.ToTS != "" {
		q.Set("to_ts", search.ToTS)
	}
	if search.Limit > 0 {
		q.Set("limit", strconv.Itoa(search.Limit))
	}
	path := "/api/transcripts"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []callflow.TranscriptEntry
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

func (c *Client) UpsertFlow(ctx context.Context, flow callflow.Flow) (httpapi.FlowSavedResponse, error) {
	var out httpapi.FlowSavedResponse
	body, err := json.Marshal(flow)
	if err != nil {
		return out, fmt.Errorf("encode flow: %w", err)
	}
	err = c.do(ctx, http.MethodPost, "/api/flows", body, nil, &out)
	return out, err
}

func (c *Client) ListFlows(ctx context.Context) ([]callflow.Flow, error) {
	var out []callflow.Flow
	err := c.do(ctx, http.MethodGet, "/api/flows", nil, nil, &out)
	return out, err
}

func (c *Client) GetFlow(ctx context.Context, flowID string) (callflow.Flow, error) {
	var out callflow.Flow
	err := c.do(ctx, http.MethodGet, "/api/flows/"+url.PathEscape(flowID), nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
