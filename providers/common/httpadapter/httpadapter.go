package httpadapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

// CaptureMode controls how request/response payloads appear in errors and logs.
type CaptureMode string

const (
	CaptureRedacted CaptureMode = "redacted"
	CaptureFull     CaptureMode = "full"
	CaptureHash     CaptureMode = "hash"

	defaultCaptureMaxBytes  = 8192
	minCaptureMaxBytes      = 256
	defaultMaxResponseBytes = 16 << 20
)

// ParseCaptureMode returns the named mode, defaulting to redacted.
func ParseCaptureMode(raw string) CaptureMode {
	switch CaptureMode(strings.ToLower(strings.TrimSpace(raw))) {
	case CaptureFull:
		return CaptureFull
	case CaptureHash:
		return CaptureHash
	default:
		return CaptureRedacted
	}
}

// Config configures a JSON-over-HTTP provider client.
type Config struct {
	ProviderID       string
	Modality         contracts.Modality
	Endpoint         string
	Method           string
	APIKey           string
	APIKeyHeader     string
	APIKeyPrefix     string
	QueryAPIKeyParam string
	StaticHeaders    map[string]string
	Timeout          time.Duration
	CaptureMode      CaptureMode
	CaptureMaxBytes  int
	MaxResponseBytes int64
	Client           *http.Client
}

// Request is one provider call. Body is JSON-encoded unless RawBody is set.
type Request struct {
	Body        any
	RawBody     []byte
	ContentType string
	// Path is appended to the configured endpoint when non-empty.
	Path  string
	Query map[string]string
}

// Response is a successful provider reply.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Adapter executes provider calls and normalizes failures into contracts.ProviderError.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New constructs a provider client.
func New(cfg Config) (*Adapter, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider_id is required")
	}
	if err := cfg.Modality.Validate(); err != nil {
		return nil, err
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CaptureMode == "" {
		cfg.CaptureMode = CaptureRedacted
	}
	if cfg.CaptureMaxBytes < minCaptureMaxBytes {
		cfg.CaptureMaxBytes = defaultCaptureMaxBytes
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.StaticHeaders == nil {
		cfg.StaticHeaders = map[string]string{}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

// ProviderID returns provider identity.
func (a *Adapter) ProviderID() string {
	return a.cfg.ProviderID
}

// Modality returns provider modality.
func (a *Adapter) Modality() contracts.Modality {
	return a.cfg.Modality
}

// Do executes one provider attempt. Any non-2xx status, transport failure or
// missing endpoint is returned as a *contracts.ProviderError.
func (a *Adapter) Do(ctx context.Context, req Request) (Response, error) {
	if a.cfg.Endpoint == "" {
		return Response{}, a.fail(contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_endpoint_missing"}, "", nil)
	}
	if err := ctx.Err(); err != nil {
		return Response{}, a.fail(normalizeNetworkError(err), "", err)
	}

	body := req.RawBody
	contentType := req.ContentType
	if body == nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, fmt.Errorf("encode %s request: %w", a.cfg.ProviderID, err)
		}
		body = raw
		contentType = "application/json"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	endpoint, err := a.endpoint(req)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, a.cfg.Method, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if a.cfg.APIKeyHeader != "" && a.cfg.APIKey != "" {
		httpReq.Header.Set(a.cfg.APIKeyHeader, a.cfg.APIKeyPrefix+a.cfg.APIKey)
	}
	for key, value := range a.cfg.StaticHeaders {
		httpReq.Header.Set(key, value)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		capture, _ := capturePayload([]byte(fmt.Sprintf("network_error=%v", err)), a.cfg.CaptureMode, a.cfg.CaptureMaxBytes, false)
		return Response{}, a.fail(normalizeNetworkError(err), capture, err)
	}
	defer resp.Body.Close()

	outcome := normalizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
	if outcome.Class != contracts.OutcomeSuccess {
		sample, truncated, readErr := readBodySample(resp.Body, a.cfg.CaptureMaxBytes)
		if readErr != nil {
			sample = []byte(fmt.Sprintf("response_read_error=%v", readErr))
		}
		capture, _ := capturePayload(sample, a.cfg.CaptureMode, a.cfg.CaptureMaxBytes, truncated)
		return Response{}, a.fail(outcome, capture, nil)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBytes+1))
	if err != nil {
		return Response{}, a.fail(normalizeNetworkError(err), "", err)
	}
	if int64(len(payload)) > a.cfg.MaxResponseBytes {
		return Response{}, a.fail(contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_response_too_large", StatusCode: resp.StatusCode}, "", nil)
	}
	return Response{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: payload}, nil
}

// DoJSON executes req and decodes a JSON response into out.
func (a *Adapter) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := a.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		capture, _ := capturePayload(resp.Body, a.cfg.CaptureMode, a.cfg.CaptureMaxBytes, false)
		return a.fail(contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_malformed_response", StatusCode: resp.StatusCode}, capture, err)
	}
	return nil
}

// Capture renders raw with the adapter's capture settings.
func (a *Adapter) Capture(raw []byte) string {
	out, _ := capturePayload(raw, a.cfg.CaptureMode, a.cfg.CaptureMaxBytes, false)
	return out
}

func (a *Adapter) fail(outcome contracts.Outcome, capture string, cause error) error {
	perr := contracts.NewProviderError(a.cfg.ProviderID, outcome, cause)
	perr.Capture = capture
	return perr
}

func (a *Adapter) endpoint(req Request) (string, error) {
	endpoint := a.cfg.Endpoint
	if req.Path != "" {
		endpoint = strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(req.Path, "/")
	}
	query := make(map[string]string, len(req.Query)+1)
	for k, v := range req.Query {
		query[k] = v
	}
	if a.cfg.QueryAPIKeyParam != "" && a.cfg.APIKey != "" {
		query[a.cfg.QueryAPIKeyParam] = a.cfg.APIKey
	}
	if len(query) == 0 {
		return endpoint, nil
	}
	return withQuery(endpoint, query)
}

func withQuery(rawEndpoint string, values map[string]string) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, value := range values {
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func normalizeNetworkError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.Outcome{Class: contracts.OutcomeCancelled, Retryable: false, Reason: "provider_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_transport_error"}
}

func normalizeStatus(status int, retryAfter string) contracts.Outcome {
	outcome := contracts.Outcome{StatusCode: status}
	switch {
	case status >= 200 && status <= 299:
		outcome.Class = contracts.OutcomeSuccess
	case status == http.StatusTooManyRequests:
		outcome.Class = contracts.OutcomeOverload
		outcome.Retryable = true
		outcome.Reason = "provider_overload"
		outcome.BackoffMS = retryAfterToMS(retryAfter)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		outcome.Class = contracts.OutcomeTimeout
		outcome.Retryable = true
		outcome.Reason = "provider_timeout"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		outcome.Class = contracts.OutcomeBlocked
		outcome.Reason = "provider_auth_or_policy_block"
	case status >= 400 && status <= 499:
		outcome.Class = contracts.OutcomeBlocked
		outcome.Reason = "provider_client_error"
	default:
		outcome.Class = contracts.OutcomeInfrastructureFailure
		outcome.Retryable = true
		outcome.Reason = "provider_server_error"
	}
	return outcome
}

func retryAfterToMS(retryAfter string) int64 {
	seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter))
	if err != nil || seconds < 1 {
		return 500
	}
	return int64(seconds) * 1000
}

func capturePayload(raw []byte, mode CaptureMode, maxBytes int, preTruncated bool) (string, bool) {
	if maxBytes < 1 {
		maxBytes = defaultCaptureMaxBytes
	}
	truncated := preTruncated
	sample := raw
	if len(sample) > maxBytes {
		sample = sample[:maxBytes]
		truncated = true
	}
	switch mode {
	case CaptureFull:
		if len(sample) == 0 {
			return "", truncated
		}
		if utf8.Valid(sample) {
			return string(sample), truncated
		}
		return "base64:" + base64.StdEncoding.EncodeToString(sample), truncated
	case CaptureHash:
		return fmt.Sprintf("sha256=%s bytes=%d", hashBytes(sample), len(sample)), truncated
	default:
		return fmt.Sprintf("redacted sha256=%s bytes=%d", hashBytes(sample), len(sample)), truncated
	}
}

func hashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func readBodySample(reader io.Reader, maxBytes int) ([]byte, bool, error) {
	payload, err := io.ReadAll(io.LimitReader(reader, int64(maxBytes+1)))
	if err != nil {
		return nil, false, err
	}
	if len(payload) > maxBytes {
		return payload[:maxBytes], true, nil
	}
	return payload, false, nil
}

// NormalizeNetworkError maps transport-level errors to normalized outcomes.
func NormalizeNetworkError(err error) contracts.Outcome {
	return normalizeNetworkError(err)
}

// NormalizeStatus maps HTTP status and retry-after headers to normalized outcomes.
func NormalizeStatus(status int, retryAfter string) contracts.Outcome {
	return normalizeStatus(status, retryAfter)
}
