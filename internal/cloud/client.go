// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/klusterchat/internal/logging"
	"github.com/jeranaias/klusterchat/internal/model"
)

// Configuration constants for the chat-completion API.
const (
	// DefaultEndpoint is the chat completions URL used when none is configured.
	DefaultEndpoint = "https://api.kluster.ai/v1/chat/completions"

	// DefaultHeaderTimeout bounds the wait for response headers. Reading the
	// body afterwards is bounded only by the request context.
	DefaultHeaderTimeout = 300 * time.Second

	// MaxErrorBodySize caps how much of a failed response is kept.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxErrorBodySize = 64 * 1024

	userAgent = "klusterchat/0.1.0"
)

// newStreamingTransport returns a pooled transport for streaming requests.
// There is no overall client timeout: the request context controls lifetime.
func newStreamingTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
var sharedStreamingClient = &http.Client{
	Transport: newStreamingTransport(DefaultHeaderTimeout),
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatMessage is one entry of the outbound messages array.
type ChatMessage struct {
	Role    string `json:"role"`    // "user", "assistant", or "system"
	Content string `json:"content"` // The message content
}

// ChatRequest is the outbound request body. Optional parameters are pointers
// so "unset" is distinguishable from a literal zero.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	Temperature      *float64      `json:"temperature,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
}

// NewChatRequest builds a streaming request. Temperature is always sent;
// frequency_penalty is omitted at 0 and top_p at 1 or above, which are the
// service's own defaults.
func NewChatRequest(modelName string, messages []ChatMessage, settings model.ModelSettings) ChatRequest {
	req := ChatRequest{
		Model:    modelName,
		Messages: messages,
		Stream:   true,
	}
	temperature := settings.Temperature
	req.Temperature = &temperature
	if settings.FrequencyPenalty != 0 {
		penalty := settings.FrequencyPenalty
		req.FrequencyPenalty = &penalty
	}
	if settings.TopP < 1.0 {
		topP := settings.TopP
		req.TopP = &topP
	}
	return req
}

// Streamer opens a fragment stream for a request. *Client implements it.
type Streamer interface {
	OpenStream(ctx context.Context, req ChatRequest) (*Decoder, error)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to one chat completions endpoint with one credential.
type Client struct {
	endpoint   string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the shared pooled client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHeaderTimeout bounds how long to wait for the response headers.
func WithHeaderTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Transport: newStreamingTransport(d)}
		}
	}
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger for request/response lines.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrDiscard(l)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient creates a client for endpoint. An empty endpoint selects
// DefaultEndpoint.
func NewClient(endpoint, apiKey string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		userAgent:  userAgent,
		httpClient: sharedStreamingClient,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the configured URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// IsConfigured returns true when an API key is present.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// APIKeyMasked returns a display form of the key that exposes no fragment of it.
func (c *Client) APIKeyMasked() string {
	if c.apiKey == "" {
		return "[not set]"
	}
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(c.apiKey), c.KeyFingerprint())
}

// KeyFingerprint returns the first 8 hex chars of the key's SHA-256.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// setHeaders sets the required headers for API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", c.userAgent)
}

// OpenStream sends req and returns a decoder over the response body.
//
// Errors are *ProtocolError for non-2xx statuses, *TransportError for
// connection failures and empty bodies, or the context error when ctx ends
// first. The decoder closes the body when ctx is cancelled.
func (c *Client) OpenStream(ctx context.Context, req ChatRequest) (*Decoder, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	req.Stream = true

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, &TransportError{Op: "send", Err: err}
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	// Don't log headers (auth) or body (conversation content).
	c.logger.Debug("api request", "method", httpReq.Method, "path", httpReq.URL.Path, "model", req.Model, "messages", len(req.Messages))
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, &TransportError{Op: "send", Err: err}
	}
	c.logger.Debug("api response", "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		perr := newProtocolError(resp.StatusCode, body)
		c.logger.Warn("api request rejected", "status", resp.StatusCode, "code", perr.Code)
		return nil, perr
	}
	if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, &TransportError{Op: "read", Err: ErrEmptyBody}
	}

	return NewDecoder(ctx, resp.Body, WithDecoderLogger(c.logger)), nil
}

// Collect drains a decoder and returns the concatenated fragments. On error
// the partial text is returned alongside it.
func Collect(dec *Decoder) (string, error) {
	defer dec.Close()
	var buf bytes.Buffer
	for dec.Next() {
		buf.WriteString(dec.Fragment())
	}
	return buf.String(), dec.Err()
}
