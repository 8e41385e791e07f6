// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error variables for common API failures.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrEmptyBody indicates a success status with no response body at all.
	ErrEmptyBody = errors.New("empty response body")
)

// ProtocolError is a non-success HTTP status from the remote service.
// Body holds the (size-limited) response text for diagnostics.
type ProtocolError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("API error [%s] (HTTP %d): %s", e.Code, e.StatusCode, msg)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, msg)
}

// Is maps well-known status codes onto the sentinel errors so callers can
// use errors.Is without losing the diagnostic body.
func (e *ProtocolError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrInsufficientCredits:
		return e.StatusCode == http.StatusPaymentRequired
	case ErrModelNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// TransportError is a connection or I/O failure talking to the service.
type TransportError struct {
	Op  string // "send" or "read"
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// newProtocolError builds a ProtocolError, pulling the structured message out
// of the body when the service returned one.
func newProtocolError(statusCode int, body []byte) *ProtocolError {
	perr := &ProtocolError{StatusCode: statusCode, Body: string(body)}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		perr.Message = apiErr.Error.Message
		perr.Code = strings.Trim(string(apiErr.Error.Code), `"`)
		if perr.Code == "null" {
			perr.Code = ""
		}
	}
	return perr
}
