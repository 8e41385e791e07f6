// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error display and exit codes for klusterchat commands.
//
// Commands return errors and never print-and-return-nil. Run decides how an
// error is shown and which exit code it maps to.

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/klusterchat/internal/archive"
	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/cloud"
	"github.com/jeranaias/klusterchat/internal/config"
	"github.com/jeranaias/klusterchat/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	ExitAuthError    = 4
	ExitNetworkError = 5
	ExitNotFound     = 7
	ExitInterrupted  = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports a malformed command line.
type UsageError struct {
	Command string
	Reason  string
	Usage   string // optional usage line shown with the error
}

func (e *UsageError) Error() string {
	if e.Command == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Reason)
}

func usageErr(command, reason, usage string) error {
	return &UsageError{Command: command, Reason: reason, Usage: usage}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w, as JSON when jsonMode is set.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		out := map[string]any{
			"success":    false,
			"error":      err.Error(),
			"error_type": errorType(err),
			"exit_code":  GetExitCode(err),
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
	var usage *UsageError
	if errors.As(err, &usage) && usage.Usage != "" {
		fmt.Fprintf(w, "%s %s\n", DimStyle.Render("Usage:"), usage.Usage)
	}
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		fmt.Fprintln(w, DimStyle.Render("Fix the config with 'klusterchat config set <key> <value>' or edit 'klusterchat config path'."))
	}
	if errors.Is(err, cloud.ErrNotConfigured) {
		fmt.Fprintln(w, DimStyle.Render("Set KLUSTER_API_KEY or run 'klusterchat config set api.key <key>'."))
	}
}

func errorType(err error) string {
	switch GetExitCode(err) {
	case ExitUsageError:
		return "usage_error"
	case ExitConfigError:
		return "config_error"
	case ExitAuthError:
		return "auth_error"
	case ExitNetworkError:
		return "network_error"
	case ExitNotFound:
		return "not_found"
	case ExitInterrupted:
		return "interrupted"
	}
	return "error"
}

// GetExitCode maps an error to a process exit code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *UsageError
	var verrs config.ValidationErrors
	var transport *cloud.TransportError
	switch {
	case errors.As(err, &usage),
		errors.Is(err, storage.ErrInvalidSessionID),
		errors.Is(err, chat.ErrNoSendableContent):
		return ExitUsageError
	case errors.As(err, &verrs), errors.Is(err, cloud.ErrNotConfigured):
		return ExitConfigError
	case errors.Is(err, cloud.ErrAuthFailed), errors.Is(err, cloud.ErrInsufficientCredits):
		return ExitAuthError
	case errors.As(err, &transport), errors.Is(err, cloud.ErrRateLimited):
		return ExitNetworkError
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, archive.ErrNothingToExport),
		errors.Is(err, cloud.ErrModelNotFound):
		return ExitNotFound
	case chat.IsCancellation(err):
		return ExitInterrupted
	}
	return ExitGeneralError
}
