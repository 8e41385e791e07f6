// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSendableContent is wrapped by every ValidationError.
	ErrNoSendableContent = errors.New("no sendable content")

	// ErrSuperseded is the cancellation cause of a job replaced by a newer
	// request for the same conversation.
	ErrSuperseded = errors.New("superseded by a newer request")

	// ErrCancelled is the cancellation cause of an explicit user cancel.
	ErrCancelled = errors.New("cancelled by user")

	// ErrCannotRegenerate is returned by Regeneration for a message that has
	// no usable history.
	ErrCannotRegenerate = errors.New("message cannot be regenerated")

	// ErrEmptyReply means the stream ended cleanly without visible content.
	// Reasoning alone does not count.
	ErrEmptyReply = errors.New("empty reply from model")
)

// ValidationError is raised before any network I/O when the conversation
// has nothing the remote service could answer. The conversation is left
// untouched.
type ValidationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// Unwrap lets errors.Is match ErrNoSendableContent.
func (e *ValidationError) Unwrap() error {
	return ErrNoSendableContent
}

// IsCancellation reports whether err is a cancellation cause rather than a
// failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrSuperseded)
}
