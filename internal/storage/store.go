// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jeranaias/klusterchat/internal/logging"
	"github.com/jeranaias/klusterchat/internal/model"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the persistence contract shared by all backends.
//
// ListSessions returns metadata sorted by LastModified, newest first.
// PutSession adds or replaces by ID and keeps that order. DeleteSession
// removes the metadata record and the message list together. LoadMessages
// returns an empty list for a session with no stored messages.
type Store interface {
	ListSessions(ctx context.Context) ([]model.SessionMetadata, error)
	GetSession(ctx context.Context, id string) (model.SessionMetadata, error)
	PutSession(ctx context.Context, meta model.SessionMetadata) error
	ReplaceSessions(ctx context.Context, metas []model.SessionMetadata) error
	DeleteSession(ctx context.Context, id string) error

	LoadMessages(ctx context.Context, id string) ([]model.Message, error)
	SaveMessages(ctx context.Context, id string, msgs []model.Message) error
	DeleteMessages(ctx context.Context, id string) error
	// MessageIDs lists every session id that has a stored message list,
	// whether or not its metadata record exists.
	MessageIDs(ctx context.Context) ([]string, error)

	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	return b == BackendFile || b == BackendSQLite
}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = logging.OrDiscard(l) }
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open creates the store for backend rooted at dir.
func Open(ctx context.Context, backend Backend, dir string, opts ...Option) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(dir, opts...)
	case BackendSQLite:
		return NewSQLiteStore(ctx, dir, opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// =============================================================================
// SESSION IDS
// =============================================================================

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateSessionID rejects ids that could escape the data directory or
// collide after path normalization.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func upsert(metas []model.SessionMetadata, meta model.SessionMetadata) []model.SessionMetadata {
	for i := range metas {
		if metas[i].ID == meta.ID {
			metas[i] = meta
			model.SortSessions(metas)
			return metas
		}
	}
	metas = append(metas, meta)
	model.SortSessions(metas)
	return metas
}

func removeSession(metas []model.SessionMetadata, id string) ([]model.SessionMetadata, bool) {
	for i := range metas {
		if metas[i].ID == id {
			return append(metas[:i], metas[i+1:]...), true
		}
	}
	return metas, false
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrSessionNotFound is returned when no metadata record has the given id.
// Use errors.Is(err, ErrSessionNotFound) to check for this error.
var ErrSessionNotFound = &StoreError{Message: "session not found"}

// ErrInvalidSessionID is returned for ids outside [A-Za-z0-9_-]{1,128}.
var ErrInvalidSessionID = &StoreError{Message: "invalid session id"}

// StoreError represents a storage-related error.
// It implements the error interface and can be compared using errors.Is.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(id))
}
