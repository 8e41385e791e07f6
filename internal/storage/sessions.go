// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/klusterchat/internal/logging"
	"github.com/jeranaias/klusterchat/internal/model"
)

// =============================================================================
// SESSIONS SERVICE
// =============================================================================

// Sessions implements the save protocol on top of a Store: one write per
// session id at a time, message list first, metadata last.
type Sessions struct {
	store  Store
	locks  keyedMutex
	now    func() time.Time
	logger *slog.Logger
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithClock overrides the time source used for LastModified and titles.
func WithClock(now func() time.Time) SessionsOption {
	return func(s *Sessions) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSessionsLogger sets the logger.
func WithSessionsLogger(l *slog.Logger) SessionsOption {
	return func(s *Sessions) { s.logger = logging.OrDiscard(l) }
}

// NewSessions wraps store.
func NewSessions(store Store, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		store:  store,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Sessions) Store() Store {
	return s.store
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

func (s *Sessions) stamp() time.Time {
	return s.now().UTC()
}

// Save persists meta and msgs as one logical record. A blank ID gets a new
// one; a blank title keeps the stored title or is suggested from msgs.
// LastModified is stamped with the current time. The returned metadata is
// what was stored.
func (s *Sessions) Save(ctx context.Context, meta model.SessionMetadata, msgs []model.Message) (model.SessionMetadata, error) {
	if meta.ID == "" {
		meta.ID = NewID()
	}
	if err := ValidateSessionID(meta.ID); err != nil {
		return model.SessionMetadata{}, err
	}

	unlock := s.locks.Lock(meta.ID)
	defer unlock()

	now := s.stamp()
	if strings.TrimSpace(meta.Title) == "" {
		if existing, err := s.store.GetSession(ctx, meta.ID); err == nil && existing.Title != "" {
			meta.Title = existing.Title
		} else {
			meta.Title = SuggestTitle(msgs, now)
		}
	}
	meta.Title = strings.TrimSpace(meta.Title)
	meta.LastModified = now

	// Message list first: a crash before the metadata write leaves an
	// orphan that Repair removes, never a listed session without messages.
	if err := s.store.SaveMessages(ctx, meta.ID, msgs); err != nil {
		return model.SessionMetadata{}, err
	}
	if err := s.store.PutSession(ctx, meta); err != nil {
		return model.SessionMetadata{}, err
	}
	s.logger.Debug("session saved", "id", meta.ID, "messages", len(msgs))
	return meta, nil
}

// SaveConversation saves conv under id (a new id when empty) and returns the
// stored metadata.
func (s *Sessions) SaveConversation(ctx context.Context, id, title string, conv *model.Conversation) (model.SessionMetadata, error) {
	meta := conv.Metadata(id, title, time.Time{})
	return s.Save(ctx, meta, conv.Messages)
}

// Open loads a saved conversation ready to continue.
func (s *Sessions) Open(ctx context.Context, id string) (*model.Conversation, error) {
	meta, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.LoadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.ConversationFromSession(meta, msgs), nil
}

// Get returns the metadata for id.
func (s *Sessions) Get(ctx context.Context, id string) (model.SessionMetadata, error) {
	return s.store.GetSession(ctx, id)
}

// Messages returns the message list for id.
func (s *Sessions) Messages(ctx context.Context, id string) ([]model.Message, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LoadMessages(ctx, id)
}

// List returns all sessions, newest first.
func (s *Sessions) List(ctx context.Context) ([]model.SessionMetadata, error) {
	return s.store.ListSessions(ctx)
}

// Delete removes a session's metadata and messages.
func (s *Sessions) Delete(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.store.DeleteSession(ctx, id)
}

// Rename changes a session's title. A blank title is replaced by a suggestion
// from the stored messages. LastModified is left alone.
func (s *Sessions) Rename(ctx context.Context, id, title string) (model.SessionMetadata, error) {
	if err := ValidateSessionID(id); err != nil {
		return model.SessionMetadata{}, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	meta, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.SessionMetadata{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		msgs, err := s.store.LoadMessages(ctx, id)
		if err != nil {
			return model.SessionMetadata{}, err
		}
		title = SuggestTitle(msgs, s.stamp())
	}
	meta.Title = title
	if err := s.store.PutSession(ctx, meta); err != nil {
		return model.SessionMetadata{}, err
	}
	return meta, nil
}

// =============================================================================
// REPAIR
// =============================================================================

// RepairReport lists what Repair changed.
type RepairReport struct {
	// Orphans are message lists that had no metadata record and were removed.
	Orphans []string
}

// Repair removes message lists with no metadata record, the state left by a
// save interrupted between its two writes.
func (s *Sessions) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport

	metas, err := s.store.ListSessions(ctx)
	if err != nil {
		return report, err
	}
	known := make(map[string]bool, len(metas))
	for _, m := range metas {
		known[m.ID] = true
	}

	ids, err := s.store.MessageIDs(ctx)
	if err != nil {
		return report, err
	}
	var errs []error
	for _, id := range ids {
		if known[id] {
			continue
		}
		unlock := s.locks.Lock(id)
		// Re-check under the lock: a save may have just committed.
		if _, err := s.store.GetSession(ctx, id); err == nil {
			unlock()
			continue
		}
		if err := s.store.DeleteMessages(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("remove orphan %s: %w", id, err))
		} else {
			report.Orphans = append(report.Orphans, id)
			s.logger.Info("removed orphaned message list", "id", id)
		}
		unlock()
	}
	return report, errors.Join(errs...)
}

// =============================================================================
// KEYED MUTEX
// =============================================================================

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// Lock locks key and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
