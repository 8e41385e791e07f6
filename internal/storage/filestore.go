// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/util"
)

// File layout under the data directory.
const (
	MetadataFile  = "sessions.json"
	ChatsDir      = "chats"
	messagePrefix = "session_"
	messageSuffix = ".json"
)

// MessageFileName returns the file name used for a session's message list,
// both on disk and inside archives.
func MessageFileName(id string) string {
	return messagePrefix + id + messageSuffix
}

// SessionIDFromFileName reverses MessageFileName. ok is false for names that
// do not follow the pattern or carry an invalid id.
func SessionIDFromFileName(name string) (id string, ok bool) {
	if !strings.HasPrefix(name, messagePrefix) || !strings.HasSuffix(name, messageSuffix) {
		return "", false
	}
	id = strings.TrimSuffix(strings.TrimPrefix(name, messagePrefix), messageSuffix)
	if ValidateSessionID(id) != nil {
		return "", false
	}
	return id, true
}

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps the session list in one JSON file and each message list in
// its own file.
type FileStore struct {
	dir    string
	logger *slog.Logger

	// mu guards the metadata file and the cache.
	mu     sync.Mutex
	cache  []model.SessionMetadata
	cached bool

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// NewFileStore creates a store rooted at dir, creating the directory tree.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	o := buildOptions(opts)
	if dir == "" {
		return nil, errors.New("storage directory is empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, ChatsDir), util.PrivateDirMode); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{dir: dir, logger: o.logger}, nil
}

// Dir returns the data directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) metadataPath() string {
	return filepath.Join(s.dir, MetadataFile)
}

func (s *FileStore) messagesPath(id string) string {
	return filepath.Join(s.dir, ChatsDir, MessageFileName(id))
}

// =============================================================================
// METADATA
// =============================================================================

// loadLocked returns a private copy of the session list. Caller holds s.mu.
func (s *FileStore) loadLocked() ([]model.SessionMetadata, error) {
	if s.cached {
		return slices.Clone(s.cache), nil
	}
	var metas []model.SessionMetadata
	if err := util.ReadJSONFile(s.metadataPath(), &metas); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read session list: %w", err)
		}
		metas = []model.SessionMetadata{}
	}
	model.SortSessions(metas)
	s.cache, s.cached = metas, true
	return slices.Clone(metas), nil
}

// writeLocked persists metas as the new session list. Caller holds s.mu.
func (s *FileStore) writeLocked(metas []model.SessionMetadata) error {
	if metas == nil {
		metas = []model.SessionMetadata{}
	}
	model.SortSessions(metas)
	if err := util.WriteJSONFile(s.metadataPath(), metas); err != nil {
		s.cached = false
		return fmt.Errorf("failed to write session list: %w", err)
	}
	s.cache, s.cached = slices.Clone(metas), true
	return nil
}

// ListSessions implements Store.
func (s *FileStore) ListSessions(ctx context.Context) ([]model.SessionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// GetSession implements Store.
func (s *FileStore) GetSession(ctx context.Context, id string) (model.SessionMetadata, error) {
	metas, err := s.ListSessions(ctx)
	if err != nil {
		return model.SessionMetadata{}, err
	}
	for _, m := range metas {
		if m.ID == id {
			return m, nil
		}
	}
	return model.SessionMetadata{}, notFound(id)
}

// PutSession implements Store.
func (s *FileStore) PutSession(ctx context.Context, meta model.SessionMetadata) error {
	if err := ValidateSessionID(meta.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	metas, err := s.loadLocked()
	if err != nil {
		return err
	}
	return s.writeLocked(upsert(metas, meta))
}

// ReplaceSessions implements Store.
func (s *FileStore) ReplaceSessions(ctx context.Context, metas []model.SessionMetadata) error {
	for _, m := range metas {
		if err := ValidateSessionID(m.ID); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(slices.Clone(metas))
}

// DeleteSession implements Store. The message list goes first so a failure
// leaves at worst a metadata record pointing at an empty conversation,
// never an unlisted orphan.
func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	metas, err := s.loadLocked()
	if err != nil {
		return err
	}
	metas, found := removeSession(metas, id)
	if err := s.deleteMessageFile(id); err != nil {
		return err
	}
	if !found {
		return notFound(id)
	}
	return s.writeLocked(metas)
}

// =============================================================================
// MESSAGES
// =============================================================================

// LoadMessages implements Store.
func (s *FileStore) LoadMessages(ctx context.Context, id string) ([]model.Message, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := util.ReadJSONFile(s.messagesPath(id), &msgs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.Message{}, nil
		}
		return nil, fmt.Errorf("failed to read messages for %s: %w", id, err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// SaveMessages implements Store.
func (s *FileStore) SaveMessages(ctx context.Context, id string, msgs []model.Message) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	if err := util.WriteJSONFile(s.messagesPath(id), msgs); err != nil {
		return fmt.Errorf("failed to write messages for %s: %w", id, err)
	}
	return nil
}

// DeleteMessages implements Store. Deleting a missing list is not an error.
func (s *FileStore) DeleteMessages(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.deleteMessageFile(id)
}

func (s *FileStore) deleteMessageFile(id string) error {
	if err := os.Remove(s.messagesPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete messages for %s: %w", id, err)
	}
	return nil
}

// MessageIDs implements Store.
func (s *FileStore) MessageIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, ChatsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := SessionIDFromFileName(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// =============================================================================
// WATCH
// =============================================================================

// Watch invalidates the cached session list whenever the metadata file is
// changed on disk, so edits from another process are picked up. It returns
// once the watch is installed; the watch ends with ctx or Close.
func (s *FileStore) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.watcher = w
	s.stopWatch = cancel
	s.watchDone = make(chan struct{})
	go s.processEvents(ctx, w, s.watchDone)
	return nil
}

func (s *FileStore) processEvents(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer w.Close()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != MetadataFile || event.Op&relevant == 0 {
				continue
			}
			s.invalidate()
			s.logger.Debug("session list changed on disk", "op", event.Op.String())

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("storage watcher error", "error", err)
		}
	}
}

func (s *FileStore) invalidate() {
	s.mu.Lock()
	s.cached = false
	s.cache = nil
	s.mu.Unlock()
}

// Close stops the watch, if any.
func (s *FileStore) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.stopWatch == nil {
		return nil
	}
	s.stopWatch()
	<-s.watchDone
	s.watcher, s.stopWatch, s.watchDone = nil, nil, nil
	return nil
}

var _ Store = (*FileStore)(nil)
