// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/jeranaias/klusterchat/internal/logging"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/storage"
)

// =============================================================================
// REPORT
// =============================================================================

// Report describes what an import did, by session id.
type Report struct {
	Policy Policy

	Added    []string // ids not present locally
	Replaced []string
	Skipped  []string // present locally and left alone
	Copied   []Copy

	// MissingMessages lists manifest entries whose message list was not in
	// the archive. They are never imported.
	MissingMessages []string

	Errors []EntryError
}

// Copy records a session imported under a new id.
type Copy struct {
	From string
	To   string
}

// EntryError is a failure confined to one session.
type EntryError struct {
	ID  string
	Err error
}

func (e EntryError) Error() string {
	return fmt.Sprintf("session %s: %v", e.ID, e.Err)
}

func (e EntryError) Unwrap() error {
	return e.Err
}

// Imported returns how many sessions were written.
func (r Report) Imported() int {
	return len(r.Added) + len(r.Replaced) + len(r.Copied)
}

// Err joins the per-entry errors, or returns nil.
func (r Report) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures Import.
type Option func(*importer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(im *importer) { im.logger = logging.OrDiscard(l) }
}

// WithMaxEntrySize bounds the uncompressed size of each message entry.
func WithMaxEntrySize(n int64) Option {
	return func(im *importer) {
		if n > 0 {
			im.maxEntry = n
		}
	}
}

// WithIDGenerator overrides how CreateCopy ids are made.
func WithIDGenerator(fn func() string) Option {
	return func(im *importer) {
		if fn != nil {
			im.newID = fn
		}
	}
}

// WithClock overrides the time stamped on sessions that arrive without one.
func WithClock(now func() time.Time) Option {
	return func(im *importer) {
		if now != nil {
			im.now = now
		}
	}
}

type importer struct {
	store    storage.Store
	policy   Policy
	logger   *slog.Logger
	maxEntry int64
	newID    func() string
	now      func() time.Time
}

// undo restores one message list written during an import. A nil prev
// means the list did not exist before.
type undo struct {
	id   string
	prev []model.Message
}

// =============================================================================
// IMPORT
// =============================================================================

// Import merges the archive read from r into store.
//
// The manifest must be present and valid, otherwise ErrInvalidArchive is
// returned and nothing is written. Each session is handled on its own; its
// failure is recorded in the Report without stopping the others. The merged
// session list is written once at the end, and not at all when nothing
// changed. If that write fails, every message list written by the import
// is restored. The returned error is non-nil only for archive-level failures.
func Import(ctx context.Context, store storage.Store, r io.ReaderAt, size int64, policy Policy, opts ...Option) (Report, error) {
	im := &importer{
		store:    store,
		policy:   policy,
		logger:   logging.Discard(),
		maxEntry: DefaultMaxEntrySize,
		newID:    storage.NewID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im.run(ctx, r, size)
}

// ImportBytes is Import over an in-memory archive.
func ImportBytes(ctx context.Context, store storage.Store, data []byte, policy Policy, opts ...Option) (Report, error) {
	return Import(ctx, store, bytes.NewReader(data), int64(len(data)), policy, opts...)
}

func (im *importer) run(ctx context.Context, r io.ReaderAt, size int64) (Report, error) {
	report := Report{Policy: im.policy}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	var manifestFile *zip.File
	entries := make(map[string]*zip.File)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Name == ManifestName {
			manifestFile = f
			continue
		}
		if id, ok := sessionIDFromEntry(f.Name); ok {
			entries[id] = f
		}
	}
	if manifestFile == nil {
		return report, fmt.Errorf("%w: %s not found", ErrInvalidArchive, ManifestName)
	}

	var incoming []model.SessionMetadata
	if err := readJSON(manifestFile, DefaultMaxManifest, &incoming); err != nil {
		return report, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, ManifestName, err)
	}

	local, err := im.store.ListSessions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list local sessions: %w", err)
	}
	merged := slices.Clone(local)
	index := make(map[string]int, len(merged))
	for i, m := range merged {
		index[m.ID] = i
	}

	var undos []undo
	for _, meta := range incoming {
		if err := ctx.Err(); err != nil {
			im.rollback(context.WithoutCancel(ctx), undos)
			report.Added, report.Replaced, report.Copied = nil, nil, nil
			return report, err
		}
		if err := storage.ValidateSessionID(meta.ID); err != nil {
			report.Errors = append(report.Errors, EntryError{ID: meta.ID, Err: err})
			continue
		}
		if meta.LastModified.IsZero() {
			meta.LastModified = im.now().UTC()
			im.logger.Warn("imported session has no modification time", "session", meta.ID)
		}
		f, ok := entries[meta.ID]
		if !ok {
			report.MissingMessages = append(report.MissingMessages, meta.ID)
			continue
		}

		i, exists := index[meta.ID]
		if exists && im.policy == Skip {
			report.Skipped = append(report.Skipped, meta.ID)
			continue
		}

		var msgs []model.Message
		if err := readJSON(f, im.maxEntry, &msgs); err != nil {
			report.Errors = append(report.Errors, EntryError{ID: meta.ID, Err: err})
			continue
		}
		if msgs == nil {
			msgs = []model.Message{}
		}

		switch {
		case !exists:
			if err := im.store.SaveMessages(ctx, meta.ID, msgs); err != nil {
				report.Errors = append(report.Errors, EntryError{ID: meta.ID, Err: err})
				continue
			}
			index[meta.ID] = len(merged)
			merged = append(merged, meta)
			undos = append(undos, undo{id: meta.ID})
			report.Added = append(report.Added, meta.ID)

		case im.policy == Replace:
			prev, err := im.store.LoadMessages(ctx, meta.ID)
			if err != nil {
				report.Errors = append(report.Errors, EntryError{ID: meta.ID, Err: err})
				continue
			}
			if prev == nil {
				prev = []model.Message{}
			}
			if err := im.store.SaveMessages(ctx, meta.ID, msgs); err != nil {
				report.Errors = append(report.Errors, EntryError{ID: meta.ID, Err: err})
				continue
			}
			undos = append(undos, undo{id: meta.ID, prev: prev})
			merged[i] = meta
			report.Replaced = append(report.Replaced, meta.ID)

		case im.policy == CreateCopy:
			from := meta.ID
			meta.ID = im.uniqueID(index)
			meta.Title += CopySuffix
			if err := im.store.SaveMessages(ctx, meta.ID, msgs); err != nil {
				report.Errors = append(report.Errors, EntryError{ID: from, Err: err})
				continue
			}
			index[meta.ID] = len(merged)
			merged = append(merged, meta)
			undos = append(undos, undo{id: meta.ID})
			report.Copied = append(report.Copied, Copy{From: from, To: meta.ID})

		default:
			report.Errors = append(report.Errors, EntryError{ID: meta.ID, Err: fmt.Errorf("unsupported policy %s", im.policy)})
			continue
		}
	}

	if len(undos) > 0 {
		model.SortSessions(merged)
		if err := im.store.ReplaceSessions(ctx, merged); err != nil {
			im.rollback(context.WithoutCancel(ctx), undos)
			report.Added, report.Replaced, report.Copied = nil, nil, nil
			return report, fmt.Errorf("failed to write session list: %w", err)
		}
	}

	im.logger.Info("archive imported",
		"policy", im.policy.String(),
		"added", len(report.Added),
		"replaced", len(report.Replaced),
		"copied", len(report.Copied),
		"skipped", len(report.Skipped),
		"missing", len(report.MissingMessages),
		"errors", len(report.Errors))
	return report, nil
}

// rollback puts back the message lists written before the session list
// write failed, newest first.
func (im *importer) rollback(ctx context.Context, undos []undo) {
	for i := len(undos) - 1; i >= 0; i-- {
		u := undos[i]
		var err error
		if u.prev == nil {
			err = im.store.DeleteMessages(ctx, u.id)
		} else {
			err = im.store.SaveMessages(ctx, u.id, u.prev)
		}
		if err != nil {
			im.logger.Error("failed to restore messages after import failure", "session", u.id, "error", err)
		}
	}
}

// uniqueID returns a generated id not already in use.
func (im *importer) uniqueID(index map[string]int) string {
	for {
		id := im.newID()
		if _, taken := index[id]; !taken && storage.ValidateSessionID(id) == nil {
			return id
		}
	}
}

// readJSON decodes one entry, refusing entries larger than limit.
func readJSON(f *zip.File, limit int64, v any) error {
	if f.UncompressedSize64 > uint64(limit) {
		return fmt.Errorf("%w: %s is %d bytes", ErrEntryTooLarge, f.Name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	// The header size is not trusted; read one byte past the limit to detect
	// an entry that lies about it.
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	if int64(len(data)) > limit {
		return fmt.Errorf("%w: %s", ErrEntryTooLarge, f.Name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", f.Name, err)
	}
	return nil
}
