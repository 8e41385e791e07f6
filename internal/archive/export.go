// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jeranaias/klusterchat/internal/storage"
)

// Export writes every session in store to w as a zip archive and returns the
// number of sessions written.
func Export(ctx context.Context, store storage.Store, w io.Writer) (int, error) {
	metas, err := store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(metas) == 0 {
		return 0, ErrNothingToExport
	}

	zw := zip.NewWriter(w)
	modified := time.Now()

	if err := writeJSONEntry(zw, ManifestName, metas, modified); err != nil {
		zw.Close()
		return 0, err
	}
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return 0, err
		}
		msgs, err := store.LoadMessages(ctx, m.ID)
		if err != nil {
			zw.Close()
			return 0, fmt.Errorf("failed to load messages for %s: %w", m.ID, err)
		}
		if err := writeJSONEntry(zw, MessageEntryName(m.ID), msgs, m.LastModified); err != nil {
			zw.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}
	return len(metas), nil
}

// ExportBytes returns the archive as a byte slice.
func ExportBytes(ctx context.Context, store storage.Store) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Export(ctx, store, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any, modified time.Time) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if modified.IsZero() {
		modified = time.Now()
	}
	f, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
