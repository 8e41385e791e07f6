// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package archive moves saved conversations in and out of a single zip file.
//
// An archive holds one manifest entry (metadata.json, the session list) and
// one message-list entry per session (chats/session_<id>.json). Import merges
// an archive into a store under a conflict Policy. Callers must not run
// imports or exports against the same store concurrently.
package archive

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jeranaias/klusterchat/internal/storage"
)

// Entry names inside an archive.
const (
	ManifestName = "metadata.json"
	chatsPrefix  = storage.ChatsDir + "/"
)

// Size limits for reading archive entries.
const (
	DefaultMaxEntrySize int64 = 64 * 1024 * 1024
	DefaultMaxManifest  int64 = 16 * 1024 * 1024
)

// CopySuffix marks the title of a session imported under CreateCopy.
const CopySuffix = " (imported copy)"

var (
	// ErrNothingToExport is returned when the store has no sessions.
	ErrNothingToExport = errors.New("no sessions to export")

	// ErrInvalidArchive is returned when the archive or its manifest cannot
	// be read. Nothing is written to the store in that case.
	ErrInvalidArchive = errors.New("invalid archive")

	// ErrEntryTooLarge is returned for an entry above the size limit.
	ErrEntryTooLarge = errors.New("archive entry too large")
)

// MessageEntryName returns the archive path of a session's message list.
func MessageEntryName(id string) string {
	return chatsPrefix + storage.MessageFileName(id)
}

// sessionIDFromEntry maps an entry name back to a session id. Entries under
// chats/ and at the archive root are both accepted.
func sessionIDFromEntry(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	dir, file := path.Split(name)
	if dir != "" && dir != chatsPrefix {
		return "", false
	}
	return storage.SessionIDFromFileName(file)
}

// =============================================================================
// POLICY
// =============================================================================

// Policy decides what happens when an imported session id already exists.
type Policy int

const (
	// Skip leaves the local session untouched.
	Skip Policy = iota
	// Replace overwrites the local session with the imported one.
	Replace
	// CreateCopy imports under a new id next to the local session.
	CreateCopy
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Skip:
		return "skip"
	case Replace:
		return "replace"
	case CreateCopy:
		return "copy"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts skip, replace, and copy (or create-copy).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return Skip, nil
	case "replace", "overwrite":
		return Replace, nil
	case "copy", "create-copy", "createcopy":
		return CreateCopy, nil
	}
	return Skip, fmt.Errorf("unknown import policy %q (want skip, replace or copy)", s)
}
