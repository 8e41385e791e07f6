// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists saved conversations.
//
// A saved conversation is one logical record made of two parts: a
// SessionMetadata entry in the session list and the session's message list.
// Store implementations keep both parts; Sessions layers the write protocol
// on top (message list first, metadata last as the commit record) along with
// per-session write serialization and automatic titles.
//
// # Backends
//
//   - FileStore: sessions.json plus chats/session_<id>.json under a data
//     directory, written atomically. The session list is cached in memory and
//     invalidated by an fsnotify watch when another process rewrites it.
//   - SQLiteStore: two tables in one database file (pure Go driver).
//
// # Usage
//
//	store, err := storage.Open(ctx, storage.BackendFile, dataDir)
//	sessions := storage.NewSessions(store)
//	meta, err := sessions.Save(ctx, meta, messages)
//	conv, err := sessions.Open(ctx, meta.ID)
//
// # Recovery
//
// A crash between the two writes of a save leaves a message list with no
// metadata record. Repair deletes such orphans; they are never listed.
package storage
