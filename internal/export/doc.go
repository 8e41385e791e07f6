// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders one saved conversation as a readable transcript.
//
// Transcripts are one-way: they are meant for reading or sharing. Use the
// archive package to move sessions between stores.
//
// # Supported Formats
//
//   - Markdown: human-readable, optional front matter and reasoning blocks
//   - JSON: the metadata record and message list as stored
//
// # Usage
//
//	exporter, err := export.ForFormat("md", nil)
//	path, err := export.WriteFile(transcript, exporter, ".")
package export
