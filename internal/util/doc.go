// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by storage and the CLI.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - WriteJSONFile / ReadJSONFile: indented JSON through AtomicWriteFile
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth / PadRight: display-width aware helpers for tables
//   - CollapseSpace: single-line rendering of multi-line text
package util
