// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.txt")
	data := []byte("hello, world!")

	if err := AtomicWriteFile(path, data, PrivateFileMode); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("Content mismatch: got %q, want %q", string(content), string(data))
	}
}

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chats", "deep", "session_a.json")

	if err := AtomicWriteFile(path, []byte("[]"), PrivateFileMode); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("File not created: %v", err)
	}
}

func TestAtomicWriteFile_OverwritesAndLeavesNoTemp(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "sessions.json")

	if err := AtomicWriteFile(path, []byte("initial"), PrivateFileMode); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("updated"), PrivateFileMode); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != "updated" {
		t.Errorf("Content not updated: got %q", string(content))
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the target file, found %d entries", len(entries))
	}
}

func TestAtomicWriteFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "secret.json")
	if err := AtomicWriteFile(path, []byte("{}"), PrivateFileMode); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != PrivateFileMode {
		t.Errorf("Mode = %v, want %v", info.Mode().Perm(), PrivateFileMode)
	}
}

func TestJSONFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	in := map[string]int{"a": 1, "b": 2}

	if err := WriteJSONFile(path, in); err != nil {
		t.Fatalf("WriteJSONFile failed: %v", err)
	}
	var out map[string]int
	if err := ReadJSONFile(path, &out); err != nil {
		t.Fatalf("ReadJSONFile failed: %v", err)
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("Unexpected content: %v", out)
	}
}

func TestReadJSONFile_Missing(t *testing.T) {
	var out []string
	err := ReadJSONFile(filepath.Join(t.TempDir(), "nope.json"), &out)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected os.ErrNotExist, got %v", err)
	}
}

func TestReadJSONFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	err := ReadJSONFile(path, &out)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected decode error, got %v", err)
	}
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		input    string
		maxRunes int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello..."},
		{"hello", 0, ""},
		{"", 5, ""},
		{"日本語のテキスト", 3, "日本語..."},
		{"café au lait", 4, "café..."},
	}

	for _, tt := range tests {
		if got := TruncateRunes(tt.input, tt.maxRunes); got != tt.expected {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.input, tt.maxRunes, got, tt.expected)
		}
	}
}

func TestTruncateWidth(t *testing.T) {
	tests := []struct {
		input    string
		maxWidth int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"日本語テキスト", 7, "日本..."},
		{"hello", 2, "he"},
		{"hello", 0, ""},
	}

	for _, tt := range tests {
		if got := TruncateWidth(tt.input, tt.maxWidth); got != tt.expected {
			t.Errorf("TruncateWidth(%q, %d) = %q, want %q", tt.input, tt.maxWidth, got, tt.expected)
		}
	}
}

func TestPadRight(t *testing.T) {
	if got := PadRight("ab", 5); got != "ab   " {
		t.Errorf("PadRight ascii = %q", got)
	}
	// Each CJK rune occupies two columns.
	if got := PadRight("日本", 6); got != "日本  " {
		t.Errorf("PadRight cjk = %q", got)
	}
	if got := PadRight("toolong", 3); got != "toolong" {
		t.Errorf("PadRight should not cut: %q", got)
	}
}

func TestCollapseSpace(t *testing.T) {
	if got := CollapseSpace("  a\n\tb   c \r\n"); got != "a b c" {
		t.Errorf("CollapseSpace = %q", got)
	}
}

func TestRuneLen(t *testing.T) {
	if RuneLen("日本語") != 3 {
		t.Errorf("RuneLen(日本語) = %d", RuneLen("日本語"))
	}
}
