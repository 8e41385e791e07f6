// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelWarn,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "klusterchat.log")
	logger, closer, err := New(Options{Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("stream finished", "fragments", 3)
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	require.Contains(t, out, `"msg":"stream finished"`)
	require.Contains(t, out, `"fragments":3`)
	require.False(t, strings.Contains(out, "hidden"))
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, closer, err := New(Options{Format: "xml"})
	require.Error(t, err)
	require.NotNil(t, closer)
}

func TestFromContext(t *testing.T) {
	fallback := Discard()
	require.Same(t, fallback, FromContext(context.Background(), fallback))

	scoped := Discard().With("request", "abc")
	ctx := WithLogger(context.Background(), scoped)
	require.Same(t, scoped, FromContext(ctx, fallback))
	require.NotNil(t, FromContext(context.Background(), nil))
}
