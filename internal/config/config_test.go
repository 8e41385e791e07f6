// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/jeranaias/klusterchat/internal/model"
)

// isolate points ConfigDir at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(DirEnv, dir)
	for _, k := range []string{
		"KLUSTER_API_KEY", "KLUSTERCHAT_API_KEY", "KLUSTERCHAT_API_URL",
		"KLUSTERCHAT_MODEL", "KLUSTERCHAT_VERIFY", "KLUSTERCHAT_DATA_DIR",
		"KLUSTERCHAT_STORAGE", "KLUSTERCHAT_LOG_LEVEL",
		"KLUSTERCHAT_SERVER_ADDR", "KLUSTERCHAT_SERVER_TOKEN",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestConfig_Default(t *testing.T) {
	cfg := Default()

	if cfg.Chat.Model != model.DefaultModelName {
		t.Errorf("Expected default model %q, got %q", model.DefaultModelName, cfg.Chat.Model)
	}
	if cfg.Chat.Settings != model.DefaultModelSettings {
		t.Errorf("Expected default settings, got %v", cfg.Chat.Settings)
	}
	if cfg.Verification.Model != model.VerificationModelName {
		t.Errorf("Expected judge model %q, got %q", model.VerificationModelName, cfg.Verification.Model)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Expected file backend, got %q", cfg.Storage.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

// TestConfig_Validate tests configuration validation.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string // empty means valid
	}{
		{name: "valid default config", mutate: func(c *Config) {}},
		{
			name:   "plain http remote endpoint",
			mutate: func(c *Config) { c.API.Endpoint = "http://api.example.com/v1/chat/completions" },
			field:  "api.endpoint",
		},
		{
			name:   "plain http localhost endpoint",
			mutate: func(c *Config) { c.API.Endpoint = "http://127.0.0.1:9000/v1/chat/completions" },
		},
		{
			name:   "endpoint without host",
			mutate: func(c *Config) { c.API.Endpoint = "not a url" },
			field:  "api.endpoint",
		},
		{
			name:   "temperature out of range",
			mutate: func(c *Config) { c.Chat.Settings.Temperature = 3 },
			field:  "chat.settings",
		},
		{
			name:   "empty model",
			mutate: func(c *Config) { c.Chat.Model = "  " },
			field:  "chat.model",
		},
		{
			name: "verification without model",
			mutate: func(c *Config) {
				c.Verification.Enabled = true
				c.Verification.Model = ""
			},
			field: "verification.model",
		},
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Storage.Backend = "postgres" },
			field:  "storage.backend",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Log.Level = "loud" },
			field:  "log.level",
		},
		{
			name:   "bad server addr",
			mutate: func(c *Config) { c.Server.Addr = "8080" },
			field:  "server.addr",
		},
		{
			name:   "negative api rate",
			mutate: func(c *Config) { c.API.RateLimit = -1 },
			field:  "api.rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Validate() error = %v, want ValidationErrors", err)
			}
			if !verrs.Has(tt.field) {
				t.Errorf("Validate() error = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}
	if got := errs.Error(); got != "a: bad; b: worse" {
		t.Errorf("Error() = %q", got)
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := LoadFrom(filepath.Join(dir, "absent.toml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Chat.Model != model.DefaultModelName {
		t.Errorf("Chat.Model = %q, want default", cfg.Chat.Model)
	}
}

func TestLoadFrom_TOML(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	data := `
[api]
key = "file-key"

[chat]
model = "google/gemma-3-27b-it"
allow_system_only = true

[chat.settings]
temperature = 0.2
frequency_penalty = 0.5
top_p = 0.9

[storage]
backend = "sqlite"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.API.Key != "file-key" {
		t.Errorf("API.Key = %q", cfg.API.Key)
	}
	if cfg.Chat.Model != "google/gemma-3-27b-it" || !cfg.Chat.AllowSystemOnly {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	want := model.ModelSettings{Temperature: 0.2, FrequencyPenalty: 0.5, TopP: 0.9}
	if cfg.Chat.Settings != want {
		t.Errorf("Chat.Settings = %v, want %v", cfg.Chat.Settings, want)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q", cfg.Storage.Backend)
	}
	// Unset sections keep their defaults.
	if cfg.API.Endpoint != Default().API.Endpoint {
		t.Errorf("API.Endpoint = %q", cfg.API.Endpoint)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 && os.PathSeparator == '/' {
		t.Errorf("config permissions = %o, want 600", mode)
	}
}

func TestLoadFrom_Errors(t *testing.T) {
	dir := isolate(t)

	tests := map[string]string{
		"unknown key":  "[chat]\ncolour = \"red\"\n",
		"syntax error": "[chat\n",
		"invalid":      "[storage]\nbackend = \"redis\"\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".toml")
			if err := os.WriteFile(path, []byte(data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFrom(path); err == nil {
				t.Error("LoadFrom() should fail")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("KLUSTERCHAT_API_KEY", "env-key")
	t.Setenv("KLUSTERCHAT_MODEL", "env-model")
	t.Setenv("KLUSTERCHAT_VERIFY", "yes")
	t.Setenv("KLUSTERCHAT_STORAGE", "SQLite")
	t.Setenv("KLUSTERCHAT_DATA_DIR", "/tmp/kc")

	cfg := Default()
	cfg.API.Key = "file-key"
	cfg.ApplyEnvOverrides()

	if cfg.API.Key != "env-key" {
		t.Errorf("API.Key = %q, env should win", cfg.API.Key)
	}
	if cfg.Chat.Model != "env-model" {
		t.Errorf("Chat.Model = %q", cfg.Chat.Model)
	}
	if !cfg.Verification.Enabled {
		t.Error("Verification should be enabled")
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Dir != "/tmp/kc" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KLUSTERCHAT_LOG_LEVEL=debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override, and t.Setenv("") counts as set.
	os.Unsetenv("KLUSTERCHAT_LOG_LEVEL")
	t.Cleanup(func() { os.Unsetenv("KLUSTERCHAT_LOG_LEVEL") })

	if err := LoadDotEnv(); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := LoadFrom(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug from .env", cfg.Log.Level)
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nested", "config.toml")

	cfg := Default()
	cfg.API.Key = "secret"
	cfg.Chat.SystemPrompt = "Be terse."
	cfg.Verification.Enabled = true
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# klusterchat configuration file") {
		t.Error("saved config should start with the header comment")
	}

	back, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if *back != *cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, cfg)
	}
}

// TestConfig_GetSet tests Get and Set methods with dot notation.
func TestConfig_GetSet(t *testing.T) {
	cfg := Default()

	val, err := cfg.Get("storage.backend")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if val != "file" {
		t.Errorf("Get('storage.backend') = %v, want 'file'", val)
	}

	if err := cfg.Set("chat.settings.temperature", "0.3"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if cfg.Chat.Settings.Temperature != 0.3 {
		t.Errorf("Temperature = %v after Set", cfg.Chat.Settings.Temperature)
	}
	if err := cfg.Set("verification.enabled", "true"); err != nil || !cfg.Verification.Enabled {
		t.Errorf("Set('verification.enabled') err=%v enabled=%v", err, cfg.Verification.Enabled)
	}
	if err := cfg.Set("api.timeout_secs", 30); err != nil || cfg.API.TimeoutSecs != 30 {
		t.Errorf("Set('api.timeout_secs') err=%v value=%v", err, cfg.API.TimeoutSecs)
	}

	for _, bad := range []string{"invalid.key", "", "chat", "storage.backend.x"} {
		if err := cfg.Set(bad, "x"); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
	if err := cfg.Set("api.timeout_secs", "soon"); err == nil {
		t.Error("Set() with a non-numeric value should fail")
	}
}

func TestAllKeys(t *testing.T) {
	keys := AllKeys()
	for _, want := range []string{"api.key", "chat.settings.top_p", "storage.backend", "log.file"} {
		if !slices.Contains(keys, want) {
			t.Errorf("AllKeys() missing %s", want)
		}
	}
	cfg := Default()
	for _, k := range keys {
		if _, err := cfg.Get(k); err != nil {
			t.Errorf("Get(%q) error = %v", k, err)
		}
	}
}

// TestConfig_Clone tests that Clone creates an independent copy.
func TestConfig_Clone(t *testing.T) {
	original := Default()
	clone := original.Clone()
	clone.Chat.Model = "cloned"

	if original.Chat.Model == "cloned" {
		t.Error("Clone should create an independent copy")
	}
}

func TestConfig_StringRedacts(t *testing.T) {
	cfg := Default()
	cfg.API.Key = "sk-very-secret"
	cfg.Server.Token = "tok-secret"

	s := cfg.String()
	if strings.Contains(s, "very-secret") || strings.Contains(s, "tok-secret") {
		t.Errorf("String() leaked a secret: %s", s)
	}
	if !strings.Contains(s, "[REDACTED]") {
		t.Error("String() should mark redacted fields")
	}
	if cfg.API.Key != "sk-very-secret" {
		t.Error("String() must not modify the config")
	}
}

func TestDataDir(t *testing.T) {
	dir := isolate(t)
	cfg := Default()

	got, err := cfg.DataDir()
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, "data") {
		t.Errorf("DataDir() = %q", got)
	}

	cfg.Storage.Dir = "/srv/chats"
	if got, _ := cfg.DataDir(); got != "/srv/chats" {
		t.Errorf("DataDir() = %q", got)
	}
}
