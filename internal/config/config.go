// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/klusterchat/internal/cloud"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete klusterchat configuration.
type Config struct {
	API          APIConfig          `toml:"api" json:"api"`
	Chat         ChatConfig         `toml:"chat" json:"chat"`
	Verification VerificationConfig `toml:"verification" json:"verification"`
	Storage      StorageConfig      `toml:"storage" json:"storage"`
	Server       ServerConfig       `toml:"server" json:"server"`
	Log          LogConfig          `toml:"log" json:"log"`
}

// APIConfig describes the remote chat-completion service.
type APIConfig struct {
	Endpoint string `toml:"endpoint" json:"endpoint"`
	Key      string `toml:"key" json:"key"`

	// TimeoutSecs bounds the wait for response headers. Streams themselves
	// are not time-limited.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`

	// RateLimit is outbound requests per second; 0 disables pacing.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`
}

// ChatConfig holds defaults for new conversations.
type ChatConfig struct {
	Model        string              `toml:"model" json:"model"`
	SystemPrompt string              `toml:"system_prompt" json:"system_prompt"`
	Settings     model.ModelSettings `toml:"settings" json:"settings"`

	// AllowSystemOnly lets a conversation holding only a system prompt be sent.
	AllowSystemOnly bool `toml:"allow_system_only" json:"allow_system_only"`

	ShowReasoning  bool `toml:"show_reasoning" json:"show_reasoning"`
	RenderMarkdown bool `toml:"render_markdown" json:"render_markdown"`
}

// VerificationConfig controls the judge pass.
type VerificationConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled"`
	Model       string `toml:"model" json:"model"`
	Instruction string `toml:"instruction" json:"instruction"`
}

// StorageConfig selects where sessions live.
type StorageConfig struct {
	Backend string `toml:"backend" json:"backend"` // file or sqlite
	Dir     string `toml:"dir" json:"dir"`         // empty = ~/.klusterchat/data
	Watch   bool   `toml:"watch" json:"watch"`     // file backend: reload on external edits
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Addr      string  `toml:"addr" json:"addr"`
	Token     string  `toml:"token" json:"token"`
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"` // per client, requests/sec
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"` // text or json
	File   string `toml:"file" json:"file"`     // empty = stderr
}

// HeaderTimeout returns the API header timeout.
func (c *Config) HeaderTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSecs) * time.Second
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Endpoint:    cloud.DefaultEndpoint,
			TimeoutSecs: int(cloud.DefaultHeaderTimeout / time.Second),
			RateLimit:   0,
			RateBurst:   1,
		},
		Chat: ChatConfig{
			Model:          model.DefaultModelName,
			SystemPrompt:   model.DefaultSystemPrompt,
			Settings:       model.DefaultModelSettings,
			ShowReasoning:  true,
			RenderMarkdown: true,
		},
		Verification: VerificationConfig{
			Enabled: false,
			Model:   model.VerificationModelName,
		},
		Storage: StorageConfig{
			Backend: "file",
			Watch:   true,
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8787",
			RateLimit: 5,
			RateBurst: 10,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// SetDefaults fills empty fields with defaults. Booleans are left alone.
func (c *Config) SetDefaults() {
	d := Default()
	if c.API.Endpoint == "" {
		c.API.Endpoint = d.API.Endpoint
	}
	if c.API.TimeoutSecs == 0 {
		c.API.TimeoutSecs = d.API.TimeoutSecs
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = d.API.RateBurst
	}
	if c.Chat.Model == "" {
		c.Chat.Model = d.Chat.Model
	}
	if c.Verification.Model == "" {
		c.Verification.Model = d.Verification.Model
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = d.Server.RateBurst
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// DirEnv overrides the configuration directory.
const DirEnv = "KLUSTERCHAT_HOME"

// ConfigDir returns the klusterchat configuration directory path.
func ConfigDir() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".klusterchat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the storage directory, defaulting under ConfigDir.
func (c *Config) DataDir() (string, error) {
	if c.Storage.Dir != "" {
		return expandHome(c.Storage.Dir)
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// ensureSecurePermissions tightens a config file to 0600.
// SECURITY: the file may hold the API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// LoadDotEnv loads KEY=value pairs from .env in the working directory and in
// ConfigDir. Variables already set in the environment win; missing files are
// ignored.
func LoadDotEnv() error {
	var errs []error
	candidates := []string{".env"}
	if dir, err := ConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to load %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads the default config file (a missing file means defaults), then
// applies environment overrides, defaults and validation.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load for an explicit path. A missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := ensureSecurePermissions(path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
		}
		if err := DecodeTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DecodeTOML decodes path over cfg and rejects unknown keys.
func DecodeTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes cfg as TOML with 0600 permissions.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func SaveTo(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# klusterchat configuration file\n")
	buf.WriteString("# Generated by klusterchat - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validate checks every section and returns ValidationErrors, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// API
	if u, err := url.Parse(c.API.Endpoint); err != nil || u.Host == "" {
		add("api.endpoint", "invalid URL %q", c.API.Endpoint)
	} else if u.Scheme != "https" && !IsLoopback(u.Hostname()) {
		add("api.endpoint", "must use https (plain http is only allowed for localhost)")
	}
	if c.API.TimeoutSecs < 0 || c.API.TimeoutSecs > 3600 {
		add("api.timeout_secs", "must be between 0 and 3600, got %d", c.API.TimeoutSecs)
	}
	if c.API.RateLimit < 0 {
		add("api.rate_limit", "must not be negative")
	}
	if c.API.RateBurst < 0 {
		add("api.rate_burst", "must not be negative")
	}

	// Chat
	if strings.TrimSpace(c.Chat.Model) == "" {
		add("chat.model", "must not be empty")
	}
	if err := c.Chat.Settings.Validate(); err != nil {
		add("chat.settings", "%v", err)
	}

	// Verification
	if c.Verification.Enabled && strings.TrimSpace(c.Verification.Model) == "" {
		add("verification.model", "must not be empty when verification is enabled")
	}

	// Storage
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		add("storage.backend", "invalid backend %q, must be one of: file, sqlite", c.Storage.Backend)
	}

	// Server
	if c.Server.Addr != "" && !strings.Contains(c.Server.Addr, ":") {
		add("server.addr", "must be host:port, got %q", c.Server.Addr)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "invalid level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", "invalid format %q, must be text or json", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - KLUSTERCHAT_API_KEY (or KLUSTER_API_KEY): overrides api.key
//   - KLUSTERCHAT_API_URL: overrides api.endpoint
//   - KLUSTERCHAT_MODEL: overrides chat.model
//   - KLUSTERCHAT_VERIFY: "1"/"true" enables verification
//   - KLUSTERCHAT_DATA_DIR: overrides storage.dir
//   - KLUSTERCHAT_STORAGE: overrides storage.backend
//   - KLUSTERCHAT_LOG_LEVEL: overrides log.level
//   - KLUSTERCHAT_SERVER_ADDR: overrides server.addr
//   - KLUSTERCHAT_SERVER_TOKEN: overrides server.token
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("KLUSTER_API_KEY"); key != "" {
		c.API.Key = key
	}
	if key := os.Getenv("KLUSTERCHAT_API_KEY"); key != "" {
		c.API.Key = key
	}
	if u := os.Getenv("KLUSTERCHAT_API_URL"); u != "" {
		c.API.Endpoint = u
	}
	if m := os.Getenv("KLUSTERCHAT_MODEL"); m != "" {
		c.Chat.Model = m
	}
	if v := os.Getenv("KLUSTERCHAT_VERIFY"); v != "" {
		c.Verification.Enabled = parseBool(v)
	}
	if dir := os.Getenv("KLUSTERCHAT_DATA_DIR"); dir != "" {
		c.Storage.Dir = dir
	}
	if backend := os.Getenv("KLUSTERCHAT_STORAGE"); backend != "" {
		c.Storage.Backend = strings.ToLower(backend)
	}
	if level := os.Getenv("KLUSTERCHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if addr := os.Getenv("KLUSTERCHAT_SERVER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if token := os.Getenv("KLUSTERCHAT_SERVER_TOKEN"); token != "" {
		c.Server.Token = token
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "chat.settings.temperature").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if field.Kind() == reflect.Struct {
		return fmt.Errorf("%s is a section, not a value", key)
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i], "."))
		}
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

// fieldByTag finds the field whose toml tag (or Go name) matches name.
func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if strings.EqualFold(tag, name) || strings.EqualFold(f.Name, normalizeFieldName(name)) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(strVal))
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// AllKeys returns every settable key in dot notation.
func AllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := range t.NumField() {
			f := t.Field(i)
			tag, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
			if tag == "" || tag == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, prefix+tag+".")
				continue
			}
			keys = append(keys, prefix+tag)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// Clone creates a copy of the configuration. Config holds no reference
// types, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Redacted returns a copy with secrets replaced.
// SECURITY: secrets must not appear in logs or status output.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.API.Key != "" {
		safe.API.Key = "[REDACTED]"
	}
	if safe.Server.Token != "" {
		safe.Server.Token = "[REDACTED]"
	}
	return safe
}

// String returns the redacted config as JSON for debugging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
