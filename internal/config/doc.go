// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for klusterchat.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - APIConfig: Remote endpoint, key, timeouts and outbound pacing
//   - ChatConfig: Model, system prompt and sampling defaults
//   - StorageConfig: Session backend (file or sqlite) and its directory
//   - ValidationErrors: Every field that failed validation
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (KLUSTERCHAT_*), including those read from .env
//   - ~/.klusterchat/config.toml (or $KLUSTERCHAT_HOME/config.toml)
//   - Built-in defaults
//
// # Usage
//
//	_ = config.LoadDotEnv()
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	cfg.Set("chat.settings.temperature", "0.2")
//	config.Save(cfg)
package config
