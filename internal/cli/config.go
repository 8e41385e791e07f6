// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation for klusterchat.
//
// Command: config [subcommand]
// Short:   View and modify configuration
//
// Subcommands:
//
//	show (default)      Display current configuration (--toml for file form)
//	get <key>           Print one value
//	set <key> <value>   Set a value in the config file
//	keys                List every settable key
//	init [--force]      Write a default config file
//	path                Show configuration file path
//
// Examples:
//
//	klusterchat config set api.key kluster-xxx
//	klusterchat config set chat.model deepseek-ai/DeepSeek-V3-0324
//	klusterchat config set chat.settings.temperature 0.4
//	klusterchat config set verification.enabled true
//	klusterchat config get storage.backend
//
// set edits the file only: environment overrides are not written back.

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/klusterchat/internal/config"
)

const configUsage = "klusterchat config [show|get|set|keys|init|path]"

// HandleConfig runs the config command. It does not open storage.
func HandleConfig(ctx context.Context, args Args, streams IO) error {
	p := NewArgParser(args.Raw, "force", "toml")

	path := args.ConfigPath
	if path == "" {
		var err error
		if path, err = config.ConfigPath(); err != nil {
			return err
		}
	}

	switch sub := p.Subcommand(); sub {
	case "", "show":
		return configShow(args, p.BoolFlag("toml"), streams.Out)
	case "get":
		return configGet(args, p, streams.Out)
	case "set":
		return configSet(path, p, args, streams.Out)
	case "keys":
		return configKeys(args, streams.Out)
	case "init":
		return configInit(path, p.BoolFlag("force"), args, streams.Out)
	case "path":
		if args.JSON {
			return writeJSON(streams.Out, map[string]string{"path": path})
		}
		fmt.Fprintln(streams.Out, path)
		return nil
	default:
		return usageErr("config", fmt.Sprintf("unknown subcommand %q", sub), configUsage)
	}
}

func configShow(args Args, asTOML bool, out io.Writer) error {
	cfg, path, err := loadConfig(args)
	if err != nil {
		return err
	}
	safe := cfg.Redacted()
	if args.JSON {
		return writeJSON(out, safe)
	}
	if asTOML {
		return toml.NewEncoder(out).Encode(safe)
	}

	fmt.Fprintln(out, TitleStyle.Render("klusterchat configuration"))
	fmt.Fprintf(out, "%s %s\n", RenderLabel("File"), DimStyle.Render(path))
	section := ""
	for _, key := range config.AllKeys() {
		head, _, _ := strings.Cut(key, ".")
		if head != section {
			section = head
			fmt.Fprintf(out, "\n%s\n", LabelStyle.Bold(true).Render("["+section+"]"))
		}
		v, err := safe.Get(key)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", padKey(strings.TrimPrefix(key, section+".")), ValueStyle.Render(fmt.Sprint(v)))
	}
	return nil
}

func padKey(k string) string {
	return LabelStyle.Width(28).Render(k)
}

func configGet(args Args, p *ArgParser, out io.Writer) error {
	key := p.Positional(1)
	if key == "" {
		return usageErr("config get", "key required", "klusterchat config get <key>")
	}
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	v, err := cfg.Redacted().Get(key)
	if err != nil {
		return usageErr("config get", err.Error(), "klusterchat config keys")
	}
	if args.JSON {
		return writeJSON(out, map[string]any{"key": key, "value": v})
	}
	fmt.Fprintln(out, v)
	return nil
}

// readConfigFile decodes the file over defaults without environment
// overrides, so set does not persist values that came from the environment.
func readConfigFile(path string) (*config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		if err := config.DecodeTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	return cfg, nil
}

func configSet(path string, p *ArgParser, args Args, out io.Writer) error {
	key, value := p.Positional(1), strings.Join(p.PositionalFrom(2), " ")
	if key == "" || p.PositionalCount() < 3 {
		return usageErr("config set", "key and value required", "klusterchat config set <key> <value>")
	}

	cfg, err := readConfigFile(path)
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return usageErr("config set", err.Error(), "klusterchat config keys")
	}
	check := cfg.Clone()
	check.SetDefaults()
	if err := check.Validate(); err != nil {
		return err
	}
	if err := config.SaveTo(cfg, path); err != nil {
		return err
	}

	shown, _ := cfg.Redacted().Get(key)
	if args.JSON {
		return writeJSON(out, map[string]any{"key": key, "value": shown, "path": path})
	}
	fmt.Fprintf(out, "%s %s = %v\n", SuccessStyle.Render("Set"), key, shown)
	return nil
}

func configKeys(args Args, out io.Writer) error {
	keys := config.AllKeys()
	if args.JSON {
		return writeJSON(out, keys)
	}
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	return nil
}

func configInit(path string, force bool, args Args, out io.Writer) error {
	if _, err := os.Stat(path); err == nil && !force {
		return usageErr("config init", path+" already exists", "klusterchat config init --force")
	}
	cfg := config.Default()
	if err := config.SaveTo(cfg, path); err != nil {
		return err
	}
	if args.JSON {
		return writeJSON(out, map[string]string{"path": path})
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\n", SuccessStyle.Render("Wrote"), path)
	if !args.Quiet {
		fmt.Fprintf(&buf, "%s\n", DimStyle.Render("Set your key with: klusterchat config set api.key <key>"))
	}
	_, err := out.Write(buf.Bytes())
	return err
}
