// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wires configuration, logging, storage and the chat stack.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/cloud"
	"github.com/jeranaias/klusterchat/internal/config"
	"github.com/jeranaias/klusterchat/internal/logging"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/storage"
	"github.com/jeranaias/klusterchat/internal/verify"
)

// App holds the services a command needs.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger

	Store    storage.Store
	Sessions *storage.Sessions

	Client   *cloud.Client
	Verifier *verify.Pipeline
	Coord    *chat.Coordinator

	closers []io.Closer
}

// loadConfig loads .env files and the config file named by args, then
// applies the --model override.
func loadConfig(args Args) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}

	path := args.ConfigPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, path, err
	}
	if args.Model != "" {
		info, _ := model.LookupModel(args.Model)
		cfg.Chat.Model = info.ID
	}
	return cfg, path, nil
}

// NewApp builds the full service graph. Close releases it.
func NewApp(ctx context.Context, args Args, stderr io.Writer) (*App, error) {
	cfg, path, err := loadConfig(args)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, ConfigPath: path}
	if err := app.initLogger(args, stderr); err != nil {
		return nil, err
	}
	if err := app.initStorage(ctx); err != nil {
		app.Close()
		return nil, err
	}

	app.Client = cloud.NewClient(cfg.API.Endpoint, cfg.API.Key,
		cloud.WithHeaderTimeout(cfg.HeaderTimeout()),
		cloud.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
		cloud.WithUserAgent("klusterchat/"+Version),
		cloud.WithLogger(app.Logger.With("component", "cloud")),
	)

	// The verifier is always attached; each send decides whether to use it.
	app.Verifier = verify.NewPipeline(app.Client,
		verify.WithModel(cfg.Verification.Model),
		verify.WithInstruction(cfg.Verification.Instruction),
		verify.WithLogger(app.Logger.With("component", "verify")),
	)
	app.Coord = chat.NewCoordinator(app.Client,
		chat.WithVerifier(app.Verifier),
		chat.WithAllowSystemOnly(cfg.Chat.AllowSystemOnly),
		chat.WithLogger(app.Logger.With("component", "chat")),
	)

	app.Logger.Debug("app ready",
		"config", path,
		"model", cfg.Chat.Model,
		"backend", cfg.Storage.Backend,
		"key", app.Client.APIKeyMasked())
	return app, nil
}

func (a *App) initLogger(args Args, stderr io.Writer) error {
	opts := logging.Options{
		Level:  a.Config.Log.Level,
		Format: a.Config.Log.Format,
		File:   a.Config.Log.File,
		Output: stderr,
	}
	if args.Verbose {
		opts.Level = "debug"
	}
	logger, closer, err := logging.New(opts)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.Logger = logger
	a.closers = append(a.closers, closer)
	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	dir, err := a.Config.DataDir()
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, storage.Backend(a.Config.Storage.Backend), dir,
		storage.WithLogger(a.Logger.With("component", "storage")))
	if err != nil {
		return fmt.Errorf("failed to open %s storage in %s: %w", a.Config.Storage.Backend, dir, err)
	}
	a.Store = store
	a.closers = append(a.closers, store)
	a.Sessions = storage.NewSessions(store, storage.WithSessionsLogger(a.Logger))
	return nil
}

// Watch starts picking up session changes made by other processes when the
// backend and config allow it.
func (a *App) Watch(ctx context.Context) {
	if !a.Config.Storage.Watch {
		return
	}
	fs, ok := a.Store.(*storage.FileStore)
	if !ok {
		return
	}
	if err := fs.Watch(ctx); err != nil {
		a.Logger.Warn("session watch disabled", "error", err)
	}
}

// NewConversation starts a conversation with the configured defaults.
func (a *App) NewConversation() *model.Conversation {
	conv := model.NewConversation(a.Config.Chat.Model)
	conv.Key = storage.NewID()
	conv.Settings = a.Config.Chat.Settings
	conv.ApplySystemPrompt(a.Config.Chat.SystemPrompt)
	return conv
}

// RequireKey fails early when no API key is configured.
func (a *App) RequireKey() error {
	if !a.Client.IsConfigured() {
		return cloud.ErrNotConfigured
	}
	return nil
}

// Close releases storage and the log file. Active requests are cancelled.
func (a *App) Close() error {
	var errs []error
	if a.Coord != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := a.Coord.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
