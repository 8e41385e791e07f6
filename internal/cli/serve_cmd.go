// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve_cmd.go - Runs the local HTTP API.
//
// Command: serve
//
// Flags:
//
//	--addr HOST:PORT   Listen address (default server.addr, 127.0.0.1:8787)
//	--token TOKEN      Bearer token required on every request
//
// Listening on anything but a loopback address requires a token.

package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/klusterchat/internal/config"
	"github.com/jeranaias/klusterchat/internal/server"
)

// HandleServe runs the serve command until SIGINT or SIGTERM.
func HandleServe(ctx context.Context, args Args, streams IO) error {
	p := NewArgParser(args.Raw)

	app, err := NewApp(ctx, args, streams.Err)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.Config
	addr := p.FlagOrDefault("addr", cfg.Server.Addr)
	token := p.FlagOrDefault("token", cfg.Server.Token)
	if err := checkListenAddr(addr, token); err != nil {
		return err
	}
	if !app.Client.IsConfigured() {
		app.Logger.Warn("no API key configured: chat requests will fail", "hint", "klusterchat config set api.key <key>")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	app.Watch(ctx)

	srv := server.New(app.Sessions, app.Coord, server.Config{
		Addr:         addr,
		Token:        token,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		ModelName:    cfg.Chat.Model,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Settings:     cfg.Chat.Settings,
		Verify:       cfg.Verification.Enabled,
		Version:      Version,
		Logger:       app.Logger.With("component", "server"),
	})

	if !args.Quiet && !args.JSON {
		fmt.Fprintf(streams.Err, "%s http://%s %s\n",
			SuccessStyle.Render("Listening on"), addr, DimStyle.Render("(Ctrl+C to stop)"))
	}
	return srv.ListenAndServe(ctx)
}

// checkListenAddr refuses to expose the API beyond this machine without a
// token.
func checkListenAddr(addr, token string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return usageErr("serve", fmt.Sprintf("invalid address %q: %v", addr, err), "klusterchat serve --addr 127.0.0.1:8787")
	}
	if token == "" && !config.IsLoopback(host) {
		return usageErr("serve", fmt.Sprintf("refusing to listen on %s without a token", addr),
			"klusterchat serve --addr "+addr+" --token <secret>")
	}
	return nil
}
