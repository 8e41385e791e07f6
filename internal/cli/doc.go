// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and execution for klusterchat.
//
// # Key Types
//
//   - Command: the available commands
//   - Args: global flags plus the raw arguments of the command
//   - App: configuration, storage, the API client and the chat coordinator
//     wired together for one command
//   - Repl: the interactive chat loop
//
// # Usage
//
//	cmd, args, err := cli.Parse()
//	if err == nil {
//	    err = cli.Run(ctx, cmd, args, cli.StdIO())
//	}
//	if err != nil {
//	    cli.DisplayError(os.Stderr, err, args.JSON)
//	    os.Exit(cli.GetExitCode(err))
//	}
//
// # Commands Overview
//
//   - chat: interactive conversation (default)
//   - ask: one question, reply on stdout
//   - sessions: list, show, rename, delete and repair saved sessions
//   - export, import: move every session through a zip archive
//   - models: the selectable models
//   - config: view and edit the config file
//   - serve: the local HTTP API
//
// Commands that print data accept --json.
package cli
