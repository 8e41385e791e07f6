// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command line parsing and dispatch for klusterchat.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdAsk
	CmdSessions
	CmdExport
	CmdImport
	CmdModels
	CmdConfig
	CmdServe
	CmdVersion
	CmdHelp
)

var commandNames = map[Command]string{
	CmdChat:     "chat",
	CmdAsk:      "ask",
	CmdSessions: "sessions",
	CmdExport:   "export",
	CmdImport:   "import",
	CmdModels:   "models",
	CmdConfig:   "config",
	CmdServe:    "serve",
	CmdVersion:  "version",
	CmdHelp:     "help",
}

// String returns the command name.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string // --config; empty means ~/.klusterchat/config.toml
	Model      string // --model, overrides chat.model
	JSON       bool
	Quiet      bool
	Verbose    bool // debug logging to stderr
	NoColor    bool

	// Raw holds the command's own arguments, flags included.
	Raw []string
}

// IO bundles the streams a command reads and writes.
type IO struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdIO returns the process streams.
func StdIO() IO {
	return IO{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

const usageText = `klusterchat - chat with hosted language models from the terminal

Usage:
  klusterchat [global flags] <command> [arguments]

Commands:
  chat                        Interactive chat (default)
  ask "question"              Ask a single question and print the reply
  sessions [list|show|rename|delete|repair]
                              Manage saved conversations
  export <file.zip>           Export every session to an archive
  import <file.zip>           Import an archive (--policy skip|replace|copy)
  models                      List known models
  config [show|path|init|get|set|keys]
                              Show or change configuration
  serve                       Run the local HTTP API
  version                     Show version information
  help                        Show this help

Global Flags:
  --config PATH               Use an alternate config file
  -m, --model NAME            Model for this run
  --json                      Machine-readable output where supported
  -q, --quiet                 Less output
  -v, --verbose               Debug logging to stderr
  --no-color                  Disable colors

Examples:
  klusterchat
  klusterchat ask "Explain Go channels in two sentences"
  klusterchat ask --verify --session 1f2e3d "And in one?"
  klusterchat sessions show 1f2e3d --format md
  klusterchat export backup.zip
  klusterchat import backup.zip --policy copy
  klusterchat config set chat.settings.temperature 0.3
  klusterchat serve --addr 127.0.0.1:8787

Environment:
  KLUSTER_API_KEY             API key (also KLUSTERCHAT_API_KEY)
  KLUSTERCHAT_HOME            Config directory (default ~/.klusterchat)
  KLUSTERCHAT_MODEL           Default model
  KLUSTERCHAT_VERIFY          Enable reply verification
  NO_COLOR                    Disable colors
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "klusterchat %s\n", Version)
	fmt.Fprintf(w, "  commit:  %s\n", GitCommit)
	fmt.Fprintf(w, "  built:   %s\n", BuildDate)
	fmt.Fprintf(w, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Parse parses os.Args.
func Parse() (Command, Args, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs splits argv into a command and its arguments. Global flags may
// appear anywhere before the command's own "--".
func ParseArgs(argv []string) (Command, Args, error) {
	remaining, args, err := parseGlobalFlags(argv)
	if err != nil {
		return CmdHelp, args, err
	}
	if len(remaining) == 0 {
		return CmdChat, args, nil
	}

	cmd := remaining[0]
	args.Raw = remaining[1:]

	switch cmd {
	case "chat", "c":
		return CmdChat, args, nil
	case "ask", "a":
		return CmdAsk, args, nil
	case "sessions", "session", "s":
		return CmdSessions, args, nil
	case "export":
		return CmdExport, args, nil
	case "import":
		return CmdImport, args, nil
	case "models":
		return CmdModels, args, nil
	case "config":
		return CmdConfig, args, nil
	case "serve":
		return CmdServe, args, nil
	case "version", "--version":
		return CmdVersion, args, nil
	case "help", "-h", "--help":
		return CmdHelp, args, nil
	}
	return CmdHelp, args, usageErr("", fmt.Sprintf("unknown command %q", cmd), "klusterchat help")
}

// parseGlobalFlags extracts global flags and returns everything else.
func parseGlobalFlags(argv []string) ([]string, Args, error) {
	var args Args
	var remaining []string

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if arg == "--" {
			remaining = append(remaining, argv[i:]...)
			break
		}

		switch arg {
		case "--json":
			args.JSON = true
		case "-q", "--quiet":
			args.Quiet = true
		case "-v", "--verbose":
			args.Verbose = true
		case "--no-color":
			args.NoColor = true
		case "--config", "-m", "--model":
			if i+1 >= len(argv) {
				return nil, args, usageErr("", arg+" needs a value", "")
			}
			i++
			if arg == "--config" {
				args.ConfigPath = argv[i]
			} else {
				args.Model = argv[i]
			}
		default:
			switch {
			case strings.HasPrefix(arg, "--config="):
				args.ConfigPath = strings.TrimPrefix(arg, "--config=")
			case strings.HasPrefix(arg, "--model="):
				args.Model = strings.TrimPrefix(arg, "--model=")
			default:
				remaining = append(remaining, arg)
			}
		}
	}
	return remaining, args, nil
}

// Run executes cmd.
func Run(ctx context.Context, cmd Command, args Args, streams IO) error {
	if args.NoColor {
		ForceColorsEnabled(false)
		applyColorProfile()
	}

	switch cmd {
	case CmdChat:
		return HandleChat(ctx, args, streams)
	case CmdAsk:
		return HandleAsk(ctx, args, streams)
	case CmdSessions:
		return HandleSessions(ctx, args, streams)
	case CmdExport:
		return HandleExport(ctx, args, streams)
	case CmdImport:
		return HandleImport(ctx, args, streams)
	case CmdModels:
		return HandleModels(ctx, args, streams)
	case CmdConfig:
		return HandleConfig(ctx, args, streams)
	case CmdServe:
		return HandleServe(ctx, args, streams)
	case CmdVersion:
		if args.JSON {
			return writeJSON(streams.Out, map[string]string{
				"version":    Version,
				"git_commit": GitCommit,
				"build_date": BuildDate,
				"go":         runtime.Version(),
			})
		}
		PrintVersion(streams.Out)
		return nil
	case CmdHelp:
		PrintUsage(streams.Out)
		return nil
	}
	return usageErr("", "unknown command", "klusterchat help")
}
