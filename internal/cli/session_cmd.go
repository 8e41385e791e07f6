// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// session_cmd.go - Saved session management.
//
// Command: sessions [subcommand]
// Aliases: session, s
//
// Subcommands:
//
//	list (default)          List sessions, newest first
//	show <id>               Print a transcript (--format text|md|json, --reasoning)
//	save <id> [--out DIR]   Write a transcript file (--format md|json)
//	rename <id> <title>     Change a title
//	delete <id> [--yes]     Delete a session
//	repair                  Remove message files left by interrupted saves
//
// <id> is a full session ID, a unique prefix of it, or the list number.

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeranaias/klusterchat/internal/export"
	"github.com/jeranaias/klusterchat/internal/model"
)

const sessionsUsage = "klusterchat sessions [list|show|save|rename|delete|repair]"

// HandleSessions runs the sessions command.
func HandleSessions(ctx context.Context, args Args, streams IO) error {
	p := NewArgParser(args.Raw, "reasoning", "yes", "y")

	app, err := NewApp(ctx, args, streams.Err)
	if err != nil {
		return err
	}
	defer app.Close()

	switch sub := p.Subcommand(); sub {
	case "", "list", "ls":
		return sessionsList(ctx, app, args, streams.Out)
	case "show", "view":
		return sessionsShow(ctx, app, p, args, streams.Out)
	case "save", "transcript":
		return sessionsSave(ctx, app, p, streams.Out)
	case "rename", "mv":
		return sessionsRename(ctx, app, p, args, streams.Out)
	case "delete", "rm":
		return sessionsDelete(ctx, app, p, args, streams)
	case "repair":
		return sessionsRepair(ctx, app, args, streams.Out)
	default:
		return usageErr("sessions", fmt.Sprintf("unknown subcommand %q", sub), sessionsUsage)
	}
}

// =============================================================================
// LIST
// =============================================================================

func sessionsList(ctx context.Context, app *App, args Args, out io.Writer) error {
	metas, err := app.Sessions.List(ctx)
	if err != nil {
		return err
	}
	if args.JSON {
		if metas == nil {
			metas = []model.SessionMetadata{}
		}
		return writeJSON(out, map[string]any{"sessions": metas, "count": len(metas)})
	}
	if len(metas) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		if !args.Quiet {
			fmt.Fprintln(out, DimStyle.Render("Conversations are saved as you chat: klusterchat chat"))
		}
		return nil
	}
	sessionTable(out, metas, time.Now())
	if !args.Quiet {
		fmt.Fprintf(out, "\n%s\n", DimStyle.Render(fmt.Sprintf("%d session(s). Show one with: klusterchat sessions show <#|id>", len(metas))))
	}
	return nil
}

// =============================================================================
// SHOW / SAVE
// =============================================================================

func loadTranscript(ctx context.Context, app *App, ref string) (*export.Transcript, error) {
	meta, err := resolveSession(ctx, app.Sessions, ref)
	if err != nil {
		return nil, err
	}
	msgs, err := app.Sessions.Messages(ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	return &export.Transcript{Meta: meta, Messages: msgs}, nil
}

func sessionsShow(ctx context.Context, app *App, p *ArgParser, args Args, out io.Writer) error {
	ref := p.Positional(1)
	if ref == "" {
		return usageErr("sessions show", "session id required", "klusterchat sessions show <#|id> [--format text|md|json]")
	}
	t, err := loadTranscript(ctx, app, ref)
	if err != nil {
		return err
	}

	format := p.FlagOrDefault("format", "text")
	if args.JSON {
		format = "json"
	}
	if format != "text" {
		opts := export.DefaultOptions()
		opts.IncludeReasoning = p.BoolFlag("reasoning")
		exporter, err := export.ForFormat(format, opts)
		if err != nil {
			return usageErr("sessions show", err.Error(), "")
		}
		data, err := exporter.Export(t)
		if err != nil {
			return err
		}
		if format != "json" && IsStdoutTTY() && app.Config.Chat.RenderMarkdown {
			fmt.Fprint(out, renderMarkdown(string(data)))
			return nil
		}
		_, err = out.Write(data)
		return err
	}

	printTranscriptText(out, t, p.BoolFlag("reasoning"))
	return nil
}

// printTranscriptText prints a transcript for reading in a terminal.
func printTranscriptText(out io.Writer, t *export.Transcript, reasoning bool) {
	m := t.Meta
	fmt.Fprintln(out, TitleStyle.Render(m.Title))
	fmt.Fprintf(out, "%s %s\n", RenderLabel("ID"), m.ID)
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Model"), m.ModelName)
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Settings"), m.ModelSettings)
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Updated"), m.LastModified.Local().Format(time.RFC1123))
	fmt.Fprintf(out, "%s %d\n", RenderLabel("Messages"), len(t.Messages))
	fmt.Fprintln(out, RenderSeparator())

	for _, msg := range t.Messages {
		fmt.Fprintln(out, RoleStyle(msg.Role.String()).Render(msg.Role.DisplayName()))
		if msg.Role == model.RoleSystem {
			fmt.Fprintln(out, DimStyle.Render(WrapText(msg.Content, 0)))
		} else {
			if reasoning && msg.HasReasoning() {
				fmt.Fprintln(out, faint(WrapText(msg.Reasoning, 0)))
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, WrapText(msg.Content, 0))
		}
		fmt.Fprintln(out)
	}
}

func sessionsSave(ctx context.Context, app *App, p *ArgParser, out io.Writer) error {
	ref := p.Positional(1)
	if ref == "" {
		return usageErr("sessions save", "session id required", "klusterchat sessions save <#|id> [--format md|json] [--out DIR]")
	}
	t, err := loadTranscript(ctx, app, ref)
	if err != nil {
		return err
	}
	opts := export.DefaultOptions()
	opts.IncludeReasoning = p.BoolFlag("reasoning")
	exporter, err := export.ForFormat(p.FlagOrDefault("format", "md"), opts)
	if err != nil {
		return usageErr("sessions save", err.Error(), "")
	}
	path, err := export.WriteFile(t, exporter, p.FlagOrDefault("out", "."))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render("Wrote"), path)
	return nil
}

// =============================================================================
// RENAME / DELETE / REPAIR
// =============================================================================

func sessionsRename(ctx context.Context, app *App, p *ArgParser, args Args, out io.Writer) error {
	ref := p.Positional(1)
	title := strings.TrimSpace(strings.Join(p.PositionalFrom(2), " "))
	if ref == "" || title == "" {
		return usageErr("sessions rename", "session id and title required", "klusterchat sessions rename <#|id> <title>")
	}
	meta, err := resolveSession(ctx, app.Sessions, ref)
	if err != nil {
		return err
	}
	meta, err = app.Sessions.Rename(ctx, meta.ID, title)
	if err != nil {
		return err
	}
	if args.JSON {
		return writeJSON(out, meta)
	}
	fmt.Fprintf(out, "%s %s -> %s\n", SuccessStyle.Render("Renamed"), shortID(meta.ID), meta.Title)
	return nil
}

func sessionsDelete(ctx context.Context, app *App, p *ArgParser, args Args, streams IO) error {
	ref := p.Positional(1)
	if ref == "" {
		return usageErr("sessions delete", "session id required", "klusterchat sessions delete <#|id> [--yes]")
	}
	meta, err := resolveSession(ctx, app.Sessions, ref)
	if err != nil {
		return err
	}
	if !p.BoolFlag("yes", "y") {
		if !confirm(streams.In, streams.Out, fmt.Sprintf("Delete %q (%s)?", meta.Title, shortID(meta.ID))) {
			fmt.Fprintln(streams.Out, "Cancelled.")
			return nil
		}
	}
	if err := app.Sessions.Delete(ctx, meta.ID); err != nil {
		return err
	}
	if args.JSON {
		return writeJSON(streams.Out, map[string]any{"deleted": meta.ID})
	}
	fmt.Fprintf(streams.Out, "%s %s\n", SuccessStyle.Render("Deleted"), meta.Title)
	return nil
}

func sessionsRepair(ctx context.Context, app *App, args Args, out io.Writer) error {
	report, err := app.Sessions.Repair(ctx)
	if args.JSON {
		orphans := report.Orphans
		if orphans == nil {
			orphans = []string{}
		}
		if jerr := writeJSON(out, map[string]any{"removed": orphans}); jerr != nil {
			return jerr
		}
		return err
	}
	if len(report.Orphans) == 0 {
		fmt.Fprintln(out, "Nothing to repair.")
	} else {
		for _, id := range report.Orphans {
			fmt.Fprintf(out, "%s orphaned messages %s\n", WarningStyle.Render("Removed"), id)
		}
	}
	return err
}
