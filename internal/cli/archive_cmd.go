// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// archive_cmd.go - Whole-store export and import.
//
// Commands:
//
//	export [FILE] [--force]                 Write every session to a zip archive
//	import FILE [--policy skip|replace|copy] Read sessions from a zip archive
//
// The default export file is klusterchat_<timestamp>.zip in the current
// directory. Import never touches the store when the archive's manifest is
// unreadable.

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jeranaias/klusterchat/internal/archive"
	"github.com/jeranaias/klusterchat/internal/util"
)

// ExportResult is the --json output of export.
type ExportResult struct {
	Path     string `json:"path"`
	Sessions int    `json:"sessions"`
	Bytes    int    `json:"bytes"`
}

// HandleExport runs the export command.
func HandleExport(ctx context.Context, args Args, streams IO) error {
	p := NewArgParser(args.Raw, "force")

	path := p.Positional(0)
	if path == "" {
		path = p.Flag("out", "o")
	}
	if path == "" {
		path = fmt.Sprintf("klusterchat_%s.zip", time.Now().Format("20060102_150405"))
	}
	if _, err := os.Stat(path); err == nil && !p.BoolFlag("force") {
		return usageErr("export", fmt.Sprintf("%s already exists", path), "klusterchat export [FILE] --force")
	}

	app, err := NewApp(ctx, args, streams.Err)
	if err != nil {
		return err
	}
	defer app.Close()

	var buf bytes.Buffer
	n, err := archive.Export(ctx, app.Store, &buf)
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	app.Logger.Info("exported sessions", "path", path, "sessions", n)

	if args.JSON {
		return writeJSON(streams.Out, ExportResult{Path: path, Sessions: n, Bytes: buf.Len()})
	}
	fmt.Fprintf(streams.Out, "%s %d %s to %s\n",
		SuccessStyle.Render("Exported"), n, pluralWord(n, "session"), path)
	return nil
}

// ImportResult is the --json output of import.
type ImportResult struct {
	Policy          string            `json:"policy"`
	Imported        int               `json:"imported"`
	Added           []string          `json:"added"`
	Replaced        []string          `json:"replaced"`
	Skipped         []string          `json:"skipped"`
	Copied          map[string]string `json:"copied"`
	MissingMessages []string          `json:"missing_messages"`
	Errors          []string          `json:"errors"`
}

func newImportResult(r archive.Report) ImportResult {
	res := ImportResult{
		Policy:          r.Policy.String(),
		Imported:        r.Imported(),
		Added:           nonNil(r.Added),
		Replaced:        nonNil(r.Replaced),
		Skipped:         nonNil(r.Skipped),
		Copied:          make(map[string]string, len(r.Copied)),
		MissingMessages: nonNil(r.MissingMessages),
		Errors:          []string{},
	}
	for _, c := range r.Copied {
		res.Copied[c.From] = c.To
	}
	for _, e := range r.Errors {
		res.Errors = append(res.Errors, e.Error())
	}
	return res
}

// HandleImport runs the import command.
func HandleImport(ctx context.Context, args Args, streams IO) error {
	p := NewArgParser(args.Raw)
	const usage = "klusterchat import FILE [--policy skip|replace|copy]"

	path := p.Positional(0)
	if path == "" {
		return usageErr("import", "archive file required", usage)
	}
	policy, err := archive.ParsePolicy(p.Flag("policy", "p"))
	if err != nil {
		return usageErr("import", err.Error(), usage)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}

	app, err := NewApp(ctx, args, streams.Err)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := archive.Import(ctx, app.Store, f, info.Size(), policy,
		archive.WithLogger(app.Logger.With("component", "archive")))
	if err != nil {
		return err
	}

	if args.JSON {
		if err := writeJSON(streams.Out, newImportResult(report)); err != nil {
			return err
		}
	} else {
		printImportReport(streams.Out, report)
	}
	if report.Imported() == 0 && len(report.Errors) > 0 {
		return report.Err()
	}
	return nil
}

func printImportReport(out io.Writer, r archive.Report) {
	fmt.Fprintf(out, "%s %d %s (policy: %s)\n",
		SuccessStyle.Render("Imported"), r.Imported(), pluralWord(r.Imported(), "session"), r.Policy)
	row := func(label string, n int) {
		if n > 0 {
			fmt.Fprintf(out, "  %s %d\n", RenderLabel(label), n)
		}
	}
	row("Added", len(r.Added))
	row("Replaced", len(r.Replaced))
	row("Skipped", len(r.Skipped))
	for _, c := range r.Copied {
		fmt.Fprintf(out, "  %s %s -> %s\n", RenderLabel("Copied"), shortID(c.From), shortID(c.To))
	}
	for _, id := range r.MissingMessages {
		fmt.Fprintf(out, "  %s %s has no messages in the archive\n", WarningStyle.Render("[WARN]"), id)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(out, "  %s %s\n", ErrorStyle.Render("[FAIL]"), e.Error())
	}
}

func pluralWord(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
