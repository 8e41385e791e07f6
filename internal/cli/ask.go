// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command.
//
// Command: ask
//
// Examples:
//
//	klusterchat ask "What is a goroutine?"
//	klusterchat ask --file main.go "Review this code"
//	echo "Summarize: ..." | klusterchat ask
//	klusterchat ask --session 2 --verify "Are you sure?"
//
// Flags:
//
//	-f, --file PATH     Include a file in the question
//	--session ID        Continue a saved session
//	--system TEXT       System prompt for a new session
//	--verify            Judge the reply with the verification model
//	--no-verify         Never verify
//	--no-save           Do not save the exchange
//	--no-markdown       Print plain text
//	--hide-reasoning    Do not show the reasoning span
//
// The reply streams to stdout. With --json a single result object is
// printed instead.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/model"
)

// MaxFileSize bounds a file included with --file.
const MaxFileSize = 512 * 1024

// AskResult is the --json output of ask.
type AskResult struct {
	SessionID    string                    `json:"session_id,omitempty"`
	Title        string                    `json:"title,omitempty"`
	Model        string                    `json:"model"`
	State        string                    `json:"state"`
	Content      string                    `json:"content,omitempty"`
	Reasoning    string                    `json:"reasoning,omitempty"`
	Interruption string                    `json:"interruption,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Verdict      *model.VerificationResult `json:"verdict,omitempty"`
}

// HandleAsk runs the ask command.
func HandleAsk(ctx context.Context, args Args, streams IO) error {
	p := NewArgParser(args.Raw, "verify", "no-verify", "no-save", "no-markdown", "hide-reasoning")

	question, err := askQuestion(p, streams.In)
	if err != nil {
		return err
	}

	app, err := NewApp(ctx, args, streams.Err)
	if err != nil {
		return err
	}
	defer app.Close()
	if err := app.RequireKey(); err != nil {
		return err
	}

	var conv *model.Conversation
	title := ""
	if ref := p.Flag("session", "s"); ref != "" {
		meta, err := resolveSession(ctx, app.Sessions, ref)
		if err != nil {
			return err
		}
		if conv, err = app.Sessions.Open(ctx, meta.ID); err != nil {
			return err
		}
		title = meta.Title
	} else {
		conv = app.NewConversation()
		if p.HasFlag("system") {
			conv.ApplySystemPrompt(p.Flag("system"))
		}
	}
	conv.Append(model.NewMessage(model.RoleUser, question))

	verify := app.Config.Verification.Enabled
	if p.BoolFlag("verify") {
		verify = true
	} else if p.BoolFlag("no-verify") {
		verify = false
	}
	markdown := app.Config.Chat.RenderMarkdown && IsStdoutTTY() && !p.BoolFlag("no-markdown") && !args.JSON
	showReasoning := app.Config.Chat.ShowReasoning && !p.BoolFlag("hide-reasoning") && !args.JSON

	out := streams.Out
	if args.JSON {
		out = io.Discard
	}
	printer := newStreamPrinter(out, showReasoning, !markdown)
	job, err := app.Coord.Send(ctx, conv, chat.SendOptions{
		Placement:        chat.Append(),
		SkipVerification: !verify,
		Observer:         chat.Observer{OnFragment: printer.Fragment},
	})
	if err != nil {
		return err
	}

	sig, stop := notifyInterrupt()
	defer stop()
	select {
	case <-job.Done():
	case <-sig:
		job.Cancel()
		<-job.Done()
	case <-ctx.Done():
		job.Cancel()
		<-job.Done()
	}

	res := job.Result()
	if printer.Started() && !printer.EchoedContent() && res.Message != nil {
		fmt.Fprint(out, "\n\n")
	}
	// A failure with nothing to show is reported once, as the command error.
	if !args.JSON && (res.Message != nil || res.State != chat.StateFailed) {
		printResult(out, res, printer.EchoedContent(), markdown)
	}
	if res.Message != nil {
		conv.Messages = res.Placement.Apply(conv.Messages, *res.Message)
	}

	result := AskResult{
		Model:        conv.ModelName,
		State:        res.State.String(),
		Interruption: res.Interruption.Annotation(),
	}
	if res.Message != nil {
		result.Content = res.Message.Content
		result.Reasoning = res.Message.Reasoning
	}
	if res.Err != nil {
		result.Error = res.Err.Error()
	}

	if !p.BoolFlag("no-save") {
		meta, err := app.Sessions.SaveConversation(context.WithoutCancel(ctx), conv.Key, title, conv)
		if err != nil {
			app.Logger.Error("failed to save session", "error", err)
		} else {
			result.SessionID, result.Title = meta.ID, meta.Title
			if !args.JSON && !args.Quiet {
				fmt.Fprintln(streams.Err, DimStyle.Render("session "+shortID(meta.ID)+": "+meta.Title))
			}
		}
	}

	if verify && res.State == chat.StateCompleted {
		if !args.JSON {
			fmt.Fprintln(streams.Err, DimStyle.Render("verifying..."))
		}
		vctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-sig:
				cancel()
			case <-vctx.Done():
			}
		}()
		v, verr := job.Verdict(vctx)
		cancel()
		if verr == nil && v != nil {
			result.Verdict = v
			if !args.JSON {
				printVerdict(streams.Out, v)
			}
		}
	}

	if args.JSON {
		if err := writeJSON(streams.Out, result); err != nil {
			return err
		}
	}

	switch res.State {
	case chat.StateCompleted:
		return nil
	case chat.StateCancelled:
		return chat.ErrCancelled
	}
	return res.Err
}

// askQuestion joins the positionals, or reads stdin when there are none or
// the only one is "-", and appends --file content.
func askQuestion(p *ArgParser, stdin io.Reader) (string, error) {
	question := strings.Join(p.PositionalFrom(0), " ")
	if question == "" || question == "-" {
		if stdin == os.Stdin && IsTTY() {
			return "", usageErr("ask", "no question given", `klusterchat ask "question"`)
		}
		data, err := io.ReadAll(io.LimitReader(stdin, MaxFileSize+1))
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		if len(data) > MaxFileSize {
			return "", fmt.Errorf("stdin too large (max %d bytes)", MaxFileSize)
		}
		question = string(data)
	}

	if path := p.Flag("file", "f"); path != "" {
		content, err := readFileForContext(path)
		if err != nil {
			return "", err
		}
		question += content
	}

	if strings.TrimSpace(question) == "" {
		return "", usageErr("ask", "no question given", `klusterchat ask "question"`)
	}
	return question, nil
}

// readFileForContext reads a file and wraps it in header lines for the
// prompt. Files larger than MaxFileSize are rejected.
func readFileForContext(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("cannot access file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("file too large: %d bytes (max %d bytes)", info.Size(), MaxFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n\n--- File: %s ---\n", path)
	b.Write(content)
	b.WriteString("\n--- End of file ---\n")
	return b.String(), nil
}
