// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command.
//
// Command: chat (default)
//
// Examples:
//
//	klusterchat                          Start a new conversation
//	klusterchat chat --session 1f2e3d4c  Continue a saved conversation
//	klusterchat chat --verify            Verify every reply
//
// Flags:
//
//	--session ID        Continue a saved session (ID, prefix or list number)
//	--verify            Judge each reply with the verification model
//	--no-verify         Never verify
//	--no-markdown       Stream plain text instead of rendering markdown
//	--hide-reasoning    Do not show the reasoning span
//
// Every exchange is saved as it completes. Ctrl+C during a reply cancels it
// and keeps what arrived; Ctrl+C or Ctrl+D at the prompt exits.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/config"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/storage"
	"github.com/jeranaias/klusterchat/internal/util"
)

// =============================================================================
// INPUT
// =============================================================================

// lineReader is the line editor the REPL reads from.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// errQuit ends the REPL from a slash command.
var errQuit = errors.New("quit")

// historyReader is a liner line editor with a persistent history file.
type historyReader struct {
	*liner.State
	path string
}

func newHistoryReader() *historyReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetMultiLineMode(true)
	line.SetCompleter(completeCommand)

	r := &historyReader{State: line}
	if dir, err := config.ConfigDir(); err == nil {
		r.path = filepath.Join(dir, "chat_history")
		if f, err := os.Open(r.path); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *historyReader) Close() error {
	if r.path != "" {
		if err := os.MkdirAll(filepath.Dir(r.path), util.PrivateDirMode); err == nil {
			if f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				_, _ = r.WriteHistory(f)
				f.Close()
			}
		}
	}
	return r.State.Close()
}

func completeCommand(line string) []string {
	if !strings.HasPrefix(line, "/") {
		return nil
	}
	var out []string
	for _, c := range slashCommands {
		if strings.HasPrefix(c.name, line) {
			out = append(out, c.name)
		}
	}
	return out
}

// =============================================================================
// REPL STATE
// =============================================================================

// Repl is one interactive chat session.
type Repl struct {
	app *App
	in  lineReader
	out io.Writer

	conv  *model.Conversation
	title string
	saved bool

	verify        bool
	showReasoning bool
	markdown      bool

	// interrupts delivers Ctrl+C while a request runs.
	interrupts func() (<-chan os.Signal, func())
	now        func() time.Time
}

// NewRepl creates a REPL over app reading from in.
func NewRepl(app *App, in lineReader, out io.Writer) *Repl {
	return &Repl{
		app:           app,
		in:            in,
		out:           out,
		conv:          app.NewConversation(),
		verify:        app.Config.Verification.Enabled,
		showReasoning: app.Config.Chat.ShowReasoning,
		markdown:      app.Config.Chat.RenderMarkdown && IsStdoutTTY(),
		interrupts:    notifyInterrupt,
		now:           time.Now,
	}
}

func notifyInterrupt() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch, func() { signal.Stop(ch) }
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// HandleChat runs the interactive chat command.
func HandleChat(ctx context.Context, args Args, streams IO) error {
	p := NewArgParser(args.Raw, "verify", "no-verify", "no-markdown", "hide-reasoning")

	app, err := NewApp(ctx, args, streams.Err)
	if err != nil {
		return err
	}
	defer app.Close()
	if err := app.RequireKey(); err != nil {
		return err
	}

	reader := newHistoryReader()
	defer reader.Close()

	repl := NewRepl(app, reader, streams.Out)
	repl.applyFlags(p)
	if ref := p.Flag("session", "s"); ref != "" {
		if err := repl.load(ctx, ref); err != nil {
			return err
		}
	}
	if !args.Quiet {
		repl.printWelcome()
	}
	return repl.Run(ctx)
}

func (r *Repl) applyFlags(p *ArgParser) {
	switch {
	case p.BoolFlag("verify"):
		r.verify = true
	case p.BoolFlag("no-verify"):
		r.verify = false
	}
	if p.BoolFlag("no-markdown") {
		r.markdown = false
	}
	if p.BoolFlag("hide-reasoning") {
		r.showReasoning = false
	}
}

// Run reads lines until quit, EOF or an aborted prompt.
func (r *Repl) Run(ctx context.Context) error {
	for {
		input, err := r.in.Prompt(PromptStyle.Render("you> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or closed input.
			fmt.Fprintln(r.out)
			r.printExit()
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.in.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			err := r.command(ctx, input)
			if errors.Is(err, errQuit) {
				r.printExit()
				return nil
			}
			if err != nil {
				fmt.Fprintf(r.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			r.printExit()
			return nil
		}

		r.conv.Append(model.NewMessage(model.RoleUser, input))
		if err := r.send(ctx, r.conv, chat.Append()); err != nil {
			fmt.Fprintf(r.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// =============================================================================
// SENDING
// =============================================================================

// send requests a reply for the current conversation and waits for it.
// Ctrl+C cancels the request; whatever arrived is kept.
// send asks for a reply to history and places it in r.conv. history is
// r.conv itself or a truncated copy of it.
func (r *Repl) send(ctx context.Context, history *model.Conversation, placement chat.Placement) error {
	printer := newStreamPrinter(r.out, r.showReasoning, !r.markdown)
	fmt.Fprintln(r.out)
	job, err := r.app.Coord.Send(ctx, history, chat.SendOptions{
		Placement:        placement,
		SkipVerification: !r.verify,
		Observer:         chat.Observer{OnFragment: printer.Fragment},
	})
	if err != nil {
		return err
	}

	sig, stop := r.interrupts()
	defer stop()
	select {
	case <-job.Done():
	case <-sig:
		job.Cancel()
		<-job.Done()
	}

	res := job.Result()
	if printer.Started() && !printer.EchoedContent() && res.Message != nil {
		fmt.Fprint(r.out, "\n\n")
	}
	printResult(r.out, res, printer.EchoedContent(), r.markdown)

	if res.Message != nil {
		r.conv.Messages = res.Placement.Apply(r.conv.Messages, *res.Message)
	}
	r.save(ctx)

	if r.verify && res.State == chat.StateCompleted {
		r.awaitVerdict(ctx, job, sig)
	}
	fmt.Fprintln(r.out)
	return nil
}

// awaitVerdict shows the verdict of job. Ctrl+C stops waiting.
func (r *Repl) awaitVerdict(ctx context.Context, job *chat.Job, sig <-chan os.Signal) {
	fmt.Fprintln(r.out, DimStyle.Render("verifying..."))
	vctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sig:
			cancel()
		case <-vctx.Done():
		}
	}()
	v, err := job.Verdict(vctx)
	switch {
	case err != nil:
		fmt.Fprintln(r.out, DimStyle.Render("verification skipped"))
	case v == nil:
		fmt.Fprintln(r.out, DimStyle.Render("no verdict"))
	default:
		printVerdict(r.out, v)
	}
}

// save persists the conversation once it has a user or assistant message.
func (r *Repl) save(ctx context.Context) {
	if r.conv.LastIndexOf(model.RoleUser) < 0 && r.conv.LastIndexOf(model.RoleAssistant) < 0 {
		return
	}
	meta, err := r.app.Sessions.SaveConversation(context.WithoutCancel(ctx), r.conv.Key, r.title, r.conv)
	if err != nil {
		fmt.Fprintf(r.out, "%s failed to save session: %v\n", WarningStyle.Render("[Warning]"), err)
		return
	}
	r.title = meta.Title
	r.saved = true
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

type slashCommand struct {
	name  string
	args  string
	help  string
	alias string
}

var slashCommands = []slashCommand{
	{"/help", "", "Show this help", "/h"},
	{"/new", "", "Start a new conversation with default settings", ""},
	{"/clear", "", "Start over, keeping model and system prompt", "/c"},
	{"/save", "[title]", "Save now, optionally renaming", ""},
	{"/load", "<id|#>", "Open a saved session", ""},
	{"/sessions", "", "List saved sessions", "/ls"},
	{"/system", "[prompt|-]", "Show or set the system prompt (- clears)", ""},
	{"/model", "[name]", "Show or switch the model", "/m"},
	{"/set", "<key> <value>", "Set temperature, top_p or frequency_penalty", ""},
	{"/regen", "[#]", "Regenerate the last reply, or the reply at or after message #", "/r"},
	{"/edit", "<#> <text>", "Edit a message; editing a user message resends", ""},
	{"/verify", "[on|off]", "Toggle reply verification", ""},
	{"/history", "", "Show the conversation", ""},
	{"/quit", "", "Exit", "/q"},
}

func (r *Repl) command(ctx context.Context, input string) error {
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "/help", "/h", "/?":
		r.printHelp()
	case "/quit", "/q", "/exit":
		return errQuit
	case "/new":
		r.reset(r.app.NewConversation())
		fmt.Fprintln(r.out, DimStyle.Render("New conversation."))
	case "/clear", "/c":
		next := model.NewConversation(r.conv.ModelName)
		next.Key = storage.NewID()
		next.Settings = r.conv.Settings
		next.ApplySystemPrompt(r.conv.SystemPrompt)
		r.reset(next)
		fmt.Fprintln(r.out, DimStyle.Render("Cleared. The previous conversation stays saved."))
	case "/save":
		return r.cmdSave(ctx, rest)
	case "/load":
		if rest == "" {
			return fmt.Errorf("usage: /load <id|#>")
		}
		if err := r.load(ctx, rest); err != nil {
			return err
		}
		r.printHistory()
	case "/sessions", "/ls":
		return r.cmdSessions(ctx)
	case "/system":
		return r.cmdSystem(ctx, rest)
	case "/model", "/m":
		r.cmdModel(ctx, rest)
	case "/set":
		return r.cmdSet(ctx, rest)
	case "/regen", "/r":
		return r.cmdRegen(ctx, rest)
	case "/edit":
		return r.cmdEdit(ctx, rest)
	case "/verify":
		return r.cmdVerify(rest)
	case "/history":
		r.printHistory()
	default:
		return fmt.Errorf("unknown command %s (try /help)", name)
	}
	return nil
}

// reset switches to conv, cancelling any request on the old one.
func (r *Repl) reset(conv *model.Conversation) {
	r.app.Coord.Cancel(r.conv.Key)
	r.conv = conv
	r.title = ""
	r.saved = false
}

func (r *Repl) load(ctx context.Context, ref string) error {
	meta, err := resolveSession(ctx, r.app.Sessions, ref)
	if err != nil {
		return err
	}
	conv, err := r.app.Sessions.Open(ctx, meta.ID)
	if err != nil {
		return err
	}
	r.reset(conv)
	r.title = meta.Title
	r.saved = true
	fmt.Fprintf(r.out, "%s %s\n", SuccessStyle.Render("Loaded"), meta.Title)
	return nil
}

func (r *Repl) cmdSave(ctx context.Context, title string) error {
	if title != "" {
		r.title = title
	}
	meta, err := r.app.Sessions.SaveConversation(ctx, r.conv.Key, r.title, r.conv)
	if err != nil {
		return err
	}
	r.title = meta.Title
	r.saved = true
	fmt.Fprintf(r.out, "%s %s (%s)\n", SuccessStyle.Render("Saved"), meta.Title, shortID(meta.ID))
	return nil
}

func (r *Repl) cmdSessions(ctx context.Context) error {
	metas, err := r.app.Sessions.List(ctx)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("No saved sessions."))
		return nil
	}
	sessionTable(r.out, metas, r.now())
	return nil
}

func (r *Repl) cmdSystem(ctx context.Context, prompt string) error {
	if prompt == "" {
		if r.conv.SystemPrompt == "" {
			fmt.Fprintln(r.out, DimStyle.Render("No system prompt."))
		} else {
			fmt.Fprintln(r.out, r.conv.SystemPrompt)
		}
		return nil
	}
	if prompt == "-" {
		prompt = ""
	}
	r.conv.ApplySystemPrompt(prompt)
	if r.saved {
		r.save(ctx)
	}
	fmt.Fprintln(r.out, DimStyle.Render("System prompt updated."))
	return nil
}

func (r *Repl) cmdModel(ctx context.Context, name string) {
	if name == "" {
		info, _ := model.LookupModel(r.conv.ModelName)
		fmt.Fprintf(r.out, "%s %s (%s)\n", RenderLabel("Model"), info.Name, info.ID)
		fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Settings"), r.conv.Settings)
		return
	}
	info, known := model.LookupModel(name)
	r.conv.ModelName = info.ID
	if r.saved {
		r.save(ctx)
	}
	msg := "Switched to " + info.ID
	if !known {
		msg += " (not in the catalog)"
	}
	fmt.Fprintln(r.out, DimStyle.Render(msg))
}

func (r *Repl) cmdSet(ctx context.Context, rest string) error {
	key, value, ok := strings.Cut(rest, " ")
	if !ok {
		return fmt.Errorf("usage: /set <temperature|top_p|frequency_penalty> <value>")
	}
	settings := r.conv.Settings
	if err := setModelSetting(&settings, key, strings.TrimSpace(value)); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	r.conv.Settings = settings
	if r.saved {
		r.save(ctx)
	}
	fmt.Fprintf(r.out, "%s\n", DimStyle.Render(settings.String()))
	return nil
}

// cmdRegen regenerates an assistant message in place, or answers a user
// message again with the new reply inserted right after it.
func (r *Repl) cmdRegen(ctx context.Context, arg string) error {
	i := len(r.conv.Messages) - 1
	if arg != "" {
		n, err := messageNumber(arg, len(r.conv.Messages))
		if err != nil {
			return err
		}
		i = n
	} else if i < 0 || r.conv.Messages[i].Role == model.RoleSystem {
		return fmt.Errorf("no reply to regenerate")
	}
	history, placement, err := chat.Regeneration(r.conv, i)
	if err != nil {
		return err
	}
	return r.send(ctx, history, placement)
}

func (r *Repl) cmdEdit(ctx context.Context, rest string) error {
	num, text, ok := strings.Cut(rest, " ")
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return fmt.Errorf("usage: /edit <#> <text>")
	}
	i, err := messageNumber(num, len(r.conv.Messages))
	if err != nil {
		return err
	}
	msg := r.conv.Messages[i]
	if msg.Role == model.RoleSystem {
		return fmt.Errorf("use /system to change the system prompt")
	}
	r.conv.Edit(msg.ID, text)
	if msg.Role == model.RoleAssistant {
		r.save(ctx)
		fmt.Fprintln(r.out, DimStyle.Render("Reply edited."))
		return nil
	}
	// A changed question invalidates everything after it.
	r.conv.Truncate(i + 1)
	return r.send(ctx, r.conv, chat.Append())
}

func (r *Repl) cmdVerify(arg string) error {
	switch arg {
	case "":
		r.verify = !r.verify
	default:
		on, err := ParseBoolString(arg)
		if err != nil {
			return err
		}
		r.verify = on
	}
	state := "off"
	if r.verify {
		state = "on (" + r.app.Verifier.Model() + ")"
	}
	fmt.Fprintln(r.out, DimStyle.Render("Verification "+state))
	return nil
}

// =============================================================================
// DISPLAY
// =============================================================================

func (r *Repl) printWelcome() {
	info, _ := model.LookupModel(r.conv.ModelName)
	fmt.Fprintln(r.out, TitleStyle.Render("klusterchat"))
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Model"), info.Name)
	verify := "off"
	if r.verify {
		verify = "on"
	}
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Verification"), verify)
	if r.saved {
		fmt.Fprintf(r.out, "%s %s\n", RenderLabel("Session"), r.title)
	}
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands, Ctrl+C cancels a reply, Ctrl+D exits."))
	fmt.Fprintln(r.out)
}

func (r *Repl) printHelp() {
	fmt.Fprintln(r.out, TitleStyle.Render("Commands"))
	for _, c := range slashCommands {
		usage := c.name
		if c.args != "" {
			usage += " " + c.args
		}
		if c.alias != "" {
			usage += ", " + c.alias
		}
		fmt.Fprintf(r.out, "  %s %s\n", util.PadRight(usage, 26), DimStyle.Render(c.help))
	}
}

func (r *Repl) printHistory() {
	if len(r.conv.Messages) == 0 {
		fmt.Fprintln(r.out, DimStyle.Render("No messages yet."))
		return
	}
	for i, m := range r.conv.Messages {
		label := RoleStyle(m.Role.String()).Render(m.Role.DisplayName())
		fmt.Fprintf(r.out, "%s %s\n", DimStyle.Render(fmt.Sprintf("#%d", i+1)), label)
		if m.Role == model.RoleSystem {
			fmt.Fprintln(r.out, DimStyle.Render(m.Preview(120)))
		} else {
			fmt.Fprintln(r.out, m.Content)
		}
		fmt.Fprintln(r.out)
	}
}

func (r *Repl) printExit() {
	if r.saved {
		fmt.Fprintf(r.out, "%s %s (%s)\n", DimStyle.Render("Saved as"), r.title, shortID(r.conv.Key))
	}
}

// setModelSetting sets one sampling parameter by name.
func setModelSetting(s *model.ModelSettings, key, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: %q is not a number", key, value)
	}
	switch strings.ToLower(strings.ReplaceAll(key, "-", "_")) {
	case "temperature", "temp":
		s.Temperature = v
	case "top_p", "topp":
		s.TopP = v
	case "frequency_penalty", "penalty":
		s.FrequencyPenalty = v
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}
