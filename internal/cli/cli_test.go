// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/klusterchat/internal/archive"
	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/cloud"
	"github.com/jeranaias/klusterchat/internal/config"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/storage"
)

func TestMain(m *testing.M) {
	ForceColorsEnabled(false)
	applyColorProfile()
	os.Exit(m.Run())
}

// =============================================================================
// ARG PARSER TESTS (args.go)
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		bools    []string
		wantSub  string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name:    "simple subcommand",
			args:    []string{"show"},
			wantSub: "show",
		},
		{
			name:    "subcommand with flag",
			args:    []string{"show", "--format", "md"},
			wantSub: "show",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("format") != "md" {
					t.Errorf("Flag(format) = %q, want %q", p.Flag("format"), "md")
				}
			},
		},
		{
			name:    "flag with equals",
			args:    []string{"import", "--policy=copy", "a.zip"},
			wantSub: "import",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("policy") != "copy" {
					t.Errorf("Flag(policy) = %q, want %q", p.Flag("policy"), "copy")
				}
				if p.Positional(1) != "a.zip" {
					t.Errorf("Positional(1) = %q, want %q", p.Positional(1), "a.zip")
				}
			},
		},
		{
			name:    "trailing boolean flag",
			args:    []string{"delete", "3", "--yes"},
			wantSub: "delete",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("yes") {
					t.Error("BoolFlag(yes) should be true")
				}
			},
		},
		{
			name:    "known boolean does not swallow the question",
			args:    []string{"--verify", "what", "is", "go"},
			bools:   []string{"verify"},
			wantSub: "what",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("verify") {
					t.Error("BoolFlag(verify) should be true")
				}
				if got := strings.Join(p.PositionalFrom(0), " "); got != "what is go" {
					t.Errorf("positionals = %q, want %q", got, "what is go")
				}
			},
		},
		{
			name:    "short and long spellings",
			args:    []string{"-f", "main.go", "review"},
			wantSub: "review",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("file", "f") != "main.go" {
					t.Errorf("Flag(file, f) = %q, want %q", p.Flag("file", "f"), "main.go")
				}
			},
		},
		{
			name:    "double dash ends flags",
			args:    []string{"--", "--not-a-flag", "x"},
			wantSub: "--not-a-flag",
			validate: func(t *testing.T, p *ArgParser) {
				if p.HasFlag("not-a-flag") {
					t.Error("flag after -- should be positional")
				}
				if p.PositionalCount() != 2 {
					t.Errorf("PositionalCount() = %d, want 2", p.PositionalCount())
				}
			},
		},
		{
			name:    "explicit boolean value",
			args:    []string{"--reasoning=false"},
			bools:   []string{"reasoning"},
			wantSub: "",
			validate: func(t *testing.T, p *ArgParser) {
				if p.BoolFlag("reasoning") {
					t.Error("BoolFlag(reasoning) should be false")
				}
				if !p.HasFlag("reasoning") {
					t.Error("HasFlag(reasoning) should be true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := NewArgParser(tt.args, tt.bools...)
			if parser.Subcommand() != tt.wantSub {
				t.Errorf("Subcommand() = %q, want %q", parser.Subcommand(), tt.wantSub)
			}
			if tt.validate != nil {
				tt.validate(t, parser)
			}
		})
	}
}

func TestArgParser_Numbers(t *testing.T) {
	p := NewArgParser([]string{"--limit", "10", "--temp", "0.5", "--bad", "x"})

	n, err := p.FlagInt("limit")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = p.FlagInt("missing")
	assert.Error(t, err)

	v, ok, err := p.FlagFloat("temp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.5, v)

	_, ok, err = p.FlagFloat("unset")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = p.FlagFloat("bad")
	assert.True(t, ok)
	assert.Error(t, err)

	assert.Equal(t, "fallback", p.FlagOrDefault("nope", "fallback"))
}

func TestParseBoolString(t *testing.T) {
	for _, s := range []string{"true", "YES", " y ", "1", "on"} {
		v, err := ParseBoolString(s)
		require.NoError(t, err, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"false", "no", "N", "0", "off"} {
		v, err := ParseBoolString(s)
		require.NoError(t, err, s)
		assert.False(t, v, s)
	}
	_, err := ParseBoolString("maybe")
	assert.Error(t, err)
}

// =============================================================================
// COMMAND PARSING (cli.go)
// =============================================================================

func TestParseArgs_Commands(t *testing.T) {
	tests := []struct {
		argv    []string
		want    Command
		wantRaw []string
	}{
		{nil, CmdChat, nil},
		{[]string{"chat", "--session", "2"}, CmdChat, []string{"--session", "2"}},
		{[]string{"a", "hello"}, CmdAsk, []string{"hello"}},
		{[]string{"s", "list"}, CmdSessions, []string{"list"}},
		{[]string{"session"}, CmdSessions, []string{}},
		{[]string{"export", "out.zip"}, CmdExport, []string{"out.zip"}},
		{[]string{"import", "in.zip"}, CmdImport, []string{"in.zip"}},
		{[]string{"models"}, CmdModels, []string{}},
		{[]string{"config", "get", "chat.model"}, CmdConfig, []string{"get", "chat.model"}},
		{[]string{"serve"}, CmdServe, []string{}},
		{[]string{"--version"}, CmdVersion, []string{}},
		{[]string{"-h"}, CmdHelp, []string{}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.argv, " "), func(t *testing.T) {
			cmd, args, err := ParseArgs(tt.argv)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
			if tt.wantRaw != nil {
				assert.Equal(t, tt.wantRaw, append([]string{}, args.Raw...))
			}
		})
	}
}

func TestParseArgs_GlobalFlags(t *testing.T) {
	cmd, args, err := ParseArgs([]string{"--json", "ask", "-m", "DeepSeek-V3-0324", "--config=/tmp/c.toml", "-q", "hi"})
	require.NoError(t, err)
	assert.Equal(t, CmdAsk, cmd)
	assert.True(t, args.JSON)
	assert.True(t, args.Quiet)
	assert.Equal(t, "DeepSeek-V3-0324", args.Model)
	assert.Equal(t, "/tmp/c.toml", args.ConfigPath)
	assert.Equal(t, []string{"hi"}, args.Raw)

	_, _, err = ParseArgs([]string{"--model"})
	assert.Error(t, err)

	_, _, err = ParseArgs([]string{"frobnicate"})
	var usage *UsageError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "sessions", CmdSessions.String())
	assert.Equal(t, "unknown", Command(99).String())
}

// =============================================================================
// ERRORS (errors.go)
// =============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"usage", usageErr("x", "bad", ""), ExitUsageError},
		{"invalid id", fmt.Errorf("open: %w", storage.ErrInvalidSessionID), ExitUsageError},
		{"nothing to send", chat.ErrNoSendableContent, ExitUsageError},
		{"validation", config.ValidationErrors{{Field: "a", Message: "b"}}, ExitConfigError},
		{"no key", cloud.ErrNotConfigured, ExitConfigError},
		{"auth", cloud.ErrAuthFailed, ExitAuthError},
		{"transport", &cloud.TransportError{Op: "send", Err: errors.New("refused")}, ExitNetworkError},
		{"rate limited", cloud.ErrRateLimited, ExitNetworkError},
		{"not found", storage.ErrSessionNotFound, ExitNotFound},
		{"empty export", archive.ErrNothingToExport, ExitNotFound},
		{"cancelled", chat.ErrCancelled, ExitInterrupted},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestDisplayError(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, fmt.Errorf("load: %w", storage.ErrSessionNotFound), true)

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "not_found", out["error_type"])
	assert.Equal(t, float64(ExitNotFound), out["exit_code"])

	buf.Reset()
	DisplayError(&buf, usageErr("ask", "no question given", `klusterchat ask "question"`), false)
	assert.Contains(t, buf.String(), "[ERROR] ask: no question given")
	assert.Contains(t, buf.String(), `klusterchat ask "question"`)

	buf.Reset()
	DisplayError(&buf, cloud.ErrNotConfigured, false)
	assert.Contains(t, buf.String(), "config set api.key")
}

// =============================================================================
// STREAM PRINTER (render.go)
// =============================================================================

func feed(p *streamPrinter, fragments ...string) {
	for _, f := range fragments {
		p.Fragment(f)
	}
}

func TestStreamPrinter_ShowsReasoningThenContent(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf, true, true)
	feed(p, "<thi", "nk>let me ", "think</th", "ink>The ", "answer.")

	assert.Equal(t, "let me think\n\nThe answer.", buf.String())
	assert.True(t, p.Started())
	assert.True(t, p.EchoedContent())
}

func TestStreamPrinter_HidesReasoning(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf, false, true)
	feed(p, "<think>secret</think>", "Visible")

	assert.Equal(t, "Visible", buf.String())
}

func TestStreamPrinter_ContentDeferred(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf, true, false)
	feed(p, "<think>why</think>", "Body")

	assert.Equal(t, "why", buf.String())
	assert.True(t, p.Started())
	assert.False(t, p.EchoedContent())
}

func TestStreamPrinter_LateEndMarker(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf, false, true)
	feed(p, "thinking out loud ", "</think>", "Final")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "thinking out loud"))
	assert.True(t, strings.HasSuffix(out, "\nFinal"), out)
	assert.Equal(t, 1, strings.Count(out, "thinking out loud"))
}

func TestPendingMarker(t *testing.T) {
	assert.Equal(t, 0, pendingMarker("hello"))
	assert.Equal(t, 1, pendingMarker("hello <"))
	assert.Equal(t, 4, pendingMarker("x <thi"))
	assert.Equal(t, 5, pendingMarker("x </thi"))
	assert.Equal(t, 0, pendingMarker("x <think>"))
}

func TestPrintResult(t *testing.T) {
	msg := model.NewMessage(model.RoleAssistant, "partial "+chat.AnnotationUser)

	var buf bytes.Buffer
	printResult(&buf, chat.Result{State: chat.StateCancelled, Message: &msg, Interruption: chat.InterruptUser}, true, false)
	assert.Contains(t, buf.String(), chat.AnnotationUser)

	buf.Reset()
	printResult(&buf, chat.Result{State: chat.StateFailed, Err: errors.New("upstream 500")}, false, false)
	assert.Contains(t, buf.String(), "[FAILED] upstream 500")

	buf.Reset()
	printResult(&buf, chat.Result{State: chat.StateCancelled, Err: chat.ErrCancelled}, false, false)
	assert.Contains(t, buf.String(), "[Cancelled]")
}

func TestPrintVerdict(t *testing.T) {
	var buf bytes.Buffer
	printVerdict(&buf, &model.VerificationResult{Reasoning: "Made up a date.", HallucinationFlag: "1"})
	assert.Contains(t, buf.String(), "[FAIL]")
	assert.Contains(t, buf.String(), "Made up a date.")

	buf.Reset()
	printVerdict(&buf, &model.VerificationResult{Reasoning: "Fine.", HallucinationFlag: "0"})
	assert.Contains(t, buf.String(), "[OK]")
}

// =============================================================================
// HELPERS (helpers.go)
// =============================================================================

func TestFormatTimeAgo(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", formatTimeAgo(now.Add(-10*time.Second), now))
	assert.Equal(t, "1 minute ago", formatTimeAgo(now.Add(-time.Minute), now))
	assert.Equal(t, "5 hours ago", formatTimeAgo(now.Add(-5*time.Hour), now))
	assert.Equal(t, "2 days ago", formatTimeAgo(now.Add(-49*time.Hour), now))
	assert.Equal(t, now.Add(-30*24*time.Hour).Local().Format("2006-01-02"), formatTimeAgo(now.Add(-30*24*time.Hour), now))
}

func TestSetModelSetting(t *testing.T) {
	s := model.DefaultModelSettings
	require.NoError(t, setModelSetting(&s, "temp", "0.3"))
	require.NoError(t, setModelSetting(&s, "top-p", "0.9"))
	require.NoError(t, setModelSetting(&s, "frequency_penalty", "0.5"))
	assert.Equal(t, 0.3, s.Temperature)
	assert.Equal(t, 0.9, s.TopP)
	assert.Equal(t, 0.5, s.FrequencyPenalty)

	assert.Error(t, setModelSetting(&s, "temperature", "hot"))
	assert.Error(t, setModelSetting(&s, "seed", "1"))
}

func TestMessageNumber(t *testing.T) {
	i, err := messageNumber("#2", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	_, err = messageNumber("4", 3)
	assert.Error(t, err)
	_, err = messageNumber("x", 3)
	assert.Error(t, err)
}

func newTestSessions(t *testing.T) *storage.Sessions {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return storage.NewSessions(store)
}

func saveSession(t *testing.T, s *storage.Sessions, id, title string) {
	t.Helper()
	conv := model.NewConversation(model.DefaultModelName)
	conv.Append(model.NewMessage(model.RoleUser, "question for "+title))
	_, err := s.SaveConversation(context.Background(), id, title, conv)
	require.NoError(t, err)
}

func TestResolveSession(t *testing.T) {
	ctx := context.Background()
	s := newTestSessions(t)
	saveSession(t, s, "aaaa1111-0000-0000-0000-000000000001", "first")
	saveSession(t, s, "aaaa2222-0000-0000-0000-000000000002", "second")
	saveSession(t, s, "bbbb3333-0000-0000-0000-000000000003", "third")

	meta, err := resolveSession(ctx, s, "bbbb3333-0000-0000-0000-000000000003")
	require.NoError(t, err)
	assert.Equal(t, "third", meta.Title)

	meta, err = resolveSession(ctx, s, "aaaa2")
	require.NoError(t, err)
	assert.Equal(t, "second", meta.Title)

	_, err = resolveSession(ctx, s, "aaaa")
	assert.ErrorContains(t, err, "ambiguous")

	list, err := s.List(ctx)
	require.NoError(t, err)
	meta, err = resolveSession(ctx, s, "1")
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, meta.ID)

	_, err = resolveSession(ctx, s, "9")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	_, err = resolveSession(ctx, s, "cccc")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestSessionTable_AlignsWideTitles(t *testing.T) {
	now := time.Now()
	metas := []model.SessionMetadata{
		{ID: "11111111-aaaa", Title: "plain title", ModelName: model.DefaultModelName, LastModified: now},
		{ID: "22222222-bbbb", Title: "日本語のタイトル", ModelName: "custom/model", LastModified: now.Add(-2 * time.Hour)},
	}
	var buf bytes.Buffer
	sessionTable(&buf, metas, now)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], "11111111")
	assert.NotContains(t, lines[2], "11111111-aaaa")
	assert.Contains(t, lines[2], "DeepSeek-R1-0528")
	assert.Contains(t, lines[3], "日本語のタイトル")
	assert.Contains(t, lines[3], "2 hours ago")

	// The model column starts at the same cell on both rows.
	assert.Equal(t,
		runewidth.StringWidth(lines[2][:strings.Index(lines[2], "DeepSeek")]),
		runewidth.StringWidth(lines[3][:strings.Index(lines[3], "custom/model")]))
}

// =============================================================================
// FAKE SERVICE
// =============================================================================

// upstream is a chat completions endpoint. Chat requests get
// "<think>pondering</think>Answer N"; judge requests get a passing verdict.
type upstream struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	requests []cloud.ChatRequest
	answers  int

	// hold, when set, makes chat replies send "partial" and then wait for
	// the client to go away.
	hold bool
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{t: t}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	var req cloud.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	u.requests = append(u.requests, req)
	hold := u.hold
	var fragments []string
	if req.Model == model.VerificationModelName {
		fragments = []string{`{"REASONING": "Looks right.", `, `"HALLUCINATION": "0"}`}
	} else {
		u.answers++
		fragments = []string{"<think>pon", "dering</think>", fmt.Sprintf("Answer %d", u.answers)}
	}
	u.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	send := func(s string) {
		b, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]any{"content": s}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	if hold && req.Model != model.VerificationModelName {
		send("partial")
		<-r.Context().Done()
		return
	}
	for _, f := range fragments {
		send(f)
	}
	io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (u *upstream) chatRequests() []cloud.ChatRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []cloud.ChatRequest
	for _, r := range u.requests {
		if r.Model != model.VerificationModelName {
			out = append(out, r)
		}
	}
	return out
}

func (u *upstream) judgeRequests() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, r := range u.requests {
		if r.Model == model.VerificationModelName {
			n++
		}
	}
	return n
}

// writeTestConfig writes a config pointing at u with storage in a temp dir
// and returns its path. KLUSTERCHAT_HOME is redirected too.
func writeTestConfig(t *testing.T, u *upstream) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.DirEnv, home)
	t.Setenv("KLUSTERCHAT_API_KEY", "")
	t.Setenv("KLUSTER_API_KEY", "")

	cfg := config.Default()
	cfg.API.Endpoint = u.srv.URL
	cfg.API.Key = "test-key-abcdefghijklmnopqrstuvwxyz"
	cfg.Chat.SystemPrompt = ""
	cfg.Chat.RenderMarkdown = false
	cfg.Storage.Dir = filepath.Join(home, "data")
	cfg.Storage.Watch = false
	cfg.Log.Level = "error"

	path := filepath.Join(home, "config.toml")
	require.NoError(t, config.SaveTo(cfg, path))
	return path
}

// syncBuffer is a bytes.Buffer safe for the fragment callback goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// scriptReader feeds the REPL fixed lines, then EOF.
type scriptReader struct {
	lines   []string
	history []string
}

func (s *scriptReader) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptReader) AppendHistory(item string) {
	s.history = append(s.history, item)
}

func newTestApp(t *testing.T, u *upstream) *App {
	t.Helper()
	path := writeTestConfig(t, u)
	app, err := NewApp(context.Background(), Args{ConfigPath: path}, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

func noInterrupts() (<-chan os.Signal, func()) {
	return make(chan os.Signal), func() {}
}

// =============================================================================
// REPL (chat.go)
// =============================================================================

func TestRepl_Conversation(t *testing.T) {
	u := newUpstream(t)
	app := newTestApp(t, u)
	ctx := context.Background()

	in := &scriptReader{lines: []string{
		"/system Be brief.",
		"hello",
		"/set temperature 0.2",
		"/regen",
		"/edit 2 hi again",
		"/save My chat",
		"/history",
		"/quit",
		"never read",
	}}
	out := &syncBuffer{}
	repl := NewRepl(app, in, out)
	repl.interrupts = noInterrupts

	require.NoError(t, repl.Run(ctx))
	assert.Equal(t, []string{"never read"}, in.lines)
	assert.Contains(t, in.history, "hello")

	text := out.String()
	assert.Contains(t, text, "pondering")
	assert.Contains(t, text, "Answer 1")
	assert.Contains(t, text, "Answer 2")
	assert.Contains(t, text, "Answer 3")
	assert.Contains(t, text, "Saved My chat")

	reqs := u.chatRequests()
	require.Len(t, reqs, 3)
	// hello
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, "system", reqs[0].Messages[0].Role)
	assert.Equal(t, "Be brief.", reqs[0].Messages[0].Content)
	assert.Equal(t, "hello", reqs[0].Messages[1].Content)
	// /regen answers from the question alone and uses the new temperature
	require.Len(t, reqs[1].Messages, 2)
	require.NotNil(t, reqs[1].Temperature)
	assert.Equal(t, 0.2, *reqs[1].Temperature)
	// /edit of the question resends from it
	require.Len(t, reqs[2].Messages, 2)
	assert.Equal(t, "hi again", reqs[2].Messages[1].Content)
	assert.Zero(t, u.judgeRequests())

	list, err := app.Sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "My chat", list[0].Title)
	assert.Equal(t, 0.2, list[0].ModelSettings.Temperature)
	assert.Equal(t, "Be brief.", list[0].SystemPrompt)

	msgs, err := app.Sessions.Messages(ctx, list[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Answer 3", msgs[2].Content)
	assert.Equal(t, "pondering", msgs[2].Reasoning)
}

func TestRepl_Verification(t *testing.T) {
	u := newUpstream(t)
	app := newTestApp(t, u)

	in := &scriptReader{lines: []string{"/verify on", "is the sky blue?"}}
	out := &syncBuffer{}
	repl := NewRepl(app, in, out)
	repl.interrupts = noInterrupts

	require.NoError(t, repl.Run(context.Background()))
	assert.Equal(t, 1, u.judgeRequests())
	assert.Contains(t, out.String(), "Verification on ("+model.VerificationModelName+")")
	assert.Contains(t, out.String(), "[OK]")
	assert.Contains(t, out.String(), "Looks right.")
}

func TestRepl_InterruptKeepsPartialReply(t *testing.T) {
	u := newUpstream(t)
	u.hold = true
	app := newTestApp(t, u)

	out := &syncBuffer{}
	repl := NewRepl(app, &scriptReader{lines: []string{"tell me a story"}}, out)
	repl.interrupts = func() (<-chan os.Signal, func()) {
		ch := make(chan os.Signal, 1)
		go func() {
			deadline := time.Now().Add(5 * time.Second)
			for !strings.Contains(out.String(), "partial") && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			ch <- os.Interrupt
		}()
		return ch, func() {}
	}

	require.NoError(t, repl.Run(context.Background()))
	assert.Contains(t, out.String(), chat.AnnotationUser)

	msgs := repl.conv.Messages
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "partial"))
	assert.Contains(t, msgs[1].Content, chat.AnnotationUser)
}

func TestRepl_RegenerateEarlierMessages(t *testing.T) {
	u := newUpstream(t)
	app := newTestApp(t, u)
	ctx := context.Background()

	repl := NewRepl(app, &scriptReader{lines: []string{
		"first question",
		"second question",
		"/regen 2",
		"/regen 1",
		"/regen 9",
	}}, &syncBuffer{})
	repl.interrupts = noInterrupts
	require.NoError(t, repl.Run(ctx))

	reqs := u.chatRequests()
	require.Len(t, reqs, 4)
	// Regenerating reply #2 sends only what precedes it.
	require.Len(t, reqs[2].Messages, 1)
	assert.Equal(t, "first question", reqs[2].Messages[0].Content)
	// Regenerating from question #1 sends history up to and including it.
	require.Len(t, reqs[3].Messages, 1)
	assert.Equal(t, "first question", reqs[3].Messages[0].Content)

	contents := func(msgs []model.Message) []string {
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = m.Content
		}
		return out
	}
	want := []string{"first question", "Answer 4", "Answer 3", "second question", "Answer 2"}
	assert.Equal(t, want, contents(repl.conv.Messages))
	assert.Equal(t, "pondering", repl.conv.Messages[1].Reasoning)

	list, err := app.Sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	msgs, err := app.Sessions.Messages(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, want, contents(msgs))
}

func TestRepl_CommandErrors(t *testing.T) {
	u := newUpstream(t)
	app := newTestApp(t, u)

	out := &syncBuffer{}
	repl := NewRepl(app, &scriptReader{lines: []string{
		"/regen",
		"/edit 1",
		"/set temperature 9",
		"/bogus",
		"/model DeepSeek-V3-0324",
		"/load nothing-here",
		"exit",
	}}, out)
	repl.interrupts = noInterrupts

	require.NoError(t, repl.Run(context.Background()))
	text := out.String()
	assert.Contains(t, text, "no reply to regenerate")
	assert.Contains(t, text, "usage: /edit")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Contains(t, text, "Switched to deepseek-ai/DeepSeek-V3-0324")
	assert.Equal(t, "deepseek-ai/DeepSeek-V3-0324", repl.conv.ModelName)
	assert.Equal(t, model.DefaultModelSettings.Temperature, repl.conv.Settings.Temperature)
	assert.Empty(t, u.chatRequests())
}

func TestRepl_ClearKeepsSettings(t *testing.T) {
	u := newUpstream(t)
	app := newTestApp(t, u)

	repl := NewRepl(app, &scriptReader{lines: []string{"/system Pirate.", "/set top_p 0.8", "/clear"}}, io.Discard)
	repl.interrupts = noInterrupts
	before := repl.conv.Key

	require.NoError(t, repl.Run(context.Background()))
	assert.NotEqual(t, before, repl.conv.Key)
	assert.Equal(t, "Pirate.", repl.conv.SystemPrompt)
	assert.Equal(t, 0.8, repl.conv.Settings.TopP)
	require.Len(t, repl.conv.Messages, 1)
	assert.Equal(t, model.RoleSystem, repl.conv.Messages[0].Role)
}

// =============================================================================
// COMMANDS
// =============================================================================

func runCmd(t *testing.T, cmd Command, args Args, stdin string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := Run(context.Background(), cmd, args, IO{In: strings.NewReader(stdin), Out: &out, Err: io.Discard})
	return out.String(), err
}

func TestAsk_JSON(t *testing.T) {
	u := newUpstream(t)
	path := writeTestConfig(t, u)

	out, err := runCmd(t, CmdAsk, Args{ConfigPath: path, JSON: true, Raw: []string{"--verify", "What", "is", "Go?"}}, "")
	require.NoError(t, err)

	var res AskResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "completed", res.State)
	assert.Equal(t, "Answer 1", res.Content)
	assert.Equal(t, "pondering", res.Reasoning)
	assert.NotEmpty(t, res.SessionID)
	require.NotNil(t, res.Verdict)
	assert.False(t, res.Verdict.Hallucination())

	reqs := u.chatRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "What is Go?", reqs[0].Messages[len(reqs[0].Messages)-1].Content)
}

func TestAsk_StdinAndNoSave(t *testing.T) {
	u := newUpstream(t)
	path := writeTestConfig(t, u)

	out, err := runCmd(t, CmdAsk, Args{ConfigPath: path, Raw: []string{"--no-save", "--hide-reasoning"}}, "piped question\n")
	require.NoError(t, err)
	assert.Contains(t, out, "Answer 1")
	assert.NotContains(t, out, "pondering")

	reqs := u.chatRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "piped question", strings.TrimSpace(reqs[0].Messages[len(reqs[0].Messages)-1].Content))

	out, err = runCmd(t, CmdSessions, Args{ConfigPath: path, JSON: true}, "")
	require.NoError(t, err)
	assert.Contains(t, out, `"count": 0`)
}

func TestAsk_NoQuestion(t *testing.T) {
	u := newUpstream(t)
	path := writeTestConfig(t, u)

	_, err := runCmd(t, CmdAsk, Args{ConfigPath: path}, "   ")
	var usage *UsageError
	require.ErrorAs(t, err, &usage)
}

func TestAsk_WithFile(t *testing.T) {
	u := newUpstream(t)
	path := writeTestConfig(t, u)
	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("file body"), 0600))

	_, err := runCmd(t, CmdAsk, Args{ConfigPath: path, Raw: []string{"-f", file, "Summarize"}}, "")
	require.NoError(t, err)

	reqs := u.chatRequests()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1].Content
	assert.True(t, strings.HasPrefix(last, "Summarize"))
	assert.Contains(t, last, "--- File: "+file+" ---\nfile body")
}

func TestAsk_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()
	u := &upstream{srv: srv}
	path := writeTestConfig(t, u)

	_, err := runCmd(t, CmdAsk, Args{ConfigPath: path, Raw: []string{"hi"}}, "")
	require.Error(t, err)
	assert.Equal(t, ExitAuthError, GetExitCode(err))
}

func TestSessionsCommands(t *testing.T) {
	u := newUpstream(t)
	path := writeTestConfig(t, u)
	args := func(json bool, raw ...string) Args {
		return Args{ConfigPath: path, JSON: json, Raw: raw}
	}

	_, err := runCmd(t, CmdAsk, args(false, "first question"), "")
	require.NoError(t, err)

	out, err := runCmd(t, CmdSessions, args(true), "")
	require.NoError(t, err)
	var listed struct {
		Sessions []model.SessionMetadata `json:"sessions"`
		Count    int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Equal(t, 1, listed.Count)
	id := listed.Sessions[0].ID

	out, err = runCmd(t, CmdSessions, args(false, "list"), "")
	require.NoError(t, err)
	assert.Contains(t, out, shortID(id))

	out, err = runCmd(t, CmdSessions, args(false, "show", "1", "--reasoning"), "")
	require.NoError(t, err)
	assert.Contains(t, out, "first question")
	assert.Contains(t, out, "pondering")
	assert.Contains(t, out, "Answer 1")

	out, err = runCmd(t, CmdSessions, args(false, "show", id[:6], "--format", "md"), "")
	require.NoError(t, err)
	assert.Contains(t, out, "Answer 1")

	dir := t.TempDir()
	out, err = runCmd(t, CmdSessions, args(false, "save", "1", "--format", "json", "--out", dir), "")
	require.NoError(t, err)
	assert.Contains(t, out, dir)
	files, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	assert.Len(t, files, 1)

	_, err = runCmd(t, CmdSessions, args(false, "rename", "1", "Renamed", "chat"), "")
	require.NoError(t, err)

	out, err = runCmd(t, CmdSessions, args(true, "show", "1"), "")
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "Renamed chat"`)

	out, err = runCmd(t, CmdSessions, args(false, "delete", "1"), "n\n")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled.")

	_, err = runCmd(t, CmdSessions, args(false, "delete", "1", "--yes"), "")
	require.NoError(t, err)

	_, err = runCmd(t, CmdSessions, args(false, "show", id), "")
	assert.Equal(t, ExitNotFound, GetExitCode(err))

	out, err = runCmd(t, CmdSessions, args(false, "repair"), "")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to repair.")

	_, err = runCmd(t, CmdSessions, args(false, "frob"), "")
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestExportImportCommands(t *testing.T) {
	u := newUpstream(t)
	path := writeTestConfig(t, u)
	base := Args{ConfigPath: path}
	with := func(json bool, raw ...string) Args {
		a := base
		a.JSON = json
		a.Raw = raw
		return a
	}

	_, err := runCmd(t, CmdExport, with(false, filepath.Join(t.TempDir(), "empty.zip")), "")
	assert.ErrorIs(t, err, archive.ErrNothingToExport)

	_, err = runCmd(t, CmdAsk, with(false, "keep me"), "")
	require.NoError(t, err)

	zipPath := filepath.Join(t.TempDir(), "all.zip")
	out, err := runCmd(t, CmdExport, with(true, zipPath), "")
	require.NoError(t, err)
	var exp ExportResult
	require.NoError(t, json.Unmarshal([]byte(out), &exp))
	assert.Equal(t, 1, exp.Sessions)

	_, err = runCmd(t, CmdExport, with(false, zipPath), "")
	assert.Equal(t, ExitUsageError, GetExitCode(err), "existing file needs --force")
	_, err = runCmd(t, CmdExport, with(false, zipPath, "--force"), "")
	require.NoError(t, err)

	out, err = runCmd(t, CmdImport, with(true, zipPath, "--policy", "copy"), "")
	require.NoError(t, err)
	var imp ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &imp))
	assert.Equal(t, "copy", imp.Policy)
	assert.Equal(t, 1, imp.Imported)
	assert.Len(t, imp.Copied, 1)

	out, err = runCmd(t, CmdImport, with(false, zipPath), "")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 0 sessions (policy: skip)")

	_, err = runCmd(t, CmdImport, with(false, zipPath, "--policy", "merge"), "")
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestModelsCommand(t *testing.T) {
	u := newUpstream(t)
	path := writeTestConfig(t, u)

	out, err := runCmd(t, CmdModels, Args{ConfigPath: path, JSON: true}, "")
	require.NoError(t, err)
	var res struct {
		Models  []ModelEntry `json:"models"`
		Default string       `json:"default"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, model.DefaultModelName, res.Default)
	assert.Len(t, res.Models, len(model.Catalog))

	out, err = runCmd(t, CmdModels, Args{ConfigPath: path, Model: "my/private-model"}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "* my/private-model")
}

func TestConfigCommands(t *testing.T) {
	u := newUpstream(t)
	path := writeTestConfig(t, u)
	args := func(json bool, raw ...string) Args {
		return Args{ConfigPath: path, JSON: json, Raw: raw}
	}

	out, err := runCmd(t, CmdConfig, args(false, "path"), "")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)

	out, err = runCmd(t, CmdConfig, args(false, "get", "api.key"), "")
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]\n", out)

	_, err = runCmd(t, CmdConfig, args(false, "set", "chat.settings.temperature", "0.25"), "")
	require.NoError(t, err)
	out, err = runCmd(t, CmdConfig, args(true, "get", "chat.settings.temperature"), "")
	require.NoError(t, err)
	assert.Contains(t, out, "0.25")

	_, err = runCmd(t, CmdConfig, args(false, "set", "storage.backend", "floppy"), "")
	assert.Equal(t, ExitConfigError, GetExitCode(err))
	_, err = runCmd(t, CmdConfig, args(false, "set", "no.such.key", "1"), "")
	assert.Equal(t, ExitUsageError, GetExitCode(err))

	out, err = runCmd(t, CmdConfig, args(false, "show"), "")
	require.NoError(t, err)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "test-key-abcdefghijklmnopqrstuvwxyz")

	out, err = runCmd(t, CmdConfig, args(true, "keys"), "")
	require.NoError(t, err)
	assert.Contains(t, out, "verification.enabled")

	_, err = runCmd(t, CmdConfig, args(false, "init"), "")
	assert.Equal(t, ExitUsageError, GetExitCode(err))

	fresh := filepath.Join(t.TempDir(), "new.toml")
	_, err = runCmd(t, CmdConfig, Args{ConfigPath: fresh, Raw: []string{"init"}}, "")
	require.NoError(t, err)
	cfg, err := config.LoadFrom(fresh)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultModelName, cfg.Chat.Model)
}

func TestCheckListenAddr(t *testing.T) {
	assert.NoError(t, checkListenAddr("127.0.0.1:8787", ""))
	assert.NoError(t, checkListenAddr("localhost:0", ""))
	assert.NoError(t, checkListenAddr("0.0.0.0:8787", "secret"))
	assert.Error(t, checkListenAddr("0.0.0.0:8787", ""))
	assert.Error(t, checkListenAddr("8787", ""))
}

func TestVersionJSON(t *testing.T) {
	out, err := runCmd(t, CmdVersion, Args{JSON: true}, "")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "`+Version+`"`)
}
