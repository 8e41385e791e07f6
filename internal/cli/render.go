// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Reply display: live streaming and markdown rendering.

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/reply"
)

// =============================================================================
// MARKDOWN
// =============================================================================

var (
	markdownRenderer     *glamour.TermRenderer
	markdownRendererOnce sync.Once
)

// renderMarkdown renders content for the terminal. Returns content unchanged
// if the renderer cannot be built.
func renderMarkdown(content string) string {
	markdownRendererOnce.Do(func() {
		width := GetTerminalWidth() - 4
		if width > 100 {
			width = 100
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err == nil {
			markdownRenderer = r
		}
	})
	if markdownRenderer == nil {
		return content
	}
	rendered, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter echoes fragments as they arrive. The reasoning span is shown
// faint when showReasoning is set and hidden otherwise. With echoContent
// off only the reasoning is streamed and the content is printed once the
// reply is complete.
type streamPrinter struct {
	out           io.Writer
	showReasoning bool
	echoContent   bool

	mu        sync.Mutex
	raw       strings.Builder
	reasoning string // reasoning printed so far
	content   string // content printed so far
}

func newStreamPrinter(out io.Writer, showReasoning, echoContent bool) *streamPrinter {
	return &streamPrinter{out: out, showReasoning: showReasoning, echoContent: echoContent}
}

// Fragment is the chat.Observer fragment callback.
func (p *streamPrinter) Fragment(f string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.raw.WriteString(f)

	text := p.raw.String()
	text = text[:len(text)-pendingMarker(text)]
	parts := reply.Split(text, reply.DefaultMarkers)

	// A late end marker turns text already printed as content into
	// reasoning. It is not shown twice.
	rewritten := p.content != "" && !strings.HasPrefix(parts.Content, p.content)

	if p.showReasoning && parts.Reasoning != p.reasoning {
		if !rewritten && strings.HasPrefix(parts.Reasoning, p.reasoning) {
			fmt.Fprint(p.out, faint(parts.Reasoning[len(p.reasoning):]))
		}
		p.reasoning = parts.Reasoning
	}

	if !p.echoContent || parts.Content == p.content {
		return
	}
	switch {
	case rewritten:
		fmt.Fprintf(p.out, "\n%s\n%s", RenderSeparator(20), parts.Content)
	case p.content == "" && p.reasoning != "":
		fmt.Fprintf(p.out, "\n\n%s", parts.Content)
	default:
		fmt.Fprint(p.out, parts.Content[len(p.content):])
	}
	p.content = parts.Content
}

// Started reports whether anything was echoed.
func (p *streamPrinter) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content != "" || (p.showReasoning && p.reasoning != "")
}

// EchoedContent reports whether reply content was streamed.
func (p *streamPrinter) EchoedContent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content != ""
}

// pendingMarker returns how many trailing bytes of text could be the start
// of a reasoning marker still being streamed.
func pendingMarker(text string) int {
	best := 0
	for _, m := range []string{reply.DefaultStartTag, reply.DefaultEndTag} {
		for n := len(m) - 1; n > best; n-- {
			if strings.HasSuffix(text, m[:n]) {
				best = n
				break
			}
		}
	}
	return best
}

// =============================================================================
// RESULT DISPLAY
// =============================================================================

// printResult finishes the display of a request. Streamed content is not
// repeated; content that was not echoed is printed, rendered as markdown
// when markdown is set.
func printResult(out io.Writer, res chat.Result, echoed, markdown bool) {
	switch {
	case res.Message != nil && !echoed:
		body := res.Message.Content
		if markdown {
			fmt.Fprint(out, renderMarkdown(body))
		} else {
			fmt.Fprintln(out, body)
		}
	case res.Message != nil:
		if ann := res.Interruption.Annotation(); ann != "" {
			fmt.Fprintf(out, "\n\n%s", WarningStyle.Render(ann))
		}
		fmt.Fprintln(out)
	}

	switch res.State {
	case chat.StateFailed:
		if res.Message == nil {
			fmt.Fprintf(out, "%s %v\n", ErrorStyle.Render("[FAILED]"), res.Err)
		}
	case chat.StateCancelled:
		if res.Message == nil {
			fmt.Fprintln(out, WarningStyle.Render("[Cancelled]"))
		}
	}
}

// printVerdict shows a verification verdict.
func printVerdict(out io.Writer, v *model.VerificationResult) {
	tag := "reliable"
	switch {
	case v.Hallucination():
		tag = "flagged"
	case v.Degraded:
		tag = "degraded"
	}
	fmt.Fprintf(out, "%s %s\n", RenderStatus(tag), DimStyle.Render("verification"))
	if r := strings.TrimSpace(v.Reasoning); r != "" {
		fmt.Fprintln(out, faint(WrapText(r, 0)))
	}
}

// faint dims text using the active color profile. Ascii leaves it as is.
func faint(s string) string {
	return GetColorProfile().String(s).Faint().String()
}
