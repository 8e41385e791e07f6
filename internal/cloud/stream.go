// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeranaias/klusterchat/internal/logging"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

const (
	// MaxLineSize bounds a single stream line.
	// SECURITY: prevents one unterminated line from exhausting memory.
	MaxLineSize = 16 * 1024 * 1024

	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// =============================================================================
// STREAM CHUNK
// =============================================================================

// streamChunk is the subset of an event payload the decoder cares about.
// Pointers distinguish a missing or null content from an empty string.
type streamChunk struct {
	Choices []struct {
		Message *chunkContent `json:"message"`
		Delta   *chunkContent `json:"delta"`
	} `json:"choices"`
}

type chunkContent struct {
	Content *string `json:"content"`
}

// lineKind classifies one decoded line.
type lineKind int

const (
	lineIgnored  lineKind = iota // not an event line
	lineEmpty                    // well-formed event without content
	lineSkipped                  // malformed JSON or unexpected shape
	lineFragment                 // carries a content fragment
	lineDone                     // terminal [DONE] marker
)

// parseLine decodes one line of the stream.
func parseLine(line []byte) (string, lineKind) {
	if rest, ok := bytes.CutPrefix(line, []byte(dataPrefix)); ok {
		rest = bytes.TrimSpace(rest)
		if strings.EqualFold(string(rest), doneMarker) {
			return "", lineDone
		}
		return extractFragment(rest)
	}
	if trimmed := bytes.TrimSpace(line); bytes.HasPrefix(trimmed, []byte("{")) {
		return extractFragment(trimmed)
	}
	return "", lineIgnored
}

// extractFragment pulls choices[0].message.content, falling back to
// choices[0].delta.content.
func extractFragment(payload []byte) (string, lineKind) {
	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", lineSkipped
	}
	if len(chunk.Choices) == 0 {
		return "", lineEmpty
	}
	first := chunk.Choices[0]
	var content *string
	switch {
	case first.Message != nil && first.Message.Content != nil:
		content = first.Message.Content
	case first.Delta != nil && first.Delta.Content != nil:
		content = first.Delta.Content
	}
	if content == nil || *content == "" {
		return "", lineEmpty
	}
	return *content, lineFragment
}

// scanLines is a bufio.SplitFunc that accepts \n, \r\n and a lone \r as
// line terminators.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// A trailing \r may be the first half of \r\n.
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns a response body into a lazy, finite, non-restartable
// sequence of content fragments. It is not safe for concurrent use; the
// context passed to NewDecoder may be cancelled from any goroutine.
type Decoder struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger

	stopWatch func() bool
	closeOnce sync.Once

	fragment string
	err      error
	done     bool
	skipped  int
	lines    int
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDecoderLogger sets the logger used for the end-of-stream summary.
func WithDecoderLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logging.OrDiscard(l)
	}
}

// NewDecoder wraps body. When ctx is cancelled the body is closed
// immediately so a read blocked on the network returns.
func NewDecoder(ctx context.Context, body io.ReadCloser, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		ctx:    ctx,
		body:   body,
		logger: logging.Discard(),
	}
	d.scanner = bufio.NewScanner(body)
	d.scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	d.scanner.Split(scanLines)
	for _, opt := range opts {
		opt(d)
	}
	d.stopWatch = context.AfterFunc(ctx, func() {
		d.closeBody()
	})
	return d
}

// Next advances to the next fragment. It returns false at [DONE], at end of
// stream, on error and after cancellation; Err tells them apart.
func (d *Decoder) Next() bool {
	if d.done {
		return false
	}
	d.fragment = ""
	for {
		if d.ctx.Err() != nil {
			d.finish(context.Cause(d.ctx))
			return false
		}
		if !d.scanner.Scan() {
			err := d.scanner.Err()
			switch {
			case d.ctx.Err() != nil:
				err = context.Cause(d.ctx)
			case err != nil:
				err = &TransportError{Op: "read", Err: err}
			}
			d.finish(err)
			return false
		}
		d.lines++
		frag, kind := parseLine(d.scanner.Bytes())
		switch kind {
		case lineDone:
			d.finish(nil)
			return false
		case lineFragment:
			d.fragment = frag
			return true
		case lineSkipped:
			d.skipped++
		}
	}
}

// Fragment returns the fragment produced by the last successful Next.
func (d *Decoder) Fragment() string {
	return d.fragment
}

// Err returns the error that ended the sequence: nil after [DONE] or a clean
// end of stream, the context cause after cancellation, or a *TransportError.
func (d *Decoder) Err() error {
	return d.err
}

// Skipped returns how many malformed lines were dropped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Close releases the underlying connection. It is safe to call more than once.
func (d *Decoder) Close() error {
	if !d.done {
		d.done = true
	}
	d.stopWatch()
	d.closeBody()
	return nil
}

func (d *Decoder) finish(err error) {
	d.done = true
	d.err = err
	d.fragment = ""
	d.stopWatch()
	d.closeBody()
	d.logger.Debug("stream ended", "lines", d.lines, "skipped", d.skipped, "error", err)
}

func (d *Decoder) closeBody() {
	d.closeOnce.Do(func() {
		d.body.Close()
	})
}
