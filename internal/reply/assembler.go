// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reply assembles streamed fragments into a finished reply and
// separates the reasoning span from the visible content.
package reply

import (
	"strings"
	"sync"
)

// Default reasoning span markers emitted by reasoning models.
const (
	DefaultStartTag = "<think>"
	DefaultEndTag   = "</think>"
)

// Markers delimit the reasoning span.
type Markers struct {
	Start string
	End   string
}

// DefaultMarkers are the <think>...</think> tags.
var DefaultMarkers = Markers{Start: DefaultStartTag, End: DefaultEndTag}

func (m Markers) orDefault() Markers {
	if m.Start == "" || m.End == "" {
		return DefaultMarkers
	}
	return m
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Assembler concatenates fragments in arrival order.
// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming.
type Assembler struct {
	mu      sync.Mutex
	buf     strings.Builder
	count   int
	markers Markers
}

// NewAssembler creates an assembler that splits on markers; zero-value
// markers select DefaultMarkers.
func NewAssembler(markers Markers) *Assembler {
	return &Assembler{markers: markers.orDefault()}
}

// Add appends one fragment.
func (a *Assembler) Add(fragment string) {
	a.mu.Lock()
	a.buf.WriteString(fragment)
	a.count++
	a.mu.Unlock()
}

// Text returns the raw concatenation so far.
func (a *Assembler) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Count returns the number of fragments added.
func (a *Assembler) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Finish splits the accumulated text into reasoning and visible content.
func (a *Assembler) Finish() Parts {
	return Split(a.Text(), a.markers)
}

// =============================================================================
// REASONING SPLIT
// =============================================================================

// Parts is a reply split into its visible content and reasoning span.
// Reasoning is empty when the text had no span.
type Parts struct {
	Content   string
	Reasoning string
	// HasSpan is true when a marker was found, even if the span was empty.
	HasSpan bool
}

// Split separates the first reasoning span from the visible content. Both
// halves are trimmed. A start marker with no end marker means the stream
// stopped while still reasoning, so everything after it is reasoning. An end
// marker with no start marker (models that omit the opening tag) makes
// everything before it reasoning.
func Split(text string, markers Markers) Parts {
	markers = markers.orDefault()

	start := strings.Index(text, markers.Start)
	end := -1
	if start >= 0 {
		if rel := strings.Index(text[start+len(markers.Start):], markers.End); rel >= 0 {
			end = start + len(markers.Start) + rel
		}
	} else {
		end = strings.Index(text, markers.End)
	}

	switch {
	case start >= 0 && end >= 0:
		return Parts{
			Reasoning: strings.TrimSpace(text[start+len(markers.Start) : end]),
			Content:   strings.TrimSpace(text[:start] + text[end+len(markers.End):]),
			HasSpan:   true,
		}
	case start >= 0:
		return Parts{
			Reasoning: strings.TrimSpace(text[start+len(markers.Start):]),
			Content:   strings.TrimSpace(text[:start]),
			HasSpan:   true,
		}
	case end >= 0:
		return Parts{
			Reasoning: strings.TrimSpace(text[:end]),
			Content:   strings.TrimSpace(text[end+len(markers.End):]),
			HasSpan:   true,
		}
	}
	return Parts{Content: strings.TrimSpace(text)}
}

// StripReasoning returns only the visible content of text.
func StripReasoning(text string) string {
	return Split(text, DefaultMarkers).Content
}
