// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one the remote service accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// Reasoning holds the model's "thinking" side-channel split out of the raw
// reply; an empty string means no reasoning was present.
type Message struct {
	ID        int64  `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

type messageFields Message

// UnmarshalJSON also accepts thinkContent, the Android app's name for
// Reasoning.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in struct {
		messageFields
		ThinkContent *string `json:"thinkContent"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message(in.messageFields)
	if m.Reasoning == "" && in.ThinkContent != nil {
		m.Reasoning = *in.ThinkContent
	}
	return nil
}

// NewMessage creates a new message with a freshly generated ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:      NextID(),
		Role:    role,
		Content: content,
	}
}

// HasReasoning reports whether the message carries a reasoning span.
func (m Message) HasReasoning() bool {
	return m.Reasoning != ""
}

// IsBlank reports whether the visible content is empty or whitespace.
func (m Message) IsBlank() bool {
	return strings.TrimSpace(m.Content) == ""
}

// WithContent returns a copy of the message with its content replaced.
// The ID is kept so an edit never looks like a new message.
func (m Message) WithContent(content string) Message {
	m.Content = content
	return m
}

// Preview returns a truncated single-line preview of the message content.
func (m Message) Preview(maxLen int) string {
	content := strings.Join(strings.Fields(m.Content), " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// =============================================================================
// ID GENERATION
// =============================================================================

var lastID atomic.Int64

// NextID returns a process-unique, strictly increasing message ID.
// IDs are seeded from the wall clock in nanoseconds so they also sort
// sensibly against IDs persisted by earlier runs.
func NextID() int64 {
	for {
		prev := lastID.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if lastID.CompareAndSwap(prev, next) {
			return next
		}
	}
}
