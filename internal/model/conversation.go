// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is the plain-data input a collaborator hands to the request
// coordinator. Key identifies the conversation for single-flight purposes:
// the session ID once saved, or a draft key before that.
type Conversation struct {
	Key          string
	SystemPrompt string
	ModelName    string
	Settings     ModelSettings
	Messages     []Message
}

// NewConversation creates an unsaved conversation with a draft key.
func NewConversation(modelName string) *Conversation {
	return &Conversation{
		Key:       fmt.Sprintf("draft-%d", NextID()),
		ModelName: modelName,
		Settings:  DefaultModelSettings,
		Messages:  make([]Message, 0),
	}
}

// ConversationFromSession rebuilds a conversation from stored data.
func ConversationFromSession(meta SessionMetadata, messages []Message) *Conversation {
	conv := &Conversation{
		Key:          meta.ID,
		SystemPrompt: meta.SystemPrompt,
		ModelName:    meta.ModelName,
		Settings:     meta.ModelSettings,
		Messages:     slices.Clone(messages),
	}
	if conv.Messages == nil {
		conv.Messages = make([]Message, 0)
	}
	return conv
}

// Clone returns a deep copy safe to hand to a background worker.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = slices.Clone(c.Messages)
	return &out
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message at the end of the conversation.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
}

// IndexOf returns the position of the message with the given ID, or -1.
func (c *Conversation) IndexOf(id int64) int {
	return slices.IndexFunc(c.Messages, func(m Message) bool { return m.ID == id })
}

// LastAssistant returns the most recent assistant message.
func (c *Conversation) LastAssistant() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// LastIndexOf returns the index of the last message with the given role, or -1.
func (c *Conversation) LastIndexOf(role Role) int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return i
		}
	}
	return -1
}

// Edit replaces the content of the message with the given ID, keeping its ID.
func (c *Conversation) Edit(id int64, content string) bool {
	i := c.IndexOf(id)
	if i < 0 {
		return false
	}
	c.Messages[i] = c.Messages[i].WithContent(content)
	return true
}

// Truncate drops every message from index onward.
func (c *Conversation) Truncate(index int) {
	if index < 0 || index >= len(c.Messages) {
		return
	}
	c.Messages = c.Messages[:index]
}

// ApplySystemPrompt sets the active system prompt and keeps the message list
// consistent with it: at most one system message, at index 0, and none at all
// when the prompt is blank.
func (c *Conversation) ApplySystemPrompt(prompt string) {
	c.SystemPrompt = prompt
	kept := c.Messages[:0:0]
	for _, m := range c.Messages {
		if m.Role != RoleSystem {
			kept = append(kept, m)
		}
	}
	if strings.TrimSpace(prompt) != "" {
		kept = append([]Message{NewMessage(RoleSystem, prompt)}, kept...)
	}
	c.Messages = kept
}

// Metadata builds the session record for this conversation.
func (c *Conversation) Metadata(id, title string, now time.Time) SessionMetadata {
	return SessionMetadata{
		ID:            id,
		Title:         title,
		LastModified:  now,
		SystemPrompt:  c.SystemPrompt,
		ModelName:     c.ModelName,
		ModelSettings: c.Settings,
	}
}
