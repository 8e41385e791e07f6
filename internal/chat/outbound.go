// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"

	"github.com/jeranaias/klusterchat/internal/cloud"
	"github.com/jeranaias/klusterchat/internal/model"
)

// ActiveSystemPrompt returns the prompt that will lead the outbound list:
// the conversation's configured prompt, else the first non-blank system
// message already in the list. Blank means none.
func ActiveSystemPrompt(conv *model.Conversation) string {
	if strings.TrimSpace(conv.SystemPrompt) != "" {
		return conv.SystemPrompt
	}
	for _, m := range conv.Messages {
		if m.Role == model.RoleSystem && !m.IsBlank() {
			return m.Content
		}
	}
	return ""
}

// BuildOutbound converts a conversation into the outbound messages array.
//
// The active system prompt, when non-blank, is placed at index 0 and any
// other system message is dropped. Roles the service does not accept and
// messages with blank content are excluded. Without a non-blank user message
// the call is rejected, unless allowSystemOnly is set and a system prompt
// exists.
func BuildOutbound(conv *model.Conversation, allowSystemOnly bool) ([]cloud.ChatMessage, error) {
	if conv == nil {
		return nil, &ValidationError{Reason: "no conversation"}
	}

	out := make([]cloud.ChatMessage, 0, len(conv.Messages)+1)
	system := ActiveSystemPrompt(conv)
	if system != "" {
		out = append(out, cloud.ChatMessage{Role: string(model.RoleSystem), Content: system})
	}

	hasUser := false
	for _, m := range conv.Messages {
		if !m.Role.Valid() || m.Role == model.RoleSystem || m.IsBlank() {
			continue
		}
		if m.Role == model.RoleUser {
			hasUser = true
		}
		out = append(out, cloud.ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	if !hasUser {
		if system == "" {
			return nil, &ValidationError{Reason: "conversation has no user message"}
		}
		if !allowSystemOnly {
			return nil, &ValidationError{Reason: "conversation has only a system prompt"}
		}
	}
	return out, nil
}
