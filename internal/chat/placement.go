// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"slices"

	"github.com/jeranaias/klusterchat/internal/model"
)

// PlacementMode says where a finished reply goes in the message list.
type PlacementMode int

const (
	// PlaceAppend adds the reply at the end.
	PlaceAppend PlacementMode = iota
	// PlaceInsert inserts the reply before Index.
	PlaceInsert
	// PlaceReplace overwrites the draft at Index (regeneration).
	PlaceReplace
)

// Placement is the insertion policy for a reply.
type Placement struct {
	Mode  PlacementMode
	Index int
}

// Append places the reply at the end of the list.
func Append() Placement { return Placement{Mode: PlaceAppend} }

// InsertAt places the reply before index.
func InsertAt(index int) Placement { return Placement{Mode: PlaceInsert, Index: index} }

// Replace overwrites the message at index.
func Replace(index int) Placement { return Placement{Mode: PlaceReplace, Index: index} }

// Apply returns msgs with msg placed according to p. An index outside the
// list degrades to an append. msgs is not modified.
func (p Placement) Apply(msgs []model.Message, msg model.Message) []model.Message {
	out := slices.Clone(msgs)
	switch p.Mode {
	case PlaceReplace:
		if p.Index >= 0 && p.Index < len(out) {
			out[p.Index] = msg
			return out
		}
	case PlaceInsert:
		if p.Index >= 0 && p.Index <= len(out) {
			return slices.Insert(out, p.Index, msg)
		}
	}
	return append(out, msg)
}

// Regeneration prepares a new reply for the message at index i of conv.
//
// For a user or system message the history ends with that message and the
// reply is inserted right after it. An assistant message is answered again
// from the messages before it and replaced in place, so a failed attempt
// leaves it untouched. conv is not modified; the returned history is a
// truncated copy to pass to Send, and the placement applies to conv.
func Regeneration(conv *model.Conversation, i int) (*model.Conversation, Placement, error) {
	if i < 0 || i >= len(conv.Messages) {
		return nil, Placement{}, fmt.Errorf("%w: no message at index %d", ErrCannotRegenerate, i)
	}
	history := conv.Clone()
	switch conv.Messages[i].Role {
	case model.RoleUser, model.RoleSystem:
		history.Messages = history.Messages[:i+1]
		return history, InsertAt(i + 1), nil
	case model.RoleAssistant:
		if i == 0 {
			return nil, Placement{}, fmt.Errorf("%w: nothing precedes the reply", ErrCannotRegenerate)
		}
		history.Messages = history.Messages[:i]
		return history, Replace(i), nil
	}
	return nil, Placement{}, fmt.Errorf("%w: unsupported role %q", ErrCannotRegenerate, conv.Messages[i].Role)
}
