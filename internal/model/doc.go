// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types shared by the transport, the
// request coordinator, the verification pass and the session store.
//
// # Key Types
//
//   - Message: Single message with role, content, optional reasoning and a process-unique ID
//   - ModelSettings: Sampling parameters with a canonical default
//   - SessionMetadata: Persisted description of a saved conversation
//   - Conversation: The collaborator-supplied input to a request
//   - VerificationResult: Verdict of the secondary judge pass
//   - ModelInfo: Entry in the catalog of known remote models
//
// # Usage
//
//	conv := model.NewConversation(model.DefaultModelName)
//	conv.Append(model.NewMessage(model.RoleUser, "Hello!"))
package model
