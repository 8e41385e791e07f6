// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat coordinates chat-completion requests.
//
// The Coordinator owns at most one in-flight request per conversation,
// forwards streamed fragments to an observer, captures partial replies on
// interruption and hands completed replies to an optional verifier.
//
// # Key Types
//
//   - Coordinator: Single-flight request owner keyed by conversation
//   - Job: Handle on one request (Wait, Cancel, Verdict)
//   - Result: Terminal outcome, Completed, Failed or Cancelled
//   - Observer: Fragment, result and verdict callbacks
//   - Placement: Append, insert or replace policy for the reply
//
// # Usage
//
//	coord := chat.NewCoordinator(client, chat.WithVerifier(pipeline))
//	job, err := coord.Send(ctx, conv, chat.SendOptions{
//	    Observer: chat.Observer{OnFragment: func(f string) { fmt.Print(f) }},
//	})
//	if err != nil {
//	    return err // *chat.ValidationError, nothing was sent
//	}
//	res, _ := job.Wait(ctx)
//	if res.Message != nil {
//	    conv.Messages = res.Placement.Apply(conv.Messages, *res.Message)
//	}
package chat
