// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the local HTTP API.
//
// Endpoints:
//   - GET    /health                      - Health check (no auth)
//   - GET    /v1/models                   - Model catalog
//   - GET    /v1/sessions                 - List sessions, newest first
//   - GET    /v1/sessions/{id}            - Session metadata
//   - PUT    /v1/sessions/{id}            - Save metadata and messages
//   - PATCH  /v1/sessions/{id}            - Rename
//   - DELETE /v1/sessions/{id}            - Delete
//   - GET    /v1/sessions/{id}/messages   - Metadata plus messages
//   - GET    /v1/sessions/{id}/transcript - Markdown or JSON transcript (?format=md|json)
//   - POST   /v1/chat                     - Send and stream the reply as SSE
//   - POST   /v1/chat/{key}/cancel        - Cancel the active request
//   - GET    /v1/archive                  - Export every session as a zip
//   - POST   /v1/archive?policy=          - Import a zip (skip, replace, copy)
//
// # Chat Stream
//
// POST /v1/chat answers with text/event-stream. Events are "fragment"
// ({"text"}), then exactly one "result", then "verdict" when verification
// ran and produced one, then "done". The session id is also returned in the
// X-Session-Id header so a client can cancel before the result arrives.
//
// # Middleware
//
// Requests are logged through slog, panics are recovered, and /v1 routes
// optionally require a bearer token and are rate limited per client.
package server
