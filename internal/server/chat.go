// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/storage"
)

// ============================================================================
// CHAT TYPES
// ============================================================================

// ChatRequest is the body of POST /v1/chat.
//
// With SessionID empty a new session is started. An unknown SessionID
// starts a new session under that id. Regenerate drops the trailing
// assistant reply and asks again. RegenerateIndex (0-based) regenerates an
// earlier message: an assistant reply is replaced in place, a user message
// gets a new reply right after it. Message must be empty with either.
type ChatRequest struct {
	SessionID    string               `json:"sessionId,omitempty"`
	Message      string               `json:"message,omitempty"`
	Model        string               `json:"model,omitempty"`
	Settings     *model.ModelSettings `json:"settings,omitempty"`
	SystemPrompt *string              `json:"systemPrompt,omitempty"`
	Regenerate   bool                 `json:"regenerate,omitempty"`
	RegenerateAt *int                 `json:"regenerateIndex,omitempty"`
	Verify       *bool                `json:"verify,omitempty"`

	// Ephemeral skips saving the exchange.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// SSE event names of a chat stream, in the order they can occur.
const (
	EventFragment = "fragment"
	EventResult   = "result"
	EventVerdict  = "verdict"
	EventDone     = "done"
)

// FragmentEvent carries one streamed fragment.
type FragmentEvent struct {
	Text string `json:"text"`
}

// ResultEvent is the terminal outcome of a chat request.
type ResultEvent struct {
	SessionID    string         `json:"sessionId"`
	Title        string         `json:"title,omitempty"`
	State        string         `json:"state"`
	Message      *model.Message `json:"message,omitempty"`
	Interruption string         `json:"interruption,omitempty"`
	Error        string         `json:"error,omitempty"`
	Saved        bool           `json:"saved"`
	Verifying    bool           `json:"verifying"`
}

// ============================================================================
// SSE WRITER
// ============================================================================

// eventWriter serializes SSE writes from the handler and the job goroutine.
// Writes after close are dropped.
type eventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	closed  bool
}

func (e *eventWriter) send(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if !e.started {
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data)
	e.flusher.Flush()
}

func (e *eventWriter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// ============================================================================
// CHAT HANDLERS
// ============================================================================

// handleChat handles POST /v1/chat. The reply is streamed as server-sent
// events: fragments, one result, optionally a verdict, then done.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if (req.Regenerate || req.RegenerateAt != nil) && strings.TrimSpace(req.Message) != "" {
		writeError(w, http.StatusBadRequest, "regenerate takes no message")
		return
	}
	if req.Regenerate && req.RegenerateAt != nil {
		writeError(w, http.StatusBadRequest, "use regenerate or regenerateIndex, not both")
		return
	}
	if req.Settings != nil {
		if err := req.Settings.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	id, conv, err := s.conversationFor(ctx, req.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Model != "" {
		info, _ := model.LookupModel(req.Model)
		conv.ModelName = info.ID
	}
	if req.Settings != nil {
		conv.Settings = *req.Settings
	}
	if req.SystemPrompt != nil {
		conv.ApplySystemPrompt(*req.SystemPrompt)
	}

	history, placement := conv, chat.Append()
	switch {
	case req.RegenerateAt != nil:
		history, placement, err = chat.Regeneration(conv, *req.RegenerateAt)
		if err != nil {
			s.fail(w, r, &badRequest{err.Error()})
			return
		}
	case req.Regenerate:
		if i := conv.LastIndexOf(model.RoleAssistant); i >= 0 && i == len(conv.Messages)-1 {
			conv.Truncate(i)
		}
	case strings.TrimSpace(req.Message) != "":
		conv.Append(model.NewMessage(model.RoleUser, req.Message))
	}

	verify := s.cfg.Verify
	if req.Verify != nil {
		verify = *req.Verify
	}
	verify = verify && s.coord.VerificationEnabled()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-Id", id)

	events := &eventWriter{w: w, flusher: flusher}
	defer events.close()

	job, err := s.coord.Send(ctx, history, chat.SendOptions{
		Placement:        placement,
		SkipVerification: !verify,
		Observer: chat.Observer{
			OnFragment: func(f string) { events.send(EventFragment, FragmentEvent{Text: f}) },
		},
	})
	if err != nil {
		h.Del("X-Session-Id")
		s.fail(w, r, err)
		return
	}

	<-job.Done()
	res := job.Result()
	if res.Message != nil {
		conv.Messages = res.Placement.Apply(conv.Messages, *res.Message)
	}

	ev := ResultEvent{
		SessionID:    id,
		State:        res.State.String(),
		Message:      res.Message,
		Interruption: res.Interruption.Annotation(),
		Verifying:    verify && res.State == chat.StateCompleted,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}

	if !req.Ephemeral {
		// The exchange is kept even if the client went away mid-stream.
		meta, err := s.sessions.SaveConversation(context.WithoutCancel(ctx), id, "", conv)
		if err != nil {
			s.logger.Error("failed to save chat", "session", id, "error", err)
		} else {
			ev.Saved = true
			ev.Title = meta.Title
		}
	}
	events.send(EventResult, ev)

	if ev.Verifying {
		// Verdict waits for the judge; a stale or failed verdict is nil.
		if v, err := job.Verdict(ctx); err == nil && v != nil {
			events.send(EventVerdict, v)
		}
	}
	events.send(EventDone, struct{}{})
}

// conversationFor loads the session id, or starts a fresh conversation.
func (s *Server) conversationFor(ctx context.Context, id string) (string, *model.Conversation, error) {
	if id != "" {
		if err := storage.ValidateSessionID(id); err != nil {
			return "", nil, err
		}
		conv, err := s.sessions.Open(ctx, id)
		if err == nil {
			return id, conv, nil
		}
		if !isNotFound(err) {
			return "", nil, err
		}
	} else {
		id = storage.NewID()
	}

	conv := model.NewConversation(s.cfg.ModelName)
	conv.Key = id
	conv.Settings = s.cfg.Settings
	conv.ApplySystemPrompt(s.cfg.SystemPrompt)
	return id, conv, nil
}

// CancelResponse is the body of POST /v1/chat/{key}/cancel.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !s.coord.Cancel(key) {
		writeError(w, http.StatusNotFound, "no active request for "+key)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: true})
}
