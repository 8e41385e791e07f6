// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/klusterchat/internal/archive"
	"github.com/jeranaias/klusterchat/internal/export"
	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/storage"
)

// ============================================================================
// HEALTH & MODELS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version,omitempty"`
	Uptime       string `json:"uptime"`
	Verification bool   `json:"verification"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "ok",
		Version:      s.cfg.Version,
		Uptime:       time.Since(s.started).Truncate(time.Second).String(),
		Verification: s.coord.VerificationEnabled(),
	})
}

// ModelEntry is one item of GET /v1/models, in the OpenAI list shape.
type ModelEntry struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	OwnedBy   string `json:"owned_by"`
	Name      string `json:"name"`
	Reasoning bool   `json:"reasoning"`
	Default   bool   `json:"default,omitempty"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := ModelList{Object: "list", Data: make([]ModelEntry, 0, len(model.Catalog))}
	for _, m := range model.Catalog {
		owner, _, _ := strings.Cut(m.ID, "/")
		list.Data = append(list.Data, ModelEntry{
			ID:        m.ID,
			Object:    "model",
			OwnedBy:   owner,
			Name:      m.Name,
			Reasoning: m.Reasoning,
			Default:   m.ID == s.cfg.ModelName,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// ============================================================================
// SESSIONS
// ============================================================================

// SessionList is the body of GET /v1/sessions.
type SessionList struct {
	Sessions []model.SessionMetadata `json:"sessions"`
}

// SessionDetail is a session with its messages.
type SessionDetail struct {
	Session  model.SessionMetadata `json:"session"`
	Messages []model.Message       `json:"messages"`
}

// PutSessionRequest is the body of PUT /v1/sessions/{id}.
type PutSessionRequest struct {
	Title         string               `json:"title"`
	SystemPrompt  string               `json:"systemPrompt"`
	ModelName     string               `json:"modelName"`
	ModelSettings *model.ModelSettings `json:"modelSettings,omitempty"`
	Messages      []model.Message      `json:"messages"`
}

// RenameRequest is the body of PATCH /v1/sessions/{id}.
type RenameRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := s.sessions.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if metas == nil {
		metas = []model.SessionMetadata{}
	}
	writeJSON(w, http.StatusOK, SessionList{Sessions: metas})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.sessions.Open(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	meta, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionDetail{Session: meta, Messages: conv.Messages})
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := storage.ValidateSessionID(id); err != nil {
		s.fail(w, r, err)
		return
	}
	var req PutSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("message %d: invalid role %q", i, m.Role))
			return
		}
	}

	settings := s.cfg.Settings
	if req.ModelSettings != nil {
		if err := req.ModelSettings.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		settings = *req.ModelSettings
	}
	modelName := req.ModelName
	if modelName == "" {
		modelName = s.cfg.ModelName
	}
	msgs := req.Messages
	if msgs == nil {
		msgs = []model.Message{}
	}

	meta, err := s.sessions.Save(r.Context(), model.SessionMetadata{
		ID:            id,
		Title:         req.Title,
		SystemPrompt:  req.SystemPrompt,
		ModelName:     modelName,
		ModelSettings: settings,
	}, msgs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.coord.Forget(id)
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req RenameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	meta, err := s.sessions.Rename(r.Context(), id, req.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.coord.Cancel(id)
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.coord.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	opts := export.DefaultOptions()
	opts.IncludeReasoning = parseFlag(q.Get("reasoning"))
	exporter, err := export.ForFormat(q.Get("format"), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msgs, err := s.sessions.Messages(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := exporter.Export(&export.Transcript{Meta: meta, Messages: msgs})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.Header().Set("Content-Type", exporter.MimeType()+"; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ============================================================================
// ARCHIVES
// ============================================================================

// ImportResponse summarizes an archive import.
type ImportResponse struct {
	Policy          string        `json:"policy"`
	Imported        int           `json:"imported"`
	Added           []string      `json:"added"`
	Replaced        []string      `json:"replaced"`
	Skipped         []string      `json:"skipped"`
	Copied          []CopiedEntry `json:"copied"`
	MissingMessages []string      `json:"missingMessages"`
	Errors          []EntryIssue  `json:"errors"`
}

// CopiedEntry is a session imported under a new id.
type CopiedEntry struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// EntryIssue is a per-session import failure.
type EntryIssue struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func newImportResponse(rep archive.Report) ImportResponse {
	resp := ImportResponse{
		Policy:          rep.Policy.String(),
		Imported:        rep.Imported(),
		Added:           nonNil(rep.Added),
		Replaced:        nonNil(rep.Replaced),
		Skipped:         nonNil(rep.Skipped),
		Copied:          make([]CopiedEntry, 0, len(rep.Copied)),
		MissingMessages: nonNil(rep.MissingMessages),
		Errors:          make([]EntryIssue, 0, len(rep.Errors)),
	}
	for _, c := range rep.Copied {
		resp.Copied = append(resp.Copied, CopiedEntry{From: c.From, To: c.To})
	}
	for _, e := range rep.Errors {
		resp.Errors = append(resp.Errors, EntryIssue{ID: e.ID, Error: e.Err.Error()})
	}
	return resp
}

func (s *Server) handleExportArchive(w http.ResponseWriter, r *http.Request) {
	data, err := archive.ExportBytes(r.Context(), s.sessions.Store())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	name := fmt.Sprintf("klusterchat_%s.zip", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImportArchive(w http.ResponseWriter, r *http.Request) {
	policy, err := archive.ParsePolicy(r.URL.Query().Get("policy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxArchiveSize))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := archive.ImportBytes(r.Context(), s.sessions.Store(), data, policy,
		archive.WithLogger(s.logger))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, id := range rep.Replaced {
		s.coord.Forget(id)
	}
	writeJSON(w, http.StatusOK, newImportResponse(rep))
}

// ============================================================================
// HELPERS
// ============================================================================

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func parseFlag(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// isNotFound reports whether err means the session does not exist.
func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrSessionNotFound)
}
