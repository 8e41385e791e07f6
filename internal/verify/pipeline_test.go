// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package verify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/klusterchat/internal/cloud"
	"github.com/jeranaias/klusterchat/internal/model"
)

func sse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b) + "\n\ndata: [DONE]\n\n"
}

type recordingTransport struct {
	body string
	err  error
	req  cloud.ChatRequest
}

func (r *recordingTransport) OpenStream(ctx context.Context, req cloud.ChatRequest) (*cloud.Decoder, error) {
	r.req = req
	if r.err != nil {
		return nil, r.err
	}
	return cloud.NewDecoder(ctx, io.NopCloser(strings.NewReader(r.body))), nil
}

func judgedConv() (*model.Conversation, model.Message) {
	conv := model.NewConversation("deepseek-ai/DeepSeek-V3-0324")
	conv.SystemPrompt = "be helpful"
	conv.Settings = model.ModelSettings{Temperature: 1.2, FrequencyPenalty: 0.5, TopP: 0.8}
	conv.Append(model.NewMessage(model.RoleUser, "who wrote Hamlet?"))
	answer := model.NewMessage(model.RoleAssistant, "Shakespeare.")
	conv.Append(answer)
	conv.Append(model.NewMessage(model.RoleUser, "and Macbeth?"))
	return conv, answer
}

func TestBuildRequest(t *testing.T) {
	conv, answer := judgedConv()
	p := NewPipeline(&recordingTransport{})

	req, err := p.BuildRequest(conv, answer)
	require.NoError(t, err)
	require.Equal(t, model.VerificationModelName, req.Model)
	require.Equal(t, []cloud.ChatMessage{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "who wrote Hamlet?"},
		{Role: "assistant", Content: "Shakespeare."},
		{Role: "user", Content: DefaultInstruction},
	}, req.Messages)

	// Neutral settings regardless of the conversation's own.
	require.NotNil(t, req.Temperature)
	require.Zero(t, *req.Temperature)
	require.Nil(t, req.FrequencyPenalty)
	require.Nil(t, req.TopP)
}

func TestVerify_Verdict(t *testing.T) {
	conv, answer := judgedConv()
	tr := &recordingTransport{body: sse(`{"REASONING": "correct", "HALLUCINATION": "0"}`)}
	p := NewPipeline(tr, WithModel("judge-x"))

	v, err := p.Verify(context.Background(), conv, answer)
	require.NoError(t, err)
	require.Equal(t, answer.ID, v.MessageID)
	require.Equal(t, "correct", v.Reasoning)
	require.False(t, v.Hallucination())
	require.Equal(t, "judge-x", tr.req.Model)
}

func TestVerify_TransportFailureIsNoVerdict(t *testing.T) {
	conv, answer := judgedConv()
	p := NewPipeline(&recordingTransport{err: errors.New("dial tcp: refused")})

	v, err := p.Verify(context.Background(), conv, answer)
	require.ErrorIs(t, err, ErrNoVerdict)
	require.Nil(t, v)
}

func TestVerify_RejectsNonAssistantCandidate(t *testing.T) {
	conv, _ := judgedConv()
	tr := &recordingTransport{}
	p := NewPipeline(tr)

	_, err := p.Verify(context.Background(), conv, conv.Messages[0])
	require.ErrorIs(t, err, ErrNoVerdict)
	require.Empty(t, tr.req.Model, "no request should be sent")
}

func TestVerify_OverHTTP(t *testing.T) {
	var got cloud.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sse(`{"REASONING": ["year is off"], "HALLUCINATION": 1}`))
	}))
	defer srv.Close()

	conv, answer := judgedConv()
	p := NewPipeline(cloud.NewClient(srv.URL, "test-key"))

	v, err := p.Verify(context.Background(), conv, answer)
	require.NoError(t, err)
	require.True(t, v.Hallucination())
	require.Equal(t, "- year is off", v.Reasoning)
	require.True(t, got.Stream)
	require.Equal(t, model.VerificationModelName, got.Model)
}
