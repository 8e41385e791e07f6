// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package verify runs the optional second pass that asks a judge model
// whether an assistant reply contains unsupported claims.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeranaias/klusterchat/internal/chat"
	"github.com/jeranaias/klusterchat/internal/cloud"
	"github.com/jeranaias/klusterchat/internal/logging"
	"github.com/jeranaias/klusterchat/internal/model"
)

// DefaultInstruction asks the judge for a bare two-field JSON verdict.
const DefaultInstruction = "Review the provided text for hallucinations. " +
	"Reply with pure JSON only and do not wrap it in a markdown code block. " +
	"The JSON must contain 'REASONING' (your analysis) and 'HALLUCINATION' " +
	"('0' means no hallucination, '1' means a hallucination was detected). " +
	"Do not add any other text."

// Pipeline judges replies through the same transport as the primary request.
type Pipeline struct {
	transport   cloud.Streamer
	model       string
	instruction string
	settings    model.ModelSettings
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithModel overrides the judge model identifier.
func WithModel(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.model = name
		}
	}
}

// WithInstruction overrides the judge instruction.
func WithInstruction(text string) Option {
	return func(p *Pipeline) {
		if text != "" {
			p.instruction = text
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrDiscard(l) }
}

// NewPipeline creates a pipeline using the judge model and neutral settings.
func NewPipeline(transport cloud.Streamer, opts ...Option) *Pipeline {
	p := &Pipeline{
		transport:   transport,
		model:       model.VerificationModelName,
		instruction: DefaultInstruction,
		settings:    model.NeutralModelSettings,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Model returns the judge model identifier.
func (p *Pipeline) Model() string {
	return p.model
}

// BuildRequest assembles the judge request: the conversation up to the
// candidate, the candidate itself, then the instruction as a user turn.
func (p *Pipeline) BuildRequest(conv *model.Conversation, candidate model.Message) (cloud.ChatRequest, error) {
	judged := conv.Clone()
	if i := judged.IndexOf(candidate.ID); i >= 0 {
		judged.Messages = judged.Messages[:i]
	}
	judged.Append(candidate)
	judged.Append(model.NewMessage(model.RoleUser, p.instruction))

	msgs, err := chat.BuildOutbound(judged, false)
	if err != nil {
		return cloud.ChatRequest{}, err
	}
	return cloud.NewChatRequest(p.model, msgs, p.settings), nil
}

// Verify asks the judge about candidate. A nil result with an error wrapping
// ErrNoVerdict means there is nothing to show; the error is for logging.
func (p *Pipeline) Verify(ctx context.Context, conv *model.Conversation, candidate model.Message) (*model.VerificationResult, error) {
	if candidate.Role != model.RoleAssistant || candidate.IsBlank() {
		return nil, fmt.Errorf("%w: candidate is not an assistant reply", ErrNoVerdict)
	}
	req, err := p.BuildRequest(conv, candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoVerdict, err)
	}

	start := time.Now()
	dec, err := p.transport.OpenStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoVerdict, err)
	}
	text, err := cloud.Collect(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoVerdict, err)
	}

	result, err := ParseVerdict(text)
	if err != nil {
		return nil, err
	}
	result.MessageID = candidate.ID
	p.logger.Debug("verification finished",
		"message", candidate.ID,
		"flag", result.HallucinationFlag,
		"degraded", result.Degraded,
		"duration", time.Since(start))
	return result, nil
}

var _ chat.Verifier = (*Pipeline)(nil)
