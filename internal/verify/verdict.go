// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package verify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/klusterchat/internal/model"
	"github.com/jeranaias/klusterchat/internal/reply"
)

// ErrNoVerdict means the judge produced nothing usable. It is never fatal:
// the original reply is shown without a warning.
var ErrNoVerdict = errors.New("no verdict")

// errSchema marks a judge payload that is JSON but not the expected shape.
var errSchema = errors.New("verdict schema violation")

// Field name aliases, matched case-insensitively.
var (
	reasoningKeys = []string{"REASONING"}
	flagKeys      = []string{"HALLUCINATION", "hallucinationFlag", "hallucination_flag"}
)

// listSeparator joins a list-shaped REASONING into one bulleted string.
const listSeparator = "\n- "

// =============================================================================
// TAGGED UNION: REASONING
// =============================================================================

type reasoningKind int

const (
	reasoningText reasoningKind = iota
	reasoningList
)

// reasoningValue holds REASONING, which arrives either as a string or as a
// list of strings.
type reasoningValue struct {
	kind  reasoningKind
	text  string
	items []string
}

// UnmarshalJSON dispatches on the first byte of the value.
func (r *reasoningValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errSchema
	}
	switch data[0] {
	case '"':
		r.kind = reasoningText
		return json.Unmarshal(data, &r.text)
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		r.kind = reasoningList
		r.items = make([]string, 0, len(raw))
		for _, item := range raw {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				// Non-string elements are kept in their JSON form.
				s = string(bytes.TrimSpace(item))
			}
			r.items = append(r.items, s)
		}
		return nil
	}
	return fmt.Errorf("%w: REASONING must be a string or a list", errSchema)
}

// String renders the value for display.
func (r reasoningValue) String() string {
	if r.kind == reasoningList {
		if len(r.items) == 0 {
			return ""
		}
		return "- " + strings.Join(r.items, listSeparator)
	}
	return r.text
}

// =============================================================================
// FLAG
// =============================================================================

// flagValue normalizes HALLUCINATION, which judges send as a string, a
// number or a bool.
type flagValue string

// UnmarshalJSON accepts "1", 1 and true alike.
func (f *flagValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errSchema
	}
	switch {
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flagValue(strings.TrimSpace(s))
	case string(data) == "true":
		*f = "1"
	case string(data) == "false":
		*f = "0"
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*f = flagValue(n.String())
	default:
		return fmt.Errorf("%w: HALLUCINATION must be a string, number or bool", errSchema)
	}
	return nil
}

// =============================================================================
// PARSING
// =============================================================================

// ParseVerdict interprets a judge reply.
//
// Empty or non-JSON payloads yield ErrNoVerdict. A JSON payload that breaks
// the expected schema yields a degraded verdict flagged "1" whose reasoning
// is the raw payload, so an uninterpretable verdict never reads as a pass.
func ParseVerdict(payload string) (*model.VerificationResult, error) {
	raw := strings.TrimSpace(payload)
	text := stripFence(reply.StripReasoning(raw))
	if text == "" {
		return nil, fmt.Errorf("%w: empty judge response", ErrNoVerdict)
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("%w: judge response is not JSON", ErrNoVerdict)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return degraded(raw), nil
	}
	reasoningRaw, ok := lookup(fields, reasoningKeys)
	if !ok {
		return degraded(raw), nil
	}
	flagRaw, ok := lookup(fields, flagKeys)
	if !ok {
		return degraded(raw), nil
	}

	var reasoning reasoningValue
	if err := json.Unmarshal(reasoningRaw, &reasoning); err != nil {
		return degraded(raw), nil
	}
	var flag flagValue
	if err := json.Unmarshal(flagRaw, &flag); err != nil {
		return degraded(raw), nil
	}
	return &model.VerificationResult{
		Reasoning:         reasoning.String(),
		HallucinationFlag: string(flag),
	}, nil
}

func degraded(raw string) *model.VerificationResult {
	return &model.VerificationResult{
		Reasoning:         raw,
		HallucinationFlag: "1",
		Degraded:          true,
	}
}

func lookup(fields map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, want := range keys {
		for k, v := range fields {
			if strings.EqualFold(k, want) {
				return v, true
			}
		}
	}
	return nil, false
}

// stripFence removes a surrounding markdown code fence some judges add
// despite being told not to.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
