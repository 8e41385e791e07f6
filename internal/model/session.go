// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"cmp"
	"encoding/json"
	"slices"
	"time"
)

// SessionMetadata describes one saved conversation. Each record maps 1:1
// to a persisted message list keyed by ID.
type SessionMetadata struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	LastModified  time.Time     `json:"lastModified"`
	SystemPrompt  string        `json:"systemPrompt"`
	ModelName     string        `json:"modelName"`
	ModelSettings ModelSettings `json:"modelSettings"`
}

// sessionJSON carries the field names written by the Android app next to
// ours. lastModifiedTimestamp is Unix milliseconds.
type sessionJSON struct {
	sessionFields
	LastModifiedMillis int64  `json:"lastModifiedTimestamp,omitempty"`
	ModelAPIName       string `json:"modelApiName,omitempty"`
}

type sessionFields SessionMetadata

// MarshalJSON adds lastModifiedTimestamp, which the Android app requires
// when it reads an archive.
func (m SessionMetadata) MarshalJSON() ([]byte, error) {
	out := sessionJSON{sessionFields: sessionFields(m)}
	if !m.LastModified.IsZero() {
		out.LastModifiedMillis = m.LastModified.UnixMilli()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both our field names and the Android app's.
// Ours win when both are present.
func (m *SessionMetadata) UnmarshalJSON(data []byte) error {
	var in sessionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = SessionMetadata(in.sessionFields)
	if m.LastModified.IsZero() && in.LastModifiedMillis > 0 {
		m.LastModified = time.UnixMilli(in.LastModifiedMillis).UTC()
	}
	if m.ModelName == "" {
		m.ModelName = in.ModelAPIName
	}
	return nil
}

// SortSessions orders sessions by LastModified, newest first.
// Ties are broken by ID so the order is stable across runs.
func SortSessions(sessions []SessionMetadata) {
	slices.SortStableFunc(sessions, func(a, b SessionMetadata) int {
		if c := b.LastModified.Compare(a.LastModified); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// VerificationResult is the verdict of the secondary judge pass for one
// assistant message.
type VerificationResult struct {
	MessageID         int64  `json:"messageId"`
	Reasoning         string `json:"reasoning"`
	HallucinationFlag string `json:"hallucinationFlag"`

	// Degraded marks a verdict synthesized from a judge reply that did not
	// follow the expected schema.
	Degraded bool `json:"degraded,omitempty"`
}

// Hallucination reports whether the judge flagged the message.
func (v VerificationResult) Hallucination() bool {
	return v.HallucinationFlag == "1"
}
