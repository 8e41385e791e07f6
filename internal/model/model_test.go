// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextID_UniqueAndIncreasing(t *testing.T) {
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := int64(0)
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				id := NextID()
				if id <= prev {
					t.Errorf("ID %d not greater than previous %d", id, prev)
				}
				prev = id
				local = append(local, id)
			}
			mu.Lock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate ID %d", id)
				}
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*perWorker)
}

func TestMessage_WithContentKeepsID(t *testing.T) {
	msg := NewMessage(RoleUser, "before")
	edited := msg.WithContent("after")

	require.Equal(t, msg.ID, edited.ID)
	require.Equal(t, "after", edited.Content)
	require.Equal(t, "before", msg.Content)
}

func TestMessage_Preview(t *testing.T) {
	msg := Message{Content: "line one\nline   two"}
	require.Equal(t, "line one line two", msg.Preview(40))
	require.Equal(t, "line o...", msg.Preview(9))
}

func TestRole_Valid(t *testing.T) {
	require.True(t, RoleSystem.Valid())
	require.True(t, RoleUser.Valid())
	require.True(t, RoleAssistant.Valid())
	require.False(t, Role("tool").Valid())
}

func TestModelSettings_Validate(t *testing.T) {
	require.NoError(t, DefaultModelSettings.Validate())
	require.True(t, DefaultModelSettings.IsDefault())

	bad := []ModelSettings{
		{Temperature: -0.1, TopP: 1},
		{Temperature: 0.5, TopP: 0},
		{Temperature: 0.5, TopP: 1.5},
		{Temperature: 0.5, TopP: 1, FrequencyPenalty: 3},
	}
	for _, s := range bad {
		require.Error(t, s.Validate(), "settings %v should be rejected", s)
	}
}

func TestSortSessions_NewestFirst(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []SessionMetadata{
		{ID: "a", LastModified: base},
		{ID: "b", LastModified: base.Add(2 * time.Hour)},
		{ID: "c", LastModified: base.Add(time.Hour)},
	}
	SortSessions(sessions)

	require.Equal(t, "b", sessions[0].ID)
	require.Equal(t, "c", sessions[1].ID)
	require.Equal(t, "a", sessions[2].ID)
}

func TestSessionMetadata_JSONFieldAliases(t *testing.T) {
	var m SessionMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"id":"s1","lastModifiedTimestamp":1700000000123,"modelApiName":"m/one"}`), &m))
	require.True(t, m.LastModified.Equal(time.UnixMilli(1700000000123)))
	require.Equal(t, "m/one", m.ModelName)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, json.Unmarshal([]byte(`{"id":"s1","lastModified":"2025-03-01T12:00:00Z","lastModifiedTimestamp":5,"modelName":"ours","modelApiName":"theirs"}`), &m))
	require.True(t, m.LastModified.Equal(at))
	require.Equal(t, "ours", m.ModelName)

	data, err := json.Marshal(SessionMetadata{ID: "s1", LastModified: at})
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.EqualValues(t, at.UnixMilli(), raw["lastModifiedTimestamp"])
	require.Equal(t, "2025-03-01T12:00:00Z", raw["lastModified"])

	var back SessionMetadata
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, back.LastModified.Equal(at))
}

func TestMessage_ThinkContentAlias(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":"hi","thinkContent":"hmm","id":7}`), &m))
	require.Equal(t, Message{ID: 7, Role: RoleAssistant, Content: "hi", Reasoning: "hmm"}, m)

	m = Message{}
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"q","thinkContent":null,"id":8}`), &m))
	require.Empty(t, m.Reasoning)
}

func TestConversation_ApplySystemPrompt(t *testing.T) {
	conv := NewConversation(DefaultModelName)
	conv.Append(NewMessage(RoleUser, "hello"))
	conv.Append(NewMessage(RoleAssistant, "hi there"))

	conv.ApplySystemPrompt("be brief")
	require.Len(t, conv.Messages, 3)
	require.Equal(t, RoleSystem, conv.Messages[0].Role)
	require.Equal(t, "be brief", conv.Messages[0].Content)

	conv.ApplySystemPrompt("be verbose")
	require.Len(t, conv.Messages, 3)
	require.Equal(t, "be verbose", conv.Messages[0].Content)

	conv.ApplySystemPrompt("   ")
	require.Len(t, conv.Messages, 2)
	require.Equal(t, RoleUser, conv.Messages[0].Role)
}

func TestConversation_EditAndTruncate(t *testing.T) {
	conv := NewConversation(DefaultModelName)
	user := NewMessage(RoleUser, "question")
	conv.Append(user)
	conv.Append(NewMessage(RoleAssistant, "answer"))

	require.True(t, conv.Edit(user.ID, "better question"))
	require.Equal(t, "better question", conv.Messages[0].Content)
	require.Equal(t, user.ID, conv.Messages[0].ID)
	require.False(t, conv.Edit(-1, "nothing"))

	conv.Truncate(1)
	require.Len(t, conv.Messages, 1)
	_, ok := conv.LastAssistant()
	require.False(t, ok)
}

func TestConversation_CloneIsIndependent(t *testing.T) {
	conv := NewConversation(DefaultModelName)
	conv.Append(NewMessage(RoleUser, "one"))

	clone := conv.Clone()
	clone.Append(NewMessage(RoleUser, "two"))
	clone.Messages[0].Content = "changed"

	require.Len(t, conv.Messages, 1)
	require.Equal(t, "one", conv.Messages[0].Content)
}

func TestLookupModel(t *testing.T) {
	info, ok := LookupModel("deepseek-r1-0528")
	require.True(t, ok)
	require.Equal(t, DefaultModelName, info.ID)

	info, ok = LookupModel("my/custom-model")
	require.False(t, ok)
	require.Equal(t, "my/custom-model", info.ID)
}
