// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// =============================================================================
// MODEL INFO TYPE
// =============================================================================

// ModelInfo describes a model the remote service is known to serve.
type ModelInfo struct {
	// ID is the model identifier used in API calls
	ID string `json:"id"`

	// Name is the human-readable display name
	Name string `json:"name"`

	// Reasoning is true for models that emit a reasoning span before the reply
	Reasoning bool `json:"reasoning"`
}

const (
	// DefaultModelName is used when neither config nor session pick a model.
	DefaultModelName = "deepseek-ai/DeepSeek-R1-0528"

	// VerificationModelName is the judge model of the verification pass.
	VerificationModelName = "klusterai/verify-reliability"
)

// DefaultSystemPrompt is the prompt new conversations start with.
const DefaultSystemPrompt = `You are a versatile AI assistant named KlusterAI.
- Tone and style: stay friendly, professional and helpful. Answers should be clear and easy to follow.
- Accuracy: do your best to give accurate information. Say so when you are unsure.
- Safety: refuse anything involving dangerous, illegal, unethical or hateful content.
- Formatting: use Markdown (lists, code blocks, bold) where it improves readability.

Answer the user's question directly. If the question is unclear, ask for the detail you need.`

// =============================================================================
// MODEL CATALOG
// =============================================================================

// Catalog lists the models offered for selection, default first.
var Catalog = []ModelInfo{
	{ID: "deepseek-ai/DeepSeek-R1-0528", Name: "DeepSeek-R1-0528", Reasoning: true},
	{ID: "deepseek-ai/DeepSeek-V3-0324", Name: "DeepSeek-V3-0324"},
	{ID: "deepseek-ai/DeepSeek-R1", Name: "DeepSeek-R1", Reasoning: true},
	{ID: "Qwen/Qwen3-235B-A22B-FP8", Name: "Qwen3-235B-A22B", Reasoning: true},
	{ID: "Qwen/Qwen2.5-VL-7B-Instruct", Name: "Qwen2.5-VL 7B"},
	{ID: "google/gemma-3-27b-it", Name: "Gemma 3 27B"},
	{ID: "klusterai/Meta-Llama-3.1-8B-Instruct-Turbo", Name: "Meta Llama 3.1 8B"},
	{ID: "klusterai/Meta-Llama-3.3-70B-Instruct-Turbo", Name: "Meta Llama 3.3 70B"},
	{ID: "meta-llama/Llama-4-Maverick-17B-128E-Instruct-FP8", Name: "Meta Llama 4 Maverick"},
	{ID: "meta-llama/Llama-4-Scout-17B-16E-Instruct", Name: "Meta Llama 4 Scout"},
	{ID: "mistralai/Mistral-Nemo-Instruct-2407", Name: "Mistral NeMo"},
}

// LookupModel resolves a model by ID or display name, case-insensitively.
// Unknown names are returned as-is so custom model IDs still work.
func LookupModel(name string) (ModelInfo, bool) {
	name = strings.TrimSpace(name)
	for _, m := range Catalog {
		if strings.EqualFold(m.ID, name) || strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return ModelInfo{ID: name, Name: name}, false
}
