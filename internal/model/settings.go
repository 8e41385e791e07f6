// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "fmt"

// ModelSettings are the sampling parameters sent with a request.
// It is a value type: two settings are equal when their fields are equal.
type ModelSettings struct {
	Temperature      float64 `json:"temperature" toml:"temperature"`
	FrequencyPenalty float64 `json:"frequencyPenalty" toml:"frequency_penalty"`
	TopP             float64 `json:"topP" toml:"top_p"`
}

// DefaultModelSettings is the canonical default instance.
var DefaultModelSettings = ModelSettings{
	Temperature:      0.7,
	FrequencyPenalty: 0.0,
	TopP:             1.0,
}

// NeutralModelSettings are used for requests whose output must be as
// deterministic as the remote service allows.
var NeutralModelSettings = ModelSettings{
	Temperature:      0.0,
	FrequencyPenalty: 0.0,
	TopP:             1.0,
}

// IsDefault reports whether s equals DefaultModelSettings.
func (s ModelSettings) IsDefault() bool {
	return s == DefaultModelSettings
}

// Validate checks that every parameter is inside the range the remote
// service accepts.
func (s ModelSettings) Validate() error {
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0, 2]", s.Temperature)
	}
	if s.FrequencyPenalty < -2 || s.FrequencyPenalty > 2 {
		return fmt.Errorf("frequency penalty %.2f out of range [-2, 2]", s.FrequencyPenalty)
	}
	if s.TopP <= 0 || s.TopP > 1 {
		return fmt.Errorf("top_p %.2f out of range (0, 1]", s.TopP)
	}
	return nil
}

// String formats the settings for status output.
func (s ModelSettings) String() string {
	return fmt.Sprintf("temperature=%.2f frequency_penalty=%.2f top_p=%.2f",
		s.Temperature, s.FrequencyPenalty, s.TopP)
}
