// ABOUTME: Default per-user settings preset applied at registration
// ABOUTME: Generation parameters the inference engine reads for every exchange

package store

import (
	"encoding/json"
	"fmt"
)

// Settings keys understood by the inference engines
const (
	SettingTemperature       = "temp"
	SettingTopK              = "top_k"
	SettingRepetitionPenalty = "rep_penalty"
	SettingMaxNewTokens      = "new_tokens"
)

// DefaultSettings returns a fresh copy of the preset every new user starts with.
func DefaultSettings() map[string]any {
	return map[string]any{
		SettingTemperature:       1.0,
		SettingTopK:              50,
		SettingRepetitionPenalty: 1.2,
		SettingMaxNewTokens:      512,
	}
}

func encodeSettings(settings map[string]any) (string, error) {
	if settings == nil {
		settings = map[string]any{}
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("encoding settings: %w", err)
	}
	return string(b), nil
}

func decodeJSONObject(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding json column: %w", err)
	}
	return out, nil
}
