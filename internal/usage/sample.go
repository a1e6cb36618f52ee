// Package usage turns per-turn token usage reported by the speech service
// into costs, running session totals and persisted accounting records.
package usage

import (
	"encoding/json"
	"math"
	"strconv"
)

// Sample is the token usage of one completed response.
type Sample struct {
	TotalTokens       int64 `json:"total_tokens"`
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	InputTextTokens   int64 `json:"input_text_tokens"`
	InputAudioTokens  int64 `json:"input_audio_tokens"`
	InputCachedTokens int64 `json:"input_cached_tokens"`
	OutputTextTokens  int64 `json:"output_text_tokens"`
	OutputAudioTokens int64 `json:"output_audio_tokens"`
	CachedTextTokens  int64 `json:"cached_text_tokens"`
	CachedAudioTokens int64 `json:"cached_audio_tokens"`
}

// ParseUsage extracts token counts from a response payload. It accepts
// either the usage object itself or any object wrapping it under "usage".
// Missing, null or malformed fields count as zero; it never fails.
func ParseUsage(raw json.RawMessage) Sample {
	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil || root == nil {
		return Sample{}
	}
	u := root
	if nested, ok := root["usage"].(map[string]interface{}); ok {
		u = nested
	}

	in := asMap(u["input_token_details"])
	out := asMap(u["output_token_details"])
	cached := asMap(in["cached_tokens_details"])

	return Sample{
		TotalTokens:       asInt64(u["total_tokens"]),
		InputTokens:       asInt64(u["input_tokens"]),
		OutputTokens:      asInt64(u["output_tokens"]),
		InputTextTokens:   asInt64(in["text_tokens"]),
		InputAudioTokens:  asInt64(in["audio_tokens"]),
		InputCachedTokens: asInt64(in["cached_tokens"]),
		OutputTextTokens:  asInt64(out["text_tokens"]),
		OutputAudioTokens: asInt64(out["audio_tokens"]),
		CachedTextTokens:  asInt64(cached["text_tokens"]),
		CachedAudioTokens: asInt64(cached["audio_tokens"]),
	}
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asInt64(v interface{}) int64 {
	switch typed := v.(type) {
	case float64:
		if typed < 0 || math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0
		}
		return int64(typed)
	case string:
		n, err := strconv.ParseInt(typed, 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return n
	default:
		return 0
	}
}
