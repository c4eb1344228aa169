package dvm

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/iago/llm-dvm/internal/domain"
)

// PriceSats returns max(minPriceSats, ceil(totalTokens/1000 * pricePer1kTokens)).
func PriceSats(totalTokens int, pricing domain.Pricing) int64 {
	if totalTokens < 0 {
		totalTokens = 0
	}
	perToken := pricing.PricePer1kTokens
	if perToken < 0 {
		perToken = 0
	}
	usage := (int64(totalTokens)*perToken + 999) / 1000
	if usage < pricing.MinPriceSats {
		return pricing.MinPriceSats
	}
	return usage
}

// EstimateTokens approximates token usage as ceil(characters / 4).
func EstimateTokens(text string) int {
	characters := utf8.RuneCountInString(text)
	return (characters + 3) / 4
}

// ResolveModelParams applies per-request params over the configured defaults.
// Unparseable values are ignored.
func ResolveModelParams(params map[string]string, defaults domain.ModelParams) domain.ModelParams {
	resolved := defaults
	if model := strings.TrimSpace(params["model"]); model != "" {
		resolved.Model = model
	}
	if value, err := strconv.Atoi(strings.TrimSpace(params["max_tokens"])); err == nil && value > 0 {
		resolved.MaxTokens = value
	}
	if value, err := strconv.ParseFloat(strings.TrimSpace(params["temperature"]), 64); err == nil && value >= 0 {
		resolved.Temperature = value
	}
	if value, err := strconv.Atoi(strings.TrimSpace(params["top_k"])); err == nil && value > 0 {
		resolved.TopK = value
	}
	if value, err := strconv.ParseFloat(strings.TrimSpace(params["top_p"]), 64); err == nil && value > 0 && value <= 1 {
		resolved.TopP = value
	}
	if value, err := strconv.ParseFloat(strings.TrimSpace(params["frequency_penalty"]), 64); err == nil {
		resolved.FrequencyPenalty = value
	}
	return resolved
}
