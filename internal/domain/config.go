package domain

// Pricing converts token usage into sats.
type Pricing struct {
	MinPriceSats     int64 `json:"min_price_sats" yaml:"min_price_sats"`
	PricePer1kTokens int64 `json:"price_per_1k_tokens" yaml:"price_per_1k_tokens"`
}

// ModelParams are the default generation parameters of the service.
type ModelParams struct {
	Model            string  `json:"model" yaml:"model"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature      float64 `json:"temperature" yaml:"temperature"`
	TopK             int     `json:"top_k" yaml:"top_k"`
	TopP             float64 `json:"top_p" yaml:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty" yaml:"frequency_penalty"`
}

// EffectiveConfig is one consistent snapshot of the operating settings.
// It is resolved per job and per loop start, never cached by callers.
type EffectiveConfig struct {
	IdentityPrivateKeyHex string      `json:"-"`
	IdentityPublicKeyHex  string      `json:"identity_public_key"`
	Relays                []string    `json:"relays"`
	SupportedKinds        []int       `json:"supported_kinds"`
	Pricing               Pricing     `json:"pricing"`
	ModelParams           ModelParams `json:"model_params"`
	FailExpiredInvoices   bool        `json:"fail_expired_invoices"`
}

func (c EffectiveConfig) SupportsKind(kind int) bool {
	for _, supported := range c.SupportedKinds {
		if supported == kind {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with the receiver.
func (c EffectiveConfig) Clone() EffectiveConfig {
	clone := c
	clone.Relays = append([]string(nil), c.Relays...)
	clone.SupportedKinds = append([]int(nil), c.SupportedKinds...)
	return clone
}
