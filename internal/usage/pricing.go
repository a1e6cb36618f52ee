package usage

import (
	"context"
	"time"
)

// Pricing holds per-one-million-token rates in minor currency units (cents).
type Pricing struct {
	Model         string    `json:"model_name"`
	EffectiveFrom time.Time `json:"effective_from"`
	InputText     int64     `json:"input_text_price_per_1m"`
	InputAudio    int64     `json:"input_audio_price_per_1m"`
	OutputText    int64     `json:"output_text_price_per_1m"`
	OutputAudio   int64     `json:"output_audio_price_per_1m"`
	CachedInput   int64     `json:"cached_input_price_per_1m"`
}

const (
	ModelRealtime     = "gpt-4o-realtime-preview-2024-12-17"
	ModelRealtimeMini = "gpt-4o-mini-realtime-preview-2024-12-17"
)

var defaultPricing = map[string]Pricing{
	ModelRealtime: {
		Model:       ModelRealtime,
		InputText:   500,
		InputAudio:  10000,
		OutputText:  2000,
		OutputAudio: 20000,
		CachedInput: 250,
	},
	ModelRealtimeMini: {
		Model:       ModelRealtimeMini,
		InputText:   15,
		InputAudio:  1000,
		OutputText:  60,
		OutputAudio: 6000,
		CachedInput: 75,
	},
}

// DefaultPricing returns the built-in rates for model. Unknown models get
// the full realtime model's rates.
func DefaultPricing(model string) Pricing {
	if p, ok := defaultPricing[model]; ok {
		return p
	}
	p := defaultPricing[ModelRealtime]
	p.Model = model
	return p
}

// DefaultPricingTable lists the built-in rates.
func DefaultPricingTable() []Pricing {
	return []Pricing{defaultPricing[ModelRealtime], defaultPricing[ModelRealtimeMini]}
}

// PricingSource looks up the rates in effect for model at a point in time.
type PricingSource interface {
	LookupPricing(ctx context.Context, model string, at time.Time) (Pricing, error)
}
