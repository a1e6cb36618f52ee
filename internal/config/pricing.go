package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// PricingFile is a TOML pricing seed:
//
//	[models."gpt-4o-realtime-preview-2024-12-17"]
//	effective_from = "2024-12-17"
//	input_text = 500
//	...
//
// Rates are minor currency units (cents) per one million tokens.
type PricingFile struct {
	Models map[string]ModelPricing `toml:"models"`
}

type ModelPricing struct {
	EffectiveFrom string `toml:"effective_from"`
	InputText     int64  `toml:"input_text"`
	InputAudio    int64  `toml:"input_audio"`
	OutputText    int64  `toml:"output_text"`
	OutputAudio   int64  `toml:"output_audio"`
	Cached        int64  `toml:"cached"`
}

// EffectiveDate parses EffectiveFrom; empty means the zero time.
func (m ModelPricing) EffectiveDate() (time.Time, error) {
	if m.EffectiveFrom == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", m.EffectiveFrom)
}

// LoadPricingFile decodes and validates a pricing seed file.
func LoadPricingFile(path string) (*PricingFile, error) {
	var pf PricingFile
	md, err := toml.DecodeFile(path, &pf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("validation error: unknown pricing key %q", undecoded[0].String())
	}
	if len(pf.Models) == 0 {
		return nil, fmt.Errorf("validation error: pricing file defines no models")
	}
	for name, m := range pf.Models {
		if m.InputText < 0 || m.InputAudio < 0 || m.OutputText < 0 || m.OutputAudio < 0 || m.Cached < 0 {
			return nil, fmt.Errorf("validation error: models.%s rates must be >= 0", name)
		}
		if _, err := m.EffectiveDate(); err != nil {
			return nil, fmt.Errorf("validation error: models.%s.effective_from must be YYYY-MM-DD: %w", name, err)
		}
	}
	return &pf, nil
}
