package usage

// Costs are expressed in thousandths of a minor currency unit (millicents
// when rates are in cents), so that a 1000-token turn at 500 cents/1M
// tokens costs 500 rather than rounding to zero.
const CostScale = 1000

// CostUnit names the unit of every cost field in results and summaries.
const CostUnit = "millicents"

const tokensPerRate = 1_000_000

// Costs is the per-class cost of one sample. Each class is rounded on its
// own; the aggregates are sums of the rounded classes.
type Costs struct {
	InputTextCost   int64 `json:"input_text_cost"`
	InputAudioCost  int64 `json:"input_audio_cost"`
	OutputTextCost  int64 `json:"output_text_cost"`
	OutputAudioCost int64 `json:"output_audio_cost"`
	CachedCost      int64 `json:"cached_cost"`

	InputCost  int64 `json:"input_cost"`
	OutputCost int64 `json:"output_cost"`
	TotalCost  int64 `json:"total_cost"`
}

// ComputeCost prices a sample. Integer arithmetic only.
func ComputeCost(s Sample, p Pricing) Costs {
	c := Costs{
		InputTextCost:   classCost(s.InputTextTokens, p.InputText),
		InputAudioCost:  classCost(s.InputAudioTokens, p.InputAudio),
		OutputTextCost:  classCost(s.OutputTextTokens, p.OutputText),
		OutputAudioCost: classCost(s.OutputAudioTokens, p.OutputAudio),
		CachedCost:      classCost(s.InputCachedTokens, p.CachedInput),
	}
	c.InputCost = c.InputTextCost + c.InputAudioCost
	c.OutputCost = c.OutputTextCost + c.OutputAudioCost
	c.TotalCost = c.InputCost + c.OutputCost + c.CachedCost
	return c
}

// classCost is round-half-up(tokens * rate * CostScale / 1e6).
func classCost(tokens, ratePer1M int64) int64 {
	if tokens <= 0 || ratePer1M <= 0 {
		return 0
	}
	const div = tokensPerRate / CostScale
	return (tokens*ratePer1M + div/2) / div
}

// MinorUnits converts a scaled cost to whole minor units (cents), rounding
// half up.
func MinorUnits(cost int64) int64 {
	return (cost + CostScale/2) / CostScale
}
