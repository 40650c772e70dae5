package budget

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Extract   ExtractRate          `yaml:"extract" mapstructure:"extract"`
	Entities  EntitiesRate         `yaml:"entities" mapstructure:"entities"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ExtractRate holds extraction-engine pricing.
type ExtractRate struct {
	PerPage float64 `yaml:"per_page" mapstructure:"per_page"`
}

// EntitiesRate holds entity-engine pricing.
type EntitiesRate struct {
	PerDocument float64 `yaml:"per_document" mapstructure:"per_document"`
}

// Calculator computes costs for analysis-service usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Extraction computes the cost of extracting the given number of pages.
func (c *Calculator) Extraction(pages int) float64 {
	if pages < 1 {
		pages = 1
	}
	return float64(pages) * c.rates.Extract.PerPage
}

// Entities returns the flat cost of one entity-analysis pass.
func (c *Calculator) Entities() float64 {
	return c.rates.Entities.PerDocument
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Extract:  ExtractRate{PerPage: 0.001},
		Entities: EntitiesRate{PerDocument: 0.002},
	}
}
