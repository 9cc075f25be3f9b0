package agent

import "strings"

// promptOverheadTokens pads the estimate for system preamble the CLI
// sends on every call.
const promptOverheadTokens = 500

// outputRatio and outputPriceFactor model completion volume relative to
// the prompt and the provider's output premium.
const (
	outputRatio       = 0.5
	outputPriceFactor = 5.0
)

// modelPricing maps a model name prefix to input cost in USD per million
// tokens. Longest prefix wins.
var modelPricing = []struct {
	prefix string
	usd    float64
}{
	{"claude-opus", 15.0},
	{"claude-sonnet", 3.0},
	{"claude-haiku", 0.25},
	{"opus", 15.0},
	{"sonnet", 3.0},
	{"haiku", 0.25},
}

const defaultInputUSDPerMTok = 3.0

// modelAliases expands the short names accepted in configuration to the
// identifiers the CLI expects.
var modelAliases = map[string]string{
	"opus":   "claude-opus-4-1",
	"sonnet": "claude-sonnet-4-5",
	"haiku":  "claude-haiku-4-5",
}

// ResolveModel expands a configured alias, passing full names through.
func ResolveModel(name string) string {
	if full, ok := modelAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return full
	}
	return name
}

// EstimateCost predicts the dollar cost of one invocation before it is
// dispatched, so the budget gate can refuse work the trailing-hour limit
// cannot absorb. Tokens are approximated at four characters each.
func EstimateCost(prompt, model string) float64 {
	inputTokens := float64(len(prompt))/4 + promptOverheadTokens
	outputTokens := inputTokens * outputRatio

	inputUSD := inputPrice(model)
	outputUSD := inputUSD * outputPriceFactor

	return (inputTokens*inputUSD + outputTokens*outputUSD) / 1e6
}

func inputPrice(model string) float64 {
	name := strings.ToLower(ResolveModel(model))
	for _, p := range modelPricing {
		if strings.HasPrefix(name, p.prefix) {
			return p.usd
		}
	}
	return defaultInputUSDPerMTok
}
