package gateway

import (
	"strings"

	"github.com/shopspring/decimal"

	"eventdesk/internal/config"
)

var oneMillion = decimal.NewFromInt(1_000_000)

// Price is USD per one million tokens.
type Price struct {
	InputPer1M  decimal.Decimal
	OutputPer1M decimal.Decimal
}

type Pricing map[string]Price

func PricingFromConfig(items map[string]config.PriceConfig) Pricing {
	out := make(Pricing, len(items))
	for model, p := range items {
		out[strings.ToLower(strings.TrimSpace(model))] = Price{
			InputPer1M:  decimal.NewFromFloat(p.InputPer1M),
			OutputPer1M: decimal.NewFromFloat(p.OutputPer1M),
		}
	}
	return out
}

// Cost prices a call. ok is false for models missing from the table, which
// cost zero.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) (decimal.Decimal, bool) {
	price, ok := p[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		return decimal.Zero, false
	}
	in := price.InputPer1M.Mul(decimal.NewFromInt(int64(inputTokens))).Div(oneMillion)
	out := price.OutputPer1M.Mul(decimal.NewFromInt(int64(outputTokens))).Div(oneMillion)
	return in.Add(out), true
}
