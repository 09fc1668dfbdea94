package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"main/internal/schema"
)

func acquireIntent(amountIn, maxSlippage string, windowMS int64) schema.Intent {
	return schema.Intent{
		IntentID:   schema.NewID(),
		IntentType: schema.IntentTypeAcquire,
		Assets: [2]schema.Asset{
			{Symbol: "WETH", ChainID: 1, Decimals: 18},
			{Symbol: "USDC", ChainID: 1, Decimals: 6},
		},
		AmountIn: decimal.RequireFromString(amountIn),
		Constraints: schema.Constraints{
			MaxSlippage:    decimal.RequireFromString(maxSlippage),
			TimeWindowMS:   windowMS,
			ExecutionStyle: schema.ExecutionStyleAdaptive,
		},
	}
}

func TestEvaluate(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	tests := []struct {
		name   string
		intent schema.Intent
		reason schema.Reason
	}{
		{"approved", acquireIntent("1000.00", "0.01", 300_000), schema.ReasonNone},
		{"notional limit", acquireIntent("10000.01", "0.01", 300_000), schema.ReasonNotionalLimit},
		{"slippage limit", acquireIntent("1000.00", "0.1", 300_000), schema.ReasonSlippageLimit},
		{"window too short", acquireIntent("1000.00", "0.01", 500), schema.ReasonWindowOutOfRange},
		{"window too long", acquireIntent("1000.00", "0.01", 4_000_000), schema.ReasonWindowOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := engine.Evaluate(tt.intent)
			assert.Equal(t, tt.reason == schema.ReasonNone, decision.Approved)
			assert.Equal(t, tt.reason, decision.Reason)
		})
	}
}

func TestEvaluateNotionalUsesReferencePrice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefPricesUSD = map[string]decimal.Decimal{"WETH": decimal.NewFromInt(3000)}
	engine := NewEngine(cfg, nil)

	dispose := acquireIntent("4", "0.01", 300_000)
	dispose.IntentType = schema.IntentTypeDispose

	decision := engine.Evaluate(dispose)
	assert.False(t, decision.Approved)
	assert.Equal(t, schema.ReasonNotionalLimit, decision.Reason)

	dispose.AmountIn = decimal.RequireFromString("3")
	assert.True(t, engine.Evaluate(dispose).Approved)
}

func TestEvaluateVenueAllowList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SupportedVenues = []string{"uniswap_v3"}
	engine := NewEngine(cfg, nil)

	intent := acquireIntent("1000.00", "0.01", 300_000)
	intent.Constraints.AllowedVenues = []string{"sushiswap"}
	decision := engine.Evaluate(intent)
	assert.False(t, decision.Approved)
	assert.Equal(t, schema.ReasonUnsupportedVenue, decision.Reason)

	intent.Constraints.AllowedVenues = []string{"uniswap_v3"}
	assert.True(t, engine.Evaluate(intent).Approved)
}

func TestEvaluateCircuitBreaker(t *testing.T) {
	breaker := NewCircuitBreaker()
	engine := NewEngine(DefaultConfig(), breaker)
	intent := acquireIntent("1000.00", "0.01", 300_000)

	assert.True(t, engine.Evaluate(intent).Approved)

	breaker.Trip()
	decision := engine.Evaluate(intent)
	assert.False(t, decision.Approved)
	assert.Equal(t, schema.ReasonKillSwitch, decision.Reason)

	breaker.Reset()
	assert.True(t, engine.Evaluate(intent).Approved)
}
