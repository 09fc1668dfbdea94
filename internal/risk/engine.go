package risk

import (
	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// Config defines the pre-acceptance risk limits.
type Config struct {
	MaxNotionalUSD decimal.Decimal `json:"maxNotionalUsd"`
	MaxSlippage    decimal.Decimal `json:"maxSlippage"`
	MinWindowMS    int64           `json:"minWindowMs"`
	MaxWindowMS    int64           `json:"maxWindowMs"`
	// RefPricesUSD maps asset symbols to a USD reference price used for
	// the notional check. Unlisted symbols are valued at 1.
	RefPricesUSD map[string]decimal.Decimal `json:"refPricesUsd"`
	// SupportedVenues limits what allowed_venues may name. Empty means
	// every venue is supported.
	SupportedVenues []string `json:"supportedVenues"`
}

// DefaultConfig returns the baseline limits.
func DefaultConfig() Config {
	return Config{
		MaxNotionalUSD: decimal.NewFromInt(10_000),
		MaxSlippage:    decimal.NewFromFloat(0.05),
		MinWindowMS:    1_000,
		MaxWindowMS:    3_600_000,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxNotionalUSD.IsZero() {
		c.MaxNotionalUSD = decimal.NewFromInt(10_000)
	}
	if c.MaxSlippage.IsZero() {
		c.MaxSlippage = decimal.NewFromFloat(0.05)
	}
	if c.MinWindowMS <= 0 {
		c.MinWindowMS = 1_000
	}
	if c.MaxWindowMS <= 0 {
		c.MaxWindowMS = 3_600_000
	}
	return c
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Approved bool
	Reason   schema.Reason
}

// Engine evaluates intents against static limits. Evaluation is pure;
// the only mutable input is the circuit breaker.
type Engine struct {
	cfg     Config
	breaker *CircuitBreaker
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config, breaker *CircuitBreaker) *Engine {
	return &Engine{cfg: cfg.withDefaults(), breaker: breaker}
}

// Evaluate applies the pre-chain checks to an intent.
func (e *Engine) Evaluate(intent schema.Intent) Decision {
	if e.breaker.IsTripped() {
		return deny(schema.ReasonKillSwitch)
	}

	window := intent.Constraints.TimeWindowMS
	if window < e.cfg.MinWindowMS || window > e.cfg.MaxWindowMS {
		return deny(schema.ReasonWindowOutOfRange)
	}

	if intent.Constraints.MaxSlippage.GreaterThan(e.cfg.MaxSlippage) {
		return deny(schema.ReasonSlippageLimit)
	}

	if e.notionalUSD(intent).GreaterThan(e.cfg.MaxNotionalUSD) {
		return deny(schema.ReasonNotionalLimit)
	}

	if !e.venuesSupported(intent.Constraints.AllowedVenues) {
		return deny(schema.ReasonUnsupportedVenue)
	}

	return Decision{Approved: true}
}

// notionalUSD values the intent's input amount. Acquires are funded in
// quote units, disposes in target units.
func (e *Engine) notionalUSD(intent schema.Intent) decimal.Decimal {
	denom := intent.Quote()
	if intent.IntentType == schema.IntentTypeDispose {
		denom = intent.Target()
	}
	price, ok := e.cfg.RefPricesUSD[denom.Symbol]
	if !ok {
		price = decimal.NewFromInt(1)
	}
	return intent.AmountIn.Mul(price)
}

func (e *Engine) venuesSupported(venues []string) bool {
	if len(venues) == 0 || len(e.cfg.SupportedVenues) == 0 {
		return true
	}
	for _, venue := range venues {
		found := false
		for _, supported := range e.cfg.SupportedVenues {
			if venue == supported {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func deny(reason schema.Reason) Decision {
	return Decision{Approved: false, Reason: reason}
}
