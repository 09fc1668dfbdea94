package intent

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var ErrValidation = errors.New("intent validation failed")

// maxAmountIn bounds submissions to a sane magnitude.
var maxAmountIn = decimal.New(1, 15)

// Submission is a client's declarative trading goal before acceptance.
// The manager mints the intent id.
type Submission struct {
	IntentType  schema.IntentType  `json:"intent_type"`
	Assets      [2]schema.Asset    `json:"assets"`
	AmountIn    decimal.Decimal    `json:"amount_in"`
	Constraints schema.Constraints `json:"constraints"`
}

// Validate checks the submission's schema and constraint bounds. It
// returns every violation found, empty when the submission is sound.
func Validate(sub Submission) []string {
	var faults []string

	switch sub.IntentType {
	case schema.IntentTypeAcquire, schema.IntentTypeDispose:
	default:
		faults = append(faults, "intent_type must be acquire or dispose")
	}

	for i, asset := range sub.Assets {
		name := [2]string{"target", "quote"}[i]
		if asset.Symbol == "" {
			faults = append(faults, name+" asset symbol is empty")
		}
		if asset.Address == "" {
			faults = append(faults, name+" asset address is empty")
		}
		if asset.Decimals < 0 || asset.Decimals > 30 {
			faults = append(faults, name+" asset decimals out of range")
		}
		if asset.ChainID == 0 {
			faults = append(faults, name+" asset chain id is zero")
		}
	}
	if sub.Assets[0].ChainID != sub.Assets[1].ChainID {
		faults = append(faults, "assets are on different chains")
	}

	if sub.AmountIn.Sign() <= 0 {
		faults = append(faults, "amount_in must be positive")
	} else if sub.AmountIn.GreaterThan(maxAmountIn) {
		faults = append(faults, "amount_in exceeds the supported bound")
	}

	slippage := sub.Constraints.MaxSlippage
	if slippage.Sign() <= 0 || slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		faults = append(faults, "max_slippage must be in (0, 1)")
	}
	if sub.Constraints.TimeWindowMS <= 0 {
		faults = append(faults, "time_window_ms must be positive")
	}
	switch sub.Constraints.ExecutionStyle {
	case schema.ExecutionStyleAggressive, schema.ExecutionStylePassive, schema.ExecutionStyleAdaptive:
	default:
		faults = append(faults, "execution_style must be aggressive, passive or adaptive")
	}

	return faults
}

func validationErr(faults []string) error {
	return errors.Wrap(ErrValidation, strings.Join(faults, "; "))
}
