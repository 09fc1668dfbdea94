package planner

import (
	"context"
	stderrors "errors"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/schema"
	"main/internal/venue"
)

var (
	ErrNoRoute = errors.New("no route for pair")
)

// Route is the output of the external route optimizer.
type Route struct {
	AmountOut decimal.Decimal
	Path      []string
	PoolRef   string
}

// RouteFunc finds the best route spending amountIn of the quote asset
// for the base asset. Treated as a pure function of the pool snapshots.
type RouteFunc func(ctx context.Context, base, quote schema.Asset, amountIn decimal.Decimal) (Route, error)

// AdapterRoute builds a single-hop RouteFunc over a venue adapter's
// quotes.
func AdapterRoute(adapter venue.Adapter) RouteFunc {
	return func(ctx context.Context, base, quote schema.Asset, amountIn decimal.Decimal) (Route, error) {
		priced, err := adapter.PriceQuote(ctx, base, quote, amountIn)
		if err != nil {
			if stderrors.Is(err, venue.ErrQuoteUnavailable) {
				return Route{}, errors.Wrap(ErrNoRoute, base.Symbol+"/"+quote.Symbol)
			}
			return Route{}, err
		}
		return Route{
			AmountOut: priced.AmountOut,
			Path:      []string{quote.Address, base.Address},
			PoolRef:   priced.PoolRef,
		}, nil
	}
}

// classifyRouteErr maps a routing failure onto its surfaced reason.
func classifyRouteErr(err error) schema.Reason {
	switch {
	case stderrors.Is(err, ErrNoRoute):
		return schema.ReasonNoRoute
	case stderrors.Is(err, context.DeadlineExceeded):
		return schema.ReasonRouteTimeout
	default:
		return schema.ReasonRouteInternal
	}
}

// retryableRoute reports whether another attempt may succeed. A missing
// route is deterministic and never retried.
func retryableRoute(err error) bool {
	return !stderrors.Is(err, ErrNoRoute)
}
