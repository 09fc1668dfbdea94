package venue

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

// VenueUniswapV3 is the default venue identifier.
const VenueUniswapV3 = "uniswap_v3"

var bpsDenominator = decimal.NewFromInt(10_000)

// PoolConfig describes one pool the adapter may quote against.
// Reserves are human-unit decimals.
type PoolConfig struct {
	Address  string          `json:"address"`
	TokenA   string          `json:"tokenA"`
	TokenB   string          `json:"tokenB"`
	ReserveA decimal.Decimal `json:"reserveA"`
	ReserveB decimal.Decimal `json:"reserveB"`
	FeeBPS   int64           `json:"feeBps"`
}

// Config configures the uniswap_v3 adapter.
type Config struct {
	ChainID      uint64        `json:"chainId"`
	Pools        []PoolConfig  `json:"pools"`
	PollInterval time.Duration `json:"pollInterval"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// UniswapV3 quotes swaps from configured pool snapshots and drives the
// transaction lifecycle through a ChainClient.
type UniswapV3 struct {
	cfg   Config
	chain ChainClient
}

// NewUniswapV3 creates the adapter.
func NewUniswapV3(cfg Config, chain ChainClient) *UniswapV3 {
	return &UniswapV3{cfg: cfg.withDefaults(), chain: chain}
}

// Name returns the venue identifier.
func (a *UniswapV3) Name() string {
	return VenueUniswapV3
}

// PriceQuote prices a swap spending amountIn of the quote asset for the
// base asset, constant-product with the pool fee taken on input.
func (a *UniswapV3) PriceQuote(_ context.Context, base, quote schema.Asset, amountIn decimal.Decimal) (Quote, error) {
	pool, reserveIn, reserveOut, ok := a.findPool(quote, base)
	if !ok {
		return Quote{}, errors.Wrap(ErrQuoteUnavailable, base.Symbol+"/"+quote.Symbol)
	}
	if amountIn.Sign() <= 0 {
		return Quote{}, errors.New("amount in must be positive")
	}

	inWithFee := amountIn.Mul(bpsDenominator.Sub(decimal.NewFromInt(pool.FeeBPS))).DivRound(bpsDenominator, quote.Decimals+8)
	amountOut := reserveOut.Mul(inWithFee).DivRound(reserveIn.Add(inWithFee), base.Decimals+8).Truncate(base.Decimals)

	return Quote{
		AmountOut: amountOut,
		PoolRef:   pool.Address,
		FeeBPS:    pool.FeeBPS,
	}, nil
}

// BuildSwapTx assembles a swap with the given deadline. The nonce is
// left unset; SubmitTx derives a fresh one per submission.
func (a *UniswapV3) BuildSwapTx(ctx context.Context, base, quote schema.Asset, amountIn, minOut decimal.Decimal, recipient string, deadline time.Time) (BuiltTx, error) {
	if _, _, _, ok := a.findPool(quote, base); !ok {
		return BuiltTx{}, errors.Wrap(ErrQuoteUnavailable, base.Symbol+"/"+quote.Symbol)
	}
	if recipient == "" {
		return BuiltTx{}, errors.New("recipient is empty")
	}
	if !deadline.After(time.Now()) {
		return BuiltTx{}, errors.New("deadline already passed")
	}
	return BuiltTx{
		Venue:     VenueUniswapV3,
		Base:      base,
		Quote:     quote,
		AmountIn:  amountIn,
		MinOut:    minOut,
		Recipient: recipient,
		Deadline:  deadline,
		Calldata:  swapCalldata(base, quote, deadline),
	}, nil
}

// SubmitTx broadcasts the tx with a fresh nonce. Not idempotent: every
// call is a distinct submission.
func (a *UniswapV3) SubmitTx(ctx context.Context, tx BuiltTx) (string, error) {
	nonce, err := a.chain.PendingNonce(ctx, tx.Recipient)
	if err != nil {
		return "", Transient(errors.Wrap(err, "pending nonce"))
	}
	tx.Nonce = nonce
	hash, err := a.chain.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	return hash, nil
}

// WaitReceipt polls for the receipt until it is mined or the timeout
// elapses.
func (a *UniswapV3) WaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, mined, err := a.chain.TransactionReceipt(ctx, txHash)
		if err != nil {
			return Receipt{}, errors.Wrap(err, "transaction receipt")
		}
		if mined {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-deadline.C:
			return Receipt{}, Transient(errors.Wrap(ErrReceiptTimeout, txHash))
		case <-ticker.C:
		}
	}
}

// findPool locates a pool holding both assets and orients its reserves
// as (in, out) for spending tokenIn.
func (a *UniswapV3) findPool(tokenIn, tokenOut schema.Asset) (PoolConfig, decimal.Decimal, decimal.Decimal, bool) {
	for _, pool := range a.cfg.Pools {
		if matchesToken(pool.TokenA, tokenIn) && matchesToken(pool.TokenB, tokenOut) {
			return pool, pool.ReserveA, pool.ReserveB, true
		}
		if matchesToken(pool.TokenB, tokenIn) && matchesToken(pool.TokenA, tokenOut) {
			return pool, pool.ReserveB, pool.ReserveA, true
		}
	}
	return PoolConfig{}, decimal.Decimal{}, decimal.Decimal{}, false
}

func matchesToken(configured string, asset schema.Asset) bool {
	return strings.EqualFold(configured, asset.Address) || strings.EqualFold(configured, asset.Symbol)
}

// swapCalldata packs an opaque stand-in for the router call. Real ABI
// encoding lives outside the core.
func swapCalldata(base, quote schema.Asset, deadline time.Time) []byte {
	out := make([]byte, 0, 4+len(base.Address)+len(quote.Address)+8)
	out = append(out, 0x04, 0xe4, 0x5a, 0xaf)
	out = append(out, []byte(quote.Address)...)
	out = append(out, []byte(base.Address)...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(deadline.Unix()))
	return append(out, ts[:]...)
}
