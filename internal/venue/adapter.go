package venue

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrQuoteUnavailable = errors.New("no pool for pair")
	ErrNonceConflict    = errors.New("nonce already used")
	ErrReceiptTimeout   = errors.New("receipt not observed before timeout")
	ErrUnknownTx        = errors.New("unknown tx hash")
)

// Quote is a venue's priced view of a swap.
type Quote struct {
	AmountOut decimal.Decimal
	PoolRef   string
	FeeBPS    int64
}

// BuiltTx is a swap transaction ready for submission. Each build derives
// a fresh deadline; each submit carries a fresh nonce.
type BuiltTx struct {
	Venue     string
	Base      schema.Asset
	Quote     schema.Asset
	AmountIn  decimal.Decimal
	MinOut    decimal.Decimal
	Recipient string
	Deadline  time.Time
	Nonce     uint64
	Calldata  []byte
}

// ReceiptStatus is the terminal chain outcome of a submitted tx.
type ReceiptStatus uint8

const (
	ReceiptUnknown ReceiptStatus = iota
	ReceiptSuccess
	ReceiptReverted
)

// Receipt reports the mined outcome of a transaction.
type Receipt struct {
	TxHash      string
	Status      ReceiptStatus
	AmountOut   decimal.Decimal
	GasUsed     uint64
	BlockNumber uint64
}

// Adapter drives the quote/build/submit/await lifecycle against one
// venue. Implementations are safe for concurrent use. SubmitTx is not
// idempotent at the wire level; callers must not double-submit.
type Adapter interface {
	Name() string
	PriceQuote(ctx context.Context, base, quote schema.Asset, amountIn decimal.Decimal) (Quote, error)
	BuildSwapTx(ctx context.Context, base, quote schema.Asset, amountIn, minOut decimal.Decimal, recipient string, deadline time.Time) (BuiltTx, error)
	SubmitTx(ctx context.Context, tx BuiltTx) (string, error)
	WaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error)
}

// transientError marks a failure eligible for bounded retry.
type transientError struct {
	err error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func (e transientError) Unwrap() error {
	return e.err
}

// Transient wraps an error as retryable: RPC timeouts, nonce conflicts
// and other failures a fresh submission may clear.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether the error is eligible for retry.
func IsTransient(err error) bool {
	var t transientError
	return stderrors.As(err, &t)
}
