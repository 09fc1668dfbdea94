package venue

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// ChainClient abstracts the RPC surface the adapter needs. The real ABI
// encoding and node transport live behind this seam.
type ChainClient interface {
	PendingNonce(ctx context.Context, account string) (uint64, error)
	SendTransaction(ctx context.Context, tx BuiltTx) (string, error)
	TransactionReceipt(ctx context.Context, txHash string) (Receipt, bool, error)
}

// SimChain is an in-memory chain used for local runs and tests. It
// mines submitted transactions after a fixed delay and enforces nonce
// uniqueness per account the way a real node would.
type SimChain struct {
	mineDelay time.Duration
	// fill computes the executed output for a tx; defaults to MinOut.
	fill func(tx BuiltTx) (decimal.Decimal, bool)

	mu     sync.Mutex
	nonces map[string]uint64
	used   map[string]map[uint64]struct{}
	txs    map[string]simTx
	block  uint64
}

type simTx struct {
	tx      BuiltTx
	minedAt time.Time
}

// NewSimChain creates a simulated chain.
func NewSimChain(mineDelay time.Duration, fill func(tx BuiltTx) (decimal.Decimal, bool)) *SimChain {
	return &SimChain{
		mineDelay: mineDelay,
		fill:      fill,
		nonces:    make(map[string]uint64),
		used:      make(map[string]map[uint64]struct{}),
		txs:       make(map[string]simTx),
	}
}

// PendingNonce returns the next unused nonce for the account.
func (c *SimChain) PendingNonce(_ context.Context, account string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := c.nonces[account]
	c.nonces[account] = nonce + 1
	return nonce, nil
}

// SendTransaction accepts a built tx for mining. Reusing a nonce fails
// with a transient nonce conflict.
func (c *SimChain) SendTransaction(_ context.Context, tx BuiltTx) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	used, ok := c.used[tx.Recipient]
	if !ok {
		used = make(map[uint64]struct{})
		c.used[tx.Recipient] = used
	}
	if _, dup := used[tx.Nonce]; dup {
		return "", Transient(errors.Wrap(ErrNonceConflict, "send transaction"))
	}
	used[tx.Nonce] = struct{}{}

	hash := txHash(tx)
	c.txs[hash] = simTx{tx: tx, minedAt: time.Now().Add(c.mineDelay)}
	return hash, nil
}

// TransactionReceipt reports the mined outcome, or false while pending.
func (c *SimChain) TransactionReceipt(_ context.Context, hash string) (Receipt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.txs[hash]
	if !ok {
		return Receipt{}, false, errors.Wrap(ErrUnknownTx, hash)
	}
	if time.Now().Before(entry.minedAt) {
		return Receipt{}, false, nil
	}

	c.block++
	receipt := Receipt{
		TxHash:      hash,
		GasUsed:     120_000,
		BlockNumber: c.block,
	}
	amountOut := entry.tx.MinOut
	okFill := true
	if c.fill != nil {
		amountOut, okFill = c.fill(entry.tx)
	}
	if !okFill || amountOut.LessThan(entry.tx.MinOut) {
		receipt.Status = ReceiptReverted
		return receipt, true, nil
	}
	receipt.Status = ReceiptSuccess
	receipt.AmountOut = amountOut
	return receipt, true, nil
}

func txHash(tx BuiltTx) string {
	h := fnv.New64a()
	h.Write([]byte(tx.Recipient))
	h.Write([]byte(tx.Base.Address))
	h.Write([]byte(tx.Quote.Address))
	h.Write([]byte(tx.AmountIn.String()))
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], tx.Nonce)
	h.Write(nonce[:])
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], h.Sum64())
	return "0x" + hex.EncodeToString(out[:])
}
