// Package chainsource defines the boundary to the trusted upstream full
// node. The concrete transport (RPC, P2P) lives outside this repository; the
// package provides the interface the sync pipeline consumes, an exponential
// backoff wrapper for transient connectivity failures, and an in-memory
// harness for tests.
package chainsource

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrBlockNotFound is returned when the node doesn't know the requested
// block.
var ErrBlockNotFound = errors.New("block not found")

// Tip identifies the node's current best block.
type Tip struct {
	Height uint32
	Hash   chainhash.Hash
}

// MempoolTx is one unconfirmed transaction together with the node-supplied
// fee information needed for the fee histogram.
type MempoolTx struct {
	// Tx is the parsed transaction.
	Tx *wire.MsgTx

	// Fee is the transaction fee in satoshis.
	Fee int64

	// VSize is the virtual size in vbytes.
	VSize int64
}

// ChainSource is the interface the sync scheduler pulls chain data through.
// All calls may fail with a transient connectivity error; callers are
// expected to retry with backoff (see Retrier) and must not advance state
// until the call succeeds.
type ChainSource interface {
	// GetTip returns the node's current best height and hash.
	GetTip(ctx context.Context) (*Tip, error)

	// GetHeaders returns up to max consecutive headers of the node's
	// canonical chain, starting at the given height.
	GetHeaders(ctx context.Context, start uint32,
		max int) ([]wire.BlockHeader, error)

	// GetBlock fetches a full block with its ordered transaction list.
	GetBlock(ctx context.Context,
		hash *chainhash.Hash) (*wire.MsgBlock, error)

	// GetMempool returns the node's complete current set of unconfirmed
	// transactions.
	GetMempool(ctx context.Context) ([]*MempoolTx, error)

	// EstimateFee asks the node for a fee estimate, in BTC/kvB, to
	// confirm within target blocks.
	EstimateFee(ctx context.Context, target int64) (float64, error)

	// RelayFee returns the node's minimum relay fee, in BTC/kvB.
	RelayFee(ctx context.Context) (float64, error)

	// Broadcast submits a raw transaction to the node for relay.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
}
