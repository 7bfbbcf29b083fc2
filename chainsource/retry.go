package chainsource

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
)

// Retrier wraps a ChainSource with exponential backoff. Transient
// connectivity errors are retried until the call succeeds or the context is
// cancelled; they never bubble up to the sync scheduler as failures.
type Retrier struct {
	src ChainSource

	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewRetrier wraps src. initialInterval and maxInterval bound the backoff
// schedule; zero values fall back to the backoff package defaults.
func NewRetrier(src ChainSource, initialInterval,
	maxInterval time.Duration) *Retrier {

	return &Retrier{
		src:             src,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
	}
}

// retry runs op until it succeeds, the context ends, or op reports a
// permanent error.
func (r *Retrier) retry(ctx context.Context, method string,
	op func() error) error {

	eb := backoff.NewExponentialBackOff()
	if r.initialInterval != 0 {
		eb.InitialInterval = r.initialInterval
	}
	if r.maxInterval != 0 {
		eb.MaxInterval = r.maxInterval
	}

	// Retry indefinitely; shutdown arrives through ctx.
	eb.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {

			return backoff.Permanent(err)
		}

		attempt++
		log.Warnf("Upstream %s failed (attempt %d), retrying: %v",
			method, attempt, err)
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(eb, ctx))
}

// GetTip implements ChainSource.
func (r *Retrier) GetTip(ctx context.Context) (*Tip, error) {
	var tip *Tip
	err := r.retry(ctx, "gettip", func() error {
		var err error
		tip, err = r.src.GetTip(ctx)
		return err
	})
	return tip, err
}

// GetHeaders implements ChainSource.
func (r *Retrier) GetHeaders(ctx context.Context, start uint32,
	max int) ([]wire.BlockHeader, error) {

	var headers []wire.BlockHeader
	err := r.retry(ctx, "getheaders", func() error {
		var err error
		headers, err = r.src.GetHeaders(ctx, start, max)
		return err
	})
	return headers, err
}

// GetBlock implements ChainSource. An unknown block is treated as permanent,
// since retrying cannot make the trusted node learn a block it doesn't have.
func (r *Retrier) GetBlock(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	var block *wire.MsgBlock
	err := r.retry(ctx, "getblock", func() error {
		var err error
		block, err = r.src.GetBlock(ctx, hash)
		if errors.Is(err, ErrBlockNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	return block, err
}

// GetMempool implements ChainSource.
func (r *Retrier) GetMempool(ctx context.Context) ([]*MempoolTx, error) {
	var txs []*MempoolTx
	err := r.retry(ctx, "getmempool", func() error {
		var err error
		txs, err = r.src.GetMempool(ctx)
		return err
	})
	return txs, err
}

// EstimateFee implements ChainSource. Estimates are served to interactive
// clients, so it is a single attempt rather than a retry loop.
func (r *Retrier) EstimateFee(ctx context.Context,
	target int64) (float64, error) {

	return r.src.EstimateFee(ctx, target)
}

// RelayFee implements ChainSource.
func (r *Retrier) RelayFee(ctx context.Context) (float64, error) {
	return r.src.RelayFee(ctx)
}

// Broadcast implements ChainSource. Broadcasts are not retried either: the
// client owns the resubmission decision.
func (r *Retrier) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	return r.src.Broadcast(ctx, tx)
}

// Compile-time check.
var _ ChainSource = (*Retrier)(nil)
