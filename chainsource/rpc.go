package chainsource

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// RPCConfig holds the connection options for a trusted bitcoind node.
type RPCConfig struct {
	// Host is the host:port of the node's RPC interface.
	Host string

	// User and Pass are the RPC credentials.
	User string
	Pass string
}

// RPCSource pulls chain data from a bitcoind node over JSON-RPC. Calls are
// single attempts; wrap it in a Retrier for backoff.
type RPCSource struct {
	client *rpcclient.Client
}

// NewRPCSource connects to the node's RPC interface.
func NewRPCSource(cfg *RPCConfig) (*RPCSource, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to node at %s: %w",
			cfg.Host, err)
	}

	return &RPCSource{client: client}, nil
}

// Close shuts the RPC client down.
func (r *RPCSource) Close() {
	r.client.Shutdown()
	r.client.WaitForShutdown()
}

// GetTip implements ChainSource.
func (r *RPCSource) GetTip(ctx context.Context) (*Tip, error) {
	height, err := r.client.GetBlockCount()
	if err != nil {
		return nil, err
	}
	hash, err := r.client.GetBlockHash(height)
	if err != nil {
		return nil, err
	}

	return &Tip{Height: uint32(height), Hash: *hash}, nil
}

// GetHeaders implements ChainSource.
func (r *RPCSource) GetHeaders(ctx context.Context, start uint32,
	max int) ([]wire.BlockHeader, error) {

	tip, err := r.client.GetBlockCount()
	if err != nil {
		return nil, err
	}

	headers := make([]wire.BlockHeader, 0, max)
	for height := int64(start); height <= tip && len(headers) < max; height++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hash, err := r.client.GetBlockHash(height)
		if err != nil {
			return nil, err
		}
		header, err := r.client.GetBlockHeader(hash)
		if err != nil {
			return nil, err
		}
		headers = append(headers, *header)
	}

	return headers, nil
}

// GetBlock implements ChainSource.
func (r *RPCSource) GetBlock(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	block, err := r.client.GetBlock(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) &&
			rpcErr.Code == btcjson.ErrRPCBlockNotFound {

			return nil, fmt.Errorf("%w: %v", ErrBlockNotFound,
				hash)
		}
		return nil, err
	}

	return block, nil
}

// GetMempool implements ChainSource. Transactions that leave the node's
// mempool between the listing and the per-transaction fetch are skipped;
// the next refresh cycle reconciles them.
func (r *RPCSource) GetMempool(ctx context.Context) ([]*MempoolTx, error) {
	verbose, err := r.client.GetRawMempoolVerbose()
	if err != nil {
		return nil, err
	}

	txs := make([]*MempoolTx, 0, len(verbose))
	for txidStr, info := range verbose {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		txid, err := chainhash.NewHashFromStr(txidStr)
		if err != nil {
			return nil, err
		}
		tx, err := r.client.GetRawTransaction(txid)
		if err != nil {
			continue
		}

		fee, err := btcutil.NewAmount(info.Fee)
		if err != nil {
			return nil, err
		}
		txs = append(txs, &MempoolTx{
			Tx:    tx.MsgTx(),
			Fee:   int64(fee),
			VSize: int64(info.Vsize),
		})
	}

	return txs, nil
}

// EstimateFee implements ChainSource.
func (r *RPCSource) EstimateFee(ctx context.Context,
	target int64) (float64, error) {

	mode := btcjson.EstimateModeConservative
	result, err := r.client.EstimateSmartFee(target, &mode)
	if err != nil {
		return 0, err
	}
	if result.FeeRate == nil {
		return 0, fmt.Errorf("node has no estimate for target %d",
			target)
	}

	return *result.FeeRate, nil
}

// RelayFee implements ChainSource.
func (r *RPCSource) RelayFee(ctx context.Context) (float64, error) {
	info, err := r.client.GetNetworkInfo()
	if err != nil {
		return 0, err
	}
	return info.RelayFee, nil
}

// Broadcast implements ChainSource.
func (r *RPCSource) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	return r.client.SendRawTransaction(tx, false)
}

// Compile-time check.
var _ ChainSource = (*RPCSource)(nil)
