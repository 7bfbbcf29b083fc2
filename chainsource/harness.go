package chainsource

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// errUnreachable is the injected transient connectivity failure.
var errUnreachable = errors.New("harness: node unreachable")

// Harness is a deterministic in-memory ChainSource used by tests. It can be
// scripted to grow a chain, reorganize it, replace the mempool, and inject
// transient connectivity failures.
type Harness struct {
	mtx sync.Mutex

	headers []wire.BlockHeader
	blocks  map[chainhash.Hash]*wire.MsgBlock
	mempool []*MempoolTx

	feeEstimate float64
	relayFee    float64
	broadcast   []*wire.MsgTx

	// failures maps a method name to a number of calls that will fail
	// with a transient error before succeeding again.
	failures map[string]int

	nonce uint32
}

// NewHarness creates a harness whose chain consists of a single genesis
// block.
func NewHarness() *Harness {
	h := &Harness{
		blocks:      make(map[chainhash.Hash]*wire.MsgBlock),
		failures:    make(map[string]int),
		feeEstimate: 0.0001,
		relayFee:    0.00001,
	}
	h.NextBlock()
	return h
}

// coinbaseTx builds a unique coinbase for the given height.
func (h *Harness) coinbaseTx(height uint32) *wire.MsgTx {
	h.nonce++

	script := make([]byte, 8)
	binary.BigEndian.PutUint32(script[:4], height)
	binary.BigEndian.PutUint32(script[4:], h.nonce)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{},
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: script,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    50_0000_0000,
		PkScript: append([]byte{0x76, 0xa9}, script...),
	})
	return tx
}

// merkleTag derives a unique value for the header's merkle root field from
// the block's txids. Nothing validates it; it only has to make headers with
// different transactions hash differently.
func merkleTag(txs []*wire.MsgTx) chainhash.Hash {
	var all []byte
	for _, tx := range txs {
		txid := tx.TxHash()
		all = append(all, txid[:]...)
	}
	return chainhash.HashH(all)
}

// NextBlock mines the next block on the harness chain, containing a unique
// coinbase followed by the passed transactions, and returns it.
func (h *Harness) NextBlock(txs ...*wire.MsgTx) *wire.MsgBlock {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	height := uint32(len(h.headers))

	var prev chainhash.Hash
	if height > 0 {
		prev = h.headers[height-1].BlockHash()
	}

	all := append([]*wire.MsgTx{h.coinbaseTx(height)}, txs...)
	header := wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: merkleTag(all),
		Bits:       0x1d00ffff,
		Nonce:      h.nonce,
	}

	block := wire.NewMsgBlock(&header)
	for _, tx := range all {
		_ = block.AddTransaction(tx)
	}

	h.headers = append(h.headers, header)
	h.blocks[header.BlockHash()] = block
	return block
}

// InvalidateBlocks drops every block at or above the given height from the
// harness chain. Mining again afterwards produces a different branch, which
// together models a reorg.
func (h *Harness) InvalidateBlocks(from uint32) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if from >= uint32(len(h.headers)) {
		return
	}
	h.headers = h.headers[:from]
}

// SetMempool replaces the harness's unconfirmed transaction set.
func (h *Harness) SetMempool(txs ...*MempoolTx) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.mempool = append([]*MempoolTx(nil), txs...)
}

// FailNext makes the next n calls of the given method fail with a transient
// connectivity error.
func (h *Harness) FailNext(method string, n int) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.failures[method] = n
}

// Broadcasted returns all transactions submitted through Broadcast.
func (h *Harness) Broadcasted() []*wire.MsgTx {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return append([]*wire.MsgTx(nil), h.broadcast...)
}

// SetFeeEstimate overrides the fee estimate returned by EstimateFee.
func (h *Harness) SetFeeEstimate(fee float64) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.feeEstimate = fee
}

// fail reports whether the call should be failed with a transient error.
func (h *Harness) fail(method string) bool {
	if h.failures[method] > 0 {
		h.failures[method]--
		return true
	}
	return false
}

// GetTip implements ChainSource.
func (h *Harness) GetTip(ctx context.Context) (*Tip, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.fail("gettip") {
		return nil, errUnreachable
	}

	height := uint32(len(h.headers) - 1)
	return &Tip{
		Height: height,
		Hash:   h.headers[height].BlockHash(),
	}, nil
}

// GetHeaders implements ChainSource.
func (h *Harness) GetHeaders(ctx context.Context, startHeight uint32,
	max int) ([]wire.BlockHeader, error) {

	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.fail("getheaders") {
		return nil, errUnreachable
	}

	start := int(startHeight)
	if start >= len(h.headers) {
		return nil, nil
	}
	end := start + max
	if end > len(h.headers) {
		end = len(h.headers)
	}
	return append([]wire.BlockHeader(nil), h.headers[start:end]...), nil
}

// GetBlock implements ChainSource.
func (h *Harness) GetBlock(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.fail("getblock") {
		return nil, errUnreachable
	}

	block, ok := h.blocks[*hash]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return block, nil
}

// GetMempool implements ChainSource.
func (h *Harness) GetMempool(ctx context.Context) ([]*MempoolTx, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.fail("getmempool") {
		return nil, errUnreachable
	}

	return append([]*MempoolTx(nil), h.mempool...), nil
}

// EstimateFee implements ChainSource.
func (h *Harness) EstimateFee(ctx context.Context,
	target int64) (float64, error) {

	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.fail("estimatefee") {
		return 0, errUnreachable
	}

	return h.feeEstimate, nil
}

// RelayFee implements ChainSource.
func (h *Harness) RelayFee(ctx context.Context) (float64, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return h.relayFee, nil
}

// Broadcast implements ChainSource.
func (h *Harness) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.fail("broadcast") {
		return nil, errUnreachable
	}

	h.broadcast = append(h.broadcast, tx)
	txid := tx.TxHash()
	return &txid, nil
}

// Compile-time check.
var _ ChainSource = (*Harness)(nil)

// SpendTx builds a transaction spending the given outpoint into a single
// output paying pkScript. Test helper; no signatures, the index never
// validates them.
func SpendTx(prev wire.OutPoint, value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: prev})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})
	return tx
}
