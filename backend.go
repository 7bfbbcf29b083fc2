package electrumd

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/electrumd/electrumd/chaindb"
	"github.com/electrumd/electrumd/electrum"
)

// Compile-time check that the service can back the Electrum server.
var _ electrum.Backend = (*Service)(nil)

// Tip returns the tracked tip height and header.
func (s *Service) Tip() (uint32, *wire.BlockHeader, error) {
	height, _, haveTip := s.chain.Tip()
	if !haveTip {
		return 0, nil, ErrEmptyIndex
	}

	header, err := s.chain.HeaderByHeight(height)
	if err != nil {
		return 0, nil, err
	}
	return height, header, nil
}

// HeaderByHeight returns the tracked header at the given height.
func (s *Service) HeaderByHeight(height uint32) (*wire.BlockHeader, error) {
	return s.chain.HeaderByHeight(height)
}

// History merges the persisted history rows of a fingerprint with the
// mempool overlay. Confirmed entries come out in key order, which is
// ascending height then transaction position; unconfirmed entries follow,
// the ones spending unconfirmed outputs last.
func (s *Service) History(
	sh chaindb.ScriptHash) ([]electrum.HistoryEntry, error) {

	rows, err := s.store.ScriptHistory(sh)
	if err != nil {
		return nil, err
	}

	unconfirmed := s.mempool.History(sh)
	entries := make([]electrum.HistoryEntry, 0,
		len(rows)+len(unconfirmed))

	for _, row := range rows {
		entries = append(entries, electrum.HistoryEntry{
			TxID:   row.TxID,
			Height: int32(row.Height),
		})
	}
	for _, entry := range unconfirmed {
		height := int32(0)
		if entry.HasUnconfirmedInputs {
			height = -1
		}
		entries = append(entries, electrum.HistoryEntry{
			TxID:   entry.TxID,
			Height: height,
			Fee:    entry.Fee,
		})
	}

	return entries, nil
}

// Transaction returns a transaction's raw bytes and confirmation height,
// serving unconfirmed transactions straight from the mempool overlay and
// confirmed ones from their containing block.
func (s *Service) Transaction(txid *chainhash.Hash) ([]byte, int32, error) {
	if entry, ok := s.mempool.Get(txid); ok {
		var buf bytes.Buffer
		if err := entry.Tx.Serialize(&buf); err != nil {
			return nil, 0, err
		}
		return buf.Bytes(), 0, nil
	}

	loc, err := s.store.TxLocation(txid)
	if err != nil {
		return nil, 0, fmt.Errorf("unknown transaction %v: %w", txid,
			err)
	}

	block, err := s.blockAtHeight(loc.Height)
	if err != nil {
		return nil, 0, err
	}
	txs := block.Transactions()
	if int(loc.Position) >= len(txs) {
		return nil, 0, fmt.Errorf("transaction %v indexed at "+
			"position %d of a %d transaction block", txid,
			loc.Position, len(txs))
	}

	var buf bytes.Buffer
	if err := txs[loc.Position].MsgTx().Serialize(&buf); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), int32(loc.Height), nil
}

// MerkleProof returns the position of a confirmed transaction within its
// block together with the merkle branch linking it to the header's root.
func (s *Service) MerkleProof(txid *chainhash.Hash,
	height uint32) (uint32, []chainhash.Hash, error) {

	loc, err := s.store.TxLocation(txid)
	if err != nil {
		return 0, nil, fmt.Errorf("unknown transaction %v: %w", txid,
			err)
	}
	if loc.Height != height {
		return 0, nil, fmt.Errorf("transaction %v is confirmed at "+
			"height %d, not %d", txid, loc.Height, height)
	}

	block, err := s.blockAtHeight(height)
	if err != nil {
		return 0, nil, err
	}
	txs := block.Transactions()
	if int(loc.Position) >= len(txs) {
		return 0, nil, fmt.Errorf("transaction %v indexed at "+
			"position %d of a %d transaction block", txid,
			loc.Position, len(txs))
	}

	leaves := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = *tx.Hash()
	}

	return loc.Position, merkleBranch(leaves, loc.Position), nil
}

// FeeHistogram returns the mempool fee histogram.
func (s *Service) FeeHistogram() ([][2]float64, error) {
	return s.mempool.FeeHistogram(), nil
}

// EstimateFee passes a fee estimation request through to the node.
func (s *Service) EstimateFee(target int64) (float64, error) {
	ctx, cancel, err := s.passthroughCtx()
	if err != nil {
		return 0, err
	}
	defer cancel()
	return s.source.EstimateFee(ctx, target)
}

// RelayFee returns the node's minimum relay fee.
func (s *Service) RelayFee() (float64, error) {
	ctx, cancel, err := s.passthroughCtx()
	if err != nil {
		return 0, err
	}
	defer cancel()
	return s.source.RelayFee(ctx)
}

// Broadcast submits a raw transaction to the node for relay.
func (s *Service) Broadcast(rawTx []byte) (*chainhash.Hash, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, fmt.Errorf("malformed transaction: %w", err)
	}

	ctx, cancel, err := s.passthroughCtx()
	if err != nil {
		return nil, err
	}
	defer cancel()
	return s.source.Broadcast(ctx, &tx)
}

// passthroughCtx bounds a node call made on behalf of a client request. It
// fails fast with ErrShuttingDown once shutdown has begun, so in-flight
// client requests don't race the source teardown.
func (s *Service) passthroughCtx() (context.Context, context.CancelFunc,
	error) {

	select {
	case <-s.quit:
		return nil, nil, ErrShuttingDown
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		passthroughTimeout)
	return ctx, cancel, nil
}

// blockAtHeight fetches the block committed at a tracked height.
func (s *Service) blockAtHeight(height uint32) (*btcutil.Block, error) {
	header, err := s.chain.HeaderByHeight(height)
	if err != nil {
		return nil, err
	}
	hash := header.BlockHash()

	ctx, cancel, err := s.passthroughCtx()
	if err != nil {
		return nil, err
	}
	defer cancel()
	return s.fetchBlock(ctx, &hash)
}

// merkleBranch computes the merkle branch of the leaf at pos: the sibling
// hash at every level of the tree, bottom up. Odd levels duplicate their
// last node, matching the block merkle root construction.
func merkleBranch(leaves []chainhash.Hash, pos uint32) []chainhash.Hash {
	branch := make([]chainhash.Hash, 0, 12)

	level := leaves
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		branch = append(branch, level[pos^1])

		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = blockchain.HashMerkleBranches(&level[i],
				&level[i+1])
		}
		level = next
		pos /= 2
	}

	return branch
}
