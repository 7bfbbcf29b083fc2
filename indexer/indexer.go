// Package indexer derives the secondary index rows from validated blocks and
// commits them in atomic batches: script history rows, transaction locations,
// the funded-outpoint index, per-height undo records, and the sync
// checkpoint. It is also the component that unwinds all of those as one unit
// when a reorg rolls the chain back.
package indexer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/luxfi/database"

	"github.com/electrumd/electrumd/chaindb"
	"github.com/electrumd/electrumd/headerchain"
)

var (
	// ErrHeightGap is returned when a block is submitted for a height
	// that is not the next unindexed one and not already indexed. Heights
	// are strictly sequential.
	ErrHeightGap = errors.New("blocks must be indexed in height order")

	// ErrHeaderMismatch is returned when the submitted block doesn't
	// match the tracked header at its height.
	ErrHeaderMismatch = errors.New("block does not match tracked header")
)

// DanglingSpendError is returned when a spending input references an output
// the index has never seen. With a trusted upstream node this indicates the
// source chain data is internally inconsistent, so it is fatal for the
// indexing pipeline.
type DanglingSpendError struct {
	// OutPoint is the unresolvable previous output.
	OutPoint wire.OutPoint

	// Height is the height of the block containing the spend.
	Height uint32
}

// Error implements the error interface.
func (e *DanglingSpendError) Error() string {
	return fmt.Sprintf("input at height %d spends unknown output %v",
		e.Height, e.OutPoint)
}

// Indexer consumes parsed blocks and maintains the persisted index. It is
// owned by the sync scheduler and never written to concurrently; the snapshot
// guarantees of the storage batches are what make its rows safe to read from
// the query server at any time.
type Indexer struct {
	store *chaindb.Store
	chain *headerchain.Chain

	checkpoint *chaindb.Checkpoint
}

// New creates an Indexer and loads its durable checkpoint. If a checkpoint
// exists, it is cross-checked against the tracked header chain so a corrupt
// or mismatched database is caught at startup rather than mid-sync.
func New(store *chaindb.Store, chain *headerchain.Chain) (*Indexer, error) {
	cp, err := store.Checkpoint()
	if err != nil {
		return nil, fmt.Errorf("unable to load checkpoint: %w", err)
	}

	if cp != nil {
		header, err := chain.HeaderByHeight(cp.Height)
		if err != nil {
			return nil, fmt.Errorf("checkpoint height %d has no "+
				"tracked header: %w", cp.Height, err)
		}
		if header.BlockHash() != cp.Hash {
			return nil, fmt.Errorf("checkpoint hash %v does not "+
				"match tracked header at height %d", cp.Hash,
				cp.Height)
		}

		log.Infof("Resuming from checkpoint height=%d hash=%v",
			cp.Height, cp.Hash)
	}

	return &Indexer{
		store:      store,
		chain:      chain,
		checkpoint: cp,
	}, nil
}

// Checkpoint returns the current durable checkpoint, or nil for an empty
// index.
func (ix *Indexer) Checkpoint() *chaindb.Checkpoint {
	return ix.checkpoint
}

// NextHeight returns the next height the indexer expects.
func (ix *Indexer) NextHeight() uint32 {
	if ix.checkpoint == nil {
		return 0
	}
	return ix.checkpoint.Height + 1
}

// IndexBlock indexes a single block. See IndexBlocks.
func (ix *Indexer) IndexBlock(block *btcutil.Block,
	height uint32) (map[chaindb.ScriptHash]struct{}, error) {

	return ix.IndexBlocks([]*btcutil.Block{block}, height)
}

// IndexBlocks derives all index rows for a run of consecutive blocks
// starting at startHeight and commits them, together with the advanced
// checkpoint, as one atomic batch. Blocks at or below the checkpoint are
// silently skipped, so re-submitting an already indexed height is a no-op.
// The returned set holds every script fingerprint the committed rows touch.
func (ix *Indexer) IndexBlocks(blocks []*btcutil.Block,
	startHeight uint32) (map[chaindb.ScriptHash]struct{}, error) {

	next := ix.NextHeight()
	if startHeight > next {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrHeightGap,
			startHeight, next)
	}

	// Drop the prefix that's already committed.
	if skip := next - startHeight; skip > 0 {
		if int(skip) >= len(blocks) {
			return nil, nil
		}
		blocks = blocks[skip:]
		startHeight = next
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	var (
		batch    = ix.store.NewBatch()
		affected = make(map[chaindb.ScriptHash]struct{})

		// pending maps outpoints funded within this batch but not yet
		// committed, so later transactions (including ones in the
		// same block) can resolve spends against them.
		pending = make(map[wire.OutPoint]chaindb.ScriptHash)
	)

	for i, block := range blocks {
		height := startHeight + uint32(i)

		// The tracked header chain is the source of truth for what
		// belongs at this height.
		header, err := ix.chain.HeaderByHeight(height)
		if err != nil {
			return nil, err
		}
		if header.BlockHash() != *block.Hash() {
			return nil, fmt.Errorf("%w: height %d",
				ErrHeaderMismatch, height)
		}

		err = ix.stageBlock(batch, block, height, pending, affected)
		if err != nil {
			return nil, err
		}
	}

	lastHeight := startHeight + uint32(len(blocks)) - 1
	cp := chaindb.Checkpoint{
		Height: lastHeight,
		Hash:   *blocks[len(blocks)-1].Hash(),
	}
	if err := chaindb.PutCheckpoint(batch, cp); err != nil {
		return nil, err
	}

	if err := batch.Write(); err != nil {
		return nil, err
	}
	ix.checkpoint = &cp

	log.Debugf("Indexed %d block(s), checkpoint now height=%d (%d "+
		"fingerprints touched)", len(blocks), lastHeight,
		len(affected))

	return affected, nil
}

// stageBlock appends all derived rows of one block to the batch: funding and
// spending history rows, transaction locations, outpoint rows, and the undo
// record that allows the height to be unwound atomically.
func (ix *Indexer) stageBlock(batch database.Batch, block *btcutil.Block,
	height uint32, pending map[wire.OutPoint]chaindb.ScriptHash,
	affected map[chaindb.ScriptHash]struct{}) error {

	var undoKeys [][]byte

	for pos, tx := range block.Transactions() {
		txid := tx.Hash()
		msgTx := tx.MsgTx()
		txPos := uint32(pos)

		// Funding rows: one per output, plus the outpoint row used
		// to resolve future spends.
		for vout, txOut := range msgTx.TxOut {
			sh := chaindb.NewScriptHash(txOut.PkScript)
			kind := chaindb.ClassifyScript(txOut.PkScript)

			histKey := chaindb.HistoryKey(sh, height, txPos, txid)
			err := batch.Put(
				histKey, []byte{byte(chaindb.RoleFunding)},
			)
			if err != nil {
				return err
			}
			undoKeys = append(undoKeys, histKey)

			op := wire.OutPoint{Hash: *txid, Index: uint32(vout)}
			opKey := chaindb.OutpointKey(op)
			err = batch.Put(
				opKey, chaindb.EncodeOutpointValue(kind, sh),
			)
			if err != nil {
				return err
			}
			undoKeys = append(undoKeys, opKey)

			pending[op] = sh
			affected[sh] = struct{}{}
		}

		// Spending rows: resolve each consumed output to the
		// fingerprint it paid, through the outputs staged in this
		// batch or the committed outpoint index.
		if !blockchain.IsCoinBaseTx(msgTx) {
			for _, txIn := range msgTx.TxIn {
				op := txIn.PreviousOutPoint

				sh, ok := pending[op]
				if !ok {
					var err error
					sh, ok, err = ix.store.ResolveOutpoint(op)
					if err != nil {
						return err
					}
				}
				if !ok {
					return &DanglingSpendError{
						OutPoint: op,
						Height:   height,
					}
				}

				histKey := chaindb.HistoryKey(
					sh, height, txPos, txid,
				)
				err := batch.Put(histKey, []byte{
					byte(chaindb.RoleSpending),
				})
				if err != nil {
					return err
				}
				undoKeys = append(undoKeys, histKey)
				affected[sh] = struct{}{}
			}
		}

		// Transaction location for lookups by id.
		locKey := chaindb.TxLocKey(txid)
		err := batch.Put(locKey, chaindb.EncodeTxLoc(chaindb.TxLocation{
			Height:   height,
			Position: txPos,
		}))
		if err != nil {
			return err
		}
		undoKeys = append(undoKeys, locKey)
	}

	return batch.Put(chaindb.UndoKey(height), chaindb.EncodeUndo(undoKeys))
}

// RollbackTo atomically removes every header and derived index row above the
// given height and rewinds the checkpoint. All keys to delete are collected
// up front from the undo records and committed as a single batch, so a crash
// mid-rollback can never leave a partially unwound index. The returned set
// holds every fingerprint whose history lost rows.
func (ix *Indexer) RollbackTo(
	height uint32) (map[chaindb.ScriptHash]struct{}, error) {

	batch := ix.store.NewBatch()
	affected := make(map[chaindb.ScriptHash]struct{})

	// Derived rows exist only up to the checkpoint; tracked headers may
	// extend further and are staged for deletion separately below.
	if ix.checkpoint != nil && ix.checkpoint.Height > height {
		for h := height + 1; h <= ix.checkpoint.Height; h++ {
			undoValue, err := ix.store.Get(chaindb.UndoKey(h))
			if err != nil {
				return nil, fmt.Errorf("missing undo record "+
					"for height %d: %w", h, err)
			}
			keys, err := chaindb.DecodeUndo(undoValue)
			if err != nil {
				return nil, err
			}

			for _, key := range keys {
				if err := batch.Delete(key); err != nil {
					return nil, err
				}
				sh, ok := chaindb.HistoryKeyScriptHash(key)
				if ok {
					affected[sh] = struct{}{}
				}
			}
			err = batch.Delete(chaindb.UndoKey(h))
			if err != nil {
				return nil, err
			}
		}
	}

	if err := ix.chain.StageRollback(batch, height); err != nil {
		return nil, err
	}

	// Rewind the checkpoint in the same batch if it pointed above the
	// fork.
	var newCP *chaindb.Checkpoint
	if ix.checkpoint != nil && ix.checkpoint.Height > height {
		header, err := ix.chain.HeaderByHeight(height)
		if err != nil {
			return nil, err
		}
		newCP = &chaindb.Checkpoint{
			Height: height,
			Hash:   header.BlockHash(),
		}
		if err := chaindb.PutCheckpoint(batch, *newCP); err != nil {
			return nil, err
		}
	} else {
		newCP = ix.checkpoint
	}

	if err := batch.Write(); err != nil {
		return nil, err
	}
	if err := ix.chain.ApplyRollback(height); err != nil {
		return nil, err
	}
	ix.checkpoint = newCP

	log.Infof("Rolled index back to height %d (%d fingerprints touched)",
		height, len(affected))

	return affected, nil
}
