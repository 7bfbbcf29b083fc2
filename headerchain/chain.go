package headerchain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/luxfi/database"

	"github.com/electrumd/electrumd/chaindb"
)

var (
	// ErrNoCommonAncestor is returned when a fork point search walks past
	// the configured lookback window without finding a header shared with
	// the new chain. The index cannot recover from this on its own; a
	// manual reindex is required.
	ErrNoCommonAncestor = errors.New("no common ancestor within lookback " +
		"window, manual reindex required")

	// ErrEmptyChain is returned when an operation requires at least one
	// tracked header.
	ErrEmptyChain = errors.New("header chain is empty")
)

// LinkageError is returned by Extend when a candidate header doesn't connect
// to the current tip. It signals the caller to search for a fork point.
type LinkageError struct {
	// Height is the height the candidate was expected to occupy.
	Height uint32

	// PrevBlock is the candidate's previous-block hash.
	PrevBlock chainhash.Hash

	// Tip is the hash of the currently tracked tip.
	Tip chainhash.Hash
}

// Error implements the error interface.
func (e *LinkageError) Error() string {
	return fmt.Sprintf("header at height %d links to %v, tip is %v",
		e.Height, e.PrevBlock, e.Tip)
}

// Config houses the parameters of a Chain.
type Config struct {
	// Store is the database the header rows live in.
	Store *chaindb.Store

	// Lookback bounds how far back a fork point search is allowed to
	// walk before the chain is considered unrecoverably desynced.
	Lookback uint32
}

// Chain maintains the validated header chain independently of the heavier
// block index: hash, height and previous-hash linkage. Headers are persisted
// as they're accepted, so the tracked chain may extend above the last
// indexed height.
type Chain struct {
	cfg Config

	mtx       sync.RWMutex
	tipHeight uint32
	tipHash   chainhash.Hash
	haveTip   bool
}

// New creates a Chain over the passed store, recovering the persisted tip by
// scanning the header rows.
func New(cfg Config) (*Chain, error) {
	c := &Chain{cfg: cfg}

	iter := cfg.Store.NewIteratorWithPrefix(chaindb.HeaderKeyPrefix())
	defer iter.Release()

	// Header keys are big-endian heights, so the last key of the ordered
	// scan is the tip.
	var lastKey []byte
	for iter.Next() {
		lastKey = append(lastKey[:0], iter.Key()...)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if lastKey != nil {
		height, err := chaindb.ParseHeaderKey(lastKey)
		if err != nil {
			return nil, err
		}
		header, err := cfg.Store.Header(height)
		if err != nil {
			return nil, err
		}
		c.tipHeight = height
		c.tipHash = header.BlockHash()
		c.haveTip = true

		log.Infof("Tracked header chain loaded, tip height=%d "+
			"hash=%v", height, c.tipHash)
	}

	return c, nil
}

// Tip returns the tracked tip. The boolean result is false when no headers
// have been accepted yet.
func (c *Chain) Tip() (uint32, chainhash.Hash, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.tipHeight, c.tipHash, c.haveTip
}

// HeaderByHeight fetches a tracked header by its height.
func (c *Chain) HeaderByHeight(height uint32) (*wire.BlockHeader, error) {
	return c.cfg.Store.Header(height)
}

// HeightByHash returns the height of the tracked header with the given hash.
func (c *Chain) HeightByHash(hash *chainhash.Hash) (uint32, error) {
	return c.cfg.Store.HeightByHash(hash)
}

// Extend validates each candidate's previous-hash linkage against the current
// tip and appends them in one atomic batch. A candidate that doesn't connect
// makes the whole call fail with a LinkageError and leaves the chain
// untouched.
func (c *Chain) Extend(headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	nextHeight := uint32(0)
	prevHash := chainhash.Hash{}
	if c.haveTip {
		nextHeight = c.tipHeight + 1
		prevHash = c.tipHash
	}

	batch := c.cfg.Store.NewBatch()
	for i := range headers {
		header := &headers[i]

		// The first header of a fresh chain is accepted as-is; every
		// other one must link to its predecessor.
		if c.haveTip || i > 0 {
			if header.PrevBlock != prevHash {
				return &LinkageError{
					Height:    nextHeight,
					PrevBlock: header.PrevBlock,
					Tip:       prevHash,
				}
			}
		}

		err := chaindb.PutHeader(batch, nextHeight, header)
		if err != nil {
			return err
		}

		prevHash = header.BlockHash()
		nextHeight++
	}

	if err := batch.Write(); err != nil {
		return err
	}

	c.tipHeight = nextHeight - 1
	c.tipHash = prevHash
	c.haveTip = true

	log.Debugf("Extended header chain by %d, new tip height=%d hash=%v",
		len(headers), c.tipHeight, c.tipHash)

	return nil
}

// FindForkPoint locates the highest height at which the tracked chain and the
// new chain share an identical header. The candidates must be the new chain's
// headers for consecutive heights starting at startHeight. The search never
// walks back further than the configured lookback window below the tip.
func (c *Chain) FindForkPoint(candidates []wire.BlockHeader,
	startHeight uint32) (uint32, error) {

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if !c.haveTip {
		return 0, ErrEmptyChain
	}

	lowest := uint32(0)
	if c.tipHeight > c.cfg.Lookback {
		lowest = c.tipHeight - c.cfg.Lookback
	}

	// Walk both chains backwards simultaneously from the lower of the two
	// tips, comparing hashes at each height.
	height := startHeight + uint32(len(candidates)) - 1
	if height > c.tipHeight {
		height = c.tipHeight
	}
	for ; height >= startHeight && height >= lowest; height-- {
		ours, err := c.cfg.Store.Header(height)
		if err != nil {
			return 0, err
		}
		theirs := candidates[height-startHeight]

		if ours.BlockHash() == theirs.BlockHash() {
			log.Infof("Found fork point at height %d", height)
			return height, nil
		}

		if height == 0 {
			break
		}
	}

	return 0, ErrNoCommonAncestor
}

// StageRollback appends the deletion of every header row above height to the
// passed batch. The in-memory tip is only moved once the caller has committed
// the batch and invokes ApplyRollback, so the rollback of headers and derived
// index rows stays a single atomic unit.
func (c *Chain) StageRollback(batch database.Batch, height uint32) error {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if !c.haveTip {
		return ErrEmptyChain
	}
	if height > c.tipHeight {
		return fmt.Errorf("cannot roll back to height %d above tip "+
			"%d", height, c.tipHeight)
	}

	for h := height + 1; h <= c.tipHeight; h++ {
		header, err := c.cfg.Store.Header(h)
		if err != nil {
			return err
		}
		hash := header.BlockHash()

		if err := batch.Delete(chaindb.HeaderKey(h)); err != nil {
			return err
		}
		err = batch.Delete(chaindb.HashIndexKey(&hash))
		if err != nil {
			return err
		}
	}

	return nil
}

// ApplyRollback truncates the in-memory view of the chain after a staged
// rollback batch has been committed.
func (c *Chain) ApplyRollback(height uint32) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	header, err := c.cfg.Store.Header(height)
	if err != nil {
		return err
	}

	c.tipHeight = height
	c.tipHash = header.BlockHash()

	log.Infof("Rolled header chain back to height %d, tip=%v", height,
		c.tipHash)

	return nil
}
