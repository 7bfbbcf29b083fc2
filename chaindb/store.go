package chaindb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
)

// Store wraps an ordered key-value database with the index's schema. All
// mutations flow through atomic batches assembled by the single writer; the
// many reader goroutines of the query server only ever use the point and
// range lookups, which observe either the pre-batch or the post-batch state,
// never a mix.
type Store struct {
	db database.Database
}

// New creates a Store on top of an already opened database.
func New(db database.Database) *Store {
	return &Store{db: db}
}

// Open creates a Store backed by a badger database rooted at path.
func Open(path string) (*Store, error) {
	db, err := badgerdb.New(path, nil, "", nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open database at %s: %w",
			path, err)
	}
	return New(db), nil
}

// NewMemory creates an in-memory Store, used by tests.
func NewMemory() *Store {
	return New(memdb.New())
}

// NewBatch creates an empty batch. The batch spans the whole keyspace, so a
// single commit can atomically touch headers, derived rows and the
// checkpoint.
func (s *Store) NewBatch() database.Batch {
	return s.db.NewBatch()
}

// Get performs a point lookup. It returns database.ErrNotFound for missing
// keys.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// NewIteratorWithPrefix returns an ordered iterator over all keys sharing the
// given prefix.
func (s *Store) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return s.db.NewIteratorWithPrefix(prefix)
}

// Compact reclaims space and restores scan locality after bulk catch-up.
// It is a maintenance operation only; queries remain correct without it.
func (s *Store) Compact() error {
	log.Infof("Compacting index database")
	return s.db.Compact(nil, nil)
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint reads the sync checkpoint. It returns nil without error if the
// index is empty.
func (s *Store) Checkpoint() (*Checkpoint, error) {
	value, err := s.db.Get(checkpointKey)
	switch {
	case err == database.ErrNotFound:
		return nil, nil
	case err != nil:
		return nil, err
	}

	cp, err := DecodeCheckpoint(value)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// PutCheckpoint stages a checkpoint update into the passed batch.
func PutCheckpoint(batch database.Batch, cp Checkpoint) error {
	return batch.Put(checkpointKey, EncodeCheckpoint(cp))
}

// ScriptHistory returns the complete confirmed history of a fingerprint,
// ordered by ascending height and then by transaction position within the
// block. The history length of a fingerprint is unbounded, so this is a
// streaming range scan rather than a single load.
func (s *Store) ScriptHistory(sh ScriptHash) ([]*HistoryRow, error) {
	iter := s.NewIteratorWithPrefix(HistoryPrefix(sh))
	defer iter.Release()

	var rows []*HistoryRow
	for iter.Next() {
		row, err := ParseHistoryKey(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, iter.Error()
}

// TxLocation looks up where a confirmed transaction is located. It returns
// database.ErrNotFound if the transaction isn't indexed.
func (s *Store) TxLocation(txid *chainhash.Hash) (TxLocation, error) {
	value, err := s.db.Get(TxLocKey(txid))
	if err != nil {
		return TxLocation{}, err
	}
	return DecodeTxLoc(value)
}

// ResolveOutpoint maps a funded outpoint to the fingerprint it pays. The
// boolean result reports whether the outpoint is known to the index.
func (s *Store) ResolveOutpoint(op wire.OutPoint) (ScriptHash, bool, error) {
	value, err := s.db.Get(OutpointKey(op))
	switch {
	case err == database.ErrNotFound:
		return ScriptHash{}, false, nil
	case err != nil:
		return ScriptHash{}, false, err
	}

	_, sh, err := DecodeOutpointValue(value)
	if err != nil {
		return ScriptHash{}, false, err
	}
	return sh, true, nil
}

// Header reads the wire-serialized block header stored at height.
func (s *Store) Header(height uint32) (*wire.BlockHeader, error) {
	value, err := s.db.Get(HeaderKey(height))
	if err != nil {
		return nil, err
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(value)); err != nil {
		return nil, fmt.Errorf("corrupt header at height %d: %w",
			height, err)
	}
	return &header, nil
}

// HeightByHash maps a block hash to its height in the indexed chain.
func (s *Store) HeightByHash(hash *chainhash.Hash) (uint32, error) {
	value, err := s.db.Get(HashIndexKey(hash))
	if err != nil {
		return 0, err
	}
	if len(value) != 4 {
		return 0, fmt.Errorf("corrupt hash index entry %x", value)
	}
	return binary.BigEndian.Uint32(value), nil
}

// PutHeader stages a header row and its hash-index row into the batch.
func PutHeader(batch database.Batch, height uint32,
	header *wire.BlockHeader) error {

	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return err
	}
	if err := batch.Put(HeaderKey(height), buf.Bytes()); err != nil {
		return err
	}

	hash := header.BlockHash()
	var heightValue [4]byte
	binary.BigEndian.PutUint32(heightValue[:], height)
	return batch.Put(HashIndexKey(&hash), heightValue[:])
}
