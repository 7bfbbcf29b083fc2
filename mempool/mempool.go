// Package mempool maintains the in-memory overlay of unconfirmed
// transactions, so unconfirmed activity is visible through the same query
// surface as the persisted index without ever touching storage. The whole
// overlay is rebuilt from the node's full mempool each refresh cycle; only
// the changed-fingerprint reporting relies on diffing against the previous
// cycle.
package mempool

import (
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/electrumd/electrumd/chaindb"
	"github.com/electrumd/electrumd/chainsource"
)

// Resolver maps a confirmed outpoint to the fingerprint it pays. The tracker
// uses it to attribute mempool spends of confirmed outputs; it is backed by
// the persisted outpoint index.
type Resolver func(wire.OutPoint) (chaindb.ScriptHash, bool, error)

// Entry is one unconfirmed transaction in the overlay.
type Entry struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// Tx is the parsed transaction.
	Tx *wire.MsgTx

	// Fee is the fee in satoshis, as reported by the node.
	Fee int64

	// VSize is the virtual size in vbytes.
	VSize int64

	// HasUnconfirmedInputs is true when the transaction spends outputs
	// that are themselves still unconfirmed. The Electrum protocol
	// reports such entries with height -1 instead of 0.
	HasUnconfirmedInputs bool

	// touched is every fingerprint this transaction funds or spends.
	touched map[chaindb.ScriptHash]struct{}
}

// Tracker holds the current unconfirmed overlay. The sync scheduler replaces
// its contents once per cycle while query goroutines read it concurrently, so
// all access goes through a read/write guard that is only ever held for
// in-memory work, never across I/O.
type Tracker struct {
	mtx sync.RWMutex

	resolve Resolver

	entries  map[chainhash.Hash]*Entry
	byScript map[chaindb.ScriptHash]map[chainhash.Hash]struct{}
}

// New creates an empty Tracker resolving confirmed outpoints through the
// passed Resolver.
func New(resolve Resolver) *Tracker {
	return &Tracker{
		resolve:  resolve,
		entries:  make(map[chainhash.Hash]*Entry),
		byScript: make(map[chaindb.ScriptHash]map[chainhash.Hash]struct{}),
	}
}

// Update replaces the overlay with the node's current mempool and returns the
// set of fingerprints whose unconfirmed entry set differs from the previous
// cycle. Correctness never depends on the diff; it exists purely so
// notifications aren't pushed for fingerprints nothing happened to.
func (t *Tracker) Update(
	txs []*chainsource.MempoolTx) (map[chaindb.ScriptHash]struct{}, error) {

	// First pass: collect every output funded by the new set, so spends
	// between unconfirmed transactions resolve without the persisted
	// index.
	newOutpoints := make(map[wire.OutPoint]chaindb.ScriptHash)
	for _, mtx := range txs {
		txid := mtx.Tx.TxHash()
		for vout, txOut := range mtx.Tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
			newOutpoints[op] = chaindb.NewScriptHash(txOut.PkScript)
		}
	}

	// Second pass: build the replacement entries.
	newEntries := make(map[chainhash.Hash]*Entry, len(txs))
	newByScript := make(map[chaindb.ScriptHash]map[chainhash.Hash]struct{})
	for _, mtx := range txs {
		entry := &Entry{
			TxID:    mtx.Tx.TxHash(),
			Tx:      mtx.Tx,
			Fee:     mtx.Fee,
			VSize:   mtx.VSize,
			touched: make(map[chaindb.ScriptHash]struct{}),
		}

		for _, txOut := range mtx.Tx.TxOut {
			sh := chaindb.NewScriptHash(txOut.PkScript)
			entry.touched[sh] = struct{}{}
		}

		for _, txIn := range mtx.Tx.TxIn {
			op := txIn.PreviousOutPoint

			if sh, ok := newOutpoints[op]; ok {
				entry.HasUnconfirmedInputs = true
				entry.touched[sh] = struct{}{}
				continue
			}

			sh, ok, err := t.resolve(op)
			if err != nil {
				return nil, err
			}
			if ok {
				entry.touched[sh] = struct{}{}
			}
		}

		newEntries[entry.TxID] = entry
		for sh := range entry.touched {
			txids, ok := newByScript[sh]
			if !ok {
				txids = make(map[chainhash.Hash]struct{})
				newByScript[sh] = txids
			}
			txids[entry.TxID] = struct{}{}
		}
	}

	// Diff against the previous cycle to find fingerprints that changed:
	// transactions that appeared, disappeared, or flipped their
	// unconfirmed-parent flag (which changes their reported height).
	changed := make(map[chaindb.ScriptHash]struct{})
	markTouched := func(e *Entry) {
		for sh := range e.touched {
			changed[sh] = struct{}{}
		}
	}

	t.mtx.Lock()
	added, removed := 0, 0
	for txid, entry := range newEntries {
		old, ok := t.entries[txid]
		switch {
		case !ok:
			added++
			markTouched(entry)
		case old.HasUnconfirmedInputs != entry.HasUnconfirmedInputs:
			markTouched(entry)
		}
	}
	for txid, old := range t.entries {
		if _, ok := newEntries[txid]; !ok {
			removed++
			markTouched(old)
		}
	}

	t.entries = newEntries
	t.byScript = newByScript
	t.mtx.Unlock()

	log.Debugf("Mempool refreshed: %d txs (%d added, %d removed, %d "+
		"fingerprints changed)", len(newEntries), added, removed,
		len(changed))

	return changed, nil
}

// Get returns the overlay entry for a transaction id, if present.
func (t *Tracker) Get(txid *chainhash.Hash) (*Entry, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	entry, ok := t.entries[*txid]
	return entry, ok
}

// History returns the unconfirmed entries touching the given fingerprint.
// Entries with confirmed parents come before entries with unconfirmed
// parents, each group ordered by txid so repeated calls over an unchanged
// overlay yield an identical sequence.
func (t *Tracker) History(sh chaindb.ScriptHash) []*Entry {
	t.mtx.RLock()
	txids, ok := t.byScript[sh]
	entries := make([]*Entry, 0, len(txids))
	if ok {
		for txid := range txids {
			entries = append(entries, t.entries[txid])
		}
	}
	t.mtx.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.HasUnconfirmedInputs != b.HasUnconfirmedInputs {
			return !a.HasUnconfirmedInputs
		}
		return a.TxID.String() < b.TxID.String()
	})
	return entries
}

// feeHistogramBucket is the cumulative vsize per histogram bucket, matching
// the granularity Electrum clients expect.
const feeHistogramBucket = 100_000

// FeeHistogram returns the [fee-rate, vsize] pairs for the
// mempool.get_fee_histogram method: entries are binned from the highest fee
// rate down, closing a bucket whenever it accumulates 100k vbytes.
func (t *Tracker) FeeHistogram() [][2]float64 {
	t.mtx.RLock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, entry)
	}
	t.mtx.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return feeRate(entries[i]) > feeRate(entries[j])
	})

	histogram := make([][2]float64, 0)
	var binSize int64
	var binRate float64
	for _, entry := range entries {
		binSize += entry.VSize
		binRate = feeRate(entry)
		if binSize > feeHistogramBucket {
			histogram = append(
				histogram, [2]float64{binRate, float64(binSize)},
			)
			binSize = 0
		}
	}
	if binSize > 0 {
		histogram = append(
			histogram, [2]float64{binRate, float64(binSize)},
		)
	}
	return histogram
}

// feeRate is the entry's fee rate in sat/vB.
func feeRate(e *Entry) float64 {
	if e.VSize == 0 {
		return 0
	}
	return float64(e.Fee) / float64(e.VSize)
}
