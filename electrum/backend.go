// Package electrum serves the Electrum line protocol: newline-delimited
// JSON-RPC requests over many persistent TCP connections, plus asynchronous
// push notifications for subscribed script fingerprints and the chain tip.
// The package only reads; everything it serves comes from a Backend that
// merges the persisted index with the mempool overlay.
package electrum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/electrumd/electrumd/chaindb"
)

// HistoryEntry is one event in a fingerprint's merged history. Confirmed
// entries carry their block height; unconfirmed ones use the Electrum
// sentinel heights 0 (all inputs confirmed) and -1 (spends unconfirmed
// outputs).
type HistoryEntry struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// Height is the confirmation height, or an unconfirmed sentinel.
	Height int32

	// Fee is the fee in satoshis, reported for unconfirmed entries only.
	Fee int64
}

// Update describes what changed during one sync round: the fingerprints
// whose history rows or mempool entries differ, and whether the chain tip
// moved.
type Update struct {
	// Scripts is the set of changed fingerprints.
	Scripts map[chaindb.ScriptHash]struct{}

	// TipChanged is true when the tip header differs from the previous
	// round.
	TipChanged bool
}

// Backend is the read-only view of the index the server answers queries
// from. Implementations must be safe for concurrent use by many connection
// goroutines.
type Backend interface {
	// Tip returns the current tip height and header.
	Tip() (uint32, *wire.BlockHeader, error)

	// HeaderByHeight returns the tracked header at the given height.
	HeaderByHeight(height uint32) (*wire.BlockHeader, error)

	// History returns the merged history of a fingerprint: confirmed
	// entries ordered by ascending height then transaction position,
	// followed by all unconfirmed entries.
	History(sh chaindb.ScriptHash) ([]HistoryEntry, error)

	// Transaction returns a transaction's raw bytes and its confirmation
	// height, zero if it is unconfirmed.
	Transaction(txid *chainhash.Hash) ([]byte, int32, error)

	// MerkleProof returns a transaction's position within the block at
	// the given height together with its merkle branch.
	MerkleProof(txid *chainhash.Hash,
		height uint32) (uint32, []chainhash.Hash, error)

	// FeeHistogram returns the mempool fee histogram.
	FeeHistogram() ([][2]float64, error)

	// EstimateFee passes a fee estimation request through to the node,
	// in BTC/kvB.
	EstimateFee(target int64) (float64, error)

	// RelayFee returns the node's minimum relay fee in BTC/kvB.
	RelayFee() (float64, error)

	// Broadcast passes a raw transaction through to the node for relay.
	Broadcast(rawTx []byte) (*chainhash.Hash, error)
}

// StatusHash digests a merged history into the status value defined by the
// Electrum protocol: the hex-encoded SHA-256 over the "txid:height:"
// concatenation of all entries, in order. An empty history has no status and
// is reported as null, which callers represent as the empty string.
func StatusHash(entries []HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}

	digest := sha256.New()
	for _, entry := range entries {
		fmt.Fprintf(digest, "%s:%d:", entry.TxID, entry.Height)
	}
	return hex.EncodeToString(digest.Sum(nil))
}
