package chaindb

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// The key space is partitioned by a single leading byte per entity type, so
// that a prefix scan over one entity never observes rows of another. All
// integer components are big-endian, which makes the lexicographic iteration
// order of the underlying database match the numeric order of heights and
// positions.
const (
	headerKeyPrefix   = byte('h')
	hashIndexPrefix   = byte('i')
	historyKeyPrefix  = byte('s')
	txLocKeyPrefix    = byte('t')
	outpointKeyPrefix = byte('o')
	undoKeyPrefix     = byte('u')
	checkpointPrefix  = byte('c')
)

// checkpointKey is the single well-known key under which the sync checkpoint
// is stored. It is rewritten atomically with every committing batch.
var checkpointKey = []byte{checkpointPrefix}

// ScriptHashSize is the size of a script fingerprint in bytes.
const ScriptHashSize = 32

// ScriptHash is the fixed-length fingerprint of an output script that clients
// use as their primary lookup key. It is the SHA-256 digest of the raw
// script, and is never mapped back to the script by the index.
type ScriptHash [ScriptHashSize]byte

// NewScriptHash computes the fingerprint of the passed output script.
func NewScriptHash(pkScript []byte) ScriptHash {
	return sha256.Sum256(pkScript)
}

// String returns the fingerprint in the reversed-hex form used on the wire by
// the Electrum protocol, mirroring how block and transaction hashes are
// rendered.
func (s ScriptHash) String() string {
	var reversed [ScriptHashSize]byte
	for i, b := range s {
		reversed[ScriptHashSize-1-i] = b
	}
	return hex.EncodeToString(reversed[:])
}

// ParseScriptHash parses a reversed-hex fingerprint as sent by Electrum
// clients.
func ParseScriptHash(str string) (ScriptHash, error) {
	var sh ScriptHash
	raw, err := hex.DecodeString(str)
	if err != nil {
		return sh, fmt.Errorf("invalid script hash %q: %w", str, err)
	}
	if len(raw) != ScriptHashSize {
		return sh, fmt.Errorf("invalid script hash length %d",
			len(raw))
	}
	for i, b := range raw {
		sh[ScriptHashSize-1-i] = b
	}
	return sh, nil
}

// ScriptKind is a closed enumeration over the standard output script types we
// tag funded outputs with. Anything that doesn't parse as a standard script
// falls back to KindOpaque rather than being rejected.
type ScriptKind uint8

const (
	// KindOpaque is the fallback for non-standard or unparsable scripts.
	KindOpaque ScriptKind = iota

	// KindPubKey is a pay-to-pubkey output.
	KindPubKey

	// KindPubKeyHash is a pay-to-pubkey-hash output.
	KindPubKeyHash

	// KindScriptHash is a pay-to-script-hash output.
	KindScriptHash

	// KindWitnessPubKeyHash is a pay-to-witness-pubkey-hash output.
	KindWitnessPubKeyHash

	// KindWitnessScriptHash is a pay-to-witness-script-hash output.
	KindWitnessScriptHash

	// KindTaproot is a pay-to-taproot output.
	KindTaproot

	// KindNullData is a provably unspendable data carrier output.
	KindNullData
)

// ClassifyScript maps an output script to its ScriptKind tag.
func ClassifyScript(pkScript []byte) ScriptKind {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyTy:
		return KindPubKey
	case txscript.PubKeyHashTy:
		return KindPubKeyHash
	case txscript.ScriptHashTy:
		return KindScriptHash
	case txscript.WitnessV0PubKeyHashTy:
		return KindWitnessPubKeyHash
	case txscript.WitnessV0ScriptHashTy:
		return KindWitnessScriptHash
	case txscript.WitnessV1TaprootTy:
		return KindTaproot
	case txscript.NullDataTy:
		return KindNullData
	default:
		return KindOpaque
	}
}

// Role describes what a history row records for its fingerprint: an output
// funding it, or an input spending a previously funded output.
type Role byte

const (
	// RoleFunding records an output paying to the fingerprint.
	RoleFunding Role = 0

	// RoleSpending records an input consuming a previously funded output.
	RoleSpending Role = 1
)

// String returns a human readable role name.
func (r Role) String() string {
	switch r {
	case RoleFunding:
		return "funding"
	case RoleSpending:
		return "spending"
	default:
		return fmt.Sprintf("role(%d)", byte(r))
	}
}

// HistoryRow is a single confirmed history event for a script fingerprint.
// Rows are keyed by (fingerprint, height, position, txid), so one prefix scan
// per fingerprint yields its complete history already ordered by height and
// then by the transaction's position within its block.
type HistoryRow struct {
	ScriptHash ScriptHash
	Height     uint32
	Position   uint32
	TxID       chainhash.Hash
	Role       Role
}

// historyKeySize is prefix + fingerprint + height + position + txid.
const historyKeySize = 1 + ScriptHashSize + 4 + 4 + chainhash.HashSize

// HeaderKey returns the key storing the wire-serialized header at height.
func HeaderKey(height uint32) []byte {
	key := make([]byte, 5)
	key[0] = headerKeyPrefix
	binary.BigEndian.PutUint32(key[1:], height)
	return key
}

// HeaderKeyPrefix returns the prefix covering all header rows.
func HeaderKeyPrefix() []byte {
	return []byte{headerKeyPrefix}
}

// ParseHeaderKey extracts the height from a header key.
func ParseHeaderKey(key []byte) (uint32, error) {
	if len(key) != 5 || key[0] != headerKeyPrefix {
		return 0, fmt.Errorf("malformed header key %x", key)
	}
	return binary.BigEndian.Uint32(key[1:]), nil
}

// HashIndexKey returns the key mapping a block hash back to its height.
func HashIndexKey(hash *chainhash.Hash) []byte {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = hashIndexPrefix
	copy(key[1:], hash[:])
	return key
}

// HistoryKey returns the full key for one history row.
func HistoryKey(sh ScriptHash, height, position uint32,
	txid *chainhash.Hash) []byte {

	key := make([]byte, historyKeySize)
	key[0] = historyKeyPrefix
	copy(key[1:], sh[:])
	binary.BigEndian.PutUint32(key[1+ScriptHashSize:], height)
	binary.BigEndian.PutUint32(key[1+ScriptHashSize+4:], position)
	copy(key[1+ScriptHashSize+8:], txid[:])
	return key
}

// HistoryPrefix returns the prefix covering every history row of a single
// fingerprint.
func HistoryPrefix(sh ScriptHash) []byte {
	prefix := make([]byte, 1+ScriptHashSize)
	prefix[0] = historyKeyPrefix
	copy(prefix[1:], sh[:])
	return prefix
}

// ParseHistoryKey decodes a history row from its key and value.
func ParseHistoryKey(key, value []byte) (*HistoryRow, error) {
	if len(key) != historyKeySize || key[0] != historyKeyPrefix {
		return nil, fmt.Errorf("malformed history key %x", key)
	}
	if len(value) != 1 {
		return nil, fmt.Errorf("malformed history value %x", value)
	}

	row := &HistoryRow{
		Height:   binary.BigEndian.Uint32(key[1+ScriptHashSize:]),
		Position: binary.BigEndian.Uint32(key[1+ScriptHashSize+4:]),
		Role:     Role(value[0]),
	}
	copy(row.ScriptHash[:], key[1:1+ScriptHashSize])
	copy(row.TxID[:], key[1+ScriptHashSize+8:])
	return row, nil
}

// HistoryKeyScriptHash extracts the fingerprint from a history row key. The
// boolean result is false if the key belongs to another entity type. Reorg
// rollback uses this to compute the set of fingerprints a deleted height
// range touched.
func HistoryKeyScriptHash(key []byte) (ScriptHash, bool) {
	var sh ScriptHash
	if len(key) != historyKeySize || key[0] != historyKeyPrefix {
		return sh, false
	}
	copy(sh[:], key[1:1+ScriptHashSize])
	return sh, true
}

// TxLocation records where a confirmed transaction lives, so it can be
// fetched by id without scanning raw blocks.
type TxLocation struct {
	Height   uint32
	Position uint32
}

// TxLocKey returns the key for a transaction's location row.
func TxLocKey(txid *chainhash.Hash) []byte {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = txLocKeyPrefix
	copy(key[1:], txid[:])
	return key
}

// EncodeTxLoc serializes a transaction location value.
func EncodeTxLoc(loc TxLocation) []byte {
	value := make([]byte, 8)
	binary.BigEndian.PutUint32(value[:4], loc.Height)
	binary.BigEndian.PutUint32(value[4:], loc.Position)
	return value
}

// DecodeTxLoc deserializes a transaction location value.
func DecodeTxLoc(value []byte) (TxLocation, error) {
	if len(value) != 8 {
		return TxLocation{}, fmt.Errorf("malformed tx location "+
			"value %x", value)
	}
	return TxLocation{
		Height:   binary.BigEndian.Uint32(value[:4]),
		Position: binary.BigEndian.Uint32(value[4:]),
	}, nil
}

// OutpointKey returns the key mapping a funded outpoint to the fingerprint it
// pays. These rows let the indexer resolve spending inputs without refetching
// the funding block.
func OutpointKey(op wire.OutPoint) []byte {
	key := make([]byte, 1+chainhash.HashSize+4)
	key[0] = outpointKeyPrefix
	copy(key[1:], op.Hash[:])
	binary.BigEndian.PutUint32(key[1+chainhash.HashSize:], op.Index)
	return key
}

// EncodeOutpointValue serializes the script kind tag and fingerprint of a
// funded output.
func EncodeOutpointValue(kind ScriptKind, sh ScriptHash) []byte {
	value := make([]byte, 1+ScriptHashSize)
	value[0] = byte(kind)
	copy(value[1:], sh[:])
	return value
}

// DecodeOutpointValue deserializes an outpoint index value.
func DecodeOutpointValue(value []byte) (ScriptKind, ScriptHash, error) {
	var sh ScriptHash
	if len(value) != 1+ScriptHashSize {
		return 0, sh, fmt.Errorf("malformed outpoint value %x", value)
	}
	copy(sh[:], value[1:])
	return ScriptKind(value[0]), sh, nil
}

// UndoKey returns the key of the rollback record for a height.
func UndoKey(height uint32) []byte {
	key := make([]byte, 5)
	key[0] = undoKeyPrefix
	binary.BigEndian.PutUint32(key[1:], height)
	return key
}

// EncodeUndo serializes the set of derived-row keys written at one height, so
// a reorg can delete them in a single batch without rescanning the index.
func EncodeUndo(keys [][]byte) []byte {
	size := 4
	for _, key := range keys {
		size += 2 + len(key)
	}
	value := make([]byte, 4, size)
	binary.BigEndian.PutUint32(value, uint32(len(keys)))
	for _, key := range keys {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(key)))
		value = append(value, l[:]...)
		value = append(value, key...)
	}
	return value
}

// DecodeUndo deserializes a rollback record.
func DecodeUndo(value []byte) ([][]byte, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("malformed undo record: %d bytes",
			len(value))
	}
	count := binary.BigEndian.Uint32(value[:4])
	keys := make([][]byte, 0, count)
	rest := value[4:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < 2 {
			return nil, fmt.Errorf("truncated undo record")
		}
		l := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < l {
			return nil, fmt.Errorf("truncated undo record")
		}
		key := make([]byte, l)
		copy(key, rest[:l])
		keys = append(keys, key)
		rest = rest[l:]
	}
	return keys, nil
}

// Checkpoint is the durable record of the highest fully indexed height. It is
// the resume point after a restart or crash.
type Checkpoint struct {
	Height uint32
	Hash   chainhash.Hash
}

// EncodeCheckpoint serializes a checkpoint value.
func EncodeCheckpoint(cp Checkpoint) []byte {
	value := make([]byte, 4+chainhash.HashSize)
	binary.BigEndian.PutUint32(value[:4], cp.Height)
	copy(value[4:], cp.Hash[:])
	return value
}

// DecodeCheckpoint deserializes a checkpoint value.
func DecodeCheckpoint(value []byte) (Checkpoint, error) {
	var cp Checkpoint
	if len(value) != 4+chainhash.HashSize {
		return cp, fmt.Errorf("malformed checkpoint value %x", value)
	}
	cp.Height = binary.BigEndian.Uint32(value[:4])
	copy(cp.Hash[:], value[4:])
	return cp, nil
}
