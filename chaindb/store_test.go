package chaindb

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/luxfi/database"
	"github.com/stretchr/testify/require"
)

// TestCheckpointPersistence checks that a fresh store has no checkpoint and
// that one written through a batch reads back intact.
func TestCheckpointPersistence(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()

	cp, err := store.Checkpoint()
	require.NoError(t, err)
	require.Nil(t, cp)

	want := Checkpoint{Height: 100, Hash: chainhash.HashH([]byte("b"))}
	batch := store.NewBatch()
	require.NoError(t, PutCheckpoint(batch, want))
	require.NoError(t, batch.Write())

	cp, err = store.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, want, *cp)
}

// TestHeaderPersistence checks the header row and its hash index row.
func TestHeaderPersistence(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()

	header := wire.BlockHeader{
		Version:   1,
		PrevBlock: chainhash.HashH([]byte("prev")),
		Bits:      0x1d00ffff,
		Nonce:     42,
	}

	batch := store.NewBatch()
	require.NoError(t, PutHeader(batch, 7, &header))
	require.NoError(t, batch.Write())

	got, err := store.Header(7)
	require.NoError(t, err)
	require.Equal(t, header.BlockHash(), got.BlockHash())

	hash := header.BlockHash()
	height, err := store.HeightByHash(&hash)
	require.NoError(t, err)
	require.Equal(t, uint32(7), height)

	_, err = store.Header(8)
	require.ErrorIs(t, err, database.ErrNotFound)
}

// TestScriptHistoryScan checks that a fingerprint's history scan returns
// only that fingerprint's rows, ordered by height then position, regardless
// of insertion order.
func TestScriptHistoryScan(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()

	sh := NewScriptHash([]byte{0x51})
	other := NewScriptHash([]byte{0x52})
	txid := chainhash.HashH([]byte("tx"))

	batch := store.NewBatch()
	put := func(target ScriptHash, height, pos uint32, role Role) {
		key := HistoryKey(target, height, pos, &txid)
		require.NoError(t, batch.Put(key, []byte{byte(role)}))
	}
	put(sh, 20, 1, RoleSpending)
	put(sh, 5, 3, RoleFunding)
	put(other, 6, 0, RoleFunding)
	put(sh, 5, 1, RoleFunding)
	require.NoError(t, batch.Write())

	rows, err := store.ScriptHistory(sh)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, uint32(5), rows[0].Height)
	require.Equal(t, uint32(1), rows[0].Position)
	require.Equal(t, uint32(5), rows[1].Height)
	require.Equal(t, uint32(3), rows[1].Position)
	require.Equal(t, uint32(20), rows[2].Height)
	require.Equal(t, RoleSpending, rows[2].Role)

	rows, err = store.ScriptHistory(NewScriptHash([]byte{0x99}))
	require.NoError(t, err)
	require.Empty(t, rows)
}

// TestResolveOutpoint checks the outpoint to fingerprint mapping used for
// spend resolution.
func TestResolveOutpoint(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()

	sh := NewScriptHash([]byte{0x00, 0x14})
	op := wire.OutPoint{Hash: chainhash.HashH([]byte("fund")), Index: 2}

	batch := store.NewBatch()
	err := batch.Put(OutpointKey(op),
		EncodeOutpointValue(KindWitnessPubKeyHash, sh))
	require.NoError(t, err)
	require.NoError(t, batch.Write())

	got, ok, err := store.ResolveOutpoint(op)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sh, got)

	_, ok, err = store.ResolveOutpoint(wire.OutPoint{Hash: op.Hash})
	require.NoError(t, err)
	require.False(t, ok)
}
