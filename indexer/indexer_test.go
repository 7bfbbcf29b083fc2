package indexer

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/electrumd/electrumd/chaindb"
	"github.com/electrumd/electrumd/chainsource"
	"github.com/electrumd/electrumd/headerchain"
)

// testPkScript is a fixed p2pkh output script tests fund and spend.
var testPkScript = append(append([]byte{0x76, 0xa9, 0x14},
	make([]byte, 20)...), 0x88, 0xac)

type testEnv struct {
	t       *testing.T
	store   *chaindb.Store
	chain   *headerchain.Chain
	ix      *Indexer
	harness *chainsource.Harness
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := chaindb.NewMemory()
	t.Cleanup(func() { store.Close() })

	chain, err := headerchain.New(headerchain.Config{
		Store:    store,
		Lookback: 100,
	})
	require.NoError(t, err)

	ix, err := New(store, chain)
	require.NoError(t, err)

	return &testEnv{
		t:       t,
		store:   store,
		chain:   chain,
		ix:      ix,
		harness: chainsource.NewHarness(),
	}
}

// extendAll pulls every header the harness has above the tracked tip and
// extends the chain with them.
func (e *testEnv) extendAll() {
	e.t.Helper()

	start := uint32(0)
	if height, _, have := e.chain.Tip(); have {
		start = height + 1
	}
	headers, err := e.harness.GetHeaders(context.Background(), start,
		10000)
	require.NoError(e.t, err)
	require.NoError(e.t, e.chain.Extend(headers))
}

// blocksAt fetches the tracked blocks for the given height range.
func (e *testEnv) blocksAt(from, to uint32) []*btcutil.Block {
	e.t.Helper()

	blocks := make([]*btcutil.Block, 0, to-from+1)
	for height := from; height <= to; height++ {
		header, err := e.chain.HeaderByHeight(height)
		require.NoError(e.t, err)
		hash := header.BlockHash()

		msgBlock, err := e.harness.GetBlock(context.Background(),
			&hash)
		require.NoError(e.t, err)

		block := btcutil.NewBlock(msgBlock)
		block.SetHeight(int32(height))
		blocks = append(blocks, block)
	}
	return blocks
}

// indexAll indexes every tracked height above the checkpoint.
func (e *testEnv) indexAll() map[chaindb.ScriptHash]struct{} {
	e.t.Helper()

	tip, _, have := e.chain.Tip()
	require.True(e.t, have)
	next := e.ix.NextHeight()
	if next > tip {
		return nil
	}

	affected, err := e.ix.IndexBlocks(e.blocksAt(next, tip), next)
	require.NoError(e.t, err)
	return affected
}

// coinbaseOutpoint returns the outpoint of a mined block's coinbase output.
func coinbaseOutpoint(block *wire.MsgBlock) wire.OutPoint {
	return wire.OutPoint{
		Hash:  block.Transactions[0].TxHash(),
		Index: 0,
	}
}

// TestIndexFundingAndSpending checks the derived rows for a funding output
// and a later spend of it, including the cross-block outpoint resolution.
func TestIndexFundingAndSpending(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	sh := chaindb.NewScriptHash(testPkScript)

	b1 := e.harness.NextBlock()
	fund := chainsource.SpendTx(coinbaseOutpoint(b1), 40_0000_0000,
		testPkScript)
	e.harness.NextBlock(fund)
	e.extendAll()

	affected := e.indexAll()
	require.Contains(t, affected, sh)

	rows, err := e.store.ScriptHistory(sh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(2), rows[0].Height)
	require.Equal(t, uint32(1), rows[0].Position)
	require.Equal(t, chaindb.RoleFunding, rows[0].Role)
	require.Equal(t, fund.TxHash(), rows[0].TxID)

	fundTxID := fund.TxHash()
	loc, err := e.store.TxLocation(&fundTxID)
	require.NoError(t, err)
	require.Equal(t, uint32(2), loc.Height)
	require.Equal(t, uint32(1), loc.Position)

	// Spend the funded output in the next block.
	spend := chainsource.SpendTx(
		wire.OutPoint{Hash: fundTxID, Index: 0}, 39_0000_0000,
		[]byte{0x6a},
	)
	e.harness.NextBlock(spend)
	e.extendAll()
	affected = e.indexAll()
	require.Contains(t, affected, sh)

	rows, err = e.store.ScriptHistory(sh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint32(3), rows[1].Height)
	require.Equal(t, chaindb.RoleSpending, rows[1].Role)
	require.Equal(t, spend.TxHash(), rows[1].TxID)
}

// TestIntraBlockSpend checks that an output funded and spent within the same
// batch resolves without touching the committed index.
func TestIntraBlockSpend(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	sh := chaindb.NewScriptHash(testPkScript)

	b1 := e.harness.NextBlock()
	fund := chainsource.SpendTx(coinbaseOutpoint(b1), 40_0000_0000,
		testPkScript)
	spend := chainsource.SpendTx(
		wire.OutPoint{Hash: fund.TxHash(), Index: 0}, 39_0000_0000,
		[]byte{0x6a},
	)
	e.harness.NextBlock(fund, spend)
	e.extendAll()
	e.indexAll()

	rows, err := e.store.ScriptHistory(sh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, rows[0].Height, rows[1].Height)
	require.Equal(t, chaindb.RoleFunding, rows[0].Role)
	require.Equal(t, chaindb.RoleSpending, rows[1].Role)
}

// TestDuplicateSubmission checks that re-submitting indexed heights is a
// no-op and that out-of-order heights are rejected.
func TestDuplicateSubmission(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	b1 := e.harness.NextBlock()
	fund := chainsource.SpendTx(coinbaseOutpoint(b1), 40_0000_0000,
		testPkScript)
	e.harness.NextBlock(fund)
	e.extendAll()
	e.indexAll()

	sh := chaindb.NewScriptHash(testPkScript)
	before, err := e.store.ScriptHistory(sh)
	require.NoError(t, err)

	// Same blocks again: no new rows, no affected fingerprints.
	affected, err := e.ix.IndexBlocks(e.blocksAt(0, 2), 0)
	require.NoError(t, err)
	require.Empty(t, affected)

	after, err := e.store.ScriptHistory(sh)
	require.NoError(t, err)
	require.Equal(t, before, after)

	// A gap is rejected.
	e.harness.NextBlock()
	e.harness.NextBlock()
	e.extendAll()
	_, err = e.ix.IndexBlocks(e.blocksAt(4, 4), 4)
	require.ErrorIs(t, err, ErrHeightGap)
}

// TestHeaderMismatch checks that a block not matching the tracked header at
// its height is rejected.
func TestHeaderMismatch(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	e.harness.NextBlock()
	e.extendAll()

	_, err := e.ix.IndexBlocks(e.blocksAt(0, 0), 0)
	require.NoError(t, err)

	// A block from a different branch at our height 1.
	other := chainsource.NewHarness()
	otherBase := other.NextBlock()
	foreign := other.NextBlock(chainsource.SpendTx(
		coinbaseOutpoint(otherBase), 1000, testPkScript,
	))

	_, err = e.ix.IndexBlock(btcutil.NewBlock(foreign), 1)
	require.ErrorIs(t, err, ErrHeaderMismatch)
}

// TestDanglingSpend checks that a spend of an output the index has never
// seen halts the batch with a DanglingSpendError.
func TestDanglingSpend(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	bogus := chainsource.SpendTx(
		wire.OutPoint{Hash: chainhash.HashH([]byte("x")), Index: 9},
		1000, testPkScript,
	)
	e.harness.NextBlock(bogus)
	e.extendAll()

	_, err := e.ix.IndexBlocks(e.blocksAt(0, 1), 0)
	var dangling *DanglingSpendError
	require.ErrorAs(t, err, &dangling)
	require.Equal(t, uint32(1), dangling.Height)

	// Nothing was committed.
	cp, err := e.store.Checkpoint()
	require.NoError(t, err)
	require.Nil(t, cp)
}

// TestReorgRollback indexes one branch, reorganizes below the tip, and
// checks that rolled-back fingerprints lose their confirmed entries while
// the replacing branch's fingerprints appear.
func TestReorgRollback(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	shA := chaindb.NewScriptHash(testPkScript)

	// Branch A: fund shA at height 7.
	var coinbases []*wire.MsgBlock
	for i := 0; i < 6; i++ {
		coinbases = append(coinbases, e.harness.NextBlock())
	}
	fundA := chainsource.SpendTx(coinbaseOutpoint(coinbases[0]),
		40_0000_0000, testPkScript)
	e.harness.NextBlock(fundA)
	for i := 0; i < 3; i++ {
		e.harness.NextBlock()
	}
	e.extendAll()
	e.indexAll()

	rows, err := e.store.ScriptHistory(shA)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Branch B forks at height 5 and funds a different script.
	otherScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	shB := chaindb.NewScriptHash(otherScript)

	e.harness.InvalidateBlocks(6)
	fundB := chainsource.SpendTx(coinbaseOutpoint(coinbases[1]),
		40_0000_0000, otherScript)
	e.harness.NextBlock(fundB)
	for i := 0; i < 5; i++ {
		e.harness.NextBlock()
	}

	// Reconcile the way the scheduler does: fork point, rollback,
	// re-extend, re-index.
	candidates, err := e.harness.GetHeaders(context.Background(), 0,
		10000)
	require.NoError(t, err)
	fork, err := e.chain.FindForkPoint(candidates, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(5), fork)

	affected, err := e.ix.RollbackTo(fork)
	require.NoError(t, err)
	require.Contains(t, affected, shA)

	e.extendAll()
	e.indexAll()

	// shA was only funded on branch A.
	rows, err = e.store.ScriptHistory(shA)
	require.NoError(t, err)
	require.Empty(t, rows)
	fundATxID := fundA.TxHash()
	_, err = e.store.TxLocation(&fundATxID)
	require.Error(t, err)
	_, ok, err := e.store.ResolveOutpoint(
		wire.OutPoint{Hash: fundATxID, Index: 0})
	require.NoError(t, err)
	require.False(t, ok)

	// shB lives at branch B's height.
	rows, err = e.store.ScriptHistory(shB)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(6), rows[0].Height)

	cp, err := e.store.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint32(11), cp.Height)
}

// TestCheckpointRecovery checks that a new indexer over an existing store
// resumes at the height after the checkpoint instead of zero.
func TestCheckpointRecovery(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	for i := 0; i < 5; i++ {
		e.harness.NextBlock()
	}
	e.extendAll()
	e.indexAll()

	reopened, err := New(e.store, e.chain)
	require.NoError(t, err)
	require.Equal(t, uint32(6), reopened.NextHeight())
	require.Equal(t, uint32(5), reopened.Checkpoint().Height)
}
