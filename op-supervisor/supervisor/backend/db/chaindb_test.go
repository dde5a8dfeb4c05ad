package db

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

func testChainID() eth.ChainID {
	return eth.ChainIDFromUInt64(900)
}

func newTestDB(t *testing.T) *ChainDB {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(log.New(), nil, dir, testChainID())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func block(number uint64, hash, parent common.Hash, time uint64) eth.BlockRef {
	return eth.BlockRef{Hash: hash, Number: number, ParentHash: parent, Time: time}
}

func TestInitialiseLogStorage(t *testing.T) {
	c := newTestDB(t)
	genesis := block(100, common.HexToHash("0xa"), common.HexToHash("0x9"), 1000)

	require.NoError(t, c.InitialiseLogStorage(genesis))
	// idempotent re-init with identical block
	require.NoError(t, c.InitialiseLogStorage(genesis))

	head, err := c.SafetyHead(types.LocalUnsafe)
	require.NoError(t, err)
	require.Equal(t, genesis.Hash, head.Hash)

	// conflicting re-init
	other := block(100, common.HexToHash("0xb"), common.HexToHash("0x9"), 1000)
	err = c.InitialiseLogStorage(other)
	require.ErrorIs(t, err, types.ErrConflict)
}

func TestStoreBlockLogs_AppendAndConflict(t *testing.T) {
	c := newTestDB(t)
	genesis := block(100, common.HexToHash("0xa"), common.HexToHash("0x9"), 1000)
	require.NoError(t, c.InitialiseLogStorage(genesis))

	next := block(101, common.HexToHash("0xb"), genesis.Hash, 1002)
	logs := []types.Log{{Index: 0, Hash: common.HexToHash("0xl0")}}
	require.NoError(t, c.StoreBlockLogs(next, logs))

	got, err := c.LogsAtBlock(101)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// re-appending identical block is a no-op
	require.NoError(t, c.StoreBlockLogs(next, logs))

	// conflicting block at same height
	badNext := block(101, common.HexToHash("0xc"), genesis.Hash, 1002)
	err = c.StoreBlockLogs(badNext, nil)
	require.ErrorIs(t, err, types.ErrConflict)

	// out of order (skips a height)
	skip := block(103, common.HexToHash("0xd"), next.Hash, 1004)
	err = c.StoreBlockLogs(skip, nil)
	require.ErrorIs(t, err, types.ErrBlockOutOfOrder)
}

func TestStoreBlockLogs_RequiresInitialisation(t *testing.T) {
	c := newTestDB(t)
	err := c.StoreBlockLogs(block(1, common.HexToHash("0x1"), common.Hash{}, 1), nil)
	require.ErrorIs(t, err, types.ErrDatabaseNotInitialised)
}

func TestSaveDerivedBlock(t *testing.T) {
	c := newTestDB(t)
	genesisL2 := block(100, common.HexToHash("0xa"), common.HexToHash("0x9"), 1000)
	genesisL1 := block(10, common.HexToHash("0x1a"), common.HexToHash("0x19"), 990)
	require.NoError(t, c.InitialiseLogStorage(genesisL2))
	require.NoError(t, c.InitialiseDerivationStorage(types.DerivedBlockRefPair{Source: genesisL1, Derived: genesisL2}))

	// logs for 101 not yet ingested: expect ErrFuture
	l2Next := block(101, common.HexToHash("0xb"), genesisL2.Hash, 1002)
	l1Next := block(11, common.HexToHash("0x1b"), genesisL1.Hash, 992)
	err := c.SaveDerivedBlock(types.DerivedBlockRefPair{Source: l1Next, Derived: l2Next})
	require.ErrorIs(t, err, types.ErrFuture)

	require.NoError(t, c.StoreBlockLogs(l2Next, nil))
	require.NoError(t, c.SaveDerivedBlock(types.DerivedBlockRefPair{Source: l1Next, Derived: l2Next}))

	head, err := c.SafetyHead(types.LocalSafe)
	require.NoError(t, err)
	require.Equal(t, l2Next.Hash, head.Hash)
}

func TestUpdateCurrentCrossUnsafeAndCrossSafe(t *testing.T) {
	c := newTestDB(t)
	genesisL2 := block(100, common.HexToHash("0xa"), common.HexToHash("0x9"), 1000)
	genesisL1 := block(10, common.HexToHash("0x1a"), common.HexToHash("0x19"), 990)
	require.NoError(t, c.InitialiseLogStorage(genesisL2))
	require.NoError(t, c.InitialiseDerivationStorage(types.DerivedBlockRefPair{Source: genesisL1, Derived: genesisL2}))

	l2Next := block(101, common.HexToHash("0xb"), genesisL2.Hash, 1002)
	l1Next := block(11, common.HexToHash("0x1b"), genesisL1.Hash, 992)
	require.NoError(t, c.StoreBlockLogs(l2Next, nil))
	require.NoError(t, c.SaveDerivedBlock(types.DerivedBlockRefPair{Source: l1Next, Derived: l2Next}))

	require.NoError(t, c.UpdateCurrentCrossUnsafe(types.BlockSealFromRef(l2Next)))
	require.NoError(t, c.UpdateCurrentCrossSafe(types.BlockSealFromRef(l1Next), types.BlockSealFromRef(l2Next)))

	xu, err := c.SafetyHead(types.CrossUnsafe)
	require.NoError(t, err)
	require.Equal(t, l2Next.Hash, xu.Hash)

	xs, err := c.SafetyHead(types.CrossSafe)
	require.NoError(t, err)
	require.Equal(t, l2Next.Hash, xs.Hash)

	// rejects a block the log index doesn't have
	bogus := types.BlockSeal{Hash: common.HexToHash("0xdead"), Number: 102, Timestamp: 1004}
	err = c.UpdateCurrentCrossUnsafe(bogus)
	require.ErrorIs(t, err, types.ErrConflict)
}

func TestRewindLogStorage(t *testing.T) {
	c := newTestDB(t)
	genesis := block(100, common.HexToHash("0xa"), common.HexToHash("0x9"), 1000)
	require.NoError(t, c.InitialiseLogStorage(genesis))
	next := block(101, common.HexToHash("0xb"), genesis.Hash, 1002)
	require.NoError(t, c.StoreBlockLogs(next, nil))

	require.NoError(t, c.RewindLogStorage(eth.BlockID{Number: 101}))

	_, err := c.BlockRefByNumber(101)
	require.ErrorIs(t, err, types.ErrEntryNotFound)

	head, err := c.SafetyHead(types.LocalUnsafe)
	require.NoError(t, err)
	require.Equal(t, genesis.Hash, head.Hash)
}
