package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-supervisor-x/op-node/rollup/event"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/testlog"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/depset"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/superevents"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/syncnode"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/metrics"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

const testChainIDOffset = 900

// singleChainConfigSet builds a FullConfigSet for one chain, with interop
// active at genesis timestamp so the backend seeds storage immediately.
func singleChainConfigSet(t *testing.T, chainID eth.ChainID, genesis eth.BlockRef) depset.FullConfigSet {
	depSet, err := depset.NewStaticDependencySet(map[eth.ChainID]depset.StaticConfigDependency{
		chainID: {},
	}, nil)
	require.NoError(t, err)

	activation := genesis.Time
	rollupCfgSet := depset.StaticRollupConfigSet{
		chainID: &depset.RollupConfig{
			L2ChainID:   chainID,
			InteropTime: &activation,
			BlockTime:   2,
			Genesis: depset.Genesis{
				L1: types.BlockSealFromRef(genesis),
				L2: types.BlockSealFromRef(genesis),
			},
		},
	}

	fullCfgSet, err := depset.NewFullConfigSet(depSet, rollupCfgSet)
	require.NoError(t, err)
	return fullCfgSet
}

func TestNewSupervisorBackend_SeedsGenesisAndReportsSafetyHeads(t *testing.T) {
	logger := testlog.Logger(t, log.LvlInfo)
	chainID := eth.ChainIDFromUInt64(testChainIDOffset)

	genesis := eth.BlockRef{
		Hash:       common.Hash{0xff},
		Number:     0,
		ParentHash: common.Hash{},
		Time:       10_000,
	}
	fullCfgSet := singleChainConfigSet(t, chainID, genesis)

	cfg := Config{
		Datadir:               t.TempDir(),
		FullConfigSet:         fullCfgSet,
		SynchronousProcessors: true,
	}

	b, err := NewSupervisorBackend(context.Background(), logger, metrics.NoopMetrics, cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Drain())

	head, err := b.SafetyHead(chainID, types.CrossSafe)
	require.NoError(t, err)
	require.Equal(t, genesis.ID(), head)

	head, err = b.SafetyHead(chainID, types.LocalUnsafe)
	require.NoError(t, err)
	require.Equal(t, genesis.ID(), head)
}

func TestSupervisorBackend_UnknownChainErrors(t *testing.T) {
	logger := testlog.Logger(t, log.LvlInfo)
	chainID := eth.ChainIDFromUInt64(testChainIDOffset)
	other := eth.ChainIDFromUInt64(testChainIDOffset + 1)

	genesis := eth.BlockRef{Hash: common.Hash{0xff}, Number: 0, Time: 1}
	fullCfgSet := singleChainConfigSet(t, chainID, genesis)

	cfg := Config{
		Datadir:               t.TempDir(),
		FullConfigSet:         fullCfgSet,
		SynchronousProcessors: true,
	}

	b, err := NewSupervisorBackend(context.Background(), logger, metrics.NoopMetrics, cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.SafetyHead(other, types.LocalUnsafe)
	require.Error(t, err)
}

func TestSupervisorBackend_LocalUnsafeUpdatePromotesCrossUnsafe(t *testing.T) {
	logger := testlog.Logger(t, log.LvlInfo)
	chainID := eth.ChainIDFromUInt64(testChainIDOffset)

	genesis := eth.BlockRef{Hash: common.Hash{0xff}, Number: 0, Time: 10_000}
	fullCfgSet := singleChainConfigSet(t, chainID, genesis)

	cfg := Config{
		Datadir:               t.TempDir(),
		FullConfigSet:         fullCfgSet,
		SynchronousProcessors: true,
	}

	b, err := NewSupervisorBackend(context.Background(), logger, metrics.NoopMetrics, cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Drain())

	blockX := eth.BlockRef{
		Hash:       common.Hash{0xaa},
		Number:     genesis.Number + 1,
		ParentHash: genesis.Hash,
		Time:       genesis.Time + 2,
	}

	b.Emit(superevents.LocalUnsafeUpdateEvent{
		ChainID:        chainID,
		NewUnsafeBlock: blockX,
		Logs:           nil,
	})
	require.NoError(t, b.Drain())

	head, err := b.SafetyHead(chainID, types.CrossUnsafe)
	require.NoError(t, err)
	require.Equal(t, blockX.ID(), head)
}

func TestSupervisorBackend_CheckAccess(t *testing.T) {
	logger := testlog.Logger(t, log.LvlInfo)
	chainID := eth.ChainIDFromUInt64(testChainIDOffset)

	genesis := eth.BlockRef{Hash: common.Hash{0xff}, Number: 0, Time: 10_000}
	fullCfgSet := singleChainConfigSet(t, chainID, genesis)

	cfg := Config{
		Datadir:               t.TempDir(),
		FullConfigSet:         fullCfgSet,
		SynchronousProcessors: true,
	}

	b, err := NewSupervisorBackend(context.Background(), logger, metrics.NoopMetrics, cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Drain())

	block := eth.BlockRef{
		Hash:       common.Hash{0xaa},
		Number:     genesis.Number + 1,
		ParentHash: genesis.Hash,
		Time:       genesis.Time + 2,
	}
	logHash := common.Hash{0x01}
	b.Emit(superevents.LocalUnsafeUpdateEvent{
		ChainID:        chainID,
		NewUnsafeBlock: block,
		Logs: []types.Log{
			{Index: 0, Hash: logHash},
		},
	})
	require.NoError(t, b.Drain())

	// LocalUnsafe satisfies the LocalUnsafe minimum.
	err = b.CheckAccess(types.Access{
		ChainID:  chainID,
		BlockNum: block.Number,
		LogIdx:   0,
		LogHash:  logHash,
	}, types.LocalUnsafe)
	require.NoError(t, err)

	// Wrong checksum is rejected regardless of safety level.
	err = b.CheckAccess(types.Access{
		ChainID:  chainID,
		BlockNum: block.Number,
		LogIdx:   0,
		LogHash:  common.Hash{0x02},
	}, types.LocalUnsafe)
	require.ErrorIs(t, err, types.ErrInvalidMessageHash)

	// Cross-safe has not advanced to this block yet.
	err = b.CheckAccess(types.Access{
		ChainID:  chainID,
		BlockNum: block.Number,
		LogIdx:   0,
		LogHash:  logHash,
	}, types.CrossSafe)
	require.ErrorIs(t, err, types.ErrDependencyNotSafe)
}

var _ event.Emitter = (*Backend)(nil)
var _ syncnode.SyncControl = (*syncnode.RPCClient)(nil)
