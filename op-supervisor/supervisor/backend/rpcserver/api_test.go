package rpcserver

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/testlog"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

type fakeBackend struct {
	heads      map[types.SafetyLevel]eth.BlockID
	sources    map[uint64]eth.BlockID
	accessFn   func(types.Access, types.SafetyLevel) error
	finalizedL1 eth.BlockID
	syncStatusFn func() (eth.BlockID, uint64, uint64, []backend.ChainSyncStatus, error)
}

func (f *fakeBackend) SafetyHead(chainID eth.ChainID, level types.SafetyLevel) (eth.BlockID, error) {
	id, ok := f.heads[level]
	if !ok {
		return eth.BlockID{}, types.ErrEntryNotFound
	}
	return id, nil
}

func (f *fakeBackend) DerivedToSource(chainID eth.ChainID, derivedNumber uint64) (eth.BlockID, error) {
	id, ok := f.sources[derivedNumber]
	if !ok {
		return eth.BlockID{}, types.ErrEntryNotFound
	}
	return id, nil
}

func (f *fakeBackend) CheckAccess(access types.Access, minimum types.SafetyLevel) error {
	if f.accessFn != nil {
		return f.accessFn(access, minimum)
	}
	return nil
}

func (f *fakeBackend) FinalizedL1() (eth.BlockID, error) {
	return f.finalizedL1, nil
}

func (f *fakeBackend) AllSafeDerivedAt(sourceNumber uint64) (map[eth.ChainID]eth.BlockID, error) {
	return nil, nil
}

func (f *fakeBackend) DependencySetV1() ([]eth.ChainID, uint64) {
	return nil, 0
}

func (f *fakeBackend) SyncStatus() (eth.BlockID, uint64, uint64, []backend.ChainSyncStatus, error) {
	if f.syncStatusFn != nil {
		return f.syncStatusFn()
	}
	return eth.BlockID{}, 0, 0, nil, nil
}

func TestAPI_CrossSafe(t *testing.T) {
	chainID := eth.ChainIDFromUInt64(901)
	derived := eth.BlockID{Hash: common.HexToHash("0xaa"), Number: 10}
	source := eth.BlockID{Hash: common.HexToHash("0xbb"), Number: 5}
	backend := &fakeBackend{
		heads:   map[types.SafetyLevel]eth.BlockID{types.CrossSafe: derived},
		sources: map[uint64]eth.BlockID{10: source},
	}
	api := NewAPI(testlog.Logger(t, log.LvlDebug), backend)

	pair, err := api.CrossSafe(context.Background(), chainID)
	require.NoError(t, err)
	require.Equal(t, derived, pair.Derived)
	require.Equal(t, source, pair.Source)
}

func TestAPI_SyncStatus(t *testing.T) {
	chainStatus := []backend.ChainSyncStatus{
		{ChainID: eth.ChainIDFromUInt64(901), LocalUnsafe: eth.BlockID{Number: 10}},
	}
	b := &fakeBackend{
		syncStatusFn: func() (eth.BlockID, uint64, uint64, []backend.ChainSyncStatus, error) {
			return eth.BlockID{Number: 5}, 100, 90, chainStatus, nil
		},
	}
	api := NewAPI(testlog.Logger(t, log.LvlDebug), b)

	status, err := api.SyncStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), status.MinSyncedL1.Number)
	require.Equal(t, uint64(100), status.MinCrossSafeTs)
	require.Equal(t, uint64(90), status.MinFinalizedTs)
	require.Equal(t, chainStatus, status.Chains)
}

func TestAPI_SyncStatus_PropagatesFailure(t *testing.T) {
	b := &fakeBackend{
		syncStatusFn: func() (eth.BlockID, uint64, uint64, []backend.ChainSyncStatus, error) {
			return eth.BlockID{}, 0, 0, nil, types.ErrEntryNotFound
		},
	}
	api := NewAPI(testlog.Logger(t, log.LvlDebug), b)

	_, err := api.SyncStatus(context.Background())
	require.ErrorIs(t, err, types.ErrEntryNotFound)
}

func TestAPI_CheckAccessList_PropagatesFailure(t *testing.T) {
	backend := &fakeBackend{
		accessFn: func(access types.Access, minimum types.SafetyLevel) error {
			return types.ErrDependencyNotSafe
		},
	}
	api := NewAPI(testlog.Logger(t, log.LvlDebug), backend)

	err := api.CheckAccessList(context.Background(), []AccessEntry{{ChainID: eth.ChainIDFromUInt64(1)}}, types.CrossSafe)
	require.ErrorIs(t, err, types.ErrDependencyNotSafe)
}
