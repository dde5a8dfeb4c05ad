package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

type fakeLogProvider struct {
	logs   map[eth.ChainID]map[uint64][]types.Log
	blocks map[eth.ChainID]map[uint64]eth.BlockRef
}

func (f *fakeLogProvider) LogsAtBlock(_ context.Context, chainID eth.ChainID, number uint64) ([]types.Log, error) {
	return f.logs[chainID][number], nil
}

func (f *fakeLogProvider) BlockRefByNumber(_ context.Context, chainID eth.ChainID, number uint64) (eth.BlockRef, error) {
	return f.blocks[chainID][number], nil
}

type fakeRollup struct {
	activation map[eth.ChainID]uint64
	blockTime  map[eth.ChainID]uint64
	chains     map[eth.ChainID]bool
}

func (f *fakeRollup) ActivationTime(id eth.ChainID) (uint64, bool) {
	v, ok := f.activation[id]
	return v, ok
}
func (f *fakeRollup) BlockTime(id eth.ChainID) uint64 { return f.blockTime[id] }
func (f *fakeRollup) HasChain(id eth.ChainID) bool    { return f.chains[id] }
func (f *fakeRollup) MessageExpiryWindow() uint64     { return 7 * 24 * 60 * 60 }

func setup() (eth.ChainID, eth.ChainID, *fakeLogProvider, *fakeRollup) {
	chainA := eth.ChainIDFromUInt64(1)
	chainB := eth.ChainIDFromUInt64(2)
	rollup := &fakeRollup{
		activation: map[eth.ChainID]uint64{chainA: 0, chainB: 0},
		blockTime:  map[eth.ChainID]uint64{chainA: 1, chainB: 1},
		chains:     map[eth.ChainID]bool{chainA: true, chainB: true},
	}
	remoteLog := types.Log{Index: 0, Hash: common.HexToHash("0xbeef")}
	provider := &fakeLogProvider{
		logs:   map[eth.ChainID]map[uint64][]types.Log{chainA: {10: {remoteLog}}},
		blocks: map[eth.ChainID]map[uint64]eth.BlockRef{chainA: {10: {Number: 10, Time: 5}}},
	}
	return chainA, chainB, provider, rollup
}

func TestResolve_ValidMessage(t *testing.T) {
	chainA, chainB, provider, rollup := setup()
	execMsg := &types.ExecutingMessage{Chain: chainA, BlockNum: 10, LogIdx: 0, Timestamp: 5, Hash: common.HexToHash("0xbeef")}
	candidates := []CandidateBlock{
		{ChainID: chainB, Block: eth.BlockRef{Time: 6}, Logs: []types.Log{{Index: 0, ExecutingMessage: execMsg}}},
	}
	g := New(provider, rollup, candidates)
	require.NoError(t, g.Resolve(context.Background()))
}

func TestResolve_InvalidHash(t *testing.T) {
	chainA, chainB, provider, rollup := setup()
	execMsg := &types.ExecutingMessage{Chain: chainA, BlockNum: 10, LogIdx: 0, Timestamp: 5, Hash: common.HexToHash("0xdead")}
	candidates := []CandidateBlock{
		{ChainID: chainB, Block: eth.BlockRef{Time: 6}, Logs: []types.Log{{Index: 0, ExecutingMessage: execMsg}}},
	}
	g := New(provider, rollup, candidates)
	err := g.Resolve(context.Background())
	require.Error(t, err)
	var invalidErr *InvalidMessagesError
	require.True(t, errors.As(err, &invalidErr))
	require.Contains(t, invalidErr.Chains, chainB)
	require.ErrorIs(t, invalidErr.Chains[chainB], types.ErrInvalidMessageHash)
}

func TestResolve_MessageInFuture(t *testing.T) {
	chainA, chainB, provider, rollup := setup()
	execMsg := &types.ExecutingMessage{Chain: chainA, BlockNum: 10, LogIdx: 0, Timestamp: 100, Hash: common.HexToHash("0xbeef")}
	candidates := []CandidateBlock{
		{ChainID: chainB, Block: eth.BlockRef{Time: 6}, Logs: []types.Log{{Index: 0, ExecutingMessage: execMsg}}},
	}
	g := New(provider, rollup, candidates)
	err := g.Resolve(context.Background())
	var invalidErr *InvalidMessagesError
	require.True(t, errors.As(err, &invalidErr))
	require.ErrorIs(t, invalidErr.Chains[chainB], types.ErrMessageInFuture)
}

func TestResolve_RemoteMessageNotFound(t *testing.T) {
	chainA, chainB, provider, rollup := setup()
	execMsg := &types.ExecutingMessage{Chain: chainA, BlockNum: 10, LogIdx: 5, Timestamp: 5, Hash: common.HexToHash("0xbeef")}
	candidates := []CandidateBlock{
		{ChainID: chainB, Block: eth.BlockRef{Time: 6}, Logs: []types.Log{{Index: 0, ExecutingMessage: execMsg}}},
	}
	g := New(provider, rollup, candidates)
	err := g.Resolve(context.Background())
	var invalidErr *InvalidMessagesError
	require.True(t, errors.As(err, &invalidErr))
	require.ErrorIs(t, invalidErr.Chains[chainB], types.ErrRemoteMessageNotFound)
}

func TestResolve_UnknownInitiatingChain(t *testing.T) {
	_, chainB, provider, rollup := setup()
	unknownChain := eth.ChainIDFromUInt64(999)
	execMsg := &types.ExecutingMessage{Chain: unknownChain, BlockNum: 10, LogIdx: 0, Timestamp: 5, Hash: common.HexToHash("0xbeef")}
	candidates := []CandidateBlock{
		{ChainID: chainB, Block: eth.BlockRef{Time: 6}, Logs: []types.Log{{Index: 0, ExecutingMessage: execMsg}}},
	}
	g := New(provider, rollup, candidates)
	err := g.Resolve(context.Background())
	require.Error(t, err)
}
