package reorg

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-supervisor-x/op-node/rollup/event"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/superevents"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

type fakeL1 struct {
	canonical map[uint64]bool
}

func (f *fakeL1) IsCanonical(_ context.Context, id eth.BlockID) (bool, error) {
	return f.canonical[id.Number], nil
}

type fakeChainStore struct {
	activation types.ActivationPair
	crossSafe  types.BlockSeal
	crossSafeSource types.BlockSeal
	rewound    *eth.BlockID
	rewoundToSource *eth.BlockID
}

func (f *fakeChainStore) Activation() (types.ActivationPair, error) { return f.activation, nil }

func (f *fakeChainStore) SafetyHead(level types.SafetyLevel) (types.BlockSeal, error) {
	if level == types.CrossSafe {
		return f.crossSafe, nil
	}
	return types.BlockSeal{}, types.ErrFuture
}

// DerivedByNumber stands in for the derivation index: the cross-safe head's
// L2 block number maps to the L1 source it was derived from, which is a
// different number space entirely.
func (f *fakeChainStore) DerivedByNumber(derivedNumber uint64) (types.DerivedBlockSealPair, error) {
	if derivedNumber != f.crossSafe.Number {
		return types.DerivedBlockSealPair{}, types.ErrEntryNotFound
	}
	return types.DerivedBlockSealPair{Source: f.crossSafeSource, Derived: f.crossSafe}, nil
}

func (f *fakeChainStore) TraversalAtSource(uint64) (types.SourceTraversal, error) {
	return types.SourceTraversal{}, types.ErrEntryNotFound
}

func (f *fakeChainStore) Rewind(to eth.BlockID) error {
	f.rewound = &to
	return nil
}

func (f *fakeChainStore) RewindToSource(sourceID eth.BlockID) (eth.BlockID, bool, error) {
	f.rewoundToSource = &sourceID
	return eth.BlockID{Number: sourceID.Number}, true, nil
}

type fakeEmitter struct{ events []event.Event }

func (f *fakeEmitter) Emit(ev event.Event) { f.events = append(f.events, ev) }

func TestProcessChainReorg_NoReorgWhenCanonical(t *testing.T) {
	chainID := eth.ChainIDFromUInt64(900)
	store := &fakeChainStore{
		activation:      types.ActivationPair{Source: types.BlockSeal{Number: 1}, Derived: types.BlockSeal{Number: 100}},
		crossSafe:       types.BlockSeal{Number: 105, Hash: common.HexToHash("0x5")},
		crossSafeSource: types.BlockSeal{Number: 1005, Hash: common.HexToHash("0xa5")},
	}
	l1 := &fakeL1{canonical: map[uint64]bool{1005: true}}
	h := NewHandler(log.New(), map[eth.ChainID]ChainStore{chainID: store}, l1)
	emitter := &fakeEmitter{}
	h.AttachEmitter(emitter)

	handled := h.OnEvent(superevents.L1ReorgEvent{NewL1Head: eth.BlockRef{Number: 200}})
	require.True(t, handled)
	require.Nil(t, store.rewound)
	require.Nil(t, store.rewoundToSource)
}

func TestProcessChainReorg_RewindsToLastCanonical(t *testing.T) {
	chainID := eth.ChainIDFromUInt64(900)
	store := &fakeChainStore{
		activation:      types.ActivationPair{Source: types.BlockSeal{Number: 1}, Derived: types.BlockSeal{Number: 100}},
		crossSafe:       types.BlockSeal{Number: 110, Hash: common.HexToHash("0x10")},
		crossSafeSource: types.BlockSeal{Number: 1010, Hash: common.HexToHash("0xa10")},
	}
	l1 := &fakeL1{canonical: map[uint64]bool{1010: false, 1009: false, 1008: true}}
	h := NewHandler(log.New(), map[eth.ChainID]ChainStore{chainID: store}, l1)
	emitter := &fakeEmitter{}
	h.AttachEmitter(emitter)

	handled := h.OnEvent(superevents.L1ReorgEvent{NewL1Head: eth.BlockRef{Number: 200}})
	require.True(t, handled)
	require.NotNil(t, store.rewoundToSource)
	require.Equal(t, uint64(1008), store.rewoundToSource.Number)
	require.Len(t, emitter.events, 1)
}

func TestProcessChainReorg_FallsBackToActivation(t *testing.T) {
	chainID := eth.ChainIDFromUInt64(900)
	store := &fakeChainStore{
		activation:      types.ActivationPair{Source: types.BlockSeal{Number: 50}, Derived: types.BlockSeal{Number: 100}},
		crossSafe:       types.BlockSeal{Number: 110, Hash: common.HexToHash("0x10")},
		crossSafeSource: types.BlockSeal{Number: 1010, Hash: common.HexToHash("0xa10")},
	}
	l1 := &fakeL1{canonical: map[uint64]bool{}} // nothing is canonical all the way back
	h := NewHandler(log.New(), map[eth.ChainID]ChainStore{chainID: store}, l1)
	emitter := &fakeEmitter{}
	h.AttachEmitter(emitter)

	h.OnEvent(superevents.L1ReorgEvent{NewL1Head: eth.BlockRef{Number: 200}})
	require.NotNil(t, store.rewound)
	require.Equal(t, uint64(100), store.rewound.Number)
}
