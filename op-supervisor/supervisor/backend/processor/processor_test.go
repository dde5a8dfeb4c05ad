package processor

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

type fakeStore struct {
	heads   map[types.SafetyLevel]types.BlockSeal
	blocks  map[uint64]eth.BlockRef
	derived map[uint64]types.DerivedBlockSealPair
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		heads:   make(map[types.SafetyLevel]types.BlockSeal),
		blocks:  make(map[uint64]eth.BlockRef),
		derived: make(map[uint64]types.DerivedBlockSealPair),
	}
}

func (f *fakeStore) StoreBlockLogs(block eth.BlockRef, logs []types.Log) error {
	f.blocks[block.Number] = block
	f.heads[types.LocalUnsafe] = types.BlockSealFromRef(block)
	return nil
}

func (f *fakeStore) SaveDerivedBlock(pair types.DerivedBlockRefPair) error {
	f.derived[pair.Derived.Number] = pair.Seals()
	f.heads[types.LocalSafe] = types.BlockSealFromRef(pair.Derived)
	return nil
}

func (f *fakeStore) SaveSourceBlock(eth.BlockRef) error { return nil }

func (f *fakeStore) UpdateCurrentCrossUnsafe(block types.BlockSeal) error {
	f.heads[types.CrossUnsafe] = block
	return nil
}

func (f *fakeStore) UpdateCurrentCrossSafe(source, derived types.BlockSeal) error {
	f.heads[types.CrossSafe] = derived
	return nil
}

func (f *fakeStore) UpdateFinalizedUsingSource(types.BlockSeal) error { return types.ErrEntryNotFound }

func (f *fakeStore) SafetyHead(level types.SafetyLevel) (types.BlockSeal, error) {
	seal, ok := f.heads[level]
	if !ok {
		return types.BlockSeal{}, types.ErrFuture
	}
	return seal, nil
}

func (f *fakeStore) BlockRefByNumber(number uint64) (eth.BlockRef, error) {
	b, ok := f.blocks[number]
	if !ok {
		return eth.BlockRef{}, types.ErrEntryNotFound
	}
	return b, nil
}

func (f *fakeStore) Rewind(to eth.BlockID) error {
	for n := range f.blocks {
		if n >= to.Number {
			delete(f.blocks, n)
		}
	}
	for n := range f.derived {
		if n >= to.Number {
			delete(f.derived, n)
		}
	}
	return nil
}

func (f *fakeStore) DerivedByNumber(number uint64) (types.DerivedBlockSealPair, error) {
	p, ok := f.derived[number]
	if !ok {
		return types.DerivedBlockSealPair{}, types.ErrEntryNotFound
	}
	return p, nil
}

type fakeCandidateSource struct {
	chainID eth.ChainID
	logs    map[uint64][]types.Log
}

func (f *fakeCandidateSource) Chains() []eth.ChainID { return []eth.ChainID{f.chainID} }

func (f *fakeCandidateSource) BlockRefByNumber(_ context.Context, _ eth.ChainID, number uint64) (eth.BlockRef, error) {
	return eth.BlockRef{Number: number}, nil
}

func (f *fakeCandidateSource) LogsAtBlock(_ context.Context, _ eth.ChainID, number uint64) ([]types.Log, error) {
	return f.logs[number], nil
}

type fakeRollup struct{}

func (fakeRollup) ActivationTime(eth.ChainID) (uint64, bool) { return 0, true }
func (fakeRollup) BlockTime(eth.ChainID) uint64              { return 1 }
func (fakeRollup) HasChain(eth.ChainID) bool                 { return true }
func (fakeRollup) MessageExpiryWindow() uint64               { return 7 * 24 * 60 * 60 }

type fakeEmitter struct {
	events []event.Event
}

func (f *fakeEmitter) Emit(ev event.Event) {
	f.events = append(f.events, ev)
}

var _ event.Emitter = (*fakeEmitter)(nil)

func TestChainProcessor_OnLocalUnsafe_NoExecutingMessages(t *testing.T) {
	chainID := eth.ChainIDFromUInt64(900)
	store := newFakeStore()
	store.heads[types.CrossUnsafe] = types.BlockSeal{Number: 5, Hash: common.HexToHash("0x5")}
	candidates := &fakeCandidateSource{chainID: chainID, logs: map[uint64][]types.Log{}}

	p := NewChainProcessor(log.New(), chainID, store, candidates, fakeRollup{})
	emitter := &fakeEmitter{}
	p.AttachEmitter(emitter)

	block := eth.BlockRef{Number: 6, Hash: common.HexToHash("0x6"), ParentHash: common.HexToHash("0x5")}
	handled := p.OnEvent(superevents.LocalUnsafeUpdateEvent{ChainID: chainID, NewUnsafeBlock: block})
	require.True(t, handled)

	head, err := store.SafetyHead(types.CrossUnsafe)
	require.NoError(t, err)
	require.Equal(t, uint64(6), head.Number)
	require.Len(t, emitter.events, 1)
}

// TestChainProcessor_InvalidationThenReplacement exercises the scenario-6
// end-to-end flow (SPEC_FULL.md §4.4.2/§4.4.3): a cross-safe candidate with
// an unresolvable executing message gets invalidated and rewound, and a
// deposits-only replacement reported later is accepted in its place.
func TestChainProcessor_InvalidationThenReplacement(t *testing.T) {
	chainID := eth.ChainIDFromUInt64(900)
	remoteChain := eth.ChainIDFromUInt64(901)
	store := newFakeStore()

	derived0 := types.BlockSeal{Number: 5, Hash: common.HexToHash("0xd0")}
	store.heads[types.CrossSafe] = derived0

	source1 := types.BlockSeal{Number: 11, Hash: common.HexToHash("0xa1")}
	badBlock := eth.BlockRef{Number: 6, Hash: common.HexToHash("0xd1"), ParentHash: derived0.Hash, Time: 100}
	store.blocks[6] = badBlock
	store.derived[6] = types.DerivedBlockSealPair{Source: source1, Derived: types.BlockSealFromRef(badBlock)}

	badLog := types.Log{Index: 0, Hash: common.HexToHash("0xbad"), ExecutingMessage: &types.ExecutingMessage{
		Chain: remoteChain, BlockNum: 1, LogIdx: 0, Timestamp: 100, Hash: common.HexToHash("0xmissing"),
	}}
	candidates := &fakeCandidateSource{chainID: chainID, logs: map[uint64][]types.Log{6: {badLog}}}

	p := NewChainProcessor(log.New(), chainID, store, candidates, fakeRollup{})
	emitter := &fakeEmitter{}
	p.AttachEmitter(emitter)

	p.tryPromoteCrossSafe()

	require.NotNil(t, p.invalidated)
	require.Equal(t, badBlock.ID(), p.invalidated.Derived.ID())
	require.Equal(t, source1.Hash, p.invalidated.Source.Hash)
	require.Len(t, emitter.events, 1)
	invEvent, ok := emitter.events[0].(superevents.InvalidateLocalSafeEvent)
	require.True(t, ok)
	require.Equal(t, chainID, invEvent.ChainID)

	// Idempotent: re-running invalidate on the same pending candidate (as
	// happens when the InvalidateLocalSafeEvent bounces back through the
	// processor's own OnEvent) must not rewind or emit again.
	p.invalidate(invEvent.Candidate)
	require.Len(t, emitter.events, 1)

	replacement := types.BlockReplacement{
		Replacement: eth.BlockRef{Number: 6, Hash: common.HexToHash("0xd1-replaced"), ParentHash: derived0.Hash, Time: 100},
		Invalidated: badBlock.Hash,
	}
	// the rewind dropped block 6's logs; the deposits-only replacement records none
	delete(candidates.logs, 6)
	handled := p.OnEvent(superevents.BlockReplacedEvent{ChainID: chainID, Replacement: replacement})
	require.True(t, handled)

	require.Nil(t, p.invalidated)
	saved, err := store.DerivedByNumber(6)
	require.NoError(t, err)
	require.Equal(t, replacement.Replacement.Hash, saved.Derived.Hash)
	require.Equal(t, source1.Hash, saved.Source.Hash)
}

func TestChainProcessor_IgnoresOtherChains(t *testing.T) {
	chainID := eth.ChainIDFromUInt64(900)
	other := eth.ChainIDFromUInt64(901)
	store := newFakeStore()
	candidates := &fakeCandidateSource{chainID: chainID}
	p := NewChainProcessor(log.New(), chainID, store, candidates, fakeRollup{})
	handled := p.OnEvent(superevents.LocalUnsafeUpdateEvent{ChainID: other})
	require.False(t, handled)
}
