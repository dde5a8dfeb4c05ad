package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
)

func superRootFixture() SuperRoot {
	return SuperRoot{
		Timestamp: 1000,
		ChainRoots: []ChainRoot{
			{ChainID: eth.ChainIDFromUInt64(900), OutputRoot: common.HexToHash("0x1")},
			{ChainID: eth.ChainIDFromUInt64(901), OutputRoot: common.HexToHash("0x2")},
		},
	}
}

func TestPreState_RoundTrip_SuperRoot(t *testing.T) {
	sr := superRootFixture()
	p := PreState{Super: &sr}
	enc, err := p.Encode()
	require.NoError(t, err)
	require.Equal(t, SuperRootVersion, enc[0])

	dec, err := DecodePreState(enc)
	require.NoError(t, err)
	require.True(t, dec.IsSuper())
	require.Equal(t, sr, *dec.Super)
}

func TestPreState_RoundTrip_TransitionState(t *testing.T) {
	sr := superRootFixture()
	ts := TransitionState{
		PreState: sr,
		PendingProgress: []OptimisticBlock{
			{BlockHash: common.HexToHash("0xaa"), OutputRoot: common.HexToHash("0xbb")},
		},
		Step: 3,
	}
	p := PreState{Transition: &ts}
	enc, err := p.Encode()
	require.NoError(t, err)
	require.Equal(t, TransitionStateVersion, enc[0])

	dec, err := DecodePreState(enc)
	require.NoError(t, err)
	require.False(t, dec.IsSuper())
	require.Equal(t, ts, *dec.Transition)
}

func TestDecodePreState_UnknownVersion(t *testing.T) {
	_, err := DecodePreState([]byte{0x01, 0x02, 0x03})
	require.ErrorIs(t, err, ErrInvalidPreStateVersion)
}

func TestDecodePreState_Empty(t *testing.T) {
	_, err := DecodePreState(nil)
	require.ErrorIs(t, err, ErrInvalidPreStateVersion)
}

func TestDecodePreState_TrailingBytes(t *testing.T) {
	sr := superRootFixture()
	enc, err := (PreState{Super: &sr}).Encode()
	require.NoError(t, err)
	enc = append(enc, 0xff)
	_, err = DecodePreState(enc)
	require.Error(t, err)
}

// TestTransitionState_StepRange pins SPEC_FULL.md §8's invariant that
// TransitionState.Step stays within [1, 127]: Transition never produces a
// step above MaxTransitionStep, and at MaxTransitionStep with a filled
// pending-progress list it concludes into a fresh SuperRoot one timestamp
// later instead of continuing as a TransitionState.
func TestTransitionState_StepRange(t *testing.T) {
	sr := superRootFixture() // 2 chains
	ts := TransitionState{PreState: sr, Step: MaxTransitionStep - 1, PendingProgress: []OptimisticBlock{
		{BlockHash: common.HexToHash("0x1"), OutputRoot: common.HexToHash("0x10")},
	}}
	next := OptimisticBlock{BlockHash: common.HexToHash("0x2"), OutputRoot: common.HexToHash("0x20")}

	out, err := ts.Transition(next)
	require.NoError(t, err)
	require.True(t, out.IsSuper())
	require.Equal(t, sr.Timestamp+1, out.Super.Timestamp)
	require.Len(t, out.Super.ChainRoots, 2)
	require.Equal(t, common.HexToHash("0x10"), out.Super.ChainRoots[0].OutputRoot)
	require.Equal(t, common.HexToHash("0x20"), out.Super.ChainRoots[1].OutputRoot)
}

func TestTransitionState_IntermediateStep(t *testing.T) {
	sr := superRootFixture()
	ts := TransitionState{PreState: sr, Step: 5}
	next := OptimisticBlock{BlockHash: common.HexToHash("0x1"), OutputRoot: common.HexToHash("0x10")}

	out, err := ts.Transition(next)
	require.NoError(t, err)
	require.False(t, out.IsSuper())
	require.EqualValues(t, 6, out.Transition.Step)
	require.Len(t, out.Transition.PendingProgress, 1)
}

func TestTransitionState_AtMaxStep(t *testing.T) {
	sr := superRootFixture()
	ts := TransitionState{PreState: sr, Step: MaxTransitionStep}
	_, err := ts.Transition(OptimisticBlock{})
	require.Error(t, err)
}
