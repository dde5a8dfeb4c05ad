package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
)

// Version bytes for the discriminated PreState encoding (SPEC_FULL.md §3 /
// §9). These are checked before any RLP decoding is attempted, so an
// unknown leading byte is rejected without partially mutating state.
const (
	SuperRootVersion       = byte(0xA0)
	TransitionStateVersion = byte(0xFF)
)

// MaxTransitionStep is the inclusive upper bound on TransitionState.Step
// (SPEC_FULL.md §3 / §8).
const MaxTransitionStep = 127

var ErrInvalidPreStateVersion = errors.New("invalid prestate version byte")

// ChainRoot is one chain's contribution to a SuperRoot.
type ChainRoot struct {
	ChainID    eth.ChainID `json:"chainID"`
	OutputRoot common.Hash `json:"outputRoot"`
}

type chainRootRLP struct {
	ChainID    uint64
	OutputRoot common.Hash
}

func (c ChainRoot) toRLP() chainRootRLP {
	return chainRootRLP{ChainID: uint64(c.ChainID), OutputRoot: c.OutputRoot}
}

func (c chainRootRLP) fromRLP() ChainRoot {
	return ChainRoot{ChainID: eth.ChainIDFromUInt64(c.ChainID), OutputRoot: c.OutputRoot}
}

// SuperRoot commits to the complete superchain at a single timestamp: an
// ordered list of per-chain output roots (ordered by ChainID ascending, the
// dependency-set order).
type SuperRoot struct {
	Timestamp  uint64
	ChainRoots []ChainRoot
}

type superRootRLP struct {
	Timestamp  uint64
	ChainRoots []chainRootRLP
}

// OptimisticBlock is a pending (block_hash, output_root) entry accumulated
// while transitioning from one SuperRoot to the next.
type OptimisticBlock struct {
	BlockHash  common.Hash
	OutputRoot common.Hash
}

// TransitionState is the canonical pre-SuperRoot plus the partial progress
// made so far transitioning to the next SuperRoot.
type TransitionState struct {
	PreState        SuperRoot
	PendingProgress []OptimisticBlock
	Step            uint64
}

type transitionStateRLP struct {
	PreState        []byte
	PendingProgress []OptimisticBlock
	Step            uint64
}

// PreState is the sum type `SuperRoot | TransitionState`.
type PreState struct {
	Super      *SuperRoot
	Transition *TransitionState
}

func (p PreState) IsSuper() bool { return p.Super != nil }

// Encode implements the discriminated-union RLP encoding: a leading version
// byte selects the decoder, followed by the RLP payload.
func (p PreState) Encode() ([]byte, error) {
	switch {
	case p.Super != nil:
		body, err := rlp.EncodeToBytes(superRootRLP{
			Timestamp:  p.Super.Timestamp,
			ChainRoots: toChainRootRLPs(p.Super.ChainRoots),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode super root: %w", err)
		}
		return append([]byte{SuperRootVersion}, body...), nil
	case p.Transition != nil:
		preEncoded, err := PreState{Super: &p.Transition.PreState}.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode transition pre-state: %w", err)
		}
		body, err := rlp.EncodeToBytes(transitionStateRLP{
			PreState:        preEncoded,
			PendingProgress: p.Transition.PendingProgress,
			Step:            p.Transition.Step,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode transition state: %w", err)
		}
		return append([]byte{TransitionStateVersion}, body...), nil
	default:
		return nil, errors.New("empty prestate, nothing to encode")
	}
}

// DecodePreState performs total parsing: the leading version byte selects
// the decoder, and any stray trailing byte or unknown version is an error
// with no partial state returned.
func DecodePreState(data []byte) (PreState, error) {
	if len(data) < 1 {
		return PreState{}, fmt.Errorf("%w: empty input", ErrInvalidPreStateVersion)
	}
	version, body := data[0], data[1:]
	switch version {
	case SuperRootVersion:
		var raw superRootRLP
		if err := decodeExact(body, &raw); err != nil {
			return PreState{}, fmt.Errorf("failed to decode super root: %w", err)
		}
		sr := SuperRoot{Timestamp: raw.Timestamp, ChainRoots: fromChainRootRLPs(raw.ChainRoots)}
		return PreState{Super: &sr}, nil
	case TransitionStateVersion:
		var raw transitionStateRLP
		if err := decodeExact(body, &raw); err != nil {
			return PreState{}, fmt.Errorf("failed to decode transition state: %w", err)
		}
		pre, err := DecodePreState(raw.PreState)
		if err != nil {
			return PreState{}, fmt.Errorf("failed to decode transition pre-state: %w", err)
		}
		if !pre.IsSuper() {
			return PreState{}, fmt.Errorf("%w: transition pre-state must be a super root", ErrInvalidPreStateVersion)
		}
		ts := TransitionState{
			PreState:        *pre.Super,
			PendingProgress: raw.PendingProgress,
			Step:            raw.Step,
		}
		return PreState{Transition: &ts}, nil
	default:
		return PreState{}, fmt.Errorf("%w: 0x%x", ErrInvalidPreStateVersion, version)
	}
}

// decodeExact decodes exactly one RLP value from data and rejects any
// trailing bytes, matching the "total parsing" requirement in SPEC_FULL.md
// §9: any stray byte is an error.
func decodeExact(data []byte, out interface{}) error {
	r := bytes.NewReader(data)
	stream := rlp.NewStream(r, uint64(len(data)))
	if err := stream.Decode(out); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after decode", r.Len())
	}
	return nil
}

func toChainRootRLPs(in []ChainRoot) []chainRootRLP {
	out := make([]chainRootRLP, len(in))
	for i, c := range in {
		out[i] = c.toRLP()
	}
	return out
}

func fromChainRootRLPs(in []chainRootRLP) []ChainRoot {
	out := make([]ChainRoot, len(in))
	for i, c := range in {
		out[i] = c.fromRLP()
	}
	return out
}

// Transition advances a TransitionState by one optimistic block. When the
// state has reached MaxTransitionStep and accumulated as many pending
// blocks as the pre-state has chains, the transition concludes into a
// fresh SuperRoot timestamped one past the pre-state (SPEC_FULL.md §8).
func (t TransitionState) Transition(next OptimisticBlock) (PreState, error) {
	if t.Step >= MaxTransitionStep {
		return PreState{}, fmt.Errorf("transition state already at max step %d", MaxTransitionStep)
	}
	progress := append(append([]OptimisticBlock{}, t.PendingProgress...), next)
	if t.Step+1 == MaxTransitionStep && len(progress) == len(t.PreState.ChainRoots) {
		roots := make([]ChainRoot, len(progress))
		for i, p := range progress {
			roots[i] = ChainRoot{ChainID: t.PreState.ChainRoots[i].ChainID, OutputRoot: p.OutputRoot}
		}
		sr := SuperRoot{Timestamp: t.PreState.Timestamp + 1, ChainRoots: roots}
		return PreState{Super: &sr}, nil
	}
	ts := TransitionState{PreState: t.PreState, PendingProgress: progress, Step: t.Step + 1}
	return PreState{Transition: &ts}, nil
}
