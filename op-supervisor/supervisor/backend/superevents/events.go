// Package superevents defines the event vocabulary exchanged between the
// syncnode clients, the per-chain processor, the reorg handler, and the
// backend, all wired together through a single synchronous event.System
// (SPEC_FULL.md §5 "Event-driven core").
package superevents

import (
	"fmt"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// LocalUnsafeUpdateEvent is emitted by a managed node client when a new
// unsafe block and its logs have been ingested.
type LocalUnsafeUpdateEvent struct {
	ChainID     eth.ChainID
	NewUnsafeBlock eth.BlockRef
	Logs        []types.Log
}

func (e LocalUnsafeUpdateEvent) String() string {
	return fmt.Sprintf("local-unsafe-update(chain=%s, block=%s)", e.ChainID, e.NewUnsafeBlock)
}

// LocalDerivedEvent is emitted when a managed node reports a new
// (source, derived) pair has been locally derived.
type LocalDerivedEvent struct {
	ChainID eth.ChainID
	Derived types.DerivedBlockRefPair
}

func (e LocalDerivedEvent) String() string {
	return fmt.Sprintf("local-derived(chain=%s, %s)", e.ChainID, e.Derived)
}

// DerivationOriginUpdateEvent is emitted when the node's traversal of L1
// advances without producing a new derived L2 block (an "empty" step).
type DerivationOriginUpdateEvent struct {
	ChainID eth.ChainID
	Origin  eth.BlockRef
}

func (e DerivationOriginUpdateEvent) String() string {
	return fmt.Sprintf("derivation-origin-update(chain=%s, origin=%s)", e.ChainID, e.Origin)
}

// ChainProcessEvent requests that the processor for ChainID re-evaluate
// its pending cross-unsafe/cross-safe promotion opportunities.
type ChainProcessEvent struct {
	ChainID eth.ChainID
}

func (e ChainProcessEvent) String() string {
	return fmt.Sprintf("chain-process(chain=%s)", e.ChainID)
}

// CrossUnsafeUpdateEvent is emitted after a chain's cross-unsafe head has
// advanced.
type CrossUnsafeUpdateEvent struct {
	ChainID        eth.ChainID
	NewCrossUnsafe types.BlockSeal
}

func (e CrossUnsafeUpdateEvent) String() string {
	return fmt.Sprintf("cross-unsafe-update(chain=%s, block=%s)", e.ChainID, e.NewCrossUnsafe)
}

// CrossSafeUpdateEvent is emitted after a chain's cross-safe head has
// advanced.
type CrossSafeUpdateEvent struct {
	ChainID      eth.ChainID
	NewCrossSafe types.DerivedBlockSealPair
}

func (e CrossSafeUpdateEvent) String() string {
	return fmt.Sprintf("cross-safe-update(chain=%s, %s)", e.ChainID, e.NewCrossSafe)
}

// FinalizedL1RequestEvent requests re-evaluation of every chain's
// finalized head against a new finalized L1 source block.
type FinalizedL1RequestEvent struct {
	FinalizedL1 eth.BlockRef
}

func (e FinalizedL1RequestEvent) String() string {
	return fmt.Sprintf("finalized-l1-request(l1=%s)", e.FinalizedL1)
}

// FinalizedL2UpdateEvent is emitted after a chain's finalized head has
// advanced.
type FinalizedL2UpdateEvent struct {
	ChainID     eth.ChainID
	FinalizedL2 types.BlockSeal
}

func (e FinalizedL2UpdateEvent) String() string {
	return fmt.Sprintf("finalized-l2-update(chain=%s, block=%s)", e.ChainID, e.FinalizedL2)
}

// InvalidateLocalSafeEvent requests that a candidate local-safe block be
// invalidated because the message graph found it contains an invalid
// executing message.
type InvalidateLocalSafeEvent struct {
	ChainID   eth.ChainID
	Candidate types.DerivedBlockRefPair
}

func (e InvalidateLocalSafeEvent) String() string {
	return fmt.Sprintf("invalidate-local-safe(chain=%s, %s)", e.ChainID, e.Candidate)
}

// BlockReplacedEvent is emitted once a node has replaced an invalidated
// block with a deposits-only equivalent.
type BlockReplacedEvent struct {
	ChainID     eth.ChainID
	Replacement types.BlockReplacement
}

func (e BlockReplacedEvent) String() string {
	return fmt.Sprintf("block-replaced(chain=%s, %s)", e.ChainID, e.Replacement)
}

// ResetPreInteropRequestEvent requests a managed node be reset to its
// pre-interop genesis because the supervisor has no activation record, or
// bisection could not find a common point with the node.
type ResetPreInteropRequestEvent struct {
	ChainID eth.ChainID
}

func (e ResetPreInteropRequestEvent) String() string {
	return fmt.Sprintf("reset-pre-interop-request(chain=%s)", e.ChainID)
}

// ResetRequestEvent requests the resetter bisect to find a consistent
// reset target between the supervisor's view and the node's unsafe chain.
type ResetRequestEvent struct {
	ChainID eth.ChainID
	Unsafe  eth.BlockID
}

func (e ResetRequestEvent) String() string {
	return fmt.Sprintf("reset-request(chain=%s, unsafe=%s)", e.ChainID, e.Unsafe)
}

// RewindL1Event is emitted by the reorg handler after it has rewound one
// chain's storage for an L1 reorg. CommonAncestor is the L2 block that
// chain's RewindToSource call returned; the event does not name the chain.
type RewindL1Event struct {
	CommonAncestor eth.BlockID
}

func (e RewindL1Event) String() string {
	return fmt.Sprintf("rewind-l1(ancestor=%s)", e.CommonAncestor)
}

// L1ReorgEvent announces that the L1 watcher observed an L1 head whose
// hash or number differs from the last head it saw; whether the new head
// is a child of the old one is not checked.
type L1ReorgEvent struct {
	NewL1Head eth.BlockRef
}

func (e L1ReorgEvent) String() string {
	return fmt.Sprintf("l1-reorg(new-head=%s)", e.NewL1Head)
}
