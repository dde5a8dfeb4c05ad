package types

import (
	"fmt"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
)

// ManagedEvent is the wire envelope for the managed node's subscription
// stream (SPEC_FULL.md §4.5 / §6). Exactly one field is populated per
// event; this mirrors the managed node's own wire format rather than a Go
// tagged union, so the field layout must stay stable across versions.
type ManagedEvent struct {
	Reset                  *string               `json:"reset,omitempty"`
	UnsafeBlock            *eth.BlockRef         `json:"unsafeBlock,omitempty"`
	DerivationUpdate       *DerivedBlockRefPair  `json:"derivationUpdate,omitempty"`
	DerivationOriginUpdate *eth.BlockRef         `json:"derivationOriginUpdate,omitempty"`
	ExhaustL1              *DerivedBlockRefPair  `json:"exhaustL1,omitempty"`
	ReplaceBlock           *BlockReplacement     `json:"replaceBlock,omitempty"`
	InvalidateBlock        *BlockSeal            `json:"invalidateBlock,omitempty"`
}

func (e *ManagedEvent) String() string {
	switch {
	case e == nil:
		return "nil-managed-event"
	case e.Reset != nil:
		return fmt.Sprintf("reset(%q)", *e.Reset)
	case e.UnsafeBlock != nil:
		return fmt.Sprintf("unsafe-block(%s)", e.UnsafeBlock)
	case e.DerivationUpdate != nil:
		return fmt.Sprintf("derivation-update(%s)", e.DerivationUpdate)
	case e.DerivationOriginUpdate != nil:
		return fmt.Sprintf("derivation-origin-update(%s)", e.DerivationOriginUpdate)
	case e.ExhaustL1 != nil:
		return fmt.Sprintf("exhaust-l1(%s)", e.ExhaustL1)
	case e.ReplaceBlock != nil:
		return fmt.Sprintf("replace-block(%s)", e.ReplaceBlock)
	case e.InvalidateBlock != nil:
		return fmt.Sprintf("invalidate-block(%s)", e.InvalidateBlock)
	default:
		return "empty-managed-event"
	}
}

// ActivationPair is the (source, derived) seal pair at which a chain's
// interop activation block was derived; every chain's safety lattice is
// undefined before this block (SPEC_FULL.md §3).
type ActivationPair = DerivedBlockSealPair

// SourceTraversal is the durable record of which derived blocks were
// produced from a given source block (BlockTraversal table, §4.1).
type SourceTraversal struct {
	Source  BlockSeal `json:"source"`
	Derived []uint64  `json:"derived"`
}

func (t SourceTraversal) Contains(num uint64) bool {
	for _, d := range t.Derived {
		if d == num {
			return true
		}
	}
	return false
}
