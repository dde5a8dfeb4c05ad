package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
)

// BlockSeal is the storage-facing equivalent of eth.BlockRef: a sealed
// block identity plus timestamp, used as the value type persisted in the
// log and derivation indices (SPEC_FULL.md §4.1 tables).
type BlockSeal struct {
	Hash      common.Hash `json:"hash"`
	Number    uint64      `json:"number"`
	Timestamp uint64      `json:"timestamp"`
}

func BlockSealFromRef(ref eth.BlockRef) BlockSeal {
	return BlockSeal{Hash: ref.Hash, Number: ref.Number, Timestamp: ref.Time}
}

func (s BlockSeal) ID() eth.BlockID {
	return eth.BlockID{Hash: s.Hash, Number: s.Number}
}

func (s BlockSeal) String() string {
	return fmt.Sprintf("%s:%d@%d", s.Hash, s.Number, s.Timestamp)
}

// WithParent reconstructs a full eth.BlockRef given the parent hash that
// the append-only storage otherwise would not retain past truncation.
func (s BlockSeal) WithParent(parent common.Hash) eth.BlockRef {
	return eth.BlockRef{Hash: s.Hash, Number: s.Number, ParentHash: parent, Time: s.Timestamp}
}

// DerivedBlockRefPair is a (source, derived) pair using full refs, as
// received fresh from the managed node (has parent-hash information).
type DerivedBlockRefPair struct {
	Source  eth.BlockRef `json:"source"`
	Derived eth.BlockRef `json:"derived"`
}

func (p DerivedBlockRefPair) Seals() DerivedBlockSealPair {
	return DerivedBlockSealPair{
		Source:  BlockSealFromRef(p.Source),
		Derived: BlockSealFromRef(p.Derived),
	}
}

func (p DerivedBlockRefPair) String() string {
	return fmt.Sprintf("derived %s from %s", p.Derived, p.Source)
}

// DerivedBlockSealPair is the storage-facing (source, derived) pair, using
// BlockSeal instead of full BlockRef (no parent-hash retained).
type DerivedBlockSealPair struct {
	Source  BlockSeal `json:"source"`
	Derived BlockSeal `json:"derived"`
}

func (p DerivedBlockSealPair) String() string {
	return fmt.Sprintf("derived %s from %s", p.Derived, p.Source)
}

// BlockReplacement is the managed node's BlockReplaced event payload
// (SPEC_FULL.md §4.5): the hash of the block being invalidated, and the
// sealed replacement block that was built in its place.
type BlockReplacement struct {
	Replacement eth.BlockRef `json:"replacement"`
	Invalidated common.Hash  `json:"invalidated"`
}

func (r BlockReplacement) String() string {
	return fmt.Sprintf("replace %s with %s", r.Invalidated, r.Replacement)
}
