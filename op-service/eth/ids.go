// Package eth holds the small set of chain-agnostic identifier and
// reference types shared by every op-stack service: chain IDs, block IDs,
// and sealed block references. They are plain value types so they can be
// used as map keys and compared with ==.
package eth

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainID is a 64-bit chain identifier. It is distinct from a plain uint64
// so that chain IDs cannot be accidentally swapped with block numbers.
type ChainID uint64

func ChainIDFromUInt64(v uint64) ChainID {
	return ChainID(v)
}

func ChainIDFromBig(v *big.Int) ChainID {
	return ChainID(v.Uint64())
}

func (id ChainID) ToBig() *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

func (id ChainID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

func (id ChainID) MarshalText() ([]byte, error) {
	return []byte(hexutil.EncodeUint64(uint64(id))), nil
}

func (id *ChainID) UnmarshalText(data []byte) error {
	v, err := hexutil.DecodeUint64(string(data))
	if err != nil {
		return fmt.Errorf("invalid chain id %q: %w", data, err)
	}
	*id = ChainID(v)
	return nil
}

// BlockID identifies a block by number and hash, without committing to any
// particular chain. Equality of two BlockIDs implies the same block only
// when compared within the same chain.
type BlockID struct {
	Hash   common.Hash `json:"hash"`
	Number uint64      `json:"number"`
}

func (id BlockID) String() string {
	return fmt.Sprintf("%s:%d", id.Hash, id.Number)
}

func (id BlockID) IsZero() bool {
	return id == BlockID{}
}

// BlockRef is a sealed reference to a block: enough information to verify
// parent-child continuity without fetching the full header again.
type BlockRef struct {
	Hash       common.Hash `json:"hash"`
	Number     uint64      `json:"number"`
	ParentHash common.Hash `json:"parentHash"`
	Time       uint64      `json:"timestamp"`
}

func (r BlockRef) ID() BlockID {
	return BlockID{Hash: r.Hash, Number: r.Number}
}

func (r BlockRef) String() string {
	return fmt.Sprintf("%s:%d", r.Hash, r.Number)
}

// ParentOf reports whether r is the direct parent of child, per the data
// model's parent-child relation: hash linkage, contiguous numbering, and
// strictly increasing timestamps.
func (r BlockRef) ParentOf(child BlockRef) bool {
	return child.ParentHash == r.Hash &&
		child.Number == r.Number+1 &&
		child.Time > r.Time
}

type l1BlockRefMarshaling struct {
	Hash       common.Hash    `json:"hash"`
	Number     hexutil.Uint64 `json:"number"`
	ParentHash common.Hash    `json:"parentHash"`
	Time       hexutil.Uint64 `json:"timestamp"`
}

// L1BlockRef is a BlockRef known to originate from the settlement chain.
type L1BlockRef BlockRef

func (r L1BlockRef) ID() BlockID   { return BlockRef(r).ID() }
func (r L1BlockRef) BlockRef() BlockRef { return BlockRef(r) }
func (r L1BlockRef) String() string { return BlockRef(r).String() }

func (r L1BlockRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(l1BlockRefMarshaling{
		Hash: r.Hash, Number: hexutil.Uint64(r.Number),
		ParentHash: r.ParentHash, Time: hexutil.Uint64(r.Time),
	})
}

// L2BlockRef additionally tracks the L1 origin the block was derived from,
// used by the managed-node client contract's reset/resync logic.
type L2BlockRef struct {
	Hash       common.Hash `json:"hash"`
	Number     uint64      `json:"number"`
	ParentHash common.Hash `json:"parentHash"`
	Time       uint64      `json:"timestamp"`
	L1Origin   BlockID     `json:"l1origin"`
}

func (r L2BlockRef) ID() BlockID { return BlockID{Hash: r.Hash, Number: r.Number} }
func (r L2BlockRef) BlockRef() BlockRef {
	return BlockRef{Hash: r.Hash, Number: r.Number, ParentHash: r.ParentHash, Time: r.Time}
}
func (r L2BlockRef) String() string { return r.BlockRef().String() }

// BlockLabel names a well-known chain tip, as used by RPC label lookups
// ("unsafe", "safe", "finalized").
type BlockLabel string

const (
	Unsafe    BlockLabel = "unsafe"
	Safe      BlockLabel = "safe"
	Finalized BlockLabel = "finalized"
)

// Bytes32 is used for fixed 32-byte values that are not necessarily hashes,
// e.g. JWT secrets and output roots.
type Bytes32 [32]byte

func (b Bytes32) String() string {
	return hexutil.Encode(b[:])
}

// OutputV0 is the version-0 L2 output root preimage: state root, message
// passer storage root, and block hash, as committed to by a SuperRoot entry.
type OutputV0 struct {
	StateRoot                common.Hash `json:"stateRoot"`
	MessagePasserStorageRoot common.Hash `json:"withdrawalStorageRoot"`
	BlockHash                common.Hash `json:"latestBlockhash"`
}

// Root computes the keccak256 output-root commitment for this preimage,
// version byte prefixed.
func (o OutputV0) Root() common.Hash {
	var buf [1 + 32*3]byte
	// version byte 0 is implicit (zero-initialized)
	copy(buf[1:33], o.StateRoot[:])
	copy(buf[33:65], o.MessagePasserStorageRoot[:])
	copy(buf[65:97], o.BlockHash[:])
	return crypto.Keccak256Hash(buf[:])
}
