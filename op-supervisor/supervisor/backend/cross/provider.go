// Package cross implements the cross-safety checker described in
// SPEC_FULL.md §4.3: given a candidate block, verify every executing
// message it contains resolves against an initiating message that is
// itself safe to the required level, with cycle detection across chains.
// Grounded on crates/supervisor/core/src/safety_checker/cross.rs.
package cross

import (
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// Provider is the read surface the checker needs from chain storage: the
// current safety head per chain, a block's logs, and a block by number.
type Provider interface {
	SafetyHeadRef(chainID eth.ChainID, level types.SafetyLevel) (eth.BlockID, error)
	BlockLogs(chainID eth.ChainID, number uint64) ([]types.Log, error)
	Block(chainID eth.ChainID, number uint64) (eth.BlockRef, error)
	Log(chainID eth.ChainID, blockNumber uint64, logIndex uint32) (types.Log, error)
}
