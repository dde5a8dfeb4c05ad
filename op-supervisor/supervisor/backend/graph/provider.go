// Package graph implements the per-timestamp message graph validator
// described in SPEC_FULL.md §4.2: given a set of candidate blocks (one per
// chain, all at the same timestamp) it checks every executing message
// against its claimed initiating message, grounded on
// crates/protocol/interop/src/graph.rs.
package graph

import (
	"context"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// LogProvider resolves logs and block refs on a remote chain by block
// number. Unknown dependency chains are caught through
// RollupConfigProvider.HasChain, not here.
type LogProvider interface {
	LogsAtBlock(ctx context.Context, chainID eth.ChainID, number uint64) ([]types.Log, error)
	BlockRefByNumber(ctx context.Context, chainID eth.ChainID, number uint64) (eth.BlockRef, error)
}

// RollupConfigProvider answers the per-chain static parameters the graph
// needs to evaluate the timestamp invariants.
type RollupConfigProvider interface {
	ActivationTime(chainID eth.ChainID) (uint64, bool)
	BlockTime(chainID eth.ChainID) uint64
	HasChain(chainID eth.ChainID) bool
	MessageExpiryWindow() uint64
}
