// Package rpcserver exposes the supervisor's query surface as a JSON-RPC
// namespace, grounded on the managed-node admin API pattern in
// op-node/rollup/interop/managed (same op-service/rpc.Server, same
// gethrpc.API registration shape) but serving read queries about the
// safety lattice instead of driving a single node.
package rpcserver

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	oprpc "github.com/ethereum-optimism/op-supervisor-x/op-service/rpc"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// Backend is the subset of backend.Backend the RPC layer queries. Kept
// narrow and explicit so the API surface can be unit tested with a fake.
type Backend interface {
	SafetyHead(chainID eth.ChainID, level types.SafetyLevel) (eth.BlockID, error)
	DerivedToSource(chainID eth.ChainID, derivedNumber uint64) (eth.BlockID, error)
	CheckAccess(access types.Access, minimum types.SafetyLevel) error
	FinalizedL1() (eth.BlockID, error)
	AllSafeDerivedAt(sourceNumber uint64) (map[eth.ChainID]eth.BlockID, error)
	DependencySetV1() (chains []eth.ChainID, messageExpiryWindow uint64)
	SyncStatus() (minSyncedL1 eth.BlockID, minCrossSafeTs uint64, minFinalizedTs uint64, chains []backend.ChainSyncStatus, err error)
}

// API implements the "supervisor" JSON-RPC namespace (SPEC_FULL.md §4.8).
type API struct {
	log     log.Logger
	backend Backend
}

func NewAPI(logger log.Logger, backend Backend) *API {
	return &API{log: logger, backend: backend}
}

// DerivedIDPair mirrors the (source, derived) response shape used by
// local_safe and cross_safe.
type DerivedIDPair struct {
	Source  eth.BlockID `json:"source"`
	Derived eth.BlockID `json:"derived"`
}

func (a *API) CrossDerivedToSource(ctx context.Context, chainID eth.ChainID, derived eth.BlockID) (eth.BlockID, error) {
	source, err := a.backend.DerivedToSource(chainID, derived.Number)
	if err != nil {
		a.log.Warn("cross_derived_to_source failed", "chain", chainID, "derived", derived, "err", err)
		return eth.BlockID{}, err
	}
	return source, nil
}

func (a *API) LocalUnsafe(ctx context.Context, chainID eth.ChainID) (eth.BlockID, error) {
	return a.backend.SafetyHead(chainID, types.LocalUnsafe)
}

func (a *API) CrossUnsafe(ctx context.Context, chainID eth.ChainID) (eth.BlockID, error) {
	return a.backend.SafetyHead(chainID, types.CrossUnsafe)
}

func (a *API) LocalSafe(ctx context.Context, chainID eth.ChainID) (DerivedIDPair, error) {
	return a.derivedPair(chainID, types.LocalSafe)
}

func (a *API) CrossSafe(ctx context.Context, chainID eth.ChainID) (DerivedIDPair, error) {
	return a.derivedPair(chainID, types.CrossSafe)
}

func (a *API) Finalized(ctx context.Context, chainID eth.ChainID) (eth.BlockID, error) {
	return a.backend.SafetyHead(chainID, types.Finalized)
}

// FinalizedL1 returns the highest L1 block every tracked chain has
// finalized against.
func (a *API) FinalizedL1(ctx context.Context) (eth.BlockID, error) {
	id, err := a.backend.FinalizedL1()
	if err != nil {
		a.log.Warn("finalized_l1 failed", "err", err)
		return eth.BlockID{}, err
	}
	return id, nil
}

// AllSafeDerivedAt returns, per chain, the latest local-safe block derived
// from the given L1 block.
func (a *API) AllSafeDerivedAt(ctx context.Context, l1ID eth.BlockID) (map[eth.ChainID]eth.BlockID, error) {
	return a.backend.AllSafeDerivedAt(l1ID.Number)
}

// DependencySetResponse mirrors the dependency_set_v1 response shape: the
// tracked chain set plus the window after which an initiating message can
// no longer be referenced.
type DependencySetResponse struct {
	Chains              []eth.ChainID `json:"chains"`
	MessageExpiryWindow uint64        `json:"messageExpiryWindow"`
}

func (a *API) DependencySetV1(ctx context.Context) (DependencySetResponse, error) {
	chains, window := a.backend.DependencySetV1()
	return DependencySetResponse{Chains: chains, MessageExpiryWindow: window}, nil
}

// SyncStatusResponse mirrors the sync_status response shape (SPEC_FULL.md
// §4.8): the lowest L1 source any chain's local-safe derivation has
// reached, and the lowest cross-safe/finalized timestamps across all
// chains, alongside every tracked chain's own heads.
type SyncStatusResponse struct {
	RequestID      string                    `json:"requestID"`
	MinSyncedL1    eth.BlockID               `json:"minSyncedL1"`
	MinCrossSafeTs uint64                    `json:"minCrossSafeTimestamp"`
	MinFinalizedTs uint64                    `json:"minFinalizedTimestamp"`
	Chains         []backend.ChainSyncStatus `json:"chains"`
}

// SyncStatus aggregates every chain's own heads into one response, tagged
// with a correlation ID so a caller polling this endpoint can match a
// response back to the request that produced it in the supervisor's logs.
func (a *API) SyncStatus(ctx context.Context) (SyncStatusResponse, error) {
	requestID := uuid.New().String()
	minSyncedL1, minCrossSafeTs, minFinalizedTs, chains, err := a.backend.SyncStatus()
	if err != nil {
		a.log.Warn("sync_status failed", "requestID", requestID, "err", err)
		return SyncStatusResponse{}, err
	}
	return SyncStatusResponse{
		RequestID:      requestID,
		MinSyncedL1:    minSyncedL1,
		MinCrossSafeTs: minCrossSafeTs,
		MinFinalizedTs: minFinalizedTs,
		Chains:         chains,
	}, nil
}

func (a *API) derivedPair(chainID eth.ChainID, level types.SafetyLevel) (DerivedIDPair, error) {
	derived, err := a.backend.SafetyHead(chainID, level)
	if err != nil {
		return DerivedIDPair{}, err
	}
	source, err := a.backend.DerivedToSource(chainID, derived.Number)
	if err != nil {
		return DerivedIDPair{}, err
	}
	return DerivedIDPair{Source: source, Derived: derived}, nil
}

// AccessEntry is one inbox entry of a check_access_list request: the log
// hash the caller observed, plus the position it claims to occupy.
type AccessEntry struct {
	ChainID   eth.ChainID `json:"chainID"`
	BlockNum  uint64      `json:"blockNumber"`
	LogIdx    uint32      `json:"logIndex"`
	Timestamp uint64      `json:"timestamp"`
	Checksum  common.Hash `json:"checksum"`
}

// CheckAccessList verifies every referenced log exists, matches its claimed
// hash, and sits at or below the requested minimum safety level
// (SPEC_FULL.md §4.8 check_access_list).
func (a *API) CheckAccessList(ctx context.Context, entries []AccessEntry, minSafety types.SafetyLevel) error {
	for _, e := range entries {
		access := types.Access{ChainID: e.ChainID, BlockNum: e.BlockNum, LogIdx: e.LogIdx, Timestamp: e.Timestamp, LogHash: e.Checksum}
		if err := a.backend.CheckAccess(access, minSafety); err != nil {
			return fmt.Errorf("access entry %s failed: %w", access, err)
		}
	}
	return nil
}

// RegisterAPIs mounts the supervisor namespace on an op-service/rpc.Server,
// the same registration shape the managed-node admin API uses.
func RegisterAPIs(srv *oprpc.Server, api *API) {
	srv.AddAPI(gethrpc.API{
		Namespace: "supervisor",
		Service:   api,
	})
}
