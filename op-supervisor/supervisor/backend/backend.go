// Package backend wires the supervisor's event bus, per-chain storage,
// processors, managed-node clients, and reorg handler into one running
// service (SPEC_FULL.md §5 "Event-driven core").
package backend

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"

	"github.com/ethereum-optimism/op-supervisor-x/op-node/rollup/event"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/db"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/depset"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/processor"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/reorg"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/syncnode"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/metrics"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// Config is the subset of top-level configuration the backend needs to
// start: where to store data and which chains/nodes to track.
type Config struct {
	Datadir               string
	FullConfigSet         depset.FullConfigSet
	SynchronousProcessors bool
}

// Backend is the running supervisor instance: one ChainDB and one
// ChainProcessor per tracked chain, fed by managed-node clients and a
// shared reorg handler, all hung off a single synchronous event.System.
type Backend struct {
	log     log.Logger
	m       metrics.Metricer
	cfg     Config
	events  *event.System

	chains  map[eth.ChainID]*db.ChainDB
	multi   *db.MultiChainDB
	nodes   map[eth.ChainID]*syncnode.ManagedNode
}

func NewSupervisorBackend(ctx context.Context, logger log.Logger, m metrics.Metricer, cfg Config, nodesByChain map[eth.ChainID]syncnode.SyncControl) (*Backend, error) {
	chains := make(map[eth.ChainID]*db.ChainDB, len(cfg.FullConfigSet.DependencySet.Chains()))
	for _, chainID := range cfg.FullConfigSet.DependencySet.Chains() {
		cdb, err := db.Open(logger, m, cfg.Datadir, chainID)
		if err != nil {
			return nil, fmt.Errorf("failed to open chain db for %s: %w", chainID, err)
		}
		chains[chainID] = cdb
	}

	multi := db.NewMultiChainDB(chains)
	events := event.NewGlobalSynchronous(ctx)

	b := &Backend{
		log:    logger,
		m:      m,
		cfg:    cfg,
		events: events,
		chains: chains,
		multi:  multi,
		nodes:  make(map[eth.ChainID]*syncnode.ManagedNode),
	}

	for chainID, cdb := range chains {
		rollupCfg, ok := cfg.FullConfigSet.RollupConfigSet.Get(chainID)
		if !ok {
			return nil, fmt.Errorf("chain %s has no rollup config", chainID)
		}
		if genesis := rollupCfg.Genesis; genesis.L2.Hash != (common.Hash{}) && rollupCfg.IsInterop(genesis.L2.Timestamp) {
			if err := cdb.InitialiseLogStorage(genesis.L2.WithParent(common.Hash{})); err != nil {
				b.log.Warn("failed to seed log storage from genesis", "chain", chainID, "err", err)
			}
			if err := cdb.InitialiseDerivationStorage(types.DerivedBlockRefPair{
				Source:  genesis.L1.WithParent(common.Hash{}),
				Derived: genesis.L2.WithParent(common.Hash{}),
			}); err != nil {
				b.log.Warn("failed to seed derivation storage from genesis", "chain", chainID, "err", err)
			}
		}

		proc := processor.NewChainProcessor(logger, chainID, cdb, multi, rollupConfigAdapter{cfg.FullConfigSet})
		events.Register(proc)

		if node, ok := nodesByChain[chainID]; ok {
			mn := syncnode.NewManagedNode(logger, chainID, node, multi)
			events.Register(mn)
			mn.Start()
			b.nodes[chainID] = mn
		}
	}

	return b, nil
}

// AttachReorgHandler wires an L1 canonicality source into a reorg.Handler
// and registers it on the shared event bus. Split from construction
// because the L1 RPC client is owned by the caller (cmd/main.go), not the
// backend itself.
func (b *Backend) AttachReorgHandler(l1 reorg.L1Canonical) {
	stores := make(map[eth.ChainID]reorg.ChainStore, len(b.chains))
	for chainID, cdb := range b.chains {
		stores[chainID] = cdb
	}
	handler := reorg.NewHandler(b.log, stores, l1)
	b.events.Register(handler)

	if src, ok := l1.(syncnode.L1Source); ok {
		for _, n := range b.nodes {
			n.AttachL1Source(src)
		}
	}
}

// Emit publishes an event onto the shared bus; used by the L1 watcher and
// the RPC server's administrative endpoints.
func (b *Backend) Emit(ev event.Event) {
	b.events.Emit(ev)
}

func (b *Backend) Drain() error {
	return b.events.Drain()
}

// Close stops every managed-node client and closes every chain database,
// attempting all of them even if one fails, and returns the combined error.
func (b *Backend) Close() error {
	var result error
	for _, n := range b.nodes {
		if err := n.Stop(); err != nil {
			b.log.Error("failed to stop managed node", "err", err)
			result = multierror.Append(result, err)
		}
	}
	for chainID, cdb := range b.chains {
		if err := cdb.Close(); err != nil {
			b.log.Error("failed to close chain db", "chain", chainID, "err", err)
			result = multierror.Append(result, fmt.Errorf("chain %s: %w", chainID, err))
		}
	}
	return result
}

// --- read-only query surface used by the RPC server ---

func (b *Backend) chainDB(chainID eth.ChainID) (*db.ChainDB, error) {
	cdb, ok := b.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %s is not tracked", chainID)
	}
	return cdb, nil
}

func (b *Backend) SafetyHead(chainID eth.ChainID, level types.SafetyLevel) (eth.BlockID, error) {
	cdb, err := b.chainDB(chainID)
	if err != nil {
		return eth.BlockID{}, err
	}
	seal, err := cdb.SafetyHead(level)
	if err != nil {
		return eth.BlockID{}, err
	}
	return seal.ID(), nil
}

func (b *Backend) DerivedToSource(chainID eth.ChainID, derivedNumber uint64) (eth.BlockID, error) {
	cdb, err := b.chainDB(chainID)
	if err != nil {
		return eth.BlockID{}, err
	}
	pair, err := cdb.DerivedByNumber(derivedNumber)
	if err != nil {
		return eth.BlockID{}, err
	}
	return pair.Source.ID(), nil
}

// ChainIDs returns every chain the supervisor tracks. The order is not
// defined: the dependency set keeps its chains in a map.
func (b *Backend) ChainIDs() []eth.ChainID {
	return b.cfg.FullConfigSet.DependencySet.Chains()
}

// FinalizedL1 returns the highest L1 source block that every tracked chain
// has finalized against: the minimum, over all chains, of the L1 source
// backing that chain's Finalized head.
func (b *Backend) FinalizedL1() (eth.BlockID, error) {
	var min eth.BlockID
	found := false
	for _, chainID := range b.ChainIDs() {
		head, err := b.SafetyHead(chainID, types.Finalized)
		if err != nil {
			continue
		}
		source, err := b.DerivedToSource(chainID, head.Number)
		if err != nil {
			continue
		}
		if !found || source.Number < min.Number {
			min = source
			found = true
		}
	}
	if !found {
		return eth.BlockID{}, types.ErrEntryNotFound
	}
	return min, nil
}

// AllSafeDerivedAt returns, for every tracked chain, the latest local-safe
// block derived from the given L1 source block -- the per-chain answer to
// "what had each rollup safely executed as of this L1 block".
func (b *Backend) AllSafeDerivedAt(sourceNumber uint64) (map[eth.ChainID]eth.BlockID, error) {
	out := make(map[eth.ChainID]eth.BlockID, len(b.chains))
	for chainID, cdb := range b.chains {
		seal, err := cdb.LatestDerivedBlockAtSource(sourceNumber)
		if err != nil {
			continue
		}
		out[chainID] = seal.ID()
	}
	return out, nil
}

// DependencySetV1 reports the static chain set and message-expiry window
// the supervisor was configured with.
func (b *Backend) DependencySetV1() (chains []eth.ChainID, messageExpiryWindow uint64) {
	return b.ChainIDs(), b.cfg.FullConfigSet.DependencySet.MessageExpiryWindow()
}

// ChainSyncStatus is one chain's contribution to SyncStatus.
type ChainSyncStatus struct {
	ChainID     eth.ChainID `json:"chainID"`
	LocalUnsafe eth.BlockID `json:"localUnsafe"`
	CrossUnsafe eth.BlockID `json:"crossUnsafe"`
	LocalSafe   eth.BlockID `json:"localSafe"`
	CrossSafe   eth.BlockID `json:"crossSafe"`
	Finalized   eth.BlockID `json:"finalized"`
}

// SyncStatus reports, per chain, every safety-lattice head, plus three
// aggregate watermarks: the lowest L1 source any chain's local-safe
// derivation has reached, and the lowest cross-safe/finalized timestamps
// across all chains. Uninitialised chains are skipped rather than failing
// the whole call, unless every tracked chain is uninitialised.
func (b *Backend) SyncStatus() (minSyncedL1 eth.BlockID, minCrossSafeTs uint64, minFinalizedTs uint64, chains []ChainSyncStatus, err error) {
	chainIDs := b.ChainIDs()
	if len(chainIDs) == 0 {
		return eth.BlockID{}, 0, 0, nil, fmt.Errorf("dependency set is empty")
	}

	haveSyncedL1, haveCrossSafeTs, haveFinalizedTs := false, false, false
	for _, chainID := range chainIDs {
		cdb, dbErr := b.chainDB(chainID)
		if dbErr != nil {
			continue
		}
		localUnsafe, e1 := cdb.SafetyHead(types.LocalUnsafe)
		crossUnsafe, e2 := cdb.SafetyHead(types.CrossUnsafe)
		localSafe, e3 := cdb.SafetyHead(types.LocalSafe)
		crossSafe, e4 := cdb.SafetyHead(types.CrossSafe)
		finalized, e5 := cdb.SafetyHead(types.Finalized)
		if e1 != nil && e2 != nil && e3 != nil && e4 != nil && e5 != nil {
			continue // chain uninitialised: skip it
		}

		chains = append(chains, ChainSyncStatus{
			ChainID:     chainID,
			LocalUnsafe: localUnsafe.ID(),
			CrossUnsafe: crossUnsafe.ID(),
			LocalSafe:   localSafe.ID(),
			CrossSafe:   crossSafe.ID(),
			Finalized:   finalized.ID(),
		})

		if e3 == nil {
			if pair, derr := cdb.DerivedByNumber(localSafe.Number); derr == nil {
				if !haveSyncedL1 || pair.Source.Number < minSyncedL1.Number {
					minSyncedL1 = pair.Source.ID()
					haveSyncedL1 = true
				}
			}
		}
		if e4 == nil && (!haveCrossSafeTs || crossSafe.Timestamp < minCrossSafeTs) {
			minCrossSafeTs = crossSafe.Timestamp
			haveCrossSafeTs = true
		}
		if e5 == nil && (!haveFinalizedTs || finalized.Timestamp < minFinalizedTs) {
			minFinalizedTs = finalized.Timestamp
			haveFinalizedTs = true
		}
	}

	if len(chains) == 0 {
		return eth.BlockID{}, 0, 0, nil, fmt.Errorf("all tracked chains are uninitialised")
	}
	return minSyncedL1, minCrossSafeTs, minFinalizedTs, chains, nil
}

func (b *Backend) CheckAccess(access types.Access, minimum types.SafetyLevel) error {
	cdb, err := b.chainDB(access.ChainID)
	if err != nil {
		return err
	}
	logs, err := cdb.LogsAtBlock(access.BlockNum)
	if err != nil {
		return err
	}
	for _, l := range logs {
		if l.Index != access.LogIdx {
			continue
		}
		if l.Hash != access.LogHash {
			return types.ErrInvalidMessageHash
		}
		head, err := cdb.SafetyHead(minimum)
		if err != nil {
			return err
		}
		if head.Number < access.BlockNum {
			return types.ErrDependencyNotSafe
		}
		return nil
	}
	return types.ErrEntryNotFound
}

// rollupConfigAdapter bridges depset.FullConfigSet to the narrower
// graph.RollupConfigProvider surface the message graph validator needs.
type rollupConfigAdapter struct {
	cfg depset.FullConfigSet
}

func (r rollupConfigAdapter) ActivationTime(chainID eth.ChainID) (uint64, bool) {
	cfg, ok := r.cfg.RollupConfigSet.Get(chainID)
	if !ok {
		return 0, false
	}
	return cfg.ActivationTime()
}

func (r rollupConfigAdapter) BlockTime(chainID eth.ChainID) uint64 {
	cfg, ok := r.cfg.RollupConfigSet.Get(chainID)
	if !ok {
		return 0
	}
	return cfg.BlockTime
}

func (r rollupConfigAdapter) HasChain(chainID eth.ChainID) bool {
	return r.cfg.DependencySet.HasChain(chainID)
}

func (r rollupConfigAdapter) MessageExpiryWindow() uint64 {
	return r.cfg.DependencySet.MessageExpiryWindow()
}
