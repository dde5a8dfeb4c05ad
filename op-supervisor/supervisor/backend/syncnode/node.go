package syncnode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	gethevent "github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/ethereum-optimism/op-supervisor-x/op-node/rollup/event"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	oprpc "github.com/ethereum-optimism/op-supervisor-x/op-service/rpc"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/superevents"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// nodeTimeout bounds any single RPC call made to a managed node.
const nodeTimeout = 10 * time.Second

// internalTimeout bounds any single read against local chain storage.
const internalTimeout = 5 * time.Second

// SyncControl is the managed-node side of the interop RPC contract
// (SPEC_FULL.md §4.5): the supervisor drives each node's safety heads and
// reads blocks from it, while the node pushes ManagedEvents back.
type SyncControl interface {
	BlockRefByNumber(ctx context.Context, num uint64) (eth.BlockRef, error)
	UnsafeBlockRef(ctx context.Context) (eth.BlockRef, error)
	Reset(ctx context.Context, lUnsafe, xUnsafe, lSafe, xSafe, finalized eth.BlockID) error
	PullEvent(ctx context.Context) (*types.ManagedEvent, error)
	SubscribeEvents(ctx context.Context, ch chan *types.ManagedEvent) (ethereum.Subscription, error)
	UpdateCrossUnsafe(ctx context.Context, id eth.BlockID) error
	UpdateCrossSafe(ctx context.Context, source, derived eth.BlockID) error
	UpdateFinalized(ctx context.Context, id eth.BlockID) error
	ProvideL1(ctx context.Context, block eth.BlockRef) error
	InvalidateBlock(ctx context.Context, seal types.BlockSeal) error
	Close() error
}

// backend is the subset of the chain-storage facade a managed node's reset
// logic needs: activation lookups and the current safety heads.
type backend interface {
	IsLocalSafe(ctx context.Context, chainID eth.ChainID, block eth.BlockID) error
	ActivationBlock(ctx context.Context, chainID eth.ChainID) (types.DerivedBlockSealPair, error)
	CrossUnsafe(ctx context.Context, chainID eth.ChainID) (eth.BlockID, error)
	CrossSafe(ctx context.Context, chainID eth.ChainID) (types.DerivedBlockSealPair, error)
	Finalized(ctx context.Context, chainID eth.ChainID) (eth.BlockID, error)
}

// L1Source resolves L1 blocks by number, used by the ExhaustL1 handler to
// feed a managed node the next source block once it has exhausted the one
// it holds. Attached after construction since the L1 RPC client is dialed
// separately and optionally (cmd/main.go).
type L1Source interface {
	L1BlockRefByNumber(ctx context.Context, number uint64) (eth.BlockRef, error)
}

// ManagedNode wraps one managed-node RPC connection: it pulls
// ManagedEvents from the node and republishes them onto the shared event
// bus as superevents, and drives node-initiated reset requests via
// bisection against local storage.
type ManagedNode struct {
	ctx    context.Context
	cancel context.CancelFunc

	log     log.Logger
	chainID eth.ChainID
	Node    SyncControl
	backend backend
	l1      L1Source
	emitter event.Emitter

	// nodeEvents receives ManagedEvents from whichever transport
	// SubscribeToNodeEvents() settled on: a genuine push subscription, or
	// the polling fallback when the node doesn't support notifications.
	nodeEvents    chan *types.ManagedEvent
	subscriptions []gethevent.Subscription

	resetMu      sync.Mutex
	resetCancel  context.CancelFunc
	resetTracker *resetTracker

	wg sync.WaitGroup
}

func NewManagedNode(logger log.Logger, chainID eth.ChainID, node SyncControl, b backend) *ManagedNode {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ManagedNode{
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.New("chain", chainID),
		chainID: chainID,
		Node:    node,
		backend: b,
	}
	m.resetTracker = newResetTracker(m.log, m.resetBackend())
	return m
}

// AttachL1Source enables the ExhaustL1 handler; without it, a managed node
// that runs out of L1 data is logged and left blocked until the reorg
// handler or an operator intervenes.
func (m *ManagedNode) AttachL1Source(l1 L1Source) {
	m.l1 = l1
}

func (m *ManagedNode) AttachEmitter(em event.Emitter) {
	m.emitter = em
}

// Start opens the node's event subscription (falling back to polling if
// the node doesn't support notifications) and begins consuming it.
func (m *ManagedNode) Start() {
	m.SubscribeToNodeEvents()
	m.WatchSubscriptionErrors()
	m.wg.Add(1)
	go m.consumeLoop()
}

func (m *ManagedNode) Stop() error {
	m.cancel()
	m.wg.Wait()
	for _, sub := range m.subscriptions {
		sub.Unsubscribe()
	}
	return m.Node.Close()
}

// SubscribeToNodeEvents opens a self-healing subscription to the node's
// event stream: gethevent.ResubscribeErr re-dials on any subscription
// error, and falls back to polling PullEvent on a short interval when the
// node's transport can't carry push notifications at all. Grounded on the
// managed-node client pattern in the pack's op-supervisor reference
// (syncnode/node.go), which wires the same SubscribeEvents/PullEvent pair
// through rpc.StreamFallback for exactly this fallback.
func (m *ManagedNode) SubscribeToNodeEvents() {
	m.nodeEvents = make(chan *types.ManagedEvent, 10)
	sub := gethevent.ResubscribeErr(10*time.Second, func(ctx context.Context, prevErr error) (gethevent.Subscription, error) {
		if prevErr != nil {
			m.log.Warn("managed node subscription failed, restarting", "err", prevErr)
		}
		sub, err := m.Node.SubscribeEvents(ctx, m.nodeEvents)
		if err != nil {
			if errors.Is(err, gethrpc.ErrNotificationsUnsupported) {
				m.log.Warn("managed node does not support subscriptions, falling back to polling")
				return oprpc.StreamFallback[types.ManagedEvent](m.Node.PullEvent, 100*time.Millisecond, m.nodeEvents)
			}
			return nil, err
		}
		return sub, nil
	})
	m.subscriptions = append(m.subscriptions, sub)
}

// WatchSubscriptionErrors logs terminal subscription errors; ResubscribeErr
// already retries transient ones, so this is purely observability.
func (m *ManagedNode) WatchSubscriptionErrors() {
	for _, sub := range m.subscriptions {
		m.wg.Add(1)
		go func(sub ethereum.Subscription) {
			defer m.wg.Done()
			select {
			case err := <-sub.Err():
				if err != nil {
					m.log.Error("managed node subscription error", "err", err)
				}
			case <-m.ctx.Done():
			}
		}(sub)
	}
}

func (m *ManagedNode) consumeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.nodeEvents:
			if ev == nil {
				continue
			}
			m.dispatch(*ev)
		}
	}
}

func (m *ManagedNode) dispatch(ev types.ManagedEvent) {
	switch {
	case ev.Reset != nil:
		m.log.Info("node requested reset", "reason", *ev.Reset)
		ctx, cancel := context.WithTimeout(m.ctx, nodeTimeout)
		unsafeRef, err := m.Node.UnsafeBlockRef(ctx)
		cancel()
		if err != nil {
			m.log.Error("failed to read node unsafe head for reset", "err", err)
			return
		}
		m.emitter.Emit(superevents.ResetRequestEvent{ChainID: m.chainID, Unsafe: unsafeRef.ID()})
	case ev.UnsafeBlock != nil:
		m.emitter.Emit(superevents.LocalUnsafeUpdateEvent{ChainID: m.chainID, NewUnsafeBlock: *ev.UnsafeBlock})
	case ev.DerivationUpdate != nil:
		m.emitter.Emit(superevents.LocalDerivedEvent{ChainID: m.chainID, Derived: *ev.DerivationUpdate})
	case ev.DerivationOriginUpdate != nil:
		m.emitter.Emit(superevents.DerivationOriginUpdateEvent{ChainID: m.chainID, Origin: *ev.DerivationOriginUpdate})
	case ev.ExhaustL1 != nil:
		m.onExhaustL1(*ev.ExhaustL1)
	case ev.ReplaceBlock != nil:
		m.emitter.Emit(superevents.BlockReplacedEvent{ChainID: m.chainID, Replacement: *ev.ReplaceBlock})
	}
}

// onExhaustL1 implements the ExhaustL1 handler contract (SPEC_FULL.md
// §4.5): fetch the next L1 block by number source.number+1; if its parent
// hash extends the exhausted source, feed it back via provide_l1; on a
// mismatch, leave recovery to the reorg handler; if it doesn't exist yet,
// noop. Unlike a DerivationUpdate, this carries no new block to persist —
// it is purely a signal that the node is out of L1 data.
func (m *ManagedNode) onExhaustL1(completed types.DerivedBlockRefPair) {
	if m.l1 == nil {
		m.log.Debug("node exhausted l1 data but no l1 source is attached", "source", completed.Source)
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, internalTimeout)
	next, err := m.l1.L1BlockRefByNumber(ctx, completed.Source.Number+1)
	cancel()
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			m.log.Debug("next l1 source not yet available", "source", completed.Source)
			return
		}
		m.log.Error("failed to fetch next l1 source for exhausted node", "source", completed.Source, "err", err)
		return
	}
	if next.ParentHash != completed.Source.Hash {
		m.log.Warn("next l1 source does not extend exhausted source, leaving to reorg handler",
			"source", completed.Source, "next", next)
		return
	}
	nodeCtx, nodeCancel := context.WithTimeout(m.ctx, nodeTimeout)
	defer nodeCancel()
	if err := m.Node.ProvideL1(nodeCtx, next); err != nil {
		m.log.Warn("failed to provide next l1 block to node", "block", next, "err", err)
	}
}

func (m *ManagedNode) OnEvent(ev event.Event) bool {
	switch x := ev.(type) {
	case superevents.InvalidateLocalSafeEvent:
		if x.ChainID != m.chainID {
			return false
		}
		m.onInvalidateLocalSafe(x.Candidate)
		return true
	case superevents.ResetRequestEvent:
		if x.ChainID != m.chainID {
			return false
		}
		go m.initiateReset(x.Unsafe)
		return true
	case superevents.CrossUnsafeUpdateEvent:
		if x.ChainID != m.chainID {
			return false
		}
		ctx, cancel := context.WithTimeout(m.ctx, nodeTimeout)
		defer cancel()
		if err := m.Node.UpdateCrossUnsafe(ctx, x.NewCrossUnsafe.ID()); err != nil {
			m.log.Error("failed to push cross-unsafe update to node", "err", err)
		}
		return true
	case superevents.CrossSafeUpdateEvent:
		if x.ChainID != m.chainID {
			return false
		}
		ctx, cancel := context.WithTimeout(m.ctx, nodeTimeout)
		defer cancel()
		if err := m.Node.UpdateCrossSafe(ctx, x.NewCrossSafe.Source.ID(), x.NewCrossSafe.Derived.ID()); err != nil {
			m.log.Error("failed to push cross-safe update to node", "err", err)
		}
		return true
	case superevents.FinalizedL2UpdateEvent:
		if x.ChainID != m.chainID {
			return false
		}
		ctx, cancel := context.WithTimeout(m.ctx, nodeTimeout)
		defer cancel()
		if err := m.Node.UpdateFinalized(ctx, x.FinalizedL2.ID()); err != nil {
			m.log.Error("failed to push finalized update to node", "err", err)
		}
		return true
	}
	return false
}

// onInvalidateLocalSafe forwards the supervisor's invalidation decision to
// the managed node (SPEC_FULL.md §4.4.2 step 3): the node is expected to
// respond, in time, with a ReplaceBlock event carrying a deposits-only
// replacement.
func (m *ManagedNode) onInvalidateLocalSafe(candidate types.DerivedBlockRefPair) {
	m.log.Warn("instructing node to invalidate local-safe block", "candidate", candidate)
	ctx, cancel := context.WithTimeout(m.ctx, nodeTimeout)
	defer cancel()
	if err := m.Node.InvalidateBlock(ctx, types.BlockSealFromRef(candidate.Derived)); err != nil {
		m.log.Warn("node failed to invalidate block", "candidate", candidate, "err", err)
	}
}

var _ event.Deriver = (*ManagedNode)(nil)
var _ event.AttachEmitter = (*ManagedNode)(nil)
