// Package reorg implements the L1 reorg handler described in
// SPEC_FULL.md §4.7: on a new L1 head, walk each tracked chain's recorded
// source blocks back until one is still canonical on L1, then rewind that
// chain's storage to it. Grounded on
// crates/supervisor/core/src/reorg/task.rs.
package reorg

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-supervisor-x/op-node/rollup/event"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/superevents"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// L1Canonical answers whether an L1 block is still canonical, used to walk
// back to the fork point without re-deriving every intermediate block.
type L1Canonical interface {
	IsCanonical(ctx context.Context, id eth.BlockID) (bool, error)
}

// ChainStore is the per-chain storage surface the reorg handler rewinds.
type ChainStore interface {
	Activation() (types.ActivationPair, error)
	SafetyHead(level types.SafetyLevel) (types.BlockSeal, error)
	DerivedByNumber(derivedNumber uint64) (types.DerivedBlockSealPair, error)
	TraversalAtSource(sourceNumber uint64) (types.SourceTraversal, error)
	Rewind(to eth.BlockID) error
	RewindToSource(sourceID eth.BlockID) (eth.BlockID, bool, error)
}

// Handler reacts to L1ReorgEvent by walking every tracked chain's source
// history back to the last block still canonical on L1, and rewinding.
type Handler struct {
	log     log.Logger
	chains  map[eth.ChainID]ChainStore
	l1      L1Canonical
	emitter event.Emitter
}

func NewHandler(logger log.Logger, chains map[eth.ChainID]ChainStore, l1 L1Canonical) *Handler {
	return &Handler{log: logger, chains: chains, l1: l1}
}

func (h *Handler) AttachEmitter(em event.Emitter) {
	h.emitter = em
}

func (h *Handler) OnEvent(ev event.Event) bool {
	x, ok := ev.(superevents.L1ReorgEvent)
	if !ok {
		return false
	}
	for chainID, store := range h.chains {
		if err := h.processChainReorg(context.Background(), chainID, store); err != nil {
			h.log.Error("failed to process reorg for chain", "chain", chainID, "err", err)
		}
	}
	return true
}

// processChainReorg does nothing if the chain's current source head is
// still canonical; otherwise it walks the chain's recorded source history
// backward to the last canonical source and rewinds there, or falls back
// to rewinding to the chain's activation block if even that is gone.
func (h *Handler) processChainReorg(ctx context.Context, chainID eth.ChainID, store ChainStore) error {
	activation, err := store.Activation()
	if errors.Is(err, types.ErrDatabaseNotInitialised) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read activation for chain %s: %w", chainID, err)
	}

	latestSourceNumber, err := h.latestSourceNumber(store, activation)
	if err != nil {
		return err
	}

	canonical, err := h.l1.IsCanonical(ctx, eth.BlockID{Number: latestSourceNumber})
	if err != nil {
		return fmt.Errorf("failed to check canonicality of source %d: %w", latestSourceNumber, err)
	}
	if canonical {
		return nil // latest source block is still canonical: no reorg needed for this chain
	}

	target, err := h.findRewindTarget(ctx, store, activation, latestSourceNumber)
	if errors.Is(err, types.ErrRewindTargetPreInterop) {
		h.log.Info("reorg target predates activation, rewinding to activation block", "chain", chainID)
		if err := store.Rewind(activation.Derived.ID()); err != nil {
			return fmt.Errorf("failed to rewind chain %s to activation block: %w", chainID, err)
		}
		return nil
	} else if err != nil {
		return err
	}

	h.log.Info("rewinding chain to last canonical source", "chain", chainID, "source", target)
	newDerived, found, err := store.RewindToSource(eth.BlockID{Number: target})
	if err != nil {
		return fmt.Errorf("failed to rewind chain %s to source %d: %w", chainID, target, err)
	}
	if found {
		h.emitter.Emit(superevents.RewindL1Event{CommonAncestor: newDerived})
	}
	return nil
}

// latestSourceNumber resolves the L1 source block number the chain's
// cross-safe head was derived from. SafetyHead(CrossSafe) returns the L2
// derived block's own seal, whose Number is an L2 block number; the
// derivation index translates that to the L1 source it came from.
func (h *Handler) latestSourceNumber(store ChainStore, activation types.ActivationPair) (uint64, error) {
	crossSafe, err := store.SafetyHead(types.CrossSafe)
	if err != nil {
		return activation.Source.Number, nil
	}
	pair, err := store.DerivedByNumber(crossSafe.Number)
	if err != nil {
		return activation.Source.Number, nil
	}
	return pair.Source.Number, nil
}

// findRewindTarget walks backward from latestSourceNumber-1 until it finds
// a source block still canonical on L1, or hits the chain's activation
// source (ErrRewindTargetPreInterop).
func (h *Handler) findRewindTarget(ctx context.Context, store ChainStore, activation types.ActivationPair, latestSourceNumber uint64) (uint64, error) {
	n := latestSourceNumber
	for n > activation.Source.Number {
		n--
		canonical, err := h.l1.IsCanonical(ctx, eth.BlockID{Number: n})
		if err != nil {
			return 0, fmt.Errorf("failed to check canonicality of source %d: %w", n, err)
		}
		if canonical {
			return n, nil
		}
	}
	return 0, types.ErrRewindTargetPreInterop
}

var _ event.Deriver = (*Handler)(nil)
var _ event.AttachEmitter = (*Handler)(nil)
