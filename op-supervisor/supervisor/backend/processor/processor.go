// Package processor implements the per-chain processor described in
// SPEC_FULL.md §4.4: it persists locally-reported blocks, then attempts to
// promote them to cross-unsafe and cross-safe using the message graph and
// cross-safety checker, grounded on
// crates/supervisor/core/src/chain_processor/handlers/{safe_block,invalidation}.rs.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-supervisor-x/op-node/rollup/event"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/cross"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/graph"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/superevents"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// Storage is the subset of ChainDB a single chain's processor needs.
type Storage interface {
	StoreBlockLogs(block eth.BlockRef, logs []types.Log) error
	SaveDerivedBlock(pair types.DerivedBlockRefPair) error
	SaveSourceBlock(source eth.BlockRef) error
	UpdateCurrentCrossUnsafe(block types.BlockSeal) error
	UpdateCurrentCrossSafe(source, derived types.BlockSeal) error
	UpdateFinalizedUsingSource(l1Source types.BlockSeal) error
	SafetyHead(level types.SafetyLevel) (types.BlockSeal, error)
	BlockRefByNumber(number uint64) (eth.BlockRef, error)
	Rewind(to eth.BlockID) error
}

// CandidateSource supplies the logs and block refs read when building the
// message graph for this chain's unsafe/safe candidate at the promotion
// instant.
type CandidateSource interface {
	Chains() []eth.ChainID
	BlockRefByNumber(ctx context.Context, chainID eth.ChainID, number uint64) (eth.BlockRef, error)
	LogsAtBlock(ctx context.Context, chainID eth.ChainID, number uint64) ([]types.Log, error)
}

// ChainProcessor is one chain's event.Deriver: it reacts to the node
// reporting new unsafe/derived blocks, and to cross-chain safety signals
// that might unblock this chain's own promotion.
type ChainProcessor struct {
	log     log.Logger
	chainID eth.ChainID
	store   Storage
	multi   CandidateSource
	rollup  graph.RollupConfigProvider
	emitter event.Emitter

	// invalidated mirrors ProcessorState.invalidated (SPEC_FULL.md §4.4):
	// set while a local-safe block has been invalidated and the processor
	// is waiting on the managed node to supply its replacement.
	invalidated *types.DerivedBlockRefPair
}

func NewChainProcessor(logger log.Logger, chainID eth.ChainID, store Storage, multi CandidateSource, rollup graph.RollupConfigProvider) *ChainProcessor {
	return &ChainProcessor{log: logger.New("chain", chainID), chainID: chainID, store: store, multi: multi, rollup: rollup}
}

func (p *ChainProcessor) AttachEmitter(em event.Emitter) {
	p.emitter = em
}

func (p *ChainProcessor) OnEvent(ev event.Event) bool {
	switch x := ev.(type) {
	case superevents.LocalUnsafeUpdateEvent:
		if x.ChainID != p.chainID {
			return false
		}
		p.onLocalUnsafe(x.NewUnsafeBlock, x.Logs)
		return true
	case superevents.LocalDerivedEvent:
		if x.ChainID != p.chainID {
			return false
		}
		p.onLocalDerived(x.Derived)
		return true
	case superevents.DerivationOriginUpdateEvent:
		if x.ChainID != p.chainID {
			return false
		}
		if err := p.store.SaveSourceBlock(x.Origin); err != nil {
			p.log.Error("failed to record derivation origin update", "err", err)
		}
		return true
	case superevents.InvalidateLocalSafeEvent:
		if x.ChainID != p.chainID {
			return false
		}
		p.invalidate(x.Candidate)
		return true
	case superevents.BlockReplacedEvent:
		if x.ChainID != p.chainID {
			return false
		}
		p.onBlockReplaced(x.Replacement)
		return true
	case superevents.ChainProcessEvent:
		p.tryPromote()
		return true
	case superevents.CrossUnsafeUpdateEvent, superevents.CrossSafeUpdateEvent:
		// another chain advanced: this chain's own promotion may now be
		// unblocked if it had an executing message depending on it.
		p.tryPromote()
		return true
	case superevents.FinalizedL1RequestEvent:
		if err := p.store.UpdateFinalizedUsingSource(types.BlockSealFromRef(x.FinalizedL1)); err != nil && !errors.Is(err, types.ErrEntryNotFound) {
			p.log.Error("failed to advance finalized head", "err", err)
		} else if err == nil {
			if head, headErr := p.store.SafetyHead(types.Finalized); headErr == nil {
				p.emitter.Emit(superevents.FinalizedL2UpdateEvent{ChainID: p.chainID, FinalizedL2: head})
			}
		}
		return true
	}
	return false
}

func (p *ChainProcessor) onLocalUnsafe(block eth.BlockRef, logs []types.Log) {
	if err := p.store.StoreBlockLogs(block, logs); err != nil {
		p.log.Error("failed to store unsafe block logs", "block", block, "err", err)
		return
	}
	p.tryPromoteCrossUnsafe()
}

func (p *ChainProcessor) onLocalDerived(pair types.DerivedBlockRefPair) {
	if p.invalidated != nil {
		p.log.Debug("ignoring derived block while an invalidation is pending", "pair", pair)
		return
	}
	if err := p.store.SaveDerivedBlock(pair); err != nil {
		p.log.Error("failed to save derived block", "pair", pair, "err", err)
		return
	}
	p.tryPromoteCrossSafe()
}

// invalidate implements the invalidation handler (SPEC_FULL.md §4.4.2):
// idempotent while an invalidation is already pending, otherwise it rewinds
// storage to the bad block and instructs the managed node (via the
// InvalidateLocalSafeEvent broadcast, which syncnode.ManagedNode also
// reacts to) to replace it.
func (p *ChainProcessor) invalidate(candidate types.DerivedBlockRefPair) {
	if p.invalidated != nil {
		return
	}
	if err := p.store.Rewind(candidate.Derived.ID()); err != nil {
		p.log.Error("failed to rewind storage for invalidation", "candidate", candidate, "err", err)
		return
	}
	cand := candidate
	p.invalidated = &cand
	p.log.Warn("invalidated local-safe block, awaiting replacement", "candidate", candidate)
	p.emitter.Emit(superevents.InvalidateLocalSafeEvent{ChainID: p.chainID, Candidate: candidate})
}

// onBlockReplaced implements the replacement handler (SPEC_FULL.md §4.4.3):
// a deposits-only replacement for the invalidated block, reported by the
// managed node once it built one.
func (p *ChainProcessor) onBlockReplaced(replacement types.BlockReplacement) {
	if p.invalidated == nil {
		return
	}
	if replacement.Invalidated != p.invalidated.Derived.Hash {
		p.log.Debug("ignoring replacement for a different invalidated block", "pending", p.invalidated.Derived.Hash, "got", replacement.Invalidated)
		return
	}
	pair := types.DerivedBlockRefPair{Source: p.invalidated.Source, Derived: replacement.Replacement}
	// A replacement block is deposits-only by construction (that's what
	// makes it safe to synthesize without re-running the cross-safety
	// checks): it carries no executing messages, so there is nothing to
	// re-fetch beyond recording its (empty) log set.
	if err := p.store.StoreBlockLogs(replacement.Replacement, nil); err != nil {
		p.log.Error("failed to store replacement block logs", "pair", pair, "err", err)
		return
	}
	if err := p.store.SaveDerivedBlock(pair); err != nil {
		p.log.Error("failed to save replacement derived block", "pair", pair, "err", err)
		return
	}
	p.invalidated = nil
	p.log.Info("replaced invalidated local-safe block", "pair", pair)
	p.tryPromoteCrossSafe()
}

func (p *ChainProcessor) tryPromote() {
	p.tryPromoteCrossUnsafe()
	p.tryPromoteCrossSafe()
}

// tryPromoteCrossUnsafe attempts to advance CrossUnsafe by one block past
// its current position, validating the candidate's executing messages
// against every other tracked chain's logs (message graph) and against
// the specific dependency-safety + cycle rules of the cross-safety
// checker.
func (p *ChainProcessor) tryPromoteCrossUnsafe() {
	current, err := p.store.SafetyHead(types.CrossUnsafe)
	if err != nil {
		return
	}
	next, err := p.store.BlockRefByNumber(current.Number + 1)
	if errors.Is(err, types.ErrEntryNotFound) {
		return
	} else if err != nil {
		p.log.Error("failed to read candidate for cross-unsafe promotion", "err", err)
		return
	}

	if err := p.validateCandidate(next, types.CrossUnsafe); err != nil {
		p.log.Debug("candidate not yet valid for cross-unsafe promotion", "block", next, "err", err)
		return
	}

	if err := p.store.UpdateCurrentCrossUnsafe(types.BlockSealFromRef(next)); err != nil {
		p.log.Error("failed to promote cross-unsafe", "block", next, "err", err)
		return
	}
	p.log.Info("promoted cross-unsafe", "block", next)
	p.emitter.Emit(superevents.CrossUnsafeUpdateEvent{ChainID: p.chainID, NewCrossUnsafe: types.BlockSealFromRef(next)})
}

func (p *ChainProcessor) tryPromoteCrossSafe() {
	if p.invalidated != nil {
		return
	}
	current, err := p.store.SafetyHead(types.CrossSafe)
	if err != nil {
		return
	}
	next, err := p.store.BlockRefByNumber(current.Number + 1)
	if errors.Is(err, types.ErrEntryNotFound) {
		return
	} else if err != nil {
		p.log.Error("failed to read candidate for cross-safe promotion", "err", err)
		return
	}

	if err := p.validateCandidate(next, types.CrossSafe); err != nil {
		if isInvalidMessageErr(err) {
			source, srcErr := p.lastSourceFor(next.Number)
			if srcErr != nil {
				p.log.Error("failed to resolve source for invalidation", "block", next, "err", srcErr)
				return
			}
			p.invalidate(types.DerivedBlockRefPair{Source: source.WithParent(common.Hash{}), Derived: next})
			return
		}
		p.log.Debug("candidate not yet valid for cross-safe promotion", "block", next, "err", err)
		return
	}

	source, err := p.lastSourceFor(next.Number)
	if err != nil {
		p.log.Error("failed to resolve source block for cross-safe promotion", "err", err)
		return
	}
	if err := p.store.UpdateCurrentCrossSafe(source, types.BlockSealFromRef(next)); err != nil {
		p.log.Error("failed to promote cross-safe", "block", next, "err", err)
		return
	}
	pair := types.DerivedBlockSealPair{Source: source, Derived: types.BlockSealFromRef(next)}
	p.log.Info("promoted cross-safe", "pair", pair)
	p.emitter.Emit(superevents.CrossSafeUpdateEvent{ChainID: p.chainID, NewCrossSafe: pair})
}

// lastSourceFor returns the source recorded for derivedNumber in the
// derivation index, read through the storage's DerivedByNumber lookup;
// it fails if the storage does not offer that lookup.
func (p *ChainProcessor) lastSourceFor(derivedNumber uint64) (types.BlockSeal, error) {
	type derivedLookup interface {
		DerivedByNumber(uint64) (types.DerivedBlockSealPair, error)
	}
	if dl, ok := p.store.(derivedLookup); ok {
		pair, err := dl.DerivedByNumber(derivedNumber)
		if err != nil {
			return types.BlockSeal{}, err
		}
		return pair.Source, nil
	}
	return types.BlockSeal{}, fmt.Errorf("storage does not support derived-block lookup")
}

// isInvalidMessageErr reports whether err reflects a genuinely invalid
// executing message (as opposed to types.ErrDependencyNotSafe, which just
// means "not ready yet, retry on the next promotion tick"). Only the
// former should trigger invalidation of the candidate block.
func isInvalidMessageErr(err error) bool {
	for _, sentinel := range []error{
		types.ErrInvalidMessageHash,
		types.ErrInvalidMessageOrigin,
		types.ErrInvalidMessageTimestamp,
		types.ErrMessageInFuture,
		types.ErrMessageExpired,
		types.ErrInitiatedTooEarly,
		types.ErrRemoteMessageNotFound,
		types.ErrCyclicDependency,
		types.ErrTimestampInvariantViolation,
		types.ErrInitiatingMessageNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func (p *ChainProcessor) validateCandidate(block eth.BlockRef, level types.SafetyLevel) error {
	logs, err := p.multi.LogsAtBlock(context.Background(), p.chainID, block.Number)
	if err != nil {
		return fmt.Errorf("failed to read logs for candidate %s: %w", block, err)
	}

	var candidates []graph.CandidateBlock
	candidates = append(candidates, graph.CandidateBlock{ChainID: p.chainID, Block: block, Logs: logs})
	// A fresh cache per resolve pass: several executing messages in one
	// candidate block commonly reference the same remote block, but a cache
	// that outlived this call could serve stale data across a remote reorg.
	cached, err := graph.NewCachingLogProvider(p.multi.(graph.LogProvider), len(logs)+1)
	if err != nil {
		return fmt.Errorf("failed to build message graph cache: %w", err)
	}
	mg := graph.New(cached, p.rollup, candidates)
	if err := mg.Resolve(context.Background()); err != nil {
		return err
	}

	if checker, ok := p.multi.(cross.Provider); ok {
		c := cross.NewChecker(p.chainID, checker, level)
		if err := c.ValidateBlock(block); err != nil {
			return err
		}
	}
	return nil
}

var _ event.Deriver = (*ChainProcessor)(nil)
var _ event.AttachEmitter = (*ChainProcessor)(nil)
