// Package db implements the per-chain ACID store described in
// SPEC_FULL.md §4.1: append-only log and derivation indices, safety-head
// refs, and source-block traversal, with strict parent-hash continuity
// invariants and transactional rewind.
package db

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// Metricer records storage-level gauges (table sizes, etc); mirrors the
// page-level stats surface called for in SPEC_FULL.md §6.
type Metricer interface {
	RecordDBEntryCount(chainID eth.ChainID, table string, count int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordDBEntryCount(eth.ChainID, string, int64) {}

// blockInfoEnc is the on-disk encoding of a BlockRefs entry: a BlockSeal
// plus the parent hash, which the append-only log index needs to verify
// continuity but which BlockSeal itself does not retain.
type blockInfoEnc struct {
	Hash       common.Hash `json:"hash"`
	Number     uint64      `json:"number"`
	ParentHash common.Hash `json:"parentHash"`
	Timestamp  uint64      `json:"timestamp"`
}

func fromRef(r eth.BlockRef) blockInfoEnc {
	return blockInfoEnc{Hash: r.Hash, Number: r.Number, ParentHash: r.ParentHash, Timestamp: r.Time}
}

func (b blockInfoEnc) toRef() eth.BlockRef {
	return eth.BlockRef{Hash: b.Hash, Number: b.Number, ParentHash: b.ParentHash, Time: b.Timestamp}
}

func (b blockInfoEnc) toSeal() types.BlockSeal {
	return types.BlockSeal{Hash: b.Hash, Number: b.Number, Timestamp: b.Timestamp}
}

// ChainDB is the per-chain ACID store. One logical instance is created per
// tracked chain, backed by its own pebble.DB under datadir/<chainID>/.
type ChainDB struct {
	chainID eth.ChainID
	log     log.Logger
	m       Metricer

	mu  sync.RWMutex // guards head cache + serializes writers (one exclusive writer at a time per chain)
	kv  *pebble.DB

	// head cache: avoids a pebble round-trip for the hot-path safety-head
	// reads: cache and durable state always commit together.
	heads map[types.SafetyLevel]types.BlockSeal

	activation *types.ActivationPair
}

// Open creates or re-opens the chain's on-disk store at datadir/<chainID>/chain.db.
func Open(logger log.Logger, m Metricer, datadir string, chainID eth.ChainID) (*ChainDB, error) {
	if m == nil {
		m = noopMetrics{}
	}
	dir := filepath.Join(datadir, chainID.String(), "chain.db")
	kv, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open chain db at %q: %w", dir, err)
	}
	c := &ChainDB{
		chainID: chainID,
		log:     logger.New("chain", chainID),
		m:       m,
		kv:      kv,
		heads:   make(map[types.SafetyLevel]types.BlockSeal),
	}
	if err := c.loadHeads(); err != nil {
		kv.Close()
		return nil, err
	}
	return c, nil
}

func (c *ChainDB) Close() error {
	return c.kv.Close()
}

func (c *ChainDB) loadHeads() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, level := range []types.SafetyLevel{types.LocalUnsafe, types.CrossUnsafe, types.LocalSafe, types.CrossSafe, types.Finalized} {
		seal, ok, err := c.getSafetyHeadLocked(level)
		if err != nil {
			return err
		}
		if ok {
			c.heads[level] = seal
		}
	}
	activation, ok, err := c.getActivationLocked()
	if err != nil {
		return err
	}
	if ok {
		c.activation = &activation
	}
	return nil
}

// ---- low level get/put helpers ----

func (c *ChainDB) getJSON(key []byte, out interface{}) (bool, error) {
	v, closer, err := c.kv.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("failed to decode entry at key %x: %w", key, err)
	}
	return true, nil
}

func putJSON(batch *pebble.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Set(key, data, nil)
}

func (c *ChainDB) getSafetyHeadLocked(level types.SafetyLevel) (types.BlockSeal, bool, error) {
	var enc blockInfoEnc
	ok, err := c.getJSON(keySafetyHead(level), &enc)
	if err != nil || !ok {
		return types.BlockSeal{}, ok, err
	}
	return enc.toSeal(), true, nil
}

func (c *ChainDB) getActivationLocked() (types.ActivationPair, bool, error) {
	var pair types.ActivationPair
	ok, err := c.getJSON(keyActivation(), &pair)
	return pair, ok, err
}

// SafetyHead returns the current head at the given level.
// Returns ErrDatabaseNotInitialised if the level has no head and the chain
// has no derivation activation record yet, and ErrFuture if the level has
// not been seeded on a chain that has one.
func (c *ChainDB) SafetyHead(level types.SafetyLevel) (types.BlockSeal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seal, ok := c.heads[level]
	if ok {
		return seal, nil
	}
	if c.activation == nil {
		return types.BlockSeal{}, types.ErrDatabaseNotInitialised
	}
	return types.BlockSeal{}, types.ErrFuture
}

func (c *ChainDB) Activation() (types.ActivationPair, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.activation == nil {
		return types.ActivationPair{}, types.ErrDatabaseNotInitialised
	}
	return *c.activation, nil
}

func (c *ChainDB) setHeadLocked(batch *pebble.Batch, level types.SafetyLevel, seal types.BlockSeal) error {
	enc := blockInfoEnc{Hash: seal.Hash, Number: seal.Number, Timestamp: seal.Timestamp}
	return putJSON(batch, keySafetyHead(level), enc)
}

// ---- initialisation ----

// InitialiseLogStorage seeds the log index's activation block. Idempotent:
// if the activation record already exists and equals block, succeeds; if
// present and differing, returns ErrConflict; otherwise inserts and seeds
// LocalUnsafe = CrossUnsafe = activation.
func (c *ChainDB) InitialiseLogStorage(block eth.BlockRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok, err := c.getBlockRefLocked(block.Number)
	if err != nil {
		return err
	}
	if ok {
		if existing.Hash != block.Hash {
			return fmt.Errorf("log storage already initialised with different block %s (got %s): %w", existing, block, types.ErrConflict)
		}
		return nil
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	if err := putJSON(batch, keyBlockRef(block.Number), fromRef(block)); err != nil {
		return err
	}
	seal := types.BlockSealFromRef(block)
	if err := c.setHeadLocked(batch, types.LocalUnsafe, seal); err != nil {
		return err
	}
	if err := c.setHeadLocked(batch, types.CrossUnsafe, seal); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	c.heads[types.LocalUnsafe] = seal
	c.heads[types.CrossUnsafe] = seal
	c.m.RecordDBEntryCount(c.chainID, "log", 1)
	return nil
}

// InitialiseDerivationStorage seeds the derivation index's activation
// pair, symmetric to InitialiseLogStorage, and seeds LocalSafe = CrossSafe
// = the derived block.
func (c *ChainDB) InitialiseDerivationStorage(pair types.DerivedBlockRefPair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok, err := c.getActivationLocked()
	if err != nil {
		return err
	}
	incoming := pair.Seals()
	if ok {
		if existing != incoming {
			return fmt.Errorf("derivation storage already initialised with different pair %s (got %s): %w", existing, incoming, types.ErrConflict)
		}
		return nil
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	if err := putJSON(batch, keyActivation(), incoming); err != nil {
		return err
	}
	if err := putJSON(batch, keyDerivedBlock(pair.Derived.Number), incoming); err != nil {
		return err
	}
	traversal := types.SourceTraversal{Source: incoming.Source, Derived: []uint64{pair.Derived.Number}}
	if err := putJSON(batch, keyTraversal(pair.Source.Number), traversal); err != nil {
		return err
	}
	if err := c.setHeadLocked(batch, types.LocalSafe, incoming.Derived); err != nil {
		return err
	}
	if err := c.setHeadLocked(batch, types.CrossSafe, incoming.Derived); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	c.activation = &incoming
	c.heads[types.LocalSafe] = incoming.Derived
	c.heads[types.CrossSafe] = incoming.Derived
	c.m.RecordDBEntryCount(c.chainID, "local_derived", 1)
	c.m.RecordDBEntryCount(c.chainID, "cross_derived", 1)
	return nil
}

// ---- block refs / logs ----

func (c *ChainDB) getBlockRefLocked(number uint64) (eth.BlockRef, bool, error) {
	var enc blockInfoEnc
	ok, err := c.getJSON(keyBlockRef(number), &enc)
	if err != nil || !ok {
		return eth.BlockRef{}, ok, err
	}
	return enc.toRef(), true, nil
}

// BlockRefByNumber returns the stored BlockInfo for number, or
// ErrEntryNotFound if there is no such entry (e.g. beyond the latest
// stored block, or before the chain's first stored block).
func (c *ChainDB) BlockRefByNumber(number uint64) (eth.BlockRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok, err := c.getBlockRefLocked(number)
	if err != nil {
		return eth.BlockRef{}, err
	}
	if !ok {
		return eth.BlockRef{}, types.ErrEntryNotFound
	}
	return ref, nil
}

// StoreBlockLogs appends a new unsafe block and its logs to the log index
// (SPEC_FULL.md §4.1 "Append log block").
func (c *ChainDB) StoreBlockLogs(block eth.BlockRef, logs []types.Log) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, ok := c.heads[types.LocalUnsafe]
	if !ok {
		return types.ErrDatabaseNotInitialised
	}
	if latest.Number == block.Number {
		if latest.Hash != block.Hash {
			return fmt.Errorf("block %s conflicts with stored block %s at height %d: %w", block, latest, block.Number, types.ErrConflict)
		}
		return nil // identical record already present: no-op
	}
	if latest.Number+1 != block.Number || latest.Hash != block.ParentHash {
		return fmt.Errorf("block %s is not a child of latest %s: %w", block, latest, types.ErrBlockOutOfOrder)
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	if err := putJSON(batch, keyBlockRef(block.Number), fromRef(block)); err != nil {
		return err
	}
	for _, l := range logs {
		if err := putJSON(batch, keyLogEntry(block.Number, l.Index), l); err != nil {
			return err
		}
	}
	seal := types.BlockSealFromRef(block)
	if err := c.setHeadLocked(batch, types.LocalUnsafe, seal); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	c.heads[types.LocalUnsafe] = seal
	return nil
}

// LogsAtBlock returns the stored logs for a block number, ordered by
// index, or ErrEntryNotFound if the block itself is not stored.
func (c *ChainDB) LogsAtBlock(number uint64) ([]types.Log, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok, err := c.getBlockRefLocked(number); err != nil {
		return nil, err
	} else if !ok {
		return nil, types.ErrEntryNotFound
	}

	prefix := keyLogEntryPrefix(number)
	iter, err := c.kv.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []types.Log
	for iter.First(); iter.Valid(); iter.Next() {
		var l types.Log
		if err := json.Unmarshal(iter.Value(), &l); err != nil {
			return nil, fmt.Errorf("failed to decode log at key %x: %w", iter.Key(), err)
		}
		out = append(out, l)
	}
	return out, nil
}

// ---- derivation index ----

func (c *ChainDB) getDerivedBlockLocked(derivedNumber uint64) (types.DerivedBlockSealPair, bool, error) {
	var pair types.DerivedBlockSealPair
	ok, err := c.getJSON(keyDerivedBlock(derivedNumber), &pair)
	return pair, ok, err
}

// DerivedByNumber returns the derivation pair at a given derived
// block number.
func (c *ChainDB) DerivedByNumber(derivedNumber uint64) (types.DerivedBlockSealPair, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pair, ok, err := c.getDerivedBlockLocked(derivedNumber)
	if err != nil {
		return types.DerivedBlockSealPair{}, err
	}
	if !ok {
		return types.DerivedBlockSealPair{}, types.ErrEntryNotFound
	}
	return pair, nil
}

func (c *ChainDB) latestDerivedLocked() (types.DerivedBlockSealPair, bool, error) {
	if c.activation == nil {
		return types.DerivedBlockSealPair{}, false, nil
	}
	localSafe, ok := c.heads[types.LocalSafe]
	if !ok {
		return types.DerivedBlockSealPair{}, false, nil
	}
	pair, ok, err := c.getDerivedBlockLocked(localSafe.Number)
	return pair, ok, err
}

// SaveDerivedBlock appends a (source, derived) pair to the derivation
// index (SPEC_FULL.md §4.1 "Append derived pair"). After writing, it
// re-reads the log index for the derived block: missing means logs have
// not arrived yet (ErrFuture); a hash mismatch means the stored log-index
// block no longer matches (ErrReorgRequired).
func (c *ChainDB) SaveDerivedBlock(pair types.DerivedBlockRefPair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activation == nil {
		return types.ErrDatabaseNotInitialised
	}

	latest, ok, err := c.latestDerivedLocked()
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrDatabaseNotInitialised
	}

	incoming := pair.Seals()
	if latest.Derived.Number == incoming.Derived.Number {
		if latest != incoming {
			return fmt.Errorf("derived pair %s conflicts with stored %s: %w", incoming, latest, types.ErrConflict)
		}
		return nil
	}
	if latest.Derived.Number+1 != incoming.Derived.Number || latest.Derived.Hash != pair.Derived.ParentHash {
		return fmt.Errorf("derived block %s is not a child of latest %s: %w", pair.Derived, latest.Derived, types.ErrBlockOutOfOrder)
	}

	logRef, logOK, err := c.getBlockRefLocked(pair.Derived.Number)
	if err != nil {
		return err
	}
	if !logOK {
		return fmt.Errorf("logs for %s not yet ingested: %w", pair.Derived, types.ErrFuture)
	}
	if logRef.Hash != pair.Derived.Hash {
		return fmt.Errorf("log-index block %s does not match derived block %s: %w", logRef, pair.Derived, types.ErrReorgRequired)
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	if err := putJSON(batch, keyDerivedBlock(pair.Derived.Number), incoming); err != nil {
		return err
	}
	if err := c.appendTraversalLocked(batch, pair.Source, pair.Derived.Number); err != nil {
		return err
	}
	if err := c.setHeadLocked(batch, types.LocalSafe, incoming.Derived); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	c.heads[types.LocalSafe] = incoming.Derived
	c.m.RecordDBEntryCount(c.chainID, "local_derived", int64(pair.Derived.Number-c.activation.Derived.Number+1))
	return nil
}

func (c *ChainDB) appendTraversalLocked(batch *pebble.Batch, source eth.BlockRef, derivedNumber uint64) error {
	var t types.SourceTraversal
	ok, err := c.getJSON(keyTraversal(source.Number), &t)
	if err != nil {
		return err
	}
	if !ok {
		t = types.SourceTraversal{Source: types.BlockSealFromRef(source)}
	}
	if !t.Contains(derivedNumber) {
		t.Derived = append(t.Derived, derivedNumber)
	}
	return putJSON(batch, keyTraversal(source.Number), t)
}

// SaveSourceBlock appends (possibly empty) traversal metadata for a new L1
// source block (SPEC_FULL.md §4.1 "Append source block"). Idempotent:
// tolerates a stale source that matches the existing entry.
func (c *ChainDB) SaveSourceBlock(source eth.BlockRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var existing types.SourceTraversal
	ok, err := c.getJSON(keyTraversal(source.Number), &existing)
	if err != nil {
		return err
	}
	if ok {
		if existing.Source.Hash != source.Hash {
			return fmt.Errorf("source block %s conflicts with stored %s: %w", source, existing.Source, types.ErrConflict)
		}
		return nil
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	t := types.SourceTraversal{Source: types.BlockSealFromRef(source)}
	if err := putJSON(batch, keyTraversal(source.Number), t); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// TraversalAtSource returns the traversal record for a source block
// number.
func (c *ChainDB) TraversalAtSource(sourceNumber uint64) (types.SourceTraversal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var t types.SourceTraversal
	ok, err := c.getJSON(keyTraversal(sourceNumber), &t)
	if err != nil {
		return types.SourceTraversal{}, err
	}
	if !ok {
		return types.SourceTraversal{}, types.ErrEntryNotFound
	}
	return t, nil
}

// LatestDerivedBlockAtSource returns the last derived block number
// recorded for a source, or ErrEntryNotFound if the source has no
// traversal entry (used by Backend.AllSafeDerivedAt).
func (c *ChainDB) LatestDerivedBlockAtSource(sourceNumber uint64) (types.BlockSeal, error) {
	t, err := c.TraversalAtSource(sourceNumber)
	if err != nil {
		return types.BlockSeal{}, err
	}
	if len(t.Derived) == 0 {
		return types.BlockSeal{}, types.ErrEntryNotFound
	}
	last := t.Derived[len(t.Derived)-1]
	pair, err := c.DerivedByNumber(last)
	if err != nil {
		return types.BlockSeal{}, err
	}
	return pair.Derived, nil
}

// ---- safety head updates ----

// UpdateCurrentCrossUnsafe advances CrossUnsafe to block. Requires the
// parent relation against the current CrossUnsafe head and requires the
// log index to still contain a block ref with matching hash (guards
// against post-rewind promotion).
func (c *ChainDB) UpdateCurrentCrossUnsafe(block types.BlockSeal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.heads[types.CrossUnsafe]
	if ok && block.Number <= current.Number {
		return fmt.Errorf("cross-unsafe target %s is not ahead of current %s: %w", block, current, types.ErrConflict)
	}

	ref, logOK, err := c.getBlockRefLocked(block.Number)
	if err != nil {
		return err
	}
	if !logOK || ref.Hash != block.Hash {
		return fmt.Errorf("log index does not contain %s: %w", block, types.ErrConflict)
	}
	if ok && (block.Number != current.Number+1 || ref.ParentHash != current.Hash) {
		return fmt.Errorf("cross-unsafe target %s is not a child of current %s: %w", block, current, types.ErrConflict)
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	if err := c.setHeadLocked(batch, types.CrossUnsafe, block); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	c.heads[types.CrossUnsafe] = block
	return nil
}

// UpdateCurrentCrossSafe advances CrossSafe to block, against the
// derivation index (DerivedBlocks) rather than the log index.
func (c *ChainDB) UpdateCurrentCrossSafe(source, derived types.BlockSeal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.heads[types.CrossSafe]
	if ok && derived.Number <= current.Number {
		return fmt.Errorf("cross-safe target %s is not ahead of current %s: %w", derived, current, types.ErrConflict)
	}

	pair, derivedOK, err := c.getDerivedBlockLocked(derived.Number)
	if err != nil {
		return err
	}
	if !derivedOK || pair.Derived.Hash != derived.Hash {
		return fmt.Errorf("derivation index does not contain %s: %w", derived, types.ErrConflict)
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	if err := c.setHeadLocked(batch, types.CrossSafe, derived); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	c.heads[types.CrossSafe] = derived
	c.m.RecordDBEntryCount(c.chainID, "cross_derived", int64(derived.Number-c.activation.Derived.Number+1))
	return nil
}

// UpdateFinalizedUsingSource clamps Finalized to CrossSafe if l1Source is
// at or beyond CrossSafe's source; otherwise sets it to the latest derived
// block recorded at l1Source.
func (c *ChainDB) UpdateFinalizedUsingSource(l1Source types.BlockSeal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var crossSafePair types.DerivedBlockSealPair
	ok := false
	if crossSafe, has := c.heads[types.CrossSafe]; has {
		var err error
		crossSafePair, ok, err = c.getDerivedBlockLocked(crossSafe.Number)
		if err != nil {
			return err
		}
	}
	var target types.BlockSeal
	if ok && l1Source.Number >= crossSafePair.Source.Number {
		target = crossSafePair.Derived
	} else {
		var t types.SourceTraversal
		tOK, err := c.getJSON(keyTraversal(l1Source.Number), &t)
		if err != nil {
			return err
		}
		if !tOK || len(t.Derived) == 0 {
			return types.ErrEntryNotFound
		}
		pair, pOK, err := c.getDerivedBlockLocked(t.Derived[len(t.Derived)-1])
		if err != nil {
			return err
		}
		if !pOK {
			return types.ErrEntryNotFound
		}
		target = pair.Derived
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	if err := c.setHeadLocked(batch, types.Finalized, target); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	c.heads[types.Finalized] = target
	return nil
}

// ---- rewinds ----

// RewindLogStorage removes BlockRefs/LogEntries for all n >= to.Number and
// clamps LocalUnsafe/CrossUnsafe. Returns ErrRewindBeyondLocalSafeHead if
// to.Number <= the current LocalSafe head.
func (c *ChainDB) RewindLogStorage(to eth.BlockID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rewindLogStorageLocked(to)
}

func (c *ChainDB) rewindLogStorageLocked(to eth.BlockID) error {
	if localSafe, ok := c.heads[types.LocalSafe]; ok && to.Number <= localSafe.Number {
		return types.ErrRewindBeyondLocalSafeHead
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	lowRef := keyBlockRef(to.Number)
	upRef := upperBound(keyBlockRef(^uint64(0)))
	if err := batch.DeleteRange(lowRef, upRef, nil); err != nil {
		return err
	}
	lowLog := keyLogEntryPrefix(to.Number)
	upLog := upperBound(keyLogEntryPrefix(^uint64(0)))
	if err := batch.DeleteRange(lowLog, upLog, nil); err != nil {
		return err
	}

	var newLatest *eth.BlockRef
	if to.Number > 0 {
		if ref, ok, err := c.getBlockRefLocked(to.Number - 1); err != nil {
			return err
		} else if ok {
			newLatest = &ref
		}
	}
	if newLatest != nil {
		seal := types.BlockSealFromRef(*newLatest)
		if err := c.setHeadLocked(batch, types.LocalUnsafe, seal); err != nil {
			return err
		}
		if cur, ok := c.heads[types.CrossUnsafe]; !ok || cur.Number > seal.Number {
			if err := c.setHeadLocked(batch, types.CrossUnsafe, seal); err != nil {
				return err
			}
		}
	} else {
		if err := batch.Delete(keySafetyHead(types.LocalUnsafe), nil); err != nil {
			return err
		}
		if err := batch.Delete(keySafetyHead(types.CrossUnsafe), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	if newLatest != nil {
		seal := types.BlockSealFromRef(*newLatest)
		c.heads[types.LocalUnsafe] = seal
		if cur, ok := c.heads[types.CrossUnsafe]; !ok || cur.Number > seal.Number {
			c.heads[types.CrossUnsafe] = seal
		}
	} else {
		delete(c.heads, types.LocalUnsafe)
		delete(c.heads, types.CrossUnsafe)
	}
	return nil
}

// Rewind rewinds both log and derivation indices to `to` (inclusive) and
// clamps all safety heads to the resulting latest.
func (c *ChainDB) Rewind(to eth.BlockID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok, err := c.getBlockRefLocked(to.Number)
	if err != nil {
		return err
	}
	if ok && ref.Hash != to.Hash {
		return fmt.Errorf("rewind target %s does not match stored block %s: %w", to, ref, types.ErrConflict)
	}

	// temporarily relax the local-safe guard: a full rewind may move
	// LocalSafe itself.
	c.heads[types.LocalSafe] = types.BlockSeal{}
	if err := c.rewindLogStorageLocked(to); err != nil {
		return err
	}

	batch := c.kv.NewBatch()
	defer batch.Close()
	lowD := keyDerivedBlock(to.Number)
	upD := upperBound(keyDerivedBlock(^uint64(0)))
	if err := batch.DeleteRange(lowD, upD, nil); err != nil {
		return err
	}

	for _, level := range []types.SafetyLevel{types.LocalSafe, types.CrossSafe, types.Finalized} {
		// for to.Number == 0 the index wraps to a key that is never stored
		seal, ok, err := c.getDerivedBlockAt(to.Number - 1)
		if err != nil {
			return err
		}
		if ok {
			if cur, has := c.heads[level]; level == types.LocalSafe || (has && cur.Number > seal.Derived.Number) {
				if err := c.setHeadLocked(batch, level, seal.Derived); err != nil {
					return err
				}
				c.heads[level] = seal.Derived
			}
		} else {
			if err := batch.Delete(keySafetyHead(level), nil); err != nil {
				return err
			}
			delete(c.heads, level)
		}
	}
	return batch.Commit(pebble.Sync)
}

func (c *ChainDB) getDerivedBlockAt(number uint64) (types.DerivedBlockSealPair, bool, error) {
	return c.getDerivedBlockLocked(number)
}

// RewindToSource walks traversal forward from sourceID deleting each entry
// and, for the first non-empty traversal encountered, rewinds logs to its
// first derived block and clamps heads. Returns ok=false with a nil error
// when no derived blocks exist at or after the target source.
func (c *ChainDB) RewindToSource(sourceID eth.BlockID) (eth.BlockID, bool, error) {
	c.mu.RLock()
	activation := c.activation
	c.mu.RUnlock()
	if activation == nil {
		return eth.BlockID{}, false, types.ErrDatabaseNotInitialised
	}

	n := sourceID.Number
	for {
		t, err := c.TraversalAtSource(n)
		if err != nil {
			if n > 1_000_000_000 { // defensive bound against runaway scans on a corrupt db
				return eth.BlockID{}, false, fmt.Errorf("exceeded traversal scan bound from source %d", sourceID.Number)
			}
			c.mu.Lock()
			err = c.kv.DeleteRange(keyTraversal(sourceID.Number), upperBound(keyTraversal(^uint64(0))), pebble.Sync)
			c.mu.Unlock()
			return eth.BlockID{}, false, err
		}
		if len(t.Derived) > 0 {
			pair, err := c.DerivedByNumber(t.Derived[0])
			if err != nil {
				return eth.BlockID{}, false, err
			}
			target := pair.Derived.ID()
			if err := c.Rewind(target); err != nil {
				return eth.BlockID{}, false, err
			}
			c.mu.Lock()
			err = c.kv.DeleteRange(keyTraversal(sourceID.Number), upperBound(keyTraversal(^uint64(0))), pebble.Sync)
			c.mu.Unlock()
			if err != nil {
				return eth.BlockID{}, false, err
			}
			return target, true, nil
		}
		n++
	}
}
