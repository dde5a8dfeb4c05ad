package db

import (
	"context"
	"fmt"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// MultiChainDB fans out storage operations across one ChainDB per tracked
// chain, and implements the cross-chain read surfaces the graph validator
// and cross-safety checker need (SPEC_FULL.md §4.2, §4.3).
type MultiChainDB struct {
	chains map[eth.ChainID]*ChainDB
}

func NewMultiChainDB(chains map[eth.ChainID]*ChainDB) *MultiChainDB {
	return &MultiChainDB{chains: chains}
}

func (m *MultiChainDB) get(chainID eth.ChainID) (*ChainDB, error) {
	db, ok := m.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %s is not tracked", chainID)
	}
	return db, nil
}

func (m *MultiChainDB) Get(chainID eth.ChainID) (*ChainDB, bool) {
	db, ok := m.chains[chainID]
	return db, ok
}

func (m *MultiChainDB) Chains() []eth.ChainID {
	out := make([]eth.ChainID, 0, len(m.chains))
	for id := range m.chains {
		out = append(out, id)
	}
	return out
}

// --- graph.LogProvider ---

func (m *MultiChainDB) LogsAtBlock(_ context.Context, chainID eth.ChainID, number uint64) ([]types.Log, error) {
	db, err := m.get(chainID)
	if err != nil {
		return nil, err
	}
	return db.LogsAtBlock(number)
}

func (m *MultiChainDB) BlockRefByNumber(_ context.Context, chainID eth.ChainID, number uint64) (eth.BlockRef, error) {
	db, err := m.get(chainID)
	if err != nil {
		return eth.BlockRef{}, err
	}
	return db.BlockRefByNumber(number)
}

// --- cross.Provider ---

func (m *MultiChainDB) SafetyHeadRef(chainID eth.ChainID, level types.SafetyLevel) (eth.BlockID, error) {
	db, err := m.get(chainID)
	if err != nil {
		return eth.BlockID{}, err
	}
	seal, err := db.SafetyHead(level)
	if err != nil {
		return eth.BlockID{}, err
	}
	return seal.ID(), nil
}

func (m *MultiChainDB) BlockLogs(chainID eth.ChainID, number uint64) ([]types.Log, error) {
	db, err := m.get(chainID)
	if err != nil {
		return nil, err
	}
	return db.LogsAtBlock(number)
}

func (m *MultiChainDB) Block(chainID eth.ChainID, number uint64) (eth.BlockRef, error) {
	db, err := m.get(chainID)
	if err != nil {
		return eth.BlockRef{}, err
	}
	return db.BlockRefByNumber(number)
}

func (m *MultiChainDB) Log(chainID eth.ChainID, blockNumber uint64, logIndex uint32) (types.Log, error) {
	db, err := m.get(chainID)
	if err != nil {
		return types.Log{}, err
	}
	logs, err := db.LogsAtBlock(blockNumber)
	if err != nil {
		return types.Log{}, err
	}
	for _, l := range logs {
		if l.Index == logIndex {
			return l, nil
		}
	}
	return types.Log{}, types.ErrEntryNotFound
}

// --- syncnode.backend ---

func (m *MultiChainDB) IsLocalSafe(_ context.Context, chainID eth.ChainID, block eth.BlockID) error {
	db, err := m.get(chainID)
	if err != nil {
		return err
	}
	head, err := db.SafetyHead(types.LocalSafe)
	if err != nil {
		return err
	}
	if block.Number > head.Number {
		return types.ErrFuture
	}
	pair, err := db.DerivedByNumber(block.Number)
	if err != nil {
		return err
	}
	if pair.Derived.Hash != block.Hash {
		return types.ErrConflict
	}
	return nil
}

func (m *MultiChainDB) ActivationBlock(_ context.Context, chainID eth.ChainID) (types.DerivedBlockSealPair, error) {
	db, err := m.get(chainID)
	if err != nil {
		return types.DerivedBlockSealPair{}, err
	}
	pair, err := db.Activation()
	if err != nil {
		return types.DerivedBlockSealPair{}, err
	}
	return pair, nil
}

func (m *MultiChainDB) CrossUnsafe(_ context.Context, chainID eth.ChainID) (eth.BlockID, error) {
	db, err := m.get(chainID)
	if err != nil {
		return eth.BlockID{}, err
	}
	seal, err := db.SafetyHead(types.CrossUnsafe)
	if err != nil {
		return eth.BlockID{}, err
	}
	return seal.ID(), nil
}

func (m *MultiChainDB) CrossSafe(_ context.Context, chainID eth.ChainID) (types.DerivedBlockSealPair, error) {
	db, err := m.get(chainID)
	if err != nil {
		return types.DerivedBlockSealPair{}, err
	}
	seal, err := db.SafetyHead(types.CrossSafe)
	if err != nil {
		return types.DerivedBlockSealPair{}, err
	}
	pair, err := db.DerivedByNumber(seal.Number)
	if err != nil {
		return types.DerivedBlockSealPair{}, err
	}
	return pair, nil
}

func (m *MultiChainDB) Finalized(_ context.Context, chainID eth.ChainID) (eth.BlockID, error) {
	db, err := m.get(chainID)
	if err != nil {
		return eth.BlockID{}, err
	}
	seal, err := db.SafetyHead(types.Finalized)
	if err != nil {
		return eth.BlockID{}, err
	}
	return seal.ID(), nil
}
