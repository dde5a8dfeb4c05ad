package graph

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

type providerKey struct {
	chainID eth.ChainID
	number  uint64
}

// CachingLogProvider memoizes remote block/log lookups by (chain, number).
// A candidate block at the same timestamp is resolved once per promotion
// attempt but its executing messages are checked one-by-one, and several
// messages in the same resolve pass commonly point back at the same remote
// block -- this cache turns those repeat pebble reads into a map lookup.
type CachingLogProvider struct {
	underlying LogProvider
	logs       *lru.Cache[providerKey, []types.Log]
	blocks     *lru.Cache[providerKey, eth.BlockRef]
}

// NewCachingLogProvider wraps a LogProvider with a bounded LRU cache of the
// given size per lookup kind (logs, block refs).
func NewCachingLogProvider(underlying LogProvider, size int) (*CachingLogProvider, error) {
	logs, err := lru.New[providerKey, []types.Log](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create log cache: %w", err)
	}
	blocks, err := lru.New[providerKey, eth.BlockRef](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}
	return &CachingLogProvider{underlying: underlying, logs: logs, blocks: blocks}, nil
}

func (c *CachingLogProvider) LogsAtBlock(ctx context.Context, chainID eth.ChainID, number uint64) ([]types.Log, error) {
	key := providerKey{chainID: chainID, number: number}
	if cached, ok := c.logs.Get(key); ok {
		return cached, nil
	}
	logs, err := c.underlying.LogsAtBlock(ctx, chainID, number)
	if err != nil {
		return nil, err
	}
	c.logs.Add(key, logs)
	return logs, nil
}

func (c *CachingLogProvider) BlockRefByNumber(ctx context.Context, chainID eth.ChainID, number uint64) (eth.BlockRef, error) {
	key := providerKey{chainID: chainID, number: number}
	if cached, ok := c.blocks.Get(key); ok {
		return cached, nil
	}
	ref, err := c.underlying.BlockRefByNumber(ctx, chainID, number)
	if err != nil {
		return eth.BlockRef{}, err
	}
	c.blocks.Add(key, ref)
	return ref, nil
}

var _ LogProvider = (*CachingLogProvider)(nil)
