// Package l1access watches the settlement chain for new heads and
// reorgs using go-ethereum's ethclient, emitting the events the reorg
// handler and processors react to (SPEC_FULL.md §4.7).
package l1access

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-supervisor-x/op-node/rollup/event"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/superevents"
)

const pollInterval = 6 * time.Second

// Client is the subset of ethclient.Client the watcher and the reorg
// handler's canonicality check need.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Watcher polls L1 for its current head, emitting L1ReorgEvent whenever the
// head hash or number changes from what was last observed.
type Watcher struct {
	log    log.Logger
	client Client

	emitter event.Emitter

	cancel context.CancelFunc
	done   chan struct{}

	lastHead eth.BlockID
}

func headerToRef(h *types.Header) eth.BlockRef {
	return eth.BlockRef{Hash: h.Hash(), Number: h.Number.Uint64(), ParentHash: h.ParentHash, Time: h.Time}
}

func NewWatcher(logger log.Logger, client Client) *Watcher {
	return &Watcher{log: logger, client: client, done: make(chan struct{})}
}

func (w *Watcher) AttachEmitter(em event.Emitter) {
	w.emitter = em
}

func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(ctx)
}

func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		w.log.Warn("failed to fetch L1 head", "err", err)
		return
	}
	ref := headerToRef(header)
	if ref.ID() == w.lastHead {
		return
	}
	w.lastHead = ref.ID()
	w.emitter.Emit(superevents.L1ReorgEvent{NewL1Head: ref})
}

// EthclientCanonical adapts an ethclient.Client to reorg.L1Canonical: a
// block is canonical iff the header at its number has the claimed hash.
type EthclientCanonical struct {
	Client *ethclient.Client
}

func (c EthclientCanonical) IsCanonical(ctx context.Context, id eth.BlockID) (bool, error) {
	header, err := c.Client.HeaderByNumber(ctx, new(big.Int).SetUint64(id.Number))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	return header.Hash() == id.Hash, nil
}

// L1BlockRefByNumber implements syncnode.L1Source, letting a managed node
// that exhausted its current L1 source be fed the next one.
func (c EthclientCanonical) L1BlockRefByNumber(ctx context.Context, number uint64) (eth.BlockRef, error) {
	header, err := c.Client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return eth.BlockRef{}, ethereum.NotFound
		}
		return eth.BlockRef{}, err
	}
	return headerToRef(header), nil
}
