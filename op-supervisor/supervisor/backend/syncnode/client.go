package syncnode

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/node"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/retry"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// maxCallAttempts bounds how many times a single managed-node call is
// retried before giving up and surfacing the error to the caller, which
// for most SyncControl methods is one of ManagedNode's event handlers.
const maxCallAttempts = 3

// RPCClient implements SyncControl over the "interop" JSON-RPC namespace a
// managed node exposes (the server side lives in op-node's
// rollup/interop/managed package; this is its counterpart caller).
type RPCClient struct {
	client *rpc.Client
}

// call wraps a single CallContext in the shared retry policy: a managed
// node that is mid-restart or behind a flaky connection gets a few quick
// retries before its error reaches the event bus.
func (c *RPCClient) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	_, err := retry.Do(ctx, maxCallAttempts, retry.Exponential(time.Second), func() (struct{}, error) {
		return struct{}{}, c.client.CallContext(ctx, result, method, args...)
	})
	return err
}

// DialNode connects to a managed node's interop endpoint, optionally
// authenticating with a JWT secret the way the engine API connections
// elsewhere in the corpus do.
func DialNode(ctx context.Context, rpcAddr string, jwtSecretPath string) (*RPCClient, error) {
	opts, err := jwtDialOption(jwtSecretPath)
	if err != nil {
		return nil, err
	}
	cl, err := rpc.DialOptions(ctx, rpcAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial managed node at %s: %w", rpcAddr, err)
	}
	return &RPCClient{client: cl}, nil
}

func jwtDialOption(secretPath string) ([]rpc.ClientOption, error) {
	if secretPath == "" {
		return nil, nil
	}
	secret, err := loadJWTSecret(secretPath)
	if err != nil {
		return nil, err
	}
	return []rpc.ClientOption{rpc.WithHTTPAuth(node.NewJWTAuth(secret))}, nil
}

func loadJWTSecret(path string) (secret [32]byte, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return secret, fmt.Errorf("failed to read jwt secret %q: %w", path, err)
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	if err != nil {
		return secret, fmt.Errorf("invalid jwt secret hex in %q: %w", path, err)
	}
	if len(decoded) != 32 {
		return secret, fmt.Errorf("jwt secret in %q must be 32 bytes, got %d", path, len(decoded))
	}
	copy(secret[:], decoded)
	return secret, nil
}

var _ SyncControl = (*RPCClient)(nil)

func (c *RPCClient) BlockRefByNumber(ctx context.Context, num uint64) (eth.BlockRef, error) {
	var out eth.BlockRef
	err := c.call(ctx, &out, "interop_blockRefByNumber", hexutil.Uint64(num))
	return out, err
}

func (c *RPCClient) UnsafeBlockRef(ctx context.Context) (eth.BlockRef, error) {
	var out eth.BlockRef
	err := c.call(ctx, &out, "interop_unsafeBlockRef")
	return out, err
}

func (c *RPCClient) Reset(ctx context.Context, lUnsafe, xUnsafe, lSafe, xSafe, finalized eth.BlockID) error {
	return c.call(ctx, nil, "interop_reset", lUnsafe, xUnsafe, lSafe, xSafe, finalized)
}

// PullEvent is deliberately not retried: it is the polling fallback used
// when the node doesn't support subscriptions, and a transient error
// should surface immediately rather than stall behind a multi-attempt
// backoff stacked on top of the fallback's own poll interval.
func (c *RPCClient) PullEvent(ctx context.Context) (*types.ManagedEvent, error) {
	var out *types.ManagedEvent
	if err := c.client.CallContext(ctx, &out, "interop_pullEvent"); err != nil {
		return nil, err
	}
	return out, nil
}

// SubscribeEvents opens a push subscription to the node's "interop"
// namespace event stream, following the go-ethereum subscription
// convention: the server registers an "Events" method returning
// *rpc.Subscription, reachable over the wire as "interop_subscribe" with
// the "events" sub-channel name. Returns rpc.ErrNotificationsUnsupported
// if the underlying transport (e.g. plain HTTP) can't carry
// notifications, in which case the caller falls back to PullEvent.
func (c *RPCClient) SubscribeEvents(ctx context.Context, ch chan *types.ManagedEvent) (ethereum.Subscription, error) {
	return c.client.Subscribe(ctx, "interop", ch, "events")
}

func (c *RPCClient) UpdateCrossUnsafe(ctx context.Context, id eth.BlockID) error {
	return c.call(ctx, nil, "interop_updateCrossUnsafe", id)
}

func (c *RPCClient) UpdateCrossSafe(ctx context.Context, source, derived eth.BlockID) error {
	return c.call(ctx, nil, "interop_updateCrossSafe", source, derived)
}

func (c *RPCClient) UpdateFinalized(ctx context.Context, id eth.BlockID) error {
	return c.call(ctx, nil, "interop_updateFinalized", id)
}

func (c *RPCClient) ProvideL1(ctx context.Context, block eth.BlockRef) error {
	return c.call(ctx, nil, "interop_provideL1", block)
}

func (c *RPCClient) InvalidateBlock(ctx context.Context, seal types.BlockSeal) error {
	return c.call(ctx, nil, "interop_invalidateBlock", seal)
}

func (c *RPCClient) Close() error {
	c.client.Close()
	return nil
}
