// Package config assembles the supervisor's runtime configuration from
// CLI flags: storage location, dependency/rollup config sources, the
// managed-node endpoints to dial, and the ambient logging/metrics/pprof
// sub-configs shared across the op-stack services in this corpus.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	oplog "github.com/ethereum-optimism/op-supervisor-x/op-service/log"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/metrics"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/op-supervisor-x/op-service/rpc"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/depset"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/flags"
)

var (
	ErrMissingDatadir        = errors.New("missing datadir")
	ErrMissingDependencySet  = errors.New("missing dependency set")
	ErrMissingNodeAddresses  = errors.New("no managed node addresses configured")
)

// NodeEndpoint is one managed-node RPC/WS dial target, with an optional
// JWT secret path for authenticated connections (SPEC_FULL.md §4.5).
type NodeEndpoint struct {
	ChainIDRaw  uint64
	RPCAddr     string
	JWTSecret   string
}

type Config struct {
	Version string

	Datadir string

	DependencySetPath string
	RollupConfigPaths []string
	FullConfigSet     depset.FullConfigSet

	SyncNodes []NodeEndpoint

	// SynchronousProcessors is passed through to backend.Config. The backend
	// does not read it: its event bus always drains inline on Emit.
	SynchronousProcessors bool

	MetricsConfig metrics.CLIConfig
	PprofConfig   oppprof.CLIConfig
	RPC           oprpc.CLIConfig
	LogConfig     oplog.CLIConfig
}

func (c *Config) Check() error {
	if c.Datadir == "" {
		return ErrMissingDatadir
	}
	if c.FullConfigSet.DependencySet == nil {
		return ErrMissingDependencySet
	}
	if len(c.SyncNodes) == 0 {
		return ErrMissingNodeAddresses
	}
	return nil
}

// NewConfig assembles a Config from parsed CLI flags (see the flags
// package), loading the dependency set and rollup configs from disk.
func NewConfig(ctx *cli.Context, version string) (*Config, error) {
	depSet, err := depset.LoadDependencySet(ctx.String(flags.DependencySetFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency set: %w", err)
	}
	rollupCfgPaths := ctx.StringSlice(flags.RollupConfigsFlag.Name)
	rollupCfgSet, err := depset.LoadRollupConfigSet(rollupCfgPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to load rollup configs: %w", err)
	}
	fullSet, err := depset.NewFullConfigSet(depSet, rollupCfgSet)
	if err != nil {
		return nil, fmt.Errorf("failed to build config set: %w", err)
	}

	nodes, err := parseNodeEndpoints(ctx.StringSlice(flags.L2ConsensusNodesFlag.Name), ctx.String(flags.L2ConsensusJWTSecretFlag.Name))
	if err != nil {
		return nil, err
	}

	return &Config{
		Version:           version,
		Datadir:           ctx.String(flags.DatadirFlag.Name),
		DependencySetPath: ctx.String(flags.DependencySetFlag.Name),
		RollupConfigPaths: rollupCfgPaths,
		FullConfigSet:     fullSet,
		SyncNodes:         nodes,
		MetricsConfig:     metrics.ReadCLIConfig(ctx),
		PprofConfig:       oppprof.ReadCLIConfig(ctx),
		RPC:               oprpc.ReadCLIConfig(ctx),
		LogConfig:         oplog.ReadCLIConfig(ctx),
	}, nil
}

// parseNodeEndpoints parses "chainID@rpcURL" entries, SPEC_FULL.md §6's
// on-the-wire flag shape for the --l2-consensus-nodes flag.
func parseNodeEndpoints(raw []string, jwtSecret string) ([]NodeEndpoint, error) {
	out := make([]NodeEndpoint, 0, len(raw))
	for _, entry := range raw {
		chainIDStr, addr, ok := strings.Cut(entry, "@")
		if !ok {
			return nil, fmt.Errorf("invalid l2-consensus-nodes entry %q: expected chainID@rpcURL", entry)
		}
		chainID, err := strconv.ParseUint(chainIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain ID in l2-consensus-nodes entry %q: %w", entry, err)
		}
		out = append(out, NodeEndpoint{ChainIDRaw: chainID, RPCAddr: addr, JWTSecret: jwtSecret})
	}
	return out, nil
}
