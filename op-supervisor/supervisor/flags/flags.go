// Package flags defines the op-supervisor CLI surface, following the same
// required/optional split and ambient-flag composition used by every
// op-stack service binary in this corpus (op-interop-mon/flags being the
// clearest example retrieved alongside this package).
package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/op-supervisor-x/op-service"
	oplog "github.com/ethereum-optimism/op-supervisor-x/op-service/log"
	opmetrics "github.com/ethereum-optimism/op-supervisor-x/op-service/metrics"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/op-supervisor-x/op-service/rpc"
)

const EnvVarPrefix = "OP_SUPERVISOR"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(EnvVarPrefix, name)
}

var (
	DatadirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Directory to store the supervisor's per-chain databases in",
		EnvVars:  prefixEnvVars("DATADIR"),
		Required: true,
	}
	DependencySetFlag = &cli.StringFlag{
		Name:     "dependency-set",
		Usage:    "Path to the dependency-set JSON file",
		EnvVars:  prefixEnvVars("DEPENDENCY_SET"),
		Required: true,
	}
	RollupConfigsFlag = &cli.StringSliceFlag{
		Name:     "rollup-configs",
		Usage:    "Paths to per-chain rollup config JSON files",
		EnvVars:  prefixEnvVars("ROLLUP_CONFIGS"),
		Required: true,
	}
	L2ConsensusNodesFlag = &cli.StringSliceFlag{
		Name:    "l2-consensus-nodes",
		Usage:   `Managed-node endpoints as "chainID@rpcURL", one per tracked chain`,
		EnvVars: prefixEnvVars("L2_CONSENSUS_NODES"),
	}
	L2ConsensusJWTSecretFlag = &cli.StringFlag{
		Name:    "l2-consensus-jwt-secret",
		Usage:   "Path to the JWT secret used to authenticate to managed nodes, if they require it",
		EnvVars: prefixEnvVars("L2_CONSENSUS_JWT_SECRET"),
	}
	L1RPCFlag = &cli.StringFlag{
		Name:    "l1-rpc",
		Usage:   "L1 RPC endpoint used to detect and resolve reorgs",
		EnvVars: prefixEnvVars("L1_RPC"),
	}
)

var requiredFlags = []cli.Flag{
	DatadirFlag,
	DependencySetFlag,
	RollupConfigsFlag,
}

var optionalFlags = []cli.Flag{
	L2ConsensusNodesFlag,
	L2ConsensusJWTSecretFlag,
	L1RPCFlag,
}

func init() {
	optionalFlags = append(optionalFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oppprof.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

var Flags []cli.Flag

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
