package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	oplog "github.com/ethereum-optimism/op-supervisor-x/op-service/log"
	opmetrics "github.com/ethereum-optimism/op-supervisor-x/op-service/metrics"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/op-supervisor-x/op-service/rpc"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/l1access"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/rpcserver"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/backend/syncnode"
	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/config"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/flags"
	opsupervisormetrics "github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/metrics"
)

func main() {
	app := &cli.App{
		Name:    "op-supervisor",
		Usage:   "Tracks safety levels across a set of interoperable L2 chains anchored to a shared L1",
		Flags:   flags.Flags,
		Action:  run,
		Version: VersionWithMeta(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	if err := flags.CheckRequired(cliCtx); err != nil {
		return err
	}

	logCfg := oplog.CLIConfig{
		Level:  cliCtx.String(oplog.LevelFlagName),
		Format: cliCtx.String(oplog.FormatFlagName),
		Color:  cliCtx.Bool(oplog.ColorFlagName),
	}
	logger, err := oplog.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	cfg, err := config.NewConfig(cliCtx, VersionWithMeta())
	if err != nil {
		return err
	}
	if err := cfg.Check(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsFactory := opmetrics.NewFactory()
	m := opsupervisormetrics.NewMetrics(metricsFactory)

	if cfg.MetricsConfig.Enabled {
		metricsSrv, err := opmetrics.StartServer(metricsFactory.Registry, cfg.MetricsConfig.ListenAddr, cfg.MetricsConfig.ListenPort)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer metricsSrv.Stop(ctx)
	}
	if cfg.PprofConfig.Enabled {
		pprofSrv, err := oppprof.StartServer(cfg.PprofConfig.ListenAddr, cfg.PprofConfig.ListenPort)
		if err != nil {
			return fmt.Errorf("failed to start pprof server: %w", err)
		}
		defer pprofSrv.Stop(ctx)
	}

	nodesByChain, nodeClients, err := dialNodes(ctx, cfg.SyncNodes)
	if err != nil {
		return err
	}

	be, err := backend.NewSupervisorBackend(ctx, logger, m, backend.Config{
		Datadir:               cfg.Datadir,
		FullConfigSet:         cfg.FullConfigSet,
		SynchronousProcessors: cfg.SynchronousProcessors,
	}, nodesByChain)
	if err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}

	var l1Watcher *l1access.Watcher
	l1Flag := cliCtx.String(flags.L1RPCFlag.Name)
	if l1Flag != "" {
		l1Client, err := ethclient.DialContext(ctx, l1Flag)
		if err != nil {
			return fmt.Errorf("failed to dial l1 rpc: %w", err)
		}
		be.AttachReorgHandler(l1access.EthclientCanonical{Client: l1Client})
		l1Watcher = l1access.NewWatcher(logger, l1Client)
		l1Watcher.AttachEmitter(be)
	}

	rpcSrv := oprpc.NewServer(cfg.RPC.ListenAddr, cfg.RPC.ListenPort, cfg.Version, logger)
	rpcserver.RegisterAPIs(rpcSrv, rpcserver.NewAPI(logger, be))
	if err := rpcSrv.Start(); err != nil {
		return fmt.Errorf("failed to start rpc server: %w", err)
	}

	if l1Watcher != nil {
		l1Watcher.Start(ctx)
	}

	logger.Info("op-supervisor started", "version", cfg.Version, "chains", len(cfg.FullConfigSet.DependencySet.Chains()))
	<-ctx.Done()
	logger.Info("op-supervisor shutting down")

	// Every component owns an independent resource (a listening socket, a
	// polling goroutine, a set of open chain databases, a set of dialed
	// managed-node connections): tearing them down concurrently bounds
	// shutdown latency by the slowest single component instead of their sum.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var eg errgroup.Group
	eg.Go(func() error { return rpcSrv.Stop(shutdownCtx) })
	if l1Watcher != nil {
		eg.Go(func() error { return l1Watcher.Stop() })
	}
	eg.Go(be.Close)
	for _, n := range nodeClients {
		n := n
		eg.Go(n.Close)
	}
	return eg.Wait()
}

func dialNodes(ctx context.Context, endpoints []config.NodeEndpoint) (map[eth.ChainID]syncnode.SyncControl, []*syncnode.RPCClient, error) {
	out := make(map[eth.ChainID]syncnode.SyncControl, len(endpoints))
	clients := make([]*syncnode.RPCClient, 0, len(endpoints))
	for _, ep := range endpoints {
		cl, err := syncnode.DialNode(ctx, ep.RPCAddr, ep.JWTSecret)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial managed node %s: %w", ep.RPCAddr, err)
		}
		chainID := eth.ChainIDFromUInt64(ep.ChainIDRaw)
		out[chainID] = cl
		clients = append(clients, cl)
	}
	return out, clients, nil
}
