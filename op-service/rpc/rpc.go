// Package rpc hosts one or more JSON-RPC namespaces over HTTP, using
// go-ethereum's rpc.Server the way every op-stack service in this corpus
// exposes its public API.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/op-supervisor-x/op-service"
)

const (
	ListenAddrFlagName  = "rpc.addr"
	ListenPortFlagName  = "rpc.port"
	EnableAdminFlagName = "rpc.enable-admin"
)

func CLIFlags(envPrefix string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    ListenAddrFlagName,
			Usage:   "RPC listening address",
			Value:   "127.0.0.1",
			EnvVars: opservice.PrefixEnvVar(envPrefix, "RPC_ADDR"),
		},
		&cli.IntFlag{
			Name:    ListenPortFlagName,
			Usage:   "RPC listening port",
			Value:   8545,
			EnvVars: opservice.PrefixEnvVar(envPrefix, "RPC_PORT"),
		},
		&cli.BoolFlag{
			Name:    EnableAdminFlagName,
			Usage:   "Enable the admin API",
			EnvVars: opservice.PrefixEnvVar(envPrefix, "RPC_ENABLE_ADMIN"),
		},
	}
}

type CLIConfig struct {
	ListenAddr  string
	ListenPort  int
	EnableAdmin bool
}

func ReadCLIConfig(ctx *cli.Context) CLIConfig {
	return CLIConfig{
		ListenAddr:  ctx.String(ListenAddrFlagName),
		ListenPort:  ctx.Int(ListenPortFlagName),
		EnableAdmin: ctx.Bool(EnableAdminFlagName),
	}
}

func (c CLIConfig) Check() error {
	if c.ListenPort < 0 {
		return fmt.Errorf("invalid rpc port: %d", c.ListenPort)
	}
	return nil
}

// Server hosts one or more registered JSON-RPC APIs behind a single HTTP
// listener, with a lightweight /healthz for container orchestration.
type Server struct {
	log        log.Logger
	endpoint   string
	apis       []rpc.API
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(host string, port int, appVersion string, logger log.Logger) *Server {
	return &Server{
		log:      logger,
		endpoint: fmt.Sprintf("%s:%d", host, port),
	}
}

func (s *Server) AddAPI(api rpc.API) {
	s.apis = append(s.apis, api)
}

func (s *Server) Start() error {
	srv := rpc.NewServer()
	for _, api := range s.apis {
		if err := srv.RegisterName(api.Namespace, api.Service); err != nil {
			return fmt.Errorf("failed to register rpc namespace %q: %w", api.Namespace, err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return fmt.Errorf("failed to bind rpc listener on %s: %w", s.endpoint, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server closed unexpectedly", "err", err)
		}
	}()
	s.log.Info("rpc server listening", "addr", listener.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// fallbackSub adapts a plain-RPC poll loop to the ethereum.Subscription
// interface, so callers that prefer a push subscription can fall back to
// polling without changing their consumption code.
type fallbackSub struct {
	unsub chan struct{}
	err   chan error
	once  sync.Once
}

func (s *fallbackSub) Unsubscribe() {
	s.once.Do(func() { close(s.unsub) })
}

func (s *fallbackSub) Err() <-chan error {
	return s.err
}

// StreamFallback polls pull every interval and forwards non-nil results
// onto ch, stopping when the returned subscription is unsubscribed. It is
// the fallback transport for servers that don't support RPC notifications
// (rpc.ErrNotificationsUnsupported), used by syncnode.ManagedNode to keep
// receiving managed-node events over plain HTTP.
func StreamFallback[T any](pull func(ctx context.Context) (*T, error), interval time.Duration, ch chan *T) (ethereum.Subscription, error) {
	sub := &fallbackSub{unsub: make(chan struct{}), err: make(chan error, 1)}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sub.unsub:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ev, err := pull(ctx)
			cancel()
			if err != nil {
				if errors.Is(err, io.EOF) {
					continue
				}
				select {
				case sub.err <- err:
				default:
				}
				continue
			}
			if ev == nil {
				continue
			}
			select {
			case ch <- ev:
			case <-sub.unsub:
				return
			}
		}
	}()
	return sub, nil
}
