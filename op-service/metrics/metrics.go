// Package metrics wires a prometheus registry into an HTTP listener, the
// pattern used by every long-running service in this corpus: one process,
// one registry, one /metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/op-supervisor-x/op-service"
)

const (
	EnabledFlagName    = "metrics.enabled"
	ListenAddrFlagName = "metrics.addr"
	ListenPortFlagName = "metrics.port"
)

func CLIFlags(envPrefix string) []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    EnabledFlagName,
			Usage:   "Enable the metrics server",
			EnvVars: opservice.PrefixEnvVar(envPrefix, "METRICS_ENABLED"),
		},
		&cli.StringFlag{
			Name:    ListenAddrFlagName,
			Usage:   "Metrics listening address",
			Value:   "0.0.0.0",
			EnvVars: opservice.PrefixEnvVar(envPrefix, "METRICS_ADDR"),
		},
		&cli.IntFlag{
			Name:    ListenPortFlagName,
			Usage:   "Metrics listening port",
			Value:   7300,
			EnvVars: opservice.PrefixEnvVar(envPrefix, "METRICS_PORT"),
		},
	}
}

type CLIConfig struct {
	Enabled    bool
	ListenAddr string
	ListenPort int
}

func ReadCLIConfig(ctx *cli.Context) CLIConfig {
	return CLIConfig{
		Enabled:    ctx.Bool(EnabledFlagName),
		ListenAddr: ctx.String(ListenAddrFlagName),
		ListenPort: ctx.Int(ListenPortFlagName),
	}
}

func (c CLIConfig) Check() error {
	if !c.Enabled {
		return nil
	}
	if c.ListenPort <= 0 {
		return fmt.Errorf("invalid metrics port: %d", c.ListenPort)
	}
	return nil
}

// Factory wraps a prometheus.Registerer so subsystems can register gauges
// and counters without taking a dependency on the global registry.
type Factory struct {
	Registry *prometheus.Registry
}

func NewFactory() *Factory {
	return &Factory{Registry: prometheus.NewRegistry()}
}

func (f *Factory) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(opts, labels)
	f.Registry.MustRegister(v)
	return v
}

func (f *Factory) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(opts, labels)
	f.Registry.MustRegister(v)
	return v
}

func (f *Factory) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(opts, labels)
	f.Registry.MustRegister(v)
	return v
}

// Server runs the /metrics HTTP endpoint until Shutdown is called.
type Server struct {
	httpServer *http.Server
}

func StartServer(registry *prometheus.Registry, host string, port int) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", host, port), Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return &Server{httpServer: srv}, nil
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
