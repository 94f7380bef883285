package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/WebFirstLanguage/polykey/internal/logging"
	"github.com/WebFirstLanguage/polykey/internal/metrics"
	"github.com/WebFirstLanguage/polykey/internal/nodes"
	"github.com/WebFirstLanguage/polykey/pkg/agent"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/WebFirstLanguage/polykey/pkg/control"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/WebFirstLanguage/polykey/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// options collects the start flags
type options struct {
	IdentityPath string
	Host         string
	Port         uint16
	Transport    string
	Bootstrap    []types.NodeAddress
	ControlAddr  string
	MetricsAddr  string

	Log   *logging.Config
	Nodes *nodes.Config
}

func defaultOptions() *options {
	return &options{
		Host:        constants.DefaultAgentHost,
		Port:        constants.DefaultAgentPort,
		Transport:   "quic",
		ControlAddr: constants.DefaultControlAddr,
		MetricsAddr: constants.DefaultMetricsAddr,
		Log:         logging.DefaultConfig(),
		Nodes:       nodes.DefaultConfig(),
	}
}

// newApp wires the agent, the control API and the metrics endpoint
func newApp(opts *options, id *identity.Identity) *fx.App {
	return fx.New(appOptions(opts, id))
}

func appOptions(opts *options, id *identity.Identity) fx.Option {
	return fx.Options(
		fx.Supply(opts, id),
		fx.Provide(
			newLogger,
			newRegistry,
			newRecorder,
			newAgent,
			newSupervisor,
		),
		fx.Invoke(
			registerSupervisor,
			registerControl,
			registerMetrics,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
	)
}

func newLogger(opts *options, id *identity.Identity) (*zap.Logger, error) {
	cfg := *opts.Log
	cfg.NodeID = id.NodeID().Short()
	return logging.New(&cfg)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newRecorder(reg *prometheus.Registry) *metrics.Recorder {
	return metrics.NewRecorder(reg)
}

func newAgent(opts *options, id *identity.Identity, logger *zap.Logger, rec *metrics.Recorder) *agent.Agent {
	return agent.New(id, &agent.Config{
		Host:       opts.Host,
		Port:       opts.Port,
		Transport:  opts.Transport,
		Bootstrap:  opts.Bootstrap,
		BucketSize: constants.NodeGraphBucketSize,
		Nodes:      opts.Nodes,
		Logger:     logger,
		Metrics:    rec,
	})
}

func newSupervisor(a *agent.Agent, logger *zap.Logger) *agent.Supervisor {
	cfg := agent.DefaultSupervisorConfig()
	cfg.Logger = logger
	return agent.NewSupervisorWithConfig(a, cfg)
}

func registerSupervisor(lc fx.Lifecycle, s *agent.Supervisor) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

func registerControl(lc fx.Lifecycle, opts *options, a *agent.Agent, logger *zap.Logger) {
	if opts.ControlAddr == "" {
		return
	}
	server := control.NewServer(a, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", opts.ControlAddr)
			if err != nil {
				return err
			}
			logger.Info("control API listening", zap.String("address", listener.Addr().String()))
			go func() {
				defer close(done)
				if err := server.Serve(ctx, listener); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("control API stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func registerMetrics(lc fx.Lifecycle, opts *options, reg *prometheus.Registry, logger *zap.Logger) {
	if opts.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", opts.MetricsAddr)
			if err != nil {
				return err
			}
			logger.Info("metrics listening", zap.String("address", listener.Addr().String()))
			go func() {
				if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
