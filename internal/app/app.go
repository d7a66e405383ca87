// Package app assembles the backend daemon with fx.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/fxnlabs/weft/internal/config"
	"github.com/fxnlabs/weft/internal/device"
	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/internal/kernel"
	"github.com/fxnlabs/weft/internal/memory"
	"github.com/fxnlabs/weft/internal/metrics"
	"github.com/fxnlabs/weft/internal/rpc"
	"github.com/fxnlabs/weft/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// Devices provides the driver and the device pool.
func Devices(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(newGPUManager, newDevicePool),
	)
}

// Module provides the complete backend: devices, memory, kernels, scheduler
// and the gRPC and metrics servers.
func Module(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		Devices(cfg, log),
		fx.Provide(
			func(log *zap.Logger) *memory.Manager { return memory.NewManager(log) },
			func(log *zap.Logger) *kernel.Registry { return kernel.NewRegistry(log) },
			newScheduler,
			newService,
			func() prometheus.Registerer { return prometheus.DefaultRegisterer },
			func() prometheus.Gatherer { return prometheus.DefaultGatherer },
			newServerMetrics,
			newGRPCServer,
			newListener,
		),
		fx.Invoke(registerServers),
	)
}

func newGPUManager(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*gpu.Manager, error) {
	m, err := gpu.NewManager(log, gpu.ManagerOptions{
		Driver:   cfg.Devices.Driver,
		Emulated: cfg.EmulatedSpecs(),
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(m.Cleanup))
	return m, nil
}

func newDevicePool(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, m *gpu.Manager) (*device.Pool, error) {
	pool, err := device.NewPool(log, m.Driver(), device.Options{
		DefaultConcurrency:  cfg.Devices.DefaultConcurrency,
		MaxStreamsPerDevice: cfg.Devices.MaxStreamsPerDevice,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(pool.Close))
	return pool, nil
}

func newScheduler(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, mem *memory.Manager, kernels *kernel.Registry, pool *device.Pool) *scheduler.Scheduler {
	s := scheduler.New(log, mem, kernels, pool, scheduler.Options{
		Workers:       cfg.Scheduler.Workers,
		LaunchTimeout: cfg.Scheduler.LaunchTimeout,
	})
	lc.Append(fx.StopHook(s.Close))
	return s
}

func newService(log *zap.Logger, cfg *config.Config, mem *memory.Manager, kernels *kernel.Registry, s *scheduler.Scheduler) *rpc.Service {
	return rpc.NewService(log, mem, kernels, s, cfg.Transport.MaxChunkSize)
}

func newServerMetrics(reg prometheus.Registerer) (*grpcprom.ServerMetrics, error) {
	m := grpcprom.NewServerMetrics(
		grpcprom.WithServerHandlingTimeHistogram(),
	)
	if err := reg.Register(m); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		return are.ExistingCollector.(*grpcprom.ServerMetrics), nil
	}
	return m, nil
}

func newGRPCServer(log *zap.Logger, svc *rpc.Service, m *grpcprom.ServerMetrics) *grpc.Server {
	srv := rpc.NewServer(log, svc, m)
	m.InitializeMetrics(srv)
	return srv
}

func newListener(cfg *config.Config) (net.Listener, error) {
	return net.Listen("tcp", cfg.ListenAddr())
}

type serversParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Log        *zap.Logger
	Config     *config.Config
	Server     *grpc.Server
	Listener   net.Listener
	Gatherer   prometheus.Gatherer
}

// registerServers runs the gRPC server and, when configured, the metrics
// endpoint. A serve loop that fails shuts the application down.
func registerServers(p serversParams) {
	log := p.Log.Named("app")
	var (
		g          errgroup.Group
		metricsSrv *http.Server
	)
	if addr := p.Config.Metrics.ListenAddress; addr != "" {
		metricsSrv = &http.Server{
			Addr:              addr,
			Handler:           metrics.Handler(p.Gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var metricsLis net.Listener
			if metricsSrv != nil {
				var err error
				if metricsLis, err = net.Listen("tcp", metricsSrv.Addr); err != nil {
					return err
				}
			}

			log.Info("Serving backend", zap.Stringer("address", p.Listener.Addr()))
			g.Go(func() error { return p.Server.Serve(p.Listener) })
			if metricsSrv != nil {
				log.Info("Serving metrics", zap.Stringer("address", metricsLis.Addr()))
				g.Go(func() error {
					if err := metricsSrv.Serve(metricsLis); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}
			go func() {
				if err := g.Wait(); err != nil {
					log.Error("Server stopped", zap.Error(err))
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopped := make(chan struct{})
			go func() {
				p.Server.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				p.Server.Stop()
			}
			if metricsSrv != nil {
				ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
				defer cancel()
				if err := metricsSrv.Shutdown(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})
}
