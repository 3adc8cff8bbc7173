// Command protocol-bridge serves the ROS master XML-RPC API in front of a master
// that speaks the framed serialization protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"protocol-bridge/bridge"
	"protocol-bridge/config"
	"protocol-bridge/loadbalance"
	"protocol-bridge/metrics"
	"protocol-bridge/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "protocol-bridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to the YAML configuration")
		port        = flag.Int("port", -1, "XML-RPC port, overrides listen.port")
		backendHost = flag.String("backend-host", "", "backend master host, overrides backend.host")
		backendPort = flag.Int("backend-port", 0, "backend master port, overrides backend.port")
		logLevel    = flag.String("log-level", "", "overrides log.level")
		validate    = flag.Bool("validate", false, "check the configuration and exit")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *port >= 0 {
		cfg.Listen.Port = *port
	}
	if *backendHost != "" {
		cfg.Backend.Host = *backendHost
	}
	if *backendPort > 0 {
		cfg.Backend.Port = *backendPort
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *validate {
		fmt.Println("configuration is valid")
		return nil
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.BridgeOptions()
	opts.Logger = logger
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Metrics = metrics.New(promReg)
		opts.MetricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	host, bport := cfg.Backend.Host, cfg.Backend.Port
	var watch func(*bridge.Bridge)
	if cfg.Discovery.Enabled() {
		reg, err := newEtcdRegistry(cfg.Discovery, logger)
		if err != nil {
			return err
		}
		defer reg.Close()

		if cfg.Discovery.MasterService != "" && *backendHost == "" {
			bal, err := loadbalance.New(cfg.Discovery.Balancer, cfg.Name)
			if err != nil {
				return err
			}
			if host, bport, err = bridge.ResolveBackend(ctx, reg, bal, cfg.Discovery.MasterService); err != nil {
				return err
			}
			logger.Info("backend discovered",
				zap.String("service", cfg.Discovery.MasterService),
				zap.String("host", host),
				zap.Int("port", bport))
			watch = func(b *bridge.Bridge) { b.WatchBackend(ctx, reg, cfg.Discovery.MasterService) }
		}
		if cfg.Discovery.BridgeService != "" {
			opts.Advertise = &bridge.Advertisement{
				Registry: reg,
				Service:  cfg.Discovery.BridgeService,
				TTL:      cfg.Discovery.TTL,
			}
		}
	}

	b := bridge.New(opts)
	if err := b.Start(ctx, cfg.Listen.Port, host, bport); err != nil {
		return err
	}
	if watch != nil {
		go watch(b)
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return b.Stop(cfg.Listen.ShutdownTimeout)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, errors.NotValidf("log.level %q", cfg.Level)
	}
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Annotate(err, "building logger")
	}
	return logger, nil
}

func newEtcdRegistry(cfg config.DiscoveryConfig, logger *zap.Logger) (*registry.EtcdRegistry, error) {
	opts := []registry.EtcdOption{registry.WithLogger(logger.Named("discovery"))}
	if cfg.Prefix != "" {
		opts = append(opts, registry.WithPrefix(cfg.Prefix))
	}
	reg, err := registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeout, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "connecting to etcd")
	}
	return reg, nil
}
