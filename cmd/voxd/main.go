// voxd runs a standalone vox voice server: hybrid TCP/UDP transport, the
// single-writer session core, a pluggable provider backend and optional
// consul registration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lcx/vox/config"
	"github.com/lcx/vox/discovery"
	"github.com/lcx/vox/log"
	"github.com/lcx/vox/metrics"
	"github.com/lcx/vox/msg"
	"github.com/lcx/vox/net"
	"github.com/lcx/vox/plugin"
	"github.com/lcx/vox/provider"
	"github.com/lcx/vox/session"

	_ "github.com/lcx/vox/provider/mongo"
)

var (
	configPath   = flag.String("config", "./configs", "configuration directory")
	environment  = flag.String("env", "", "configuration environment suffix")
	providerName = flag.String("provider", "guest", "provider backend factory (guest, mongo)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voxd:", err)
		os.Exit(1)
	}
}

func run() error {
	cm := config.NewConfigManager()
	cm.SetBasePath(*configPath)
	if *environment != "" {
		cm.SetEnvironment(*environment)
	}
	defer cm.Close()

	if err := log.Initialize(cm); err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}

	metricsCfg := &metrics.MetricsCfg{}
	if err := cm.LoadConfig(metricsCfg.GetName(), metricsCfg); err != nil {
		return fmt.Errorf("metrics config failed: %w", err)
	}
	if metricsCfg.Enabled {
		metrics.SetBackend(metrics.NewBackend(metricsCfg.Namespace))
		go func() {
			if err := metrics.Serve(metricsCfg.ListenAddr); err != nil {
				log.Error().Err(err).Str("addr", metricsCfg.ListenAddr).Msg("metrics endpoint failed")
			}
		}()
	}

	if err := plugin.InitPlugins(cm); err != nil {
		return fmt.Errorf("plugin init failed: %w", err)
	}
	defer plugin.ShutdownPlugins()

	backend, err := provider.FromPlugin(*providerName)
	if err != nil {
		return fmt.Errorf("provider backend %q failed: %w", *providerName, err)
	}

	transport, err := net.NewServerWithConfigManager(cm, msg.DefaultRegistry())
	if err != nil {
		return fmt.Errorf("transport setup failed: %w", err)
	}

	dispatcher, err := session.NewDispatcherWithConfigManager(cm)
	if err != nil {
		return fmt.Errorf("dispatcher setup failed: %w", err)
	}

	srv, err := session.NewServerWithConfigManager(cm, transport, dispatcher, backend)
	if err != nil {
		return fmt.Errorf("session setup failed: %w", err)
	}

	registrar, err := discovery.NewRegistrarWithConfigManager(cm, func() string {
		return fmt.Sprintf("users=%d", srv.UserCount())
	})
	if err != nil {
		return fmt.Errorf("discovery setup failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registrar.Register(ctx); err != nil {
		return fmt.Errorf("consul registration failed: %w", err)
	}
	defer registrar.Deregister()

	log.Info().Str("provider", backend.FactoryName()).Msg("voxd starting")
	return srv.Run(ctx)
}
