// Package discovery registers the voice server with consul so launchers can
// find it without a hardcoded address. Liveness runs over a TTL check the
// server refreshes itself; a crashed process goes critical and is reaped by
// consul after the deregister window.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/vox/config"
	"github.com/lcx/vox/log"
)

// DiscoveryCfg contains configuration parameters for consul registration.
type DiscoveryCfg struct {
	// Enabled turns registration on. A standalone server runs fine without
	// consul.
	Enabled bool `mapstructure:"enabled"`

	// Address is the consul agent address. Empty uses the consul client
	// default (127.0.0.1:8500 or CONSUL_HTTP_ADDR).
	Address string `mapstructure:"address"`

	// ServiceName is the consul service to register under.
	ServiceName string `mapstructure:"serviceName"`

	// ServiceID distinguishes this instance. Empty derives one from the
	// service name and advertise endpoint.
	ServiceID string `mapstructure:"serviceID"`

	// AdvertiseAddr and AdvertisePort form the endpoint clients connect to.
	AdvertiseAddr string `mapstructure:"advertiseAddr"`
	AdvertisePort int    `mapstructure:"advertisePort"`

	// TTLSeconds is the liveness check interval. The heartbeat runs at half
	// this period.
	TTLSeconds int `mapstructure:"ttlSeconds"`
}

// GetName returns the configuration name for DiscoveryCfg
func (c *DiscoveryCfg) GetName() string {
	return "discovery"
}

// Validate validates the DiscoveryCfg parameters
func (c *DiscoveryCfg) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("ServiceName cannot be empty")
	}
	if c.AdvertiseAddr == "" {
		return fmt.Errorf("AdvertiseAddr cannot be empty")
	}
	if c.AdvertisePort <= 0 || c.AdvertisePort > 65535 {
		return fmt.Errorf("AdvertisePort must be between 1 and 65535")
	}
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("TTLSeconds must be positive")
	}
	return nil
}

// StatusFunc supplies the note attached to each TTL heartbeat, typically a
// short occupancy summary.
type StatusFunc func() string

// Registrar manages one service registration lifecycle.
type Registrar struct {
	cfg    *DiscoveryCfg
	client *api.Client
	status StatusFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistrar creates a registrar from an explicit configuration. status
// may be nil.
func NewRegistrar(cfg *DiscoveryCfg, status StatusFunc) (*Registrar, error) {
	if cfg == nil {
		return nil, errors.New("DiscoveryCfg cannot be nil, use NewRegistrarWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registrar{cfg: cfg, status: status}
	if !cfg.Enabled {
		return r, nil
	}
	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	r.client = client
	return r, nil
}

// NewRegistrarWithConfigManager loads the discovery configuration from the
// config manager.
func NewRegistrarWithConfigManager(configManager config.ConfigManager, status StatusFunc) (*Registrar, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &DiscoveryCfg{}
	if err := configManager.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load discovery config: %w", err)
	}
	return NewRegistrar(cfg, status)
}

func (r *Registrar) serviceID() string {
	if r.cfg.ServiceID != "" {
		return r.cfg.ServiceID
	}
	return fmt.Sprintf("%s-%s-%d", r.cfg.ServiceName, r.cfg.AdvertiseAddr, r.cfg.AdvertisePort)
}

func (r *Registrar) checkID() string {
	return "service:" + r.serviceID()
}

// Register announces the service and starts the TTL heartbeat. A disabled
// registrar is a no-op.
func (r *Registrar) Register(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}
	ttl := time.Duration(r.cfg.TTLSeconds) * time.Second
	reg := &api.AgentServiceRegistration{
		ID:      r.serviceID(),
		Name:    r.cfg.ServiceName,
		Address: r.cfg.AdvertiseAddr,
		Port:    r.cfg.AdvertisePort,
		Check: &api.AgentServiceCheck{
			TTL:                            ttl.String(),
			DeregisterCriticalServiceAfter: (3 * ttl).String(),
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.heartbeat(hbCtx, ttl/2)

	log.Info().Str("service", r.cfg.ServiceName).Str("serviceID", r.serviceID()).
		Str("addr", r.cfg.AdvertiseAddr).Int("port", r.cfg.AdvertisePort).
		Msg("registered with consul")
	return nil
}

func (r *Registrar) heartbeat(ctx context.Context, interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.pass()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass()
		}
	}
}

func (r *Registrar) pass() {
	note := ""
	if r.status != nil {
		note = r.status()
	}
	if err := r.client.Agent().UpdateTTL(r.checkID(), note, api.HealthPassing); err != nil {
		log.Warn().Err(err).Str("checkID", r.checkID()).Msg("consul TTL update failed")
	}
}

// Deregister stops the heartbeat and removes the service. Safe to call on a
// disabled or never registered registrar.
func (r *Registrar) Deregister() {
	if !r.cfg.Enabled || r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	if err := r.client.Agent().ServiceDeregister(r.serviceID()); err != nil {
		log.Warn().Err(err).Str("serviceID", r.serviceID()).Msg("consul deregister failed")
		return
	}
	log.Info().Str("serviceID", r.serviceID()).Msg("deregistered from consul")
}
