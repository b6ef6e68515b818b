package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lcx/vox/config"
	"github.com/lcx/vox/log"
	"github.com/lcx/vox/metrics"
	"github.com/lcx/vox/msg"
)

// DispatcherCfg contains configuration parameters for the dispatcher.
type DispatcherCfg struct {
	// QueueSize bounds the global dispatch FIFO.
	QueueSize int `mapstructure:"queueSize"`

	// RecvRateLimit is the maximum number of command messages processed
	// per second. Supports hot reload.
	RecvRateLimit int `mapstructure:"recvRateLimit"`

	// TokenBurst is the token bucket burst size.
	TokenBurst int `mapstructure:"tokenBurst"`
}

// GetName returns the configuration name for DispatcherCfg
func (c *DispatcherCfg) GetName() string {
	return "dispatcher"
}

// Validate validates the DispatcherCfg parameters
func (c *DispatcherCfg) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("QueueSize must be positive")
	}
	if c.RecvRateLimit <= 0 {
		return fmt.Errorf("RecvRateLimit must be positive")
	}
	if c.TokenBurst <= 0 {
		return fmt.Errorf("TokenBurst must be positive")
	}
	if c.TokenBurst > c.RecvRateLimit*10 {
		return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
	}
	return nil
}

// HandlerFunc processes one dispatched message.
type HandlerFunc func(d *Delivery) error

// Dispatcher is the serialized processor at the center of the server:
// network goroutines enqueue, exactly one Run loop drains in FIFO order and
// invokes handlers. Handlers therefore never interleave and may mutate the
// registries without further coordination.
type Dispatcher struct {
	cfg         *DispatcherCfg
	queue       chan Delivery
	handlers    map[uint16]HandlerFunc
	filters     FilterChain
	recvLimiter *RecvLimiter
	lock        sync.RWMutex
}

// NewDispatcher creates a dispatcher from an explicit configuration.
func NewDispatcher(cfg *DispatcherCfg) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("DispatcherCfg cannot be nil, use NewDispatcherWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:         cfg,
		queue:       make(chan Delivery, cfg.QueueSize),
		handlers:    make(map[uint16]HandlerFunc),
		recvLimiter: NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
	}
	d.filters = append(d.filters, d.traceFilter)
	d.filters = append(d.filters, d.recvLimiter.filter)
	return d, nil
}

// NewDispatcherWithConfigManager creates a dispatcher that loads its
// configuration from the config manager and follows rate limit changes.
func NewDispatcherWithConfigManager(configManager config.ConfigManager) (*Dispatcher, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &DispatcherCfg{}
	if err := configManager.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load dispatcher config: %w", err)
	}
	d, err := NewDispatcher(cfg)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(d)
	return d, nil
}

// OnConfigChanged implements config.ConfigChangeListener. The rate limit
// reloads live; the queue size needs a restart.
func (d *Dispatcher) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != d.cfg.GetName() {
		return nil
	}
	newCfg, ok := newConfig.(*DispatcherCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for Dispatcher")
	}
	d.recvLimiter.Reload(newCfg.RecvRateLimit, newCfg.TokenBurst)
	d.lock.Lock()
	d.cfg = newCfg
	d.lock.Unlock()
	log.Info().Str("configName", configName).Msg("dispatcher configuration updated")
	return nil
}

// GetConfigName implements config change listener naming.
func (d *Dispatcher) GetConfigName() string {
	return "dispatcher"
}

// Register binds a handler to a message type code. All registration
// happens at startup, before Run.
func (d *Dispatcher) Register(code uint16, h HandlerFunc) error {
	if h == nil {
		return errors.New("handler cannot be nil")
	}
	if _, ok := d.handlers[code]; ok {
		return fmt.Errorf("handler for type %d already registered", code)
	}
	d.handlers[code] = h
	return nil
}

// Enqueue pushes one delivery onto the FIFO. It never blocks the calling
// network goroutine: a full queue disconnects the offending connection
// instead of applying backpressure to the shared receive loops.
func (d *Dispatcher) Enqueue(c Conn, m msg.Message) {
	select {
	case d.queue <- Delivery{Conn: c, Msg: m}:
	default:
		metrics.IncrCounterWithGroup(metrics.GroupSession, "dispatch_queue_overflow_total", 1)
		if c != nil {
			c.Close("dispatch queue overflow")
		}
	}
}

// EnqueueWait queues a delivery that must not be lost to overflow, such as
// connection teardown. When the queue is full the wait moves to a fresh
// goroutine: teardown can be triggered from inside a handler, and blocking
// there would wedge the dispatch loop itself.
func (d *Dispatcher) EnqueueWait(c Conn, m msg.Message) {
	delivery := Delivery{Conn: c, Msg: m}
	select {
	case d.queue <- delivery:
	default:
		go func() { d.queue <- delivery }()
	}
}

// Run drains the queue until ctx is canceled. This is the only goroutine
// that invokes handlers.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.queue:
			d.process(&delivery)
		}
	}
}

// process runs one delivery through the filter chain and handler. A panic
// in a handler disconnects only the offending connection; the dispatcher
// itself keeps running.
func (d *Dispatcher) process(delivery *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrCounterWithGroup(metrics.GroupSession, "handler_panic_total", 1)
			log.Error().Any("panic", r).Uint32("networkID", connID(delivery.Conn)).
				Uint32("type", uint32(delivery.Msg.TypeCode())).Msg("handler panicked")
			if delivery.Conn != nil {
				delivery.Conn.Close("handler panic")
			}
		}
	}()

	if err := d.filters.Handle(delivery, d.dispatch); err != nil {
		log.Warn().Err(err).Uint32("networkID", connID(delivery.Conn)).
			Uint32("type", uint32(delivery.Msg.TypeCode())).Msg("dispatch failed")
	}
}

// dispatch is the final stage: handler lookup and invocation. A reliable
// message without a handler is a protocol violation; an unreliable one is
// dropped.
func (d *Dispatcher) dispatch(delivery *Delivery) error {
	h, ok := d.handlers[delivery.Msg.TypeCode()]
	if !ok {
		if delivery.Msg.Reliable() {
			metrics.IncrCounterWithGroup(metrics.GroupSession, "unhandled_reliable_total", 1)
			if delivery.Conn != nil {
				delivery.Conn.Close(fmt.Sprintf("no handler for reliable type %d", delivery.Msg.TypeCode()))
			}
			return fmt.Errorf("no handler for reliable type %d", delivery.Msg.TypeCode())
		}
		metrics.IncrCounterWithGroup(metrics.GroupSession, "unhandled_unreliable_total", 1)
		return nil
	}
	return h(delivery)
}

// traceFilter logs and counts per message, except on audio frame types
// where per-message hooks are skipped to keep the hot path flat.
func (d *Dispatcher) traceFilter(delivery *Delivery, next FilterHandleFunc) error {
	if delivery.Msg.TypeCode() == msg.TypeAudioData {
		return next(delivery)
	}
	metrics.IncrCounterWithDimGroup(metrics.GroupSession, "messages_dispatched_total", 1,
		metrics.Dimension{"type": fmt.Sprintf("%d", delivery.Msg.TypeCode())})
	log.Trace().Uint32("networkID", connID(delivery.Conn)).
		Uint32("type", uint32(delivery.Msg.TypeCode())).Msg("dispatch")
	return next(delivery)
}

func connID(c Conn) uint32 {
	if c == nil {
		return 0
	}
	return c.NetworkID()
}
