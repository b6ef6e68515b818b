package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	stdnet "net"
	"strings"
	"unicode/utf8"

	"github.com/lcx/vox/config"
	"github.com/lcx/vox/log"
	"github.com/lcx/vox/metrics"
	"github.com/lcx/vox/msg"
	"github.com/lcx/vox/net"
	"github.com/lcx/vox/provider"
	"github.com/lcx/vox/wire"
)

// Internal type codes. These messages exist only inside the process, carry
// dispatcher events that must serialize with command handling, and are never
// registered for wire decode.
const (
	typeConnLost       uint16 = 0xFFF0
	typeChannelsReload uint16 = 0xFFF1
)

type connLost struct{}

func (*connLost) TypeCode() uint16             { return typeConnLost }
func (*connLost) Reliable() bool               { return false }
func (*connLost) AcceptedConnectionless() bool { return false }
func (*connLost) Encode(*wire.Writer) error    { return errors.New("internal message") }
func (*connLost) Decode(*wire.Reader) error    { return errors.New("internal message") }

type channelsReload struct{}

func (*channelsReload) TypeCode() uint16             { return typeChannelsReload }
func (*channelsReload) Reliable() bool               { return false }
func (*channelsReload) AcceptedConnectionless() bool { return false }
func (*channelsReload) Encode(*wire.Writer) error    { return errors.New("internal message") }
func (*channelsReload) Decode(*wire.Reader) error    { return errors.New("internal message") }

// Cfg contains configuration parameters for the session server.
type Cfg struct {
	// ServerName is reported in ServerInfo discovery replies.
	ServerName string `mapstructure:"serverName"`

	// MaxUsers caps concurrent logged-in sessions.
	MaxUsers int `mapstructure:"maxUsers"`

	// MaxNicknameLen bounds login nicknames, in runes.
	MaxNicknameLen int `mapstructure:"maxNicknameLen"`
}

// GetName returns the configuration name for Cfg
func (c *Cfg) GetName() string {
	return "session"
}

// Validate validates the Cfg parameters
func (c *Cfg) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("ServerName cannot be empty")
	}
	if c.MaxUsers <= 0 {
		return fmt.Errorf("MaxUsers must be positive")
	}
	if c.MaxUsers > math.MaxUint16 {
		return fmt.Errorf("MaxUsers cannot exceed %d", math.MaxUint16)
	}
	if c.MaxNicknameLen <= 0 {
		return fmt.Errorf("MaxNicknameLen must be positive")
	}
	return nil
}

// Server glues transport, dispatcher, registries and the provider backend
// into one running voice server. It implements net.Receiver; every transport
// callback only enqueues.
type Server struct {
	cfg        *Cfg
	transport  *net.Server
	dispatcher *Dispatcher
	backend    provider.Backend

	users    *UserRegistry
	channels *ChannelRegistry
	perms    *PermissionCache
	sources  *SourceRegistry
}

// NewServer assembles a session server from its parts. Handlers are
// registered here; Run starts the transport and drains the dispatcher.
func NewServer(cfg *Cfg, transport *net.Server, dispatcher *Dispatcher, backend provider.Backend) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("Cfg cannot be nil, use NewServerWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil || dispatcher == nil || backend == nil {
		return nil, errors.New("transport, dispatcher and backend are all required")
	}
	s := &Server{
		cfg:        cfg,
		transport:  transport,
		dispatcher: dispatcher,
		backend:    backend,
		users:      NewUserRegistry(),
		channels:   NewChannelRegistry(backend.Channels()),
		perms:      NewPermissionCache(backend.Permissions()),
		sources:    NewSourceRegistry(),
	}
	if err := s.registerHandlers(); err != nil {
		return nil, err
	}
	backend.Channels().OnExternalUpdate(func() {
		s.dispatcher.EnqueueWait(nil, &channelsReload{})
	})
	return s, nil
}

// NewServerWithConfigManager loads the session configuration from the
// config manager before assembly.
func NewServerWithConfigManager(configManager config.ConfigManager, transport *net.Server, dispatcher *Dispatcher, backend provider.Backend) (*Server, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &Cfg{}
	if err := configManager.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load session config: %w", err)
	}
	return NewServer(cfg, transport, dispatcher, backend)
}

func (s *Server) registerHandlers() error {
	handlers := map[uint16]HandlerFunc{
		msg.TypeLogin:         s.handleLogin,
		msg.TypeChangeChannel: s.handleChangeChannel,
		msg.TypeEditChannel:   s.handleEditChannel,
		msg.TypeRequestSource: s.handleRequestSource,
		msg.TypeAudioData:     s.handleAudioData,
		msg.TypePing:          s.handlePing,
		typeConnLost:          s.handleConnLost,
		typeChannelsReload:    s.handleChannelsReload,
	}
	for code, h := range handlers {
		if err := s.dispatcher.Register(code, h); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the transport and blocks draining the dispatcher until ctx is
// canceled. The channel cache is primed first so handlers never see an
// empty tree.
func (s *Server) Run(ctx context.Context) error {
	if err := s.channels.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	if err := s.transport.Start(s); err != nil {
		return err
	}
	log.Info().Str("name", s.cfg.ServerName).Int("maxUsers", s.cfg.MaxUsers).
		Msg("session server running")
	s.dispatcher.Run(ctx)
	s.transport.Stop()
	return nil
}

// Transport exposes the underlying listener, mainly for bound-address
// lookups in tests and discovery registration.
func (s *Server) Transport() *net.Server {
	return s.transport
}

// UserCount returns the number of live sessions.
func (s *Server) UserCount() int {
	return s.users.Count()
}

// OnConnectionMade implements net.Receiver.
func (s *Server) OnConnectionMade(c *net.Connection) {
	log.Debug().Uint32("networkID", c.NetworkID()).Msg("connection made")
}

// OnConnectionLost implements net.Receiver. The teardown event must not be
// dropped, so it bypasses the overflow policy.
func (s *Server) OnConnectionLost(c *net.Connection) {
	s.dispatcher.EnqueueWait(c, &connLost{})
}

// OnMessage implements net.Receiver.
func (s *Server) OnMessage(c *net.Connection, m msg.Message) {
	s.dispatcher.Enqueue(c, m)
}

// OnConnectionless implements net.Receiver. Discovery queries are answered
// straight off the UDP path without touching the dispatcher.
func (s *Server) OnConnectionless(remote stdnet.Addr, m msg.Message, reply func(msg.Message)) {
	if _, ok := m.(*msg.ServerQuery); !ok {
		return
	}
	metrics.IncrCounterWithGroup(metrics.GroupSession, "server_query_total", 1)
	users := s.users.Count()
	if users > math.MaxUint16 {
		users = math.MaxUint16
	}
	reply(&msg.ServerInfo{
		Name:     s.cfg.ServerName,
		Users:    uint16(users),
		Capacity: uint16(s.cfg.MaxUsers),
	})
}

func (s *Server) validNickname(nickname string) bool {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return false
	}
	return utf8.RuneCountInString(nickname) <= s.cfg.MaxNicknameLen
}
