package net

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"

	"github.com/lcx/vox/config"
	"github.com/lcx/vox/log"
	"github.com/lcx/vox/metrics"
	"github.com/lcx/vox/msg"
)

// ServerCfg configures the server-side connection provider.
type ServerCfg struct {
	Tag string `mapstructure:"tag"`

	// Addr is the TCP listen address for reliable streams.
	Addr string `mapstructure:"addr"`

	// UDPAddr is the shared datagram socket address. Defaults to Addr's
	// host and port when empty.
	UDPAddr string `mapstructure:"udpAddr"`

	// IdleTimeout in seconds; connections silent on the reliable channel
	// longer than this are dropped. 0 disables.
	IdleTimeout uint32 `mapstructure:"idleTimeout"`

	// SendQueueSize bounds the per-connection reliable outbound queue.
	SendQueueSize uint32 `mapstructure:"sendQueueSize"`

	// AudioQueueSize bounds the per-connection audio outbound queue.
	AudioQueueSize uint32 `mapstructure:"audioQueueSize"`

	// MaxDatagramSize is the receive buffer for the shared UDP socket.
	MaxDatagramSize int `mapstructure:"maxDatagramSize"`

	// QueryRateLimit caps connectionless queries per second.
	QueryRateLimit int `mapstructure:"queryRateLimit"`

	// QueryQueueSize bounds pending connectionless queries; overflow drops.
	QueryQueueSize int `mapstructure:"queryQueueSize"`
}

// GetName returns the configuration name for ServerCfg
func (c *ServerCfg) GetName() string {
	return "server_transport"
}

// Validate validates the ServerCfg parameters
func (c *ServerCfg) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.SendQueueSize == 0 {
		return fmt.Errorf("SendQueueSize must be positive")
	}
	if c.AudioQueueSize == 0 {
		return fmt.Errorf("AudioQueueSize must be positive")
	}
	if c.MaxDatagramSize <= 0 {
		return fmt.Errorf("MaxDatagramSize must be positive")
	}
	if c.QueryRateLimit <= 0 {
		return fmt.Errorf("QueryRateLimit must be positive")
	}
	if c.QueryQueueSize <= 0 {
		return fmt.Errorf("QueryQueueSize must be positive")
	}
	return nil
}

type connectionlessItem struct {
	remote *net.UDPAddr
	m      msg.Message
}

// Server accepts reliable sessions, assigns network ids, demultiplexes the
// shared unreliable socket and runs the punch-through handshake.
type Server struct {
	cfg      *ServerCfg
	registry *msg.Registry
	receiver Receiver

	listener *net.TCPListener
	udp      *net.UDPConn

	lock   sync.RWMutex
	conns  map[uint32]*Connection
	nextID atomic.Uint32

	queryCh      chan connectionlessItem
	queryLimiter atomic.Pointer[ratelimit.Limiter]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server provider from an explicit configuration.
func NewServer(cfg *ServerCfg, registry *msg.Registry) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("ServerCfg cannot be nil, use NewServerWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		conns:    make(map[uint32]*Connection),
		queryCh:  make(chan connectionlessItem, cfg.QueryQueueSize),
	}
	limiter := ratelimit.New(cfg.QueryRateLimit)
	s.queryLimiter.Store(&limiter)
	return s, nil
}

// NewServerWithConfigManager creates a server provider that loads its
// configuration from the config manager and follows changes.
func NewServerWithConfigManager(configManager config.ConfigManager, registry *msg.Registry) (*Server, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &ServerCfg{}
	if err := configManager.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load server_transport config: %w", err)
	}
	s, err := NewServer(cfg, registry)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(s)
	return s, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Only the query
// rate limit takes effect live; socket settings need a restart.
func (s *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != s.cfg.GetName() {
		return nil
	}
	newCfg, ok := newConfig.(*ServerCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for Server")
	}
	limiter := ratelimit.New(newCfg.QueryRateLimit)
	s.queryLimiter.Store(&limiter)
	log.Info().Str("configName", configName).Msg("server transport configuration updated")
	return nil
}

// GetConfigName implements config change listener naming.
func (s *Server) GetConfigName() string {
	return s.cfg.GetName()
}

// Start binds both sockets and launches the accept, datagram and
// connectionless loops.
func (s *Server) Start(receiver Receiver) error {
	if receiver == nil {
		return errors.New("receiver cannot be nil")
	}
	s.receiver = receiver

	tcpAddr, err := net.ResolveTCPAddr("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.Addr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.cfg.Addr, err)
	}

	udpAddrStr := s.cfg.UDPAddr
	if udpAddrStr == "" {
		udpAddrStr = s.cfg.Addr
	}
	udpAddr, err := net.ResolveUDPAddr("udp", udpAddrStr)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("resolve udp %s: %w", udpAddrStr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen udp %s: %w", udpAddrStr, err)
	}

	s.lock.Lock()
	s.listener = listener
	s.udp = udp
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lock.Unlock()

	go s.acceptLoop()
	go s.datagramLoop()
	go s.connectionlessLoop()

	log.Info().Str("addr", s.cfg.Addr).Str("udpAddr", udpAddrStr).Msg("server transport started")
	return nil
}

// Stop closes both sockets and every live connection.
func (s *Server) Stop() {
	s.lock.RLock()
	listener, udp, cancel := s.listener, s.udp, s.cancel
	s.lock.RUnlock()
	if cancel != nil {
		cancel()
	}
	if listener != nil {
		_ = listener.Close()
	}
	if udp != nil {
		_ = udp.Close()
	}
	for _, c := range s.Connections() {
		c.Close("server stopped")
	}
}

// Addr returns the bound TCP address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// UDPAddr returns the bound datagram address.
func (s *Server) UDPAddr() net.Addr {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// Lookup resolves a network id to its live connection.
func (s *Server) Lookup(networkID uint32) *Connection {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.conns[networkID]
}

// Connections snapshots all live connections.
func (s *Server) Connections() []*Connection {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) connCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.conns)
}

func (s *Server) removeConn(c *Connection) {
	s.lock.Lock()
	delete(s.conns, c.networkID)
	s.lock.Unlock()
	metrics.UpdateGaugeWithGroup(metrics.GroupTransport, "current_connections", float64(s.connCount()))
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			return
		}
		if err := s.setupConn(conn); err != nil {
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection setup failed")
			_ = conn.Close()
		}
	}
}

// setupConn runs the network id exchange: allocate the next id, write it
// back as the first bytes of the stream, then hand the connection to the
// session layer. Ids are never reused within a process lifetime.
func (s *Server) setupConn(conn *net.TCPConn) error {
	id := s.nextID.Add(1)

	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], id)
	if s.cfg.IdleTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Duration(s.cfg.IdleTimeout) * time.Second))
	}
	if _, err := conn.Write(idBuf[:]); err != nil {
		return fmt.Errorf("write network id: %w", err)
	}

	c := newConnection(s.ctx, connParams{
		networkID:    id,
		tcp:          conn,
		udp:          s.udp,
		sendQueue:    s.cfg.SendQueueSize,
		audioQueue:   s.cfg.AudioQueueSize,
		idleTimeout:  time.Duration(s.cfg.IdleTimeout) * time.Second,
		maxFrameSize: s.cfg.MaxDatagramSize,
		registry:     s.registry,
		receiver:     s.receiver,
		onClose:      s.removeConn,
	})
	c.setState(StateHandshaking)

	s.lock.Lock()
	s.conns[id] = c
	s.lock.Unlock()

	c.setState(StateEstablished)
	metrics.IncrCounterWithGroup(metrics.GroupTransport, "connections_accepted_total", 1)
	metrics.UpdateGaugeWithGroup(metrics.GroupTransport, "current_connections", float64(s.connCount()))

	s.receiver.OnConnectionMade(c)
	c.serve()
	return nil
}

// datagramLoop services the shared unreliable socket. Errors here only
// ever drop the offending datagram; nothing received over UDP may tear the
// listener down.
func (s *Server) datagramLoop() {
	buf := make([]byte, s.cfg.MaxDatagramSize)
	for {
		n, remote, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		networkID, m, err := msg.DecodeDatagram(buf[:n], s.registry)
		if err != nil {
			metrics.IncrCounterWithGroup(metrics.GroupTransport, "datagram_rejected_total", 1)
			continue
		}

		if m.AcceptedConnectionless() {
			select {
			case s.queryCh <- connectionlessItem{remote: copyUDPAddr(remote), m: m}:
			default:
				metrics.IncrCounterWithGroup(metrics.GroupTransport, "query_dropped_total", 1)
			}
			continue
		}

		// A reliable-marked type in a datagram is a forgery attempt: the
		// network id is guessable, the command stream is not.
		if m.Reliable() {
			metrics.IncrCounterWithGroup(metrics.GroupTransport, "datagram_rejected_total", 1)
			continue
		}

		c := s.Lookup(networkID)
		if c == nil {
			continue
		}
		c.touch()
		s.handleDatagram(c, remote, m)
	}
}

// handleDatagram routes one session datagram: the punch handshake is
// transport business handled here, everything else goes up.
func (s *Server) handleDatagram(c *Connection, remote *net.UDPAddr, m msg.Message) {
	switch m.(type) {
	case *msg.Punch:
		// The datagram's source endpoint is the peer's NAT mapping.
		c.udpRemote.Store(copyUDPAddr(remote))
		if err := c.writeDatagram(&msg.PunchReceived{}); err != nil {
			log.Warn().Err(err).Uint32("networkID", c.networkID).Msg("punch reply failed")
		}
	case *msg.Bleeding:
		if c.State() == StateEstablished {
			c.setState(StateBled)
			metrics.IncrCounterWithGroup(metrics.GroupTransport, "punch_through_total", 1)
			log.Debug().Uint32("networkID", c.networkID).Msg("unreliable path confirmed")
		}
	case *msg.Ping:
		// Keepalive; lastHeard already updated.
	default:
		s.receiver.OnMessage(c, m)
	}
}

// connectionlessLoop drains session-free queries behind a leaky bucket so
// a discovery flood cannot starve the datagram loop.
func (s *Server) connectionlessLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.queryCh:
			(*s.queryLimiter.Load()).Take()
			remote := item.remote
			s.receiver.OnConnectionless(remote, item.m, func(reply msg.Message) {
				buf, err := msg.EncodeUnreliable(0, reply)
				if err != nil {
					return
				}
				_, _ = s.udp.WriteToUDP(buf, remote)
			})
		}
	}
}

func copyUDPAddr(a *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}
