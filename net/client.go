package net

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lcx/vox/config"
	"github.com/lcx/vox/log"
	"github.com/lcx/vox/msg"
)

// ClientCfg configures the client-side connection provider.
type ClientCfg struct {
	Tag string `mapstructure:"tag"`

	// ServerAddr is the server's TCP address.
	ServerAddr string `mapstructure:"serverAddr"`

	// ServerUDPAddr is the server's datagram address. Defaults to
	// ServerAddr when empty.
	ServerUDPAddr string `mapstructure:"serverUdpAddr"`

	// PingInterval in seconds between unreliable keepalives.
	PingInterval uint32 `mapstructure:"pingInterval"`

	// PunchInterval in seconds between punch retries until the path is
	// confirmed.
	PunchInterval uint32 `mapstructure:"punchInterval"`

	// DialTimeout in seconds for the reliable connect and id exchange.
	DialTimeout uint32 `mapstructure:"dialTimeout"`

	SendQueueSize   uint32 `mapstructure:"sendQueueSize"`
	AudioQueueSize  uint32 `mapstructure:"audioQueueSize"`
	MaxDatagramSize int    `mapstructure:"maxDatagramSize"`
}

// GetName returns the configuration name for ClientCfg
func (c *ClientCfg) GetName() string {
	return "client_transport"
}

// Validate validates the ClientCfg parameters
func (c *ClientCfg) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("ServerAddr cannot be empty")
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
	return nil
}

// Client mirrors the server provider: one reliable stream, a local
// unreliable socket bound to the same local endpoint so the NAT mapping is
// consistent, the punch handshake and a periodic keepalive.
type Client struct {
	cfg      *ClientCfg
	registry *msg.Registry
	receiver Receiver

	conn *Connection
	udp  *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client provider from an explicit configuration.
func NewClient(cfg *ClientCfg, registry *msg.Registry) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("ClientCfg cannot be nil, use NewClientWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, registry: registry}, nil
}

// NewClientWithConfigManager creates a client provider that loads its
// configuration from the config manager.
func NewClientWithConfigManager(configManager config.ConfigManager, registry *msg.Registry) (*Client, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &ClientCfg{}
	if err := configManager.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load client_transport config: %w", err)
	}
	return NewClient(cfg, registry)
}

// Connect dials the server, reads the assigned network id, opens the
// unreliable socket and starts the punch handshake and keepalive.
func (c *Client) Connect(receiver Receiver) error {
	if receiver == nil {
		return errors.New("receiver cannot be nil")
	}
	c.receiver = receiver

	dialTimeout := time.Duration(c.cfg.DialTimeout) * time.Second
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	tcpConn, err := net.DialTimeout("tcp", c.cfg.ServerAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerAddr, err)
	}

	// The assigned network id is the first thing on the stream.
	_ = tcpConn.SetReadDeadline(time.Now().Add(dialTimeout))
	var idBuf [4]byte
	if _, err := io.ReadFull(tcpConn, idBuf[:]); err != nil {
		_ = tcpConn.Close()
		return fmt.Errorf("read network id: %w", err)
	}
	_ = tcpConn.SetReadDeadline(time.Time{})
	networkID := binary.LittleEndian.Uint32(idBuf[:])

	// Bind the datagram socket to the reliable channel's local endpoint so
	// both transports share one NAT mapping.
	localTCP := tcpConn.LocalAddr().(*net.TCPAddr)
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: localTCP.IP, Port: localTCP.Port})
	if err != nil {
		_ = tcpConn.Close()
		return fmt.Errorf("bind udp %v: %w", localTCP, err)
	}

	serverUDP := c.cfg.ServerUDPAddr
	if serverUDP == "" {
		serverUDP = c.cfg.ServerAddr
	}
	remote, err := net.ResolveUDPAddr("udp", serverUDP)
	if err != nil {
		_ = tcpConn.Close()
		_ = udp.Close()
		return fmt.Errorf("resolve udp %s: %w", serverUDP, err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.udp = udp
	c.conn = newConnection(c.ctx, connParams{
		networkID:  networkID,
		tcp:        tcpConn,
		udp:        udp,
		udpRemote:  remote,
		sendQueue:  c.cfg.SendQueueSize,
		audioQueue: c.cfg.AudioQueueSize,
		registry:   c.registry,
		receiver:   c.receiver,
		onClose: func(*Connection) {
			c.cancel()
			_ = udp.Close()
		},
	})
	c.conn.setState(StateEstablished)
	c.conn.serve()

	go c.datagramLoop()
	go c.keepaliveLoop()

	if err := c.conn.writeDatagram(&msg.Punch{}); err != nil {
		log.Warn().Err(err).Msg("initial punch failed")
	}

	c.receiver.OnConnectionMade(c.conn)
	log.Info().Uint32("networkID", networkID).Str("server", c.cfg.ServerAddr).
		Msg("connected")
	return nil
}

// Connection returns the logical connection to the server.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Close disconnects from the server.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close("client closed")
	}
}

// datagramLoop reads server datagrams off the client's unreliable socket.
func (c *Client) datagramLoop() {
	buf := make([]byte, c.cfg.MaxDatagramSize)
	for {
		n, _, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		networkID, m, err := msg.DecodeDatagram(buf[:n], c.registry)
		if err != nil {
			continue
		}

		if m.AcceptedConnectionless() {
			c.receiver.OnConnectionless(c.conn.udpRemote.Load(), m, func(msg.Message) {})
			continue
		}
		if networkID != c.conn.networkID {
			continue
		}

		c.conn.touch()
		switch m.(type) {
		case *msg.PunchReceived:
			// Round trip confirmed; tell the server and switch over.
			if err := c.conn.writeDatagram(&msg.Bleeding{}); err != nil {
				log.Warn().Err(err).Msg("bleeding send failed")
				continue
			}
			if c.conn.State() == StateEstablished {
				c.conn.setState(StateBled)
				log.Debug().Uint32("networkID", c.conn.networkID).Msg("unreliable path confirmed")
			}
		default:
			c.receiver.OnMessage(c.conn, m)
		}
	}
}

// keepaliveLoop pings over the unreliable path to hold the NAT mapping
// open, and retries the punch until the path is confirmed.
func (c *Client) keepaliveLoop() {
	pingEvery := time.Duration(c.cfg.PingInterval) * time.Second
	if pingEvery <= 0 {
		pingEvery = 20 * time.Second
	}
	punchEvery := time.Duration(c.cfg.PunchInterval) * time.Second
	if punchEvery <= 0 {
		punchEvery = time.Second
	}

	ping := time.NewTicker(pingEvery)
	punch := time.NewTicker(punchEvery)
	defer ping.Stop()
	defer punch.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-punch.C:
			if c.conn.Bled() {
				continue
			}
			if err := c.conn.writeDatagram(&msg.Punch{}); err != nil {
				log.Debug().Err(err).Msg("punch retry failed")
			}
		case <-ping.C:
			if err := c.conn.writeDatagram(&msg.Ping{}); err != nil {
				log.Debug().Err(err).Msg("keepalive failed")
			}
		}
	}
}
