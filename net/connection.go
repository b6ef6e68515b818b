package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/vox/log"
	"github.com/lcx/vox/metrics"
	"github.com/lcx/vox/msg"
)

// ErrSendQueueFull reports an overflowing reliable send queue. The
// connection is closed when this happens; a peer that cannot drain its
// command stream is not recoverable.
var ErrSendQueueFull = errors.New("net: send queue full")

// Receiver is the session layer's view of the transport. All callbacks run
// on transport goroutines and must only enqueue, never block.
type Receiver interface {
	// OnConnectionMade fires once per connection after the network id
	// exchange.
	OnConnectionMade(c *Connection)

	// OnConnectionLost fires exactly once when the connection dies.
	OnConnectionLost(c *Connection)

	// OnMessage delivers one decoded message from either transport path.
	OnMessage(c *Connection, m msg.Message)

	// OnConnectionless delivers a session-free datagram message together
	// with a reply function bound to the sender's endpoint.
	OnConnectionless(remote net.Addr, m msg.Message, reply func(msg.Message))
}

// Connection is one logical peer: a dedicated reliable stream plus a claim
// on the provider's shared unreliable socket. Outbound traffic is queued on
// bounded channels drained by a single send goroutine, so writers never
// block and the stream never interleaves frames.
type Connection struct {
	networkID uint32

	tcp       net.Conn
	udp       *net.UDPConn
	udpRemote atomic.Pointer[net.UDPAddr]

	state     atomic.Uint32
	lastHeard atomic.Int64

	sendCh  chan msg.Message
	audioCh chan *msg.AudioData

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(*Connection)

	registry     *msg.Registry
	receiver     Receiver
	idleTimeout  time.Duration
	maxFrameSize int
}

type connParams struct {
	networkID    uint32
	tcp          net.Conn
	udp          *net.UDPConn
	udpRemote    *net.UDPAddr
	sendQueue    uint32
	audioQueue   uint32
	idleTimeout  time.Duration
	maxFrameSize int
	registry     *msg.Registry
	receiver     Receiver
	onClose      func(*Connection)
}

func newConnection(parent context.Context, p connParams) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		networkID:    p.networkID,
		tcp:          p.tcp,
		udp:          p.udp,
		sendCh:       make(chan msg.Message, p.sendQueue),
		audioCh:      make(chan *msg.AudioData, p.audioQueue),
		ctx:          ctx,
		cancel:       cancel,
		onClose:      p.onClose,
		registry:     p.registry,
		receiver:     p.receiver,
		idleTimeout:  p.idleTimeout,
		maxFrameSize: p.maxFrameSize,
	}
	if p.udpRemote != nil {
		c.udpRemote.Store(p.udpRemote)
	}
	c.state.Store(uint32(StateConnecting))
	c.touch()
	return c
}

// NetworkID returns the provider-assigned connection id.
func (c *Connection) NetworkID() uint32 {
	return c.networkID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(uint32(s))
}

// Bled reports whether the unreliable path is confirmed.
func (c *Connection) Bled() bool {
	return c.State() == StateBled
}

// RemoteAddr returns the reliable channel's peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.tcp.RemoteAddr()
}

// LastHeard returns the time any traffic last arrived from the peer.
func (c *Connection) LastHeard() time.Time {
	return time.Unix(0, c.lastHeard.Load())
}

func (c *Connection) touch() {
	c.lastHeard.Store(time.Now().UnixNano())
}

// Send queues a message for delivery. The transport is chosen at write
// time: reliable messages and all traffic before the punch-through
// completes go over the stream, the rest over the datagram path. A full
// queue closes the connection.
func (c *Connection) Send(m msg.Message) error {
	if c.State() == StateDisconnected {
		return fmt.Errorf("net: send on disconnected connection %d", c.networkID)
	}
	select {
	case c.sendCh <- m:
		return nil
	default:
		metrics.IncrCounterWithGroup(metrics.GroupTransport, "send_queue_overflow_total", 1)
		c.Close("send queue overflow")
		return ErrSendQueueFull
	}
}

// SendAudio queues an audio frame. Overflow drops the frame instead of
// killing the connection; one lost frame is cheaper than a teardown.
func (c *Connection) SendAudio(a *msg.AudioData) {
	select {
	case c.audioCh <- a:
	default:
		metrics.IncrCounterWithGroup(metrics.GroupAudio, "frames_dropped_total", 1)
	}
}

// Close tears the connection down. Safe to call repeatedly and from any
// goroutine; only the first call does work.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		c.cancel()
		_ = c.tcp.Close()
		log.Debug().Uint32("networkID", c.networkID).Str("reason", reason).
			Msg("connection closed")
		if c.onClose != nil {
			c.onClose(c)
		}
		if c.receiver != nil {
			c.receiver.OnConnectionLost(c)
		}
	})
}

func (c *Connection) serve() {
	go c.serveSend()
	go c.serveRecv()
}

// serveRecv is the per-connection reliable read chain: decode one frame,
// hand it to the session layer, re-arm. Any framing error is a protocol
// violation and disconnects.
func (c *Connection) serveRecv() {
	src := bufio.NewReader(c.tcp)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.setReadDeadline()
		m, err := msg.DecodeStream(src, c.registry)
		if err != nil {
			metrics.IncrCounterWithDimGroup(metrics.GroupTransport, "stream_decode_error_total", 1,
				metrics.Dimension{"error": decodeErrorKind(err)})
			c.Close("reliable read: " + err.Error())
			return
		}
		c.touch()
		c.receiver.OnMessage(c, m)
	}
}

func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, msg.ErrBadSanity):
		return "bad_sanity"
	case errors.Is(err, msg.ErrUnknownType):
		return "unknown_type"
	default:
		return "io"
	}
}

// serveSend drains both outbound queues. A write failure is terminal;
// failed writes are never retried.
func (c *Connection) serveSend() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.sendCh:
			if err := c.write(m); err != nil {
				c.Close("write: " + err.Error())
				return
			}
		case a := <-c.audioCh:
			if err := c.write(a); err != nil {
				c.Close("audio write: " + err.Error())
				return
			}
		}
	}
}

// write puts one message on the wire, picking the transport per the
// fallback rule.
func (c *Connection) write(m msg.Message) error {
	if m.Reliable() || !c.Bled() || c.udpRemote.Load() == nil {
		buf, err := msg.EncodeReliable(m)
		if err != nil {
			return err
		}
		c.setWriteDeadline()
		_, err = c.tcp.Write(buf)
		return err
	}
	return c.writeDatagram(m)
}

// writeDatagram sends one frame over the unreliable path unconditionally.
// Used for handshake traffic and Bled connections.
func (c *Connection) writeDatagram(m msg.Message) error {
	remote := c.udpRemote.Load()
	if remote == nil {
		return fmt.Errorf("net: no unreliable endpoint for connection %d", c.networkID)
	}
	buf, err := msg.EncodeUnreliable(c.networkID, m)
	if err != nil {
		return err
	}
	_, err = c.udp.WriteToUDP(buf, remote)
	return err
}

func (c *Connection) setReadDeadline() {
	if c.idleTimeout > 0 {
		_ = c.tcp.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

func (c *Connection) setWriteDeadline() {
	if c.idleTimeout > 0 {
		_ = c.tcp.SetWriteDeadline(time.Now().Add(c.idleTimeout))
	}
}
