package msg

import "github.com/lcx/vox/wire"

// The punch-through handshake confirms a usable datagram path through NAT:
// the client sends Punch, the server answers PunchReceived over the same
// path, and the client's Bleeding reply proves the round trip. Only then
// does the server mark the connection eligible for true unreliable delivery.
// A failed handshake is not an error; the connection simply keeps sending
// nominally-unreliable traffic over the reliable channel.

// Punch opens the handshake from the client.
type Punch struct{}

func (*Punch) TypeCode() uint16             { return TypePunch }
func (*Punch) Reliable() bool               { return false }
func (*Punch) AcceptedConnectionless() bool { return false }
func (*Punch) Encode(*wire.Writer) error    { return nil }
func (*Punch) Decode(*wire.Reader) error    { return nil }

// PunchReceived is the server's datagram acknowledgment of a Punch.
type PunchReceived struct{}

func (*PunchReceived) TypeCode() uint16             { return TypePunchReceived }
func (*PunchReceived) Reliable() bool               { return false }
func (*PunchReceived) AcceptedConnectionless() bool { return false }
func (*PunchReceived) Encode(*wire.Writer) error    { return nil }
func (*PunchReceived) Decode(*wire.Reader) error    { return nil }

// Bleeding completes the round trip and flips the connection into the Bled
// state on the server.
type Bleeding struct{}

func (*Bleeding) TypeCode() uint16             { return TypeBleeding }
func (*Bleeding) Reliable() bool               { return false }
func (*Bleeding) AcceptedConnectionless() bool { return false }
func (*Bleeding) Encode(*wire.Writer) error    { return nil }
func (*Bleeding) Decode(*wire.Reader) error    { return nil }

// ServerQuery is a connectionless discovery probe. The server answers with
// ServerInfo without requiring an established session; forged or stale
// network ids on the datagram are irrelevant to it.
type ServerQuery struct{}

func (*ServerQuery) TypeCode() uint16             { return TypeServerQuery }
func (*ServerQuery) Reliable() bool               { return false }
func (*ServerQuery) AcceptedConnectionless() bool { return true }
func (*ServerQuery) Encode(*wire.Writer) error    { return nil }
func (*ServerQuery) Decode(*wire.Reader) error    { return nil }

// ServerInfo answers a ServerQuery.
type ServerInfo struct {
	Name     string
	Users    uint16
	Capacity uint16
}

func (*ServerInfo) TypeCode() uint16             { return TypeServerInfo }
func (*ServerInfo) Reliable() bool               { return false }
func (*ServerInfo) AcceptedConnectionless() bool { return true }

func (m *ServerInfo) Encode(w *wire.Writer) error {
	if err := w.String(m.Name); err != nil {
		return err
	}
	w.Uint16(m.Users)
	w.Uint16(m.Capacity)
	return nil
}

func (m *ServerInfo) Decode(r *wire.Reader) error {
	var err error
	if m.Name, err = r.String(); err != nil {
		return err
	}
	if m.Users, err = r.Uint16(); err != nil {
		return err
	}
	m.Capacity, err = r.Uint16()
	return err
}
