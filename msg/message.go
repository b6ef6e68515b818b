// Package msg defines the vox protocol messages and the type-code registry
// used for dynamic decode. Type codes are a stable protocol contract and are
// never renumbered across versions.
package msg

import (
	"fmt"

	"github.com/lcx/vox/wire"
)

// Protocol message type codes. Codes 20-22 form the NAT punch-through
// handshake; codes 30+ are accepted without an established session.
const (
	TypeLogin             uint16 = 1
	TypeLoginResult       uint16 = 2
	TypeChannelList       uint16 = 3
	TypeUserList          uint16 = 4
	TypeSourceList        uint16 = 5
	TypeChangeChannel     uint16 = 6
	TypeChannelChanged    uint16 = 7
	TypeEditChannel       uint16 = 8
	TypeChannelEditResult uint16 = 9
	TypeRequestSource     uint16 = 10
	TypeSourceResult      uint16 = 11
	TypeAudioData         uint16 = 12
	TypeUserLoggedIn      uint16 = 13
	TypeUserDisconnected  uint16 = 14
	TypePing              uint16 = 15
	TypePunch             uint16 = 20
	TypePunchReceived     uint16 = 21
	TypeBleeding          uint16 = 22
	TypeServerQuery       uint16 = 30
	TypeServerInfo        uint16 = 31
)

// Message is the unit exchanged between client and server. A message knows
// its stable type code, whether it demands the reliable channel, whether the
// server accepts it without an established session, and how to serialize its
// payload. Messages are immutable once constructed.
type Message interface {
	// TypeCode returns the stable numeric protocol identifier.
	TypeCode() uint16

	// Reliable reports whether the message must travel on the reliable
	// channel. Unreliable messages still fall back to the reliable channel
	// while a connection's NAT punch-through is pending.
	Reliable() bool

	// AcceptedConnectionless reports whether the server dispatches this
	// message for a datagram whose network id matches no live connection.
	AcceptedConnectionless() bool

	// Encode appends the payload to w.
	Encode(w *wire.Writer) error

	// Decode reads the payload from r.
	Decode(r *wire.Reader) error
}

// Registry maps type codes to message constructors for dynamic decode.
type Registry struct {
	ctors map[uint16]func() Message
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[uint16]func() Message)}
}

// Register binds a constructor to its type code. Registering the same code
// twice is a programming error and panics, matching init-time use.
func (r *Registry) Register(ctor func() Message) {
	code := ctor().TypeCode()
	if _, ok := r.ctors[code]; ok {
		panic(fmt.Sprintf("msg: duplicate type code %d", code))
	}
	r.ctors[code] = ctor
}

// New creates an empty message for the given type code.
func (r *Registry) New(code uint16) (Message, error) {
	ctor, ok := r.ctors[code]
	if !ok {
		return nil, fmt.Errorf("msg: unknown type code %d: %w", code, ErrUnknownType)
	}
	return ctor(), nil
}

// Contains reports whether a constructor is registered for the code.
func (r *Registry) Contains(code uint16) bool {
	_, ok := r.ctors[code]
	return ok
}

// Codes returns all registered type codes, in no particular order.
func (r *Registry) Codes() []uint16 {
	codes := make([]uint16, 0, len(r.ctors))
	for c := range r.ctors {
		codes = append(codes, c)
	}
	return codes
}

// DefaultRegistry returns a registry populated with every vox protocol
// message. Both endpoints build their registries from this at startup.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(func() Message { return &Login{} })
	r.Register(func() Message { return &LoginResult{} })
	r.Register(func() Message { return &ChannelList{} })
	r.Register(func() Message { return &UserList{} })
	r.Register(func() Message { return &SourceList{} })
	r.Register(func() Message { return &ChangeChannel{} })
	r.Register(func() Message { return &ChannelChanged{} })
	r.Register(func() Message { return &EditChannel{} })
	r.Register(func() Message { return &ChannelEditResult{} })
	r.Register(func() Message { return &RequestSource{} })
	r.Register(func() Message { return &SourceResult{} })
	r.Register(func() Message { return &AudioData{} })
	r.Register(func() Message { return &UserLoggedIn{} })
	r.Register(func() Message { return &UserDisconnected{} })
	r.Register(func() Message { return &Ping{} })
	r.Register(func() Message { return &Punch{} })
	r.Register(func() Message { return &PunchReceived{} })
	r.Register(func() Message { return &Bleeding{} })
	r.Register(func() Message { return &ServerQuery{} })
	r.Register(func() Message { return &ServerInfo{} })
	return r
}
