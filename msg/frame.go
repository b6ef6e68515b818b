package msg

import (
	"errors"
	"fmt"
	"io"

	"github.com/lcx/vox/wire"
)

var (
	// ErrBadSanity is returned when a frame does not start with the sanity
	// byte. Fatal for the offending connection on the reliable channel.
	ErrBadSanity = errors.New("msg: bad sanity byte")
	// ErrUnknownType is returned when no constructor is registered for a
	// decoded type code.
	ErrUnknownType = errors.New("msg: unknown message type")
)

// EncodeReliable builds a reliable-channel frame:
// sanity byte, u16 type code, payload.
func EncodeReliable(m Message) ([]byte, error) {
	w := wire.NewWriter(64)
	w.Uint8(wire.SanityByte)
	w.Uint16(m.TypeCode())
	if err := m.Encode(w); err != nil {
		return nil, fmt.Errorf("msg: encode type %d: %w", m.TypeCode(), err)
	}
	return w.Bytes(), nil
}

// EncodeUnreliable builds a datagram frame. The network id follows the
// sanity byte because the shared datagram socket has no session context of
// its own.
func EncodeUnreliable(networkID uint32, m Message) ([]byte, error) {
	w := wire.NewWriter(64)
	w.Uint8(wire.SanityByte)
	w.Uint32(networkID)
	w.Uint16(m.TypeCode())
	if err := m.Encode(w); err != nil {
		return nil, fmt.Errorf("msg: encode type %d: %w", m.TypeCode(), err)
	}
	return w.Bytes(), nil
}

// DecodeStream reads one frame off the reliable channel. It blocks on src
// until a full message arrives. A sanity or type-code violation is fatal for
// the connection; transport errors are returned unwrapped so callers can
// distinguish peer disconnects.
func DecodeStream(src io.Reader, reg *Registry) (Message, error) {
	r := wire.NewStreamReader(src)
	sanity, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if sanity != wire.SanityByte {
		return nil, ErrBadSanity
	}
	code, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	m, err := reg.New(code)
	if err != nil {
		return nil, err
	}
	if err := m.Decode(r); err != nil {
		return nil, fmt.Errorf("msg: decode type %d: %w", code, err)
	}
	return m, nil
}

// DecodeDatagram parses a complete datagram frame and returns the network id
// it addresses along with the decoded message. Trailing bytes past the
// payload are tolerated, mirroring the stream transport's indifference to
// what follows a frame.
func DecodeDatagram(buf []byte, reg *Registry) (networkID uint32, m Message, err error) {
	r := wire.NewReader(buf)
	sanity, err := r.Uint8()
	if err != nil {
		return 0, nil, err
	}
	if sanity != wire.SanityByte {
		return 0, nil, ErrBadSanity
	}
	networkID, err = r.Uint32()
	if err != nil {
		return 0, nil, err
	}
	code, err := r.Uint16()
	if err != nil {
		return networkID, nil, err
	}
	m, err = reg.New(code)
	if err != nil {
		return networkID, nil, err
	}
	if err := m.Decode(r); err != nil {
		return networkID, nil, fmt.Errorf("msg: decode type %d: %w", code, err)
	}
	return networkID, m, nil
}
