package msg

import "github.com/lcx/vox/wire"

// SourceInfo is the wire representation of an allocated audio source. The
// format fields are fixed at allocation time; codec encode/decode happens
// outside this core.
type SourceInfo struct {
	ID        uint32
	OwnerID   uint32
	Bitrate   uint32
	Channels  uint8
	Frequency uint32
	FrameSize uint16
	Muted     bool
}

func (s *SourceInfo) encode(w *wire.Writer) error {
	w.Uint32(s.ID)
	w.Uint32(s.OwnerID)
	w.Uint32(s.Bitrate)
	w.Uint8(s.Channels)
	w.Uint32(s.Frequency)
	w.Uint16(s.FrameSize)
	w.Bool(s.Muted)
	return nil
}

func (s *SourceInfo) decode(r *wire.Reader) error {
	var err error
	if s.ID, err = r.Uint32(); err != nil {
		return err
	}
	if s.OwnerID, err = r.Uint32(); err != nil {
		return err
	}
	if s.Bitrate, err = r.Uint32(); err != nil {
		return err
	}
	if s.Channels, err = r.Uint8(); err != nil {
		return err
	}
	if s.Frequency, err = r.Uint32(); err != nil {
		return err
	}
	if s.FrameSize, err = r.Uint16(); err != nil {
		return err
	}
	s.Muted, err = r.Bool()
	return err
}

// SourceList carries every live audio source, sent after login.
type SourceList struct {
	Sources []SourceInfo
}

func (*SourceList) TypeCode() uint16             { return TypeSourceList }
func (*SourceList) Reliable() bool               { return true }
func (*SourceList) AcceptedConnectionless() bool { return false }

func (m *SourceList) Encode(w *wire.Writer) error {
	if len(m.Sources) > wire.MaxFieldLen {
		return wire.ErrFieldTooLong
	}
	w.Uint16(uint16(len(m.Sources)))
	for i := range m.Sources {
		if err := m.Sources[i].encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *SourceList) Decode(r *wire.Reader) error {
	n, err := r.Uint16()
	if err != nil {
		return err
	}
	m.Sources = make([]SourceInfo, n)
	for i := range m.Sources {
		if err := m.Sources[i].decode(r); err != nil {
			return err
		}
	}
	return nil
}

// RequestSource asks the server to allocate a new audio source for the
// requester. Bitrate 0 requests the server default; out-of-range values are
// clamped, not rejected.
type RequestSource struct {
	Name    string
	Bitrate uint32
}

func (*RequestSource) TypeCode() uint16             { return TypeRequestSource }
func (*RequestSource) Reliable() bool               { return true }
func (*RequestSource) AcceptedConnectionless() bool { return false }

func (m *RequestSource) Encode(w *wire.Writer) error {
	if err := w.String(m.Name); err != nil {
		return err
	}
	w.Uint32(m.Bitrate)
	return nil
}

func (m *RequestSource) Decode(r *wire.Reader) error {
	var err error
	if m.Name, err = r.String(); err != nil {
		return err
	}
	m.Bitrate, err = r.Uint32()
	return err
}

// SourceResultKind distinguishes the replies and broadcasts that share the
// SourceResult frame.
type SourceResultKind uint8

const (
	SourceSucceeded SourceResultKind = iota
	SourceFailedPermission
	SourceFailedCapacity
	SourceNewSource
	SourceRemoved
)

// SourceResult answers a RequestSource (Succeeded/Failed*) and doubles as
// the NewSource/SourceRemoved broadcast to the other connections.
type SourceResult struct {
	Kind   SourceResultKind
	Source SourceInfo
}

func (*SourceResult) TypeCode() uint16             { return TypeSourceResult }
func (*SourceResult) Reliable() bool               { return true }
func (*SourceResult) AcceptedConnectionless() bool { return false }

func (m *SourceResult) Encode(w *wire.Writer) error {
	w.Uint8(uint8(m.Kind))
	return m.Source.encode(w)
}

func (m *SourceResult) Decode(r *wire.Reader) error {
	kind, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Kind = SourceResultKind(kind)
	return m.Source.decode(r)
}

// AudioData carries one encoded audio frame. This is the latency-critical
// path: it travels unreliably once the NAT handshake has completed, is
// relayed without a per-frame permission check, and is excluded from
// per-message tracing hooks.
type AudioData struct {
	SourceID  uint32
	ChannelID uint32
	Sequence  uint16
	Data      []byte
}

func (*AudioData) TypeCode() uint16             { return TypeAudioData }
func (*AudioData) Reliable() bool               { return false }
func (*AudioData) AcceptedConnectionless() bool { return false }

func (m *AudioData) Encode(w *wire.Writer) error {
	w.Uint32(m.SourceID)
	w.Uint32(m.ChannelID)
	w.Uint16(m.Sequence)
	return w.Bytes16(m.Data)
}

func (m *AudioData) Decode(r *wire.Reader) error {
	var err error
	if m.SourceID, err = r.Uint32(); err != nil {
		return err
	}
	if m.ChannelID, err = r.Uint32(); err != nil {
		return err
	}
	if m.Sequence, err = r.Uint16(); err != nil {
		return err
	}
	b, err := r.Bytes16()
	if err != nil {
		return err
	}
	// In slice mode Bytes16 aliases the datagram receive buffer, and the
	// frame is queued past the read loop. Copy before the buffer is reused.
	m.Data = make([]byte, len(b))
	copy(m.Data, b)
	return nil
}
