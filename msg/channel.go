package msg

import "github.com/lcx/vox/wire"

// ChannelInfo is the wire representation of a channel. ParentID 0 means the
// channel sits at the root; a read-only channel rejects edits and deletes
// unconditionally.
type ChannelInfo struct {
	ID          uint32
	Name        string
	Description string
	ParentID    uint32
	ReadOnly    bool
	UserLimit   uint16
	IsDefault   bool
}

func (c *ChannelInfo) encode(w *wire.Writer) error {
	w.Uint32(c.ID)
	if err := w.String(c.Name); err != nil {
		return err
	}
	if err := w.String(c.Description); err != nil {
		return err
	}
	w.Uint32(c.ParentID)
	w.Bool(c.ReadOnly)
	w.Uint16(c.UserLimit)
	w.Bool(c.IsDefault)
	return nil
}

func (c *ChannelInfo) decode(r *wire.Reader) error {
	var err error
	if c.ID, err = r.Uint32(); err != nil {
		return err
	}
	if c.Name, err = r.String(); err != nil {
		return err
	}
	if c.Description, err = r.String(); err != nil {
		return err
	}
	if c.ParentID, err = r.Uint32(); err != nil {
		return err
	}
	if c.ReadOnly, err = r.Bool(); err != nil {
		return err
	}
	if c.UserLimit, err = r.Uint16(); err != nil {
		return err
	}
	c.IsDefault, err = r.Bool()
	return err
}

// ChannelList carries the full channel tree. The server sends it after login
// and rebroadcasts it whenever an edit succeeds.
type ChannelList struct {
	Channels []ChannelInfo
}

func (*ChannelList) TypeCode() uint16             { return TypeChannelList }
func (*ChannelList) Reliable() bool               { return true }
func (*ChannelList) AcceptedConnectionless() bool { return false }

func (m *ChannelList) Encode(w *wire.Writer) error {
	if len(m.Channels) > wire.MaxFieldLen {
		return wire.ErrFieldTooLong
	}
	w.Uint16(uint16(len(m.Channels)))
	for i := range m.Channels {
		if err := m.Channels[i].encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *ChannelList) Decode(r *wire.Reader) error {
	n, err := r.Uint16()
	if err != nil {
		return err
	}
	m.Channels = make([]ChannelInfo, n)
	for i := range m.Channels {
		if err := m.Channels[i].decode(r); err != nil {
			return err
		}
	}
	return nil
}

// ChannelChangeReason is the typed failure reason for a rejected move.
type ChannelChangeReason uint8

const (
	ChannelChangeAccepted ChannelChangeReason = iota
	ChannelChangeUnknownChannel
	ChannelChangePermissionDenied
	ChannelChangeUnknown
)

// ChangeChannel requests moving a user into another channel. UserID 0 moves
// the requester; any other value moves that user and demands the elevated
// permission.
type ChangeChannel struct {
	UserID    uint32
	ChannelID uint32
}

func (*ChangeChannel) TypeCode() uint16             { return TypeChangeChannel }
func (*ChangeChannel) Reliable() bool               { return true }
func (*ChangeChannel) AcceptedConnectionless() bool { return false }

func (m *ChangeChannel) Encode(w *wire.Writer) error {
	w.Uint32(m.UserID)
	w.Uint32(m.ChannelID)
	return nil
}

func (m *ChangeChannel) Decode(r *wire.Reader) error {
	var err error
	if m.UserID, err = r.Uint32(); err != nil {
		return err
	}
	m.ChannelID, err = r.Uint32()
	return err
}

// ChannelChanged either reports a rejected move back to the requester
// (Reason != ChannelChangeAccepted) or broadcasts an accepted one.
type ChannelChanged struct {
	Reason    ChannelChangeReason
	UserID    uint32
	ChannelID uint32
}

func (*ChannelChanged) TypeCode() uint16             { return TypeChannelChanged }
func (*ChannelChanged) Reliable() bool               { return true }
func (*ChannelChanged) AcceptedConnectionless() bool { return false }

func (m *ChannelChanged) Encode(w *wire.Writer) error {
	w.Uint8(uint8(m.Reason))
	w.Uint32(m.UserID)
	w.Uint32(m.ChannelID)
	return nil
}

func (m *ChannelChanged) Decode(r *wire.Reader) error {
	reason, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Reason = ChannelChangeReason(reason)
	if m.UserID, err = r.Uint32(); err != nil {
		return err
	}
	m.ChannelID, err = r.Uint32()
	return err
}

// ChannelEditAction selects what an EditChannel request does.
type ChannelEditAction uint8

const (
	ChannelAdd ChannelEditAction = iota
	ChannelUpdate
	ChannelDelete
)

// ChannelEditOutcome is the typed result of an EditChannel request.
type ChannelEditOutcome uint8

const (
	ChannelEditSucceeded ChannelEditOutcome = iota
	ChannelEditUnknownChannel
	ChannelEditPermissionDenied
	ChannelEditReadOnly
	ChannelEditUnsupported
	ChannelEditFailed
)

// EditChannel requests adding, updating or deleting a channel.
type EditChannel struct {
	Action  ChannelEditAction
	Channel ChannelInfo
}

func (*EditChannel) TypeCode() uint16             { return TypeEditChannel }
func (*EditChannel) Reliable() bool               { return true }
func (*EditChannel) AcceptedConnectionless() bool { return false }

func (m *EditChannel) Encode(w *wire.Writer) error {
	w.Uint8(uint8(m.Action))
	return m.Channel.encode(w)
}

func (m *EditChannel) Decode(r *wire.Reader) error {
	action, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Action = ChannelEditAction(action)
	return m.Channel.decode(r)
}

// ChannelEditResult reports an EditChannel outcome to the requester only;
// successful edits additionally trigger a ChannelList rebroadcast.
type ChannelEditResult struct {
	Action    ChannelEditAction
	Outcome   ChannelEditOutcome
	ChannelID uint32
}

func (*ChannelEditResult) TypeCode() uint16             { return TypeChannelEditResult }
func (*ChannelEditResult) Reliable() bool               { return true }
func (*ChannelEditResult) AcceptedConnectionless() bool { return false }

func (m *ChannelEditResult) Encode(w *wire.Writer) error {
	w.Uint8(uint8(m.Action))
	w.Uint8(uint8(m.Outcome))
	w.Uint32(m.ChannelID)
	return nil
}

func (m *ChannelEditResult) Decode(r *wire.Reader) error {
	action, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Action = ChannelEditAction(action)
	outcome, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Outcome = ChannelEditOutcome(outcome)
	m.ChannelID, err = r.Uint32()
	return err
}
