package msg

import "github.com/lcx/vox/wire"

// LoginOutcome is the typed result of a login attempt.
type LoginOutcome uint8

const (
	LoginSucceeded LoginOutcome = iota
	LoginFailedNickname
	LoginFailedCredentials
	LoginFailedNicknameInUse
	LoginFailedPermission
)

// String returns a short description suitable for logging.
func (o LoginOutcome) String() string {
	switch o {
	case LoginSucceeded:
		return "succeeded"
	case LoginFailedNickname:
		return "nickname missing"
	case LoginFailedCredentials:
		return "bad credentials"
	case LoginFailedNicknameInUse:
		return "nickname in use"
	case LoginFailedPermission:
		return "permission denied"
	}
	return "unknown"
}

// Login asks the server to establish a user session on this connection.
// Username and Password are empty for guest logins.
type Login struct {
	Nickname string
	Username string
	Password string
}

func (*Login) TypeCode() uint16             { return TypeLogin }
func (*Login) Reliable() bool               { return true }
func (*Login) AcceptedConnectionless() bool { return false }

func (m *Login) Encode(w *wire.Writer) error {
	if err := w.String(m.Nickname); err != nil {
		return err
	}
	if err := w.String(m.Username); err != nil {
		return err
	}
	return w.String(m.Password)
}

func (m *Login) Decode(r *wire.Reader) error {
	var err error
	if m.Nickname, err = r.String(); err != nil {
		return err
	}
	if m.Username, err = r.String(); err != nil {
		return err
	}
	m.Password, err = r.String()
	return err
}

// LoginResult reports the outcome of a Login to the requester. UserID is
// only meaningful on success.
type LoginResult struct {
	Outcome LoginOutcome
	UserID  uint32
}

func (*LoginResult) TypeCode() uint16             { return TypeLoginResult }
func (*LoginResult) Reliable() bool               { return true }
func (*LoginResult) AcceptedConnectionless() bool { return false }

func (m *LoginResult) Encode(w *wire.Writer) error {
	w.Uint8(uint8(m.Outcome))
	w.Uint32(m.UserID)
	return nil
}

func (m *LoginResult) Decode(r *wire.Reader) error {
	o, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Outcome = LoginOutcome(o)
	m.UserID, err = r.Uint32()
	return err
}

// UserEntry is the wire representation of one logged-in user.
type UserEntry struct {
	UserID    uint32
	Nickname  string
	ChannelID uint32
	Muted     bool
}

func (u *UserEntry) encode(w *wire.Writer) error {
	w.Uint32(u.UserID)
	if err := w.String(u.Nickname); err != nil {
		return err
	}
	w.Uint32(u.ChannelID)
	w.Bool(u.Muted)
	return nil
}

func (u *UserEntry) decode(r *wire.Reader) error {
	var err error
	if u.UserID, err = r.Uint32(); err != nil {
		return err
	}
	if u.Nickname, err = r.String(); err != nil {
		return err
	}
	if u.ChannelID, err = r.Uint32(); err != nil {
		return err
	}
	u.Muted, err = r.Bool()
	return err
}

// UserList carries every logged-in user, sent to a client right after a
// successful login.
type UserList struct {
	Users []UserEntry
}

func (*UserList) TypeCode() uint16             { return TypeUserList }
func (*UserList) Reliable() bool               { return true }
func (*UserList) AcceptedConnectionless() bool { return false }

func (m *UserList) Encode(w *wire.Writer) error {
	if len(m.Users) > wire.MaxFieldLen {
		return wire.ErrFieldTooLong
	}
	w.Uint16(uint16(len(m.Users)))
	for i := range m.Users {
		if err := m.Users[i].encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *UserList) Decode(r *wire.Reader) error {
	n, err := r.Uint16()
	if err != nil {
		return err
	}
	m.Users = make([]UserEntry, n)
	for i := range m.Users {
		if err := m.Users[i].decode(r); err != nil {
			return err
		}
	}
	return nil
}

// UserLoggedIn notifies existing clients that a new user session exists.
type UserLoggedIn struct {
	User UserEntry
}

func (*UserLoggedIn) TypeCode() uint16             { return TypeUserLoggedIn }
func (*UserLoggedIn) Reliable() bool               { return true }
func (*UserLoggedIn) AcceptedConnectionless() bool { return false }

func (m *UserLoggedIn) Encode(w *wire.Writer) error {
	return m.User.encode(w)
}

func (m *UserLoggedIn) Decode(r *wire.Reader) error {
	return m.User.decode(r)
}

// UserDisconnected notifies clients that a user session ended. Reason is
// empty when unknown.
type UserDisconnected struct {
	UserID uint32
	Reason string
}

func (*UserDisconnected) TypeCode() uint16             { return TypeUserDisconnected }
func (*UserDisconnected) Reliable() bool               { return true }
func (*UserDisconnected) AcceptedConnectionless() bool { return false }

func (m *UserDisconnected) Encode(w *wire.Writer) error {
	w.Uint32(m.UserID)
	return w.String(m.Reason)
}

func (m *UserDisconnected) Decode(r *wire.Reader) error {
	var err error
	if m.UserID, err = r.Uint32(); err != nil {
		return err
	}
	m.Reason, err = r.String()
	return err
}

// Ping is the client's periodic unreliable keep-alive. It carries no payload;
// its only job is refreshing NAT and firewall mappings.
type Ping struct{}

func (*Ping) TypeCode() uint16             { return TypePing }
func (*Ping) Reliable() bool               { return false }
func (*Ping) AcceptedConnectionless() bool { return false }
func (*Ping) Encode(*wire.Writer) error    { return nil }
func (*Ping) Decode(*wire.Reader) error    { return nil }
