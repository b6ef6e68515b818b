package provider

import (
	"context"
	"sync"

	"github.com/lcx/vox/msg"
)

// GuestCfg configures the in-memory guest backend.
type GuestCfg struct {
	// ServerPassword, when non-empty, must match the login password.
	ServerPassword string `mapstructure:"serverPassword"`

	// DefaultChannelName names the lazily created default channel.
	DefaultChannelName string `mapstructure:"defaultChannelName"`

	// Grants lists permission names granted globally to every guest.
	Grants []string `mapstructure:"grants"`
}

func defaultGuestCfg() *GuestCfg {
	return &GuestCfg{
		DefaultChannelName: "Lobby",
		Grants:             []string{PermLogin, PermChangeChannel, PermRequestSource},
	}
}

// GuestBackend keeps everything in memory. Any nickname may log in, fresh
// user ids are handed out per login, and channels live only as long as the
// process. It is the backend of choice for tests and standalone servers.
type GuestBackend struct {
	users    *guestUsers
	channels *guestChannels
	perms    *guestPermissions
}

// NewGuestBackend creates a guest backend. A nil cfg uses defaults.
func NewGuestBackend(cfg *GuestCfg) *GuestBackend {
	if cfg == nil {
		cfg = defaultGuestCfg()
	}
	if cfg.DefaultChannelName == "" {
		cfg.DefaultChannelName = "Lobby"
	}
	return &GuestBackend{
		users:    &guestUsers{password: cfg.ServerPassword},
		channels: &guestChannels{defaultName: cfg.DefaultChannelName},
		perms:    &guestPermissions{grants: cfg.Grants},
	}
}

func (b *GuestBackend) FactoryName() string { return "guest" }

func (b *GuestBackend) Users() UserProvider { return b.users }

func (b *GuestBackend) Channels() ChannelProvider { return b.channels }

func (b *GuestBackend) Permissions() PermissionProvider { return b.perms }

func (b *GuestBackend) Close(context.Context) error { return nil }

type guestUsers struct {
	password string
	nextID   uint32
	mu       sync.Mutex
}

func (u *guestUsers) Exists(context.Context, string) (bool, error) {
	// Guests are never pre-registered.
	return false, nil
}

func (u *guestUsers) Login(_ context.Context, _ string, password string) (uint32, msg.LoginOutcome, error) {
	if u.password != "" && password != u.password {
		return 0, msg.LoginFailedCredentials, nil
	}
	u.mu.Lock()
	u.nextID++
	id := u.nextID
	u.mu.Unlock()
	return id, msg.LoginSucceeded, nil
}

type guestChannels struct {
	defaultName string

	mu       sync.Mutex
	channels map[uint32]msg.ChannelInfo
	nextID   uint32
}

// ensureDefaultLocked creates the default channel on first access.
func (c *guestChannels) ensureDefaultLocked() {
	if c.channels == nil {
		c.channels = make(map[uint32]msg.ChannelInfo)
	}
	if len(c.channels) == 0 {
		c.nextID++
		c.channels[c.nextID] = msg.ChannelInfo{
			ID:        c.nextID,
			Name:      c.defaultName,
			IsDefault: true,
		}
	}
}

func (c *guestChannels) Channels(context.Context) ([]msg.ChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDefaultLocked()
	out := make([]msg.ChannelInfo, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (c *guestChannels) DefaultChannel(context.Context) (msg.ChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDefaultLocked()
	for _, ch := range c.channels {
		if ch.IsDefault {
			return ch, nil
		}
	}
	// Unreachable: ensureDefaultLocked guarantees one default.
	return msg.ChannelInfo{}, ErrUnknownChannel
}

func (c *guestChannels) SupportsUpdates() bool { return true }

func (c *guestChannels) Save(_ context.Context, ch msg.ChannelInfo) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDefaultLocked()
	if ch.ID == 0 {
		c.nextID++
		ch.ID = c.nextID
	} else if _, ok := c.channels[ch.ID]; !ok {
		return 0, ErrUnknownChannel
	}
	c.channels[ch.ID] = ch
	return ch.ID, nil
}

func (c *guestChannels) Delete(_ context.Context, channelID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDefaultLocked()
	ch, ok := c.channels[channelID]
	if !ok {
		return ErrUnknownChannel
	}
	if ch.IsDefault {
		return ErrNotSupported
	}
	delete(c.channels, channelID)
	return nil
}

func (c *guestChannels) OnExternalUpdate(func()) {}

type guestPermissions struct {
	grants []string
}

func (p *guestPermissions) Permissions(context.Context, uint32) ([]Permission, error) {
	out := make([]Permission, 0, len(p.grants))
	for _, name := range p.grants {
		out = append(out, Permission{Name: name, IsAllowed: true})
	}
	return out, nil
}

func (p *guestPermissions) OnPermissionChanged(func(uint32)) {}
