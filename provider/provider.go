// Package provider defines the pluggable backends the session core consumes
// for users, channels and permissions. Implementations are registered as
// plugin factories under the "provider" type; the session layer only sees
// these interfaces.
package provider

import (
	"context"
	"errors"

	"github.com/lcx/vox/msg"
)

// Permission names checked by the command handlers.
const (
	PermLogin                = "Login"
	PermChangeChannel        = "ChangeChannel"
	PermChangePlayersChannel = "ChangePlayersChannel"
	PermAddChannel           = "AddChannel"
	PermEditChannel          = "EditChannel"
	PermDeleteChannel        = "DeleteChannel"
	PermRequestSource        = "RequestSource"
)

// GuestUserID is the user id carrying permissions for unauthenticated
// connections.
const GuestUserID uint32 = 0

// Permission grants or denies a named action, globally (ChannelID 0) or for
// one channel.
type Permission struct {
	Name      string
	ChannelID uint32
	IsAllowed bool
}

// ErrNotSupported is returned by providers for operations their backing
// store cannot perform, such as saving channels to a read-only store.
var ErrNotSupported = errors.New("provider: operation not supported")

// ErrUnknownChannel is returned by channel providers for ids the store does
// not hold.
var ErrUnknownChannel = errors.New("provider: unknown channel")

// UserProvider authenticates users.
type UserProvider interface {
	// Exists reports whether the username is known to the backing store.
	Exists(ctx context.Context, username string) (bool, error)

	// Login checks credentials and returns the user id on success. The
	// outcome is always meaningful; err is reserved for backend failures.
	Login(ctx context.Context, username, password string) (uint32, msg.LoginOutcome, error)
}

// ChannelProvider supplies and, when supported, persists channels.
type ChannelProvider interface {
	// Channels returns every channel. The default channel is created lazily
	// if the store is empty, so the result is never empty on success.
	Channels(ctx context.Context) ([]msg.ChannelInfo, error)

	// DefaultChannel returns the channel new users land in.
	DefaultChannel(ctx context.Context) (msg.ChannelInfo, error)

	// SupportsUpdates reports whether Save and Delete are usable.
	SupportsUpdates() bool

	// Save creates (ID 0) or updates a channel, returning the stored id.
	Save(ctx context.Context, ch msg.ChannelInfo) (uint32, error)

	// Delete removes a channel by id.
	Delete(ctx context.Context, channelID uint32) error

	// OnExternalUpdate registers a callback fired when the backing store
	// changes outside this process. May be a no-op for in-memory stores.
	OnExternalUpdate(fn func())
}

// PermissionProvider supplies per-user permission sets.
type PermissionProvider interface {
	// Permissions returns all grants for the user. GuestUserID carries the
	// grants of unauthenticated connections.
	Permissions(ctx context.Context, userID uint32) ([]Permission, error)

	// OnPermissionChanged registers a callback fired when a user's grants
	// change, so cached permissions can be invalidated.
	OnPermissionChanged(fn func(userID uint32))
}

// Backend bundles the three providers one plugin instance supplies.
type Backend interface {
	FactoryName() string
	Users() UserProvider
	Channels() ChannelProvider
	Permissions() PermissionProvider
	Close(ctx context.Context) error
}

// Resolve decides whether a permission set allows an action in a channel.
// A channel-scoped grant beats a global one; an explicit deny beats an
// allow at the same scope; no matching grant denies.
func Resolve(perms []Permission, name string, channelID uint32) bool {
	var globalAllow, globalDeny, chanAllow, chanDeny bool
	for _, p := range perms {
		if p.Name != name {
			continue
		}
		switch p.ChannelID {
		case 0:
			if p.IsAllowed {
				globalAllow = true
			} else {
				globalDeny = true
			}
		case channelID:
			if p.IsAllowed {
				chanAllow = true
			} else {
				chanDeny = true
			}
		}
	}
	if chanDeny {
		return false
	}
	if chanAllow {
		return true
	}
	if globalDeny {
		return false
	}
	return globalAllow
}
