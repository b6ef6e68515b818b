package session

import (
	"context"
	"math"
	"sync"

	"github.com/lcx/vox/msg"
	"github.com/lcx/vox/provider"
)

// User is one logged-in session. Mutations happen only on the dispatcher
// goroutine; the registry lock guards concurrent reads from elsewhere.
type User struct {
	Conn      Conn
	UserID    uint32
	Nickname  string
	ChannelID uint32
	Muted     bool
}

func (u *User) entry() msg.UserEntry {
	return msg.UserEntry{
		UserID:    u.UserID,
		Nickname:  u.Nickname,
		ChannelID: u.ChannelID,
		Muted:     u.Muted,
	}
}

// UserRegistry indexes live sessions by network id, user id and nickname.
// A user id is logged in on at most one connection at a time.
type UserRegistry struct {
	lock       sync.RWMutex
	byConn     map[uint32]*User
	byUserID   map[uint32]*User
	byNickname map[string]*User
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{
		byConn:     make(map[uint32]*User),
		byUserID:   make(map[uint32]*User),
		byNickname: make(map[string]*User),
	}
}

// Add stores a session. It fails when the user id or nickname is already
// connected, preserving login exclusivity.
func (r *UserRegistry) Add(u *User) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.byUserID[u.UserID]; ok {
		return false
	}
	if _, ok := r.byNickname[u.Nickname]; ok {
		return false
	}
	r.byConn[u.Conn.NetworkID()] = u
	r.byUserID[u.UserID] = u
	r.byNickname[u.Nickname] = u
	return true
}

// Remove drops a session by network id, returning it for disconnect
// bookkeeping. Removing an unknown id returns nil.
func (r *UserRegistry) Remove(networkID uint32) *User {
	r.lock.Lock()
	defer r.lock.Unlock()
	u, ok := r.byConn[networkID]
	if !ok {
		return nil
	}
	delete(r.byConn, networkID)
	delete(r.byUserID, u.UserID)
	delete(r.byNickname, u.Nickname)
	return u
}

func (r *UserRegistry) ByConn(networkID uint32) *User {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.byConn[networkID]
}

func (r *UserRegistry) ByUserID(userID uint32) *User {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.byUserID[userID]
}

func (r *UserRegistry) ByNickname(nickname string) *User {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.byNickname[nickname]
}

func (r *UserRegistry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byConn)
}

// Move reassigns a user to another channel.
func (r *UserRegistry) Move(userID, channelID uint32) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	u, ok := r.byUserID[userID]
	if !ok {
		return false
	}
	u.ChannelID = channelID
	return true
}

// Entries snapshots every session as wire entries for a UserList.
func (r *UserRegistry) Entries() []msg.UserEntry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entries := make([]msg.UserEntry, 0, len(r.byConn))
	for _, u := range r.byConn {
		entries = append(entries, u.entry())
	}
	return entries
}

// ForEach visits every session under the read lock. The callback must not
// mutate the registry.
func (r *UserRegistry) ForEach(fn func(u *User)) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, u := range r.byConn {
		fn(u)
	}
}

// InChannel returns the user ids currently occupying a channel.
func (r *UserRegistry) InChannel(channelID uint32) []uint32 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var ids []uint32
	for _, u := range r.byConn {
		if u.ChannelID == channelID {
			ids = append(ids, u.UserID)
		}
	}
	return ids
}

// ChannelRegistry caches the provider's channel list. Reload replaces the
// snapshot wholesale; lookups never touch the provider.
type ChannelRegistry struct {
	lock      sync.RWMutex
	provider  provider.ChannelProvider
	channels  map[uint32]msg.ChannelInfo
	defaultID uint32
}

func NewChannelRegistry(p provider.ChannelProvider) *ChannelRegistry {
	return &ChannelRegistry{
		provider: p,
		channels: make(map[uint32]msg.ChannelInfo),
	}
}

// Reload refreshes the cached snapshot from the provider.
func (r *ChannelRegistry) Reload(ctx context.Context) error {
	channels, err := r.provider.Channels(ctx)
	if err != nil {
		return err
	}
	def, err := r.provider.DefaultChannel(ctx)
	if err != nil {
		return err
	}
	next := make(map[uint32]msg.ChannelInfo, len(channels))
	for _, ch := range channels {
		next[ch.ID] = ch
	}
	r.lock.Lock()
	r.channels = next
	r.defaultID = def.ID
	r.lock.Unlock()
	return nil
}

func (r *ChannelRegistry) Get(id uint32) (msg.ChannelInfo, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

func (r *ChannelRegistry) Exists(id uint32) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.channels[id]
	return ok
}

func (r *ChannelRegistry) DefaultID() uint32 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.defaultID
}

// List snapshots the cached channels for a ChannelList frame.
func (r *ChannelRegistry) List() []msg.ChannelInfo {
	r.lock.RLock()
	defer r.lock.RUnlock()
	channels := make([]msg.ChannelInfo, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	return channels
}

// PermissionCache memoizes provider permission lookups per user id. The
// provider's change callback invalidates single entries.
type PermissionCache struct {
	lock     sync.RWMutex
	provider provider.PermissionProvider
	perms    map[uint32][]provider.Permission
}

func NewPermissionCache(p provider.PermissionProvider) *PermissionCache {
	c := &PermissionCache{
		provider: p,
		perms:    make(map[uint32][]provider.Permission),
	}
	p.OnPermissionChanged(c.Invalidate)
	return c
}

func (c *PermissionCache) get(ctx context.Context, userID uint32) ([]provider.Permission, error) {
	c.lock.RLock()
	perms, ok := c.perms[userID]
	c.lock.RUnlock()
	if ok {
		return perms, nil
	}
	perms, err := c.provider.Permissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	c.perms[userID] = perms
	c.lock.Unlock()
	return perms, nil
}

// Check resolves a named permission for a user in a channel. Guest grants
// apply to every user, so an authenticated user holds at least what an
// unauthenticated connection does.
func (c *PermissionCache) Check(ctx context.Context, userID uint32, name string, channelID uint32) (bool, error) {
	perms, err := c.get(ctx, userID)
	if err != nil {
		return false, err
	}
	if userID != provider.GuestUserID {
		guest, err := c.get(ctx, provider.GuestUserID)
		if err != nil {
			return false, err
		}
		merged := make([]provider.Permission, 0, len(perms)+len(guest))
		merged = append(merged, perms...)
		merged = append(merged, guest...)
		perms = merged
	}
	return provider.Resolve(perms, name, channelID), nil
}

func (c *PermissionCache) Invalidate(userID uint32) {
	c.lock.Lock()
	delete(c.perms, userID)
	c.lock.Unlock()
}

// SourceRegistry tracks live audio sources. Ids are allocated monotonically
// and never reused within a process lifetime.
type SourceRegistry struct {
	lock    sync.RWMutex
	nextID  uint32
	sources map[uint32]msg.SourceInfo
}

func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{sources: make(map[uint32]msg.SourceInfo)}
}

// Allocate stores a source under the next free id and returns it. It fails
// only when the id space is exhausted.
func (r *SourceRegistry) Allocate(src msg.SourceInfo) (msg.SourceInfo, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.nextID == math.MaxUint32 {
		return msg.SourceInfo{}, false
	}
	r.nextID++
	src.ID = r.nextID
	r.sources[src.ID] = src
	return src, true
}

func (r *SourceRegistry) Get(id uint32) (msg.SourceInfo, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	src, ok := r.sources[id]
	return src, ok
}

// ReleaseOwned removes every source owned by a user and returns them so the
// caller can broadcast removals.
func (r *SourceRegistry) ReleaseOwned(ownerID uint32) []msg.SourceInfo {
	r.lock.Lock()
	defer r.lock.Unlock()
	var released []msg.SourceInfo
	for id, src := range r.sources {
		if src.OwnerID == ownerID {
			released = append(released, src)
			delete(r.sources, id)
		}
	}
	return released
}

// List snapshots live sources for a SourceList frame.
func (r *SourceRegistry) List() []msg.SourceInfo {
	r.lock.RLock()
	defer r.lock.RUnlock()
	sources := make([]msg.SourceInfo, 0, len(r.sources))
	for _, src := range r.sources {
		sources = append(sources, src)
	}
	return sources
}
