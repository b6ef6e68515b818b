package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/vox/msg"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		perms     []Permission
		perm      string
		channelID uint32
		want      bool
	}{
		{
			name: "global allow",
			perms: []Permission{
				{Name: PermLogin, IsAllowed: true},
			},
			perm: PermLogin,
			want: true,
		},
		{
			name: "no matching grant denies",
			perms: []Permission{
				{Name: PermLogin, IsAllowed: true},
			},
			perm: PermAddChannel,
			want: false,
		},
		{
			name: "global deny wins over global allow",
			perms: []Permission{
				{Name: PermChangeChannel, IsAllowed: true},
				{Name: PermChangeChannel, IsAllowed: false},
			},
			perm: PermChangeChannel,
			want: false,
		},
		{
			name: "channel allow overrides global deny",
			perms: []Permission{
				{Name: PermChangeChannel, IsAllowed: false},
				{Name: PermChangeChannel, ChannelID: 7, IsAllowed: true},
			},
			perm:      PermChangeChannel,
			channelID: 7,
			want:      true,
		},
		{
			name: "channel deny overrides global allow",
			perms: []Permission{
				{Name: PermChangeChannel, IsAllowed: true},
				{Name: PermChangeChannel, ChannelID: 7, IsAllowed: false},
			},
			perm:      PermChangeChannel,
			channelID: 7,
			want:      false,
		},
		{
			name: "other channel grant does not apply",
			perms: []Permission{
				{Name: PermChangeChannel, ChannelID: 3, IsAllowed: true},
			},
			perm:      PermChangeChannel,
			channelID: 7,
			want:      false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.perms, tt.perm, tt.channelID))
		})
	}
}

func TestGuestLogin(t *testing.T) {
	b := NewGuestBackend(nil)
	ctx := context.Background()

	id1, outcome, err := b.Users().Login(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, msg.LoginSucceeded, outcome)

	id2, outcome, err := b.Users().Login(ctx, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, msg.LoginSucceeded, outcome)
	assert.NotEqual(t, id1, id2)

	exists, err := b.Users().Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGuestServerPassword(t *testing.T) {
	b := NewGuestBackend(&GuestCfg{ServerPassword: "hunter2", DefaultChannelName: "Lobby"})
	ctx := context.Background()

	_, outcome, err := b.Users().Login(ctx, "alice", "wrong")
	require.NoError(t, err)
	assert.Equal(t, msg.LoginFailedCredentials, outcome)

	_, outcome, err = b.Users().Login(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, msg.LoginSucceeded, outcome)
}

func TestGuestDefaultChannelCreatedLazily(t *testing.T) {
	b := NewGuestBackend(nil)
	ctx := context.Background()

	def, err := b.Channels().DefaultChannel(ctx)
	require.NoError(t, err)
	assert.True(t, def.IsDefault)
	assert.Equal(t, "Lobby", def.Name)

	all, err := b.Channels().Channels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, def.ID, all[0].ID)
}

func TestGuestChannelSaveAndDelete(t *testing.T) {
	b := NewGuestBackend(nil)
	ctx := context.Background()
	ch := b.Channels()

	require.True(t, ch.SupportsUpdates())

	id, err := ch.Save(ctx, msg.ChannelInfo{Name: "Ops"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	// Update in place keeps the id.
	id2, err := ch.Save(ctx, msg.ChannelInfo{ID: id, Name: "Ops", Description: "war room"})
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	_, err = ch.Save(ctx, msg.ChannelInfo{ID: 999, Name: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	require.NoError(t, ch.Delete(ctx, id))
	assert.ErrorIs(t, ch.Delete(ctx, id), ErrUnknownChannel)

	def, err := ch.DefaultChannel(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Delete(ctx, def.ID), ErrNotSupported)
}

func TestGuestPermissions(t *testing.T) {
	b := NewGuestBackend(nil)
	ctx := context.Background()

	perms, err := b.Permissions().Permissions(ctx, GuestUserID)
	require.NoError(t, err)

	assert.True(t, Resolve(perms, PermLogin, 0))
	assert.True(t, Resolve(perms, PermChangeChannel, 0))
	assert.True(t, Resolve(perms, PermRequestSource, 0))
	assert.False(t, Resolve(perms, PermDeleteChannel, 0))
}
