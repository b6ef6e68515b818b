package session

import (
	"context"
	stdnet "net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/vox/msg"
	"github.com/lcx/vox/net"
	"github.com/lcx/vox/provider"
)

// clientRecv collects everything a test client hears from the server.
type clientRecv struct {
	made chan *net.Connection
	lost chan *net.Connection
	msgs chan msg.Message
}

func newClientRecv() *clientRecv {
	return &clientRecv{
		made: make(chan *net.Connection, 4),
		lost: make(chan *net.Connection, 4),
		msgs: make(chan msg.Message, 128),
	}
}

func (r *clientRecv) OnConnectionMade(c *net.Connection) { r.made <- c }
func (r *clientRecv) OnConnectionLost(c *net.Connection) { r.lost <- c }

func (r *clientRecv) OnMessage(_ *net.Connection, m msg.Message) { r.msgs <- m }

func (r *clientRecv) OnConnectionless(stdnet.Addr, msg.Message, func(msg.Message)) {}

func allGrants() []string {
	return []string{
		provider.PermLogin,
		provider.PermChangeChannel,
		provider.PermChangePlayersChannel,
		provider.PermAddChannel,
		provider.PermEditChannel,
		provider.PermDeleteChannel,
		provider.PermRequestSource,
	}
}

func startVoiceServer(t *testing.T, guestCfg *provider.GuestCfg, maxUsers int) *Server {
	t.Helper()
	transport, err := net.NewServer(&net.ServerCfg{
		Addr:            "127.0.0.1:0",
		UDPAddr:         "127.0.0.1:0",
		SendQueueSize:   64,
		AudioQueueSize:  64,
		MaxDatagramSize: 64 * 1024,
		QueryRateLimit:  100,
		QueryQueueSize:  16,
	}, msg.DefaultRegistry())
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(&DispatcherCfg{QueueSize: 256, RecvRateLimit: 1000, TokenBurst: 256})
	require.NoError(t, err)

	srv, err := NewServer(&Cfg{ServerName: "vox-test", MaxUsers: maxUsers, MaxNicknameLen: 32},
		transport, dispatcher, provider.NewGuestBackend(guestCfg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := srv.Run(ctx); err != nil {
			t.Errorf("server run failed: %v", err)
		}
	}()
	require.Eventually(t, func() bool { return transport.Addr() != nil }, 3*time.Second, 10*time.Millisecond)
	return srv
}

func dialVoiceClient(t *testing.T, srv *Server) (*net.Client, *clientRecv) {
	t.Helper()
	cli, err := net.NewClient(&net.ClientCfg{
		ServerAddr:      srv.Transport().Addr().String(),
		ServerUDPAddr:   srv.Transport().UDPAddr().String(),
		SendQueueSize:   64,
		AudioQueueSize:  64,
		MaxDatagramSize: 64 * 1024,
		PingInterval:    1,
		PunchInterval:   1,
	}, msg.DefaultRegistry())
	require.NoError(t, err)
	recv := newClientRecv()
	require.NoError(t, cli.Connect(recv))
	t.Cleanup(cli.Close)
	return cli, recv
}

// nextMsg returns the next message in arrival order.
func nextMsg(t *testing.T, recv *clientRecv) msg.Message {
	t.Helper()
	select {
	case m := <-recv.msgs:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// waitType skips unrelated traffic until a message with the wanted type
// code arrives.
func waitType(t *testing.T, recv *clientRecv, code uint16) msg.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-recv.msgs:
			if m.TypeCode() == code {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message type %d", code)
			return nil
		}
	}
}

// login performs a full login handshake and returns the assigned user id.
func login(t *testing.T, cli *net.Client, recv *clientRecv, nickname string) uint32 {
	t.Helper()
	require.NoError(t, cli.Connection().Send(&msg.Login{Nickname: nickname}))

	result := nextMsg(t, recv).(*msg.LoginResult)
	require.Equal(t, msg.LoginSucceeded, result.Outcome)
	require.IsType(t, &msg.ChannelList{}, nextMsg(t, recv))
	require.IsType(t, &msg.UserList{}, nextMsg(t, recv))
	require.IsType(t, &msg.SourceList{}, nextMsg(t, recv))
	return result.UserID
}

func TestLoginFlow(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli, recv := dialVoiceClient(t, srv)

	require.NoError(t, cli.Connection().Send(&msg.Login{Nickname: "alice"}))

	result := nextMsg(t, recv).(*msg.LoginResult)
	assert.Equal(t, msg.LoginSucceeded, result.Outcome)
	assert.Equal(t, uint32(1), result.UserID)

	channels := nextMsg(t, recv).(*msg.ChannelList)
	require.Len(t, channels.Channels, 1)
	assert.Equal(t, "Lobby", channels.Channels[0].Name)
	assert.True(t, channels.Channels[0].IsDefault)

	users := nextMsg(t, recv).(*msg.UserList)
	require.Len(t, users.Users, 1)
	assert.Equal(t, "alice", users.Users[0].Nickname)
	assert.Equal(t, channels.Channels[0].ID, users.Users[0].ChannelID)

	sources := nextMsg(t, recv).(*msg.SourceList)
	assert.Empty(t, sources.Sources)

	assert.Equal(t, 1, srv.UserCount())
}

func TestLoginRejectsEmptyNickname(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli, recv := dialVoiceClient(t, srv)

	require.NoError(t, cli.Connection().Send(&msg.Login{Nickname: "   "}))
	result := nextMsg(t, recv).(*msg.LoginResult)
	assert.Equal(t, msg.LoginFailedNickname, result.Outcome)
	assert.Equal(t, 0, srv.UserCount())
}

func TestLoginExclusivity(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli1, recv1 := dialVoiceClient(t, srv)
	cli2, recv2 := dialVoiceClient(t, srv)

	login(t, cli1, recv1, "alice")

	require.NoError(t, cli2.Connection().Send(&msg.Login{Nickname: "alice"}))
	result := nextMsg(t, recv2).(*msg.LoginResult)
	assert.Equal(t, msg.LoginFailedNicknameInUse, result.Outcome)
	assert.Equal(t, 1, srv.UserCount())
}

func TestLoginServerPassword(t *testing.T) {
	srv := startVoiceServer(t, &provider.GuestCfg{ServerPassword: "sekret", Grants: allGrants()}, 16)
	cli, recv := dialVoiceClient(t, srv)

	require.NoError(t, cli.Connection().Send(&msg.Login{Nickname: "alice", Password: "wrong"}))
	result := nextMsg(t, recv).(*msg.LoginResult)
	assert.Equal(t, msg.LoginFailedCredentials, result.Outcome)

	require.NoError(t, cli.Connection().Send(&msg.Login{Nickname: "alice", Password: "sekret"}))
	result = nextMsg(t, recv).(*msg.LoginResult)
	assert.Equal(t, msg.LoginSucceeded, result.Outcome)
}

func TestLoginCapacity(t *testing.T) {
	srv := startVoiceServer(t, nil, 1)
	cli1, recv1 := dialVoiceClient(t, srv)
	cli2, recv2 := dialVoiceClient(t, srv)

	login(t, cli1, recv1, "alice")

	require.NoError(t, cli2.Connection().Send(&msg.Login{Nickname: "bob"}))
	result := nextMsg(t, recv2).(*msg.LoginResult)
	assert.Equal(t, msg.LoginFailedPermission, result.Outcome)
}

func TestSecondLoginDisconnects(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli, recv := dialVoiceClient(t, srv)

	login(t, cli, recv, "alice")
	require.NoError(t, cli.Connection().Send(&msg.Login{Nickname: "alice2"}))

	select {
	case <-recv.lost:
	case <-time.After(3 * time.Second):
		t.Fatal("expected disconnect after duplicate login")
	}
	require.Eventually(t, func() bool { return srv.UserCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestUserLoggedInBroadcast(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli1, recv1 := dialVoiceClient(t, srv)
	cli2, recv2 := dialVoiceClient(t, srv)

	login(t, cli1, recv1, "alice")
	bobID := login(t, cli2, recv2, "bob")

	loggedIn := waitType(t, recv1, msg.TypeUserLoggedIn).(*msg.UserLoggedIn)
	assert.Equal(t, bobID, loggedIn.User.UserID)
	assert.Equal(t, "bob", loggedIn.User.Nickname)
}

func TestChangeChannelFlow(t *testing.T) {
	srv := startVoiceServer(t, &provider.GuestCfg{Grants: allGrants()}, 16)
	cli, recv := dialVoiceClient(t, srv)
	aliceID := login(t, cli, recv, "alice")

	require.NoError(t, cli.Connection().Send(&msg.EditChannel{
		Action:  msg.ChannelAdd,
		Channel: msg.ChannelInfo{Name: "Ops"},
	}))
	edit := waitType(t, recv, msg.TypeChannelEditResult).(*msg.ChannelEditResult)
	require.Equal(t, msg.ChannelEditSucceeded, edit.Outcome)
	waitType(t, recv, msg.TypeChannelList)

	require.NoError(t, cli.Connection().Send(&msg.ChangeChannel{ChannelID: edit.ChannelID}))
	changed := waitType(t, recv, msg.TypeChannelChanged).(*msg.ChannelChanged)
	assert.Equal(t, msg.ChannelChangeAccepted, changed.Reason)
	assert.Equal(t, aliceID, changed.UserID)
	assert.Equal(t, edit.ChannelID, changed.ChannelID)
}

func TestChangeChannelUnknownChannel(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli, recv := dialVoiceClient(t, srv)
	aliceID := login(t, cli, recv, "alice")

	require.NoError(t, cli.Connection().Send(&msg.ChangeChannel{ChannelID: 999}))
	changed := waitType(t, recv, msg.TypeChannelChanged).(*msg.ChannelChanged)
	assert.Equal(t, msg.ChannelChangeUnknownChannel, changed.Reason)
	assert.Equal(t, aliceID, changed.UserID)
}

func TestChangeChannelPermissionDenied(t *testing.T) {
	srv := startVoiceServer(t, &provider.GuestCfg{Grants: []string{provider.PermLogin}}, 16)
	cli, recv := dialVoiceClient(t, srv)
	login(t, cli, recv, "alice")

	defaultID := srv.channels.DefaultID()
	require.NoError(t, cli.Connection().Send(&msg.ChangeChannel{ChannelID: defaultID}))
	changed := waitType(t, recv, msg.TypeChannelChanged).(*msg.ChannelChanged)
	assert.Equal(t, msg.ChannelChangePermissionDenied, changed.Reason)
}

func TestEditChannelUnsupportedWithoutPermission(t *testing.T) {
	srv := startVoiceServer(t, &provider.GuestCfg{Grants: []string{provider.PermLogin}}, 16)
	cli, recv := dialVoiceClient(t, srv)
	login(t, cli, recv, "alice")

	require.NoError(t, cli.Connection().Send(&msg.EditChannel{
		Action:  msg.ChannelAdd,
		Channel: msg.ChannelInfo{Name: "Ops"},
	}))
	edit := waitType(t, recv, msg.TypeChannelEditResult).(*msg.ChannelEditResult)
	assert.Equal(t, msg.ChannelEditPermissionDenied, edit.Outcome)
}

func TestDeleteDefaultChannelRejected(t *testing.T) {
	srv := startVoiceServer(t, &provider.GuestCfg{Grants: allGrants()}, 16)
	cli, recv := dialVoiceClient(t, srv)
	login(t, cli, recv, "alice")

	require.NoError(t, cli.Connection().Send(&msg.EditChannel{
		Action:  msg.ChannelDelete,
		Channel: msg.ChannelInfo{ID: srv.channels.DefaultID()},
	}))
	edit := waitType(t, recv, msg.TypeChannelEditResult).(*msg.ChannelEditResult)
	assert.Equal(t, msg.ChannelEditUnsupported, edit.Outcome)
}

func TestDeleteChannelReassignsOccupants(t *testing.T) {
	srv := startVoiceServer(t, &provider.GuestCfg{Grants: allGrants()}, 16)
	cli1, recv1 := dialVoiceClient(t, srv)
	cli2, recv2 := dialVoiceClient(t, srv)
	aliceID := login(t, cli1, recv1, "alice")
	login(t, cli2, recv2, "bob")
	waitType(t, recv1, msg.TypeUserLoggedIn)

	require.NoError(t, cli1.Connection().Send(&msg.EditChannel{
		Action:  msg.ChannelAdd,
		Channel: msg.ChannelInfo{Name: "Doomed"},
	}))
	edit := waitType(t, recv1, msg.TypeChannelEditResult).(*msg.ChannelEditResult)
	require.Equal(t, msg.ChannelEditSucceeded, edit.Outcome)
	doomedID := edit.ChannelID

	require.NoError(t, cli1.Connection().Send(&msg.ChangeChannel{ChannelID: doomedID}))
	waitType(t, recv1, msg.TypeChannelChanged)

	require.NoError(t, cli1.Connection().Send(&msg.EditChannel{
		Action:  msg.ChannelDelete,
		Channel: msg.ChannelInfo{ID: doomedID},
	}))
	edit = waitType(t, recv1, msg.TypeChannelEditResult).(*msg.ChannelEditResult)
	require.Equal(t, msg.ChannelEditSucceeded, edit.Outcome)

	// Alice lands back in the default channel, announced to everyone.
	defaultID := srv.channels.DefaultID()
	changed := waitType(t, recv2, msg.TypeChannelChanged).(*msg.ChannelChanged)
	for changed.UserID != aliceID || changed.ChannelID != defaultID {
		changed = waitType(t, recv2, msg.TypeChannelChanged).(*msg.ChannelChanged)
	}
	assert.Equal(t, msg.ChannelChangeAccepted, changed.Reason)

	require.Eventually(t, func() bool {
		u := srv.users.ByUserID(aliceID)
		return u != nil && u.ChannelID == defaultID
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRequestSourceFlow(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli1, recv1 := dialVoiceClient(t, srv)
	cli2, recv2 := dialVoiceClient(t, srv)
	aliceID := login(t, cli1, recv1, "alice")
	login(t, cli2, recv2, "bob")

	require.NoError(t, cli1.Connection().Send(&msg.RequestSource{Name: "mic", Bitrate: 0}))

	result := waitType(t, recv1, msg.TypeSourceResult).(*msg.SourceResult)
	assert.Equal(t, msg.SourceSucceeded, result.Kind)
	assert.Equal(t, uint32(1), result.Source.ID)
	assert.Equal(t, aliceID, result.Source.OwnerID)
	assert.Equal(t, uint32(64000), result.Source.Bitrate)

	announced := waitType(t, recv2, msg.TypeSourceResult).(*msg.SourceResult)
	assert.Equal(t, msg.SourceNewSource, announced.Kind)
	assert.Equal(t, result.Source.ID, announced.Source.ID)
}

func TestRequestSourceClampsBitrate(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli, recv := dialVoiceClient(t, srv)
	login(t, cli, recv, "alice")

	require.NoError(t, cli.Connection().Send(&msg.RequestSource{Name: "mic", Bitrate: 1_000_000}))
	result := waitType(t, recv, msg.TypeSourceResult).(*msg.SourceResult)
	assert.Equal(t, msg.SourceSucceeded, result.Kind)
	assert.Equal(t, uint32(192000), result.Source.Bitrate)
}

func TestRequestSourcePermissionDenied(t *testing.T) {
	srv := startVoiceServer(t, &provider.GuestCfg{Grants: []string{provider.PermLogin}}, 16)
	cli, recv := dialVoiceClient(t, srv)
	login(t, cli, recv, "alice")

	require.NoError(t, cli.Connection().Send(&msg.RequestSource{Name: "mic"}))
	result := waitType(t, recv, msg.TypeSourceResult).(*msg.SourceResult)
	assert.Equal(t, msg.SourceFailedPermission, result.Kind)
}

func TestAudioRelayToChannelOccupantsOnly(t *testing.T) {
	srv := startVoiceServer(t, &provider.GuestCfg{Grants: allGrants()}, 16)
	cli1, recv1 := dialVoiceClient(t, srv)
	cli2, recv2 := dialVoiceClient(t, srv)
	cli3, recv3 := dialVoiceClient(t, srv)
	login(t, cli1, recv1, "alice")
	login(t, cli2, recv2, "bob")
	login(t, cli3, recv3, "carol")

	// Carol leaves the default channel.
	require.NoError(t, cli3.Connection().Send(&msg.EditChannel{
		Action:  msg.ChannelAdd,
		Channel: msg.ChannelInfo{Name: "Elsewhere"},
	}))
	edit := waitType(t, recv3, msg.TypeChannelEditResult).(*msg.ChannelEditResult)
	require.Equal(t, msg.ChannelEditSucceeded, edit.Outcome)
	require.NoError(t, cli3.Connection().Send(&msg.ChangeChannel{ChannelID: edit.ChannelID}))
	waitType(t, recv3, msg.TypeChannelChanged)

	require.NoError(t, cli1.Connection().Send(&msg.RequestSource{Name: "mic"}))
	src := waitType(t, recv1, msg.TypeSourceResult).(*msg.SourceResult)
	require.Equal(t, msg.SourceSucceeded, src.Kind)

	frame := &msg.AudioData{SourceID: src.Source.ID, Sequence: 42, Data: []byte{0x01, 0x02, 0x03}}
	require.NoError(t, cli1.Connection().Send(frame))

	relayed := waitType(t, recv2, msg.TypeAudioData).(*msg.AudioData)
	assert.Equal(t, src.Source.ID, relayed.SourceID)
	assert.Equal(t, uint16(42), relayed.Sequence)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, relayed.Data)

	// Carol sits in another channel and the sender never hears itself.
	select {
	case m := <-recv3.msgs:
		assert.NotEqual(t, msg.TypeAudioData, m.TypeCode())
	case <-time.After(300 * time.Millisecond):
	}
	select {
	case m := <-recv1.msgs:
		assert.NotEqual(t, msg.TypeAudioData, m.TypeCode())
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDisconnectReleasesSourcesAndBroadcasts(t *testing.T) {
	srv := startVoiceServer(t, nil, 16)
	cli1, recv1 := dialVoiceClient(t, srv)
	cli2, recv2 := dialVoiceClient(t, srv)
	login(t, cli1, recv1, "alice")
	bobID := login(t, cli2, recv2, "bob")

	require.NoError(t, cli2.Connection().Send(&msg.RequestSource{Name: "mic"}))
	src := waitType(t, recv2, msg.TypeSourceResult).(*msg.SourceResult)
	require.Equal(t, msg.SourceSucceeded, src.Kind)

	cli2.Close()

	removed := waitType(t, recv1, msg.TypeSourceResult).(*msg.SourceResult)
	for removed.Kind != msg.SourceRemoved {
		removed = waitType(t, recv1, msg.TypeSourceResult).(*msg.SourceResult)
	}
	assert.Equal(t, src.Source.ID, removed.Source.ID)

	gone := waitType(t, recv1, msg.TypeUserDisconnected).(*msg.UserDisconnected)
	assert.Equal(t, bobID, gone.UserID)

	require.Eventually(t, func() bool { return srv.UserCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestServerQueryReportsLiveCounts(t *testing.T) {
	srv := startVoiceServer(t, nil, 8)
	cli, recv := dialVoiceClient(t, srv)
	login(t, cli, recv, "alice")

	conn, err := stdnet.Dial("udp", srv.Transport().UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	buf, err := msg.EncodeUnreliable(0, &msg.ServerQuery{})
	require.NoError(t, err)

	var info *msg.ServerInfo
	require.Eventually(t, func() bool {
		if _, err := conn.Write(buf); err != nil {
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		reply := make([]byte, 1500)
		n, err := conn.Read(reply)
		if err != nil {
			return false
		}
		_, m, err := msg.DecodeDatagram(reply[:n], msg.DefaultRegistry())
		if err != nil {
			return false
		}
		var ok bool
		info, ok = m.(*msg.ServerInfo)
		return ok
	}, 3*time.Second, 100*time.Millisecond)

	assert.Equal(t, "vox-test", info.Name)
	assert.Equal(t, uint16(1), info.Users)
	assert.Equal(t, uint16(8), info.Capacity)
}

func TestSessionCfgValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Cfg
		wantErr bool
	}{
		{"valid", Cfg{ServerName: "vox", MaxUsers: 8, MaxNicknameLen: 32}, false},
		{"empty name", Cfg{MaxUsers: 8, MaxNicknameLen: 32}, true},
		{"zero users", Cfg{ServerName: "vox", MaxNicknameLen: 32}, true},
		{"zero nickname", Cfg{ServerName: "vox", MaxUsers: 8}, true},
		{"users beyond wire field", Cfg{ServerName: "vox", MaxUsers: 70000, MaxNicknameLen: 32}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
