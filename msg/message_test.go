package msg

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/vox/wire"
)

// representative payloads for every registered type, including empty and
// maximum-length fields
func sampleMessages() []Message {
	longName := strings.Repeat("n", wire.MaxFieldLen)
	return []Message{
		&Login{Nickname: "alice", Username: "", Password: ""},
		&Login{Nickname: longName, Username: "user", Password: "secret"},
		&LoginResult{Outcome: LoginSucceeded, UserID: 1},
		&LoginResult{Outcome: LoginFailedNicknameInUse},
		&ChannelList{},
		&ChannelList{Channels: []ChannelInfo{
			{ID: 1, Name: "Lobby", IsDefault: true},
			{ID: 2, Name: "Ops", Description: "staging", ParentID: 1, ReadOnly: true, UserLimit: 8},
		}},
		&UserList{},
		&UserList{Users: []UserEntry{{UserID: 1, Nickname: "alice", ChannelID: 1, Muted: true}}},
		&SourceList{},
		&SourceList{Sources: []SourceInfo{{ID: 1, OwnerID: 1, Bitrate: 32000, Channels: 1, Frequency: 44100, FrameSize: 441}}},
		&ChangeChannel{UserID: 0, ChannelID: 2},
		&ChannelChanged{Reason: ChannelChangePermissionDenied, UserID: 3, ChannelID: 2},
		&EditChannel{Action: ChannelDelete, Channel: ChannelInfo{ID: 5, Name: "old"}},
		&ChannelEditResult{Action: ChannelAdd, Outcome: ChannelEditReadOnly, ChannelID: 5},
		&RequestSource{Name: "mic", Bitrate: 0},
		&SourceResult{Kind: SourceNewSource, Source: SourceInfo{ID: 2, OwnerID: 7}},
		&AudioData{SourceID: 2, ChannelID: 1, Sequence: 999, Data: []byte{0xAA, 0xBB}},
		&AudioData{SourceID: 2, ChannelID: 1, Data: []byte{}},
		&UserLoggedIn{User: UserEntry{UserID: 9, Nickname: "bob", ChannelID: 1}},
		&UserDisconnected{UserID: 9, Reason: "kicked"},
		&Ping{},
		&Punch{},
		&PunchReceived{},
		&Bleeding{},
		&ServerQuery{},
		&ServerInfo{Name: "vox", Users: 12, Capacity: 64},
	}
}

func TestReliableFrameRoundTrip(t *testing.T) {
	reg := DefaultRegistry()
	for _, m := range sampleMessages() {
		frame, err := EncodeReliable(m)
		require.NoError(t, err)
		require.Equal(t, wire.SanityByte, frame[0])

		got, err := DecodeStream(bytes.NewReader(frame), reg)
		require.NoError(t, err, "type %d", m.TypeCode())
		assert.Equal(t, m, got, "type %d", m.TypeCode())
	}
}

func TestDatagramFrameRoundTrip(t *testing.T) {
	reg := DefaultRegistry()
	for _, m := range sampleMessages() {
		frame, err := EncodeUnreliable(0xCAFE, m)
		require.NoError(t, err)

		id, got, err := DecodeDatagram(frame, reg)
		require.NoError(t, err, "type %d", m.TypeCode())
		assert.Equal(t, uint32(0xCAFE), id)
		assert.Equal(t, m, got, "type %d", m.TypeCode())
	}
}

// The datagram read loops reuse one receive buffer, but decoded audio
// frames are queued and relayed long after the read returns. The payload
// must survive the buffer being overwritten by the next datagram.
func TestAudioDataDecodeDetachesFromDatagramBuffer(t *testing.T) {
	frame, err := EncodeUnreliable(1, &AudioData{SourceID: 2, ChannelID: 1, Sequence: 7, Data: []byte{0xAA, 0xBB, 0xCC}})
	require.NoError(t, err)

	buf := make([]byte, len(frame))
	copy(buf, frame)

	_, m, err := DecodeDatagram(buf, DefaultRegistry())
	require.NoError(t, err)
	audio := m.(*AudioData)

	for i := range buf {
		buf[i] = 0
	}
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, audio.Data)
}

func TestDefaultRegistryCoversAllCodes(t *testing.T) {
	reg := DefaultRegistry()
	want := []uint16{
		TypeLogin, TypeLoginResult, TypeChannelList, TypeUserList,
		TypeSourceList, TypeChangeChannel, TypeChannelChanged,
		TypeEditChannel, TypeChannelEditResult, TypeRequestSource,
		TypeSourceResult, TypeAudioData, TypeUserLoggedIn,
		TypeUserDisconnected, TypePing, TypePunch, TypePunchReceived,
		TypeBleeding, TypeServerQuery, TypeServerInfo,
	}
	for _, code := range want {
		assert.True(t, reg.Contains(code), "code %d", code)
	}
	assert.Len(t, reg.Codes(), len(want))
}

func TestRegisterDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(func() Message { return &Ping{} })
	assert.Panics(t, func() {
		reg.Register(func() Message { return &Ping{} })
	})
}

func TestDecodeStreamBadSanity(t *testing.T) {
	reg := DefaultRegistry()
	frame, err := EncodeReliable(&Ping{})
	require.NoError(t, err)
	frame[0] = 0x00

	_, err = DecodeStream(bytes.NewReader(frame), reg)
	assert.ErrorIs(t, err, ErrBadSanity)
}

func TestDecodeStreamUnknownType(t *testing.T) {
	reg := DefaultRegistry()
	w := wire.NewWriter(8)
	w.Uint8(wire.SanityByte)
	w.Uint16(0x4242)

	_, err := DecodeStream(bytes.NewReader(w.Bytes()), reg)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeDatagramErrors(t *testing.T) {
	reg := DefaultRegistry()

	t.Run("bad sanity", func(t *testing.T) {
		frame, err := EncodeUnreliable(7, &Ping{})
		require.NoError(t, err)
		frame[0] = 0xFF
		_, _, err = DecodeDatagram(frame, reg)
		assert.ErrorIs(t, err, ErrBadSanity)
	})

	t.Run("unknown type still yields network id", func(t *testing.T) {
		w := wire.NewWriter(8)
		w.Uint8(wire.SanityByte)
		w.Uint32(7)
		w.Uint16(0x4242)
		id, _, err := DecodeDatagram(w.Bytes(), reg)
		assert.ErrorIs(t, err, ErrUnknownType)
		assert.Equal(t, uint32(7), id)
	})

	t.Run("truncated payload", func(t *testing.T) {
		frame, err := EncodeUnreliable(7, &AudioData{SourceID: 1, ChannelID: 1, Data: []byte{1, 2, 3, 4}})
		require.NoError(t, err)
		_, _, err = DecodeDatagram(frame[:len(frame)-2], reg)
		assert.Error(t, err)
	})
}
