package session

import (
	"context"
	"errors"
	"strings"

	"github.com/lcx/vox/audio"
	"github.com/lcx/vox/log"
	"github.com/lcx/vox/metrics"
	"github.com/lcx/vox/msg"
	"github.com/lcx/vox/provider"
)

// handlerCtx bounds provider calls made from inside a handler. Handlers run
// serialized, so a hung provider would stall every command; the mongo
// backend applies its own driver timeouts below this.
func handlerCtx() context.Context {
	return context.Background()
}

// requireUser resolves the session behind a delivery. A reliable command
// from a connection that never logged in is a protocol violation and
// disconnects it.
func (s *Server) requireUser(d *Delivery) *User {
	u := s.users.ByConn(d.Conn.NetworkID())
	if u == nil {
		d.Conn.Close("command before login")
	}
	return u
}

// broadcast sends a reliable message to every live session.
func (s *Server) broadcast(m msg.Message) {
	s.users.ForEach(func(u *User) {
		_ = u.Conn.Send(m)
	})
}

// broadcastExcept sends a reliable message to every live session but one.
func (s *Server) broadcastExcept(exceptUserID uint32, m msg.Message) {
	s.users.ForEach(func(u *User) {
		if u.UserID != exceptUserID {
			_ = u.Conn.Send(m)
		}
	})
}

func (s *Server) handleLogin(d *Delivery) error {
	m := d.Msg.(*msg.Login)
	if s.users.ByConn(d.Conn.NetworkID()) != nil {
		d.Conn.Close("duplicate login")
		return nil
	}

	nickname := strings.TrimSpace(m.Nickname)
	if !s.validNickname(nickname) {
		return d.Conn.Send(&msg.LoginResult{Outcome: msg.LoginFailedNickname})
	}

	ctx := handlerCtx()
	userID, outcome, err := s.backend.Users().Login(ctx, m.Username, m.Password)
	if err != nil {
		log.Error().Err(err).Str("username", m.Username).Msg("user provider login failed")
		return d.Conn.Send(&msg.LoginResult{Outcome: msg.LoginFailedCredentials})
	}
	if outcome != msg.LoginSucceeded {
		metrics.IncrCounterWithDimGroup(metrics.GroupSession, "login_rejected_total", 1,
			metrics.Dimension{"outcome": outcome.String()})
		return d.Conn.Send(&msg.LoginResult{Outcome: outcome})
	}

	allowed, err := s.perms.Check(ctx, userID, provider.PermLogin, 0)
	if err != nil {
		log.Error().Err(err).Uint32("userID", userID).Msg("permission lookup failed")
		return d.Conn.Send(&msg.LoginResult{Outcome: msg.LoginFailedPermission})
	}
	if !allowed || s.users.Count() >= s.cfg.MaxUsers {
		return d.Conn.Send(&msg.LoginResult{Outcome: msg.LoginFailedPermission})
	}

	u := &User{
		Conn:      d.Conn,
		UserID:    userID,
		Nickname:  nickname,
		ChannelID: s.channels.DefaultID(),
	}
	if !s.users.Add(u) {
		return d.Conn.Send(&msg.LoginResult{Outcome: msg.LoginFailedNicknameInUse})
	}

	metrics.IncrCounterWithGroup(metrics.GroupSession, "login_succeeded_total", 1)
	metrics.UpdateGaugeWithGroup(metrics.GroupSession, "users_online", float64(s.users.Count()))
	log.Info().Uint32("userID", userID).Str("nickname", nickname).
		Uint32("networkID", d.Conn.NetworkID()).Msg("user logged in")

	if err := d.Conn.Send(&msg.LoginResult{Outcome: msg.LoginSucceeded, UserID: userID}); err != nil {
		return err
	}
	if err := d.Conn.Send(&msg.ChannelList{Channels: s.channels.List()}); err != nil {
		return err
	}
	if err := d.Conn.Send(&msg.UserList{Users: s.users.Entries()}); err != nil {
		return err
	}
	if err := d.Conn.Send(&msg.SourceList{Sources: s.sources.List()}); err != nil {
		return err
	}
	s.broadcastExcept(userID, &msg.UserLoggedIn{User: u.entry()})
	return nil
}

func (s *Server) handleChangeChannel(d *Delivery) error {
	m := d.Msg.(*msg.ChangeChannel)
	u := s.requireUser(d)
	if u == nil {
		return nil
	}

	targetID := m.UserID
	if targetID == 0 {
		targetID = u.UserID
	}

	reject := func(reason msg.ChannelChangeReason) error {
		return d.Conn.Send(&msg.ChannelChanged{Reason: reason, UserID: targetID, ChannelID: m.ChannelID})
	}

	if !s.channels.Exists(m.ChannelID) {
		return reject(msg.ChannelChangeUnknownChannel)
	}
	target := s.users.ByUserID(targetID)
	if target == nil {
		return reject(msg.ChannelChangeUnknown)
	}

	perm := provider.PermChangeChannel
	if targetID != u.UserID {
		perm = provider.PermChangePlayersChannel
	}
	allowed, err := s.perms.Check(handlerCtx(), u.UserID, perm, m.ChannelID)
	if err != nil {
		log.Error().Err(err).Uint32("userID", u.UserID).Msg("permission lookup failed")
		return reject(msg.ChannelChangeUnknown)
	}
	if !allowed {
		return reject(msg.ChannelChangePermissionDenied)
	}

	s.users.Move(targetID, m.ChannelID)
	s.broadcast(&msg.ChannelChanged{Reason: msg.ChannelChangeAccepted, UserID: targetID, ChannelID: m.ChannelID})
	return nil
}

func (s *Server) handleEditChannel(d *Delivery) error {
	m := d.Msg.(*msg.EditChannel)
	u := s.requireUser(d)
	if u == nil {
		return nil
	}

	reject := func(outcome msg.ChannelEditOutcome) error {
		return d.Conn.Send(&msg.ChannelEditResult{Action: m.Action, Outcome: outcome, ChannelID: m.Channel.ID})
	}

	if !s.backend.Channels().SupportsUpdates() {
		return reject(msg.ChannelEditUnsupported)
	}

	var perm string
	switch m.Action {
	case msg.ChannelAdd:
		perm = provider.PermAddChannel
	case msg.ChannelUpdate:
		perm = provider.PermEditChannel
	case msg.ChannelDelete:
		perm = provider.PermDeleteChannel
	default:
		d.Conn.Close("invalid channel edit action")
		return nil
	}

	permScope := m.Channel.ID
	if m.Action == msg.ChannelAdd {
		permScope = 0
	}
	allowed, err := s.perms.Check(handlerCtx(), u.UserID, perm, permScope)
	if err != nil {
		log.Error().Err(err).Uint32("userID", u.UserID).Msg("permission lookup failed")
		return reject(msg.ChannelEditFailed)
	}
	if !allowed {
		return reject(msg.ChannelEditPermissionDenied)
	}

	if m.Action != msg.ChannelAdd {
		existing, ok := s.channels.Get(m.Channel.ID)
		if !ok {
			return reject(msg.ChannelEditUnknownChannel)
		}
		if existing.ReadOnly {
			return reject(msg.ChannelEditReadOnly)
		}
	}

	switch m.Action {
	case msg.ChannelAdd, msg.ChannelUpdate:
		return s.applyChannelSave(d, m)
	default:
		return s.applyChannelDelete(d, m)
	}
}

func (s *Server) applyChannelSave(d *Delivery, m *msg.EditChannel) error {
	ch := m.Channel
	if m.Action == msg.ChannelAdd {
		ch.ID = 0
	}
	id, err := s.backend.Channels().Save(handlerCtx(), ch)
	if err != nil {
		return d.Conn.Send(&msg.ChannelEditResult{Action: m.Action, Outcome: editOutcome(err), ChannelID: m.Channel.ID})
	}
	if err := s.channels.Reload(handlerCtx()); err != nil {
		log.Error().Err(err).Msg("channel reload after save failed")
	}
	if err := d.Conn.Send(&msg.ChannelEditResult{Action: m.Action, Outcome: msg.ChannelEditSucceeded, ChannelID: id}); err != nil {
		return err
	}
	s.broadcast(&msg.ChannelList{Channels: s.channels.List()})
	return nil
}

func (s *Server) applyChannelDelete(d *Delivery, m *msg.EditChannel) error {
	occupants := s.users.InChannel(m.Channel.ID)
	if err := s.backend.Channels().Delete(handlerCtx(), m.Channel.ID); err != nil {
		return d.Conn.Send(&msg.ChannelEditResult{Action: m.Action, Outcome: editOutcome(err), ChannelID: m.Channel.ID})
	}
	if err := s.channels.Reload(handlerCtx()); err != nil {
		log.Error().Err(err).Msg("channel reload after delete failed")
	}
	if err := d.Conn.Send(&msg.ChannelEditResult{Action: m.Action, Outcome: msg.ChannelEditSucceeded, ChannelID: m.Channel.ID}); err != nil {
		return err
	}
	s.broadcast(&msg.ChannelList{Channels: s.channels.List()})
	s.reassignToDefault(occupants)
	return nil
}

func editOutcome(err error) msg.ChannelEditOutcome {
	switch {
	case errors.Is(err, provider.ErrUnknownChannel):
		return msg.ChannelEditUnknownChannel
	case errors.Is(err, provider.ErrNotSupported):
		return msg.ChannelEditUnsupported
	default:
		return msg.ChannelEditFailed
	}
}

// reassignToDefault moves each user to the default channel, broadcasting
// one ChannelChanged per user. Users already gone or already in the default
// channel are skipped, so a repeat call announces nothing twice.
func (s *Server) reassignToDefault(userIDs []uint32) {
	defaultID := s.channels.DefaultID()
	for _, id := range userIDs {
		u := s.users.ByUserID(id)
		if u == nil || u.ChannelID == defaultID {
			continue
		}
		s.users.Move(id, defaultID)
		s.broadcast(&msg.ChannelChanged{Reason: msg.ChannelChangeAccepted, UserID: id, ChannelID: defaultID})
	}
}

func (s *Server) handleRequestSource(d *Delivery) error {
	m := d.Msg.(*msg.RequestSource)
	u := s.requireUser(d)
	if u == nil {
		return nil
	}

	allowed, err := s.perms.Check(handlerCtx(), u.UserID, provider.PermRequestSource, u.ChannelID)
	if err != nil {
		log.Error().Err(err).Uint32("userID", u.UserID).Msg("permission lookup failed")
		allowed = false
	}
	if !allowed {
		return d.Conn.Send(&msg.SourceResult{Kind: msg.SourceFailedPermission,
			Source: msg.SourceInfo{OwnerID: u.UserID}})
	}

	src, ok := s.sources.Allocate(audio.NewSource(0, u.UserID, m.Bitrate))
	if !ok {
		return d.Conn.Send(&msg.SourceResult{Kind: msg.SourceFailedCapacity,
			Source: msg.SourceInfo{OwnerID: u.UserID}})
	}

	metrics.IncrCounterWithGroup(metrics.GroupAudio, "sources_allocated_total", 1)
	log.Debug().Uint32("sourceID", src.ID).Uint32("ownerID", u.UserID).
		Uint32("bitrate", src.Bitrate).Msg("source allocated")

	if err := d.Conn.Send(&msg.SourceResult{Kind: msg.SourceSucceeded, Source: src}); err != nil {
		return err
	}
	s.broadcastExcept(u.UserID, &msg.SourceResult{Kind: msg.SourceNewSource, Source: src})
	return nil
}

// handleAudioData relays one frame to every session in the sender's current
// channel. The server's channel assignment is authoritative, not the frame
// header, and no permission is re-checked per frame.
func (s *Server) handleAudioData(d *Delivery) error {
	m := d.Msg.(*msg.AudioData)
	u := s.users.ByConn(d.Conn.NetworkID())
	if u == nil {
		return nil
	}
	m.ChannelID = u.ChannelID
	relayed := 0
	s.users.ForEach(func(other *User) {
		if other.UserID == u.UserID || other.ChannelID != u.ChannelID {
			return
		}
		other.Conn.SendAudio(m)
		relayed++
	})
	metrics.IncrCounterWithGroup(metrics.GroupAudio, "frames_relayed_total", float64(relayed))
	return nil
}

func (s *Server) handlePing(d *Delivery) error {
	return nil
}

// handleConnLost tears down whatever session the connection carried. The
// connection may never have logged in, and the event may race a kick that
// already removed the user; both cases are no-ops.
func (s *Server) handleConnLost(d *Delivery) error {
	u := s.users.Remove(d.Conn.NetworkID())
	if u == nil {
		return nil
	}
	metrics.UpdateGaugeWithGroup(metrics.GroupSession, "users_online", float64(s.users.Count()))
	log.Info().Uint32("userID", u.UserID).Str("nickname", u.Nickname).Msg("user disconnected")

	for _, src := range s.sources.ReleaseOwned(u.UserID) {
		s.broadcast(&msg.SourceResult{Kind: msg.SourceRemoved, Source: src})
	}
	s.broadcast(&msg.UserDisconnected{UserID: u.UserID})
	return nil
}

// handleChannelsReload refreshes the channel cache after an external store
// change, rebroadcasts the tree and reassigns users whose channel vanished.
func (s *Server) handleChannelsReload(d *Delivery) error {
	if err := s.channels.Reload(handlerCtx()); err != nil {
		return err
	}
	s.broadcast(&msg.ChannelList{Channels: s.channels.List()})
	var orphaned []uint32
	s.users.ForEach(func(u *User) {
		if !s.channels.Exists(u.ChannelID) {
			orphaned = append(orphaned, u.UserID)
		}
	})
	s.reassignToDefault(orphaned)
	return nil
}
