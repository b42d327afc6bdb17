package service

import (
	"errors"
	"fmt"

	"github.com/adwski/tlv-chat/backend/model"
	"github.com/adwski/tlv-chat/backend/protocol"
	"github.com/adwski/tlv-chat/backend/registry"
	"github.com/adwski/tlv-chat/backend/transport"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	replyBusy           = "503 SERVICE UNAVAILABLE: Server is busy."
	replyInvalidVersion = "400 BAD REQUEST: Invalid version."
	replyInvalidUser    = "400 BAD REQUEST: Invalid username."
	replyInvalidRoom    = "400 BAD REQUEST: Invalid room name."
	replyEmptyMessage   = "400 BAD REQUEST: Empty message."
	replyInvalidCommand = "400 BAD REQUEST: Invalid command."
	replyUnavailable    = "503 SERVICE UNAVAILABLE: Server is shutting down."
)

var domainReplies = []struct {
	err   error
	reply string
}{
	{registry.ErrAlreadyInRoom, "400 BAD REQUEST: You are already in a room."},
	{registry.ErrAlreadyMember, "400 BAD REQUEST: You are already in this room."},
	{registry.ErrRoomFull, "400 BAD REQUEST: Room is full."},
	{registry.ErrNotInRoom, "400 BAD REQUEST: You are not in a room."},
	{registry.ErrLoneMember, "400 BAD REQUEST: You are the only member in the room."},
}

func errorReply(err error) string {
	for _, d := range domainReplies {
		if errors.Is(err, d.err) {
			return d.reply
		}
	}
	return replyUnavailable
}

// State is a connection handler state.
type State uint8

const (
	StateAccepted State = iota
	StateVersionNegotiated
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateVersionNegotiated:
		return "version-negotiated"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type session struct {
	reg    *registry.Registry
	conn   *transport.Conn
	logger zerolog.Logger

	username string
	client   *model.Client // set once authenticated
	reason   error
}

func newSession(svc *Service, conn *transport.Conn) *session {
	return &session{
		reg:  svc.reg,
		conn: conn,
		logger: svc.logger.With().
			Str("connID", conn.ID().String()).
			Logger(),
	}
}

func (s *session) run() {
	state := StateAccepted
	for state != StateClosed {
		next := s.transition(state)
		s.logger.Trace().Stringer("from", state).Stringer("to", next).Msg("state transition")
		state = next
	}
	s.teardown()
}

func (s *session) transition(state State) State {
	switch state {
	case StateAccepted:
		return s.negotiateVersion()
	case StateVersionNegotiated:
		return s.authenticate()
	case StateAuthenticated:
		return s.activate()
	case StateActive:
		return s.processCommand()
	}
	return StateClosed
}

func (s *session) negotiateVersion() State {
	f, ok := s.receive()
	if !ok {
		return StateClosed
	}
	if f.Tag != model.TagVersion || f.Text() != model.ProtocolVersion {
		s.reply(model.TagError, replyInvalidVersion)
		s.reason = errors.Join(ErrProtocolViolation,
			fmt.Errorf("expected %s(%q), got %s(%q)", model.TagVersion, model.ProtocolVersion, f.Tag, f.Text()))
		return StateClosed
	}
	if !s.reply(model.TagOK, "") {
		return StateClosed
	}
	return StateVersionNegotiated
}

func (s *session) authenticate() State {
	f, ok := s.receive()
	if !ok {
		return StateClosed
	}
	if f.Tag != model.TagUsername || !model.ValidName(f.Text()) {
		s.reply(model.TagError, replyInvalidUser)
		s.reason = errors.Join(ErrProtocolViolation, fmt.Errorf("invalid username frame %s(%q)", f.Tag, f.Text()))
		return StateClosed
	}
	s.username = f.Text()
	s.logger = s.logger.With().Str("username", s.username).Logger()
	return StateAuthenticated
}

func (s *session) activate() State {
	s.client = &model.Client{Conn: s.conn, Username: s.username}
	if !s.reply(model.TagOK, "") {
		return StateClosed
	}
	s.logger.Info().Msg("client authenticated")
	return StateActive
}

// processCommand handles exactly one command frame.
func (s *session) processCommand() State {
	f, ok := s.receive()
	if !ok {
		return StateClosed
	}
	s.logger.Debug().Stringer("tag", f.Tag).Int("len", len(f.Value)).Msg("command received")

	switch f.Tag {
	case model.TagListRooms:
		return s.next(s.reply(model.TagOK, s.reg.ListRooms()))

	case model.TagJoinRoom:
		name := f.Text()
		if !model.ValidName(name) {
			return s.next(s.reply(model.TagError, replyInvalidRoom))
		}
		return s.next(s.replyResult(s.reg.Join(s.client, name)))

	case model.TagLeaveRoom:
		return s.next(s.replyResult(s.reg.Leave(s.client)))

	case model.TagSendMessage:
		if len(f.Value) == 0 {
			return s.next(s.reply(model.TagError, replyEmptyMessage))
		}
		err := s.reg.Send(s.client, f.Text())
		if !s.replyResult(err) || err == nil {
			// a session carries a single successful message
			return StateClosed
		}
		return StateActive

	case model.TagExit:
		s.logger.Debug().Msg("client requested exit")
		return StateClosed
	}

	return s.next(s.reply(model.TagError, replyInvalidCommand))
}

func (s *session) teardown() {
	if s.client != nil && s.reg.RemoveOnDisconnect(s.client) {
		s.logger.Debug().Msg("client removed from room on disconnect")
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("error closing connection")
	}

	e := s.logger.Info()
	if s.reason != nil {
		e = s.logger.Warn().Err(s.reason)
	}
	if s.client == nil {
		e.Msg("closing connection of not authenticated client")
		return
	}
	e.Msg("closing connection")
}

func (s *session) receive() (model.Frame, bool) {
	f, err := s.conn.Receive()
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrTimeout):
			s.logger.Info().Msg("receive timeout")
		case errors.Is(err, protocol.ErrPeerDisconnected):
			s.logger.Info().Msg("client disconnected")
		default:
			s.reason = err
		}
		return f, false
	}
	if e := s.logger.Trace(); e.Enabled() {
		e.Str("frame", spew.Sdump(f)).Msg("frame received")
	}
	return f, true
}

func (s *session) reply(tag model.Tag, text string) bool {
	if err := s.conn.SendText(tag, text); err != nil {
		s.logger.Debug().Err(err).Stringer("tag", tag).Msg("failed to send reply")
		return false
	}
	return true
}

func (s *session) replyResult(err error) bool {
	if err != nil {
		s.logger.Debug().Err(err).Msg("request rejected")
		return s.reply(model.TagError, errorReply(err))
	}
	return s.reply(model.TagOK, "")
}

func (s *session) next(replied bool) State {
	if !replied {
		return StateClosed
	}
	return StateActive
}
