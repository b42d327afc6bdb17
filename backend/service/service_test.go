package service

import (
	"net"
	"testing"
	"time"

	"github.com/adwski/tlv-chat/backend/model"
	"github.com/adwski/tlv-chat/backend/protocol"
	"github.com/adwski/tlv-chat/backend/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIdle = 2 * time.Second

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = testIdle
	}
	svc := NewService(cfg)
	t.Cleanup(svc.Shutdown)
	return svc
}

// connect admits one side of a pipe and returns the other side after the
// greeting has been read.
func connect(t *testing.T, svc *Service) (*transport.Conn, model.Frame, error) {
	t.Helper()
	srv, cli := net.Pipe()
	conn := transport.NewConn(cli, transport.Config{IdleTimeout: testIdle})
	t.Cleanup(func() { _ = conn.Close() })

	errc := make(chan error, 1)
	go func() { errc <- svc.Admit(srv) }()

	greeting, err := conn.Receive()
	require.NoError(t, err)
	return conn, greeting, <-errc
}

func request(t *testing.T, conn *transport.Conn, tag model.Tag, value string) model.Frame {
	t.Helper()
	require.NoError(t, conn.SendText(tag, value))
	f, err := conn.Receive()
	require.NoError(t, err)
	return f
}

func expect(t *testing.T, f model.Frame, tag model.Tag, text string) {
	t.Helper()
	assert.Equal(t, tag, f.Tag, "frame %s(%q)", f.Tag, f.Text())
	assert.Equal(t, text, f.Text())
}

func expectClosed(t *testing.T, conn *transport.Conn) {
	t.Helper()
	_, err := conn.Receive()
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrPeerDisconnected)
}

func login(t *testing.T, svc *Service, name string) *transport.Conn {
	t.Helper()
	conn, greeting, err := connect(t, svc)
	require.NoError(t, err)
	expect(t, greeting, model.TagOK, "")
	expect(t, request(t, conn, model.TagVersion, model.ProtocolVersion), model.TagOK, "")
	expect(t, request(t, conn, model.TagUsername, name), model.TagOK, "")
	return conn
}

func receive(t *testing.T, conn *transport.Conn) model.Frame {
	t.Helper()
	f, err := conn.Receive()
	require.NoError(t, err)
	return f
}

func TestHandshakeAndListRooms(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "alice")

	expect(t, request(t, a, model.TagListRooms, ""), model.TagOK, "No rooms available.\n")
	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, request(t, a, model.TagListRooms, ""), model.TagOK, "Room: lobby\n  Member: alice\n")
}

func TestFirstFrameMustBeVersion(t *testing.T) {
	svc := newTestService(t, Config{})

	conn, greeting, err := connect(t, svc)
	require.NoError(t, err)
	expect(t, greeting, model.TagOK, "")

	expect(t, request(t, conn, model.TagListRooms, ""), model.TagError, "400 BAD REQUEST: Invalid version.")
	expectClosed(t, conn)
}

func TestWrongVersion(t *testing.T) {
	svc := newTestService(t, Config{})

	conn, _, err := connect(t, svc)
	require.NoError(t, err)
	expect(t, request(t, conn, model.TagVersion, "2.0"), model.TagError, "400 BAD REQUEST: Invalid version.")
	expectClosed(t, conn)
}

func TestInvalidUsername(t *testing.T) {
	for _, name := range []string{"", "bad name", "bob!", "tab\t"} {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(t, Config{})
			conn, _, err := connect(t, svc)
			require.NoError(t, err)
			expect(t, request(t, conn, model.TagVersion, model.ProtocolVersion), model.TagOK, "")
			expect(t, request(t, conn, model.TagUsername, name), model.TagError, "400 BAD REQUEST: Invalid username.")
			expectClosed(t, conn)
		})
	}
}

func TestUsernameFrameRequired(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, _, err := connect(t, svc)
	require.NoError(t, err)
	expect(t, request(t, conn, model.TagVersion, model.ProtocolVersion), model.TagOK, "")
	expect(t, request(t, conn, model.TagJoinRoom, "lobby"), model.TagError, "400 BAD REQUEST: Invalid username.")
	expectClosed(t, conn)
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")
	b := login(t, svc, "B")

	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, request(t, b, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, receive(t, a), model.TagNotification, "Client B has joined the room.")
}

func TestSendWhileAlone(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")

	expect(t, request(t, a, model.TagSendMessage, "hi"), model.TagError, "400 BAD REQUEST: You are not in a room.")
	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, request(t, a, model.TagSendMessage, "hi"), model.TagError,
		"400 BAD REQUEST: You are the only member in the room.")

	// rejected sends keep the session open
	expect(t, request(t, a, model.TagListRooms, ""), model.TagOK, "Room: lobby\n  Member: A\n")
}

func TestSendBroadcastsAndEndsSession(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")
	b := login(t, svc, "B")

	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, request(t, b, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, receive(t, a), model.TagNotification, "Client B has joined the room.")

	expect(t, request(t, a, model.TagSendMessage, "hi"), model.TagOK, "")
	expect(t, receive(t, b), model.TagNotification, "Client A: hi")

	// one successful message per session, then teardown removes A from the room
	expectClosed(t, a)
	expect(t, receive(t, b), model.TagNotification, "Client A has left the room.")
	expect(t, request(t, b, model.TagListRooms, ""), model.TagOK, "Room: lobby\n  Member: B\n")
}

func TestInvalidRoomNameKeepsSession(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")

	expect(t, request(t, a, model.TagJoinRoom, "lob!by"), model.TagError, "400 BAD REQUEST: Invalid room name.")
	expect(t, request(t, a, model.TagJoinRoom, ""), model.TagError, "400 BAD REQUEST: Invalid room name.")
	expect(t, request(t, a, model.TagListRooms, ""), model.TagOK, "No rooms available.\n")
	expect(t, request(t, a, model.TagLeaveRoom, ""), model.TagError, "400 BAD REQUEST: You are not in a room.")
}

func TestJoinTwice(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")

	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagError, "400 BAD REQUEST: You are already in a room.")
	expect(t, request(t, a, model.TagJoinRoom, "other"), model.TagError, "400 BAD REQUEST: You are already in a room.")
}

func TestLeave(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")
	b := login(t, svc, "B")

	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, request(t, b, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, receive(t, a), model.TagNotification, "Client B has joined the room.")

	expect(t, request(t, b, model.TagLeaveRoom, ""), model.TagOK, "")
	expect(t, receive(t, a), model.TagNotification, "Client B has left the room.")

	expect(t, request(t, a, model.TagLeaveRoom, ""), model.TagOK, "")
	expect(t, request(t, a, model.TagListRooms, ""), model.TagOK, "No rooms available.\n")
	assert.Empty(t, svc.Rooms())
}

func TestEmptyMessage(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")
	expect(t, request(t, a, model.TagSendMessage, ""), model.TagError, "400 BAD REQUEST: Empty message.")
	expect(t, request(t, a, model.TagListRooms, ""), model.TagOK, "No rooms available.\n")
}

func TestUnknownCommand(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")
	for _, tag := range []model.Tag{model.TagSendFileRequest, model.TagVersion, model.Tag(0x42)} {
		expect(t, request(t, a, tag, "x"), model.TagError, "400 BAD REQUEST: Invalid command.")
	}
	expect(t, request(t, a, model.TagListRooms, ""), model.TagOK, "No rooms available.\n")
}

func TestExitRemovesFromRoom(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")
	b := login(t, svc, "B")

	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, request(t, b, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, receive(t, a), model.TagNotification, "Client B has joined the room.")

	require.NoError(t, b.SendText(model.TagExit, ""))
	expectClosed(t, b)
	expect(t, receive(t, a), model.TagNotification, "Client B has left the room.")
}

func TestDisconnectRemovesFromRoom(t *testing.T) {
	svc := newTestService(t, Config{})
	a := login(t, svc, "A")
	b := login(t, svc, "B")

	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, request(t, b, model.TagJoinRoom, "lobby"), model.TagOK, "")
	expect(t, receive(t, a), model.TagNotification, "Client B has joined the room.")

	require.NoError(t, b.Close())
	expect(t, receive(t, a), model.TagNotification, "Client B has left the room.")
	assert.Eventually(t, func() bool { return svc.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.RoomInfo{{Name: "lobby", Members: []string{"A"}}}, svc.Rooms())
}

func TestIdleTimeout(t *testing.T) {
	svc := newTestService(t, Config{IdleTimeout: 100 * time.Millisecond})
	a := login(t, svc, "A")
	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")

	expectClosed(t, a)
	assert.Eventually(t, func() bool { return len(svc.Rooms()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBusy(t *testing.T) {
	svc := newTestService(t, Config{MaxClients: 1})
	_ = login(t, svc, "A")
	require.Eventually(t, func() bool { return svc.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)

	conn, greeting, err := connect(t, svc)
	assert.ErrorIs(t, err, ErrBusy)
	expect(t, greeting, model.TagError, "503 SERVICE UNAVAILABLE: Server is busy.")
	expectClosed(t, conn)
}

func TestShutdown(t *testing.T) {
	svc := NewService(Config{IdleTimeout: testIdle})
	a := login(t, svc, "A")
	expect(t, request(t, a, model.TagJoinRoom, "lobby"), model.TagOK, "")

	svc.Shutdown()
	expectClosed(t, a)
	assert.Empty(t, svc.Rooms())
	assert.Zero(t, svc.ActiveSessions())

	assert.NotPanics(t, svc.Shutdown)

	srv, cli := net.Pipe()
	defer func() { _ = cli.Close() }()
	assert.ErrorIs(t, svc.Admit(srv), ErrShutdown)
}
