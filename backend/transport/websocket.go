package transport

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
)

// wsStream exposes a websocket connection as a byte stream. Each Write is
// sent as one binary message and reads concatenate incoming binary messages,
// so TLV frames may span message boundaries.
type wsStream struct {
	conn *websocket.Conn
	r    io.Reader
}

// NewWebSocketStream wraps an established websocket connection into a net.Conn.
// Reads must come from one goroutine and writes must be serialized by the caller,
// Conn does both.
func NewWebSocketStream(conn *websocket.Conn) net.Conn {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			msgType, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				// text frames are not part of the protocol
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	// WriteControl may run concurrently with a pending WriteMessage.
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	return s.conn.Close()
}

func (s *wsStream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *wsStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}
