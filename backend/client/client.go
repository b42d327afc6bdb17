// Package client is the chat client core: it owns one server connection and
// splits the inbound stream into replies to its own requests and
// notifications pushed by the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adwski/tlv-chat/backend/model"
	"github.com/adwski/tlv-chat/backend/transport"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

var (
	ErrDisconnected    = errors.New("disconnected from server")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// ServerError is an ERROR reply from the server.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return e.Reason
}

type Config struct {
	Logger       *zerolog.Logger
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client is a single connection to the chat server. Requests are strictly
// one at a time; notifications are available through Notifications.
type Client struct {
	logger zerolog.Logger
	conn   *transport.Conn

	reqMx    sync.Mutex // one outstanding request
	pendMx   sync.Mutex
	awaiting bool
	replies  chan model.Frame

	in      chan model.Frame
	out     chan model.Frame
	stop    chan struct{}
	done    chan struct{}
	readErr error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Connect dials the server over TCP and negotiates the protocol version.
func Connect(ctx context.Context, addr string, cfg Config) (*Client, error) {
	d := net.Dialer{Timeout: dialTimeout(cfg)}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return Open(nc, cfg)
}

// ConnectWebSocket does the same as Connect through the websocket gateway.
func ConnectWebSocket(ctx context.Context, url string, cfg Config) (*Client, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout(cfg)
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return Open(transport.NewWebSocketStream(ws), cfg)
}

// Open runs the client over an established stream: it waits for the
// server greeting and negotiates the protocol version. The stream is closed
// on failure.
func Open(nc net.Conn, cfg Config) (*Client, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "client").Logger()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	c := &Client{
		logger:  logger,
		conn:    transport.NewConn(nc, transport.Config{WriteTimeout: cfg.WriteTimeout}),
		replies: make(chan model.Frame, 1),
		in:      make(chan model.Frame),
		out:     make(chan model.Frame),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	// the greeting is the reply to connecting
	c.setPending(true)
	c.wg.Add(2)
	go c.receiveLoop()
	go c.pump()

	if err := expectOK(c.await()); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	if err := expectOK(c.Request(model.TagVersion, []byte(model.ProtocolVersion))); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	c.logger.Debug().Str("remote", c.conn.RemoteAddr()).Msg("connected")
	return c, nil
}

// Request sends one frame and blocks until the server replies to it or the
// connection fails.
func (c *Client) Request(tag model.Tag, value []byte) (model.Frame, error) {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	select {
	case <-c.done:
		return model.Frame{}, c.disconnectedErr()
	default:
	}

	c.setPending(true)
	if err := c.conn.Send(tag, value); err != nil {
		c.cancelPending()
		return model.Frame{}, errors.Join(ErrDisconnected, err)
	}
	return c.await()
}

func (c *Client) SendUsername(username string) error {
	return expectOK(c.Request(model.TagUsername, []byte(username)))
}

// ListRooms returns the server's room listing.
func (c *Client) ListRooms() (string, error) {
	f, err := c.Request(model.TagListRooms, nil)
	if err = expectOK(f, err); err != nil {
		return "", err
	}
	return f.Text(), nil
}

func (c *Client) JoinRoom(name string) error {
	return expectOK(c.Request(model.TagJoinRoom, []byte(name)))
}

func (c *Client) LeaveRoom() error {
	return expectOK(c.Request(model.TagLeaveRoom, nil))
}

// SendMessage broadcasts text to the current room. The server ends the
// session after a successful message.
func (c *Client) SendMessage(text string) error {
	return expectOK(c.Request(model.TagSendMessage, []byte(text)))
}

// Notifications delivers frames the server pushed on its own. The channel is
// closed once the connection is gone and everything received was consumed.
func (c *Client) Notifications() <-chan model.Frame {
	return c.out
}

// Done is closed when the connection stops receiving.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return !c.conn.Closed()
	}
}

// Disconnect says goodbye to the server if it is still there, closes the
// connection and waits for the background goroutines. It is idempotent.
func (c *Client) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		if c.IsConnected() {
			if errX := c.conn.Send(model.TagExit, nil); errX != nil {
				c.logger.Debug().Err(errX).Msg("failed to send exit")
			}
		}
		close(c.stop)
		err = c.conn.Close()
		c.wg.Wait()
		c.logger.Debug().Msg("disconnected")
	})
	return err
}

func (c *Client) receiveLoop() {
	defer func() {
		close(c.done)
		close(c.in)
		c.wg.Done()
	}()
	for {
		f, err := c.conn.Receive()
		if err != nil {
			c.readErr = err
			select {
			case <-c.stop:
			default:
				c.logger.Warn().Err(err).Msg("server connection lost")
			}
			return
		}

		// the server never answers a request with NOTIFICATION
		if f.Tag != model.TagNotification && c.deliverReply(f) {
			continue
		}
		if f.Tag != model.TagNotification {
			if e := c.logger.Trace(); e.Enabled() {
				e.Str("frame", spew.Sdump(f)).Msg("unsolicited frame")
			}
		}
		select {
		case c.in <- f:
		case <-c.stop:
			return
		}
	}
}

// pump moves frames from the reader into an unbounded queue so the reader
// never waits on a slow consumer.
func (c *Client) pump() {
	defer func() {
		close(c.out)
		c.wg.Done()
	}()

	var queue []model.Frame
	in := c.in
	for in != nil || len(queue) > 0 {
		var (
			out  chan model.Frame
			head model.Frame
		)
		if len(queue) > 0 {
			out = c.out
			head = queue[0]
		}
		select {
		case f, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, f)
		case out <- head:
			queue[0] = model.Frame{}
			queue = queue[1:]
		case <-c.stop:
			return
		}
	}
}

func (c *Client) await() (model.Frame, error) {
	select {
	case f := <-c.replies:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.replies:
			return f, nil
		default:
		}
		c.cancelPending()
		return model.Frame{}, c.disconnectedErr()
	}
}

func (c *Client) setPending(v bool) {
	c.pendMx.Lock()
	c.awaiting = v
	c.pendMx.Unlock()
}

// deliverReply hands f to the waiting request, if any. The hand-off and
// cancelPending are serialized, so replies holds at most one frame and only
// while a request waits for it.
func (c *Client) deliverReply(f model.Frame) bool {
	c.pendMx.Lock()
	defer c.pendMx.Unlock()
	if !c.awaiting {
		return false
	}
	c.awaiting = false
	select {
	case c.replies <- f:
	default:
		c.logger.Error().Stringer("tag", f.Tag).Msg("reply slot is busy, frame dropped")
	}
	return true
}

// cancelPending withdraws the waiting request and drops a reply that raced
// with the withdrawal.
func (c *Client) cancelPending() {
	c.pendMx.Lock()
	defer c.pendMx.Unlock()
	c.awaiting = false
	select {
	case f := <-c.replies:
		c.logger.Debug().Stringer("tag", f.Tag).Msg("stale reply dropped")
	default:
	}
}

// disconnectedErr must only be called after done is closed.
func (c *Client) disconnectedErr() error {
	if c.readErr != nil {
		return errors.Join(ErrDisconnected, c.readErr)
	}
	return ErrDisconnected
}

func expectOK(f model.Frame, err error) error {
	if err != nil {
		return err
	}
	switch f.Tag {
	case model.TagOK:
		return nil
	case model.TagError:
		return &ServerError{Reason: f.Text()}
	}
	return errors.Join(ErrUnexpectedReply, fmt.Errorf("got %s(%q)", f.Tag, f.Text()))
}

func dialTimeout(cfg Config) time.Duration {
	if cfg.DialTimeout > 0 {
		return cfg.DialTimeout
	}
	return defaultDialTimeout
}
