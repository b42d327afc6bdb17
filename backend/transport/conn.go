package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/tlv-chat/backend/model"
	"github.com/adwski/tlv-chat/backend/protocol"
	"github.com/google/uuid"
)

const (
	defaultWriteTimeout = 10 * time.Second
)

type Config struct {
	// IdleTimeout bounds every Receive. Zero disables the read deadline.
	IdleTimeout time.Duration
	// WriteTimeout bounds every Send. Zero means 10s.
	WriteTimeout time.Duration
}

// Conn is a framed connection owned by exactly one handler.
// Receive must only be called from one goroutine; Send is safe for
// concurrent use and writes whole frames only.
type Conn struct {
	nc  net.Conn
	rd  *bufio.Reader
	id  uuid.UUID
	wmx sync.Mutex

	idleTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func NewConn(nc net.Conn, cfg Config) *Conn {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Conn{
		nc:           nc,
		rd:           bufio.NewReader(nc),
		id:           uuid.New(),
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (c *Conn) ID() uuid.UUID {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Receive reads one frame, waiting at most the idle timeout.
func (c *Conn) Receive() (model.Frame, error) {
	if c.idleTimeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			// the stream is unusable, same as a failed read
			return model.Frame{}, protocol.Classify(errors.Join(protocol.ErrFraming, err))
		}
	}
	f, err := protocol.Read(c.rd)
	if err != nil {
		return model.Frame{}, protocol.Classify(err)
	}
	return f, nil
}

// Send writes one frame. Frames from concurrent callers never interleave.
func (c *Conn) Send(tag model.Tag, value []byte) error {
	b, err := protocol.Encode(tag, value)
	if err != nil {
		return err
	}

	c.wmx.Lock()
	defer c.wmx.Unlock()

	if err = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return protocol.Classify(err)
	}
	if _, err = c.nc.Write(b); err != nil {
		return protocol.Classify(err)
	}
	return nil
}

// SendText is Send for string payloads.
func (c *Conn) SendText(tag model.Tag, text string) error {
	return c.Send(tag, []byte(text))
}

// Close releases the underlying connection. It is safe to call many times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}
