package service

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/adwski/tlv-chat/backend/model"
	"github.com/adwski/tlv-chat/backend/pool"
	"github.com/adwski/tlv-chat/backend/registry"
	"github.com/adwski/tlv-chat/backend/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultMaxClients   = 8
	defaultIdleTimeout  = 600 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

var (
	ErrBusy              = errors.New("server is busy")
	ErrShutdown          = errors.New("service is shut down")
	ErrProtocolViolation = errors.New("protocol violation")
)

type Config struct {
	Logger *zerolog.Logger
	// MaxClients caps concurrently served connections. Rooms get half of it
	// as fan-out capacity.
	MaxClients int
	// IdleTimeout closes a connection that sends nothing for this long.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// Service is the chat engine shared by every listener: admission control,
// per-connection sessions and the room registry.
type Service struct {
	logger     zerolog.Logger
	reg        *registry.Registry
	accept     *pool.Pool[*transport.Conn]
	connCfg    transport.Config
	maxClients int

	mx     sync.Mutex
	conns  map[uuid.UUID]*transport.Conn
	closed bool

	shutdownOnce sync.Once
}

func NewService(cfg Config) *Service {
	if cfg.MaxClients < 1 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	svc := &Service{
		logger: logger.With().Str("component", "service").Logger(),
		reg: registry.NewRegistry(registry.Config{
			Logger:     &logger,
			MaxClients: cfg.MaxClients,
		}),
		connCfg: transport.Config{
			IdleTimeout:  cfg.IdleTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		maxClients: cfg.MaxClients,
		conns:      make(map[uuid.UUID]*transport.Conn),
	}
	svc.accept = pool.New(pool.Config{
		Logger: &logger,
		Name:   "accept",
		Size:   cfg.MaxClients,
	}, svc.serve)
	return svc
}

// Admit takes ownership of a freshly accepted stream. Over capacity the
// client gets a busy error and the stream is closed; otherwise the client
// gets OK and its session is queued on the accept pool.
func (svc *Service) Admit(nc net.Conn) error {
	conn := transport.NewConn(nc, svc.connCfg)
	logger := svc.logger.With().
		Str("connID", conn.ID().String()).
		Str("remote", conn.RemoteAddr()).
		Logger()

	if svc.accept.ActiveCount() >= svc.maxClients {
		if err := conn.SendText(model.TagError, replyBusy); err != nil {
			logger.Debug().Err(err).Msg("failed to send busy reply")
		}
		_ = conn.Close()
		logger.Warn().Int("maxClients", svc.maxClients).Msg("connection rejected, server is busy")
		return ErrBusy
	}

	if !svc.track(conn) {
		_ = conn.Close()
		return ErrShutdown
	}
	if err := conn.Send(model.TagOK, nil); err != nil {
		svc.untrack(conn)
		_ = conn.Close()
		return err
	}
	if !svc.accept.Submit(conn) {
		svc.untrack(conn)
		_ = conn.Close()
		return ErrShutdown
	}
	logger.Info().Msg("client connected")
	return nil
}

// Rooms returns a snapshot of all rooms.
func (svc *Service) Rooms() []model.RoomInfo {
	return svc.reg.Snapshot()
}

// ActiveSessions returns the number of sessions being served.
func (svc *Service) ActiveSessions() int {
	return svc.accept.ActiveCount()
}

// Shutdown closes every live connection, waits for their sessions to end
// and drops all rooms. It is idempotent.
func (svc *Service) Shutdown() {
	svc.shutdownOnce.Do(func() {
		svc.mx.Lock()
		svc.closed = true
		conns := make([]*transport.Conn, 0, len(svc.conns))
		for _, c := range svc.conns {
			conns = append(conns, c)
		}
		svc.mx.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
		svc.accept.Shutdown()
		svc.reg.Shutdown()
		svc.logger.Debug().Int("closed", len(conns)).Msg("service stopped")
	})
}

func (svc *Service) serve(conn *transport.Conn) {
	defer svc.untrack(conn)
	newSession(svc, conn).run()
}

func (svc *Service) track(conn *transport.Conn) bool {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	if svc.closed {
		return false
	}
	svc.conns[conn.ID()] = conn
	return true
}

func (svc *Service) untrack(conn *transport.Conn) {
	svc.mx.Lock()
	delete(svc.conns, conn.ID())
	svc.mx.Unlock()
}
