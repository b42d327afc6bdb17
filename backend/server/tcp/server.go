// Package tcp accepts raw TCP chat connections.
package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/tlv-chat/backend/server"
	"github.com/rs/zerolog"
)

const (
	acceptRetryDelay = 50 * time.Millisecond
)

// ChatService takes ownership of accepted connections and is shut down
// together with the listener.
type ChatService interface {
	Admit(nc net.Conn) error
	Shutdown()
}

type Config struct {
	Logger     *zerolog.Logger
	Service    ChatService
	ListenAddr string
}

type Server struct {
	logger zerolog.Logger
	svc    ChatService
	addr   string

	mx      sync.Mutex
	ln      net.Listener
	stopped atomic.Bool
}

func NewServer(cfg Config) *Server {
	return &Server{
		logger: cfg.Logger.With().Str("component", "tcp-server").Logger(),
		svc:    cfg.Service,
		addr:   cfg.ListenAddr,
	}
}

// Listen binds the listen address.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}
	srv.mx.Lock()
	if srv.stopped.Load() {
		srv.mx.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	srv.ln = ln
	srv.mx.Unlock()
	srv.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (srv *Server) Addr() net.Addr {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// Serve accepts connections until Shutdown. It returns nil after a shutdown.
func (srv *Server) Serve() error {
	srv.mx.Lock()
	ln := srv.ln
	srv.mx.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			if srv.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				srv.logger.Warn().Err(err).Msg("accept failed, retrying")
				time.Sleep(acceptRetryDelay)
				continue
			}
			return err
		}
		srv.logger.Debug().Str("remote", nc.RemoteAddr().String()).Msg("connection accepted")
		if err = srv.svc.Admit(nc); err != nil {
			srv.logger.Debug().Err(err).Msg("connection not admitted")
		}
	}
}

// ListenAndServe binds and serves.
func (srv *Server) ListenAndServe() error {
	if err := srv.Listen(); err != nil {
		return err
	}
	return srv.Serve()
}

// Shutdown stops accepting and shuts the service down. It is idempotent.
func (srv *Server) Shutdown() {
	if srv.stopped.Swap(true) {
		return
	}
	srv.mx.Lock()
	ln := srv.ln
	srv.mx.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil {
			srv.logger.Error().Err(err).Msg("failed to close listener")
		}
	}
	srv.svc.Shutdown()
	srv.logger.Info().Msg("listener closed")
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	select {
	case err := <-errSrv:
		if err != nil {
			errc <- errors.Join(server.ErrUnexpected, err)
		}
		srv.Shutdown()
	case <-ctx.Done():
		srv.Shutdown()
		<-errSrv
	}
}
