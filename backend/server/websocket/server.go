// Package websocket is a gateway that carries the chat protocol over binary
// websocket messages.
package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/tlv-chat/backend/protocol"
	"github.com/adwski/tlv-chat/backend/server"
	"github.com/adwski/tlv-chat/backend/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebsocketReadBufferSize   = 4096
	defaultWebsocketWriteBufferSize  = 4096
	defaultWebSocketHandshakeTimeout = 3 * time.Second

	// largest encoded frame: tag, long length marker, two length bytes, value
	defaultWebSocketMaxMessageSize = protocol.MaxValueLen + 4
)

type (
	// ChatService takes ownership of upgraded streams.
	ChatService interface {
		Admit(nc net.Conn) error
	}

	Config struct {
		Logger     *zerolog.Logger
		Service    ChatService
		ListenAddr string
	}

	Server struct {
		svc ChatService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.Service,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat", srv.chat)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Run serves the gateway until ctx is done. Upgraded connections are
// hijacked and belong to the chat service, which closes them itself.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	server.ServeHTTP(ctx, &srv.logger, srv.Server, wg, errc)
}

func (srv *Server) chat(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an http error
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)

	srv.logger.Debug().
		Str("remote", conn.RemoteAddr().String()).
		Msg("websocket connection upgraded")

	if err = srv.svc.Admit(transport.NewWebSocketStream(conn)); err != nil {
		srv.logger.Debug().Err(err).Msg("connection not admitted")
	}
}
