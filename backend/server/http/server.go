// Package http serves a read-only JSON view of the chat rooms.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/adwski/tlv-chat/backend/model"
	"github.com/adwski/tlv-chat/backend/server"
	"github.com/rs/zerolog"
)

const (
	preflightMaxAge = "86400"
)

type RoomService interface {
	Rooms() []model.RoomInfo
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("OPTIONS /", preflight)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: allowAnyOrigin(r),
	}
	return srv
}

// Run serves the API until ctx is done.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	server.ServeHTTP(ctx, &srv.logger, srv.Server, wg, errc)
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	h.Set("Access-Control-Max-Age", preflightMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := srv.svc.Rooms()
	if rooms == nil {
		// a non-nil slice keeps "data" in the output
		rooms = []model.RoomInfo{}
	}
	srv.logger.Trace().Int("rooms", len(rooms)).Msg("room listing requested")
	srv.respond(w, http.StatusOK, &GenericResponse{Data: rooms})
}

func (srv *Server) respond(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Debug().Err(err).Msg("failed to write response")
	}
}
