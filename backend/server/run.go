// Package server holds what the chat listeners share.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// ServeHTTP runs hs until ctx is done, then shuts it down gracefully.
// A listener failure goes to errc. wg is released on return.
func ServeHTTP(ctx context.Context, logger *zerolog.Logger, hs *http.Server, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	served := make(chan error, 1)
	go func() {
		served <- hs.ListenAndServe()
	}()
	logger.Info().Str("addr", hs.Addr).Msg("server started")

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
		return
	case <-ctx.Done():
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
	defer shCancel()
	if err := hs.Shutdown(shCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
}
