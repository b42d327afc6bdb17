package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	httpServer "github.com/adwski/tlv-chat/backend/server/http"
	tcpServer "github.com/adwski/tlv-chat/backend/server/tcp"
	websocketServer "github.com/adwski/tlv-chat/backend/server/websocket"
	"github.com/adwski/tlv-chat/backend/service"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		listenAddr    = fs.StringP("listen-addr", "t", ":9080", "chat tcp listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "chat websocket listen address")
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		maxClients    = fs.IntP("max-clients", "m", 8, "max concurrently served clients")
		idleTimeout   = fs.Duration("idle-timeout", 600*time.Second, "close connections idle for this long")
		writeTimeout  = fs.Duration("write-timeout", 10*time.Second, "deadline for a single frame write")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Logger:       &logger,
		MaxClients:   *maxClients,
		IdleTimeout:  *idleTimeout,
		WriteTimeout: *writeTimeout,
	})
	tcpSrv := tcpServer.NewServer(tcpServer.Config{
		Logger:     &logger,
		Service:    svc,
		ListenAddr: *listenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Service:    svc,
		ListenAddr: *wsListenAddr,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)
	wg.Add(3)
	go tcpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go httpSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	// the tcp server stops the service too, this covers an early tcp failure
	svc.Shutdown()
}
