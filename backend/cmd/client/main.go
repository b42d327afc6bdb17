package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/adwski/tlv-chat/backend/client"
	"github.com/adwski/tlv-chat/backend/model"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		serverAddr = fs.StringP("server", "s", "127.0.0.1:9080", "chat server tcp address")
		wsURL      = fs.String("ws-url", "", "connect through the websocket gateway instead, e.g. ws://127.0.0.1:8888/chat")
		username   = fs.StringP("username", "u", "", "username, prompted for when empty")
		logLevel   = fs.StringP("log-level", "l", "warn", "log level")
		useTUI     = fs.Bool("tui", false, "run the terminal UI instead of plain line mode")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	// log lines would tear the terminal UI
	sessionLogger := logger
	if *useTUI {
		sessionLogger = logger.Level(zerolog.FatalLevel)
	}

	var (
		ctx = context.Background()
		cfg = client.Config{Logger: &sessionLogger}
		c   *client.Client
	)
	if *wsURL != "" {
		c, err = client.ConnectWebSocket(ctx, *wsURL, cfg)
	} else {
		c, err = client.Connect(ctx, *serverAddr, cfg)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}

	in := bufio.NewReader(os.Stdin)
	name := *username
	for !model.ValidName(name) {
		if name != "" {
			fmt.Println("Invalid username. Only alphanumeric characters allowed.")
		}
		fmt.Print("Enter your username: ")
		line, errR := in.ReadString('\n')
		if errR != nil {
			_ = c.Disconnect()
			return
		}
		name = strings.TrimSpace(line)
	}
	if err = c.SendUsername(name); err != nil {
		_ = c.Disconnect()
		logger.Fatal().Err(err).Msg("authentication failed")
	}

	ui := &cli{
		logger: sessionLogger.With().Str("component", "cli").Logger(),
		c:      c,
		out:    os.Stdout,
	}
	if !*useTUI {
		ui.run(in)
		return
	}

	t, err := newTUI(ui, fmt.Sprintf("tlv-chat: %s", name))
	if err != nil {
		_ = c.Disconnect()
		logger.Fatal().Err(err).Msg("failed to start terminal ui")
	}
	if err = t.Run(); err != nil {
		logger.Error().Err(err).Msg("terminal ui failed")
	}
}
