package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/adwski/tlv-chat/backend/client"
	"github.com/adwski/tlv-chat/backend/model"
	"github.com/rs/zerolog"
)

const (
	menu = `
===== Available Commands =====
LIST               - List available rooms
JOIN <room>        - Join a chat room
LEAVE              - Leave current room
SEND <message>     - Send message
EXIT               - Disconnect
=============================
`
	invalidCommand = "Invalid command. Type 'LIST', 'JOIN <room>', 'LEAVE', 'SEND <message>', or 'EXIT'"
)

type chatClient interface {
	ListRooms() (string, error)
	JoinRoom(name string) error
	LeaveRoom() error
	SendMessage(text string) error
	Notifications() <-chan model.Frame
	Done() <-chan struct{}
	Disconnect() error
}

// cli drives one connected client from line commands.
type cli struct {
	logger zerolog.Logger
	c      chatClient
	out    io.Writer
}

// run processes commands until EXIT, end of input or loss of the server.
func (ui *cli) run(in io.Reader) {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		ui.printNotifications()
	}()
	defer func() {
		_ = ui.c.Disconnect()
		<-printed
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ui.c.Done():
				return
			}
		}
	}()

	_, _ = fmt.Fprint(ui.out, menu)
	for {
		select {
		case <-ui.c.Done():
			_, _ = fmt.Fprintln(ui.out, "Disconnected from server.")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !ui.execute(line) {
				return
			}
		}
	}
}

// execute runs one command line and reports whether to keep going.
func (ui *cli) execute(line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var (
		err     error
		listing string
	)
	switch {
	case cmd == "EXIT" && arg == "":
		return false
	case cmd == "LIST" && arg == "":
		listing, err = ui.c.ListRooms()
	case cmd == "JOIN" && arg != "" && !strings.ContainsAny(arg, " \t"):
		err = ui.c.JoinRoom(arg)
	case cmd == "LEAVE" && arg == "":
		err = ui.c.LeaveRoom()
	case cmd == "SEND" && arg != "":
		err = ui.c.SendMessage(arg)
	default:
		_, _ = fmt.Fprintln(ui.out, invalidCommand)
		return true
	}

	var srvErr *client.ServerError
	switch {
	case errors.As(err, &srvErr):
		_, _ = fmt.Fprintf(ui.out, "Error: %s\n", srvErr.Reason)
	case err != nil:
		ui.logger.Error().Err(err).Str("command", cmd).Msg("request failed")
		return false
	case listing != "":
		_, _ = fmt.Fprint(ui.out, listing)
	default:
		_, _ = fmt.Fprintln(ui.out, "OK")
	}
	return true
}

func (ui *cli) printNotifications() {
	for f := range ui.c.Notifications() {
		if f.Tag == model.TagNotification {
			_, _ = fmt.Fprintf(ui.out, "[notification] %s\n", f.Text())
			continue
		}
		ui.logger.Debug().Stringer("tag", f.Tag).Str("value", f.Text()).Msg("unexpected frame from server")
	}
}
