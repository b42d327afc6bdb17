package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/tlv-chat/backend/client"
	"github.com/adwski/tlv-chat/backend/model"
	"github.com/adwski/tlv-chat/backend/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T, maxClients int) string {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{Logger: &logger, MaxClients: maxClients})
	srv := NewServer(Config{Logger: &logger, Service: svc})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		svc.Shutdown()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat"
}

func dial(t *testing.T, url, name string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.ConnectWebSocket(ctx, url, client.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	require.NoError(t, c.SendUsername(name))
	return c
}

func TestChatOverWebSocket(t *testing.T) {
	url := newGateway(t, 8)

	a := dial(t, url, "alice")
	b := dial(t, url, "bob")

	require.NoError(t, a.JoinRoom("lobby"))
	require.NoError(t, b.JoinRoom("lobby"))

	select {
	case f := <-a.Notifications():
		assert.Equal(t, model.TagNotification, f.Tag)
		assert.Equal(t, "Client bob has joined the room.", f.Text())
	case <-time.After(2 * time.Second):
		t.Fatal("no join notification")
	}

	rooms, err := a.ListRooms()
	require.NoError(t, err)
	assert.Equal(t, "Room: lobby\n  Member: alice\n  Member: bob\n", rooms)

	require.NoError(t, b.SendMessage(strings.Repeat("x", 300)))
	select {
	case f := <-a.Notifications():
		assert.Equal(t, "Client bob: "+strings.Repeat("x", 300), f.Text())
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}

func TestBusyOverWebSocket(t *testing.T) {
	url := newGateway(t, 1)
	_ = dial(t, url, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.ConnectWebSocket(ctx, url, client.Config{})

	var srvErr *client.ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, "503 SERVICE UNAVAILABLE: Server is busy.", srvErr.Reason)
}

func TestPlainRequestIsRejected(t *testing.T) {
	url := newGateway(t, 1)
	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
