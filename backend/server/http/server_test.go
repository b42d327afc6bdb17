package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/tlv-chat/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRooms []model.RoomInfo

func (f fakeRooms) Rooms() []model.RoomInfo { return f }

func newTestServer(t *testing.T, rooms fakeRooms) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, RoomService: rooms})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestListRooms(t *testing.T) {
	tests := []struct {
		name  string
		rooms fakeRooms
		want  string
	}{
		{
			name: "no rooms",
			want: `{"data":[]}`,
		},
		{
			name: "rooms with members",
			rooms: fakeRooms{
				{Name: "games", Members: []string{"bob"}},
				{Name: "lobby", Members: []string{"alice", "carol"}},
			},
			want: `{"data":[{"name":"games","members":["bob"]},{"name":"lobby","members":["alice","carol"]}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.rooms)
			code, body := get(t, ts.URL+"/api/rooms")
			assert.Equal(t, http.StatusOK, code)
			assert.JSONEq(t, tt.want, body)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/rooms", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestListRoomsIsReadOnly(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Post(ts.URL+"/api/rooms", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
