package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/api"
	"proctorhub/internal/app"
	"proctorhub/internal/config"
	"proctorhub/pkg/types"
)

const waitFor = 3 * time.Second

// startApp runs a full hub process on an ephemeral port.
func startApp(t *testing.T, mutate func(*config.Config)) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Journal.Path = filepath.Join(t.TempDir(), "presence.db")
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

type frame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// client is a websocket peer whose inbound frames are read in the
// background and matched by event name.
type client struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan frame
}

func dial(t *testing.T, application *app.Application) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+application.Addr()+"/ws", nil)
	require.NoError(t, err)

	c := &client{t: t, conn: conn, frames: make(chan frame, 64)}
	go func() {
		defer close(c.frames)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			c.frames <- f
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) send(event string, data map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// expect returns the next frame named event, skipping any others.
func (c *client) expect(event string) frame {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", event)
			}
			if f.Event == event {
				return f
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectNone fails if a frame named event arrives within the window.
func (c *client) expectNone(event string, window time.Duration) {
	c.t.Helper()
	deadline := time.After(window)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			if f.Event == event {
				c.t.Fatalf("unexpected %s: %v", event, f.Data)
			}
		case <-deadline:
			return
		}
	}
}

// fetchJSON decodes a 200 response into v and returns the status code, or
// 0 when the request fails. It is safe inside Eventually conditions.
func fetchJSON(application *app.Application, path string, v any) int {
	resp, err := http.Get("http://" + application.Addr() + path)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return 0
		}
	}
	return resp.StatusCode
}

func roomPath(kind types.RoomKind, key string) string {
	return fmt.Sprintf("/api/rooms/%s/%s", kind, url.PathEscape(key))
}

// waitMembers blocks until the hub reports n local members in the room,
// so that later sends from other connections observe the joins.
func waitMembers(t *testing.T, application *app.Application, kind types.RoomKind, key string, n int) []types.Member {
	t.Helper()
	var room api.RoomResponse
	require.Eventually(t, func() bool {
		room = api.RoomResponse{}
		return fetchJSON(application, roomPath(kind, key), &room) == http.StatusOK && len(room.Members) == n
	}, waitFor, 20*time.Millisecond, "room %s:%s never reached %d members", kind, key, n)
	return room.Members
}

func connOf(t *testing.T, members []types.Member, userID string) string {
	t.Helper()
	for _, m := range members {
		if m.UserID == userID {
			return m.ConnID
		}
	}
	t.Fatalf("no member with user id %s in %v", userID, members)
	return ""
}
