// Package ws adapts gorilla/websocket to session.Conn, grounded on the
// teacher's server.go Upgrader and its /ws upgrade route.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rustyguts/mediaplane/room"
	"github.com/rustyguts/mediaplane/session"
)

// Upgrader is shared across all WebSocket accepts. CheckOrigin always true:
// origin policy is enforced upstream of this package (reverse proxy / auth
// layer), matching the teacher's server.go.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// conn adapts *websocket.Conn to session.Conn.
type conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	writeMu   sync.Mutex
}

func wrapClosed(err error) error {
	return fmt.Errorf("%w: %v", session.ErrConnClosed, err)
}

// ReadMessage blocks on the underlying socket. gorilla has no native
// context support, so the first call spawns a one-shot watcher that closes
// the socket when ctx is done, unblocking any in-flight read.
func (c *conn) ReadMessage(ctx context.Context) ([]byte, error) {
	c.closeOnce.Do(func() {
		go func() {
			<-ctx.Done()
			c.ws.Close()
		}()
	})
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, wrapClosed(err)
	}
	return data, nil
}

// WriteMessage serializes concurrent writers: room.FanOut may call Send on
// this session's sink from multiple sender goroutines at once, and gorilla
// websocket forbids concurrent writes on one connection.
func (c *conn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return session.ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return wrapClosed(err)
	}
	return nil
}

func (c *conn) Close() error { return c.ws.Close() }

var _ session.Conn = (*conn)(nil)

// Handler upgrades an incoming HTTP request to a WebSocket and drives it
// with router until the client disconnects. roomID and userID come from
// query parameters (?room=...&email=...), matching the shape of the
// teacher's join handshake without requiring a framed control message
// before the binary relay starts.
func Handler(router *session.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		roomID := room.ID(r.URL.Query().Get("room"))
		userID := r.URL.Query().Get("email")

		c := &conn{ws: wsConn}
		router.HandleConn(r.Context(), c, roomID, userID) //nolint:errcheck // teardown errors are expected on disconnect
	}
}
