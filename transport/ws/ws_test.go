package ws

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustyguts/mediaplane/room"
	"github.com/rustyguts/mediaplane/session"
	"github.com/rustyguts/mediaplane/wire"
)

// dial connects to the test server's WebSocket endpoint with the given
// room/email query parameters, mirroring the teacher's join-via-query-string
// handshake.
func dial(t *testing.T, serverURL, roomID, email string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	u.Scheme = "ws"
	q := u.Query()
	q.Set("room", roomID)
	q.Set("email", email)
	u.RawQuery = q.Encode()

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u.String(), err)
	}
	return c
}

func marshalRtt() []byte {
	mp := &wire.MediaPacket{MediaType: wire.MediaRtt, Data: []byte("ping")}
	pw := &wire.PacketWrapper{PacketType: wire.PacketMedia, Data: mp.Marshal()}
	return pw.Marshal()
}

func marshalAudio() []byte {
	mp := &wire.MediaPacket{MediaType: wire.MediaAudio, Data: []byte("frame")}
	pw := &wire.PacketWrapper{PacketType: wire.PacketMedia, Data: mp.Marshal()}
	return pw.Marshal()
}

func TestHandlerEchoesRtt(t *testing.T) {
	registry := room.NewRegistry()
	router := session.NewRouter(registry, session.Config{}).WithElector(session.StaticElector{})

	srv := httptest.NewServer(Handler(router))
	defer srv.Close()

	c := dial(t, srv.URL, "room1", "alice")
	defer c.Close()

	payload := marshalRtt()
	if err := c.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("expected the RTT bytes echoed back verbatim")
	}
}

func TestHandlerFansOutMediaBetweenPeersInSameRoom(t *testing.T) {
	registry := room.NewRegistry()
	router := session.NewRouter(registry, session.Config{}).WithElector(session.StaticElector{})

	srv := httptest.NewServer(Handler(router))
	defer srv.Close()

	a := dial(t, srv.URL, "room1", "alice")
	defer a.Close()
	b := dial(t, srv.URL, "room1", "bob")
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for registry.RoomSize("room1") != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.RoomSize("room1") != 2 {
		t.Fatalf("expected both peers to join room1")
	}

	payload := marshalAudio()
	if err := a.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("expected bob to receive alice's media frame verbatim")
	}
}

func TestHandlerSeparatesDistinctRooms(t *testing.T) {
	registry := room.NewRegistry()
	router := session.NewRouter(registry, session.Config{}).WithElector(session.StaticElector{})

	srv := httptest.NewServer(Handler(router))
	defer srv.Close()

	a := dial(t, srv.URL, "room1", "alice")
	defer a.Close()
	b := dial(t, srv.URL, "room2", "bob")
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for (registry.RoomSize("room1") != 1 || registry.RoomSize("room2") != 1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.WriteMessage(websocket.BinaryMessage, marshalAudio()); err != nil {
		t.Fatalf("write: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := b.ReadMessage()
	if err == nil {
		t.Fatalf("expected no cross-room delivery")
	}
	if !strings.Contains(err.Error(), "timeout") && !strings.Contains(err.Error(), "i/o timeout") {
		t.Fatalf("expected a read timeout, got: %v", err)
	}
}
