// Package webtransport adapts quic-go/webtransport-go to session.Conn,
// grounded on the teacher's client.go handleClient (AcceptStream join
// handshake, then a datagram relay loop) and original_source's
// actix-api/src/lobby.rs dual `/lobby` endpoint shape. The reliable/
// unreliable transport split follows original_source's
// video-daemon/src/quic.rs send path.
package webtransport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	wt "github.com/quic-go/webtransport-go"

	"github.com/rustyguts/mediaplane/room"
	"github.com/rustyguts/mediaplane/session"
	"github.com/rustyguts/mediaplane/wire"
)

// joinRequest is the single newline-terminated JSON message the client must
// send on its first accepted stream before the relay begins, mirroring the
// teacher's ControlMsg{Type:"join"} handshake.
type joinRequest struct {
	Room  string `json:"room"`
	Email string `json:"email"`
}

// maxStreamMessageBytes bounds a single unidirectional-stream read: a frame
// larger than this is almost certainly a framing bug, not real media.
const maxStreamMessageBytes = 4 << 20

// conn adapts a *wt.Session to session.Conn, splitting outbound traffic per
// spec §6.2: RTT probes (MediaRtt MediaPackets) go out as unreliable
// datagrams since a lost probe just means a missed sample, while every other
// packet kind — audio/video/screen media, connection control, and AES/RSA
// key exchange — goes out on its own unidirectional stream so transport-
// level loss doesn't silently drop a frame the application never retries.
// Inbound, a background pump merges both sources onto one channel so
// ReadMessage stays a single blocking call regardless of which path a given
// message arrived on.
type conn struct {
	sess *wt.Session

	writeMu sync.Mutex

	msgCh    chan []byte
	errCh    chan error
	pumpOnce sync.Once
}

func wrapClosed(err error) error {
	return fmt.Errorf("%w: %v", session.ErrConnClosed, err)
}

func newConn(sess *wt.Session) *conn {
	return &conn{
		sess:  sess,
		msgCh: make(chan []byte, 64),
		errCh: make(chan error, 2),
	}
}

// startPumps lazily launches the datagram and uni-stream accept loops on the
// first ReadMessage call, mirroring ws.go's closeOnce-gated watcher pattern.
func (c *conn) startPumps(ctx context.Context) {
	c.pumpOnce.Do(func() {
		go c.pumpDatagrams(ctx)
		go c.pumpStreams(ctx)
	})
}

func (c *conn) pumpDatagrams(ctx context.Context) {
	for {
		data, err := c.sess.ReceiveDatagram(ctx)
		if err != nil {
			select {
			case c.errCh <- wrapClosed(err):
			default:
			}
			return
		}
		select {
		case c.msgCh <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) pumpStreams(ctx context.Context) {
	for {
		stream, err := c.sess.AcceptUniStream(ctx)
		if err != nil {
			select {
			case c.errCh <- wrapClosed(err):
			default:
			}
			return
		}
		go c.readStream(ctx, stream)
	}
}

func (c *conn) readStream(ctx context.Context, stream wt.ReceiveStream) {
	data, err := io.ReadAll(io.LimitReader(stream, maxStreamMessageBytes))
	if err != nil {
		return
	}
	select {
	case c.msgCh <- data:
	case <-ctx.Done():
	}
}

func (c *conn) ReadMessage(ctx context.Context) ([]byte, error) {
	c.startPumps(ctx)
	select {
	case data := <-c.msgCh:
		return data, nil
	case err := <-c.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, session.ErrConnClosed
	}
}

// WriteMessage routes data to a unidirectional stream or a datagram
// depending on what it carries (see the conn doc comment). Unparseable data
// falls back to a stream: the safer failure mode is an ordering/reliability
// guarantee the caller didn't strictly need, not a silent drop.
func (c *conn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return session.ErrConnClosed
	default:
	}
	if isRttProbe(data) {
		c.writeMu.Lock()
		err := c.sess.SendDatagram(data)
		c.writeMu.Unlock()
		if err != nil {
			return wrapClosed(err)
		}
		return nil
	}
	return c.writeStream(ctx, data)
}

// isRttProbe reports whether data decodes as a PacketMedia wrapper whose
// inner MediaPacket is a MediaRtt sample — the only kind spec §6.2 allows
// onto the unreliable datagram path.
func isRttProbe(data []byte) bool {
	var pw wire.PacketWrapper
	if err := pw.Unmarshal(data); err != nil {
		return false
	}
	if pw.PacketType != wire.PacketMedia {
		return false
	}
	var mp wire.MediaPacket
	if err := mp.Unmarshal(pw.Data); err != nil {
		return false
	}
	return mp.MediaType == wire.MediaRtt
}

// writeStream opens a fresh unidirectional stream per message, writes it in
// full, and finishes the stream to signal EOF to the peer's reader — the
// open/write_all/finish shape of original_source's quic.rs send path.
func (c *conn) writeStream(ctx context.Context, data []byte) error {
	stream, err := c.sess.OpenUniStreamSync(ctx)
	if err != nil {
		return wrapClosed(err)
	}
	if _, err := stream.Write(data); err != nil {
		stream.Close()
		return wrapClosed(err)
	}
	if err := stream.Close(); err != nil {
		return wrapClosed(err)
	}
	return nil
}

func (c *conn) Close() error { return c.sess.CloseWithError(0, "") }

var _ session.Conn = (*conn)(nil)

// Handle drives one accepted WebTransport session end to end: it reads the
// join handshake off the session's first bidirectional stream, then hands
// the session to router for the lifetime of the connection.
func Handle(ctx context.Context, sess *wt.Session, router *session.Router) error {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	line, err := bufio.NewReader(stream).ReadBytes('\n')
	if err != nil {
		return err
	}
	var req joinRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return err
	}

	c := newConn(sess)
	_, err = router.HandleConn(ctx, c, room.ID(req.Room), req.Email)
	return err
}
