package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/quic-go/quic-go"
	wt "github.com/quic-go/webtransport-go"

	"github.com/rustyguts/mediaplane/wire"
)

// maxStreamMessageBytes bounds a single unidirectional-stream read,
// mirroring transport/webtransport's server-side limit.
const maxStreamMessageBytes = 4 << 20

// reconnectBackoff implements spec §7's client reconnection policy:
// 250ms, 500ms, 1s, ..., capped at 5s, with ±20% jitter.
type reconnectBackoff struct {
	attempt int
}

func (b *reconnectBackoff) next() time.Duration {
	base := 250 * time.Millisecond
	for i := 0; i < b.attempt; i++ {
		base *= 2
		if base > 5*time.Second {
			base = 5 * time.Second
			break
		}
	}
	b.attempt++
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // ±20%
	return time.Duration(float64(base) * jitter)
}

func (b *reconnectBackoff) reset() { b.attempt = 0 }

// client owns one WebTransport session to the media plane and exposes the
// inbound packet stream; outbound packets are written by send directly to
// the session, with no queue.
type client struct {
	addr     string
	roomID   string
	email    string
	insecure bool

	mu       sync.RWMutex
	sess     *wt.Session
	inbound  chan []byte
	onAudio  func(*wire.MediaPacket)
	onHealth func(*rtcp.ReceiverReport)
}

// dial opens the first connection, sending the room/email join handshake
// over a bidirectional stream (spec §6.2's dual-endpoint shape), and
// starts a background reconnect loop that transparently replaces the
// underlying session on transport failure using reconnectBackoff.
func dial(ctx context.Context, addr, roomID, email string, insecure bool) (*client, error) {
	c := &client{addr: addr, roomID: roomID, email: email, insecure: insecure, inbound: make(chan []byte, 64)}
	if err := c.connectOnce(ctx); err != nil {
		return nil, err
	}
	go c.reconnectLoop(ctx)
	return c, nil
}

func (c *client) connectOnce(ctx context.Context) error {
	d := wt.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: c.insecure}, //nolint:gosec // dev/self-signed certs
		QUICConfig:      &quic.Config{EnableDatagrams: true},
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, sess, err := d.Dial(dialCtx, "https://"+c.addr+"/rtc", http.Header{})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	stream, err := sess.OpenStream()
	if err != nil {
		sess.CloseWithError(0, "")
		return fmt.Errorf("open join stream: %w", err)
	}
	joinLine := fmt.Sprintf(`{"room":%q,"email":%q}`+"\n", c.roomID, c.email)
	if _, err := stream.Write([]byte(joinLine)); err != nil {
		sess.CloseWithError(0, "")
		return fmt.Errorf("write join: %w", err)
	}
	stream.Close()

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go c.pumpDatagrams(ctx, sess)
	go c.pumpStreams(ctx, sess)
	log.Printf("[probe] connected to %s room=%s", c.addr, c.roomID)
	return nil
}

// pumpDatagrams forwards every datagram from sess onto c.inbound until sess
// closes or ctx is done. Only RTT probes travel this path (spec §6.2).
func (c *client) pumpDatagrams(ctx context.Context, sess *wt.Session) {
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		select {
		case c.inbound <- data:
		case <-ctx.Done():
			return
		default:
			// Receiver falling behind: drop rather than block the pump.
		}
	}
}

// pumpStreams accepts every unidirectional stream the server opens and
// forwards its full contents onto c.inbound — the reliable-media path for
// everything other than RTT probes (spec §6.2).
func (c *client) pumpStreams(ctx context.Context, sess *wt.Session) {
	for {
		stream, err := sess.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func(s wt.ReceiveStream) {
			data, err := io.ReadAll(io.LimitReader(s, maxStreamMessageBytes))
			if err != nil {
				return
			}
			select {
			case c.inbound <- data:
			case <-ctx.Done():
			default:
			}
		}(stream)
	}
}

// reconnectLoop watches for the active session closing and re-dials with
// exponential backoff, per spec §7's "session fatal" propagation policy.
func (c *client) reconnectLoop(ctx context.Context) {
	backoff := &reconnectBackoff{}
	for {
		c.mu.RLock()
		sess := c.sess
		c.mu.RUnlock()
		if sess == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sess.Context().Done():
		}
		if ctx.Err() != nil {
			return
		}

		delay := backoff.next()
		log.Printf("[probe] connection lost, retrying in %v", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if err := c.connectOnce(ctx); err != nil {
			log.Printf("[probe] reconnect failed: %v", err)
			continue
		}
		backoff.reset()
	}
}

// send transmits one already-framed PacketWrapper, choosing a unidirectional
// stream for reliable media/control kinds and a datagram only for RTT
// probes, matching transport/webtransport's server-side split (spec §6.2).
func (c *client) send(data []byte) error {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("not connected")
	}
	if isRttProbe(data) {
		return sess.SendDatagram(data)
	}
	stream, err := sess.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open uni stream: %w", err)
	}
	if _, err := stream.Write(data); err != nil {
		stream.Close()
		return fmt.Errorf("write stream: %w", err)
	}
	return stream.Close()
}

// isRttProbe reports whether data decodes as a PacketMedia wrapper whose
// inner MediaPacket is a MediaRtt sample.
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

func (c *client) Close() error {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess == nil {
		return nil
	}
	return sess.CloseWithError(0, "")
}

// runHeartbeat sends a Heartbeat MediaPacket every 5s until ctx is done,
// matching the daemon's original quic.rs start_heartbeat loop.
func (c *client) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mp := &wire.MediaPacket{MediaType: wire.MediaHeartbeat}
			pw := &wire.PacketWrapper{PacketType: wire.PacketMedia, Email: c.email, Data: mp.Marshal()}
			if err := c.send(pw.Marshal()); err != nil {
				log.Printf("[probe] heartbeat: %v", err)
			}
		}
	}
}

// runReceive classifies every inbound packet: Audio MediaPackets go to the
// registered audio pipeline via onAudio, and Health packets carrying an
// RTCP ReceiverReport go to onHealth so the bitrate controller can react to
// real receiver feedback; anything else is dropped, since probe only
// exercises the audio path.
func (c *client) runReceive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.inbound:
			var pw wire.PacketWrapper
			if err := pw.Unmarshal(data); err != nil {
				continue
			}
			switch pw.PacketType {
			case wire.PacketMedia:
				var mp wire.MediaPacket
				if err := mp.Unmarshal(pw.Data); err != nil {
					continue
				}
				if mp.MediaType != wire.MediaAudio {
					continue
				}
				c.mu.RLock()
				onAudio := c.onAudio
				c.mu.RUnlock()
				if onAudio != nil {
					onAudio(&mp)
				}
			case wire.PacketHealth:
				rr := parseReceiverReport(pw.Data)
				if rr == nil {
					continue
				}
				c.mu.RLock()
				onHealth := c.onHealth
				c.mu.RUnlock()
				if onHealth != nil {
					onHealth(rr)
				}
			}
		}
	}
}

// parseReceiverReport decodes a Health packet's payload as an RTCP packet
// and returns its ReceiverReport if that's what it contains, mirroring
// session/router.go's server-side helper of the same name (unexported
// there, so duplicated rather than imported across package boundaries).
func parseReceiverReport(data []byte) *rtcp.ReceiverReport {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil
	}
	for _, p := range packets {
		if rr, ok := p.(*rtcp.ReceiverReport); ok {
			return rr
		}
	}
	return nil
}
