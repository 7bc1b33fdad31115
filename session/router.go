// Package session implements the per-connection router actor (spec §4.2):
// accept, classify, heartbeat, Testing/Active gate, teardown. It is
// transport-agnostic — transport/ws and transport/webtransport each supply
// a Conn and call Router.HandleConn.
package session

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"golang.org/x/time/rate"

	"github.com/rustyguts/mediaplane/room"
	"github.com/rustyguts/mediaplane/wire"
)

// Conn is the minimal transport surface the router needs. Implementations
// must make ReadMessage/WriteMessage return promptly once ctx is done, so
// that transport close propagates as cancellation within one scheduling
// quantum (spec §4.2, §5).
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Telemetry receives Health/Diagnostics packets and lifecycle events that
// never get forwarded to peers. A nil Telemetry simply drops them — kept
// narrow here so session doesn't import the diagnostics package directly.
type Telemetry interface {
	Publish(event string, sess room.SessionID, data []byte)
}

// FeedbackSink receives RTCP receiver reports extracted from Health
// packets, reaching the encoder control loop's bitrate/keyframe policy
// (spec §4.6) without session depending on the codec package directly.
type FeedbackSink interface {
	OnReceiverReport(sess room.SessionID, rr *rtcp.ReceiverReport)
}

// state values for the Testing/Active gate (spec §4.2).
const (
	stateTesting int32 = iota
	stateActive
)

// Config parameterizes a Router. Zero values fall back to spec defaults.
type Config struct {
	// HeartbeatInterval is the expected cadence of Heartbeat MediaPackets.
	// The deadline is the greater of 3x this and HeartbeatFloor (default
	// 10 s), matching spec §4.2/§5.
	HeartbeatInterval time.Duration
	HeartbeatFloor    time.Duration

	// RateLimit/RateBurst bound opaque control-message forwarding
	// (Connection/AesKey/RsaPubKey/Meeting) per session, generalizing the
	// teacher's -rate-limit flag into a token bucket.
	RateLimit rate.Limit
	RateBurst int

	// MaxPacketSize rejects oversized envelopes before they're even parsed
	// (spec §6.4 max_packet_size, §7 "Malformed packet").
	MaxPacketSize int
}

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatFloor    = 10 * time.Second
	defaultRateLimit         = rate.Limit(20)
	defaultRateBurst         = 40
	defaultMaxPacketSize     = 64 * 1024
)

func (c Config) heartbeatTimeout() time.Duration {
	interval := c.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	floor := c.HeartbeatFloor
	if floor <= 0 {
		floor = defaultHeartbeatFloor
	}
	if timeout := interval * 3; timeout > floor {
		return timeout
	}
	return floor
}

func (c Config) rateLimit() rate.Limit {
	if c.RateLimit <= 0 {
		return defaultRateLimit
	}
	return c.RateLimit
}

func (c Config) rateBurst() int {
	if c.RateBurst <= 0 {
		return defaultRateBurst
	}
	return c.RateBurst
}

func (c Config) maxPacketSize() int {
	if c.MaxPacketSize <= 0 {
		return defaultMaxPacketSize
	}
	return c.MaxPacketSize
}

// Router terminates one WebSocket or WebTransport session at a time via
// HandleConn: it demultiplexes inbound packets and fans outbound frames to
// the session's room (spec §4.2).
type Router struct {
	registry  *room.Registry
	elector   Elector
	telemetry Telemetry
	feedback  FeedbackSink
	cfg       Config

	malformed   atomic.Uint64
	unknownKind atomic.Uint64

	// activeStates tracks each live session's Testing/Active gate state
	// (room.SessionID -> *atomic.Int32) so IsActive can answer queries from
	// outside the owning HandleConn goroutine.
	activeStates sync.Map
}

// NewRouter constructs a Router backed by registry. Elector defaults to
// StaticElector (immediately Active) until WithElector is called.
func NewRouter(registry *room.Registry, cfg Config) *Router {
	return &Router{registry: registry, elector: StaticElector{}, cfg: cfg}
}

// WithElector swaps in a real election-layer collaborator.
func (r *Router) WithElector(e Elector) *Router {
	r.elector = e
	return r
}

// WithTelemetry wires a sink for Health/Diagnostics packets and lifecycle
// events.
func (r *Router) WithTelemetry(t Telemetry) *Router {
	r.telemetry = t
	return r
}

// WithFeedback wires the encoder control loop's RTCP receiver-report sink.
func (r *Router) WithFeedback(f FeedbackSink) *Router {
	r.feedback = f
	return r
}

// Stats returns process-wide malformed-envelope and unrecognized-kind
// counters (spec §4.2's "malformed envelope -> counted, dropped").
func (r *Router) Stats() (malformed, unknownKind uint64) {
	return r.malformed.Load(), r.unknownKind.Load()
}

// IsActive reports whether sess has passed the Testing/Active gate (spec
// §4.2): true once its Elector has fired Activated, false while still in
// the Testing phase. ErrNotActive means sess isn't a currently-registered
// session — diagnostics callers outside the owning HandleConn goroutine use
// this instead of reaching into per-connection state directly.
func (r *Router) IsActive(sess room.SessionID) (bool, error) {
	v, ok := r.activeStates.Load(sess)
	if !ok {
		return false, ErrNotActive
	}
	return v.(*atomic.Int32).Load() == stateActive, nil
}

func newSessionID() room.SessionID {
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return room.SessionID(strconv.FormatUint(v, 16))
}

// connSink adapts a Conn to room.Sink, translating ErrConnClosed into
// room.ErrSinkClosed so FanOut removes the peer immediately.
type connSink struct {
	ctx  context.Context
	conn Conn
}

func (s *connSink) Send(data []byte) error {
	err := s.conn.WriteMessage(s.ctx, data)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnClosed) {
		return room.ErrSinkClosed
	}
	return err
}

// HandleConn drives one session end to end: it registers with the room
// registry, reads until the connection closes or the heartbeat deadline
// elapses, classifies and routes every inbound envelope, and tears the
// session down on return (spec §4.2, §5 cancellation).
//
// requestedRoom may be empty, in which case the registry generates a fresh
// room id. The actual room id joined is returned alongside any terminal
// error.
func (r *Router) HandleConn(ctx context.Context, conn Conn, requestedRoom room.ID, userID string) (room.ID, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	sess := newSessionID()
	r.registry.Connect(sess, &connSink{ctx: ctx, conn: conn})
	defer r.registry.Disconnect(sess)

	roomID, err := r.registry.Join(sess, requestedRoom)
	if err != nil {
		return "", err
	}

	if r.telemetry != nil {
		r.telemetry.Publish("connected", sess, nil)
	}
	defer func() {
		if r.telemetry != nil {
			r.telemetry.Publish("disconnected", sess, nil)
		}
	}()

	var state atomic.Int32
	state.Store(stateTesting)
	r.activeStates.Store(sess, &state)
	defer r.activeStates.Delete(sess)
	go func() {
		select {
		case <-r.elector.Activated(sess):
			state.Store(stateActive)
		case <-ctx.Done():
		}
	}()

	var lastHeartbeat atomic.Int64
	lastHeartbeat.Store(time.Now().UnixNano())
	timeout := r.cfg.heartbeatTimeout()
	go watchHeartbeat(ctx, cancel, &lastHeartbeat, timeout)

	limiter := rate.NewLimiter(r.cfg.rateLimit(), r.cfg.rateBurst())
	maxSize := r.cfg.maxPacketSize()

	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return roomID, ctx.Err()
			}
			return roomID, err
		}

		if len(data) > maxSize {
			r.malformed.Add(1)
			continue
		}

		var pw wire.PacketWrapper
		if unmarshalErr := pw.Unmarshal(data); unmarshalErr != nil {
			r.malformed.Add(1)
			continue
		}

		kind, _, classifyErr := classify(&pw)
		if classifyErr != nil {
			r.malformed.Add(1)
			continue
		}

		switch kind {
		case KindRtt:
			if writeErr := conn.WriteMessage(ctx, data); writeErr != nil && errors.Is(writeErr, ErrConnClosed) {
				return roomID, writeErr
			}
		case KindHeartbeat:
			lastHeartbeat.Store(time.Now().UnixNano())
		case KindTelemetry:
			if r.telemetry != nil {
				r.telemetry.Publish("health", sess, pw.Data)
			}
			if r.feedback != nil && pw.PacketType == wire.PacketHealth {
				if rr := parseReceiverReport(pw.Data); rr != nil {
					r.feedback.OnReceiverReport(sess, rr)
				}
			}
		case KindOpaque:
			if !limiter.Allow() {
				continue
			}
			r.registry.FanOut(roomID, data, sess)
		case KindMedia:
			// Testing phase: MAY receive but MUST NOT broadcast (spec §4.2).
			if state.Load() != stateActive {
				continue
			}
			r.registry.FanOut(roomID, data, sess)
		default:
			r.unknownKind.Add(1)
			log.Printf("[session %s] dropping packet of unrecognized kind (type=%d)", sess, pw.PacketType)
		}
	}
}

// parseReceiverReport decodes a Health packet's payload as an RTCP packet
// and returns its ReceiverReport if that's what it contains. A Health
// packet that doesn't carry RTCP (e.g. a plain liveness ping) yields nil,
// which callers treat as "nothing to feed the encoder controller."
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

// watchHeartbeat cancels ctx once no Heartbeat packet has refreshed last
// within timeout (spec §5's heartbeat timeout).
func watchHeartbeat(ctx context.Context, cancel context.CancelFunc, last *atomic.Int64, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, last.Load())) > timeout {
				cancel()
				return
			}
		}
	}
}
