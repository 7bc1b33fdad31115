package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// sinkFunc adapts a plain function to the Sink interface.
type sinkFunc func([]byte) error

func (f sinkFunc) Send(data []byte) error { return f(data) }

type fakeSink struct {
	mu    sync.Mutex
	fail  bool
	sent  [][]byte
	calls int
}

func (s *fakeSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("send failed")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestJoinWithoutConnectFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Join("a", ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestJoinGeneratesRoomWhenEmpty(t *testing.T) {
	r := NewRegistry()
	r.Connect("a", &fakeSink{})
	roomID, err := r.Join("a", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if roomID == "" {
		t.Fatalf("expected a generated room id")
	}
	if r.RoomSize(roomID) != 1 {
		t.Fatalf("expected room size 1, got %d", r.RoomSize(roomID))
	}
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	r := NewRegistry()
	r.Connect("a", &fakeSink{})
	first, _ := r.Join("a", "")
	second, _ := r.Join("a", "other-room")

	if r.RoomSize(first) != 0 {
		t.Fatalf("expected first room vacated, got size %d", r.RoomSize(first))
	}
	if r.RoomSize(second) != 1 {
		t.Fatalf("expected second room to contain the session, got size %d", r.RoomSize(second))
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Connect("a", &fakeSink{})
	r.Leave("a") // never joined: no-op
	roomID, _ := r.Join("a", "")
	r.Leave("a")
	r.Leave("a") // already left: no-op
	if r.RoomSize(roomID) != 0 {
		t.Fatalf("expected room empty after leave, got %d", r.RoomSize(roomID))
	}
}

func TestDisconnectDropsSinkAndMembership(t *testing.T) {
	r := NewRegistry()
	r.Connect("a", &fakeSink{})
	roomID, _ := r.Join("a", "")
	r.Disconnect("a")

	if r.RoomSize(roomID) != 0 {
		t.Fatalf("expected membership removed on disconnect")
	}
	if _, err := r.Join("a", roomID); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected re-join after disconnect to require Connect first, got %v", err)
	}
}

func TestFanOutSkipsSenderAndDeliversToOthers(t *testing.T) {
	r := NewRegistry()
	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	sinkC := &fakeSink{}
	r.Connect("a", sinkA)
	r.Connect("b", sinkB)
	r.Connect("c", sinkC)
	roomID, _ := r.Join("a", "")
	r.Join("b", roomID)
	r.Join("c", roomID)

	r.FanOut(roomID, []byte("payload"), "a")

	if sinkA.sentCount() != 0 {
		t.Fatalf("expected sender to be skipped")
	}
	if sinkB.sentCount() != 1 || sinkC.sentCount() != 1 {
		t.Fatalf("expected the other two members to receive the payload")
	}

	delivered, dropped := r.Stats()
	if delivered != 2 || dropped != 0 {
		t.Fatalf("expected 2 delivered / 0 dropped, got %d/%d", delivered, dropped)
	}
}

// TestFanOutIsolatesFailingPeer covers spec §4.3's per-peer isolation
// guarantee: a consistently failing peer must not prevent delivery to
// healthy peers, in this call or later ones.
func TestFanOutIsolatesFailingPeer(t *testing.T) {
	r := NewRegistry()
	bad := &fakeSink{fail: true}
	good := &fakeSink{}
	r.Connect("bad", bad)
	r.Connect("good", good)
	roomID, _ := r.Join("bad", "")
	r.Join("good", roomID)

	for i := 0; i < 5; i++ {
		r.FanOut(roomID, []byte("x"), "")
	}

	if good.sentCount() != 5 {
		t.Fatalf("expected all 5 fan_outs to reach the healthy peer, got %d", good.sentCount())
	}
	_, dropped := r.Stats()
	if dropped == 0 {
		t.Fatalf("expected failures against the bad peer to count as dropped")
	}
}

// TestFanOutCircuitBreakerOpensAndProbes covers the breaker opening after
// circuitBreakerThreshold consecutive failures, then limiting to probe
// attempts rather than calling Send every time.
func TestFanOutCircuitBreakerOpensAndProbes(t *testing.T) {
	r := NewRegistry()
	bad := &fakeSink{fail: true}
	r.Connect("bad", bad)
	roomID, _ := r.Join("bad", "")
	r.Connect("watcher", &fakeSink{})
	r.Join("watcher", roomID)

	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		r.FanOut(roomID, []byte("x"), "watcher")
	}
	callsAtThreshold := bad.calls

	// Further fan_outs should mostly be skipped rather than calling Send,
	// since the breaker is now open.
	for i := 0; i < int(circuitBreakerProbeInterval)-1; i++ {
		r.FanOut(roomID, []byte("x"), "watcher")
	}
	if bad.calls != callsAtThreshold {
		t.Fatalf("expected no further Send calls before the next probe interval, got %d extra", bad.calls-callsAtThreshold)
	}

	// The next call lands on the probe interval boundary and should attempt
	// Send again.
	r.FanOut(roomID, []byte("x"), "watcher")
	if bad.calls != callsAtThreshold+1 {
		t.Fatalf("expected exactly one probe Send call, got %d", bad.calls-callsAtThreshold)
	}
}

// TestFanOutRemovesClosedSink covers spec §4.2's "sending to a peer whose
// sink is closed -> remove that peer from the room (idempotent)".
func TestFanOutRemovesClosedSink(t *testing.T) {
	r := NewRegistry()
	closed := &fakeSink{}
	closedErr := errors.New("wrapped")
	r.Connect("closed", sinkFunc(func([]byte) error { return fmt.Errorf("%w: %v", ErrSinkClosed, closedErr) }))
	r.Connect("good", closed)
	roomID, _ := r.Join("closed", "")
	r.Join("good", roomID)

	r.FanOut(roomID, []byte("x"), "")

	if r.RoomSize(roomID) != 1 {
		t.Fatalf("expected closed sink removed, room size = %d", r.RoomSize(roomID))
	}
	if closed.sentCount() != 1 {
		t.Fatalf("expected the remaining peer to still receive the payload")
	}

	// Idempotent: a second FanOut must not panic or double-count removal.
	r.FanOut(roomID, []byte("y"), "")
	if r.RoomSize(roomID) != 1 {
		t.Fatalf("expected room size unchanged after second fan_out, got %d", r.RoomSize(roomID))
	}
}

func TestFanOutToUnknownRoomIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.FanOut("nonexistent", []byte("x"), "") // must not panic
}

// TestFanOutConcurrentRoomsDoNotContend is a sanity check that sharding
// doesn't corrupt concurrent fan_out calls to distinct rooms.
func TestFanOutConcurrentRoomsDoNotContend(t *testing.T) {
	r := NewRegistry()
	const rooms = 8
	sinks := make([]*fakeSink, rooms)
	roomIDs := make([]ID, rooms)
	for i := 0; i < rooms; i++ {
		sinks[i] = &fakeSink{}
		sess := SessionID(string(rune('a' + i)))
		r.Connect(sess, sinks[i])
		roomIDs[i], _ = r.Join(sess, "")
	}

	var wg sync.WaitGroup
	for i := 0; i < rooms; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.FanOut(roomIDs[i], []byte("x"), "")
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < rooms; i++ {
		if sinks[i].sentCount() != 50 {
			t.Fatalf("room %d: expected 50 deliveries, got %d", i, sinks[i].sentCount())
		}
	}
}
