// Package room implements the process-wide room registry (spec §4.3):
// RoomId -> {SessionId -> outbound sink}, with connect/join/leave/disconnect/
// fan_out and per-peer backpressure isolation.
package room

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Sink is the minimal outbound interface a session exposes to the room,
// grounded on the teacher's DatagramSender interface ("lets tests inject a
// mock sender").
type Sink interface {
	Send(data []byte) error
}

// ID identifies a room. An empty ID is never valid for storage; Join
// generates one via NewID when the caller doesn't supply one.
type ID string

// NewID returns a fresh random room id.
func NewID() ID { return ID(uuid.NewString()) }

// SessionID identifies a session within the registry, unique process-wide.
type SessionID string

type member struct {
	sink   Sink
	health sendHealth
}

// room is one RoomId's membership set.
type room struct {
	mu      sync.RWMutex
	members map[SessionID]*member
}

func newRoom() *room {
	return &room{members: make(map[SessionID]*member)}
}

type registryShard struct {
	mu    sync.Mutex
	rooms map[ID]*room
}

const shardCount = 16

// Registry is the process-wide room table (spec §4.3). It shards rooms
// across N independent mutex domains so that concurrent fan_out calls to
// different rooms never contend on a single lock — a single writer per
// shard, matching the teacher's one-mutex-per-Room design generalized to
// many rooms.
type Registry struct {
	shards []registryShard

	// sessMu guards sessions and sessionRoom together: every connected
	// session's sink (spec's "connect" op) and, if joined, which room it
	// currently belongs to (a session is in at most one room at a time).
	sessMu      sync.RWMutex
	sessions    map[SessionID]Sink
	sessionRoom map[SessionID]ID

	totalDelivered atomic.Uint64
	totalDropped   atomic.Uint64
}

// NewRegistry constructs an empty, sharded Registry.
func NewRegistry() *Registry {
	r := &Registry{
		shards:      make([]registryShard, shardCount),
		sessions:    make(map[SessionID]Sink),
		sessionRoom: make(map[SessionID]ID),
	}
	for i := range r.shards {
		r.shards[i].rooms = make(map[ID]*room)
	}
	return r
}

func (r *Registry) shardFor(id ID) *registryShard {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return &r.shards[h%shardCount]
}

// Connect registers a session's outbound sink process-wide (spec's
// "connect" op). It does not join any room.
func (r *Registry) Connect(sess SessionID, sink Sink) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	r.sessions[sess] = sink
}

// Join atomically leaves every room the session currently belongs to and
// inserts it into roomID, creating the room if absent (spec's "join" op).
// If roomID is empty, a fresh id is generated and returned.
func (r *Registry) Join(sess SessionID, roomID ID) (ID, error) {
	r.sessMu.RLock()
	sink, connected := r.sessions[sess]
	r.sessMu.RUnlock()
	if !connected {
		return "", ErrNotConnected
	}

	r.Leave(sess)

	if roomID == "" {
		roomID = NewID()
	}

	shard := r.shardFor(roomID)
	shard.mu.Lock()
	rm, ok := shard.rooms[roomID]
	if !ok {
		rm = newRoom()
		shard.rooms[roomID] = rm
	}
	shard.mu.Unlock()

	rm.mu.Lock()
	rm.members[sess] = &member{sink: sink}
	rm.mu.Unlock()

	r.sessMu.Lock()
	r.sessionRoom[sess] = roomID
	r.sessMu.Unlock()

	return roomID, nil
}

// Leave removes the session from whatever room it currently belongs to
// (spec's "leave" op). It is idempotent: leaving a session that's in no
// room is a no-op.
func (r *Registry) Leave(sess SessionID) {
	r.sessMu.Lock()
	roomID, inRoom := r.sessionRoom[sess]
	if inRoom {
		delete(r.sessionRoom, sess)
	}
	r.sessMu.Unlock()
	if !inRoom {
		return
	}

	shard := r.shardFor(roomID)
	shard.mu.Lock()
	rm, ok := shard.rooms[roomID]
	shard.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.members, sess)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		shard.mu.Lock()
		if current, ok := shard.rooms[roomID]; ok && current == rm {
			delete(shard.rooms, roomID)
		}
		shard.mu.Unlock()
	}
}

// Disconnect performs Leave followed by dropping the session's registered
// sink (spec's "disconnect" op).
func (r *Registry) Disconnect(sess SessionID) {
	r.Leave(sess)
	r.sessMu.Lock()
	delete(r.sessions, sess)
	r.sessMu.Unlock()
}

// FanOut enqueues payload to every member of roomID except skip (spec's
// "fan_out" op). Per-peer send failures are isolated via a circuit breaker
// so one unreachable peer never blocks delivery to the rest (spec §4.2
// error handling: "never block the router"). Within one FanOut call, the
// payload is handed to every target's sink before this call returns —
// satisfying the ordering guarantee that all receivers see it before any
// receiver observes a later FanOut.
func (r *Registry) FanOut(roomID ID, payload []byte, skip SessionID) {
	shard := r.shardFor(roomID)
	shard.mu.Lock()
	rm, ok := shard.rooms[roomID]
	shard.mu.Unlock()
	if !ok {
		return
	}

	type target struct {
		id     SessionID
		sink   Sink
		health *sendHealth
	}

	rm.mu.RLock()
	targets := make([]target, 0, len(rm.members))
	for id, m := range rm.members {
		if id == skip {
			continue
		}
		targets = append(targets, target{id: id, sink: m.sink, health: &m.health})
	}
	rm.mu.RUnlock()

	for _, t := range targets {
		if t.health.shouldSkip() {
			r.totalDropped.Add(1)
			continue
		}
		if err := t.sink.Send(payload); err != nil {
			r.totalDropped.Add(1)
			if errors.Is(err, ErrSinkClosed) {
				log.Printf("[room] sink closed for session %s, removing from room %s", t.id, roomID)
				r.Leave(t.id)
				continue
			}
			n := t.health.recordFailure()
			if n == circuitBreakerThreshold {
				log.Printf("[room] circuit breaker open for session %s — %d consecutive send failures", t.id, n)
			}
			continue
		}
		r.totalDelivered.Add(1)
		if t.health.recordSuccess() {
			log.Printf("[room] circuit breaker closed for session %s — send recovered", t.id)
		}
	}
}

// RoomSize returns the number of members currently in roomID.
func (r *Registry) RoomSize(roomID ID) int {
	shard := r.shardFor(roomID)
	shard.mu.Lock()
	rm, ok := shard.rooms[roomID]
	shard.mu.Unlock()
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// Stats returns process-wide delivery counters.
func (r *Registry) Stats() (delivered, dropped uint64) {
	return r.totalDelivered.Load(), r.totalDropped.Load()
}
