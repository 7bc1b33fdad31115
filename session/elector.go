package session

import "github.com/rustyguts/mediaplane/room"

// Elector is the external election layer collaborator named in spec §4.2:
// it decides when a session transitions from Testing to Active by emitting
// an ActivateConnection signal. The router only consumes the signal; it
// never implements the election protocol itself (open question 3).
type Elector interface {
	// Activated returns a channel that is closed once sess should move
	// from Testing to Active. Implementations must make the channel
	// eventually close exactly once per session, even if the session is
	// never actually elected leader in election terms — a router with no
	// interest in election (e.g. single-server deployments) should use
	// StaticElector.
	Activated(sess room.SessionID) <-chan struct{}
}

// StaticElector immediately activates every session. It's the router's
// default when no real election service is wired in — standalone servers
// and tests.
type StaticElector struct{}

// Activated returns an already-closed channel: every session is Active from
// the moment it's created.
func (StaticElector) Activated(room.SessionID) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
