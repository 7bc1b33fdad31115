package room

import "errors"

// ErrNotConnected is returned by Join when called for a session that never
// called Connect (or was already Disconnect-ed).
var ErrNotConnected = errors.New("room: session not connected")

// ErrSinkClosed is the sentinel a Sink should wrap/return from Send once its
// underlying transport is gone for good (as opposed to transiently
// unreachable). FanOut treats it as an immediate, idempotent removal from
// the room rather than merely counting it against the circuit breaker
// (spec §4.2: "sending to a peer whose sink is closed -> remove that peer
// from the room").
var ErrSinkClosed = errors.New("room: sink closed")
