package session

import "errors"

// ErrNotActive is returned by Router.IsActive when a caller asks for the
// activation state of a session the router does not hold: one never
// registered, or one whose HandleConn has already returned.
var ErrNotActive = errors.New("session: not active")

// ErrConnClosed is the sentinel a Conn implementation should wrap and
// return from ReadMessage/WriteMessage once its underlying transport is
// gone for good. The router translates it into room.ErrSinkClosed so the
// registry removes the peer immediately (spec §4.2).
var ErrConnClosed = errors.New("session: connection closed")
