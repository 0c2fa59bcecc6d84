// Package session tracks live realtime connections.
//
// A Connection wraps a Transport (normally a WebSocketTransport) and moves
// through connecting, authenticating and then registered or rejected. A
// registered connection ends as closed, or as superseded when the same user
// connects again.
//
// Registry is the only shared mutable structure of the gateway: a map from
// user ID to Connection behind one sync.RWMutex. Put closes any previous
// connection of the user with CloseSuperseded (4000) before installing the
// new one. Release is the compare-and-delete used on disconnect so a stale
// connection never removes its successor.
//
// FakeTransport is an in-memory Transport for tests in this and other
// packages.
package session
