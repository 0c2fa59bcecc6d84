// Package conversation moves messages between clients and the inference engine.
//
// # Relay
//
// Relay.Serve owns a registered session.Connection for its whole life. A
// reader goroutine hands inbound frames to the loop through an unbuffered
// channel, so exchanges on one connection are strictly sequential. For each
// user message the loop appends it to the connection transcript, adds an
// empty assistant entry, asks the engine for an answer and streams the
// cumulative text back as reply frames:
//
//	{"type":"reply","response":"Hi","state":"ACTIVE","end_of_stream":false}
//	{"type":"reply","response":"Hi there","state":"ACTIVE","end_of_stream":true}
//
// Frames go out one event behind the engine so the final frame of every
// exchange is the terminal one. Malformed frames and engine failures produce
// a single ERROR frame and the loop continues; a write failure or a cancelled
// connection ends it.
//
// # Presence
//
// Broadcaster.Announce sends a presence frame to every registered
// connection except the one that caused it, with bounded concurrency and a
// per-send deadline.
//
// # REST exchanges
//
// Service backs the chat session endpoints. It records the user turn first,
// runs the engine over the stored history and records the collected answer.
package conversation
