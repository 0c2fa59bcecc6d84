// Package gateway orchestrates the jarvis-gateway server components.
//
// # Overview
//
// Gateway owns the store, the token validator, the connection registry, the
// relay, the presence broadcaster and the HTTP server. New opens the
// configured store and inference engine; Run listens on TCP, or on a tailnet
// through tsnet when tailscale.enabled is set, until its context ends.
//
// # Realtime sessions
//
// GET /ws is served by Handshake. The socket is accepted first, then the
// upgrade request is authenticated (bonds cookie, else Authorization:
// Bearer):
//
//   - rejected credentials close with 1008 "authentication failed"
//   - an unreachable identity store closes with 1011
//   - a second connection of the same user closes the first with 4000
//
// A registered connection announces "joined" to everyone else, then belongs
// to conversation.Relay. When the relay ends the connection is released from
// the registry and, only if it was still the registered one, "left" is
// announced.
//
// # HTTP API
//
//	POST /auth/register                          create an account
//	POST /auth/jwt/login                         set the bonds cookie, return the token
//	POST /auth/jwt/logout                        expire the cookie
//	GET  /api/v1/user/settings                   current settings ({} if none)
//	POST /api/v1/user/settings                   replace settings
//	POST /api/v1/agents/{agent_id}/sessions      start a chat session
//	POST /api/v1/sessions/{session_id}/messages  one non-streaming exchange
//	GET  /api/v1/sessions/{session_id}/messages  session history
//	GET  /api/v1/online                          users connected right now
//	DELETE /api/v1/admin/sessions/{user_id}      admin only, close with 1008
//	GET  /health, /health/ready, /metrics
//
// # Shutdown
//
// Shutdown closes every registered session with 1001 before stopping the
// HTTP server, since hijacked websocket connections are not tracked by
// net/http.
package gateway
