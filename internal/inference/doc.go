// Package inference produces assistant answers for a conversation transcript.
//
// Engine is the seam between the gateway and whatever generates text. An
// exchange yields a channel of StreamEvent values: zero or more tokens
// followed by exactly one terminal event (Terminal or Err). Engines honour
// context cancellation and close the channel when they stop.
//
// Two backends exist. EchoEngine streams "You said: <content>" back one rune
// at a time and needs no external service. HTTPEngine talks to an
// OpenAI-compatible /v1/chat/completions endpoint over server-sent events and
// guards each exchange with a sony/gobreaker circuit breaker. New selects the
// backend from configuration.
//
// Per-user sampling settings travel to the engine on the context via
// WithParams.
package inference
