// Package store provides persistent storage for jarvis-gateway.
//
// # Architecture
//
// The package is interface driven:
//
//   - IdentityStore: the single read the session handshake needs (GetUser)
//   - UserStore: account registration and lookup
//   - SettingsStore: one free-form settings document per user
//   - ChatStore: REST chat sessions and their message history
//   - Store: all of the above plus Ping and Close
//
// SQLiteStore (modernc.org/sqlite, the default) and PostgresStore (pgx pool)
// implement Store with the same schema. MockStore is an in-memory
// implementation for tests. Open picks the backend from config.DatabaseConfig.
//
// # Data Models
//
//   - User: account, credential subject is User.ID
//   - ChatSession: one user's REST conversation with an agent
//   - ChatMessage: a persisted turn with optional JSON metadata
//
// New users are created together with the DefaultSettings preset.
//
// # Errors
//
//   - ErrNotFound: the requested row does not exist
//   - ErrUserExists: username or email already registered
package store
