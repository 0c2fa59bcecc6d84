// Package auth authenticates users of jarvis-gateway.
//
// # Credentials
//
// A credential is an HS256 JWT whose "sub" claim is a user ID. Clients present
// it either as the session cookie (auth.cookie_name, "bonds" by default) or as
// an Authorization: Bearer header. The cookie wins when both are present.
//
//	validator, err := auth.NewJWTValidator(secret)
//	token, err := validator.Issue(userID, 10*time.Hour)
//	claim, err := validator.Validate(token)
//
// Validation is pure: the secret is fixed at construction and expiry is
// compared against the validator clock at call time.
//
// # Identities
//
// IdentityResolver maps a claim to an Identity through store.IdentityStore.
// Unknown and inactive users are rejected. A failing store is reported as
// ErrIdentityUnavailable so callers can tell an outage from a bad credential.
//
// Authenticator chains extraction, validation and resolution. The websocket
// handshake and HTTPAuthMiddleware share one Authenticator so both paths accept
// exactly the same credentials.
//
// # Passwords
//
// HashPassword and CheckPassword wrap bcrypt. ValidateRegistration applies the
// account rules: passwords of at least 8 characters that do not contain the
// e-mail address.
package auth
