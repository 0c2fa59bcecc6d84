// ABOUTME: Maps validated credential claims to identities through the identity store
// ABOUTME: Unknown and inactive users are rejected, store outages are reported separately

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/jarvis-gateway/internal/store"
)

// Resolution errors
var (
	// ErrRejected wraps every failure that must be reported to the client as an
	// authentication failure.
	ErrRejected = errors.New("authentication rejected")

	ErrUnknownUser  = errors.New("unknown user")
	ErrInactiveUser = errors.New("user is inactive")

	// ErrIdentityUnavailable means the identity store could not be queried.
	ErrIdentityUnavailable = errors.New("identity store unavailable")
)

// IdentityResolver turns a Claim into an Identity.
type IdentityResolver struct {
	users store.IdentityStore
}

// NewIdentityResolver creates a resolver over users.
func NewIdentityResolver(users store.IdentityStore) *IdentityResolver {
	return &IdentityResolver{users: users}
}

// Resolve looks up the claim subject. It is called once per handshake.
func (r *IdentityResolver) Resolve(ctx context.Context, claim *Claim) (*Identity, error) {
	user, err := r.users.GetUser(ctx, claim.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w: %s", ErrRejected, ErrUnknownUser, claim.Subject)
		}
		return nil, fmt.Errorf("%w: %w", ErrIdentityUnavailable, err)
	}

	if !user.IsActive {
		return nil, fmt.Errorf("%w: %w: %s", ErrRejected, ErrInactiveUser, claim.Subject)
	}

	return &Identity{
		UserID:      user.ID,
		DisplayName: user.Name(),
		Role:        user.Role,
	}, nil
}

// Authenticator runs extraction, validation and resolution for one request.
// The websocket handshake and the HTTP middleware share a single instance.
type Authenticator struct {
	validator  TokenValidator
	resolver   *IdentityResolver
	cookieName string
}

// NewAuthenticator creates an Authenticator reading credentials from the
// cookieName cookie or the Authorization header.
func NewAuthenticator(validator TokenValidator, resolver *IdentityResolver, cookieName string) *Authenticator {
	return &Authenticator{
		validator:  validator,
		resolver:   resolver,
		cookieName: cookieName,
	}
}

// CookieName returns the name of the credential cookie.
func (a *Authenticator) CookieName() string {
	return a.cookieName
}

// Authenticate returns the identity behind r. Every error wraps either
// ErrRejected or ErrIdentityUnavailable.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	credential, err := ExtractCredential(r, a.cookieName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	claim, err := a.validator.Validate(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	return a.resolver.Resolve(r.Context(), claim)
}
