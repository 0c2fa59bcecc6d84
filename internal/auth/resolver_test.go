// ABOUTME: Tests for identity resolution and the shared request Authenticator
// ABOUTME: Covers cookie/bearer precedence, unknown and inactive users, and store outages

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/jarvis-gateway/internal/store"
)

const testCookie = "bonds"

func newTestAuthenticator(t *testing.T) (*Authenticator, *JWTValidator, *store.MockStore) {
	t.Helper()
	users := store.NewMockStore()
	users.AddUser(&store.User{ID: "u-active", Username: "ada", DisplayName: "Ada", IsActive: true})
	users.AddUser(&store.User{ID: "u-inactive", Username: "bob", IsActive: false})

	v := newTestValidator(t)
	return NewAuthenticator(v, NewIdentityResolver(users), testCookie), v, users
}

func TestIdentityResolver_Resolve(t *testing.T) {
	users := store.NewMockStore()
	users.AddUser(&store.User{ID: "u1", Username: "ada", IsActive: true, Role: store.RoleAdmin})
	users.AddUser(&store.User{ID: "u2", Username: "bob", IsActive: false})
	r := NewIdentityResolver(users)
	ctx := context.Background()

	id, err := r.Resolve(ctx, &Claim{Subject: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "ada", id.DisplayName, "falls back to username")
	assert.True(t, id.IsAdmin())

	_, err = r.Resolve(ctx, &Claim{Subject: "u2"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrInactiveUser)

	_, err = r.Resolve(ctx, &Claim{Subject: "nobody"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrUnknownUser)

	users.GetUserErr = errors.New("db down")
	_, err = r.Resolve(ctx, &Claim{Subject: "u1"})
	assert.ErrorIs(t, err, ErrIdentityUnavailable)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestAuthenticator_Authenticate(t *testing.T) {
	authn, v, _ := newTestAuthenticator(t)

	good, _ := v.Issue("u-active", time.Hour)
	inactive, _ := v.Issue("u-inactive", time.Hour)
	unknown, _ := v.Issue("u-missing", time.Hour)

	tests := []struct {
		name     string
		cookie   string
		bearer   string
		wantUser string
	}{
		{name: "cookie", cookie: good, wantUser: "u-active"},
		{name: "bearer", bearer: good, wantUser: "u-active"},
		{name: "cookie wins over bearer", cookie: good, bearer: "garbage", wantUser: "u-active"},
		{name: "bad cookie does not fall back", cookie: "garbage", bearer: good},
		{name: "nothing"},
		{name: "garbage bearer", bearer: "garbage"},
		{name: "inactive", cookie: inactive},
		{name: "unknown", bearer: unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: testCookie, Value: tt.cookie})
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}

			id, err := authn.Authenticate(req)
			if tt.wantUser == "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrRejected)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, id.UserID)
		})
	}
}

func TestAuthenticator_StoreOutage(t *testing.T) {
	authn, v, users := newTestAuthenticator(t)
	users.GetUserErr = errors.New("db down")

	token, _ := v.Issue("u-active", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	_, err := authn.Authenticate(req)
	assert.ErrorIs(t, err, ErrIdentityUnavailable)
}

func TestExtractCredential(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", want: "abc"},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
		{name: "missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractCredential(req, testCookie)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoCredential)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
