// ABOUTME: JWT credential validation for session handshakes and HTTP requests
// ABOUTME: Uses HS256 signing with a configurable secret and an injectable clock

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HMAC secret length accepted by NewJWTValidator.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// Claim is the validated content of a credential.
type Claim struct {
	Subject   string
	ExpiresAt time.Time
}

// TokenValidator validates a credential string and returns its claim.
// Implementations must be safe for concurrent use and side-effect free.
type TokenValidator interface {
	Validate(credential string) (*Claim, error)
}

// JWTValidator implements TokenValidator using HS256 signed JWTs
type JWTValidator struct {
	secret []byte
	now    func() time.Time
}

// ValidatorOption configures a JWTValidator.
type ValidatorOption func(*JWTValidator)

// WithClock replaces the clock used for expiry checks and token issuing.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *JWTValidator) {
		v.now = now
	}
}

// NewJWTValidator creates a validator for the given secret. The secret is
// copied and never changes afterwards.
func NewJWTValidator(secret []byte, opts ...ValidatorOption) (*JWTValidator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}

	v := &JWTValidator{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate checks signature, algorithm and expiry and extracts the "sub" claim.
func (v *JWTValidator) Validate(credential string) (*Claim, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrInvalidToken)
	}

	token, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: exp", ErrMissingClaim)
	}

	return &Claim{Subject: sub, ExpiresAt: exp.Time}, nil
}

// Issue signs a credential for subject valid for lifetime.
func (v *JWTValidator) Issue(subject string, lifetime time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
