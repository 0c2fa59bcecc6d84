// ABOUTME: Password hashing, verification and registration rules
// ABOUTME: bcrypt hashes with a dummy comparison so unknown accounts cost the same time

package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

// Registration validation errors
var (
	ErrPasswordTooShort     = fmt.Errorf("password should be at least %d characters", MinPasswordLength)
	ErrPasswordContainsMail = errors.New("password should not contain e-mail")
	ErrInvalidUsername      = errors.New("username must start with a letter and be 3-32 letters, digits or underscores")
	ErrInvalidEmail         = errors.New("invalid e-mail address")
)

// dummyHash is compared against when no real hash exists.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Username validation regex: alphanumeric + underscores, 3-32 characters
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{2,31}$`)

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash. An empty hash runs a
// dummy comparison and returns false.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword applies the registration password rules.
func ValidatePassword(password, email string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if email != "" && strings.Contains(strings.ToLower(password), strings.ToLower(email)) {
		return ErrPasswordContainsMail
	}
	return nil
}

// ValidateRegistration checks username, email and password for a new account.
func ValidateRegistration(username, email, password string) error {
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return ErrInvalidEmail
	}
	return ValidatePassword(password, email)
}
