// Package token issues and verifies signed access tokens. A token grants
// exactly one action on exactly one resource until it expires; the gateway
// verifies it without consulting the access evaluator. Revocation is by
// expiry only.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kenneth/docvault/internal/access"
)

var (
	// ErrExpired marks a structurally valid token past its expiry.
	ErrExpired = errors.New("token: expired")
	// ErrInvalid covers signature, structure, and claim failures.
	ErrInvalid = errors.New("token: invalid")
)

const (
	// DefaultTTL applies when the caller requests no TTL.
	DefaultTTL = 15 * time.Minute
	// MaxTTL caps every issued token.
	MaxTTL = 24 * time.Hour

	minSecretLen = 32
)

type claims struct {
	jwt.RegisteredClaims
	ResourceID string `json:"rid"`
	Action     string `json:"act"`
}

// Grant is the verified content of a token.
type Grant struct {
	TokenID     string
	PrincipalID string
	ResourceID  string
	Action      access.Action
	ExpiresAt   time.Time
}

// Issuer signs and verifies HS256 access tokens.
type Issuer struct {
	secret []byte
	name   string
}

// NewIssuer creates an issuer. The signing secret must be at least 32
// bytes.
func NewIssuer(secret []byte, name string) (*Issuer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token: signing secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	if name == "" {
		name = "docvault"
	}
	return &Issuer{secret: secret, name: name}, nil
}

// Issue creates a token binding principal to one action on one resource.
// Only download and upload are grantable. The TTL is clamped to MaxTTL
// and defaults to DefaultTTL.
func (i *Issuer) Issue(resourceID string, principal access.Principal, action access.Action, ttl time.Duration) (string, time.Time, error) {
	if resourceID == "" {
		return "", time.Time{}, errors.New("token: resource id is required")
	}
	if principal.ID == "" {
		return "", time.Time{}, errors.New("token: principal id is required")
	}
	switch action {
	case access.ActionDownload, access.ActionUpload:
	default:
		return "", time.Time{}, fmt.Errorf("token: action %q is not grantable", action)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.name,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ResourceID: resourceID,
		Action:     string(action),
	})

	signed, err := t.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: signing failed: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, returning its grant.
func (i *Issuer) Verify(tokenString string) (*Grant, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.name),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalid
	}
	if c.ResourceID == "" || c.Action == "" || c.Subject == "" {
		return nil, fmt.Errorf("%w: missing grant claims", ErrInvalid)
	}

	return &Grant{
		TokenID:     c.ID,
		PrincipalID: c.Subject,
		ResourceID:  c.ResourceID,
		Action:      access.Action(c.Action),
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}
