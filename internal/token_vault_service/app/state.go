package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lexreach/golang_services/internal/core_domain"
)

var ErrInvalidState = errors.New("invalid or expired oauth state")

type stateClaims struct {
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// stateSigner issues and verifies the short-lived OAuth state parameter that
// binds a consent callback to the user who started it.
type stateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func (s stateSigner) issue(key core_domain.CredentialKey) (string, error) {
	now := s.now()
	claims := stateClaims{
		Provider: string(key.Provider),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s stateSigner) verify(state string) (core_domain.CredentialKey, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return core_domain.CredentialKey{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	provider, err := core_domain.ParseProvider(claims.Provider)
	if err != nil || claims.Subject == "" {
		return core_domain.CredentialKey{}, ErrInvalidState
	}
	return core_domain.CredentialKey{UserID: claims.Subject, Provider: provider}, nil
}
