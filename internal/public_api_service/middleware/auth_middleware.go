package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedUserContextKey = ContextKey("authenticatedUser")
)

// AuthenticatedUser holds information about the authenticated user.
type AuthenticatedUser struct {
	ID      string
	Email   string
	IsAdmin bool
}

// AccessClaims are the claims carried by API access tokens.
type AccessClaims struct {
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// UserFromContext returns the user stored by AuthMiddleware.
func UserFromContext(ctx context.Context) (AuthenticatedUser, bool) {
	u, ok := ctx.Value(AuthenticatedUserContextKey).(AuthenticatedUser)
	return u, ok
}

// WithUser stores u in ctx the way AuthMiddleware does.
func WithUser(ctx context.Context, u AuthenticatedUser) context.Context {
	return context.WithValue(ctx, AuthenticatedUserContextKey, u)
}

// AuthMiddleware validates HS256 bearer tokens signed with secret.
func AuthMiddleware(secret []byte, logger *slog.Logger) func(next http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			scheme, tokenString, found := strings.Cut(authHeader, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			var claims AccessClaims
			_, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
				return secret, nil
			})
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					logger.InfoContext(r.Context(), "Expired access token")
				} else {
					logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				}
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			authUser := AuthenticatedUser{ID: claims.Subject, Email: claims.Email, IsAdmin: claims.IsAdmin}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), authUser)))
		})
	}
}

// AdminOnly rejects requests from non-admin users. AuthMiddleware must run first.
func AdminOnly(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authUser, ok := UserFromContext(r.Context())
			if !ok {
				logger.ErrorContext(r.Context(), "AuthenticatedUser not found in context. AuthMiddleware must run first.")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !authUser.IsAdmin {
				logger.WarnContext(r.Context(), "Admin permission denied", "user_id", authUser.ID)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
