package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-access-secret")

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func signToken(t *testing.T, secret []byte, claims AccessClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func validClaims(sub string, admin bool) AccessClaims {
	return AccessClaims{
		Email:   sub + "@firm.example",
		IsAdmin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(u.ID))
	})
}

func TestAuthMiddleware(t *testing.T) {
	expired := validClaims("u1", false)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := validClaims("u1", false)
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + signToken(t, testSecret, validClaims("u1", false)), http.StatusOK, "u1"},
		{"lowercase scheme", "bearer " + signToken(t, testSecret, validClaims("u2", false)), http.StatusOK, "u2"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + signToken(t, []byte("other"), validClaims("u1", false)), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signToken(t, testSecret, expired), http.StatusUnauthorized, ""},
		{"no expiry", "Bearer " + signToken(t, testSecret, noExpiry), http.StatusUnauthorized, ""},
		{"empty subject", "Bearer " + signToken(t, testSecret, validClaims("", false)), http.StatusUnauthorized, ""},
	}
	h := AuthMiddleware(testSecret, discard())(echoUser())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rr.Body.String())
			}
		})
	}
}

func TestAdminOnly(t *testing.T) {
	h := AdminOnly(discard())(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(WithUser(req.Context(), AuthenticatedUser{ID: "u1"})))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(WithUser(req.Context(), AuthenticatedUser{ID: "admin", IsAdmin: true})))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2)
	h := l.Middleware(discard())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1111").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2222").Code)
	limited := do("10.0.0.1:3333")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do("10.0.0.2:1111").Code)
}

func TestIPRateLimiter_Cleanup(t *testing.T) {
	l := NewIPRateLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("a")
	l.Allow("b")

	now = now.Add(11 * time.Minute)
	l.Allow("b")
	assert.Equal(t, 1, l.Cleanup())
}

func TestWebhookSecret(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {})
	for _, tc := range []struct {
		secret, header string
		status         int
	}{
		{"s3cret", "s3cret", http.StatusOK},
		{"s3cret", "wrong", http.StatusUnauthorized},
		{"s3cret", "", http.StatusUnauthorized},
		{"", "", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/replies", nil)
		if tc.header != "" {
			req.Header.Set(WebhookSecretHeader, tc.header)
		}
		rr := httptest.NewRecorder()
		WebhookSecret(tc.secret, discard())(ok).ServeHTTP(rr, req)
		assert.Equal(t, tc.status, rr.Code, tc)
	}
}
