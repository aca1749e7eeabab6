package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// WebhookSecretHeader carries the shared secret on inbound webhooks.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookSecret authenticates collaborator callbacks with a shared secret.
// An empty secret rejects every request.
func WebhookSecret(secret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WebhookSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				logger.WarnContext(r.Context(), "Webhook secret mismatch", "path", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
