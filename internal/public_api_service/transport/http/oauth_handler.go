package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/public_api_service/middleware"
)

// CredentialService is the consent and revocation surface of the token vault.
type CredentialService interface {
	AuthorizeURL(userID string, provider core_domain.Provider) (string, error)
	Exchange(ctx context.Context, state, code string) (core_domain.CredentialKey, error)
	Revoke(ctx context.Context, userID string, provider core_domain.Provider) error
}

type OAuthHandler struct {
	vault  CredentialService
	logger *slog.Logger
}

func NewOAuthHandler(vault CredentialService, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{vault: vault, logger: logger.With("component", "oauth_handler")}
}

// RegisterProtectedRoutes mounts the routes that need an authenticated user.
func (h *OAuthHandler) RegisterProtectedRoutes(r chi.Router) {
	r.Get("/oauth/{provider}/authorize", h.Authorize)
	r.Delete("/credentials/{provider}", h.Revoke)
}

// RegisterCallbackRoutes mounts the provider redirect target. The signed state
// parameter identifies the user.
func (h *OAuthHandler) RegisterCallbackRoutes(r chi.Router) {
	r.Get("/oauth/{provider}/callback", h.Callback)
}

// Authorize returns the consent URL, or redirects to it with ?redirect=true.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "user authentication details not found", "")
		return
	}
	provider, err := core_domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "Authorize")
		return
	}
	url, err := h.vault.AuthorizeURL(authUser.ID, provider)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "Authorize")
		return
	}
	h.logger.InfoContext(ctx, "OAuth consent started", "user_id", authUser.ID, "provider", provider)
	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, AuthorizeResponse{AuthorizeURL: url})
}

func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.logger.WarnContext(ctx, "OAuth consent denied by provider", "error", e, "description", q.Get("error_description"))
		writeError(w, h.logger, http.StatusBadRequest, "consent was not granted", e)
		return
	}
	provider, err := core_domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "Callback")
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeError(w, h.logger, http.StatusBadRequest, "state and code are required", "")
		return
	}

	key, err := h.vault.Exchange(ctx, state, code)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "Callback")
		return
	}
	if key.Provider != provider {
		h.logger.WarnContext(ctx, "OAuth callback provider mismatch", "path_provider", provider, "state_provider", key.Provider)
	}
	writeJSON(w, h.logger, http.StatusOK, ConnectedResponse{
		UserID:   key.UserID,
		Provider: key.Provider,
		Status:   string(core_domain.CredentialActive),
	})
}

func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "user authentication details not found", "")
		return
	}
	provider, err := core_domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "Revoke")
		return
	}
	if err := h.vault.Revoke(ctx, authUser.ID, provider); err != nil {
		writeServiceError(w, r, h.logger, err, "Revoke")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
