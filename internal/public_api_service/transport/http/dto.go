package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/lexreach/golang_services/internal/core_domain"
	tokenvault "github.com/lexreach/golang_services/internal/token_vault_service/app"
	ucidapp "github.com/lexreach/golang_services/internal/ucid_service/app"
)

// GenericErrorResponse for API errors
type GenericErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// LinkSubCaseIDRequest links an external party's identifier to a UCID.
type LinkSubCaseIDRequest struct {
	Value       string `json:"value" validate:"required,max=256"`
	SourceParty string `json:"source_party" validate:"required,max=128"`
}

// LawyerRequest is a directory upsert.
type LawyerRequest struct {
	Name           string `json:"name" validate:"required"`
	Email          string `json:"email" validate:"required,email"`
	Specialization string `json:"specialization"`
	Location       string `json:"location"`
	SourceURL      string `json:"source_url" validate:"omitempty,url"`
	Active         *bool  `json:"active"`
}

// AuthorizeResponse carries the provider consent URL.
type AuthorizeResponse struct {
	AuthorizeURL string `json:"authorize_url"`
}

// ConnectedResponse confirms a stored credential.
type ConnectedResponse struct {
	UserID   string               `json:"user_id"`
	Provider core_domain.Provider `json:"provider"`
	Status   string               `json:"status"`
}

// ReplyAcceptedResponse reports what a reply webhook did.
type ReplyAcceptedResponse struct {
	Result string `json:"result"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg, details string) {
	writeJSON(w, logger, status, GenericErrorResponse{Error: msg, Details: details})
}

// writeServiceError maps application errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, operation string) {
	var verrs validator.ValidationErrors
	log := logger.With("operation", operation, "error", err)
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, ucidapp.ErrInvalidCaseID),
		errors.Is(err, ucidapp.ErrInvalidSubCaseID),
		errors.Is(err, core_domain.ErrUnknownProvider):
		log.WarnContext(r.Context(), "Invalid request")
		writeError(w, logger, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, tokenvault.ErrInvalidState):
		log.WarnContext(r.Context(), "Invalid oauth state")
		writeError(w, logger, http.StatusBadRequest, "invalid or expired oauth state", "")
	case errors.Is(err, core_domain.ErrNotFound), errors.Is(err, core_domain.ErrCredentialNotFound):
		log.InfoContext(r.Context(), "Resource not found")
		writeError(w, logger, http.StatusNotFound, "not found", "")
	default:
		log.ErrorContext(r.Context(), "Unhandled service error")
		writeError(w, logger, http.StatusInternalServerError, "internal server error", "")
	}
}
