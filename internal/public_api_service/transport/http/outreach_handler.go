package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/public_api_service/middleware"
	ucidapp "github.com/lexreach/golang_services/internal/ucid_service/app"
)

// CaseService is the case and outreach surface of the UCID correlator.
type CaseService interface {
	HandleCaseReady(ctx context.Context, evt core_domain.CaseReadyEvent) (*ucidapp.CaseReadyResult, error)
	SummaryByCaseID(ctx context.Context, caseID string) (*core_domain.OutreachSummary, error)
	SummaryByUCID(ctx context.Context, ucid uuid.UUID) (*core_domain.OutreachSummary, error)
	RecordsByCaseID(ctx context.Context, caseID string) ([]*core_domain.OutreachRecord, error)
	InterestedLawyers(ctx context.Context, caseID string) ([]core_domain.LawyerProfile, error)
	LinkSubCaseID(ctx context.Context, ucid uuid.UUID, value, sourceParty string) (core_domain.SubCaseID, error)
	SubIDsForUCID(ctx context.Context, ucid uuid.UUID) ([]core_domain.SubCaseID, error)
	CasesBySubID(ctx context.Context, value string) ([]core_domain.UCID, error)
	UpsertLawyer(ctx context.Context, l core_domain.LawyerProfile) error
}

type OutreachHandler struct {
	cases    CaseService
	logger   *slog.Logger
	validate *validator.Validate
}

func NewOutreachHandler(cases CaseService, logger *slog.Logger, validate *validator.Validate) *OutreachHandler {
	return &OutreachHandler{cases: cases, logger: logger.With("component", "outreach_handler"), validate: validate}
}

// RegisterRoutes mounts the case, UCID and directory routes. The caller applies auth.
func (h *OutreachHandler) RegisterRoutes(r chi.Router) {
	r.Post("/cases/ready", h.CaseReady)
	r.Get("/cases/{caseID}/outreach", h.CaseSummary)
	r.Get("/cases/{caseID}/outreach/records", h.CaseRecords)
	r.Get("/cases/{caseID}/interested-lawyers", h.InterestedLawyers)
	r.Get("/ucids/{ucid}/outreach", h.UCIDSummary)
	r.Get("/ucids/{ucid}/sub-ids", h.ListSubCaseIDs)
	r.Post("/ucids/{ucid}/sub-ids", h.LinkSubCaseID)
	r.Get("/sub-ids/{value}/cases", h.CasesBySubID)
	r.With(middleware.AdminOnly(h.logger)).Put("/lawyers/{lawyerID}", h.UpsertLawyer)
}

// CaseReady accepts the same event the case-matching collaborator publishes on NATS.
// Non-admin callers may only send from their own mailbox.
func (h *OutreachHandler) CaseReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var evt core_domain.CaseReadyEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode case ready request", "error", err)
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", "")
		return
	}

	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "user authentication details not found", "")
		return
	}
	if evt.UserID == "" {
		evt.UserID = authUser.ID
	}
	if evt.UserID != authUser.ID && !authUser.IsAdmin {
		h.logger.WarnContext(ctx, "User not authorized to send from another mailbox", "auth_user_id", authUser.ID, "target_user_id", evt.UserID)
		writeError(w, h.logger, http.StatusForbidden, "not authorized to send on behalf of another user", "")
		return
	}

	res, err := h.cases.HandleCaseReady(ctx, evt)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "CaseReady")
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, res)
}

func (h *OutreachHandler) CaseSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.cases.SummaryByCaseID(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "CaseSummary")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, s)
}

func (h *OutreachHandler) CaseRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := h.cases.RecordsByCaseID(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "CaseRecords")
		return
	}
	if recs == nil {
		recs = []*core_domain.OutreachRecord{}
	}
	writeJSON(w, h.logger, http.StatusOK, recs)
}

func (h *OutreachHandler) InterestedLawyers(w http.ResponseWriter, r *http.Request) {
	lawyers, err := h.cases.InterestedLawyers(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "InterestedLawyers")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, lawyers)
}

func (h *OutreachHandler) UCIDSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ucidParam(w, r)
	if !ok {
		return
	}
	s, err := h.cases.SummaryByUCID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "UCIDSummary")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, s)
}

func (h *OutreachHandler) ListSubCaseIDs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ucidParam(w, r)
	if !ok {
		return
	}
	subs, err := h.cases.SubIDsForUCID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "ListSubCaseIDs")
		return
	}
	if subs == nil {
		subs = []core_domain.SubCaseID{}
	}
	writeJSON(w, h.logger, http.StatusOK, subs)
}

func (h *OutreachHandler) LinkSubCaseID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.ucidParam(w, r)
	if !ok {
		return
	}
	var req LinkSubCaseIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeServiceError(w, r, h.logger, err, "LinkSubCaseID")
		return
	}
	sub, err := h.cases.LinkSubCaseID(ctx, id, req.Value, req.SourceParty)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "LinkSubCaseID")
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, sub)
}

func (h *OutreachHandler) CasesBySubID(w http.ResponseWriter, r *http.Request) {
	ucids, err := h.cases.CasesBySubID(r.Context(), chi.URLParam(r, "value"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "CasesBySubID")
		return
	}
	if ucids == nil {
		ucids = []core_domain.UCID{}
	}
	writeJSON(w, h.logger, http.StatusOK, ucids)
}

func (h *OutreachHandler) UpsertLawyer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LawyerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeServiceError(w, r, h.logger, err, "UpsertLawyer")
		return
	}
	profile := core_domain.LawyerProfile{
		LawyerID:       chi.URLParam(r, "lawyerID"),
		Name:           req.Name,
		Email:          req.Email,
		Specialization: req.Specialization,
		Location:       req.Location,
		SourceURL:      req.SourceURL,
		Active:         req.Active == nil || *req.Active,
	}
	if err := h.cases.UpsertLawyer(ctx, profile); err != nil {
		writeServiceError(w, r, h.logger, err, "UpsertLawyer")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OutreachHandler) ucidParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "ucid"))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid ucid", "")
		return uuid.Nil, false
	}
	return id, true
}
