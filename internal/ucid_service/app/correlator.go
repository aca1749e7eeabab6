package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lexreach/golang_services/internal/core_domain"
)

var (
	ErrInvalidCaseID    = errors.New("case id must not be empty")
	ErrInvalidSubCaseID = errors.New("sub-case id must not be empty")
)

// Skip reasons reported in CaseReadyResult.
const (
	SkipUnknownLawyer    = "unknown_lawyer"
	SkipInactiveLawyer   = "inactive_lawyer"
	SkipAlreadyContacted = "already_contacted"
)

// SkippedLawyer is an eligible lawyer that was not linked, with the reason.
type SkippedLawyer struct {
	LawyerID string `json:"lawyer_id"`
	Reason   string `json:"reason"`
}

// CaseReadyResult is what HandleCaseReady did for one event.
type CaseReadyResult struct {
	UCID    core_domain.UCID              `json:"ucid"`
	Linked  []*core_domain.OutreachRecord `json:"linked"`
	Skipped []SkippedLawyer               `json:"skipped"`
}

// Correlator owns UCID identity and the (UCID, lawyer) pairing that prevents duplicate outreach.
type Correlator struct {
	ucids    core_domain.UCIDRepository
	records  core_domain.OutreachRecordRepository
	lawyers  core_domain.LawyerRepository
	briefs   core_domain.CaseBriefRepository
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewCorrelator(
	ucids core_domain.UCIDRepository,
	records core_domain.OutreachRecordRepository,
	lawyers core_domain.LawyerRepository,
	briefs core_domain.CaseBriefRepository,
	logger *slog.Logger,
) *Correlator {
	return &Correlator{
		ucids:    ucids,
		records:  records,
		lawyers:  lawyers,
		briefs:   briefs,
		validate: validator.New(),
		logger:   logger.With("component", "ucid_correlator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ResolveOrCreate returns the UCID for caseID, creating it on first use.
// Concurrent callers for the same case all receive the same UCID.
func (c *Correlator) ResolveOrCreate(ctx context.Context, caseID string) (core_domain.UCID, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return core_domain.UCID{}, ErrInvalidCaseID
	}

	existing, err := c.ucids.GetByCaseID(ctx, caseID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, core_domain.ErrNotFound) {
		return core_domain.UCID{}, fmt.Errorf("lookup ucid for case %s: %w", caseID, err)
	}

	candidate := core_domain.UCID{UCID: uuid.New(), CaseID: caseID, CreatedAt: c.now()}
	stored, created, err := c.ucids.InsertIfAbsent(ctx, candidate)
	if err != nil {
		return core_domain.UCID{}, fmt.Errorf("create ucid for case %s: %w", caseID, err)
	}
	if created {
		ucidsCreatedCounter.Inc()
		c.logger.InfoContext(ctx, "UCID created", "case_id", caseID, "ucid", stored.UCID)
	}
	return stored, nil
}

// LinkLawyer returns the outreach record for (ucid, lawyerID), creating a pending one if absent.
// The sending mailbox is taken from the case brief.
func (c *Correlator) LinkLawyer(ctx context.Context, ucid uuid.UUID, lawyerID string) (*core_domain.OutreachRecord, error) {
	brief, err := c.briefs.Get(ctx, ucid)
	if err != nil {
		return nil, fmt.Errorf("load case brief %s: %w", ucid, err)
	}
	rec, _, err := c.link(ctx, brief, lawyerID)
	return rec, err
}

func (c *Correlator) link(ctx context.Context, brief core_domain.CaseBrief, lawyerID string) (*core_domain.OutreachRecord, bool, error) {
	rec := core_domain.NewOutreachRecord(brief.UCID, lawyerID, brief.UserID, brief.Provider, c.now())
	stored, created, err := c.records.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("link lawyer %s to %s: %w", lawyerID, brief.UCID, err)
	}
	if created {
		lawyersLinkedCounter.Inc()
		c.logger.InfoContext(ctx, "Lawyer linked", "ucid", brief.UCID, "lawyer_id", lawyerID, "outreach_id", stored.OutreachID)
	}
	return stored, created, nil
}

// IsAlreadyContacted reports whether an outreach record exists for the pair, in any state.
func (c *Correlator) IsAlreadyContacted(ctx context.Context, ucid uuid.UUID, lawyerID string) (bool, error) {
	_, err := c.records.GetByPair(ctx, ucid, lawyerID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, core_domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// HandleCaseReady resolves the case's UCID, stores its brief and links every eligible
// lawyer that is known, active and not yet contacted.
func (c *Correlator) HandleCaseReady(ctx context.Context, evt core_domain.CaseReadyEvent) (*CaseReadyResult, error) {
	if err := c.validate.StructCtx(ctx, evt); err != nil {
		return nil, fmt.Errorf("invalid case ready event: %w", err)
	}
	provider, err := core_domain.ParseProvider(evt.Provider)
	if err != nil {
		return nil, err
	}

	u, err := c.ResolveOrCreate(ctx, evt.CaseID)
	if err != nil {
		return nil, err
	}

	brief := core_domain.CaseBrief{
		UCID:       u.UCID,
		UserID:     evt.UserID,
		Provider:   provider,
		Summary:    evt.Summary,
		LegalField: evt.LegalField,
		UpdatedAt:  c.now(),
	}
	if err := c.briefs.Upsert(ctx, brief); err != nil {
		return nil, fmt.Errorf("store case brief: %w", err)
	}

	ids := uniqueIDs(evt.EligibleLawyerIDs)
	profiles, err := c.lawyers.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load lawyer profiles: %w", err)
	}

	result := &CaseReadyResult{UCID: u}
	for _, id := range ids {
		profile, ok := profiles[id]
		if !ok {
			result.Skipped = append(result.Skipped, SkippedLawyer{LawyerID: id, Reason: SkipUnknownLawyer})
			continue
		}
		if !profile.Active {
			result.Skipped = append(result.Skipped, SkippedLawyer{LawyerID: id, Reason: SkipInactiveLawyer})
			continue
		}
		rec, created, err := c.link(ctx, brief, id)
		if err != nil {
			return result, err
		}
		if !created {
			result.Skipped = append(result.Skipped, SkippedLawyer{LawyerID: id, Reason: SkipAlreadyContacted})
			continue
		}
		result.Linked = append(result.Linked, rec)
	}

	for _, s := range result.Skipped {
		lawyersSkippedCounter.WithLabelValues(s.Reason).Inc()
	}
	c.logger.InfoContext(ctx, "Case ready handled",
		"case_id", evt.CaseID, "ucid", u.UCID,
		"linked", len(result.Linked), "skipped", len(result.Skipped))
	return result, nil
}

// LinkSubCaseID correlates an identifier issued by an external party to an existing UCID.
func (c *Correlator) LinkSubCaseID(ctx context.Context, ucid uuid.UUID, value, sourceParty string) (core_domain.SubCaseID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return core_domain.SubCaseID{}, ErrInvalidSubCaseID
	}
	if _, err := c.ucids.GetByUCID(ctx, ucid); err != nil {
		return core_domain.SubCaseID{}, fmt.Errorf("ucid %s: %w", ucid, err)
	}
	sub := core_domain.SubCaseID{
		ID:          uuid.New(),
		UCID:        ucid,
		Value:       value,
		SourceParty: strings.TrimSpace(sourceParty),
		CreatedAt:   c.now(),
	}
	stored, err := c.ucids.LinkSubCaseID(ctx, sub)
	if err != nil {
		return core_domain.SubCaseID{}, err
	}
	c.logger.InfoContext(ctx, "Sub-case id linked", "ucid", ucid, "source_party", stored.SourceParty)
	return stored, nil
}

// CasesBySubID returns the UCIDs an external identifier has been linked to.
func (c *Correlator) CasesBySubID(ctx context.Context, value string) ([]core_domain.UCID, error) {
	return c.ucids.FindBySubCaseID(ctx, strings.TrimSpace(value))
}

func (c *Correlator) SubIDsForUCID(ctx context.Context, ucid uuid.UUID) ([]core_domain.SubCaseID, error) {
	return c.ucids.ListSubCaseIDs(ctx, ucid)
}

// UpsertLawyer ingests one directory entry.
func (c *Correlator) UpsertLawyer(ctx context.Context, l core_domain.LawyerProfile) error {
	if err := c.validate.StructCtx(ctx, lawyerInput{LawyerID: l.LawyerID, Email: l.Email}); err != nil {
		return fmt.Errorf("invalid lawyer profile: %w", err)
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = c.now()
	}
	return c.lawyers.UpsertLawyer(ctx, l)
}

type lawyerInput struct {
	LawyerID string `validate:"required"`
	Email    string `validate:"required,email"`
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
