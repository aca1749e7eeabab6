package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// SummaryByCaseID returns per-state counts for the case's outreach.
func (c *Correlator) SummaryByCaseID(ctx context.Context, caseID string) (*core_domain.OutreachSummary, error) {
	u, err := c.ucids.GetByCaseID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.summary(ctx, u)
}

func (c *Correlator) SummaryByUCID(ctx context.Context, ucid uuid.UUID) (*core_domain.OutreachSummary, error) {
	u, err := c.ucids.GetByUCID(ctx, ucid)
	if err != nil {
		return nil, err
	}
	return c.summary(ctx, u)
}

func (c *Correlator) summary(ctx context.Context, u core_domain.UCID) (*core_domain.OutreachSummary, error) {
	s, err := c.records.SummaryByUCID(ctx, u.UCID)
	if err != nil {
		return nil, fmt.Errorf("summarize outreach for %s: %w", u.UCID, err)
	}
	s.UCID = u.UCID
	s.CaseID = u.CaseID
	return s, nil
}

// RecordsByCaseID lists every outreach record of the case.
func (c *Correlator) RecordsByCaseID(ctx context.Context, caseID string) ([]*core_domain.OutreachRecord, error) {
	u, err := c.ucids.GetByCaseID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.records.ListByUCID(ctx, u.UCID)
}

// InterestedLawyers returns the profiles of lawyers whose reply was classified as interested.
func (c *Correlator) InterestedLawyers(ctx context.Context, caseID string) ([]core_domain.LawyerProfile, error) {
	recs, err := c.RecordsByCaseID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range recs {
		if r.State == core_domain.StateResponded && r.ResponseType == core_domain.ResponseInterested {
			ids = append(ids, r.LawyerID)
		}
	}
	if len(ids) == 0 {
		return []core_domain.LawyerProfile{}, nil
	}
	profiles, err := c.lawyers.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]core_domain.LawyerProfile, 0, len(ids))
	for _, id := range ids {
		if p, ok := profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
