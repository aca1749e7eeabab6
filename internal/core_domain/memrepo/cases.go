package memrepo

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// Cases is an in-memory UCIDRepository, LawyerRepository and CaseBriefRepository.
type Cases struct {
	mu      sync.Mutex
	ucids   map[string]core_domain.UCID
	subs    []core_domain.SubCaseID
	lawyers map[string]core_domain.LawyerProfile
	briefs  map[uuid.UUID]core_domain.CaseBrief
}

func NewCases() *Cases {
	return &Cases{
		ucids:   make(map[string]core_domain.UCID),
		lawyers: make(map[string]core_domain.LawyerProfile),
		briefs:  make(map[uuid.UUID]core_domain.CaseBrief),
	}
}

func (c *Cases) InsertIfAbsent(_ context.Context, candidate core_domain.UCID) (core_domain.UCID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.ucids[candidate.CaseID]; ok {
		return u, false, nil
	}
	c.ucids[candidate.CaseID] = candidate
	return candidate, true, nil
}

func (c *Cases) GetByCaseID(_ context.Context, caseID string) (core_domain.UCID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.ucids[caseID]; ok {
		return u, nil
	}
	return core_domain.UCID{}, core_domain.ErrNotFound
}

func (c *Cases) GetByUCID(_ context.Context, ucid uuid.UUID) (core_domain.UCID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.ucids {
		if u.UCID == ucid {
			return u, nil
		}
	}
	return core_domain.UCID{}, core_domain.ErrNotFound
}

func (c *Cases) LinkSubCaseID(_ context.Context, sub core_domain.SubCaseID) (core_domain.SubCaseID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.UCID == sub.UCID && s.Value == sub.Value && s.SourceParty == sub.SourceParty {
			return s, nil
		}
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *Cases) ListSubCaseIDs(_ context.Context, ucid uuid.UUID) ([]core_domain.SubCaseID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core_domain.SubCaseID
	for _, s := range c.subs {
		if s.UCID == ucid {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Cases) FindBySubCaseID(_ context.Context, value string) ([]core_domain.UCID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []core_domain.UCID
	for _, s := range c.subs {
		if s.Value != value || seen[s.UCID] {
			continue
		}
		seen[s.UCID] = true
		for _, u := range c.ucids {
			if u.UCID == s.UCID {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func (c *Cases) GetByIDs(_ context.Context, ids []string) (map[string]core_domain.LawyerProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]core_domain.LawyerProfile, len(ids))
	for _, id := range ids {
		if l, ok := c.lawyers[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func (c *Cases) UpsertLawyer(_ context.Context, l core_domain.LawyerProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lawyers[l.LawyerID] = l
	return nil
}

func (c *Cases) Upsert(_ context.Context, b core_domain.CaseBrief) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.briefs[b.UCID] = b
	return nil
}

func (c *Cases) Get(_ context.Context, ucid uuid.UUID) (core_domain.CaseBrief, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.briefs[ucid]; ok {
		return b, nil
	}
	return core_domain.CaseBrief{}, core_domain.ErrNotFound
}
