// Package memrepo holds in-memory repositories that service tests run against. It is
// not wired into any binary. Methods are safe for concurrent use and keep the same
// atomicity as the Postgres repositories: unique pairs, compare-and-set transitions
// with version guards, and exclusive claims.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// Outreach is an in-memory OutreachRecordRepository.
type Outreach struct {
	mu      sync.Mutex
	records map[uuid.UUID]*core_domain.OutreachRecord
	now     func() time.Time
}

func NewOutreach() *Outreach {
	return &Outreach{
		records: make(map[uuid.UUID]*core_domain.OutreachRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used to stamp updated_at on transitions.
func (m *Outreach) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func clone(r *core_domain.OutreachRecord) *core_domain.OutreachRecord {
	c := *r
	return &c
}

// Put stores a record as-is, replacing any record with the same id.
func (m *Outreach) Put(rec *core_domain.OutreachRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.OutreachID] = clone(rec)
}

// All returns a snapshot of every record.
func (m *Outreach) All() []*core_domain.OutreachRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core_domain.OutreachRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, clone(r))
	}
	sortByCreated(out)
	return out
}

func (m *Outreach) CreateIfAbsent(_ context.Context, rec *core_domain.OutreachRecord) (*core_domain.OutreachRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.UCID == rec.UCID && r.LawyerID == rec.LawyerID {
			return clone(r), false, nil
		}
	}
	m.records[rec.OutreachID] = clone(rec)
	return clone(rec), true, nil
}

func (m *Outreach) GetByID(_ context.Context, id uuid.UUID) (*core_domain.OutreachRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return clone(r), nil
}

func (m *Outreach) GetByPair(_ context.Context, ucid uuid.UUID, lawyerID string) (*core_domain.OutreachRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.UCID == ucid && r.LawyerID == lawyerID {
			return clone(r), nil
		}
	}
	return nil, core_domain.ErrNotFound
}

func (m *Outreach) GetByProviderMessageID(_ context.Context, pmid string) (*core_domain.OutreachRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ProviderMessageID != nil && *r.ProviderMessageID == pmid {
			return clone(r), nil
		}
	}
	return nil, core_domain.ErrNotFound
}

func (m *Outreach) Transition(_ context.Context, id uuid.UUID, t core_domain.Transition) (*core_domain.OutreachRecord, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	if !inStates(r.State, t.From) {
		return nil, core_domain.ErrStateConflict
	}
	if t.IfVersion != nil && r.Version != *t.IfVersion {
		return nil, core_domain.ErrStateConflict
	}
	r.State = t.To
	if t.ProviderMessageID != nil {
		v := *t.ProviderMessageID
		r.ProviderMessageID = &v
	}
	if t.AttemptCount != nil {
		r.AttemptCount = *t.AttemptCount
	}
	if t.FollowUpCount != nil {
		r.FollowUpCount = *t.FollowUpCount
	}
	if t.LastAttemptAt != nil {
		v := *t.LastAttemptAt
		r.LastAttemptAt = &v
	}
	if t.ClearNextAction {
		r.NextActionAt = nil
	} else if t.NextActionAt != nil {
		v := *t.NextActionAt
		r.NextActionAt = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		r.LastError = &v
	}
	if t.ResponseType != nil {
		r.ResponseType = *t.ResponseType
	}
	if t.RespondedAt != nil {
		v := *t.RespondedAt
		r.RespondedAt = &v
	}
	r.UpdatedAt = m.now()
	r.Version++
	return clone(r), nil
}

func (m *Outreach) Defer(_ context.Context, id uuid.UUID, expected core_domain.OutreachState, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return core_domain.ErrNotFound
	}
	if r.State != expected {
		return core_domain.ErrStateConflict
	}
	u := until
	r.NextActionAt = &u
	r.UpdatedAt = m.now()
	r.Version++
	return nil
}

func (m *Outreach) AcquireDue(_ context.Context, states []core_domain.OutreachState, now, claimUntil time.Time, limit int) ([]*core_domain.OutreachRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*core_domain.OutreachRecord
	for _, r := range m.records {
		if inStates(r.State, states) && r.NextActionAt != nil && !r.NextActionAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextActionAt.Before(*due[j].NextActionAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*core_domain.OutreachRecord, 0, len(due))
	for _, r := range due {
		c := claimUntil
		r.NextActionAt = &c
		r.Version++
		out = append(out, clone(r))
	}
	return out, nil
}

func (m *Outreach) ListAwaitingExpired(_ context.Context, now time.Time, limit int) ([]*core_domain.OutreachRecord, error) {
	return m.list(limit, func(r *core_domain.OutreachRecord) bool {
		return r.State == core_domain.StateAwaitingResponse && r.NextActionAt != nil && !r.NextActionAt.After(now)
	}), nil
}

func (m *Outreach) ListStale(_ context.Context, state core_domain.OutreachState, before time.Time, limit int) ([]*core_domain.OutreachRecord, error) {
	return m.list(limit, func(r *core_domain.OutreachRecord) bool {
		return r.State == state && r.UpdatedAt.Before(before)
	}), nil
}

func (m *Outreach) ListByUCID(_ context.Context, ucid uuid.UUID) ([]*core_domain.OutreachRecord, error) {
	return m.list(0, func(r *core_domain.OutreachRecord) bool { return r.UCID == ucid }), nil
}

func (m *Outreach) ListOpenForCredential(_ context.Context, key core_domain.CredentialKey) ([]*core_domain.OutreachRecord, error) {
	return m.list(0, func(r *core_domain.OutreachRecord) bool {
		return r.UserID == key.UserID && r.Provider == key.Provider && !r.State.IsTerminal()
	}), nil
}

func (m *Outreach) SummaryByUCID(_ context.Context, ucid uuid.UUID) (*core_domain.OutreachSummary, error) {
	s := core_domain.NewOutreachSummary(ucid, "")
	for _, r := range m.list(0, func(r *core_domain.OutreachRecord) bool { return r.UCID == ucid }) {
		s.Total++
		s.Counts[r.State]++
		s.FollowUpsSent += r.FollowUpCount
		switch r.ResponseType {
		case core_domain.ResponseInterested:
			s.Interested++
		case core_domain.ResponseMoreInfo:
			s.MoreInfo++
		case core_domain.ResponseUnavailable:
			s.Unavailable++
		}
	}
	return s, nil
}

func (m *Outreach) list(limit int, keep func(*core_domain.OutreachRecord) bool) []*core_domain.OutreachRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core_domain.OutreachRecord
	for _, r := range m.records {
		if keep(r) {
			out = append(out, clone(r))
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func inStates(s core_domain.OutreachState, states []core_domain.OutreachState) bool {
	for _, x := range states {
		if s == x {
			return true
		}
	}
	return false
}

func sortByCreated(rs []*core_domain.OutreachRecord) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].CreatedAt.Before(rs[j].CreatedAt) })
}
