package core_domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutreachRecordRepository defines persistence for OutreachRecords. State changes
// go exclusively through Transition, which is a compare-and-set on the current state.
type OutreachRecordRepository interface {
	// CreateIfAbsent inserts rec unless a record for (rec.UCID, rec.LawyerID) exists.
	// It always returns the stored record and whether it was created by this call.
	CreateIfAbsent(ctx context.Context, rec *OutreachRecord) (*OutreachRecord, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*OutreachRecord, error)
	GetByPair(ctx context.Context, ucid uuid.UUID, lawyerID string) (*OutreachRecord, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*OutreachRecord, error)
	// Transition applies t when the record's current state is one of t.From.
	// Returns ErrStateConflict when it is not.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*OutreachRecord, error)
	// Defer moves next_action_at without changing the state, if the state is still expected.
	Defer(ctx context.Context, id uuid.UUID, expected OutreachState, until time.Time) error
	// AcquireDue claims up to limit records in the given states whose next_action_at <= now,
	// oldest first, skipping rows locked by another scheduler. Claimed rows get
	// next_action_at = claimUntil so no other instance picks them up before the
	// dispatcher's own state CAS decides the outcome.
	AcquireDue(ctx context.Context, states []OutreachState, now, claimUntil time.Time, limit int) ([]*OutreachRecord, error)
	// ListAwaitingExpired returns awaiting_response records whose response window elapsed.
	ListAwaitingExpired(ctx context.Context, now time.Time, limit int) ([]*OutreachRecord, error)
	// ListStale returns records in state whose updated_at is older than before.
	ListStale(ctx context.Context, state OutreachState, before time.Time, limit int) ([]*OutreachRecord, error)
	ListByUCID(ctx context.Context, ucid uuid.UUID) ([]*OutreachRecord, error)
	// ListOpenForCredential returns the non-terminal records sent through one credential.
	ListOpenForCredential(ctx context.Context, key CredentialKey) ([]*OutreachRecord, error)
	// SummaryByUCID aggregates state and response counts; CaseID is left to the caller.
	SummaryByUCID(ctx context.Context, ucid uuid.UUID) (*OutreachSummary, error)
}

// UCIDRepository persists UCIDs and the external sub-case identifiers linked to them.
type UCIDRepository interface {
	// InsertIfAbsent relies on the unique constraint on case_id; it returns the
	// stored UCID whether or not this call created it.
	InsertIfAbsent(ctx context.Context, candidate UCID) (UCID, bool, error)
	GetByCaseID(ctx context.Context, caseID string) (UCID, error)
	GetByUCID(ctx context.Context, ucid uuid.UUID) (UCID, error)
	LinkSubCaseID(ctx context.Context, sub SubCaseID) (SubCaseID, error)
	ListSubCaseIDs(ctx context.Context, ucid uuid.UUID) ([]SubCaseID, error)
	FindBySubCaseID(ctx context.Context, value string) ([]UCID, error)
}

// LawyerRepository reads directory data; UpsertLawyer is used by directory ingestion only.
type LawyerRepository interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]LawyerProfile, error)
	UpsertLawyer(ctx context.Context, l LawyerProfile) error
}

// CaseBriefRepository stores the latest brief for each UCID.
type CaseBriefRepository interface {
	Upsert(ctx context.Context, brief CaseBrief) error
	Get(ctx context.Context, ucid uuid.UUID) (CaseBrief, error)
}

// CredentialRepository stores sealed credentials. Only the Token Vault uses it.
type CredentialRepository interface {
	Get(ctx context.Context, key CredentialKey) (*StoredCredential, error)
	Upsert(ctx context.Context, cred *StoredCredential) error
	// UpdateWithLock runs fn while holding the credential's row lock. When fn returns a
	// non-nil credential it is written before the lock is released, even if fn also
	// returns an error; that error is then returned to the caller.
	UpdateWithLock(ctx context.Context, key CredentialKey, fn func(cur *StoredCredential) (*StoredCredential, error)) (*StoredCredential, error)
	// Revoke marks the credential revoked and wipes the sealed tokens.
	Revoke(ctx context.Context, key CredentialKey) error
}
