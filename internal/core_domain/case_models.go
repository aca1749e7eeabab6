package core_domain

import (
	"time"

	"github.com/google/uuid"
)

// UCID is the Universal Case Identifier. Exactly one exists per case and it is never mutated.
type UCID struct {
	UCID      uuid.UUID `json:"ucid"`
	CaseID    string    `json:"case_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SubCaseID is an identifier issued by an external party (court, police, insurer)
// that correlates to a UCID by lookup.
type SubCaseID struct {
	ID          uuid.UUID `json:"id"`
	UCID        uuid.UUID `json:"ucid"`
	Value       string    `json:"value"`
	SourceParty string    `json:"source_party"`
	CreatedAt   time.Time `json:"created_at"`
}

// LawyerProfile is read-mostly directory data populated by directory ingestion.
type LawyerProfile struct {
	LawyerID       string    `json:"lawyer_id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Specialization string    `json:"specialization"`
	Location       string    `json:"location"`
	SourceURL      string    `json:"source_url"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CaseBrief holds what the composer needs to write to lawyers about a case
// and which connected mailbox sends it.
type CaseBrief struct {
	UCID       uuid.UUID `json:"ucid"`
	UserID     string    `json:"user_id"`
	Provider   Provider  `json:"provider"`
	Summary    string    `json:"summary"`
	LegalField string    `json:"legal_field"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CaseReadyEvent is emitted by the case-matching collaborator once the eligible
// lawyer set for a case is known.
type CaseReadyEvent struct {
	CaseID            string   `json:"case_id" validate:"required"`
	UserID            string   `json:"user_id" validate:"required"`
	Provider          string   `json:"provider" validate:"required"`
	Summary           string   `json:"summary"`
	LegalField        string   `json:"legal_field"`
	EligibleLawyerIDs []string `json:"eligible_lawyer_ids" validate:"required,min=1,dive,required"`
}

// ReplyEvent is delivered by the reply/webhook collaborator.
type ReplyEvent struct {
	ProviderMessageID string    `json:"provider_message_id" validate:"required"`
	ReplyDetectedAt   time.Time `json:"reply_detected_at" validate:"required"`
	Body              string    `json:"body,omitempty"`
}
