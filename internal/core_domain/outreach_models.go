package core_domain

import (
	"database/sql/driver" // For custom ENUM Scan/Value
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutreachState defines the possible states of an outreach attempt.
type OutreachState string

const (
	StatePending          OutreachState = "pending"
	StateSending          OutreachState = "sending"
	StateSent             OutreachState = "sent" // Accepted by provider, not yet awaiting a reply
	StateRetryScheduled   OutreachState = "retry_scheduled"
	StateFailed           OutreachState = "failed" // Terminal
	StateAwaitingResponse OutreachState = "awaiting_response"
	StateResponded        OutreachState = "responded" // Terminal
	StateFollowUpDue      OutreachState = "follow_up_due"
	StateExpired          OutreachState = "expired" // Terminal
)

// AllOutreachStates lists every state, in lifecycle order. Used for summaries.
var AllOutreachStates = []OutreachState{
	StatePending, StateSending, StateSent, StateRetryScheduled, StateFailed,
	StateAwaitingResponse, StateResponded, StateFollowUpDue, StateExpired,
}

var outreachTransitions = map[OutreachState][]OutreachState{
	StatePending:          {StateSending, StateFailed},
	StateSending:          {StateSent, StateRetryScheduled, StateFailed, StateResponded},
	StateSent:             {StateAwaitingResponse, StateResponded},
	StateRetryScheduled:   {StateSending, StateFailed, StateResponded},
	StateAwaitingResponse: {StateResponded, StateFollowUpDue, StateExpired},
	StateFollowUpDue:      {StateSending, StateResponded, StateFailed},
}

// CanTransition reports whether moving a record from one state to another is allowed.
func CanTransition(from, to OutreachState) bool {
	for _, next := range outreachTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further action is ever taken for the state.
func (s OutreachState) IsTerminal() bool {
	return s == StateFailed || s == StateResponded || s == StateExpired
}

// Dispatchable reports whether a record in this state may enter the sending step.
func (s OutreachState) Dispatchable() bool {
	return s == StatePending || s == StateRetryScheduled || s == StateFollowUpDue
}

// AcceptsReply reports whether a reply can settle a record in this state. A record
// mid-retry only has a message in the lawyer's inbox once a follow-up cycle started.
func (s OutreachState) AcceptsReply(followUpCount int) bool {
	switch s {
	case StateSent, StateAwaitingResponse, StateFollowUpDue:
		return true
	case StateSending, StateRetryScheduled:
		return followUpCount > 0
	}
	return false
}

func (s OutreachState) String() string { return string(s) }

// Value implements the driver.Valuer interface for OutreachState.
func (s OutreachState) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for OutreachState.
func (s *OutreachState) Scan(value interface{}) error {
	var strVal string
	switch v := value.(type) {
	case string:
		strVal = v
	case []byte:
		strVal = string(v)
	case OutreachState:
		strVal = string(v)
	default:
		return fmt.Errorf("failed to scan OutreachState: value is not string or []byte, it is %T", value)
	}
	for _, known := range AllOutreachStates {
		if string(known) == strVal {
			*s = known
			return nil
		}
	}
	return fmt.Errorf("unknown OutreachState value: %s", strVal)
}

// ResponseType categorises a lawyer's reply to the pre-assessment request.
type ResponseType string

const (
	ResponseNone         ResponseType = ""
	ResponseInterested   ResponseType = "interested"
	ResponseMoreInfo     ResponseType = "more_info"
	ResponseUnavailable  ResponseType = "unavailable"
	ResponseUnclassified ResponseType = "unclassified"
)

// OutreachRecord tracks contact of one lawyer for one case. At most one record
// exists per (UCID, LawyerID).
type OutreachRecord struct {
	OutreachID        uuid.UUID     `json:"outreach_id"`
	UCID              uuid.UUID     `json:"ucid"`
	LawyerID          string        `json:"lawyer_id"`
	UserID            string        `json:"user_id"`  // Whose mailbox sends the outreach
	Provider          Provider      `json:"provider"` // Which connected provider is used
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	State             OutreachState `json:"state"`
	AttemptCount      int           `json:"attempt_count"`   // Failed attempts in the current send cycle
	FollowUpCount     int           `json:"follow_up_count"` // Follow-ups raised so far
	LastAttemptAt     *time.Time    `json:"last_attempt_at,omitempty"`
	NextActionAt      *time.Time    `json:"next_action_at,omitempty"`
	LastError         *string       `json:"last_error,omitempty"`
	ResponseType      ResponseType  `json:"response_type,omitempty"`
	RespondedAt       *time.Time    `json:"responded_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	Version           int64         `json:"version"` // bumped by every write
}

// NewOutreachRecord creates a pending record that is due immediately.
func NewOutreachRecord(ucid uuid.UUID, lawyerID, userID string, provider Provider, now time.Time) *OutreachRecord {
	now = now.UTC()
	return &OutreachRecord{
		OutreachID:   uuid.New(),
		UCID:         ucid,
		LawyerID:     lawyerID,
		UserID:       userID,
		Provider:     provider,
		State:        StatePending,
		NextActionAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsFollowUp reports whether the next send for this record is a follow-up message.
func (r *OutreachRecord) IsFollowUp() bool {
	return r.FollowUpCount > 0
}

// Transition describes a compare-and-set state change of one record.
// Nil pointer fields leave the stored column unchanged.
type Transition struct {
	From              []OutreachState
	To                OutreachState
	IfVersion         *int64 // when set, the record must still be at this version
	ProviderMessageID *string
	AttemptCount      *int
	FollowUpCount     *int
	LastAttemptAt     *time.Time
	NextActionAt      *time.Time
	ClearNextAction   bool
	LastError         *string
	ResponseType      *ResponseType
	RespondedAt       *time.Time
}

// Validate checks every source state against the lifecycle table.
func (t Transition) Validate() error {
	if len(t.From) == 0 {
		return fmt.Errorf("%w: no source state for %s", ErrInvalidTransition, t.To)
	}
	for _, from := range t.From {
		if !CanTransition(from, t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
		}
	}
	return nil
}

// VersionGuard returns a guard pinning a transition to the record as read.
func (r *OutreachRecord) VersionGuard() *int64 {
	v := r.Version
	return &v
}

// OutreachSummary is the per-case read model used by dashboards.
type OutreachSummary struct {
	UCID          uuid.UUID             `json:"ucid"`
	CaseID        string                `json:"case_id"`
	Total         int                   `json:"total"`
	Counts        map[OutreachState]int `json:"counts"`
	FollowUpsSent int                   `json:"follow_ups_sent"`
	Interested    int                   `json:"interested"`
	MoreInfo      int                   `json:"more_info"`
	Unavailable   int                   `json:"unavailable"`
}

// NewOutreachSummary returns a summary with every state present at zero.
func NewOutreachSummary(ucid uuid.UUID, caseID string) *OutreachSummary {
	counts := make(map[OutreachState]int, len(AllOutreachStates))
	for _, s := range AllOutreachStates {
		counts[s] = 0
	}
	return &OutreachSummary{UCID: ucid, CaseID: caseID, Counts: counts}
}
