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

// Result is what processing one reply did.
type Result string

const (
	ResultResponded Result = "responded"
	ResultUnknown   Result = "unknown_message"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored_state" // record is not waiting for a reply
)

// maxSettleAttempts bounds re-reads when the record keeps changing under a reply.
const maxSettleAttempts = 3

// ReplyProcessor correlates detected replies with outreach records.
type ReplyProcessor struct {
	records  core_domain.OutreachRecordRepository
	validate *validator.Validate
	logger   *slog.Logger
}

func NewReplyProcessor(records core_domain.OutreachRecordRepository, logger *slog.Logger) *ReplyProcessor {
	return &ReplyProcessor{
		records:  records,
		validate: validator.New(),
		logger:   logger.With("component", "reply_processor"),
	}
}

// Process marks the matching record responded. Unknown message ids are logged and
// ignored. A redelivered reply for an already responded record is a no-op. A reply
// that lands while a follow-up is being sent or retried still settles the record.
func (p *ReplyProcessor) Process(ctx context.Context, evt core_domain.ReplyEvent) (Result, error) {
	if err := p.validate.Struct(evt); err != nil {
		repliesCounter.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("invalid reply event: %w", err)
	}

	rec, err := p.find(ctx, evt.ProviderMessageID)
	if errors.Is(err, core_domain.ErrNotFound) {
		repliesCounter.WithLabelValues(string(ResultUnknown)).Inc()
		p.logger.WarnContext(ctx, "Reply for unknown message ignored", "provider_message_id", evt.ProviderMessageID)
		return ResultUnknown, nil
	}
	if err != nil {
		return "", err
	}

	kind := Classify(evt.Body)
	at := evt.ReplyDetectedAt.UTC()
	for attempt := 0; ; attempt++ {
		if rec.State == core_domain.StateResponded {
			repliesCounter.WithLabelValues(string(ResultDuplicate)).Inc()
			return ResultDuplicate, nil
		}
		if !rec.State.AcceptsReply(rec.FollowUpCount) || attempt == maxSettleAttempts {
			repliesCounter.WithLabelValues(string(ResultIgnored)).Inc()
			p.logger.WarnContext(ctx, "Reply for record not awaiting a response",
				"outreach_id", rec.OutreachID, "state", rec.State, "response_type", kind)
			return ResultIgnored, nil
		}

		// Pinned to the snapshot: the follow-up count decides whether a retrying
		// record already has a message in the lawyer's inbox.
		_, err = p.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
			From:            []core_domain.OutreachState{rec.State},
			To:              core_domain.StateResponded,
			IfVersion:       rec.VersionGuard(),
			ResponseType:    &kind,
			RespondedAt:     &at,
			ClearNextAction: true,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, core_domain.ErrStateConflict) {
			return "", fmt.Errorf("mark responded %s: %w", rec.OutreachID, err)
		}
		if rec, err = p.records.GetByID(ctx, rec.OutreachID); err != nil {
			return "", fmt.Errorf("reload outreach: %w", err)
		}
	}

	repliesCounter.WithLabelValues(string(ResultResponded)).Inc()
	responsesByTypeCounter.WithLabelValues(string(kind)).Inc()
	p.logger.InfoContext(ctx, "Lawyer responded",
		"outreach_id", rec.OutreachID, "lawyer_id", rec.LawyerID, "response_type", kind,
		"latency", time.Since(rec.CreatedAt).Round(time.Second))
	return ResultResponded, nil
}

// find looks the record up by provider message id, then by the outreach id embedded
// in our own Message-ID or correlation id. Replies to an earlier send of the same
// record still match after a follow-up replaced the stored id.
func (p *ReplyProcessor) find(ctx context.Context, ref string) (*core_domain.OutreachRecord, error) {
	rec, err := p.records.GetByProviderMessageID(ctx, ref)
	if err == nil || !errors.Is(err, core_domain.ErrNotFound) {
		return rec, err
	}
	id, ok := outreachIDFromReference(ref)
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return p.records.GetByID(ctx, id)
}

func outreachIDFromReference(ref string) (uuid.UUID, bool) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "<")
	if len(ref) < 36 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(ref[:36])
	if err != nil {
		return uuid.Nil, false
	}
	if len(ref) > 36 && ref[36] != '.' && ref[36] != '@' {
		return uuid.Nil, false
	}
	return id, true
}
