package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/operator_report"
	"github.com/lexreach/golang_services/internal/outreach_dispatch_service/provider"
)

var tracer = otel.Tracer("github.com/lexreach/golang_services/internal/outreach_dispatch_service")

// Outcome is what one Dispatch call did to the record.
type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailed         Outcome = "failed"
	OutcomeDeferredQuota  Outcome = "deferred_quota"
	OutcomeSkipped        Outcome = "skipped" // not dispatchable or another worker won the record
)

const reasonUnsupportedProvider = "unsupported_provider"

// TokenSource hands out access tokens. The token vault implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID string, provider core_domain.Provider) (core_domain.AccessToken, error)
	IsRevoked(ctx context.Context, userID string, provider core_domain.Provider) (bool, error)
}

// AdapterResolver finds the adapter for a provider. provider.Registry implements it.
type AdapterResolver interface {
	Get(p core_domain.Provider) (provider.Adapter, error)
}

// Reporter receives terminal failures. operator_report sinks implement it.
type Reporter interface {
	Report(ctx context.Context, r operator_report.Report) error
}

// Config holds dispatch policy.
type Config struct {
	MaxAttempts    int
	MaxFollowUps   int
	FollowUpWindow time.Duration
}

// Dispatcher moves one outreach record through a single send attempt.
type Dispatcher struct {
	records  core_domain.OutreachRecordRepository
	lawyers  core_domain.LawyerRepository
	briefs   core_domain.CaseBriefRepository
	tokens   TokenSource
	adapters AdapterResolver
	quota    *Quota
	composer *Composer
	backoff  Backoff
	reporter Reporter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(
	records core_domain.OutreachRecordRepository,
	lawyers core_domain.LawyerRepository,
	briefs core_domain.CaseBriefRepository,
	tokens TokenSource,
	adapters AdapterResolver,
	quota *Quota,
	composer *Composer,
	backoff Backoff,
	reporter Reporter,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.FollowUpWindow <= 0 {
		cfg.FollowUpWindow = 72 * time.Hour
	}
	return &Dispatcher{
		records:  records,
		lawyers:  lawyers,
		briefs:   briefs,
		tokens:   tokens,
		adapters: adapters,
		quota:    quota,
		composer: composer,
		backoff:  backoff,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With("component", "outreach_dispatcher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch performs at most one provider send for the record. Records that are not
// pending, retry_scheduled or follow_up_due are left untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, outreachID uuid.UUID) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "outreach.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("outreach_id", outreachID.String()))

	rec, err := d.records.GetByID(ctx, outreachID)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("load outreach %s: %w", outreachID, err)
	}
	span.SetAttributes(attribute.String("provider", string(rec.Provider)), attribute.String("state", string(rec.State)))

	timer := time.Now()
	outcome, err := d.dispatch(ctx, rec)
	dispatchDuration.WithLabelValues(string(rec.Provider)).Observe(time.Since(timer).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	dispatchOutcomeCounter.WithLabelValues(string(rec.Provider), string(outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, rec *core_domain.OutreachRecord) (Outcome, error) {
	if !rec.State.Dispatchable() {
		d.logger.DebugContext(ctx, "Record not dispatchable", "outreach_id", rec.OutreachID, "state", rec.State)
		return OutcomeSkipped, nil
	}
	from := []core_domain.OutreachState{rec.State}

	adapter, err := d.adapters.Get(rec.Provider)
	if err != nil {
		return d.fail(ctx, rec, from, reasonUnsupportedProvider, err)
	}

	revoked, err := d.tokens.IsRevoked(ctx, rec.UserID, rec.Provider)
	if err != nil {
		return "", fmt.Errorf("check credential: %w", err)
	}
	if revoked {
		return d.fail(ctx, rec, from, core_domain.ReasonCredentialRevoked, core_domain.ErrCredentialRevoked)
	}

	key := core_domain.CredentialKey{UserID: rec.UserID, Provider: rec.Provider}
	now := d.now()
	ok, resetAt := d.quota.TryAcquire(key, now)
	if !ok {
		quotaDenialsCounter.WithLabelValues(string(rec.Provider)).Inc()
		if err := d.records.Defer(ctx, rec.OutreachID, rec.State, resetAt); err != nil && !errors.Is(err, core_domain.ErrStateConflict) {
			return "", fmt.Errorf("defer outreach: %w", err)
		}
		d.logger.InfoContext(ctx, "Quota full, dispatch deferred", "outreach_id", rec.OutreachID, "until", resetAt)
		return OutcomeDeferredQuota, nil
	}

	sending, err := d.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
		From:            from,
		To:              core_domain.StateSending,
		IfVersion:       rec.VersionGuard(),
		LastAttemptAt:   &now,
		ClearNextAction: true,
	})
	if err != nil {
		d.quota.Release(key, now)
		if errors.Is(err, core_domain.ErrStateConflict) {
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("claim outreach for sending: %w", err)
	}
	sendingFrom := []core_domain.OutreachState{core_domain.StateSending}

	token, err := d.tokens.GetValidToken(ctx, rec.UserID, rec.Provider)
	switch {
	case errors.Is(err, core_domain.ErrCredentialRevoked):
		return d.fail(ctx, sending, sendingFrom, core_domain.ReasonCredentialRevoked, err)
	case errors.Is(err, core_domain.ErrCredentialNotFound):
		return d.fail(ctx, sending, sendingFrom, core_domain.ReasonCredentialMissing, err)
	case err != nil:
		return d.retryOrFail(ctx, sending, err)
	}

	// Consent may have been withdrawn while the token was being refreshed.
	if revoked, err := d.tokens.IsRevoked(ctx, rec.UserID, rec.Provider); err != nil {
		return d.retryOrFail(ctx, sending, err)
	} else if revoked {
		return d.fail(ctx, sending, sendingFrom, core_domain.ReasonCredentialRevoked, core_domain.ErrCredentialRevoked)
	}

	msg, reason, err := d.compose(ctx, sending, token)
	if err != nil {
		if reason == "" {
			return d.retryOrFail(ctx, sending, err)
		}
		return d.fail(ctx, sending, sendingFrom, reason, err)
	}

	sendCtx, sendSpan := tracer.Start(ctx, "provider.send")
	sendSpan.SetAttributes(attribute.String("provider", string(rec.Provider)))
	res, err := adapter.Send(sendCtx, token, msg)
	if err != nil {
		sendSpan.RecordError(err)
		sendSpan.SetStatus(codes.Error, err.Error())
	}
	sendSpan.End()

	if err != nil {
		if core_domain.IsPermanent(err) {
			pe, _ := core_domain.AsProviderError(err)
			return d.fail(ctx, sending, sendingFrom, pe.Reason, err)
		}
		return d.retryOrFail(ctx, sending, err)
	}
	return d.markSent(ctx, sending, res)
}

func (d *Dispatcher) compose(ctx context.Context, rec *core_domain.OutreachRecord, token core_domain.AccessToken) (provider.OutgoingMessage, string, error) {
	profiles, err := d.lawyers.GetByIDs(ctx, []string{rec.LawyerID})
	if err != nil {
		return provider.OutgoingMessage{}, "", fmt.Errorf("load lawyer: %w", err)
	}
	lawyer, ok := profiles[rec.LawyerID]
	if !ok || !lawyer.Active || lawyer.Email == "" {
		return provider.OutgoingMessage{}, core_domain.ReasonLawyerUnavailable, fmt.Errorf("lawyer %s unavailable", rec.LawyerID)
	}
	brief, err := d.briefs.Get(ctx, rec.UCID)
	if err != nil {
		if errors.Is(err, core_domain.ErrNotFound) {
			return provider.OutgoingMessage{}, core_domain.ReasonMalformedMessage, fmt.Errorf("no case brief for %s", rec.UCID)
		}
		return provider.OutgoingMessage{}, "", fmt.Errorf("load case brief: %w", err)
	}

	composed, err := d.composer.Compose(ComposeInput{
		Record:       rec,
		Lawyer:       lawyer,
		Brief:        brief,
		MaxFollowUps: d.cfg.MaxFollowUps,
		SentOn:       d.now(),
	})
	if err != nil {
		return provider.OutgoingMessage{}, core_domain.ReasonMalformedMessage, err
	}
	return provider.OutgoingMessage{
		OutreachID:    rec.OutreachID,
		CorrelationID: fmt.Sprintf("%s.%d", rec.OutreachID, rec.FollowUpCount),
		FromAddress:   token.AccountEmail,
		FromName:      d.composer.senderBrand,
		ToAddress:     lawyer.Email,
		ToName:        lawyer.Name,
		Subject:       composed.Subject,
		Body:          composed.Body,
	}, "", nil
}

// markSent records acceptance, then opens the response window. If the second step is
// lost the scheduler advances the orphaned sent record.
func (d *Dispatcher) markSent(ctx context.Context, rec *core_domain.OutreachRecord, res *provider.SendResult) (Outcome, error) {
	pmid := res.ProviderMessageID
	zero := 0
	sent, err := d.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
		From:              []core_domain.OutreachState{core_domain.StateSending},
		To:                core_domain.StateSent,
		IfVersion:         rec.VersionGuard(),
		ProviderMessageID: &pmid,
		AttemptCount:      &zero,
	})
	if errors.Is(err, core_domain.ErrStateConflict) {
		// A reply settled the record while the follow-up was in flight.
		d.logger.WarnContext(ctx, "Record changed during send", "outreach_id", rec.OutreachID, "provider_message_id", pmid)
		return OutcomeSkipped, nil
	}
	if err != nil {
		// Never retried: the provider already accepted the message.
		d.logger.ErrorContext(ctx, "Sent message could not be recorded", "outreach_id", rec.OutreachID, "provider_message_id", pmid, "error", err)
		return "", fmt.Errorf("record sent outreach: %w", err)
	}

	due := d.now().Add(d.cfg.FollowUpWindow)
	if _, err := d.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
		From:         []core_domain.OutreachState{core_domain.StateSent},
		To:           core_domain.StateAwaitingResponse,
		IfVersion:    sent.VersionGuard(),
		NextActionAt: &due,
	}); err != nil {
		d.logger.WarnContext(ctx, "Could not open response window; scheduler will advance it", "outreach_id", rec.OutreachID, "error", err)
	}

	d.logger.InfoContext(ctx, "Outreach sent",
		"outreach_id", rec.OutreachID, "lawyer_id", sent.LawyerID,
		"provider", sent.Provider, "provider_message_id", pmid, "follow_up", sent.FollowUpCount)
	return OutcomeSent, nil
}

func (d *Dispatcher) retryOrFail(ctx context.Context, rec *core_domain.OutreachRecord, cause error) (Outcome, error) {
	attempts := rec.AttemptCount + 1
	if attempts >= d.cfg.MaxAttempts {
		return d.fail(ctx, rec, []core_domain.OutreachState{core_domain.StateSending}, core_domain.ReasonMaxAttempts, cause)
	}

	next := d.now().Add(d.backoff.ForError(attempts, cause))
	lastErr := cause.Error()
	_, err := d.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
		From:         []core_domain.OutreachState{core_domain.StateSending},
		To:           core_domain.StateRetryScheduled,
		IfVersion:    rec.VersionGuard(),
		AttemptCount: &attempts,
		NextActionAt: &next,
		LastError:    &lastErr,
	})
	if err != nil {
		if errors.Is(err, core_domain.ErrStateConflict) {
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("schedule retry: %w", err)
	}
	d.logger.InfoContext(ctx, "Outreach retry scheduled",
		"outreach_id", rec.OutreachID, "attempt", attempts, "next_action_at", next, "error", cause)
	return OutcomeRetryScheduled, nil
}

func (d *Dispatcher) fail(ctx context.Context, rec *core_domain.OutreachRecord, from []core_domain.OutreachState, reason string, cause error) (Outcome, error) {
	lastErr := reason
	if cause != nil {
		lastErr = reason + ": " + cause.Error()
	}
	failed, err := d.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
		From:            from,
		To:              core_domain.StateFailed,
		IfVersion:       rec.VersionGuard(),
		ClearNextAction: true,
		LastError:       &lastErr,
	})
	if err != nil {
		if errors.Is(err, core_domain.ErrStateConflict) {
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("fail outreach: %w", err)
	}
	d.logger.WarnContext(ctx, "Outreach failed", "outreach_id", rec.OutreachID, "reason", reason, "error", cause)
	d.report(ctx, failed, reason)
	return OutcomeFailed, nil
}

func (d *Dispatcher) report(ctx context.Context, rec *core_domain.OutreachRecord, reason string) {
	if d.reporter == nil {
		return
	}
	if err := d.reporter.Report(ctx, operator_report.FromRecord(rec, reason, d.now())); err != nil {
		d.logger.ErrorContext(ctx, "Operator report failed", "outreach_id", rec.OutreachID, "error", err)
	}
}

// FailOpenForCredential fails every record that still needs the credential to send.
// Records mid-send are left to the worker, which re-checks revocation before sending;
// records awaiting a reply are failed if they later come due for a follow-up.
func (d *Dispatcher) FailOpenForCredential(ctx context.Context, userID string, p core_domain.Provider) (int, error) {
	key := core_domain.CredentialKey{UserID: userID, Provider: p}
	open, err := d.records.ListOpenForCredential(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("list open outreach for %s: %w", key, err)
	}
	failed := 0
	for _, rec := range open {
		if !rec.State.Dispatchable() {
			continue
		}
		outcome, err := d.fail(ctx, rec, []core_domain.OutreachState{rec.State}, core_domain.ReasonCredentialRevoked, core_domain.ErrCredentialRevoked)
		if err != nil {
			return failed, err
		}
		if outcome == OutcomeFailed {
			failed++
		}
	}
	if failed > 0 {
		credentialFailOpenCounter.WithLabelValues(string(p)).Add(float64(failed))
		d.logger.InfoContext(ctx, "Open outreach failed after credential revocation", "user_id", userID, "provider", p, "count", failed)
	}
	return failed, nil
}

// CredentialRevoked lets the token vault notify the dispatcher directly.
func (d *Dispatcher) CredentialRevoked(ctx context.Context, key core_domain.CredentialKey) {
	if _, err := d.FailOpenForCredential(context.WithoutCancel(ctx), key.UserID, key.Provider); err != nil {
		d.logger.ErrorContext(ctx, "Failing open outreach after revocation", "credential", key.String(), "error", err)
	}
}
