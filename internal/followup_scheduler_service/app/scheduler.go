package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/operator_report"
	dispatch "github.com/lexreach/golang_services/internal/outreach_dispatch_service/app"
)

const (
	reasonNoResponse   = "no_response"
	reasonLeaseExpired = "sending lease expired"
)

// Dispatcher performs one send attempt. dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, outreachID uuid.UUID) (dispatch.Outcome, error)
}

// Reporter receives expired records.
type Reporter interface {
	Report(ctx context.Context, r operator_report.Report) error
}

// Config holds scheduler tuning.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	Concurrency    int
	FollowUpWindow time.Duration
	MaxFollowUps   int
	MaxAttempts    int
	SendingLease   time.Duration // a record in sending longer than this is presumed abandoned
	ClaimTTL       time.Duration // how long an acquired record stays hidden from other schedulers
	SentGrace      time.Duration // how long a record may sit in sent before the scheduler opens its response window
}

// TickResult counts what one scheduler pass did.
type TickResult struct {
	SentAdvanced   int
	FollowUpsDue   int
	Expired        int
	StaleRecovered int
	StaleFailed    int
	Dispatched     map[dispatch.Outcome]int
	Errors         int
}

// Scheduler raises follow-ups, expires unanswered outreach, recovers abandoned sends
// and fans due records out to the dispatcher.
type Scheduler struct {
	records    core_domain.OutreachRecordRepository
	dispatcher Dispatcher
	reporter   Reporter
	cfg        Config
	logger     *slog.Logger
}

func NewScheduler(records core_domain.OutreachRecordRepository, dispatcher Dispatcher, reporter Reporter, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SendingLease <= 0 {
		cfg.SendingLease = 10 * time.Minute
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if cfg.SentGrace <= 0 {
		cfg.SentGrace = time.Minute
	}
	return &Scheduler{
		records:    records,
		dispatcher: dispatcher,
		reporter:   reporter,
		cfg:        cfg,
		logger:     logger.With("component", "followup_scheduler"),
	}
}

// Run ticks at the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Follow-up scheduler started", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(ctx, "Scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Follow-up scheduler stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass. Every step is a compare-and-set on the record's state and
// version, so repeated or concurrent ticks never apply a transition twice.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickResult, error) {
	timer := prometheus.NewTimer(tickDuration)
	defer timer.ObserveDuration()

	res := &TickResult{Dispatched: map[dispatch.Outcome]int{}}
	steps := []struct {
		name string
		fn   func(context.Context, time.Time, *TickResult) error
	}{
		{"advance_sent", s.advanceOrphanedSent},
		{"follow_up", s.raiseFollowUps},
		{"recover_sending", s.recoverStaleSending},
		{"dispatch", s.dispatchDue},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := step.fn(ctx, now, res); err != nil {
			return res, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	s.logger.InfoContext(ctx, "Scheduler tick done",
		"sent_advanced", res.SentAdvanced, "follow_ups_due", res.FollowUpsDue, "expired", res.Expired,
		"stale_recovered", res.StaleRecovered, "dispatched", res.Dispatched, "errors", res.Errors)
	return res, nil
}

// advanceOrphanedSent opens the response window for records whose dispatcher stopped
// between recording acceptance and awaiting_response. The window counts from acceptance.
func (s *Scheduler) advanceOrphanedSent(ctx context.Context, now time.Time, res *TickResult) error {
	recs, err := s.records.ListStale(ctx, core_domain.StateSent, now.Add(-s.cfg.SentGrace), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		due := rec.UpdatedAt.Add(s.cfg.FollowUpWindow)
		_, err := s.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
			From:         []core_domain.OutreachState{core_domain.StateSent},
			To:           core_domain.StateAwaitingResponse,
			IfVersion:    rec.VersionGuard(),
			NextActionAt: &due,
		})
		if s.countTransition(ctx, rec, "sent_to_awaiting", err, res) {
			res.SentAdvanced++
		}
	}
	return nil
}

func (s *Scheduler) raiseFollowUps(ctx context.Context, now time.Time, res *TickResult) error {
	recs, err := s.records.ListAwaitingExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.NextActionAt == nil || rec.NextActionAt.After(now) {
			continue
		}
		// The due check and the counters come from this snapshot, so the write is
		// pinned to its version. A record that completed a cycle since is left alone.
		from := []core_domain.OutreachState{core_domain.StateAwaitingResponse}
		guard := rec.VersionGuard()

		if rec.FollowUpCount < s.cfg.MaxFollowUps {
			next := rec.FollowUpCount + 1
			zero := 0
			dueNow := now
			_, err := s.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
				From:          from,
				To:            core_domain.StateFollowUpDue,
				IfVersion:     guard,
				FollowUpCount: &next,
				AttemptCount:  &zero,
				NextActionAt:  &dueNow,
			})
			if s.countTransition(ctx, rec, "follow_up_due", err, res) {
				res.FollowUpsDue++
			}
			continue
		}

		reason := reasonNoResponse
		expired, err := s.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
			From:            from,
			To:              core_domain.StateExpired,
			IfVersion:       guard,
			ClearNextAction: true,
			LastError:       &reason,
		})
		if s.countTransition(ctx, rec, "expired", err, res) {
			res.Expired++
			s.report(ctx, expired, reasonNoResponse, now)
		}
	}
	return nil
}

func (s *Scheduler) recoverStaleSending(ctx context.Context, now time.Time, res *TickResult) error {
	recs, err := s.records.ListStale(ctx, core_domain.StateSending, now.Add(-s.cfg.SendingLease), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		attempts := rec.AttemptCount + 1
		from := []core_domain.OutreachState{core_domain.StateSending}
		lastErr := reasonLeaseExpired

		if attempts >= s.cfg.MaxAttempts {
			reason := core_domain.ReasonMaxAttempts + ": " + reasonLeaseExpired
			failed, err := s.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
				From: from, To: core_domain.StateFailed, IfVersion: rec.VersionGuard(),
				ClearNextAction: true, LastError: &reason,
			})
			if s.countTransition(ctx, rec, "sending_to_failed", err, res) {
				res.StaleFailed++
				s.report(ctx, failed, core_domain.ReasonMaxAttempts, now)
			}
			continue
		}

		dueNow := now
		_, err := s.records.Transition(ctx, rec.OutreachID, core_domain.Transition{
			From:         from,
			To:           core_domain.StateRetryScheduled,
			IfVersion:    rec.VersionGuard(),
			AttemptCount: &attempts,
			NextActionAt: &dueNow,
			LastError:    &lastErr,
		})
		if s.countTransition(ctx, rec, "sending_to_retry", err, res) {
			res.StaleRecovered++
		}
	}
	return nil
}

func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time, res *TickResult) error {
	states := []core_domain.OutreachState{
		core_domain.StatePending, core_domain.StateRetryScheduled, core_domain.StateFollowUpDue,
	}
	due, err := s.records.AcquireDue(ctx, states, now, now.Add(s.cfg.ClaimTTL), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, rec := range due {
		id := rec.OutreachID
		g.Go(func() error {
			outcome, err := s.dispatcher.Dispatch(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors++
				s.logger.ErrorContext(gctx, "Dispatch failed", "outreach_id", id, "error", err)
				return nil
			}
			res.Dispatched[outcome]++
			return nil
		})
	}
	return g.Wait()
}

// countTransition reports whether the transition applied. Losing the CAS to another
// worker is expected and not an error.
func (s *Scheduler) countTransition(ctx context.Context, rec *core_domain.OutreachRecord, name string, err error, res *TickResult) bool {
	switch {
	case err == nil:
		schedulerTransitionsCounter.WithLabelValues(name).Inc()
		s.logger.DebugContext(ctx, "Scheduler transition", "outreach_id", rec.OutreachID, "transition", name)
		return true
	case errors.Is(err, core_domain.ErrStateConflict):
		return false
	default:
		res.Errors++
		s.logger.ErrorContext(ctx, "Scheduler transition failed", "outreach_id", rec.OutreachID, "transition", name, "error", err)
		return false
	}
}

func (s *Scheduler) report(ctx context.Context, rec *core_domain.OutreachRecord, reason string, now time.Time) {
	if s.reporter == nil || rec == nil {
		return
	}
	if err := s.reporter.Report(ctx, operator_report.FromRecord(rec, reason, now)); err != nil {
		s.logger.ErrorContext(ctx, "Operator report failed", "outreach_id", rec.OutreachID, "error", err)
	}
}
