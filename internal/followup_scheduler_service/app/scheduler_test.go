package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/core_domain/memrepo"
	"github.com/lexreach/golang_services/internal/operator_report"
	dispatch "github.com/lexreach/golang_services/internal/outreach_dispatch_service/app"
)

type MockDispatcher struct {
	mock.Mock
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (m *MockDispatcher) Dispatch(ctx context.Context, id uuid.UUID) (dispatch.Outcome, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	args := m.Called(ctx, id)
	return args.Get(0).(dispatch.Outcome), args.Error(1)
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []operator_report.Report
}

func (r *recordingReporter) Report(_ context.Context, rep operator_report.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		BatchSize:      100,
		Concurrency:    4,
		FollowUpWindow: 72 * time.Hour,
		MaxFollowUps:   2,
		MaxAttempts:    3,
		SendingLease:   10 * time.Minute,
		ClaimTTL:       2 * time.Minute,
		SentGrace:      time.Minute,
	}
}

func record(state core_domain.OutreachState, next *time.Time, updated time.Time) *core_domain.OutreachRecord {
	rec := core_domain.NewOutreachRecord(uuid.New(), "law-"+uuid.NewString()[:8], "user-1", core_domain.ProviderGmail, t0.Add(-100*time.Hour))
	rec.State = state
	rec.NextActionAt = next
	rec.UpdatedAt = updated
	return rec
}

func at(t time.Time) *time.Time { return &t }

func newScheduler(repo *memrepo.Outreach, d Dispatcher, rep Reporter) *Scheduler {
	return NewScheduler(repo, d, rep, testConfig(), testLogger())
}

func TestTick_RaisesFollowUpWhenWindowElapsed(t *testing.T) {
	repo := memrepo.NewOutreach()
	repo.SetClock(func() time.Time { return t0 })
	rec := record(core_domain.StateAwaitingResponse, at(t0.Add(-time.Minute)), t0.Add(-73*time.Hour))
	repo.Put(rec)

	d := new(MockDispatcher)
	d.On("Dispatch", mock.Anything, rec.OutreachID).Return(dispatch.OutcomeSent, nil).Once()

	res, err := newScheduler(repo, d, nil).Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FollowUpsDue)
	assert.Equal(t, 1, res.Dispatched[dispatch.OutcomeSent])

	got, err := repo.GetByID(context.Background(), rec.OutreachID)
	require.NoError(t, err)
	assert.Equal(t, core_domain.StateFollowUpDue, got.State)
	assert.Equal(t, 1, got.FollowUpCount)
	assert.Equal(t, 0, got.AttemptCount)
	d.AssertExpectations(t)
}

func TestTick_ExpiresAfterMaxFollowUps(t *testing.T) {
	repo := memrepo.NewOutreach()
	repo.SetClock(func() time.Time { return t0 })
	rec := record(core_domain.StateAwaitingResponse, at(t0.Add(-time.Second)), t0.Add(-73*time.Hour))
	rec.FollowUpCount = 2
	repo.Put(rec)
	rep := &recordingReporter{}

	res, err := newScheduler(repo, new(MockDispatcher), rep).Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.FollowUpsDue)

	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, core_domain.StateExpired, got.State)
	assert.Nil(t, got.NextActionAt)
	require.Len(t, rep.reports, 1)
	assert.Equal(t, reasonNoResponse, rep.reports[0].Reason)
	assert.Equal(t, core_domain.StateExpired, rep.reports[0].State)
}

func TestTick_LeavesAwaitingBeforeWindow(t *testing.T) {
	repo := memrepo.NewOutreach()
	rec := record(core_domain.StateAwaitingResponse, at(t0.Add(time.Hour)), t0.Add(-71*time.Hour))
	repo.Put(rec)

	res, err := newScheduler(repo, new(MockDispatcher), nil).Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, res.FollowUpsDue)
	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, core_domain.StateAwaitingResponse, got.State)
}

func TestTick_RepeatedTicksAreIdempotent(t *testing.T) {
	repo := memrepo.NewOutreach()
	repo.SetClock(func() time.Time { return t0 })
	rec := record(core_domain.StateAwaitingResponse, at(t0.Add(-time.Minute)), t0.Add(-73*time.Hour))
	repo.Put(rec)

	d := new(MockDispatcher)
	// The dispatcher is a no-op here so the record stays in follow_up_due.
	d.On("Dispatch", mock.Anything, rec.OutreachID).Return(dispatch.OutcomeSkipped, nil)

	s := newScheduler(repo, d, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Tick(context.Background(), t0)
		require.NoError(t, err)
	}
	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, 1, got.FollowUpCount)
	// First tick claims it until t0+ClaimTTL, so later ticks at t0 do not re-dispatch.
	d.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestTick_ConcurrentSchedulersRaiseFollowUpOnce(t *testing.T) {
	repo := memrepo.NewOutreach()
	repo.SetClock(func() time.Time { return t0 })
	for i := 0; i < 20; i++ {
		repo.Put(record(core_domain.StateAwaitingResponse, at(t0.Add(-time.Minute)), t0.Add(-73*time.Hour)))
	}
	d := new(MockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything).Return(dispatch.OutcomeSkipped, nil)

	var wg sync.WaitGroup
	var raised atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := newScheduler(repo, d, nil).Tick(context.Background(), t0)
			assert.NoError(t, err)
			raised.Add(int32(res.FollowUpsDue))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), raised.Load())
	for _, r := range repo.All() {
		assert.Equal(t, 1, r.FollowUpCount)
	}
	d.AssertNumberOfCalls(t, "Dispatch", 20)
}

// cyclingRepo lets another worker finish a whole follow-up cycle on the record
// between the scheduler's scan and its write.
type cyclingRepo struct {
	*memrepo.Outreach
	once  sync.Once
	cycle func()
}

func (r *cyclingRepo) ListAwaitingExpired(ctx context.Context, now time.Time, limit int) ([]*core_domain.OutreachRecord, error) {
	recs, err := r.Outreach.ListAwaitingExpired(ctx, now, limit)
	r.once.Do(r.cycle)
	return recs, err
}

func TestTick_StaleSnapshotDoesNotReraiseFollowUp(t *testing.T) {
	mem := memrepo.NewOutreach()
	mem.SetClock(func() time.Time { return t0 })
	rec := record(core_domain.StateAwaitingResponse, at(t0.Add(-time.Minute)), t0.Add(-73*time.Hour))
	mem.Put(rec)
	nextWindow := t0.Add(72 * time.Hour)

	ctx := context.Background()
	repo := &cyclingRepo{Outreach: mem, cycle: func() {
		one, zero, pmid := 1, 0, "msg-2"
		steps := []core_domain.Transition{
			{From: []core_domain.OutreachState{core_domain.StateAwaitingResponse}, To: core_domain.StateFollowUpDue,
				FollowUpCount: &one, AttemptCount: &zero, NextActionAt: at(t0)},
			{From: []core_domain.OutreachState{core_domain.StateFollowUpDue}, To: core_domain.StateSending, ClearNextAction: true},
			{From: []core_domain.OutreachState{core_domain.StateSending}, To: core_domain.StateSent, ProviderMessageID: &pmid},
			{From: []core_domain.OutreachState{core_domain.StateSent}, To: core_domain.StateAwaitingResponse, NextActionAt: &nextWindow},
		}
		for _, step := range steps {
			_, err := mem.Transition(ctx, rec.OutreachID, step)
			require.NoError(t, err)
		}
	}}

	d := new(MockDispatcher)
	res, err := NewScheduler(repo, d, nil, testConfig(), testLogger()).Tick(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, res.FollowUpsDue)
	assert.Zero(t, res.Errors)

	got, err := mem.GetByID(ctx, rec.OutreachID)
	require.NoError(t, err)
	assert.Equal(t, core_domain.StateAwaitingResponse, got.State)
	assert.Equal(t, 1, got.FollowUpCount)
	require.NotNil(t, got.NextActionAt)
	assert.True(t, got.NextActionAt.Equal(nextWindow))
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestTick_AdvancesOrphanedSent(t *testing.T) {
	repo := memrepo.NewOutreach()
	repo.SetClock(func() time.Time { return t0 })
	sentAt := t0.Add(-5 * time.Minute)
	rec := record(core_domain.StateSent, nil, sentAt)
	repo.Put(rec)
	fresh := record(core_domain.StateSent, nil, t0.Add(-10*time.Second))
	repo.Put(fresh)

	res, err := newScheduler(repo, new(MockDispatcher), nil).Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SentAdvanced)

	got, _ := repo.GetByID(context.Background(), rec.OutreachID)
	assert.Equal(t, core_domain.StateAwaitingResponse, got.State)
	require.NotNil(t, got.NextActionAt)
	assert.True(t, got.NextActionAt.Equal(sentAt.Add(72*time.Hour)))

	other, _ := repo.GetByID(context.Background(), fresh.OutreachID)
	assert.Equal(t, core_domain.StateSent, other.State)
}

func TestTick_RecoversStaleSending(t *testing.T) {
	repo := memrepo.NewOutreach()
	repo.SetClock(func() time.Time { return t0 })
	stale := record(core_domain.StateSending, at(t0.Add(time.Minute)), t0.Add(-11*time.Minute))
	stale.AttemptCount = 1
	repo.Put(stale)
	exhausted := record(core_domain.StateSending, nil, t0.Add(-time.Hour))
	exhausted.AttemptCount = 2
	repo.Put(exhausted)
	live := record(core_domain.StateSending, nil, t0.Add(-time.Minute))
	repo.Put(live)

	d := new(MockDispatcher)
	d.On("Dispatch", mock.Anything, stale.OutreachID).Return(dispatch.OutcomeSent, nil).Once()
	rep := &recordingReporter{}

	res, err := newScheduler(repo, d, rep).Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleRecovered)
	assert.Equal(t, 1, res.StaleFailed)

	got, _ := repo.GetByID(context.Background(), stale.OutreachID)
	assert.Equal(t, core_domain.StateRetryScheduled, got.State)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, reasonLeaseExpired, *got.LastError)

	failed, _ := repo.GetByID(context.Background(), exhausted.OutreachID)
	assert.Equal(t, core_domain.StateFailed, failed.State)
	require.Len(t, rep.reports, 1)
	assert.Equal(t, core_domain.ReasonMaxAttempts, rep.reports[0].Reason)

	still, _ := repo.GetByID(context.Background(), live.OutreachID)
	assert.Equal(t, core_domain.StateSending, still.State)
	d.AssertExpectations(t)
}

func TestTick_DispatchFanOutIsBounded(t *testing.T) {
	repo := memrepo.NewOutreach()
	for i := 0; i < 24; i++ {
		repo.Put(record(core_domain.StatePending, at(t0.Add(-time.Minute)), t0.Add(-time.Minute)))
	}
	d := &MockDispatcher{delay: 5 * time.Millisecond}
	d.On("Dispatch", mock.Anything, mock.Anything).Return(dispatch.OutcomeSent, nil)

	res, err := newScheduler(repo, d, nil).Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 24, res.Dispatched[dispatch.OutcomeSent])
	assert.LessOrEqual(t, d.maxInFlight.Load(), int32(4))
	d.AssertNumberOfCalls(t, "Dispatch", 24)
}

func TestTick_DispatchErrorsAreCountedNotFatal(t *testing.T) {
	repo := memrepo.NewOutreach()
	a := record(core_domain.StatePending, at(t0.Add(-time.Minute)), t0)
	b := record(core_domain.StateRetryScheduled, at(t0.Add(-time.Minute)), t0)
	repo.Put(a)
	repo.Put(b)

	d := new(MockDispatcher)
	d.On("Dispatch", mock.Anything, a.OutreachID).Return(dispatch.Outcome(""), assert.AnError)
	d.On("Dispatch", mock.Anything, b.OutreachID).Return(dispatch.OutcomeRetryScheduled, nil)

	res, err := newScheduler(repo, d, nil).Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Dispatched[dispatch.OutcomeRetryScheduled])
}

func TestTick_SkipsNotYetDue(t *testing.T) {
	repo := memrepo.NewOutreach()
	repo.Put(record(core_domain.StateRetryScheduled, at(t0.Add(time.Minute)), t0))

	d := new(MockDispatcher)
	res, err := newScheduler(repo, d, nil).Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := memrepo.NewOutreach()
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	s := NewScheduler(repo, new(MockDispatcher), nil, cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
