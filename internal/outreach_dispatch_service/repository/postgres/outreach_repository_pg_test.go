package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexreach/golang_services/internal/core_domain"
)

var recordCols = []string{
	"outreach_id", "ucid", "lawyer_id", "user_id", "provider", "provider_message_id", "state",
	"attempt_count", "follow_up_count", "last_attempt_at", "next_action_at", "last_error",
	"response_type", "responded_at", "created_at", "updated_at", "version",
}

func newRepo(t *testing.T) (*PgOutreachRecordRepository, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	repo := NewPgOutreachRecordRepository(mock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	return repo, mock, now
}

func recordRow(id, ucid uuid.UUID, state core_domain.OutreachState, now time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(recordCols).AddRow(
		id, ucid, "L1", "user-1", core_domain.ProviderGmail, nil, state,
		0, 0, nil, &now, nil,
		core_domain.ResponseNone, nil, now, now, int64(4),
	)
}

func TestPgOutreachRecordRepository_CreateIfAbsent(t *testing.T) {
	repo, mock, now := newRepo(t)
	defer mock.Close()
	rec := core_domain.NewOutreachRecord(uuid.New(), "L1", "user-1", core_domain.ProviderGmail, now)

	mock.ExpectExec(`INSERT INTO outreach_records .* ON CONFLICT \(ucid, lawyer_id\) DO NOTHING`).
		WithArgs(rec.OutreachID, rec.UCID, "L1", "user-1", "gmail", "pending", 0, 0, rec.NextActionAt, "", rec.CreatedAt, rec.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, created, err := repo.CreateIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, rec.OutreachID, got.OutreachID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutreachRecordRepository_CreateIfAbsent_ExistingPair(t *testing.T) {
	repo, mock, now := newRepo(t)
	defer mock.Close()
	rec := core_domain.NewOutreachRecord(uuid.New(), "L1", "user-1", core_domain.ProviderGmail, now)
	existing := uuid.New()

	mock.ExpectExec(`INSERT INTO outreach_records`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM outreach_records WHERE ucid = \$1 AND lawyer_id = \$2`).
		WithArgs(rec.UCID, "L1").
		WillReturnRows(recordRow(existing, rec.UCID, core_domain.StateSent, now))

	got, created, err := repo.CreateIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing, got.OutreachID)
	assert.Equal(t, core_domain.StateSent, got.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutreachRecordRepository_Transition(t *testing.T) {
	repo, mock, now := newRepo(t)
	defer mock.Close()
	id, ucid := uuid.New(), uuid.New()
	attempts := 1

	mock.ExpectQuery(`UPDATE outreach_records SET state = \$2, .* version = version \+ 1 WHERE outreach_id = \$1 AND state = ANY\(\$13\) AND \(\$14::bigint IS NULL OR version = \$14\) RETURNING`).
		WithArgs(id, "sending", (*string)(nil), &attempts, (*int)(nil), &now,
			false, (*time.Time)(nil), (*string)(nil), (*string)(nil), (*time.Time)(nil), now,
			[]string{"pending", "retry_scheduled"}, (*int64)(nil)).
		WillReturnRows(recordRow(id, ucid, core_domain.StateSending, now))

	got, err := repo.Transition(context.Background(), id, core_domain.Transition{
		From:          []core_domain.OutreachState{core_domain.StatePending, core_domain.StateRetryScheduled},
		To:            core_domain.StateSending,
		AttemptCount:  &attempts,
		LastAttemptAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, core_domain.StateSending, got.State)
	assert.Equal(t, int64(4), got.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutreachRecordRepository_Transition_VersionGuard(t *testing.T) {
	repo, mock, now := newRepo(t)
	defer mock.Close()
	id, ucid := uuid.New(), uuid.New()
	seen := int64(3)

	// Same state, newer version: the row went through a full cycle since it was read.
	mock.ExpectQuery(`UPDATE outreach_records SET state = \$2`).
		WithArgs(id, "follow_up_due", (*string)(nil), pgxmock.AnyArg(), pgxmock.AnyArg(), (*time.Time)(nil),
			false, pgxmock.AnyArg(), (*string)(nil), (*string)(nil), (*time.Time)(nil), now,
			[]string{"awaiting_response"}, &seen).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM outreach_records WHERE outreach_id = \$1`).
		WithArgs(id).
		WillReturnRows(recordRow(id, ucid, core_domain.StateAwaitingResponse, now))

	next, zero := 1, 0
	_, err := repo.Transition(context.Background(), id, core_domain.Transition{
		From:          []core_domain.OutreachState{core_domain.StateAwaitingResponse},
		To:            core_domain.StateFollowUpDue,
		IfVersion:     &seen,
		FollowUpCount: &next,
		AttemptCount:  &zero,
		NextActionAt:  &now,
	})
	assert.ErrorIs(t, err, core_domain.ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutreachRecordRepository_Transition_RejectsInvalid(t *testing.T) {
	repo, mock, _ := newRepo(t)
	defer mock.Close()

	_, err := repo.Transition(context.Background(), uuid.New(), core_domain.Transition{
		From: []core_domain.OutreachState{core_domain.StateExpired},
		To:   core_domain.StateSending,
	})
	assert.ErrorIs(t, err, core_domain.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutreachRecordRepository_Transition_Conflict(t *testing.T) {
	repo, mock, now := newRepo(t)
	defer mock.Close()
	id, ucid := uuid.New(), uuid.New()

	mock.ExpectQuery(`UPDATE outreach_records SET state = \$2`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM outreach_records WHERE outreach_id = \$1`).
		WithArgs(id).
		WillReturnRows(recordRow(id, ucid, core_domain.StateSent, now))

	_, err := repo.Transition(context.Background(), id, core_domain.Transition{
		From: []core_domain.OutreachState{core_domain.StatePending},
		To:   core_domain.StateSending,
	})
	assert.ErrorIs(t, err, core_domain.ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutreachRecordRepository_Transition_Missing(t *testing.T) {
	repo, mock, _ := newRepo(t)
	defer mock.Close()
	id := uuid.New()

	mock.ExpectQuery(`UPDATE outreach_records SET state = \$2`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM outreach_records WHERE outreach_id = \$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Transition(context.Background(), id, core_domain.Transition{
		From: []core_domain.OutreachState{core_domain.StatePending},
		To:   core_domain.StateSending,
	})
	assert.ErrorIs(t, err, core_domain.ErrNotFound)
}

func TestPgOutreachRecordRepository_AcquireDue(t *testing.T) {
	repo, mock, now := newRepo(t)
	defer mock.Close()
	claimUntil := now.Add(2 * time.Minute)
	id, ucid := uuid.New(), uuid.New()

	mock.ExpectQuery(`WITH due AS \( SELECT outreach_id FROM outreach_records WHERE state = ANY\(\$1\) AND next_action_at <= \$2 ORDER BY next_action_at ASC LIMIT \$3 FOR UPDATE SKIP LOCKED \) UPDATE outreach_records o SET next_action_at = \$4, version = o.version \+ 1`).
		WithArgs([]string{"pending", "retry_scheduled", "follow_up_due"}, now, 50, claimUntil).
		WillReturnRows(recordRow(id, ucid, core_domain.StatePending, claimUntil))

	got, err := repo.AcquireDue(context.Background(),
		[]core_domain.OutreachState{core_domain.StatePending, core_domain.StateRetryScheduled, core_domain.StateFollowUpDue},
		now, claimUntil, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].OutreachID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutreachRecordRepository_Defer(t *testing.T) {
	repo, mock, now := newRepo(t)
	defer mock.Close()
	id := uuid.New()
	until := now.Add(time.Minute)

	mock.ExpectExec(`UPDATE outreach_records SET next_action_at = \$3, updated_at = \$4, version = version \+ 1 WHERE outreach_id = \$1 AND state = \$2`).
		WithArgs(id, "pending", until, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Defer(context.Background(), id, core_domain.StatePending, until)
	assert.ErrorIs(t, err, core_domain.ErrStateConflict)
}

func TestPgOutreachRecordRepository_SummaryByUCID(t *testing.T) {
	repo, mock, _ := newRepo(t)
	defer mock.Close()
	ucid := uuid.New()

	mock.ExpectQuery(`SELECT state, response_type, COUNT\(\*\), COALESCE\(SUM\(follow_up_count\), 0\) FROM outreach_records WHERE ucid = \$1 GROUP BY state, response_type`).
		WithArgs(ucid).
		WillReturnRows(pgxmock.NewRows([]string{"state", "response_type", "count", "follow_ups"}).
			AddRow(core_domain.StateResponded, "interested", int64(2), int64(1)).
			AddRow(core_domain.StateResponded, "unavailable", int64(1), int64(0)).
			AddRow(core_domain.StateAwaitingResponse, "", int64(3), int64(2)))

	s, err := repo.SummaryByUCID(context.Background(), ucid)
	require.NoError(t, err)
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 3, s.Counts[core_domain.StateResponded])
	assert.Equal(t, 3, s.Counts[core_domain.StateAwaitingResponse])
	assert.Equal(t, 0, s.Counts[core_domain.StatePending])
	assert.Equal(t, 2, s.Interested)
	assert.Equal(t, 1, s.Unavailable)
	assert.Equal(t, 3, s.FollowUpsSent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutreachRecordRepository_GetByProviderMessageID_NotFound(t *testing.T) {
	repo, mock, _ := newRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`FROM outreach_records WHERE provider_message_id = \$1`).
		WithArgs("msg-unknown").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByProviderMessageID(context.Background(), "msg-unknown")
	assert.ErrorIs(t, err, core_domain.ErrNotFound)
}
