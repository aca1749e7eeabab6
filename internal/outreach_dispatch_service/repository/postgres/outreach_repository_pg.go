package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/database"
)

const recordColumns = `outreach_id, ucid, lawyer_id, user_id, provider, provider_message_id, state,
	attempt_count, follow_up_count, last_attempt_at, next_action_at, last_error,
	response_type, responded_at, created_at, updated_at, version`

// PgOutreachRecordRepository implements core_domain.OutreachRecordRepository.
type PgOutreachRecordRepository struct {
	db     database.PgxPool
	logger *slog.Logger
	now    func() time.Time
}

func NewPgOutreachRecordRepository(db database.PgxPool, logger *slog.Logger) *PgOutreachRecordRepository {
	return &PgOutreachRecordRepository{
		db:     db,
		logger: logger.With("component", "outreach_repository"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*core_domain.OutreachRecord, error) {
	rec := &core_domain.OutreachRecord{}
	err := row.Scan(
		&rec.OutreachID, &rec.UCID, &rec.LawyerID, &rec.UserID, &rec.Provider, &rec.ProviderMessageID, &rec.State,
		&rec.AttemptCount, &rec.FollowUpCount, &rec.LastAttemptAt, &rec.NextActionAt, &rec.LastError,
		&rec.ResponseType, &rec.RespondedAt, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PgOutreachRecordRepository) collect(ctx context.Context, op string, query string, args ...any) ([]*core_domain.OutreachRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error querying outreach records", "op", op, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []*core_domain.OutreachRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error scanning outreach record", "op", op, "error", err)
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PgOutreachRecordRepository) getOne(ctx context.Context, query string, args ...any) (*core_domain.OutreachRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting outreach record", "error", err)
		return nil, err
	}
	return rec, nil
}

// CreateIfAbsent relies on UNIQUE (ucid, lawyer_id).
func (r *PgOutreachRecordRepository) CreateIfAbsent(ctx context.Context, rec *core_domain.OutreachRecord) (*core_domain.OutreachRecord, bool, error) {
	query := `
		INSERT INTO outreach_records (outreach_id, ucid, lawyer_id, user_id, provider, state,
			attempt_count, follow_up_count, next_action_at, response_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ucid, lawyer_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		rec.OutreachID, rec.UCID, rec.LawyerID, rec.UserID, string(rec.Provider), string(rec.State),
		rec.AttemptCount, rec.FollowUpCount, rec.NextActionAt, string(rec.ResponseType), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating outreach record", "error", err, "ucid", rec.UCID, "lawyer_id", rec.LawyerID)
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}
	stored, err := r.GetByPair(ctx, rec.UCID, rec.LawyerID)
	return stored, false, err
}

func (r *PgOutreachRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*core_domain.OutreachRecord, error) {
	return r.getOne(ctx, `SELECT `+recordColumns+` FROM outreach_records WHERE outreach_id = $1`, id)
}

func (r *PgOutreachRecordRepository) GetByPair(ctx context.Context, ucid uuid.UUID, lawyerID string) (*core_domain.OutreachRecord, error) {
	return r.getOne(ctx, `SELECT `+recordColumns+` FROM outreach_records WHERE ucid = $1 AND lawyer_id = $2`, ucid, lawyerID)
}

func (r *PgOutreachRecordRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*core_domain.OutreachRecord, error) {
	return r.getOne(ctx, `SELECT `+recordColumns+` FROM outreach_records WHERE provider_message_id = $1`, providerMessageID)
}

// Transition is a compare-and-set on state and, when t.IfVersion is set, on version.
// Zero rows means the record is missing or was changed since it was read.
func (r *PgOutreachRecordRepository) Transition(ctx context.Context, id uuid.UUID, t core_domain.Transition) (*core_domain.OutreachRecord, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	query := `
		UPDATE outreach_records SET
			state = $2,
			provider_message_id = COALESCE($3, provider_message_id),
			attempt_count = COALESCE($4, attempt_count),
			follow_up_count = COALESCE($5, follow_up_count),
			last_attempt_at = COALESCE($6, last_attempt_at),
			next_action_at = CASE WHEN $7 THEN NULL ELSE COALESCE($8, next_action_at) END,
			last_error = COALESCE($9, last_error),
			response_type = COALESCE($10, response_type),
			responded_at = COALESCE($11, responded_at),
			updated_at = $12,
			version = version + 1
		WHERE outreach_id = $1 AND state = ANY($13)
			AND ($14::bigint IS NULL OR version = $14)
		RETURNING ` + recordColumns

	var responseType *string
	if t.ResponseType != nil {
		v := string(*t.ResponseType)
		responseType = &v
	}
	rec, err := scanRecord(r.db.QueryRow(ctx, query,
		id, string(t.To), t.ProviderMessageID, t.AttemptCount, t.FollowUpCount, t.LastAttemptAt,
		t.ClearNextAction, t.NextActionAt, t.LastError, responseType, t.RespondedAt, r.now(),
		stateStrings(t.From), t.IfVersion,
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.ErrorContext(ctx, "Error transitioning outreach record", "error", err, "outreach_id", id, "to", t.To)
		return nil, err
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: outreach %s not in %v or changed since read", core_domain.ErrStateConflict, id, t.From)
}

func (r *PgOutreachRecordRepository) Defer(ctx context.Context, id uuid.UUID, expected core_domain.OutreachState, until time.Time) error {
	query := `
		UPDATE outreach_records SET next_action_at = $3, updated_at = $4, version = version + 1
		WHERE outreach_id = $1 AND state = $2
	`
	tag, err := r.db.Exec(ctx, query, id, string(expected), until, r.now())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deferring outreach record", "error", err, "outreach_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrStateConflict
	}
	return nil
}

// AcquireDue claims due records. Rows locked by a concurrent scheduler are skipped and the
// claimed rows are pushed to claimUntil in the same statement.
func (r *PgOutreachRecordRepository) AcquireDue(ctx context.Context, states []core_domain.OutreachState, now, claimUntil time.Time, limit int) ([]*core_domain.OutreachRecord, error) {
	query := `
		WITH due AS (
			SELECT outreach_id
			FROM outreach_records
			WHERE state = ANY($1) AND next_action_at <= $2
			ORDER BY next_action_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outreach_records o
		SET next_action_at = $4, version = o.version + 1
		FROM due
		WHERE o.outreach_id = due.outreach_id
		RETURNING ` + prefixed("o.")
	recs, err := r.collect(ctx, "acquire_due", query, stateStrings(states), now, limit, claimUntil)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		r.logger.DebugContext(ctx, "Acquired due outreach records", "count", len(recs))
	}
	return recs, nil
}

func (r *PgOutreachRecordRepository) ListAwaitingExpired(ctx context.Context, now time.Time, limit int) ([]*core_domain.OutreachRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM outreach_records
		WHERE state = $1 AND next_action_at <= $2
		ORDER BY next_action_at ASC LIMIT $3`
	return r.collect(ctx, "list_awaiting_expired", query, string(core_domain.StateAwaitingResponse), now, limit)
}

func (r *PgOutreachRecordRepository) ListStale(ctx context.Context, state core_domain.OutreachState, before time.Time, limit int) ([]*core_domain.OutreachRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM outreach_records
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`
	return r.collect(ctx, "list_stale", query, string(state), before, limit)
}

func (r *PgOutreachRecordRepository) ListByUCID(ctx context.Context, ucid uuid.UUID) ([]*core_domain.OutreachRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM outreach_records WHERE ucid = $1 ORDER BY created_at ASC`
	return r.collect(ctx, "list_by_ucid", query, ucid)
}

func (r *PgOutreachRecordRepository) ListOpenForCredential(ctx context.Context, key core_domain.CredentialKey) ([]*core_domain.OutreachRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM outreach_records
		WHERE user_id = $1 AND provider = $2 AND NOT (state = ANY($3))
		ORDER BY created_at ASC`
	terminal := []string{string(core_domain.StateFailed), string(core_domain.StateResponded), string(core_domain.StateExpired)}
	return r.collect(ctx, "list_open_for_credential", query, key.UserID, string(key.Provider), terminal)
}

func (r *PgOutreachRecordRepository) SummaryByUCID(ctx context.Context, ucid uuid.UUID) (*core_domain.OutreachSummary, error) {
	query := `
		SELECT state, response_type, COUNT(*), COALESCE(SUM(follow_up_count), 0)
		FROM outreach_records
		WHERE ucid = $1
		GROUP BY state, response_type
	`
	rows, err := r.db.Query(ctx, query, ucid)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error summarizing outreach", "error", err, "ucid", ucid)
		return nil, err
	}
	defer rows.Close()

	s := core_domain.NewOutreachSummary(ucid, "")
	for rows.Next() {
		var (
			state        core_domain.OutreachState
			responseType string
			count        int64
			followUps    int64
		)
		if err := rows.Scan(&state, &responseType, &count, &followUps); err != nil {
			return nil, err
		}
		s.Counts[state] += int(count)
		s.Total += int(count)
		s.FollowUpsSent += int(followUps)
		switch core_domain.ResponseType(responseType) {
		case core_domain.ResponseInterested:
			s.Interested += int(count)
		case core_domain.ResponseMoreInfo:
			s.MoreInfo += int(count)
		case core_domain.ResponseUnavailable:
			s.Unavailable += int(count)
		}
	}
	return s, rows.Err()
}

func stateStrings(states []core_domain.OutreachState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func prefixed(alias string) string {
	return alias + `outreach_id, ` + alias + `ucid, ` + alias + `lawyer_id, ` + alias + `user_id, ` +
		alias + `provider, ` + alias + `provider_message_id, ` + alias + `state, ` +
		alias + `attempt_count, ` + alias + `follow_up_count, ` + alias + `last_attempt_at, ` +
		alias + `next_action_at, ` + alias + `last_error, ` + alias + `response_type, ` +
		alias + `responded_at, ` + alias + `created_at, ` + alias + `updated_at, ` + alias + `version`
}
