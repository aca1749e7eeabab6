package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/database"
)

// PgUCIDRepository persists UCIDs and their external sub-case identifiers.
type PgUCIDRepository struct {
	db     database.PgxPool
	logger *slog.Logger
}

func NewPgUCIDRepository(db database.PgxPool, logger *slog.Logger) *PgUCIDRepository {
	return &PgUCIDRepository{db: db, logger: logger.With("component", "ucid_repository")}
}

// InsertIfAbsent relies on the unique constraint on case_id. When another writer won the
// race the stored row is read back and created is false.
func (r *PgUCIDRepository) InsertIfAbsent(ctx context.Context, candidate core_domain.UCID) (core_domain.UCID, bool, error) {
	query := `
		INSERT INTO ucids (ucid, case_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (case_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, candidate.UCID, candidate.CaseID, candidate.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting UCID", "error", err, "case_id", candidate.CaseID)
		return core_domain.UCID{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return candidate, true, nil
	}
	stored, err := r.GetByCaseID(ctx, candidate.CaseID)
	return stored, false, err
}

func (r *PgUCIDRepository) GetByCaseID(ctx context.Context, caseID string) (core_domain.UCID, error) {
	query := `SELECT ucid, case_id, created_at FROM ucids WHERE case_id = $1`
	return r.getOne(ctx, query, caseID)
}

func (r *PgUCIDRepository) GetByUCID(ctx context.Context, ucid uuid.UUID) (core_domain.UCID, error) {
	query := `SELECT ucid, case_id, created_at FROM ucids WHERE ucid = $1`
	return r.getOne(ctx, query, ucid)
}

func (r *PgUCIDRepository) getOne(ctx context.Context, query string, arg any) (core_domain.UCID, error) {
	var u core_domain.UCID
	if err := r.db.QueryRow(ctx, query, arg).Scan(&u.UCID, &u.CaseID, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core_domain.UCID{}, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting UCID", "error", err)
		return core_domain.UCID{}, err
	}
	return u, nil
}

// LinkSubCaseID is idempotent per (ucid, value, source_party) and returns the stored row.
func (r *PgUCIDRepository) LinkSubCaseID(ctx context.Context, sub core_domain.SubCaseID) (core_domain.SubCaseID, error) {
	query := `
		INSERT INTO sub_case_ids (id, ucid, value, source_party, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ucid, value, source_party) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, sub.ID, sub.UCID, sub.Value, sub.SourceParty, sub.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error linking sub-case id", "error", err, "ucid", sub.UCID)
		return core_domain.SubCaseID{}, err
	}
	if tag.RowsAffected() == 1 {
		return sub, nil
	}
	var stored core_domain.SubCaseID
	err = r.db.QueryRow(ctx, `
		SELECT id, ucid, value, source_party, created_at FROM sub_case_ids
		WHERE ucid = $1 AND value = $2 AND source_party = $3
	`, sub.UCID, sub.Value, sub.SourceParty).Scan(&stored.ID, &stored.UCID, &stored.Value, &stored.SourceParty, &stored.CreatedAt)
	if err != nil {
		return core_domain.SubCaseID{}, err
	}
	return stored, nil
}

func (r *PgUCIDRepository) ListSubCaseIDs(ctx context.Context, ucid uuid.UUID) ([]core_domain.SubCaseID, error) {
	query := `
		SELECT id, ucid, value, source_party, created_at FROM sub_case_ids
		WHERE ucid = $1 ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, ucid)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing sub-case ids", "error", err, "ucid", ucid)
		return nil, err
	}
	defer rows.Close()

	var subs []core_domain.SubCaseID
	for rows.Next() {
		var s core_domain.SubCaseID
		if err := rows.Scan(&s.ID, &s.UCID, &s.Value, &s.SourceParty, &s.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// FindBySubCaseID returns every UCID a sub-case value is linked to, whatever the source party.
func (r *PgUCIDRepository) FindBySubCaseID(ctx context.Context, value string) ([]core_domain.UCID, error) {
	query := `
		SELECT DISTINCT u.ucid, u.case_id, u.created_at
		FROM ucids u JOIN sub_case_ids s ON s.ucid = u.ucid
		WHERE s.value = $1
		ORDER BY u.created_at ASC
	`
	rows, err := r.db.Query(ctx, query, value)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error finding UCIDs by sub-case id", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []core_domain.UCID
	for rows.Next() {
		var u core_domain.UCID
		if err := rows.Scan(&u.UCID, &u.CaseID, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
