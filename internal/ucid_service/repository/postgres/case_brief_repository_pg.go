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

type PgCaseBriefRepository struct {
	db     database.PgxPool
	logger *slog.Logger
}

func NewPgCaseBriefRepository(db database.PgxPool, logger *slog.Logger) *PgCaseBriefRepository {
	return &PgCaseBriefRepository{db: db, logger: logger.With("component", "case_brief_repository")}
}

func (r *PgCaseBriefRepository) Upsert(ctx context.Context, b core_domain.CaseBrief) error {
	query := `
		INSERT INTO case_briefs (ucid, user_id, provider, summary, legal_field, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ucid) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			provider = EXCLUDED.provider,
			summary = EXCLUDED.summary,
			legal_field = EXCLUDED.legal_field,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.Exec(ctx, query, b.UCID, b.UserID, b.Provider, b.Summary, b.LegalField, b.UpdatedAt); err != nil {
		r.logger.ErrorContext(ctx, "Error upserting case brief", "error", err, "ucid", b.UCID)
		return err
	}
	return nil
}

func (r *PgCaseBriefRepository) Get(ctx context.Context, ucid uuid.UUID) (core_domain.CaseBrief, error) {
	query := `SELECT ucid, user_id, provider, summary, legal_field, updated_at FROM case_briefs WHERE ucid = $1`
	var b core_domain.CaseBrief
	err := r.db.QueryRow(ctx, query, ucid).Scan(&b.UCID, &b.UserID, &b.Provider, &b.Summary, &b.LegalField, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core_domain.CaseBrief{}, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting case brief", "error", err, "ucid", ucid)
		return core_domain.CaseBrief{}, err
	}
	return b, nil
}
