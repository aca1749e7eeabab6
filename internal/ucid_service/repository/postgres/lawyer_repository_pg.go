package postgres

import (
	"context"
	"log/slog"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/database"
)

// PgLawyerRepository reads and ingests lawyer directory data.
type PgLawyerRepository struct {
	db     database.PgxPool
	logger *slog.Logger
}

func NewPgLawyerRepository(db database.PgxPool, logger *slog.Logger) *PgLawyerRepository {
	return &PgLawyerRepository{db: db, logger: logger.With("component", "lawyer_repository")}
}

// GetByIDs returns the profiles that exist, keyed by lawyer_id. Unknown ids are absent.
func (r *PgLawyerRepository) GetByIDs(ctx context.Context, ids []string) (map[string]core_domain.LawyerProfile, error) {
	out := make(map[string]core_domain.LawyerProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `
		SELECT lawyer_id, name, email, specialization, location, source_url, active, updated_at
		FROM lawyer_profiles WHERE lawyer_id = ANY($1)
	`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error loading lawyer profiles", "error", err, "count", len(ids))
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l core_domain.LawyerProfile
		if err := rows.Scan(&l.LawyerID, &l.Name, &l.Email, &l.Specialization, &l.Location, &l.SourceURL, &l.Active, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out[l.LawyerID] = l
	}
	return out, rows.Err()
}

func (r *PgLawyerRepository) UpsertLawyer(ctx context.Context, l core_domain.LawyerProfile) error {
	query := `
		INSERT INTO lawyer_profiles (lawyer_id, name, email, specialization, location, source_url, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (lawyer_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			specialization = EXCLUDED.specialization,
			location = EXCLUDED.location,
			source_url = EXCLUDED.source_url,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, l.LawyerID, l.Name, l.Email, l.Specialization, l.Location, l.SourceURL, l.Active, l.UpdatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting lawyer profile", "error", err, "lawyer_id", l.LawyerID)
	}
	return err
}
