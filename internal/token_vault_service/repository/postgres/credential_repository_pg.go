package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/database"
)

const credentialColumns = `user_id, provider, account_email, access_token_enc, refresh_token_enc, expiry, scopes, status, created_at, updated_at`

// PgCredentialRepository stores sealed credentials in user_credentials.
type PgCredentialRepository struct {
	db     database.PgxPool
	logger *slog.Logger
}

func NewPgCredentialRepository(db database.PgxPool, logger *slog.Logger) *PgCredentialRepository {
	return &PgCredentialRepository{db: db, logger: logger.With("component", "credential_repository")}
}

func scanCredential(row pgx.Row) (*core_domain.StoredCredential, error) {
	var c core_domain.StoredCredential
	if err := row.Scan(&c.UserID, &c.Provider, &c.AccountEmail, &c.AccessTokenEnc, &c.RefreshTokenEnc,
		&c.Expiry, &c.Scopes, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *PgCredentialRepository) Get(ctx context.Context, key core_domain.CredentialKey) (*core_domain.StoredCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM user_credentials WHERE user_id = $1 AND provider = $2`
	c, err := scanCredential(r.db.QueryRow(ctx, query, key.UserID, key.Provider))
	if err != nil && !errors.Is(err, core_domain.ErrNotFound) {
		r.logger.ErrorContext(ctx, "Error getting credential", "error", err, "user_id", key.UserID, "provider", key.Provider)
	}
	return c, err
}

// Upsert replaces the credential for (user, provider) and reactivates it.
func (r *PgCredentialRepository) Upsert(ctx context.Context, c *core_domain.StoredCredential) error {
	query := `
		INSERT INTO user_credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			account_email = EXCLUDED.account_email,
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			expiry = EXCLUDED.expiry,
			scopes = EXCLUDED.scopes,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, c.UserID, c.Provider, c.AccountEmail, c.AccessTokenEnc, c.RefreshTokenEnc,
		c.Expiry, c.Scopes, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting credential", "error", err, "user_id", c.UserID, "provider", c.Provider)
		return err
	}
	return nil
}

// UpdateWithLock holds SELECT ... FOR UPDATE on the credential row while fn runs.
func (r *PgCredentialRepository) UpdateWithLock(
	ctx context.Context,
	key core_domain.CredentialKey,
	fn func(cur *core_domain.StoredCredential) (*core_domain.StoredCredential, error),
) (*core_domain.StoredCredential, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + credentialColumns + ` FROM user_credentials WHERE user_id = $1 AND provider = $2 FOR UPDATE`
	cur, err := scanCredential(tx.QueryRow(ctx, query, key.UserID, key.Provider))
	if err != nil {
		return nil, err
	}

	next, fnErr := fn(cur)
	if next != nil {
		update := `
			UPDATE user_credentials
			SET access_token_enc = $1, refresh_token_enc = $2, expiry = $3, status = $4, updated_at = $5
			WHERE user_id = $6 AND provider = $7
		`
		if _, err := tx.Exec(ctx, update, next.AccessTokenEnc, next.RefreshTokenEnc, next.Expiry, next.Status,
			next.UpdatedAt, key.UserID, key.Provider); err != nil {
			r.logger.ErrorContext(ctx, "Error updating credential under lock", "error", err, "user_id", key.UserID, "provider", key.Provider)
			return nil, err
		}
		cur = next
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cur, fnErr
}

func (r *PgCredentialRepository) Revoke(ctx context.Context, key core_domain.CredentialKey) error {
	query := `
		UPDATE user_credentials
		SET status = $1, access_token_enc = NULL, refresh_token_enc = NULL, updated_at = $2
		WHERE user_id = $3 AND provider = $4
	`
	tag, err := r.db.Exec(ctx, query, core_domain.CredentialRevoked, time.Now().UTC(), key.UserID, key.Provider)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error revoking credential", "error", err, "user_id", key.UserID, "provider", key.Provider)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	return nil
}
