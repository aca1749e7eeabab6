package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/crypto"
)

const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"

	refreshTimeout = 30 * time.Second
)

var tracer = otel.Tracer("github.com/lexreach/golang_services/internal/token_vault_service")

// OAuthClient is the provider-side OAuth flow used by the vault.
// oauthclient.Client implements it.
type OAuthClient interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	AccountEmail(ctx context.Context, accessToken string) (string, error)
}

// RevocationListener is notified after a credential becomes unusable, whether the
// user disconnected it or the provider rejected its refresh token.
type RevocationListener interface {
	CredentialRevoked(ctx context.Context, key core_domain.CredentialKey)
}

// Config holds vault tuning.
type Config struct {
	RefreshMargin time.Duration // refresh when the access token expires sooner than this
	StateSecret   []byte
	StateTTL      time.Duration
}

// Vault holds per-user provider credentials and hands out valid access tokens.
// Refresh tokens never leave it.
type Vault struct {
	repo    core_domain.CredentialRepository
	sealer  *crypto.Sealer
	clients map[core_domain.Provider]OAuthClient
	cfg     Config
	state   stateSigner
	logger  *slog.Logger
	now     func() time.Time

	refreshGroup singleflight.Group

	mu        sync.RWMutex
	listeners []RevocationListener
}

// NewVault creates a Vault. clients maps each connectable provider to its OAuth flow.
func NewVault(
	repo core_domain.CredentialRepository,
	sealer *crypto.Sealer,
	clients map[core_domain.Provider]OAuthClient,
	cfg Config,
	logger *slog.Logger,
) *Vault {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 60 * time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	v := &Vault{
		repo:    repo,
		sealer:  sealer,
		clients: clients,
		cfg:     cfg,
		logger:  logger.With("component", "token_vault"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	v.state = stateSigner{secret: cfg.StateSecret, ttl: cfg.StateTTL, now: func() time.Time { return v.now() }}
	return v
}

// AddRevocationListener registers l for revocation notifications.
func (v *Vault) AddRevocationListener(l RevocationListener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, l)
}

// AuthorizeURL returns the provider consent URL for userID with a signed state parameter.
func (v *Vault) AuthorizeURL(userID string, provider core_domain.Provider) (string, error) {
	client, err := v.client(provider)
	if err != nil {
		return "", err
	}
	state, err := v.state.issue(core_domain.CredentialKey{UserID: userID, Provider: provider})
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return client.AuthCodeURL(state), nil
}

// Exchange completes a consent callback: it verifies state, redeems code and
// stores the resulting credential as active.
func (v *Vault) Exchange(ctx context.Context, state, code string) (core_domain.CredentialKey, error) {
	key, err := v.state.verify(state)
	if err != nil {
		return core_domain.CredentialKey{}, err
	}
	client, err := v.client(key.Provider)
	if err != nil {
		return core_domain.CredentialKey{}, err
	}

	tok, err := client.Exchange(ctx, code)
	if err != nil {
		v.logger.WarnContext(ctx, "Authorization code exchange failed", "user_id", key.UserID, "provider", key.Provider, "error", err)
		return core_domain.CredentialKey{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	email, err := client.AccountEmail(ctx, tok.AccessToken)
	if err != nil {
		v.logger.WarnContext(ctx, "Could not resolve account email", "user_id", key.UserID, "provider", key.Provider, "error", err)
	}

	var scopes []string
	if raw, ok := tok.Extra("scope").(string); ok {
		scopes = strings.Fields(raw)
	}

	cred := &core_domain.UserCredential{
		UserID:       key.UserID,
		Provider:     key.Provider,
		AccountEmail: email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
	if err := v.StoreCredential(ctx, cred); err != nil {
		return core_domain.CredentialKey{}, err
	}
	v.logger.InfoContext(ctx, "Credential connected", "user_id", key.UserID, "provider", key.Provider)
	return key, nil
}

// StoreCredential seals and persists cred as active, replacing any previous credential.
func (v *Vault) StoreCredential(ctx context.Context, cred *core_domain.UserCredential) error {
	key := cred.Key()
	accessEnc, err := v.seal(key, fieldAccessToken, cred.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := v.seal(key, fieldRefreshToken, cred.RefreshToken)
	if err != nil {
		return err
	}
	now := v.now()
	stored := &core_domain.StoredCredential{
		UserID:          cred.UserID,
		Provider:        cred.Provider,
		AccountEmail:    cred.AccountEmail,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		Expiry:          cred.Expiry.UTC(),
		Scopes:          cred.Scopes,
		Status:          core_domain.CredentialActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := v.repo.Upsert(ctx, stored); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// GetValidToken returns an access token with at least the refresh margin of lifetime left,
// refreshing it first when needed. Concurrent refreshes for one credential are collapsed
// into a single token-endpoint call.
func (v *Vault) GetValidToken(ctx context.Context, userID string, provider core_domain.Provider) (core_domain.AccessToken, error) {
	key := core_domain.CredentialKey{UserID: userID, Provider: provider}
	stored, err := v.get(ctx, key)
	if err != nil {
		return core_domain.AccessToken{}, err
	}
	if stored.Status != core_domain.CredentialActive {
		return core_domain.AccessToken{}, core_domain.ErrCredentialRevoked
	}
	if !v.needsRefresh(stored.Expiry) {
		return v.accessToken(stored)
	}

	ch := v.refreshGroup.DoChan(key.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return v.refresh(rctx, key)
	})
	select {
	case <-ctx.Done():
		return core_domain.AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return core_domain.AccessToken{}, res.Err
		}
		return res.Val.(core_domain.AccessToken), nil
	}
}

// refresh runs under the credential's row lock so instances sharing the database
// do not redeem the same refresh token twice.
func (v *Vault) refresh(ctx context.Context, key core_domain.CredentialKey) (core_domain.AccessToken, error) {
	ctx, span := tracer.Start(ctx, "vault.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("provider", string(key.Provider)))

	client, err := v.client(key.Provider)
	if err != nil {
		return core_domain.AccessToken{}, err
	}

	refreshed := false
	stored, err := v.repo.UpdateWithLock(ctx, key, func(cur *core_domain.StoredCredential) (*core_domain.StoredCredential, error) {
		if cur.Status != core_domain.CredentialActive {
			return nil, core_domain.ErrCredentialRevoked
		}
		if !v.needsRefresh(cur.Expiry) {
			return nil, nil
		}
		refreshToken, err := v.open(key, fieldRefreshToken, cur.RefreshTokenEnc)
		if err != nil {
			return nil, err
		}
		if refreshToken == "" {
			expired := *cur
			expired.Status = core_domain.CredentialExpired
			expired.UpdatedAt = v.now()
			return &expired, fmt.Errorf("%w: no refresh token on file", core_domain.ErrCredentialRevoked)
		}

		tok, err := client.Refresh(ctx, refreshToken)
		if err != nil {
			if isRevocationError(err) {
				revoked := *cur
				revoked.Status = core_domain.CredentialRevoked
				revoked.AccessTokenEnc = nil
				revoked.RefreshTokenEnc = nil
				revoked.UpdatedAt = v.now()
				return &revoked, fmt.Errorf("%w: %w", core_domain.ErrCredentialRevoked, err)
			}
			return nil, fmt.Errorf("%w: %w", core_domain.ErrCredentialRefreshTransient, err)
		}

		next := *cur
		if next.AccessTokenEnc, err = v.seal(key, fieldAccessToken, tok.AccessToken); err != nil {
			return nil, err
		}
		if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
			if next.RefreshTokenEnc, err = v.seal(key, fieldRefreshToken, tok.RefreshToken); err != nil {
				return nil, err
			}
		}
		next.Expiry = tok.Expiry.UTC()
		next.UpdatedAt = v.now()
		refreshed = true
		return &next, nil
	})

	switch {
	case errors.Is(err, core_domain.ErrNotFound):
		return core_domain.AccessToken{}, core_domain.ErrCredentialNotFound
	case errors.Is(err, core_domain.ErrCredentialRevoked):
		tokenRefreshCounter.WithLabelValues(string(key.Provider), "revoked").Inc()
		span.SetStatus(codes.Error, "revoked")
		v.logger.WarnContext(ctx, "Provider rejected refresh token, credential revoked", "user_id", key.UserID, "provider", key.Provider, "error", err)
		credentialRevocationsCounter.WithLabelValues(string(key.Provider), "provider").Inc()
		v.notifyRevoked(ctx, key)
		return core_domain.AccessToken{}, err
	case errors.Is(err, core_domain.ErrCredentialRefreshTransient):
		tokenRefreshCounter.WithLabelValues(string(key.Provider), "transient").Inc()
		span.SetStatus(codes.Error, "transient")
		v.logger.WarnContext(ctx, "Token refresh failed transiently", "user_id", key.UserID, "provider", key.Provider, "error", err)
		return core_domain.AccessToken{}, err
	case err != nil:
		span.RecordError(err)
		return core_domain.AccessToken{}, fmt.Errorf("refresh credential: %w", err)
	}

	if refreshed {
		tokenRefreshCounter.WithLabelValues(string(key.Provider), "success").Inc()
		v.logger.InfoContext(ctx, "Access token refreshed", "user_id", key.UserID, "provider", key.Provider, "expiry", stored.Expiry)
	}
	return v.accessToken(stored)
}

// Revoke disconnects a credential: tokens are wiped, status becomes revoked and
// listeners are told so pending outreach through it stops.
func (v *Vault) Revoke(ctx context.Context, userID string, provider core_domain.Provider) error {
	key := core_domain.CredentialKey{UserID: userID, Provider: provider}
	if err := v.repo.Revoke(ctx, key); err != nil {
		if errors.Is(err, core_domain.ErrNotFound) {
			return core_domain.ErrCredentialNotFound
		}
		return fmt.Errorf("revoke credential: %w", err)
	}
	credentialRevocationsCounter.WithLabelValues(string(provider), "user").Inc()
	v.logger.InfoContext(ctx, "Credential revoked by user", "user_id", userID, "provider", provider)
	v.notifyRevoked(ctx, key)
	return nil
}

// IsRevoked reports whether the credential can no longer be used to send.
// A credential that was never connected counts as revoked.
func (v *Vault) IsRevoked(ctx context.Context, userID string, provider core_domain.Provider) (bool, error) {
	stored, err := v.get(ctx, core_domain.CredentialKey{UserID: userID, Provider: provider})
	if errors.Is(err, core_domain.ErrCredentialNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return stored.Status != core_domain.CredentialActive, nil
}

func (v *Vault) get(ctx context.Context, key core_domain.CredentialKey) (*core_domain.StoredCredential, error) {
	stored, err := v.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, core_domain.ErrNotFound) {
			return nil, core_domain.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return stored, nil
}

func (v *Vault) client(provider core_domain.Provider) (OAuthClient, error) {
	c, ok := v.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", core_domain.ErrUnknownProvider, provider)
	}
	return c, nil
}

// needsRefresh treats a zero expiry as a non-expiring token.
func (v *Vault) needsRefresh(expiry time.Time) bool {
	if expiry.IsZero() {
		return false
	}
	return expiry.Sub(v.now()) < v.cfg.RefreshMargin
}

func (v *Vault) accessToken(stored *core_domain.StoredCredential) (core_domain.AccessToken, error) {
	key := core_domain.CredentialKey{UserID: stored.UserID, Provider: stored.Provider}
	value, err := v.open(key, fieldAccessToken, stored.AccessTokenEnc)
	if err != nil {
		return core_domain.AccessToken{}, err
	}
	return core_domain.AccessToken{
		Value:        value,
		Expiry:       stored.Expiry,
		Provider:     stored.Provider,
		AccountEmail: stored.AccountEmail,
	}, nil
}

func (v *Vault) seal(key core_domain.CredentialKey, field, secret string) ([]byte, error) {
	if secret == "" {
		return nil, nil
	}
	blob, err := v.sealer.Seal([]byte(secret), crypto.AAD(key.UserID, string(key.Provider), field))
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", field, err)
	}
	return blob, nil
}

func (v *Vault) open(key core_domain.CredentialKey, field string, blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	plain, err := v.sealer.Open(blob, crypto.AAD(key.UserID, string(key.Provider), field))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", field, err)
	}
	return string(plain), nil
}

func (v *Vault) notifyRevoked(ctx context.Context, key core_domain.CredentialKey) {
	v.mu.RLock()
	listeners := append([]RevocationListener(nil), v.listeners...)
	v.mu.RUnlock()
	for _, l := range listeners {
		l.CredentialRevoked(ctx, key)
	}
}

// isRevocationError reports whether a token-endpoint failure means the grant is gone
// rather than the endpoint being temporarily unavailable.
func isRevocationError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return true
		}
	}
	return false
}
