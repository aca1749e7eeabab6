package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/lexreach/golang_services/internal/core_domain"
	"github.com/lexreach/golang_services/internal/platform/crypto"
)

// --- Fakes ---

type memCredentialRepo struct {
	mu    sync.Mutex
	creds map[core_domain.CredentialKey]core_domain.StoredCredential
}

func newMemCredentialRepo() *memCredentialRepo {
	return &memCredentialRepo{creds: map[core_domain.CredentialKey]core_domain.StoredCredential{}}
}

func (r *memCredentialRepo) Get(_ context.Context, key core_domain.CredentialKey) (*core_domain.StoredCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[key]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return &c, nil
}

func (r *memCredentialRepo) Upsert(_ context.Context, cred *core_domain.StoredCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[core_domain.CredentialKey{UserID: cred.UserID, Provider: cred.Provider}] = *cred
	return nil
}

func (r *memCredentialRepo) UpdateWithLock(_ context.Context, key core_domain.CredentialKey, fn func(cur *core_domain.StoredCredential) (*core_domain.StoredCredential, error)) (*core_domain.StoredCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.creds[key]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	next, err := fn(&cur)
	if next != nil {
		r.creds[key] = *next
		cur = *next
	}
	return &cur, err
}

func (r *memCredentialRepo) Revoke(_ context.Context, key core_domain.CredentialKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[key]
	if !ok {
		return core_domain.ErrNotFound
	}
	c.Status = core_domain.CredentialRevoked
	c.AccessTokenEnc, c.RefreshTokenEnc = nil, nil
	r.creds[key] = c
	return nil
}

type fakeOAuthClient struct {
	refreshCalls atomic.Int32
	release      chan struct{} // when non-nil, Refresh blocks until closed
	refreshErr   error
	newToken     *oauth2.Token
	exchanged    *oauth2.Token
}

func (f *fakeOAuthClient) AuthCodeURL(state string) string {
	return "https://consent.example/auth?state=" + url.QueryEscape(state)
}

func (f *fakeOAuthClient) Exchange(context.Context, string) (*oauth2.Token, error) {
	return f.exchanged, nil
}

func (f *fakeOAuthClient) Refresh(context.Context, string) (*oauth2.Token, error) {
	f.refreshCalls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.newToken, nil
}

func (f *fakeOAuthClient) AccountEmail(context.Context, string) (string, error) {
	return "counsel@example.com", nil
}

type recordingListener struct {
	mu   sync.Mutex
	keys []core_domain.CredentialKey
}

func (l *recordingListener) CredentialRevoked(_ context.Context, key core_domain.CredentialKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
}

// --- Setup ---

type vaultTestComponents struct {
	vault    *Vault
	repo     *memCredentialRepo
	client   *fakeOAuthClient
	listener *recordingListener
	now      time.Time
}

func setupVaultTest(t *testing.T) vaultTestComponents {
	t.Helper()
	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{1}, crypto.KeyLen), "token-vault")
	require.NoError(t, err)

	repo := newMemCredentialRepo()
	client := &fakeOAuthClient{newToken: &oauth2.Token{AccessToken: "at-new", Expiry: time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	v := NewVault(repo, sealer, map[core_domain.Provider]OAuthClient{core_domain.ProviderGmail: client},
		Config{RefreshMargin: time.Minute, StateSecret: []byte("state-secret"), StateTTL: 10 * time.Minute}, logger)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }

	listener := &recordingListener{}
	v.AddRevocationListener(listener)

	return vaultTestComponents{vault: v, repo: repo, client: client, listener: listener, now: now}
}

func (c vaultTestComponents) store(t *testing.T, expiry time.Time) {
	t.Helper()
	require.NoError(t, c.vault.StoreCredential(context.Background(), &core_domain.UserCredential{
		UserID: "user-1", Provider: core_domain.ProviderGmail, AccountEmail: "counsel@example.com",
		AccessToken: "at-old", RefreshToken: "rt-1", Expiry: expiry,
	}))
}

// --- Tests ---

func TestVault_GetValidToken_FreshTokenNotRefreshed(t *testing.T) {
	c := setupVaultTest(t)
	c.store(t, c.now.Add(time.Hour))

	tok, err := c.vault.GetValidToken(context.Background(), "user-1", core_domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "at-old", tok.Value)
	assert.Equal(t, "counsel@example.com", tok.AccountEmail)
	assert.Zero(t, c.client.refreshCalls.Load())
}

func TestVault_GetValidToken_RefreshesInsideMargin(t *testing.T) {
	c := setupVaultTest(t)
	c.store(t, c.now.Add(30*time.Second))

	tok, err := c.vault.GetValidToken(context.Background(), "user-1", core_domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "at-new", tok.Value)
	assert.Equal(t, int32(1), c.client.refreshCalls.Load())

	stored, err := c.repo.Get(context.Background(), core_domain.CredentialKey{UserID: "user-1", Provider: core_domain.ProviderGmail})
	require.NoError(t, err)
	assert.NotContains(t, string(stored.AccessTokenEnc), "at-new")
	assert.NotContains(t, string(stored.RefreshTokenEnc), "rt-1")
	assert.True(t, stored.Expiry.Equal(c.client.newToken.Expiry))

	// Second call sees the refreshed expiry and does not hit the token endpoint again.
	_, err = c.vault.GetValidToken(context.Background(), "user-1", core_domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, int32(1), c.client.refreshCalls.Load())
}

func TestVault_GetValidToken_ConcurrentRefreshIsSingleFlighted(t *testing.T) {
	c := setupVaultTest(t)
	c.store(t, c.now.Add(10*time.Second))
	c.client.release = make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.vault.GetValidToken(context.Background(), "user-1", core_domain.ProviderGmail)
			results[i], errs[i] = tok.Value, err
		}(i)
	}

	require.Eventually(t, func() bool { return c.client.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(c.client.release)
	wg.Wait()

	assert.Equal(t, int32(1), c.client.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-new", results[i])
	}
}

func TestVault_GetValidToken_InvalidGrantRevokes(t *testing.T) {
	c := setupVaultTest(t)
	c.store(t, c.now.Add(-time.Minute))
	c.client.refreshErr = &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: http.StatusBadRequest},
		ErrorCode: "invalid_grant",
	}

	_, err := c.vault.GetValidToken(context.Background(), "user-1", core_domain.ProviderGmail)
	require.ErrorIs(t, err, core_domain.ErrCredentialRevoked)
	assert.False(t, core_domain.IsRetryable(err))

	revoked, err := c.vault.IsRevoked(context.Background(), "user-1", core_domain.ProviderGmail)
	require.NoError(t, err)
	assert.True(t, revoked)
	require.Len(t, c.listener.keys, 1)
	assert.Equal(t, "user-1", c.listener.keys[0].UserID)
}

func TestVault_GetValidToken_TransientFailureLeavesCredential(t *testing.T) {
	c := setupVaultTest(t)
	c.store(t, c.now.Add(-time.Minute))
	before, _ := c.repo.Get(context.Background(), core_domain.CredentialKey{UserID: "user-1", Provider: core_domain.ProviderGmail})
	c.client.refreshErr = &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}

	_, err := c.vault.GetValidToken(context.Background(), "user-1", core_domain.ProviderGmail)
	require.ErrorIs(t, err, core_domain.ErrCredentialRefreshTransient)
	assert.True(t, core_domain.IsRetryable(err))

	after, _ := c.repo.Get(context.Background(), core_domain.CredentialKey{UserID: "user-1", Provider: core_domain.ProviderGmail})
	assert.Equal(t, before, after)
	assert.Empty(t, c.listener.keys)
}

func TestVault_GetValidToken_NetworkErrorIsTransient(t *testing.T) {
	c := setupVaultTest(t)
	c.store(t, c.now.Add(-time.Minute))
	c.client.refreshErr = errors.New("dial tcp: connection refused")

	_, err := c.vault.GetValidToken(context.Background(), "user-1", core_domain.ProviderGmail)
	assert.ErrorIs(t, err, core_domain.ErrCredentialRefreshTransient)
}

func TestVault_GetValidToken_NotConnected(t *testing.T) {
	c := setupVaultTest(t)
	_, err := c.vault.GetValidToken(context.Background(), "nobody", core_domain.ProviderGmail)
	assert.ErrorIs(t, err, core_domain.ErrCredentialNotFound)
}

func TestVault_Revoke(t *testing.T) {
	c := setupVaultTest(t)
	c.store(t, c.now.Add(time.Hour))

	require.NoError(t, c.vault.Revoke(context.Background(), "user-1", core_domain.ProviderGmail))

	_, err := c.vault.GetValidToken(context.Background(), "user-1", core_domain.ProviderGmail)
	assert.ErrorIs(t, err, core_domain.ErrCredentialRevoked)
	assert.Len(t, c.listener.keys, 1)

	assert.ErrorIs(t, c.vault.Revoke(context.Background(), "nobody", core_domain.ProviderGmail), core_domain.ErrCredentialNotFound)
}

func TestVault_AuthorizeAndExchange(t *testing.T) {
	c := setupVaultTest(t)
	c.client.exchanged = (&oauth2.Token{AccessToken: "at-x", RefreshToken: "rt-x", Expiry: c.now.Add(time.Hour)}).
		WithExtra(map[string]any{"scope": "openid email"})

	consent, err := c.vault.AuthorizeURL("user-9", core_domain.ProviderGmail)
	require.NoError(t, err)
	u, err := url.Parse(consent)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	key, err := c.vault.Exchange(context.Background(), state, "code-1")
	require.NoError(t, err)
	assert.Equal(t, core_domain.CredentialKey{UserID: "user-9", Provider: core_domain.ProviderGmail}, key)

	stored, err := c.repo.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, core_domain.CredentialActive, stored.Status)
	assert.Equal(t, []string{"openid", "email"}, stored.Scopes)
	assert.Equal(t, "counsel@example.com", stored.AccountEmail)

	tok, err := c.vault.GetValidToken(context.Background(), "user-9", core_domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, "at-x", tok.Value)
}

func TestVault_Exchange_RejectsForgedState(t *testing.T) {
	c := setupVaultTest(t)
	_, err := c.vault.Exchange(context.Background(), "not-a-jwt", "code")
	assert.ErrorIs(t, err, ErrInvalidState)

	other := stateSigner{secret: []byte("other"), ttl: time.Minute, now: func() time.Time { return c.now }}
	forged, err := other.issue(core_domain.CredentialKey{UserID: "user-1", Provider: core_domain.ProviderGmail})
	require.NoError(t, err)
	_, err = c.vault.Exchange(context.Background(), forged, "code")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVault_Exchange_RejectsExpiredState(t *testing.T) {
	c := setupVaultTest(t)
	state, err := c.vault.state.issue(core_domain.CredentialKey{UserID: "user-1", Provider: core_domain.ProviderGmail})
	require.NoError(t, err)

	later := c.now.Add(time.Hour)
	c.vault.now = func() time.Time { return later }
	_, err = c.vault.Exchange(context.Background(), state, "code")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVault_AuthorizeURL_UnconfiguredProvider(t *testing.T) {
	c := setupVaultTest(t)
	_, err := c.vault.AuthorizeURL("user-1", core_domain.ProviderOutlook)
	assert.ErrorIs(t, err, core_domain.ErrUnknownProvider)
}
