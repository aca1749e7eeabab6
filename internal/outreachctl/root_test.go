package outreachctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexreach/golang_services/internal/core_domain"
	followup "github.com/lexreach/golang_services/internal/followup_scheduler_service/app"
	dispatch "github.com/lexreach/golang_services/internal/outreach_dispatch_service/app"
	"github.com/lexreach/golang_services/internal/platform/config"
)

type fakeBackend struct {
	tickAt  time.Time
	revoked []core_domain.CredentialKey
	closed  bool
	summary *core_domain.OutreachSummary
	records []*core_domain.OutreachRecord
}

func (f *fakeBackend) Tick(_ context.Context, now time.Time) (*followup.TickResult, error) {
	f.tickAt = now
	return &followup.TickResult{FollowUpsDue: 2, Expired: 1, Dispatched: map[dispatch.Outcome]int{dispatch.OutcomeSent: 3}}, nil
}

func (f *fakeBackend) Summary(_ context.Context, caseID string) (*core_domain.OutreachSummary, error) {
	if f.summary == nil || f.summary.CaseID != caseID {
		return nil, core_domain.ErrNotFound
	}
	return f.summary, nil
}

func (f *fakeBackend) Records(_ context.Context, _ string) ([]*core_domain.OutreachRecord, error) {
	return f.records, nil
}

func (f *fakeBackend) Revoke(_ context.Context, userID string, p core_domain.Provider) error {
	f.revoked = append(f.revoked, core_domain.CredentialKey{UserID: userID, Provider: p})
	return nil
}

func (f *fakeBackend) Close() { f.closed = true }

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testDeps(out *bytes.Buffer, b *fakeBackend) Deps {
	return Deps{
		Out: out,
		LoadConfig: func() (*config.Config, error) {
			return &config.Config{
				LogLevel: "error", LogFormat: "json", PostgresDSN: "postgres://test",
				VaultKeyringService: "svc", VaultKeyringUser: "user",
			}, nil
		},
		OpenBackend: func(context.Context, *config.Config, *slog.Logger) (Backend, error) { return b, nil },
		MigrateUp:   func(context.Context, string) error { return nil },
		MigrationStatus: func(context.Context, string) error {
			return nil
		},
		GenerateKey: func(string, string) (string, error) { return "a2V5", nil },
		Now:         func() time.Time { return fixedNow },
	}
}

func execute(t *testing.T, deps Deps, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(deps)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return deps.Out.(*bytes.Buffer).String(), err
}

func TestTickCommand(t *testing.T) {
	b := &fakeBackend{}
	out, err := execute(t, testDeps(&bytes.Buffer{}, b), "tick")
	require.NoError(t, err)
	assert.Contains(t, out, "follow_ups_due")
	assert.Contains(t, out, "dispatched_sent")
	assert.Equal(t, fixedNow, b.tickAt)
	assert.True(t, b.closed)
}

func TestTickCommand_JSON(t *testing.T) {
	out, err := execute(t, testDeps(&bytes.Buffer{}, &fakeBackend{}), "tick", "-o", "json")
	require.NoError(t, err)
	var res followup.TickResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.FollowUpsDue)
}

func TestStatusCommand(t *testing.T) {
	s := core_domain.NewOutreachSummary(uuid.New(), "case-7")
	s.Total = 4
	s.Counts[core_domain.StateResponded] = 1
	s.Interested = 1
	b := &fakeBackend{summary: s}

	out, err := execute(t, testDeps(&bytes.Buffer{}, b), "status", "--case", "case-7")
	require.NoError(t, err)
	assert.Contains(t, out, "case-7")
	assert.Contains(t, out, "responded")

	_, err = execute(t, testDeps(&bytes.Buffer{}, b), "status", "--case", "other")
	assert.ErrorIs(t, err, core_domain.ErrNotFound)

	_, err = execute(t, testDeps(&bytes.Buffer{}, b), "status")
	assert.Error(t, err)
}

func TestStatusCommand_Records(t *testing.T) {
	rec := core_domain.NewOutreachRecord(uuid.New(), "law-1", "u1", core_domain.ProviderGmail, fixedNow)
	out, err := execute(t, testDeps(&bytes.Buffer{}, &fakeBackend{records: []*core_domain.OutreachRecord{rec}}), "status", "--case", "c", "--records")
	require.NoError(t, err)
	assert.Contains(t, out, "law-1")
	assert.Contains(t, out, "pending")
}

func TestRevokeCommand(t *testing.T) {
	b := &fakeBackend{}
	out, err := execute(t, testDeps(&bytes.Buffer{}, b), "revoke", "--user", "u1", "--provider", "Outlook")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked outlook")
	require.Len(t, b.revoked, 1)
	assert.Equal(t, core_domain.CredentialKey{UserID: "u1", Provider: core_domain.ProviderOutlook}, b.revoked[0])

	_, err = execute(t, testDeps(&bytes.Buffer{}, b), "revoke", "--user", "u1", "--provider", "fax")
	assert.ErrorIs(t, err, core_domain.ErrUnknownProvider)
}

func TestMigrateCommand(t *testing.T) {
	var gotDSN string
	deps := testDeps(&bytes.Buffer{}, &fakeBackend{})
	deps.MigrateUp = func(_ context.Context, dsn string) error { gotDSN = dsn; return nil }

	out, err := execute(t, deps, "migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, "postgres://test", gotDSN)
	assert.Contains(t, out, "migrations applied")

	deps = testDeps(&bytes.Buffer{}, &fakeBackend{})
	deps.MigrationStatus = func(context.Context, string) error { return errors.New("db down") }
	_, err = execute(t, deps, "migrate", "status")
	assert.EqualError(t, err, "db down")
}

func TestVaultInitKey(t *testing.T) {
	out, err := execute(t, testDeps(&bytes.Buffer{}, &fakeBackend{}), "vault", "init-key")
	require.NoError(t, err)
	assert.Contains(t, out, "APP_VAULT_MASTER_KEY=a2V5")
	assert.Contains(t, out, "svc/user")
}
