// Package outreachctl implements the operator CLI.
package outreachctl

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexreach/golang_services/internal/core_domain"
	followup "github.com/lexreach/golang_services/internal/followup_scheduler_service/app"
	"github.com/lexreach/golang_services/internal/platform/config"
	"github.com/lexreach/golang_services/internal/platform/crypto"
	"github.com/lexreach/golang_services/internal/platform/database"
	"github.com/lexreach/golang_services/internal/platform/logger"
	"github.com/lexreach/golang_services/internal/wiring"
)

const serviceName = "outreachctl"

// Backend is what the data commands need from a running configuration.
type Backend interface {
	Tick(ctx context.Context, now time.Time) (*followup.TickResult, error)
	Summary(ctx context.Context, caseID string) (*core_domain.OutreachSummary, error)
	Records(ctx context.Context, caseID string) ([]*core_domain.OutreachRecord, error)
	Revoke(ctx context.Context, userID string, provider core_domain.Provider) error
	Close()
}

// Deps are swappable for tests.
type Deps struct {
	Out             io.Writer
	LoadConfig      func() (*config.Config, error)
	OpenBackend     func(ctx context.Context, cfg *config.Config, log *slog.Logger) (Backend, error)
	MigrateUp       func(ctx context.Context, dsn string) error
	MigrationStatus func(ctx context.Context, dsn string) error
	GenerateKey     func(service, user string) (string, error)
	Now             func() time.Time
}

// DefaultDeps wires the real database, vault and scheduler.
func DefaultDeps() Deps {
	return Deps{
		Out:             os.Stdout,
		LoadConfig:      func() (*config.Config, error) { return config.Load(serviceName) },
		OpenBackend:     openRuntime,
		MigrateUp:       database.MigrateUp,
		MigrationStatus: database.MigrationStatus,
		GenerateKey:     crypto.GenerateMasterKey,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

type state struct {
	deps   Deps
	output string
	cfg    *config.Config
	log    *slog.Logger
}

// NewRootCommand builds the outreachctl command tree.
func NewRootCommand(deps Deps) *cobra.Command {
	st := &state{deps: deps}
	if st.deps.Out == nil {
		st.deps.Out = os.Stdout
	}
	if st.deps.Now == nil {
		st.deps.Now = func() time.Time { return time.Now().UTC() }
	}

	root := &cobra.Command{
		Use:           "outreachctl",
		Short:         "Operate the lawyer outreach engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := st.deps.LoadConfig()
			if err != nil {
				return err
			}
			st.cfg = cfg
			st.log = logger.New(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.SetOut(st.deps.Out)
	root.PersistentFlags().StringVarP(&st.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newMigrateCommand(st),
		newTickCommand(st),
		newStatusCommand(st),
		newRevokeCommand(st),
		newVaultCommand(st),
	)
	return root
}

type runtimeBackend struct {
	rt *wiring.Runtime
}

func openRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (Backend, error) {
	rt, err := wiring.New(ctx, cfg, log, wiring.Options{ConnectNATS: cfg.ReportSink == "nats"})
	if err != nil {
		return nil, err
	}
	return runtimeBackend{rt: rt}, nil
}

func (b runtimeBackend) Tick(ctx context.Context, now time.Time) (*followup.TickResult, error) {
	return b.rt.Scheduler.Tick(ctx, now)
}

func (b runtimeBackend) Summary(ctx context.Context, caseID string) (*core_domain.OutreachSummary, error) {
	return b.rt.Correlator.SummaryByCaseID(ctx, caseID)
}

func (b runtimeBackend) Records(ctx context.Context, caseID string) ([]*core_domain.OutreachRecord, error) {
	return b.rt.Correlator.RecordsByCaseID(ctx, caseID)
}

func (b runtimeBackend) Revoke(ctx context.Context, userID string, provider core_domain.Provider) error {
	return b.rt.Vault.Revoke(ctx, userID, provider)
}

func (b runtimeBackend) Close() { b.rt.Close() }
