// Package wiring assembles the outreach components from configuration. The worker,
// the public API and the operator CLI share it.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexreach/golang_services/internal/core_domain"
	followup "github.com/lexreach/golang_services/internal/followup_scheduler_service/app"
	"github.com/lexreach/golang_services/internal/operator_report"
	dispatch "github.com/lexreach/golang_services/internal/outreach_dispatch_service/app"
	"github.com/lexreach/golang_services/internal/outreach_dispatch_service/provider"
	outreachpg "github.com/lexreach/golang_services/internal/outreach_dispatch_service/repository/postgres"
	"github.com/lexreach/golang_services/internal/platform/config"
	"github.com/lexreach/golang_services/internal/platform/crypto"
	"github.com/lexreach/golang_services/internal/platform/database"
	"github.com/lexreach/golang_services/internal/platform/messagebroker"
	replyapp "github.com/lexreach/golang_services/internal/reply_ingestion_service/app"
	"github.com/lexreach/golang_services/internal/token_vault_service/adapters/oauthclient"
	tokenvault "github.com/lexreach/golang_services/internal/token_vault_service/app"
	credentialpg "github.com/lexreach/golang_services/internal/token_vault_service/repository/postgres"
	ucidapp "github.com/lexreach/golang_services/internal/ucid_service/app"
	ucidpg "github.com/lexreach/golang_services/internal/ucid_service/repository/postgres"
)

// Options selects optional connections.
type Options struct {
	ConnectNATS bool
}

// Runtime holds every long-lived component of one process.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	NATS   *messagebroker.NATSClient // nil unless Options.ConnectNATS

	Records core_domain.OutreachRecordRepository

	Vault      *tokenvault.Vault
	Adapters   *provider.Registry
	Dispatcher *dispatch.Dispatcher
	Scheduler  *followup.Scheduler
	Correlator *ucidapp.Correlator
	Replies    *replyapp.ReplyProcessor
	Reports    operator_report.Sink
}

// New connects to PostgreSQL (and NATS when asked) and builds the components.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	pool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	rt.Pool = pool

	if opts.ConnectNATS {
		nc, err := messagebroker.NewNATSClient(cfg.NATSUrl, cfg.ServiceName, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.NATS = nc
	}

	if err := rt.build(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build() error {
	cfg, logger := rt.Config, rt.Logger

	records := outreachpg.NewPgOutreachRecordRepository(rt.Pool, logger)
	ucids := ucidpg.NewPgUCIDRepository(rt.Pool, logger)
	lawyers := ucidpg.NewPgLawyerRepository(rt.Pool, logger)
	briefs := ucidpg.NewPgCaseBriefRepository(rt.Pool, logger)
	credentials := credentialpg.NewPgCredentialRepository(rt.Pool, logger)
	rt.Records = records

	masterKey, err := crypto.LoadMasterKey(crypto.KeySource{
		Kind:           cfg.VaultKeySource,
		EncodedKey:     cfg.VaultMasterKey,
		KeyringService: cfg.VaultKeyringService,
		KeyringUser:    cfg.VaultKeyringUser,
	})
	if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(masterKey, "token-vault")
	if err != nil {
		return err
	}

	oauthClients, adapters, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}
	rt.Adapters = adapters

	rt.Vault = tokenvault.NewVault(credentials, sealer, oauthClients, tokenvault.Config{
		RefreshMargin: cfg.VaultRefreshMargin,
		StateSecret:   []byte(cfg.OAuthStateSecret),
		StateTTL:      cfg.OAuthStateTTL,
	}, logger)

	var publisher messagebroker.Publisher
	if rt.NATS != nil {
		publisher = rt.NATS
	}
	rt.Reports, err = operator_report.New(cfg.ReportSink, publisher, cfg.NATSSubjectOperatorLog,
		cfg.ReportKafkaBrokers, cfg.ReportKafkaTopic, logger)
	if err != nil {
		return err
	}

	composer, err := dispatch.NewComposer(cfg.OutreachSenderBrand)
	if err != nil {
		return err
	}
	rt.Dispatcher = dispatch.NewDispatcher(
		records, lawyers, briefs,
		rt.Vault, adapters,
		dispatch.NewQuota(cfg.QuotaSendsPerWindow, cfg.QuotaWindow),
		composer,
		dispatch.NewBackoff(cfg.DispatchBackoffBase, cfg.DispatchBackoffMax),
		rt.Reports,
		dispatch.Config{
			MaxAttempts:    cfg.DispatchMaxAttempts,
			MaxFollowUps:   cfg.FollowUpMax,
			FollowUpWindow: cfg.FollowUpWindow,
		},
		logger,
	)
	rt.Vault.AddRevocationListener(rt.Dispatcher)

	rt.Scheduler = followup.NewScheduler(records, rt.Dispatcher, rt.Reports, followup.Config{
		Interval:       cfg.SchedulerInterval,
		BatchSize:      cfg.DispatchBatchSize,
		Concurrency:    cfg.DispatchConcurrency,
		FollowUpWindow: cfg.FollowUpWindow,
		MaxFollowUps:   cfg.FollowUpMax,
		MaxAttempts:    cfg.DispatchMaxAttempts,
		SendingLease:   cfg.DispatchSendingLease,
		ClaimTTL:       cfg.DispatchClaimTTL,
	}, logger)

	rt.Correlator = ucidapp.NewCorrelator(ucids, records, lawyers, briefs, logger)
	rt.Replies = replyapp.NewReplyProcessor(records, logger)
	return nil
}

// buildProviders registers every provider with configured OAuth credentials, plus
// the mock provider when enabled.
func buildProviders(cfg *config.Config, logger *slog.Logger) (map[core_domain.Provider]tokenvault.OAuthClient, *provider.Registry, error) {
	clients := map[core_domain.Provider]tokenvault.OAuthClient{}
	var adapters []provider.Adapter

	if cfg.GmailClientID != "" {
		c, err := oauthclient.New(core_domain.ProviderGmail, oauthclient.Settings{
			ClientID: cfg.GmailClientID, ClientSecret: cfg.GmailClientSecret, RedirectURL: cfg.GmailRedirectURL,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		clients[core_domain.ProviderGmail] = c
		adapters = append(adapters, provider.NewGmailAdapter(cfg.GmailAPIBaseURL, c, nil, logger))
	}
	if cfg.OutlookClientID != "" {
		c, err := oauthclient.New(core_domain.ProviderOutlook, oauthclient.Settings{
			ClientID: cfg.OutlookClientID, ClientSecret: cfg.OutlookClientSecret,
			RedirectURL: cfg.OutlookRedirectURL, Tenant: cfg.OutlookTenant,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		clients[core_domain.ProviderOutlook] = c
		adapters = append(adapters, provider.NewOutlookAdapter(cfg.OutlookAPIBaseURL, c, nil, logger))
	}
	if cfg.SMTPHost != "" && cfg.SMTPClientID != "" {
		c, err := oauthclient.New(core_domain.ProviderSMTP, oauthclient.Settings{
			ClientID: cfg.SMTPClientID, ClientSecret: cfg.SMTPClientSecret, RedirectURL: cfg.SMTPRedirectURL,
			AuthURL: cfg.SMTPAuthURL, TokenURL: cfg.SMTPTokenURL,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		clients[core_domain.ProviderSMTP] = c
		adapters = append(adapters, provider.NewSMTPAdapter(cfg.SMTPHost, cfg.SMTPPort, c, logger))
	}
	if cfg.MockProviderEnabled {
		adapters = append(adapters, provider.NewMockAdapter(logger))
	}
	if len(adapters) == 0 {
		return nil, nil, errors.New("no mail provider configured")
	}
	logger.Info("Mail providers configured", "count", len(adapters))
	return clients, provider.NewRegistry(adapters...), nil
}

// Subscribe starts the NATS consumers for case-ready, directory and reply events.
func (rt *Runtime) Subscribe(ctx context.Context) error {
	if rt.NATS == nil {
		return fmt.Errorf("subscribe: runtime has no NATS connection")
	}
	cfg := rt.Config
	consumer := ucidapp.NewConsumer(rt.Correlator, rt.Logger)
	subs := []struct {
		subject string
		handler messagebroker.Handler
	}{
		{cfg.NATSSubjectCaseReady, consumer.CaseReadyHandler()},
		{cfg.NATSSubjectDirectory, consumer.DirectoryHandler()},
		{cfg.NATSSubjectReply, rt.Replies.Handler()},
	}
	for _, s := range subs {
		if _, err := rt.NATS.QueueSubscribe(ctx, s.subject, cfg.NATSQueueGroup, s.handler); err != nil {
			return err
		}
	}
	return nil
}

// Ready pings the database.
func (rt *Runtime) Ready(ctx context.Context) error {
	return rt.Pool.Ping(ctx)
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() {
	if rt.Reports != nil {
		if err := rt.Reports.Close(); err != nil {
			rt.Logger.Warn("Failed to close report sink", "error", err)
		}
	}
	if rt.NATS != nil {
		rt.NATS.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
