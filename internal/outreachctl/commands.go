package outreachctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexreach/golang_services/internal/core_domain"
)

func newMigrateCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := st.deps.MigrateUp(cmd.Context(), st.cfg.PostgresDSN); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}, &cobra.Command{
		Use:   "status",
		Short: "Print migration status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return st.deps.MigrationStatus(cmd.Context(), st.cfg.PostgresDSN)
		},
	})
	return cmd
}

func newTickCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one follow-up scheduler pass and print what it did",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := st.deps.OpenBackend(cmd.Context(), st.cfg, st.log)
			if err != nil {
				return err
			}
			defer b.Close()

			res, err := b.Tick(cmd.Context(), st.deps.Now())
			if err != nil {
				return err
			}
			if st.output == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "STEP\tCOUNT")
			_, _ = fmt.Fprintf(tw, "sent_advanced\t%d\n", res.SentAdvanced)
			_, _ = fmt.Fprintf(tw, "follow_ups_due\t%d\n", res.FollowUpsDue)
			_, _ = fmt.Fprintf(tw, "expired\t%d\n", res.Expired)
			_, _ = fmt.Fprintf(tw, "stale_recovered\t%d\n", res.StaleRecovered)
			_, _ = fmt.Fprintf(tw, "stale_failed\t%d\n", res.StaleFailed)
			for outcome, n := range res.Dispatched {
				_, _ = fmt.Fprintf(tw, "dispatched_%s\t%d\n", outcome, n)
			}
			_, _ = fmt.Fprintf(tw, "errors\t%d\n", res.Errors)
			return tw.Flush()
		},
	}
}

func newStatusCommand(st *state) *cobra.Command {
	var caseID string
	var records bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show outreach progress for a case",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := st.deps.OpenBackend(cmd.Context(), st.cfg, st.log)
			if err != nil {
				return err
			}
			defer b.Close()

			if records {
				recs, err := b.Records(cmd.Context(), caseID)
				if err != nil {
					return err
				}
				if st.output == "json" {
					return writeJSON(cmd.OutOrStdout(), recs)
				}
				writeRecordTable(cmd.OutOrStdout(), recs)
				return nil
			}

			s, err := b.Summary(cmd.Context(), caseID)
			if err != nil {
				return err
			}
			if st.output == "json" {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			writeSummaryTable(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().BoolVar(&records, "records", false, "list individual outreach records")
	_ = cmd.MarkFlagRequired("case")
	return cmd
}

func newRevokeCommand(st *state) *cobra.Command {
	var userID, providerName string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a user's provider credential and fail its pending outreach",
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := core_domain.ParseProvider(providerName)
			if err != nil {
				return err
			}
			b, err := st.deps.OpenBackend(cmd.Context(), st.cfg, st.log)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Revoke(cmd.Context(), userID, provider); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "revoked %s credential of %s\n", provider, userID)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&providerName, "provider", "", "gmail, outlook or smtp")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newVaultCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Token vault maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init-key",
		Short: "Generate a vault master key and store it in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if st.cfg.VaultKeyringService == "" || st.cfg.VaultKeyringUser == "" {
				return errors.New("VAULT_KEYRING_SERVICE and VAULT_KEYRING_USER must be set")
			}
			encoded, err := st.deps.GenerateKey(st.cfg.VaultKeyringService, st.cfg.VaultKeyringUser)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "master key stored in keyring %s/%s\n", st.cfg.VaultKeyringService, st.cfg.VaultKeyringUser)
			_, err = fmt.Fprintf(out, "APP_VAULT_MASTER_KEY=%s\n", encoded)
			return err
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSummaryTable(w io.Writer, s *core_domain.OutreachSummary) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "CASE\t%s\n", s.CaseID)
	_, _ = fmt.Fprintf(tw, "UCID\t%s\n", s.UCID)
	_, _ = fmt.Fprintf(tw, "TOTAL\t%d\n", s.Total)
	for _, name := range core_domain.AllOutreachStates {
		_, _ = fmt.Fprintf(tw, "%s\t%d\n", name, s.Counts[name])
	}
	_, _ = fmt.Fprintf(tw, "follow_ups_sent\t%d\n", s.FollowUpsSent)
	_, _ = fmt.Fprintf(tw, "interested\t%d\n", s.Interested)
	_, _ = fmt.Fprintf(tw, "more_info\t%d\n", s.MoreInfo)
	_, _ = fmt.Fprintf(tw, "unavailable\t%d\n", s.Unavailable)
	_ = tw.Flush()
}

func writeRecordTable(w io.Writer, recs []*core_domain.OutreachRecord) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OUTREACH_ID\tLAWYER\tPROVIDER\tSTATE\tATTEMPTS\tFOLLOW_UPS\tNEXT_ACTION\tRESPONSE")
	for _, r := range recs {
		next := "-"
		if r.NextActionAt != nil {
			next = r.NextActionAt.UTC().Format(time.RFC3339)
		}
		resp := "-"
		if r.ResponseType != core_domain.ResponseNone {
			resp = string(r.ResponseType)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.OutreachID, r.LawyerID, r.Provider, r.State, r.AttemptCount, r.FollowUpCount, next, resp)
	}
	_ = tw.Flush()
}
