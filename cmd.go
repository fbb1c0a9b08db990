package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/agencydash/warden/internal/audit"
	"github.com/agencydash/warden/internal/config"
	"github.com/agencydash/warden/internal/mail"
	"github.com/fatih/color"
	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	output  string
)

// newRootCmd builds the warden command tree. With no subcommand it serves HTTP.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "warden",
		Short:         "Authentication, session and MFA service for the agency dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				return os.Setenv("CONFIG_FILE", cfgFile)
			}
			return nil
		},
		RunE: serve,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars take precedence)")
	root.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the HTTP server", RunE: serve},
		migrateCmd(),
		cleanupCmd(),
		unlockUserCmd(),
		auditCmd(),
	)
	return root
}

// loadConfig loads configuration and sets up logging; every command starts here.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		printError("%v", err)
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil, nil); err != nil {
		printError("%v", err)
		return err
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ps, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				printError("%v", err)
				return err
			}
			ps.Close()
			printSuccess("database is up to date")
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stale rate limits, MFA challenges and dead sessions once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ps, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				printError("%v", err)
				return err
			}
			defer ps.Close()

			stats, err := newComponents(cfg, ps, &mail.NopMailer{}).orch.Janitor(cmd.Context())
			if err != nil {
				printWarning("cleanup finished with errors: %v", err)
			}
			return render(stats, []string{"Rate Limits", "Challenges", "Sessions"}, [][]string{{
				strconv.FormatInt(stats.RateLimits, 10),
				strconv.FormatInt(stats.Challenges, 10),
				strconv.FormatInt(stats.Sessions, 10),
			}})
		},
	}
}

func unlockUserCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "unlock-user <user-id>",
		Short: "Clear an account lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.FromString(args[0])
			if err != nil {
				printError("invalid user id %q", args[0])
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ps, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				printError("%v", err)
				return err
			}
			defer ps.Close()

			if err := newComponents(cfg, ps, &mail.NopMailer{}).limiter.UnlockUser(cmd.Context(), id, admin); err != nil {
				printError("%v", err)
				return err
			}
			printSuccess("unlocked %s", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", os.Getenv("USER"), "operator name recorded in the audit log")
	return cmd
}

// auditEventView is the CLI rendering of one audit row.
type auditEventView struct {
	Time          time.Time      `json:"time" yaml:"time"`
	Type          string         `json:"event_type" yaml:"event_type"`
	Category      string         `json:"category" yaml:"category"`
	Success       bool           `json:"success" yaml:"success"`
	UserID        string         `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	IP            string         `json:"ip,omitempty" yaml:"ip,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	Details       map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

type auditCountView struct {
	Type    string `json:"event_type" yaml:"event_type"`
	Success bool   `json:"success" yaml:"success"`
	Count   int64  `json:"count" yaml:"count"`
}

func auditCmd() *cobra.Command {
	var (
		userID       string
		eventType    string
		category     string
		since        time.Duration
		failedOnly   bool
		limit        int
		summaryHours int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the security audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ps, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				printError("%v", err)
				return err
			}
			defer ps.Close()
			log := audit.New(ps)

			if summaryHours > 0 {
				return auditSummary(cmd.Context(), log, summaryHours)
			}

			f := audit.Filter{Type: audit.EventType(eventType), Category: audit.Category(category), Limit: limit}
			if userID != "" {
				id, err := uuid.FromString(userID)
				if err != nil {
					printError("invalid user id %q", userID)
					return err
				}
				f.UserID = &id
			}
			if since > 0 {
				t := time.Now().Add(-since)
				f.Since = &t
			}
			if failedOnly {
				f.Success = new(bool)
			}

			events, err := log.Query(cmd.Context(), f)
			if err != nil {
				printError("%v", err)
				return err
			}
			views := make([]auditEventView, 0, len(events))
			rows := make([][]string, 0, len(events))
			for _, e := range events {
				v := auditEventView{
					Time:     e.CreatedAt.UTC(),
					Type:     e.EventType,
					Category: e.Category,
					Success:  e.Success,
				}
				if e.UserID != nil {
					v.UserID = e.UserID.String()
				}
				if e.IPAddress != nil {
					v.IP = *e.IPAddress
				}
				if e.FailureReason != nil {
					v.FailureReason = *e.FailureReason
				}
				v.Details = decodeDetails(e.Details)
				views = append(views, v)
				rows = append(rows, []string{
					v.Time.Format(time.RFC3339), v.Type, outcome(v.Success), v.UserID, v.IP, v.FailureReason,
				})
			}
			return render(views, []string{"Time", "Event", "Outcome", "User", "IP", "Reason"}, rows)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only events for this user id")
	cmd.Flags().StringVar(&eventType, "type", "", "only this event type (e.g. login_failed)")
	cmd.Flags().StringVar(&category, "category", "", "only this category (authentication, session, mfa, device, account, password)")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only failed events")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&summaryHours, "summary", 0, "print event counts over this many hours instead of rows")
	return cmd
}

func auditSummary(ctx context.Context, log *audit.Log, hours int) error {
	counts, err := log.Summary(ctx, hours)
	if err != nil {
		printError("%v", err)
		return err
	}
	views := make([]auditCountView, 0, len(counts))
	rows := make([][]string, 0, len(counts))
	for _, c := range counts {
		views = append(views, auditCountView{Type: c.EventType, Success: c.Success, Count: c.Count})
		rows = append(rows, []string{c.EventType, outcome(c.Success), strconv.FormatInt(c.Count, 10)})
	}
	return render(views, []string{"Event", "Outcome", "Count"}, rows)
}

func outcome(success bool) string {
	if success {
		return color.GreenString("ok")
	}
	return color.RedString("failed")
}

func printSuccess(format string, args ...any) {
	color.Green(format, args...)
}

func printWarning(format string, args ...any) {
	color.Yellow(format, args...)
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.RedString("Error: "+format, args...))
}
