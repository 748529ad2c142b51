package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic visits and billing API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	openMigrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		dir, _ := cmd.Flags().GetString("dir")
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required")
		}
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, os.DirFS(dir)), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// cliActor runs offline commands with administrator rights.
var cliActor = auth.Actor{ID: "cli", Name: "clinic-server CLI", Role: auth.RoleAdministrator}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate billing reports",
	}

	revenueCmd := &cobra.Command{
		Use:   "revenue",
		Short: "Write the revenue workbook for a period to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromRaw, _ := cmd.Flags().GetString("from")
			toRaw, _ := cmd.Flags().GetString("to")
			out, _ := cmd.Flags().GetString("out")

			from, err := time.Parse(time.DateOnly, fromRaw)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			to, err := time.Parse(time.DateOnly, toRaw)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			to = to.AddDate(0, 0, 1).Add(-time.Second)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			svcs, err := buildServices(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer svcs.close(context.Background())

			data, err := svcs.reports.RenderRevenue(cmd.Context(), cliActor, from, to)
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("revenue_%s_%s.xlsx", fromRaw, toRaw)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("Wrote %s (%d bytes).\n", out, len(data))
			return nil
		},
	}
	revenueCmd.Flags().String("from", "", "First day of the period (YYYY-MM-DD)")
	revenueCmd.Flags().String("to", "", "Last day of the period, inclusive (YYYY-MM-DD)")
	revenueCmd.Flags().String("out", "", "Output file")
	_ = revenueCmd.MarkFlagRequired("from")
	_ = revenueCmd.MarkFlagRequired("to")
	cmd.AddCommand(revenueCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed development token (requires AUTH_SIGNING_KEY)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			name, _ := cmd.Flags().GetString("name")
			roleRaw, _ := cmd.Flags().GetString("role")
			mrn, _ := cmd.Flags().GetInt64("mrn")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			role, err := auth.ParseRole(roleRaw)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			token, err := auth.IssueToken([]byte(cfg.AuthSigningKey), auth.TokenRequest{
				Subject:  sub,
				Name:     name,
				Role:     role,
				MRN:      mrn,
				Issuer:   cfg.AuthIssuer,
				Audience: cfg.AuthAudience,
				TTL:      ttl,
			}, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Subject (actor id)")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("role", "operator", "guest, patient, specialist, operator or administrator")
	cmd.Flags().Int64("mrn", 0, "Medical record number (patients only)")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
