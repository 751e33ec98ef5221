package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/medledger/medledger/internal/config"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/identity"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "medledger",
		Short:        "Ledger-backed medical record sharing service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(keygenCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(tokenCmd())
	return root
}

// loadApp loads and validates config and builds the app.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, newLogger(os.Stdout, cfg))
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if cfg.LedgerBackend == "postgres" {
					if _, err := runMigrations(ctx, cfg, cfg.MigrationsDir); err != nil {
						return err
					}
				}
			}

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(a)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres backend)")
	return cmd
}

func runMigrations(ctx context.Context, cfg *config.Config, dir string) (int, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return 0, err
	}
	defer pool.Close()

	count, err := db.NewMigrator(pool, dir).Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("migration failed: %w", err)
	}
	return count, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres ledger backend",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			count, err := runMigrations(cmd.Context(), cfg, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new private key and print its address",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, key, err := identity.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nkey:     %s\n", signer.Address(), key)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register doctors and patients from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			m, err := loadSeedManifest(file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			admin, err := adminSession(a.cfg)
			if err != nil {
				return err
			}
			return applySeed(ctx, a, admin, m, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("file", "seed.yaml", "Seed manifest path")
	return cmd
}

func adminSession(cfg *config.Config) (*auth.Session, error) {
	if cfg.AdminKey == "" {
		return nil, fmt.Errorf("ADMIN_KEY is required to seed")
	}
	signer, err := identity.ParsePrivateKey(cfg.AdminKey)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_KEY: %w", err)
	}
	return &auth.Session{Address: signer.Address(), Role: auth.RoleAdmin, Signer: signer}, nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the audit trail as text, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if out, _ := cmd.Flags().GetString("out"); out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return a.audit.Export(ctx, w)
		},
	}
	exportCmd.Flags().String("out", "", "Output file (default stdout)")
	cmd.AddCommand(exportCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the ledger hash chain and print the audit root",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.audit.Verify(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocks:  %d\nentries: %d\nroot:    %s\n", res.Blocks, res.Entries, res.Root)
			if !res.Valid {
				return fmt.Errorf("ledger is not intact: %s", res.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger intact")
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token utilities for AUTH_MODE=jwt",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token bound to an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSigningKey == "" {
				return fmt.Errorf("JWT_SIGNING_KEY is required")
			}
			address, _ := cmd.Flags().GetString("address")
			if err := identity.ValidateAddress(address); err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")

			now := time.Now()
			token, err := auth.IssueToken(jwtConfig(cfg), identity.NormalizeAddress(address), jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("address", "", "Ledger address the token is bound to")
	issueCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = issueCmd.MarkFlagRequired("address")
	cmd.AddCommand(issueCmd)

	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.JWTSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}
