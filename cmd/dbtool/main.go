package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/leavehub/backend/internal/config"
	"github.com/PortNumber53/leavehub/backend/internal/logging"
	"github.com/PortNumber53/leavehub/backend/internal/migrations"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	logger := logging.New(logging.Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: "console",
	})

	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "dbtool",
		Short:        "Manage the seat billing database schema",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(logger)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runUp(logger)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(func(db *sql.DB) error {
					st, err := migrations.Version(db)
					if err != nil {
						return err
					}
					if st.Fresh {
						fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", st.Version, st.Dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "fix",
			Short: "Clear a dirty migration state so the failed migration can run again",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(func(db *sql.DB) error {
					return migrations.FixDirtyDatabase(db, logger)
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the recorded schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version number: %s", args[0])
				}
				return withDB(func(db *sql.DB) error {
					if err := migrations.ForceVersion(db, uint(v)); err != nil {
						return err
					}
					logger.Info().Uint64("version", v).Msg("database version forced")
					return nil
				})
			},
		},
	)

	return root
}

func runUp(logger zerolog.Logger) error {
	return withDB(func(db *sql.DB) error {
		return migrations.Up(db, logger)
	})
}

func withDB(fn func(db *sql.DB) error) error {
	dsn, err := config.DatabaseURL()
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	return fn(db)
}
