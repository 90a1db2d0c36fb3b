package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

// versioner is the part of *migrate.Migrate used to inspect and reset the
// recorded schema version.
type versioner interface {
	Version() (uint, bool, error)
	Force(version int) error
}

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

// Status describes the schema version recorded in the database.
type Status struct {
	Version uint
	Dirty   bool
	// Fresh is true when no migration has ever been applied.
	Fresh bool
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB, logger zerolog.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	current, err := version(m)
	if err != nil {
		logger.Warn().Err(err).Msg("migrations: unable to determine current version")
	} else if current.Fresh {
		logger.Info().Msg("migrations: no existing migration version (fresh database)")
	} else {
		logger.Info().Uint("version", current.Version).Bool("dirty", current.Dirty).Msg("migrations: current database schema version")
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Uint("version", current.Version).Msg("migrations: database is up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		logger.Info().Uint("version", v).Msg("migrations: applied migrations")
	} else {
		logger.Warn().Err(err).Msg("migrations: applied migrations but failed to read new version")
	}

	return nil
}

// Version reports the current schema version without changing anything.
func Version(db *sql.DB) (Status, error) {
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	return version(m)
}

// FixDirtyDatabase rolls the recorded version back to the last migration
// that completed, so the failed one runs again on the next Up. It does
// nothing when the database is clean.
func FixDirtyDatabase(db *sql.DB, logger zerolog.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	return fixDirty(m, logger)
}

func fixDirty(m versioner, logger zerolog.Logger) error {
	st, err := version(m)
	if err != nil {
		return err
	}
	if !st.Dirty {
		logger.Info().Uint("version", st.Version).Msg("migrations: database is not dirty")
		return nil
	}

	target := int(st.Version) - 1
	if target < 1 {
		target = database.NilVersion
	}
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", target, err)
	}
	logger.Warn().Uint("dirty_version", st.Version).Int("forced_version", target).Msg("migrations: cleared dirty flag")
	return nil
}

// ForceVersion sets the recorded version and clears the dirty flag without
// running any migration.
func ForceVersion(db *sql.DB, v uint) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(v)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", v, err)
	}
	return nil
}

// IsDirty reports whether err came from migrating a dirty database.
func IsDirty(err error) bool {
	var dirty migrate.ErrDirty
	return errors.As(err, &dirty)
}

func version(m versioner) (Status, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Fresh: true}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("migrations: read version: %w", err)
	}
	return Status{Version: v, Dirty: dirty}, nil
}
