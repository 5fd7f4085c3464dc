package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	migrationsDir         = "sql/migrations"
	migrationLockTimeout  = 15 * time.Second
	migrationsTable       = "schema_migrations"
	migrationSourceName   = "iofs"
	migrationDatabaseName = "pgx5"
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// MigrateUp применяет up-миграции.
// steps=0 означает "применить все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrator(ctx, func(m *migrate.Migrate) error {
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	})
}

// MigrateDown откатывает миграции.
// steps<=0 интерпретируется как 1 шаг для безопасного поведения.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrator(ctx, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

// MigrationStatus возвращает текущую версию схемы и признак незавершённой миграции.
func (s *Store) MigrationStatus(ctx context.Context) (version uint, dirty bool, err error) {
	err = s.withMigrator(ctx, func(m *migrate.Migrate) error {
		v, d, vErr := m.Version()
		if errors.Is(vErr, migrate.ErrNilVersion) {
			return nil
		}
		version, dirty = v, d
		return vErr
	})
	return version, dirty, err
}

// withMigrator открывает отдельное подключение: migrate закрывает переданную БД в Close.
func (s *Store) withMigrator(ctx context.Context, fn func(m *migrate.Migrate) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := newMigrator(s.dsn)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if err := fn(m); err != nil && !isNoopMigration(err) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := newMigrationSource()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance(migrationSourceName, src, migrationDatabaseName, driver)
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	m.LockTimeout = migrationLockTimeout

	return m, nil
}

func newMigrationSource() (source.Driver, error) {
	src, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	return src, nil
}

func isNoopMigration(err error) bool {
	if errors.Is(err, migrate.ErrNoChange) {
		return true
	}
	var short migrate.ErrShortLimit
	return errors.As(err, &short)
}
