// Команда migrate управляет схемой хранилища витрины.
// PostgreSQL поддерживает up, down и status; sqlite применяет встроенные миграции при открытии.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/storage/sqlite"
)

const (
	defaultTimeout = 30 * time.Second

	envPostgresDSN = "STOREFRONT_POSTGRES_DSN"
	envSQLitePath  = "STOREFRONT_SQLITE_PATH"
)

type options struct {
	driver    string
	direction string
	steps     int
	dsn       string
	path      string
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.driver, "driver", "postgres", "storage driver: postgres|sqlite")
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	fs.StringVar(&opts.path, "path", "", "SQLite file (fallback: "+envSQLitePath+")")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.driver = strings.ToLower(strings.TrimSpace(opts.driver))
	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	if strings.TrimSpace(opts.dsn) == "" {
		opts.dsn = strings.TrimSpace(getenv(envPostgresDSN))
	}
	if strings.TrimSpace(opts.path) == "" {
		opts.path = strings.TrimSpace(getenv(envSQLitePath))
	}
	if opts.steps < 0 {
		return options{}, errors.New("steps must be >= 0")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	switch opts.driver {
	case "postgres":
		return runPostgres(ctx, opts, out)
	case "sqlite":
		return runSQLite(ctx, opts, out)
	default:
		return fmt.Errorf("unsupported driver: %s (use postgres|sqlite)", opts.driver)
	}
}

func runPostgres(ctx context.Context, opts options, out io.Writer) error {
	switch opts.direction {
	case "up", "down", "status":
	default:
		return fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}
	if opts.dsn == "" {
		return fmt.Errorf("%s (or -dsn) is required", envPostgresDSN)
	}

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		steps := opts.steps
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	}

	version, dirty, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(out, "migrate %s ok: version=%d dirty=%t\n", opts.direction, version, dirty)
	return err
}

func runSQLite(ctx context.Context, opts options, out io.Writer) error {
	switch opts.direction {
	case "up", "status":
	default:
		return fmt.Errorf("sqlite supports only up|status, got %s", opts.direction)
	}
	if opts.path == "" {
		return fmt.Errorf("%s (or -path) is required", envSQLitePath)
	}

	store, err := sqlite.Open(ctx, opts.path)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer store.Close()

	version, err := sqlite.SchemaVersion(ctx, store.DB())
	if err != nil {
		return fmt.Errorf("schema version failed: %w", err)
	}
	_, err = fmt.Fprintf(out, "migrate %s ok: schema=%s\n", opts.direction, version)
	return err
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fail("invalid arguments: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
