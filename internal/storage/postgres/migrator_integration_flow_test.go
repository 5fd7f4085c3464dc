package postgres

import (
	"context"
	"testing"
	"time"
)

func TestMigrator_StepThroughSchema(t *testing.T) {
	store := rawStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type step struct {
		name string
		run  func() error
		want uint
	}
	up := func(n int) func() error { return func() error { return store.MigrateUp(ctx, n) } }
	down := func(n int) func() error { return func() error { return store.MigrateDown(ctx, n) } }

	steps := []step{
		{name: "reset to empty schema", run: down(100), want: 0},
		{name: "down on empty schema is a no-op", run: down(1), want: 0},
		{name: "one step up", run: up(1), want: 1},
		{name: "rest of the way up", run: up(0), want: 2},
		{name: "up again changes nothing", run: up(0), want: 2},
		{name: "one step down", run: down(1), want: 1},
		{name: "non-positive down means one step", run: down(0), want: 0},
		{name: "back to latest", run: up(0), want: 2},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		version, dirty, err := store.MigrationStatus(ctx)
		if err != nil {
			t.Fatalf("%s: status: %v", s.name, err)
		}
		if dirty || version != s.want {
			t.Fatalf("%s: got version=%d dirty=%v, want version=%d", s.name, version, dirty, s.want)
		}
	}
}

func TestMigrator_NilStore(t *testing.T) {
	var store *Store
	ctx := context.Background()

	for name, err := range map[string]error{
		"up":   store.MigrateUp(ctx, 0),
		"down": store.MigrateDown(ctx, 1),
	} {
		if err == nil {
			t.Errorf("%s on nil store must fail", name)
		}
	}
	if _, _, err := store.MigrationStatus(ctx); err == nil {
		t.Error("status on nil store must fail")
	}
}
