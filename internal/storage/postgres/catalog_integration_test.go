package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func seedPostgresProduct(t *testing.T, catalog *Catalog, id string, inv domain.Inventory) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, catalog.CreateProduct(context.Background(), domain.Product{
		ID: id, Name: "Product " + id, Slug: domain.Slugify("product " + id), PriceMinor: 1000,
		Active: true, Inventory: inv, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestCatalog_PostgresReserveRelease(t *testing.T) {
	store := migratedStore(t)
	catalog := NewCatalog(store)
	ctx := context.Background()

	seedPostgresProduct(t, catalog, "tracked", domain.Inventory{Quantity: 3, TrackQuantity: true})
	seedPostgresProduct(t, catalog, "untracked", domain.Inventory{Quantity: 0})
	seedPostgresProduct(t, catalog, "backorder", domain.Inventory{Quantity: 1, TrackQuantity: true, AllowBackorder: true})

	err := catalog.Reserve(ctx, "tracked", 10)
	stockErr, ok := domain.AsInsufficientStock(err)
	require.True(t, ok, "expected InsufficientStockError, got %v", err)
	require.Equal(t, int64(3), stockErr.Available)
	require.Equal(t, int64(10), stockErr.Requested)

	require.NoError(t, catalog.Reserve(ctx, "tracked", 2))
	require.NoError(t, catalog.Release(ctx, "tracked", 2))
	require.NoError(t, catalog.Reserve(ctx, "untracked", 50))
	require.NoError(t, catalog.Reserve(ctx, "backorder", 3))

	product, err := catalog.GetProduct(ctx, "tracked")
	require.NoError(t, err)
	require.Equal(t, int64(3), product.Inventory.Quantity)

	product, err = catalog.GetProduct(ctx, "untracked")
	require.NoError(t, err)
	require.Equal(t, int64(0), product.Inventory.Quantity)

	product, err = catalog.GetProduct(ctx, "backorder")
	require.NoError(t, err)
	require.Equal(t, int64(-2), product.Inventory.Quantity)

	if err := catalog.Reserve(ctx, "missing", 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestCatalog_PostgresConcurrentReserve(t *testing.T) {
	store := migratedStore(t)
	catalog := NewCatalog(store)
	seedPostgresProduct(t, catalog, "hot", domain.Inventory{Quantity: 20, TrackQuantity: true})

	var (
		wg      sync.WaitGroup
		success atomic.Int64
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := catalog.Reserve(context.Background(), "hot", 1); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(20), success.Load())
	product, err := catalog.GetProduct(context.Background(), "hot")
	require.NoError(t, err)
	require.Equal(t, int64(0), product.Inventory.Quantity)
}

func TestCatalog_PostgresAdjustAndSlug(t *testing.T) {
	store := migratedStore(t)
	catalog := NewCatalog(store)
	ctx := context.Background()
	seedPostgresProduct(t, catalog, "A", domain.Inventory{Quantity: 2, TrackQuantity: true})

	next, err := catalog.Adjust(ctx, "A", 5)
	require.NoError(t, err)
	require.Equal(t, int64(7), next)

	_, err = catalog.Adjust(ctx, "A", -10)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	exists, err := catalog.SlugExists(ctx, "product-a")
	require.NoError(t, err)
	require.True(t, exists)

	err = catalog.CreateProduct(ctx, domain.Product{ID: "B", Name: "dup", Slug: "product-a", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.ErrorIs(t, err, domain.ErrProductAlreadyExists)
}
