package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

const checkoutKey = "place-order:user-1:cart-42"

func TestIdempotencyRepository_CheckoutLifecycle(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(ctx, " "+checkoutKey+" ", "hash-cart", ttl)
	if err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if created.Key != checkoutKey || created.Status != domain.IdempotencyStatusProcessing || !created.TTLAt.Equal(ttl) {
		t.Fatalf("unexpected record: %+v", created)
	}

	// Второй запрос с той же корзиной видит, что оформление ещё идёт.
	inflight, err := repo.CreateProcessing(ctx, checkoutKey, "hash-cart", ttl)
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) || inflight.Status != domain.IdempotencyStatusProcessing {
		t.Fatalf("expected in-flight conflict, got %+v, %v", inflight, err)
	}
	if _, err := repo.CreateProcessing(ctx, checkoutKey, "hash-other-cart", ttl); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected ErrIdempotencyHashMismatch, got %v", err)
	}

	// Временная ошибка склада, затем успешный повтор.
	if err := repo.MarkFailed(ctx, checkoutKey, []byte(`{"kind":"inventory_temporary"}`), 500); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := repo.MarkDone(ctx, checkoutKey, []byte(`{"order_id":"o-1"}`), 201); err != nil {
		t.Fatalf("MarkDone after failure: %v", err)
	}

	if err := repo.MarkFailed(ctx, checkoutKey, []byte(`{"kind":"internal"}`), 500); !errors.Is(err, domain.ErrIdempotencyKeyCompleted) {
		t.Fatalf("done key must not be overwritten, got %v", err)
	}
	got, err := repo.Get(ctx, checkoutKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.IdempotencyStatusDone || got.HTTPStatus != 201 || string(got.ResponseBody) != `{"order_id":"o-1"}` {
		t.Fatalf("unexpected final record: %+v", got)
	}

	got.ResponseBody[0] = 'X'
	again, _ := repo.Get(ctx, checkoutKey)
	if again.ResponseBody[0] != '{' {
		t.Fatal("Get must return a copy of the response body")
	}
}

func TestIdempotencyRepository_Validation(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{name: "create without key", call: func() error {
			_, err := repo.CreateProcessing(ctx, " ", "h", time.Time{})
			return err
		}, want: domain.ErrIdempotencyKeyRequired},
		{name: "create without hash", call: func() error {
			_, err := repo.CreateProcessing(ctx, "k", "", time.Time{})
			return err
		}, want: domain.ErrIdempotencyRequestHashRequired},
		{name: "get without key", call: func() error {
			_, err := repo.Get(ctx, "")
			return err
		}, want: domain.ErrIdempotencyKeyRequired},
		{name: "get missing", call: func() error {
			_, err := repo.Get(ctx, "missing")
			return err
		}, want: domain.ErrIdempotencyKeyNotFound},
		{name: "mark missing", call: func() error {
			return repo.MarkDone(ctx, "missing", nil, 201)
		}, want: domain.ErrIdempotencyKeyNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		key := fmt.Sprintf("expired-%d", i)
		if _, err := repo.CreateProcessing(ctx, key, "h", now.Add(-time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
	}
	if _, err := repo.CreateProcessing(ctx, "alive", "h", now.Add(time.Hour)); err != nil {
		t.Fatalf("create alive: %v", err)
	}

	removed, err := repo.DeleteExpired(ctx, now, 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d (%v)", removed, err)
	}
	if _, err := repo.Get(ctx, "expired-1"); err != nil {
		t.Fatalf("the most recently expired key must survive a limited sweep: %v", err)
	}
	for _, key := range []string{"expired-2", "expired-3"} {
		if _, err := repo.Get(ctx, key); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			t.Fatalf("%s must be removed first, got %v", key, err)
		}
	}

	removed, err = repo.DeleteExpired(ctx, time.Time{}, 0)
	if err != nil || removed != 1 {
		t.Fatalf("expected the last expired key removed, got %d (%v)", removed, err)
	}
	if _, err := repo.Get(ctx, "alive"); err != nil {
		t.Fatalf("alive key must stay: %v", err)
	}
}

func TestIdempotencyRepository_ExpiredKeyIsReclaimed(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()

	if _, err := repo.CreateProcessing(ctx, checkoutKey, "hash-old", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if err := repo.MarkDone(ctx, checkoutKey, []byte(`{"order_id":"o-old"}`), 201); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	record, err := repo.CreateProcessing(ctx, checkoutKey, "hash-new", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("expected expired key to be reclaimed, got %v", err)
	}
	if record.RequestHash != "hash-new" || record.Status != domain.IdempotencyStatusProcessing || record.ResponseBody != nil {
		t.Fatalf("unexpected record: %+v", record)
	}
}
