package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// IdempotencyRepository ключи оформления заказов в памяти процесса.
// Истёкший ключ считается свободным ещё до того, как его удалит очистка.
type IdempotencyRepository struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		records: make(map[string]domain.IdempotencyRecord),
		now:     time.Now,
	}
}

func (r *IdempotencyRepository) CreateProcessing(_ context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	now := r.now()
	record, err := domain.NewProcessingRecord(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.records[record.Key]; ok && !held.Expired(now) {
		return copyRecord(held), held.ConflictWith(record.RequestHash)
	}
	r.records[record.Key] = copyRecord(record)
	return record, nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	var found domain.IdempotencyRecord
	err := r.with(key, func(record *domain.IdempotencyRecord) error {
		found = copyRecord(*record)
		return nil
	})
	return found, err
}

func (r *IdempotencyRepository) MarkDone(_ context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.with(key, func(record *domain.IdempotencyRecord) error {
		return record.Complete(domain.IdempotencyStatusDone, responseBody, httpStatus, r.now())
	})
}

func (r *IdempotencyRepository) MarkFailed(_ context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.with(key, func(record *domain.IdempotencyRecord) error {
		return record.Complete(domain.IdempotencyStatusFailed, responseBody, httpStatus, r.now())
	})
}

// DeleteExpired удаляет до limit ключей, истёкших к моменту before, самые старые первыми.
// limit <= 0 снимает ограничение.
func (r *IdempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.IdempotencyRecord
	for _, record := range r.records {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	slices.SortFunc(expired, func(a, b domain.IdempotencyRecord) int { return a.TTLAt.Compare(b.TTLAt) })
	if limit > 0 {
		expired = expired[:min(limit, len(expired))]
	}
	for _, record := range expired {
		delete(r.records, record.Key)
	}
	return len(expired), nil
}

// with находит запись под блокировкой и сохраняет её, если fn не вернула ошибку.
func (r *IdempotencyRepository) with(key string, fn func(*domain.IdempotencyRecord) error) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	if err := fn(&record); err != nil {
		return err
	}
	r.records[key] = record
	return nil
}

func copyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = slices.Clone(src.ResponseBody)
	return dst
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
