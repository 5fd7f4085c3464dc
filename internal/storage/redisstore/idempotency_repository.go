package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultKeyPrefix = "storefront:idempotency:"
	defaultRetention = 24 * time.Hour
)

// createProcessingScript атомарно создаёт запись или возвращает живую существующую.
// Запись с истёкшим TTLAt перезаписывается. nil в ответе означает, что ключ создан.
var createProcessingScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local record = cjson.decode(existing)
  if tonumber(record.ttl_at_ms) > tonumber(ARGV[2]) then
    return existing
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PXAT', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], KEYS[1])
return false
`)

// record представление IdempotencyRecord в Redis.
type record struct {
	Key          string `json:"key"`
	RequestHash  string `json:"request_hash"`
	ResponseBody []byte `json:"response_body,omitempty"`
	HTTPStatus   int    `json:"http_status"`
	Status       string `json:"status"`
	TTLAtMs      int64  `json:"ttl_at_ms"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

func newRecord(src domain.IdempotencyRecord) record {
	return record{
		Key:          src.Key,
		RequestHash:  src.RequestHash,
		ResponseBody: src.ResponseBody,
		HTTPStatus:   src.HTTPStatus,
		Status:       string(src.Status),
		TTLAtMs:      src.TTLAt.UnixMilli(),
		CreatedAtMs:  src.CreatedAt.UnixMilli(),
		UpdatedAtMs:  src.UpdatedAt.UnixMilli(),
	}
}

func (r record) domain() domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          r.Key,
		RequestHash:  r.RequestHash,
		ResponseBody: append([]byte(nil), r.ResponseBody...),
		HTTPStatus:   r.HTTPStatus,
		Status:       domain.IdempotencyStatus(r.Status),
		TTLAt:        time.UnixMilli(r.TTLAtMs).UTC(),
		CreatedAt:    time.UnixMilli(r.CreatedAtMs).UTC(),
		UpdatedAt:    time.UnixMilli(r.UpdatedAtMs).UTC(),
	}
}

// Option настраивает IdempotencyRepository.
type Option func(*IdempotencyRepository)

// WithKeyPrefix задаёт префикс ключей (например, для изоляции тестов).
func WithKeyPrefix(prefix string) Option {
	return func(r *IdempotencyRepository) {
		if strings.TrimSpace(prefix) != "" {
			r.prefix = prefix
		}
	}
}

// WithRetention задаёт, сколько Redis хранит запись после TTLAt, если cleanup worker не успел её удалить.
func WithRetention(retention time.Duration) Option {
	return func(r *IdempotencyRepository) {
		if retention > 0 {
			r.retention = retention
		}
	}
}

// IdempotencyRepository хранит ключи идемпотентности в Redis.
// Ключи переживают рестарт сервиса и разделяются между репликами.
type IdempotencyRepository struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewIdempotencyRepository создаёт Redis-реализацию IdempotencyRepository.
func NewIdempotencyRepository(client redis.UniversalClient, opts ...Option) *IdempotencyRepository {
	repo := &IdempotencyRepository{
		client:    client,
		prefix:    defaultKeyPrefix,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

func (r *IdempotencyRepository) recordKey(key string) string {
	return r.prefix + key
}

func (r *IdempotencyRepository) expiryIndexKey() string {
	return r.prefix + "ttl-index"
}

func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	now := time.Now().UTC()
	created, err := domain.NewProcessingRecord(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	ttlAt = created.TTLAt
	payload, err := json.Marshal(newRecord(created))
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("marshal idempotency record: %w", err)
	}

	expireAt := ttlAt.Add(r.retention)
	if !expireAt.After(now) {
		expireAt = now.Add(r.retention)
	}

	raw, err := createProcessingScript.Run(ctx, r.client,
		[]string{r.recordKey(created.Key), r.expiryIndexKey()},
		string(payload),
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(ttlAt.UnixMilli(), 10),
		strconv.FormatInt(expireAt.UnixMilli(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return created, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}

	existing, err := decodeRecord(raw)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return existing, existing.ConflictWith(created.RequestHash)
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	raw, err := r.client.Get(ctx, r.recordKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return decodeRecord(raw)
}

func (r *IdempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// DeleteExpired удаляет записи, у которых TTLAt не позже before, по индексу истечения.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	keys, err := r.client.ZRangeByScore(ctx, r.expiryIndexKey(), rangeBy).Result()
	if err != nil {
		return 0, fmt.Errorf("scan idempotency expiry index: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	members := make([]any, 0, len(keys))
	for _, key := range keys {
		members = append(members, key)
	}

	var deleted *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, r.expiryIndexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}

	return int(deleted.Val()), nil
}

func (r *IdempotencyRepository) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	redisKey := r.recordKey(key)
	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrIdempotencyKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("get idempotency record: %w", err)
		}

		current, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if err := current.Complete(status, responseBody, httpStatus, time.Now()); err != nil {
			return err
		}

		payload, err := json.Marshal(newRecord(current))
		if err != nil {
			return fmt.Errorf("marshal idempotency record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, redisKey, payload, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return fmt.Errorf("update idempotency record: %w", err)
		}
		return nil
	}, redisKey)
}

func decodeRecord(raw string) (domain.IdempotencyRecord, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec.domain(), nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
