package domain

import (
	"fmt"
	"strings"
	"time"
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что запрос завершён успешно и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// DefaultIdempotencyTTL срок жизни ключа, если вызывающий его не задал.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord хранит состояние обработки запроса с idempotency-key.
// ResponseBody для оформления заказа содержит id созданного заказа или описание ошибки.
//
// Переходы: processing -> done | failed, failed -> done | failed (повтор после
// временной ошибки). Запись в done больше не меняется до истечения TTL.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// NewProcessingRecord готовит запись для CreateProcessing. Пустой ttlAt заменяется
// на now+DefaultIdempotencyTTL; все времена приводятся к UTC.
func NewProcessingRecord(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}

	now = now.UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Expired сообщает, что ключ можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// ConflictWith объясняет, почему живую запись нельзя занять запросом с данным hash.
func (r IdempotencyRecord) ConflictWith(requestHash string) error {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// Complete фиксирует исход обработки запроса.
func (r *IdempotencyRecord) Complete(status IdempotencyStatus, responseBody []byte, httpStatus int, now time.Time) error {
	if status != IdempotencyStatusDone && status != IdempotencyStatusFailed {
		return fmt.Errorf("%w: %q", ErrIdempotencyStatusInvalid, status)
	}
	if r.Status == IdempotencyStatusDone {
		return fmt.Errorf("%w: %s", ErrIdempotencyKeyCompleted, r.Key)
	}

	r.Status = status
	r.ResponseBody = append([]byte(nil), responseBody...)
	r.HTTPStatus = httpStatus
	r.UpdatedAt = now.UTC()
	return nil
}

// ScopedIdempotencyKey ограничивает клиентский ключ операцией и пользователем,
// чтобы разные покупатели не конфликтовали одинаковыми ключами.
func ScopedIdempotencyKey(operation, userID, key string) string {
	return operation + ":" + strings.TrimSpace(userID) + ":" + strings.TrimSpace(key)
}
