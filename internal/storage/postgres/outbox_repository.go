package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultOutboxBatch = 100
	// outboxLease время, на которое PullPending закрепляет сообщения за вызывающим воркером.
	outboxLease = 30 * time.Second
)

// outboxRepository хранит события заказов до публикации в Kafka.
// Несколько реплик витрины могут читать одну таблицу: строки забираются через
// FOR UPDATE SKIP LOCKED и закрепляются арендой до MarkSent/MarkFailed.
type outboxRepository struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB(), lease: outboxLease, now: time.Now}
}

// Enqueue идемпотентен по ID: повторная вставка с тем же ID игнорируется.
func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := r.now().UTC()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,0,$7,$7)
		ON CONFLICT (id) DO NOTHING
	`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, domain.OutboxStatusPending, now,
	); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for %s: %w", msg.EventType, msg.AggregateID, err)
	}
	return msg, nil
}

// PullPending забирает до limit самых старых pending-сообщений, не закреплённых другим воркером.
func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := r.now().UTC()
	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id
			FROM outbox_messages
			WHERE status = $1
			  AND (locked_until IS NULL OR locked_until < $2)
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages AS m
		SET locked_until = $4
		FROM claimed
		WHERE m.id = claimed.id
		RETURNING m.id, m.aggregate_type, m.aggregate_id, m.event_type, m.payload, m.created_at
	`, domain.OutboxStatusPending, now, limit, now.Add(r.lease))
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox messages: %w", err)
	}
	defer rows.Close()

	claimed, err := collectRows(rows, scanClaimedOutbox)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox messages: %w", err)
	}
	sortClaimed(claimed)

	result := make([]domain.OutboxMessage, len(claimed))
	for i, c := range claimed {
		result[i] = c.msg
	}
	return result, nil
}

type claimedOutbox struct {
	msg       domain.OutboxMessage
	createdAt time.Time
}

func scanClaimedOutbox(row rowScanner) (claimedOutbox, error) {
	var c claimedOutbox
	err := row.Scan(&c.msg.ID, &c.msg.AggregateType, &c.msg.AggregateID, &c.msg.EventType, &c.msg.Payload, &c.createdAt)
	return c, err
}

// sortClaimed восстанавливает порядок создания: RETURNING его не гарантирует.
func sortClaimed(claimed []claimedOutbox) {
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].createdAt.Equal(claimed[j].createdAt) {
			return claimed[i].msg.ID < claimed[j].msg.ID
		}
		return claimed[i].createdAt.Before(claimed[j].createdAt)
	})
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM outbox_messages
		WHERE status = $1
	`, domain.OutboxStatusPending).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.finish(ctx, id, domain.OutboxStatusSent)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.finish(ctx, id, domain.OutboxStatusFailed)
}

// finish фиксирует итог публикации и снимает аренду.
func (r *outboxRepository) finish(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2,
		    attempt_count = attempt_count + 1,
		    locked_until = NULL,
		    updated_at = $3
		WHERE id = $1
	`, id, status, r.now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox %s as %s: %w", id, status, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox %s as %s: %w", id, status, err)
	}
	if affected == 0 {
		return fmt.Errorf("outbox message %s: %w", id, domain.ErrOutboxPublish)
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
