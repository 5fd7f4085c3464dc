package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultOutboxLease совпадает с арендой postgres-реализации.
const DefaultOutboxLease = 30 * time.Second

type outboxEntry struct {
	msg         domain.OutboxMessage
	seq         uint64
	status      string
	attempts    int
	enqueuedAt  time.Time
	leasedUntil time.Time
}

// OutboxRepository transactional outbox в памяти процесса. PullPending сдаёт
// сообщения в аренду, так что параллельные relay получают разные пачки.
type OutboxRepository struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]*outboxEntry
	lease   time.Duration
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		entries: make(map[string]*outboxEntry),
		lease:   DefaultOutboxLease,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue сохраняет событие в статусе pending. Повтор с тем же ID возвращает уже сохранённое.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.entries[msg.ID]; ok {
		return held.msg, nil
	}
	r.seq++
	r.entries[msg.ID] = &outboxEntry{
		msg:        msg,
		seq:        r.seq,
		status:     domain.OutboxStatusPending,
		enqueuedAt: r.now(),
	}
	return msg, nil
}

// PullPending берёт до limit самых старых pending-сообщений без действующей аренды.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	free := r.pendingLocked(func(e *outboxEntry) bool { return !e.leasedUntil.After(now) })
	free = free[:min(limit, len(free))]

	batch := make([]domain.OutboxMessage, 0, len(free))
	for _, e := range free {
		e.leasedUntil = now.Add(r.lease)
		batch = append(batch, e.msg)
	}
	return batch, nil
}

// Stats считает backlog вместе с арендованными сообщениями.
func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.pendingLocked(nil)
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].enqueuedAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.finish(id, domain.OutboxStatusSent)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.finish(id, domain.OutboxStatusFailed)
}

// AllPending копия pending-сообщений в порядке постановки, аренда не учитывается.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.pendingLocked(nil)
	out := make([]domain.OutboxMessage, 0, len(pending))
	for _, e := range pending {
		out = append(out, e.msg)
	}
	return out
}

func (r *OutboxRepository) finish(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: outbox record %s not found", domain.ErrOutboxPublish, id)
	}
	e.status = status
	e.attempts++
	e.leasedUntil = time.Time{}
	return nil
}

// pendingLocked pending-записи по порядку постановки; keep nil означает все.
func (r *OutboxRepository) pendingLocked(keep func(*outboxEntry) bool) []*outboxEntry {
	var out []*outboxEntry
	for _, e := range r.entries {
		if e.status == domain.OutboxStatusPending && (keep == nil || keep(e)) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *outboxEntry) int { return int(a.seq) - int(b.seq) })
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
