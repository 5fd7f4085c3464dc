package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestDeadLetter_MessageRoundTrip(t *testing.T) {
	failedAt := time.Date(2026, 4, 2, 8, 0, 0, 0, time.FixedZone("MSK", 3*60*60))
	original := placedEvent("evt-9")

	msg, err := NewDeadLetter(original, 5, errors.New("leader not available"), failedAt).Message()
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if msg.ID != original.ID || msg.EventType != original.EventType || msg.AggregateID != original.AggregateID {
		t.Fatalf("dead letter must keep routing fields: %+v", msg)
	}

	letter, err := DecodeDeadLetter(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeDeadLetter failed: %v", err)
	}
	if letter.Attempts != 5 || letter.PublishError != "leader not available" {
		t.Fatalf("unexpected letter: %+v", letter)
	}
	if letter.FailedAt.Location() != time.UTC || !letter.FailedAt.Equal(failedAt) {
		t.Fatalf("failed_at must be stored in UTC, got %s", letter.FailedAt)
	}
	if got := letter.Original(); string(got.Payload) != string(original.Payload) {
		t.Fatalf("original payload lost: %s", got.Payload)
	}
}

func TestDecodeDeadLetter_Rejects(t *testing.T) {
	empty, err := NewDeadLetter(domain.OutboxMessage{ID: "x", EventType: domain.EventOrderPlaced}, 1, nil, time.Now()).Message()
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	for name, payload := range map[string][]byte{
		"not json":       []byte("<html>"),
		"no payload":     []byte(`{"outbox_id":"x"}`),
		"null payload":   empty.Payload,
		"string payload": []byte(`"text"`),
	} {
		if _, err := DecodeDeadLetter(payload); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
