package domain

import "time"

// ReconciliationKind причина, по которой складу может потребоваться ручная или фоновая сверка.
type ReconciliationKind string

const (
	// ReconcilePlacementPersistFailed остатки списаны, но запись заказа не подтверждена.
	ReconcilePlacementPersistFailed ReconciliationKind = "placement_persist_failed"
	// ReconcileReleaseFailed заказ отменён, но возврат остатков не завершён.
	ReconcileReleaseFailed ReconciliationKind = "release_failed"
	// ReconcileRollbackFailed откат резервов неудавшегося оформления не завершён.
	ReconcileRollbackFailed ReconciliationKind = "rollback_failed"
)

// ReconciliationTask описывает расхождение между складом и заказами.
type ReconciliationTask struct {
	ID        string             `json:"id"`
	Kind      ReconciliationKind `json:"kind"`
	OrderID   string             `json:"order_id,omitempty"`
	UserID    string             `json:"user_id,omitempty"`
	Lines     []ReservationLine  `json:"lines"`
	Reason    string             `json:"reason,omitempty"`
	Attempt   int                `json:"attempt"`
	CreatedAt time.Time          `json:"created_at"`
}
