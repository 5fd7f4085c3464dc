package ordering

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OrderLifecycleTestSuite проверяет жизненный цикл заказа после оформления.
type OrderLifecycleTestSuite struct {
	suite.Suite
	f     *fixture
	ctx   context.Context
	owner Actor
	admin Actor
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	s.f = newFixture(s.T(), fixtureOptions{})
	s.f.seed(s.T(), "A", 3000, 5)
	s.ctx = context.Background()
	s.owner = Actor{UserID: "user-1"}
	s.admin = Actor{UserID: "admin-1", Admin: true}
}

func (s *OrderLifecycleTestSuite) place(quantity int64) domain.Order {
	result, err := s.f.svc.Place(s.ctx, command(s.owner.UserID, LineRequest{ProductID: "A", Quantity: quantity}))
	s.Require().NoError(err)
	return result.Order
}

func (s *OrderLifecycleTestSuite) advance(orderID string, statuses ...domain.OrderStatus) domain.Order {
	var order domain.Order
	for _, status := range statuses {
		var err error
		order, err = s.f.svc.UpdateStatus(s.ctx, orderID, domain.StatusChange{Status: status})
		s.Require().NoError(err, "transition to %s", status)
	}
	return order
}

func (s *OrderLifecycleTestSuite) eventTypes(orderID string) []string {
	details, err := s.f.svc.Get(s.ctx, s.admin, orderID)
	s.Require().NoError(err)
	types := make([]string, 0, len(details.Timeline))
	for _, event := range details.Timeline {
		types = append(types, event.Type)
	}
	return types
}

func (s *OrderLifecycleTestSuite) TestSuccessfulLifecycle() {
	order := s.place(2)

	delivered := s.advance(order.ID,
		domain.OrderStatusConfirmed,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	)
	s.Equal(domain.OrderStatusDelivered, delivered.Status)
	s.NotNil(delivered.DeliveredAt)
	s.Equal(int64(7480), delivered.TotalMinor)
	s.Equal(int64(3), s.f.stock(s.T(), "A"), "delivery must not touch stock")

	refunded := s.advance(order.ID, domain.OrderStatusRefunded)
	s.Equal(domain.PaymentStatusRefunded, refunded.PaymentStatus)
	s.Equal(int64(3), s.f.stock(s.T(), "A"), "refund after delivery does not restock")

	types := s.eventTypes(order.ID)
	s.Equal(domain.EventOrderPlaced, types[0])
	s.Contains(types, domain.EventOrderRefunded)

	stored, err := s.f.orders.Get(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(int64(5), stored.Version)
}

func (s *OrderLifecycleTestSuite) TestCancelRestoresStockExactlyOnce() {
	order := s.place(2)
	s.Equal(int64(3), s.f.stock(s.T(), "A"))

	cancelled, err := s.f.svc.Cancel(s.ctx, s.owner, order.ID, "changed my mind")
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)
	s.True(cancelled.InventoryReleased)
	s.NotNil(cancelled.CancelledAt)
	s.Equal(int64(5), s.f.stock(s.T(), "A"))

	_, err = s.f.svc.Cancel(s.ctx, s.owner, order.ID, "again")
	requireKind(s.T(), err, domain.KindInvalidTransition)
	s.Equal(int64(5), s.f.stock(s.T(), "A"))

	_, err = s.f.svc.UpdateStatus(s.ctx, order.ID, domain.StatusChange{Status: domain.OrderStatusRefunded})
	s.Require().NoError(err)
	s.Equal(int64(5), s.f.stock(s.T(), "A"), "refund of a cancelled order must not release twice")

	details, err := s.f.svc.Get(s.ctx, s.owner, order.ID)
	s.Require().NoError(err)
	var reasons []string
	for _, event := range details.Timeline {
		if event.Type == domain.EventOrderCancelled {
			reasons = append(reasons, event.Reason)
		}
	}
	s.Equal([]string{"changed my mind"}, reasons)
	s.Contains(s.eventTypes(order.ID), domain.EventInventoryReleased)
}

func (s *OrderLifecycleTestSuite) TestCancelConfirmedOrderByAdmin() {
	order := s.place(1)
	s.advance(order.ID, domain.OrderStatusConfirmed)

	_, err := s.f.svc.Cancel(s.ctx, s.admin, order.ID, "")
	s.Require().NoError(err)
	s.Equal(int64(5), s.f.stock(s.T(), "A"))
}

func (s *OrderLifecycleTestSuite) TestCancelShippedOrderRejected() {
	order := s.place(2)
	s.advance(order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped)

	_, err := s.f.svc.Cancel(s.ctx, s.owner, order.ID, "too late")
	requireKind(s.T(), err, domain.KindInvalidTransition)

	_, err = s.f.svc.UpdateStatus(s.ctx, order.ID, domain.StatusChange{Status: domain.OrderStatusCancelled})
	requireKind(s.T(), err, domain.KindInvalidTransition)

	s.Equal(int64(3), s.f.stock(s.T(), "A"))
	stored, err := s.f.orders.Get(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusShipped, stored.Status)
}

func (s *OrderLifecycleTestSuite) TestForeignOrderLooksMissing() {
	order := s.place(1)
	stranger := Actor{UserID: "user-2"}

	_, err := s.f.svc.Get(s.ctx, stranger, order.ID)
	requireKind(s.T(), err, domain.KindOrderNotFound)

	_, err = s.f.svc.Cancel(s.ctx, stranger, order.ID, "")
	requireKind(s.T(), err, domain.KindOrderNotFound)
	s.Equal(int64(4), s.f.stock(s.T(), "A"))

	_, err = s.f.svc.Get(s.ctx, s.owner, "missing")
	requireKind(s.T(), err, domain.KindOrderNotFound)
}

func (s *OrderLifecycleTestSuite) TestIllegalTransitionsRejected() {
	order := s.place(1)

	_, err := s.f.svc.UpdateStatus(s.ctx, order.ID, domain.StatusChange{Status: domain.OrderStatusDelivered})
	requireKind(s.T(), err, domain.KindInvalidTransition)

	_, err = s.f.svc.UpdateStatus(s.ctx, order.ID, domain.StatusChange{Status: "teleported"})
	requireKind(s.T(), err, domain.KindInvalidStatus)

	_, err = s.f.svc.UpdateStatus(s.ctx, "missing", domain.StatusChange{Status: domain.OrderStatusConfirmed})
	requireKind(s.T(), err, domain.KindOrderNotFound)

	confirmed, err := s.f.svc.UpdateStatus(s.ctx, order.ID, domain.StatusChange{Status: "  CONFIRMED "})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusConfirmed, confirmed.Status)
}

func (s *OrderLifecycleTestSuite) TestAnnotationKeepsStatus() {
	order := s.place(1)
	tracking := "TRK-77"
	notes := "fragile"

	annotated, err := s.f.svc.UpdateStatus(s.ctx, order.ID, domain.StatusChange{
		Status:         domain.OrderStatusPending,
		TrackingNumber: &tracking,
		Notes:          &notes,
	})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPending, annotated.Status)
	s.Equal("TRK-77", annotated.TrackingNumber)
	s.Equal("fragile", annotated.Notes)
	s.Contains(s.eventTypes(order.ID), domain.EventOrderAnnotated)

	var statusEvents int
	for _, msg := range s.f.outbox.AllPending() {
		if msg.EventType == domain.EventOrderStatusChanged {
			statusEvents++
		}
	}
	s.Zero(statusEvents)
}

func (s *OrderLifecycleTestSuite) TestOutboxPayloadCarriesTransition() {
	order := s.place(1)
	s.advance(order.ID, domain.OrderStatusConfirmed)

	var payload map[string]any
	for _, msg := range s.f.outbox.AllPending() {
		if msg.EventType != domain.EventOrderStatusChanged {
			continue
		}
		s.Equal(order.ID, msg.AggregateID)
		s.Equal("order", msg.AggregateType)
		s.Require().NoError(json.Unmarshal(msg.Payload, &payload))
	}
	s.Require().NotNil(payload)
	s.Equal("pending", payload["from"])
	s.Equal("confirmed", payload["status"])
	s.Equal(order.ID, payload["order_id"])
}

func (s *OrderLifecycleTestSuite) TestListings() {
	first := s.place(1)
	_, err := s.f.svc.Place(s.ctx, command("user-2", LineRequest{ProductID: "A", Quantity: 1}))
	s.Require().NoError(err)
	s.advance(first.ID, domain.OrderStatusConfirmed)

	own, err := s.f.svc.ListForUser(s.ctx, s.owner.UserID, domain.OrderFilter{}, domain.PageRequest{})
	s.Require().NoError(err)
	s.Equal(1, own.Total)
	s.Equal(first.ID, own.Orders[0].ID)

	all, err := s.f.svc.ListAll(s.ctx, domain.OrderFilter{}, domain.PageRequest{Limit: 1})
	s.Require().NoError(err)
	s.Equal(2, all.Total)
	s.Equal(2, all.TotalPages)
	s.Len(all.Orders, 1)

	confirmed, err := s.f.svc.ListAll(s.ctx, domain.OrderFilter{Status: domain.OrderStatusConfirmed}, domain.PageRequest{})
	s.Require().NoError(err)
	s.Equal(1, confirmed.Total)

	_, err = s.f.svc.ListAll(s.ctx, domain.OrderFilter{Status: "lost"}, domain.PageRequest{})
	requireKind(s.T(), err, domain.KindInvalidStatus)

	_, err = s.f.svc.ListForUser(s.ctx, "", domain.OrderFilter{}, domain.PageRequest{})
	requireKind(s.T(), err, domain.KindInvalidRequest)
}

func TestOrderLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func TestUpdateStatus_RetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t, fixtureOptions{orders: func(inner domain.OrderRepository) domain.OrderRepository {
		return &failingOrders{OrderRepository: inner, conflicts: 2}
	}})
	f.seed(t, "A", 3000, 5)

	result, err := f.svc.Place(context.Background(), command("user-1", LineRequest{ProductID: "A", Quantity: 1}))
	require.NoError(t, err)

	updated, err := f.svc.UpdateStatus(context.Background(), result.Order.ID, domain.StatusChange{Status: domain.OrderStatusConfirmed})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, updated.Status)
	require.Equal(t, int64(1), updated.Version)
}

func TestUpdateStatus_GivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, fixtureOptions{orders: func(inner domain.OrderRepository) domain.OrderRepository {
		return &failingOrders{OrderRepository: inner, conflicts: 100}
	}})
	f.seed(t, "A", 3000, 5)

	result, err := f.svc.Place(context.Background(), command("user-1", LineRequest{ProductID: "A", Quantity: 1}))
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), Actor{UserID: "user-1"}, result.Order.ID, "")
	requireKind(t, err, domain.KindConflict)
	require.Equal(t, int64(4), f.stock(t, "A"), "stock must not be released without a persisted cancel")
}

func TestCancel_ReleaseFailureEnqueuesReconciliation(t *testing.T) {
	f := newFixture(t, fixtureOptions{ledger: func(inner domain.InventoryLedger) domain.InventoryLedger {
		return &failingLedger{InventoryLedger: inner, failRelease: map[string]bool{"B": true}}
	}})
	f.seed(t, "A", 3000, 5)
	f.seed(t, "B", 1000, 5)

	result, err := f.svc.Place(context.Background(), command("user-1",
		LineRequest{ProductID: "A", Quantity: 2},
		LineRequest{ProductID: "B", Quantity: 1},
	))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(context.Background(), Actor{UserID: "user-1"}, result.Order.ID, "")
	require.NoError(t, err)
	require.True(t, cancelled.InventoryReleased)
	require.Equal(t, int64(5), f.stock(t, "A"))
	require.Equal(t, int64(4), f.stock(t, "B"))

	tasks, err := f.queue.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, domain.ReconcileReleaseFailed, tasks[0].Kind)
	require.Equal(t, result.Order.ID, tasks[0].OrderID)
	require.Equal(t, []domain.ReservationLine{{ProductID: "B", Quantity: 1}}, tasks[0].Lines)
}
