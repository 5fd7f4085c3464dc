package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/storefront/internal/api"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
	"github.com/vladislavdragonenkov/storefront/internal/service/ordering"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
)

// flakyOrders отказывает в записи, пока failCreate выставлен.
type flakyOrders struct {
	domain.OrderRepository
	failCreate atomic.Bool
}

func (r *flakyOrders) Create(ctx context.Context, order domain.Order) error {
	if r.failCreate.Load() {
		return errors.New("database is unavailable")
	}
	return r.OrderRepository.Create(ctx, order)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.OutboxMessage
}

func (p *capturingPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.EventType)
	}
	return out
}

// OrderLifecycleTestSuite прогоняет заказ через REST, gRPC и фоновые воркеры на in-memory хранилищах.
type OrderLifecycleTestSuite struct {
	suite.Suite

	catalog   *memory.Catalog
	orders    *flakyOrders
	queue     *memory.ReconciliationQueue
	publisher *capturingPublisher

	httpServer    *httptest.Server
	grpcClient    *grpcsvc.OrderServiceClient
	outboxRelay   *outbox.Relay
	reconcileWork *reconcile.Worker

	cleanup []func()
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.catalog = memory.NewCatalog()
	s.orders = &flakyOrders{OrderRepository: memory.NewOrderRepository()}
	s.queue = memory.NewReconciliationQueue()
	s.publisher = &capturingPublisher{}
	outboxRepo := memory.NewOutboxRepository()

	orders := ordering.NewService(ordering.Dependencies{
		Catalog:        s.catalog,
		Ledger:         s.catalog,
		Orders:         s.orders,
		Timeline:       memory.NewTimelineRepository(),
		Outbox:         outboxRepo,
		Idempotency:    memory.NewIdempotencyRepository(),
		Reconciliation: s.queue,
	}, ordering.WithLogger(logger))
	products := catalog.NewService(s.catalog, s.catalog, logger)

	s.httpServer = httptest.NewServer(httpapi.NewHandler(orders, products, logger).Routes())

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	grpcsvc.RegisterOrderServiceServer(server, grpcsvc.NewOrderService(orders, logger))
	go func() {
		_ = server.Serve(listener)
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(s.T(), err)
	s.grpcClient = grpcsvc.NewOrderServiceClient(conn)

	s.outboxRelay = outbox.NewRelay(outboxRepo, s.publisher, outbox.Config{}, outbox.WithLogger(logger))
	reconciler := reconcile.NewReconciler(s.orders, s.catalog, s.queue, logger, 3)
	s.reconcileWork = reconcile.NewWorker(s.queue,
		reconcile.NewRetryingHandler(reconciler, reconcile.RetryConfig{MaxAttempts: 1}, nil, logger), logger, 0, 0)

	s.cleanup = []func(){
		func() { _ = conn.Close() },
		server.Stop,
		s.httpServer.Close,
	}

	s.createProduct("mug", "12.50", 10)
	s.createProduct("lamp", "80.00", 2)
}

func (s *OrderLifecycleTestSuite) TearDownTest() {
	for _, fn := range s.cleanup {
		fn()
	}
}

func (s *OrderLifecycleTestSuite) do(method, path, userID, role, key string, body any) *http.Response {
	var payload bytes.Buffer
	if body != nil {
		require.NoError(s.T(), json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, s.httpServer.URL+path, &payload)
	require.NoError(s.T(), err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := s.httpServer.Client().Do(req)
	require.NoError(s.T(), err)
	s.T().Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *OrderLifecycleTestSuite) createProduct(id, price string, quantity int64) {
	resp := s.do(http.MethodPost, "/api/admin/products", "admin-1", "admin", "", api.CreateProductRequest{
		ID:        id,
		Name:      "Product " + id,
		Price:     price,
		Inventory: api.Inventory{Quantity: quantity, TrackQuantity: true},
	})
	require.Equal(s.T(), http.StatusCreated, resp.StatusCode)
}

func (s *OrderLifecycleTestSuite) stock(id string) int64 {
	product, err := s.catalog.GetProduct(context.Background(), id)
	require.NoError(s.T(), err)
	return product.Inventory.Quantity
}

func placeBody(lines ...api.LineRequest) api.PlaceOrderRequest {
	return api.PlaceOrderRequest{
		Items: lines,
		ShippingAddress: domain.Address{
			FirstName: "Grace", LastName: "Hopper", Address1: "1 Navy Yard",
			City: "Arlington", State: "VA", PostalCode: "22202", Country: "US",
		},
		PaymentMethod: "credit_card",
	}
}

func (s *OrderLifecycleTestSuite) placeViaHTTP(userID, key string, lines ...api.LineRequest) (int, api.Order) {
	resp := s.do(http.MethodPost, "/api/orders", userID, "", key, placeBody(lines...))
	var order api.Order
	if resp.StatusCode < http.StatusBadRequest {
		require.NoError(s.T(), json.NewDecoder(resp.Body).Decode(&order))
	}
	return resp.StatusCode, order
}

func grpcUser(userID string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "x-user-id", userID)
}

func (s *OrderLifecycleTestSuite) TestPlaceCancelAndPublish() {
	code, order := s.placeViaHTTP("user-1", "checkout-1",
		api.LineRequest{ProductID: "mug", Quantity: 4},
		api.LineRequest{ProductID: "lamp", Quantity: 1},
	)
	require.Equal(s.T(), http.StatusCreated, code)
	// 4*12.50 + 80.00 = 130.00; налог 8% = 10.40; доставка бесплатна от 100.00
	require.Equal(s.T(), "130.00", order.Subtotal)
	require.Equal(s.T(), "10.40", order.Tax)
	require.Equal(s.T(), "0.00", order.Shipping)
	require.Equal(s.T(), "140.40", order.Total)
	require.Equal(s.T(), int64(6), s.stock("mug"))
	require.Equal(s.T(), int64(1), s.stock("lamp"))

	replayCode, replayed := s.placeViaHTTP("user-1", "checkout-1",
		api.LineRequest{ProductID: "mug", Quantity: 4},
		api.LineRequest{ProductID: "lamp", Quantity: 1},
	)
	require.Equal(s.T(), http.StatusOK, replayCode)
	require.Equal(s.T(), order.ID, replayed.ID)
	require.Equal(s.T(), int64(6), s.stock("mug"))

	got, err := s.grpcClient.GetOrder(grpcUser("user-1"), mustStruct(s.T(), map[string]any{"id": order.ID}))
	require.NoError(s.T(), err)
	require.Equal(s.T(), "pending", got.GetFields()["status"].GetStringValue())

	_, err = s.grpcClient.GetOrder(grpcUser("user-2"), mustStruct(s.T(), map[string]any{"id": order.ID}))
	require.Equal(s.T(), codes.NotFound, status.Code(err))

	cancelled, err := s.grpcClient.CancelOrder(grpcUser("user-1"), mustStruct(s.T(), map[string]any{"id": order.ID, "reason": "changed mind"}))
	require.NoError(s.T(), err)
	require.Equal(s.T(), "cancelled", cancelled.GetFields()["status"].GetStringValue())
	require.Equal(s.T(), int64(10), s.stock("mug"))
	require.Equal(s.T(), int64(2), s.stock("lamp"))

	require.Positive(s.T(), s.outboxRelay.Flush(context.Background()).Sent)
	require.Contains(s.T(), s.publisher.types(), domain.EventOrderPlaced)
	require.Contains(s.T(), s.publisher.types(), domain.EventOrderCancelled)
}

func (s *OrderLifecycleTestSuite) TestConcurrentCheckoutNeverOversells() {
	const buyers = 12

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		rejected atomic.Int64
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := metadata.AppendToOutgoingContext(context.Background(),
				"x-user-id", "buyer", "idempotency-key", "k-"+string(rune('a'+i)))
			_, err := s.grpcClient.PlaceOrder(ctx, mustStruct(s.T(), map[string]any{
				"items": []any{map[string]any{"productId": "lamp", "quantity": 1}},
				"shippingAddress": map[string]any{
					"firstName": "Ada", "lastName": "Lovelace", "address1": "1 Main St",
					"city": "London", "state": "LDN", "postalCode": "N1", "country": "UK",
				},
				"paymentMethod": "paypal",
			}))
			switch status.Code(err) {
			case codes.OK:
				accepted.Add(1)
			case codes.FailedPrecondition:
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(s.T(), int64(2), accepted.Load())
	require.Equal(s.T(), int64(buyers-2), rejected.Load())
	require.Equal(s.T(), int64(0), s.stock("lamp"))
}

func (s *OrderLifecycleTestSuite) TestPersistFailureIsReconciled() {
	s.orders.failCreate.Store(true)
	code, _ := s.placeViaHTTP("user-3", "", api.LineRequest{ProductID: "mug", Quantity: 3})
	require.Equal(s.T(), http.StatusInternalServerError, code)
	require.Equal(s.T(), int64(7), s.stock("mug"), "reservation stays until reconciliation decides")

	require.Equal(s.T(), 1, s.reconcileWork.ProcessOnce(context.Background()))
	require.Equal(s.T(), int64(10), s.stock("mug"))

	s.orders.failCreate.Store(false)
	code, _ = s.placeViaHTTP("user-3", "", api.LineRequest{ProductID: "mug", Quantity: 3})
	require.Equal(s.T(), http.StatusCreated, code)
	require.Equal(s.T(), int64(7), s.stock("mug"))
}

func (s *OrderLifecycleTestSuite) TestAdminStatusFlow() {
	code, order := s.placeViaHTTP("user-4", "", api.LineRequest{ProductID: "mug", Quantity: 1})
	require.Equal(s.T(), http.StatusCreated, code)

	forbidden := s.do(http.MethodPut, "/api/admin/orders/"+order.ID+"/status", "user-4", "", "", map[string]string{"status": "confirmed"})
	require.Equal(s.T(), http.StatusForbidden, forbidden.StatusCode)

	for _, next := range []string{"confirmed", "processing", "shipped"} {
		resp := s.do(http.MethodPut, "/api/admin/orders/"+order.ID+"/status", "admin-1", "admin", "", map[string]string{"status": next})
		require.Equal(s.T(), http.StatusOK, resp.StatusCode, "transition to %s", next)
	}

	resp := s.do(http.MethodPut, "/api/orders/"+order.ID+"/cancel", "user-4", "", "", api.CancelOrderRequest{Reason: "too late"})
	require.Equal(s.T(), http.StatusBadRequest, resp.StatusCode)
	require.Equal(s.T(), int64(9), s.stock("mug"))
}

func mustStruct(t *testing.T, value map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(value)
	require.NoError(t, err)
	return s
}

func TestOrderLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}
