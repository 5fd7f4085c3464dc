package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront/internal/api"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/service/ordering"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

type HTTPAPITestSuite struct {
	suite.Suite
	server *httptest.Server
}

func TestHTTPAPI(t *testing.T) {
	suite.Run(t, new(HTTPAPITestSuite))
}

func (s *HTTPAPITestSuite) SetupTest() {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	entry := logger.WithField("component", "http-api-test")

	store := memory.NewCatalog()
	orders := ordering.NewService(ordering.Dependencies{
		Catalog:        store,
		Ledger:         store,
		Orders:         memory.NewOrderRepository(),
		Timeline:       memory.NewTimelineRepository(),
		Outbox:         memory.NewOutboxRepository(),
		Idempotency:    memory.NewIdempotencyRepository(),
		Reconciliation: memory.NewReconciliationQueue(),
	}, ordering.WithLogger(entry))
	products := catalog.NewService(store, store, entry)

	s.server = httptest.NewServer(NewHandler(orders, products, entry).Routes())

	s.createProduct("A", "30.00", 5)
	s.createProduct("B", "150.00", 2)
}

func (s *HTTPAPITestSuite) TearDownTest() {
	s.server.Close()
}

func (s *HTTPAPITestSuite) do(method, path, userID, role string, body any, headers ...string) (int, []byte) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	if userID != "" {
		req.Header.Set(headerUserID, userID)
	}
	if role != "" {
		req.Header.Set(headerUserRole, role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, buf.Bytes()
}

func (s *HTTPAPITestSuite) createProduct(id, price string, quantity int64) api.Product {
	code, body := s.do(http.MethodPost, "/api/admin/products", "admin-1", "admin", api.CreateProductRequest{
		ID:        id,
		Name:      "Product " + id,
		Price:     price,
		Inventory: api.Inventory{Quantity: quantity, TrackQuantity: true},
	})
	s.Require().Equal(http.StatusCreated, code, string(body))

	var product api.Product
	s.Require().NoError(json.Unmarshal(body, &product))
	return product
}

func (s *HTTPAPITestSuite) placeRequest(items ...api.LineRequest) api.PlaceOrderRequest {
	return api.PlaceOrderRequest{
		Items: items,
		ShippingAddress: domain.Address{
			FirstName: "Grace", LastName: "Hopper", Address1: "1 Navy Way",
			City: "Arlington", State: "VA", PostalCode: "22202", Country: "US",
		},
		PaymentMethod: "credit_card",
	}
}

func (s *HTTPAPITestSuite) place(userID string, items ...api.LineRequest) api.Order {
	code, body := s.do(http.MethodPost, "/api/orders", userID, "", s.placeRequest(items...))
	s.Require().Equal(http.StatusCreated, code, string(body))

	var order api.Order
	s.Require().NoError(json.Unmarshal(body, &order))
	return order
}

func decodeError(t *testing.T, body []byte) api.ErrorDetail {
	t.Helper()
	var payload api.ErrorBody
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload.Error
}

func (s *HTTPAPITestSuite) TestPlaceOrder_Totals() {
	order := s.place("user-1", api.LineRequest{ProductID: "A", Quantity: 2})

	s.Equal("60.00", order.Subtotal)
	s.Equal("4.80", order.Tax)
	s.Equal("10.00", order.Shipping)
	s.Equal("74.80", order.Total)
	s.Equal("pending", order.Status)
	s.Equal("user-1", order.UserID)
	s.Regexp(`^ORD-\d{8}-[A-Z0-9]{8}$`, order.OrderNumber)

	code, body := s.do(http.MethodGet, "/api/products/A", "", "", nil)
	s.Require().Equal(http.StatusOK, code)
	var product api.Product
	s.Require().NoError(json.Unmarshal(body, &product))
	s.Equal(int64(3), product.Inventory.Quantity)
}

func (s *HTTPAPITestSuite) TestPlaceOrder_IdempotentReplay() {
	req := s.placeRequest(api.LineRequest{ProductID: "B", Quantity: 1})

	code, first := s.do(http.MethodPost, "/api/orders", "user-1", "", req, headerIdempotencyKey, "checkout-42")
	s.Require().Equal(http.StatusCreated, code, string(first))
	code, second := s.do(http.MethodPost, "/api/orders", "user-1", "", req, headerIdempotencyKey, "checkout-42")
	s.Require().Equal(http.StatusOK, code, string(second))

	var a, b api.Order
	s.Require().NoError(json.Unmarshal(first, &a))
	s.Require().NoError(json.Unmarshal(second, &b))
	s.Equal(a.ID, b.ID)
	s.Equal("162.00", b.Total)

	req.Items[0].Quantity = 2
	code, body := s.do(http.MethodPost, "/api/orders", "user-1", "", req, headerIdempotencyKey, "checkout-42")
	s.Equal(http.StatusConflict, code)
	s.Equal(domain.KindIdempotencyConflict, decodeError(s.T(), body).Kind)
}

func (s *HTTPAPITestSuite) TestPlaceOrder_Errors() {
	code, body := s.do(http.MethodPost, "/api/orders", "", "", s.placeRequest(api.LineRequest{ProductID: "A", Quantity: 1}))
	s.Equal(http.StatusUnauthorized, code)
	s.Equal(api.KindUnauthorized, decodeError(s.T(), body).Kind)

	code, body = s.do(http.MethodPost, "/api/orders", "user-1", "", s.placeRequest(api.LineRequest{ProductID: "A", Quantity: 10}))
	s.Equal(http.StatusBadRequest, code)
	detail := decodeError(s.T(), body)
	s.Equal(domain.KindInsufficientStock, detail.Kind)
	s.Equal("A", detail.ProductID)
	s.Require().NotNil(detail.Requested)
	s.Require().NotNil(detail.Available)
	s.Equal(int64(10), *detail.Requested)
	s.Equal(int64(5), *detail.Available)

	code, body = s.do(http.MethodPost, "/api/orders", "user-1", "", s.placeRequest())
	s.Equal(http.StatusBadRequest, code)
	s.Equal(domain.KindEmptyCart, decodeError(s.T(), body).Kind)

	code, body = s.do(http.MethodPost, "/api/orders", "user-1", "", s.placeRequest(api.LineRequest{ProductID: "A", Quantity: 1e16}))
	s.Equal(http.StatusBadRequest, code)
	detail = decodeError(s.T(), body)
	s.Equal(domain.KindInvalidRequest, detail.Kind)
	s.Nil(detail.Requested)

	code, body = s.do(http.MethodGet, "/api/products/A", "", "", nil)
	s.Require().Equal(http.StatusOK, code)
	var product api.Product
	s.Require().NoError(json.Unmarshal(body, &product))
	s.Equal(int64(5), product.Inventory.Quantity)

	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/api/orders", bytes.NewReader([]byte("{broken")))
	s.Require().NoError(err)
	req.Header.Set(headerUserID, "user-1")
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HTTPAPITestSuite) TestGetOrder_OwnerAdminAndStranger() {
	order := s.place("user-1", api.LineRequest{ProductID: "A", Quantity: 1})

	code, body := s.do(http.MethodGet, "/api/orders/"+order.ID, "user-1", "", nil)
	s.Require().Equal(http.StatusOK, code)
	var details api.OrderDetails
	s.Require().NoError(json.Unmarshal(body, &details))
	s.Equal(order.ID, details.ID)
	s.Require().NotEmpty(details.Timeline)
	s.Equal("OrderPlaced", details.Timeline[0].Type)

	code, _ = s.do(http.MethodGet, "/api/orders/"+order.ID, "admin-1", "admin", nil)
	s.Equal(http.StatusOK, code)

	code, body = s.do(http.MethodGet, "/api/orders/"+order.ID, "user-2", "", nil)
	s.Equal(http.StatusNotFound, code)
	s.Equal(domain.KindOrderNotFound, decodeError(s.T(), body).Kind)
}

func (s *HTTPAPITestSuite) TestCancelOrder_RestoresStock() {
	order := s.place("user-1", api.LineRequest{ProductID: "A", Quantity: 2})

	code, body := s.do(http.MethodPut, "/api/orders/"+order.ID+"/cancel", "user-1", "", api.CancelOrderRequest{Reason: "changed mind"})
	s.Require().Equal(http.StatusOK, code, string(body))
	var cancelled api.Order
	s.Require().NoError(json.Unmarshal(body, &cancelled))
	s.Equal("cancelled", cancelled.Status)
	s.NotNil(cancelled.CancelledAt)

	_, body = s.do(http.MethodGet, "/api/products/A", "", "", nil)
	var product api.Product
	s.Require().NoError(json.Unmarshal(body, &product))
	s.Equal(int64(5), product.Inventory.Quantity)

	// пустое тело допустимо, но повторная отмена запрещена
	code, body = s.do(http.MethodPut, "/api/orders/"+order.ID+"/cancel", "user-1", "", nil)
	s.Equal(http.StatusBadRequest, code)
	s.Equal(domain.KindInvalidTransition, decodeError(s.T(), body).Kind)
}

func (s *HTTPAPITestSuite) TestAdminStatusFlow() {
	order := s.place("user-1", api.LineRequest{ProductID: "A", Quantity: 1})
	path := "/api/admin/orders/" + order.ID + "/status"

	code, _ := s.do(http.MethodPut, path, "user-1", "", api.UpdateStatusRequest{Status: "confirmed"})
	s.Equal(http.StatusForbidden, code)

	code, body := s.do(http.MethodPut, path, "admin-1", "admin", api.UpdateStatusRequest{Status: "shipped"})
	s.Equal(http.StatusBadRequest, code)
	s.Equal(domain.KindInvalidTransition, decodeError(s.T(), body).Kind)

	code, body = s.do(http.MethodPut, path, "admin-1", "admin", api.UpdateStatusRequest{Status: "lost"})
	s.Equal(http.StatusBadRequest, code)
	s.Equal(domain.KindInvalidStatus, decodeError(s.T(), body).Kind)

	tracking := "TRK-1"
	for _, next := range []string{"confirmed", "processing", "shipped"} {
		req := api.UpdateStatusRequest{Status: next}
		if next == "shipped" {
			req.TrackingNumber = &tracking
		}
		code, body = s.do(http.MethodPut, path, "admin-1", "admin", req)
		s.Require().Equal(http.StatusOK, code, string(body))
	}

	var shipped api.Order
	s.Require().NoError(json.Unmarshal(body, &shipped))
	s.Equal("shipped", shipped.Status)
	s.Equal("TRK-1", shipped.TrackingNumber)

	code, _ = s.do(http.MethodPut, "/api/orders/"+order.ID+"/cancel", "user-1", "", nil)
	s.Equal(http.StatusBadRequest, code)
}

func (s *HTTPAPITestSuite) TestListings() {
	s.place("user-1", api.LineRequest{ProductID: "A", Quantity: 1})
	s.place("user-1", api.LineRequest{ProductID: "A", Quantity: 1})
	other := s.place("user-2", api.LineRequest{ProductID: "B", Quantity: 1})

	code, body := s.do(http.MethodGet, "/api/orders/mine?limit=1&page=2", "user-1", "", nil)
	s.Require().Equal(http.StatusOK, code)
	var mine api.OrderPage
	s.Require().NoError(json.Unmarshal(body, &mine))
	s.Equal(2, mine.Total)
	s.Equal(2, mine.TotalPages)
	s.Equal(2, mine.CurrentPage)
	s.Len(mine.Orders, 1)

	code, _ = s.do(http.MethodGet, "/api/admin/orders", "user-1", "", nil)
	s.Equal(http.StatusForbidden, code)

	code, body = s.do(http.MethodGet, "/api/admin/orders?search="+other.OrderNumber[len(other.OrderNumber)-8:], "admin-1", "admin", nil)
	s.Require().Equal(http.StatusOK, code)
	var all api.OrderPage
	s.Require().NoError(json.Unmarshal(body, &all))
	s.Require().Equal(1, all.Total)
	s.Equal(other.ID, all.Orders[0].ID)

	code, _ = s.do(http.MethodGet, "/api/admin/orders?status=teleported", "admin-1", "admin", nil)
	s.Equal(http.StatusBadRequest, code)

	code, _ = s.do(http.MethodGet, "/api/orders/mine?page=abc", "user-1", "", nil)
	s.Equal(http.StatusBadRequest, code)

	for _, query := range []string{"page=1000000000000000000", "page=9223372036854775807&limit=9223372036854775807"} {
		code, body = s.do(http.MethodGet, "/api/admin/orders?"+query, "admin-1", "admin", nil)
		s.Require().Equal(http.StatusOK, code, string(body))
		var far api.OrderPage
		s.Require().NoError(json.Unmarshal(body, &far))
		s.Equal(3, far.Total)
		s.Empty(far.Orders)
		s.Equal(domain.MaxPage, far.CurrentPage)
	}

	code, body = s.do(http.MethodGet, "/api/orders/mine?limit=1000000", "user-1", "", nil)
	s.Require().Equal(http.StatusOK, code)
	s.Require().NoError(json.Unmarshal(body, &mine))
	s.Len(mine.Orders, 2)
}

func (s *HTTPAPITestSuite) TestProducts() {
	product := s.createProduct("", "9.99", 0)
	s.NotEmpty(product.ID)
	s.Equal("9.99", product.Price)
	s.Equal("product", product.Slug)

	code, body := s.do(http.MethodPost, "/api/admin/products/"+product.ID+"/stock", "admin-1", "admin", api.AdjustStockRequest{Delta: 4})
	s.Require().Equal(http.StatusOK, code, string(body))
	var restocked api.Product
	s.Require().NoError(json.Unmarshal(body, &restocked))
	s.Equal(int64(4), restocked.Inventory.Quantity)

	code, body = s.do(http.MethodPost, "/api/admin/products/"+product.ID+"/stock", "admin-1", "admin", api.AdjustStockRequest{Delta: -10})
	s.Equal(http.StatusBadRequest, code)
	s.Equal(domain.KindInsufficientStock, decodeError(s.T(), body).Kind)

	code, _ = s.do(http.MethodGet, "/api/products/missing", "", "", nil)
	s.Equal(http.StatusNotFound, code)

	code, body = s.do(http.MethodPost, "/api/admin/products", "admin-1", "admin", api.CreateProductRequest{Name: "Bad", Price: "1.234"})
	s.Equal(http.StatusBadRequest, code)
	s.Equal(domain.KindInvalidRequest, decodeError(s.T(), body).Kind)
}

func TestNewServer_UsesChiPatternForSpans(t *testing.T) {
	handler := NewHandler(nil, nil, nil).Routes()
	srv := NewServer(":0", handler)
	require.Equal(t, ":0", srv.Addr)
	require.NotNil(t, srv.Handler)
	require.NotZero(t, srv.ReadHeaderTimeout)
}
