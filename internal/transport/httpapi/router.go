// Package httpapi REST API витрины поверх chi.
// Идентичность пользователя приходит от шлюза в заголовках X-User-ID и X-User-Role.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/service/ordering"
)

const (
	headerUserID         = "X-User-ID"
	headerUserRole       = "X-User-Role"
	headerIdempotencyKey = "Idempotency-Key"

	roleAdmin = "admin"

	requestTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// OrderService операции с заказами, которые нужны API.
type OrderService interface {
	Place(ctx context.Context, cmd ordering.PlaceOrderCommand) (ordering.PlaceResult, error)
	Get(ctx context.Context, actor ordering.Actor, orderID string) (ordering.OrderDetails, error)
	ListForUser(ctx context.Context, userID string, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error)
	ListAll(ctx context.Context, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error)
	UpdateStatus(ctx context.Context, orderID string, change domain.StatusChange) (domain.Order, error)
	Cancel(ctx context.Context, actor ordering.Actor, orderID, reason string) (domain.Order, error)
}

// CatalogService операции администратора над каталогом.
type CatalogService interface {
	CreateProduct(ctx context.Context, cmd catalog.CreateProductCommand) (domain.Product, error)
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	AdjustStock(ctx context.Context, id string, delta int64) (domain.Product, error)
}

// Handler обслуживает REST-маршруты.
type Handler struct {
	orders  OrderService
	catalog CatalogService
	logger  *log.Entry
}

// NewHandler создаёт обработчик API.
func NewHandler(orders OrderService, catalog CatalogService, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{orders: orders, catalog: catalog, logger: logger}
}

// Routes собирает chi-роутер.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/api/products/{id}", h.getProduct)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/api/orders", h.placeOrder)
		r.Get("/api/orders/mine", h.listMyOrders)
		r.Get("/api/orders/{id}", h.getOrder)
		r.Put("/api/orders/{id}/cancel", h.cancelOrder)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/orders", h.listOrders)
			r.Put("/orders/{id}/status", h.updateStatus)
			r.Post("/products", h.createProduct)
			r.Post("/products/{id}/stock", h.adjustStock)
		})
	})

	return r
}

// NewServer оборачивает обработчик в otelhttp; имя спана — шаблон маршрута chi.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr: addr,
		Handler: otelhttp.NewHandler(handler, "storefront-http",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if pattern := rctx.RoutePattern(); pattern != "" {
						return r.Method + " " + pattern
					}
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
	}
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := h.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("http request failed")
			return
		}
		entry.Debug("http request")
	})
}
