// Package grpcsvc gRPC API заказов. Идентичность берётся из metadata x-user-id и x-user-role.
package grpcsvc

import (
	"context"
	"encoding/json"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/storefront/internal/api"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/ordering"
)

const (
	userIDHeader         = "x-user-id"
	userRoleHeader       = "x-user-role"
	idempotencyKeyHeader = "idempotency-key"

	roleAdmin = "admin"
)

// Orders операции с заказами, которые нужны gRPC API.
type Orders interface {
	Place(ctx context.Context, cmd ordering.PlaceOrderCommand) (ordering.PlaceResult, error)
	Get(ctx context.Context, actor ordering.Actor, orderID string) (ordering.OrderDetails, error)
	ListForUser(ctx context.Context, userID string, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error)
	ListAll(ctx context.Context, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error)
	UpdateStatus(ctx context.Context, orderID string, change domain.StatusChange) (domain.Order, error)
	Cancel(ctx context.Context, actor ordering.Actor, orderID, reason string) (domain.Order, error)
}

type orderRef struct {
	ID string `json:"id"`
}

type listRequest struct {
	Status string `json:"status"`
	Search string `json:"search"`
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
}

type updateStatusRequest struct {
	ID string `json:"id"`
	api.UpdateStatusRequest
}

type cancelRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// OrderService реализует storefront.v1.OrderService поверх сервиса оформления.
type OrderService struct {
	orders Orders
	logger *log.Entry
}

// NewOrderService конструирует сервис с зависимостями.
func NewOrderService(orders Orders, logger *log.Entry) *OrderService {
	if logger == nil {
		logger = log.WithField("component", "grpc-order-service")
	}
	return &OrderService{orders: orders, logger: logger}
}

// PlaceOrder оформляет заказ. Ключ идемпотентности необязателен.
func (s *OrderService) PlaceOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := readActor(ctx)
	if err != nil {
		return nil, err
	}
	var req api.PlaceOrderRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	result, err := s.orders.Place(ctx, req.ToCommand(actor.UserID, readIdempotencyKey(ctx)))
	if err != nil {
		return nil, s.fail(MethodPlaceOrder, err)
	}
	return encodeStruct(api.FromOrder(result.Order))
}

// GetOrder возвращает заказ с историей.
func (s *OrderService) GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := readActor(ctx)
	if err != nil {
		return nil, err
	}
	var req orderRef
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	details, err := s.orders.Get(ctx, actor, req.ID)
	if err != nil {
		return nil, s.fail(MethodGetOrder, err)
	}
	return encodeStruct(api.FromDetails(details))
}

// ListMyOrders возвращает заказы текущего пользователя.
func (s *OrderService) ListMyOrders(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := readActor(ctx)
	if err != nil {
		return nil, err
	}
	var req listRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	page, err := s.orders.ListForUser(ctx, actor.UserID, req.filter(false), req.page())
	if err != nil {
		return nil, s.fail(MethodListMyOrders, err)
	}
	return encodeStruct(api.FromPage(page))
}

// ListOrders список всех заказов для администратора.
func (s *OrderService) ListOrders(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := readAdmin(ctx); err != nil {
		return nil, err
	}
	var req listRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	page, err := s.orders.ListAll(ctx, req.filter(true), req.page())
	if err != nil {
		return nil, s.fail(MethodListOrders, err)
	}
	return encodeStruct(api.FromPage(page))
}

// UpdateOrderStatus меняет статус заказа или добавляет аннотацию.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := readAdmin(ctx); err != nil {
		return nil, err
	}
	var req updateStatusRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	order, err := s.orders.UpdateStatus(ctx, req.ID, req.ToStatusChange())
	if err != nil {
		return nil, s.fail(MethodUpdateOrderStatus, err)
	}
	return encodeStruct(api.FromOrder(order))
}

// CancelOrder отменяет заказ владельца; администратор может отменить любой.
func (s *OrderService) CancelOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := readActor(ctx)
	if err != nil {
		return nil, err
	}
	var req cancelRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	order, err := s.orders.Cancel(ctx, actor, req.ID, req.Reason)
	if err != nil {
		return nil, s.fail(MethodCancelOrder, err)
	}
	return encodeStruct(api.FromOrder(order))
}

func (s *OrderService) fail(method string, err error) error {
	if code := api.GRPCCode(domain.KindOf(err)); code == codes.Internal {
		s.logger.WithError(err).WithField("method", method).Error("grpc call failed")
	}
	return api.GRPCError(err)
}

func (r listRequest) filter(withSearch bool) domain.OrderFilter {
	filter := domain.OrderFilter{Status: domain.OrderStatus(strings.ToLower(strings.TrimSpace(r.Status)))}
	if withSearch {
		filter.Search = strings.TrimSpace(r.Search)
	}
	return filter
}

func (r listRequest) page() domain.PageRequest {
	return domain.PageRequest{Page: r.Page, Limit: r.Limit}
}

func readActor(ctx context.Context) (ordering.Actor, error) {
	userID := firstMetadata(ctx, userIDHeader)
	if userID == "" {
		return ordering.Actor{}, status.Error(codes.Unauthenticated, "x-user-id metadata is required")
	}
	return ordering.Actor{
		UserID: userID,
		Admin:  strings.EqualFold(firstMetadata(ctx, userRoleHeader), roleAdmin),
	}, nil
}

func readAdmin(ctx context.Context) (ordering.Actor, error) {
	actor, err := readActor(ctx)
	if err != nil {
		return ordering.Actor{}, err
	}
	if !actor.Admin {
		return ordering.Actor{}, status.Error(codes.PermissionDenied, "admin role is required")
	}
	return actor, nil
}

func readIdempotencyKey(ctx context.Context) string {
	return firstMetadata(ctx, idempotencyKeyHeader)
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, value := range md.Get(key) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// decodeStruct переводит Struct в JSON-форму запроса.
func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func encodeStruct(value any) (*structpb.Struct, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

var _ OrderServiceServer = (*OrderService)(nil)
