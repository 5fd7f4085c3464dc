package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName полное имя gRPC-сервиса.
const ServiceName = "storefront.v1.OrderService"

// Методы сервиса. Запросы и ответы — google.protobuf.Struct с теми же JSON-формами, что и в REST.
const (
	MethodPlaceOrder        = "PlaceOrder"
	MethodGetOrder          = "GetOrder"
	MethodListMyOrders      = "ListMyOrders"
	MethodListOrders        = "ListOrders"
	MethodUpdateOrderStatus = "UpdateOrderStatus"
	MethodCancelOrder       = "CancelOrder"
)

// OrderServiceServer серверная сторона storefront.v1.OrderService.
type OrderServiceServer interface {
	PlaceOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMyOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateOrderStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(OrderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OrderServiceDesc описывает сервис без сгенерированного кода.
var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodPlaceOrder, Handler: unaryHandler(MethodPlaceOrder, OrderServiceServer.PlaceOrder)},
		{MethodName: MethodGetOrder, Handler: unaryHandler(MethodGetOrder, OrderServiceServer.GetOrder)},
		{MethodName: MethodListMyOrders, Handler: unaryHandler(MethodListMyOrders, OrderServiceServer.ListMyOrders)},
		{MethodName: MethodListOrders, Handler: unaryHandler(MethodListOrders, OrderServiceServer.ListOrders)},
		{MethodName: MethodUpdateOrderStatus, Handler: unaryHandler(MethodUpdateOrderStatus, OrderServiceServer.UpdateOrderStatus)},
		{MethodName: MethodCancelOrder, Handler: unaryHandler(MethodCancelOrder, OrderServiceServer.CancelOrder)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storefront/v1/order_service.proto",
}

// RegisterOrderServiceServer регистрирует реализацию на сервере.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

// FullMethod возвращает путь метода вида /storefront.v1.OrderService/PlaceOrder.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// OrderServiceClient клиент storefront.v1.OrderService.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOrderServiceClient создаёт клиента поверх соединения.
func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

// Call вызывает произвольный метод сервиса.
func (c *OrderServiceClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) PlaceOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Call(ctx, MethodPlaceOrder, in, opts...)
}

func (c *OrderServiceClient) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Call(ctx, MethodGetOrder, in, opts...)
}

func (c *OrderServiceClient) ListMyOrders(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Call(ctx, MethodListMyOrders, in, opts...)
}

func (c *OrderServiceClient) ListOrders(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Call(ctx, MethodListOrders, in, opts...)
}

func (c *OrderServiceClient) UpdateOrderStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Call(ctx, MethodUpdateOrderStatus, in, opts...)
}

func (c *OrderServiceClient) CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.Call(ctx, MethodCancelOrder, in, opts...)
}
