package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
)

const (
	idempotencyHeader = "idempotency-key"
	userIDHeader      = "x-user-id"
)

// orderClient часть gRPC-клиента, которой пользуется нагрузка.
type orderClient interface {
	PlaceOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type runner struct {
	opts    options
	clients []orderClient
	runID   string
	rec     *recorder

	accepted atomic.Int64
	soldOut  atomic.Int64
}

func newRunner(opts options, clients []orderClient) *runner {
	return &runner{
		opts:    opts,
		clients: clients,
		runID:   fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid()),
		rec:     newRecorder(),
	}
}

// run запускает сценарии не больше opts.workers одновременно.
// Начатые сценарии доигрываются, даже когда истёк duration или пришёл сигнал.
func (r *runner) run(ctx context.Context) report {
	startedAt := time.Now()
	if r.opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.duration)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(r.opts.workers)
	for i := 0; r.opts.scenarios == 0 || i < r.opts.scenarios; i++ {
		if ctx.Err() != nil {
			break
		}
		client := r.clients[i%len(r.clients)]
		g.Go(func() error {
			r.scenario(client, i)
			return nil
		})
	}
	_ = g.Wait()

	result := r.rec.report(startedAt, time.Since(startedAt))
	result.SoldOutScenarios = r.soldOut.Load()
	result.AcceptedUnits = r.accepted.Load()
	if r.opts.tracksOversell() {
		result.SeededStock = r.opts.seedStock
		result.Oversold = result.AcceptedUnits > r.opts.seedStock
	}
	return result
}

// scenario оформляет заказ и, в зависимости от режима, повторяет или отменяет его.
// Распроданный товар считается успешным исходом.
func (r *runner) scenario(client orderClient, index int) {
	started := time.Now()
	err := r.playScenario(client, index)
	r.rec.observe(scenarioSeries, time.Since(started), err)
}

func (r *runner) playScenario(client orderClient, index int) error {
	userID := fmt.Sprintf("%s-%s-%d", r.opts.userPrefix, r.runID, index)
	key := fmt.Sprintf("lt-place-%s-%d", r.runID, index)

	orderID, err := r.place(client, userID, key)
	if err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			r.soldOut.Add(1)
		}
		return err
	}
	r.accepted.Add(r.opts.quantity)

	switch {
	case r.opts.mode == modePlaceReplay:
		replayed, err := r.place(client, userID, key)
		if err != nil {
			return err
		}
		if replayed != orderID {
			return status.Errorf(codes.Internal, "replay returned order %s, want %s", replayed, orderID)
		}
	case r.opts.mode == modePlaceCancel || cancelSampled(index, r.opts.cancelShare):
		if err := r.cancel(client, userID, orderID); err != nil {
			return err
		}
		r.accepted.Add(-r.opts.quantity)
	}
	return nil
}

func (r *runner) place(client orderClient, userID, key string) (string, error) {
	req, err := placeRequest(r.opts.product, r.opts.quantity)
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.rpcTimeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, userIDHeader, userID, idempotencyHeader, key)

	started := time.Now()
	resp, err := client.PlaceOrder(ctx, req)
	r.rec.observe(grpcsvc.MethodPlaceOrder, time.Since(started), err)
	if err != nil {
		return "", err
	}
	orderID := resp.GetFields()["id"].GetStringValue()
	if orderID == "" {
		return "", status.Error(codes.Internal, "place response returned empty order id")
	}
	return orderID, nil
}

func (r *runner) cancel(client orderClient, userID, orderID string) error {
	req, err := structpb.NewStruct(map[string]any{"id": orderID, "reason": "load-cancel"})
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.rpcTimeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, userIDHeader, userID)

	started := time.Now()
	_, err = client.CancelOrder(ctx, req)
	r.rec.observe(grpcsvc.MethodCancelOrder, time.Since(started), err)
	return err
}

func placeRequest(productID string, quantity int64) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"items": []any{
			map[string]any{"productId": productID, "quantity": float64(quantity)},
		},
		"shippingAddress": map[string]any{
			"firstName":  "Load",
			"lastName":   "Test",
			"address1":   "1 Benchmark Way",
			"city":       "Springfield",
			"state":      "IL",
			"postalCode": "62701",
			"country":    "US",
		},
		"paymentMethod": "credit_card",
	})
}

// cancelSampled детерминированно выбирает share процентов сценариев.
func cancelSampled(index, share int) bool {
	switch {
	case share <= 0:
		return false
	case share >= 100:
		return true
	default:
		return index%100 < share
	}
}
