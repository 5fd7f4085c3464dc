package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
)

func TestSyncGRPCHealth_FollowsReadiness(t *testing.T) {
	var down atomic.Bool
	checks := healthcheck.NewHandler("test")
	checks.RegisterChecker("storage", healthcheck.NewPingChecker("storage", func(context.Context) error {
		if down.Load() {
			return errors.New("connection refused")
		}
		return nil
	}))
	grpcHealth := health.NewServer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		syncGRPCHealth(ctx, checks, grpcHealth, 2*time.Millisecond, log.WithField("test", "grpc-health"))
	}()

	servingStatus := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := grpcHealth.Check(context.Background(), &healthpb.HealthCheckRequest{Service: grpcsvc.ServiceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	require.Eventually(t, func() bool { return servingStatus() == healthpb.HealthCheckResponse_SERVING }, time.Second, time.Millisecond)
	down.Store(true)
	require.Eventually(t, func() bool { return servingStatus() == healthpb.HealthCheckResponse_NOT_SERVING }, time.Second, time.Millisecond)
	down.Store(false)
	require.Eventually(t, func() bool { return servingStatus() == healthpb.HealthCheckResponse_SERVING }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestRecoverUnary_TurnsPanicIntoInternal(t *testing.T) {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	interceptor := recoverUnary(logger.WithField("component", "grpc-test"))

	info := &grpc.UnaryServerInfo{FullMethod: "/storefront.v1.OrderService/ListMyOrders"}
	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		var page []int
		return page[5:], nil
	})
	require.Equal(t, codes.Internal, status.Code(err))

	resp, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}
