package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

func TestStartMetricsServer_Endpoints(t *testing.T) {
	port := findFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startMetricsServer(ctx, fmt.Sprintf(":%d", port), log.WithField("test", "http"), healthcheck.NewHandler(version.GetVersion()))
	if srv == nil {
		t.Fatal("startMetricsServer should not return nil")
	}
	waitForServer(t, port)

	for path, wantBody := range map[string]string{"/metrics": "", "/healthz": "", "/livez": "ok", "/readyz": "ready"} {
		status, body := get(t, port, path)
		if status != http.StatusOK {
			t.Errorf("%s returned status %d, expected 200", path, status)
		}
		if wantBody != "" && body != wantBody {
			t.Errorf("%s returned %q, expected %q", path, body, wantBody)
		}
		if body == "" {
			t.Errorf("%s should return non-empty response", path)
		}
	}
}

func TestStartMetricsServer_ReadinessFollowsStorage(t *testing.T) {
	port := findFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := newMemoryDependencies()
	deps.storageChecker = healthcheck.NewPingChecker("postgres", func(context.Context) error {
		return errors.New("connection refused")
	})
	startMetricsServer(ctx, fmt.Sprintf(":%d", port), log.WithField("test", "http-ready"), newHealthHandler(DefaultConfig(), deps))
	waitForServer(t, port)

	if status, body := get(t, port, "/readyz"); status != http.StatusServiceUnavailable || body != "not ready" {
		t.Fatalf("unexpected readiness: %d %s", status, body)
	}

	status, body := get(t, port, "/healthz")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from /healthz, got %d", status)
	}
	var response healthcheck.Response
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if response.Checks["storage"].Message != "connection refused" {
		t.Fatalf("unexpected storage check: %+v", response.Checks["storage"])
	}
	if response.Checks["outbox"].Status != healthcheck.StatusHealthy {
		t.Fatalf("empty outbox must be healthy: %+v", response.Checks["outbox"])
	}
}

func TestNewHealthHandler_OutboxBacklogDegrades(t *testing.T) {
	deps := newMemoryDependencies()
	outboxRepo := memory.NewOutboxRepository()
	deps.outboxRepo = outboxRepo
	for i := 0; i < 3; i++ {
		if _, err := outboxRepo.Enqueue(context.Background(), domain.OutboxMessage{
			AggregateType: "order", AggregateID: fmt.Sprintf("order-%d", i), EventType: "OrderPlaced",
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	cfg := DefaultConfig()
	cfg.OutboxMaxPending = 2
	response := newHealthHandler(cfg, deps).Run(context.Background())
	if response.Status != healthcheck.StatusDegraded {
		t.Fatalf("expected degraded status, got %+v", response)
	}

	cfg.OutboxMaxPending = 0
	if response := newHealthHandler(cfg, deps).Run(context.Background()); len(response.Checks) != 0 {
		t.Fatalf("backlog check must be disabled, got %+v", response.Checks)
	}
}

func TestStartMetricsServer_Shutdown(t *testing.T) {
	port := findFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	startMetricsServer(ctx, fmt.Sprintf(":%d", port), log.WithField("test", "http-shutdown"), healthcheck.NewHandler(version.GetVersion()))
	waitForServer(t, port)

	cancel()
	time.Sleep(200 * time.Millisecond)

	if _, err := http.Get(fmt.Sprintf("http://localhost:%d/livez", port)); err == nil {
		t.Error("server should be stopped after context cancellation")
	}
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "http-nil"))
}

// findFreePort находит свободный порт для тестов
func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

func waitForServer(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server on port %d did not start", port)
}

func get(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", port, path))
	if err != nil {
		t.Fatalf("failed to get %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}
