package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type staticProbe map[string]error

func (p staticProbe) Check(context.Context) map[string]error { return p }

func startBufGRPC(t *testing.T, h *GRPCHealth) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	h.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func TestGRPCHealthServing(t *testing.T) {
	h := NewGRPCHealth(staticProbe{DepDataEngine: nil, DepNLService: nil})
	conn, cleanup := startBufGRPC(t, h)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before first refresh, got %s", resp.GetStatus())
	}

	if !h.Refresh(ctx) {
		t.Fatal("expected ready")
	}
	for _, svc := range []string{"", serviceName, DepDataEngine, DepNLService} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			t.Fatalf("Check(%q) error: %v", svc, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("Check(%q): expected SERVING, got %s", svc, resp.GetStatus())
		}
	}
}

func TestGRPCHealthDependencyDown(t *testing.T) {
	h := NewGRPCHealth(staticProbe{DepDataEngine: nil, DepNLService: errors.New("connection refused")})
	conn, cleanup := startBufGRPC(t, h)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if h.Refresh(ctx) {
		t.Fatal("expected not ready")
	}
	client := healthpb.NewHealthClient(conn)

	want := map[string]healthpb.HealthCheckResponse_ServingStatus{
		"":            healthpb.HealthCheckResponse_NOT_SERVING,
		DepDataEngine: healthpb.HealthCheckResponse_SERVING,
		DepNLService:  healthpb.HealthCheckResponse_NOT_SERVING,
	}
	for svc, status := range want {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			t.Fatalf("Check(%q) error: %v", svc, err)
		}
		if resp.GetStatus() != status {
			t.Fatalf("Check(%q): expected %s, got %s", svc, status, resp.GetStatus())
		}
	}
}
