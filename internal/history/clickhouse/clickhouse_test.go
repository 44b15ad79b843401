package clickhouse

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/servermgr/internal/history"
)

// startClickHouse runs a throwaway ClickHouse container and returns its
// native-protocol address.
func startClickHouse(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("clickhouse container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host + ":" + port.Port()
}

func TestSinkSendIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test, skipped in short mode")
	}
	if os.Getenv("DOCKER_HOST") == "" {
		if _, err := os.Stat("/var/run/docker.sock"); err != nil {
			t.Skip("docker not available")
		}
	}

	ctx := context.Background()
	addr := startClickHouse(ctx, t)

	sink, err := New(Config{Addr: addr, Table: "servermgr_events_test"})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	e := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Server:     "pg",
		PID:        4242,
		Addr:       "127.0.0.1:15432",
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("send: %v", err)
	}
}
