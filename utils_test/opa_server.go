package utils_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/infobloxopen/opa-client/pkg/opa_client"

	"github.com/open-policy-agent/opa/plugins"
	"github.com/open-policy-agent/opa/server"
	"github.com/open-policy-agent/opa/storage/inmem"
)

// StartOpa runs an in-process OPA server on a random port and returns a
// client for it once /health answers. done is closed after the server has
// shut down following cancellation of ctx.
func StartOpa(ctx context.Context, t *testing.T, done chan struct{}) *opa_client.Client {
	t.Helper()

	// Retrieve a random port from the OS and pass it to opa
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	store := inmem.New()
	m, err := plugins.New([]byte{}, "test", store)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	opaSvr := server.New().
		WithAddresses([]string{addr}).
		WithStore(store).
		WithManager(m)

	opaSvr, err = opaSvr.Init(ctx)
	if err != nil {
		t.Fatal(err)
	}

	loops, err := opaSvr.Listeners()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	for _, loop := range loops {
		go func(serverLoop func() error) {
			_ = serverLoop()
		}(loop)
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if err := opaSvr.Shutdown(shutdownCtx); err != nil {
			t.Logf("opa shutdown: %s", err)
		}
		m.Stop(shutdownCtx)
		close(done)
	}()

	return waitHealthy(t, "http://"+addr, 3*time.Second)
}

func waitHealthy(t *testing.T, address string, wait time.Duration) *opa_client.Client {
	t.Helper()

	cli := opa_client.New(address).(*opa_client.Client)
	timeout := time.After(wait)
	for {
		select {
		case <-timeout:
			t.Fatal("time out starting opa")
		default:
			if err := cli.Health(); err == nil {
				t.Logf("opa started")
				return cli
			} else {
				t.Logf("opa not ready: %s", err)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}
