package handoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"zoneworld/internal/crosszone"
)

func TestNATSStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("needs an embedded nats server")
	}
	srv, err := crosszone.NewEmbeddedServer(crosszone.WithStoreDir(t.TempDir()))
	if err != nil {
		t.Fatalf("new embedded server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	store, err := NewNATSStore(nc, "handoff-test", time.Minute)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	key := SnapshotKey(2, 9001, 5)
	if err := store.Put(ctx, key, []byte("payload"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want payload", got)
	}

	if _, err := store.Get(ctx, SnapshotKey(2, 9001, 6)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: got %v, want ErrNotFound", err)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key: got %v, want ErrNotFound", err)
	}

	// Reopening the bucket must find it rather than fail on re-create.
	if _, err := NewNATSStore(nc, "handoff-test", time.Minute); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := store.Put(cancelled, key, []byte("x"), time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled put: got %v, want context.Canceled", err)
	}
}
