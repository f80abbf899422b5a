package realtime

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestDeduperAddScreensRepeats(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	fresh, err := d.Add(ctx, "b1", "e1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !fresh {
		t.Fatal("first add should report fresh")
	}
	if !mr.Exists("ev:b1:e1") {
		t.Fatal("expected dedupe key ev:b1:e1")
	}

	fresh, err = d.Add(ctx, "b1", "e1")
	if err != nil {
		t.Fatalf("repeat add: %v", err)
	}
	if fresh {
		t.Fatal("repeat add should report duplicate")
	}

	// The same event ID on another board is a distinct delivery.
	fresh, err = d.Add(ctx, "b2", "e1")
	if err != nil {
		t.Fatalf("other board add: %v", err)
	}
	if !fresh {
		t.Fatal("same event on another board should be fresh")
	}
}

func TestDeduperRemoveAllowsRedelivery(t *testing.T) {
	_, client := newTestRedis(t)
	d := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	if _, err := d.Add(ctx, "b1", "e1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Remove(ctx, "b1", "e1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	fresh, err := d.Add(ctx, "b1", "e1")
	if err != nil {
		t.Fatalf("add after remove: %v", err)
	}
	if !fresh {
		t.Fatal("add after remove should report fresh")
	}
}

func TestDeduperEntriesExpire(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedisDeduper(client, 30*time.Second)
	ctx := context.Background()

	if _, err := d.Add(ctx, "b1", "e1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := mr.TTL("ev:b1:e1"); got != 30*time.Second {
		t.Fatalf("ttl = %v, want 30s", got)
	}

	mr.FastForward(31 * time.Second)

	fresh, err := d.Add(ctx, "b1", "e1")
	if err != nil {
		t.Fatalf("add after expiry: %v", err)
	}
	if !fresh {
		t.Fatal("expired entry should be fresh again")
	}
}

func TestDeduperAddMany(t *testing.T) {
	_, client := newTestRedis(t)
	d := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	if _, err := d.Add(ctx, "b1", "e1"); err != nil {
		t.Fatalf("seed add: %v", err)
	}

	results, err := d.AddMany(ctx, "b1", []string{"e1", "e2", "e3"})
	if err != nil {
		t.Fatalf("add many: %v", err)
	}
	want := []bool{false, true, true}
	if len(results) != len(want) {
		t.Fatalf("results = %v, want %v", results, want)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("results = %v, want %v", results, want)
		}
	}

	results, err = d.AddMany(ctx, "b1", []string{"e2", "e3"})
	if err != nil {
		t.Fatalf("repeat add many: %v", err)
	}
	for i, fresh := range results {
		if fresh {
			t.Fatalf("result %d should be duplicate", i)
		}
	}
}

func TestDeduperAddManyEmpty(t *testing.T) {
	_, client := newTestRedis(t)
	d := NewRedisDeduper(client, time.Minute)

	results, err := d.AddMany(context.Background(), "b1", nil)
	if err != nil {
		t.Fatalf("add many: %v", err)
	}
	if results != nil {
		t.Fatalf("results = %v, want nil", results)
	}
}
