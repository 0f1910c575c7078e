package lifesupport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	redisstore "Lifeline-Treasury/internal/storage/redis"
)

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard()

	release, err := g.Acquire(ctx, "0xaa")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, "0xaa"); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	other, err := g.Acquire(ctx, "0xbb")
	if err != nil {
		t.Fatalf("independent keys must not contend: %v", err)
	}
	other()

	release()
	release()
	again, err := g.Acquire(ctx, "0xaa")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again()
}

func TestRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	first := NewRedisGuard(redisstore.NewLocker(client, "guard", time.Minute))
	second := NewRedisGuard(redisstore.NewLocker(client, "guard", time.Minute))

	release, err := first.Acquire(ctx, "0xaa")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := second.Acquire(ctx, "0xaa"); !errors.Is(err, ErrInProgress) {
		t.Fatalf("another process must see the lease, got %v", err)
	}
	release()
	if mr.Exists("guard:0xaa") {
		t.Fatal("release must delete the lease")
	}
	release2, err := second.Acquire(ctx, "0xaa")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestRedisGuardPropagatesBackendErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	g := NewRedisGuard(redisstore.NewLocker(client, "guard", time.Minute))
	if _, err := g.Acquire(context.Background(), "0xaa"); err == nil || errors.Is(err, ErrInProgress) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
