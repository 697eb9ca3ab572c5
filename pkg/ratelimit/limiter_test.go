package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	t.Parallel()

	l := NewInMemory(50 * time.Millisecond)
	if d := l.Allow("k", 2); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("unexpected first decision %+v", d)
	}
	if d := l.Allow("k", 2); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("unexpected second decision %+v", d)
	}
	if d := l.Allow("k", 2); d.Allowed {
		t.Fatalf("expected third call denied, got %+v", d)
	}

	time.Sleep(60 * time.Millisecond)
	if d := l.Allow("k", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected window reset, got %+v", d)
	}
}

func TestInMemoryLimiterKeysIndependent(t *testing.T) {
	t.Parallel()

	l := NewInMemory(time.Minute)
	l.Allow("a", 1)
	if d := l.Allow("b", 1); !d.Allowed {
		t.Fatalf("expected separate key allowed, got %+v", d)
	}
}

func TestRedisLimiterCounts(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, time.Minute)
	if d := l.Allow("subject", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}
	l.Allow("subject", 2)
	if d := l.Allow("subject", 2); d.Allowed {
		t.Fatalf("expected denial at limit, got %+v", d)
	}
	if !mr.Exists("dg:rl:subject") {
		t.Fatal("expected prefixed key in redis")
	}
}

func TestRedisLimiterFallsBackWhenDown(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	l := NewRedis(client, time.Minute)
	if d := l.Allow("subject", 1); !d.Allowed {
		t.Fatalf("expected fallback allow, got %+v", d)
	}
	if d := l.Allow("subject", 1); d.Allowed {
		t.Fatalf("expected fallback to enforce limit, got %+v", d)
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	t.Parallel()

	l := NewRedis(nil, time.Minute)
	if d := l.Allow("subject", 1); !d.Allowed {
		t.Fatalf("expected in-memory fallback, got %+v", d)
	}
}
