package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"MAHA-Orchestrator/internal/agent"
)

func TestMetaCacheKeyNormalizesURL(t *testing.T) {
	cache := NewMetaCacheFromClient(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"}), "")
	defer cache.Close()
	if got := cache.key(" http://localhost:7029/ "); got != "maha:agent-meta:http://localhost:7029" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestMetaCacheReportsConnectionErrors(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	cache := NewMetaCacheFromClient(client, "test")
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := cache.Get(ctx, "http://agent"); err == nil {
		t.Fatalf("expected error from unreachable redis")
	}
	if err := cache.Set(ctx, &agent.Agent{URL: "http://agent", Name: "a"}, time.Minute); err == nil {
		t.Fatalf("expected error from unreachable redis")
	}
}

func TestNewMetaCacheRequiresAddress(t *testing.T) {
	if _, err := NewMetaCache(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
