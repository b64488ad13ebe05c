package testutil

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
)

// SetupTestRedis connects to TEST_REDIS_ADDR. The test is skipped when no redis is configured or reachable.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := GetEnv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis at %s is unreachable: %v", addr, err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client
}
