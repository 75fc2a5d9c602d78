package utils

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisClient is an optional shared Redis client used for cross-process
// coordination: rate-limit counters and per-user active-turn guards. It is
// nil when REDIS_ADDR is not configured; every caller must handle that and
// fall back to the database path.
var RedisClient *redis.Client

func init() {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return
	}
	addr = strings.ReplaceAll(addr, " ", "")
	opts := &redis.Options{Addr: addr}
	if pass := os.Getenv("REDIS_PASS"); pass != "" {
		opts.Password = pass
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("[redis] ping failed, continuing without redis: %v", err)
		return
	}
	RedisClient = client
	log.Printf("[redis] connected to %s", addr)
}
