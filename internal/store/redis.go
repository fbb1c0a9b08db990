// redis.go -- shared go-redis client.
//
// Redis never holds session state: revocation must be visible on the next request,
// so sessions are always read from Postgres. The client backs the outbound mail queue.
package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects, and pings.
// Call once at startup from main.go...the returned client is safe for concurrent use.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	// Parse redisURL to get option values, if err return it
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	// Try and test client to ensure it works correctly
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// CheckRedis pings rdb. A nil client means Redis is not configured.
func CheckRedis(ctx context.Context, rdb *redis.Client) error {
	if rdb == nil {
		return ErrCacheDisabled
	}
	return rdb.Ping(ctx).Err()
}
