// Package redis wraps the go-redis client behind a small interface so the
// queue-backed signal bus can be tested against an embedded server.
package redis

import (
	"context"
	"time"
)

// Config represents Redis configuration
type Config struct {
	Host         string        // Redis host
	Port         int           // Redis port
	Password     string        // Redis password
	DB           int           // Redis database
	PoolSize     int           // Connection pool size
	DialTimeout  time.Duration // Dial timeout
	ReadTimeout  time.Duration // Read timeout
	WriteTimeout time.Duration // Write timeout
}

// Client represents a Redis client
type Client interface {
	// Get gets a value from Redis
	Get(ctx context.Context, key string) (string, error)

	// Set sets a value in Redis
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error

	// Del deletes keys from Redis
	Del(ctx context.Context, keys ...string) error

	// LPush pushes values onto the head of a list
	LPush(ctx context.Context, key string, values ...interface{}) error

	// RPopLPush atomically pops the tail of source and pushes it onto
	// destination, returning the moved value
	RPopLPush(ctx context.Context, source, destination string) (string, error)

	// LLen returns the length of a list
	LLen(ctx context.Context, key string) (int64, error)

	// LRange returns a range of list elements
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Ping checks the Redis connection
	Ping(ctx context.Context) error

	// Close closes the Redis client
	Close() error
}
