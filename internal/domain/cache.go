package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores a value only when the key is missing and reports
	// whether it did. Used to claim external IDs during ingestion.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetScoreResult retrieves a cached score result by transaction ID.
	// Returns nil, nil if not cached.
	GetScoreResult(ctx context.Context, txID string) (*ScoreResult, error)

	// SetScoreResult caches a score result by transaction ID.
	SetScoreResult(ctx context.Context, txID string, result *ScoreResult, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "none"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// DedupTTL bounds how long an external ID stays claimed
	DedupTTL time.Duration
}
