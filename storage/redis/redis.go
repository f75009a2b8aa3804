// Package redis provides a Redis read-through cache for package definitions.
// It wraps another subscription.PackageSource, usually the PostgreSQL storage,
// so that several service instances share one cache of the package table.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// PackageCache implements subscription.PackageSource on top of Redis
type PackageCache struct {
	client redis.UniversalClient
	source subscription.PackageSource
	config Config
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// PackageTTL is the TTL for cached package keys (default: 10m)
	PackageTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "subsync:",
		PackageTTL: 10 * time.Minute,
	}
}

// New creates a new Redis package cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, source subscription.PackageSource, config Config) (*PackageCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if source == nil {
		return nil, fmt.Errorf("package source is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	if config.PackageTTL <= 0 {
		config.PackageTTL = 10 * time.Minute
	}

	return &PackageCache{client: client, source: source, config: config}, nil
}

// GetPackage implements subscription.PackageSource
func (c *PackageCache) GetPackage(ctx context.Context, id string) (*subscription.Package, error) {
	return readThrough(ctx, c, c.key("package:id:"+id), func(ctx context.Context) (*subscription.Package, error) {
		return c.source.GetPackage(ctx, id)
	})
}

// GetPackageByProviderProductID implements subscription.PackageSource
func (c *PackageCache) GetPackageByProviderProductID(
	ctx context.Context, productID string,
) (*subscription.Package, error) {
	if productID == "" {
		return nil, subscription.ErrPackageNotFound
	}
	return readThrough(ctx, c, c.key("package:product:"+productID), func(ctx context.Context) (*subscription.Package, error) {
		return c.source.GetPackageByProviderProductID(ctx, productID)
	})
}

// GetBasicPackage implements subscription.PackageSource
func (c *PackageCache) GetBasicPackage(ctx context.Context) (*subscription.Package, error) {
	return readThrough(ctx, c, c.key("package:basic"), c.source.GetBasicPackage)
}

// ListPackages implements subscription.PackageSource
func (c *PackageCache) ListPackages(ctx context.Context) ([]*subscription.Package, error) {
	pkgs, err := readThrough(ctx, c, c.key("packages"), func(ctx context.Context) (*[]*subscription.Package, error) {
		list, err := c.source.ListPackages(ctx)
		if err != nil {
			return nil, err
		}
		return &list, nil
	})
	if err != nil {
		return nil, err
	}
	return *pkgs, nil
}

// Invalidate drops every cached package key. Call it after package definitions change.
func (c *PackageCache) Invalidate(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.key("package*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan package keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	// Keys may live on different cluster slots, so delete them one at a time.
	for _, key := range keys {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

// Close closes the Redis client
func (c *PackageCache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *PackageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *PackageCache) key(suffix string) string {
	return c.config.KeyPrefix + suffix
}

// readThrough serves key from Redis, falling back to load on a miss.
// Redis errors degrade to the source; source errors are never cached.
func readThrough[T any](
	ctx context.Context, c *PackageCache, key string, load func(context.Context) (*T, error),
) (*T, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	} else if !errors.Is(err, redis.Nil) && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		//nolint:errcheck // a failed cache write only costs a later miss
		_ = c.client.Set(ctx, key, data, c.config.PackageTTL).Err()
	}
	return v, nil
}
