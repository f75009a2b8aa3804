package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultPackageCacheTTL = 5 * time.Minute

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Source is required.
	Source PackageSource

	// CacheTTL bounds how long a package stays cached in process.
	// Zero uses the default; a negative value disables caching.
	CacheTTL time.Duration

	Metrics Metrics
	Logger  Logger
}

type packageEntry struct {
	pkg        *Package
	expiration time.Time
}

// Resolver maps the identifiers carried by an event onto a Package.
// Concurrent misses for the same key share one source lookup.
type Resolver struct {
	source  PackageSource
	ttl     time.Duration
	metrics Metrics
	logger  Logger

	mu      sync.RWMutex
	entries map[string]packageEntry
	group   singleflight.Group
	now     func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("package source is required")
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultPackageCacheTTL
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Resolver{
		source:  cfg.Source,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
		entries: make(map[string]packageEntry),
		now:     time.Now,
	}, nil
}

// Resolve returns the package an event refers to. The internal package id in
// custom data is tried first since our checkout sets it; productIDs are tried
// next, in order. ErrPackageNotFound is returned when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, custom CustomData, productIDs ...string) (*Package, error) {
	if custom.PackageID != "" {
		pkg, err := r.Package(ctx, custom.PackageID)
		if err == nil {
			return pkg, nil
		}
		if !errors.Is(err, ErrPackageNotFound) {
			return nil, err
		}
		r.logger.Warn("custom data package not found, trying provider product",
			Field{Key: "package_id", Value: custom.PackageID})
	}

	for _, productID := range productIDs {
		if productID == "" {
			continue
		}
		pkg, err := r.cached(ctx, "product", productID, func(ctx context.Context) (*Package, error) {
			return r.source.GetPackageByProviderProductID(ctx, productID)
		})
		if err == nil {
			return pkg, nil
		}
		if !errors.Is(err, ErrPackageNotFound) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: package_id=%q product_ids=%v", ErrPackageNotFound, custom.PackageID, productIDs)
}

// Package returns the package with the internal id.
func (r *Resolver) Package(ctx context.Context, id string) (*Package, error) {
	return r.cached(ctx, "id", id, func(ctx context.Context) (*Package, error) {
		return r.source.GetPackage(ctx, id)
	})
}

// Basic returns the downgrade target.
func (r *Resolver) Basic(ctx context.Context) (*Package, error) {
	return r.cached(ctx, "basic", "", func(ctx context.Context) (*Package, error) {
		return r.source.GetBasicPackage(ctx)
	})
}

// Invalidate drops every cached package.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.entries = make(map[string]packageEntry)
	r.mu.Unlock()
}

func (r *Resolver) cached(
	ctx context.Context, source, id string, load func(context.Context) (*Package, error),
) (*Package, error) {
	key := source + ":" + id
	if r.ttl > 0 {
		r.mu.RLock()
		entry, ok := r.entries[key]
		r.mu.RUnlock()
		if ok && r.now().Before(entry.expiration) {
			r.metrics.RecordPackageLookup(source, true)
			cp := *entry.pkg
			return &cp, nil
		}
	}
	r.metrics.RecordPackageLookup(source, false)

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		pkg, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if r.ttl > 0 {
			r.mu.Lock()
			r.entries[key] = packageEntry{pkg: pkg, expiration: r.now().Add(r.ttl)}
			r.mu.Unlock()
		}
		return pkg, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *(v.(*Package))
	return &cp, nil
}
