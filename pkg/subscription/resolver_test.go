package subscription_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// countingSource counts reads that reach the underlying source.
type countingSource struct {
	subscription.PackageSource
	byProduct atomic.Int32
	byID      atomic.Int32
	err       error
}

func (c *countingSource) GetPackage(ctx context.Context, id string) (*subscription.Package, error) {
	c.byID.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.PackageSource.GetPackage(ctx, id)
}

func (c *countingSource) GetPackageByProviderProductID(ctx context.Context, productID string) (*subscription.Package, error) {
	c.byProduct.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.PackageSource.GetPackageByProviderProductID(ctx, productID)
}

func newCountingResolver(t *testing.T, ttl int) (*subscription.Resolver, *countingSource) {
	t.Helper()
	f := newFixture(t)
	src := &countingSource{PackageSource: f.store}
	cfg := subscription.ResolverConfig{Source: src}
	if ttl < 0 {
		cfg.CacheTTL = -1
	}
	r, err := subscription.NewResolver(cfg)
	require.NoError(t, err)
	return r, src
}

func TestNewResolver_RequiresSource(t *testing.T) {
	_, err := subscription.NewResolver(subscription.ResolverConfig{})
	assert.Error(t, err)
}

func TestResolve_Order(t *testing.T) {
	r, _ := newCountingResolver(t, 0)
	ctx := context.Background()

	pkg, err := r.Resolve(ctx, subscription.CustomData{PackageID: "premium-yearly"}, "pri_monthly")
	require.NoError(t, err)
	assert.Equal(t, "premium-yearly", pkg.ID)

	pkg, err = r.Resolve(ctx, subscription.CustomData{PackageID: "retired"}, "", "pri_unknown", "pri_monthly")
	require.NoError(t, err)
	assert.Equal(t, "premium-monthly", pkg.ID)

	_, err = r.Resolve(ctx, subscription.CustomData{}, "pri_unknown")
	assert.ErrorIs(t, err, subscription.ErrPackageNotFound)

	basic, err := r.Basic(ctx)
	require.NoError(t, err)
	assert.Equal(t, "basic", basic.ID)
}

func TestResolve_CachesAndInvalidates(t *testing.T) {
	r, src := newCountingResolver(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pkg, err := r.Resolve(ctx, subscription.CustomData{}, "pri_monthly")
		require.NoError(t, err)
		assert.Equal(t, "premium-monthly", pkg.ID)
	}
	assert.Equal(t, int32(1), src.byProduct.Load())

	// Callers get copies.
	pkg, err := r.Package(ctx, "premium-monthly")
	require.NoError(t, err)
	pkg.Name = "mutated"
	again, err := r.Package(ctx, "premium-monthly")
	require.NoError(t, err)
	assert.Equal(t, "Premium", again.Name)
	assert.Equal(t, int32(1), src.byID.Load())

	r.Invalidate()
	_, err = r.Resolve(ctx, subscription.CustomData{}, "pri_monthly")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.byProduct.Load())
}

func TestResolve_CacheDisabled(t *testing.T) {
	r, src := newCountingResolver(t, -1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Package(ctx, "basic")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), src.byID.Load())
}

func TestResolve_SourceErrorsAreNotCached(t *testing.T) {
	r, src := newCountingResolver(t, 0)
	ctx := context.Background()
	src.err = errors.New("connection refused")

	_, err := r.Package(ctx, "basic")
	require.Error(t, err)
	assert.NotErrorIs(t, err, subscription.ErrPackageNotFound)

	src.err = nil
	pkg, err := r.Package(ctx, "basic")
	require.NoError(t, err)
	assert.Equal(t, "basic", pkg.ID)
}
