package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryLeaseCoordinatorMutualExclusion(t *testing.T) {
	c := NewInMemoryLeaseCoordinator()
	ctx := context.Background()

	lease, err := c.TryAcquireLease(ctx, "scope-a", "holder-1", 60)
	require.NoError(t, err)
	require.NotNil(t, lease)

	second, err := c.TryAcquireLease(ctx, "scope-a", "holder-2", 60)
	require.NoError(t, err)
	require.Nil(t, second)

	require.NoError(t, c.ReleaseLease(ctx, *lease))

	third, err := c.TryAcquireLease(ctx, "scope-a", "holder-2", 60)
	require.NoError(t, err)
	require.NotNil(t, third)
}

func TestInMemoryLeaseCoordinatorRenewRequiresMatchingToken(t *testing.T) {
	c := NewInMemoryLeaseCoordinator()
	ctx := context.Background()

	lease, err := c.TryAcquireLease(ctx, "scope-b", "holder-1", 60)
	require.NoError(t, err)

	stale := Lease{ScopeKey: lease.ScopeKey, Token: "not-the-real-token"}
	renewed, err := c.RenewLease(ctx, stale, 60)
	require.NoError(t, err)
	require.False(t, renewed)

	renewed, err = c.RenewLease(ctx, *lease, 60)
	require.NoError(t, err)
	require.True(t, renewed)
}

func TestInMemoryLeaseCoordinatorReleaseIgnoresWrongToken(t *testing.T) {
	c := NewInMemoryLeaseCoordinator()
	ctx := context.Background()

	lease, err := c.TryAcquireLease(ctx, "scope-c", "holder-1", 60)
	require.NoError(t, err)

	require.NoError(t, c.ReleaseLease(ctx, Lease{ScopeKey: lease.ScopeKey, Token: "wrong"}))

	second, err := c.TryAcquireLease(ctx, "scope-c", "holder-2", 60)
	require.NoError(t, err)
	require.Nil(t, second, "lease should still be held since release used the wrong token")
}
