//go:build integration

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careflow/pkg/platform/sentinel"
	"careflow/pkg/testutil/containers"
)

func TestRedis_TryAcquire(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	locker := NewRedis(rc.Client, "test:")

	l, err := locker.TryAcquire(ctx, "patient-1", time.Minute)
	require.NoError(t, err)

	_, err = locker.TryAcquire(ctx, "patient-1", time.Minute)
	assert.ErrorIs(t, err, sentinel.ErrHeld)

	require.NoError(t, l.Release(ctx))
	l2, err := locker.TryAcquire(ctx, "patient-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}
