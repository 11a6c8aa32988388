package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

func TestFileLocker_MutualExclusion(t *testing.T) {
	locker := NewFileLocker(t.TempDir())
	ctx := context.Background()

	h1, err := locker.Acquire(ctx, "prod", 1, time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "prod", 2, time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	// A different target is independent
	h2, err := locker.Acquire(ctx, "staging", 2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, locker.Release(ctx, h2))

	require.NoError(t, locker.Release(ctx, h1))

	// Released lock can be re-acquired
	h3, err := locker.Acquire(ctx, "prod", 2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, locker.Release(ctx, h3))
}

func TestFileLocker_ExpiredLeaseReclaimed(t *testing.T) {
	locker := NewFileLocker(t.TempDir())
	ctx := context.Background()

	h1, err := locker.Acquire(ctx, "prod", 1, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// Crashed holder: no release, but the lease has lapsed
	h2, err := locker.Acquire(ctx, "prod", 2, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, h1.LeaseID, h2.LeaseID)

	// The old handle no longer renews or releases
	require.ErrorIs(t, locker.Renew(ctx, h1, time.Minute), ErrNotHolder)
	require.NoError(t, locker.Release(ctx, h2))
}

func TestFileLocker_ReclaimGuardSerializesAcquirers(t *testing.T) {
	dir := t.TempDir()
	locker := NewFileLocker(dir)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "prod", 1, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Another acquirer is mid-reclaim: its guard blocks this one, so
	// two acquirers cannot both remove the expired lock.
	guard := filepath.Join(dir, "prod.lock.reclaim")
	require.NoError(t, os.WriteFile(guard, nil, 0644))
	_, err = locker.Acquire(ctx, "prod", 2, time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	// A guard abandoned by a crashed reclaimer ages out.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(guard, past, past))
	h, err := locker.Acquire(ctx, "prod", 2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, locker.Release(ctx, h))
}

func TestFileLocker_Renew(t *testing.T) {
	locker := NewFileLocker(t.TempDir())
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "prod", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, locker.Renew(ctx, h, time.Minute))

	time.Sleep(60 * time.Millisecond)

	// Lease was extended past the original expiry, so the lock holds
	_, err = locker.Acquire(ctx, "prod", 2, time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)
	require.NoError(t, locker.Release(ctx, h))
}

func TestFileStore_VersionHistory(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	current, err := store.Current(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.Version)

	require.NoError(t, store.Append(ctx, &model.DeploymentState{
		Target:  "prod",
		Version: 1,
		RunID:   10,
		Desired: []byte(`{"buckets":1}`),
	}))
	require.NoError(t, store.Append(ctx, &model.DeploymentState{
		Target:  "prod",
		Version: 2,
		RunID:   11,
	}))

	current, err = store.Current(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Version)
	assert.Equal(t, int64(11), current.RunID)

	// History stays addressable by (target, version)
	v1, err := store.Get(ctx, "prod", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v1.RunID)
	assert.Equal(t, []byte(`{"buckets":1}`), v1.Desired)
}

func TestFileStore_RejectsNonMonotonicVersion(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &model.DeploymentState{Target: "prod", Version: 1}))

	err := store.Append(ctx, &model.DeploymentState{Target: "prod", Version: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must advance")

	err = store.Append(ctx, &model.DeploymentState{Target: "prod", Version: 1})
	require.Error(t, err)
}
