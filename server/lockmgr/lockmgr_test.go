package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
)

var (
	classA = basic.OID{VolID: 0, PageID: 10, SlotID: 1}
	oidA   = basic.OID{VolID: 1, PageID: 100, SlotID: 1}
	oidB   = basic.OID{VolID: 1, PageID: 100, SlotID: 2}
)

func TestLockCompatibility(t *testing.T) {
	t.Run("shared locks coexist", func(t *testing.T) {
		lm := NewLockManager()
		assert.True(t, lm.TryLock(1, classA, oidA, basic.LockS))
		assert.True(t, lm.TryLock(2, classA, oidA, basic.LockS))
		assert.False(t, lm.TryLock(3, classA, oidA, basic.LockX))
	})

	t.Run("exclusive excludes everyone", func(t *testing.T) {
		lm := NewLockManager()
		assert.True(t, lm.TryLock(1, classA, oidA, basic.LockX))
		assert.False(t, lm.TryLock(2, classA, oidA, basic.LockS))
		assert.False(t, lm.TryLock(2, classA, oidA, basic.LockIS))
	})

	t.Run("intention locks", func(t *testing.T) {
		lm := NewLockManager()
		assert.True(t, lm.TryLock(1, classA, oidA, basic.LockIX))
		assert.True(t, lm.TryLock(2, classA, oidA, basic.LockIX))
		assert.False(t, lm.TryLock(3, classA, oidA, basic.LockS))
		assert.True(t, lm.TryLock(3, classA, oidA, basic.LockIS))
	})

	t.Run("same transaction upgrades", func(t *testing.T) {
		lm := NewLockManager()
		assert.True(t, lm.TryLock(1, classA, oidA, basic.LockS))
		assert.True(t, lm.TryLock(1, classA, oidA, basic.LockX))
		assert.True(t, lm.HasLock(1, classA, oidA, basic.LockX))
	})

	t.Run("distinct objects independent", func(t *testing.T) {
		lm := NewLockManager()
		assert.True(t, lm.TryLock(1, classA, oidA, basic.LockX))
		assert.True(t, lm.TryLock(2, classA, oidB, basic.LockX))
	})

	t.Run("flagged oids lock the canonical object", func(t *testing.T) {
		lm := NewLockManager()
		flagged := oidA
		flagged.SetMvccFlag(basic.MvccFlagHasInsid)
		assert.True(t, lm.TryLock(1, classA, flagged, basic.LockX))
		assert.False(t, lm.TryLock(2, classA, oidA, basic.LockS))
	})
}

func TestLockWaiting(t *testing.T) {
	t.Run("waiter granted on release", func(t *testing.T) {
		lm := NewLockManager()
		require.True(t, lm.TryLock(1, classA, oidA, basic.LockX))

		granted := make(chan error, 1)
		go func() {
			granted <- lm.Lock(context.Background(), 2, classA, oidA, basic.LockX)
		}()

		time.Sleep(20 * time.Millisecond)
		select {
		case <-granted:
			t.Fatal("waiter should block while tran 1 holds X")
		default:
		}
		lm.Unlock(1, classA, oidA)
		require.NoError(t, <-granted)
		assert.True(t, lm.HasLock(2, classA, oidA, basic.LockX))
	})

	t.Run("cancelled waiter reports not granted", func(t *testing.T) {
		lm := NewLockManager()
		require.True(t, lm.TryLock(1, classA, oidA, basic.LockX))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := lm.Lock(ctx, 2, classA, oidA, basic.LockX)
		assert.ErrorIs(t, err, basic.ErrLockNotGranted)
	})

	t.Run("queue respects fifo against conditional barging", func(t *testing.T) {
		lm := NewLockManager()
		require.True(t, lm.TryLock(1, classA, oidA, basic.LockX))
		go func() {
			_ = lm.Lock(context.Background(), 2, classA, oidA, basic.LockS)
		}()
		time.Sleep(20 * time.Millisecond)
		// 排队者在前，条件请求不得越过
		assert.False(t, lm.TryLock(3, classA, oidA, basic.LockS))
		lm.Unlock(1, classA, oidA)
	})

	t.Run("unlock all releases everything", func(t *testing.T) {
		lm := NewLockManager()
		require.True(t, lm.TryLock(1, classA, oidA, basic.LockX))
		require.True(t, lm.TryLock(1, classA, oidB, basic.LockS))
		lm.UnlockAll(1)
		assert.True(t, lm.TryLock(2, classA, oidA, basic.LockX))
		assert.True(t, lm.TryLock(2, classA, oidB, basic.LockX))
	})
}
