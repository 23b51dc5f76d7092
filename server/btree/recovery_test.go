package btree

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/conf"
	"github.com/zhukovaskychina/xbtree-engine/server/diskfile"
	"github.com/zhukovaskychina/xbtree-engine/server/lockmgr"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
	"github.com/zhukovaskychina/xbtree-engine/server/wal"
)

// engineOverDirs builds an engine over caller-owned directories so a second
// engine can be opened over the same state, simulating a restart.
func engineOverDirs(t *testing.T, dataDir, logDir string) *Engine {
	t.Helper()
	cfg := conf.NewCfg()
	cfg.DataDir = dataDir
	cfg.LogDir = logDir

	fm := diskfile.NewFileManager(cfg.DataDir, cfg.PageSize)
	pool := pagebuf.NewBufferPool(fm, cfg.BufferPoolPages)
	logMgr, err := wal.NewLogManager(cfg.LogDir, cfg.LogBufferSize)
	require.NoError(t, err)
	return NewEngine(cfg, fm, pool, logMgr, lockmgr.NewLockManager(), mvccm.NewMvccTable())
}

func shutdownEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Log().Close())
	require.NoError(t, e.fm.Close())
}

func TestRedoIdempotence(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)

	tran := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= 600; i++ {
		mustInsert(t, e, ctx, tran, bti, i, heapOID(i, 1))
	}
	require.NoError(t, e.Commit(ctx, tran))
	require.NoError(t, e.Pool().FlushAll())
	require.NoError(t, e.Log().Flush())

	// 页面LSA已到位，重放全部日志必须是无操作
	imagesBefore := make(map[basic.VPID][]byte)
	err := e.GetNextNodeInfo(ctx, e.Mvcc().Begin(basic.ReadCommitted), bti, func(info NodeInfo) bool {
		img := make([]byte, e.cfg.PageSize)
		require.NoError(t, e.fm.ReadPage(info.VPID, img))
		imagesBefore[info.VPID] = img
		return true
	})
	require.NoError(t, err)
	require.NotEmpty(t, imagesBefore)

	require.NoError(t, wal.RedoPhase(e.fm, e.Log().Records(), e.dispatch))

	for vpid, before := range imagesBefore {
		after := make([]byte, e.cfg.PageSize)
		require.NoError(t, e.fm.ReadPage(vpid, after))
		assert.Equal(t, before, after, "page (%d,%d) changed under replay", vpid.VolID, vpid.PageID)
	}
}

func TestCrashRecovery(t *testing.T) {
	dataDir := t.TempDir()
	logDir := t.TempDir()
	ctx := context.Background()

	e1 := engineOverDirs(t, dataDir, logDir)
	setup := e1.Mvcc().Begin(basic.ReadCommitted)
	bti, err := e1.CreateIndex(ctx, setup, 0, basic.IntDomain, false, false, testTopClass)
	require.NoError(t, err)
	require.NoError(t, e1.Commit(ctx, setup))

	committed := e1.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= 400; i++ {
		mustInsert(t, e1, ctx, committed, bti, i, heapOID(i, 1))
	}
	require.NoError(t, e1.Commit(ctx, committed))

	// 未提交事务的修改冲到磁盘后模拟崩溃
	rng := rand.New(rand.NewSource(7))
	doomed := e1.Mvcc().Begin(basic.ReadCommitted)
	for i := 0; i < 500; i++ {
		if rng.Intn(3) == 0 {
			k := rng.Int31n(400) + 1
			err := e1.PhysicalDelete(ctx, doomed, bti, basic.Key(basic.IntKeyBytes(k)),
				heapOID(k, 1), testTopClass, basic.OpSingleRow)
			if err != nil && !isExpectedDeleteMiss(err) {
				t.Fatalf("delete: %v", err)
			}
		} else {
			k := rng.Int31n(100000) + 1000
			_, err := e1.Insert(ctx, doomed, bti, basic.Key(basic.IntKeyBytes(k)),
				testTopClass, heapOID(k, 1), basic.OpSingleRow, doomed.Mvccid)
			require.NoError(t, err)
		}
	}
	require.NoError(t, e1.Log().Flush())
	require.NoError(t, e1.Pool().FlushAll())
	shutdownEngine(t, e1)

	// 重启：重做后回滚未决事务
	e2 := engineOverDirs(t, dataDir, logDir)
	defer shutdownEngine(t, e2)
	require.NoError(t, e2.Recover(ctx))

	bti2, err := e2.OpenIndex(ctx, bti.Btid.VFID)
	require.NoError(t, err)
	require.NoError(t, e2.CheckTree(ctx, bti2))

	reader := e2.Mvcc().Begin(basic.ReadCommitted)
	var keys []int32
	err = e2.GetNextKeyInfo(ctx, reader, bti2, func(info KeyInfo) bool {
		keys = append(keys, int32(uint32(info.Key[0])|uint32(info.Key[1])<<8|
			uint32(info.Key[2])<<16|uint32(info.Key[3])<<24))
		return true
	})
	require.NoError(t, err)
	require.Len(t, keys, 400, "recovery must restore exactly the committed keys")
	for i, k := range keys {
		assert.Equal(t, int32(i+1), k)
	}
}

// isExpectedDeleteMiss the random workload may delete the same key twice.
func isExpectedDeleteMiss(err error) bool {
	return errors.Is(err, basic.ErrKeyNotFound) || errors.Is(err, basic.ErrOidNotFound)
}

func TestUndoRestoresMvccDelete(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, true)
	key := basic.Key(basic.IntKeyBytes(9))

	inserter := e.Mvcc().Begin(basic.ReadCommitted)
	mustInsert(t, e, ctx, inserter, bti, 9, heapOID(9, 1))
	require.NoError(t, e.Commit(ctx, inserter))

	deleter := e.Mvcc().Begin(basic.ReadCommitted)
	_, err := e.MvccDelete(ctx, deleter, bti, key, testTopClass, heapOID(9, 1),
		basic.OpSingleRow, deleter.Mvccid)
	require.NoError(t, err)
	require.NoError(t, e.Abort(ctx, deleter))

	// 回滚清掉delid，对象恢复可见
	reader := e.Mvcc().Begin(basic.ReadCommitted)
	found, oid, err := e.FindUnique(ctx, reader, bti, key, basic.LockNone)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, oid.Equals(heapOID(9, 1)))
	require.NoError(t, e.CheckTree(ctx, bti))
}

func TestVacuumInsertMvccid(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)
	key := basic.Key(basic.IntKeyBytes(11))

	tran := e.Mvcc().Begin(basic.ReadCommitted)
	_, err := e.Insert(ctx, tran, bti, key, testTopClass, heapOID(11, 1),
		basic.OpSingleRow, tran.Mvccid)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, tran))

	vac := e.Mvcc().Begin(basic.ReadCommitted)
	require.NoError(t, e.VacuumInsertMvccid(ctx, vac, bti, key, heapOID(11, 1), testTopClass, tran.Mvccid))
	require.NoError(t, e.Commit(ctx, vac))

	// 清除后任何快照都视其为可见
	fresh := e.Mvcc().Begin(basic.RepeatableRead)
	oids, err := e.KeyvalSearch(ctx, fresh, bti, key, 4)
	require.NoError(t, err)
	require.Len(t, oids, 1)

	// vacuum落空时告警而非报错
	vac2 := e.Mvcc().Begin(basic.ReadCommitted)
	require.NoError(t, e.VacuumInsertMvccid(ctx, vac2, bti, key, heapOID(11, 1), testTopClass, tran.Mvccid))
}
