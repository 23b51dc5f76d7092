package btree

import (
	"context"
	"fmt"
	"sync"
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

var testTopClass = basic.OID{VolID: 0, PageID: 500, SlotID: 1}

func newTestEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	cfg := conf.NewCfg()
	cfg.DataDir = t.TempDir()
	cfg.LogDir = t.TempDir()

	fm := diskfile.NewFileManager(cfg.DataDir, cfg.PageSize)
	pool := pagebuf.NewBufferPool(fm, cfg.BufferPoolPages)
	logMgr, err := wal.NewLogManager(cfg.LogDir, cfg.LogBufferSize)
	require.NoError(t, err)
	e := NewEngine(cfg, fm, pool, logMgr, lockmgr.NewLockManager(), mvccm.NewMvccTable())
	t.Cleanup(func() {
		logMgr.Close()
		fm.Close()
	})
	return e, context.Background()
}

func createIntIndex(t *testing.T, e *Engine, ctx context.Context, unique bool) *BtidInt {
	t.Helper()
	tran := e.Mvcc().Begin(basic.ReadCommitted)
	bti, err := e.CreateIndex(ctx, tran, 0, basic.IntDomain, unique, false, testTopClass)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, tran))
	return bti
}

func heapOID(page int32, slot int16) basic.OID {
	return basic.OID{VolID: 1, PageID: page, SlotID: slot}
}

func mustInsert(t *testing.T, e *Engine, ctx context.Context, tran *mvccm.Tran, bti *BtidInt, k int32, oid basic.OID) {
	t.Helper()
	_, err := e.Insert(ctx, tran, bti, basic.Key(basic.IntKeyBytes(k)), testTopClass, oid,
		basic.OpSingleRow, tran.Mvccid)
	require.NoError(t, err)
}

func scanAll(t *testing.T, e *Engine, ctx context.Context, tran *mvccm.Tran, bti *BtidInt, desc bool) []basic.OID {
	t.Helper()
	bts := e.NewScan(tran, bti, KeyRange{Kind: basic.RangeInfInf}, desc)
	var out []basic.OID
	for !bts.IsEnded() {
		chunk, err := bts.RangeScan(ctx, 512)
		require.NoError(t, err)
		out = append(out, chunk...)
		if len(chunk) == 0 && !bts.IsEnded() {
			t.Fatal("scan made no progress")
		}
	}
	return out
}

func treeHeight(t *testing.T, e *Engine, ctx context.Context, bti *BtidInt) int {
	t.Helper()
	root, err := e.Pool().Fix(ctx, bti.Btid.RootVPID, basic.LatchRead, false)
	require.NoError(t, err)
	defer e.Pool().Unfix(root)
	rh, err := readRootHeader(root)
	require.NoError(t, err)
	return rh.NodeLevel
}

func rootCounters(t *testing.T, e *Engine, ctx context.Context, bti *BtidInt) (nulls, oids, keys int64) {
	t.Helper()
	root, err := e.Pool().Fix(ctx, bti.Btid.RootVPID, basic.LatchRead, false)
	require.NoError(t, err)
	defer e.Pool().Unfix(root)
	rh, err := readRootHeader(root)
	require.NoError(t, err)
	return rh.NumNulls, rh.NumOids, rh.NumKeys
}

func TestInsertAndFindUnique(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, true)

	tran := e.Mvcc().Begin(basic.ReadCommitted)
	mustInsert(t, e, ctx, tran, bti, 5, heapOID(1, 1))
	require.NoError(t, e.Commit(ctx, tran))

	reader := e.Mvcc().Begin(basic.ReadCommitted)
	found, oid, err := e.FindUnique(ctx, reader, bti, basic.Key(basic.IntKeyBytes(5)), basic.LockS)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, oid.Equals(heapOID(1, 1)))

	found, _, err = e.FindUnique(ctx, reader, bti, basic.Key(basic.IntKeyBytes(6)), basic.LockNone)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInsertThenSplit(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)

	const n = 2000
	tran := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= n; i++ {
		mustInsert(t, e, ctx, tran, bti, i, heapOID(1, int16(i%1000)+1))
	}
	require.NoError(t, e.Commit(ctx, tran))

	assert.GreaterOrEqual(t, treeHeight(t, e, ctx, bti), 2, "inserting %d keys must split", n)
	require.NoError(t, e.CheckTree(ctx, bti))

	reader := e.Mvcc().Begin(basic.ReadCommitted)
	oids := scanAll(t, e, ctx, reader, bti, false)
	require.Len(t, oids, n)

	// 键升序扫描还原插入次序
	keys := collectKeys(t, e, ctx, reader, bti)
	require.Len(t, keys, n)
	for i, k := range keys {
		assert.Equal(t, int32(i+1), k)
	}
}

func collectKeys(t *testing.T, e *Engine, ctx context.Context, tran *mvccm.Tran, bti *BtidInt) []int32 {
	t.Helper()
	var keys []int32
	err := e.GetNextKeyInfo(ctx, tran, bti, func(info KeyInfo) bool {
		keys = append(keys, int32(uint32(info.Key[0])|uint32(info.Key[1])<<8|
			uint32(info.Key[2])<<16|uint32(info.Key[3])<<24))
		return true
	})
	require.NoError(t, err)
	return keys
}

func TestUniqueViolation(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, true)

	t1 := e.Mvcc().Begin(basic.ReadCommitted)
	mustInsert(t, e, ctx, t1, bti, 5, heapOID(1, 1))
	require.NoError(t, e.Commit(ctx, t1))

	t2 := e.Mvcc().Begin(basic.ReadCommitted)
	_, err := e.Insert(ctx, t2, bti, basic.Key(basic.IntKeyBytes(5)), testTopClass, heapOID(1, 2),
		basic.OpSingleRow, t2.Mvccid)
	assert.ErrorIs(t, err, basic.ErrUniqueViolationWithKey)
	require.NoError(t, e.Abort(ctx, t2))

	reader := e.Mvcc().Begin(basic.ReadCommitted)
	found, oid, err := e.FindUnique(ctx, reader, bti, basic.Key(basic.IntKeyBytes(5)), basic.LockNone)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, oid.Equals(heapOID(1, 1)))
}

func TestMvccDeleteAndVacuum(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, true)
	key := basic.Key(basic.IntKeyBytes(5))

	inserter := e.Mvcc().Begin(basic.ReadCommitted)
	mustInsert(t, e, ctx, inserter, bti, 5, heapOID(1, 1))
	require.NoError(t, e.Commit(ctx, inserter))

	// 删除提交前取的快照仍然看得到对象
	before := e.Mvcc().Begin(basic.RepeatableRead)
	deleter := e.Mvcc().Begin(basic.ReadCommitted)
	_, err := e.MvccDelete(ctx, deleter, bti, key, testTopClass, heapOID(1, 1),
		basic.OpSingleRow, deleter.Mvccid)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, deleter))
	after := e.Mvcc().Begin(basic.RepeatableRead)

	found, oid, err := e.FindUnique(ctx, before, bti, key, basic.LockNone)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, oid.Equals(heapOID(1, 1)))

	found, _, err = e.FindUnique(ctx, after, bti, key, basic.LockNone)
	require.NoError(t, err)
	assert.False(t, found)
	before.Commit()

	// delid全局退役后对象可整体清除
	vac := e.Mvcc().Begin(basic.ReadCommitted)
	require.NoError(t, e.VacuumObject(ctx, vac, bti, key, heapOID(1, 1), testTopClass, deleter.Mvccid))
	require.NoError(t, e.Commit(ctx, vac))

	probe := e.Mvcc().Begin(basic.ReadCommitted)
	found, _, err = e.FindUnique(ctx, probe, bti, key, basic.LockNone)
	require.NoError(t, err)
	assert.False(t, found)

	nulls, oids, keys := rootCounters(t, e, ctx, bti)
	assert.Zero(t, nulls)
	assert.Zero(t, oids)
	assert.Zero(t, keys)
	require.NoError(t, e.CheckTree(ctx, bti))
}

func TestOverflowChain(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)
	key := basic.Key(basic.IntKeyBytes(42))

	const n = 3000
	tran := e.Mvcc().Begin(basic.ReadCommitted)
	for i := 0; i < n; i++ {
		oid := heapOID(int32(i/10+1), int16(i%10+1))
		_, err := e.Insert(ctx, tran, bti, key, testTopClass, oid, basic.OpSingleRow, tran.Mvccid)
		require.NoError(t, err)
	}
	require.NoError(t, e.Commit(ctx, tran))

	// 键的对象必须溢出到链上
	var sawChain bool
	reader := e.Mvcc().Begin(basic.ReadCommitted)
	err := e.GetNextKeyInfo(ctx, reader, bti, func(info KeyInfo) bool {
		sawChain = info.HasChain
		assert.Equal(t, n, info.NumObjects)
		return true
	})
	require.NoError(t, err)
	assert.True(t, sawChain, "object list should spill to overflow pages")
	require.NoError(t, e.CheckTree(ctx, bti))

	// 最小OID是叶记录首对象，删除走链尾顶替路径
	deleter := e.Mvcc().Begin(basic.ReadCommitted)
	require.NoError(t, e.PhysicalDelete(ctx, deleter, bti, key, heapOID(1, 1), testTopClass, basic.OpSingleRow))
	require.NoError(t, e.Commit(ctx, deleter))

	scanner := e.Mvcc().Begin(basic.ReadCommitted)
	oids := scanAll(t, e, ctx, scanner, bti, false)
	assert.Len(t, oids, n-1)
	for _, oid := range oids {
		assert.False(t, oid.Equals(heapOID(1, 1)))
	}
	require.NoError(t, e.CheckTree(ctx, bti))
}

func TestDescendingScan(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)

	const n = 1500
	tran := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= n; i++ {
		mustInsert(t, e, ctx, tran, bti, i, heapOID(i, 1))
	}
	require.NoError(t, e.Commit(ctx, tran))

	reader := e.Mvcc().Begin(basic.ReadCommitted)
	desc := scanAll(t, e, ctx, reader, bti, true)
	require.Len(t, desc, n)
	for i, oid := range desc {
		assert.Equal(t, int32(n-i), oid.PageID)
	}
}

func TestRangeBounds(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)

	tran := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= 100; i++ {
		mustInsert(t, e, ctx, tran, bti, i, heapOID(i, 1))
	}
	require.NoError(t, e.Commit(ctx, tran))
	reader := e.Mvcc().Begin(basic.ReadCommitted)

	cases := []struct {
		kind  basic.RangeKind
		lo    int32
		hi    int32
		count int
	}{
		{basic.RangeGeLe, 10, 20, 11},
		{basic.RangeGtLt, 10, 20, 9},
		{basic.RangeGeLt, 10, 20, 10},
		{basic.RangeGtLe, 10, 20, 10},
		{basic.RangeGeInf, 90, 0, 11},
		{basic.RangeInfLe, 0, 5, 5},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("kind_%d", tc.kind), func(t *testing.T) {
			bts := e.NewScan(reader, bti, KeyRange{
				Kind:  tc.kind,
				Lower: basic.Key(basic.IntKeyBytes(tc.lo)),
				Upper: basic.Key(basic.IntKeyBytes(tc.hi)),
			}, false)
			var got []basic.OID
			for !bts.IsEnded() {
				chunk, err := bts.RangeScan(ctx, 64)
				require.NoError(t, err)
				got = append(got, chunk...)
			}
			assert.Len(t, got, tc.count)
		})
	}

	t.Run("keyval search equality", func(t *testing.T) {
		oids, err := e.KeyvalSearch(ctx, reader, bti, basic.Key(basic.IntKeyBytes(55)), 16)
		require.NoError(t, err)
		require.Len(t, oids, 1)
		assert.Equal(t, int32(55), oids[0].PageID)
	})
}

func TestNullKeyCounters(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, true)

	tran := e.Mvcc().Begin(basic.ReadCommitted)
	_, err := e.Insert(ctx, tran, bti, basic.NullKey(), testTopClass, heapOID(1, 1),
		basic.OpSingleRow, tran.Mvccid)
	require.NoError(t, err)
	mustInsert(t, e, ctx, tran, bti, 7, heapOID(1, 2))
	require.NoError(t, e.Commit(ctx, tran))

	nulls, oids, keys := rootCounters(t, e, ctx, bti)
	assert.Equal(t, int64(1), nulls)
	assert.Equal(t, int64(2), oids)
	assert.Equal(t, int64(1), keys)
}

func TestAbortRollsBack(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)

	committed := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= 50; i++ {
		mustInsert(t, e, ctx, committed, bti, i, heapOID(i, 1))
	}
	require.NoError(t, e.Commit(ctx, committed))

	doomed := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(51); i <= 120; i++ {
		mustInsert(t, e, ctx, doomed, bti, i, heapOID(i, 1))
	}
	require.NoError(t, e.PhysicalDelete(ctx, doomed, bti, basic.Key(basic.IntKeyBytes(10)),
		heapOID(10, 1), testTopClass, basic.OpSingleRow))
	require.NoError(t, e.Abort(ctx, doomed))

	reader := e.Mvcc().Begin(basic.ReadCommitted)
	keys := collectKeys(t, e, ctx, reader, bti)
	require.Len(t, keys, 50)
	for i, k := range keys {
		assert.Equal(t, int32(i+1), k)
	}
	require.NoError(t, e.CheckTree(ctx, bti))
}

func TestMergeOnDeletes(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)

	const n = 2000
	tran := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= n; i++ {
		mustInsert(t, e, ctx, tran, bti, i, heapOID(i, 1))
	}
	require.NoError(t, e.Commit(ctx, tran))
	require.GreaterOrEqual(t, treeHeight(t, e, ctx, bti), 2)

	deleter := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= n-10; i++ {
		require.NoError(t, e.PhysicalDelete(ctx, deleter, bti, basic.Key(basic.IntKeyBytes(i)),
			heapOID(i, 1), testTopClass, basic.OpSingleRow))
	}
	require.NoError(t, e.Commit(ctx, deleter))

	reader := e.Mvcc().Begin(basic.ReadCommitted)
	keys := collectKeys(t, e, ctx, reader, bti)
	assert.Len(t, keys, 10)
	require.NoError(t, e.CheckTree(ctx, bti))
}

func TestMidxkeyPrefixCompression(t *testing.T) {
	e, ctx := newTestEngine(t)
	dom := &basic.MidxKeyDomain{Cols: []basic.KeyDomain{basic.VarcharDomain, basic.IntDomain}}

	setup := e.Mvcc().Begin(basic.ReadCommitted)
	bti, err := e.CreateIndex(ctx, setup, 0, dom, false, false, testTopClass)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, setup))

	midx := func(group string, seq int32) basic.KeyVal {
		return basic.Key(basic.MidxKeyBytes(
			basic.MidxColumn{Code: basic.KeyTypeVarchar, Payload: basic.VarcharKeyBytes(group)},
			basic.MidxColumn{Code: basic.KeyTypeInt, Payload: basic.IntKeyBytes(seq)},
		))
	}

	const n = 1200
	tran := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(0); i < n; i++ {
		group := fmt.Sprintf("tenant-%02d", i%4)
		_, err := e.Insert(ctx, tran, bti, midx(group, i), testTopClass, heapOID(i+1, 1),
			basic.OpSingleRow, tran.Mvccid)
		require.NoError(t, err)
	}
	require.NoError(t, e.Commit(ctx, tran))

	require.NoError(t, e.CheckTree(ctx, bti))
	reader := e.Mvcc().Begin(basic.ReadCommitted)
	oids := scanAll(t, e, ctx, reader, bti, false)
	assert.Len(t, oids, n)
}

func TestUniqueMultiRowUpdate(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, true)
	key := basic.Key(basic.IntKeyBytes(5))

	setup := e.Mvcc().Begin(basic.ReadCommitted)
	mustInsert(t, e, ctx, setup, bti, 5, heapOID(1, 1))
	require.NoError(t, e.Commit(ctx, setup))

	// 同键改值：旧版本打delid，新对象顶到首位
	updater := e.Mvcc().Begin(basic.ReadCommitted)
	_, err := e.MvccDelete(ctx, updater, bti, key, testTopClass, heapOID(1, 1),
		basic.OpMultiRowUpdate, updater.Mvccid)
	require.NoError(t, err)
	_, err = e.Insert(ctx, updater, bti, key, testTopClass, heapOID(1, 2),
		basic.OpMultiRowUpdate, updater.Mvccid)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, updater))

	reader := e.Mvcc().Begin(basic.ReadCommitted)
	found, oid, err := e.FindUnique(ctx, reader, bti, key, basic.LockNone)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, oid.Equals(heapOID(1, 2)))

	// 老版本退役后清走，键计数保持1
	vac := e.Mvcc().Begin(basic.ReadCommitted)
	require.NoError(t, e.VacuumObject(ctx, vac, bti, key, heapOID(1, 1), testTopClass, updater.Mvccid))
	require.NoError(t, e.Commit(ctx, vac))
	require.NoError(t, e.CheckTree(ctx, bti))

	_, oids, keys := rootCounters(t, e, ctx, bti)
	assert.Equal(t, int64(1), oids)
	assert.Equal(t, int64(1), keys)
}

func TestConcurrentInsertAndScan(t *testing.T) {
	e, ctx := newTestEngine(t)
	bti := createIntIndex(t, e, ctx, false)

	seed := e.Mvcc().Begin(basic.ReadCommitted)
	for i := int32(1); i <= 300; i++ {
		mustInsert(t, e, ctx, seed, bti, i*10, heapOID(i, 1))
	}
	require.NoError(t, e.Commit(ctx, seed))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			tran := e.Mvcc().Begin(basic.ReadCommitted)
			for i := int32(0); i < 150; i++ {
				k := int32(w)*100000 + i*10 + int32(w) + 1
				_, err := e.Insert(ctx, tran, bti, basic.Key(basic.IntKeyBytes(k)),
					testTopClass, heapOID(k, 1), basic.OpSingleRow, tran.Mvccid)
				assert.NoError(t, err)
			}
			assert.NoError(t, e.Commit(ctx, tran))
		}()
	}
	for s := 0; s < 2; s++ {
		desc := s == 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			tran := e.Mvcc().Begin(basic.RepeatableRead)
			oids := scanAll(t, e, ctx, tran, bti, desc)
			// 播种数据先于快照，必须完整可见
			assert.GreaterOrEqual(t, len(oids), 300)
		}()
	}
	wg.Wait()

	require.NoError(t, e.CheckTree(ctx, bti))
	reader := e.Mvcc().Begin(basic.ReadCommitted)
	oids := scanAll(t, e, ctx, reader, bti, false)
	assert.Len(t, oids, 300+4*150)
}
