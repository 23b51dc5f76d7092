package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/spage"
)

func TestSlotRef(t *testing.T) {
	ref := NewSlotRef(1234)
	assert.Equal(t, int16(1234), ref.Slot())
	assert.False(t, ref.IsOverflowNode())

	ref = ref.WithOverflowNode().WithUpdateMaxKeyLen()
	assert.True(t, ref.IsOverflowNode())
	assert.True(t, ref.HasUpdateMaxKeyLen())
	assert.False(t, ref.HasDebugInfo())
	assert.Equal(t, int16(1234), ref.Slot())
}

func TestRecordDiffs(t *testing.T) {
	newPage := func() *spage.Page {
		p := spage.NewPage(make([]byte, 4096))
		p.Format(basic.PageTypeBtree)
		return p
	}

	t.Run("insert delete update replay", func(t *testing.T) {
		p := newPage()
		require.NoError(t, ApplyRecordDiff(p, 0, PackRecInsert([]byte("alpha"))))
		require.NoError(t, ApplyRecordDiff(p, 1, PackRecInsert([]byte("beta"))))
		require.NoError(t, ApplyRecordDiff(p, 0, PackRecUpdateAll([]byte("gamma"))))
		require.NoError(t, ApplyRecordDiff(p, 1, PackRecDelete()))

		rec, err := p.GetRecord(0)
		require.NoError(t, err)
		assert.Equal(t, "gamma", string(rec))
		assert.Equal(t, int16(1), p.SlotCount())
	})

	t.Run("partial splices", func(t *testing.T) {
		rec := []byte("0123456789")
		diff := PackRecPartial(
			PartialChange{Offset: 2, OldLen: 3, New: []byte("XY")},
			PartialChange{Offset: 0, OldLen: 1, New: []byte("zz")},
		)
		out, err := ApplyPartial(rec, diff)
		require.NoError(t, err)
		// 依次应用：01XY56789 → zz1XY56789
		assert.Equal(t, "zz1XY56789", string(out))
	})

	t.Run("splice past end rejected", func(t *testing.T) {
		diff := PackRecPartial(PartialChange{Offset: 8, OldLen: 9, New: nil})
		_, err := ApplyPartial([]byte("short"), diff)
		assert.ErrorIs(t, err, basic.ErrMalformedRecord)
	})
}

func TestLogManager(t *testing.T) {
	newLog := func(t *testing.T) (*LogManager, *mvccm.MvccTable, string) {
		dir := t.TempDir()
		lm, err := NewLogManager(dir, 4)
		require.NoError(t, err)
		t.Cleanup(func() { lm.Close() })
		return lm, mvccm.NewMvccTable(), dir
	}

	t.Run("lsa chain per transaction", func(t *testing.T) {
		lm, table, _ := newLog(t)
		tran := table.Begin(basic.ReadCommitted)
		vpid := basic.VPID{VolID: 0, PageID: 9}

		r1 := lm.AppendUndoRedo(tran, RVBtreeRecord, vpid, NewSlotRef(1), PackRecDelete(), PackRecInsert([]byte("a")))
		r2 := lm.AppendUndoRedo(tran, RVBtreeRecord, vpid, NewSlotRef(2), PackRecDelete(), PackRecInsert([]byte("b")))
		assert.Equal(t, r1.LSA, r2.PrevLSA)
		assert.Equal(t, r2.LSA, tran.LastLSA)
		assert.Same(t, r2, lm.ByLSA(r2.LSA))
	})

	t.Run("file round trip and reopen continues lsa", func(t *testing.T) {
		lm, table, dir := newLog(t)
		tran := table.Begin(basic.ReadCommitted)
		for i := 0; i < 7; i++ {
			lm.AppendRedo(tran, RVBtreeRecord, basic.VPID{PageID: int32(i)}, NewSlotRef(int16(i)),
				PackRecInsert([]byte{byte(i)}))
		}
		lastLSA := tran.LastLSA
		require.NoError(t, lm.Flush())

		records, err := ReadLogFile(dir)
		require.NoError(t, err)
		require.Len(t, records, 7)
		assert.Equal(t, lastLSA, records[6].LSA)

		require.NoError(t, lm.Close())
		lm2, err := NewLogManager(dir, 4)
		require.NoError(t, err)
		defer lm2.Close()
		rec := lm2.AppendRedo(nil, RVBtreeRecord, basic.VPID{PageID: 99}, NewSlotRef(0), PackRecDelete())
		assert.Equal(t, lastLSA+1, rec.LSA)
	})

	t.Run("system op commit detaches records from undo chain", func(t *testing.T) {
		lm, table, _ := newLog(t)
		tran := table.Begin(basic.ReadCommitted)
		outside := lm.AppendUndoRedo(tran, RVBtreeRecord, basic.VPID{PageID: 1}, NewSlotRef(1),
			PackRecDelete(), PackRecInsert([]byte("user")))

		lm.StartSystemOp(tran)
		lm.AppendRedo(tran, RVBtreePageCopy, basic.VPID{PageID: 2}, NewSlotRef(0), []byte("structural"))
		require.NoError(t, lm.EndSystemOp(tran, true, nil))

		assert.Equal(t, outside.LSA, tran.LastLSA)
		assert.Equal(t, 0, tran.SysopDepth)
	})

	t.Run("rollback walks the chain through applier", func(t *testing.T) {
		lm, table, _ := newLog(t)
		tran := table.Begin(basic.ReadCommitted)
		var applied []basic.LSA
		r1 := lm.AppendUndoRedo(tran, RVBtreeRecord, basic.VPID{PageID: 1}, NewSlotRef(1),
			PackRecDelete(), PackRecInsert([]byte("one")))
		r2 := lm.AppendUndoRedo(tran, RVBtreeRecord, basic.VPID{PageID: 1}, NewSlotRef(2),
			PackRecDelete(), PackRecInsert([]byte("two")))

		err := lm.Rollback(tran, func(tr *mvccm.Tran, rec *LogRecord) error {
			applied = append(applied, rec.LSA)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []basic.LSA{r2.LSA, r1.LSA}, applied)
		assert.Equal(t, basic.NullLSA, tran.LastLSA)
	})

	t.Run("uncommitted transactions identified", func(t *testing.T) {
		lm, table, _ := newLog(t)
		committed := table.Begin(basic.ReadCommitted)
		hanging := table.Begin(basic.ReadCommitted)
		lm.AppendUndoRedo(committed, RVBtreeRecord, basic.VPID{PageID: 1}, NewSlotRef(1), PackRecDelete(), PackRecInsert([]byte("c")))
		lm.AppendTranCommit(committed)
		dangling := lm.AppendUndoRedo(hanging, RVBtreeRecord, basic.VPID{PageID: 2}, NewSlotRef(1), PackRecDelete(), PackRecInsert([]byte("h")))

		open := UncommittedTrans(lm.Records())
		require.Len(t, open, 1)
		assert.Equal(t, dangling.LSA, open[hanging.ID])
	})

	t.Run("redo phase is lsa gated", func(t *testing.T) {
		p := spage.NewPage(make([]byte, 4096))
		p.Format(basic.PageTypeBtree)
		rec := &LogRecord{LSA: 5, Type: RecRedo, RV: RVBtreeRecord,
			Slot: NewSlotRef(0), Redo: PackRecInsert([]byte("once"))}
		d := NewDispatch()
		require.NoError(t, d.Redo(p, rec))
		p.SetLSA(rec.LSA)

		// 再放一遍被LSA闸住，不会重复插入
		if p.LSA() < rec.LSA {
			require.NoError(t, d.Redo(p, rec))
		}
		assert.Equal(t, int16(1), p.SlotCount())
	})
}
