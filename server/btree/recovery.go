package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/spage"
	"github.com/zhukovaskychina/xbtree-engine/server/wal"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Recovery glue: redo appliers for the b-tree's recovery indices, the
// undo dispatcher that re-enters the operation flows, and the engine's
// transaction-end entry points.

func (e *Engine) registerRecovery() {
	e.dispatch.RegisterRedo(wal.RVBtreePageCopy, redoPageCopy)
	e.dispatch.RegisterRedo(wal.RVBtreePageInit, redoPageCopy)
	e.dispatch.RegisterRedo(wal.RVBtreeUndoInsert, redoRecordDiff)
	e.dispatch.RegisterRedo(wal.RVBtreeUndoPhysicalDelete, redoRecordDiff)
	e.dispatch.RegisterRedo(wal.RVBtreeUndoMvccDelete, redoRecordDiff)
	e.dispatch.RegisterRedo(wal.RVBtreeRootCounters, redoRootCounters)
}

func redoPageCopy(p *spage.Page, rec *wal.LogRecord) error {
	if len(rec.Redo) != len(p.Image) {
		return errors.Wrapf(basic.ErrMalformedRecord, "page copy length %d vs page %d", len(rec.Redo), len(p.Image))
	}
	copy(p.Image, rec.Redo)
	return nil
}

func redoRecordDiff(p *spage.Page, rec *wal.LogRecord) error {
	return wal.ApplyRecordDiff(p, rec.Slot.Slot(), rec.Redo)
}

// redoRootCounters applies signed counter deltas to the root header.
func redoRootCounters(p *spage.Page, rec *wal.LogRecord) error {
	if len(rec.Redo) < 24 {
		return errors.Wrap(basic.ErrMalformedRecord, "short counter delta")
	}
	hdrRec, err := p.GetRecord(headerSlot)
	if err != nil {
		return err
	}
	h := &RootHeader{}
	if err := h.deserialize(hdrRec); err != nil {
		return err
	}
	h.NumNulls += int64(util.GetUB8(rec.Redo, 0))
	h.NumOids += int64(util.GetUB8(rec.Redo, 8))
	h.NumKeys += int64(util.GetUB8(rec.Redo, 16))
	return p.Update(headerSlot, h.serialize())
}

// undoApplier adapts engine undo to the log manager's rollback walk.
func (e *Engine) undoApplier(ctx context.Context) wal.UndoApplier {
	return func(tran *mvccm.Tran, rec *wal.LogRecord) error {
		return e.applyUndo(ctx, tran, rec)
	}
}

func (e *Engine) applyUndo(ctx context.Context, tran *mvccm.Tran, rec *wal.LogRecord) error {
	switch rec.RV {
	case wal.RVBtreeRecord, wal.RVOverflowRecord:
		// 物理undo：按字节差回放并落补偿记录
		fp, err := e.pool.Fix(ctx, rec.VPID, basic.LatchWrite, false)
		if err != nil {
			return err
		}
		if err := wal.ApplyRecordDiff(fp.Page, rec.Slot.Slot(), rec.Undo); err != nil {
			e.pool.Unfix(fp)
			return err
		}
		e.logRecCompensate(tran, fp, rec.Slot, rec.RV, rec.Undo, rec.PrevLSA)
		e.pool.Unfix(fp)
		return nil

	case wal.RVBtreeUndoInsert:
		btid, key, obj, err := unpackLogicalUndo(rec.Undo)
		if err != nil {
			return err
		}
		bti := &BtidInt{Btid: btid}
		h := &deleteHelper{
			e:           e,
			key:         basic.Key(key),
			obj:         obj,
			purpose:     purposeUndoInsert,
			matchMvccid: obj.Mvcc.Insid,
			undoNextLSA: rec.PrevLSA,
		}
		return e.traverse(ctx, tran, bti, h)

	case wal.RVBtreeUndoPhysicalDelete:
		btid, key, obj, err := unpackLogicalUndo(rec.Undo)
		if err != nil {
			return err
		}
		bti := &BtidInt{Btid: btid}
		h := &insertHelper{
			e:           e,
			key:         basic.Key(key),
			obj:         obj,
			purpose:     purposeUndoPhysicalDelete,
			undoNextLSA: rec.PrevLSA,
		}
		return e.traverse(ctx, tran, bti, h)

	case wal.RVBtreeUndoMvccDelete:
		btid, key, obj, err := unpackLogicalUndo(rec.Undo)
		if err != nil {
			return err
		}
		bti := &BtidInt{Btid: btid}
		h := &deleteHelper{
			e:           e,
			key:         basic.Key(key),
			obj:         obj,
			purpose:     purposeUndoInsertDelid,
			matchMvccid: obj.Mvcc.Delid,
			undoNextLSA: rec.PrevLSA,
		}
		return e.traverse(ctx, tran, bti, h)
	}
	return errors.Errorf("btree: no undo handler for rv %d", rec.RV)
}

// ReflectUniqueStats pushes a transaction's accumulated counter deltas
// into the root headers, logged so redo can replay them; the page LSA
// gates re-application.
func (e *Engine) ReflectUniqueStats(ctx context.Context, tran *mvccm.Tran) error {
	for btid, stats := range tran.UniqueStats {
		if stats.IsZero() {
			continue
		}
		root, err := e.pool.Fix(ctx, btid.RootVPID, basic.LatchWrite, false)
		if err != nil {
			return err
		}
		rh, err := readRootHeader(root)
		if err != nil {
			e.pool.Unfix(root)
			return err
		}
		rh.NumNulls += stats.NumNulls
		rh.NumOids += stats.NumOids
		rh.NumKeys += stats.NumKeys
		if err := writeRootHeader(root.Page, rh); err != nil {
			e.pool.Unfix(root)
			return err
		}
		delta := make([]byte, 24)
		util.PutUB8(delta, 0, uint64(stats.NumNulls))
		util.PutUB8(delta, 8, uint64(stats.NumOids))
		util.PutUB8(delta, 16, uint64(stats.NumKeys))
		e.logRecRedo(tran, root, wal.NewSlotRef(headerSlot), wal.RVBtreeRootCounters, delta)
		e.pool.Unfix(root)
	}
	return nil
}

// Commit reflects unique stats, marks the commit and releases locks.
func (e *Engine) Commit(ctx context.Context, tran *mvccm.Tran) error {
	if err := e.ReflectUniqueStats(ctx, tran); err != nil {
		return err
	}
	e.log.AppendTranCommit(tran)
	if err := e.log.Flush(); err != nil {
		return err
	}
	e.locks.UnlockAll(tran.ID)
	tran.Commit()
	return nil
}

// Abort rolls the transaction back through the undo chain and releases
// locks. Accumulated unique-stat deltas are discarded: every logged
// operation restored the tree itself.
func (e *Engine) Abort(ctx context.Context, tran *mvccm.Tran) error {
	err := e.log.Rollback(tran, e.undoApplier(ctx))
	for k := range tran.UniqueStats {
		delete(tran.UniqueStats, k)
	}
	e.locks.UnlockAll(tran.ID)
	tran.Abort()
	return err
}

// Recover replays the log after a crash: redo everything, then undo the
// transactions that never ended. Must run before the engine serves
// traffic (the buffer pool is assumed cold).
func (e *Engine) Recover(ctx context.Context) error {
	records, err := wal.ReadLogFile(e.cfg.LogDir)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := wal.RedoPhase(e.fm, records, e.dispatch); err != nil {
		return err
	}

	// MVCCID发生器越过崩溃前的所有标记
	for _, rec := range records {
		switch rec.RV {
		case wal.RVBtreeUndoInsert, wal.RVBtreeUndoPhysicalDelete, wal.RVBtreeUndoMvccDelete:
			if _, _, obj, err := unpackLogicalUndo(rec.Undo); err == nil {
				if obj.Mvcc.Insid > obj.Mvcc.Delid {
					e.mvcc.AdvanceTo(obj.Mvcc.Insid)
				} else {
					e.mvcc.AdvanceTo(obj.Mvcc.Delid)
				}
			}
		}
	}

	uncommitted := wal.UncommittedTrans(records)
	for tranID, head := range uncommitted {
		logger.Infof("recovery: rolling back transaction %d", tranID)
		tran := e.mvcc.Begin(basic.ReadCommitted)
		chain := wal.UndoChainOf(records, head)
		for _, rec := range chain {
			if err := e.applyUndo(ctx, tran, rec); err != nil {
				return errors.Wrapf(err, "recovery undo of LSA %d", rec.LSA)
			}
		}
		e.log.AppendTranAbort(tran)
		tran.Abort()
	}
	if err := e.pool.FlushAll(); err != nil {
		return err
	}
	return e.log.Flush()
}
