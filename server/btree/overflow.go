package btree

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
	"github.com/zhukovaskychina/xbtree-engine/server/wal"
)

// Overflow-OID pages. A key whose object list outgrows its leaf record
// spills into a chain of dedicated pages, each holding one dense record of
// fixed-size objects sorted by OID. The chain is anchored at the leaf
// record's trailer link and threaded through the pages' next pointers.

const ovfRecSlot int16 = 0

// maxLeafObjects bound on objects kept inside the leaf record itself.
func (e *Engine) maxLeafObjects() int {
	return e.cfg.MaxOidlenInPage() / (oidSize + 2*mvccidSize)
}

// ovfRecord the single dense record of an overflow page.
func ovfRecord(fp *pagebuf.FixedPage) ([]byte, error) {
	return fp.Page.GetRecord(ovfRecSlot)
}

// ovfHasSpace can one more fixed object fit.
func ovfHasSpace(bti *BtidInt, fp *pagebuf.FixedPage) bool {
	return fp.Page.FreeSpace() >= fixedObjSize(bti)
}

// newOverflowHead allocates an overflow page holding obj alone and links
// it at the head of the record's chain. Runs inside a system operation;
// the leaf record is also forced to fixed-size first-object form.
func (e *Engine) newOverflowHead(oc *opCtx, leaf *pagebuf.FixedPage, slot int16, obj ObjectInfo) error {
	bti := oc.bti
	rec, err := leaf.Page.CopyRecord(slot)
	if err != nil {
		return err
	}
	oldFirst := leafOverflowLink(rec)

	e.log.StartSystemOp(oc.tran)

	ovf, err := e.pool.AllocPage(oc.ctx, bti.Btid.VFID, leaf.VPID, basic.PageTypeOverflowOid)
	if err != nil {
		_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
		return err
	}
	ovf.Page.SetNextVPID(oldFirst)
	if err := ovf.Page.InsertAt(ovfRecSlot, packObject(bti, obj, false, true, 0)); err != nil {
		e.pool.Unfix(ovf)
		_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
		return err
	}
	e.logPageCopy(oc.tran, ovf)
	newHead := ovf.VPID
	e.pool.Unfix(ovf)

	// 叶记录首对象转定长并指向新链头
	if !recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids) {
		rec = setFirstObjectFixedSize(bti, rec)
	}
	rec, _ = setOverflowLink(bti, rec, newHead)
	if err := leaf.Page.Update(slot, rec); err != nil {
		_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
		return err
	}
	e.logRecRedo(oc.tran, leaf, wal.NewSlotRef(slot), wal.RVBtreeRecord, wal.PackRecUpdateAll(rec))

	return e.log.EndSystemOp(oc.tran, true, e.undoApplier(oc.ctx))
}

// appendObjectOverflow places obj somewhere in the record's chain: the
// first page with room wins, else a fresh page is pushed at the head.
func (e *Engine) appendObjectOverflow(oc *opCtx, leaf *pagebuf.FixedPage, slot int16, obj ObjectInfo) error {
	bti := oc.bti
	rec, err := leaf.Page.GetRecord(slot)
	if err != nil {
		return err
	}
	vpid := leafOverflowLink(rec)

	for !vpid.IsNull() {
		ovf, err := e.pool.Fix(oc.ctx, vpid, basic.LatchWrite, false)
		if err != nil {
			return err
		}
		if err := e.pool.CheckPageType(ovf, basic.PageTypeOverflowOid); err != nil {
			e.pool.Unfix(ovf)
			return err
		}
		if ovfHasSpace(bti, ovf) {
			orec, err := ovfRecord(ovf)
			if err != nil {
				e.pool.Unfix(ovf)
				return err
			}
			out, change := insertObjectSorted(bti, orec, obj)
			if err := ovf.Page.Update(ovfRecSlot, out); err != nil {
				e.pool.Unfix(ovf)
				return err
			}
			e.logRecRedo(oc.tran, ovf, wal.NewSlotRef(ovfRecSlot).WithOverflowNode(),
				wal.RVOverflowRecord, wal.PackRecPartial(change))
			e.pool.Unfix(ovf)
			return nil
		}
		next := ovf.Page.NextVPID()
		e.pool.Unfix(ovf)
		vpid = next
	}

	return e.newOverflowHead(oc, leaf, slot, obj)
}

// ovfObjectLocation one object found in a chain.
type ovfObjectLocation struct {
	page *pagebuf.FixedPage
	prev basic.VPID // previous overflow page, null when page is the head
	ref  objectRef
}

// findOvfObject walks the chain for the object matched by match. The page
// holding it is returned write-latched; the caller unfixes.
func (e *Engine) findOvfObject(oc *opCtx, first basic.VPID, match func(ObjectInfo) bool) (*ovfObjectLocation, error) {
	prev := basic.NullVPID
	vpid := first
	for !vpid.IsNull() {
		ovf, err := e.pool.Fix(oc.ctx, vpid, basic.LatchWrite, false)
		if err != nil {
			return nil, err
		}
		if err := e.pool.CheckPageType(ovf, basic.PageTypeOverflowOid); err != nil {
			e.pool.Unfix(ovf)
			return nil, err
		}
		rec, err := ovfRecord(ovf)
		if err != nil {
			e.pool.Unfix(ovf)
			return nil, err
		}
		for _, ref := range overflowObjects(oc.bti, rec) {
			if match(ref.Obj) {
				return &ovfObjectLocation{page: ovf, prev: prev, ref: ref}, nil
			}
		}
		next := ovf.Page.NextVPID()
		e.pool.Unfix(ovf)
		prev = vpid
		vpid = next
	}
	return nil, nil
}

// removeOvfObject deletes the object at loc; an emptied page is unlinked
// from its predecessor (leaf record or previous page) and deallocated, all
// inside a system operation. The leaf is write-latched by the caller.
func (e *Engine) removeOvfObject(oc *opCtx, leaf *pagebuf.FixedPage, slot int16, loc *ovfObjectLocation) error {
	bti := oc.bti
	rec, err := ovfRecord(loc.page)
	if err != nil {
		e.pool.Unfix(loc.page)
		return err
	}

	if len(rec) > loc.ref.Size {
		// 页内还有其他对象，原地删除
		out, change := removeObjectAt(rec, loc.ref)
		if err := loc.page.Page.Update(ovfRecSlot, out); err != nil {
			e.pool.Unfix(loc.page)
			return err
		}
		e.logRecRedo(oc.tran, loc.page, wal.NewSlotRef(ovfRecSlot).WithOverflowNode(),
			wal.RVOverflowRecord, wal.PackRecPartial(change))
		e.pool.Unfix(loc.page)
		return nil
	}

	// 最后一个对象：整页摘链并释放
	e.log.StartSystemOp(oc.tran)
	next := loc.page.Page.NextVPID()

	if loc.prev.IsNull() {
		lrec, err := leaf.Page.CopyRecord(slot)
		if err != nil {
			e.pool.Unfix(loc.page)
			_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
			return err
		}
		lrec, _ = setOverflowLink(bti, lrec, next)
		if err := leaf.Page.Update(slot, lrec); err != nil {
			e.pool.Unfix(loc.page)
			_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
			return err
		}
		e.logRecRedo(oc.tran, leaf, wal.NewSlotRef(slot), wal.RVBtreeRecord, wal.PackRecUpdateAll(lrec))
	} else {
		prevPage, err := e.pool.Fix(oc.ctx, loc.prev, basic.LatchWrite, false)
		if err != nil {
			e.pool.Unfix(loc.page)
			_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
			return err
		}
		prevPage.Page.SetNextVPID(next)
		e.logPageCopy(oc.tran, prevPage)
		e.pool.Unfix(prevPage)
	}

	if err := e.pool.DeallocPage(loc.page, bti.Btid.VFID); err != nil {
		_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
		return err
	}
	return e.log.EndSystemOp(oc.tran, true, e.undoApplier(oc.ctx))
}

// lastOvfObject the tail object of the chain's last page (used when a
// first leaf object is deleted and must be replaced from overflow).
func (e *Engine) lastOvfObject(oc *opCtx, first basic.VPID) (*ovfObjectLocation, error) {
	prev := basic.NullVPID
	vpid := first
	var lastPage *pagebuf.FixedPage
	var lastPrev basic.VPID
	for !vpid.IsNull() {
		if lastPage != nil {
			e.pool.Unfix(lastPage)
		}
		ovf, err := e.pool.Fix(oc.ctx, vpid, basic.LatchWrite, false)
		if err != nil {
			return nil, err
		}
		lastPage = ovf
		lastPrev = prev
		prev = vpid
		vpid = ovf.Page.NextVPID()
	}
	if lastPage == nil {
		return nil, errors.Wrap(basic.ErrMalformedRecord, "empty overflow chain")
	}
	rec, err := ovfRecord(lastPage)
	if err != nil {
		e.pool.Unfix(lastPage)
		return nil, err
	}
	refs := overflowObjects(oc.bti, rec)
	if len(refs) == 0 {
		e.pool.Unfix(lastPage)
		return nil, errors.Wrap(basic.ErrMalformedRecord, "overflow page without objects")
	}
	return &ovfObjectLocation{page: lastPage, prev: lastPrev, ref: refs[len(refs)-1]}, nil
}
