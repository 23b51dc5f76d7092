package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
	"github.com/zhukovaskychina/xbtree-engine/server/wal"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Delete flows: physical removal, the two vacuum flavors and the two undo
// flavors, all driven by one helper through the traversal framework. The
// delete descent opportunistically merges nodes along its path.

type deletePurpose int

const (
	purposeObjectPhysical deletePurpose = iota
	purposeVacuumInsid
	purposeVacuumObject
	purposeUndoInsert
	purposeUndoInsertDelid
)

func (p deletePurpose) isVacuum() bool {
	return p == purposeVacuumInsid || p == purposeVacuumObject
}

func (p deletePurpose) isUndo() bool {
	return p == purposeUndoInsert || p == purposeUndoInsertDelid
}

type deleteHelper struct {
	e       *Engine
	key     basic.KeyVal
	obj     ObjectInfo
	purpose deletePurpose
	opType  basic.OpType

	// matchMvccid narrows the object match per purpose
	matchMvccid basic.MVCCID
	// undoNextLSA CLR chain target when running as rollback
	undoNextLSA basic.LSA
}

// matchesPurpose is the object + MVCC filter of §4.7.
func (h *deleteHelper) matchesPurpose(obj ObjectInfo) bool {
	if !obj.OID.Equals(h.obj.OID) {
		return false
	}
	switch h.purpose {
	case purposeVacuumInsid:
		return obj.Mvcc.HasInsid() && obj.Mvcc.Insid == h.matchMvccid
	case purposeVacuumObject:
		return obj.Mvcc.HasDelid() && obj.Mvcc.Delid == h.matchMvccid
	case purposeUndoInsertDelid:
		return obj.Mvcc.Delid == h.matchMvccid
	case purposeUndoInsert:
		if obj.Mvcc.HasDelid() {
			return false
		}
		return !h.matchMvccid.IsValid() || obj.Mvcc.Insid == h.matchMvccid
	default: // physical
		return !obj.Mvcc.HasDelid()
	}
}

func (h *deleteHelper) searchKey() []byte {
	if h.key.IsNull {
		return nil
	}
	return h.key.Bytes
}

func (h *deleteHelper) root(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader) (basic.StepResult, error) {
	if h.key.IsNull {
		if rh.Unique && h.purpose == purposeObjectPhysical {
			oc.tran.StatsFor(oc.bti.Btid).Add(-1, -1, 0)
		}
		return basic.StepStop, nil
	}

	// 高度大于2且仅剩两个子节点时尝试收缩根
	if !rh.IsLeaf() && rh.NodeLevel > 2 && keyCount(root.Page) == 2 {
		if res, err := oc.promoteOrRestart(root, basic.SharedReaderPromote); res != basic.StepContinue || err != nil {
			return res, err
		}
		merged, err := h.e.rootMerge(oc, root, rh)
		if err != nil {
			return basic.StepStop, err
		}
		if merged {
			return basic.StepRestart, nil
		}
	}
	return basic.StepContinue, nil
}

func (h *deleteHelper) advance(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
	childSlot int16, childVPID basic.VPID) (*pagebuf.FixedPage, basic.StepResult, error) {

	e := h.e
	child, err := oc.fixChildForDescent(childVPID, parentHdr)
	if err != nil {
		return nil, basic.StepStop, err
	}
	childHdr, err := readNodeHeader(child)
	if err != nil {
		e.pool.Unfix(child)
		return nil, basic.StepStop, err
	}

	// 合并尝试要求子节点已持写闩（叶子天然满足）
	if child.Mode != basic.LatchWrite {
		return child, basic.StepContinue, nil
	}
	surviving, _, _, res, err := e.tryMergeChild(oc, parent, parentHdr, childSlot, child, childHdr)
	if err != nil || res != basic.StepContinue {
		if surviving != nil {
			e.pool.Unfix(surviving)
		}
		return nil, res, err
	}
	return surviving, basic.StepContinue, nil
}

func (h *deleteHelper) leaf(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader, sr basic.SearchResult) (basic.StepResult, error) {
	defer h.e.pool.Unfix(leaf)

	switch h.purpose {
	case purposeVacuumInsid:
		return h.leafVacuumInsid(oc, leaf, leafHdr, sr)
	case purposeUndoInsertDelid:
		return h.leafUndoMvccDelid(oc, leaf, leafHdr, sr)
	default:
		return h.leafRemoveObject(oc, leaf, leafHdr, sr)
	}
}

// notFound per-purpose reaction to a missing key/object.
func (h *deleteHelper) notFound(oc *opCtx, what error) (basic.StepResult, error) {
	if h.purpose.isVacuum() {
		// vacuum落后于用户操作属正常，警告后视为成功
		logger.Warnf("vacuum: target absent: %v", what)
		return basic.StepStop, nil
	}
	if h.purpose.isUndo() {
		return basic.StepStop, errors.Wrapf(what, "undo could not find its target (recovery invariant)")
	}
	return basic.StepStop, what
}

// leafRemoveObject physically removes the matched object (§4.7.1).
func (h *deleteHelper) leafRemoveObject(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader,
	sr basic.SearchResult) (basic.StepResult, error) {

	e := h.e
	bti := oc.bti
	if sr.Code != basic.KeyFound {
		return h.notFound(oc, errors.Wrapf(basic.ErrKeyNotFound, "delete: key missing"))
	}

	rec, err := leaf.Page.CopyRecord(sr.SlotID)
	if err != nil {
		return basic.StepStop, err
	}
	refs, err := leafObjects(bti, rec)
	if err != nil {
		return basic.StepStop, err
	}

	target := -1
	for i, ref := range refs {
		if h.matchesPurpose(ref.Obj) {
			target = i
			break
		}
	}

	if target < 0 {
		// 叶内未命中则扫描溢出链
		first := leafOverflowLink(rec)
		if !first.IsNull() {
			loc, err := e.findOvfObject(oc, first, h.matchesPurpose)
			if err != nil {
				return basic.StepStop, err
			}
			if loc != nil {
				if err := e.removeOvfObject(oc, leaf, sr.SlotID, loc); err != nil {
					return basic.StepStop, err
				}
				h.logChainRemoval(oc, leaf, sr.SlotID)
				h.bumpRemoveStats(oc, false)
				return basic.StepStop, nil
			}
		}
		return h.notFound(oc, errors.Wrapf(basic.ErrOidNotFound, "oid (%d,%d,%d)",
			h.obj.OID.VolID, h.obj.OID.PageID, h.obj.OID.SlotID))
	}

	removed := refs[target].Obj
	hasChain := recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids)

	switch {
	case target == 0 && len(refs) == 1 && !hasChain:
		// 键的最后一个对象：整条记录消亡
		if err := leaf.Page.Delete(sr.SlotID); err != nil {
			return basic.StepStop, err
		}
		h.logRemoval(oc, leaf, sr.SlotID, removed, wal.PackRecDelete(), wal.PackRecInsert(rec))
		h.bumpRemoveStats(oc, true)
		h.recheckMultiRowKey(oc, leaf, sr, true)
		return basic.StepStop, nil

	case target == 0 && hasChain:
		// 首对象从链尾借对象顶替
		loc, err := e.lastOvfObject(oc, leafOverflowLink(rec))
		if err != nil {
			return basic.StepStop, err
		}
		replacement := loc.ref.Obj
		if err := e.removeOvfObject(oc, leaf, sr.SlotID, loc); err != nil {
			return basic.StepStop, err
		}
		cur, err := leaf.Page.CopyRecord(sr.SlotID)
		if err != nil {
			return basic.StepStop, err
		}
		stillChained := recFlags(cur).HasRecordFlag(basic.RecFlagOverflowOids)
		newRec := replaceFirstObject(bti, cur, replacement, stillChained)
		if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
			return basic.StepStop, err
		}
		h.logRemoval(oc, leaf, sr.SlotID, removed, wal.PackRecUpdateAll(newRec), wal.PackRecUpdateAll(cur))
		h.bumpRemoveStats(oc, false)
		h.recheckMultiRowKey(oc, leaf, sr, false)
		return basic.StepStop, nil

	case target == 0:
		// 首对象由同记录末尾对象顶替，尾部截断
		lastRef := refs[len(refs)-1]
		trimmed, _ := removeObjectAt(rec, lastRef)
		newRec := replaceFirstObject(bti, trimmed, lastRef.Obj, false)
		if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
			return basic.StepStop, err
		}
		h.logRemoval(oc, leaf, sr.SlotID, removed, wal.PackRecUpdateAll(newRec), wal.PackRecUpdateAll(rec))
		h.bumpRemoveStats(oc, false)
		h.recheckMultiRowKey(oc, leaf, sr, false)
		return basic.StepStop, nil

	default:
		// 其余位置就地截除
		newRec, change := removeObjectAt(rec, refs[target])
		if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
			return basic.StepStop, err
		}
		h.logRemoval(oc, leaf, sr.SlotID, removed, wal.PackRecPartial(change), wal.PackRecUpdateAll(rec))
		h.bumpRemoveStats(oc, false)
		h.recheckMultiRowKey(oc, leaf, sr, false)
		return basic.StepStop, nil
	}
}

// logRemoval logs per-purpose: undo+redo for physical delete (logical
// re-insert on rollback), redo-only for vacuum, compensate for undo.
func (h *deleteHelper) logRemoval(oc *opCtx, leaf *pagebuf.FixedPage, slot int16,
	removed ObjectInfo, redo []byte, _ []byte) {

	e := h.e
	slotRef := wal.NewSlotRef(slot)
	switch {
	case h.purpose.isVacuum():
		e.logRecRedo(oc.tran, leaf, slotRef, wal.RVBtreeRecord, redo)
	case h.purpose.isUndo():
		e.logRecCompensate(oc.tran, leaf, slotRef, wal.RVBtreeRecord, redo, h.undoNextLSA)
	default:
		removed.ClassOID = h.classOrTop(oc, removed)
		undoData := packLogicalUndo(oc.bti, h.key.Bytes, removed)
		e.logRecChange(oc.tran, leaf, slotRef, wal.RVBtreeUndoPhysicalDelete, undoData, redo)
	}
}

// logChainRemoval the chain mutation already produced its redo records;
// physical deletes still need the logical undo carrier.
func (h *deleteHelper) logChainRemoval(oc *opCtx, leaf *pagebuf.FixedPage, slot int16) {
	if h.purpose != purposeObjectPhysical {
		return
	}
	obj := h.obj
	obj.ClassOID = h.classOrTop(oc, obj)
	undoData := packLogicalUndo(oc.bti, h.key.Bytes, obj)
	h.e.log.AppendUndo(oc.tran, wal.RVBtreeUndoPhysicalDelete, leaf.VPID, wal.NewSlotRef(slot), undoData)
}

func (h *deleteHelper) classOrTop(oc *opCtx, obj ObjectInfo) basic.OID {
	if !obj.ClassOID.IsNull() {
		return obj.ClassOID
	}
	return oc.bti.TopClass
}

// bumpRemoveStats physical deletes adjust counters; vacuum and undo leave
// them to their counterpart operation. Multi-row update decrements the key
// count eagerly and recheckMultiRowKey gives it back when the key turns
// out to still carry visible objects.
func (h *deleteHelper) bumpRemoveStats(oc *opCtx, keyGone bool) {
	if h.purpose != purposeObjectPhysical || !oc.bti.Unique {
		return
	}
	stats := oc.tran.StatsFor(oc.bti.Btid)
	stats.Add(0, -1, 0)
	if keyGone || h.opType == basic.OpMultiRowUpdate {
		stats.Add(0, 0, -1)
	}
}

// recheckMultiRowKey multi-row update on a unique index recounts visible
// objects after the removal and restores the eager key decrement.
func (h *deleteHelper) recheckMultiRowKey(oc *opCtx, leaf *pagebuf.FixedPage, sr basic.SearchResult, keyGone bool) {
	if h.purpose != purposeObjectPhysical || h.opType != basic.OpMultiRowUpdate || !oc.bti.Unique || keyGone {
		return
	}
	rec, err := leaf.Page.GetRecord(sr.SlotID)
	if err != nil {
		return
	}
	refs, err := leafObjects(oc.bti, rec)
	if err != nil {
		return
	}
	snapshot := oc.tran.Snapshot()
	for _, ref := range refs {
		if snapshot.Satisfies(ref.Obj.Mvcc) {
			oc.tran.StatsFor(oc.bti.Btid).Add(0, 0, 1)
			return
		}
	}
}

// leafVacuumInsid removes the insert MVCCID once globally visible
// (§4.7.2). Objects that must stay fixed size get ALL_VISIBLE instead.
func (h *deleteHelper) leafVacuumInsid(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader,
	sr basic.SearchResult) (basic.StepResult, error) {

	e := h.e
	bti := oc.bti
	if sr.Code != basic.KeyFound {
		return h.notFound(oc, errors.Wrap(basic.ErrKeyNotFound, "vacuum insid"))
	}
	rec, err := leaf.Page.CopyRecord(sr.SlotID)
	if err != nil {
		return basic.StepStop, err
	}
	refs, err := leafObjects(bti, rec)
	if err != nil {
		return basic.StepStop, err
	}

	for _, ref := range refs {
		if !h.matchesPurpose(ref.Obj) {
			continue
		}
		newRec, changes := clearInsid(bti, rec, ref)
		if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
			return basic.StepStop, err
		}
		e.logRecRedo(oc.tran, leaf, wal.NewSlotRef(sr.SlotID), wal.RVBtreeRecord,
			wal.PackRecPartial(changes...))
		return basic.StepStop, nil
	}

	first := leafOverflowLink(rec)
	if !first.IsNull() {
		loc, err := e.findOvfObject(oc, first, h.matchesPurpose)
		if err != nil {
			return basic.StepStop, err
		}
		if loc != nil {
			defer e.pool.Unfix(loc.page)
			orec, err := ovfRecord(loc.page)
			if err != nil {
				return basic.StepStop, err
			}
			// 溢出页对象恒定长，插入MVCCID覆写为ALL_VISIBLE
			off := insidOffsetAt(bti, orec, loc.ref.Off, false)
			repl := util.WriteUB8(nil, uint64(basic.MvccidAllVisible))
			newRec, change := splice(orec, off, mvccidSize, repl)
			if err := loc.page.Page.Update(ovfRecSlot, newRec); err != nil {
				return basic.StepStop, err
			}
			e.logRecRedo(oc.tran, loc.page, wal.NewSlotRef(ovfRecSlot).WithOverflowNode(),
				wal.RVOverflowRecord, wal.PackRecPartial(change))
			return basic.StepStop, nil
		}
	}
	return h.notFound(oc, errors.Wrap(basic.ErrOidNotFound, "vacuum insid"))
}

// clearInsid drops the insert MVCCID; fixed-size positions are overwritten
// with ALL_VISIBLE instead of shrinking.
func clearInsid(bti *BtidInt, rec []byte, ref objectRef) ([]byte, []wal.PartialChange) {
	off := insidOffsetAt(bti, rec, ref.Off, ref.First)
	if off < 0 {
		return rec, nil
	}
	if mustStayFixedSize(bti, rec, ref) {
		repl := util.WriteUB8(nil, uint64(basic.MvccidAllVisible))
		out, change := splice(rec, off, mvccidSize, repl)
		return out, []wal.PartialChange{change}
	}
	out, chCut := splice(rec, off, mvccidSize, nil)
	oid := unpackOID(out, ref.Off)
	oid.ClearMvccFlag(basic.MvccFlagHasInsid)
	flagBytes := make([]byte, 2)
	util.PutUB2(flagBytes, 0, uint16(oid.VolID))
	out, chFlag := splice(out, ref.Off+6, 2, flagBytes)
	return out, []wal.PartialChange{chCut, chFlag}
}

// mustStayFixedSize the §3.3 invariant positions: overflow objects, any
// non-first object of a unique leaf record, and a first object owning a
// chain.
func mustStayFixedSize(bti *BtidInt, rec []byte, ref objectRef) bool {
	if !ref.First {
		return bti.Unique
	}
	return recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids)
}

// leafUndoMvccDelid clears a stamped delete MVCCID, restoring the object
// to first position when the index is unique (§4.7.3).
func (h *deleteHelper) leafUndoMvccDelid(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader,
	sr basic.SearchResult) (basic.StepResult, error) {

	e := h.e
	bti := oc.bti
	if sr.Code != basic.KeyFound {
		return h.notFound(oc, errors.Wrap(basic.ErrKeyNotFound, "undo mvcc delete"))
	}
	rec, err := leaf.Page.CopyRecord(sr.SlotID)
	if err != nil {
		return basic.StepStop, err
	}
	refs, err := leafObjects(bti, rec)
	if err != nil {
		return basic.StepStop, err
	}

	for i, ref := range refs {
		if !h.matchesPurpose(ref.Obj) {
			continue
		}
		if i == 0 || !bti.Unique {
			newRec, changes := clearDelid(bti, rec, ref)
			if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
				return basic.StepStop, err
			}
			e.logRecCompensate(oc.tran, leaf, wal.NewSlotRef(sr.SlotID), wal.RVBtreeRecord,
				wal.PackRecPartial(changes...), h.undoNextLSA)
			return basic.StepStop, nil
		}

		// 唯一索引要求可见对象居首：换回首位，原首对象顶替其槽位
		restored := ref.Obj
		restored.Mvcc.Delid = basic.MvccidNull
		oldFirst := refs[0].Obj
		trimmed, _ := removeObjectAt(rec, ref)
		newRec := replaceFirstObject(bti, trimmed, restored, recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids))
		newRec, _ = appendObjectAtEnd(bti, newRec, oldFirst)
		if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
			return basic.StepStop, err
		}
		e.logRecCompensate(oc.tran, leaf, wal.NewSlotRef(sr.SlotID), wal.RVBtreeRecord,
			wal.PackRecUpdateAll(newRec), h.undoNextLSA)
		return basic.StepStop, nil
	}

	first := leafOverflowLink(rec)
	if !first.IsNull() {
		loc, err := e.findOvfObject(oc, first, h.matchesPurpose)
		if err != nil {
			return basic.StepStop, err
		}
		if loc != nil {
			if !bti.Unique {
				defer e.pool.Unfix(loc.page)
				orec, err := ovfRecord(loc.page)
				if err != nil {
					return basic.StepStop, err
				}
				off := delidOffsetAt(bti, orec, loc.ref.Off, false)
				repl := util.WriteUB8(nil, uint64(basic.MvccidNull))
				newRec, change := splice(orec, off, mvccidSize, repl)
				if err := loc.page.Page.Update(ovfRecSlot, newRec); err != nil {
					return basic.StepStop, err
				}
				e.logRecCompensate(oc.tran, loc.page, wal.NewSlotRef(ovfRecSlot).WithOverflowNode(),
					wal.RVOverflowRecord, wal.PackRecPartial(change), h.undoNextLSA)
				return basic.StepStop, nil
			}

			// 唯一索引：链上对象回到首位，原首对象移入空出的链槽
			restored := loc.ref.Obj
			restored.Mvcc.Delid = basic.MvccidNull
			oldFirst := refs[0].Obj
			if err := e.removeOvfObject(oc, leaf, sr.SlotID, loc); err != nil {
				return basic.StepStop, err
			}
			cur, err := leaf.Page.CopyRecord(sr.SlotID)
			if err != nil {
				return basic.StepStop, err
			}
			stillChained := recFlags(cur).HasRecordFlag(basic.RecFlagOverflowOids)
			newRec := replaceFirstObject(bti, cur, restored, stillChained)
			if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
				return basic.StepStop, err
			}
			e.logRecCompensate(oc.tran, leaf, wal.NewSlotRef(sr.SlotID), wal.RVBtreeRecord,
				wal.PackRecUpdateAll(newRec), h.undoNextLSA)
			if err := e.appendObjectOverflow(oc, leaf, sr.SlotID, oldFirst); err != nil {
				return basic.StepStop, err
			}
			return basic.StepStop, nil
		}
	}
	return h.notFound(oc, errors.Wrap(basic.ErrOidNotFound, "undo mvcc delete"))
}

// clearDelid removes the delete MVCCID; fixed-size positions get NULL
// written in place.
func clearDelid(bti *BtidInt, rec []byte, ref objectRef) ([]byte, []wal.PartialChange) {
	off := delidOffsetAt(bti, rec, ref.Off, ref.First)
	if off < 0 {
		return rec, nil
	}
	if mustStayFixedSize(bti, rec, ref) {
		repl := util.WriteUB8(nil, uint64(basic.MvccidNull))
		out, change := splice(rec, off, mvccidSize, repl)
		return out, []wal.PartialChange{change}
	}
	out, chCut := splice(rec, off, mvccidSize, nil)
	oid := unpackOID(out, ref.Off)
	oid.ClearMvccFlag(basic.MvccFlagHasDelid)
	flagBytes := make([]byte, 2)
	util.PutUB2(flagBytes, 0, uint16(oid.VolID))
	out, chFlag := splice(out, ref.Off+6, 2, flagBytes)
	return out, []wal.PartialChange{chCut, chFlag}
}

// PhysicalDelete removes the object outright (§6.1 physical_delete).
func (e *Engine) PhysicalDelete(ctx context.Context, tran *mvccm.Tran, bti *BtidInt, key basic.KeyVal,
	oid, classOID basic.OID, opType basic.OpType) error {

	h := &deleteHelper{
		e:       e,
		key:     key,
		obj:     ObjectInfo{OID: oid, ClassOID: classOID},
		purpose: purposeObjectPhysical,
		opType:  opType,
	}
	return e.traverse(ctx, tran, bti, h)
}

// VacuumInsertMvccid clears a globally-retired insert MVCCID (§6.1).
func (e *Engine) VacuumInsertMvccid(ctx context.Context, tran *mvccm.Tran, bti *BtidInt, key basic.KeyVal,
	oid, classOID basic.OID, insid basic.MVCCID) error {

	h := &deleteHelper{
		e:           e,
		key:         key,
		obj:         ObjectInfo{OID: oid, ClassOID: classOID},
		purpose:     purposeVacuumInsid,
		matchMvccid: insid,
	}
	return e.traverse(ctx, tran, bti, h)
}

// VacuumObject removes a globally-retired deleted object (§6.1).
func (e *Engine) VacuumObject(ctx context.Context, tran *mvccm.Tran, bti *BtidInt, key basic.KeyVal,
	oid, classOID basic.OID, delid basic.MVCCID) error {

	h := &deleteHelper{
		e:           e,
		key:         key,
		obj:         ObjectInfo{OID: oid, ClassOID: classOID},
		purpose:     purposeVacuumObject,
		matchMvccid: delid,
	}
	return e.traverse(ctx, tran, bti, h)
}
