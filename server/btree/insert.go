package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
	"github.com/zhukovaskychina/xbtree-engine/server/wal"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Insert flows: new object, logical (MVCC) delete stamping, and the
// re-insert that undoes a physical delete. One helper drives all three
// through the traversal framework.

type insertPurpose int

const (
	purposeNewObject insertPurpose = iota
	purposeMvccDelid
	purposeUndoPhysicalDelete
)

type insertHelper struct {
	e       *Engine
	key     basic.KeyVal
	obj     ObjectInfo
	purpose insertPurpose
	opType  basic.OpType

	// compensation context when undoing a physical delete
	undoNextLSA basic.LSA

	// unique lock protocol state: a failed conditional attempt records the
	// object here and the wait happens between traversal attempts
	preLocked   bool
	pendingLock bool
	waitClass   basic.OID
	waitOID     basic.OID
}

func (h *insertHelper) searchKey() []byte {
	if h.key.IsNull {
		return nil
	}
	return h.key.Bytes
}

// onRestart runs between traversal attempts, outside any latch: the place
// for unconditional lock waits.
func (h *insertHelper) onRestart(oc *opCtx) error {
	if !h.pendingLock {
		return nil
	}
	h.pendingLock = false
	if err := h.e.locks.Lock(oc.ctx, oc.tran.ID, h.waitClass, h.waitOID, basic.LockX); err != nil {
		return err
	}
	if h.waitOID.Equals(h.obj.OID) {
		h.preLocked = true
	}
	return nil
}

func (h *insertHelper) root(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader) (basic.StepResult, error) {
	e := h.e

	if h.key.IsNull {
		if rh.Unique && h.purpose == purposeNewObject {
			oc.tran.StatsFor(oc.bti.Btid).Add(1, 1, 0)
		}
		return basic.StepStop, nil
	}

	// 唯一索引先锁定待插入OID，抵御并发唯一冲突竞赛
	if h.purpose == purposeNewObject && rh.Unique && !h.preLocked {
		if !e.locks.TryLock(oc.tran.ID, h.obj.ClassOID, h.obj.OID, basic.LockX) {
			h.pendingLock = true
			h.waitClass, h.waitOID = h.obj.ClassOID, h.obj.OID
			return basic.StepRestart, nil
		}
		h.preLocked = true
	}

	// 超长键需要溢出键文件，首次使用时在根上创建
	if len(h.key.Bytes) >= e.cfg.MaxKeylenInPage() && rh.OvfKeyVFID.IsNull() {
		if res, err := oc.promoteOrRestart(root, basic.SharedReaderPromote); res != basic.StepContinue || err != nil {
			return res, err
		}
		vfid, err := e.fm.CreateFile(oc.bti.Btid.RootVPID.VolID)
		if err != nil {
			return basic.StepStop, err
		}
		rh.OvfKeyVFID = vfid
		if err := writeRootHeader(root.Page, rh); err != nil {
			return basic.StepStop, err
		}
		e.logRecRedo(oc.tran, root, wal.NewSlotRef(headerSlot), wal.RVBtreeRecord,
			wal.PackRecUpdateAll(rh.serialize()))
		oc.bti.OvfKeyVFID = vfid
	}

	if h.purpose == purposeMvccDelid {
		return basic.StepContinue, nil
	}

	// 根页空间预检：为两条分隔记录留出余量
	need := 2 * e.maxEntrySize(util.MaxInt(rh.MaxKeyLen, len(h.key.Bytes)), rh.IsLeaf())
	if root.Page.FreeSpace() < need && keyCount(root.Page) >= 2 {
		if res, err := oc.promoteOrRestart(root, basic.SharedReaderPromote); res != basic.StepContinue || err != nil {
			return res, err
		}
		if err := e.splitRoot(oc, root, rh); err != nil {
			return basic.StepStop, err
		}
		return basic.StepRestart, nil
	}
	return basic.StepContinue, nil
}

func (h *insertHelper) advance(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
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

	needed := e.maxEntrySize(util.MaxInt(childHdr.MaxKeyLen, len(h.key.Bytes)), childHdr.IsLeaf())
	splitWanted := child.Page.FreeSpace() < needed && keyCount(child.Page) >= 2
	if !childHdr.IsLeaf() && h.purpose == purposeMvccDelid {
		// 逻辑删除不主动分裂内部节点
		splitWanted = false
	}
	if !splitWanted {
		return child, basic.StepContinue, nil
	}

	res, err := oc.promoteParentForSMO(parent, parentHdr)
	if res != basic.StepContinue || err != nil {
		e.pool.Unfix(child)
		return nil, res, err
	}
	if res, err := oc.promoteOrRestart(child, basic.SharedReaderPromote); res != basic.StepContinue || err != nil {
		e.pool.Unfix(child)
		return nil, res, err
	}

	target, _, err := e.splitChild(oc, parent, parentHdr, childSlot, child, childHdr, h.key.Bytes)
	if err != nil {
		return nil, basic.StepStop, err
	}
	return target, basic.StepContinue, nil
}

func (h *insertHelper) leaf(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader, sr basic.SearchResult) (basic.StepResult, error) {
	defer h.e.pool.Unfix(leaf)

	switch h.purpose {
	case purposeMvccDelid:
		return h.leafMvccDelid(oc, leaf, leafHdr, sr)
	default:
		return h.leafInsert(oc, leaf, leafHdr, sr)
	}
}

func (h *insertHelper) leafInsert(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader, sr basic.SearchResult) (basic.StepResult, error) {
	e := h.e

	if sr.Code != basic.KeyFound {
		if err := e.insertNewKey(oc, leaf, leafHdr, sr.SlotID, h); err != nil {
			return basic.StepStop, err
		}
		return basic.StepStop, nil
	}

	if oc.bti.Unique {
		return h.appendObjectUnique(oc, leaf, leafHdr, sr)
	}
	if err := h.appendObjectNonUnique(oc, leaf, leafHdr, sr.SlotID); err != nil {
		return basic.StepStop, err
	}
	return basic.StepStop, nil
}

// insertNewKey builds and places a fresh leaf record at slot (§4.6.1
// semantics: spill long keys, strip the node prefix, maintain header).
func (e *Engine) insertNewKey(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader,
	slot int16, h *insertHelper) error {

	bti := oc.bti
	key := h.key.Bytes

	ovfKey, err := e.spillKeyIfNeeded(bti, key)
	if err != nil {
		return err
	}

	stored := key
	if ovfKey.IsNull() && leafHdr.PrefixCols > 0 {
		if md, ok := bti.Domain.(*basic.MidxKeyDomain); ok {
			stored = md.Strip(key, leafHdr.PrefixCols)
		}
	}

	obj := h.obj
	obj.Mvcc.Delid = basic.MvccidNull
	rec := buildLeafRecord(bti, stored, ovfKey, obj, 0)
	if err := leaf.Page.InsertAt(slot, rec); err != nil {
		return err
	}

	undoData := packLogicalUndo(bti, key, h.obj)
	slotRef := wal.NewSlotRef(slot)
	if h.purpose == purposeUndoPhysicalDelete {
		e.logRecCompensate(oc.tran, leaf, slotRef, wal.RVBtreeUndoPhysicalDelete,
			wal.PackRecInsert(rec), h.undoNextLSA)
	} else {
		e.logRecChange(oc.tran, leaf, slotRef, wal.RVBtreeUndoInsert, undoData, wal.PackRecInsert(rec))
	}

	// 头部维护：最大键长单调上升，分裂位置滑动平均
	headerDirty := false
	if len(key) > leafHdr.MaxKeyLen {
		leafHdr.MaxKeyLen = len(key)
		headerDirty = true
	}
	updateSplitInfo(leafHdr, slot, keyCount(leaf.Page))
	if err := writeNodeHeader(leaf.Page, leafHdr); err != nil {
		return err
	}
	hdrRef := wal.NewSlotRef(headerSlot)
	if headerDirty {
		hdrRef = hdrRef.WithUpdateMaxKeyLen()
	}
	hdrRec, err := leaf.Page.CopyRecord(headerSlot)
	if err != nil {
		return err
	}
	e.logRecRedo(oc.tran, leaf, hdrRef, wal.RVBtreeRecord, wal.PackRecUpdateAll(hdrRec))

	if h.purpose == purposeNewObject {
		stats := oc.tran.StatsFor(bti.Btid)
		if bti.Unique {
			stats.Add(0, 1, 1)
		}
	}
	return nil
}

// appendObjectUnique enforces the unique constraint with the lock-then-
// recheck pattern, then replaces the first object, relocating the old one.
func (h *insertHelper) appendObjectUnique(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader,
	sr basic.SearchResult) (basic.StepResult, error) {

	e := h.e
	bti := oc.bti
	rec, err := leaf.Page.CopyRecord(sr.SlotID)
	if err != nil {
		return basic.StepStop, err
	}
	refs, err := leafObjects(bti, rec)
	if err != nil {
		return basic.StepStop, err
	}
	first := refs[0].Obj
	firstClass := first.ClassOID
	if firstClass.IsNull() {
		firstClass = bti.TopClass
	}

	// 现有首对象始终视为活版本，先锁再复核；等待必须放闩后进行
	if !e.locks.HasLock(oc.tran.ID, firstClass, first.OID.Canonical(), basic.LockX) {
		if !e.locks.TryLock(oc.tran.ID, firstClass, first.OID.Canonical(), basic.LockX) {
			h.pendingLock = true
			h.waitClass, h.waitOID = firstClass, first.OID.Canonical()
			return basic.StepRestart, nil
		}
	}

	snapshot := oc.tran.Snapshot()
	visible := 0
	for _, ref := range refs {
		if snapshot.Satisfies(ref.Obj.Mvcc) {
			visible++
		}
	}

	if visible == 0 && oc.tran.Isolation >= basic.RepeatableRead {
		// 旧的可见版本仍在快照中，依旧视为冲突
		return basic.StepStop, errors.Wrapf(basic.ErrUniqueViolation,
			"key still carried by snapshot (btid root (%d,%d))",
			bti.Btid.RootVPID.VolID, bti.Btid.RootVPID.PageID)
	}
	if visible > 0 {
		if h.opType != basic.OpMultiRowUpdate {
			return basic.StepStop, errors.Wrapf(basic.ErrUniqueViolationWithKey,
				"oid (%d,%d,%d) conflicts", first.OID.VolID, first.OID.PageID, first.OID.SlotID)
		}
		if visible > 1 {
			return basic.StepStop, errors.Wrap(basic.ErrUniqueViolation, "multiple visible objects in multi-row update")
		}
	}

	// 旧首对象降级为普通对象，新对象占据首位
	relocated := first
	newRec := replaceFirstObject(bti, rec, h.obj, recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids))
	if countLeafRecObjects(bti, newRec) < e.maxLeafObjects() {
		newRec, _ = appendObjectAtEnd(bti, newRec, relocated)
		if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
			return basic.StepStop, err
		}
		h.logUniqueReplace(oc, leaf, sr.SlotID, rec, newRec)
	} else {
		if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
			return basic.StepStop, err
		}
		h.logUniqueReplace(oc, leaf, sr.SlotID, rec, newRec)
		if err := e.appendObjectOverflow(oc, leaf, sr.SlotID, relocated); err != nil {
			return basic.StepStop, err
		}
	}

	if h.purpose == purposeNewObject {
		stats := oc.tran.StatsFor(bti.Btid)
		if visible == 0 {
			// 键从无可见对象复活
			stats.Add(0, 1, 1)
		} else {
			stats.Add(0, 1, 0)
		}
	}
	return basic.StepStop, nil
}

func (h *insertHelper) logUniqueReplace(oc *opCtx, leaf *pagebuf.FixedPage, slot int16, oldRec, newRec []byte) {
	e := h.e
	slotRef := wal.NewSlotRef(slot)
	if h.purpose == purposeUndoPhysicalDelete {
		e.logRecCompensate(oc.tran, leaf, slotRef, wal.RVBtreeUndoPhysicalDelete,
			wal.PackRecUpdateAll(newRec), h.undoNextLSA)
		return
	}
	undoData := packLogicalUndo(oc.bti, h.key.Bytes, h.obj)
	e.logRecChange(oc.tran, leaf, slotRef, wal.RVBtreeUndoInsert, undoData, wal.PackRecUpdateAll(newRec))
}

// appendObjectNonUnique appends within the leaf record while it stays
// under the in-page bound, then spills to the overflow chain.
func (h *insertHelper) appendObjectNonUnique(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader, slot int16) error {
	e := h.e
	bti := oc.bti
	rec, err := leaf.Page.CopyRecord(slot)
	if err != nil {
		return err
	}

	n := countLeafRecObjects(bti, rec)
	hasOvf := recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids)

	if !hasOvf && n < e.maxLeafObjects() {
		newRec, change := appendObjectAtEnd(bti, rec, h.obj)
		if err := leaf.Page.Update(slot, newRec); err != nil {
			return err
		}
		slotRef := wal.NewSlotRef(slot)
		if h.purpose == purposeUndoPhysicalDelete {
			e.logRecCompensate(oc.tran, leaf, slotRef, wal.RVBtreeUndoPhysicalDelete,
				wal.PackRecPartial(change), h.undoNextLSA)
		} else {
			undoData := packLogicalUndo(bti, h.key.Bytes, h.obj)
			e.logRecChange(oc.tran, leaf, slotRef, wal.RVBtreeUndoInsert, undoData, wal.PackRecPartial(change))
		}
	} else {
		if err := e.appendObjectOverflow(oc, leaf, slot, h.obj); err != nil {
			return err
		}
		if h.purpose != purposeUndoPhysicalDelete {
			// 链上物理变化已有redo，这里补一条逻辑undo载体
			undoData := packLogicalUndo(bti, h.key.Bytes, h.obj)
			e.log.AppendUndo(oc.tran, wal.RVBtreeUndoInsert, leaf.VPID, wal.NewSlotRef(slot), undoData)
		}
	}

	if h.purpose == purposeNewObject && bti.Unique {
		oc.tran.StatsFor(bti.Btid).Add(0, 1, 0)
	}
	return nil
}

// leafMvccDelid stamps the delete MVCCID on the target object (§4.6.4).
func (h *insertHelper) leafMvccDelid(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader,
	sr basic.SearchResult) (basic.StepResult, error) {

	e := h.e
	bti := oc.bti
	if sr.Code != basic.KeyFound {
		return basic.StepStop, errors.Wrapf(basic.ErrKeyNotFound, "mvcc delete")
	}
	rec, err := leaf.Page.CopyRecord(sr.SlotID)
	if err != nil {
		return basic.StepStop, err
	}
	refs, err := leafObjects(bti, rec)
	if err != nil {
		return basic.StepStop, err
	}

	delid := h.obj.Mvcc.Delid

	// 唯一多行更新需要先统计可见对象，键计数只在1→0时递减
	visible := 0
	if bti.Unique {
		snapshot := oc.tran.Snapshot()
		for _, ref := range refs {
			if snapshot.Satisfies(ref.Obj.Mvcc) {
				visible++
			}
		}
	}

	for _, ref := range refs {
		if !ref.Obj.OID.Equals(h.obj.OID) {
			continue
		}
		if ref.Obj.Mvcc.HasDelid() {
			return basic.StepStop, errors.Wrapf(basic.ErrOidNotFound,
				"object already delete-stamped with %d", ref.Obj.Mvcc.Delid)
		}
		newRec, changes := stampDelid(bti, rec, ref, delid)
		if err := leaf.Page.Update(sr.SlotID, newRec); err != nil {
			return basic.StepStop, err
		}
		undoData := packLogicalUndoMvcc(bti, h.key.Bytes, h.obj, delid)
		e.logRecChange(oc.tran, leaf, wal.NewSlotRef(sr.SlotID), wal.RVBtreeUndoMvccDelete,
			undoData, wal.PackRecPartial(changes...))
		h.bumpDeleteStats(oc, visible)
		return basic.StepStop, nil
	}

	// 目标对象可能在溢出链上，编码固定所以只需覆写值
	first := leafOverflowLink(rec)
	if first.IsNull() {
		return basic.StepStop, errors.Wrapf(basic.ErrOidNotFound, "oid (%d,%d,%d)",
			h.obj.OID.VolID, h.obj.OID.PageID, h.obj.OID.SlotID)
	}
	loc, err := e.findOvfObject(oc, first, func(o ObjectInfo) bool { return o.OID.Equals(h.obj.OID) })
	if err != nil {
		return basic.StepStop, err
	}
	if loc == nil {
		return basic.StepStop, errors.Wrapf(basic.ErrOidNotFound, "oid (%d,%d,%d)",
			h.obj.OID.VolID, h.obj.OID.PageID, h.obj.OID.SlotID)
	}
	defer e.pool.Unfix(loc.page)
	if loc.ref.Obj.Mvcc.HasDelid() {
		return basic.StepStop, errors.Wrap(basic.ErrOidNotFound, "object already delete-stamped")
	}
	orec, err := ovfRecord(loc.page)
	if err != nil {
		return basic.StepStop, err
	}
	newRec, changes := stampDelid(bti, orec, loc.ref, delid)
	if err := loc.page.Page.Update(ovfRecSlot, newRec); err != nil {
		return basic.StepStop, err
	}
	undoData := packLogicalUndoMvcc(bti, h.key.Bytes, h.obj, delid)
	e.logRecChange(oc.tran, loc.page, wal.NewSlotRef(ovfRecSlot).WithOverflowNode(),
		wal.RVBtreeUndoMvccDelete, undoData, wal.PackRecPartial(changes...))
	h.bumpDeleteStats(oc, visible)
	return basic.StepStop, nil
}

func (h *insertHelper) bumpDeleteStats(oc *opCtx, visibleBefore int) {
	if !oc.bti.Unique {
		return
	}
	stats := oc.tran.StatsFor(oc.bti.Btid)
	stats.Add(0, -1, 0)
	if visibleBefore == 1 {
		stats.Add(0, 0, -1)
	}
}

// stampDelid writes the delete MVCCID in place when the slot exists, else
// expands the object by eight bytes and raises the flag.
func stampDelid(bti *BtidInt, rec []byte, ref objectRef, delid basic.MVCCID) ([]byte, []wal.PartialChange) {
	if off := delidOffsetAt(bti, rec, ref.Off, ref.First); off >= 0 {
		repl := util.WriteUB8(nil, uint64(delid))
		out, change := splice(rec, off, mvccidSize, repl)
		return out, []wal.PartialChange{change}
	}

	// 标志位与扩展的8字节一起落账
	oid := unpackOID(rec, ref.Off)
	oid.SetMvccFlag(basic.MvccFlagHasDelid)
	flagBytes := make([]byte, 2)
	util.PutUB2(flagBytes, 0, uint16(oid.VolID))
	out, chFlag := splice(rec, ref.Off+6, 2, flagBytes)

	insertOff := ref.Off + ref.Size
	repl := util.WriteUB8(nil, uint64(delid))
	out, chIns := splice(out, insertOff, 0, repl)
	return out, []wal.PartialChange{chFlag, chIns}
}

// countLeafRecObjects objects in the leaf record proper (chain excluded).
func countLeafRecObjects(bti *BtidInt, rec []byte) int {
	refs, err := leafObjects(bti, rec)
	if err != nil {
		return 0
	}
	return len(refs)
}

// packLogicalUndo serializes what undo needs to re-find the object: the
// index identity, class OID, OID, MVCC info and the key bytes.
func packLogicalUndo(bti *BtidInt, key []byte, obj ObjectInfo) []byte {
	var out []byte
	out = util.WriteUB2(out, uint16(bti.Btid.VFID.VolID))
	out = util.WriteUB4(out, uint32(bti.Btid.VFID.FileID))
	out = util.WriteUB2(out, uint16(bti.Btid.RootVPID.VolID))
	out = util.WriteUB4(out, uint32(bti.Btid.RootVPID.PageID))
	tmp := make([]byte, oidSize)
	packOID(tmp, 0, obj.ClassOID.Canonical())
	out = append(out, tmp...)
	packOID(tmp, 0, obj.OID.Canonical())
	out = append(out, tmp...)
	out = util.WriteUB8(out, uint64(obj.Mvcc.Insid))
	out = util.WriteUB8(out, uint64(obj.Mvcc.Delid))
	out = util.WriteUB2(out, uint16(len(key)))
	out = util.WriteBytes(out, key)
	return out
}

func unpackLogicalUndo(data []byte) (btid basic.BTID, key []byte, obj ObjectInfo, err error) {
	if len(data) < 12+2*oidSize+2*mvccidSize+2 {
		return btid, nil, obj, errors.Wrap(basic.ErrMalformedRecord, "short logical undo data")
	}
	btid.VFID = basic.VFID{VolID: int16(util.GetUB2(data, 0)), FileID: int32(util.GetUB4(data, 2))}
	btid.RootVPID = basic.VPID{VolID: int16(util.GetUB2(data, 6)), PageID: int32(util.GetUB4(data, 8))}
	cur := 12
	obj.ClassOID = unpackOID(data, cur)
	cur += oidSize
	obj.OID = unpackOID(data, cur)
	cur += oidSize
	var v uint64
	cur, v = util.ReadUB8(data, cur)
	obj.Mvcc.Insid = basic.MVCCID(v)
	cur, v = util.ReadUB8(data, cur)
	obj.Mvcc.Delid = basic.MVCCID(v)
	var klen uint16
	cur, klen = util.ReadUB2(data, cur)
	_, key = util.ReadBytes(data, cur, int(klen))
	return btid, key, obj, nil
}

// packLogicalUndoMvcc logical undo payload for a stamped delete MVCCID.
func packLogicalUndoMvcc(bti *BtidInt, key []byte, obj ObjectInfo, delid basic.MVCCID) []byte {
	obj.Mvcc.Delid = delid
	return packLogicalUndo(bti, key, obj)
}

// Insert adds one object under key (§6.1 insert). Returns whether the
// index is unique, which callers use to route statistics.
func (e *Engine) Insert(ctx context.Context, tran *mvccm.Tran, bti *BtidInt, key basic.KeyVal,
	classOID, oid basic.OID, opType basic.OpType, insid basic.MVCCID) (bool, error) {

	h := &insertHelper{
		e:       e,
		key:     key,
		obj:     ObjectInfo{OID: oid, ClassOID: classOID, Mvcc: basic.MVCCInfo{Insid: insid}},
		purpose: purposeNewObject,
		opType:  opType,
	}
	if err := e.traverse(ctx, tran, bti, h); err != nil {
		return bti.Unique, err
	}
	return bti.Unique, nil
}

// MvccDelete stamps a delete MVCCID on the object (§6.1 mvcc_delete).
func (e *Engine) MvccDelete(ctx context.Context, tran *mvccm.Tran, bti *BtidInt, key basic.KeyVal,
	classOID, oid basic.OID, opType basic.OpType, delid basic.MVCCID) (bool, error) {

	h := &insertHelper{
		e:       e,
		key:     key,
		obj:     ObjectInfo{OID: oid, ClassOID: classOID, Mvcc: basic.MVCCInfo{Delid: delid}},
		purpose: purposeMvccDelid,
		opType:  opType,
	}
	if h.key.IsNull {
		if bti.Unique {
			tran.StatsFor(bti.Btid).Add(-1, -1, 0)
		}
		return bti.Unique, nil
	}
	if err := e.traverse(ctx, tran, bti, h); err != nil {
		return bti.Unique, err
	}
	return bti.Unique, nil
}
