package btree

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Structural modification: split. Splits are decided top-down while
// descending; the parent has been pre-checked for separator room, so a
// split never cascades upward mid-operation.

// leafEntry one key record in canonical (prefix re-attached) form.
type leafEntry struct {
	key []byte // full key, nil for the non-leaf leftmost dummy
	rec []byte // canonical record bytes
}

func (en *leafEntry) size() int {
	return len(en.rec) + 4
}

// canonicalizeLeafRec rewrites the key area with the full key so that the
// record can be moved across nodes with different prefixes.
func canonicalizeLeafRec(bti *BtidInt, rec []byte, fullKey []byte) []byte {
	inKey, ovfKey, keyEnd := leafKeyInfo(bti, rec)
	if !ovfKey.IsNull() {
		return append([]byte(nil), rec...)
	}
	if len(inKey) == len(fullKey) {
		return append([]byte(nil), rec...)
	}
	start := keyAreaStart(bti, rec)
	area := make([]byte, keyAreaSize(len(fullKey)))
	util.PutUB2(area, 0, uint16(len(fullKey)))
	copy(area[2:], fullKey)
	out := make([]byte, 0, start+len(area)+len(rec)-keyEnd)
	out = append(out, rec[:start]...)
	out = append(out, area...)
	out = append(out, rec[keyEnd:]...)
	return out
}

// restripLeafRec strips prefixCols columns from the stored key.
func restripLeafRec(bti *BtidInt, md *basic.MidxKeyDomain, rec []byte, fullKey []byte, prefixCols int) []byte {
	if prefixCols == 0 {
		return rec
	}
	_, ovfKey, keyEnd := leafKeyInfo(bti, rec)
	if !ovfKey.IsNull() {
		return rec
	}
	stripped := md.Strip(fullKey, prefixCols)
	start := keyAreaStart(bti, rec)
	area := make([]byte, keyAreaSize(len(stripped)))
	util.PutUB2(area, 0, uint16(len(stripped)))
	copy(area[2:], stripped)
	out := make([]byte, 0, start+len(area)+len(rec)-keyEnd)
	out = append(out, rec[:start]...)
	out = append(out, area...)
	out = append(out, rec[keyEnd:]...)
	return out
}

// collectEntries reads every non-fence key record of a node in canonical
// form. For non-leaf nodes the leftmost dummy is kept with key == nil.
func (e *Engine) collectEntries(bti *BtidInt, fp *pagebuf.FixedPage, hdr *NodeHeader) ([]leafEntry, error) {
	count := fp.Page.SlotCount()
	out := make([]leafEntry, 0, count)

	if !hdr.IsLeaf() {
		for slot := firstRecSlot; slot < count; slot++ {
			rec, err := fp.Page.CopyRecord(slot)
			if err != nil {
				return nil, err
			}
			key, ovfKey := nonLeafKey(rec)
			if !ovfKey.IsNull() {
				key, err = e.ovfKeys.Get(ovfKey)
				if err != nil {
					return nil, err
				}
			}
			if slot == firstRecSlot {
				key = nil
			}
			out = append(out, leafEntry{key: key, rec: rec})
		}
		return out, nil
	}

	for slot := firstRecSlot; slot < count; slot++ {
		raw, err := fp.Page.GetRecord(slot)
		if err != nil {
			return nil, err
		}
		if isFenceRec(raw) {
			continue
		}
		fullKey, err := e.leafKeyAt(bti, fp, hdr, slot)
		if err != nil {
			return nil, err
		}
		fullKey = append([]byte(nil), fullKey...)
		rec, err := fp.Page.CopyRecord(slot)
		if err != nil {
			return nil, err
		}
		out = append(out, leafEntry{key: fullKey, rec: canonicalizeLeafRec(bti, rec, fullKey)})
	}
	return out, nil
}

// rebuildLeaf formats records (and midxkey fences) into a leaf page.
func (e *Engine) rebuildLeaf(bti *BtidInt, fp *pagebuf.FixedPage, hdr *NodeHeader, entries []leafEntry,
	lowFence, highFence []byte) error {

	prev, next := fp.Page.PrevVPID(), fp.Page.NextVPID()
	lsa := fp.Page.LSA()
	fp.Page.Format(basic.PageTypeBtree)
	fp.Page.SetPrevVPID(prev)
	fp.Page.SetNextVPID(next)
	fp.Page.SetLSA(lsa)

	md, isMidx := bti.Domain.(*basic.MidxKeyDomain)
	prefixCols := 0
	if isMidx && lowFence != nil && highFence != nil {
		prefixCols = md.CommonPrefixCols(lowFence, highFence)
	}
	hdr.PrefixCols = prefixCols
	maxKeyLen := hdr.MaxKeyLen
	for _, en := range entries {
		if len(en.key) > maxKeyLen {
			maxKeyLen = len(en.key)
		}
	}
	hdr.MaxKeyLen = maxKeyLen

	if err := fp.Page.InsertAt(headerSlot, hdr.serialize()); err != nil {
		return err
	}
	slot := firstRecSlot
	if prefixCols > 0 || (isMidx && lowFence != nil) {
		if err := fp.Page.InsertAt(slot, buildFenceRecord(bti, lowFence)); err != nil {
			return err
		}
		slot++
	}
	for _, en := range entries {
		rec := en.rec
		if prefixCols > 0 {
			rec = restripLeafRec(bti, md, rec, en.key, prefixCols)
		}
		if err := fp.Page.InsertAt(slot, rec); err != nil {
			return err
		}
		slot++
	}
	if isMidx && highFence != nil {
		if err := fp.Page.InsertAt(slot, buildFenceRecord(bti, highFence)); err != nil {
			return err
		}
	}
	return nil
}

// rebuildNonLeaf formats separator records into a non-leaf page.
func rebuildNonLeaf(fp *pagebuf.FixedPage, hdr *NodeHeader, entries []leafEntry) error {
	prev, next := fp.Page.PrevVPID(), fp.Page.NextVPID()
	lsa := fp.Page.LSA()
	fp.Page.Format(basic.PageTypeBtree)
	fp.Page.SetPrevVPID(prev)
	fp.Page.SetNextVPID(next)
	fp.Page.SetLSA(lsa)

	for _, en := range entries {
		if len(en.key) > hdr.MaxKeyLen {
			hdr.MaxKeyLen = len(en.key)
		}
	}
	if err := fp.Page.InsertAt(headerSlot, hdr.serialize()); err != nil {
		return err
	}
	for i, en := range entries {
		if err := fp.Page.InsertAt(firstRecSlot+int16(i), en.rec); err != nil {
			return err
		}
	}
	return nil
}

// pickSplitPoint applies the running pivot with the 20–80% clamp and the
// both-sides-nonempty rule. Returns the count of entries going left.
func pickSplitPoint(entries []leafEntry, pivot float64) int {
	total := 0
	for i := range entries {
		total += entries[i].size()
	}
	if pivot <= 0 || pivot >= 1 {
		pivot = 0.5
	}
	target := float64(total) * pivot
	minTarget, maxTarget := 0.2*float64(total), 0.8*float64(total)
	if target < minTarget {
		target = minTarget
	}
	if target > maxTarget {
		target = maxTarget
	}

	acc := 0
	leftCount := 0
	for i := range entries {
		acc += entries[i].size()
		leftCount = i + 1
		if float64(acc) >= target {
			break
		}
	}
	if leftCount >= len(entries) {
		leftCount = len(entries) - 1
	}
	if leftCount < 1 {
		leftCount = 1
	}
	return leftCount
}

// chooseSeparator builds the minimal separator between the two flanking
// keys of a leaf split point.
func chooseSeparator(bti *BtidInt, leftLast, rightFirst []byte) []byte {
	if up, ok := bti.Domain.(basic.UniquePrefixer); ok {
		return up.UniquePrefix(leftLast, rightFirst)
	}
	return append([]byte(nil), rightFirst...)
}

// splitChild splits the write-latched child and posts the separator into
// the write-latched parent. Returns the side that owns key, still
// write-latched; the other side is unfixed.
func (e *Engine) splitChild(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
	childSlot int16, child *pagebuf.FixedPage, childHdr *NodeHeader, key []byte) (*pagebuf.FixedPage, *NodeHeader, error) {

	e.log.StartSystemOp(oc.tran)
	target, targetHdr, err := e.splitChildInner(oc, parent, parentHdr, childSlot, child, childHdr, key)
	if err != nil {
		logger.Errorf("split of (%d,%d) failed: %v", child.VPID.VolID, child.VPID.PageID, err)
		_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
		e.pool.Unfix(child)
		return nil, nil, err
	}
	if err := e.log.EndSystemOp(oc.tran, true, e.undoApplier(oc.ctx)); err != nil {
		return nil, nil, err
	}
	oc.crtNodeWriteLatched = true
	return target, targetHdr, nil
}

func (e *Engine) splitChildInner(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
	childSlot int16, child *pagebuf.FixedPage, childHdr *NodeHeader, key []byte) (*pagebuf.FixedPage, *NodeHeader, error) {

	bti := oc.bti
	entries, err := e.collectEntries(bti, child, childHdr)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) < 2 {
		return nil, nil, errors.Wrap(basic.ErrMalformedRecord, "cannot split a node with fewer than two records")
	}

	leftCount := pickSplitPoint(entries, childHdr.SplitPivot)
	leftEntries, rightEntries := entries[:leftCount], entries[leftCount:]

	var sep []byte
	if childHdr.IsLeaf() {
		sep = chooseSeparator(bti, leftEntries[len(leftEntries)-1].key, rightEntries[0].key)
	} else {
		sep = append([]byte(nil), rightEntries[0].key...)
	}

	right, err := e.pool.AllocPage(oc.ctx, bti.Btid.VFID, child.VPID, basic.PageTypeBtree)
	if err != nil {
		return nil, nil, err
	}
	rightHdr := &NodeHeader{NodeLevel: childHdr.NodeLevel, MaxKeyLen: childHdr.MaxKeyLen, SplitPivot: 0.5}

	var lowFence, highFence, leftLow, leftHigh []byte
	if childHdr.IsLeaf() {
		if _, isMidx := bti.Domain.(*basic.MidxKeyDomain); isMidx {
			leftLow = leafLowFenceKey(e, bti, child, childHdr)
			leftHigh = sep
			lowFence = sep
			highFence = leafHighFenceKey(e, bti, child, childHdr)
		}
	}

	if childHdr.IsLeaf() {
		if err := e.rebuildLeaf(bti, right, rightHdr, rightEntries, lowFence, highFence); err != nil {
			e.pool.Unfix(right)
			return nil, nil, err
		}
	} else {
		// 右半部首条成为新的最左哑键
		dummy := leafEntry{key: nil, rec: buildNonLeafRecord(nonLeafChild(rightEntries[0].rec), nil, basic.NullVPID)}
		rest := append([]leafEntry{dummy}, rightEntries[1:]...)
		if err := rebuildNonLeaf(right, rightHdr, rest); err != nil {
			e.pool.Unfix(right)
			return nil, nil, err
		}
	}

	oldNext := child.Page.NextVPID()
	right.Page.SetNextVPID(oldNext)
	right.Page.SetPrevVPID(child.VPID)

	leftHdr := &NodeHeader{NodeLevel: childHdr.NodeLevel, MaxKeyLen: childHdr.MaxKeyLen,
		SplitPivot: childHdr.SplitPivot, SplitCount: childHdr.SplitCount}
	if childHdr.IsLeaf() {
		if err := e.rebuildLeaf(bti, child, leftHdr, leftEntries, leftLow, leftHigh); err != nil {
			e.pool.Unfix(right)
			return nil, nil, err
		}
	} else {
		if err := rebuildNonLeaf(child, leftHdr, leftEntries); err != nil {
			e.pool.Unfix(right)
			return nil, nil, err
		}
	}
	child.Page.SetNextVPID(right.VPID)

	if childHdr.IsLeaf() && !oldNext.IsNull() {
		nf, err := e.pool.Fix(oc.ctx, oldNext, basic.LatchWrite, false)
		if err != nil {
			e.pool.Unfix(right)
			return nil, nil, err
		}
		nf.Page.SetPrevVPID(right.VPID)
		e.logPageCopy(oc.tran, nf)
		e.pool.Unfix(nf)
	}

	// 分隔键过长时落入溢出键文件
	sepOvf := basic.NullVPID
	sepStored := sep
	if len(sep) >= e.cfg.MaxKeylenInPage() {
		sepOvf, err = e.spillKeyIfNeeded(bti, sep)
		if err != nil {
			e.pool.Unfix(right)
			return nil, nil, err
		}
		sepStored = nil
	}
	sepRec := buildNonLeafRecord(right.VPID, sepStored, sepOvf)
	if err := parent.Page.InsertAt(childSlot+1, sepRec); err != nil {
		e.pool.Unfix(right)
		return nil, nil, err
	}
	if len(sep) > parentHdr.MaxKeyLen {
		parentHdr.MaxKeyLen = len(sep)
		if err := writeNodeHeader(parent.Page, parentHdr); err != nil {
			e.pool.Unfix(right)
			return nil, nil, err
		}
	}

	e.logPageCopy(oc.tran, child)
	e.logPageCopy(oc.tran, right)
	e.logPageCopy(oc.tran, parent)

	if bti.Domain.Compare(key, sep) < 0 {
		e.pool.Unfix(right)
		return child, leftHdr, nil
	}
	e.pool.Unfix(child)
	return right, rightHdr, nil
}

// leafLowFenceKey the existing lower fence key, or nil.
func leafLowFenceKey(e *Engine, bti *BtidInt, fp *pagebuf.FixedPage, hdr *NodeHeader) []byte {
	if fp.Page.SlotCount() <= firstRecSlot {
		return nil
	}
	rec, err := fp.Page.GetRecord(firstRecSlot)
	if err != nil || !isFenceRec(rec) {
		return nil
	}
	key, _, _ := leafKeyInfo(bti, rec)
	return append([]byte(nil), key...)
}

// leafHighFenceKey the existing upper fence key, or nil.
func leafHighFenceKey(e *Engine, bti *BtidInt, fp *pagebuf.FixedPage, hdr *NodeHeader) []byte {
	last := fp.Page.SlotCount() - 1
	if last < firstRecSlot {
		return nil
	}
	rec, err := fp.Page.GetRecord(last)
	if err != nil || !isFenceRec(rec) {
		return nil
	}
	key, _, _ := leafKeyInfo(bti, rec)
	return append([]byte(nil), key...)
}

// splitRoot raises the tree height: the root's records move into two new
// children and the root keeps only the two separators.
func (e *Engine) splitRoot(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader) error {
	e.log.StartSystemOp(oc.tran)
	if err := e.splitRootInner(oc, root, rh); err != nil {
		_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
		return err
	}
	return e.log.EndSystemOp(oc.tran, true, e.undoApplier(oc.ctx))
}

func (e *Engine) splitRootInner(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader) error {
	bti := oc.bti
	hdr := &rh.NodeHeader
	entries, err := e.collectEntries(bti, root, hdr)
	if err != nil {
		return err
	}
	if len(entries) < 2 {
		return errors.Wrap(basic.ErrMalformedRecord, "root too small to split")
	}

	leftCount := pickSplitPoint(entries, hdr.SplitPivot)
	leftEntries, rightEntries := entries[:leftCount], entries[leftCount:]

	var sep []byte
	if hdr.IsLeaf() {
		sep = chooseSeparator(bti, leftEntries[len(leftEntries)-1].key, rightEntries[0].key)
	} else {
		sep = append([]byte(nil), rightEntries[0].key...)
	}

	left, err := e.pool.AllocPage(oc.ctx, bti.Btid.VFID, root.VPID, basic.PageTypeBtree)
	if err != nil {
		return err
	}
	right, err := e.pool.AllocPage(oc.ctx, bti.Btid.VFID, root.VPID, basic.PageTypeBtree)
	if err != nil {
		e.pool.Unfix(left)
		return err
	}

	leftHdr := &NodeHeader{NodeLevel: hdr.NodeLevel, MaxKeyLen: hdr.MaxKeyLen, SplitPivot: 0.5}
	rightHdr := &NodeHeader{NodeLevel: hdr.NodeLevel, MaxKeyLen: hdr.MaxKeyLen, SplitPivot: 0.5}

	if hdr.IsLeaf() {
		var leftLow, leftHigh, rightLow, rightHigh []byte
		if _, isMidx := bti.Domain.(*basic.MidxKeyDomain); isMidx {
			leftHigh, rightLow = sep, sep
		}
		if err := e.rebuildLeaf(bti, left, leftHdr, leftEntries, leftLow, leftHigh); err != nil {
			e.pool.Unfix(left)
			e.pool.Unfix(right)
			return err
		}
		if err := e.rebuildLeaf(bti, right, rightHdr, rightEntries, rightLow, rightHigh); err != nil {
			e.pool.Unfix(left)
			e.pool.Unfix(right)
			return err
		}
		left.Page.SetNextVPID(right.VPID)
		right.Page.SetPrevVPID(left.VPID)
	} else {
		if err := rebuildNonLeaf(left, leftHdr, leftEntries); err != nil {
			e.pool.Unfix(left)
			e.pool.Unfix(right)
			return err
		}
		dummy := leafEntry{key: nil, rec: buildNonLeafRecord(nonLeafChild(rightEntries[0].rec), nil, basic.NullVPID)}
		rest := append([]leafEntry{dummy}, rightEntries[1:]...)
		if err := rebuildNonLeaf(right, rightHdr, rest); err != nil {
			e.pool.Unfix(left)
			e.pool.Unfix(right)
			return err
		}
	}

	// 根页清空后写入两条分隔记录，高度加一
	sepOvf := basic.NullVPID
	sepStored := sep
	if len(sep) >= e.cfg.MaxKeylenInPage() {
		sepOvf, err = e.spillKeyIfNeeded(bti, sep)
		if err != nil {
			e.pool.Unfix(left)
			e.pool.Unfix(right)
			return err
		}
		sepStored = nil
	}

	lsa := root.Page.LSA()
	root.Page.Format(basic.PageTypeBtree)
	root.Page.SetLSA(lsa)
	rh.NodeLevel = hdr.NodeLevel + 1
	rh.Revision++
	if len(sep) > rh.MaxKeyLen {
		rh.MaxKeyLen = len(sep)
	}
	if err := root.Page.InsertAt(headerSlot, rh.serialize()); err != nil {
		e.pool.Unfix(left)
		e.pool.Unfix(right)
		return err
	}
	if err := root.Page.InsertAt(firstRecSlot, buildNonLeafRecord(left.VPID, nil, basic.NullVPID)); err != nil {
		e.pool.Unfix(left)
		e.pool.Unfix(right)
		return err
	}
	if err := root.Page.InsertAt(firstRecSlot+1, buildNonLeafRecord(right.VPID, sepStored, sepOvf)); err != nil {
		e.pool.Unfix(left)
		e.pool.Unfix(right)
		return err
	}

	e.logPageCopy(oc.tran, left)
	e.logPageCopy(oc.tran, right)
	e.logPageCopy(oc.tran, root)

	logger.Debugf("root split: height now %d", rh.NodeLevel)
	e.pool.Unfix(left)
	e.pool.Unfix(right)
	return nil
}
