package btree

import (
	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
)

// Structural modification: merge. Like splits, merges are decided top-down
// during descent; the thresholds keep nodes from thrashing between split
// and merge.

// usedKeySpace bytes consumed by key records and their slots, header
// excluded.
func usedKeySpace(fp *pagebuf.FixedPage) int {
	used := fp.Page.UsedSpace()
	hdr, err := fp.Page.GetRecord(headerSlot)
	if err != nil {
		return used
	}
	return used - len(hdr) - 4
}

// mergeSizes evaluates the two thresholds on the summed used space.
func (e *Engine) mergeSizes(left, right *pagebuf.FixedPage) (canMerge, forceMerge bool) {
	// 对齐损耗按记录数估算，再留三成余量
	records := int(left.Page.SlotCount() + right.Page.SlotCount())
	alignWaste := float64(records*4) * 1.3
	sum := float64(usedKeySpace(left)+usedKeySpace(right)) + alignWaste
	pageSize := float64(e.cfg.PageSize)
	return sum < 0.33*pageSize, sum < 0.66*pageSize
}

// mergeChildWithRight merges the right sibling into child. Both pages and
// the parent are write-latched. On return child holds the union and right
// is deallocated; the parent separator for right is gone.
func (e *Engine) mergeChildWithRight(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
	rightSlot int16, child *pagebuf.FixedPage, childHdr *NodeHeader, right *pagebuf.FixedPage, rightHdr *NodeHeader) error {

	e.log.StartSystemOp(oc.tran)
	if err := e.mergeInner(oc, parent, parentHdr, rightSlot, child, childHdr, right, rightHdr); err != nil {
		logger.Errorf("merge of (%d,%d)+(%d,%d) failed: %v",
			child.VPID.VolID, child.VPID.PageID, right.VPID.VolID, right.VPID.PageID, err)
		_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
		e.pool.Unfix(right)
		return err
	}
	return e.log.EndSystemOp(oc.tran, true, e.undoApplier(oc.ctx))
}

func (e *Engine) mergeInner(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
	rightSlot int16, child *pagebuf.FixedPage, childHdr *NodeHeader, right *pagebuf.FixedPage, rightHdr *NodeHeader) error {

	bti := oc.bti
	leftEntries, err := e.collectEntries(bti, child, childHdr)
	if err != nil {
		return err
	}
	rightEntries, err := e.collectEntries(bti, right, rightHdr)
	if err != nil {
		return err
	}

	if childHdr.IsLeaf() {
		// 交界处上下栅栏键重合，合并后只保留两端
		lowFence := leafLowFenceKey(e, bti, child, childHdr)
		highFence := leafHighFenceKey(e, bti, right, rightHdr)
		all := append(leftEntries, rightEntries...)
		if childHdr.MaxKeyLen < rightHdr.MaxKeyLen {
			childHdr.MaxKeyLen = rightHdr.MaxKeyLen
		}
		if err := e.rebuildLeaf(bti, child, childHdr, all, lowFence, highFence); err != nil {
			return err
		}
	} else {
		// 右节点的哑键恢复为父分隔键
		sepRec, err := parent.Page.CopyRecord(rightSlot)
		if err != nil {
			return err
		}
		sepKey, sepOvf := nonLeafKey(sepRec)
		if !sepOvf.IsNull() {
			sepKey, err = e.ovfKeys.Get(sepOvf)
			if err != nil {
				return err
			}
		}
		rightEntries[0].key = append([]byte(nil), sepKey...)
		rightEntries[0].rec = buildNonLeafRecord(nonLeafChild(rightEntries[0].rec), sepKey, basic.NullVPID)
		all := append(leftEntries, rightEntries...)
		if childHdr.MaxKeyLen < rightHdr.MaxKeyLen {
			childHdr.MaxKeyLen = rightHdr.MaxKeyLen
		}
		if err := rebuildNonLeaf(child, childHdr, all); err != nil {
			return err
		}
	}

	oldNext := right.Page.NextVPID()
	child.Page.SetNextVPID(oldNext)
	if childHdr.IsLeaf() && !oldNext.IsNull() {
		nf, err := e.pool.Fix(oc.ctx, oldNext, basic.LatchWrite, false)
		if err != nil {
			return err
		}
		nf.Page.SetPrevVPID(child.VPID)
		e.logPageCopy(oc.tran, nf)
		e.pool.Unfix(nf)
	}

	if err := parent.Page.Delete(rightSlot); err != nil {
		return err
	}

	e.logPageCopy(oc.tran, child)
	e.logPageCopy(oc.tran, parent)

	// 右页在系统操作内归还文件
	if err := e.pool.DeallocPage(right, bti.Btid.VFID); err != nil {
		return err
	}
	return nil
}

// tryMergeChild attempts to merge the child chosen for descent with its
// right (preferred) or left sibling. All latches are conditional-promoted;
// when promotions fail under force_merge pressure the caller escalates to
// an exclusive-mode restart.
//
// Returns the surviving page to descend into (possibly the left sibling),
// its header, and whether a merge happened.
func (e *Engine) tryMergeChild(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
	childSlot int16, child *pagebuf.FixedPage, childHdr *NodeHeader) (*pagebuf.FixedPage, *NodeHeader, bool, basic.StepResult, error) {

	count := parent.Page.SlotCount()

	// 优先与右兄弟合并，子节点保持在位
	if childSlot+1 < count {
		sibRec, err := parent.Page.GetRecord(childSlot + 1)
		if err != nil {
			return child, childHdr, false, basic.StepStop, err
		}
		sibVPID := nonLeafChild(sibRec)
		sib, err := e.pool.Fix(oc.ctx, sibVPID, basic.LatchWrite, true)
		if err == nil {
			sibHdr, herr := readNodeHeader(sib)
			if herr != nil {
				e.pool.Unfix(sib)
				return child, childHdr, false, basic.StepStop, herr
			}
			canMerge, forceMerge := e.mergeSizes(child, sib)
			if canMerge || (forceMerge && oc.exclusive) {
				res, perr := oc.promoteParentForSMO(parent, parentHdr)
				if perr != nil {
					e.pool.Unfix(sib)
					return child, childHdr, false, res, perr
				}
				if res == basic.StepRestart {
					e.pool.Unfix(sib)
					if !forceMerge {
						// 仅到可合并阈值：本趟放弃，不强求独占重走
						oc.escalate = false
						return child, childHdr, false, basic.StepContinue, nil
					}
					return child, childHdr, false, res, nil
				}
				if merr := e.mergeChildWithRight(oc, parent, parentHdr, childSlot+1, child, childHdr, sib, sibHdr); merr != nil {
					return child, childHdr, false, basic.StepStop, merr
				}
				return child, childHdr, true, basic.StepContinue, nil
			}
			e.pool.Unfix(sib)
		}
	}

	// 左兄弟：子节点并入左页后改走左页
	if childSlot > firstRecSlot {
		sibRec, err := parent.Page.GetRecord(childSlot - 1)
		if err != nil {
			return child, childHdr, false, basic.StepStop, err
		}
		sibVPID := nonLeafChild(sibRec)
		sib, err := e.pool.Fix(oc.ctx, sibVPID, basic.LatchWrite, true)
		if err != nil {
			return child, childHdr, false, basic.StepContinue, nil
		}
		sibHdr, herr := readNodeHeader(sib)
		if herr != nil {
			e.pool.Unfix(sib)
			return child, childHdr, false, basic.StepStop, herr
		}
		canMerge, forceMerge := e.mergeSizes(sib, child)
		if !canMerge && !(forceMerge && oc.exclusive) {
			e.pool.Unfix(sib)
			return child, childHdr, false, basic.StepContinue, nil
		}
		res, perr := oc.promoteParentForSMO(parent, parentHdr)
		if perr != nil {
			e.pool.Unfix(sib)
			return child, childHdr, false, res, perr
		}
		if res == basic.StepRestart {
			e.pool.Unfix(sib)
			if !forceMerge {
				oc.escalate = false
				return child, childHdr, false, basic.StepContinue, nil
			}
			return child, childHdr, false, res, nil
		}
		if merr := e.mergeChildWithRight(oc, parent, parentHdr, childSlot, sib, sibHdr, child, childHdr); merr != nil {
			return child, childHdr, false, basic.StepStop, merr
		}
		return sib, sibHdr, true, basic.StepContinue, nil
	}

	return child, childHdr, false, basic.StepContinue, nil
}

// promoteParentForSMO promotes the parent latch with the kind its level
// demands: a leaf's parent uses the single-reader rule.
func (oc *opCtx) promoteParentForSMO(parent *pagebuf.FixedPage, parentHdr *NodeHeader) (basic.StepResult, error) {
	kind := basic.SharedReaderPromote
	if parentHdr.NodeLevel == 2 {
		kind = basic.SingleReaderPromote
	}
	return oc.promoteOrRestart(parent, kind)
}

// rootMerge collapses a two-child root one level, only while height > 2.
func (e *Engine) rootMerge(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader) (bool, error) {
	if rh.NodeLevel <= 2 || keyCount(root.Page) != 2 {
		return false, nil
	}

	leftRec, err := root.Page.GetRecord(firstRecSlot)
	if err != nil {
		return false, err
	}
	rightRec, err := root.Page.GetRecord(firstRecSlot + 1)
	if err != nil {
		return false, err
	}
	leftVPID, rightVPID := nonLeafChild(leftRec), nonLeafChild(rightRec)

	left, err := e.pool.Fix(oc.ctx, leftVPID, basic.LatchWrite, true)
	if err != nil {
		return false, nil
	}
	right, err := e.pool.Fix(oc.ctx, rightVPID, basic.LatchWrite, true)
	if err != nil {
		e.pool.Unfix(left)
		return false, nil
	}

	canMerge, _ := e.mergeSizes(left, right)
	if !canMerge {
		e.pool.Unfix(left)
		e.pool.Unfix(right)
		return false, nil
	}

	e.log.StartSystemOp(oc.tran)
	if err := e.rootMergeInner(oc, root, rh, left, right, rightRec); err != nil {
		_ = e.log.EndSystemOp(oc.tran, false, e.undoApplier(oc.ctx))
		e.pool.Unfix(left)
		e.pool.Unfix(right)
		return false, err
	}
	if err := e.log.EndSystemOp(oc.tran, true, e.undoApplier(oc.ctx)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) rootMergeInner(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader,
	left, right *pagebuf.FixedPage, rightSepRec []byte) error {

	bti := oc.bti
	leftHdr, err := readNodeHeader(left)
	if err != nil {
		return err
	}
	rightHdr, err := readNodeHeader(right)
	if err != nil {
		return err
	}
	leftEntries, err := e.collectEntries(bti, left, leftHdr)
	if err != nil {
		return err
	}
	rightEntries, err := e.collectEntries(bti, right, rightHdr)
	if err != nil {
		return err
	}

	sepKey, sepOvf := nonLeafKey(rightSepRec)
	if !sepOvf.IsNull() {
		sepKey, err = e.ovfKeys.Get(sepOvf)
		if err != nil {
			return err
		}
	}
	rightEntries[0].key = append([]byte(nil), sepKey...)
	rightEntries[0].rec = buildNonLeafRecord(nonLeafChild(rightEntries[0].rec), sepKey, basic.NullVPID)
	all := append(leftEntries, rightEntries...)

	lsa := root.Page.LSA()
	root.Page.Format(basic.PageTypeBtree)
	root.Page.SetLSA(lsa)
	rh.NodeLevel--
	rh.Revision++
	if err := root.Page.InsertAt(headerSlot, rh.serialize()); err != nil {
		return err
	}
	for i, en := range all {
		if err := root.Page.InsertAt(firstRecSlot+int16(i), en.rec); err != nil {
			return err
		}
	}

	e.logPageCopy(oc.tran, root)

	if err := e.pool.DeallocPage(left, bti.Btid.VFID); err != nil {
		return err
	}
	if err := e.pool.DeallocPage(right, bti.Btid.VFID); err != nil {
		return err
	}
	logger.Debugf("root merge: height now %d", rh.NodeLevel)
	return nil
}
