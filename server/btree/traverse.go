package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
)

// The traversal framework drives every operation: descend from the root
// choosing children by key order, give the operation a chance to split or
// merge before stepping down, and hand it the latched leaf. Operations
// plug in through opHelper; a failed promotion or an invalidated page
// surfaces as StepRestart and the whole walk re-runs, escalated to
// exclusive non-leaf latches when the fast path is exhausted.
const maxTraverseRestarts = 100

// opCtx state shared by one traversal attempt.
type opCtx struct {
	ctx  context.Context
	e    *Engine
	tran *mvccm.Tran
	bti  *BtidInt

	// exclusive restart mode: non-leaf latches taken X outright
	exclusive bool
	// escalate requests exclusive mode for the next attempt
	escalate bool
	// firstTry false after any restart
	firstTry bool
	// crtNodeWriteLatched the current node was handed over write-latched
	// by a split, promotion on it would be pointless
	crtNodeWriteLatched bool
}

func (oc *opCtx) nonLeafMode() basic.LatchMode {
	if oc.exclusive {
		return basic.LatchWrite
	}
	return basic.LatchRead
}

// childMode latch mode for a child about to be fixed.
func (oc *opCtx) childMode(childLevel int) basic.LatchMode {
	if childLevel == 1 {
		return basic.LatchWrite
	}
	return oc.nonLeafMode()
}

// opHelper the three callback bundles of the framework.
//
// Conventions: root and advance leave the pages they were handed fixed
// (the driver unfixes them); advance returns the fixed child. leaf owns
// the leaf page and must unfix it on every path, success or error.
type opHelper interface {
	// searchKey the key driving the descent; nil stops at the root.
	searchKey() []byte
	root(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader) (basic.StepResult, error)
	advance(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
		childSlot int16, childVPID basic.VPID) (*pagebuf.FixedPage, basic.StepResult, error)
	leaf(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader, sr basic.SearchResult) (basic.StepResult, error)
}

// traverse runs the walk until the helper stops, restarting on conflicts.
func (e *Engine) traverse(ctx context.Context, tran *mvccm.Tran, bti *BtidInt, h opHelper) error {
	oc := &opCtx{ctx: ctx, e: e, tran: tran, bti: bti, firstTry: true}
	for restarts := 0; restarts <= maxTraverseRestarts; restarts++ {
		res, err := e.traverseOnce(oc, h)
		if err != nil {
			// 页面失效与条件闩锁失败属于可重试冲突
			if errors.Is(err, basic.ErrPageInvalid) || errors.Is(err, basic.ErrLatchTimeout) {
				oc.firstTry = false
				continue
			}
			return err
		}
		if res != basic.StepRestart {
			return nil
		}
		oc.firstTry = false
		if oc.escalate {
			oc.exclusive = true
			oc.escalate = false
		}
		// 锁等待等必须在无闩锁时进行的动作挂在重启间隙
		if hook, ok := h.(interface{ onRestart(oc *opCtx) error }); ok {
			if err := hook.onRestart(oc); err != nil {
				return err
			}
		}
	}
	return errors.Errorf("btree: traversal did not settle after %d restarts", maxTraverseRestarts)
}

func (e *Engine) traverseOnce(oc *opCtx, h opHelper) (basic.StepResult, error) {
	oc.crtNodeWriteLatched = false

	root, err := e.pool.Fix(oc.ctx, oc.bti.Btid.RootVPID, oc.nonLeafMode(), false)
	if err != nil {
		return basic.StepStop, err
	}
	rh, err := readRootHeader(root)
	if err != nil {
		e.pool.Unfix(root)
		return basic.StepStop, err
	}
	oc.bti.fromRoot(rh)

	res, err := h.root(oc, root, rh)
	if err != nil || res != basic.StepContinue {
		e.pool.Unfix(root)
		return res, err
	}

	key := h.searchKey()
	if key == nil {
		e.pool.Unfix(root)
		return basic.StepStop, nil
	}

	boundary := false
	if bd, ok := h.(interface{ boundaryDescent() bool }); ok {
		boundary = bd.boundaryDescent()
	}

	cur := root
	curHdr := &rh.NodeHeader
	for !curHdr.IsLeaf() {
		var childSlot int16
		var childVPID basic.VPID
		if boundary {
			// 边界下降不比较键，advance自行选边
			childSlot = firstRecSlot
		} else {
			childSlot, childVPID, err = e.searchNonLeaf(oc.bti, cur, key)
			if err != nil {
				e.pool.Unfix(cur)
				return basic.StepStop, err
			}
		}
		child, res, err := h.advance(oc, cur, curHdr, childSlot, childVPID)
		e.pool.Unfix(cur)
		if err != nil || res != basic.StepContinue {
			return res, err
		}
		childHdr, err := readNodeHeader(child)
		if err != nil {
			e.pool.Unfix(child)
			return basic.StepStop, err
		}
		if childHdr.NodeLevel != curHdr.NodeLevel-1 {
			e.pool.Unfix(child)
			logger.Warnf("level mismatch under (%d,%d): restarting", cur.VPID.VolID, cur.VPID.PageID)
			return basic.StepRestart, nil
		}
		cur = child
		curHdr = childHdr
	}

	// 单页树：根即叶，共享闩需先提升
	if curHdr.IsLeaf() && cur.Mode != basic.LatchWrite {
		res, perr := oc.promoteOrRestart(cur, basic.SharedReaderPromote)
		if perr != nil || res != basic.StepContinue {
			e.pool.Unfix(cur)
			return res, perr
		}
	}

	var sr basic.SearchResult
	if boundary {
		// 边界下降不携带可比较的键
		lo, _, berr := leafFenceBounds(cur)
		if berr != nil {
			e.pool.Unfix(cur)
			return basic.StepStop, berr
		}
		sr = basic.SearchResult{Code: basic.KeyNotFound, SlotID: lo}
	} else {
		sr, err = e.searchLeaf(oc.bti, cur, curHdr, key)
		if err != nil {
			e.pool.Unfix(cur)
			return basic.StepStop, err
		}
	}
	return h.leaf(oc, cur, curHdr, sr)
}

// fixChildForDescent default advance body: fix the chosen child with the
// mode its level demands.
func (oc *opCtx) fixChildForDescent(childVPID basic.VPID, parentHdr *NodeHeader) (*pagebuf.FixedPage, error) {
	mode := oc.childMode(parentHdr.NodeLevel - 1)
	child, err := oc.e.pool.Fix(oc.ctx, childVPID, mode, false)
	if err != nil {
		return nil, err
	}
	if err := oc.e.pool.CheckPageType(child, basic.PageTypeBtree); err != nil {
		oc.e.pool.Unfix(child)
		return nil, err
	}
	return child, nil
}

// promoteOrRestart promotes a shared latch, translating failure into the
// escalation restart protocol. A page handed over write-latched (after a
// split) skips the promotion entirely.
func (oc *opCtx) promoteOrRestart(fp *pagebuf.FixedPage, kind basic.PromoteKind) (basic.StepResult, error) {
	if fp.Mode == basic.LatchWrite {
		return basic.StepContinue, nil
	}
	if err := oc.e.pool.Promote(fp, kind); err != nil {
		if errors.Is(err, basic.ErrPromoteFailed) {
			oc.escalate = true
			return basic.StepRestart, nil
		}
		return basic.StepStop, err
	}
	return basic.StepContinue, nil
}
