package btree

import (
	"context"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
)

// Unique find: locate the visible object of one key, optionally locking
// it with the conditional-then-unconditional pattern shared with the
// insert flow.

type findUniqueHelper struct {
	e        *Engine
	key      basic.KeyVal
	lockMode basic.LockMode

	found bool
	oid   basic.OID
	class basic.OID

	pendingLock bool
	lockClass   basic.OID
	lockOID     basic.OID
}

func (h *findUniqueHelper) searchKey() []byte {
	if h.key.IsNull {
		return nil
	}
	return h.key.Bytes
}

func (h *findUniqueHelper) onRestart(oc *opCtx) error {
	if !h.pendingLock {
		return nil
	}
	h.pendingLock = false
	return h.e.locks.Lock(oc.ctx, oc.tran.ID, h.lockClass, h.lockOID, h.lockMode)
}

func (h *findUniqueHelper) root(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader) (basic.StepResult, error) {
	return basic.StepContinue, nil
}

func (h *findUniqueHelper) advance(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
	childSlot int16, childVPID basic.VPID) (*pagebuf.FixedPage, basic.StepResult, error) {

	child, err := oc.fixChildForDescent(childVPID, parentHdr)
	if err != nil {
		return nil, basic.StepStop, err
	}
	return child, basic.StepContinue, nil
}

func (h *findUniqueHelper) leaf(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader, sr basic.SearchResult) (basic.StepResult, error) {
	e := h.e
	defer e.pool.Unfix(leaf)

	if sr.Code != basic.KeyFound {
		h.found = false
		return basic.StepStop, nil
	}
	rec, err := leaf.Page.GetRecord(sr.SlotID)
	if err != nil {
		return basic.StepStop, err
	}
	refs, err := leafObjects(oc.bti, rec)
	if err != nil {
		return basic.StepStop, err
	}

	snapshot := oc.tran.Snapshot()
	var target *objectRef
	if oc.bti.Unique {
		// 唯一索引只看首对象：它始终是当前版本
		if snapshot.Satisfies(refs[0].Obj.Mvcc) {
			target = &refs[0]
		}
	} else {
		for i := range refs {
			if snapshot.Satisfies(refs[i].Obj.Mvcc) {
				target = &refs[i]
				break
			}
		}
	}
	if target == nil {
		h.found = false
		return basic.StepStop, nil
	}

	cls := target.Obj.ClassOID
	if cls.IsNull() {
		cls = oc.bti.TopClass
	}
	oid := target.Obj.OID.Canonical()

	if h.lockMode != basic.LockNone && !e.locks.HasLock(oc.tran.ID, cls, oid, h.lockMode) {
		if !e.locks.TryLock(oc.tran.ID, cls, oid, h.lockMode) {
			// 放闩等锁，重走校验键仍在
			h.pendingLock = true
			h.lockClass, h.lockOID = cls, oid
			return basic.StepRestart, nil
		}
	}

	h.found = true
	h.oid = oid
	h.class = cls
	return basic.StepStop, nil
}

// FindUnique locates the visible OID for key (§6.1 find_unique). With a
// dirty-read S lock the lock is released after the OID has been copied
// out, never before.
func (e *Engine) FindUnique(ctx context.Context, tran *mvccm.Tran, bti *BtidInt,
	key basic.KeyVal, lockMode basic.LockMode) (bool, basic.OID, error) {

	if key.IsNull {
		return false, basic.NullOID, nil
	}
	h := &findUniqueHelper{e: e, key: key, lockMode: lockMode}
	if err := e.traverse(ctx, tran, bti, h); err != nil {
		return false, basic.NullOID, err
	}
	if h.found && lockMode == basic.LockS && tran.Isolation == basic.ReadCommitted {
		// 结果已拷出，读已提交隔离下S锁随即归还
		e.locks.Unlock(tran.ID, h.class, h.oid)
	}
	return h.found, h.oid, nil
}

// FindMultiUniques probes several indexes in one call (§6.1
// find_multi_uniques). Found OIDs are returned in input order; a key with
// no visible object adds no entry, so result positions need not line up
// with the inputs.
func (e *Engine) FindMultiUniques(ctx context.Context, tran *mvccm.Tran, btis []*BtidInt,
	keys []basic.KeyVal, lockMode basic.LockMode) ([]basic.OID, error) {

	out := make([]basic.OID, 0, len(btis))
	for i, bti := range btis {
		found, oid, err := e.FindUnique(ctx, tran, bti, keys[i], lockMode)
		if err != nil {
			return out, err
		}
		if found {
			out = append(out, oid)
		}
	}
	return out, nil
}
