package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
)

// Programmatic scanners consumed by tooling layers, plus the consistency
// checker the test suite leans on.

// KeyInfo one key as reported by the key scanner.
type KeyInfo struct {
	Key        []byte
	LeafVPID   basic.VPID
	Slot       int16
	NumObjects int
	HasChain   bool
}

// NodeInfo one page as reported by the node scanner.
type NodeInfo struct {
	VPID      basic.VPID
	Level     int
	KeyCount  int16
	MaxKeyLen int
	FreeSpace int
}

// GetNextKeyInfo walks every key left to right, invoking fn; returning
// false stops the walk.
func (e *Engine) GetNextKeyInfo(ctx context.Context, tran *mvccm.Tran, bti *BtidInt,
	fn func(info KeyInfo) bool) error {

	vpid, err := e.leftmostLeaf(ctx, bti)
	if err != nil {
		return err
	}
	for !vpid.IsNull() {
		leaf, err := e.pool.Fix(ctx, vpid, basic.LatchRead, false)
		if err != nil {
			return err
		}
		hdr, err := readNodeHeader(leaf)
		if err != nil {
			e.pool.Unfix(leaf)
			return err
		}
		lo, hi, err := leafFenceBounds(leaf)
		if err != nil {
			e.pool.Unfix(leaf)
			return err
		}
		for slot := lo; slot <= hi; slot++ {
			key, err := e.leafKeyAt(bti, leaf, hdr, slot)
			if err != nil {
				e.pool.Unfix(leaf)
				return err
			}
			rec, err := leaf.Page.GetRecord(slot)
			if err != nil {
				e.pool.Unfix(leaf)
				return err
			}
			n := countLeafRecObjects(bti, rec)
			chain := leafOverflowLink(rec)
			for ovf := chain; !ovf.IsNull(); {
				op, err := e.pool.Fix(ctx, ovf, basic.LatchRead, false)
				if err != nil {
					e.pool.Unfix(leaf)
					return err
				}
				orec, _ := ovfRecord(op)
				n += len(overflowObjects(bti, orec))
				ovf = op.Page.NextVPID()
				e.pool.Unfix(op)
			}
			info := KeyInfo{
				Key:        append([]byte(nil), key...),
				LeafVPID:   vpid,
				Slot:       slot,
				NumObjects: n,
				HasChain:   !chain.IsNull(),
			}
			if !fn(info) {
				e.pool.Unfix(leaf)
				return nil
			}
		}
		next := leaf.Page.NextVPID()
		e.pool.Unfix(leaf)
		vpid = next
	}
	return nil
}

// GetNextNodeInfo visits every page of the index top-down.
func (e *Engine) GetNextNodeInfo(ctx context.Context, tran *mvccm.Tran, bti *BtidInt,
	fn func(info NodeInfo) bool) error {

	queue := []basic.VPID{bti.Btid.RootVPID}
	for len(queue) > 0 {
		vpid := queue[0]
		queue = queue[1:]
		fp, err := e.pool.Fix(ctx, vpid, basic.LatchRead, false)
		if err != nil {
			return err
		}
		hdr, err := readNodeHeader(fp)
		if err != nil {
			e.pool.Unfix(fp)
			return err
		}
		info := NodeInfo{
			VPID:      vpid,
			Level:     hdr.NodeLevel,
			KeyCount:  keyCount(fp.Page),
			MaxKeyLen: hdr.MaxKeyLen,
			FreeSpace: fp.Page.FreeSpace(),
		}
		if !hdr.IsLeaf() {
			for slot := firstRecSlot; slot < fp.Page.SlotCount(); slot++ {
				rec, err := fp.Page.GetRecord(slot)
				if err != nil {
					e.pool.Unfix(fp)
					return err
				}
				queue = append(queue, nonLeafChild(rec))
			}
		}
		e.pool.Unfix(fp)
		if !fn(info) {
			return nil
		}
	}
	return nil
}

// leftmostLeaf descends the leftmost edge.
func (e *Engine) leftmostLeaf(ctx context.Context, bti *BtidInt) (basic.VPID, error) {
	vpid := bti.Btid.RootVPID
	for {
		fp, err := e.pool.Fix(ctx, vpid, basic.LatchRead, false)
		if err != nil {
			return basic.NullVPID, err
		}
		hdr, err := readNodeHeader(fp)
		if err != nil {
			e.pool.Unfix(fp)
			return basic.NullVPID, err
		}
		if hdr.IsLeaf() {
			e.pool.Unfix(fp)
			return vpid, nil
		}
		rec, err := fp.Page.GetRecord(firstRecSlot)
		if err != nil {
			e.pool.Unfix(fp)
			return basic.NullVPID, err
		}
		next := nonLeafChild(rec)
		e.pool.Unfix(fp)
		vpid = next
	}
}

// CheckTree verifies the structural invariants: child levels and max key
// lengths against parents, leaf record flag consistency, overflow chain
// ordering, fence bracketing and sibling links.
func (e *Engine) CheckTree(ctx context.Context, bti *BtidInt) error {
	root, err := e.pool.Fix(ctx, bti.Btid.RootVPID, basic.LatchRead, false)
	if err != nil {
		return err
	}
	rh, err := readRootHeader(root)
	if err != nil {
		e.pool.Unfix(root)
		return err
	}
	bti.fromRoot(rh)
	level := rh.NodeLevel
	maxKeyLen := rh.MaxKeyLen
	e.pool.Unfix(root)

	if err := e.checkNode(ctx, bti, bti.Btid.RootVPID, level, maxKeyLen); err != nil {
		return err
	}
	return e.checkLeafChain(ctx, bti)
}

func (e *Engine) checkNode(ctx context.Context, bti *BtidInt, vpid basic.VPID, wantLevel, parentMaxKeyLen int) error {
	fp, err := e.pool.Fix(ctx, vpid, basic.LatchRead, false)
	if err != nil {
		return err
	}
	defer e.pool.Unfix(fp)

	hdr, err := readNodeHeader(fp)
	if err != nil {
		return err
	}
	if hdr.NodeLevel != wantLevel {
		return errors.Wrapf(basic.ErrMalformedRecord, "page (%d,%d): level %d, want %d",
			vpid.VolID, vpid.PageID, hdr.NodeLevel, wantLevel)
	}
	if hdr.MaxKeyLen > parentMaxKeyLen {
		return errors.Wrapf(basic.ErrMalformedRecord, "page (%d,%d): max key len %d exceeds parent %d",
			vpid.VolID, vpid.PageID, hdr.MaxKeyLen, parentMaxKeyLen)
	}

	if !hdr.IsLeaf() {
		for slot := firstRecSlot; slot < fp.Page.SlotCount(); slot++ {
			rec, err := fp.Page.GetRecord(slot)
			if err != nil {
				return err
			}
			if err := e.checkNode(ctx, bti, nonLeafChild(rec), hdr.NodeLevel-1, hdr.MaxKeyLen); err != nil {
				return err
			}
		}
		return nil
	}
	return e.checkLeafRecords(ctx, bti, fp, hdr)
}

func (e *Engine) checkLeafRecords(ctx context.Context, bti *BtidInt, fp *pagebuf.FixedPage, hdr *NodeHeader) error {
	lo, hi, err := leafFenceBounds(fp)
	if err != nil {
		return err
	}
	lowFence := leafLowFenceKey(e, bti, fp, hdr)
	highFence := leafHighFenceKey(e, bti, fp, hdr)

	var prevKey []byte
	for slot := lo; slot <= hi; slot++ {
		rec, err := fp.Page.GetRecord(slot)
		if err != nil {
			return err
		}
		key, err := e.leafKeyAt(bti, fp, hdr, slot)
		if err != nil {
			return err
		}

		// I4: 栅栏键夹住所有普通键
		if lowFence != nil && bti.Domain.Compare(lowFence, key) > 0 {
			return errors.Wrapf(basic.ErrMalformedRecord, "key below lower fence at slot %d", slot)
		}
		if highFence != nil && bti.Domain.Compare(key, highFence) > 0 {
			return errors.Wrapf(basic.ErrMalformedRecord, "key above upper fence at slot %d", slot)
		}
		if prevKey != nil && bti.Domain.Compare(prevKey, key) >= 0 {
			return errors.Wrapf(basic.ErrMalformedRecord, "keys out of order at slot %d", slot)
		}
		prevKey = append(prevKey[:0], key...)

		// I2: 首对象标志与记录内容一致
		refs, err := leafObjects(bti, rec)
		if err != nil {
			return err
		}
		flags := recFlags(rec)
		if flags.HasRecordFlag(basic.RecFlagOverflowOids) != !leafOverflowLink(rec).IsNull() {
			return errors.Wrapf(basic.ErrMalformedRecord, "overflow flag mismatch at slot %d", slot)
		}
		seen := make(map[basic.OID]bool, len(refs))
		for _, ref := range refs {
			c := ref.Obj.OID.Canonical()
			if seen[c] {
				return errors.Wrapf(basic.ErrMalformedRecord, "duplicate oid in record at slot %d", slot)
			}
			seen[c] = true
		}

		// I3: 溢出链对象严格升序且定长
		chain := leafOverflowLink(rec)
		for !chain.IsNull() {
			op, err := e.pool.Fix(ctx, chain, basic.LatchRead, false)
			if err != nil {
				return err
			}
			orec, err := ovfRecord(op)
			if err != nil {
				e.pool.Unfix(op)
				return err
			}
			orefs := overflowObjects(bti, orec)
			if len(orec)%fixedObjSize(bti) != 0 {
				e.pool.Unfix(op)
				return errors.Wrapf(basic.ErrMalformedRecord, "overflow record not fixed-size aligned")
			}
			for i := 1; i < len(orefs); i++ {
				if orefs[i-1].Obj.OID.Compare(orefs[i].Obj.OID) >= 0 {
					e.pool.Unfix(op)
					return errors.Wrap(basic.ErrMalformedRecord, "overflow objects out of oid order")
				}
			}
			next := op.Page.NextVPID()
			e.pool.Unfix(op)
			chain = next
		}
	}
	return nil
}

// checkLeafChain verifies I5: next/prev symmetry along the leaf level.
func (e *Engine) checkLeafChain(ctx context.Context, bti *BtidInt) error {
	vpid, err := e.leftmostLeaf(ctx, bti)
	if err != nil {
		return err
	}
	prev := basic.NullVPID
	for !vpid.IsNull() {
		fp, err := e.pool.Fix(ctx, vpid, basic.LatchRead, false)
		if err != nil {
			return err
		}
		if fp.Page.PrevVPID() != prev {
			e.pool.Unfix(fp)
			return errors.Wrapf(basic.ErrMalformedRecord, "leaf (%d,%d): prev link broken",
				vpid.VolID, vpid.PageID)
		}
		next := fp.Page.NextVPID()
		e.pool.Unfix(fp)
		prev = vpid
		vpid = next
	}
	return nil
}
