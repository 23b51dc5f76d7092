package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
)

// Range scan. A Bts carries the range, the position (leaf, slot, current
// key) and the saved LSA that lets a suspended scan resume without a
// descent. RangeScan processes one chunk bounded by the caller's OID
// buffer capacity and preserves position for the next call.

// KeyRange scan bounds.
type KeyRange struct {
	Kind  basic.RangeKind
	Lower basic.KeyVal
	Upper basic.KeyVal
}

// Bts b-tree scan state.
type Bts struct {
	e    *Engine
	tran *mvccm.Tran
	bti  *BtidInt

	Range   KeyRange
	UseDesc bool

	// optional filters
	MatchClassOID basic.OID
	KeyLimitLower int64
	KeyLimitUpper int64
	Filter        func(key []byte) bool

	// position
	started    bool
	ended      bool
	curLeaf    basic.VPID
	curSlot    int16
	curKey     []byte
	savedLSA   basic.LSA
	curOvfVPID basic.VPID // resume point inside an over-large key's chain

	// counters
	ReadCnt      int
	QualifiedCnt int
	LastIterCnt  int

	snapshot *mvccm.Snapshot
}

// NewScan prepares a scan; no pages are touched until the first RangeScan.
func (e *Engine) NewScan(tran *mvccm.Tran, bti *BtidInt, keyRange KeyRange, useDesc bool) *Bts {
	return &Bts{
		e:             e,
		tran:          tran,
		bti:           bti,
		Range:         keyRange,
		UseDesc:       useDesc,
		MatchClassOID: basic.NullOID,
		KeyLimitLower: -1,
		KeyLimitUpper: -1,
		curOvfVPID:    basic.NullVPID,
		snapshot:      tran.Snapshot(),
	}
}

// IsEnded the scan ran off its range.
func (b *Bts) IsEnded() bool {
	return b.ended
}

// positionHelper descends to the boundary leaf without any SMO.
type positionHelper struct {
	e    *Engine
	key  []byte // nil: leftmost (or rightmost for desc) boundary
	desc bool

	leafPage *pagebuf.FixedPage
	leafHdr  *NodeHeader
	sr       basic.SearchResult
}

func (h *positionHelper) searchKey() []byte {
	if h.key != nil {
		return h.key
	}
	// 无界端走边界下降，键不参与比较
	return []byte{}
}

func (h *positionHelper) boundaryDescent() bool {
	return h.key == nil
}

func (h *positionHelper) root(oc *opCtx, root *pagebuf.FixedPage, rh *RootHeader) (basic.StepResult, error) {
	return basic.StepContinue, nil
}

func (h *positionHelper) advance(oc *opCtx, parent *pagebuf.FixedPage, parentHdr *NodeHeader,
	childSlot int16, childVPID basic.VPID) (*pagebuf.FixedPage, basic.StepResult, error) {

	if h.key == nil {
		// 边界下降：最左或最右子节点
		slot := firstRecSlot
		if h.desc {
			slot = parent.Page.SlotCount() - 1
		}
		rec, err := parent.Page.GetRecord(slot)
		if err != nil {
			return nil, basic.StepStop, err
		}
		childVPID = nonLeafChild(rec)
	}
	child, err := oc.fixChildForDescent(childVPID, parentHdr)
	if err != nil {
		return nil, basic.StepStop, err
	}
	return child, basic.StepContinue, nil
}

func (h *positionHelper) leaf(oc *opCtx, leaf *pagebuf.FixedPage, leafHdr *NodeHeader, sr basic.SearchResult) (basic.StepResult, error) {
	// 叶子保持闩定，扫描在本轮内继续使用
	h.leafPage = leaf
	h.leafHdr = leafHdr
	h.sr = sr
	return basic.StepStop, nil
}

// position descends to the starting leaf and computes the starting slot.
func (b *Bts) position(ctx context.Context, fromKey []byte, skipEqual bool) (*pagebuf.FixedPage, *NodeHeader, error) {
	h := &positionHelper{e: b.e, key: fromKey, desc: b.UseDesc}
	if err := b.e.traverse(ctx, b.tran, b.bti, h); err != nil {
		return nil, nil, err
	}
	leaf, hdr := h.leafPage, h.leafHdr
	if leaf == nil {
		return nil, nil, errors.Wrap(basic.ErrMalformedRecord, "positioning did not reach a leaf")
	}

	lo, hi, err := leafFenceBounds(leaf)
	if err != nil {
		b.e.pool.Unfix(leaf)
		return nil, nil, err
	}

	if fromKey == nil {
		if b.UseDesc {
			b.curSlot = hi
		} else {
			b.curSlot = lo
		}
	} else {
		switch h.sr.Code {
		case basic.KeyFound:
			b.curSlot = h.sr.SlotID
			if skipEqual {
				if b.UseDesc {
					b.curSlot--
				} else {
					b.curSlot++
				}
			}
		default:
			// 插入点即第一个更大键的槽位
			if b.UseDesc {
				b.curSlot = h.sr.SlotID - 1
			} else {
				b.curSlot = h.sr.SlotID
			}
		}
	}
	b.curLeaf = leaf.VPID
	return leaf, hdr, nil
}

// startBound the key the scan starts from, honoring inclusivity.
func (b *Bts) startBound() (key []byte, skipEqual bool) {
	if b.UseDesc {
		if !b.Range.Kind.HasUpper() {
			return nil, false
		}
		return b.Range.Upper.Bytes, !b.Range.Kind.UpperInclusive()
	}
	if !b.Range.Kind.HasLower() {
		return nil, false
	}
	return b.Range.Lower.Bytes, !b.Range.Kind.LowerInclusive()
}

// pastEnd whether key falls outside the range's far end.
func (b *Bts) pastEnd(key []byte) bool {
	if b.UseDesc {
		if !b.Range.Kind.HasLower() {
			return false
		}
		c := b.bti.Domain.Compare(key, b.Range.Lower.Bytes)
		if b.Range.Kind.LowerInclusive() {
			return c < 0
		}
		return c <= 0
	}
	if !b.Range.Kind.HasUpper() {
		return false
	}
	c := b.bti.Domain.Compare(key, b.Range.Upper.Bytes)
	if b.Range.Kind.UpperInclusive() {
		return c > 0
	}
	return c >= 0
}

// stepLeaf moves to the neighbouring leaf in scan direction. Ascending
// follows next unconditionally; descending tries the back-fix
// conditionally and falls back to a canonical-order re-fix.
func (b *Bts) stepLeaf(ctx context.Context, leaf *pagebuf.FixedPage) (*pagebuf.FixedPage, *NodeHeader, bool, error) {
	e := b.e
	if !b.UseDesc {
		next := leaf.Page.NextVPID()
		e.pool.Unfix(leaf)
		if next.IsNull() {
			return nil, nil, false, nil
		}
		nf, err := e.pool.Fix(ctx, next, basic.LatchWrite, false)
		if err != nil {
			return nil, nil, false, err
		}
		hdr, err := readNodeHeader(nf)
		if err != nil {
			e.pool.Unfix(nf)
			return nil, nil, false, err
		}
		lo, _, err := leafFenceBounds(nf)
		if err != nil {
			e.pool.Unfix(nf)
			return nil, nil, false, err
		}
		b.curLeaf = next
		b.curSlot = lo
		return nf, hdr, true, nil
	}

	prev := leaf.Page.PrevVPID()
	if prev.IsNull() {
		e.pool.Unfix(leaf)
		return nil, nil, false, nil
	}
	came := leaf.VPID
	pf, err := e.pool.Fix(ctx, prev, basic.LatchWrite, true)
	if err == nil {
		e.pool.Unfix(leaf)
	} else {
		if !errors.Is(err, basic.ErrLatchTimeout) {
			e.pool.Unfix(leaf)
			return nil, nil, false, err
		}
		// 前向链是唯一锁序，放掉当前页按正序重取，避免与升序扫描互等
		e.pool.Unfix(leaf)
		pf, err = e.pool.Fix(ctx, prev, basic.LatchWrite, false)
		if err != nil {
			return nil, nil, false, err
		}
		if pf.Page.NextVPID() != came {
			// 保存键已不属于该叶，罕见路径：从根重定位
			e.pool.Unfix(pf)
			return nil, nil, false, basic.ErrPageInvalid
		}
	}
	hdr, err := readNodeHeader(pf)
	if err != nil {
		e.pool.Unfix(pf)
		return nil, nil, false, err
	}
	_, hi, err := leafFenceBounds(pf)
	if err != nil {
		e.pool.Unfix(pf)
		return nil, nil, false, err
	}
	b.curLeaf = pf.VPID
	b.curSlot = hi
	return pf, hdr, true, nil
}

// collectKeyOids gathers visible OIDs of the current key, honoring the
// soft/hard capacity rules. Returns done=false when the chunk filled up
// mid-key (hard capacity) with the chain resume point saved.
func (b *Bts) collectKeyOids(ctx context.Context, leaf *pagebuf.FixedPage, hdr *NodeHeader,
	slot int16, out *[]basic.OID, capacity int) (bool, error) {

	e := b.e
	bti := b.bti
	rec, err := leaf.Page.GetRecord(slot)
	if err != nil {
		return false, err
	}

	appendVisible := func(refs []objectRef) {
		for _, ref := range refs {
			if !b.snapshot.Satisfies(ref.Obj.Mvcc) {
				continue
			}
			if !b.MatchClassOID.IsNull() {
				cls := ref.Obj.ClassOID
				if cls.IsNull() {
					cls = bti.TopClass
				}
				if !cls.Equals(b.MatchClassOID) {
					continue
				}
			}
			*out = append(*out, ref.Obj.OID.Canonical())
			b.QualifiedCnt++
		}
	}

	if b.curOvfVPID.IsNull() {
		refs, err := leafObjects(bti, rec)
		if err != nil {
			return false, err
		}
		b.ReadCnt += len(refs)
		appendVisible(refs)
		b.curOvfVPID = leafOverflowLink(rec)
	}

	for !b.curOvfVPID.IsNull() {
		if len(*out) > 0 && len(*out) >= capacity {
			// 硬容量：停在溢出页边界，留待下次续读
			return false, nil
		}
		ovf, err := e.pool.Fix(ctx, b.curOvfVPID, basic.LatchRead, false)
		if err != nil {
			return false, err
		}
		orec, err := ovfRecord(ovf)
		if err != nil {
			e.pool.Unfix(ovf)
			return false, err
		}
		refs := overflowObjects(bti, orec)
		b.ReadCnt += len(refs)
		appendVisible(refs)
		b.curOvfVPID = ovf.Page.NextVPID()
		e.pool.Unfix(ovf)
	}
	return true, nil
}

// RangeScan drives one chunk of up to capacity OIDs; the caller iterates
// until IsEnded. Position survives between calls via the saved LSA.
func (b *Bts) RangeScan(ctx context.Context, capacity int) ([]basic.OID, error) {
	if b.ended {
		return nil, nil
	}
	e := b.e
	out := make([]basic.OID, 0, capacity)

	var leaf *pagebuf.FixedPage
	var hdr *NodeHeader
	var err error

	if !b.started {
		key, skipEqual := b.startBound()
		leaf, hdr, err = b.position(ctx, key, skipEqual)
		if err != nil {
			return nil, err
		}
		b.started = true
	} else {
		leaf, hdr, err = b.resume(ctx)
		if err != nil {
			return nil, err
		}
	}
	if leaf == nil {
		b.ended = true
		b.LastIterCnt = 0
		return nil, nil
	}

	b.LastIterCnt = 0
	for {
		if err := ctx.Err(); err != nil {
			b.saveAndUnfix(leaf)
			return out, errors.Wrap(basic.ErrInterrupted, "range scan")
		}

		lo, hi, err := leafFenceBounds(leaf)
		if err != nil {
			e.pool.Unfix(leaf)
			return out, err
		}
		if (b.UseDesc && b.curSlot < lo) || (!b.UseDesc && b.curSlot > hi) || hi < lo {
			var ok bool
			leaf, hdr, ok, err = b.stepLeaf(ctx, leaf)
			if err != nil {
				if errors.Is(err, basic.ErrPageInvalid) {
					// 从根重定位一次
					leaf, hdr, err = b.position(ctx, b.curKey, true)
					if err != nil {
						return out, err
					}
					continue
				}
				return out, err
			}
			if !ok {
				b.ended = true
				return out, nil
			}
			continue
		}

		key, err := e.leafKeyAt(b.bti, leaf, hdr, b.curSlot)
		if err != nil {
			e.pool.Unfix(leaf)
			return out, err
		}
		if b.pastEnd(key) {
			e.pool.Unfix(leaf)
			b.ended = true
			return out, nil
		}
		if b.Filter != nil && !b.Filter(key) {
			b.curKey = append(b.curKey[:0], key...)
			b.advanceSlot()
			continue
		}

		// 软容量：下一键放不下时先归还本批
		if b.curOvfVPID.IsNull() && len(out) > 0 {
			rec, rerr := leaf.Page.GetRecord(b.curSlot)
			if rerr == nil {
				estimate := countLeafRecObjects(b.bti, rec)
				if len(out)+estimate > capacity {
					b.saveAndUnfix(leaf)
					return out, nil
				}
			}
		}

		b.curKey = append(b.curKey[:0], key...)
		done, err := b.collectKeyOids(ctx, leaf, hdr, b.curSlot, &out, capacity)
		if err != nil {
			e.pool.Unfix(leaf)
			return out, err
		}
		b.LastIterCnt = len(out)
		if !done {
			b.saveAndUnfix(leaf)
			return out, nil
		}
		b.advanceSlot()

		if len(out) >= capacity {
			b.saveAndUnfix(leaf)
			return out, nil
		}
	}
}

func (b *Bts) advanceSlot() {
	b.curOvfVPID = basic.NullVPID
	if b.UseDesc {
		b.curSlot--
	} else {
		b.curSlot++
	}
}

// saveAndUnfix remembers the leaf LSA for resume and releases the latch.
func (b *Bts) saveAndUnfix(leaf *pagebuf.FixedPage) {
	b.savedLSA = leaf.Page.LSA()
	b.curLeaf = leaf.VPID
	b.e.pool.Unfix(leaf)
}

// resume re-fixes the saved leaf. Same LSA: continue at the saved slot.
// Changed but still a valid leaf: re-search the current key. Otherwise
// restart from the root.
func (b *Bts) resume(ctx context.Context) (*pagebuf.FixedPage, *NodeHeader, error) {
	e := b.e
	leaf, err := e.pool.Fix(ctx, b.curLeaf, basic.LatchWrite, false)
	if err == nil {
		if err := e.pool.CheckPageType(leaf, basic.PageTypeBtree); err == nil {
			hdr, herr := readNodeHeader(leaf)
			if herr == nil && hdr.IsLeaf() {
				if leaf.Page.LSA() == b.savedLSA {
					return leaf, hdr, nil
				}
				// 页面变过：二分找回当前键
				sr, serr := e.searchLeaf(b.bti, leaf, hdr, b.curKey)
				if serr == nil && (sr.Code == basic.KeyFound || sr.Code == basic.KeyBetween) {
					b.curSlot = sr.SlotID
					if sr.Code == basic.KeyFound && b.curOvfVPID.IsNull() {
						// 已消费的键跳过
						if b.UseDesc {
							b.curSlot--
						} else {
							b.curSlot++
						}
					}
					return leaf, hdr, nil
				}
			}
			e.pool.Unfix(leaf)
		} else {
			e.pool.Unfix(leaf)
		}
	}
	// 从根重新定位，跳过已消费的键
	return b.position(ctx, b.curKey, b.curOvfVPID.IsNull())
}

// KeyvalSearch runs an equality scan for key and returns the qualified
// OIDs (§6.1 keyval_search).
func (e *Engine) KeyvalSearch(ctx context.Context, tran *mvccm.Tran, bti *BtidInt,
	key basic.KeyVal, capacity int) ([]basic.OID, error) {

	bts := e.NewScan(tran, bti, KeyRange{
		Kind:  basic.RangeGeLe,
		Lower: key,
		Upper: key,
	}, false)
	var out []basic.OID
	for !bts.IsEnded() {
		chunk, err := bts.RangeScan(ctx, capacity)
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
		if len(out) >= capacity {
			break
		}
	}
	return out, nil
}
