package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/conf"
	"github.com/zhukovaskychina/xbtree-engine/server/diskfile"
	"github.com/zhukovaskychina/xbtree-engine/server/lockmgr"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
	"github.com/zhukovaskychina/xbtree-engine/server/wal"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Engine is the b-tree index manager: traversals, operation flows and
// structural changes over pages served by the buffer pool, coordinated
// with the write-ahead log and the object lock manager.
type Engine struct {
	cfg      *conf.Cfg
	fm       *diskfile.FileManager
	pool     *pagebuf.BufferPool
	log      *wal.LogManager
	locks    *lockmgr.LockManager
	mvcc     *mvccm.MvccTable
	ovfKeys  *diskfile.OverflowKeyStore
	dispatch *wal.Dispatch
}

func NewEngine(cfg *conf.Cfg, fm *diskfile.FileManager, pool *pagebuf.BufferPool,
	log *wal.LogManager, locks *lockmgr.LockManager, mvcc *mvccm.MvccTable) *Engine {

	e := &Engine{
		cfg:      cfg,
		fm:       fm,
		pool:     pool,
		log:      log,
		locks:    locks,
		mvcc:     mvcc,
		ovfKeys:  diskfile.NewOverflowKeyStore(fm, cfg.OverflowKeyCompress),
		dispatch: wal.NewDispatch(),
	}
	e.registerRecovery()
	pool.FlushLogFn = log.Flush
	return e
}

func (e *Engine) Pool() *pagebuf.BufferPool   { return e.pool }
func (e *Engine) Log() *wal.LogManager        { return e.log }
func (e *Engine) Locks() *lockmgr.LockManager { return e.locks }
func (e *Engine) Mvcc() *mvccm.MvccTable      { return e.mvcc }

// CreateIndex bootstraps an empty index: its file, its root page and the
// root header describing key domain and uniqueness.
func (e *Engine) CreateIndex(ctx context.Context, tran *mvccm.Tran, volID int16,
	domain basic.KeyDomain, unique, primary bool, topClass basic.OID) (*BtidInt, error) {

	vfid, err := e.fm.CreateFile(volID)
	if err != nil {
		return nil, err
	}

	e.log.StartSystemOp(tran)
	root, err := e.pool.AllocPage(ctx, vfid, basic.NullVPID, basic.PageTypeBtree)
	if err != nil {
		_ = e.fm.DestroyFile(vfid)
		return nil, err
	}
	rh := &RootHeader{
		NodeHeader: NodeHeader{NodeLevel: 1, SplitPivot: 0.5},
		Unique:     unique,
		Primary:    primary,
		TopClass:   topClass.Canonical(),
		OvfKeyVFID: basic.NullVFID,
		Domain:     domain,
	}
	if err := root.Page.InsertAt(headerSlot, rh.serialize()); err != nil {
		e.pool.Unfix(root)
		return nil, err
	}
	rec := e.log.AppendRedo(tran, wal.RVBtreePageCopy, root.VPID, wal.NewSlotRef(0),
		append([]byte(nil), root.Page.Image...))
	root.Page.SetLSA(rec.LSA)
	e.pool.SetDirty(root)
	rootVPID := root.VPID
	e.pool.Unfix(root)
	if err := e.log.EndSystemOp(tran, true, e.undoApplier(ctx)); err != nil {
		return nil, err
	}

	// 文件描述区记录根页，重启后据此找回索引
	desc := make([]byte, 6)
	util.PutUB2(desc, 0, uint16(rootVPID.VolID))
	util.PutUB4(desc, 2, uint32(rootVPID.PageID))
	if err := e.fm.SetDescriptor(vfid, desc); err != nil {
		return nil, err
	}

	bti := &BtidInt{Btid: basic.BTID{VFID: vfid, RootVPID: rootVPID}}
	bti.fromRoot(rh)
	logger.Infof("created index root=(%d,%d) unique=%v domain=%s",
		rootVPID.VolID, rootVPID.PageID, unique, domain.Name())
	return bti, nil
}

// OpenIndex rebuilds a BtidInt from the file descriptor and root header.
func (e *Engine) OpenIndex(ctx context.Context, vfid basic.VFID) (*BtidInt, error) {
	desc, err := e.fm.GetDescriptor(vfid)
	if err != nil {
		return nil, err
	}
	if len(desc) < 6 {
		return nil, errors.Wrap(basic.ErrFileNotFound, "missing index descriptor")
	}
	rootVPID := basic.VPID{
		VolID:  int16(util.GetUB2(desc, 0)),
		PageID: int32(util.GetUB4(desc, 2)),
	}
	root, err := e.pool.Fix(ctx, rootVPID, basic.LatchRead, false)
	if err != nil {
		return nil, err
	}
	defer e.pool.Unfix(root)
	rh, err := readRootHeader(root)
	if err != nil {
		return nil, err
	}
	bti := &BtidInt{Btid: basic.BTID{VFID: vfid, RootVPID: rootVPID}}
	bti.fromRoot(rh)
	return bti, nil
}

// DropIndex destroys the index file and its overflow-key file.
func (e *Engine) DropIndex(ctx context.Context, bti *BtidInt) error {
	if !bti.OvfKeyVFID.IsNull() {
		if err := e.fm.DestroyFile(bti.OvfKeyVFID); err != nil {
			return err
		}
	}
	return e.fm.DestroyFile(bti.Btid.VFID)
}

// maxEntrySize conservative upper bound for one new entry given the
// subtree's max key length; parents are pre-checked against it before
// descent so a split never runs out of parent space.
func (e *Engine) maxEntrySize(maxKeyLen int, leaf bool) int {
	size := util.Align4(2+maxKeyLen) + nonLeafKeyOff
	if leaf {
		// 首对象最大编码 + 溢出链尾
		size += 2*oidSize + 2*mvccidSize + ovfLinkSize
	}
	return size + 8
}

// logRecChange logs one record mutation and stamps the page.
func (e *Engine) logRecChange(tran *mvccm.Tran, fp *pagebuf.FixedPage, slot wal.SlotRef,
	rv wal.RVIndex, undo, redo []byte) {
	rec := e.log.AppendUndoRedo(tran, rv, fp.VPID, slot, undo, redo)
	fp.Page.SetLSA(rec.LSA)
	e.pool.SetDirty(fp)
}

// logRecRedo logs a redo-only mutation (vacuum, system-op interiors).
func (e *Engine) logRecRedo(tran *mvccm.Tran, fp *pagebuf.FixedPage, slot wal.SlotRef,
	rv wal.RVIndex, redo []byte) {
	rec := e.log.AppendRedo(tran, rv, fp.VPID, slot, redo)
	fp.Page.SetLSA(rec.LSA)
	e.pool.SetDirty(fp)
}

// logRecCompensate logs a CLR for one undone mutation.
func (e *Engine) logRecCompensate(tran *mvccm.Tran, fp *pagebuf.FixedPage, slot wal.SlotRef,
	rv wal.RVIndex, redo []byte, undoNext basic.LSA) {
	rec := e.log.AppendCompensate(tran, rv, fp.VPID, slot, redo, undoNext)
	fp.Page.SetLSA(rec.LSA)
	e.pool.SetDirty(fp)
}

// logPageCopy logs a wholesale page image (SMO results).
func (e *Engine) logPageCopy(tran *mvccm.Tran, fp *pagebuf.FixedPage) {
	rec := e.log.AppendRedo(tran, wal.RVBtreePageCopy, fp.VPID, wal.NewSlotRef(0),
		append([]byte(nil), fp.Page.Image...))
	fp.Page.SetLSA(rec.LSA)
	e.pool.SetDirty(fp)
}

// leafKeyAt reconstructs the full key of the record at slot: fence keys
// are stored whole; regular keys may need the lower-fence prefix
// re-attached or the overflow-key file consulted.
func (e *Engine) leafKeyAt(bti *BtidInt, fp *pagebuf.FixedPage, hdr *NodeHeader, slot int16) ([]byte, error) {
	rec, err := fp.Page.GetRecord(slot)
	if err != nil {
		return nil, err
	}
	key, ovfKey, _ := leafKeyInfo(bti, rec)
	if !ovfKey.IsNull() {
		return e.ovfKeys.Get(ovfKey)
	}
	if isFenceRec(rec) || hdr.PrefixCols == 0 {
		return key, nil
	}
	md, ok := bti.Domain.(*basic.MidxKeyDomain)
	if !ok {
		return key, nil
	}
	lowFence, err := fp.Page.GetRecord(firstRecSlot)
	if err != nil {
		return nil, err
	}
	if !isFenceRec(lowFence) {
		return key, nil
	}
	fenceKey, _, _ := leafKeyInfo(bti, lowFence)
	prefix := md.Prefix(fenceKey, hdr.PrefixCols)
	return md.Concat(prefix, key), nil
}

// leafFenceBounds the range [lo, hi] of non-fence record slots.
func leafFenceBounds(fp *pagebuf.FixedPage) (lo, hi int16, err error) {
	count := fp.Page.SlotCount()
	lo, hi = firstRecSlot, count-1
	if hi < lo {
		return lo, hi, nil
	}
	rec, err := fp.Page.GetRecord(lo)
	if err != nil {
		return 0, 0, err
	}
	if isFenceRec(rec) {
		lo++
	}
	if hi >= lo {
		rec, err = fp.Page.GetRecord(hi)
		if err != nil {
			return 0, 0, err
		}
		if isFenceRec(rec) {
			hi--
		}
	}
	return lo, hi, nil
}

// searchLeaf locates key among the non-fence records of a latched leaf.
func (e *Engine) searchLeaf(bti *BtidInt, fp *pagebuf.FixedPage, hdr *NodeHeader, key []byte) (basic.SearchResult, error) {
	lo, hi, err := leafFenceBounds(fp)
	if err != nil {
		return basic.SearchResult{}, err
	}
	if hi < lo {
		return basic.SearchResult{Code: basic.KeyNotFound, SlotID: lo}, nil
	}

	left, right := lo, hi
	for left <= right {
		mid := (left + right) / 2
		midKey, err := e.leafKeyAt(bti, fp, hdr, mid)
		if err != nil {
			return basic.SearchResult{}, err
		}
		c := bti.Domain.Compare(key, midKey)
		switch {
		case c == 0:
			return basic.SearchResult{Code: basic.KeyFound, SlotID: mid}, nil
		case c < 0:
			right = mid - 1
		default:
			left = mid + 1
		}
	}
	// left为插入点
	switch {
	case left <= lo:
		return basic.SearchResult{Code: basic.KeySmaller, SlotID: lo}, nil
	case left > hi:
		return basic.SearchResult{Code: basic.KeyBigger, SlotID: left}, nil
	default:
		return basic.SearchResult{Code: basic.KeyBetween, SlotID: left}, nil
	}
}

// searchNonLeaf picks the child to descend into: the last separator whose
// key does not exceed the target. Slot 1 anchors the leftmost child with a
// negative-infinity placeholder that is never compared.
func (e *Engine) searchNonLeaf(bti *BtidInt, fp *pagebuf.FixedPage, key []byte) (childSlot int16, child basic.VPID, err error) {
	count := fp.Page.SlotCount()
	if count <= firstRecSlot {
		return 0, basic.NullVPID, errors.Wrap(basic.ErrMalformedRecord, "non-leaf node without children")
	}

	left, right := int16(2), count-1
	childSlot = firstRecSlot
	for left <= right {
		mid := (left + right) / 2
		rec, err := fp.Page.GetRecord(mid)
		if err != nil {
			return 0, basic.NullVPID, err
		}
		sepKey, ovfKey := nonLeafKey(rec)
		if !ovfKey.IsNull() {
			sepKey, err = e.ovfKeys.Get(ovfKey)
			if err != nil {
				return 0, basic.NullVPID, err
			}
		}
		if bti.Domain.Compare(sepKey, key) <= 0 {
			childSlot = mid
			left = mid + 1
		} else {
			right = mid - 1
		}
	}

	rec, err := fp.Page.GetRecord(childSlot)
	if err != nil {
		return 0, basic.NullVPID, err
	}
	return childSlot, nonLeafChild(rec), nil
}

// spillKeyIfNeeded stores an over-long key in the overflow-key file,
// returning the chain head. The root latch owner must have ensured the
// file exists.
func (e *Engine) spillKeyIfNeeded(bti *BtidInt, key []byte) (basic.VPID, error) {
	if len(key) < e.cfg.MaxKeylenInPage() {
		return basic.NullVPID, nil
	}
	if bti.OvfKeyVFID.IsNull() {
		return basic.NullVPID, errors.Wrap(basic.ErrMalformedRecord, "overflow-key file not created")
	}
	return e.ovfKeys.Put(bti.OvfKeyVFID, key)
}

// keyLenInPage bytes the key will occupy inside a leaf record.
func (e *Engine) keyLenInPage(key []byte) int {
	if len(key) >= e.cfg.MaxKeylenInPage() {
		return ovfKeyAreaSize()
	}
	return packedKeySize(key)
}
