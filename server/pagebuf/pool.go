package pagebuf

import (
	"container/list"
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/diskfile"
	"github.com/zhukovaskychina/xbtree-engine/server/spage"
)

// frame one buffer slot holding a page image.
type frame struct {
	vpid       basic.VPID
	page       *spage.Page
	latch      *Latch
	pinCount   int
	dirty      bool
	dead       bool
	generation uint64
	lruElem    *list.Element
}

// FixedPage handle returned by Fix; carries the latch mode so Unfix
// releases the right one.
type FixedPage struct {
	pool  *BufferPool
	frame *frame
	Page  *spage.Page
	VPID  basic.VPID
	Mode  basic.LatchMode
}

// BufferPool caches page images and mediates all page latching. Pages are
// pinned while fixed; unpinned pages are evicted LRU-first when the pool
// is full, dirty ones being flushed before they are dropped.
type BufferPool struct {
	mu       sync.Mutex
	fm       *diskfile.FileManager
	capacity int
	table    map[basic.VPID]*frame
	lru      *list.List // front = most recently unfixed

	// FlushLogFn write-ahead hook: called before a dirty page goes to
	// disk so the log is always ahead of the data.
	FlushLogFn func() error

	hitCount  uint64
	missCount uint64
}

func NewBufferPool(fm *diskfile.FileManager, capacity int) *BufferPool {
	return &BufferPool{
		fm:       fm,
		capacity: capacity,
		table:    make(map[basic.VPID]*frame),
		lru:      list.New(),
	}
}

func (bp *BufferPool) pageSize() int {
	return bp.fm.PageSize()
}

// loadFrame finds or loads the frame for vpid and pins it. Caller must not
// hold bp.mu.
func (bp *BufferPool) loadFrame(vpid basic.VPID, fromDisk bool) (*frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if f, ok := bp.table[vpid]; ok {
		bp.hitCount++
		f.pinCount++
		return f, nil
	}
	bp.missCount++

	if len(bp.table) >= bp.capacity {
		bp.evictLocked()
	}

	f := &frame{
		vpid:  vpid,
		page:  spage.NewPage(make([]byte, bp.pageSize())),
		latch: NewLatch(),
	}
	if fromDisk {
		if err := bp.fm.ReadPage(vpid, f.page.Image); err != nil {
			return nil, err
		}
		if !f.page.VerifyChecksum() {
			return nil, errors.Wrapf(basic.ErrDiskError, "checksum mismatch on page (%d,%d)", vpid.VolID, vpid.PageID)
		}
	}
	f.pinCount = 1
	bp.table[vpid] = f
	return f, nil
}

// evictLocked drops one unpinned LRU frame; flushes it first when dirty.
func (bp *BufferPool) evictLocked() {
	for e := bp.lru.Back(); e != nil; e = e.Prev() {
		f := e.Value.(*frame)
		if f.pinCount > 0 {
			continue
		}
		if f.dirty {
			if err := bp.flushFrameLocked(f); err != nil {
				logger.Errorf("evict: flush page (%d,%d): %v", f.vpid.VolID, f.vpid.PageID, err)
				continue
			}
		}
		bp.lru.Remove(e)
		f.lruElem = nil
		delete(bp.table, f.vpid)
		return
	}
	// 全部钉住时放任超额，淘汰推迟到下次
	logger.Warnf("buffer pool over capacity: %d frames all pinned", len(bp.table))
}

func (bp *BufferPool) flushFrameLocked(f *frame) error {
	if bp.FlushLogFn != nil {
		if err := bp.FlushLogFn(); err != nil {
			return err
		}
	}
	f.page.StampChecksum()
	if err := bp.fm.WritePage(f.vpid, f.page.Image); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// Fix pins and latches a page. With cond=true the latch is only attempted
// and ErrLatchTimeout is returned instead of blocking. The context carries
// the operation's interrupt/deadline state and is checked here, at every
// suspension boundary.
func (bp *BufferPool) Fix(ctx context.Context, vpid basic.VPID, mode basic.LatchMode, cond bool) (*FixedPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, basic.ErrInterrupted
	}

	f, err := bp.loadFrame(vpid, true)
	if err != nil {
		return nil, err
	}

	ok := true
	switch {
	case cond && mode == basic.LatchWrite:
		ok = f.latch.TryLock()
	case cond:
		ok = f.latch.TryRLock()
	case mode == basic.LatchWrite:
		f.latch.Lock()
	default:
		f.latch.RLock()
	}
	if !ok {
		bp.unpin(f)
		return nil, basic.ErrLatchTimeout
	}

	// 等待闩锁期间页面可能已被释放复用
	if f.dead {
		fp := &FixedPage{pool: bp, frame: f, Page: f.page, VPID: vpid, Mode: mode}
		bp.Unfix(fp)
		return nil, basic.ErrPageInvalid
	}

	return &FixedPage{pool: bp, frame: f, Page: f.page, VPID: vpid, Mode: mode}, nil
}

func (bp *BufferPool) unpin(f *frame) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	f.pinCount--
	if f.pinCount == 0 && !f.dead {
		if f.lruElem != nil {
			bp.lru.MoveToFront(f.lruElem)
		} else {
			f.lruElem = bp.lru.PushFront(f)
		}
	}
}

// Unfix releases the latch and unpins the page.
func (bp *BufferPool) Unfix(fp *FixedPage) {
	if fp == nil || fp.frame == nil {
		return
	}
	if fp.Mode == basic.LatchWrite {
		fp.frame.latch.Unlock()
	} else {
		fp.frame.latch.RUnlock()
	}
	bp.unpin(fp.frame)
	fp.frame = nil
	fp.Page = nil
}

// Promote upgrades the held read latch; on success the handle becomes a
// write fix. On ErrPromoteFailed the read latch is still held.
func (bp *BufferPool) Promote(fp *FixedPage, kind basic.PromoteKind) error {
	if fp.Mode == basic.LatchWrite {
		return nil
	}
	if err := fp.frame.latch.Promote(kind); err != nil {
		return err
	}
	fp.Mode = basic.LatchWrite
	return nil
}

// SetDirty marks the page as modified.
func (bp *BufferPool) SetDirty(fp *FixedPage) {
	fp.frame.dirty = true
}

// GetLSA reads the page LSA; callers save it before unfixing so a re-fix
// can detect concurrent change.
func (bp *BufferPool) GetLSA(fp *FixedPage) basic.LSA {
	return fp.Page.LSA()
}

// CheckPageType validates that the fixed page still is what the caller
// descended to.
func (bp *BufferPool) CheckPageType(fp *FixedPage, want basic.PageType) error {
	if fp.Page.PageType() != want {
		return basic.ErrPageInvalid
	}
	return nil
}

// AllocPage allocates a page in the file and returns it fixed in write
// mode, formatted to the requested type.
func (bp *BufferPool) AllocPage(ctx context.Context, vfid basic.VFID, near basic.VPID, pageType basic.PageType) (*FixedPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, basic.ErrInterrupted
	}
	vpid, err := bp.fm.AllocPage(vfid, near)
	if err != nil {
		return nil, err
	}
	f, err := bp.loadFrame(vpid, false)
	if err != nil {
		return nil, err
	}
	f.latch.Lock()
	f.dead = false
	f.page.Format(pageType)
	f.dirty = true
	return &FixedPage{pool: bp, frame: f, Page: f.page, VPID: vpid, Mode: basic.LatchWrite}, nil
}

// DeallocPage returns the page to the file. The caller holds the write
// fix, which is consumed: the frame is marked dead so that racers blocked
// on the latch observe ErrPageInvalid.
func (bp *BufferPool) DeallocPage(fp *FixedPage, vfid basic.VFID) error {
	fp.frame.dead = true
	fp.frame.generation++
	bp.mu.Lock()
	delete(bp.table, fp.VPID)
	if fp.frame.lruElem != nil {
		bp.lru.Remove(fp.frame.lruElem)
		fp.frame.lruElem = nil
	}
	bp.mu.Unlock()
	err := bp.fm.DeallocPage(vfid, fp.VPID)
	bp.Unfix(fp)
	return err
}

// FlushAll writes every dirty page to disk (log first).
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, f := range bp.table {
		if !f.dirty || f.dead {
			continue
		}
		// 钉住的页面可能正被改写，留给下一轮
		if f.pinCount > 0 {
			continue
		}
		if err := bp.flushFrameLocked(f); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns hit/miss counters.
func (bp *BufferPool) Stats() (hits, misses uint64) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.hitCount, bp.missCount
}
