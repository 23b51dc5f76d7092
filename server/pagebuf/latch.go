package pagebuf

import (
	"sync"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
)

// Latch 页面闩锁，支持共享读者提升为独占
//
// A plain RWMutex cannot express promotion, so the latch is built on a
// condition variable. At most one promoter may wait per page; a second
// promoter fails immediately, which the traversal turns into a restart.
type Latch struct {
	mu        sync.Mutex
	cond      *sync.Cond
	readers   int
	writer    bool
	promoting bool
}

func NewLatch() *Latch {
	l := &Latch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// RLock 获取读闩
func (l *Latch) RLock() {
	l.mu.Lock()
	for l.writer || l.promoting {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// TryRLock 尝试获取读闩
func (l *Latch) TryRLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer || l.promoting {
		return false
	}
	l.readers++
	return true
}

// RUnlock 释放读闩
func (l *Latch) RUnlock() {
	l.mu.Lock()
	l.readers--
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Lock 获取写闩
func (l *Latch) Lock() {
	l.mu.Lock()
	for l.writer || l.readers > 0 || l.promoting {
		l.cond.Wait()
	}
	l.writer = true
	l.mu.Unlock()
}

// TryLock 尝试获取写闩
func (l *Latch) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer || l.readers > 0 || l.promoting {
		return false
	}
	l.writer = true
	return true
}

// Unlock 释放写闩
func (l *Latch) Unlock() {
	l.mu.Lock()
	l.writer = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Promote upgrades a held read latch to a write latch.
//
// SharedReaderPromote waits for the other readers to drain and fails only
// when another promoter got there first. SingleReaderPromote fails unless
// the caller is the only reader; a leaf's level-2 parent promotes this way
// to avoid deadlocking with a task already blocked on the same leaf.
func (l *Latch) Promote(kind basic.PromoteKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.promoting {
		return basic.ErrPromoteFailed
	}
	if kind == basic.SingleReaderPromote {
		if l.readers != 1 {
			return basic.ErrPromoteFailed
		}
		l.readers = 0
		l.writer = true
		return nil
	}

	l.promoting = true
	l.readers--
	for l.readers > 0 || l.writer {
		l.cond.Wait()
	}
	l.promoting = false
	l.writer = true
	l.cond.Broadcast()
	return nil
}
