package lockmgr

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
)

// LockManager grants object locks on (class OID, instance OID) pairs.
// Conditional attempts never block; unconditional ones wait FIFO and honor
// the caller's context, which is how transaction deadlines and deadlock
// victim aborts reach a waiter.
type LockManager struct {
	mu    sync.Mutex
	table map[lockKey]*lockEntry
}

type lockKey struct {
	class basic.OID
	oid   basic.OID
}

type waiter struct {
	tranID int32
	mode   basic.LockMode
	ch     chan struct{}
}

type lockEntry struct {
	granted map[int32]basic.LockMode
	queue   []*waiter
}

func NewLockManager() *LockManager {
	return &LockManager{table: make(map[lockKey]*lockEntry)}
}

func key(class, oid basic.OID) lockKey {
	return lockKey{class: class.Canonical(), oid: oid.Canonical()}
}

// compatible is the standard matrix for IS/IX/S/X.
func compatible(held, req basic.LockMode) bool {
	switch held {
	case basic.LockIS:
		return req != basic.LockX
	case basic.LockIX:
		return req == basic.LockIS || req == basic.LockIX
	case basic.LockS:
		return req == basic.LockIS || req == basic.LockS
	case basic.LockX:
		return false
	}
	return true
}

// stronger mode ordering IS < IX < S < X used for upgrades.
func stronger(a, b basic.LockMode) basic.LockMode {
	if a >= b {
		return a
	}
	return b
}

func (lm *LockManager) grantableLocked(e *lockEntry, tranID int32, mode basic.LockMode) bool {
	for holder, held := range e.granted {
		if holder == tranID {
			continue
		}
		if !compatible(held, mode) {
			return false
		}
	}
	return true
}

// TryLock conditional attempt; never blocks.
func (lm *LockManager) TryLock(tranID int32, class, oid basic.OID, mode basic.LockMode) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	k := key(class, oid)
	e, ok := lm.table[k]
	if !ok {
		e = &lockEntry{granted: make(map[int32]basic.LockMode)}
		lm.table[k] = e
	}
	// 排队者优先，条件加锁不得插队
	if len(e.queue) > 0 && e.queue[0].tranID != tranID {
		return false
	}
	if !lm.grantableLocked(e, tranID, mode) {
		return false
	}
	e.granted[tranID] = stronger(e.granted[tranID], mode)
	return true
}

// Lock unconditional acquisition; waits until granted or ctx ends.
func (lm *LockManager) Lock(ctx context.Context, tranID int32, class, oid basic.OID, mode basic.LockMode) error {
	lm.mu.Lock()
	k := key(class, oid)
	e, ok := lm.table[k]
	if !ok {
		e = &lockEntry{granted: make(map[int32]basic.LockMode)}
		lm.table[k] = e
	}
	if len(e.queue) == 0 && lm.grantableLocked(e, tranID, mode) {
		e.granted[tranID] = stronger(e.granted[tranID], mode)
		lm.mu.Unlock()
		return nil
	}

	w := &waiter{tranID: tranID, mode: mode, ch: make(chan struct{})}
	e.queue = append(e.queue, w)
	lm.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		lm.mu.Lock()
		// 可能在取消的同时被授予
		select {
		case <-w.ch:
			lm.mu.Unlock()
			return nil
		default:
		}
		for i, q := range e.queue {
			if q == w {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				break
			}
		}
		lm.wakeLocked(e)
		lm.mu.Unlock()
		return errors.Wrap(basic.ErrLockNotGranted, ctx.Err().Error())
	}
}

// wakeLocked grants queued waiters FIFO while they remain compatible.
func (lm *LockManager) wakeLocked(e *lockEntry) {
	for len(e.queue) > 0 {
		w := e.queue[0]
		if !lm.grantableLocked(e, w.tranID, w.mode) {
			return
		}
		e.granted[w.tranID] = stronger(e.granted[w.tranID], w.mode)
		e.queue = e.queue[1:]
		close(w.ch)
	}
}

// Unlock releases the transaction's lock on one object.
func (lm *LockManager) Unlock(tranID int32, class, oid basic.OID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	k := key(class, oid)
	e, ok := lm.table[k]
	if !ok {
		return
	}
	delete(e.granted, tranID)
	lm.wakeLocked(e)
	if len(e.granted) == 0 && len(e.queue) == 0 {
		delete(lm.table, k)
	}
}

// UnlockAll releases every lock the transaction holds.
func (lm *LockManager) UnlockAll(tranID int32) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for k, e := range lm.table {
		if _, ok := e.granted[tranID]; !ok {
			continue
		}
		delete(e.granted, tranID)
		lm.wakeLocked(e)
		if len(e.granted) == 0 && len(e.queue) == 0 {
			delete(lm.table, k)
		}
	}
}

// HasLock reports whether the transaction holds at least the given mode.
func (lm *LockManager) HasLock(tranID int32, class, oid basic.OID, mode basic.LockMode) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	e, ok := lm.table[key(class, oid)]
	if !ok {
		return false
	}
	held, ok := e.granted[tranID]
	return ok && held >= mode
}
