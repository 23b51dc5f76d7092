package mvccm

import (
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
)

// Tran per-transaction descriptor. The log manager threads its undo chain
// through LastLSA; unique-stat deltas accumulate here and are reflected
// into root headers at commit.
type Tran struct {
	ID        int32
	Mvccid    basic.MVCCID
	Isolation basic.Isolation

	// LastLSA head of this transaction's backward undo chain.
	LastLSA basic.LSA
	// SysopDepth nesting depth of open system operations.
	SysopDepth int
	// SysopStartLSA chain position when the outermost system op began.
	SysopStartLSA []basic.LSA

	UniqueStats map[basic.BTID]*basic.UniqueStats

	snapshot *Snapshot
	table    *MvccTable
	done     bool
}

// Snapshot returns the transaction's visibility snapshot. REPEATABLE READ
// keeps the begin-time snapshot; READ COMMITTED refreshes per call.
func (tr *Tran) Snapshot() *Snapshot {
	if tr.Isolation >= basic.RepeatableRead {
		return tr.snapshot
	}
	tr.snapshot = tr.table.Snapshot(tr.Mvccid)
	return tr.snapshot
}

// StatsFor the accumulator for one index, created on first use.
func (tr *Tran) StatsFor(btid basic.BTID) *basic.UniqueStats {
	s, ok := tr.UniqueStats[btid]
	if !ok {
		s = &basic.UniqueStats{}
		tr.UniqueStats[btid] = s
	}
	return s
}

// Commit retires the MVCCID. Unique-stat reflection and log records are
// the engine's business and happen before this.
func (tr *Tran) Commit() {
	if tr.done {
		return
	}
	tr.done = true
	tr.table.complete(tr.Mvccid)
}

// Abort retires the MVCCID after rollback.
func (tr *Tran) Abort() {
	if tr.done {
		return
	}
	tr.done = true
	tr.table.complete(tr.Mvccid)
}

func (tr *Tran) IsDone() bool {
	return tr.done
}
