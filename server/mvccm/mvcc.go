package mvccm

import (
	"sync"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
)

// MvccTable 全局事务系统：MVCCID分配、活跃集与快照
type MvccTable struct {
	mu         sync.Mutex
	nextMvccid basic.MVCCID
	nextTranID int32
	actives    map[basic.MVCCID]struct{}
}

func NewMvccTable() *MvccTable {
	return &MvccTable{
		nextMvccid: basic.MvccidFirst,
		nextTranID: 1,
		actives:    make(map[basic.MVCCID]struct{}),
	}
}

// Begin opens a transaction. The MVCCID is allocated eagerly; read-only
// transactions simply never stamp it anywhere.
func (t *MvccTable) Begin(iso basic.Isolation) *Tran {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextMvccid
	t.nextMvccid++
	t.actives[id] = struct{}{}

	tran := &Tran{
		ID:          t.nextTranID,
		Mvccid:      id,
		Isolation:   iso,
		UniqueStats: make(map[basic.BTID]*basic.UniqueStats),
		table:       t,
	}
	t.nextTranID++
	tran.snapshot = t.snapshotLocked(id)
	return tran
}

// complete retires the transaction's MVCCID from the active set.
func (t *MvccTable) complete(id basic.MVCCID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.actives, id)
}

func (t *MvccTable) snapshotLocked(self basic.MVCCID) *Snapshot {
	s := &Snapshot{
		Self:    self,
		Highest: t.nextMvccid,
		Actives: make(map[basic.MVCCID]struct{}, len(t.actives)),
	}
	lowest := t.nextMvccid
	for id := range t.actives {
		s.Actives[id] = struct{}{}
		if id < lowest {
			lowest = id
		}
	}
	s.Lowest = lowest
	return s
}

// Snapshot captures the active set at one instant for later visibility
// checks.
func (t *MvccTable) Snapshot(self basic.MVCCID) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(self)
}

// AdvanceTo raises the MVCCID generator past ids seen in a replayed log,
// so post-recovery transactions sort after every pre-crash one.
func (t *MvccTable) AdvanceTo(id basic.MVCCID) {
	t.mu.Lock()
	if id >= t.nextMvccid {
		t.nextMvccid = id + 1
	}
	t.mu.Unlock()
}

// OldestActive the vacuum horizon: every MVCCID below it is globally
// retired.
func (t *MvccTable) OldestActive() basic.MVCCID {
	t.mu.Lock()
	defer t.mu.Unlock()
	oldest := t.nextMvccid
	for id := range t.actives {
		if id < oldest {
			oldest = id
		}
	}
	return oldest
}

// IsActive reports whether the MVCCID still belongs to a live transaction.
func (t *MvccTable) IsActive(id basic.MVCCID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.actives[id]
	return ok
}

// SatisfiesDelete evaluates whether self may stamp a delete MVCCID on the
// object, against the CURRENT commit state rather than a snapshot.
func (t *MvccTable) SatisfiesDelete(info basic.MVCCInfo, self basic.MVCCID) basic.DeleteCode {
	if !info.HasDelid() {
		return basic.DeleteCanDelete
	}
	if info.Delid == self {
		return basic.DeleteSelfDeleted
	}
	if t.IsActive(info.Delid) {
		return basic.DeleteInProgress
	}
	return basic.DeleteDeleted
}

// Snapshot decides visibility of MVCCIDs frozen at capture time.
type Snapshot struct {
	Self    basic.MVCCID
	Lowest  basic.MVCCID
	Highest basic.MVCCID
	Actives map[basic.MVCCID]struct{}
}

// committed reports whether id was committed when the snapshot was taken.
func (s *Snapshot) committed(id basic.MVCCID) bool {
	if id == basic.MvccidAllVisible {
		return true
	}
	if id >= s.Highest {
		return false
	}
	_, active := s.Actives[id]
	return !active
}

// Satisfies decides whether the object is visible to this snapshot.
func (s *Snapshot) Satisfies(info basic.MVCCInfo) bool {
	insVisible := false
	switch {
	case !info.HasInsid(), info.Insid == basic.MvccidAllVisible:
		insVisible = true
	case info.Insid == s.Self:
		insVisible = true
	default:
		insVisible = s.committed(info.Insid)
	}
	if !insVisible {
		return false
	}

	if !info.HasDelid() {
		return true
	}
	if info.Delid == s.Self {
		return false
	}
	return !s.committed(info.Delid)
}

// SatisfiesVacuumInsid the insert MVCCID may be cleared once globally
// retired.
func SatisfiesVacuumInsid(info basic.MVCCInfo, oldestActive basic.MVCCID) bool {
	return info.HasInsid() && info.Insid != basic.MvccidAllVisible && info.Insid < oldestActive
}

// SatisfiesVacuumObject the whole object may be removed once its delete
// MVCCID is globally retired.
func SatisfiesVacuumObject(info basic.MVCCInfo, oldestActive basic.MVCCID) bool {
	return info.HasDelid() && info.Delid < oldestActive
}
