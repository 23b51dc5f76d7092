package wal

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/diskfile"
	"github.com/zhukovaskychina/xbtree-engine/server/spage"
)

// RedoApplier replays one record's redo against a page image.
type RedoApplier func(p *spage.Page, rec *LogRecord) error

// Dispatch maps recovery indices to appliers. The generic record-diff
// indices are pre-wired; the b-tree registers its page-level ones at
// engine start.
type Dispatch struct {
	redo map[RVIndex]RedoApplier
}

func NewDispatch() *Dispatch {
	d := &Dispatch{redo: make(map[RVIndex]RedoApplier)}
	d.RegisterRedo(RVBtreeRecord, applyRecordDiffRedo)
	d.RegisterRedo(RVOverflowRecord, applyRecordDiffRedo)
	return d
}

func (d *Dispatch) RegisterRedo(rv RVIndex, fn RedoApplier) {
	d.redo[rv] = fn
}

func (d *Dispatch) Redo(p *spage.Page, rec *LogRecord) error {
	fn, ok := d.redo[rec.RV]
	if !ok {
		return errors.Errorf("wal: no redo applier for rv %d", rec.RV)
	}
	return fn(p, rec)
}

func applyRecordDiffRedo(p *spage.Page, rec *LogRecord) error {
	return ApplyRecordDiff(p, rec.Slot.Slot(), rec.Redo)
}

// RedoPhase replays every page mutation in LSA order, gated by the page
// LSA so that re-running it is idempotent.
func RedoPhase(fm *diskfile.FileManager, records []*LogRecord, dispatch *Dispatch) error {
	img := make([]byte, fm.PageSize())
	for _, rec := range records {
		if rec.VPID.IsNull() {
			continue
		}
		switch rec.Type {
		case RecUndoRedo, RecRedo, RecCompensate:
		default:
			continue
		}
		if len(rec.Redo) == 0 && rec.RV == RVNone {
			continue
		}
		if err := fm.ReadPage(rec.VPID, img); err != nil {
			return err
		}
		p := spage.NewPage(img)
		if p.LSA() >= rec.LSA {
			continue
		}
		if err := dispatch.Redo(p, rec); err != nil {
			logger.Warnf("redo LSA %d on page (%d,%d): %v", rec.LSA, rec.VPID.VolID, rec.VPID.PageID, err)
			continue
		}
		p.SetLSA(rec.LSA)
		p.StampChecksum()
		if err := fm.WritePage(rec.VPID, p.Image); err != nil {
			return err
		}
	}
	return nil
}

// UncommittedTrans finds transactions with log records but no terminal
// marker, mapping each to the head of its undo chain.
func UncommittedTrans(records []*LogRecord) map[int32]basic.LSA {
	last := make(map[int32]basic.LSA)
	ended := make(map[int32]bool)
	for _, rec := range records {
		if rec.TranID == 0 {
			continue
		}
		switch rec.Type {
		case RecTranCommit, RecTranAbort:
			ended[rec.TranID] = true
		default:
			if !ended[rec.TranID] {
				last[rec.TranID] = rec.LSA
			}
		}
	}
	for id := range ended {
		delete(last, id)
	}
	return last
}

// UndoChainOf reconstructs one transaction's backward chain from loaded
// records (recovery has no live Tran descriptors).
func UndoChainOf(records []*LogRecord, head basic.LSA) []*LogRecord {
	byLSA := make(map[basic.LSA]*LogRecord, len(records))
	for _, rec := range records {
		byLSA[rec.LSA] = rec
	}
	var chain []*LogRecord
	lsa := head
	for lsa != basic.NullLSA {
		rec, ok := byLSA[lsa]
		if !ok {
			break
		}
		if rec.Type == RecCompensate {
			lsa = rec.UndoNextLSA
			continue
		}
		if rec.Type == RecUndoRedo || rec.Type == RecUndo {
			chain = append(chain, rec)
		}
		lsa = rec.PrevLSA
	}
	return chain
}

// SortByLSA orders records ascending (ReadLogFile already is, but callers
// merging sources rely on this).
func SortByLSA(records []*LogRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].LSA < records[j].LSA })
}
