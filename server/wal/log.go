package wal

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/mvccm"
)

// LogManager owns the append-only write-ahead log. LSAs are allocated
// under the mutex; appended records are buffered and flushed either when
// the buffer fills, by the background ticker, or explicitly before a dirty
// page is written (the pool's write-ahead hook).
//
// Records are also retained in memory: LSA n is records[n-1], which gives
// rollback and system-op abort a direct back-chain walk without rereading
// the file.
type LogManager struct {
	mu      sync.Mutex
	nextLSA basic.LSA
	records []*LogRecord

	logFile    *os.File
	unflushed  int // index into records of the first not-yet-written record
	bufferSize int

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewLogManager opens (or creates) the log file under logDir.
func NewLogManager(logDir string, bufferSize int) (*LogManager, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, errors.Wrap(basic.ErrDiskError, err.Error())
	}
	logFile, err := os.OpenFile(
		filepath.Join(logDir, "xbtree.log"),
		os.O_CREATE|os.O_RDWR|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, errors.Wrap(basic.ErrDiskError, err.Error())
	}

	// 重启后从既有日志续排LSA，重做门限才有意义
	existing, err := ReadLogFile(logDir)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	lm := &LogManager{
		nextLSA:    basic.LSA(len(existing)) + 1,
		records:    existing,
		unflushed:  len(existing),
		logFile:    logFile,
		bufferSize: bufferSize,
		stopChan:   make(chan struct{}),
	}
	go lm.backgroundFlush()
	return lm, nil
}

func (lm *LogManager) backgroundFlush() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := lm.Flush(); err != nil {
				logger.Errorf("log flush: %v", err)
			}
		case <-lm.stopChan:
			return
		}
	}
}

// Close flushes and stops the background flusher.
func (lm *LogManager) Close() error {
	lm.stopOnce.Do(func() { close(lm.stopChan) })
	if err := lm.Flush(); err != nil {
		return err
	}
	return lm.logFile.Close()
}

// append allocates the LSA and links the record into the transaction's
// undo chain.
func (lm *LogManager) append(tran *mvccm.Tran, rec *LogRecord) *LogRecord {
	lm.mu.Lock()
	rec.LSA = lm.nextLSA
	lm.nextLSA++
	if tran != nil {
		rec.TranID = tran.ID
		rec.PrevLSA = tran.LastLSA
		tran.LastLSA = rec.LSA
	}
	lm.records = append(lm.records, rec)
	shouldFlush := len(lm.records)-lm.unflushed >= lm.bufferSize
	lm.mu.Unlock()

	if shouldFlush {
		if err := lm.Flush(); err != nil {
			logger.Errorf("log flush: %v", err)
		}
	}
	return rec
}

// AppendUndoRedo logs a mutation with both directions.
func (lm *LogManager) AppendUndoRedo(tran *mvccm.Tran, rv RVIndex, vpid basic.VPID, slot SlotRef, undo, redo []byte) *LogRecord {
	return lm.append(tran, &LogRecord{
		Type: RecUndoRedo, RV: rv, VPID: vpid, Slot: slot, Undo: undo, Redo: redo,
	})
}

// AppendRedo logs a redo-only mutation (vacuum, page init).
func (lm *LogManager) AppendRedo(tran *mvccm.Tran, rv RVIndex, vpid basic.VPID, slot SlotRef, redo []byte) *LogRecord {
	return lm.append(tran, &LogRecord{
		Type: RecRedo, RV: rv, VPID: vpid, Slot: slot, Redo: redo,
	})
}

// AppendUndo logs an undo-only record (logical undo carriers).
func (lm *LogManager) AppendUndo(tran *mvccm.Tran, rv RVIndex, vpid basic.VPID, slot SlotRef, undo []byte) *LogRecord {
	return lm.append(tran, &LogRecord{
		Type: RecUndo, RV: rv, VPID: vpid, Slot: slot, Undo: undo,
	})
}

// AppendCompensate logs the CLR for one undone record.
func (lm *LogManager) AppendCompensate(tran *mvccm.Tran, rv RVIndex, vpid basic.VPID, slot SlotRef, redo []byte, undoNext basic.LSA) *LogRecord {
	return lm.append(tran, &LogRecord{
		Type: RecCompensate, RV: rv, VPID: vpid, Slot: slot, Redo: redo, UndoNextLSA: undoNext,
	})
}

// AppendTranCommit marks the transaction committed.
func (lm *LogManager) AppendTranCommit(tran *mvccm.Tran) *LogRecord {
	return lm.append(tran, &LogRecord{Type: RecTranCommit})
}

// AppendTranAbort marks the transaction fully rolled back.
func (lm *LogManager) AppendTranAbort(tran *mvccm.Tran) *LogRecord {
	return lm.append(tran, &LogRecord{Type: RecTranAbort})
}

// ByLSA the record at lsa; LSAs are dense starting at 1.
func (lm *LogManager) ByLSA(lsa basic.LSA) *LogRecord {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsa == basic.NullLSA || int(lsa) > len(lm.records) {
		return nil
	}
	return lm.records[lsa-1]
}

// Records snapshot of all appended records (tests and recovery).
func (lm *LogManager) Records() []*LogRecord {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return append([]*LogRecord(nil), lm.records...)
}

// Flush writes buffered records to the file and syncs.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	pending := lm.records[lm.unflushed:]
	lm.unflushed = len(lm.records)
	lm.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	var buf []byte
	for _, rec := range pending {
		buf = rec.serialize(buf)
	}
	if _, err := lm.logFile.Write(buf); err != nil {
		return errors.Wrap(basic.ErrDiskError, err.Error())
	}
	return lm.logFile.Sync()
}

// ReadLogFile parses a whole log file back into records.
func ReadLogFile(logDir string) ([]*LogRecord, error) {
	data, err := os.ReadFile(filepath.Join(logDir, "xbtree.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(basic.ErrDiskError, err.Error())
	}
	var out []*LogRecord
	cur := 0
	for cur < len(data) {
		rec, next, err := deserializeRecord(data, cur)
		if err != nil {
			// 尾部半条记录按崩溃截断处理
			logger.Warnf("log tail truncated at offset %d: %v", cur, err)
			break
		}
		out = append(out, rec)
		cur = next
	}
	return out, nil
}

// StartSystemOp opens a nested atomic system operation.
func (lm *LogManager) StartSystemOp(tran *mvccm.Tran) {
	tran.SysopStartLSA = append(tran.SysopStartLSA, tran.LastLSA)
	tran.SysopDepth++
}

// EndSystemOp closes the innermost system operation. Commit detaches its
// records from the transaction's undo chain (structural changes survive
// user rollback); abort undoes them immediately with compensates.
func (lm *LogManager) EndSystemOp(tran *mvccm.Tran, commit bool, undoApply UndoApplier) error {
	depth := len(tran.SysopStartLSA)
	if depth == 0 {
		return errors.New("wal: EndSystemOp without StartSystemOp")
	}
	startLSA := tran.SysopStartLSA[depth-1]
	tran.SysopStartLSA = tran.SysopStartLSA[:depth-1]
	tran.SysopDepth--

	if commit {
		lm.append(tran, &LogRecord{Type: RecSysOpCommit})
		// 提交后结构变更不再随用户回滚撤销
		tran.LastLSA = startLSA
		return nil
	}

	if err := lm.undoChain(tran, tran.LastLSA, startLSA, undoApply); err != nil {
		return err
	}
	lm.append(tran, &LogRecord{Type: RecSysOpAbort})
	tran.LastLSA = startLSA
	return nil
}

// UndoApplier applies one record's undo; supplied by the engine so that
// physical undo goes through the buffer pool and logical undo re-enters
// the operation flows. The applier emits the matching compensate record
// itself (logical undo produces its own CLRs deep in the flows).
type UndoApplier func(tran *mvccm.Tran, rec *LogRecord) error

// Rollback undoes the transaction's whole chain, emitting compensates.
func (lm *LogManager) Rollback(tran *mvccm.Tran, undoApply UndoApplier) error {
	if err := lm.undoChain(tran, tran.LastLSA, basic.NullLSA, undoApply); err != nil {
		return err
	}
	lm.AppendTranAbort(tran)
	tran.LastLSA = basic.NullLSA
	return nil
}

// undoChain walks (from, stop] backwards applying undo.
func (lm *LogManager) undoChain(tran *mvccm.Tran, from, stop basic.LSA, undoApply UndoApplier) error {
	lsa := from
	for lsa != stop && lsa != basic.NullLSA {
		rec := lm.ByLSA(lsa)
		if rec == nil {
			return errors.Errorf("wal: broken undo chain at LSA %d", lsa)
		}
		switch rec.Type {
		case RecCompensate:
			lsa = rec.UndoNextLSA
			continue
		case RecUndoRedo, RecUndo:
			if err := undoApply(tran, rec); err != nil {
				return err
			}
		}
		lsa = rec.PrevLSA
	}
	return nil
}
