package wal

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/spage"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// RecordType log record kinds.
type RecordType byte

const (
	RecUndoRedo RecordType = iota + 1
	RecRedo
	RecUndo
	RecCompensate
	RecSysOpCommit
	RecSysOpAbort
	RecTranCommit
	RecTranAbort
	RecDummy
)

// RVIndex selects the recovery function applied at redo/undo time.
type RVIndex byte

const (
	RVNone RVIndex = iota
	// RVBtreeRecord generic slotted-record diff on a b-tree page.
	RVBtreeRecord
	// RVBtreePageInit page formatted as a new node.
	RVBtreePageInit
	// RVBtreePageCopy wholesale page image replacement after an SMO.
	RVBtreePageCopy
	// RVBtreeRootCounters atomic unique-counter adjustment on the root.
	RVBtreeRootCounters
	// RVBtreeUndoInsert logical undo: remove the inserted object.
	RVBtreeUndoInsert
	// RVBtreeUndoPhysicalDelete logical undo: re-insert the deleted object.
	RVBtreeUndoPhysicalDelete
	// RVBtreeUndoMvccDelete logical undo: clear the stamped delete MVCCID.
	RVBtreeUndoMvccDelete
	// RVOverflowRecord slotted-record diff on an overflow-OID page.
	RVOverflowRecord
)

// SlotRef packs the target slot id with the recovery overlay bits. The bit
// layout is on-disk canonical; accessors keep the flag math contained.
type SlotRef uint16

const (
	slotRefOverflowNode    SlotRef = 0x8000
	slotRefDebugInfo       SlotRef = 0x4000
	slotRefUpdateMaxKeyLen SlotRef = 0x2000

	slotRefMask SlotRef = 0xE000
)

func NewSlotRef(slot int16) SlotRef {
	return SlotRef(uint16(slot)) &^ slotRefMask
}

func (s SlotRef) Slot() int16 {
	return int16(s &^ slotRefMask)
}

func (s SlotRef) WithOverflowNode() SlotRef    { return s | slotRefOverflowNode }
func (s SlotRef) WithDebugInfo() SlotRef       { return s | slotRefDebugInfo }
func (s SlotRef) WithUpdateMaxKeyLen() SlotRef { return s | slotRefUpdateMaxKeyLen }

func (s SlotRef) IsOverflowNode() bool     { return s&slotRefOverflowNode != 0 }
func (s SlotRef) HasDebugInfo() bool       { return s&slotRefDebugInfo != 0 }
func (s SlotRef) HasUpdateMaxKeyLen() bool { return s&slotRefUpdateMaxKeyLen != 0 }

// LogRecord one append-only log entry. PrevLSA chains a transaction's
// records backwards; compensates carry UndoNextLSA to resume past the
// record they compensate.
type LogRecord struct {
	LSA         basic.LSA
	PrevLSA     basic.LSA
	UndoNextLSA basic.LSA
	TranID      int32
	Type        RecordType
	RV          RVIndex
	VPID        basic.VPID
	Slot        SlotRef
	Undo        []byte
	Redo        []byte
}

// Record diff encoding: the first byte of a diff selects the shape.
const (
	DiffDelete byte = iota + 1
	DiffInsert
	DiffUpdateAll
	DiffUpdatePartial
)

// PartialChange one (offset, old_len, new bytes) splice inside a record.
type PartialChange struct {
	Offset int
	OldLen int
	New    []byte
}

// PackRecDelete diff that removes the slot.
func PackRecDelete() []byte {
	return []byte{DiffDelete}
}

// PackRecInsert diff that inserts rec at the slot.
func PackRecInsert(rec []byte) []byte {
	out := []byte{DiffInsert}
	return append(out, rec...)
}

// PackRecUpdateAll diff that replaces the record wholesale.
func PackRecUpdateAll(rec []byte) []byte {
	out := []byte{DiffUpdateAll}
	return append(out, rec...)
}

// PackRecPartial diff of one or more in-record splices.
func PackRecPartial(changes ...PartialChange) []byte {
	out := []byte{DiffUpdatePartial}
	out = util.WriteUB2(out, uint16(len(changes)))
	for _, c := range changes {
		out = util.WriteUB2(out, uint16(c.Offset))
		out = util.WriteUB2(out, uint16(c.OldLen))
		out = util.WriteUB2(out, uint16(len(c.New)))
		out = util.WriteBytes(out, c.New)
	}
	return out
}

// ApplyPartial performs the splices on a record image and returns the new
// bytes.
func ApplyPartial(rec []byte, diff []byte) ([]byte, error) {
	if len(diff) < 3 || diff[0] != DiffUpdatePartial {
		return nil, errors.Wrap(basic.ErrMalformedRecord, "not a partial diff")
	}
	cur, n := util.ReadUB2(diff, 1)
	out := append([]byte(nil), rec...)
	for i := 0; i < int(n); i++ {
		var off16, oldLen16, newLen16 uint16
		cur, off16 = util.ReadUB2(diff, cur)
		cur, oldLen16 = util.ReadUB2(diff, cur)
		cur, newLen16 = util.ReadUB2(diff, cur)
		var newBytes []byte
		cur, newBytes = util.ReadBytes(diff, cur, int(newLen16))
		off, oldLen := int(off16), int(oldLen16)
		if off+oldLen > len(out) {
			return nil, errors.Wrapf(basic.ErrMalformedRecord, "partial splice beyond record end (%d+%d > %d)", off, oldLen, len(out))
		}
		spliced := make([]byte, 0, len(out)-oldLen+len(newBytes))
		spliced = append(spliced, out[:off]...)
		spliced = append(spliced, newBytes...)
		spliced = append(spliced, out[off+oldLen:]...)
		out = spliced
	}
	return out, nil
}

// ApplyRecordDiff replays any record diff against a slotted page.
func ApplyRecordDiff(p *spage.Page, slot int16, diff []byte) error {
	if len(diff) == 0 {
		return errors.Wrap(basic.ErrMalformedRecord, "empty diff")
	}
	switch diff[0] {
	case DiffDelete:
		return p.Delete(slot)
	case DiffInsert:
		return p.InsertAt(slot, diff[1:])
	case DiffUpdateAll:
		return p.Update(slot, diff[1:])
	case DiffUpdatePartial:
		rec, err := p.GetRecord(slot)
		if err != nil {
			return err
		}
		out, err := ApplyPartial(rec, diff)
		if err != nil {
			return err
		}
		return p.Update(slot, out)
	}
	return errors.Wrapf(basic.ErrMalformedRecord, "unknown diff op %d", diff[0])
}

// serialize appends the on-disk form of the record.
func (r *LogRecord) serialize(buf []byte) []byte {
	buf = util.WriteUB8(buf, uint64(r.LSA))
	buf = util.WriteUB8(buf, uint64(r.PrevLSA))
	buf = util.WriteUB8(buf, uint64(r.UndoNextLSA))
	buf = util.WriteUB4(buf, uint32(r.TranID))
	buf = util.WriteByte(buf, byte(r.Type))
	buf = util.WriteByte(buf, byte(r.RV))
	buf = util.WriteUB2(buf, uint16(r.VPID.VolID))
	buf = util.WriteUB4(buf, uint32(r.VPID.PageID))
	buf = util.WriteUB2(buf, uint16(r.Slot))
	buf = util.WriteUB4(buf, uint32(len(r.Undo)))
	buf = util.WriteBytes(buf, r.Undo)
	buf = util.WriteUB4(buf, uint32(len(r.Redo)))
	buf = util.WriteBytes(buf, r.Redo)
	return buf
}

// deserializeRecord parses one record, returning the next cursor.
func deserializeRecord(buf []byte, cur int) (*LogRecord, int, error) {
	// 固定头38字节，另加两个长度域
	if cur+46 > len(buf) {
		return nil, cur, errors.Wrap(basic.ErrMalformedRecord, "truncated log record header")
	}
	r := &LogRecord{}
	var v64 uint64
	var v32 uint32
	var v16 uint16
	var b byte
	cur, v64 = util.ReadUB8(buf, cur)
	r.LSA = basic.LSA(v64)
	cur, v64 = util.ReadUB8(buf, cur)
	r.PrevLSA = basic.LSA(v64)
	cur, v64 = util.ReadUB8(buf, cur)
	r.UndoNextLSA = basic.LSA(v64)
	cur, v32 = util.ReadUB4(buf, cur)
	r.TranID = int32(v32)
	cur, b = util.ReadByte(buf, cur)
	r.Type = RecordType(b)
	cur, b = util.ReadByte(buf, cur)
	r.RV = RVIndex(b)
	cur, v16 = util.ReadUB2(buf, cur)
	r.VPID.VolID = int16(v16)
	cur, v32 = util.ReadUB4(buf, cur)
	r.VPID.PageID = int32(v32)
	cur, v16 = util.ReadUB2(buf, cur)
	r.Slot = SlotRef(v16)
	cur, v32 = util.ReadUB4(buf, cur)
	if cur+int(v32)+4 > len(buf) {
		return nil, cur, errors.Wrap(basic.ErrMalformedRecord, "truncated undo data")
	}
	cur, r.Undo = util.ReadBytes(buf, cur, int(v32))
	cur, v32 = util.ReadUB4(buf, cur)
	if cur+int(v32) > len(buf) {
		return nil, cur, errors.Wrap(basic.ErrMalformedRecord, "truncated redo data")
	}
	cur, r.Redo = util.ReadBytes(buf, cur, int(v32))
	return r, cur, nil
}
