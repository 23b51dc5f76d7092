package spage

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Slotted page layout. The fixed header sits at offset 0, record data grows
// upward from the header, and the slot directory grows downward from the
// page end. Slots are ordered: InsertAt shifts the directory so that slot
// order equals record order, which is what the b-tree relies on.
//
//	[0..8)    checksum (xxhash64 of image with this field zeroed)
//	[8..16)   page LSA
//	[16]      page type
//	[17]      reserved
//	[18..20)  slot count
//	[20..22)  free data offset
//	[22..24)  total free bytes
//	[24..30)  prev VPID (vol:2, page:4)
//	[30..36)  next VPID
//	[36..40)  reserved
const (
	offChecksum   = 0
	offLSA        = 8
	offPageType   = 16
	offSlotCount  = 18
	offFreeData   = 20
	offTotalFree  = 22
	offPrevVPID   = 24
	offNextVPID   = 30
	HeaderSize    = 40
	slotEntrySize = 4
)

// Page is a view over one fixed-size page image.
type Page struct {
	Image []byte
}

func NewPage(image []byte) *Page {
	return &Page{Image: image}
}

// Format initializes an empty slotted page of the given type.
func (p *Page) Format(pageType basic.PageType) {
	for i := range p.Image {
		p.Image[i] = 0
	}
	p.Image[offPageType] = byte(pageType)
	util.PutUB2(p.Image, offSlotCount, 0)
	util.PutUB2(p.Image, offFreeData, HeaderSize)
	util.PutUB2(p.Image, offTotalFree, uint16(len(p.Image)-HeaderSize))
	p.SetPrevVPID(basic.NullVPID)
	p.SetNextVPID(basic.NullVPID)
}

func (p *Page) PageType() basic.PageType {
	return basic.PageType(p.Image[offPageType])
}

func (p *Page) LSA() basic.LSA {
	return basic.LSA(util.GetUB8(p.Image, offLSA))
}

func (p *Page) SetLSA(lsa basic.LSA) {
	util.PutUB8(p.Image, offLSA, uint64(lsa))
}

func putVPID(image []byte, off int, v basic.VPID) {
	util.PutUB2(image, off, uint16(v.VolID))
	util.PutUB4(image, off+2, uint32(v.PageID))
}

func getVPID(image []byte, off int) basic.VPID {
	return basic.VPID{
		VolID:  int16(util.GetUB2(image, off)),
		PageID: int32(util.GetUB4(image, off+2)),
	}
}

func (p *Page) PrevVPID() basic.VPID     { return getVPID(p.Image, offPrevVPID) }
func (p *Page) SetPrevVPID(v basic.VPID) { putVPID(p.Image, offPrevVPID, v) }
func (p *Page) NextVPID() basic.VPID     { return getVPID(p.Image, offNextVPID) }
func (p *Page) SetNextVPID(v basic.VPID) { putVPID(p.Image, offNextVPID, v) }

func (p *Page) SlotCount() int16 {
	return int16(util.GetUB2(p.Image, offSlotCount))
}

func (p *Page) setSlotCount(n int16) {
	util.PutUB2(p.Image, offSlotCount, uint16(n))
}

func (p *Page) freeDataOffset() int {
	return int(util.GetUB2(p.Image, offFreeData))
}

func (p *Page) setFreeDataOffset(off int) {
	util.PutUB2(p.Image, offFreeData, uint16(off))
}

func (p *Page) totalFree() int {
	return int(util.GetUB2(p.Image, offTotalFree))
}

func (p *Page) setTotalFree(n int) {
	util.PutUB2(p.Image, offTotalFree, uint16(n))
}

func (p *Page) slotEntryOffset(slot int16) int {
	return len(p.Image) - slotEntrySize*(int(slot)+1)
}

func (p *Page) slotEntry(slot int16) (recOff, recLen int) {
	e := p.slotEntryOffset(slot)
	return int(util.GetUB2(p.Image, e)), int(util.GetUB2(p.Image, e+2))
}

func (p *Page) setSlotEntry(slot int16, recOff, recLen int) {
	e := p.slotEntryOffset(slot)
	util.PutUB2(p.Image, e, uint16(recOff))
	util.PutUB2(p.Image, e+2, uint16(recLen))
}

// FreeSpace bytes available for one more record including its slot entry.
func (p *Page) FreeSpace() int {
	f := p.totalFree() - slotEntrySize
	if f < 0 {
		return 0
	}
	return f
}

// MaxRecordSpace largest record an empty page of this size could hold.
func (p *Page) MaxRecordSpace() int {
	return len(p.Image) - HeaderSize - slotEntrySize
}

// contiguousFree bytes between the data area top and the slot directory.
func (p *Page) contiguousFree() int {
	dirStart := len(p.Image) - slotEntrySize*int(p.SlotCount())
	return dirStart - p.freeDataOffset()
}

// GetRecord peeks at the record bytes in place. The returned slice aliases
// the page image and is invalidated by any mutation of the page.
func (p *Page) GetRecord(slot int16) ([]byte, error) {
	if slot < 0 || slot >= p.SlotCount() {
		return nil, errors.Wrapf(basic.ErrMalformedRecord, "slot %d out of range (count %d)", slot, p.SlotCount())
	}
	off, length := p.slotEntry(slot)
	return p.Image[off : off+length], nil
}

// CopyRecord returns a copy of the record bytes.
func (p *Page) CopyRecord(slot int16) ([]byte, error) {
	rec, err := p.GetRecord(slot)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec...), nil
}

// InsertAt inserts rec so that it becomes the record at the given slot;
// following slots shift up by one.
func (p *Page) InsertAt(slot int16, rec []byte) error {
	count := p.SlotCount()
	if slot < 0 || slot > count {
		return errors.Wrapf(basic.ErrMalformedRecord, "insert slot %d out of range (count %d)", slot, count)
	}
	need := len(rec) + slotEntrySize
	if need > p.totalFree() {
		return errors.Wrapf(basic.ErrRecordTooLarge, "need %d, free %d", need, p.totalFree())
	}
	if len(rec)+slotEntrySize > p.contiguousFree() {
		p.compact()
	}

	// 槽目录向下生长，槽位后移即目录项向更低地址搬移
	dirStart := len(p.Image) - slotEntrySize*int(count)
	copy(p.Image[dirStart-slotEntrySize:], p.Image[dirStart:len(p.Image)-slotEntrySize*int(slot)])

	off := p.freeDataOffset()
	copy(p.Image[off:], rec)
	p.setSlotEntry(slot, off, len(rec))
	p.setFreeDataOffset(off + len(rec))
	p.setSlotCount(count + 1)
	p.setTotalFree(p.totalFree() - need)
	return nil
}

// Append adds the record after the current last slot.
func (p *Page) Append(rec []byte) (int16, error) {
	slot := p.SlotCount()
	return slot, p.InsertAt(slot, rec)
}

// Update replaces the record at slot wholesale.
func (p *Page) Update(slot int16, rec []byte) error {
	if slot < 0 || slot >= p.SlotCount() {
		return errors.Wrapf(basic.ErrMalformedRecord, "update slot %d out of range (count %d)", slot, p.SlotCount())
	}
	off, oldLen := p.slotEntry(slot)
	if len(rec) <= oldLen {
		copy(p.Image[off:], rec)
		p.setSlotEntry(slot, off, len(rec))
		p.setTotalFree(p.totalFree() + oldLen - len(rec))
		return nil
	}
	grow := len(rec) - oldLen
	if grow > p.totalFree() {
		return errors.Wrapf(basic.ErrRecordTooLarge, "grow %d, free %d", grow, p.totalFree())
	}
	// 原地放不下，标记旧空间为垃圾后重新追加
	p.setSlotEntry(slot, 0, 0)
	if len(rec) > p.contiguousFree() {
		p.compact()
	}
	newOff := p.freeDataOffset()
	copy(p.Image[newOff:], rec)
	p.setSlotEntry(slot, newOff, len(rec))
	p.setFreeDataOffset(newOff + len(rec))
	p.setTotalFree(p.totalFree() - grow)
	return nil
}

// Delete removes the slot; following slots shift down by one.
func (p *Page) Delete(slot int16) error {
	count := p.SlotCount()
	if slot < 0 || slot >= count {
		return errors.Wrapf(basic.ErrMalformedRecord, "delete slot %d out of range (count %d)", slot, count)
	}
	_, recLen := p.slotEntry(slot)

	dirStart := len(p.Image) - slotEntrySize*int(count)
	copy(p.Image[dirStart+slotEntrySize:], p.Image[dirStart:len(p.Image)-slotEntrySize*(int(slot)+1)])

	p.setSlotCount(count - 1)
	p.setTotalFree(p.totalFree() + recLen + slotEntrySize)
	return nil
}

// compact rewrites the data area dropping garbage left by updates/deletes.
func (p *Page) compact() {
	count := p.SlotCount()
	type slotRec struct {
		slot int16
		rec  []byte
	}
	recs := make([]slotRec, 0, count)
	for i := int16(0); i < count; i++ {
		off, length := p.slotEntry(i)
		recs = append(recs, slotRec{i, append([]byte(nil), p.Image[off:off+length]...)})
	}
	off := HeaderSize
	for _, r := range recs {
		copy(p.Image[off:], r.rec)
		p.setSlotEntry(r.slot, off, len(r.rec))
		off += len(r.rec)
	}
	p.setFreeDataOffset(off)
}

// UsedSpace bytes consumed by live records and their slot entries.
func (p *Page) UsedSpace() int {
	used := 0
	for i := int16(0); i < p.SlotCount(); i++ {
		_, length := p.slotEntry(i)
		used += length + slotEntrySize
	}
	return used
}

// StampChecksum recomputes the page checksum before the image goes to disk.
func (p *Page) StampChecksum() {
	util.PutUB8(p.Image, offChecksum, 0)
	sum := util.Checksum64(p.Image)
	util.PutUB8(p.Image, offChecksum, sum)
}

// VerifyChecksum validates the page image read from disk.
func (p *Page) VerifyChecksum() bool {
	stored := util.GetUB8(p.Image, offChecksum)
	if stored == 0 {
		// 从未落盘的页面
		return true
	}
	util.PutUB8(p.Image, offChecksum, 0)
	ok := util.Checksum64(p.Image) == stored
	util.PutUB8(p.Image, offChecksum, stored)
	return ok
}

// Check validates the slot directory against the data area.
func (p *Page) Check() error {
	count := p.SlotCount()
	dirStart := len(p.Image) - slotEntrySize*int(count)
	if p.freeDataOffset() > dirStart {
		return errors.Wrap(basic.ErrMalformedRecord, "data area overlaps slot directory")
	}
	for i := int16(0); i < count; i++ {
		off, length := p.slotEntry(i)
		if length == 0 && off == 0 {
			continue
		}
		if off < HeaderSize || off+length > dirStart {
			return errors.Wrapf(basic.ErrMalformedRecord, "slot %d points outside data area", i)
		}
	}
	return nil
}
