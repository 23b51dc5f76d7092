package btree

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/wal"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Record codec.
//
// Leaf record:
//
//	[first object] [key area] [object]... [overflow link: 8]?
//
// The first object is fixed-offset so the key area always starts at a
// position computable from the first OID's flag bits alone. The key area
// is [len:2][bytes][pad to 4]; a key spilled to the overflow-key file is
// marked with ovfKeyLenMarker and stores the chain's first VPID instead.
// The trailing link is present iff the first OID carries
// RecFlagOverflowOids.
//
// Non-leaf record:
//
//	[child VPID: 6, padded to 8] [key len: 2] [key bytes, pad to 4]
//
// Overflow-OID record: a dense array of fixed-size objects sorted by OID.
const (
	oidSize    = 8
	mvccidSize = 8

	// key length marker for keys stored in the overflow-key file
	ovfKeyLenMarker uint16 = 0xFFFF

	// leaf trailer holding the first overflow page (6 bytes + 2 pad)
	ovfLinkSize = 8

	nonLeafKeyOff = 8
)

// ObjectInfo one object as presented by callers and decoded from records.
type ObjectInfo struct {
	OID      basic.OID // canonical; flags are codec business
	ClassOID basic.OID
	Mvcc     basic.MVCCInfo
}

func packOID(buf []byte, off int, oid basic.OID) {
	util.PutUB4(buf, off, uint32(oid.PageID))
	util.PutUB2(buf, off+4, uint16(oid.SlotID))
	util.PutUB2(buf, off+6, uint16(oid.VolID))
}

func unpackOID(buf []byte, off int) basic.OID {
	return basic.OID{
		PageID: int32(util.GetUB4(buf, off)),
		SlotID: int16(util.GetUB2(buf, off+4)),
		VolID:  int16(util.GetUB2(buf, off+6)),
	}
}

// recFlags record flags of a leaf record (first OID's slot-id bits).
func recFlags(rec []byte) basic.OID {
	return unpackOID(rec, 0)
}

func isFenceRec(rec []byte) bool {
	return recFlags(rec).HasRecordFlag(basic.RecFlagFence)
}

// hasClassOID whether an object at this position stores a class OID.
func hasClassOID(bti *BtidInt, first bool, oid basic.OID) bool {
	if !bti.Unique {
		return false
	}
	if !first {
		return true
	}
	return oid.HasRecordFlag(basic.RecFlagClassOid)
}

// packObject encodes one object. fixedSize forces both MVCCID slots,
// substituting ALL_VISIBLE / NULL for absent values.
func packObject(bti *BtidInt, obj ObjectInfo, first, fixedSize bool, flags basic.RecFlag) []byte {
	oid := obj.OID.Canonical()
	mvcc := obj.Mvcc
	if fixedSize {
		if !mvcc.HasInsid() {
			mvcc.Insid = basic.MvccidAllVisible
		}
		oid.SetMvccFlag(basic.MvccFlagHasInsid)
		oid.SetMvccFlag(basic.MvccFlagHasDelid)
	} else {
		if mvcc.HasInsid() {
			oid.SetMvccFlag(basic.MvccFlagHasInsid)
		}
		if mvcc.HasDelid() {
			oid.SetMvccFlag(basic.MvccFlagHasDelid)
		}
	}
	if first {
		oid.SlotID = int16(uint16(oid.SlotID) | uint16(flags))
	}
	withClass := bti.Unique && (!first || oid.HasRecordFlag(basic.RecFlagClassOid))

	out := make([]byte, 0, 32)
	tmp := make([]byte, oidSize)
	packOID(tmp, 0, oid)
	out = append(out, tmp...)
	if withClass {
		packOID(tmp, 0, obj.ClassOID.Canonical())
		out = append(out, tmp...)
	}
	if oid.HasMvccFlag(basic.MvccFlagHasInsid) {
		out = util.WriteUB8(out, uint64(mvcc.Insid))
	}
	if oid.HasMvccFlag(basic.MvccFlagHasDelid) {
		out = util.WriteUB8(out, uint64(mvcc.Delid))
	}
	return out
}

// objSizeAt size of the encoded object starting at off.
func objSizeAt(bti *BtidInt, rec []byte, off int, first bool) int {
	oid := unpackOID(rec, off)
	size := oidSize
	if hasClassOID(bti, first, oid) {
		size += oidSize
	}
	if oid.HasMvccFlag(basic.MvccFlagHasInsid) {
		size += mvccidSize
	}
	if oid.HasMvccFlag(basic.MvccFlagHasDelid) {
		size += mvccidSize
	}
	return size
}

// readObjectAt decodes the object starting at off.
func readObjectAt(bti *BtidInt, rec []byte, off int, first bool) ObjectInfo {
	oid := unpackOID(rec, off)
	cur := off + oidSize
	var obj ObjectInfo
	if hasClassOID(bti, first, oid) {
		obj.ClassOID = unpackOID(rec, cur)
		cur += oidSize
	}
	if oid.HasMvccFlag(basic.MvccFlagHasInsid) {
		obj.Mvcc.Insid = basic.MVCCID(util.GetUB8(rec, cur))
		cur += mvccidSize
	}
	if oid.HasMvccFlag(basic.MvccFlagHasDelid) {
		obj.Mvcc.Delid = basic.MVCCID(util.GetUB8(rec, cur))
	}
	obj.OID = oid // flags preserved; callers use Canonical() for identity
	return obj
}

// delidOffsetAt byte offset of the delete MVCCID inside the object at off,
// or -1 when the slot is absent.
func delidOffsetAt(bti *BtidInt, rec []byte, off int, first bool) int {
	oid := unpackOID(rec, off)
	if !oid.HasMvccFlag(basic.MvccFlagHasDelid) {
		return -1
	}
	cur := off + oidSize
	if hasClassOID(bti, first, oid) {
		cur += oidSize
	}
	if oid.HasMvccFlag(basic.MvccFlagHasInsid) {
		cur += mvccidSize
	}
	return cur
}

// insidOffsetAt byte offset of the insert MVCCID, or -1.
func insidOffsetAt(bti *BtidInt, rec []byte, off int, first bool) int {
	oid := unpackOID(rec, off)
	if !oid.HasMvccFlag(basic.MvccFlagHasInsid) {
		return -1
	}
	cur := off + oidSize
	if hasClassOID(bti, first, oid) {
		cur += oidSize
	}
	return cur
}

// keyAreaStart offset of the key area = size of the first object.
func keyAreaStart(bti *BtidInt, rec []byte) int {
	return objSizeAt(bti, rec, 0, true)
}

// keyAreaSize full (padded) size of a key area holding klen byte keys.
func keyAreaSize(klen int) int {
	return util.Align4(2 + klen)
}

func ovfKeyAreaSize() int {
	return util.Align4(2 + 6)
}

// leafKeyInfo returns the in-record key bytes (nil when spilled), the
// overflow-key chain head (null when in-page) and the offset just past the
// key area where the second object begins.
func leafKeyInfo(bti *BtidInt, rec []byte) (key []byte, ovfKey basic.VPID, keyEnd int) {
	start := keyAreaStart(bti, rec)
	klen := util.GetUB2(rec, start)
	if klen == ovfKeyLenMarker {
		ovfKey = basic.VPID{
			VolID:  int16(util.GetUB2(rec, start+2)),
			PageID: int32(util.GetUB4(rec, start+4)),
		}
		return nil, ovfKey, start + ovfKeyAreaSize()
	}
	key = rec[start+2 : start+2+int(klen)]
	return key, basic.NullVPID, start + keyAreaSize(int(klen))
}

// leafObjectsEnd end of the object area, excluding any overflow link.
func leafObjectsEnd(rec []byte) int {
	if recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids) {
		return len(rec) - ovfLinkSize
	}
	return len(rec)
}

// leafOverflowLink the first overflow-OID page, or null.
func leafOverflowLink(rec []byte) basic.VPID {
	if !recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids) {
		return basic.NullVPID
	}
	off := len(rec) - ovfLinkSize
	return basic.VPID{
		VolID:  int16(util.GetUB2(rec, off)),
		PageID: int32(util.GetUB4(rec, off+2)),
	}
}

// objectRef one decoded object with its location inside the record.
type objectRef struct {
	Off   int
	Size  int
	First bool
	Obj   ObjectInfo
}

// leafObjects decodes every object of a leaf record in order.
func leafObjects(bti *BtidInt, rec []byte) ([]objectRef, error) {
	_, _, keyEnd := leafKeyInfo(bti, rec)
	end := leafObjectsEnd(rec)
	out := make([]objectRef, 0, 4)

	firstSize := keyAreaStart(bti, rec)
	out = append(out, objectRef{Off: 0, Size: firstSize, First: true, Obj: readObjectAt(bti, rec, 0, true)})

	for off := keyEnd; off < end; {
		size := objSizeAt(bti, rec, off, false)
		if off+size > end {
			return nil, errors.Wrapf(basic.ErrMalformedRecord, "object at %d runs past record end %d", off, end)
		}
		out = append(out, objectRef{Off: off, Size: size, Obj: readObjectAt(bti, rec, off, false)})
		off += size
	}
	return out, nil
}

// buildLeafRecord assembles a fresh single-object leaf record.
func buildLeafRecord(bti *BtidInt, key []byte, ovfKey basic.VPID, obj ObjectInfo, flags basic.RecFlag) []byte {
	if !ovfKey.IsNull() {
		flags |= basic.RecFlagOverflowKey
	}
	if bti.Unique {
		// 唯一索引首对象总是携带class OID，便于层级定位
		flags |= basic.RecFlagClassOid
		obj.OID.SetRecordFlag(basic.RecFlagClassOid)
	}
	first := packObject(bti, obj, true, false, flags)

	var rec []byte
	rec = append(rec, first...)
	if !ovfKey.IsNull() {
		area := make([]byte, ovfKeyAreaSize())
		util.PutUB2(area, 0, ovfKeyLenMarker)
		util.PutUB2(area, 2, uint16(ovfKey.VolID))
		util.PutUB4(area, 4, uint32(ovfKey.PageID))
		rec = append(rec, area...)
	} else {
		area := make([]byte, keyAreaSize(len(key)))
		util.PutUB2(area, 0, uint16(len(key)))
		copy(area[2:], key)
		rec = append(rec, area...)
	}
	return rec
}

// buildFenceRecord a fence carries a zero OID and the full key copy.
func buildFenceRecord(bti *BtidInt, key []byte) []byte {
	obj := ObjectInfo{OID: basic.OID{VolID: 0, PageID: 0, SlotID: 0}}
	nonUnique := *bti
	nonUnique.Unique = false // fences never store class OIDs
	first := packObject(&nonUnique, obj, true, false, basic.RecFlagFence)
	area := make([]byte, keyAreaSize(len(key)))
	util.PutUB2(area, 0, uint16(len(key)))
	copy(area[2:], key)
	return append(first, area...)
}

// buildNonLeafRecord assembles a separator record.
func buildNonLeafRecord(child basic.VPID, key []byte, ovfKey basic.VPID) []byte {
	rec := make([]byte, nonLeafKeyOff)
	util.PutUB2(rec, 0, uint16(child.VolID))
	util.PutUB4(rec, 2, uint32(child.PageID))
	if !ovfKey.IsNull() {
		area := make([]byte, ovfKeyAreaSize())
		util.PutUB2(area, 0, ovfKeyLenMarker)
		util.PutUB2(area, 2, uint16(ovfKey.VolID))
		util.PutUB4(area, 4, uint32(ovfKey.PageID))
		return append(rec, area...)
	}
	area := make([]byte, keyAreaSize(len(key)))
	util.PutUB2(area, 0, uint16(len(key)))
	copy(area[2:], key)
	return append(rec, area...)
}

func nonLeafChild(rec []byte) basic.VPID {
	return basic.VPID{
		VolID:  int16(util.GetUB2(rec, 0)),
		PageID: int32(util.GetUB4(rec, 2)),
	}
}

func nonLeafKey(rec []byte) (key []byte, ovfKey basic.VPID) {
	klen := util.GetUB2(rec, nonLeafKeyOff)
	if klen == ovfKeyLenMarker {
		return nil, basic.VPID{
			VolID:  int16(util.GetUB2(rec, nonLeafKeyOff+2)),
			PageID: int32(util.GetUB4(rec, nonLeafKeyOff+4)),
		}
	}
	return rec[nonLeafKeyOff+2 : nonLeafKeyOff+2+int(klen)], basic.NullVPID
}

// splice replaces rec[off:off+oldLen] with repl, returning the new record
// and the matching redo change.
func splice(rec []byte, off, oldLen int, repl []byte) ([]byte, wal.PartialChange) {
	out := make([]byte, 0, len(rec)-oldLen+len(repl))
	out = append(out, rec[:off]...)
	out = append(out, repl...)
	out = append(out, rec[off+oldLen:]...)
	return out, wal.PartialChange{Offset: off, OldLen: oldLen, New: append([]byte(nil), repl...)}
}

// appendObjectAtEnd adds the object after the last one, keeping the
// overflow link (if any) at the very tail. Non-first objects of unique
// records are always fixed size.
func appendObjectAtEnd(bti *BtidInt, rec []byte, obj ObjectInfo) ([]byte, wal.PartialChange) {
	enc := packObject(bti, obj, false, bti.Unique, 0)
	return splice(rec, leafObjectsEnd(rec), 0, enc)
}

// removeObjectAt drops the (non-first) object at ref.
func removeObjectAt(rec []byte, ref objectRef) ([]byte, wal.PartialChange) {
	return splice(rec, ref.Off, ref.Size, nil)
}

// setOverflowLink attaches, retargets or removes the trailer link.
func setOverflowLink(bti *BtidInt, rec []byte, vpid basic.VPID) ([]byte, []wal.PartialChange) {
	flags := recFlags(rec)
	hasLink := flags.HasRecordFlag(basic.RecFlagOverflowOids)
	var changes []wal.PartialChange

	if vpid.IsNull() {
		if !hasLink {
			return rec, nil
		}
		out, ch := splice(rec, len(rec)-ovfLinkSize, ovfLinkSize, nil)
		changes = append(changes, ch)
		out, ch2 := clearFirstOidFlag(out, basic.RecFlagOverflowOids)
		changes = append(changes, ch2)
		return out, changes
	}

	link := make([]byte, ovfLinkSize)
	util.PutUB2(link, 0, uint16(vpid.VolID))
	util.PutUB4(link, 2, uint32(vpid.PageID))
	if hasLink {
		out, ch := splice(rec, len(rec)-ovfLinkSize, ovfLinkSize, link)
		return out, []wal.PartialChange{ch}
	}
	out, ch := splice(rec, len(rec), 0, link)
	changes = append(changes, ch)
	out, ch2 := setFirstOidFlag(out, basic.RecFlagOverflowOids)
	changes = append(changes, ch2)
	return out, changes
}

func setFirstOidFlag(rec []byte, f basic.RecFlag) ([]byte, wal.PartialChange) {
	oid := unpackOID(rec, 0)
	oid.SetRecordFlag(f)
	repl := make([]byte, 2)
	util.PutUB2(repl, 0, uint16(oid.SlotID))
	return splice(rec, 4, 2, repl)
}

func clearFirstOidFlag(rec []byte, f basic.RecFlag) ([]byte, wal.PartialChange) {
	oid := unpackOID(rec, 0)
	oid.ClearRecordFlag(f)
	repl := make([]byte, 2)
	util.PutUB2(repl, 0, uint16(oid.SlotID))
	return splice(rec, 4, 2, repl)
}

// replaceFirstObject rewrites the leading object (and so possibly the key
// area offset) wholesale. Record flags of the old first object are kept
// unless overridden, and the key area plus tail are preserved.
func replaceFirstObject(bti *BtidInt, rec []byte, obj ObjectInfo, fixedSize bool) []byte {
	oldFlags := basic.RecFlag(recFlags(rec).RecordFlags())
	if bti.Unique {
		oldFlags |= basic.RecFlagClassOid
		obj.OID.SetRecordFlag(basic.RecFlagClassOid)
	}
	enc := packObject(bti, obj, true, fixedSize, oldFlags)
	out := make([]byte, 0, len(rec))
	out = append(out, enc...)
	out = append(out, rec[keyAreaStart(bti, rec):]...)
	return out
}

// setFirstObjectFixedSize re-encodes the first object with both MVCCID
// slots present; required before the record may own an overflow chain.
func setFirstObjectFixedSize(bti *BtidInt, rec []byte) []byte {
	obj := readObjectAt(bti, rec, 0, true)
	return replaceFirstObject(bti, rec, obj, true)
}

// fixedObjSize encoded size of a fixed-size object for this index.
func fixedObjSize(bti *BtidInt) int {
	size := oidSize + 2*mvccidSize
	if bti.Unique {
		size += oidSize
	}
	return size
}

// overflowObjects decodes a dense overflow-OID record.
func overflowObjects(bti *BtidInt, rec []byte) []objectRef {
	stride := fixedObjSize(bti)
	out := make([]objectRef, 0, len(rec)/stride)
	for off := 0; off+stride <= len(rec); off += stride {
		out = append(out, objectRef{Off: off, Size: stride, Obj: readObjectAt(bti, rec, off, false)})
	}
	return out
}

// insertObjectSorted splices the object into an overflow record keeping
// ascending OID order.
func insertObjectSorted(bti *BtidInt, rec []byte, obj ObjectInfo) ([]byte, wal.PartialChange) {
	enc := packObject(bti, obj, false, true, 0)
	stride := fixedObjSize(bti)
	pos := len(rec)
	for off := 0; off+stride <= len(rec); off += stride {
		cur := unpackOID(rec, off)
		if obj.OID.Compare(cur) < 0 {
			pos = off
			break
		}
	}
	return splice(rec, pos, 0, enc)
}

// packedKeySize conservative size the key occupies inside a leaf record.
func packedKeySize(key []byte) int {
	return keyAreaSize(len(key))
}
