package btree

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/server/pagebuf"
	"github.com/zhukovaskychina/xbtree-engine/server/spage"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Every b-tree page keeps its node header as the record at slot 0. Key
// records start at slot 1. The root page appends index-wide fields to the
// plain node header.
//
// Node header record:
//
//	[0]      node level, leaf = 1
//	[1]      reserved
//	[2..4)   max key length seen in this subtree
//	[4..6)   common prefix column count (leaf with both fences, else 0)
//	[6..10)  split pivot, fixed point *1e6, in [0,1]
//	[10..14) split sample count
//
// Root extension:
//
//	[14]      unique flag bits (bit0 unique, bit1 primary key)
//	[15]      reserved
//	[16..24)  top class OID
//	[24..30)  overflow key file VFID (vol:2, file:4)
//	[30..38)  num nulls   (unique only)
//	[38..46)  num oids    (unique only)
//	[46..54)  num keys    (unique only)
//	[54..58)  revision level
//	[58..60)  key domain descriptor length
//	[60..)    key domain descriptor
const (
	headerSlot int16 = 0
	// firstRecSlot first key record on any node.
	firstRecSlot int16 = 1

	nodeHeaderSize = 14

	offNodeLevel   = 0
	offMaxKeyLen   = 2
	offPrefixCols  = 4
	offSplitPivot  = 6
	offSplitCount  = 10
	offRootFlags   = 14
	offTopClass    = 16
	offOvfKeyVFID  = 24
	offNumNulls    = 30
	offNumOids     = 38
	offNumKeys     = 46
	offRevision    = 54
	offDomainLen   = 58
	offDomainBytes = 60

	rootFlagUnique  byte = 0x01
	rootFlagPrimary byte = 0x02

	pivotScale = 1000000
)

// NodeHeader decoded slot-0 record of a non-root node.
type NodeHeader struct {
	NodeLevel  int
	MaxKeyLen  int
	PrefixCols int
	SplitPivot float64
	SplitCount int
}

func (h *NodeHeader) IsLeaf() bool {
	return h.NodeLevel == 1
}

func (h *NodeHeader) serialize() []byte {
	out := make([]byte, nodeHeaderSize)
	out[offNodeLevel] = byte(h.NodeLevel)
	util.PutUB2(out, offMaxKeyLen, uint16(h.MaxKeyLen))
	util.PutUB2(out, offPrefixCols, uint16(h.PrefixCols))
	util.PutUB4(out, offSplitPivot, uint32(h.SplitPivot*pivotScale))
	util.PutUB4(out, offSplitCount, uint32(h.SplitCount))
	return out
}

func (h *NodeHeader) deserialize(rec []byte) error {
	if len(rec) < nodeHeaderSize {
		return errors.Wrap(basic.ErrMalformedRecord, "node header too short")
	}
	h.NodeLevel = int(rec[offNodeLevel])
	h.MaxKeyLen = int(util.GetUB2(rec, offMaxKeyLen))
	h.PrefixCols = int(util.GetUB2(rec, offPrefixCols))
	h.SplitPivot = float64(util.GetUB4(rec, offSplitPivot)) / pivotScale
	h.SplitCount = int(util.GetUB4(rec, offSplitCount))
	return nil
}

// RootHeader decoded slot-0 record of the root page.
type RootHeader struct {
	NodeHeader
	Unique     bool
	Primary    bool
	TopClass   basic.OID
	OvfKeyVFID basic.VFID
	NumNulls   int64
	NumOids    int64
	NumKeys    int64
	Revision   uint32
	Domain     basic.KeyDomain
}

func (h *RootHeader) serialize() []byte {
	domDesc := basic.EncodeDomain(h.Domain)
	out := make([]byte, offDomainBytes+len(domDesc))
	copy(out, h.NodeHeader.serialize())
	var flags byte
	if h.Unique {
		flags |= rootFlagUnique
	}
	if h.Primary {
		flags |= rootFlagPrimary
	}
	out[offRootFlags] = flags
	packOID(out, offTopClass, h.TopClass)
	util.PutUB2(out, offOvfKeyVFID, uint16(h.OvfKeyVFID.VolID))
	util.PutUB4(out, offOvfKeyVFID+2, uint32(h.OvfKeyVFID.FileID))
	util.PutUB8(out, offNumNulls, uint64(h.NumNulls))
	util.PutUB8(out, offNumOids, uint64(h.NumOids))
	util.PutUB8(out, offNumKeys, uint64(h.NumKeys))
	util.PutUB4(out, offRevision, h.Revision)
	util.PutUB2(out, offDomainLen, uint16(len(domDesc)))
	copy(out[offDomainBytes:], domDesc)
	return out
}

func (h *RootHeader) deserialize(rec []byte) error {
	if len(rec) < offDomainBytes {
		return errors.Wrap(basic.ErrMalformedRecord, "root header too short")
	}
	if err := h.NodeHeader.deserialize(rec); err != nil {
		return err
	}
	flags := rec[offRootFlags]
	h.Unique = flags&rootFlagUnique != 0
	h.Primary = flags&rootFlagPrimary != 0
	h.TopClass = unpackOID(rec, offTopClass)
	h.OvfKeyVFID = basic.VFID{
		VolID:  int16(util.GetUB2(rec, offOvfKeyVFID)),
		FileID: int32(util.GetUB4(rec, offOvfKeyVFID+2)),
	}
	h.NumNulls = int64(util.GetUB8(rec, offNumNulls))
	h.NumOids = int64(util.GetUB8(rec, offNumOids))
	h.NumKeys = int64(util.GetUB8(rec, offNumKeys))
	h.Revision = util.GetUB4(rec, offRevision)
	domLen := int(util.GetUB2(rec, offDomainLen))
	dom, err := basic.DecodeDomain(rec[offDomainBytes : offDomainBytes+domLen])
	if err != nil {
		return err
	}
	h.Domain = dom
	return nil
}

// readNodeHeader decodes slot 0 of a fixed page.
func readNodeHeader(fp *pagebuf.FixedPage) (*NodeHeader, error) {
	rec, err := fp.Page.GetRecord(headerSlot)
	if err != nil {
		return nil, err
	}
	h := &NodeHeader{}
	return h, h.deserialize(rec)
}

// writeNodeHeader rewrites slot 0 preserving any root extension bytes.
func writeNodeHeader(p *spage.Page, h *NodeHeader) error {
	rec, err := p.GetRecord(headerSlot)
	if err != nil {
		return err
	}
	if len(rec) > nodeHeaderSize {
		out := append([]byte(nil), rec...)
		copy(out, h.serialize())
		return p.Update(headerSlot, out)
	}
	return p.Update(headerSlot, h.serialize())
}

func readRootHeader(fp *pagebuf.FixedPage) (*RootHeader, error) {
	rec, err := fp.Page.GetRecord(headerSlot)
	if err != nil {
		return nil, err
	}
	h := &RootHeader{}
	return h, h.deserialize(rec)
}

func writeRootHeader(p *spage.Page, h *RootHeader) error {
	return p.Update(headerSlot, h.serialize())
}

// keyCount number of key records on the node, fences included.
func keyCount(p *spage.Page) int16 {
	return p.SlotCount() - 1
}

// updateSplitInfo folds one operation position into the node's running
// pivot average, bounded to [0,1].
func updateSplitInfo(h *NodeHeader, slot int16, count int16) {
	if count <= 0 {
		return
	}
	pos := float64(slot) / float64(count)
	if pos < 0 {
		pos = 0
	} else if pos > 1 {
		pos = 1
	}
	n := float64(h.SplitCount)
	h.SplitPivot = (h.SplitPivot*n + pos) / (n + 1)
	h.SplitCount++
}

// BtidInt runtime descriptor of one index: identifier plus the root facts
// every operation needs, read once per traversal from the root header.
type BtidInt struct {
	Btid       basic.BTID
	Unique     bool
	Primary    bool
	Domain     basic.KeyDomain
	TopClass   basic.OID
	OvfKeyVFID basic.VFID
	Revision   uint32
}

func (bti *BtidInt) fromRoot(h *RootHeader) {
	bti.Unique = h.Unique
	bti.Primary = h.Primary
	bti.Domain = h.Domain
	bti.TopClass = h.TopClass
	bti.OvfKeyVFID = h.OvfKeyVFID
	bti.Revision = h.Revision
}
