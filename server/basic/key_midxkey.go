package basic

import (
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// MidxKeyDomain is the multi-column composite key domain. The packed image
// is self-describing: per column [type:1][len:2][payload], so column-aligned
// prefixes can be extracted and re-attached without the schema at hand.
//
// Leaf-level prefix compression (fence keys) operates on whole columns
// only; byte-level sharing inside one column is never attempted.
type MidxKeyDomain struct {
	Cols []KeyDomain
}

func (d *MidxKeyDomain) TypeCode() KeyTypeCode { return KeyTypeMidx }
func (d *MidxKeyDomain) Name() string          { return "MIDXKEY" }
func (d *MidxKeyDomain) IsMidxKey() bool       { return true }

// columnAt returns the type code and payload of the column that starts at
// byte offset off, together with the offset of the next column, or
// next = -1 past the end.
func columnAt(b []byte, off int) (code KeyTypeCode, payload []byte, next int) {
	if off >= len(b) {
		return 0, nil, -1
	}
	code = KeyTypeCode(b[off])
	l := int(util.GetUB2(b, off+1))
	start := off + 3
	payload = b[start : start+l]
	next = start + l
	return code, payload, next
}

// ColumnCount 统计打包键中的列数
func (d *MidxKeyDomain) ColumnCount(b []byte) int {
	n, off := 0, 0
	for off < len(b) {
		_, _, next := columnAt(b, off)
		if next < 0 {
			break
		}
		off = next
		n++
	}
	return n
}

func (d *MidxKeyDomain) Compare(a, b []byte) int {
	offA, offB := 0, 0
	for offA < len(a) && offB < len(b) {
		codeA, payA, nextA := columnAt(a, offA)
		_, payB, nextB := columnAt(b, offB)
		dom, err := scalarDomainByCode(codeA)
		if err != nil {
			dom = VarcharDomain
		}
		if c := dom.Compare(payA, payB); c != 0 {
			return c
		}
		offA, offB = nextA, nextB
	}
	switch {
	case offA < len(a):
		return 1
	case offB < len(b):
		return -1
	}
	return 0
}

// CommonPrefixCols counts leading columns equal between a and b.
func (d *MidxKeyDomain) CommonPrefixCols(a, b []byte) int {
	offA, offB, n := 0, 0, 0
	for offA < len(a) && offB < len(b) {
		codeA, payA, nextA := columnAt(a, offA)
		codeB, payB, nextB := columnAt(b, offB)
		if codeA != codeB {
			break
		}
		dom, err := scalarDomainByCode(codeA)
		if err != nil {
			break
		}
		if dom.Compare(payA, payB) != 0 {
			break
		}
		offA, offB = nextA, nextB
		n++
	}
	return n
}

// Prefix returns the packed bytes of the first cols columns.
func (d *MidxKeyDomain) Prefix(b []byte, cols int) []byte {
	off := 0
	for i := 0; i < cols && off < len(b); i++ {
		_, _, next := columnAt(b, off)
		if next < 0 {
			break
		}
		off = next
	}
	return append([]byte(nil), b[:off]...)
}

// Strip removes the first cols columns from the packed key.
func (d *MidxKeyDomain) Strip(b []byte, cols int) []byte {
	off := 0
	for i := 0; i < cols && off < len(b); i++ {
		_, _, next := columnAt(b, off)
		if next < 0 {
			break
		}
		off = next
	}
	return append([]byte(nil), b[off:]...)
}

// Concat re-attaches a stripped prefix in front of a suffix.
func (d *MidxKeyDomain) Concat(prefix, suffix []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	out = append(out, suffix...)
	return out
}

// UniquePrefix keeps the leading columns of right up to and including the
// first column that differs from left: minimal separator with
// left < S <= right on column order.
func (d *MidxKeyDomain) UniquePrefix(left, right []byte) []byte {
	common := d.CommonPrefixCols(left, right)
	total := d.ColumnCount(right)
	keep := common + 1
	if keep > total {
		keep = total
	}
	return d.Prefix(right, keep)
}

// MidxColumn one typed column for MidxKeyBytes.
type MidxColumn struct {
	Code    KeyTypeCode
	Payload []byte
}

// MidxKeyBytes packs typed columns into a composite key image.
func MidxKeyBytes(cols ...MidxColumn) []byte {
	var out []byte
	for _, c := range cols {
		out = util.WriteByte(out, byte(c.Code))
		out = util.WriteUB2(out, uint16(len(c.Payload)))
		out = util.WriteBytes(out, c.Payload)
	}
	return out
}
