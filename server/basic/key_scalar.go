package basic

import (
	"bytes"

	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Scalar key domains. Packed forms use the engine's little-endian cursor
// codec; comparison is always semantic, never bytewise, except VARCHAR.

var (
	IntDomain     KeyDomain = intDomain{}
	BigintDomain  KeyDomain = bigintDomain{}
	VarcharDomain KeyDomain = varcharDomain{}
	DecimalDomain KeyDomain = decimalDomain{}
)

type intDomain struct{}

func (intDomain) TypeCode() KeyTypeCode { return KeyTypeInt }
func (intDomain) Name() string          { return "INT" }
func (intDomain) IsMidxKey() bool       { return false }

func (intDomain) Compare(a, b []byte) int {
	av := int32(util.GetUB4(a, 0))
	bv := int32(util.GetUB4(b, 0))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// IntKeyBytes packs an INT key.
func IntKeyBytes(v int32) []byte {
	return util.WriteUB4(nil, uint32(v))
}

type bigintDomain struct{}

func (bigintDomain) TypeCode() KeyTypeCode { return KeyTypeBigint }
func (bigintDomain) Name() string          { return "BIGINT" }
func (bigintDomain) IsMidxKey() bool       { return false }

func (bigintDomain) Compare(a, b []byte) int {
	av := int64(util.GetUB8(a, 0))
	bv := int64(util.GetUB8(b, 0))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// BigintKeyBytes packs a BIGINT key.
func BigintKeyBytes(v int64) []byte {
	return util.WriteUB8(nil, uint64(v))
}

type varcharDomain struct{}

func (varcharDomain) TypeCode() KeyTypeCode { return KeyTypeVarchar }
func (varcharDomain) Name() string          { return "VARCHAR" }
func (varcharDomain) IsMidxKey() bool       { return false }

func (varcharDomain) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// UniquePrefix returns the shortest prefix S of right with left < S <= right.
func (varcharDomain) UniquePrefix(left, right []byte) []byte {
	n := util.MinInt(len(left), len(right))
	i := 0
	for i < n && left[i] == right[i] {
		i++
	}
	if i >= len(right) {
		return append([]byte(nil), right...)
	}
	return append([]byte(nil), right[:i+1]...)
}

// VarcharKeyBytes packs a VARCHAR key.
func VarcharKeyBytes(s string) []byte {
	return []byte(s)
}

type decimalDomain struct{}

func (decimalDomain) TypeCode() KeyTypeCode { return KeyTypeDecimal }
func (decimalDomain) Name() string          { return "DECIMAL" }
func (decimalDomain) IsMidxKey() bool       { return false }

func (decimalDomain) Compare(a, b []byte) int {
	av, errA := decimal.NewFromString(string(a))
	bv, errB := decimal.NewFromString(string(b))
	if errA != nil || errB != nil {
		// 非法编码退化为字节序，保持全序
		return bytes.Compare(a, b)
	}
	return av.Cmp(bv)
}

// DecimalKeyBytes packs a DECIMAL key.
func DecimalKeyBytes(d decimal.Decimal) []byte {
	return []byte(d.String())
}
