package basic

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarDomains(t *testing.T) {
	t.Run("int order is numeric", func(t *testing.T) {
		assert.Negative(t, IntDomain.Compare(IntKeyBytes(-5), IntKeyBytes(3)))
		assert.Positive(t, IntDomain.Compare(IntKeyBytes(100), IntKeyBytes(99)))
		assert.Zero(t, IntDomain.Compare(IntKeyBytes(42), IntKeyBytes(42)))
	})

	t.Run("bigint order is numeric", func(t *testing.T) {
		assert.Negative(t, BigintDomain.Compare(BigintKeyBytes(-1), BigintKeyBytes(0)))
		assert.Positive(t, BigintDomain.Compare(BigintKeyBytes(1<<40), BigintKeyBytes(1<<39)))
	})

	t.Run("varchar order is bytewise", func(t *testing.T) {
		assert.Negative(t, VarcharDomain.Compare(VarcharKeyBytes("abc"), VarcharKeyBytes("abd")))
		assert.Negative(t, VarcharDomain.Compare(VarcharKeyBytes("ab"), VarcharKeyBytes("abc")))
	})

	t.Run("varchar unique prefix separates", func(t *testing.T) {
		up := VarcharDomain.(UniquePrefixer)
		sep := up.UniquePrefix(VarcharKeyBytes("apple"), VarcharKeyBytes("approach"))
		assert.Negative(t, VarcharDomain.Compare(VarcharKeyBytes("apple"), sep))
		assert.LessOrEqual(t, VarcharDomain.Compare(sep, VarcharKeyBytes("approach")), 0)
	})

	t.Run("decimal order is numeric", func(t *testing.T) {
		a := DecimalKeyBytes(decimal.RequireFromString("10.5"))
		b := DecimalKeyBytes(decimal.RequireFromString("9.99"))
		assert.Positive(t, DecimalDomain.Compare(a, b))
	})
}

func TestMidxKeyDomain(t *testing.T) {
	dom := &MidxKeyDomain{Cols: []KeyDomain{IntDomain, VarcharDomain}}

	k1 := MidxKeyBytes(
		MidxColumn{Code: KeyTypeInt, Payload: IntKeyBytes(1)},
		MidxColumn{Code: KeyTypeVarchar, Payload: VarcharKeyBytes("aaa")},
	)
	k2 := MidxKeyBytes(
		MidxColumn{Code: KeyTypeInt, Payload: IntKeyBytes(1)},
		MidxColumn{Code: KeyTypeVarchar, Payload: VarcharKeyBytes("bbb")},
	)
	k3 := MidxKeyBytes(
		MidxColumn{Code: KeyTypeInt, Payload: IntKeyBytes(2)},
		MidxColumn{Code: KeyTypeVarchar, Payload: VarcharKeyBytes("aaa")},
	)

	t.Run("column order dominates", func(t *testing.T) {
		assert.Negative(t, dom.Compare(k1, k2))
		assert.Negative(t, dom.Compare(k2, k3))
		assert.Zero(t, dom.Compare(k1, k1))
	})

	t.Run("common prefix is column aligned", func(t *testing.T) {
		assert.Equal(t, 1, dom.CommonPrefixCols(k1, k2))
		assert.Equal(t, 0, dom.CommonPrefixCols(k1, k3))
		assert.Equal(t, 2, dom.CommonPrefixCols(k1, k1))
	})

	t.Run("strip and concat round trip", func(t *testing.T) {
		prefix := dom.Prefix(k1, 1)
		suffix := dom.Strip(k1, 1)
		assert.Zero(t, dom.Compare(k1, dom.Concat(prefix, suffix)))
	})

	t.Run("unique prefix keeps the deciding column", func(t *testing.T) {
		sep := dom.UniquePrefix(k1, k2)
		assert.Equal(t, 2, dom.ColumnCount(sep))
		sep13 := dom.UniquePrefix(k1, k3)
		assert.Equal(t, 1, dom.ColumnCount(sep13))
	})
}

func TestDomainCodec(t *testing.T) {
	t.Run("scalar round trip", func(t *testing.T) {
		for _, d := range []KeyDomain{IntDomain, BigintDomain, VarcharDomain, DecimalDomain} {
			got, err := DecodeDomain(EncodeDomain(d))
			require.NoError(t, err)
			assert.Equal(t, d.TypeCode(), got.TypeCode())
		}
	})

	t.Run("midx round trip", func(t *testing.T) {
		dom := &MidxKeyDomain{Cols: []KeyDomain{IntDomain, DecimalDomain, VarcharDomain}}
		got, err := DecodeDomain(EncodeDomain(dom))
		require.NoError(t, err)
		md, ok := got.(*MidxKeyDomain)
		require.True(t, ok)
		require.Len(t, md.Cols, 3)
		assert.Equal(t, KeyTypeDecimal, md.Cols[1].TypeCode())
	})

	t.Run("unknown codepoint rejected", func(t *testing.T) {
		_, err := DecodeDomain([]byte{0xEE})
		assert.ErrorIs(t, err, ErrUnknownKeyType)
	})
}

func TestOidFlags(t *testing.T) {
	oid := OID{VolID: 1, PageID: 77, SlotID: 9}
	oid.SetRecordFlag(RecFlagOverflowOids)
	oid.SetRecordFlag(RecFlagClassOid)
	oid.SetMvccFlag(MvccFlagHasInsid)

	assert.True(t, oid.HasRecordFlag(RecFlagOverflowOids))
	assert.True(t, oid.HasRecordFlag(RecFlagClassOid))
	assert.False(t, oid.HasRecordFlag(RecFlagFence))
	assert.True(t, oid.HasMvccFlag(MvccFlagHasInsid))
	assert.False(t, oid.HasMvccFlag(MvccFlagHasDelid))

	canon := oid.Canonical()
	assert.Equal(t, int16(1), canon.VolID)
	assert.Equal(t, int32(77), canon.PageID)
	assert.Equal(t, int16(9), canon.SlotID)
	assert.True(t, canon.Equals(oid))

	oid.ClearRecordFlag(RecFlagClassOid)
	assert.False(t, oid.HasRecordFlag(RecFlagClassOid))
}
