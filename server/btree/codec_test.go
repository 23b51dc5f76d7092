package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
)

func testBti(unique bool) *BtidInt {
	return &BtidInt{
		Btid: basic.BTID{
			VFID:     basic.VFID{VolID: 0, FileID: 2},
			RootVPID: basic.VPID{VolID: 0, PageID: 3},
		},
		Unique:   unique,
		Domain:   basic.IntDomain,
		TopClass: basic.OID{VolID: 0, PageID: 50, SlotID: 1},
	}
}

func testObj(page int32, slot int16, insid basic.MVCCID) ObjectInfo {
	return ObjectInfo{
		OID:      basic.OID{VolID: 1, PageID: page, SlotID: slot},
		ClassOID: basic.OID{VolID: 0, PageID: 50, SlotID: 1},
		Mvcc:     basic.MVCCInfo{Insid: insid},
	}
}

func TestLeafRecordCodec(t *testing.T) {
	t.Run("single object round trip", func(t *testing.T) {
		bti := testBti(false)
		key := basic.IntKeyBytes(42)
		rec := buildLeafRecord(bti, key, basic.NullVPID, testObj(7, 1, 100), 0)

		gotKey, ovf, keyEnd := leafKeyInfo(bti, rec)
		assert.Equal(t, key, gotKey)
		assert.True(t, ovf.IsNull())
		assert.Equal(t, len(rec), keyEnd)

		refs, err := leafObjects(bti, rec)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.True(t, refs[0].Obj.OID.Equals(basic.OID{VolID: 1, PageID: 7, SlotID: 1}))
		assert.Equal(t, basic.MVCCID(100), refs[0].Obj.Mvcc.Insid)
		assert.False(t, refs[0].Obj.Mvcc.HasDelid())
	})

	t.Run("unique first object carries class oid", func(t *testing.T) {
		bti := testBti(true)
		rec := buildLeafRecord(bti, basic.IntKeyBytes(1), basic.NullVPID, testObj(7, 1, 100), 0)
		assert.True(t, recFlags(rec).HasRecordFlag(basic.RecFlagClassOid))
		refs, err := leafObjects(bti, rec)
		require.NoError(t, err)
		assert.True(t, refs[0].Obj.ClassOID.Equals(basic.OID{VolID: 0, PageID: 50, SlotID: 1}))
	})

	t.Run("append keeps iteration exact", func(t *testing.T) {
		bti := testBti(false)
		rec := buildLeafRecord(bti, basic.IntKeyBytes(1), basic.NullVPID, testObj(7, 1, 100), 0)
		for i := int32(2); i <= 5; i++ {
			rec, _ = appendObjectAtEnd(bti, rec, testObj(i, 1, 100))
		}
		refs, err := leafObjects(bti, rec)
		require.NoError(t, err)
		require.Len(t, refs, 5)
		// 迭代必须精确吃到记录末尾
		last := refs[len(refs)-1]
		assert.Equal(t, len(rec), last.Off+last.Size)
	})

	t.Run("overflow link set and clear", func(t *testing.T) {
		bti := testBti(false)
		rec := buildLeafRecord(bti, basic.IntKeyBytes(1), basic.NullVPID, testObj(7, 1, 100), 0)
		rec = setFirstObjectFixedSize(bti, rec)

		link := basic.VPID{VolID: 0, PageID: 88}
		rec, _ = setOverflowLink(bti, rec, link)
		assert.True(t, recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids))
		assert.Equal(t, link, leafOverflowLink(rec))

		relink := basic.VPID{VolID: 0, PageID: 99}
		rec, _ = setOverflowLink(bti, rec, relink)
		assert.Equal(t, relink, leafOverflowLink(rec))

		rec, _ = setOverflowLink(bti, rec, basic.NullVPID)
		assert.False(t, recFlags(rec).HasRecordFlag(basic.RecFlagOverflowOids))
		assert.True(t, leafOverflowLink(rec).IsNull())
	})

	t.Run("fixed size first object has both mvccid slots", func(t *testing.T) {
		bti := testBti(false)
		rec := buildLeafRecord(bti, basic.IntKeyBytes(1), basic.NullVPID, testObj(7, 1, 100), 0)
		rec = setFirstObjectFixedSize(bti, rec)
		refs, err := leafObjects(bti, rec)
		require.NoError(t, err)
		first := refs[0].Obj
		assert.Equal(t, basic.MVCCID(100), first.Mvcc.Insid)
		assert.True(t, first.OID.HasMvccFlag(basic.MvccFlagHasInsid))
		assert.True(t, first.OID.HasMvccFlag(basic.MvccFlagHasDelid))
		assert.Equal(t, basic.MvccidNull, first.Mvcc.Delid)
	})

	t.Run("delid stamp in place and by expansion", func(t *testing.T) {
		bti := testBti(false)
		rec := buildLeafRecord(bti, basic.IntKeyBytes(1), basic.NullVPID, testObj(7, 1, 100), 0)
		refs, err := leafObjects(bti, rec)
		require.NoError(t, err)

		// 无delid槽位：扩展8字节
		out, changes := stampDelid(bti, rec, refs[0], 300)
		require.NotEmpty(t, changes)
		refs2, err := leafObjects(bti, out)
		require.NoError(t, err)
		assert.Equal(t, basic.MVCCID(300), refs2[0].Obj.Mvcc.Delid)
		assert.Equal(t, len(rec)+mvccidSize, len(out))

		// 槽位已有：原地覆写
		fixed := setFirstObjectFixedSize(bti, rec)
		refs3, err := leafObjects(bti, fixed)
		require.NoError(t, err)
		out2, _ := stampDelid(bti, fixed, refs3[0], 400)
		assert.Equal(t, len(fixed), len(out2))
		refs4, err := leafObjects(bti, out2)
		require.NoError(t, err)
		assert.Equal(t, basic.MVCCID(400), refs4[0].Obj.Mvcc.Delid)
	})

	t.Run("clear delid restores original layout", func(t *testing.T) {
		bti := testBti(false)
		rec := buildLeafRecord(bti, basic.IntKeyBytes(1), basic.NullVPID, testObj(7, 1, 100), 0)
		refs, _ := leafObjects(bti, rec)
		stamped, _ := stampDelid(bti, rec, refs[0], 300)
		refsS, _ := leafObjects(bti, stamped)
		cleared, _ := clearDelid(bti, stamped, refsS[0])
		assert.Equal(t, rec, cleared)
	})
}

func TestOverflowRecordCodec(t *testing.T) {
	t.Run("sorted insertion by oid", func(t *testing.T) {
		bti := testBti(false)
		var rec []byte
		for _, page := range []int32{50, 10, 30, 20, 40} {
			rec, _ = insertObjectSorted(bti, rec, testObj(page, 1, 100))
		}
		refs := overflowObjects(bti, rec)
		require.Len(t, refs, 5)
		for i := 1; i < len(refs); i++ {
			assert.Negative(t, refs[i-1].Obj.OID.Compare(refs[i].Obj.OID))
		}
	})

	t.Run("unique overflow objects carry class", func(t *testing.T) {
		bti := testBti(true)
		rec, _ := insertObjectSorted(bti, nil, testObj(10, 1, 100))
		assert.Equal(t, fixedObjSize(bti), len(rec))
		refs := overflowObjects(bti, rec)
		require.Len(t, refs, 1)
		assert.False(t, refs[0].Obj.ClassOID.IsNull())
	})
}

func TestNonLeafRecordCodec(t *testing.T) {
	child := basic.VPID{VolID: 0, PageID: 21}
	key := basic.IntKeyBytes(77)
	rec := buildNonLeafRecord(child, key, basic.NullVPID)
	assert.Equal(t, child, nonLeafChild(rec))
	gotKey, ovf := nonLeafKey(rec)
	assert.Equal(t, key, gotKey)
	assert.True(t, ovf.IsNull())

	ovfVPID := basic.VPID{VolID: 0, PageID: 91}
	rec = buildNonLeafRecord(child, nil, ovfVPID)
	_, gotOvf := nonLeafKey(rec)
	assert.Equal(t, ovfVPID, gotOvf)
}

func TestFenceRecordCodec(t *testing.T) {
	bti := testBti(false)
	key := basic.IntKeyBytes(123)
	rec := buildFenceRecord(bti, key)
	assert.True(t, isFenceRec(rec))
	gotKey, _, _ := leafKeyInfo(bti, rec)
	assert.Equal(t, key, gotKey)
	refs, err := leafObjects(bti, rec)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	canon := refs[0].Obj.OID.Canonical()
	assert.Equal(t, int32(0), canon.PageID)
}
