package spage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
)

func newTestPage() *Page {
	p := NewPage(make([]byte, 4096))
	p.Format(basic.PageTypeBtree)
	return p
}

func TestSlottedPage(t *testing.T) {
	t.Run("insert keeps slot order", func(t *testing.T) {
		p := newTestPage()
		require.NoError(t, p.InsertAt(0, []byte("bb")))
		require.NoError(t, p.InsertAt(0, []byte("aa")))
		require.NoError(t, p.InsertAt(2, []byte("cc")))

		for i, want := range []string{"aa", "bb", "cc"} {
			rec, err := p.GetRecord(int16(i))
			require.NoError(t, err)
			assert.Equal(t, want, string(rec))
		}
		assert.Equal(t, int16(3), p.SlotCount())
	})

	t.Run("delete shifts following slots down", func(t *testing.T) {
		p := newTestPage()
		for _, s := range []string{"aa", "bb", "cc"} {
			_, err := p.Append([]byte(s))
			require.NoError(t, err)
		}
		require.NoError(t, p.Delete(1))
		rec, err := p.GetRecord(1)
		require.NoError(t, err)
		assert.Equal(t, "cc", string(rec))
		assert.Equal(t, int16(2), p.SlotCount())
	})

	t.Run("update grows and shrinks", func(t *testing.T) {
		p := newTestPage()
		_, err := p.Append([]byte("short"))
		require.NoError(t, err)
		require.NoError(t, p.Update(0, []byte("a considerably longer record payload")))
		rec, err := p.GetRecord(0)
		require.NoError(t, err)
		assert.Equal(t, "a considerably longer record payload", string(rec))

		require.NoError(t, p.Update(0, []byte("x")))
		rec, err = p.GetRecord(0)
		require.NoError(t, err)
		assert.Equal(t, "x", string(rec))
		require.NoError(t, p.Check())
	})

	t.Run("compaction reclaims garbage", func(t *testing.T) {
		p := newTestPage()
		payload := make([]byte, 512)
		for i := 0; i < 6; i++ {
			_, err := p.Append(payload)
			require.NoError(t, err)
		}
		for i := 0; i < 5; i++ {
			require.NoError(t, p.Delete(0))
		}
		// 空间被垃圾占着，大记录靠压缩腾挪
		big := make([]byte, 3000)
		_, err := p.Append(big)
		require.NoError(t, err)
		require.NoError(t, p.Check())
	})

	t.Run("oversized record rejected", func(t *testing.T) {
		p := newTestPage()
		err := p.InsertAt(0, make([]byte, 5000))
		assert.ErrorIs(t, err, basic.ErrRecordTooLarge)
	})

	t.Run("free space accounting", func(t *testing.T) {
		p := newTestPage()
		before := p.FreeSpace()
		_, err := p.Append([]byte("0123456789"))
		require.NoError(t, err)
		assert.Equal(t, before-14, p.FreeSpace())
	})
}

func TestPageHeaderFields(t *testing.T) {
	p := newTestPage()
	p.SetLSA(basic.LSA(777))
	assert.Equal(t, basic.LSA(777), p.LSA())

	next := basic.VPID{VolID: 1, PageID: 42}
	p.SetNextVPID(next)
	assert.Equal(t, next, p.NextVPID())
	assert.True(t, p.PrevVPID().IsNull())
	assert.Equal(t, basic.PageTypeBtree, p.PageType())
}

func TestChecksumStamping(t *testing.T) {
	p := newTestPage()
	_, err := p.Append([]byte("persisted"))
	require.NoError(t, err)
	p.StampChecksum()
	assert.True(t, p.VerifyChecksum())

	p.Image[100] ^= 0xFF
	assert.False(t, p.VerifyChecksum())
}
