package diskfile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
)

const testPageSize = 4096

func TestVolume(t *testing.T) {
	t.Run("alloc write read round trip", func(t *testing.T) {
		v, err := OpenVolume(t.TempDir(), 0, testPageSize)
		require.NoError(t, err)
		defer v.Close()

		vpid, err := v.AllocPage()
		require.NoError(t, err)
		img := make([]byte, testPageSize)
		copy(img, "volume payload")
		require.NoError(t, v.WritePage(vpid.PageID, img))

		got := make([]byte, testPageSize)
		require.NoError(t, v.ReadPage(vpid.PageID, got))
		assert.True(t, bytes.Equal(img, got))
	})

	t.Run("free list recycles pages", func(t *testing.T) {
		v, err := OpenVolume(t.TempDir(), 0, testPageSize)
		require.NoError(t, err)
		defer v.Close()

		a, err := v.AllocPage()
		require.NoError(t, err)
		v.DeallocPage(a.PageID)
		b, err := v.AllocPage()
		require.NoError(t, err)
		assert.Equal(t, a.PageID, b.PageID)
	})

	t.Run("grows past initial size", func(t *testing.T) {
		v, err := OpenVolume(t.TempDir(), 0, testPageSize)
		require.NoError(t, err)
		defer v.Close()
		for i := 0; i < initialVolumePages*3; i++ {
			_, err := v.AllocPage()
			require.NoError(t, err)
		}
	})

	t.Run("survives reopen", func(t *testing.T) {
		dir := t.TempDir()
		v, err := OpenVolume(dir, 0, testPageSize)
		require.NoError(t, err)
		vpid, err := v.AllocPage()
		require.NoError(t, err)
		img := make([]byte, testPageSize)
		copy(img, "durable")
		require.NoError(t, v.WritePage(vpid.PageID, img))
		require.NoError(t, v.Sync())
		require.NoError(t, v.Close())

		v2, err := OpenVolume(dir, 0, testPageSize)
		require.NoError(t, err)
		defer v2.Close()
		got := make([]byte, testPageSize)
		require.NoError(t, v2.ReadPage(vpid.PageID, got))
		assert.Equal(t, "durable", string(got[:7]))
	})
}

func TestFileManager(t *testing.T) {
	t.Run("file page bookkeeping", func(t *testing.T) {
		fm := NewFileManager(t.TempDir(), testPageSize)
		vfid, err := fm.CreateFile(0)
		require.NoError(t, err)

		var pages []basic.VPID
		for i := 0; i < 5; i++ {
			vpid, err := fm.AllocPage(vfid, basic.NullVPID)
			require.NoError(t, err)
			pages = append(pages, vpid)
		}
		n, err := fm.GetNumPages(vfid)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		first, err := fm.GetFirstAllocPage(vfid)
		require.NoError(t, err)
		assert.Equal(t, pages[0], first)

		require.NoError(t, fm.DeallocPage(vfid, pages[2]))
		n, err = fm.GetNumPages(vfid)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("descriptor round trip", func(t *testing.T) {
		fm := NewFileManager(t.TempDir(), testPageSize)
		vfid, err := fm.CreateFile(0)
		require.NoError(t, err)
		require.NoError(t, fm.SetDescriptor(vfid, []byte("root=(0,7)")))
		desc, err := fm.GetDescriptor(vfid)
		require.NoError(t, err)
		assert.Equal(t, "root=(0,7)", string(desc))
	})

	t.Run("destroy releases pages", func(t *testing.T) {
		fm := NewFileManager(t.TempDir(), testPageSize)
		vfid, err := fm.CreateFile(0)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := fm.AllocPage(vfid, basic.NullVPID)
			require.NoError(t, err)
		}
		require.NoError(t, fm.DestroyFile(vfid))
		_, err = fm.GetNumPages(vfid)
		assert.ErrorIs(t, err, basic.ErrFileNotFound)
	})
}

func TestOverflowKeyStore(t *testing.T) {
	t.Run("small blob single page", func(t *testing.T) {
		fm := NewFileManager(t.TempDir(), testPageSize)
		vfid, err := fm.CreateFile(0)
		require.NoError(t, err)
		store := NewOverflowKeyStore(fm, false)

		blob := []byte("an oversized key image")
		head, err := store.Put(vfid, blob)
		require.NoError(t, err)
		got, err := store.Get(head)
		require.NoError(t, err)
		assert.Equal(t, blob, got)

		length, err := store.GetLength(head)
		require.NoError(t, err)
		assert.Equal(t, len(blob), length)
	})

	t.Run("large blob spans chain", func(t *testing.T) {
		fm := NewFileManager(t.TempDir(), testPageSize)
		vfid, err := fm.CreateFile(0)
		require.NoError(t, err)
		store := NewOverflowKeyStore(fm, false)

		blob := make([]byte, testPageSize*3)
		for i := range blob {
			blob[i] = byte(i % 251)
		}
		head, err := store.Put(vfid, blob)
		require.NoError(t, err)
		got, err := store.Get(head)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(blob, got))
	})

	t.Run("compressed blob round trips", func(t *testing.T) {
		fm := NewFileManager(t.TempDir(), testPageSize)
		vfid, err := fm.CreateFile(0)
		require.NoError(t, err)
		store := NewOverflowKeyStore(fm, true)

		blob := bytes.Repeat([]byte("midxkey column "), 2000)
		head, err := store.Put(vfid, blob)
		require.NoError(t, err)
		got, err := store.Get(head)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(blob, got))
		length, err := store.GetLength(head)
		require.NoError(t, err)
		assert.Equal(t, len(blob), length)
	})

	t.Run("delete releases the chain", func(t *testing.T) {
		fm := NewFileManager(t.TempDir(), testPageSize)
		vfid, err := fm.CreateFile(0)
		require.NoError(t, err)
		store := NewOverflowKeyStore(fm, false)

		head, err := store.Put(vfid, make([]byte, testPageSize*2))
		require.NoError(t, err)
		before, err := fm.GetNumPages(vfid)
		require.NoError(t, err)
		require.NoError(t, store.Delete(vfid, head))
		after, err := fm.GetNumPages(vfid)
		require.NoError(t, err)
		assert.Less(t, after, before)
	})
}
