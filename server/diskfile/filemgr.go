package diskfile

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// FileManager groups pages into files. Each file is anchored at a header
// page; the file id IS that page's id. The header page tracks the file's
// page list and a small descriptor area callers may use freely (the b-tree
// stores its root VPID there).
//
// File header page layout:
//
//	[0..4)    magic
//	[4..8)    number of pages in the file
//	[8..10)   descriptor length
//	[10..64)  descriptor bytes
//	[64..)    page list, 4 bytes per entry
const (
	fileMagic uint32 = 0x46544258 // "XBTF"

	offFileMagic   = 0
	offFileNumPage = 4
	offFileDescLen = 8
	offFileDesc    = 10
	offFilePages   = 64

	maxDescriptor = offFilePages - offFileDesc
)

type FileManager struct {
	mu       sync.RWMutex
	dataDir  string
	pageSize int
	volumes  map[int16]*Volume
}

func NewFileManager(dataDir string, pageSize int) *FileManager {
	return &FileManager{
		dataDir:  dataDir,
		pageSize: pageSize,
		volumes:  make(map[int16]*Volume),
	}
}

func (fm *FileManager) PageSize() int {
	return fm.pageSize
}

func (fm *FileManager) volume(volID int16) (*Volume, error) {
	fm.mu.RLock()
	v, ok := fm.volumes[volID]
	fm.mu.RUnlock()
	if ok {
		return v, nil
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if v, ok = fm.volumes[volID]; ok {
		return v, nil
	}
	v, err := OpenVolume(fm.dataDir, volID, fm.pageSize)
	if err != nil {
		return nil, err
	}
	fm.volumes[volID] = v
	return v, nil
}

func (fm *FileManager) maxFilePages() int {
	return (fm.pageSize - offFilePages) / 4
}

// CreateFile allocates a file header page and returns the new VFID.
func (fm *FileManager) CreateFile(volID int16) (basic.VFID, error) {
	v, err := fm.volume(volID)
	if err != nil {
		return basic.NullVFID, err
	}
	vpid, err := v.AllocPage()
	if err != nil {
		return basic.NullVFID, err
	}
	hdr := make([]byte, fm.pageSize)
	util.PutUB4(hdr, offFileMagic, fileMagic)
	util.PutUB4(hdr, offFileNumPage, 0)
	util.PutUB2(hdr, offFileDescLen, 0)
	if err := v.WritePage(vpid.PageID, hdr); err != nil {
		return basic.NullVFID, err
	}
	return basic.VFID{VolID: volID, FileID: vpid.PageID}, nil
}

func (fm *FileManager) readFileHeader(vfid basic.VFID) (*Volume, []byte, error) {
	v, err := fm.volume(vfid.VolID)
	if err != nil {
		return nil, nil, err
	}
	hdr := make([]byte, fm.pageSize)
	if err := v.ReadPage(vfid.FileID, hdr); err != nil {
		return nil, nil, err
	}
	if util.GetUB4(hdr, offFileMagic) != fileMagic {
		return nil, nil, errors.Wrapf(basic.ErrFileNotFound, "vfid (%d,%d)", vfid.VolID, vfid.FileID)
	}
	return v, hdr, nil
}

// DestroyFile deallocates all file pages and the header page itself.
func (fm *FileManager) DestroyFile(vfid basic.VFID) error {
	v, hdr, err := fm.readFileHeader(vfid)
	if err != nil {
		return err
	}
	n := int(util.GetUB4(hdr, offFileNumPage))
	for i := 0; i < n; i++ {
		pageID := int32(util.GetUB4(hdr, offFilePages+4*i))
		v.DeallocPage(pageID)
	}
	// 清除magic防止悬挂VFID复活
	util.PutUB4(hdr, offFileMagic, 0)
	if err := v.WritePage(vfid.FileID, hdr); err != nil {
		return err
	}
	v.DeallocPage(vfid.FileID)
	return nil
}

// AllocPage allocates one page and registers it in the file. The near hint
// is advisory; volumes hand out the free list head regardless.
func (fm *FileManager) AllocPage(vfid basic.VFID, near basic.VPID) (basic.VPID, error) {
	_ = near
	v, hdr, err := fm.readFileHeader(vfid)
	if err != nil {
		return basic.NullVPID, err
	}
	n := int(util.GetUB4(hdr, offFileNumPage))
	if n >= fm.maxFilePages() {
		return basic.NullVPID, errors.Wrapf(basic.ErrDiskError, "file (%d,%d) page list full", vfid.VolID, vfid.FileID)
	}
	vpid, err := v.AllocPage()
	if err != nil {
		return basic.NullVPID, err
	}
	util.PutUB4(hdr, offFilePages+4*n, uint32(vpid.PageID))
	util.PutUB4(hdr, offFileNumPage, uint32(n+1))
	if err := v.WritePage(vfid.FileID, hdr); err != nil {
		return basic.NullVPID, err
	}
	return vpid, nil
}

// DeallocPage removes the page from the file and returns it to the volume.
func (fm *FileManager) DeallocPage(vfid basic.VFID, vpid basic.VPID) error {
	v, hdr, err := fm.readFileHeader(vfid)
	if err != nil {
		return err
	}
	n := int(util.GetUB4(hdr, offFileNumPage))
	found := -1
	for i := 0; i < n; i++ {
		if int32(util.GetUB4(hdr, offFilePages+4*i)) == vpid.PageID {
			found = i
			break
		}
	}
	if found < 0 {
		return errors.Wrapf(basic.ErrDiskError, "page (%d,%d) not in file (%d,%d)",
			vpid.VolID, vpid.PageID, vfid.VolID, vfid.FileID)
	}
	copy(hdr[offFilePages+4*found:], hdr[offFilePages+4*found+4:offFilePages+4*n])
	util.PutUB4(hdr, offFileNumPage, uint32(n-1))
	if err := v.WritePage(vfid.FileID, hdr); err != nil {
		return err
	}
	v.DeallocPage(vpid.PageID)
	return nil
}

// GetNumPages pages currently allocated to the file.
func (fm *FileManager) GetNumPages(vfid basic.VFID) (int, error) {
	_, hdr, err := fm.readFileHeader(vfid)
	if err != nil {
		return 0, err
	}
	return int(util.GetUB4(hdr, offFileNumPage)), nil
}

// GetFirstAllocPage first page registered in the file.
func (fm *FileManager) GetFirstAllocPage(vfid basic.VFID) (basic.VPID, error) {
	_, hdr, err := fm.readFileHeader(vfid)
	if err != nil {
		return basic.NullVPID, err
	}
	if util.GetUB4(hdr, offFileNumPage) == 0 {
		return basic.NullVPID, nil
	}
	return basic.VPID{VolID: vfid.VolID, PageID: int32(util.GetUB4(hdr, offFilePages))}, nil
}

// SetDescriptor stores caller metadata in the file header.
func (fm *FileManager) SetDescriptor(vfid basic.VFID, desc []byte) error {
	if len(desc) > maxDescriptor {
		return errors.Wrapf(basic.ErrDiskError, "descriptor too large: %d", len(desc))
	}
	v, hdr, err := fm.readFileHeader(vfid)
	if err != nil {
		return err
	}
	util.PutUB2(hdr, offFileDescLen, uint16(len(desc)))
	copy(hdr[offFileDesc:], desc)
	return v.WritePage(vfid.FileID, hdr)
}

// GetDescriptor reads caller metadata back.
func (fm *FileManager) GetDescriptor(vfid basic.VFID) ([]byte, error) {
	_, hdr, err := fm.readFileHeader(vfid)
	if err != nil {
		return nil, err
	}
	l := int(util.GetUB2(hdr, offFileDescLen))
	return append([]byte(nil), hdr[offFileDesc:offFileDesc+l]...), nil
}

// ReadPage loads a raw page image.
func (fm *FileManager) ReadPage(vpid basic.VPID, buf []byte) error {
	v, err := fm.volume(vpid.VolID)
	if err != nil {
		return err
	}
	return v.ReadPage(vpid.PageID, buf)
}

// WritePage stores a raw page image.
func (fm *FileManager) WritePage(vpid basic.VPID, buf []byte) error {
	v, err := fm.volume(vpid.VolID)
	if err != nil {
		return err
	}
	return v.WritePage(vpid.PageID, buf)
}

// SyncAll flushes every open volume.
func (fm *FileManager) SyncAll() error {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	for _, v := range fm.volumes {
		if err := v.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps and closes every open volume.
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for id, v := range fm.volumes {
		if err := v.Close(); err != nil {
			return err
		}
		delete(fm.volumes, id)
	}
	return nil
}
