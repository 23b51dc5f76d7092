package diskfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// Volume is one data file: a header page followed by an array of fixed-size
// pages. Deallocated pages are chained into a free list through their
// leading four bytes.
//
// Header page layout:
//
//	[0..4)   magic
//	[4..8)   page size
//	[8..12)  total pages (mapped)
//	[12..16) high water (next never-used page id)
//	[16..20) free list head page id (freeListNull when empty)
const (
	volMagic     uint32 = 0x56544258 // "XBTV"
	freeListNull uint32 = 0xFFFFFFFF

	offVolMagic     = 0
	offVolPageSize  = 4
	offVolTotal     = 8
	offVolHighWater = 12
	offVolFreeHead  = 16

	initialVolumePages = 64
)

type Volume struct {
	mu       sync.Mutex
	volID    int16
	pageSize int
	file     *os.File
	mapped   []byte
}

func volumePath(dataDir string, volID int16) string {
	return filepath.Join(dataDir, fmt.Sprintf("vol%04d.dat", volID))
}

// OpenVolume opens or creates the volume file and maps it.
func OpenVolume(dataDir string, volID int16, pageSize int) (*Volume, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(basic.ErrDiskError, err.Error())
	}
	path := volumePath(dataDir, volID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(basic.ErrDiskError, err.Error())
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(basic.ErrDiskError, err.Error())
	}

	v := &Volume{volID: volID, pageSize: pageSize, file: file}
	fresh := info.Size() == 0
	size := int(info.Size())
	if fresh {
		size = pageSize * initialVolumePages
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, errors.Wrap(basic.ErrDiskError, err.Error())
		}
	}
	v.mapped, err = mapFile(file, size)
	if err != nil {
		file.Close()
		return nil, errors.Wrap(basic.ErrDiskError, err.Error())
	}

	if fresh {
		hdr := v.headerPage()
		util.PutUB4(hdr, offVolMagic, volMagic)
		util.PutUB4(hdr, offVolPageSize, uint32(pageSize))
		util.PutUB4(hdr, offVolTotal, uint32(size/pageSize))
		util.PutUB4(hdr, offVolHighWater, 1) // page 0 is the header
		util.PutUB4(hdr, offVolFreeHead, freeListNull)
	} else {
		hdr := v.headerPage()
		if util.GetUB4(hdr, offVolMagic) != volMagic {
			v.Close()
			return nil, errors.Wrapf(basic.ErrDiskError, "bad volume magic in %s", path)
		}
		if int(util.GetUB4(hdr, offVolPageSize)) != pageSize {
			v.Close()
			return nil, errors.Wrapf(basic.ErrDiskError, "page size mismatch in %s", path)
		}
	}
	return v, nil
}

func (v *Volume) headerPage() []byte {
	return v.mapped[:v.pageSize]
}

func (v *Volume) pageBytes(pageID int32) []byte {
	off := int(pageID) * v.pageSize
	return v.mapped[off : off+v.pageSize]
}

func (v *Volume) totalPages() int32 {
	return int32(util.GetUB4(v.headerPage(), offVolTotal))
}

// grow doubles the mapped file.
func (v *Volume) grow() error {
	newTotal := int(v.totalPages()) * 2
	newSize := newTotal * v.pageSize
	if err := unmapFile(v.mapped); err != nil {
		return errors.Wrap(basic.ErrDiskError, err.Error())
	}
	v.mapped = nil
	if err := v.file.Truncate(int64(newSize)); err != nil {
		return errors.Wrap(basic.ErrDiskError, err.Error())
	}
	m, err := mapFile(v.file, newSize)
	if err != nil {
		return errors.Wrap(basic.ErrDiskError, err.Error())
	}
	v.mapped = m
	util.PutUB4(v.headerPage(), offVolTotal, uint32(newTotal))
	logger.Debugf("volume %d grown to %d pages", v.volID, newTotal)
	return nil
}

// AllocPage pops the free list or extends the high-water mark.
func (v *Volume) AllocPage() (basic.VPID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	hdr := v.headerPage()
	if head := util.GetUB4(hdr, offVolFreeHead); head != freeListNull {
		next := util.GetUB4(v.pageBytes(int32(head)), 0)
		util.PutUB4(hdr, offVolFreeHead, next)
		return basic.VPID{VolID: v.volID, PageID: int32(head)}, nil
	}

	hw := int32(util.GetUB4(hdr, offVolHighWater))
	for hw >= v.totalPages() {
		if err := v.grow(); err != nil {
			return basic.NullVPID, err
		}
		hdr = v.headerPage()
	}
	util.PutUB4(hdr, offVolHighWater, uint32(hw+1))
	return basic.VPID{VolID: v.volID, PageID: hw}, nil
}

// DeallocPage pushes the page onto the free list.
func (v *Volume) DeallocPage(pageID int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	hdr := v.headerPage()
	head := util.GetUB4(hdr, offVolFreeHead)
	util.PutUB4(v.pageBytes(pageID), 0, head)
	util.PutUB4(hdr, offVolFreeHead, uint32(pageID))
}

// ReadPage copies the page image into buf.
func (v *Volume) ReadPage(pageID int32, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if pageID < 0 || pageID >= v.totalPages() {
		return errors.Wrapf(basic.ErrDiskError, "page %d out of volume bounds", pageID)
	}
	copy(buf, v.pageBytes(pageID))
	return nil
}

// WritePage copies buf over the page image.
func (v *Volume) WritePage(pageID int32, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if pageID < 0 || pageID >= v.totalPages() {
		return errors.Wrapf(basic.ErrDiskError, "page %d out of volume bounds", pageID)
	}
	copy(v.pageBytes(pageID), buf)
	return nil
}

// Sync flushes the mapping to disk.
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return flushMap(v.mapped)
}

func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := unmapFile(v.mapped); err != nil {
		return err
	}
	v.mapped = nil
	return v.file.Close()
}
