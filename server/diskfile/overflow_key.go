package diskfile

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xbtree-engine/server/basic"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// OverflowKeyStore keeps key images too large for a b-tree page. A blob is
// snappy-compressed (optional) and spread over a chain of pages in the
// index's overflow-key file.
//
// Chain page layout:
//
//	[0..6)   next VPID (vol:2, page:4), NullVPID on the last page
//	[6..8)   segment length
//	[8..12)  total stored length (first page only; 0 elsewhere)
//	[12]     compressed flag (first page only)
//	[13..16) reserved
//	[16..)   payload
const (
	offOvfNext    = 0
	offOvfSegLen  = 6
	offOvfTotal   = 8
	offOvfFlag    = 12
	ovfHeaderSize = 16
)

type OverflowKeyStore struct {
	fm       *FileManager
	compress bool
}

func NewOverflowKeyStore(fm *FileManager, compress bool) *OverflowKeyStore {
	return &OverflowKeyStore{fm: fm, compress: compress}
}

func (s *OverflowKeyStore) segCapacity() int {
	return s.fm.PageSize() - ovfHeaderSize
}

// Put stores the blob in vfid and returns the first page of the chain.
func (s *OverflowKeyStore) Put(vfid basic.VFID, data []byte) (basic.VPID, error) {
	payload := data
	compressed := byte(0)
	if s.compress {
		enc := snappy.Encode(nil, data)
		if len(enc) < len(data) {
			payload = enc
			compressed = 1
		}
	}

	segCap := s.segCapacity()
	numPages := (len(payload) + segCap - 1) / segCap
	if numPages == 0 {
		numPages = 1
	}

	pages := make([]basic.VPID, numPages)
	for i := range pages {
		vpid, err := s.fm.AllocPage(vfid, basic.NullVPID)
		if err != nil {
			return basic.NullVPID, err
		}
		pages[i] = vpid
	}

	remaining := payload
	for i, vpid := range pages {
		img := make([]byte, s.fm.PageSize())
		next := basic.NullVPID
		if i+1 < numPages {
			next = pages[i+1]
		}
		util.PutUB2(img, offOvfNext, uint16(next.VolID))
		util.PutUB4(img, offOvfNext+2, uint32(next.PageID))
		seg := util.MinInt(len(remaining), segCap)
		util.PutUB2(img, offOvfSegLen, uint16(seg))
		if i == 0 {
			util.PutUB4(img, offOvfTotal, uint32(len(payload)))
			img[offOvfFlag] = compressed
		}
		copy(img[ovfHeaderSize:], remaining[:seg])
		remaining = remaining[seg:]
		if err := s.fm.WritePage(vpid, img); err != nil {
			return basic.NullVPID, err
		}
	}
	return pages[0], nil
}

// Get reads the whole blob back.
func (s *OverflowKeyStore) Get(first basic.VPID) ([]byte, error) {
	img := make([]byte, s.fm.PageSize())
	var payload []byte
	compressed := byte(0)
	vpid := first
	for i := 0; !vpid.IsNull(); i++ {
		if err := s.fm.ReadPage(vpid, img); err != nil {
			return nil, err
		}
		seg := int(util.GetUB2(img, offOvfSegLen))
		if i == 0 {
			total := int(util.GetUB4(img, offOvfTotal))
			payload = make([]byte, 0, total)
			compressed = img[offOvfFlag]
		}
		payload = append(payload, img[ovfHeaderSize:ovfHeaderSize+seg]...)
		vpid = basic.VPID{
			VolID:  int16(util.GetUB2(img, offOvfNext)),
			PageID: int32(util.GetUB4(img, offOvfNext+2)),
		}
	}
	if compressed == 1 {
		dec, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, errors.Wrap(basic.ErrDiskError, err.Error())
		}
		return dec, nil
	}
	return payload, nil
}

// GetLength uncompressed length. An uncompressed blob needs only the head
// page; a compressed blob is read and decoded whole.
func (s *OverflowKeyStore) GetLength(first basic.VPID) (int, error) {
	img := make([]byte, s.fm.PageSize())
	if err := s.fm.ReadPage(first, img); err != nil {
		return 0, err
	}
	if img[offOvfFlag] == 1 {
		// 压缩存储时头页只记压缩后长度，需要整链解码
		blob, err := s.Get(first)
		if err != nil {
			return 0, err
		}
		return len(blob), nil
	}
	return int(util.GetUB4(img, offOvfTotal)), nil
}

// Delete releases the chain pages.
func (s *OverflowKeyStore) Delete(vfid basic.VFID, first basic.VPID) error {
	img := make([]byte, s.fm.PageSize())
	vpid := first
	for !vpid.IsNull() {
		if err := s.fm.ReadPage(vpid, img); err != nil {
			return err
		}
		next := basic.VPID{
			VolID:  int16(util.GetUB2(img, offOvfNext)),
			PageID: int32(util.GetUB4(img, offOvfNext+2)),
		}
		if err := s.fm.DeallocPage(vfid, vpid); err != nil {
			return err
		}
		vpid = next
	}
	return nil
}
