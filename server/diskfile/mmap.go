package diskfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// 卷文件通过mmap映射，页面读写直接落在映射区上

func mapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

func flushMap(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}
