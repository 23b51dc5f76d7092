package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// Checksum64 页面镜像校验和
func Checksum64(image []byte) uint64 {
	return xxhash.Checksum64(image)
}
