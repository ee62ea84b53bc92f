package protocol

import (
	"encoding/binary"
	"math/bits"
)

// Little-endian zipped integers: trailing zero bytes are dropped, so small
// values take few bytes and zero takes none.

func ZipUint64(v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	n := (bits.Len64(v) + 7) >> 3
	return buf[:n]
}

func UnzipUint64(zip []byte) (v uint64) {
	if len(zip) > 8 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], zip)
	return binary.LittleEndian.Uint64(buf[:])
}

// ZigZagInt64 folds the sign bit into bit 0 so negative values zip short.
func ZigZagInt64(i int64) uint64 {
	return uint64((i << 1) ^ (i >> 63))
}

func ZagZigUint64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func ZipInt64(i int64) []byte {
	return ZipUint64(ZigZagInt64(i))
}

func UnzipInt64(zip []byte) int64 {
	return ZagZigUint64(UnzipUint64(zip))
}
