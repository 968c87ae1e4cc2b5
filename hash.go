package weakref

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// identityHash hashes the address of v. Only the address is kept, so the
// result does not hold v alive.
func identityHash[T any](v *T) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(unsafe.Pointer(v))))
	return xxhash.Sum64(buf[:])
}
