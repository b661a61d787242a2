package fileproto

import (
	"fmt"
	"unsafe"
)

// Matches hypervisor.IODirIn/IODirOut (KVM_EXIT_IO_IN=0, KVM_EXIT_IO_OUT=1).
const (
	ioIn  uint8 = 0
	ioOut uint8 = 1
)

// expect validates the direction and transfer width an I/O exit must carry
// at a given cursor state, per spec.md §4.4 ("every transition validates
// direction and width; a mismatch is a protocol violation").
func expect(cursor Cursor, gotDir, gotSize, wantDir, wantSize uint8) error {
	if gotDir != wantDir {
		return &ViolationError{cursor, fmt.Sprintf("expected direction %d, got %d", wantDir, gotDir)}
	}
	if gotSize != wantSize {
		return &ViolationError{cursor, fmt.Sprintf("expected %d-byte transfer, got %d", wantSize, gotSize)}
	}
	return nil
}

// unsafeByteSlice reshapes a translated guest pointer into a byte slice of
// the requested length, for passing directly to unix.Read/unix.Write.
func unsafeByteSlice(ptr unsafe.Pointer, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}
