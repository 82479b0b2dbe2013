package slice

import (
	"fmt"
	"unsafe"
)

// Pointer is the address of the first byte of bytes.
func Pointer(bytes []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(bytes))
}

// As overlays a *T on the front of bytes. T must not contain Go
// pointers: the bytes usually live in a shared mapping the garbage
// collector knows nothing about.
func As[T any](bytes []byte) *T {
	var t T
	AssertLen(bytes, int(unsafe.Sizeof(t)))
	return (*T)(Pointer(bytes))
}

func AssertLen(bytes []byte, length int) {
	if length > len(bytes) {
		panic(fmt.Errorf("expected byte slice to be at least %v bytes long but was %v", length, len(bytes)))
	}
}
