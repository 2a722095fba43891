// Package memory is remotewalk's (C14) out-of-process read/write
// primitive: every call takes an explicit remote process handle instead
// of assuming the current process, which is what lets the cmd/debug
// tools attach to a live target from outside without ever being
// injected into it. memsafe is this package's in-process counterpart,
// used by the injected core itself.
package memory

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32               = syscall.NewLazyDLL("kernel32.dll")
	procReadProcessMemory  = kernel32.NewProc("ReadProcessMemory")
	procWriteProcessMemory = kernel32.NewProc("WriteProcessMemory")
)

// ReadU32 copies a little-endian 32-bit word from addr in the remote
// process. A failed read returns zero; callers that need to distinguish
// a genuine zero from an unreadable address should use IsValidPtr on the
// address first, the same convention remotewalk's decode chain follows.
func ReadU32(handle windows.Handle, addr uintptr) uint32 {
	var val uint32
	var read uintptr
	procReadProcessMemory.Call(
		uintptr(handle), addr,
		uintptr(unsafe.Pointer(&val)), 4,
		uintptr(unsafe.Pointer(&read)),
	)
	return val
}

// ReadBytes copies size bytes from addr in the remote process into a
// freshly allocated buffer. A short or failed read is silently zero-filled
// past whatever was actually copied.
func ReadBytes(handle windows.Handle, addr uintptr, size int) []byte {
	buf := make([]byte, size)
	var read uintptr
	procReadProcessMemory.Call(
		uintptr(handle), addr,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(size),
		uintptr(unsafe.Pointer(&read)),
	)
	return buf
}

// WriteBytes writes data into addr in the remote process, used by the
// debug CLIs' write_mem-equivalent commands. Unlike memsafe's
// WriteBytesProtected, this never touches page protection — the debug
// tools are read-mostly, and a protected write belongs in the injected
// core, not an external attacher.
func WriteBytes(handle windows.Handle, addr uintptr, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var written uintptr
	ret, _, _ := procWriteProcessMemory.Call(
		uintptr(handle), addr,
		uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)),
		uintptr(unsafe.Pointer(&written)),
	)
	return ret != 0
}

// IsValidPtr applies the same coarse sanity window memsafe's in-process
// check uses: reject the null page and reject addresses in the kernel
// half of a 32-bit address space.
func IsValidPtr(ptr uint32) bool {
	return ptr > 0x10000 && ptr < 0x7FFFFFFF
}
