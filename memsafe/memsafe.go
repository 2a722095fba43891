// Package memsafe is the one place in this module that dereferences host
// memory. Every read goes through the self-targeted ReadProcessMemory call
// so a stale or guard page fails cleanly instead of aborting the caller.
package memsafe

import (
	"math"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                  = syscall.NewLazyDLL("kernel32.dll")
	procReadProcessMemory     = kernel32.NewProc("ReadProcessMemory")
	procWriteProcessMemory    = kernel32.NewProc("WriteProcessMemory")
	procVirtualProtectEx      = kernel32.NewProc("VirtualProtectEx")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

const pageExecuteReadWrite = 0x40

// self is the pseudo-handle for the current process. ReadProcessMemory
// and WriteProcessMemory accept it exactly as they would a remote handle,
// which is what lets us use the kernel's page-fault-safe copy path on our
// own address space instead of a raw pointer dereference.
var self = windows.Handle(^uintptr(0)) // GetCurrentProcess() pseudo-handle, -1

var selfOnce sync.Once

// Handle returns the self-targeted pseudo-handle used for every read in
// this module. It never fails and never needs to be closed.
func Handle() windows.Handle {
	selfOnce.Do(func() {
		self = windows.CurrentProcess()
	})
	return self
}

// ReadU8 copies one byte from addr. ok is false on any failure (unmapped
// page, guard page, partial copy); val is zero in that case.
func ReadU8(addr uintptr) (val uint8, ok bool) {
	var read uintptr
	ret, _, _ := procReadProcessMemory.Call(
		uintptr(Handle()), addr,
		uintptr(unsafe.Pointer(&val)), 1,
		uintptr(unsafe.Pointer(&read)),
	)
	return val, ret != 0 && read == 1
}

// ReadU32 copies a little-endian 32-bit word from addr.
func ReadU32(addr uintptr) (val uint32, ok bool) {
	var read uintptr
	ret, _, _ := procReadProcessMemory.Call(
		uintptr(Handle()), addr,
		uintptr(unsafe.Pointer(&val)), 4,
		uintptr(unsafe.Pointer(&read)),
	)
	return val, ret != 0 && read == 4
}

// ReadF32 copies a float32 from addr.
func ReadF32(addr uintptr) (val float32, ok bool) {
	var read uintptr
	ret, _, _ := procReadProcessMemory.Call(
		uintptr(Handle()), addr,
		uintptr(unsafe.Pointer(&val)), 4,
		uintptr(unsafe.Pointer(&read)),
	)
	return val, ret != 0 && read == 4
}

// ReadBytes copies size bytes from addr into a freshly allocated buffer.
func ReadBytes(addr uintptr, size int) ([]byte, bool) {
	if size <= 0 {
		return nil, false
	}
	buf := make([]byte, size)
	var read uintptr
	ret, _, _ := procReadProcessMemory.Call(
		uintptr(Handle()), addr,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(size),
		uintptr(unsafe.Pointer(&read)),
	)
	return buf, ret != 0 && int(read) == size
}

// ReadBytesInto copies len(buf) bytes from addr into buf, in place.
func ReadBytesInto(addr uintptr, buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	var read uintptr
	ret, _, _ := procReadProcessMemory.Call(
		uintptr(Handle()), addr,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)),
		uintptr(unsafe.Pointer(&read)),
	)
	return ret != 0 && int(read) == len(buf)
}

// WriteBytes copies data into addr without touching page protection. Used
// only for explicit diagnostic writes (write_mem); hook installation goes
// through WriteBytesProtected.
func WriteBytes(addr uintptr, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var written uintptr
	ret, _, _ := procWriteProcessMemory.Call(
		uintptr(Handle()), addr,
		uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)),
		uintptr(unsafe.Pointer(&written)),
	)
	return ret != 0 && int(written) == len(data)
}

// WriteBytesProtected flips the target page(s) to PAGE_EXECUTE_READWRITE,
// writes data, restores the original protection, and flushes the
// instruction cache. This is the only path allowed to patch a hook site
// or a cave's own bytes.
func WriteBytesProtected(addr uintptr, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	size := uintptr(len(data))
	var oldProtect uint32

	procVirtualProtectEx.Call(uintptr(Handle()), addr, size, pageExecuteReadWrite, uintptr(unsafe.Pointer(&oldProtect)))

	var written uintptr
	ret, _, _ := procWriteProcessMemory.Call(
		uintptr(Handle()), addr,
		uintptr(unsafe.Pointer(&data[0])), size,
		uintptr(unsafe.Pointer(&written)),
	)

	procVirtualProtectEx.Call(uintptr(Handle()), addr, size, uintptr(oldProtect), uintptr(unsafe.Pointer(&oldProtect)))
	procFlushInstructionCache.Call(uintptr(Handle()), addr, size)

	return ret != 0 && int(written) == len(data)
}

// IsValidPtr applies the same coarse sanity window the teacher's memory
// package uses: reject the null page and reject addresses in the kernel
// half of a 32-bit address space.
func IsValidPtr(ptr uint32) bool {
	return ptr > 0x10000 && ptr < 0x7FFFFFFF
}

// IsValidCoord rejects NaN/Inf and absurd magnitudes before a coordinate
// is ever trusted as a world position.
func IsValidCoord(val float32) bool {
	return !math.IsNaN(float64(val)) && !math.IsInf(float64(val), 0) &&
		val > -100000 && val < 100000
}
