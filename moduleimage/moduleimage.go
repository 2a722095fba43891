// Package moduleimage resolves the base address and size of the host
// module the OffsetRegistry's RVAs are relative to. Unlike the teacher's
// process package — which opens a *remote* process by name and walks its
// module list — this module is already injected into the target process,
// so discovery walks the current process's own module list instead of a
// remote pid's.
package moduleimage

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	th32csSnapModule   = 0x8
	th32csSnapModule32 = 0x10
)

var (
	kernel32                     = syscall.NewLazyDLL("kernel32.dll")
	procCreateToolhelp32Snapshot = kernel32.NewProc("CreateToolhelp32Snapshot")
	procModule32FirstW           = kernel32.NewProc("Module32FirstW")
	procModule32NextW            = kernel32.NewProc("Module32NextW")
)

type moduleEntry32W struct {
	Size         uint32
	ModuleID     uint32
	ProcessID    uint32
	GlblcntUsage uint32
	ProccntUsage uint32
	ModBaseAddr  uintptr
	ModBaseSize  uint32
	HModule      uintptr
	Module       [256]uint16
	ExePath      [260]uint16
}

// Image is the resolved module this process's OffsetRegistry RVAs are
// relative to: the host's own main executable module by default.
type Image struct {
	ProcessID uint32
	Base      uintptr
	Size      uint32
}

// RVA converts an offset relative to this module's base into an absolute
// address.
func (i Image) RVA(offset uint32) uintptr {
	return i.Base + uintptr(offset)
}

func utf16ToString(s []uint16) string {
	for i, v := range s {
		if v == 0 {
			s = s[:i]
			break
		}
	}
	runes := make([]rune, len(s))
	for i, v := range s {
		runes[i] = rune(v)
	}
	return string(runes)
}

// Resolve walks the current process's own module list and returns the
// base/size of the named module (the host executable, e.g. "client.exe").
// An empty name returns the first module in the snapshot, which toolhelp32
// always orders with the process's main executable first.
func Resolve(moduleName string) (Image, error) {
	pid := windows.GetCurrentProcessId()

	snap, _, _ := procCreateToolhelp32Snapshot.Call(
		th32csSnapModule|th32csSnapModule32,
		uintptr(pid),
	)
	if snap == 0 || snap == ^uintptr(0) {
		return Image{}, fmt.Errorf("moduleimage: failed to snapshot own module list")
	}
	defer windows.CloseHandle(windows.Handle(snap))

	var me moduleEntry32W
	me.Size = uint32(unsafe.Sizeof(me))

	ret, _, _ := procModule32FirstW.Call(snap, uintptr(unsafe.Pointer(&me)))
	if ret == 0 {
		return Image{}, fmt.Errorf("moduleimage: no modules in own snapshot")
	}

	for {
		name := utf16ToString(me.Module[:])
		if moduleName == "" || name == moduleName {
			return Image{
				ProcessID: pid,
				Base:      me.ModBaseAddr,
				Size:      me.ModBaseSize,
			}, nil
		}
		ret, _, _ := procModule32NextW.Call(snap, uintptr(unsafe.Pointer(&me)))
		if ret == 0 {
			break
		}
	}

	return Image{}, fmt.Errorf("moduleimage: module %q not found in own process", moduleName)
}
