// Package process is remotewalk's (C14) process-discovery primitive:
// finding a target by executable name, opening it, and resolving one of
// its modules' base address — all from outside the target, unlike
// moduleimage's own-process walk used by the injected core.
package process

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	th32csSnapProcess  = 0x2
	th32csSnapModule   = 0x8
	th32csSnapModule32 = 0x10
	processAllAccess   = 0x1F0FFF
)

var (
	kernel32                     = syscall.NewLazyDLL("kernel32.dll")
	procCreateToolhelp32Snapshot = kernel32.NewProc("CreateToolhelp32Snapshot")
	procProcess32FirstW          = kernel32.NewProc("Process32FirstW")
	procProcess32NextW           = kernel32.NewProc("Process32NextW")
	procModule32FirstW           = kernel32.NewProc("Module32FirstW")
	procModule32NextW            = kernel32.NewProc("Module32NextW")
)

type processEntry32W struct {
	Size            uint32
	Usage           uint32
	ProcessID       uint32
	DefaultHeapID   uintptr
	ModuleID        uint32
	Threads         uint32
	ParentProcessID uint32
	PriClassBase    int32
	Flags           uint32
	ExeFile         [260]uint16
}

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

// FindProcess returns the pid of the first running process whose
// executable name matches name exactly (e.g. "client.exe").
func FindProcess(name string) (uint32, error) {
	snap, _, _ := procCreateToolhelp32Snapshot.Call(th32csSnapProcess, 0)
	if snap == 0 || snap == ^uintptr(0) {
		return 0, fmt.Errorf("process: failed to snapshot processes")
	}
	defer windows.CloseHandle(windows.Handle(snap))

	var pe processEntry32W
	pe.Size = uint32(unsafe.Sizeof(pe))

	ret, _, _ := procProcess32FirstW.Call(snap, uintptr(unsafe.Pointer(&pe)))
	if ret == 0 {
		return 0, fmt.Errorf("process: no processes in snapshot")
	}

	for {
		if utf16ToString(pe.ExeFile[:]) == name {
			return pe.ProcessID, nil
		}
		ret, _, _ := procProcess32NextW.Call(snap, uintptr(unsafe.Pointer(&pe)))
		if ret == 0 {
			break
		}
	}

	return 0, fmt.Errorf("process: %q not found", name)
}

// GetModuleBase returns the base address of moduleName as loaded in pid.
func GetModuleBase(pid uint32, moduleName string) (uintptr, error) {
	snap, _, _ := procCreateToolhelp32Snapshot.Call(
		th32csSnapModule|th32csSnapModule32,
		uintptr(pid),
	)
	if snap == 0 || snap == ^uintptr(0) {
		return 0, fmt.Errorf("process: failed to snapshot modules for pid %d", pid)
	}
	defer windows.CloseHandle(windows.Handle(snap))

	var me moduleEntry32W
	me.Size = uint32(unsafe.Sizeof(me))

	ret, _, _ := procModule32FirstW.Call(snap, uintptr(unsafe.Pointer(&me)))
	if ret == 0 {
		return 0, fmt.Errorf("process: no modules in snapshot for pid %d", pid)
	}

	for {
		if utf16ToString(me.Module[:]) == moduleName {
			return me.ModBaseAddr, nil
		}
		ret, _, _ := procModule32NextW.Call(snap, uintptr(unsafe.Pointer(&me)))
		if ret == 0 {
			break
		}
	}

	return 0, fmt.Errorf("process: module %q not found in pid %d", moduleName, pid)
}

// OpenProcess opens pid with full access, the remote handle every read
// and write in this package's sibling memory package is parameterized on.
func OpenProcess(pid uint32) (windows.Handle, error) {
	return windows.OpenProcess(processAllAccess, false, pid)
}
