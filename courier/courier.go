// Package courier is the UI-Thread Courier (C7): it finds the host's
// top-level window and subclasses its window procedure so the pipe
// thread can hand work to the UI thread with a private message instead
// of waiting for the XTEA-hook keepalive path. Window enumeration and
// inspection is grounded on the EnumWindows/GetWindowText/IsWindowVisible
// pattern in suffz-ghost's process_monitor package; the subclass-and-
// forward mechanism generalizes overlay.go's GetWindowLongPtr/
// SetWindowLongPtr style into GWLP_WNDPROC replacement.
package courier

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/lxn/win"
	"golang.org/x/sys/windows"
)

// gwlpWndproc is a var (not a const) so that converting it to uintptr
// performs a runtime bit-pattern reinterpretation instead of a
// constant-range check, which the Go compiler rejects for negative
// constants converted to unsigned types.
var gwlpWndproc int32 = -4 // GWLP_WNDPROC

const (
	// PrivateMessage is the custom message id the pipe thread posts to
	// trigger the Targeting Orchestrator's UI-thread entry (§4.6).
	PrivateMessage = win.WM_APP + 0x157
)

var (
	user32                   = syscall.NewLazyDLL("user32.dll")
	procEnumWindows          = user32.NewProc("EnumWindows")
	procGetWindowTextW       = user32.NewProc("GetWindowTextW")
	procGetWindowTextLengthW = user32.NewProc("GetWindowTextLengthW")
	procSetWindowLongPtrW    = user32.NewProc("SetWindowLongPtrW")
	procCallWindowProcW      = user32.NewProc("CallWindowProcW")
	procPostMessageW         = user32.NewProc("PostMessageW")
)

// Entry is called synchronously from the replacement window procedure
// when PrivateMessage arrives. It is the Targeting Orchestrator's
// UI-thread entry (§4.7); Courier only knows its function signature,
// not its implementation, to avoid an import cycle.
type Entry func()

// Courier owns the subclassed window handle and the original
// procedure pointer needed to forward every other message.
type Courier struct {
	mu       sync.Mutex
	hwnd     win.HWND
	original uintptr
	entry    Entry
}

var active Courier

// Install enumerates top-level windows owned by the current process,
// picks the first visible window with a non-empty title (§4.6), and
// replaces its window procedure. entry runs on the UI thread whenever
// PrivateMessage arrives.
func Install(entry Entry) (win.HWND, bool) {
	pid := windows.GetCurrentProcessId()
	hwnd, ok := findTopLevelWindow(pid)
	if !ok {
		return 0, false
	}

	active.mu.Lock()
	active.hwnd = hwnd
	active.entry = entry
	active.mu.Unlock()

	cb := syscall.NewCallback(wndProcTrampoline)
	original, _, _ := procSetWindowLongPtrW.Call(uintptr(hwnd), uintptr(gwlpWndproc), cb)
	if original == 0 {
		return 0, false
	}

	active.mu.Lock()
	active.original = original
	active.mu.Unlock()
	return hwnd, true
}

// Post sends PrivateMessage to the subclassed window, the trigger the
// pipe thread uses for the fast (~16ms) targeting path (§4.6).
func Post() bool {
	active.mu.Lock()
	hwnd := active.hwnd
	active.mu.Unlock()
	if hwnd == 0 {
		return false
	}
	ret, _, _ := procPostMessageW.Call(uintptr(hwnd), uintptr(PrivateMessage), 0, 0)
	return ret != 0
}

// wndProcTrampoline is the replacement window procedure. It intercepts
// PrivateMessage and forwards everything else to the original
// procedure (§4.6).
func wndProcTrampoline(hwnd uintptr, msg uint32, wparam, lparam uintptr) uintptr {
	if msg == uint32(PrivateMessage) {
		active.mu.Lock()
		entry := active.entry
		active.mu.Unlock()
		if entry != nil {
			entry()
		}
		return 0
	}

	active.mu.Lock()
	original := active.original
	active.mu.Unlock()
	ret, _, _ := procCallWindowProcW.Call(original, hwnd, uintptr(msg), wparam, lparam)
	return ret
}

type enumState struct {
	pid   uint32
	found win.HWND
}

func findTopLevelWindow(pid uint32) (win.HWND, bool) {
	state := enumState{pid: pid}
	cb := syscall.NewCallback(enumWindowsProc)
	procEnumWindows.Call(cb, uintptr(unsafe.Pointer(&state)))
	if state.found == 0 {
		return 0, false
	}
	return state.found, true
}

func enumWindowsProc(hwnd uintptr, lparam uintptr) uintptr {
	state := (*enumState)(unsafe.Pointer(lparam))
	h := win.HWND(hwnd)
	if !win.IsWindowVisible(h) {
		return 1
	}
	var pid uint32
	win.GetWindowThreadProcessId(h, &pid)
	if pid != state.pid {
		return 1
	}
	if windowText(h) == "" {
		return 1
	}
	state.found = h
	return 0
}

func windowText(hwnd win.HWND) string {
	length, _, _ := procGetWindowTextLengthW.Call(uintptr(hwnd))
	if length == 0 {
		return ""
	}
	buf := make([]uint16, length+1)
	procGetWindowTextW.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), length+1)
	return syscall.UTF16ToString(buf)
}
