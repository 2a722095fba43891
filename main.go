// +build windows

// Package main is the injected core's composition root. Unlike the
// teacher's out-of-process App (which opened a remote handle to a
// separately-running game and drove an ebiten overlay window), this
// core runs inside the host process itself: init() performs the
// DLL_PROCESS_ATTACH sequence (§6) and starts the pipe/scanner thread;
// there is no GUI surface left to own.
package main

import "C"

import (
	"path/filepath"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"dbvbot/applog"
	"dbvbot/config"
	"dbvbot/creaturemap"
	"dbvbot/fault"
	"dbvbot/hook"
	"dbvbot/moduleimage"
	"dbvbot/offsets"
	"dbvbot/orchestrator"
	"dbvbot/pipe"
	"dbvbot/stability"
)

var core struct {
	logs   *applog.Logs
	server *pipe.Server
}

// selfAnchor is a package-level variable whose address is guaranteed to
// live inside this DLL's own data section — used by installDir to
// identify our own module via GetModuleHandleExW's from-address mode,
// since cgo's import "C" gives no hinstDLL parameter the way a real
// DllMain would.
var selfAnchor byte

func init() {
	dir := installDir()

	logs, _ := applog.Open(dir)
	core.logs = logs
	logs.Debugf("init", "attach, install dir=%s", dir)

	fault.Install()

	reg := offsets.Defaults()
	config.LoadOffsets(dir, reg, logs)

	img, err := moduleimage.Resolve("")
	if err != nil {
		logs.Debugf("init", "moduleimage.Resolve failed: %v", err)
		return
	}

	walker := creaturemap.New(&img, reg)
	hooks := hook.New(&img, reg)
	heuristic := &stability.Heuristic{}
	orch := orchestrator.New(&img, reg, walker, hooks, heuristic)

	dispatch := syscall.NewCallback(func() uintptr {
		orch.UIEntry()
		return 0
	})

	core.server = pipe.New(&img, reg, walker, hooks, heuristic, orch, logs, dispatch)
	go core.server.Run()

	logs.Debugf("init", "pipe server started, module base=0x%X size=0x%X", img.Base, img.Size)
}

// installDir recovers the directory this DLL was loaded from, the
// in-process analogue of DllMain's GetModuleFileNameA(hModule, ...).
func installDir() string {
	const getModuleHandleExFlagFromAddress = 0x00000004
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	procGetModuleHandleExW := kernel32.NewProc("GetModuleHandleExW")
	procGetModuleFileNameW := kernel32.NewProc("GetModuleFileNameW")

	var selfHandle windows.Handle
	procGetModuleHandleExW.Call(
		getModuleHandleExFlagFromAddress,
		uintptr(unsafe.Pointer(&selfAnchor)),
		uintptr(unsafe.Pointer(&selfHandle)),
	)

	buf := make([]uint16, windows.MAX_PATH)
	n, _, _ := procGetModuleFileNameW.Call(uintptr(selfHandle), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n == 0 {
		return "."
	}
	path := syscall.UTF16ToString(buf[:n])
	return filepath.Dir(path)
}

//export Detach
func Detach() {
	if core.server != nil {
		core.server.Stop()
	}
	if core.logs != nil {
		core.logs.Debugf("detach", "signaled stop")
		core.logs.Close()
	}
}

// main is never invoked by the host; -buildmode=c-shared requires a
// main func to exist, but attach/detach happen entirely through
// init()/Detach above.
func main() {
	runtime.LockOSThread()
	select {}
}
