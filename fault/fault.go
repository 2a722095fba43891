// Package fault is the vectored-exception-handler-backed recovery layer
// (C3). It installs one process-wide VEH at attach, and exposes per-thread
// Context values that "arm" a protected region: if the armed thread faults
// while the region is live, the handler resumes execution at a known-safe
// address instead of letting the exception propagate into (and likely
// through) the host process.
//
// There is no teacher antecedent for AddVectoredExceptionHandler itself —
// the rest of this module's Win32 surface is reached through the same
// syscall.NewLazyDLL + NewProc idiom the teacher uses everywhere (see
// memsafe, moduleimage, hook), so this follows suit rather than reaching
// for a different binding style.
package fault

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	exceptionAccessViolation = 0xC0000005
	exceptionCppEh           = 0xE06D7363 // MSVC C++ typed-exception code
	exceptionContinueSearch  int32 = 0
)

// exceptionContinueExecution is a var (not a const) so that converting
// it to uintptr performs a runtime bit-pattern reinterpretation instead
// of a constant-range check, which the Go compiler rejects for negative
// constants converted to unsigned types.
var exceptionContinueExecution int32 = -1

var (
	kernel32                        = syscall.NewLazyDLL("kernel32.dll")
	procAddVectoredExceptionHandler = kernel32.NewProc("AddVectoredExceptionHandler")
	procVirtualAlloc                = kernel32.NewProc("VirtualAlloc")
)

// exceptionRecord / contextRecord / exceptionPointers mirror just the
// i386 WinNT.h fields this handler reads or writes. Offsets match the
// 32-bit CONTEXT layout (ContextFlags, then the segment regs, debug
// regs, FloatSave block, then Edi/Esi/Ebx/Edx/Ecx/Eax/Ebp/Eip/...).
type exceptionRecord struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uintptr
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [15]uintptr
}

type exceptionPointers struct {
	ExceptionRecord *exceptionRecord
	ContextRecord   uintptr // *CONTEXT, manipulated via raw offsets below
}

// CONTEXT (i386) field byte offsets we touch. Everything else is left
// untouched so the rest of the saved register file round-trips as-is.
const (
	ctxOffEbp = 0xB4
	ctxOffEip = 0xB8
	ctxOffEsp = 0xC4
)

// Context is a per-thread fault-recovery slot. There are exactly two
// live instances in this module: the scanner thread's and the UI
// thread's (see creaturemap and orchestrator).
type Context struct {
	armed      atomic.Bool
	threadID   atomic.Uint32
	resumeEip  atomic.Uint32
	resumeEsp  atomic.Uint32
	resumeEbp  atomic.Uint32
	faultCount atomic.Uint32
	lastFault  atomic.Int64 // unix nanos; no code in this module stores it

	// lastFaultAddr/lastFaultCode are written by vehCallback itself — plain
	// atomic stores, no formatting or I/O — so the handler stays
	// allocation-free. drainedCount trails faultCount; DrainFault compares
	// the two to find work without a lock.
	lastFaultAddr atomic.Uint32
	lastFaultCode atomic.Uint32
	drainedCount  atomic.Uint32
}

// FaultCount returns how many times this context has recovered a fault.
func (c *Context) FaultCount() uint32 { return c.faultCount.Load() }

// LastFaultUnixNano returns lastFault. Nothing in this module stores
// that field, so the result is always 0; recovered faults are counted
// by FaultCount and reported by DrainFault.
func (c *Context) LastFaultUnixNano() int64 { return c.lastFault.Load() }

// DrainFault reports the most recently recovered fault not yet drained, for
// a caller outside the handler (the scanner/pipe thread's own cycle, never
// vehCallback) to log. ok is false when nothing new has been recovered
// since the last call.
func (c *Context) DrainFault() (faultingAddr, exceptionCode uint32, ok bool) {
	total := c.faultCount.Load()
	if total == c.drainedCount.Load() {
		return 0, 0, false
	}
	c.drainedCount.Store(total)
	return c.lastFaultAddr.Load(), c.lastFaultCode.Load(), true
}

var (
	scannerCtx Context
	uiCtx      Context
)

// Scanner returns the scanner thread's fault context.
func Scanner() *Context { return &scannerCtx }

// UI returns the UI thread's fault context.
func UI() *Context { return &uiCtx }

var installOnce sync.Once
var handlerHandle uintptr

// Install registers the process-wide vectored exception handler at
// highest priority (first parameter 1). Safe to call more than once;
// only the first call installs a handler.
func Install() {
	installOnce.Do(func() {
		cb := syscall.NewCallback(vehCallback)
		h, _, _ := procAddVectoredExceptionHandler.Call(1, cb)
		handlerHandle = h
	})
}

// vehCallback is the first-chance exception callback. It must be
// allocation-free and must not call back into any code that could itself
// fault, since there is no handler for a fault inside the handler.
func vehCallback(info uintptr) uintptr {
	ep := (*exceptionPointers)(unsafe.Pointer(info))
	rec := ep.ExceptionRecord
	if rec == nil {
		return uintptr(exceptionContinueSearch)
	}

	tid := windows.GetCurrentThreadId()

	switch rec.ExceptionCode {
	case exceptionAccessViolation:
		if ctx, ok := armedContextFor(tid); ok {
			ctx.lastFaultAddr.Store(uint32(rec.ExceptionAddress))
			ctx.lastFaultCode.Store(rec.ExceptionCode)
			resume(ep.ContextRecord, ctx)
			ctx.faultCount.Add(1)
			return uintptr(exceptionContinueExecution)
		}
	case exceptionCppEh:
		// Only the UI thread's armed region is allowed to swallow a
		// typed C++ exception surfacing from the game's Lua bridge
		// (§4.3); the scanner thread never calls into game code that
		// raises these.
		if uiCtx.armed.Load() && uiCtx.threadID.Load() == tid {
			uiCtx.lastFaultAddr.Store(uint32(rec.ExceptionAddress))
			uiCtx.lastFaultCode.Store(rec.ExceptionCode)
			resume(ep.ContextRecord, &uiCtx)
			uiCtx.faultCount.Add(1)
			return uintptr(exceptionContinueExecution)
		}
	}
	return uintptr(exceptionContinueSearch)
}

func armedContextFor(tid uint32) (*Context, bool) {
	if scannerCtx.armed.Load() && scannerCtx.threadID.Load() == tid {
		return &scannerCtx, true
	}
	if uiCtx.armed.Load() && uiCtx.threadID.Load() == tid {
		return &uiCtx, true
	}
	return nil, false
}

func resume(contextRecordPtr uintptr, ctx *Context) {
	putU32 := func(off uintptr, v uint32) {
		*(*uint32)(unsafe.Pointer(contextRecordPtr + off)) = v
	}
	putU32(ctxOffEip, ctx.resumeEip.Load())
	putU32(ctxOffEsp, ctx.resumeEsp.Load())
	putU32(ctxOffEbp, ctx.resumeEbp.Load())
	ctx.armed.Store(false)
}

// Guarded runs fn (which must not itself call back into Go code capable
// of faulting in a way this package doesn't know about) as an armed
// region: ctx.armed is set before fn runs and cleared immediately after,
// satisfying invariant 3 (§8) unconditionally, including the normal
// (non-faulting) exit path.
//
// Guarded does not, by itself, give fn a safe resume point inside a
// Win32 call — that is what GuardedCall/GuardedCall2 (below) are for when
// fn is actually a call into a hand-assembled cave. Guarded is the simpler
// form used to bound a pure-Go read loop (e.g. one tree-walk cycle) against an
// external fault signalled asynchronously by resume having already
// fired for a *previous* armed call within the same cycle.
func (c *Context) Guarded(fn func()) {
	c.threadID.Store(windows.GetCurrentThreadId())
	c.armed.Store(true)
	fn()
	c.armed.Store(false)
}

// Arm records the thread id and resume point (eip/esp/ebp captured by
// the caller, typically a cave that snapshots its own registers
// immediately before transferring control) and marks the region live.
// Disarm must be called on every exit path, faulting or not.
func (c *Context) Arm(resumeEip, resumeEsp, resumeEbp uint32) {
	c.threadID.Store(windows.GetCurrentThreadId())
	c.resumeEip.Store(resumeEip)
	c.resumeEsp.Store(resumeEsp)
	c.resumeEbp.Store(resumeEbp)
	c.armed.Store(true)
}

// Disarm clears the armed flag. Idempotent.
func (c *Context) Disarm() {
	c.armed.Store(false)
}

// --- guarded call cave -------------------------------------------------
//
// GuardedCall invokes a __thiscall(this, arg) target address from inside
// a freshly hand-assembled cave, recording esp/ebp/the post-call resume
// eip into ctx immediately before the call so the VEH can resume cleanly
// if target faults partway through. Built the same way target/set_target.go
// builds its per-call shellcode in the teacher: a small byte buffer with
// the call-specific addresses embedded as immediates, written into a
// fresh VirtualAlloc'd executable page, invoked once and freed.
//
// A fresh cave per call (rather than one reusable cave with rewritten
// immediates) keeps this simple and matches the teacher's own style:
// set_target.go allocates and frees a new buffer on every SetTarget call
// instead of caching a trampoline.
func GuardedCall(ctx *Context, thisPtr, arg, targetAddr uintptr) (result uintptr, faulted bool) {
	const size = 128
	page, _, _ := procVirtualAlloc.Call(0, size, 0x1000|0x2000, 0x40)
	if page == 0 {
		return 0, true
	}
	defer windows.VirtualFree(page, 0, 0x8000)

	espAddr := uintptr(unsafe.Pointer(&ctx.resumeEsp))
	ebpAddr := uintptr(unsafe.Pointer(&ctx.resumeEbp))
	eipAddr := uintptr(unsafe.Pointer(&ctx.resumeEip))
	armedAddr := uintptr(unsafe.Pointer(&ctx.armed))

	code := make([]byte, 0, size)
	put := func(b ...byte) { code = append(code, b...) }
	putU32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		code = append(code, tmp[:]...)
	}

	put(0x55)             // push ebp
	put(0x8B, 0xEC)       // mov ebp, esp
	put(0x8B, 0x4D, 0x08) // mov ecx, [ebp+8]   ; this
	put(0x8B, 0x55, 0x0C) // mov edx, [ebp+12]  ; arg
	put(0xB8)             // mov eax, targetAddr
	putU32(uint32(targetAddr))

	put(0x89, 0x25) // mov [espAddr], esp
	putU32(uint32(espAddr))
	put(0x89, 0x2D) // mov [ebpAddr], ebp
	putU32(uint32(ebpAddr))

	// resume eip = address of the instruction right after CALL eax,
	// computed below once we know how many bytes precede it.
	eipImmPos := len(code) + 2
	put(0xC7, 0x05) // mov dword [eipAddr], imm32
	putU32(uint32(eipAddr))
	putU32(0) // placeholder, patched below

	put(0xC6, 0x05) // mov byte [armedAddr], 1
	putU32(uint32(armedAddr))
	put(0x01)

	put(0x52)       // push edx
	put(0xFF, 0xD0) // call eax
	resumeOffset := len(code)

	put(0xC6, 0x05) // mov byte [armedAddr], 0
	putU32(uint32(armedAddr))
	put(0x00)

	// leave (not "add esp,4; pop ebp"): on a forced resume the VEH sets
	// esp/ebp back to the pre-call snapshot, which predates the "push edx"
	// above, so an arithmetic esp fixup here would be off by the pushed
	// arg's width. `leave` derives esp from ebp instead and is correct
	// regardless of how many bytes were pushed between the snapshot and
	// the fault (same reasoning as GuardedCall2's epilogue below).
	put(0xC9) // leave  (eax still holds the call result)
	put(0xC3) // ret

	resumeEip := uint32(page) + uint32(resumeOffset)
	binary.LittleEndian.PutUint32(code[eipImmPos+4:eipImmPos+8], resumeEip)
	_ = eipImmPos

	for len(code) < size {
		code = append(code, 0x90)
	}

	buf := (*[size]byte)(unsafe.Pointer(page))
	copy(buf[:], code)

	before := ctx.faultCount.Load()
	r, _, _ := syscall.SyscallN(page, thisPtr, arg)
	after := ctx.faultCount.Load()
	ctx.armed.Store(false)
	return r, after != before
}

// GuardedCall2 is GuardedCall for a __thiscall(this, arg1, arg2) target
// (the send-attack function's identifier+sequence signature, §4.7 step
// 7). Argument push order is right-to-left per the calling convention.
func GuardedCall2(ctx *Context, thisPtr, arg1, arg2, targetAddr uintptr) (result uintptr, faulted bool) {
	const size = 144
	page, _, _ := procVirtualAlloc.Call(0, size, 0x1000|0x2000, 0x40)
	if page == 0 {
		return 0, true
	}
	defer windows.VirtualFree(page, 0, 0x8000)

	espAddr := uintptr(unsafe.Pointer(&ctx.resumeEsp))
	ebpAddr := uintptr(unsafe.Pointer(&ctx.resumeEbp))
	eipAddr := uintptr(unsafe.Pointer(&ctx.resumeEip))
	armedAddr := uintptr(unsafe.Pointer(&ctx.armed))

	code := make([]byte, 0, size)
	put := func(b ...byte) { code = append(code, b...) }
	putU32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		code = append(code, tmp[:]...)
	}

	put(0x55)             // push ebp
	put(0x8B, 0xEC)       // mov ebp, esp
	put(0x8B, 0x4D, 0x08) // mov ecx, [ebp+8]   ; this
	put(0x8B, 0x55, 0x0C) // mov edx, [ebp+12]  ; arg1
	put(0x8B, 0x45, 0x10) // mov eax, [ebp+16]  ; arg2
	put(0x89, 0x45, 0xFC) // mov [ebp-4], eax   ; stash arg2 (reserved below)
	put(0x83, 0xEC, 0x04) // sub esp, 4         ; reserve [ebp-4]

	put(0xB8) // mov eax, targetAddr
	putU32(uint32(targetAddr))

	put(0x89, 0x25) // mov [espAddr], esp
	putU32(uint32(espAddr))
	put(0x89, 0x2D) // mov [ebpAddr], ebp
	putU32(uint32(ebpAddr))

	eipImmPos := len(code) + 2
	put(0xC7, 0x05) // mov dword [eipAddr], imm32
	putU32(uint32(eipAddr))
	putU32(0)

	put(0xC6, 0x05) // mov byte [armedAddr], 1
	putU32(uint32(armedAddr))
	put(0x01)

	put(0xFF, 0x75, 0xFC) // push [ebp-4]   ; arg2
	put(0x52)             // push edx       ; arg1
	put(0xFF, 0xD0)       // call eax
	resumeOffset := len(code)
	put(0x83, 0xC4, 0x08) // add esp, 8

	put(0xC6, 0x05) // mov byte [armedAddr], 0
	putU32(uint32(armedAddr))
	put(0x00)

	put(0xC9) // leave
	put(0xC3) // ret

	resumeEip := uint32(page) + uint32(resumeOffset)
	binary.LittleEndian.PutUint32(code[eipImmPos+4:eipImmPos+8], resumeEip)

	for len(code) < size {
		code = append(code, 0x90)
	}

	buf := (*[size]byte)(unsafe.Pointer(page))
	copy(buf[:], code)

	before := ctx.faultCount.Load()
	r, _, _ := syscall.SyscallN(page, thisPtr, arg1, arg2)
	after := ctx.faultCount.Load()
	ctx.armed.Store(false)
	return r, after != before
}
