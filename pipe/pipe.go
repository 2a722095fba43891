// Package pipe is the Pipe Server (C9): a single-connection, duplex,
// byte-stream named pipe that dispatches newline-delimited JSON commands
// and streams newline-delimited JSON snapshots back. Grounded on
// original_source/dll/dbvbot.cpp's pipe_thread (CreateNamedPipe loop,
// PIPE_NOWAIT read, per-session state reset) and on vram's pipes.go for
// the Go CreateNamedPipe/ConnectNamedPipe/ReadFile idiom, generalized
// from vram's fixed binary struct to dbvbot's newline-delimited JSON
// wire format.
package pipe

import (
	"bytes"
	"encoding/json"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"dbvbot/applog"
	"dbvbot/creaturemap"
	"dbvbot/fault"
	"dbvbot/hook"
	"dbvbot/moduleimage"
	"dbvbot/offsets"
	"dbvbot/orchestrator"
	"dbvbot/stability"
)

const (
	pipeName = `\\.\pipe\dbvbot`
	bufSize  = 65536

	// Session loop cadences: a walker cycle every scanCycleInterval
	// (§4.8: "~16ms when in map-scan mode"), a snapshot write every
	// sendInterval (~60 Hz), and a pollSleep pause between loop passes.
	// The heap-scan fallback's own fast/full split lives in
	// creaturemap/heapscan.go.
	scanCycleInterval = 16 * time.Millisecond
	sendInterval      = 16 * time.Millisecond
	pollSleep         = 4 * time.Millisecond
)

const (
	pipeAccessDuplex = 0x00000003
	pipeTypeByte     = 0x00000000
	pipeWait         = 0x00000000
	pipeNoWait       = 0x00000001
	errorNoData      = 232
)

var (
	kernel32                    = syscall.NewLazyDLL("kernel32.dll")
	procCreateNamedPipeW        = kernel32.NewProc("CreateNamedPipeW")
	procConnectNamedPipe        = kernel32.NewProc("ConnectNamedPipe")
	procDisconnectNamedPipe     = kernel32.NewProc("DisconnectNamedPipe")
	procSetNamedPipeHandleState = kernel32.NewProc("SetNamedPipeHandleState")
	procReadFile                = kernel32.NewProc("ReadFile")
	procWriteFile               = kernel32.NewProc("WriteFile")
	procCloseHandle             = kernel32.NewProc("CloseHandle")
)

// Server owns every long-lived piece of state the pipe's commands act
// on: the module image, offset registry, creature-map walker, hook
// manager, stability heuristic, and targeting orchestrator. One Server
// runs for the process lifetime; sessions (one per connection) reset
// their own state on disconnect, but the discovered map address
// survives across sessions (§4.8).
type Server struct {
	img       *moduleimage.Image
	reg       *offsets.Registry
	walker    *creaturemap.Walker
	hooks     *hook.Manager
	heuristic *stability.Heuristic
	orch      *orchestrator.Orchestrator
	logs      *applog.Logs

	// dispatchAddr is the C-ABI callback address the XTEA cave calls on
	// every encrypt-fire (§4.5 step 5) — a syscall.NewCallback wrapping
	// the orchestrator's UI-thread entry, built by the caller to avoid
	// hook importing orchestrator directly.
	dispatchAddr uintptr

	// xteaRingIdx is this server's drain cursor into the XTEA hook's
	// capture ring (§4.5/§7: "the pipe thread drains independently").
	xteaRingIdx uint32

	running atomic.Bool
}

func New(img *moduleimage.Image, reg *offsets.Registry, walker *creaturemap.Walker, hooks *hook.Manager, heuristic *stability.Heuristic, orch *orchestrator.Orchestrator, logs *applog.Logs, dispatchAddr uintptr) *Server {
	return &Server{img: img, reg: reg, walker: walker, hooks: hooks, heuristic: heuristic, orch: orch, logs: logs, dispatchAddr: dispatchAddr}
}

// Stop causes the server's accept loop to exit after the current
// session ends (the `stop` command).
func (s *Server) Stop() { s.running.Store(false) }

// Run accepts connections forever (until Stop), one at a time, resetting
// session state between them (§4.8). It is meant to run on its own
// goroutine for the process lifetime.
func (s *Server) Run() {
	s.running.Store(true)
	for s.running.Load() {
		handle, ok := createPipe()
		if !ok {
			s.logs.Debugf("pipe", "CreateNamedPipe failed")
			time.Sleep(time.Second)
			continue
		}

		if !connect(handle) {
			procCloseHandle.Call(handle)
			continue
		}
		s.logs.Debugf("pipe", "client connected")

		setNoWait(handle)
		s.runSession(handle)

		procDisconnectNamedPipe.Call(handle)
		procCloseHandle.Call(handle)
		s.resetSession()
		s.logs.Debugf("pipe", "session ended")
	}
}

func createPipe() (uintptr, bool) {
	namePtr, err := syscall.UTF16PtrFromString(pipeName)
	if err != nil {
		return 0, false
	}
	h, _, _ := procCreateNamedPipeW.Call(
		uintptr(unsafe.Pointer(namePtr)),
		uintptr(pipeAccessDuplex),
		uintptr(pipeTypeByte|pipeWait),
		1, bufSize, bufSize, 0, 0,
	)
	if h == 0 || h == ^uintptr(0) {
		return 0, false
	}
	return h, true
}

func connect(handle uintptr) bool {
	ret, _, errno := procConnectNamedPipe.Call(handle, 0)
	if ret != 0 {
		return true
	}
	return errno == syscall.Errno(535) // ERROR_PIPE_CONNECTED
}

func setNoWait(handle uintptr) {
	mode := uint32(pipeNoWait)
	procSetNamedPipeHandleState.Call(handle, uintptr(unsafe.Pointer(&mode)), 0, 0)
}

// resetSession resets the player identifier to 0 (§4.8). Nothing else
// is reset: the heap-scan candidate cache and the discovered map
// address carry over to the next session.
func (s *Server) resetSession() {
	s.walker.SetPlayerID(0)
}

// runSession drives one connection's command loop: non-blocking reads
// dispatched line by line, a scanner cycle on scanCycleInterval, and a
// snapshot write on sendInterval. Returns when the client disconnects.
func (s *Server) runSession(handle uintptr) {
	var lineBuf bytes.Buffer
	readBuf := make([]byte, 4096)

	lastScan := time.Time{}
	lastSend := time.Time{}

	for s.running.Load() {
		var nread uint32
		ok, _, errno := procReadFile.Call(handle, uintptr(unsafe.Pointer(&readBuf[0])), uintptr(len(readBuf)), uintptr(unsafe.Pointer(&nread)), 0)
		if ok != 0 && nread > 0 {
			lineBuf.Write(readBuf[:nread])
			s.drainLines(handle, &lineBuf)
		} else if ok == 0 && errno != syscall.Errno(errorNoData) {
			return // client gone
		}

		now := time.Now()
		if now.Sub(lastScan) >= scanCycleInterval {
			if s.walker.Cycle() {
				s.heuristic.RecordScannerFault(now)
			}
			s.heuristic.ObserveCount(len(s.walker.Snapshot()), now)
			lastScan = now
		}

		s.drainFaults()
		s.drainXTEACalls()

		if now.Sub(lastSend) >= sendInterval {
			if !s.writeSnapshot(handle) {
				return
			}
			lastSend = now
		}

		time.Sleep(pollSleep)
	}
}

// drainFaults logs any fault recovered since the last check on either of
// the two live FaultContexts (§4.11/C12: crash.log is "written to
// exclusively by C3's drain path", never from vehCallback itself, which
// stays allocation-free).
func (s *Server) drainFaults() {
	if addr, code, ok := fault.Scanner().DrainFault(); ok {
		s.logCrash("scanner", addr, code)
	}
	if addr, code, ok := fault.UI().DrainFault(); ok {
		s.logCrash("ui", addr, code)
	}
}

func (s *Server) logCrash(threadRole string, faultingAddr, exceptionCode uint32) {
	rva := uintptr(faultingAddr)
	if s.img != nil && uintptr(faultingAddr) >= s.img.Base {
		rva -= s.img.Base
	}
	s.logs.Crash(threadRole, rva, exceptionCode,
		int(fault.Scanner().FaultCount()), int(fault.UI().FaultCount()), s.heuristic.LastCountDelta())
}

// drainXTEACalls drains every capture-ring entry written since this
// server's own cursor and logs each one (§4.11/C12: xtea_calls.log is
// "written to exclusively by C9's drain of C6's XTEA ring buffer").
func (s *Server) drainXTEACalls() {
	pairs, newIdx := s.hooks.DrainCaptureRing(s.xteaRingIdx)
	s.xteaRingIdx = newIdx
	for _, p := range pairs {
		s.logs.XTEACall(p.CallerRVA, p.GrandCallerRVA)
	}
}

// drainLines splits buffered bytes on '\n', dispatching each complete
// line as one command, leaving any partial trailing line buffered.
func (s *Server) drainLines(handle uintptr, buf *bytes.Buffer) {
	data := buf.Bytes()
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[start:i]
			s.dispatch(handle, string(bytes.TrimRight(line, "\r")))
			start = i + 1
		}
	}
	remainder := append([]byte(nil), data[start:]...)
	buf.Reset()
	buf.Write(remainder)
}

// writeLine writes one JSON-terminated-by-newline message immediately,
// used for diagnostic command replies (outside the periodic snapshot
// cadence).
func (s *Server) writeLine(handle uintptr, v any) {
	out, err := json.Marshal(v)
	if err != nil {
		return
	}
	out = append(out, '\n')
	var written uint32
	procWriteFile.Call(handle, uintptr(unsafe.Pointer(&out[0])), uintptr(len(out)), uintptr(unsafe.Pointer(&written)), 0)
}

type snapshotRow struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
	HP   uint8  `json:"hp"`
	X    uint32 `json:"x"`
	Y    uint32 `json:"y"`
	Z    uint32 `json:"z"`
}

// writeSnapshot streams the outbound array form §6 specifies directly
// (`[ {id, name, hp, x, y, z}, ... ]`), not wrapped in an envelope
// object — one JSON array per line, at the snapshot cadence.
func (s *Server) writeSnapshot(handle uintptr) bool {
	rows := s.walker.Snapshot()
	msg := make([]snapshotRow, 0, len(rows))
	for _, r := range rows {
		msg = append(msg, snapshotRow{ID: r.ID, Name: r.Name, HP: r.Health, X: r.X, Y: r.Y, Z: r.Z})
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	out = append(out, '\n')

	var written uint32
	ret, _, _ := procWriteFile.Call(handle, uintptr(unsafe.Pointer(&out[0])), uintptr(len(out)), uintptr(unsafe.Pointer(&written)), 0)
	return ret != 0
}
