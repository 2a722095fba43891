// Package applog owns the three append-only log sinks described in §6:
// a main debug trace, a crash log fed by the fault-recovery core, and an
// XTEA-hook caller log drained from the capture ring. None of the three
// is part of the pipe contract; they exist for offline post-mortem only.
package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logs bundles the three sinks. Each is written from exactly one owning
// goroutine in normal operation (the pipe/scanner thread), so no
// additional locking is needed beyond the file's own sequential writes;
// the mutex below only guards against the rare case of a debug line
// logged from a second goroutine (e.g. an //export detach callback).
type Logs struct {
	mu     sync.Mutex
	debug  *os.File
	crash  *os.File
	xtea   *os.File
}

// Open creates (or appends to) the three sinks inside dir, the install
// directory recorded at attach. A failure to open any individual sink is
// not fatal to the others.
func Open(dir string) (*Logs, error) {
	l := &Logs{}
	var firstErr error
	open := func(name string) *os.File {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return f
	}
	l.debug = open("debug.log")
	l.crash = open("crash.log")
	l.xtea = open("xtea_calls.log")
	return l, firstErr
}

// Close closes whichever sinks opened successfully.
func (l *Logs) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range []*os.File{l.debug, l.crash, l.xtea} {
		if f != nil {
			f.Close()
		}
	}
}

func (l *Logs) write(f *os.File, tag, format string, args ...any) {
	line := fmt.Sprintf("[%s] %s\n", tag, fmt.Sprintf(format, args...))
	fmt.Print(line) // mirrors the teacher's console [TAG] convention
	if f == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(f, "%s %s", time.Now().Format(time.RFC3339Nano), line)
}

// Debugf writes a trace line to debug.log (and stdout, matching the
// teacher's habit of always echoing [TAG] lines to the console).
func (l *Logs) Debugf(tag, format string, args ...any) {
	l.write(l.debug, tag, format, args...)
}

// Crash records one recovered-fault entry: thread role, faulting RVA,
// exception code, and the Stability Heuristic's counters at the time.
func (l *Logs) Crash(threadRole string, faultingRVA uintptr, exceptionCode uint32, scannerFaults, attackFaults, lastCountDelta int) {
	l.write(l.crash, "CRASH", "thread=%s rva=0x%X code=0x%X scannerFaults=%d attackFaults=%d lastCountDelta=%d",
		threadRole, faultingRVA, exceptionCode, scannerFaults, attackFaults, lastCountDelta)
}

// XTEACall records one drained capture-ring entry.
func (l *Logs) XTEACall(callerRVA, grandCallerRVA uint32) {
	l.write(l.xtea, "XTEA", "caller=0x%X grand_caller=0x%X", callerRVA, grandCallerRVA)
}
