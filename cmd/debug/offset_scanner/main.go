// +build windows

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"dbvbot/applog"
	"dbvbot/cmd/debug/internal/remotewalk"
	"dbvbot/memory"
	"dbvbot/offsets"
)

var (
	target     remotewalk.Target
	reg        *offsets.Registry
	attackAddr uintptr
)

func main() {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║   OFFSET SCANNER - Interactive        ║")
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println()

	processName := "client.exe"
	moduleName := "client.exe"
	if len(os.Args) > 1 {
		processName = os.Args[1]
		moduleName = os.Args[1]
	}
	if len(os.Args) > 2 {
		moduleName = os.Args[2]
	}

	t, pid, err := remotewalk.Attach(processName, moduleName)
	if err != nil {
		fmt.Printf("[ERROR] attach failed: %v\n", err)
		waitExit()
		return
	}
	target = t
	fmt.Printf("[OK] pid=%d module base=0x%X\n", pid, target.ModuleBase)

	reg = offsets.Defaults()
	logs, _ := applog.Open(".")
	if logs != nil {
		defer logs.Close()
	}

	fmt.Println()
	fmt.Println("Commands: setoff <field> <hex>, locate, candidates <hex-rva>,")
	fmt.Println("          validate <hex-addr>, read32 <hex-addr>, write32 <hex-addr> <hex-value>,")
	fmt.Println("          dump <hex-addr> <size>, quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return
		case "setoff":
			cmdSetOff(fields)
		case "locate":
			cmdLocate()
		case "candidates":
			cmdCandidates(fields)
		case "validate":
			cmdValidate(fields)
		case "read32":
			cmdRead32(fields)
		case "write32":
			cmdWrite32(fields)
		case "dump":
			cmdDump(fields)
		default:
			fmt.Println("unknown command")
		}
	}
}

func cmdSetOff(fields []string) {
	if len(fields) != 3 {
		fmt.Println("usage: setoff <field> <hex>")
		return
	}
	n, err := strconv.ParseInt(fields[2], 16, 64)
	if err != nil {
		fmt.Printf("bad hex value: %v\n", err)
		return
	}
	if fields[1] == "attack_func" {
		attackAddr = target.RVA(uint32(n))
	}
	reg.Update(map[string]int64{fields[1]: n})
	fmt.Println("[OK] set")
}

// cmdLocate runs the same sequence as the in-process Map Locator
// against the remote target, printing each step's outcome instead of
// silently returning the first hit.
func cmdLocate() {
	if attackAddr == 0 {
		fmt.Println("[ERROR] set off attack_func first (setoff attack_func <rva>)")
		return
	}
	buf := memory.ReadBytes(target.Handle, attackAddr, 64)
	cands := remotewalk.ExtractAbsoluteOperands(buf)
	fmt.Printf("[..] %d candidate operand(s) extracted from prologue\n", len(cands))
	for _, c := range cands {
		if addr, ok := target.ValidateCandidate(uintptr(c)); ok {
			fmt.Printf("[OK] map header located at 0x%X (from operand 0x%X)\n", addr, c)
			return
		}
	}
	fmt.Println("[..] no prologue operand validated, scanning data section...")
	limit := uint32(0x200000)
	for off := uint32(0); off+4 <= limit; off += 4 {
		addr := target.RVA(off)
		if target.ValidateHeaderAt(addr) {
			fmt.Printf("[OK] map header located at 0x%X via data-section scan\n", addr)
			return
		}
	}
	fmt.Println("[FAIL] no header found")
}

func cmdCandidates(fields []string) {
	addr := attackAddr
	if len(fields) == 2 {
		n, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			fmt.Printf("bad hex: %v\n", err)
			return
		}
		addr = target.RVA(uint32(n))
	}
	if addr == 0 {
		fmt.Println("usage: candidates <hex-rva> (or setoff attack_func first)")
		return
	}
	buf := memory.ReadBytes(target.Handle, addr, 64)
	cands := remotewalk.ExtractAbsoluteOperands(buf)
	for _, c := range cands {
		fmt.Printf("  0x%08X\n", c)
	}
	fmt.Printf("[OK] %d candidate(s)\n", len(cands))
}

func cmdValidate(fields []string) {
	if len(fields) != 2 {
		fmt.Println("usage: validate <hex-addr>")
		return
	}
	n, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		fmt.Printf("bad hex: %v\n", err)
		return
	}
	if target.ValidateHeaderAt(uintptr(n)) {
		fmt.Println("[OK] plausible map header")
	} else {
		fmt.Println("[FAIL] not a plausible header")
	}
}

func cmdRead32(fields []string) {
	if len(fields) != 2 {
		fmt.Println("usage: read32 <hex-addr>")
		return
	}
	n, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		fmt.Printf("bad hex: %v\n", err)
		return
	}
	v := memory.ReadU32(target.Handle, uintptr(n))
	fmt.Printf("0x%X -> 0x%08X (%d)\n", n, v, v)
}

// cmdWrite32 is the remote-handle analogue of the pipe's write_mem
// diagnostic command, for patching a candidate field by hand while
// scanning (e.g. forcing an attacking-creature slot back to zero).
func cmdWrite32(fields []string) {
	if len(fields) != 3 {
		fmt.Println("usage: write32 <hex-addr> <hex-value>")
		return
	}
	addr, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		fmt.Printf("bad addr: %v\n", err)
		return
	}
	val, err := strconv.ParseUint(fields[2], 16, 32)
	if err != nil {
		fmt.Printf("bad value: %v\n", err)
		return
	}
	var buf [4]byte
	buf[0] = byte(val)
	buf[1] = byte(val >> 8)
	buf[2] = byte(val >> 16)
	buf[3] = byte(val >> 24)
	if memory.WriteBytes(target.Handle, uintptr(addr), buf[:]) {
		fmt.Println("[OK] written")
	} else {
		fmt.Println("[FAIL] write failed")
	}
}

func cmdDump(fields []string) {
	if len(fields) != 3 {
		fmt.Println("usage: dump <hex-addr> <size>")
		return
	}
	addr, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		fmt.Printf("bad addr: %v\n", err)
		return
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil || size <= 0 || size > 4096 {
		fmt.Println("bad size (1..4096)")
		return
	}
	buf := memory.ReadBytes(target.Handle, uintptr(addr), size)
	for i := 0; i < len(buf); i += 16 {
		end := i + 16
		if end > len(buf) {
			end = len(buf)
		}
		fmt.Printf("0x%08X: % X\n", uint64(addr)+uint64(i), buf[i:end])
	}
}

func waitExit() {
	fmt.Println("\nPress Enter to exit...")
	fmt.Scanln()
}
