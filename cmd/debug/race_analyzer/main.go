// +build windows

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dbvbot/cmd/debug/internal/remotewalk"
	"dbvbot/offsets"
	"dbvbot/stability"
)

// sampleInterval is deliberately tighter than the pipe's own
// scanCycleInterval (16ms): the point of this tool is to catch the map
// mutating *between* two back-to-back walks, which a normal cadence
// would rarely surface.
const sampleInterval = 4 * time.Millisecond

func main() {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      RACE ANALYZER - Debug Tool       ║")
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println()

	if len(os.Args) < 4 {
		fmt.Println("usage: race_analyzer <process.exe> <module.dll> <hex-map-addr> [sample-count]")
		waitExit()
		return
	}
	mapAddrN, err := strconv.ParseUint(os.Args[3], 16, 64)
	if err != nil {
		fmt.Printf("[ERROR] bad map address: %v\n", err)
		waitExit()
		return
	}
	mapAddr := uintptr(mapAddrN)

	samples := 200
	if len(os.Args) >= 5 {
		if n, err := strconv.Atoi(os.Args[4]); err == nil && n > 0 {
			samples = n
		}
	}

	target, pid, err := remotewalk.Attach(os.Args[1], os.Args[2])
	if err != nil {
		fmt.Printf("[ERROR] attach failed: %v\n", err)
		waitExit()
		return
	}
	fmt.Printf("[OK] pid=%d module base=0x%X, sampling %d times\n", pid, target.ModuleBase, samples)

	reg := offsets.Defaults()
	h := &stability.Heuristic{}

	var prevCount int
	haveCount := false
	var churnEvents int

	for i := 0; i < samples; i++ {
		rows := target.WalkTree(mapAddr, reg, 0, false)
		now := time.Now()
		h.ObserveCount(len(rows), now)
		if haveCount && len(rows) != prevCount {
			churnEvents++
			fmt.Printf("[%4d] count %d -> %d (delta %+d)%s\n", i, prevCount, len(rows), len(rows)-prevCount, unstableTag(h, now))
		}
		prevCount = len(rows)
		haveCount = true
		time.Sleep(sampleInterval)
	}

	fmt.Printf("\n[OK] %d churn event(s) across %d samples\n", churnEvents, samples)
	waitExit()
}

func unstableTag(h *stability.Heuristic, now time.Time) string {
	if h.Unstable(now) {
		return " [unstable]"
	}
	return ""
}

func waitExit() {
	fmt.Println("\nPress Enter to exit...")
	fmt.Scanln()
}
