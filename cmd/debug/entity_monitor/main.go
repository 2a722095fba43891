// +build windows

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"dbvbot/cmd/debug/internal/remotewalk"
	"dbvbot/offsets"
)

// pollInterval is the tool's own sampling period; it is coarser than
// the pipe's 16ms scanCycleInterval (§4.8), so changes that come and go
// between two samples are not shown.
const pollInterval = 200 * time.Millisecond

func main() {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     ENTITY MONITOR - Debug Tool       ║")
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println()

	if len(os.Args) < 4 {
		fmt.Println("usage: entity_monitor <process.exe> <module.dll> <hex-map-addr>")
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

	target, pid, err := remotewalk.Attach(os.Args[1], os.Args[2])
	if err != nil {
		fmt.Printf("[ERROR] attach failed: %v\n", err)
		waitExit()
		return
	}
	fmt.Printf("[OK] pid=%d module base=0x%X watching map 0x%X\n", pid, target.ModuleBase, mapAddr)
	fmt.Println()

	reg := offsets.Defaults()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	known := map[uint32]string{}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			fmt.Println("\nstopped")
			return
		case <-ticker.C:
			rows := target.WalkTree(mapAddr, reg, 0, false)
			seen := make(map[uint32]bool, len(rows))
			for _, r := range rows {
				seen[r.ID] = true
				if _, ok := known[r.ID]; !ok {
					fmt.Printf("[+] %d %q hp=%d pos=(%d,%d,%d)\n", r.ID, r.Name, r.Health, r.X, r.Y, r.Z)
					known[r.ID] = r.Name
				}
			}
			for id, name := range known {
				if !seen[id] {
					fmt.Printf("[-] %d %q\n", id, name)
					delete(known, id)
				}
			}
		}
	}
}

func waitExit() {
	fmt.Println("\nPress Enter to exit...")
	fmt.Scanln()
}
