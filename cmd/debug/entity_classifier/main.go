// +build windows

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"dbvbot/cmd/debug/internal/remotewalk"
	"dbvbot/offsets"
)

// row is the JSON shape printed per classified creature, mirroring the
// pipe server's own snapshotRow (§4.8) so a captured dump here can be
// diffed against a live pipe session's output.
type row struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
	HP   uint8  `json:"hp"`
	X    uint32 `json:"x"`
	Y    uint32 `json:"y"`
	Z    uint32 `json:"z"`
	Addr string `json:"addr"`
}

func main() {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║   ENTITY CLASSIFIER - One-Shot Dump   ║")
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println()

	if len(os.Args) < 4 {
		fmt.Println("usage: entity_classifier <process.exe> <module.dll> <hex-map-addr> [hex-player-id]")
		waitExit()
		return
	}
	mapAddrN, err := strconv.ParseUint(os.Args[3], 16, 64)
	if err != nil {
		fmt.Printf("[ERROR] bad map address: %v\n", err)
		waitExit()
		return
	}

	var playerID uint32
	playerIDSet := false
	if len(os.Args) >= 5 {
		n, err := strconv.ParseUint(os.Args[4], 16, 32)
		if err == nil {
			playerID = uint32(n)
			playerIDSet = true
		}
	}

	target, pid, err := remotewalk.Attach(os.Args[1], os.Args[2])
	if err != nil {
		fmt.Printf("[ERROR] attach failed: %v\n", err)
		waitExit()
		return
	}
	fmt.Printf("[OK] pid=%d module base=0x%X\n", pid, target.ModuleBase)

	mapAddr := uintptr(mapAddrN)
	if !target.ValidateHeaderAt(mapAddr) {
		fmt.Printf("[WARN] 0x%X does not look like a plausible map header, continuing anyway\n", mapAddr)
	}

	reg := offsets.Defaults()
	rows := target.WalkTree(mapAddr, reg, playerID, playerIDSet)

	fmt.Printf("[OK] %d validated row(s)\n\n", len(rows))
	out := make([]row, 0, len(rows))
	for _, r := range rows {
		out = append(out, row{ID: r.ID, Name: r.Name, HP: r.Health, X: r.X, Y: r.Y, Z: r.Z, Addr: fmt.Sprintf("0x%X", r.Addr)})
	}
	enc, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(enc))

	waitExit()
}

func waitExit() {
	fmt.Println("\nPress Enter to exit...")
	fmt.Scanln()
}
