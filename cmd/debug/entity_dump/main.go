// +build windows

package main

import (
	"fmt"
	"os"
	"strconv"

	"dbvbot/cmd/debug/internal/remotewalk"
	"dbvbot/memory"
)

// entity_dump prints a raw hex dump of one creature object plus the
// sentinel/key/value decode of the tree node addr points at, for
// manually checking the node layout (§4.4 step 3) against a live target
// instead of trusting the walker's own decode.
func main() {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     ENTITY MEMORY DUMP TOOL           ║")
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println()

	if len(os.Args) < 4 {
		fmt.Println("usage: entity_dump <process.exe> <module.dll> <hex-node-addr>")
		waitExit()
		return
	}
	nodeAddrN, err := strconv.ParseUint(os.Args[3], 16, 64)
	if err != nil {
		fmt.Printf("[ERROR] bad node address: %v\n", err)
		waitExit()
		return
	}
	nodeAddr := uintptr(nodeAddrN)

	target, pid, err := remotewalk.Attach(os.Args[1], os.Args[2])
	if err != nil {
		fmt.Printf("[ERROR] attach failed: %v\n", err)
		waitExit()
		return
	}
	fmt.Printf("[OK] pid=%d module base=0x%X\n\n", pid, target.ModuleBase)

	buf := memory.ReadBytes(target.Handle, nodeAddr, 24)
	fmt.Println("node record (24 bytes):")
	for i := 0; i < len(buf); i += 16 {
		end := i + 16
		if end > len(buf) {
			end = len(buf)
		}
		fmt.Printf("  0x%08X: % X\n", uint64(nodeAddr)+uint64(i), buf[i:end])
	}

	left := memory.ReadU32(target.Handle, nodeAddr)
	parent := memory.ReadU32(target.Handle, nodeAddr+4)
	right := memory.ReadU32(target.Handle, nodeAddr+8)
	isNil := buf[13]
	// MSVC pads the 14-byte header to a 4-byte boundary, so key/value
	// start at +16, not immediately after the header at +14.
	key := memory.ReadU32(target.Handle, nodeAddr+16)
	value := memory.ReadU32(target.Handle, nodeAddr+20)
	fmt.Printf("\nleft=0x%X parent=0x%X right=0x%X isNil=%d key=0x%X value=0x%X\n",
		left, parent, right, isNil, key, value)

	if value != 0 && memory.IsValidPtr(value) {
		fmt.Println("\ncreature object (first 64 bytes):")
		obj := memory.ReadBytes(target.Handle, uintptr(value), 64)
		for i := 0; i < len(obj); i += 16 {
			end := i + 16
			if end > len(obj) {
				end = len(obj)
			}
			fmt.Printf("  0x%08X: % X\n", value+uint32(i), obj[i:end])
		}
	}

	waitExit()
}

func waitExit() {
	fmt.Println("\nPress Enter to exit...")
	fmt.Scanln()
}
