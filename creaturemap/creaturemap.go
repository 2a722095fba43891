// Package creaturemap is the Creature-Map Walker (C4): an in-order
// traversal of the game's live std::map<uint32, Creature*>, producing a
// validated CreatureSnapshot each cycle. Lifecycle mirrors the teacher's
// esp.AllEntitiesManager (Start/Stop/Pause/Resume around a cached
// snapshot behind a mutex) generalized from a hook-capture source to a
// tree-walk source, plus the heap-scan fallback mode original_source's
// dbvbot.cpp falls back to when no map has been located.
package creaturemap

import (
	"sync"
	"time"

	"dbvbot/fault"
	"dbvbot/memsafe"
	"dbvbot/moduleimage"
	"dbvbot/offsets"
)

const (
	// MinCreatureID / MaxCreatureID bound the creature-id window,
	// carried over unchanged from original_source/dll/dbvbot.cpp.
	MinCreatureID uint32 = 0x10000000
	MaxCreatureID uint32 = 0x80000000

	MaxCreatures    = 200
	MaxNodeVisits   = 500
	MaxElementCount = 500

	worldBoundXY = 65535
	worldBoundZ  = 15
)

// Snapshot is one published row. Field order/meaning matches §3 exactly.
type Snapshot struct {
	ID          uint32
	Name        string
	Health      uint8 // 0..100
	X, Y, Z     uint32
	IDFieldAddr uintptr // stability token for the fast re-read path
}

// sentinelNode mirrors the MSVC std::map sentinel/node layout (§3):
// left, parent, right pointers, then color (1 byte), isNil (1 byte),
// then (for real nodes) a 4-byte key followed by a 4-byte value.
type sentinelNode struct {
	left, parent, right uintptr
	color, isNil        uint8
}

const nodeHeaderSize = 4 + 4 + 4 + 1 + 1 // left/parent/right + color + isNil, unaligned read window
const nodeRecordSize = 24                // full node record per §4.4 step 3

// MSVC pads the 14-byte header to a 4-byte boundary before the
// std::pair<uint32,Creature*> payload, hence key/value start at 16, not
// immediately after the 14-byte header at 14.
const nodeKeyOffset = 16
const nodeValueOffset = 20

// Walker owns the discovered map address, current mode, and the staging
// buffer swap that gives readers torn-free snapshots (§5).
type Walker struct {
	img *moduleimage.Image
	reg *offsets.Registry

	mapAddr     uintptr // 0 until Locate succeeds
	mapScanMode bool    // tree-walk vs heap-scan

	playerID    uint32
	playerIDSet bool

	mu       sync.Mutex
	snapshot []Snapshot

	heap heapScanState
}

func New(img *moduleimage.Image, reg *offsets.Registry) *Walker {
	return &Walker{img: img, reg: reg}
}

// SetPlayerID switches position-offset selection (the `init` command).
func (w *Walker) SetPlayerID(id uint32) {
	w.playerID = id
	w.playerIDSet = true
}

// SetMapScanMode toggles tree-walk vs heap-scan (`use_map_scan`).
func (w *Walker) SetMapScanMode(enabled bool) {
	w.mapScanMode = enabled
}

// MapAddr reports the discovered map header address, or 0 if none.
func (w *Walker) MapAddr() uintptr { return w.mapAddr }

// SetMapAddr is used by the Map Locator (C5) once it validates a
// candidate; it survives session reconnection (§4.8) because the Walker
// itself outlives pipe sessions.
func (w *Walker) SetMapAddr(addr uintptr) { w.mapAddr = addr }

// ResetMapAddr auto-reverts tree-walk mode to heap-scan after repeated
// walk failures (§7): clears the discovered address and disables
// mapScanMode, requiring an explicit scan_gmap to re-enter tree mode.
func (w *Walker) ResetMapAddr() {
	w.mapAddr = 0
	w.mapScanMode = false
}

// Snapshot returns a copy of the most recently published rows.
func (w *Walker) Snapshot() []Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Snapshot, len(w.snapshot))
	copy(out, w.snapshot)
	return out
}

func (w *Walker) publish(rows []Snapshot) {
	w.mu.Lock()
	w.snapshot = rows
	w.mu.Unlock()
}

// consecutiveFaultRevertThreshold counts faulted cycles before the
// auto-revert-to-heap-scan kicks in (§7 "repeated failures within a
// short window" — not further quantified by the spec, so this module
// picks 3 consecutive cycle faults, matching the conservative cadence
// dbvbot.cpp's own fast/full scan split implies).
const consecutiveFaultRevertThreshold = 3

// consecutiveFaultsField is reset to 0 on any successful cycle. Touched only
// from the scanner thread, so a plain counter (not atomic) is correct.
var consecutiveFaultsField cycleFaultCounter

type cycleFaultCounter struct{ n uint32 }

func (c *cycleFaultCounter) inc() uint32 { c.n++; return c.n }
func (c *cycleFaultCounter) reset()      { c.n = 0 }

// Cycle runs one walk (tree mode) or one heap-scan pass (fallback mode)
// and publishes the result. It is the unit of work the scanner/pipe
// thread (C9) drives on its cadence. The returned bool tells the caller
// whether this cycle recovered a fault, for the Stability Heuristic and
// crash-log bookkeeping (§4.9/§4.11) that live outside this package.
func (w *Walker) Cycle() (faulted bool) {
	if w.mapScanMode && w.mapAddr != 0 {
		rows, faulted := w.walkTree()
		if faulted {
			if consecutiveFaultsField.inc() >= consecutiveFaultRevertThreshold {
				w.ResetMapAddr()
				consecutiveFaultsField.reset()
			}
			return true // current cycle abandoned, previous snapshot stands
		}
		consecutiveFaultsField.reset()
		w.publish(rows)
		return false
	}
	w.publish(w.heapScanCycle())
	return false
}

// walkTree executes the in-order traversal inside an armed FaultContext
// (C3): a resumed fault aborts the cycle cleanly via the faulted return,
// and the caller (Cycle) treats that identically to "skip this cycle".
func (w *Walker) walkTree() (rows []Snapshot, faulted bool) {
	ctx := fault.Scanner()
	var didFault bool
	ctx.Guarded(func() {
		rows, didFault = w.walkTreeInner()
	})
	return rows, didFault
}

func (w *Walker) walkTreeInner() (rows []Snapshot, faulted bool) {
	header, ok := w.readHeader(w.mapAddr)
	if !ok {
		return nil, false
	}

	rows = make([]Snapshot, 0, MaxCreatures)

	node := header.sentinel.left
	visits := 0
	for node != 0 && node != w.mapAddr && visits < MaxNodeVisits {
		visits++
		rec, ok := w.readNode(node)
		if !ok {
			return rows, true
		}
		if rec.isNil == 1 {
			break
		}

		if len(rows) < MaxCreatures {
			if row, ok := w.validateAndExtract(rec.key, rec.value); ok {
				rows = append(rows, row)
			}
		}

		node = w.successor(rec)
	}

	return rows, false
}

type mapHeader struct {
	sentinel sentinelNode
	count    uint32
}

// readHeader implements §4.4 step 1: sentinel pointer + element count,
// rejecting an implausible count or a structurally invalid sentinel.
func (w *Walker) readHeader(addr uintptr) (mapHeader, bool) {
	sentinelPtr, ok := memsafe.ReadU32(addr)
	if !ok {
		return mapHeader{}, false
	}
	count, ok := memsafe.ReadU32(addr + 4)
	if !ok || count == 0 || count > MaxElementCount {
		return mapHeader{}, false
	}
	sn, ok := w.readSentinel(uintptr(sentinelPtr))
	if !ok || !validSentinel(sn) {
		return mapHeader{}, false
	}
	return mapHeader{sentinel: sn, count: count}, true
}

func (w *Walker) readSentinel(addr uintptr) (sentinelNode, bool) {
	buf, ok := memsafe.ReadBytes(addr, nodeHeaderSize)
	if !ok {
		return sentinelNode{}, false
	}
	return decodeSentinel(buf), true
}

func validSentinel(sn sentinelNode) bool {
	if sn.isNil != 1 {
		return false
	}
	return memsafe.IsValidPtr(uint32(sn.left)) &&
		memsafe.IsValidPtr(uint32(sn.parent)) &&
		memsafe.IsValidPtr(uint32(sn.right))
}

type nodeRecord struct {
	sentinelNode
	key   uint32
	value uint32
}

func (w *Walker) readNode(addr uintptr) (nodeRecord, bool) {
	buf, ok := memsafe.ReadBytes(addr, nodeRecordSize)
	if !ok {
		return nodeRecord{}, false
	}
	sn := decodeSentinel(buf[:nodeHeaderSize])
	rec := nodeRecord{sentinelNode: sn}
	if sn.isNil != 1 && len(buf) >= nodeRecordSize {
		rec.key = leU32(buf[nodeKeyOffset:nodeValueOffset])
		rec.value = leU32(buf[nodeValueOffset:nodeRecordSize])
	}
	return rec, true
}

// successor advances to the in-order successor: right subtree's
// leftmost node, else walk up parents while coming from the right
// child (§4.4 step 4).
func (w *Walker) successor(rec nodeRecord) uintptr {
	if rec.right != 0 {
		n := rec.right
		for i := 0; i < MaxNodeVisits; i++ {
			left, ok := memsafe.ReadU32(n)
			if !ok || left == 0 {
				return n
			}
			n = uintptr(left)
		}
		return 0
	}
	n := rec.parent
	// Walking up parents requires re-reading each ancestor's right
	// pointer to detect "coming from the right child"; bounded by the
	// same MaxNodeVisits cap at the call site so a corrupted parent
	// chain cannot loop forever.
	child := rec.right
	for i := 0; i < MaxNodeVisits && n != 0; i++ {
		parentRec, ok := w.readNode(n)
		if !ok {
			return 0
		}
		if child != parentRec.right {
			return n
		}
		child = n
		n = parentRec.parent
	}
	return n
}

func decodeSentinel(buf []byte) sentinelNode {
	return sentinelNode{
		left:   uintptr(leU32(buf[0:4])),
		parent: uintptr(leU32(buf[4:8])),
		right:  uintptr(leU32(buf[8:12])),
		color:  buf[12],
		isNil:  buf[13],
	}
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// validateAndExtract implements §4.4 step 3's validation chain: id
// window, vtable window, self-identifying id field, then Name/Position
// readers.
func (w *Walker) validateAndExtract(key, objAddr uint32) (Snapshot, bool) {
	if key < MinCreatureID || key >= MaxCreatureID {
		return Snapshot{}, false
	}
	if objAddr == 0 || !memsafe.IsValidPtr(objAddr) {
		return Snapshot{}, false
	}
	base := uintptr(objAddr)

	vtable, ok := memsafe.ReadU32(base + uintptr(w.reg.OffVTable.Load()))
	if !ok {
		return Snapshot{}, false
	}
	rva := vtable
	if w.img != nil {
		if rva < uint32(w.img.Base) {
			return Snapshot{}, false
		}
		rva -= uint32(w.img.Base)
	}
	lo, hi := w.reg.VTableWindowLowRVA.Load(), w.reg.VTableWindowHighRVA.Load()
	if hi > lo && (rva < lo || rva > hi) {
		return Snapshot{}, false
	}

	idAddr := base + uintptr(w.reg.OffIdentifier.Load())
	selfID, ok := memsafe.ReadU32(idAddr)
	if !ok || selfID != key {
		return Snapshot{}, false
	}

	healthRaw, ok := memsafe.ReadU32(base + uintptr(w.reg.OffHealth.Load()))
	if !ok || healthRaw == 0 || healthRaw > 100 {
		return Snapshot{}, false
	}

	name, ok := ReadName(base + uintptr(w.reg.OffNameBase.Load()))
	if !ok {
		return Snapshot{}, false
	}

	x, y, z, ok := ReadPosition(w.reg, idAddr, key, w.playerID, w.playerIDSet)
	if !ok {
		return Snapshot{}, false
	}

	return Snapshot{
		ID:          key,
		Name:        name,
		Health:      uint8(healthRaw),
		X:           x,
		Y:           y,
		Z:           z,
		IDFieldAddr: idAddr,
	}, true
}

// maxLookupDepth bounds Lookup's descent; a balanced RB tree over
// MaxElementCount nodes never needs more than a handful of levels, so
// this is a generous corruption guard, not a realistic limit.
const maxLookupDepth = 64

// Lookup performs a binary search for id in the live map (§4.7 step 3:
// "binary search in the live map (O(log n)) using §4.4 node layout"),
// returning the creature object pointer (the node's value field) on a
// match. Used by the Targeting Orchestrator to re-resolve a creature
// on its own thread instead of trusting a pipe-thread-cached pointer.
func (w *Walker) Lookup(id uint32) (uintptr, bool) {
	if w.mapAddr == 0 {
		return 0, false
	}
	header, ok := w.readHeader(w.mapAddr)
	if !ok {
		return 0, false
	}

	node := header.sentinel.parent // root
	for i := 0; i < maxLookupDepth && node != 0 && node != w.mapAddr; i++ {
		rec, ok := w.readNode(node)
		if !ok || rec.isNil == 1 {
			return 0, false
		}
		switch {
		case rec.key == id:
			return uintptr(rec.value), true
		case id < rec.key:
			node = rec.left
		default:
			node = rec.right
		}
	}
	return 0, false
}

// heapScanState / heapScanCycle / fast re-read support the fallback
// mode (§4.4) used when no map address is known. Implemented in
// heapscan.go.
type heapScanState struct {
	knownAddrs []uintptr
	lastFull   time.Time
	lastFast   time.Time
}
