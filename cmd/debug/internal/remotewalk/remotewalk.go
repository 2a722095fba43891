// Package remotewalk is the out-of-process counterpart of creaturemap:
// the same sentinel/node layout and validation chain (§4.4), but reading
// through a remote process handle (the memory package's
// ReadProcessMemory wrappers, ReadU32/ReadBytes) instead of
// the in-process pseudo-handle memsafe uses. It exists for the operator
// tools under cmd/debug, which attach to a live target from outside the
// way someone would before ever writing an injector, so they cannot
// reuse memsafe/creaturemap directly — those two packages are wired to
// the current process only.
package remotewalk

import (
	"golang.org/x/sys/windows"

	"dbvbot/memory"
	"dbvbot/offsets"
	"dbvbot/process"
)

const (
	MinCreatureID uint32 = 0x10000000
	MaxCreatureID uint32 = 0x80000000

	MaxElementCount = 500
	MaxNodeVisits   = 500

	worldBoundXY = 65535
	worldBoundZ  = 15

	nodeHeaderSize = 4 + 4 + 4 + 1 + 1
	nodeRecordSize = 24

	// MSVC pads the 14-byte header to a 4-byte boundary before the
	// std::pair<uint32,Creature*> payload, hence key/value start at 16.
	nodeKeyOffset   = 16
	nodeValueOffset = 20
)

// Target bundles the remote handle and module base the rest of this
// package's functions read through and resolve RVAs against.
type Target struct {
	Handle     windows.Handle
	ModuleBase uintptr
}

// Attach finds processName by name, opens it, and resolves moduleName's
// base address within it — the FindProcess/OpenProcess/GetModuleBase
// bootstrap every cmd/debug tool ran inline before this package existed.
func Attach(processName, moduleName string) (Target, uint32, error) {
	pid, err := process.FindProcess(processName)
	if err != nil {
		return Target{}, 0, err
	}
	handle, err := process.OpenProcess(pid)
	if err != nil {
		return Target{}, 0, err
	}
	base, err := process.GetModuleBase(pid, moduleName)
	if err != nil {
		return Target{}, 0, err
	}
	return Target{Handle: handle, ModuleBase: base}, pid, nil
}

func (t Target) RVA(offset uint32) uintptr { return t.ModuleBase + uintptr(offset) }

type sentinelNode struct {
	left, parent, right uintptr
	isNil               uint8
}

func (t Target) readSentinel(addr uintptr) (sentinelNode, bool) {
	buf := memory.ReadBytes(t.Handle, addr, nodeHeaderSize)
	return decodeSentinel(buf), true
}

func decodeSentinel(buf []byte) sentinelNode {
	return sentinelNode{
		left:   uintptr(leU32(buf[0:4])),
		parent: uintptr(leU32(buf[4:8])),
		right:  uintptr(leU32(buf[8:12])),
		isNil:  buf[13],
	}
}

func leU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func validSentinel(sn sentinelNode) bool {
	if sn.isNil != 1 {
		return false
	}
	return memory.IsValidPtr(uint32(sn.left)) &&
		memory.IsValidPtr(uint32(sn.parent)) &&
		memory.IsValidPtr(uint32(sn.right))
}

type nodeRecord struct {
	sentinelNode
	key, value uint32
}

func (t Target) readNode(addr uintptr) nodeRecord {
	buf := memory.ReadBytes(t.Handle, addr, nodeRecordSize)
	if len(buf) < nodeHeaderSize {
		return nodeRecord{}
	}
	sn := decodeSentinel(buf[:nodeHeaderSize])
	rec := nodeRecord{sentinelNode: sn}
	if sn.isNil != 1 && len(buf) >= nodeRecordSize {
		rec.key = leU32(buf[nodeKeyOffset:nodeValueOffset])
		rec.value = leU32(buf[nodeValueOffset:nodeRecordSize])
	}
	return rec
}

func (t Target) successor(rec nodeRecord) uintptr {
	if rec.right != 0 {
		n := rec.right
		for i := 0; i < MaxNodeVisits; i++ {
			left := memory.ReadU32(t.Handle, n)
			if left == 0 {
				return n
			}
			n = uintptr(left)
		}
		return 0
	}
	n := rec.parent
	child := rec.right
	for i := 0; i < MaxNodeVisits && n != 0; i++ {
		parentRec := t.readNode(n)
		if child != parentRec.right {
			return n
		}
		child = n
		n = parentRec.parent
	}
	return n
}

type Header struct {
	Sentinel sentinelNode
	Count    uint32
}

// ReadHeader implements §4.4 step 1 against a remote handle.
func (t Target) ReadHeader(addr uintptr) (Header, bool) {
	sentinelPtr := memory.ReadU32(t.Handle, addr)
	count := memory.ReadU32(t.Handle, addr+4)
	if count == 0 || count > MaxElementCount {
		return Header{}, false
	}
	sn, _ := t.readSentinel(uintptr(sentinelPtr))
	if !validSentinel(sn) {
		return Header{}, false
	}
	return Header{Sentinel: sn, Count: count}, true
}

// ValidateHeaderAt is the Map Locator's step-2 "plausible header" check
// (§4.4c), generalized to read through a remote handle instead of
// memsafe: sentinel structurally valid, count in range, and each node
// checked has an id inside the creature window. Up to three nodes are
// checked from the sentinel's left node by following each node's right
// link, or its parent link when the right link is 0; this is not an
// in-order walk, and the check ends early at the head or an is-nil node.
func (t Target) ValidateHeaderAt(addr uintptr) bool {
	sentinelPtr := memory.ReadU32(t.Handle, addr)
	count := memory.ReadU32(t.Handle, addr+4)
	if count == 0 || count > MaxElementCount {
		return false
	}
	sn, _ := t.readSentinel(uintptr(sentinelPtr))
	if !validSentinel(sn) {
		return false
	}

	node := sn.left
	for i := 0; i < 3 && node != 0 && node != uintptr(sentinelPtr); i++ {
		rec := t.readNode(node)
		if rec.isNil == 1 {
			break
		}
		if rec.key < MinCreatureID || rec.key >= MaxCreatureID {
			return false
		}
		node = rec.right
		if node == 0 {
			node = rec.parent
		}
	}
	return true
}

// Row is one validated creature, the remote-read equivalent of
// creaturemap.Snapshot.
type Row struct {
	ID      uint32
	Name    string
	Health  uint8
	X, Y, Z uint32
	Addr    uintptr
}

// WalkTree performs the full in-order traversal and validation chain
// (§4.4 steps 2-3) against a remote handle, bounded the same way
// creaturemap.Walker.walkTreeInner is.
func (t Target) WalkTree(mapAddr uintptr, reg *offsets.Registry, playerID uint32, playerIDSet bool) []Row {
	header, ok := t.ReadHeader(mapAddr)
	if !ok {
		return nil
	}

	var rows []Row
	node := header.Sentinel.left
	visits := 0
	for node != 0 && node != mapAddr && visits < MaxNodeVisits {
		visits++
		rec := t.readNode(node)
		if rec.isNil == 1 {
			break
		}
		if row, ok := t.validateAndExtract(rec.key, rec.value, reg, playerID, playerIDSet); ok {
			rows = append(rows, row)
		}
		node = t.successor(rec)
	}
	return rows
}

func (t Target) validateAndExtract(key, objAddr uint32, reg *offsets.Registry, playerID uint32, playerIDSet bool) (Row, bool) {
	if key < MinCreatureID || key >= MaxCreatureID {
		return Row{}, false
	}
	if objAddr == 0 || !memory.IsValidPtr(objAddr) {
		return Row{}, false
	}
	base := uintptr(objAddr)

	vtable := memory.ReadU32(t.Handle, base+uintptr(reg.OffVTable.Load()))
	rva := vtable
	if rva < uint32(t.ModuleBase) {
		return Row{}, false
	}
	rva -= uint32(t.ModuleBase)
	lo, hi := reg.VTableWindowLowRVA.Load(), reg.VTableWindowHighRVA.Load()
	if hi > lo && (rva < lo || rva > hi) {
		return Row{}, false
	}

	idAddr := base + uintptr(reg.OffIdentifier.Load())
	selfID := memory.ReadU32(t.Handle, idAddr)
	if selfID != key {
		return Row{}, false
	}

	healthRaw := memory.ReadU32(t.Handle, base+uintptr(reg.OffHealth.Load()))
	if healthRaw == 0 || healthRaw > 100 {
		return Row{}, false
	}

	name, ok := t.readName(base + uintptr(reg.OffNameBase.Load()))
	if !ok {
		return Row{}, false
	}

	off := reg.PositionOffsetNPC()
	if playerIDSet && key == playerID {
		off = reg.PositionOffsetPlayer()
	}
	x, y, z, ok := t.readPosition(idAddr, off)
	if !ok {
		return Row{}, false
	}

	return Row{ID: key, Name: name, Health: uint8(healthRaw), X: x, Y: y, Z: z, Addr: base}, true
}

// readName mirrors creaturemap.ReadName's SSO layout decode, reading
// through the remote handle instead of memsafe.
func (t Target) readName(base uintptr) (string, bool) {
	size := memory.ReadU32(t.Handle, base+16)
	if size == 0 || size > 30 {
		return "", false
	}
	capacity := memory.ReadU32(t.Handle, base+20)
	if capacity < size || capacity >= 256 {
		return "", false
	}

	var data []byte
	if capacity < 16 {
		data = memory.ReadBytes(t.Handle, base, int(size))
	} else {
		heapPtr := memory.ReadU32(t.Handle, base)
		if !memory.IsValidPtr(heapPtr) {
			return "", false
		}
		data = memory.ReadBytes(t.Handle, uintptr(heapPtr), int(size))
	}
	if !validateNameGrammar(data) {
		return "", false
	}
	return string(data), true
}

func validateNameGrammar(s []byte) bool {
	if len(s) < 3 || len(s) > 30 {
		return false
	}
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	hasLower := false
	for i, c := range s {
		if !isNameChar(c) {
			return false
		}
		if c >= 'a' && c <= 'z' {
			hasLower = true
		}
		if i > 0 {
			prev := s[i-1]
			if prev >= 'a' && prev <= 'z' && c >= 'A' && c <= 'Z' {
				return false
			}
		}
	}
	return hasLower
}

func isNameChar(c byte) bool {
	switch {
	case c == ' ' || c == '\'' || c == '-' || c == '.':
		return true
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	}
	return false
}

func (t Target) readPosition(idAddr uintptr, offset int32) (x, y, z uint32, ok bool) {
	base := uintptr(int64(idAddr) + int64(offset))
	x = memory.ReadU32(t.Handle, base)
	y = memory.ReadU32(t.Handle, base+4)
	z = memory.ReadU32(t.Handle, base+8)
	if x > worldBoundXY || y > worldBoundXY || z > worldBoundZ {
		return 0, 0, 0, false
	}
	return x, y, z, true
}

// ExtractAbsoluteOperands is creaturemap's prologue-operand scan
// (§4.4c step 1), unchanged — it runs over bytes already read into buf,
// so it needs no remote-vs-local variant of its own.
func ExtractAbsoluteOperands(buf []byte) []uint32 {
	var out []uint32
	seen := map[uint32]bool{}
	add := func(v uint32) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for i := 0; i < len(buf); {
		b := buf[i]
		switch {
		case b >= 0xB8 && b <= 0xBF && i+5 <= len(buf):
			add(leU32(buf[i+1 : i+5]))
			i += 5
		case b == 0x68 && i+5 <= len(buf):
			add(leU32(buf[i+1 : i+5]))
			i += 5
		case b == 0xA1 || b == 0xA3:
			if i+5 <= len(buf) {
				add(leU32(buf[i+1 : i+5]))
			}
			i += 5
		case b == 0xC7 && i+2 <= len(buf) && buf[i+1]&0xC7 == 0x05:
			if i+10 <= len(buf) {
				add(leU32(buf[i+2 : i+6]))
			}
			i += 10
		case b == 0x8D && i+2 <= len(buf) && buf[i+1]&0xC7 == 0x05:
			if i+6 <= len(buf) {
				add(leU32(buf[i+2 : i+6]))
			}
			i += 6
		default:
			i++
		}
	}
	return out
}

// ValidateCandidate is the remote equivalent of creaturemap's
// validateCandidate: try addr directly as a header, else dereference it
// once.
func (t Target) ValidateCandidate(addr uintptr) (uintptr, bool) {
	if addr != 0 && memory.IsValidPtr(uint32(addr)) && t.ValidateHeaderAt(addr) {
		return addr, true
	}
	ptr := memory.ReadU32(t.Handle, addr)
	if memory.IsValidPtr(ptr) && t.ValidateHeaderAt(uintptr(ptr)) {
		return uintptr(ptr), true
	}
	return 0, false
}
