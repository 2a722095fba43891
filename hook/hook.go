// Package hook is the Hook Engine (C6): two inline-JMP prologue
// replacements built the way esp/entity_hook.go builds its update-loop
// trampoline (a hand-assembled byte buffer written into OS-allocated
// executable memory, with a jump back to the displaced instructions),
// and installed/restored with the same bookkeeping patch/patch.go uses
// for its patch-entry list — generalized from "restore original bytes
// on teardown" (never used here, since caves live for process lifetime
// per §5) to "restore original bytes on demand" for the diagnostic
// unhook_xtea path.
package hook

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"

	"dbvbot/memsafe"
	"dbvbot/moduleimage"
	"dbvbot/offsets"
)

const (
	memCommit             = 0x1000|0x2000
	pageExecuteReadWrite  = 0x40
	ringCapacity          = 256
	ringEntrySize         = 8 // {callerRVA uint32, grandCallerRVA uint32}
)

// state layout, in one VirtualAlloc'd RWX page (mirrors entity_hook.go's
// buffer := writeIdx + N*slotSize convention):
//
//	+0                 writeIdx      uint32  (atomic fetch-add cursor)
//	+4                 ring          [256]{callerRVA, grandCallerRVA}
//	+4+2048            attackMailbox uint32  (creature id, 0 = empty)
//	+4+2048+4          protocolObj  uint32  (captured this-ptr, attack hook)
//	+4+2048+8          gameObj      uint32  (captured game singleton ptr)
//	+4+2048+12         lastArgID    uint32  (captured creature id argument)
//	+4+2048+16         doneFlag     uint32
const (
	offWriteIdx   = 0
	offRing       = 4
	ringBytes     = ringCapacity * ringEntrySize
	offMailbox    = offRing + ringBytes
	offProtocol   = offMailbox + 4
	offGameObj    = offProtocol + 4
	offLastArgID  = offGameObj + 4
	offDone       = offLastArgID + 4
	stateSize     = offDone + 4
)

var (
	kernel32          = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc  = kernel32.NewProc("VirtualAlloc")
	procVirtualFree   = kernel32.NewProc("VirtualFree")
)

// CapturePair is one drained ring entry.
type CapturePair struct {
	CallerRVA      uint32
	GrandCallerRVA uint32
}

// installedHook tracks one live patch for restore (patch.PatchEntry's
// shape, generalized to a JMP-style hook instead of a byte-for-byte
// game-logic patch).
type installedHook struct {
	name     string
	addr     uintptr
	original []byte
	cave     uintptr
	active   bool
}

// Manager owns both caves and their shared state page. There is
// exactly one Manager per attach, matching patch.Manager's single
// process-wide instance in the teacher.
type Manager struct {
	img *moduleimage.Image
	reg *offsets.Registry

	mu      sync.Mutex
	hooks   map[string]*installedHook
	state   uintptr // shared RWX state page, allocated once
}

func New(img *moduleimage.Image, reg *offsets.Registry) *Manager {
	return &Manager{img: img, reg: reg, hooks: map[string]*installedHook{}}
}

func (m *Manager) ensureState() (uintptr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != 0 {
		return m.state, true
	}
	page, _, _ := procVirtualAlloc.Call(0, stateSize, memCommit, pageExecuteReadWrite)
	if page == 0 {
		return 0, false
	}
	m.state = page
	return page, true
}

// AttackIdentity is what the attack hook captures (§4.5 "Attack hook").
type AttackIdentity struct {
	ProtocolObj uint32
	GameObj     uint32
	CreatureID  uint32
}

// CapturedIdentity returns the attack hook's latest capture, or the
// zero value if the attack hook has never fired.
func (m *Manager) CapturedIdentity() AttackIdentity {
	if m.state == 0 {
		return AttackIdentity{}
	}
	protocol, _ := memsafe.ReadU32(m.state + offProtocol)
	gameObj, _ := memsafe.ReadU32(m.state + offGameObj)
	id, _ := memsafe.ReadU32(m.state + offLastArgID)
	return AttackIdentity{ProtocolObj: protocol, GameObj: gameObj, CreatureID: id}
}

// RequestAttack posts a non-zero creature id into the XTEA cave's
// attack-request mailbox (§4.5 step 4, the fallback keepalive path).
// A zero id is rejected since zero means "empty" to the cave.
func (m *Manager) RequestAttack(creatureID uint32) bool {
	if m.state == 0 || creatureID == 0 {
		return false
	}
	return memsafe.WriteBytes(m.state+offMailbox, le32(creatureID))
}

// DrainCaptureRing reads every slot written since the last drain,
// tracked by the caller-supplied lastIdx (the pipe thread's own
// bookkeeping, matching §5's "the pipe thread drains independently").
func (m *Manager) DrainCaptureRing(lastIdx uint32) (pairs []CapturePair, newIdx uint32) {
	if m.state == 0 {
		return nil, lastIdx
	}
	writeIdx, ok := memsafe.ReadU32(m.state + offWriteIdx)
	if !ok {
		return nil, lastIdx
	}
	for lastIdx != writeIdx {
		slot := lastIdx % ringCapacity
		entryAddr := m.state + offRing + uintptr(slot*ringEntrySize)
		buf, ok := memsafe.ReadBytes(entryAddr, ringEntrySize)
		if ok {
			pairs = append(pairs, CapturePair{
				CallerRVA:      leU32(buf[0:4]),
				GrandCallerRVA: leU32(buf[4:8]),
			})
		}
		lastIdx++
	}
	return pairs, lastIdx
}

// ResetCaptureRing clears the write cursor (`reset_xtea`); previously
// written slots are left in place and simply overwritten as the
// cursor wraps back around.
func (m *Manager) ResetCaptureRing() bool {
	if m.state == 0 {
		return false
	}
	return memsafe.WriteBytes(m.state+offWriteIdx, le32(0))
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func leU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// stolenLength walks a tiny table of the MSVC prologue shapes the
// game's hook sites actually use and returns the smallest whole-
// instruction boundary ≥ 5 bytes (§4.5: "5, 6 or 9 bytes depending on
// the second/third instruction").
func stolenLength(prologue []byte) int {
	length := 0
	for length < 5 && length < len(prologue) {
		length += instructionLength(prologue[length:])
	}
	if length < 5 {
		return 5
	}
	return length
}

// instructionLength recognizes the handful of opcode shapes this
// module's hook sites are known to open with; anything else is
// treated conservatively as a 1-byte step so the boundary search
// still terminates.
func instructionLength(b []byte) int {
	if len(b) == 0 {
		return 1
	}
	switch {
	case b[0] == 0x55: // push ebp
		return 1
	case b[0] == 0x8B && len(b) >= 2 && b[1] == 0xEC: // mov ebp, esp
		return 2
	case b[0] == 0x83 && len(b) >= 3: // sub esp, imm8 / add esp, imm8
		return 3
	case b[0] == 0x51 || b[0] == 0x53 || b[0] == 0x56 || b[0] == 0x57: // push reg
		return 1
	case b[0] == 0x64 && len(b) >= 6 && b[1] == 0xA1: // mov eax, fs:[0]
		return 6
	case b[0] == 0x64 && len(b) >= 7: // mov reg, fs:[0] / mov fs:[0], reg (modrm + disp32)
		return 7
	default:
		return 1
	}
}

// InstallXTEA installs the XTEA-encrypt cave (§4.5 "XTEA-encrypt
// hook"). dispatchAddr is the Targeting Orchestrator's game-thread
// entry, a cdecl void() Go callback obtained from syscall.NewCallback
// by the caller (avoiding an import cycle between hook and
// orchestrator).
func (m *Manager) InstallXTEA(dispatchAddr uintptr) error {
	state, ok := m.ensureState()
	if !ok {
		return fmt.Errorf("hook: failed to allocate xtea state page")
	}

	hookAddr := m.img.RVA(m.reg.XTEAEncryptFuncRVA.Load())
	sendAttackAddr := m.img.RVA(m.reg.SendAttackFuncRVA.Load())

	prologue, ok := memsafe.ReadBytes(hookAddr, 16)
	if !ok {
		return fmt.Errorf("hook: failed to read xtea prologue")
	}
	stolen := stolenLength(prologue)

	cave, _, _ := procVirtualAlloc.Call(0, 256, memCommit, pageExecuteReadWrite)
	if cave == 0 {
		return fmt.Errorf("hook: failed to allocate xtea cave")
	}

	code := buildXTEACave(cave, hookAddr, stolen, prologue[:stolen],
		uint32(m.img.Base), uint32(sendAttackAddr), state, uint32(dispatchAddr))

	if !memsafe.WriteBytes(cave, code) {
		return fmt.Errorf("hook: failed to write xtea cave")
	}

	original := make([]byte, stolen)
	copy(original, prologue[:stolen])

	jmp := buildRelativeJmp(hookAddr, cave, stolen)
	if !memsafe.WriteBytesProtected(hookAddr, jmp) {
		return fmt.Errorf("hook: failed to patch xtea hook site")
	}

	m.mu.Lock()
	m.hooks["xtea"] = &installedHook{name: "xtea", addr: hookAddr, original: original, cave: cave, active: true}
	m.mu.Unlock()
	return nil
}

// UnhookXTEA restores the displaced prologue bytes. The cave itself is
// left allocated (§3 HookCave: "never freed") in case another install
// races it; only the hook site is un-patched.
func (m *Manager) UnhookXTEA() bool {
	m.mu.Lock()
	h, ok := m.hooks["xtea"]
	m.mu.Unlock()
	if !ok || !h.active {
		return false
	}
	if memsafe.WriteBytesProtected(h.addr, h.original) {
		m.mu.Lock()
		h.active = false
		m.mu.Unlock()
		return true
	}
	return false
}

// InstallAttackHook installs the identity-capture-only cave on the
// send-attack function's site (§4.5 "Attack hook"): it does not
// replay via dispatch and never touches the mailbox.
func (m *Manager) InstallAttackHook() error {
	state, ok := m.ensureState()
	if !ok {
		return fmt.Errorf("hook: failed to allocate attack-hook state page")
	}

	hookAddr := m.img.RVA(m.reg.SendAttackFuncRVA.Load())
	prologue, ok := memsafe.ReadBytes(hookAddr, 16)
	if !ok {
		return fmt.Errorf("hook: failed to read attack-func prologue")
	}
	stolen := stolenLength(prologue)

	cave, _, _ := procVirtualAlloc.Call(0, 128, memCommit, pageExecuteReadWrite)
	if cave == 0 {
		return fmt.Errorf("hook: failed to allocate attack-hook cave")
	}

	code := buildAttackCave(cave, hookAddr, stolen, prologue[:stolen], state)
	if !memsafe.WriteBytes(cave, code) {
		return fmt.Errorf("hook: failed to write attack-hook cave")
	}

	original := make([]byte, stolen)
	copy(original, prologue[:stolen])

	jmp := buildRelativeJmp(hookAddr, cave, stolen)
	if !memsafe.WriteBytesProtected(hookAddr, jmp) {
		return fmt.Errorf("hook: failed to patch attack-hook site")
	}

	m.mu.Lock()
	m.hooks["attack"] = &installedHook{name: "attack", addr: hookAddr, original: original, cave: cave, active: true}
	m.mu.Unlock()
	return nil
}

// buildRelativeJmp is the standard E9-plus-NOP-fill inline hook
// entity_hook.go installs: jmp rel32 to the cave, NOP-padded out to
// the full stolen length so no partial instruction is left dangling.
func buildRelativeJmp(hookAddr, caveAddr uintptr, stolen int) []byte {
	buf := make([]byte, stolen)
	buf[0] = 0xE9
	rel := int32(uint32(caveAddr)) - int32(uint32(hookAddr)+5)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(rel))
	for i := 5; i < stolen; i++ {
		buf[i] = 0x90
	}
	return buf
}

// buildXTEACave assembles the code described in §4.5 steps 1-6:
// save state, compute caller/grand-caller RVAs, reserve a ring slot,
// service the attack-request mailbox, call the dispatcher, replay the
// displaced bytes, jump back.
func buildXTEACave(caveAddr, hookAddr uintptr, stolen int, stolenBytes []byte, imgBase, sendAttackAddr uint32, state uintptr, dispatchAddr uint32) []byte {
	code := make([]byte, 0, 256)
	put := func(b ...byte) { code = append(code, b...) }
	putU32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		code = append(code, tmp[:]...)
	}

	writeIdxAddr := uint32(state) + offWriteIdx
	ringBase := uint32(state) + offRing
	mailboxAddr := uint32(state) + offMailbox
	protocolAddr := uint32(state) + offProtocol
	doneAddr := uint32(state) + offDone

	put(0x9C)       // pushfd
	put(0x60)       // pusha

	// eax = caller return address = [esp+36]
	put(0x8B, 0x44, 0x24, 0x24)
	// ebx = caller's saved frame pointer = pusha's ebp slot [esp+8]
	put(0x8B, 0x5C, 0x24, 0x08)
	// ecx = grand-caller return address = [ebx+4]
	put(0x8B, 0x4B, 0x04)

	// eax -= imgBase ; ecx -= imgBase  (convert to RVAs)
	put(0x2D)
	putU32(imgBase)
	put(0x81, 0xE9)
	putU32(imgBase)

	// edx = 1 ; lock xadd [writeIdxAddr], edx  (reserve a slot, old value in edx)
	put(0xBA)
	putU32(1)
	put(0xF0, 0x0F, 0xC1, 0x15)
	putU32(writeIdxAddr)

	// edx &= 0xFF  (wrap to ring capacity)
	put(0x81, 0xE2)
	putU32(ringCapacity - 1)

	// ebx = ringBase + edx*8
	put(0x8D, 0x1C, 0xD5)
	putU32(ringBase)

	put(0x89, 0x03)       // mov [ebx], eax        ; callerRVA
	put(0x89, 0x4B, 0x04) // mov [ebx+4], ecx       ; grandCallerRVA

	// eax = mailbox
	put(0xA1)
	putU32(mailboxAddr)
	put(0x85, 0xC0) // test eax, eax
	skipPos := len(code)
	put(0x74, 0x00) // jz +skip (patched below)
	skipStart := len(code)

	// ebx = protocolObj ; test ebx, ebx ; jz +skip2
	put(0x8B, 0x1D)
	putU32(protocolAddr)
	put(0x85, 0xDB)
	skip2Pos := len(code)
	put(0x74, 0x00)
	skip2Start := len(code)

	// mailbox = 0  (clear, prevents re-entry)
	put(0xC7, 0x05)
	putU32(mailboxAddr)
	putU32(0)

	// __thiscall sendAttack(this=ebx, id=eax, seq=0)
	put(0x89, 0xC1)       // mov ecx, eax   ; save id
	put(0x6A, 0x00)       // push 0         ; sequence
	put(0x51)             // push ecx       ; identifier
	put(0x89, 0xD9)       // mov ecx, ebx   ; this = protocolObj
	put(0xB8)
	putU32(sendAttackAddr)
	put(0xFF, 0xD0)       // call eax       ; callee pops both args

	// done = 1
	put(0xC7, 0x05)
	putU32(doneAddr)
	putU32(1)

	code[skip2Pos+1] = byte(len(code) - skip2Start)
	code[skipPos+1] = byte(len(code) - skipStart)

	// always attempt visual targeting on every encrypt-fire (step 5)
	put(0xE8) // call dispatchAddr (cdecl void, self-relative)
	rel := int32(dispatchAddr) - int32(uint32(caveAddr)+uint32(len(code))+4)
	putU32(uint32(rel))

	put(0x61) // popa
	put(0x9D) // popfd

	code = append(code, stolenBytes...)

	jmpPos := len(code)
	put(0xE9)
	back := int32(uint32(hookAddr)+uint32(stolen)) - int32(uint32(caveAddr)+uint32(jmpPos)+5)
	putU32(uint32(back))

	return code
}

// buildAttackCave assembles the identity-only capture cave (§4.5
// "Attack hook"): register roles are fixed by this call site's own
// calling convention in the host build — ecx holds the protocol
// object (this), and the two known-register captures for the game
// object and creature id come from edx and the stack respectively,
// matching how set_target.go's counterpart call site is shaped.
func buildAttackCave(caveAddr, hookAddr uintptr, stolen int, stolenBytes []byte, state uintptr) []byte {
	code := make([]byte, 0, 128)
	put := func(b ...byte) { code = append(code, b...) }
	putU32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		code = append(code, tmp[:]...)
	}

	protocolAddr := uint32(state) + offProtocol
	gameObjAddr := uint32(state) + offGameObj
	lastArgAddr := uint32(state) + offLastArgID

	put(0x9C) // pushfd
	put(0x60) // pusha

	put(0x89, 0x0D) // mov [protocolAddr], ecx   ; this
	putU32(protocolAddr)
	put(0x89, 0x15) // mov [gameObjAddr], edx    ; captured game singleton
	putU32(gameObjAddr)

	// creature id argument: first stack arg at [esp+40] post pushfd+pusha
	// (return address at [esp+36])
	put(0x8B, 0x44, 0x24, 0x28)
	put(0xA3) // mov [lastArgAddr], eax
	putU32(lastArgAddr)

	put(0x61) // popa
	put(0x9D) // popfd

	code = append(code, stolenBytes...)

	jmpPos := len(code)
	put(0xE9)
	back := int32(uint32(hookAddr)+uint32(stolen)) - int32(uint32(caveAddr)+uint32(jmpPos)+5)
	putU32(uint32(back))

	return code
}
