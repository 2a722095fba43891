// Package orchestrator is the Targeting Orchestrator (C8): the sole
// consumer of the PendingAttack mailbox, grounded on target/set_target.go's
// __thiscall/__cdecl shellcode-invocation idiom (now routed through
// fault.GuardedCall/GuardedCall2 instead of CreateRemoteThread, since
// this module calls in-process) and on target/target.go's re-validate-
// before-acting discipline.
package orchestrator

import (
	"sync/atomic"
	"time"
	"unsafe"

	"dbvbot/creaturemap"
	"dbvbot/fault"
	"dbvbot/hook"
	"dbvbot/memsafe"
	"dbvbot/moduleimage"
	"dbvbot/offsets"
	"dbvbot/stability"
)

// Mailbox is the one-slot cross-thread request (§3 PendingAttack): a
// creature identifier, an advisory cached pointer, and a pending flag
// cleared by atomic exchange. Two successive requests coalesce — the
// second overwrites the first before it is consumed (§5).
type Mailbox struct {
	creatureID atomic.Uint32
	cachedPtr  atomic.Uint32
	pending    atomic.Bool
}

// Request posts an attack request, coalescing with any unconsumed one.
func (m *Mailbox) Request(creatureID uint32, cachedPtr uint32) {
	m.creatureID.Store(creatureID)
	m.cachedPtr.Store(cachedPtr)
	m.pending.Store(true)
}

// consume atomically clears and returns the pending request, if any.
func (m *Mailbox) consume() (id, cachedPtr uint32, ok bool) {
	if !m.pending.Swap(false) {
		return 0, 0, false
	}
	return m.creatureID.Load(), m.cachedPtr.Load(), true
}

// Orchestrator wires the mailbox to the game's own attack/send-attack
// functions, re-validating on the calling thread before every call
// (§4.7).
type Orchestrator struct {
	img       *moduleimage.Image
	reg       *offsets.Registry
	walker    *creaturemap.Walker
	hooks     *hook.Manager
	heuristic *stability.Heuristic

	mailbox      Mailbox
	lastAttacked atomic.Uint32
}

func New(img *moduleimage.Image, reg *offsets.Registry, walker *creaturemap.Walker, hooks *hook.Manager, heuristic *stability.Heuristic) *Orchestrator {
	return &Orchestrator{img: img, reg: reg, walker: walker, hooks: hooks, heuristic: heuristic}
}

// RequestAttack is the pipe-thread entry (`request_game_attack`, §4.7
// "Pipe-thread entry"): look up the creature, validate, populate the
// mailbox, and return whether a UI-thread message should be posted.
// It does nothing if the target is already the last-attacked one and
// the game still reports an active target.
func (o *Orchestrator) RequestAttack(creatureID uint32) bool {
	if o.lastAttacked.Load() == creatureID && o.gameHasTarget() {
		return false
	}

	ptr, ok := o.lookupCreature(creatureID, 0)
	if !ok {
		return false
	}
	if !o.validate(ptr, creatureID) {
		return false
	}

	o.mailbox.Request(creatureID, uint32(ptr))
	return true
}

func (o *Orchestrator) gameHasTarget() bool {
	singleton := o.img.RVA(o.reg.GameSingletonRVA.Load())
	v, ok := memsafe.ReadU32(singleton + uintptr(o.reg.OffAttackingCreature.Load()))
	return ok && v != 0
}

// UIEntry is the UI-thread entry the Courier calls when its private
// message arrives, and the XTEA cave's dispatcher address also calls
// on every encrypt-fire (§4.6, §4.5 step 5). The whole sequence runs
// inside the armed UI FaultContext (§4.7).
func (o *Orchestrator) UIEntry() {
	ctx := fault.UI()
	var didFault bool
	ctx.Guarded(func() {
		didFault = o.runUIEntry(ctx)
	})
	if didFault {
		o.heuristic.RecordAttackFault(time.Now())
		o.lastAttacked.Store(0)
	}
}

func (o *Orchestrator) runUIEntry(ctx *fault.Context) (faulted bool) {
	id, cachedPtr, ok := o.mailbox.consume()
	if !ok {
		return false // step 1: fast path
	}

	if o.heuristic.Unstable(time.Now()) {
		o.lastAttacked.Store(0) // step 2
		return false
	}

	ptr, ok := o.lookupCreature(id, cachedPtr) // step 3
	if !ok {
		return false
	}
	if !o.validate(ptr, id) { // step 4
		return false
	}

	if o.lastAttacked.Load() == id && o.gameHasTarget() {
		return false // step 5: idempotent, game still has it
	}

	singleton := o.img.RVA(o.reg.GameSingletonRVA.Load())
	attackAddr := o.img.RVA(o.reg.AttackFuncRVA.Load())

	localPtr := uint32(ptr)
	argAddr := uintptr(unsafe.Pointer(&localPtr))
	_, attackFaulted := fault.GuardedCall(ctx, singleton, argAddr, attackAddr) // step 6
	if attackFaulted {
		return true
	}

	identity := o.hooks.CapturedIdentity()
	if identity.ProtocolObj != 0 {
		seq := o.nextSequence(singleton)
		sendAttackAddr := o.img.RVA(o.reg.SendAttackFuncRVA.Load())
		_, sendFaulted := fault.GuardedCall2(ctx, uintptr(identity.ProtocolObj), uintptr(id), uintptr(seq), sendAttackAddr) // step 7
		if sendFaulted {
			return true
		}
	}

	o.lastAttacked.Store(id) // step 8
	return false
}

// nextSequence reads and post-increments the sequence counter on the
// game singleton (§4.7 step 7, §5 "correct only because ... no other
// party both reads and writes it from our side").
func (o *Orchestrator) nextSequence(singleton uintptr) uint32 {
	addr := singleton + uintptr(o.reg.OffSequenceCounter.Load())
	if _, ok := memsafe.ReadU32(addr); !ok {
		return 0
	}
	return atomic.AddUint32((*uint32)(unsafe.Pointer(addr)), 1) - 1
}

// lookupCreature implements §4.7 step 3's lookup order: binary search
// in the live map first, falling back to the pipe thread's cached
// pointer (advisory only — always re-validated below).
func (o *Orchestrator) lookupCreature(id uint32, cachedPtr uint32) (uintptr, bool) {
	if ptr, ok := o.walker.Lookup(id); ok {
		return ptr, true
	}
	if cachedPtr != 0 {
		return uintptr(cachedPtr), true
	}
	return 0, false
}

// validate implements §4.7 step 4: vtable in window, identifier
// matches, health in (0,100].
func (o *Orchestrator) validate(ptr uintptr, id uint32) bool {
	vtable, ok := memsafe.ReadU32(ptr + uintptr(o.reg.OffVTable.Load()))
	if !ok {
		return false
	}
	rva := vtable
	if rva < uint32(o.img.Base) {
		return false
	}
	rva -= uint32(o.img.Base)
	lo, hi := o.reg.VTableWindowLowRVA.Load(), o.reg.VTableWindowHighRVA.Load()
	if hi > lo && (rva < lo || rva > hi) {
		return false
	}

	selfID, ok := memsafe.ReadU32(ptr + uintptr(o.reg.OffIdentifier.Load()))
	if !ok || selfID != id {
		return false
	}

	health, ok := memsafe.ReadU32(ptr + uintptr(o.reg.OffHealth.Load()))
	if !ok || health == 0 || health > 100 {
		return false
	}
	return true
}
