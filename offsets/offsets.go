// Package offsets holds the single process-wide OffsetRegistry: every
// game-struct field offset and function RVA the rest of the module needs,
// readable and writable one field at a time without a rebuild.
//
// Deliberately flat (named integers, not a polymorphic config object) —
// the teacher's config package does the same, and a strategy-pattern
// dispatch would only add ceremony over "these rarely change, and when
// they do it's one field at a time."
package offsets

import "sync/atomic"

// Registry is the process-wide offset table. Every field is a plain
// atomic word: readers take relaxed loads, writers take relaxed stores,
// and there is no cross-field transaction — a set_offsets command that
// touches three fields may be observed with only one of them updated by
// a racing reader. That is an accepted property of this design (§5).
type Registry struct {
	// Singleton / function addresses (RVAs relative to the host module).
	GameSingletonRVA   atomic.Uint32
	AttackFuncRVA       atomic.Uint32
	SendAttackFuncRVA   atomic.Uint32
	XTEAEncryptFuncRVA  atomic.Uint32

	// Vtable validity window (RVA range a creature's first word must
	// fall inside to be considered a real object and not garbage).
	VTableWindowLowRVA  atomic.Uint32
	VTableWindowHighRVA atomic.Uint32

	// Creature-map header / node layout.
	MapHeaderRVA atomic.Uint32

	// Creature object field offsets.
	OffVTable     atomic.Uint32
	OffIdentifier atomic.Uint32
	OffHealth     atomic.Uint32
	OffNameBase   atomic.Uint32

	// Position offsets are signed (the player offset is negative per
	// original_source/dll/dbvbot.cpp). Stored as their bit pattern and
	// reinterpreted as int32 by callers.
	OffPositionNPC    atomic.Uint32 // int32 bit pattern
	OffPositionPlayer atomic.Uint32 // int32 bit pattern

	// Game-singleton fields used by the Targeting Orchestrator.
	OffAttackingCreature atomic.Uint32
	OffSequenceCounter   atomic.Uint32
}

// Defaults mirror original_source/dll/dbvbot.cpp's POS_OFFSET (576) and
// PLAYER_POS_OFFSET (-40) as compiled-in starting values; the creature-id
// window is not part of the registry. Function/struct RVAs have no safe
// universal default across host builds; they are zero until a
// set_offsets command or the Config loader (C13) supplies real values
// for the attached build.
func Defaults() *Registry {
	r := &Registry{}
	posOffsetNPC := int32(576)
	playerPosOffset := int32(-40)
	r.OffPositionNPC.Store(uint32(posOffsetNPC))
	r.OffPositionPlayer.Store(uint32(playerPosOffset))
	return r
}

// PositionOffsetNPC / PositionOffsetPlayer return the signed offsets.
func (r *Registry) PositionOffsetNPC() int32 {
	return int32(r.OffPositionNPC.Load())
}

func (r *Registry) PositionOffsetPlayer() int32 {
	return int32(r.OffPositionPlayer.Load())
}

// Update applies a partial set of named fields from a parsed set_offsets
// command. Unknown keys are ignored; present keys overwrite unconditionally
// in the order given (no ordering guarantee across concurrent callers,
// per §5).
func (r *Registry) Update(fields map[string]int64) {
	apply := func(cell *atomic.Uint32, key string) {
		if v, ok := fields[key]; ok {
			cell.Store(uint32(int32(v)))
		}
	}
	apply(&r.GameSingletonRVA, "game_singleton")
	apply(&r.AttackFuncRVA, "attack_func")
	apply(&r.SendAttackFuncRVA, "send_attack_func")
	apply(&r.XTEAEncryptFuncRVA, "xtea_encrypt_func")
	apply(&r.VTableWindowLowRVA, "vtable_window_low")
	apply(&r.VTableWindowHighRVA, "vtable_window_high")
	apply(&r.MapHeaderRVA, "map_header")
	apply(&r.OffVTable, "off_vtable")
	apply(&r.OffIdentifier, "off_identifier")
	apply(&r.OffHealth, "off_health")
	apply(&r.OffNameBase, "off_name_base")
	apply(&r.OffPositionNPC, "off_position_npc")
	apply(&r.OffPositionPlayer, "off_position_player")
	apply(&r.OffAttackingCreature, "off_attacking_creature")
	apply(&r.OffSequenceCounter, "off_sequence_counter")
}
