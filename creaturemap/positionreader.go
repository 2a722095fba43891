package creaturemap

import (
	"dbvbot/memsafe"
	"dbvbot/offsets"
)

// ReadPosition implements §4.4b. Offset selection mirrors
// original_source/dll/dbvbot.cpp's read_position: the player-position
// offset is used only once a player id is known (SetPlayerID/`init`)
// and the creature being read matches it; every other creature, and
// every creature before the player id is known, uses the NPC offset.
func ReadPosition(reg *offsets.Registry, idAddr uintptr, id, playerID uint32, playerIDSet bool) (x, y, z uint32, ok bool) {
	off := reg.PositionOffsetNPC()
	if playerIDSet && id == playerID {
		off = reg.PositionOffsetPlayer()
	}
	return readPositionAt(idAddr, off)
}

// readPositionAt reads 3 consecutive uint32 fields at idAddr+offset and
// bounds-checks them against the world's coordinate ranges.
func readPositionAt(idAddr uintptr, offset int32) (x, y, z uint32, ok bool) {
	base := uintptr(int64(idAddr) + int64(offset))

	x, ok = memsafe.ReadU32(base)
	if !ok {
		return 0, 0, 0, false
	}
	y, ok = memsafe.ReadU32(base + 4)
	if !ok {
		return 0, 0, 0, false
	}
	z, ok = memsafe.ReadU32(base + 8)
	if !ok {
		return 0, 0, 0, false
	}

	if x > worldBoundXY || y > worldBoundXY || z > worldBoundZ {
		return 0, 0, 0, false
	}
	return x, y, z, true
}
