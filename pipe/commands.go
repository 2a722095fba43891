package pipe

import (
	"encoding/hex"
	"encoding/json"

	"dbvbot/courier"
	"dbvbot/creaturemap"
	"dbvbot/memsafe"
)

// command is decoded once per line with a permissive schema: most fields
// are optional and only consulted by the matching cmd (§4.8's minimal
// vocabulary). set_offsets additionally carries arbitrary named offset
// fields at the top level, read separately via rawFields.
type command struct {
	Cmd        string `json:"cmd"`
	PlayerID   *int64 `json:"player_id"`
	Enabled    *bool  `json:"enabled"`
	CreatureID *int64 `json:"creature_id"`
	Addr       *int64 `json:"addr"`
	Size       *int64 `json:"size"`
	DataHex    string `json:"data"`
}

// dispatch parses and executes one command line. Malformed JSON or a
// line missing "cmd" is not executed; it only leaves a trace line in
// debug.log (§7), as an unknown "cmd" value does.
func (s *Server) dispatch(handle uintptr, line string) {
	if line == "" {
		return
	}
	var cmd command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil || cmd.Cmd == "" {
		s.logs.Debugf("pipe", "trace: malformed command line %q", line)
		return
	}

	switch cmd.Cmd {
	case "init":
		if cmd.PlayerID != nil {
			s.walker.SetPlayerID(uint32(*cmd.PlayerID))
		}

	case "set_offsets":
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return
		}
		fields := make(map[string]int64, len(raw))
		for k, v := range raw {
			if k == "cmd" {
				continue
			}
			var n int64
			if err := json.Unmarshal(v, &n); err == nil {
				fields[k] = n
			}
		}
		s.reg.Update(fields)

	case "scan_gmap":
		addr, ok := creaturemap.Locate(s.img, s.reg)
		if ok {
			s.walker.SetMapAddr(addr)
		}
		s.logs.Debugf("pipe", "scan_gmap found=%v addr=0x%x", ok, addr)

	case "use_map_scan":
		if cmd.Enabled != nil {
			s.walker.SetMapScanMode(*cmd.Enabled)
		}

	case "hook_wndproc":
		_, ok := courier.Install(s.orch.UIEntry)
		s.logs.Debugf("pipe", "hook_wndproc ok=%v", ok)

	case "hook_attack":
		err := s.hooks.InstallAttackHook()
		s.logs.Debugf("pipe", "hook_attack err=%v", err)

	case "hook_xtea":
		err := s.hooks.InstallXTEA(s.dispatchAddr)
		s.logs.Debugf("pipe", "hook_xtea err=%v", err)

	case "unhook_xtea":
		s.hooks.UnhookXTEA()

	case "reset_xtea":
		s.hooks.ResetCaptureRing()

	case "game_attack":
		if cmd.CreatureID != nil {
			if s.orch.RequestAttack(uint32(*cmd.CreatureID)) {
				courier.Post()
			}
		}

	case "dump_mem", "read_mem":
		if cmd.Addr == nil || cmd.Size == nil {
			return
		}
		buf, ok := memsafe.ReadBytes(uintptr(*cmd.Addr), int(*cmd.Size))
		s.writeLine(handle, map[string]any{
			"reply": cmd.Cmd, "addr": *cmd.Addr, "ok": ok,
			"data": hex.EncodeToString(buf),
		})

	case "write_mem":
		if cmd.Addr == nil {
			return
		}
		data, err := hex.DecodeString(cmd.DataHex)
		if err != nil {
			return
		}
		ok := memsafe.WriteBytes(uintptr(*cmd.Addr), data)
		s.writeLine(handle, map[string]any{"reply": "write_mem", "addr": *cmd.Addr, "ok": ok})

	case "deref":
		if cmd.Addr == nil {
			return
		}
		v, ok := memsafe.ReadU32(uintptr(*cmd.Addr))
		s.writeLine(handle, map[string]any{"reply": "deref", "addr": *cmd.Addr, "ok": ok, "value": v})

	case "find_xrefs":
		if cmd.Addr == nil {
			return
		}
		s.writeLine(handle, map[string]any{"reply": "find_xrefs", "xrefs": s.findXrefs(uint32(*cmd.Addr))})

	case "dump_code":
		if cmd.Addr == nil || cmd.Size == nil {
			return
		}
		buf, ok := memsafe.ReadBytes(uintptr(*cmd.Addr), int(*cmd.Size))
		s.writeLine(handle, map[string]any{"reply": "dump_code", "ok": ok, "data": hex.EncodeToString(buf)})

	case "query_attack":
		s.writeLine(handle, map[string]any{
			"reply": "query_attack", "identity": s.hooks.CapturedIdentity(),
		})

	case "query_game":
		s.writeLine(handle, map[string]any{
			"reply": "query_game", "map_addr": s.walker.MapAddr(),
		})

	case "scan_game_attack":
		addr, ok := creaturemap.Locate(s.img, s.reg)
		s.writeLine(handle, map[string]any{"reply": "scan_game_attack", "ok": ok, "addr": addr})

	case "stop":
		s.Stop()

	default:
		s.logs.Debugf("pipe", "trace: unknown command %q", cmd.Cmd)
	}
}

// findXrefs performs a word-aligned scan of the host module's whole
// image (base to base+Size, at most maxHits hits) for any 32-bit word
// equal to target — the same scan shape as the Map Locator's
// data-section fallback (§4.4c step 3),
// generalized from "find a map header" to "find any reference".
func (s *Server) findXrefs(target uint32) []uint32 {
	const maxHits = 64
	var hits []uint32
	base := s.img.Base
	size := uintptr(s.img.Size)
	for off := uintptr(0); off+4 <= size && len(hits) < maxHits; off += 4 {
		v, ok := memsafe.ReadU32(base + off)
		if ok && v == target {
			hits = append(hits, uint32(base+off))
		}
	}
	return hits
}
