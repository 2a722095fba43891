package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"dbvbot/applog"
	"dbvbot/offsets"
)

// OffsetsFileName is the file the loader looks for beside the module's
// install directory at attach (§6).
const OffsetsFileName = "offsets.json"

// LoadOffsets reads dir/offsets.json, if present, and applies its top-
// level fields to reg via the same partial-update path the pipe's
// set_offsets command uses (offsets.Registry.Update). Grounded on
// BuffWhitelist.LoadFromFile's os.ReadFile + json.Unmarshal idiom: a
// missing or malformed file is never fatal, it just leaves the
// compiled-in defaults in place and records why to the debug log (§6).
func LoadOffsets(dir string, reg *offsets.Registry, logs *applog.Logs) {
	path := filepath.Join(dir, OffsetsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		logs.Debugf("config", "no %s found, using compiled-in defaults", OffsetsFileName)
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logs.Debugf("config", "malformed %s, using compiled-in defaults: %v", OffsetsFileName, err)
		return
	}

	fields := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		if err := json.Unmarshal(v, &n); err == nil {
			fields[k] = n
		}
	}
	reg.Update(fields)
	logs.Debugf("config", "loaded %d offset field(s) from %s", len(fields), OffsetsFileName)
}
