package config

import (
	"os"
	"path/filepath"
	"testing"

	"dbvbot/applog"
	"dbvbot/offsets"
)

func TestLoadOffsetsMissingFileIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	reg := offsets.Defaults()
	logs, err := applog.Open(dir)
	if err != nil {
		t.Fatalf("applog.Open: %v", err)
	}
	defer logs.Close()

	LoadOffsets(dir, reg, logs)

	if reg.AttackFuncRVA.Load() != 0 {
		t.Errorf("AttackFuncRVA should remain at its compiled-in default")
	}
}

func TestLoadOffsetsAppliesFields(t *testing.T) {
	dir := t.TempDir()
	data := `{"attack_func": 4660, "off_health": 80}`
	if err := os.WriteFile(filepath.Join(dir, OffsetsFileName), []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reg := offsets.Defaults()
	logs, err := applog.Open(dir)
	if err != nil {
		t.Fatalf("applog.Open: %v", err)
	}
	defer logs.Close()

	LoadOffsets(dir, reg, logs)

	if got := reg.AttackFuncRVA.Load(); got != 4660 {
		t.Errorf("AttackFuncRVA = %d, want 4660", got)
	}
	if got := reg.OffHealth.Load(); got != 80 {
		t.Errorf("OffHealth = %d, want 80", got)
	}
}

func TestLoadOffsetsMalformedFileIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, OffsetsFileName), []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reg := offsets.Defaults()
	logs, err := applog.Open(dir)
	if err != nil {
		t.Fatalf("applog.Open: %v", err)
	}
	defer logs.Close()

	LoadOffsets(dir, reg, logs)

	if reg.AttackFuncRVA.Load() != 0 {
		t.Errorf("AttackFuncRVA should remain at its compiled-in default on malformed input")
	}
}
