package offsets

import "testing"

func TestDefaults(t *testing.T) {
	r := Defaults()
	if got := r.PositionOffsetNPC(); got != 576 {
		t.Errorf("PositionOffsetNPC = %d, want 576", got)
	}
	if got := r.PositionOffsetPlayer(); got != -40 {
		t.Errorf("PositionOffsetPlayer = %d, want -40", got)
	}
	if r.AttackFuncRVA.Load() != 0 {
		t.Errorf("AttackFuncRVA should be zero until set_offsets/config supplies a value")
	}
}

func TestUpdatePartial(t *testing.T) {
	r := Defaults()
	r.Update(map[string]int64{
		"attack_func": 0x1234,
		"off_health":  0x50,
	})
	if got := r.AttackFuncRVA.Load(); got != 0x1234 {
		t.Errorf("AttackFuncRVA = 0x%X, want 0x1234", got)
	}
	if got := r.OffHealth.Load(); got != 0x50 {
		t.Errorf("OffHealth = 0x%X, want 0x50", got)
	}
	// Untouched fields keep their compiled-in defaults.
	if got := r.PositionOffsetNPC(); got != 576 {
		t.Errorf("PositionOffsetNPC changed unexpectedly: %d", got)
	}
}

func TestUpdateUnknownKeyIgnored(t *testing.T) {
	r := Defaults()
	r.Update(map[string]int64{"not_a_field": 99})
	// Nothing should panic and every real field stays at its default.
	if r.AttackFuncRVA.Load() != 0 {
		t.Errorf("AttackFuncRVA should still be zero")
	}
}

func TestUpdateNegativeOffset(t *testing.T) {
	r := Defaults()
	r.Update(map[string]int64{"off_position_player": -80})
	if got := r.PositionOffsetPlayer(); got != -80 {
		t.Errorf("PositionOffsetPlayer = %d, want -80", got)
	}
}
