package stability

import (
	"testing"
	"time"
)

func TestUnstableZeroValue(t *testing.T) {
	h := &Heuristic{}
	if h.Unstable(time.Now()) {
		t.Errorf("a fresh Heuristic should be stable")
	}
}

func TestScannerFaultCooldown(t *testing.T) {
	h := &Heuristic{}
	now := time.Now()
	h.RecordScannerFault(now)

	if !h.Unstable(now.Add(500 * time.Millisecond)) {
		t.Errorf("expected unstable within the fault cooldown window")
	}
	if h.Unstable(now.Add(3 * time.Second)) {
		t.Errorf("expected stable once the fault cooldown has elapsed")
	}
}

func TestAttackFaultCooldown(t *testing.T) {
	h := &Heuristic{}
	now := time.Now()
	h.RecordAttackFault(now)

	if !h.Unstable(now.Add(time.Second)) {
		t.Errorf("expected unstable within the attack-fault cooldown window")
	}
	if h.Unstable(now.Add(3 * time.Second)) {
		t.Errorf("expected stable once the attack-fault cooldown has elapsed")
	}
}

func TestObserveCountLargeDeltaTriggersCooldown(t *testing.T) {
	h := &Heuristic{}
	now := time.Now()
	h.ObserveCount(10, now)
	h.ObserveCount(20, now.Add(10*time.Millisecond)) // delta 10 >= largeCountDelta

	if !h.Unstable(now.Add(100 * time.Millisecond)) {
		t.Errorf("expected unstable after a large population jump")
	}
	if h.Unstable(now.Add(2 * time.Second)) {
		t.Errorf("expected stable once the count-change cooldown has elapsed")
	}
}

func TestObserveCountSmallDeltaIgnored(t *testing.T) {
	h := &Heuristic{}
	now := time.Now()
	h.ObserveCount(10, now)
	h.ObserveCount(12, now.Add(10*time.Millisecond)) // delta 2 < largeCountDelta

	if h.Unstable(now.Add(20 * time.Millisecond)) {
		t.Errorf("a small population change should not trigger instability")
	}
}

func TestObserveCountFirstSampleNeverTriggers(t *testing.T) {
	h := &Heuristic{}
	now := time.Now()
	h.ObserveCount(500, now) // no prior sample to diff against
	if h.Unstable(now) {
		t.Errorf("the first observed count should never itself trigger instability")
	}
}
