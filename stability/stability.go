// Package stability is the Stability Heuristic (C10): it suppresses
// targeting calls while the creature map is known to be in flux,
// mirroring the time.Since(lastX) >= cooldown idiom bot.go uses for its
// attack/loot pacing (b.lastAttackTime, b.lastLootTime), generalized
// from a single cooldown to the three independent ones §4.9 names.
package stability

import (
	"sync"
	"time"
)

const (
	faultCooldown       = 2 * time.Second
	countChangeCooldown = 1 * time.Second

	// largeCountDelta is the |new-prev| threshold that counts as a
	// "sudden population change" (§4.9).
	largeCountDelta = 5
)

// Heuristic holds the three timestamps §4.9 tracks. Zero value is
// ready to use: "stable" until the first fault or population jump.
type Heuristic struct {
	mu sync.Mutex

	scannerFault time.Time
	attackFault  time.Time
	countChange  time.Time

	prevCount int
	haveCount bool
	lastDelta int
}

// RecordScannerFault marks a fault observed on the scanner thread.
func (h *Heuristic) RecordScannerFault(at time.Time) {
	h.mu.Lock()
	h.scannerFault = at
	h.mu.Unlock()
}

// RecordAttackFault marks a fault observed on the UI/targeting thread.
func (h *Heuristic) RecordAttackFault(at time.Time) {
	h.mu.Lock()
	h.attackFault = at
	h.mu.Unlock()
}

// ObserveCount is called once per scan cycle with the new creature
// count; it updates the count-change timestamp when the delta from
// the previous cycle is ≥ largeCountDelta (§4.9).
func (h *Heuristic) ObserveCount(count int, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.haveCount && h.prevCount > 0 {
		delta := count - h.prevCount
		if delta < 0 {
			delta = -delta
		}
		h.lastDelta = delta
		if delta >= largeCountDelta {
			h.countChange = now
		}
	}
	h.prevCount = count
	h.haveCount = true
}

// LastCountDelta returns the |new-prev| population delta observed on the
// most recent ObserveCount call, for crash-log context (§4.11/C12).
func (h *Heuristic) LastCountDelta() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastDelta
}

// Unstable reports whether targeting should be deferred right now:
// any of the three timestamps falling within its own cooldown window.
func (h *Heuristic) Unstable(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.scannerFault.IsZero() && now.Sub(h.scannerFault) < faultCooldown {
		return true
	}
	if !h.attackFault.IsZero() && now.Sub(h.attackFault) < faultCooldown {
		return true
	}
	if !h.countChange.IsZero() && now.Sub(h.countChange) < countChangeCooldown {
		return true
	}
	return false
}
