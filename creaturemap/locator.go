package creaturemap

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dbvbot/memsafe"
	"dbvbot/moduleimage"
	"dbvbot/offsets"
)

// maxScanWorkers bounds how many data-section chunks are validated
// concurrently during the step-3 fallback scan.
const maxScanWorkers = 4

// scanChunkSize is the unit of work handed to each worker.
const scanChunkSize = 0x10000

// prologueScanLen bounds how many bytes of the attack function's
// prologue are disassembled for absolute-address operands (§4.4c
// step 1). A handful of MSVC prologue instructions easily fits in
// this window; going further risks walking into the function body.
const prologueScanLen = 64

// dataSectionScanLen bounds the word-aligned fallback sweep (§4.4c
// step 3) over the host module's data section.
const dataSectionScanLen = 0x200000

// Locate runs the one-shot Map Locator (C5): extract absolute
// addresses referenced from the attack function's prologue, validate
// each as a header directly and once-dereferenced, and fall back to a
// bounded data-section scan. First validated address wins.
func Locate(img *moduleimage.Image, reg *offsets.Registry) (uintptr, bool) {
	attackRVA := reg.AttackFuncRVA.Load()
	if attackRVA == 0 {
		return 0, false
	}
	attackAddr := img.RVA(attackRVA)

	prologue, ok := memsafe.ReadBytes(attackAddr, prologueScanLen)
	if ok {
		for _, cand := range extractAbsoluteOperands(prologue) {
			if addr, ok := validateCandidate(uintptr(cand)); ok {
				return addr, true
			}
		}
	}

	if addr, ok := scanDataSection(img); ok {
		return addr, true
	}

	return 0, false
}

// extractAbsoluteOperands walks buf looking for the handful of x86
// instruction forms that embed a 32-bit absolute memory operand:
// MOV r32, imm32 (B8-BF); MOV r/m32, imm32 with a direct [disp32]
// ModRM (C7 /0, mod=00 rm=101); LEA r32, [disp32] (8D /r, mod=00
// rm=101); PUSH imm32 (68); and the short-form direct-address MOV
// eax forms (A1/A3). Deduplicated on return.
func extractAbsoluteOperands(buf []byte) []uint32 {
	var out []uint32
	seen := map[uint32]bool{}
	add := func(v uint32) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	for i := 0; i < len(buf); {
		b := buf[i]
		switch {
		case b >= 0xB8 && b <= 0xBF && i+5 <= len(buf):
			add(leU32(buf[i+1 : i+5]))
			i += 5
		case b == 0x68 && i+5 <= len(buf):
			add(leU32(buf[i+1 : i+5]))
			i += 5
		case b == 0xA1 || b == 0xA3:
			if i+5 <= len(buf) {
				add(leU32(buf[i+1 : i+5]))
			}
			i += 5
		case b == 0xC7 && i+2 <= len(buf) && buf[i+1]&0xC7 == 0x05:
			if i+10 <= len(buf) {
				add(leU32(buf[i+2 : i+6]))
			}
			i += 10
		case b == 0x8D && i+2 <= len(buf) && buf[i+1]&0xC7 == 0x05:
			if i+6 <= len(buf) {
				add(leU32(buf[i+2 : i+6]))
			}
			i += 6
		default:
			i++
		}
	}
	return out
}

// validateCandidate checks addr directly as a header, and, if that
// fails, dereferences it once and checks the pointed-to word.
func validateCandidate(addr uintptr) (uintptr, bool) {
	if addr != 0 && memsafe.IsValidPtr(uint32(addr)) && validateHeaderAt(addr) {
		return addr, true
	}
	if ptr, ok := memsafe.ReadU32(addr); ok && memsafe.IsValidPtr(ptr) {
		if validateHeaderAt(uintptr(ptr)) {
			return uintptr(ptr), true
		}
	}
	return 0, false
}

// validateHeaderAt implements §4.4c step 2's "validate as header":
// count in [1,500], sentinel structurally valid, and each node checked
// has a key in the creature-id window. Starting at the sentinel's left
// node, up to three nodes are checked by following each node's right
// link, or its parent link when the right link is 0; this is not an
// in-order walk, and the check ends early at the head or an is-nil node.
func validateHeaderAt(addr uintptr) bool {
	sentinelPtr, ok := memsafe.ReadU32(addr)
	if !ok {
		return false
	}
	count, ok := memsafe.ReadU32(addr + 4)
	if !ok || count == 0 || count > MaxElementCount {
		return false
	}

	sn, ok := readSentinelAt(uintptr(sentinelPtr))
	if !ok || !validSentinel(sn) {
		return false
	}

	node := sn.left
	for i := 0; i < 3 && node != 0 && node != uintptr(sentinelPtr); i++ {
		buf, ok := memsafe.ReadBytes(node, nodeRecordSize)
		if !ok {
			return false
		}
		rec := decodeSentinel(buf[:nodeHeaderSize])
		if rec.isNil == 1 {
			break
		}
		key := leU32(buf[nodeKeyOffset:nodeValueOffset])
		if key < MinCreatureID || key >= MaxCreatureID {
			return false
		}
		node = rec.right
		if node == 0 {
			node = rec.parent
		}
	}
	return true
}

func readSentinelAt(addr uintptr) (sentinelNode, bool) {
	buf, ok := memsafe.ReadBytes(addr, nodeHeaderSize)
	if !ok {
		return sentinelNode{}, false
	}
	return decodeSentinel(buf), true
}

// scanDataSection walks the host module's image word-aligned from its
// base, validating each candidate word as a header (§4.4c step 3).
// Sections are not filtered: code and read-only sections inside the
// scanned range are checked too. Bounded to dataSectionScanLen bytes past the module base
// so a locator run on a stripped or unusually laid-out build still
// terminates quickly instead of walking the whole address space (that
// exhaustive sweep is what the heap-scan fallback mode is for).
//
// The bounded region is split into fixed-size chunks and handed to a
// semaphore-gated pool of goroutines (errgroup-supervised) so the
// one-shot scan doesn't serialize on ReadBytes round-trips chunk by
// chunk. The lowest validated address wins; a chunk that starts after
// a hit is already recorded skips its scan, since it lies above it.
func scanDataSection(img *moduleimage.Image) (uintptr, bool) {
	limit := uint32(img.Size)
	if limit == 0 || limit > dataSectionScanLen {
		limit = dataSectionScanLen
	}

	sem := semaphore.NewWeighted(maxScanWorkers)
	g, ctx := errgroup.WithContext(context.Background())

	var mu sync.Mutex
	var found uintptr
	var foundOk bool

	for base := uint32(0); base < limit; base += scanChunkSize {
		end := base + scanChunkSize
		if end > limit {
			end = limit
		}
		b, e := base, end
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			mu.Lock()
			done := foundOk
			mu.Unlock()
			if done {
				return nil
			}
			for off := b; off+4 <= e; off += 4 {
				addr := img.RVA(off)
				if validateHeaderAt(addr) {
					mu.Lock()
					if !foundOk || addr < found {
						found, foundOk = addr, true
					}
					mu.Unlock()
					return nil
				}
			}
			return nil
		})
	}

	g.Wait()
	return found, foundOk
}
