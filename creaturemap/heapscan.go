package creaturemap

import (
	"context"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dbvbot/memsafe"
)

var (
	kernel32Heap     = syscall.NewLazyDLL("kernel32.dll")
	procVirtualQuery = kernel32Heap.NewProc("VirtualQuery")
)

func virtualQuery(addr uintptr) (memoryBasicInformation, bool) {
	var mbi memoryBasicInformation
	ret, _, _ := procVirtualQuery.Call(addr, uintptr(unsafe.Pointer(&mbi)), unsafe.Sizeof(mbi))
	return mbi, ret != 0
}

// Heap-scan cadence. original_source/dll/dbvbot.cpp drives a cheap
// re-read of cached addresses (fast_scan) far more often than the
// expensive full VirtualQuery sweep (full_scan); this module keeps
// that same split.
const (
	fullScanInterval = 5 * time.Second
	fastScanInterval = 200 * time.Millisecond

	memCommit            = 0x1000
	pageReadWrite         = 0x04
	pageExecuteReadWrite2 = 0x40
	scanFloor             = 0x10000
	scanCeiling           = 0x7FFE0000

	maxRegionWorkers = 4
)

type memoryBasicInformation struct {
	BaseAddress       uintptr
	AllocationBase    uintptr
	AllocationProtect uint32
	RegionSize        uintptr
	State             uint32
	Protect           uint32
	Type              uint32
}

// heapScanCycle runs one cycle of the fallback mode (§4.4): a cheap
// fast re-read of previously found addresses on most cycles, and an
// occasional full committed-memory sweep to discover new candidates.
// It never touches w.mapAddr/mapScanMode — heap-scan and tree-walk
// are mutually exclusive per Cycle's dispatch, never intermixed.
func (w *Walker) heapScanCycle() []Snapshot {
	now := time.Now()

	if w.heap.lastFull.IsZero() || now.Sub(w.heap.lastFull) > fullScanInterval {
		w.heap.knownAddrs = w.fullScan()
		w.heap.lastFull = now
		w.heap.lastFast = now
	} else if now.Sub(w.heap.lastFast) > fastScanInterval {
		w.heap.knownAddrs = w.fastScan(w.heap.knownAddrs)
		w.heap.lastFast = now
	}

	rows := make([]Snapshot, 0, len(w.heap.knownAddrs))
	for _, addr := range w.heap.knownAddrs {
		id, ok := memsafe.ReadU32(addr)
		if !ok {
			continue
		}
		if row, ok := w.validateAndExtract(id, uint32(addr)); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// fastScan re-validates previously discovered candidate addresses,
// dropping any that no longer hold a matching id (reread_creature).
func (w *Walker) fastScan(known []uintptr) []uintptr {
	out := known[:0]
	for _, addr := range known {
		if w.rereadCandidate(addr) {
			out = append(out, addr)
		}
	}
	return out
}

func (w *Walker) rereadCandidate(addr uintptr) bool {
	buf, ok := memsafe.ReadBytes(addr, 32)
	if !ok {
		return false
	}
	id := leU32(buf[0:4])
	if id < MinCreatureID || id >= MaxCreatureID {
		return false
	}
	return true
}

// fullScan enumerates committed regions via VirtualQuery, then hands
// each qualifying region to a bounded pool of goroutines (semaphore-
// gated so at most maxRegionWorkers run ReadBytes concurrently) and
// collects their candidates under a mutex. errgroup waits for every
// worker before the sweep returns; workers never return an error, so
// one region's scan does not cancel the others.
func (w *Walker) fullScan() []uintptr {
	sem := semaphore.NewWeighted(maxRegionWorkers)
	g, ctx := errgroup.WithContext(context.Background())

	var mu sync.Mutex
	var found []uintptr
	full := false

	addr := uintptr(scanFloor)
	for addr < uintptr(scanCeiling) {
		mbi, ok := virtualQuery(addr)
		if !ok {
			break
		}
		regionStart := mbi.BaseAddress
		regionEnd := regionStart + mbi.RegionSize

		if mbi.State == memCommit &&
			(mbi.Protect == pageReadWrite || mbi.Protect == pageExecuteReadWrite2) &&
			mbi.RegionSize >= 32 {

			mu.Lock()
			stop := full
			mu.Unlock()
			if !stop {
				if err := sem.Acquire(ctx, 1); err != nil {
					break
				}
				rs, re := regionStart, regionEnd
				g.Go(func() error {
					defer sem.Release(1)
					rows := w.scanRegion(rs, re)
					mu.Lock()
					defer mu.Unlock()
					for _, a := range rows {
						if len(found) >= MaxCreatures {
							full = true
							break
						}
						if !containsAddr(found, a) {
							found = append(found, a)
						}
					}
					return nil
				})
			}
		}

		if regionEnd <= addr {
			break
		}
		addr = regionEnd
	}

	g.Wait()
	return found
}

// scanRegion walks one committed region page by page, looking for a
// word-aligned creature-id candidate and validating the handful of
// fields original_source's full_scan checks before it commits to a
// try_read_name call: id window, inline SSO size/capacity, hp word.
func (w *Walker) scanRegion(start, end uintptr) []uintptr {
	const pageSize = 4096
	var out []uintptr

	for page := start; page < end && len(out) < MaxCreatures; page += pageSize {
		pageEnd := page + pageSize
		if pageEnd > end {
			pageEnd = end
		}
		if pageEnd-page < 32 {
			continue
		}
		buf, ok := memsafe.ReadBytes(page, int(pageEnd-page))
		if !ok {
			continue
		}

		maxIdx := (len(buf) - 32) / 4
		for i := 0; i < maxIdx && len(out) < MaxCreatures; i++ {
			off := i * 4
			id := leU32(buf[off : off+4])
			if id < MinCreatureID || id >= MaxCreatureID {
				continue
			}
			strSize := leU32(buf[off+20 : off+24])
			if strSize == 0 || strSize > 30 {
				continue
			}
			strCap := leU32(buf[off+24 : off+28])
			if strCap < strSize || strCap >= 256 {
				continue
			}
			hpWord := leU32(buf[off+28 : off+32])
			if hpWord > 100 {
				continue
			}

			addr := page + uintptr(off)
			if containsAddr(out, addr) {
				continue
			}
			out = append(out, addr)
		}
	}

	return out
}

func containsAddr(haystack []uintptr, v uintptr) bool {
	for _, a := range haystack {
		if a == v {
			return true
		}
	}
	return false
}
