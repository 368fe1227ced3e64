// Package memory implements C1-C4 of spec.md: the physical frame
// allocator, the page-table/region engine, the per-process heap, and the
// named region manager.
package memory

import (
	"sync"

	"github.com/exos-project/exos/internal/kernelerr"
	"github.com/exos-project/exos/internal/metrics"
)

// PageSize is the fixed frame size spec.md assumes throughout (§3.1).
const PageSize = 4096

// FrameState is FREE or USED (spec.md §3.1); the allocator records it as
// one bool per frame.
type FrameState uint8

const (
	Free FrameState = iota
	Used
)

// FrameAllocator is C1: a bitmap-per-frame buddy-style allocator. Despite
// the name carried over from spec.md (and the original kernel's naming),
// this release only implements order-0 (single frame) allocation, exactly
// as spec.md §4.1 describes; set_range is the boot-time painting
// operation used to mark reservations irrespective of any buddy merging.
type FrameAllocator struct {
	mu        sync.Mutex // the global "memory" mutex of spec.md §5
	bitmap    []bool     // true == USED
	ready     bool
	metrics   *metrics.Registry
}

// NewFrameAllocator builds an allocator over pageCount frames, all
// initially FREE. Callers prime reservations with SetRange before marking
// the allocator ready.
func NewFrameAllocator(pageCount int, reg *metrics.Registry) *FrameAllocator {
	return &FrameAllocator{
		bitmap:  make([]bool, pageCount),
		metrics: reg,
	}
}

// PageCount returns the total number of frames known to the allocator.
func (a *FrameAllocator) PageCount() int {
	return len(a.bitmap)
}

// SetRange flips an arbitrary [first, first+count) range of frame indices
// to used or free, irrespective of buddy merging. Used only during boot to
// paint reservations (spec.md §4.1).
func (a *FrameAllocator) SetRange(first, count int, used bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if first < 0 || count < 0 || first+count > len(a.bitmap) {
		return kernelerr.New(kernelerr.InvalidArgument, "SetRange: range out of bounds")
	}

	for i := first; i < first+count; i++ {
		a.bitmap[i] = used
	}
	a.publishMetricsLocked()
	return nil
}

// MarkReady flips the allocator into service; AllocPage refuses to run
// before this, matching IsReady's role as a boot-sequencing guard.
func (a *FrameAllocator) MarkReady() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = true
}

// IsReady reports whether the allocator has finished its boot-time
// reservation painting and may serve allocations.
func (a *FrameAllocator) IsReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// AllocPage scans for the lowest FREE frame, marks it USED, and returns its
// physical address (index<<12). Returns a NoMemory error when exhausted.
func (a *FrameAllocator) AllocPage() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ready {
		return 0, kernelerr.New(kernelerr.State, "AllocPage: allocator not ready")
	}

	for i, used := range a.bitmap {
		if !used {
			a.bitmap[i] = true
			a.publishMetricsLocked()
			return uint32(i) * PageSize, nil
		}
	}

	return 0, kernelerr.New(kernelerr.NoMemory, "AllocPage: no free frames")
}

// FreePage marks the frame containing physicalAddress FREE again. Frame 0
// can never be freed (it is always reserved, spec.md §3.1's
// RESERVED_LOW_MEMORY invariant starts above it) and out-of-range indices
// are rejected. Freeing an already-free frame is reported but non-fatal.
func (a *FrameAllocator) FreePage(physicalAddress uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	index := int(physicalAddress / PageSize)
	if index == 0 {
		return kernelerr.New(kernelerr.InvalidArgument, "FreePage: refusing to free frame 0")
	}
	if index < 0 || index >= len(a.bitmap) {
		return kernelerr.New(kernelerr.InvalidArgument, "FreePage: index out of range")
	}

	if !a.bitmap[index] {
		return kernelerr.New(kernelerr.State, "FreePage: frame already free")
	}

	a.bitmap[index] = false
	a.publishMetricsLocked()
	return nil
}

// State reports whether the frame containing physicalAddress is free or
// used, for invariant-checking tests (spec.md §8 invariant 1).
func (a *FrameAllocator) State(physicalAddress uint32) FrameState {
	a.mu.Lock()
	defer a.mu.Unlock()
	index := int(physicalAddress / PageSize)
	if index < 0 || index >= len(a.bitmap) || !a.bitmap[index] {
		return Free
	}
	return Used
}

// Counts returns (free, used) frame counts.
func (a *FrameAllocator) Counts() (free, used int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.bitmap {
		if u {
			used++
		} else {
			free++
		}
	}
	return free, used
}

func (a *FrameAllocator) publishMetricsLocked() {
	if a.metrics == nil {
		return
	}
	var free, used float64
	for _, u := range a.bitmap {
		if u {
			used++
		} else {
			free++
		}
	}
	a.metrics.FramesFree.Set(free)
	a.metrics.FramesUsed.Set(used)
}
