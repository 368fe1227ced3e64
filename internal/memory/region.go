package memory

import (
	"sort"
	"sync"

	"github.com/exos-project/exos/internal/kernelerr"
	"github.com/exos-project/exos/internal/metrics"
)

// Region is a named, half-open linear range [Base, Base+Size) within one
// address space (spec.md §3.2).
type Region struct {
	Name      string
	Base      uint32
	Size      uint32
	Commit    bool
	ReadWrite bool
	AtOrOver  bool
	User      bool
}

func (r Region) End() uint32 { return r.Base + r.Size }

func (r Region) overlaps(other Region) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// RegionManager is C4: the per-address-space list of Region records. One
// RegionManager exists per process plus one for the kernel half, matching
// spec.md §3.2/§4.4.
type RegionManager struct {
	mu        sync.Mutex
	engine    *Engine
	dirID     uint32
	regions   []Region
	processID string
	metrics   *metrics.Registry
}

// NewRegionManager creates a region manager bound to the given page
// directory (the kernel directory, or a user process's directory).
func NewRegionManager(engine *Engine, dirID uint32, processID string, reg *metrics.Registry) *RegionManager {
	return &RegionManager{engine: engine, dirID: dirID, processID: processID, metrics: reg}
}

// AllocRegion reserves [base, base+size) (or an engine-chosen base when
// AtOrOver is false and hint collides) named name, with the given flags.
// When Commit is set, every page of the region gets a freshly allocated
// frame installed with the declared protection bits (spec.md §4.2).
func (m *RegionManager) AllocRegion(hint, size uint32, commit, readWrite, atOrOver, user bool, name string) (uint32, error) {
	if size == 0 {
		return 0, kernelerr.New(kernelerr.InvalidArgument, "AllocRegion: zero size")
	}
	aligned := alignUp(size, PageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	base, err := m.placeLocked(hint, aligned, atOrOver)
	if err != nil {
		return 0, err
	}

	region := Region{Name: name, Base: base, Size: aligned, Commit: commit, ReadWrite: readWrite, AtOrOver: atOrOver, User: user}

	if commit {
		dir, err := m.engine.directoryFor(m.dirID)
		if err != nil {
			return 0, err
		}
		mapped := uint32(0)
		for linear := base; linear < base+aligned; linear += PageSize {
			if err := m.engine.mapPage(dir, linear/PageSize, readWrite, user, true, 0); err != nil {
				// Roll back pages mapped so far before propagating.
				for rollback := base; rollback < base+mapped; rollback += PageSize {
					_ = m.engine.unmapPage(dir, rollback/PageSize)
				}
				return 0, err
			}
			mapped += PageSize
		}
	}

	m.regions = append(m.regions, region)
	m.sortLocked()
	m.publishMetricsLocked()
	return base, nil
}

// placeLocked finds a base address for a size-byte region. If atOrOver,
// the result is hint or the lowest free address >= hint; otherwise the
// engine may place it anywhere non-overlapping at or above hint.
func (m *RegionManager) placeLocked(hint, size uint32, atOrOver bool) (uint32, error) {
	candidate := alignUp(hint, PageSize)
	if candidate == 0 {
		candidate = PageSize // never place a region at linear address 0
	}

	for {
		if uint64(candidate)+uint64(size) > uint64(SelfMapBase) {
			return 0, kernelerr.New(kernelerr.NoMemory, "placeLocked: no room below self-map")
		}
		proposed := Region{Base: candidate, Size: size}
		collision := false
		for _, existing := range m.regions {
			if proposed.overlaps(existing) {
				collision = true
				candidate = alignUp(existing.End(), PageSize)
				break
			}
		}
		if !collision {
			return candidate, nil
		}
		if !atOrOver && candidate == hint {
			// Non-AT_OR_OVER callers walk forward on collision exactly as
			// AT_OR_OVER callers do; placement does not depend on the
			// flag.
		}
	}
}

func (m *RegionManager) sortLocked() {
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
}

// FreeRegion decommits every page the named region covers (freeing
// backing frames and clearing PTEs) and removes it from the list.
func (m *RegionManager) FreeRegion(base uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, r := range m.regions {
		if r.Base == base {
			idx = i
			break
		}
	}
	if idx == -1 {
		return kernelerr.New(kernelerr.NotFound, "FreeRegion: no such region")
	}

	region := m.regions[idx]
	if region.Commit {
		dir, err := m.engine.directoryFor(m.dirID)
		if err != nil {
			return err
		}
		for linear := region.Base; linear < region.End(); linear += PageSize {
			if err := m.engine.unmapPage(dir, linear/PageSize); err != nil {
				return err
			}
		}
	}

	m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
	m.publishMetricsLocked()
	return nil
}

// Lookup returns the named region, if any -- the "named diagnostic
// lookup" spec.md §4.4 calls for.
func (m *RegionManager) Lookup(name string) (Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// All returns a copy of the current region list, ordered by Base.
func (m *RegionManager) All() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

func (m *RegionManager) publishMetricsLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.RegionCount.WithLabelValues(m.processID).Set(float64(len(m.regions)))
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}
