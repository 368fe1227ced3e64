package memory

import (
	"sync"

	"github.com/exos-project/exos/internal/kernelerr"
)

// PageDirectoryEntries covers 4 GiB of virtual address space in PageSize
// chunks (spec.md §3.2: "1024 entries of 4 bytes").
const PageDirectoryEntries = 1024

// pte is a simulated page-table-entry: present/writable/user bits plus the
// backing physical frame. Real i386 hardware packs this into one 32-bit
// word; we keep it as a struct since nothing in this module walks raw
// memory as a CR3-addressed table.
type pte struct {
	present   bool
	writable  bool
	user      bool
	physical  uint32
}

// PageDirectory is a simulated address space: one page table worth of
// linear pages, indexed by linear address >> 12. ID 0 is reserved to mean
// "no directory" the way a nil physical address would.
type PageDirectory struct {
	ID      uint32
	entries map[uint32]pte // keyed by linear page index
}

func newPageDirectory(id uint32) *PageDirectory {
	return &PageDirectory{ID: id, entries: make(map[uint32]pte)}
}

// Engine is C2: it builds page directories, maps/unmaps ranges, and
// provides the single temp-map slot used to touch arbitrary physical
// memory (spec.md §4.2). It owns the frame allocator and the "recursive
// self-map" idiom is represented here only as a reserved, unmappable
// linear range (SelfMapBase) so callers can't accidentally allocate a
// region that collides with it.
type Engine struct {
	mu          sync.Mutex
	frames      *FrameAllocator
	directories map[uint32]*PageDirectory
	nextDirID   uint32
	active      *PageDirectory
	kernelDir   *PageDirectory

	// tempSlotPhysical/tempSlotMapped are the single per-CPU temporary-mapping slot
	// (map_temporary_physical_page1).
	tempSlotPhysical uint32
	tempSlotMapped   bool
}

// SelfMapBase is the fixed linear address reserved for the recursive
// self-map of page tables (spec.md §4.2). No region may be allocated at or
// above this address.
const SelfMapBase uint32 = 0xFFC00000

// TempMapLinear is the single fixed linear address the temp-map slot
// resolves to (mirrors a dedicated PTE near the top of kernel space).
const TempMapLinear uint32 = 0xFFBFF000

// NewEngine constructs the page-table engine and its kernel (identity)
// directory.
func NewEngine(frames *FrameAllocator) *Engine {
	e := &Engine{
		frames:      frames,
		directories: make(map[uint32]*PageDirectory),
	}
	e.nextDirID = 1
	e.kernelDir = newPageDirectory(e.nextDirID)
	e.nextDirID++
	e.directories[e.kernelDir.ID] = e.kernelDir
	e.active = e.kernelDir
	return e
}

// KernelDirectory returns the shared kernel half-directory every process
// inherits identically (spec.md §3.2 invariant).
func (e *Engine) KernelDirectory() *PageDirectory {
	return e.kernelDir
}

// AllocUserPageDirectory creates a fresh page directory seeded with the
// kernel's identically-mapped entries and returns its (simulated)
// "physical" handle.
func (e *Engine) AllocUserPageDirectory() (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := newPageDirectory(e.nextDirID)
	e.nextDirID++
	for linear, entry := range e.kernelDir.entries {
		dir.entries[linear] = entry
	}
	e.directories[dir.ID] = dir
	return dir.ID, nil
}

// FreeUserPageDirectory releases every frame the directory owns (that
// isn't shared with the kernel half) and forgets the directory.
func (e *Engine) FreeUserPageDirectory(id uint32) error {
	e.mu.Lock()
	dir, ok := e.directories[id]
	if !ok {
		e.mu.Unlock()
		return kernelerr.New(kernelerr.InvalidArgument, "FreeUserPageDirectory: unknown directory")
	}
	if dir == e.kernelDir {
		e.mu.Unlock()
		return kernelerr.New(kernelerr.Permission, "FreeUserPageDirectory: refusing to free kernel directory")
	}
	owned := make([]uint32, 0, len(dir.entries))
	for linear, entry := range dir.entries {
		if _, sharedWithKernel := e.kernelDir.entries[linear]; sharedWithKernel {
			continue
		}
		if entry.present {
			owned = append(owned, entry.physical)
		}
	}
	delete(e.directories, id)
	if e.active == dir {
		e.active = e.kernelDir
	}
	e.mu.Unlock()

	for _, phys := range owned {
		_ = e.frames.FreePage(phys)
	}
	return nil
}

// LoadPageDirectory switches the active directory (simulating a CR3
// reload). Only called from task context, never IRQ context (spec.md §5).
func (e *Engine) LoadPageDirectory(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir, ok := e.directories[id]
	if !ok {
		return kernelerr.New(kernelerr.InvalidArgument, "LoadPageDirectory: unknown directory")
	}
	e.active = dir
	return nil
}

// ActiveDirectoryID reports which directory is currently loaded.
func (e *Engine) ActiveDirectoryID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.ID
}

// mapPage installs a present PTE for one linear page of dir, backed by a
// freshly allocated frame when alloc is true, or by explicitPhysical
// otherwise.
func (e *Engine) mapPage(dir *PageDirectory, linear uint32, writable, user bool, alloc bool, explicitPhysical uint32) error {
	if alloc {
		phys, err := e.frames.AllocPage()
		if err != nil {
			return err
		}
		dir.entries[linear] = pte{present: true, writable: writable, user: user, physical: phys}
		return nil
	}
	dir.entries[linear] = pte{present: true, writable: writable, user: user, physical: explicitPhysical}
	return nil
}

// unmapPage clears linear's PTE in dir, freeing its backing frame.
func (e *Engine) unmapPage(dir *PageDirectory, linear uint32) error {
	entry, ok := dir.entries[linear]
	if !ok || !entry.present {
		return nil
	}
	delete(dir.entries, linear)
	return e.frames.FreePage(entry.physical)
}

// MapTemporaryPhysicalPage1 maps physical onto the single per-CPU temp
// slot and returns the linear address it is now reachable at. A second
// call simply re-points the same slot (spec.md §4.2: "single per-CPU
// slot").
func (e *Engine) MapTemporaryPhysicalPage1(physical uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active.entries[TempMapLinear/PageSize] = pte{present: true, writable: true, user: false, physical: physical}
	e.tempSlotPhysical = physical
	e.tempSlotMapped = true
	return TempMapLinear, nil
}

// IsValidMemory walks the active directory and returns true iff the
// linear page is present.
func (e *Engine) IsValidMemory(linear uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.active.entries[linear/PageSize]
	return ok && entry.present
}

// directoryFor is a small helper so Region-level code (region.go) can
// reach a specific directory's mapping table without exposing the map
// type publicly.
func (e *Engine) directoryFor(id uint32) (*PageDirectory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir, ok := e.directories[id]
	if !ok {
		return nil, kernelerr.New(kernelerr.InvalidArgument, "directoryFor: unknown directory")
	}
	return dir, nil
}
