// Package boot implements the Multiboot hand-off and the Kernel
// composition root: the single place that constructs C1-C13 in the order
// spec.md §2's data-flow paragraph names and threads every dependency
// explicitly, grounded on original_source/kernel/source/Kernel.c's
// KernelMain sequencing (see iansmith-mazarin's own KernelMain for the
// "log each bring-up phase" idiom this package follows).
package boot

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/exos-project/exos/internal/arch"
	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/kernelerr"
	"github.com/exos-project/exos/internal/memory"
	"github.com/exos-project/exos/internal/metrics"
	"github.com/exos-project/exos/internal/proc"
	"github.com/exos-project/exos/internal/task"
)

// MemoryMapEntryType mirrors the multiboot_memory_map_t "type" field
// (original_source/kernel/include/vbr-multiboot.h).
type MemoryMapEntryType uint32

const (
	MemoryAvailable       MemoryMapEntryType = 1
	MemoryReserved        MemoryMapEntryType = 2
	MemoryACPIReclaimable MemoryMapEntryType = 3
	MemoryNVS             MemoryMapEntryType = 4
	MemoryBadRAM          MemoryMapEntryType = 5
)

// MemoryMapEntry is one BIOS-reported range from the Multiboot memory map.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryMapEntryType
}

// FramebufferInfo carries the framebuffer descriptor unchanged to the
// early-boot console collaborator (spec.md §6: "passed unchanged").
type FramebufferInfo struct {
	Addr      uint64
	Pitch     uint32
	Width     uint32
	Height    uint32
	BPP       uint8
	Type      uint8
	ColorInfo [6]byte
}

// MultibootInfo is the host-simulated counterpart to spec.md §6's
// MultibootInfo record: the memory map is already parsed into
// MemoryMapEntry values rather than a raw mmap_addr/mmap_length physical
// buffer, since this module never runs under a real BIOS.
type MultibootInfo struct {
	MemLower   uint32
	MemUpper   uint32
	BootDevice uint32
	CmdLine    string
	ModsCount  uint32
	MemoryMap  []MemoryMapEntry
	Framebuffer FramebufferInfo
}

// ReservedLowMemory is the BIOS-era low memory region the kernel never
// hands out, matching RESERVED_LOW_MEMORY's use in
// original_source/kernel/source/Memory.c's MarkUsedPhysicalMemory (1 MiB
// covers real-mode IVT, BDA, and the legacy video/ROM area no retrieved
// header pins down as a named constant).
const ReservedLowMemory uint64 = 1 * 1024 * 1024

// LoaderReservedRange names the physical span the boot loader and kernel
// image itself occupy, so MarkUsedPhysicalMemory never hands those frames
// back out from under the running kernel (original_source/kernel/source/
// Memory.c: "LoaderReservedStart/End"). A zero-sized range is skipped.
type LoaderReservedRange struct {
	Start uint64
	End   uint64
}

// DefaultKernelHeapSize is the size of the KernelHeap region reserved at
// boot (spec.md §4.4: "the kernel process reserves ... KernelHeap ... at
// boot").
const DefaultKernelHeapSize uint32 = 4 * 1024 * 1024

// DefaultTSSSize is the size of the TSS region reserved at boot
// (spec.md §4.4).
const DefaultTSSSize uint32 = memory.PageSize

// Kernel is the composition root: it owns one instance of every core
// component and wires them together explicitly in Boot, per the design
// notes' rejection of package-level singletons.
type Kernel struct {
	Log logr.Logger

	Frames    *memory.FrameAllocator
	Engine    *memory.Engine
	Regions   *memory.RegionManager
	Heap      *memory.Heap
	Scheduler *task.Scheduler
	FS        *fs.Registry
	Proc      *proc.Manager
	Metrics   *metrics.Registry

	KernelProcess *task.Process
	KernelTask    *task.Task
}

// Config controls the few knobs Boot needs beyond the Multiboot hand-off
// itself.
type Config struct {
	Machine        arch.Machine
	MetricsReg     *metrics.Registry
	LoaderReserved LoaderReservedRange
	KernelHeapSize uint32 // 0 defaults to DefaultKernelHeapSize
}

// NewKernel constructs an empty composition root; Boot populates it.
func NewKernel(log logr.Logger) *Kernel {
	return &Kernel{Log: log}
}

// Boot runs spec.md §2's data-flow sequence against info/cfg: C1 is
// primed from the memory map, C2 builds the kernel page directory, C3
// creates the kernel heap inside a C4 region, C9 builds the kernel
// process, C6 starts the main kernel task, and C13's registry is
// readied for C11/C12 mounts and C9/C10 user process creation.
func (k *Kernel) Boot(ctx context.Context, info MultibootInfo, cfg Config) error {
	log := k.Log
	log.Info("boot: starting", "cmdline", info.CmdLine, "mem_lower", info.MemLower, "mem_upper", info.MemUpper)

	params := ParseCommandLine(info.CmdLine)
	if lvl, ok := params["loglevel"]; ok {
		log = log.WithValues("loglevel", lvl)
	}

	// Step 1 (C1): prime the physical frame allocator from the Multiboot
	// memory map.
	pageCount := pageCountFromMap(info.MemoryMap)
	if pageCount == 0 {
		log.Info("boot: no physical memory detected")
		return kernelerr.New(kernelerr.NoMemory, "boot: empty memory map")
	}
	k.Frames = memory.NewFrameAllocator(pageCount, cfg.MetricsReg)
	if err := markUsedPhysicalMemory(k.Frames, info.MemoryMap, cfg.LoaderReserved); err != nil {
		return err
	}
	k.Frames.MarkReady()
	log.Info("boot: C1 physical allocator ready", "page_count", pageCount)

	// Step 2 (C2): build the kernel page directory.
	k.Engine = memory.NewEngine(k.Frames)
	log.Info("boot: C2 kernel page directory ready")

	// Step 3 (C3/C4): reserve the kernel's well-known regions and carve
	// the kernel heap out of KernelHeap.
	k.Metrics = cfg.MetricsReg
	k.Regions = memory.NewRegionManager(k.Engine, k.Engine.KernelDirectory().ID, "kernel", cfg.MetricsReg)

	heapSize := cfg.KernelHeapSize
	if heapSize == 0 {
		heapSize = DefaultKernelHeapSize
	}
	heapBase, err := k.Regions.AllocRegion(0, heapSize, true, true, true, false, "KernelHeap")
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.NoMemory, "boot: reserving KernelHeap")
	}
	if _, err := k.Regions.AllocRegion(heapBase+heapSize, DefaultTSSSize, true, true, true, false, "TSS"); err != nil {
		return kernelerr.Wrap(err, kernelerr.NoMemory, "boot: reserving TSS")
	}
	k.Heap, err = memory.NewHeap(heapBase, heapSize, heapSize)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.NoMemory, "boot: initializing kernel heap")
	}
	log.Info("boot: C3/C4 kernel heap ready", "base", heapBase, "size", heapSize)

	// Step 4 (C6 registry half of C9): build the kernel process.
	k.Scheduler = task.NewScheduler(cfg.Machine, cfg.MetricsReg, 0)
	k.KernelProcess = k.Scheduler.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, k.Engine.KernelDirectory().ID)
	log.Info("boot: C9 kernel process created", "process_id", k.KernelProcess.ID)

	// Step 5 (C6): start the main kernel task.
	k.KernelTask, err = k.Scheduler.CreateTask(k.KernelProcess.ID, "kernel_main", task.TypeKernelMain, task.PriorityMedium, nil, 0)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.Fatal, "boot: creating kernel_main")
	}
	log.Info("boot: C6 kernel_main started", "task_id", k.KernelTask.ID)

	// Step 6 (C13): the mount registry is ready for C11/C12 drivers.
	// Mounting concrete filesystems is left to the caller (it knows which
	// StorageUnit/EPK image backs which mount point); Boot only readies
	// the registry the way the data-flow paragraph describes.
	k.FS = fs.NewRegistry()
	log.Info("boot: C13 filesystem registry ready")

	// Step 7 (C9/C10): wire the process-lifecycle orchestrator so
	// create_process can consume C13/C4/C3/C10 for user processes.
	k.Proc = proc.NewManager(log, k.Engine, k.Scheduler, k.FS)
	log.Info("boot: C9 process manager ready")

	log.Info("boot: complete")
	return nil
}

func pageCountFromMap(entries []MemoryMapEntry) int {
	var highest uint64
	for _, e := range entries {
		end := e.Base + e.Length
		if end > highest {
			highest = end
		}
	}
	return int(highest / memory.PageSize)
}

// markUsedPhysicalMemory paints USED over the low-memory reservation, the
// loader's own image span, and every non-AVAILABLE Multiboot map entry,
// mirroring original_source/kernel/source/Memory.c's
// MarkUsedPhysicalMemory (spec.md §8 S1).
func markUsedPhysicalMemory(frames *memory.FrameAllocator, entries []MemoryMapEntry, loaderReserved LoaderReservedRange) error {
	lowPages := int(ReservedLowMemory / memory.PageSize)
	if err := frames.SetRange(0, lowPages, true); err != nil {
		return kernelerr.Wrap(err, kernelerr.InvalidArgument, "boot: marking low memory reserved")
	}

	if loaderReserved.End > loaderReserved.Start {
		first := int(loaderReserved.Start / memory.PageSize)
		count := int(alignUp64(loaderReserved.End-loaderReserved.Start, memory.PageSize) / memory.PageSize)
		if err := frames.SetRange(first, count, true); err != nil {
			return kernelerr.Wrap(err, kernelerr.InvalidArgument, "boot: marking loader-reserved span")
		}
	}

	for _, e := range entries {
		if e.Type == MemoryAvailable {
			continue
		}
		first := int(e.Base / memory.PageSize)
		count := int(alignUp64(e.Length, memory.PageSize) / memory.PageSize)
		if count == 0 {
			continue
		}
		if err := frames.SetRange(first, count, true); err != nil {
			return kernelerr.Wrap(err, kernelerr.InvalidArgument, "boot: marking reserved map entry")
		}
	}
	return nil
}

func alignUp64(v, align uint64) uint64 {
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// ParseCommandLine tokenizes the Multiboot cmdline string into key=value
// pairs (spec.md §6: e.g. "root=ext2:/dev/hda1 loglevel=debug"). A bare
// token with no '=' maps to "true". This is a small hand-rolled tokenizer
// rather than a third-party flag library: see SPEC_FULL.md's AMBIENT
// STACK note on why no pack example fits a bare-metal boot string.
func ParseCommandLine(cmdline string) map[string]string {
	params := make(map[string]string)
	start := 0
	for i := 0; i <= len(cmdline); i++ {
		if i == len(cmdline) || cmdline[i] == ' ' {
			if i > start {
				token := cmdline[start:i]
				if eq := indexByte(token, '='); eq >= 0 {
					params[token[:eq]] = token[eq+1:]
				} else {
					params[token] = "true"
				}
			}
			start = i + 1
		}
	}
	return params
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
