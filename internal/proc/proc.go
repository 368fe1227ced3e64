// Package proc implements C9: process lifecycle orchestration
// (create_process, kill_process, delete_process_commit), grounded on
// original_source/kernel/source/process/Process.c. It is the glue layer
// spec.md §2's data-flow paragraph names -- the only package that talks
// to C2 (memory.Engine), C3/C4 (memory.Heap/RegionManager), C6
// (task.Scheduler), C10 (loader), and C13 (fs.Registry) all at once.
package proc

import (
	"bytes"
	"io"

	"github.com/go-logr/logr"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/kernelerr"
	"github.com/exos-project/exos/internal/loader"
	"github.com/exos-project/exos/internal/memory"
	"github.com/exos-project/exos/internal/task"
)

// VMAUser is the fixed linear base every user ProcessSpace region is
// reserved from (spec.md §4.9 step 3: "reserve a ProcessSpace region
// from VMA_USER"). original_source/kernel/source/process/Process.c uses
// the same constant name without the header defining it in the retrieved
// pack; 4 MiB keeps it clear of the low-memory reservation C1 paints at
// boot while leaving the rest of the 32-bit linear space for growth.
const VMAUser uint32 = 0x00400000

// TaskMinimumStackSize floors every new task's stack request
// (original_source/kernel/source/Task.c: "if (Info->StackSize <
// TASK_MINIMUM_STACK_SIZE) Info->StackSize = TASK_MINIMUM_STACK_SIZE").
const TaskMinimumStackSize uint32 = 16 * 1024

// MinimumHeapSize floors every new process's heap request (spec.md §4.9
// step 2: "floor heap at 64 KiB").
const MinimumHeapSize uint32 = 64 * 1024

// CreateInfo is what a caller supplies to CreateProcess -- the subset of
// spec.md §4.9's "info" parameter this release surfaces.
type CreateInfo struct {
	CommandLine     string
	WorkFolder      string
	ParentProcessID uint64
	HasParent       bool
	Privilege       task.Privilege
	Flags           task.ProcessFlags
}

// Manager owns the cross-cutting state CreateProcess/KillProcess/
// DeleteProcessCommit need: one RegionManager and Heap per live process,
// keyed by process id.
type Manager struct {
	log       logr.Logger
	engine    *memory.Engine
	scheduler *task.Scheduler
	fsRegistry *fs.Registry

	regions map[uint64]*memory.RegionManager
	heaps   map[uint64]*memory.Heap
}

// NewManager wires the process-lifecycle orchestrator to its dependencies.
func NewManager(log logr.Logger, engine *memory.Engine, scheduler *task.Scheduler, fsRegistry *fs.Registry) *Manager {
	return &Manager{
		log:        log,
		engine:     engine,
		scheduler:  scheduler,
		fsRegistry: fsRegistry,
		regions:    make(map[uint64]*memory.RegionManager),
		heaps:      make(map[uint64]*memory.Heap),
	}
}

// CreateProcess implements spec.md §4.9's create_process, steps 1-7.
func (m *Manager) CreateProcess(info CreateInfo) (*task.Process, *task.Task, error) {
	log := m.log.WithValues("command_line", info.CommandLine)

	// Step 1: open the executable and query ExecutableInfo.
	file, err := m.fsRegistry.OpenFile(info.CommandLine, fs.FlagRead)
	if err != nil {
		return nil, nil, kernelerr.Wrap(err, kernelerr.NotFound, "proc: opening executable")
	}
	raw, err := readAll(file)
	_ = file.Close()
	if err != nil {
		return nil, nil, err
	}

	execInfo, err := loader.Peek(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, kernelerr.Wrap(err, kernelerr.InvalidArgument, "proc: reading executable header")
	}

	// Step 2: floor heap and stack requests.
	heapSize := execInfo.HeapRequested
	if heapSize < MinimumHeapSize {
		heapSize = MinimumHeapSize
	}
	stackSize := execInfo.StackRequested
	if stackSize < TaskMinimumStackSize {
		stackSize = TaskMinimumStackSize
	}

	// Step 3: allocate a user page directory, switch to it temporarily,
	// reserve ProcessSpace from VMA_USER covering code+data+heap.
	dirID, err := m.engine.AllocUserPageDirectory()
	if err != nil {
		return nil, nil, kernelerr.Wrap(err, kernelerr.NoMemory, "proc: allocating page directory")
	}
	previousDir := m.engine.ActiveDirectoryID()
	if err := m.engine.LoadPageDirectory(dirID); err != nil {
		_ = m.engine.FreeUserPageDirectory(dirID)
		return nil, nil, err
	}

	codeSize := align4K(execInfo.CodeSize)
	dataSize := align4K(execInfo.DataSize)
	// ProcessSpace covers code+data+heap per spec.md §4.9 step 3; the
	// floored stack request rides along in the same commit since this
	// release gives every task a single fixed stack region rather than a
	// separate per-task allocator.
	totalSize := codeSize + dataSize + align4K(heapSize) + align4K(stackSize)
	if totalSize == 0 {
		totalSize = memory.PageSize
	}

	regionMgr := memory.NewRegionManager(m.engine, dirID, processLabel(dirID), nil)
	processBase, err := regionMgr.AllocRegion(VMAUser, totalSize, true, true, true, true, "ProcessSpace")
	if err != nil {
		_ = m.engine.LoadPageDirectory(previousDir)
		_ = m.engine.FreeUserPageDirectory(dirID)
		return nil, nil, kernelerr.Wrap(err, kernelerr.NoMemory, "proc: reserving ProcessSpace")
	}

	newCodeBase := processBase
	newDataBase := processBase + codeSize
	heapBase := newDataBase + dataSize

	// Step 4: invoke the loader on the image bytes read in step 1 to place
	// code/data and apply relocations against the real placement.
	image, err := loader.LoadEXOS(bytes.NewReader(raw), newCodeBase, newDataBase)
	if err != nil {
		_ = regionMgr.FreeRegion(processBase)
		_ = m.engine.LoadPageDirectory(previousDir)
		_ = m.engine.FreeUserPageDirectory(dirID)
		return nil, nil, kernelerr.Wrap(err, kernelerr.InvalidArgument, "proc: loading executable")
	}

	// Step 5: initialize the process heap via C3.
	heap, err := memory.NewHeap(heapBase, heapSize, heapSize)
	if err != nil {
		_ = regionMgr.FreeRegion(processBase)
		_ = m.engine.LoadPageDirectory(previousDir)
		_ = m.engine.FreeUserPageDirectory(dirID)
		return nil, nil, kernelerr.Wrap(err, kernelerr.NoMemory, "proc: initializing process heap")
	}

	workFolder := info.WorkFolder
	if workFolder == "" && info.HasParent {
		if parent, ok := m.scheduler.Process(info.ParentProcessID); ok {
			workFolder = parent.WorkFolder
		}
	}

	proc := m.scheduler.CreateProcess(info.CommandLine, workFolder, info.Privilege, info.Flags, info.ParentProcessID, info.HasParent, dirID)
	m.regions[proc.ID] = regionMgr
	m.heaps[proc.ID] = heap

	// Step 6: create the initial task (SUSPENDED) whose entry point is
	// code_base + (entry_point - Info.code_base).
	entryLinear := newCodeBase + (execInfo.EntryPoint - execInfo.CodeBase)
	initialTask, err := m.scheduler.CreateSuspendedTask(proc.ID, info.CommandLine, task.TypeUser, task.PriorityMedium, nil, uintptr(entryLinear))
	if err != nil {
		_ = regionMgr.FreeRegion(processBase)
		_ = m.engine.LoadPageDirectory(previousDir)
		_ = m.engine.FreeUserPageDirectory(dirID)
		return nil, nil, err
	}

	// Step 7: switch back to the previous directory, enqueue the task.
	if err := m.engine.LoadPageDirectory(previousDir); err != nil {
		return nil, nil, err
	}
	if err := m.scheduler.AddTaskToQueue(initialTask.ID); err != nil {
		return nil, nil, err
	}

	_ = image // placed bytes are conceptual in this host simulation; the
	// relocated Code/Data slices exist for callers that want to inspect
	// the final image (e.g. cmd/exosctl's "exos dump").

	log.Info("process created", "process_id", proc.ID, "task_id", initialTask.ID, "entry_point", entryLinear)
	return proc, initialTask, nil
}

// KillProcess delegates to the scheduler's termination cascade (spec.md
// §4.9: "see §4.6 termination cascade"), then commits the address-space
// teardown once every task of P is gone.
func (m *Manager) KillProcess(processID uint64, exitCode int32) error {
	if err := m.scheduler.KillProcess(processID, exitCode); err != nil {
		return err
	}
	return m.DeleteProcessCommit(processID)
}

// DeleteProcessCommit runs when no task of P remains: free the page
// directory (C2), free the process heap region (C4), destroy the message
// queue, release the kernel object (spec.md §4.9). The kernel process
// (process id 0, conventionally) is never passed here.
func (m *Manager) DeleteProcessCommit(processID uint64) error {
	proc, ok := m.scheduler.Process(processID)
	if !ok {
		return kernelerr.Newf(kernelerr.NotFound, "proc: process %d not found", processID)
	}
	if proc.Status != task.ProcessDead {
		return kernelerr.New(kernelerr.State, "proc: DeleteProcessCommit called on a live process")
	}
	if proc.TaskCount > 0 {
		return kernelerr.New(kernelerr.State, "proc: DeleteProcessCommit called with tasks still alive")
	}

	regionMgr, hasRegions := m.regions[processID]
	if hasRegions {
		for _, r := range regionMgr.All() {
			_ = regionMgr.FreeRegion(r.Base)
		}
	}
	delete(m.regions, processID)
	delete(m.heaps, processID)

	if err := m.engine.FreeUserPageDirectory(proc.AddressSpaceDir); err != nil {
		return err
	}
	if proc.Queue != nil {
		proc.Queue.Close()
	}
	return nil
}

// Heap returns the live heap for processID, for syscalls that allocate
// from process memory.
func (m *Manager) Heap(processID uint64) (*memory.Heap, bool) {
	h, ok := m.heaps[processID]
	return h, ok
}

func align4K(size uint32) uint32 {
	const mask = memory.PageSize - 1
	return (size + mask) &^ mask
}

func processLabel(dirID uint32) string {
	return "proc-" + itoa(dirID)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func readAll(r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.IO, "proc: reading executable")
	}
	return buf, nil
}
