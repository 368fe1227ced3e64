// Package trap implements C8: a uniform interrupt frame and the
// vector-class policy table that routes faults, IRQs, and syscalls to
// their handlers, grounded on original_source/kernel/source/Fault.c and
// original_source/kernel/arch/i386/Fault.c.
package trap

import (
	"github.com/go-logr/logr"

	"github.com/exos-project/exos/internal/arch"
	"github.com/exos-project/exos/internal/ksync"
	"github.com/exos-project/exos/internal/task"
)

// Vector identifies an IDT gate: one of the 48 exception/IRQ gates
// (0-47) spec.md §4.8 describes, or one of the call gates 0x80 and 0x81.
type Vector uint8

const (
	VectorDivideError       Vector = 0
	VectorDebug             Vector = 1
	VectorNMI               Vector = 2
	VectorBreakpoint        Vector = 3
	VectorOverflow          Vector = 4
	VectorInvalidOpcode     Vector = 6
	VectorDoubleFault       Vector = 8
	VectorInvalidTSS        Vector = 10
	VectorSegmentNotPresent Vector = 11
	VectorStackFault        Vector = 12
	VectorGeneralProtection Vector = 13
	VectorPageFault         Vector = 14
	VectorFPUError          Vector = 16
	VectorAlignmentCheck    Vector = 17
	VectorMachineCheck      Vector = 18
	VectorTimer             Vector = 32
	VectorKeyboard          Vector = 33
	VectorMouse             Vector = 36
	VectorHardDisk          Vector = 46
	VectorUserCall          Vector = 0x80 // EXOS_USER_CALL
	VectorDriverCall        Vector = 0x81 // EXOS_DRIVER_CALL
)

// InterruptFrame unifies the presence/absence of a CPU-pushed error code
// so that no handler above this package branches on it (spec.md §4.8).
type InterruptFrame struct {
	Vector    Vector
	ErrorCode uint32
	TaskID    uint64
	Regs      arch.TaskContext
	CR2       uint32 // only meaningful for VectorPageFault
}

// Action is the outcome the policy table assigns to a vector class.
type Action int

const (
	ActionLogContinue Action = iota
	ActionDie
	ActionSchedulerTick
	ActionDriverDispatch
	ActionSyscallDispatch
)

// ClassifyVector returns the policy-table action for v (spec.md §4.8's
// table). Unrecognized vectors fall back to log+continue, matching the
// table's "Unknown" row.
func ClassifyVector(v Vector) Action {
	switch v {
	case VectorDebug, VectorNMI, VectorBreakpoint:
		return ActionLogContinue
	case VectorDivideError, VectorOverflow, VectorInvalidOpcode, VectorDoubleFault,
		VectorStackFault, VectorSegmentNotPresent, VectorInvalidTSS,
		VectorGeneralProtection, VectorAlignmentCheck, VectorMachineCheck, VectorFPUError:
		return ActionDie
	case VectorPageFault:
		return ActionDie
	case VectorTimer:
		return ActionSchedulerTick
	case VectorKeyboard, VectorMouse, VectorHardDisk:
		return ActionDriverDispatch
	case VectorUserCall:
		return ActionSyscallDispatch
	case VectorDriverCall:
		return ActionDriverDispatch
	default:
		return ActionLogContinue
	}
}

// DriverHandler services a hardware IRQ (keyboard, mouse, hard disk, or
// EXOS_DRIVER_CALL).
type DriverHandler func(frame InterruptFrame)

// SyscallHandler services one EXOS_USER_CALL id. Errors are reported back
// to the caller via a defined syscall-level error code, never a fault.
type SyscallHandler func(frame InterruptFrame, args [4]uint32) (uint32, error)

// Dispatcher is the composition root for C8: it owns the syscall table,
// the driver table, and the three mutexes die() takes before tearing
// down the faulting task (spec.md §4.8: "take kernel+memory+console
// mutex, freeze scheduler, kill current task, unfreeze, enable
// interrupts, hlt loop").
type Dispatcher struct {
	log       logr.Logger
	machine   arch.Machine
	scheduler *task.Scheduler

	kernelMutex  *ksync.Mutex
	memoryMutex  *ksync.Mutex
	consoleMutex *ksync.Mutex

	drivers  map[Vector]DriverHandler
	syscalls map[uint32]SyscallHandler

	halted bool
}

// NewDispatcher wires a Dispatcher. The three mutexes are supplied by the
// caller; internal/proc and internal/memory do not take them (memory
// serializes on its own sync.Mutex values). die() acquires them in the
// fixed order kernel, memory, console.
func NewDispatcher(log logr.Logger, machine arch.Machine, sched *task.Scheduler, kernelMutex, memoryMutex, consoleMutex *ksync.Mutex) *Dispatcher {
	return &Dispatcher{
		log:          log,
		machine:      machine,
		scheduler:    sched,
		kernelMutex:  kernelMutex,
		memoryMutex:  memoryMutex,
		consoleMutex: consoleMutex,
		drivers:      make(map[Vector]DriverHandler),
		syscalls:     make(map[uint32]SyscallHandler),
	}
}

// RegisterDriver installs the handler for a hardware IRQ vector.
func (d *Dispatcher) RegisterDriver(v Vector, h DriverHandler) {
	d.drivers[v] = h
}

// RegisterSyscall installs the handler for one EXOS_USER_CALL id.
func (d *Dispatcher) RegisterSyscall(id uint32, h SyscallHandler) {
	d.syscalls[id] = h
}

// Dispatch routes one interrupt frame per the policy table.
func (d *Dispatcher) Dispatch(frame InterruptFrame) {
	switch ClassifyVector(frame.Vector) {
	case ActionLogContinue:
		d.log.V(1).Info("trap: log+continue", "vector", frame.Vector)

	case ActionDie:
		if frame.Vector == VectorPageFault {
			d.log.Error(nil, "page fault",
				"linearAddress", frame.CR2, "errorCode", frame.ErrorCode,
				"task", frame.TaskID, "eip", frame.Regs.EIP)
		} else {
			d.log.Error(nil, "fatal fault",
				"vector", frame.Vector, "errorCode", frame.ErrorCode,
				"task", frame.TaskID, "eip", frame.Regs.EIP)
		}
		d.die(frame.TaskID)

	case ActionSchedulerTick:
		d.scheduler.Tick()

	case ActionDriverDispatch:
		if h, ok := d.drivers[frame.Vector]; ok {
			h(frame)
		} else {
			d.log.V(1).Info("trap: no driver registered", "vector", frame.Vector)
		}

	case ActionSyscallDispatch:
		d.log.V(1).Info("trap: syscall dispatch without args unsupported; use DispatchSyscall")
	}
}

// DispatchSyscall resolves and invokes the handler for id (spec.md
// §4.8: "system calls are identified by number in a register; the
// dispatch table is a static array keyed by syscall id. Invalid ids
// return a defined error").
func (d *Dispatcher) DispatchSyscall(frame InterruptFrame, id uint32, args [4]uint32) (uint32, error) {
	h, ok := d.syscalls[id]
	if !ok {
		return 0, errInvalidSyscall(id)
	}
	return h(frame, args)
}

// die is the terminal action for every fatal fault class: it takes the
// three serialization mutexes in fixed order, freezes the scheduler,
// kills the faulting task, unfreezes, re-enables interrupts, and halts
// (spec.md §4.8). It installs no panic recovery around the halt.
func (d *Dispatcher) die(taskID uint64) {
	const killerTask = 0 // the trap dispatcher itself is not a scheduled task

	if _, err := d.kernelMutex.Lock(killerTask, ksync.Infinity); err != nil {
		d.log.Error(err, "die: failed to take kernel mutex")
	}
	if _, err := d.memoryMutex.Lock(killerTask, ksync.Infinity); err != nil {
		d.log.Error(err, "die: failed to take memory mutex")
	}
	if _, err := d.consoleMutex.Lock(killerTask, ksync.Infinity); err != nil {
		d.log.Error(err, "die: failed to take console mutex")
	}

	d.scheduler.FreezeScheduler()
	if taskID != 0 {
		if err := d.scheduler.KillTask(taskID, -1); err != nil {
			d.log.Error(err, "die: KillTask failed", "task", taskID)
		}
	}
	d.scheduler.UnfreezeScheduler()

	_ = d.consoleMutex.Unlock(killerTask)
	_ = d.memoryMutex.Unlock(killerTask)
	_ = d.kernelMutex.Unlock(killerTask)

	d.machine.EnableInterrupts()
	d.halted = true
	d.machine.Halt()
}

// Halted reports whether die() has ever run, for tests that assert a
// fatal path was taken without tearing down the whole simulated machine.
func (d *Dispatcher) Halted() bool { return d.halted }
