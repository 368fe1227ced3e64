// Package task implements C6 (scheduler and task/process model) and C7
// (message queues) of spec.md, grounded on
// original_source/kernel/source/Task.c.
package task

import "time"

// Priority levels, lowest to highest (spec.md §3.4: "priority∈{lowest..
// critical}").
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLowest:
		return "Lowest"
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// State is one of the six task states of spec.md §3.4.
type State int

const (
	StateRunning State = iota
	StateSleeping
	StateWaitMessage
	StateWaitObject
	StateSuspended
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateWaitMessage:
		return "WaitMessage"
	case StateWaitObject:
		return "WaitObject"
	case StateSuspended:
		return "Suspended"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Type distinguishes the one kernel_main task from every other task
// (spec.md §3.4 invariant: exactly one task has type kernel_main).
type Type int

const (
	TypeKernelMain Type = iota
	TypeKernelOther
	TypeUser
)

// Privilege is the process privilege level of spec.md §3.4.
type Privilege int

const (
	PrivilegeKernel Privilege = iota
	PrivilegeUser
)

// ProcessStatus is alive or dead (spec.md §3.4).
type ProcessStatus int

const (
	ProcessAlive ProcessStatus = iota
	ProcessDead
)

// ProcessFlags, bit-addressable (only one is named by spec.md §4.6).
type ProcessFlags uint32

const (
	FlagTerminateChildProcessesOnDeath ProcessFlags = 1 << iota
)

// Task is spec.md §3.4's Task record.
type Task struct {
	ID         uint64
	ProcessID  uint64
	Name       string
	Type       Type
	Status     State
	Priority   Priority
	Parameter  uintptr
	WakeUpTime time.Time
	Queue      *MessageQueue

	entryFn func(parameter uintptr)
}

// Process is spec.md §3.4's Process record.
type Process struct {
	ID              uint64
	OwnerProcessID  uint64 // 0 == no parent (orphaned or the kernel process)
	HasOwner        bool
	AddressSpaceDir uint32
	Privilege       Privilege
	Status          ProcessStatus
	Flags           ProcessFlags
	TaskCount       int
	CommandLine     string
	WorkFolder      string
	Queue           *MessageQueue
	ExitCode        int32
	TraceID         string // google/uuid-generated correlation id, ambient only
}
