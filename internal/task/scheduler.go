package task

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exos-project/exos/internal/arch"
	"github.com/exos-project/exos/internal/kernelerr"
	"github.com/exos-project/exos/internal/ksync"
	"github.com/exos-project/exos/internal/metrics"
)

// Scheduler is C6: the preemptive priority round-robin scheduler plus the
// task/process registry, grounded on original_source/kernel/source/Task.c
// and Scheduler.c. Hardware context switches go through an arch.Machine so
// the selection policy is exercisable under go test without real ring-0
// task state (see the design notes on host-testable simulation).
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	tasks     map[uint64]*Task
	processes map[uint64]*Process
	contexts  map[uint64]*arch.TaskContext
	mutexes   map[uint64]map[*ksync.Mutex]bool // task -> mutexes it holds/awaits

	ready      []uint64 // round-robin ring of Running task IDs
	cursor     int
	freezeDep  int
	current    uint64
	hasCurrent bool

	nextTaskID    uint64
	nextProcessID uint64
	exitCodes     map[uint64]int32

	clock   func() time.Time
	machine arch.Machine
	metrics *metrics.Registry

	stopCh chan struct{}
	tickWG sync.WaitGroup
}

// NewScheduler constructs a scheduler. tickInterval of 0 disables the
// background clock goroutine (tests that want to drive Tick manually).
func NewScheduler(machine arch.Machine, reg *metrics.Registry, tickInterval time.Duration) *Scheduler {
	s := &Scheduler{
		tasks:     make(map[uint64]*Task),
		processes: make(map[uint64]*Process),
		contexts:  make(map[uint64]*arch.TaskContext),
		mutexes:   make(map[uint64]map[*ksync.Mutex]bool),
		exitCodes: make(map[uint64]int32),
		clock:     time.Now,
		machine:   machine,
		metrics:   reg,
		stopCh:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	if tickInterval > 0 {
		s.tickWG.Add(1)
		go s.tickLoop(tickInterval)
	}
	return s
}

func (s *Scheduler) tickLoop(interval time.Duration) {
	defer s.tickWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Stop halts the background clock goroutine, if any.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.tickWG.Wait()
}

// CreateProcess registers a new process (spec.md §4.9 create_process,
// the scheduler-facing half; address space and loader wiring happen in
// internal/proc).
func (s *Scheduler) CreateProcess(commandLine, workFolder string, privilege Privilege, flags ProcessFlags, parentID uint64, hasParent bool, addressSpaceDir uint32) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextProcessID++
	p := &Process{
		ID:              s.nextProcessID,
		OwnerProcessID:  parentID,
		HasOwner:        hasParent,
		AddressSpaceDir: addressSpaceDir,
		Privilege:       privilege,
		Status:          ProcessAlive,
		Flags:           flags,
		CommandLine:     commandLine,
		WorkFolder:      workFolder,
		Queue:           NewMessageQueue(),
		TraceID:         uuid.NewString(),
	}
	s.processes[p.ID] = p
	if s.metrics != nil {
		s.publishLocked()
	}
	return p
}

// CreateTask registers a new task under processID (spec.md §4.9
// create_task). typ must be TypeKernelMain at most once across the whole
// scheduler lifetime (spec.md §3.4 invariant).
func (s *Scheduler) CreateTask(processID uint64, name string, typ Type, priority Priority, entry func(uintptr), param uintptr) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.processes[processID]
	if !ok {
		return nil, kernelerr.Newf(kernelerr.NotFound, "CreateTask: process %d not found", processID)
	}
	if proc.Status != ProcessAlive {
		return nil, kernelerr.New(kernelerr.State, "CreateTask: process is dead")
	}
	if typ == TypeKernelMain {
		for _, t := range s.tasks {
			if t.Type == TypeKernelMain && t.Status != StateDead {
				return nil, kernelerr.New(kernelerr.State, "CreateTask: kernel_main already exists")
			}
		}
	}

	s.nextTaskID++
	t := &Task{
		ID:        s.nextTaskID,
		ProcessID: processID,
		Name:      name,
		Type:      typ,
		Status:    StateRunning,
		Priority:  priority,
		Parameter: param,
		Queue:     NewMessageQueue(),
		entryFn:   entry,
	}
	s.tasks[t.ID] = t
	s.contexts[t.ID] = &arch.TaskContext{}
	s.mutexes[t.ID] = make(map[*ksync.Mutex]bool)
	proc.TaskCount++

	s.ready = append(s.ready, t.ID)
	if !s.hasCurrent {
		s.current = t.ID
		s.hasCurrent = true
	}
	if s.metrics != nil {
		s.publishLocked()
	}
	return t, nil
}

// CreateSuspendedTask registers a task in the Suspended state without
// making it schedulable, for create_process's step 6: "create the
// initial task (SUSPENDED)". AddTaskToQueue makes it runnable afterwards.
func (s *Scheduler) CreateSuspendedTask(processID uint64, name string, typ Type, priority Priority, entry func(uintptr), param uintptr) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.processes[processID]
	if !ok {
		return nil, kernelerr.Newf(kernelerr.NotFound, "CreateSuspendedTask: process %d not found", processID)
	}
	if proc.Status != ProcessAlive {
		return nil, kernelerr.New(kernelerr.State, "CreateSuspendedTask: process is dead")
	}
	if typ == TypeKernelMain {
		for _, t := range s.tasks {
			if t.Type == TypeKernelMain && t.Status != StateDead {
				return nil, kernelerr.New(kernelerr.State, "CreateSuspendedTask: kernel_main already exists")
			}
		}
	}

	s.nextTaskID++
	t := &Task{
		ID:        s.nextTaskID,
		ProcessID: processID,
		Name:      name,
		Type:      typ,
		Status:    StateSuspended,
		Priority:  priority,
		Parameter: param,
		Queue:     NewMessageQueue(),
		entryFn:   entry,
	}
	s.tasks[t.ID] = t
	s.contexts[t.ID] = &arch.TaskContext{}
	s.mutexes[t.ID] = make(map[*ksync.Mutex]bool)
	proc.TaskCount++

	if s.metrics != nil {
		s.publishLocked()
	}
	return t, nil
}

// AddTaskToQueue transitions a Suspended task to Running and enqueues it
// onto the ready ring, per spec.md §4.9 step 7 ("enqueue task to the
// scheduler").
func (s *Scheduler) AddTaskToQueue(taskID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return kernelerr.Newf(kernelerr.NotFound, "AddTaskToQueue: task %d not found", taskID)
	}
	if t.Status != StateSuspended {
		return kernelerr.New(kernelerr.State, "AddTaskToQueue: task is not suspended")
	}
	t.Status = StateRunning
	s.ready = append(s.ready, taskID)
	if !s.hasCurrent {
		s.current = taskID
		s.hasCurrent = true
	}
	s.cond.Broadcast()
	if s.metrics != nil {
		s.publishLocked()
	}
	return nil
}

// SetPriority changes a live task's priority (spec.md §4.9 set_priority).
func (s *Scheduler) SetPriority(taskID uint64, p Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status == StateDead {
		return kernelerr.Newf(kernelerr.NotFound, "SetPriority: task %d not found", taskID)
	}
	t.Priority = p
	return nil
}

// CurrentTaskID reports the task currently selected to run.
func (s *Scheduler) CurrentTaskID() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasCurrent
}

// Task looks up a task by id.
func (s *Scheduler) Task(taskID uint64) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// Process looks up a process by id.
func (s *Scheduler) Process(processID uint64) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[processID]
	return p, ok
}

// FreezeScheduler suspends selection changes (spec.md §4.9:
// freeze_scheduler/unfreeze_scheduler is a depth counter so nested
// critical sections compose).
func (s *Scheduler) FreezeScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezeDep++
}

// UnfreezeScheduler decrements the freeze depth; selection resumes once
// it reaches zero.
func (s *Scheduler) UnfreezeScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freezeDep > 0 {
		s.freezeDep--
	}
}

// Sleep transitions taskID to Sleeping for d, blocking the caller
// goroutine (standing in for the task) until the background tick loop
// wakes it (spec.md §4.9 sleep).
func (s *Scheduler) Sleep(taskID uint64, d time.Duration) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status == StateDead {
		s.mu.Unlock()
		return kernelerr.Newf(kernelerr.NotFound, "Sleep: task %d not found", taskID)
	}
	t.Status = StateSleeping
	t.WakeUpTime = s.clock().Add(d)
	s.removeFromReadyLocked(taskID)
	for t.Status == StateSleeping {
		s.cond.Wait()
	}
	s.mu.Unlock()
	return nil
}

// Wake immediately transitions a sleeping task back to Running,
// independent of its WakeUpTime (used by tests and by external wake
// events).
func (s *Scheduler) Wake(taskID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return kernelerr.Newf(kernelerr.NotFound, "Wake: task %d not found", taskID)
	}
	if t.Status == StateSleeping || t.Status == StateWaitObject {
		t.Status = StateRunning
		s.ready = append(s.ready, taskID)
		s.cond.Broadcast()
	}
	return nil
}

// Tick runs one scheduler quantum: wakes sleepers whose deadline has
// passed, then re-selects the current task (spec.md §4.9 scheduler_tick).
// A no-op while frozen.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freezeDep > 0 {
		return
	}

	now := s.clock()
	for _, t := range s.tasks {
		if t.Status == StateSleeping && !t.WakeUpTime.After(now) {
			t.Status = StateRunning
			s.ready = append(s.ready, t.ID)
		}
	}
	s.cond.Broadcast()

	next := s.selectLocked()
	if next == 0 {
		s.hasCurrent = false
		return
	}
	if !s.hasCurrent || next != s.current {
		prevCtx := s.contexts[s.current]
		nextCtx := s.contexts[next]
		if s.machine != nil && prevCtx != nil && nextCtx != nil {
			s.machine.SwitchTo(prevCtx, nextCtx)
		}
		s.current = next
		s.hasCurrent = true
	}
}

// selectLocked picks the highest-priority Running task, round-robin
// among equal-priority peers via s.cursor. Must be called with s.mu held.
func (s *Scheduler) selectLocked() uint64 {
	s.pruneReadyLocked()
	if len(s.ready) == 0 {
		return 0
	}

	best := PriorityLowest - 1
	for _, id := range s.ready {
		if t := s.tasks[id]; t.Priority > best {
			best = t.Priority
		}
	}

	var candidates []uint64
	for _, id := range s.ready {
		if s.tasks[id].Priority == best {
			candidates = append(candidates, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	s.cursor = (s.cursor + 1) % len(candidates)
	return candidates[s.cursor]
}

func (s *Scheduler) pruneReadyLocked() {
	filtered := s.ready[:0]
	for _, id := range s.ready {
		if t, ok := s.tasks[id]; ok && t.Status == StateRunning {
			filtered = append(filtered, id)
		}
	}
	s.ready = filtered
}

func (s *Scheduler) removeFromReadyLocked(taskID uint64) {
	filtered := s.ready[:0]
	for _, id := range s.ready {
		if id != taskID {
			filtered = append(filtered, id)
		}
	}
	s.ready = filtered
}

// ReceiveMessage marks taskID as WaitMessage for the duration of a
// blocking queue receive, matching the state spec.md §3.4 names for
// this wait (the actual blocking happens inside MessageQueue.Get, which
// has its own condition variable so the scheduler lock is never held
// across the wait).
func (s *Scheduler) ReceiveMessage(taskID uint64, q *MessageQueue) (Message, bool) {
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		t.Status = StateWaitMessage
	}
	s.removeFromReadyLocked(taskID)
	s.mu.Unlock()

	msg, ok := q.Get()

	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok && t.Status != StateDead {
		t.Status = StateRunning
		s.ready = append(s.ready, taskID)
	}
	s.mu.Unlock()
	return msg, ok
}

// TrackMutex records that taskID currently holds or awaits m, so
// KillTask can force-release it on teardown (spec.md §5: "mutexes they
// held are force-released").
func (s *Scheduler) TrackMutex(taskID uint64, m *ksync.Mutex, held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.mutexes[taskID]
	if !ok {
		return
	}
	if held {
		set[m] = true
	} else {
		delete(set, m)
	}
}

// KillTask transitions taskID to Dead: force-releases mutexes it held,
// closes its message queue, removes it from scheduling, records its
// exit code for late Wait callers, and decrements its process's task
// count -- cascading into KillProcess if that was the last task (spec.md
// §4.9 kill_task, §5 termination cascade).
func (s *Scheduler) KillTask(taskID uint64, exitCode int32) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return kernelerr.Newf(kernelerr.NotFound, "KillTask: task %d not found", taskID)
	}
	if t.Status == StateDead {
		s.mu.Unlock()
		return nil
	}
	if t.Type == TypeKernelMain {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.Permission, "KillTask: kernel_main cannot be killed")
	}

	for m := range s.mutexes[taskID] {
		m.ForceRelease()
	}
	delete(s.mutexes, taskID)

	t.Status = StateDead
	s.exitCodes[taskID] = exitCode
	s.removeFromReadyLocked(taskID)
	if t.Queue != nil {
		t.Queue.Close()
	}

	proc := s.processes[t.ProcessID]
	if proc != nil {
		proc.TaskCount--
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if proc != nil && proc.TaskCount <= 0 && proc.Privilege != PrivilegeKernel {
		return s.KillProcess(t.ProcessID, exitCode)
	}
	return nil
}

// KillProcess marks a process dead, and -- when
// FlagTerminateChildProcessesOnDeath is set -- recursively kills every
// live child process's tasks too (spec.md §4.9 kill_process; with the
// flag unset, this call orphans the live children by clearing their
// owner).
func (s *Scheduler) KillProcess(processID uint64, exitCode int32) error {
	s.mu.Lock()
	proc, ok := s.processes[processID]
	if !ok {
		s.mu.Unlock()
		return kernelerr.Newf(kernelerr.NotFound, "KillProcess: process %d not found", processID)
	}
	if proc.Status == ProcessDead {
		s.mu.Unlock()
		return nil
	}
	if proc.Privilege == PrivilegeKernel {
		s.mu.Unlock()
		return kernelerr.New(kernelerr.Permission, "KillProcess: the kernel process is immortal")
	}
	proc.Status = ProcessDead
	proc.ExitCode = exitCode
	if proc.Queue != nil {
		proc.Queue.Close()
	}

	var liveTasks []uint64
	for _, t := range s.tasks {
		if t.ProcessID == processID && t.Status != StateDead {
			liveTasks = append(liveTasks, t.ID)
		}
	}
	cascade := proc.Flags&FlagTerminateChildProcessesOnDeath != 0
	var children []uint64
	if cascade {
		for _, child := range s.processes {
			if child.HasOwner && child.OwnerProcessID == processID && child.Status == ProcessAlive {
				children = append(children, child.ID)
			}
		}
	} else {
		// spec.md §8 S2: without the cascade flag, surviving children are
		// orphaned (owner_process = ⊥) rather than left pointing at a dead
		// parent.
		for _, child := range s.processes {
			if child.HasOwner && child.OwnerProcessID == processID && child.Status == ProcessAlive {
				child.HasOwner = false
				child.OwnerProcessID = 0
			}
		}
	}
	s.mu.Unlock()

	for _, tid := range liveTasks {
		_ = s.KillTask(tid, exitCode)
	}
	for _, cid := range children {
		_ = s.killProcessTasks(cid, exitCode)
	}
	return nil
}

func (s *Scheduler) killProcessTasks(processID uint64, exitCode int32) error {
	s.mu.Lock()
	var liveTasks []uint64
	for _, t := range s.tasks {
		if t.ProcessID == processID && t.Status != StateDead {
			liveTasks = append(liveTasks, t.ID)
		}
	}
	s.mu.Unlock()
	for _, tid := range liveTasks {
		_ = s.KillTask(tid, exitCode)
	}
	return nil
}

// ExitCode reports the recorded exit code of a task that has already
// died, so a caller that arrives late (after the task's own death) can
// still observe the outcome (spec.md §4.9 edge case: "wait on an
// already-dead task returns immediately with its cached exit code").
func (s *Scheduler) ExitCode(taskID uint64) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.exitCodes[taskID]
	return code, ok
}

// Wait blocks the caller until taskID dies (or returns immediately if it
// already has), returning its exit code.
func (s *Scheduler) Wait(taskID uint64) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if code, ok := s.exitCodes[taskID]; ok {
			return code
		}
		if _, ok := s.tasks[taskID]; !ok {
			return 0
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) publishLocked() {
	counts := map[State]int{}
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	s.metrics.TasksByState.WithLabelValues("running").Set(float64(counts[StateRunning]))
	s.metrics.TasksByState.WithLabelValues("sleeping").Set(float64(counts[StateSleeping]))
	s.metrics.TasksByState.WithLabelValues("wait_message").Set(float64(counts[StateWaitMessage]))
	s.metrics.TasksByState.WithLabelValues("wait_object").Set(float64(counts[StateWaitObject]))
	s.metrics.TasksByState.WithLabelValues("suspended").Set(float64(counts[StateSuspended]))
	s.metrics.TasksByState.WithLabelValues("dead").Set(float64(counts[StateDead]))
}
