package task_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/arch"
	"github.com/exos-project/exos/internal/kernelerr"
	"github.com/exos-project/exos/internal/task"
)

func newTestScheduler() *task.Scheduler {
	return task.NewScheduler(arch.NewSimulator(), nil, 0)
}

func TestCreateTaskBecomesCurrent(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)

	tk, err := s.CreateTask(proc.ID, "main", task.TypeKernelMain, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	cur, ok := s.CurrentTaskID()
	require.True(t, ok)
	require.Equal(t, tk.ID, cur)
}

func TestOnlyOneKernelMainTask(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)

	_, err := s.CreateTask(proc.ID, "main", task.TypeKernelMain, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	_, err = s.CreateTask(proc.ID, "main2", task.TypeKernelMain, task.PriorityMedium, nil, 0)
	require.Error(t, err)
}

// TestKillTaskRejectsKernelMain mirrors spec.md §8's "kill_task(kernel_main)
// returns error and leaves state unchanged".
func TestKillTaskRejectsKernelMain(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)
	tk, err := s.CreateTask(proc.ID, "main", task.TypeKernelMain, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	err = s.KillTask(tk.ID, -1)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.Permission))

	got, ok := s.Task(tk.ID)
	require.True(t, ok)
	require.NotEqual(t, task.StateDead, got.Status)
}

// TestKillProcessRejectsKernelProcess mirrors spec.md §4.6 "Kernel process
// and kernel main task cannot be killed" and §4.9 "The kernel process is
// immortal".
func TestKillProcessRejectsKernelProcess(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)

	err := s.KillProcess(proc.ID, -1)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.Permission))

	got, ok := s.Process(proc.ID)
	require.True(t, ok)
	require.Equal(t, task.ProcessAlive, got.Status)
}

// TestHigherPriorityWins mirrors spec.md S2: among Running tasks, the
// scheduler always selects a strictly-higher-priority one over a lower
// one.
func TestHigherPriorityWins(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)

	low, err := s.CreateTask(proc.ID, "low", task.TypeKernelOther, task.PriorityLow, nil, 0)
	require.NoError(t, err)
	high, err := s.CreateTask(proc.ID, "high", task.TypeKernelOther, task.PriorityHigh, nil, 0)
	require.NoError(t, err)

	s.Tick()
	cur, ok := s.CurrentTaskID()
	require.True(t, ok)
	require.Equal(t, high.ID, cur)
	_ = low
}

func TestRoundRobinAmongEqualPriority(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)

	a, err := s.CreateTask(proc.ID, "a", task.TypeKernelOther, task.PriorityMedium, nil, 0)
	require.NoError(t, err)
	b, err := s.CreateTask(proc.ID, "b", task.TypeKernelOther, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		s.Tick()
		cur, _ := s.CurrentTaskID()
		seen[cur] = true
	}
	require.True(t, seen[a.ID])
	require.True(t, seen[b.ID])
}

func TestSleepAndWake(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)
	tk, err := s.CreateTask(proc.ID, "sleeper", task.TypeKernelOther, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = s.Sleep(tk.ID, time.Hour)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Wake(tk.ID))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep never returned after Wake")
	}
}

// TestKillTaskCascadesToProcess mirrors spec.md §5: killing a process's
// last live task marks the process dead too.
func TestKillTaskCascadesToProcess(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("child", "/", task.PrivilegeUser, 0, 0, false, 0)
	tk, err := s.CreateTask(proc.ID, "only", task.TypeUser, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.KillTask(tk.ID, 7))

	got, ok := s.Process(proc.ID)
	require.True(t, ok)
	require.Equal(t, task.ProcessDead, got.Status)
	require.Equal(t, int32(7), got.ExitCode)
}

// TestKillProcessCascadesToChildren mirrors spec.md §4.9's
// TERMINATE_CHILD_PROCESSES_ON_DEATH flag.
func TestKillProcessCascadesToChildren(t *testing.T) {
	s := newTestScheduler()
	parent := s.CreateProcess("parent", "/", task.PrivilegeUser, task.FlagTerminateChildProcessesOnDeath, 0, false, 0)
	parentTask, err := s.CreateTask(parent.ID, "parent-main", task.TypeUser, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	child := s.CreateProcess("child", "/", task.PrivilegeUser, 0, parent.ID, true, 0)
	childTask, err := s.CreateTask(child.ID, "child-main", task.TypeUser, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.KillTask(parentTask.ID, 1))

	gotChild, ok := s.Process(child.ID)
	require.True(t, ok)
	require.Equal(t, task.ProcessDead, gotChild.Status)

	_, ok = s.ExitCode(childTask.ID)
	require.True(t, ok)
}

// TestKillProcessWithoutCascadeOrphansChildren mirrors spec.md §8 S2:
// without TERMINATE_CHILD_PROCESSES_ON_DEATH, a surviving child's owner
// becomes ⊥ instead of pointing at the now-dead parent.
func TestKillProcessWithoutCascadeOrphansChildren(t *testing.T) {
	s := newTestScheduler()
	parent := s.CreateProcess("parent", "/", task.PrivilegeUser, 0, 0, false, 0)
	parentTask, err := s.CreateTask(parent.ID, "parent-main", task.TypeUser, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	child := s.CreateProcess("child", "/", task.PrivilegeUser, 0, parent.ID, true, 0)

	require.NoError(t, s.KillTask(parentTask.ID, 1))

	gotChild, ok := s.Process(child.ID)
	require.True(t, ok)
	require.Equal(t, task.ProcessAlive, gotChild.Status)
	require.False(t, gotChild.HasOwner)
}

// TestWaitAfterDeathReturnsCachedExitCode mirrors spec.md §4.9's edge
// case for a Wait call that arrives after the target already died.
func TestWaitAfterDeathReturnsCachedExitCode(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)
	tk, err := s.CreateTask(proc.ID, "victim", task.TypeKernelOther, task.PriorityMedium, nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.KillTask(tk.ID, 42))
	require.Equal(t, int32(42), s.Wait(tk.ID))
}

func TestFreezeSchedulerPreventsSelectionChange(t *testing.T) {
	s := newTestScheduler()
	proc := s.CreateProcess("kernel", "/", task.PrivilegeKernel, 0, 0, false, 0)
	first, err := s.CreateTask(proc.ID, "first", task.TypeKernelOther, task.PriorityLow, nil, 0)
	require.NoError(t, err)

	s.FreezeScheduler()
	_, err = s.CreateTask(proc.ID, "second", task.TypeKernelOther, task.PriorityCritical, nil, 0)
	require.NoError(t, err)

	s.Tick()
	cur, ok := s.CurrentTaskID()
	require.True(t, ok)
	require.Equal(t, first.ID, cur)

	s.UnfreezeScheduler()
	s.Tick()
	cur, ok = s.CurrentTaskID()
	require.True(t, ok)
	require.NotEqual(t, first.ID, cur)
}
