// Package ksync implements C5: a recursive, task-owned mutex with a FIFO
// waiter queue, grounded on original_source/kernel/include/Mutex.h's
// {Process, Task, Lock} fields (owner process/task, lock depth). Tasks are
// identified by the caller-supplied numeric id spec.md §3.4 assigns them;
// this package has no dependency on internal/task so that either package
// can be tested in isolation, per the design notes' rejection of global
// singletons threaded implicitly.
package ksync

import (
	"container/list"
	"sync"
	"time"

	"github.com/exos-project/exos/internal/kernelerr"
)

// Infinity is the timeout sentinel meaning "never give up" (spec.md
// GLOSSARY).
const Infinity time.Duration = -1

type waiter struct {
	taskID uint64
	ready  chan struct{}
	taken  bool
}

// Mutex is C5. Zero value is not usable; construct with New.
type Mutex struct {
	mu       sync.Mutex
	owner    uint64
	hasOwner bool
	depth    uint32
	waiters  *list.List
}

// New returns an unlocked mutex.
func New() *Mutex {
	return &Mutex{waiters: list.New()}
}

// Lock acquires m for taskID, blocking up to timeout (or forever, for
// Infinity). Returns (true, nil) once acquired, (false, nil) on timeout,
// and propagates recursive-acquire bookkeeping for repeat calls by the
// current owner.
func (m *Mutex) Lock(taskID uint64, timeout time.Duration) (bool, error) {
	m.mu.Lock()

	if m.hasOwner && m.owner == taskID {
		m.depth++
		m.mu.Unlock()
		return true, nil
	}

	if !m.hasOwner {
		m.hasOwner = true
		m.owner = taskID
		m.depth = 1
		m.mu.Unlock()
		return true, nil
	}

	w := &waiter{taskID: taskID, ready: make(chan struct{})}
	elem := m.waiters.PushBack(w)
	m.mu.Unlock()

	if timeout == Infinity {
		<-w.ready
		return true, nil
	}

	select {
	case <-w.ready:
		return true, nil
	case <-time.After(timeout):
		m.mu.Lock()
		if !w.taken {
			m.waiters.Remove(elem)
			m.mu.Unlock()
			return false, nil
		}
		// Ownership was transferred to us in the window between the
		// timer firing and this lock being taken; honor the grant.
		m.mu.Unlock()
		return true, nil
	}
}

// TryLock attempts a non-blocking acquire.
func (m *Mutex) TryLock(taskID uint64) bool {
	acquired, _ := m.Lock(taskID, 0)
	return acquired
}

// Unlock releases one level of taskID's ownership. Unlocking a mutex not
// owned by the caller is a bug the caller must not commit; it returns an
// error rather than panicking so test harnesses can catch it (spec.md §8
// invariant 3).
func (m *Mutex) Unlock(taskID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasOwner || m.owner != taskID {
		return kernelerr.New(kernelerr.State, "Unlock: caller does not own mutex")
	}

	m.depth--
	if m.depth > 0 {
		return nil
	}

	m.hasOwner = false
	m.owner = 0

	front := m.waiters.Front()
	if front == nil {
		return nil
	}
	m.waiters.Remove(front)
	w := front.Value.(*waiter)
	w.taken = true
	m.hasOwner = true
	m.owner = w.taskID
	m.depth = 1
	close(w.ready)
	return nil
}

// ForceRelease clears ownership unconditionally -- used when delete_task
// tears down a task that held the mutex (spec.md §5: "mutexes they held
// are force-released").
func (m *Mutex) ForceRelease() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasOwner = false
	m.owner = 0
	m.depth = 0
}

// RemoveWaiter drops taskID from the waiter queue without granting it the
// lock -- used when delete_task tears down a task that was blocked
// waiting on this mutex (spec.md §5).
func (m *Mutex) RemoveWaiter(taskID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		if w.taskID == taskID {
			m.waiters.Remove(e)
			return true
		}
	}
	return false
}

// Owner reports the current owner task id, if any (spec.md §8 invariant
// 3: owner == ⊥ iff lock_depth == 0).
func (m *Mutex) Owner() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, m.hasOwner
}

// Depth reports the current recursive lock depth.
func (m *Mutex) Depth() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// WaiterCount reports how many tasks are queued behind the current owner.
func (m *Mutex) WaiterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters.Len()
}
