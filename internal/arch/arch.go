// Package arch isolates the architecture-specific primitives spec.md §9
// calls out for separate treatment: disable_interrupts, enable_interrupts,
// halt, load_cr3, read_cr2, save_fpu, restore_fpu, in_port_byte,
// out_port_byte, load_idt, load_gdt, switch_to_task. Everything above this
// package talks to the Machine interface, never to hardware directly, so a
// real i386 backend (asm-linked the way iansmith-mazarin's kernel links
// set_vbar_el1/enable_irqs/disable_irqs/... via go:linkname) can replace
// the Simulator below without touching internal/trap or internal/task.
package arch

// TaskContext is the saved register/segment state of one task, opaque to
// everything except the architecture layer and the scheduler that passes
// it to SwitchTo.
type TaskContext struct {
	EIP, ESP, EBP       uint32
	EAX, EBX, ECX, EDX  uint32
	ESI, EDI            uint32
	EFlags              uint32
	CR3                 uint32 // physical address of the task's page directory
	FPUState            [512]byte
}

// Machine is the full set of architecture primitives spec.md §9 names.
type Machine interface {
	DisableInterrupts() (wasEnabled bool)
	EnableInterrupts()
	Halt()
	LoadCR3(physicalPageDirectory uint32)
	ReadCR2() uint32
	SaveFPU(ctx *TaskContext)
	RestoreFPU(ctx *TaskContext)
	InPortByte(port uint16) uint8
	OutPortByte(port uint16, value uint8)
	LoadIDT(base uint32, limit uint16)
	LoadGDT(base uint32, limit uint16)
	// SwitchTo saves prev's register/segment state (FPU already saved by
	// the caller) and restores next's, updating CR3 if the two tasks
	// belong to different address spaces. It never sleeps and never
	// allocates: the scheduler calls it with interrupts already disabled.
	SwitchTo(prev, next *TaskContext)
}

// Simulator is a deterministic, host-testable Machine: it has no real
// hardware to touch, so InPortByte/OutPortByte/LoadIDT/LoadGDT/LoadCR3 just
// record what was asked of them, and SwitchTo does a plain field copy
// instead of a real context switch. This is the build used by `go test`;
// SPEC_FULL.md records the real-hardware swap as future work, not part of
// this module's surface.
type Simulator struct {
	interruptsEnabled bool
	cr2               uint32
	cr3               uint32
	idtBase           uint32
	idtLimit          uint16
	gdtBase           uint32
	gdtLimit          uint16
	ports             [65536]uint8
	halted            int
	switches          int
}

// NewSimulator returns a Machine with interrupts initially enabled, as the
// kernel is after boot completes.
func NewSimulator() *Simulator {
	return &Simulator{interruptsEnabled: true}
}

func (s *Simulator) DisableInterrupts() bool {
	was := s.interruptsEnabled
	s.interruptsEnabled = false
	return was
}

func (s *Simulator) EnableInterrupts() { s.interruptsEnabled = true }

func (s *Simulator) InterruptsEnabled() bool { return s.interruptsEnabled }

func (s *Simulator) Halt() { s.halted++ }

func (s *Simulator) HaltCount() int { return s.halted }

func (s *Simulator) LoadCR3(physicalPageDirectory uint32) { s.cr3 = physicalPageDirectory }

func (s *Simulator) CurrentCR3() uint32 { return s.cr3 }

// SetCR2 lets the page-fault simulator record the faulting linear address
// the way a real #PF would leave it in CR2.
func (s *Simulator) SetCR2(v uint32) { s.cr2 = v }

func (s *Simulator) ReadCR2() uint32 { return s.cr2 }

func (s *Simulator) SaveFPU(ctx *TaskContext) { /* no real FPU state to capture */ }

func (s *Simulator) RestoreFPU(ctx *TaskContext) { /* no-op in simulation */ }

func (s *Simulator) InPortByte(port uint16) uint8 { return s.ports[port] }

func (s *Simulator) OutPortByte(port uint16, value uint8) { s.ports[port] = value }

func (s *Simulator) LoadIDT(base uint32, limit uint16) {
	s.idtBase, s.idtLimit = base, limit
}

func (s *Simulator) LoadGDT(base uint32, limit uint16) {
	s.gdtBase, s.gdtLimit = base, limit
}

func (s *Simulator) SwitchTo(prev, next *TaskContext) {
	s.switches++
	if prev != nil {
		s.SaveFPU(prev)
	}
	if next != nil && next.CR3 != 0 {
		s.LoadCR3(next.CR3)
	}
	s.RestoreFPU(next)
}

func (s *Simulator) SwitchCount() int { return s.switches }
