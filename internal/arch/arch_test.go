package arch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/arch"
)

func TestDisableEnableInterrupts(t *testing.T) {
	m := arch.NewSimulator()
	require.True(t, m.InterruptsEnabled())

	was := m.DisableInterrupts()
	require.True(t, was)
	require.False(t, m.InterruptsEnabled())

	m.EnableInterrupts()
	require.True(t, m.InterruptsEnabled())
}

func TestLoadCR3AndSwitchTo(t *testing.T) {
	m := arch.NewSimulator()
	prev := &arch.TaskContext{CR3: 0x1000}
	next := &arch.TaskContext{CR3: 0x2000}

	m.LoadCR3(prev.CR3)
	require.Equal(t, uint32(0x1000), m.CurrentCR3())

	m.SwitchTo(prev, next)
	require.Equal(t, uint32(0x2000), m.CurrentCR3())
	require.Equal(t, 1, m.SwitchCount())
}

func TestPortIO(t *testing.T) {
	m := arch.NewSimulator()
	m.OutPortByte(0x60, 0xAB)
	require.Equal(t, uint8(0xAB), m.InPortByte(0x60))
}

func TestCR2(t *testing.T) {
	m := arch.NewSimulator()
	m.SetCR2(0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), m.ReadCR2())
}
