package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/memory"
)

func TestAllocUserPageDirectoryInheritsKernelHalf(t *testing.T) {
	frames := memory.NewFrameAllocator(256, nil)
	frames.MarkReady()
	engine := memory.NewEngine(frames)

	userDir, err := engine.AllocUserPageDirectory()
	require.NoError(t, err)
	require.NotEqual(t, engine.KernelDirectory().ID, userDir)
}

func TestLoadPageDirectorySwitchesActive(t *testing.T) {
	frames := memory.NewFrameAllocator(256, nil)
	frames.MarkReady()
	engine := memory.NewEngine(frames)

	userDir, err := engine.AllocUserPageDirectory()
	require.NoError(t, err)

	require.NoError(t, engine.LoadPageDirectory(userDir))
	require.Equal(t, userDir, engine.ActiveDirectoryID())

	require.NoError(t, engine.LoadPageDirectory(engine.KernelDirectory().ID))
	require.Equal(t, engine.KernelDirectory().ID, engine.ActiveDirectoryID())
}

func TestMapTemporaryPhysicalPage1(t *testing.T) {
	frames := memory.NewFrameAllocator(256, nil)
	frames.MarkReady()
	engine := memory.NewEngine(frames)

	phys, err := frames.AllocPage()
	require.NoError(t, err)

	linear, err := engine.MapTemporaryPhysicalPage1(phys)
	require.NoError(t, err)
	require.Equal(t, memory.TempMapLinear, linear)
	require.True(t, engine.IsValidMemory(linear))
}

func TestIsValidMemoryFalseForUnmapped(t *testing.T) {
	frames := memory.NewFrameAllocator(256, nil)
	frames.MarkReady()
	engine := memory.NewEngine(frames)
	require.False(t, engine.IsValidMemory(0x00400000))
}
