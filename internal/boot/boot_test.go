package boot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/arch"
	"github.com/exos-project/exos/internal/boot"
	"github.com/exos-project/exos/internal/klog"
	"github.com/exos-project/exos/internal/memory"
	"github.com/exos-project/exos/internal/task"
)

// TestBootMarksReservedAndAvailableMemory mirrors spec.md §8 S1: a 64 MiB
// machine whose Multiboot map reports a single AVAILABLE entry
// [0x100000, 0x4000000).
func TestBootMarksReservedAndAvailableMemory(t *testing.T) {
	k := boot.NewKernel(klog.Discard())
	info := boot.MultibootInfo{
		MemLower: 640,
		MemUpper: 64*1024 - 1024,
		CmdLine:  "root=ext2:/dev/hda1 loglevel=debug",
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0x100000, Length: 0x4000000 - 0x100000, Type: boot.MemoryAvailable},
		},
	}
	cfg := boot.Config{Machine: arch.NewSimulator()}

	require.NoError(t, k.Boot(context.Background(), info, cfg))

	require.Equal(t, memory.Used, k.Frames.State(0))
	require.Equal(t, memory.Used, k.Frames.State(uint32(boot.ReservedLowMemory)-memory.PageSize))
	require.Equal(t, memory.Free, k.Frames.State(0x100000))
	require.True(t, k.Frames.IsReady())

	frame, err := k.Frames.AllocPage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, frame, uint32(0x100000))
}

func TestBootBuildsKernelProcessAndTask(t *testing.T) {
	k := boot.NewKernel(klog.Discard())
	info := boot.MultibootInfo{
		MemoryMap: []boot.MemoryMapEntry{
			{Base: 0, Length: 0x4000000, Type: boot.MemoryAvailable},
		},
	}
	cfg := boot.Config{Machine: arch.NewSimulator()}

	require.NoError(t, k.Boot(context.Background(), info, cfg))

	require.NotNil(t, k.KernelProcess)
	require.Equal(t, task.PrivilegeKernel, k.KernelProcess.Privilege)
	require.NotNil(t, k.KernelTask)
	require.Equal(t, task.TypeKernelMain, k.KernelTask.Type)

	heapRegion, ok := k.Regions.Lookup("KernelHeap")
	require.True(t, ok)
	require.True(t, heapRegion.Commit)

	tssRegion, ok := k.Regions.Lookup("TSS")
	require.True(t, ok)
	require.Equal(t, boot.DefaultTSSSize, tssRegion.Size)

	ptr, err := k.Heap.Alloc(64)
	require.NoError(t, err)
	require.NotZero(t, ptr)

	require.NotNil(t, k.FS)
	require.NotNil(t, k.Proc)
}

func TestBootFailsWithEmptyMemoryMap(t *testing.T) {
	k := boot.NewKernel(klog.Discard())
	cfg := boot.Config{Machine: arch.NewSimulator()}
	err := k.Boot(context.Background(), boot.MultibootInfo{}, cfg)
	require.Error(t, err)
}

func TestParseCommandLine(t *testing.T) {
	params := boot.ParseCommandLine("root=ext2:/dev/hda1 loglevel=debug quiet")
	require.Equal(t, "ext2:/dev/hda1", params["root"])
	require.Equal(t, "debug", params["loglevel"])
	require.Equal(t, "true", params["quiet"])
}
