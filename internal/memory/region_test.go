package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/memory"
)

func newTestEngine(t *testing.T, frameCount int) (*memory.FrameAllocator, *memory.Engine) {
	t.Helper()
	frames := memory.NewFrameAllocator(frameCount, nil)
	frames.MarkReady()
	return frames, memory.NewEngine(frames)
}

func TestAllocRegionCommitMapsEveryPage(t *testing.T) {
	frames, engine := newTestEngine(t, 64)
	mgr := memory.NewRegionManager(engine, engine.KernelDirectory().ID, "kernel", nil)

	base, err := mgr.AllocRegion(0x00400000, 3*memory.PageSize, true, true, true, false, "KernelHeap")
	require.NoError(t, err)

	for linear := base; linear < base+3*memory.PageSize; linear += memory.PageSize {
		require.True(t, engine.IsValidMemory(linear))
	}

	region, ok := mgr.Lookup("KernelHeap")
	require.True(t, ok)
	require.Equal(t, base, region.Base)

	_ = frames
}

func TestRegionsDoNotOverlap(t *testing.T) {
	_, engine := newTestEngine(t, 64)
	mgr := memory.NewRegionManager(engine, engine.KernelDirectory().ID, "kernel", nil)

	base1, err := mgr.AllocRegion(0x00400000, 2*memory.PageSize, false, true, true, false, "A")
	require.NoError(t, err)

	base2, err := mgr.AllocRegion(0x00400000, 2*memory.PageSize, false, true, true, false, "B")
	require.NoError(t, err)
	require.NotEqual(t, base1, base2)

	regions := mgr.All()
	for i := 1; i < len(regions); i++ {
		require.GreaterOrEqual(t, regions[i].Base, regions[i-1].End())
	}
}

// TestFreeRegionReturnsFramesToFree is the round-trip law of spec.md §8:
// alloc_region(..., COMMIT) followed by free_region returns every involved
// page to the free state.
func TestFreeRegionReturnsFramesToFree(t *testing.T) {
	frames, engine := newTestEngine(t, 64)
	mgr := memory.NewRegionManager(engine, engine.KernelDirectory().ID, "kernel", nil)

	freeBefore, _ := frames.Counts()

	base, err := mgr.AllocRegion(0x00400000, 4*memory.PageSize, true, true, true, false, "Scratch")
	require.NoError(t, err)

	require.NoError(t, mgr.FreeRegion(base))

	freeAfter, _ := frames.Counts()
	require.Equal(t, freeBefore, freeAfter)

	for linear := base; linear < base+4*memory.PageSize; linear += memory.PageSize {
		require.False(t, engine.IsValidMemory(linear))
	}
}

func TestFreeRegionUnknownIsError(t *testing.T) {
	_, engine := newTestEngine(t, 64)
	mgr := memory.NewRegionManager(engine, engine.KernelDirectory().ID, "kernel", nil)
	require.Error(t, mgr.FreeRegion(0x12345000))
}
