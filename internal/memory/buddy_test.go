package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/memory"
)

func TestAllocPageReturnsLowestFree(t *testing.T) {
	a := memory.NewFrameAllocator(16, nil)
	require.NoError(t, a.SetRange(0, 4, true)) // reserve low memory
	a.MarkReady()

	phys, err := a.AllocPage()
	require.NoError(t, err)
	require.Equal(t, uint32(4*memory.PageSize), phys)
	require.Equal(t, memory.Used, a.State(phys))
}

func TestAllocPageExhaustion(t *testing.T) {
	a := memory.NewFrameAllocator(2, nil)
	a.MarkReady()

	_, err := a.AllocPage()
	require.NoError(t, err)
	_, err = a.AllocPage()
	require.NoError(t, err)

	_, err = a.AllocPage()
	require.Error(t, err)
}

func TestFreePageRejectsFrameZero(t *testing.T) {
	a := memory.NewFrameAllocator(4, nil)
	a.MarkReady()
	require.Error(t, a.FreePage(0))
}

func TestFreePageOutOfRange(t *testing.T) {
	a := memory.NewFrameAllocator(4, nil)
	a.MarkReady()
	require.Error(t, a.FreePage(uint32(100*memory.PageSize)))
}

func TestFreeAlreadyFreeIsNonFatal(t *testing.T) {
	a := memory.NewFrameAllocator(4, nil)
	a.MarkReady()
	err := a.FreePage(uint32(1 * memory.PageSize))
	require.Error(t, err) // reported...
	// ...but the allocator keeps serving requests afterward (non-fatal).
	_, err = a.AllocPage()
	require.NoError(t, err)
}

// TestBootReservationScenario mirrors spec.md S1: a 64 MiB machine with a
// single AVAILABLE range; after reservation painting every frame below the
// reserved window is USED and the rest is FREE.
func TestBootReservationScenario(t *testing.T) {
	pageCount := (64 * 1024 * 1024) / memory.PageSize
	a := memory.NewFrameAllocator(pageCount, nil)

	const reservedLowMemoryFrames = 256 // RESERVED_LOW_MEMORY / PageSize, illustrative
	require.NoError(t, a.SetRange(0, reservedLowMemoryFrames, true))
	a.MarkReady()

	require.Equal(t, memory.Used, a.State(0))
	require.Equal(t, memory.Free, a.State(uint32(reservedLowMemoryFrames*memory.PageSize)))

	phys, err := a.AllocPage()
	require.NoError(t, err)
	require.Equal(t, uint32(reservedLowMemoryFrames*memory.PageSize), phys)
}
