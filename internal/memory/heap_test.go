package memory_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/memory"
)

func TestHeapAllocFree(t *testing.T) {
	h, err := memory.NewHeap(0x1000, 4096, 1<<20)
	require.NoError(t, err)

	ptr, err := h.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, h.Free(ptr))
	require.Equal(t, uint32(0), h.AllocatedTotal())
}

func TestHeapEnforcesMaximumAllocatedMemory(t *testing.T) {
	h, err := memory.NewHeap(0x1000, 4096, 100)
	require.NoError(t, err)

	_, err = h.Alloc(200)
	require.Error(t, err)
}

func TestHeapDoubleFreeRejected(t *testing.T) {
	h, err := memory.NewHeap(0x1000, 4096, 1<<20)
	require.NoError(t, err)

	ptr, err := h.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(ptr))
	require.Error(t, h.Free(ptr))
}

// TestHeapRandomSequenceNeverCorrupts is the round-trip law of spec.md §8:
// a long alloc/free sequence with random sizes never corrupts the heap.
func TestHeapRandomSequenceNeverCorrupts(t *testing.T) {
	h, err := memory.NewHeap(0x100000, 1<<20, 1<<20)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	var live []uint32

	for i := 0; i < 500; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			require.NoError(t, h.Free(live[idx]))
			live = append(live[:idx], live[idx+1:]...)
			continue
		}
		size := uint32(1 + rng.Intn(256))
		ptr, err := h.Alloc(size)
		if err != nil {
			continue // allocator legitimately out of room; not a corruption
		}
		live = append(live, ptr)
	}

	for _, ptr := range live {
		require.NoError(t, h.Free(ptr))
	}
	require.Equal(t, uint32(0), h.AllocatedTotal())
}
