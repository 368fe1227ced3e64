package memory

import (
	"encoding/binary"
	"sync"

	"github.com/exos-project/exos/internal/kernelerr"
)

// idHeap is the sentinel word written at the base of every heap for
// validation, named after the original kernel's ID_HEAP constant
// (spec.md §3.3).
const idHeap uint32 = 0x48454150 // "HEAP"

const heapAlignment = 16

// blockHeader is the in-band header carried by every block, mirroring
// iansmith-mazarin's heapSegment{next, prev, isAllocated, segmentSize}
// doubly-linked list -- adapted to store offsets into the heap's backing
// buffer instead of raw pointers, since the heap here is simulated as a
// []byte rather than a real mapped region.
type blockHeader struct {
	prevOffset  int32 // -1 == none
	nextOffset  int32 // -1 == none
	free        bool
	segmentSize uint32 // total size including this header
}

const blockHeaderSize = 4 + 4 + 4 + 4 // prev, next, free(as u32), size

func (h blockHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.prevOffset))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.nextOffset))
	freeWord := uint32(0)
	if h.free {
		freeWord = 1
	}
	binary.LittleEndian.PutUint32(buf[8:12], freeWord)
	binary.LittleEndian.PutUint32(buf[12:16], h.segmentSize)
}

func decodeBlockHeader(buf []byte) blockHeader {
	return blockHeader{
		prevOffset:  int32(binary.LittleEndian.Uint32(buf[0:4])),
		nextOffset:  int32(binary.LittleEndian.Uint32(buf[4:8])),
		free:        binary.LittleEndian.Uint32(buf[8:12]) != 0,
		segmentSize: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// Heap is C3: a contiguous linear region managed by first-fit with
// free-list headers in-band, directly grounded on
// iansmith-mazarin/src/go/mazarin/heap.go's kmalloc/heapInit.
type Heap struct {
	mu                 sync.Mutex
	base               uint32 // linear address the backing buffer represents
	buf                []byte
	sentinel           uint32
	allocTotal         uint32
	maxAllocatedMemory uint32
}

// NewHeap initializes a heap over [base, base+size) with the given
// MaximumAllocatedMemory ceiling for its owning process (spec.md §3.3).
func NewHeap(base, size, maxAllocatedMemory uint32) (*Heap, error) {
	if size < blockHeaderSize {
		return nil, kernelerr.New(kernelerr.InvalidArgument, "NewHeap: size too small")
	}
	h := &Heap{base: base, buf: make([]byte, size), sentinel: idHeap, maxAllocatedMemory: maxAllocatedMemory}

	root := blockHeader{prevOffset: -1, nextOffset: -1, free: true, segmentSize: size}
	root.encode(h.buf)
	return h, nil
}

func (h *Heap) validateSentinel() error {
	if h.sentinel != idHeap {
		return kernelerr.New(kernelerr.State, "heap: ID_HEAP sentinel corrupted")
	}
	return nil
}

// Alloc performs a first-fit scan of the free list and returns a linear
// address into the heap's backing region, or an error when no block fits
// or MaximumAllocatedMemory would be exceeded.
func (h *Heap) Alloc(size uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.validateSentinel(); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, kernelerr.New(kernelerr.InvalidArgument, "Alloc: zero size")
	}

	total := alignUp(size+blockHeaderSize, heapAlignment)

	if h.allocTotal+size > h.maxAllocatedMemory {
		return 0, kernelerr.New(kernelerr.NoMemory, "Alloc: MaximumAllocatedMemory exceeded")
	}

	offset := int32(0)
	for offset != -1 {
		hdr := decodeBlockHeader(h.buf[offset:])
		if hdr.free && hdr.segmentSize >= total {
			h.splitAndTake(offset, hdr, total)
			taken := decodeBlockHeader(h.buf[offset:])
			h.allocTotal += taken.segmentSize - blockHeaderSize
			return h.base + uint32(offset) + blockHeaderSize, nil
		}
		offset = hdr.nextOffset
	}

	return 0, kernelerr.New(kernelerr.NoMemory, "Alloc: no free-fit block")
}

func (h *Heap) splitAndTake(offset int32, hdr blockHeader, total uint32) {
	remaining := hdr.segmentSize - total
	if remaining >= blockHeaderSize+heapAlignment {
		newOffset := offset + int32(total)
		newHdr := blockHeader{prevOffset: offset, nextOffset: hdr.nextOffset, free: true, segmentSize: remaining}
		newHdr.encode(h.buf[newOffset:])

		if hdr.nextOffset != -1 {
			next := decodeBlockHeader(h.buf[hdr.nextOffset:])
			next.prevOffset = newOffset
			next.encode(h.buf[hdr.nextOffset:])
		}

		hdr.segmentSize = total
		hdr.nextOffset = newOffset
	}
	hdr.free = false
	hdr.encode(h.buf[offset:])
}

// Free marks the block backing ptr free and merges it with adjacent free
// neighbors (spec.md §3.3 invariant).
func (h *Heap) Free(ptr uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.validateSentinel(); err != nil {
		return err
	}
	if ptr < h.base+blockHeaderSize || ptr >= h.base+uint32(len(h.buf)) {
		return kernelerr.New(kernelerr.InvalidArgument, "Free: pointer outside heap")
	}

	offset := int32(ptr - h.base - blockHeaderSize)
	hdr := decodeBlockHeader(h.buf[offset:])
	if hdr.free {
		return kernelerr.New(kernelerr.State, "Free: double free")
	}

	userSize := hdr.segmentSize - blockHeaderSize
	if userSize > h.allocTotal {
		userSize = h.allocTotal
	}
	h.allocTotal -= userSize
	hdr.free = true
	hdr.encode(h.buf[offset:])

	h.mergeWithNext(offset, hdr)
	h.mergeWithPrev(offset)
	return nil
}

func (h *Heap) mergeWithNext(offset int32, hdr blockHeader) {
	if hdr.nextOffset == -1 {
		return
	}
	next := decodeBlockHeader(h.buf[hdr.nextOffset:])
	if !next.free {
		return
	}
	hdr.segmentSize += next.segmentSize
	hdr.nextOffset = next.nextOffset
	if next.nextOffset != -1 {
		afterNext := decodeBlockHeader(h.buf[next.nextOffset:])
		afterNext.prevOffset = offset
		afterNext.encode(h.buf[next.nextOffset:])
	}
	hdr.encode(h.buf[offset:])
}

func (h *Heap) mergeWithPrev(offset int32) {
	hdr := decodeBlockHeader(h.buf[offset:])
	if hdr.prevOffset == -1 {
		return
	}
	prev := decodeBlockHeader(h.buf[hdr.prevOffset:])
	if !prev.free {
		return
	}
	prev.segmentSize += hdr.segmentSize
	prev.nextOffset = hdr.nextOffset
	if hdr.nextOffset != -1 {
		next := decodeBlockHeader(h.buf[hdr.nextOffset:])
		next.prevOffset = hdr.prevOffset
		next.encode(h.buf[hdr.nextOffset:])
	}
	prev.encode(h.buf[hdr.prevOffset:])
}

// AllocatedTotal reports bytes currently allocated (for metrics and
// MaximumAllocatedMemory tests).
func (h *Heap) AllocatedTotal() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocTotal
}
