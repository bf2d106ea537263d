package sheap

import (
	"fmt"
	"time"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/sheapguard/sheapguard/memutils"
)

// ErrInvalidPointer is returned from AllocationID when the pointer does not
// map to an integrity-valid allocated block.
var ErrInvalidPointer = cerrors.New("pointer does not belong to a valid allocated block")

// ErrCompactHeader is returned from AllocationID when the heap uses the
// compact header layout, which does not record caller ids in blocks.
var ErrCompactHeader = cerrors.New("allocation ids require the extended header layout")

// Heap is a boundary-tagged first-fit allocator over a caller-provided arena.
// Every block carries an integrity-protected header and an identical boundary
// tag; double frees, frees of foreign pointers, metadata corruption and
// out-of-bound writes into the alignment padding are detected at the point of
// allocation or deallocation and reported through the assertion sink rather
// than crashing.
//
// A single Heap owns its arena for the lifetime of the process. All mutating
// entry points serialize on the heap mutex; in a single-threaded build the
// mutex is a no-op and a pair of reentry flags detects overlapping calls
// instead.
type Heap struct {
	arena      []byte
	headerSize int
	extended   bool

	minAlloc        int
	strategy        AllocationStrategy
	overwriteValue  byte
	callocValue     byte
	checkUnaligned  bool
	overwriteOnFree bool
	crcPoly         uint16
	crcXorOut       uint16

	mutex     memutils.Mutex
	mutexWait time.Duration
	reporter  *memutils.Reporter

	singleThreaded bool
	allocBusy      bool
	freeBusy       bool

	stats HeapStatistics
	ids   *idRing
}

// NewHeap establishes the allocator over the provided arena. The arena must be
// large enough for one block of the minimum allocation unit; otherwise an
// InitInvalidSize report is issued and the returned heap refuses every
// operation with NotInitialized. The arena is filled with the overwrite
// pattern and a single free block spanning it is written.
func NewHeap(arena []byte, config Config) *Heap {
	h := &Heap{
		extended:        config.Layout == HeaderLayoutExtended,
		strategy:        config.Strategy,
		overwriteValue:  config.OverwriteValue,
		callocValue:     config.CallocValue,
		checkUnaligned:  config.CheckUnalignedOnFree,
		overwriteOnFree: config.OverwriteOnFree,
		crcPoly:         config.Crc16Poly,
		crcXorOut:       config.Crc16XorOut,
		mutexWait:       config.MutexWaitTimeout,
		singleThreaded:  config.SingleThreaded,
		reporter:        memutils.NewReporter(config.AssertHandler, config.Logger),
		ids:             newIDRing(config.PCLogSize),
	}
	h.headerSize = h.hdrSize()
	if h.crcPoly == 0 {
		h.crcPoly = memutils.Crc16DefaultPoly
		h.crcXorOut = memutils.Crc16DefaultXorOut
	}

	h.minAlloc = config.MinimumMallocSize
	if h.minAlloc < MinimumMallocFloor {
		h.minAlloc = MinimumMallocFloor
	}
	h.minAlloc = memutils.NextPow2(h.minAlloc)

	switch {
	case config.SingleThreaded:
		h.mutex = memutils.NoOpMutex{}
	case config.Mutex != nil:
		h.mutex = config.Mutex
	default:
		h.mutex = memutils.NewTimedMutex()
	}

	if len(arena) < 2*h.headerSize+h.minAlloc {
		h.reporter.Report(memutils.AssertInitInvalidSize,
			fmt.Sprintf("heap init failed: arena of %d bytes cannot hold a single block", len(arena)))
		return h
	}

	h.arena = arena
	h.stats.Size = len(arena)
	h.fill(0, len(arena), h.overwriteValue)
	h.writeBlock(blockInfo{
		offset:      0,
		allocated:   false,
		size:        len(arena) - 2*h.headerSize,
		id:          AutoCreatedBlockID,
		alignOffset: 0,
	})
	return h
}

// Align returns n rounded up to a multiple of the minimum allocation unit.
func (h *Heap) Align(n int) int {
	return memutils.AlignUp(n, uint(h.minAlloc))
}

// HeapSize returns the total arena size in bytes.
func (h *Heap) HeapSize() int {
	return h.stats.Size
}

// AllocatedBytes returns the sum of the byte counts callers requested from
// live allocations.
func (h *Heap) AllocatedBytes() int {
	return h.stats.UserDataAllocated
}

// AllocatedBytesAligned returns the sum of the aligned payload sizes of live
// allocations.
func (h *Heap) AllocatedBytesAligned() int {
	return h.stats.UserDataAllocatedAligned
}

// Statistics returns a copy of the current heap counters.
func (h *Heap) Statistics() HeapStatistics {
	return h.stats
}

// LatestAllocationIDs copies the most recent non-zero caller ids into dst,
// newest first, and returns the number of ids written.
func (h *Heap) LatestAllocationIDs(dst []uint32) int {
	return h.ids.latest(dst)
}

// Allocate returns a payload of the requested size, or nil with a tagged
// report when the request cannot be served. The returned slice has the
// requested length; its capacity extends over the alignment padding, whose
// bytes must not be written.
func (h *Heap) Allocate(size int, id uint32) []byte {
	return h.alloc(size, id, false)
}

// Calloc allocates num*size bytes and initialises the payload to the
// configured calloc byte.
func (h *Heap) Calloc(num, size int, id uint32) []byte {
	return h.alloc(num*size, id, true)
}

func (h *Heap) alloc(size int, id uint32, initializePayload bool) []byte {
	if h.singleThreaded {
		if h.allocBusy {
			h.reporter.Report(memutils.AssertMallocCallOverlap,
				"overlapping allocation call detected, returning without allocation")
			return nil
		}
		h.allocBusy = true
		defer func() { h.allocBusy = false }()
	}
	if h.arena == nil {
		h.reporter.Report(memutils.AssertNotInitialized,
			"allocate must not be used before the heap is initialized")
		return nil
	}
	if !h.acquireMutex() {
		return nil
	}
	defer h.releaseMutex()

	if id != 0 {
		h.ids.log(id)
	}
	if size <= 0 {
		h.reporter.Report(memutils.AssertSizeZeroAlloc,
			"cannot allocate size of 0, is this call intentional?")
		return nil
	}
	return h.allocateBlock(size, id, initializePayload)
}

// allocateBlock runs under the heap mutex.
func (h *Heap) allocateBlock(size int, id uint32, initializePayload bool) []byte {
	aligned := h.Align(size)
	candidate, ok := h.nextFreeBlockOfSize(aligned)
	if !ok {
		return nil
	}

	preAllocSize := candidate.size
	if preAllocSize < h.blockOverhead(aligned)+h.minAlloc+2*h.headerSize {
		// A residue block would carry less than minAlloc plus two tags of
		// payload; absorb it into this allocation to keep the arena tiled.
		aligned = preAllocSize
	}

	candidate.allocated = true
	candidate.size = aligned
	candidate.id = id
	candidate.alignOffset = aligned - size
	h.writeBlock(candidate)
	h.stats.update(statsOpAlloc, size, aligned, h.blockOverhead(aligned))

	if aligned < preAllocSize {
		h.writeBlock(blockInfo{
			offset:      h.nextBlockOffset(candidate),
			allocated:   false,
			size:        preAllocSize - h.blockOverhead(aligned),
			id:          AutoCreatedBlockID,
			alignOffset: 0,
		})
	}

	payloadStart := candidate.offset + h.headerSize
	payload := h.arena[payloadStart : payloadStart+size : payloadStart+aligned]
	if initializePayload {
		h.fill(payloadStart, payloadStart+size, h.callocValue)
	}
	if candidate.alignOffset > 0 {
		// The padding must carry the overwrite pattern for the free-time
		// out-of-bound check to be meaningful on recycled blocks.
		h.fill(payloadStart+size, payloadStart+aligned, h.overwriteValue)
	}
	return payload
}

func (h *Heap) nextFreeBlockOfSize(size int) (blockInfo, bool) {
	if h.strategy != AllocationStrategyFirstFit {
		h.reporter.Report(memutils.AssertInvalidAllocationStrategy,
			"no memory allocation strategy found")
		return blockInfo{}, false
	}

	off := 0
	for {
		if !h.tagInBounds(off) {
			h.reporter.Report(memutils.AssertOutOfMemory, "no memory available")
			return blockInfo{}, false
		}
		current := h.decodeTag(off)
		if !current.allocated && current.size >= size {
			if !h.blockValid(current) {
				h.reporter.Report(memutils.AssertInvalidBlock,
					"found invalid block, it may have been altered")
				return blockInfo{}, false
			}
			return current, true
		}
		off = h.nextBlockOffset(current)
	}
}

// Free deallocates the payload p. The operation is refused with a tagged
// report if p is nil, lies outside the arena, carries damaged metadata, shows
// an out-of-bound write in its alignment padding, or was already freed. On
// success the block is merged with free neighbours.
func (h *Heap) Free(p []byte, id uint32) {
	if h.singleThreaded {
		if h.freeBusy {
			h.reporter.Report(memutils.AssertFreeCallOverlap,
				"overlapping free call detected, returning without freeing memory")
			return
		}
		h.freeBusy = true
		defer func() { h.freeBusy = false }()
	}
	if h.arena == nil {
		h.reporter.Report(memutils.AssertNotInitialized,
			"free must not be used before the heap is initialized")
		return
	}
	if !h.acquireMutex() {
		return
	}
	defer h.releaseMutex()

	if id != 0 {
		h.ids.log(id)
	}
	if len(p) == 0 {
		h.reporter.Report(memutils.AssertNullFree,
			"free operation not valid for nil pointer")
		return
	}
	payloadOff, ok := h.payloadOffset(p)
	if !ok {
		h.reporter.Report(memutils.AssertFreePtrNotInHeap,
			"cannot free pointer outside of heap")
		return
	}
	current := h.decodeTag(payloadOff - h.headerSize)
	if !h.headerCrcValid(current) {
		h.reporter.Report(memutils.AssertFreeInvalidHeader,
			"free operation cannot be performed as the block header is not valid")
		return
	}
	if !h.boundaryCrcValid(current) {
		h.reporter.Report(memutils.AssertFreeInvalidBoundary,
			"free operation cannot be performed as the block boundary is not valid, it may have been altered")
		return
	}
	if h.checkUnaligned && h.paddingDamaged(current) {
		h.reporter.Report(memutils.AssertOutOfBoundWrite,
			"out of bound write detected, free operation aborted")
		return
	}
	if !current.allocated {
		h.reporter.Report(memutils.AssertDoubleFree, "double free detected")
		return
	}

	current.allocated = false
	h.stats.update(statsOpFree, current.size-current.alignOffset, current.size, h.blockOverhead(current.size))
	if h.overwriteOnFree {
		h.fill(payloadOff, payloadOff+current.size, h.overwriteValue)
	}
	current = h.coalesce(current)
	current.alignOffset = 0
	current.id = id
	h.writeBlock(current)
}

// paddingDamaged reports whether any alignment-padding byte past the requested
// size no longer carries the overwrite pattern.
func (h *Heap) paddingDamaged(b blockInfo) bool {
	requested := b.size - b.alignOffset
	paddingStart := b.offset + h.headerSize + requested
	for i := 0; i < b.alignOffset; i++ {
		if h.arena[paddingStart+i] != h.overwriteValue {
			return true
		}
	}
	return false
}

// coalesce merges the freed block with its free neighbours and returns the
// resulting block. Neighbours failing their CRC validation are reported and
// left alone.
func (h *Heap) coalesce(block blockInfo) blockInfo {
	size := block.size
	if next, ok := h.freeNextBlock(block); ok {
		if !h.blockValid(next) {
			h.reporter.Report(memutils.AssertCoalescingNextInvalidCRC,
				"free cannot coalesce with next block as it is not valid")
		} else {
			size += next.size + 2*h.headerSize
			h.clearTag(next.offset)
			h.clearTag(h.boundaryOffset(block))
		}
	}
	if prev, ok := h.freePrevBlock(block); ok {
		if !h.blockValid(prev) {
			h.reporter.Report(memutils.AssertCoalescingPrevInvalidCRC,
				"free cannot coalesce with previous block as it is not valid")
		} else {
			size += prev.size + 2*h.headerSize
			h.clearTag(block.offset)
			h.clearTag(h.boundaryOffset(prev))
			block = prev
		}
	}
	block.size = size
	return block
}

// freeNextBlock returns the next block if it starts inside the arena and is
// marked free. The bound leaves room for the smallest representable block, so
// the final boundary tag of the arena is never misread as a block.
func (h *Heap) freeNextBlock(b blockInfo) (blockInfo, bool) {
	nextOff := h.nextBlockOffset(b)
	if nextOff >= len(h.arena)-h.blockOverhead(h.minAlloc) || !h.tagInBounds(nextOff) {
		return blockInfo{}, false
	}
	next := h.decodeTag(nextOff)
	if next.allocated {
		return blockInfo{}, false
	}
	return next, true
}

// freePrevBlock reads the boundary tag preceding b's header and, when it marks
// a free block, returns that block.
func (h *Heap) freePrevBlock(b blockInfo) (blockInfo, bool) {
	prevBoundaryOff := b.offset - h.headerSize
	if prevBoundaryOff < 0 {
		return blockInfo{}, false
	}
	prevBoundary := h.decodeTag(prevBoundaryOff)
	if prevBoundary.allocated {
		return blockInfo{}, false
	}
	prevOff := b.offset - 2*h.headerSize - prevBoundary.size
	if prevOff < 0 {
		return blockInfo{}, false
	}
	return h.decodeTag(prevOff), true
}

// AllocationID validates that p belongs to an allocated, integrity-valid block
// and returns the caller id recorded at the last mutating call. Only available
// with the extended header layout.
func (h *Heap) AllocationID(p []byte) (uint32, error) {
	if !h.extended {
		return 0, ErrCompactHeader
	}
	if h.arena == nil {
		return 0, cerrors.New("heap is not initialized")
	}
	if err := h.mutex.Acquire(h.mutexWait); err != nil {
		h.reportMutexError(err, memutils.AssertMutexAcquireFailed)
		return 0, err
	}
	defer h.releaseMutex()

	if len(p) == 0 {
		return 0, ErrInvalidPointer
	}
	payloadOff, ok := h.payloadOffset(p)
	if !ok {
		return 0, cerrors.Wrap(ErrInvalidPointer, "pointer is outside the heap")
	}
	block := h.decodeTag(payloadOff - h.headerSize)
	if !h.headerCrcValid(block) || !h.boundaryCrcValid(block) {
		return 0, cerrors.Wrap(ErrInvalidPointer, "block integrity tags do not validate")
	}
	if !block.allocated {
		return 0, cerrors.Wrap(ErrInvalidPointer, "block is not allocated")
	}
	return block.id, nil
}

// payloadOffset maps a payload slice back to its arena offset. It fails if the
// slice does not alias the arena or cannot be the payload of any block.
func (h *Heap) payloadOffset(p []byte) (int, bool) {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(h.arena)))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	if ptr < base || ptr >= base+uintptr(len(h.arena)) {
		return 0, false
	}
	off := int(ptr - base)
	if off < h.headerSize || off >= len(h.arena)-h.headerSize {
		return 0, false
	}
	return off, true
}

// visitBlocks walks the arena head to tail, invoking visit for each block. The
// walk trusts the size fields; it stops if a tag would overrun the arena.
func (h *Heap) visitBlocks(visit func(b blockInfo)) {
	off := 0
	for h.tagInBounds(off) && off < len(h.arena) {
		b := h.decodeTag(off)
		visit(b)
		next := h.nextBlockOffset(b)
		if next <= off {
			return
		}
		off = next
	}
}

// Validate walks the entire arena and checks the block invariants: tiling with
// no gaps, CRC closure of both tags, eager coalescing, and statistics
// consistency. It is expensive and intended for tests and diagnostics.
func (h *Heap) Validate() error {
	if h.arena == nil {
		return errors.New("heap is not initialized")
	}
	off := 0
	prevFree := false
	var allocations, userData, userDataAligned, totalBytes int
	for off < len(h.arena) {
		if !h.tagInBounds(off) {
			return errors.Errorf("block header at offset %d overruns the arena", off)
		}
		b := h.decodeTag(off)
		if b.size < h.minAlloc || b.size%h.minAlloc != 0 {
			return errors.Errorf("block at offset %d has invalid payload size %d", off, b.size)
		}
		if !h.tagInBounds(h.boundaryOffset(b)) {
			return errors.Errorf("block at offset %d has boundary tag outside the arena", off)
		}
		if !h.headerCrcValid(b) {
			return errors.Errorf("block at offset %d fails its header crc", off)
		}
		boundary := h.decodeTag(h.boundaryOffset(b))
		if boundary.crc != h.tagCrc(h.boundaryOffset(b)) || boundary.crc != b.crc {
			return errors.Errorf("block at offset %d fails its boundary crc", off)
		}
		if boundary.allocated != b.allocated || boundary.size != b.size ||
			boundary.alignOffset != b.alignOffset || boundary.id != b.id {
			return errors.Errorf("block at offset %d disagrees with its boundary tag", off)
		}
		if !b.allocated {
			if b.alignOffset != 0 {
				return errors.Errorf("free block at offset %d carries alignment offset %d", off, b.alignOffset)
			}
			if prevFree {
				return errors.Errorf("adjacent free blocks at offset %d were not coalesced", off)
			}
		} else {
			if b.alignOffset > b.size {
				return errors.Errorf("block at offset %d has alignment offset %d exceeding its size %d", off, b.alignOffset, b.size)
			}
			allocations++
			userData += b.size - b.alignOffset
			userDataAligned += b.size
			totalBytes += h.blockOverhead(b.size)
		}
		prevFree = !b.allocated
		off = h.nextBlockOffset(b)
	}
	if off != len(h.arena) {
		return errors.Errorf("blocks do not tile the arena: walk ends at %d of %d", off, len(h.arena))
	}
	if allocations != h.stats.CurrentAllocations {
		return errors.Errorf("counted %d allocated blocks, but statistics indicate %d", allocations, h.stats.CurrentAllocations)
	}
	if userData != h.stats.UserDataAllocated {
		return errors.Errorf("counted %d user bytes, but statistics indicate %d", userData, h.stats.UserDataAllocated)
	}
	if userDataAligned != h.stats.UserDataAllocatedAligned {
		return errors.Errorf("counted %d aligned bytes, but statistics indicate %d", userDataAligned, h.stats.UserDataAllocatedAligned)
	}
	if totalBytes != h.stats.TotalBytesAllocated {
		return errors.Errorf("counted %d total bytes, but statistics indicate %d", totalBytes, h.stats.TotalBytesAllocated)
	}
	return nil
}

var _ memutils.Validatable = &Heap{}

func (h *Heap) acquireMutex() bool {
	err := h.mutex.Acquire(h.mutexWait)
	if err != nil {
		h.reportMutexError(err, memutils.AssertMutexAcquireFailed)
		return false
	}
	return true
}

func (h *Heap) releaseMutex() {
	err := h.mutex.Release()
	if err != nil {
		h.reportMutexError(err, memutils.AssertMutexReleaseFailed)
	}
}

func (h *Heap) reportMutexError(err error, fallback memutils.AssertKind) {
	kind := fallback
	if cerrors.Is(err, memutils.ErrMutexIsNil) {
		kind = memutils.AssertMutexIsNil
	}
	h.reporter.Report(kind, err.Error())
}
