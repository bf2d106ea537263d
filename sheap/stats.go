package sheap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// HeapStatistics aggregates the live allocation counters of a Heap. All
// counters move by addition on allocate and subtraction on free.
type HeapStatistics struct {
	// Size is the total arena size in bytes.
	Size int
	// CurrentAllocations is the number of live allocated blocks.
	CurrentAllocations int
	// UserDataAllocated is the sum of the byte counts callers requested.
	UserDataAllocated int
	// UserDataAllocatedAligned is the sum of the aligned payload sizes.
	UserDataAllocatedAligned int
	// TotalBytesAllocated additionally includes the header and boundary
	// overhead of every live block.
	TotalBytesAllocated int
}

func (s *HeapStatistics) Clear() {
	s.CurrentAllocations = 0
	s.UserDataAllocated = 0
	s.UserDataAllocatedAligned = 0
	s.TotalBytesAllocated = 0
}

type statsOp uint32

const (
	statsOpAlloc statsOp = iota
	statsOpFree
)

func (s *HeapStatistics) update(op statsOp, requested, aligned, blockSize int) {
	switch op {
	case statsOpAlloc:
		s.CurrentAllocations++
		s.UserDataAllocated += requested
		s.UserDataAllocatedAligned += aligned
		s.TotalBytesAllocated += blockSize
	case statsOpFree:
		s.CurrentAllocations--
		s.UserDataAllocated -= requested
		s.UserDataAllocatedAligned -= aligned
		s.TotalBytesAllocated -= blockSize
	}
}

// WriteStatsJson populates a json object with the heap counters and a block
// map of the arena. The walk runs under the heap mutex.
func (h *Heap) WriteStatsJson(json jwriter.ObjectState) {
	if h.arena == nil {
		return
	}
	if !h.acquireMutex() {
		return
	}
	defer h.releaseMutex()

	stats := h.Statistics()

	json.Name("TotalBytes").Int(stats.Size)
	json.Name("Allocations").Int(stats.CurrentAllocations)
	json.Name("UserBytes").Int(stats.UserDataAllocated)
	json.Name("AlignedBytes").Int(stats.UserDataAllocatedAligned)
	json.Name("AllocatedBytesWithOverhead").Int(stats.TotalBytesAllocated)

	blocks := json.Name("Blocks").Array()
	defer blocks.End()

	h.visitBlocks(func(b blockInfo) {
		obj := blocks.Object()
		defer obj.End()

		obj.Name("Offset").Int(b.offset)
		obj.Name("Size").Int(b.size)
		obj.Name("Allocated").Bool(b.allocated)
		if h.extended {
			obj.Name("Id").Int(int(b.id))
		}
	})
}

// BuildStatsString dumps the heap counters and block map as a JSON string.
func (h *Heap) BuildStatsString() string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	h.WriteStatsJson(obj)
	obj.End()

	return string(writer.Bytes())
}
