package sheap

import (
	"time"

	"github.com/sheapguard/sheapguard/memutils"
	"golang.org/x/exp/slog"
)

// HeaderLayout selects the size of the block header and boundary tag.
type HeaderLayout uint32

const (
	// HeaderLayoutCompact is the 8-byte layout: size/alloc word, alignment
	// offset and CRC.
	HeaderLayoutCompact HeaderLayout = iota
	// HeaderLayoutExtended adds a 32-bit caller id to header and boundary,
	// growing both to 12 bytes. The id of the last mutating call can then be
	// queried per block via Heap.AllocationID.
	HeaderLayoutExtended
)

var headerLayoutMapping = map[HeaderLayout]string{
	HeaderLayoutCompact:  "Compact",
	HeaderLayoutExtended: "Extended",
}

func (l HeaderLayout) String() string {
	return headerLayoutMapping[l]
}

// AllocationStrategy selects how a free block is chosen for a new allocation.
type AllocationStrategy uint32

const (
	// AllocationStrategyFirstFit walks the arena from the start and takes the
	// first free block large enough for the aligned request. This is the only
	// implemented strategy.
	AllocationStrategyFirstFit AllocationStrategy = iota
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyFirstFit: "FirstFit",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}

const (
	// MinimumMallocFloor is the smallest permitted allocation unit. Configured
	// units below this are clamped up to it.
	MinimumMallocFloor = 4

	// AutoCreatedBlockID is recorded as the caller id of blocks the allocator
	// creates itself: the initial arena-spanning free block and the residue
	// block written after a split.
	AutoCreatedBlockID uint32 = 0xFFFFFFFF

	defaultPCLogSize   = 20
	defaultMutexWait   = 100 * time.Millisecond
	defaultOverwrite   = 0xFF
	defaultCallocValue = 0x00
)

// Config carries the one-time build options of the allocator. Use
// DefaultConfig as the starting point; the zero value disables every optional
// check.
type Config struct {
	// Layout selects the compact or extended header. Both follow the same
	// invariants.
	Layout HeaderLayout
	// Strategy selects the free-block search. Only first-fit exists; any other
	// value causes allocations to fail with an InvalidAllocationStrategy
	// report.
	Strategy AllocationStrategy

	// PCLogSize is the capacity of the caller-id ring. Values below 1 fall
	// back to the default of 20.
	PCLogSize int
	// MinimumMallocSize is the allocation alignment unit. It is clamped to at
	// least 4 and rounded up to a power of two.
	MinimumMallocSize int

	// CheckUnalignedOnFree verifies on free that the alignment padding past
	// the requested size still carries the overwrite pattern, catching writes
	// of 1..3 bytes past a sub-word request.
	CheckUnalignedOnFree bool
	// OverwriteOnFree fills the payload of freed blocks with OverwriteValue.
	OverwriteOnFree bool
	// OverwriteValue is the fill byte for freed payloads, cleared metadata and
	// alignment padding.
	OverwriteValue byte
	// CallocValue is the fill byte Calloc initialises payloads with.
	CallocValue byte

	// Crc16Poly and Crc16XorOut override the integrity-tag CRC parameters.
	// Zero values select the library defaults (0x1021, 0x0000).
	Crc16Poly   uint16
	Crc16XorOut uint16

	// MutexWaitTimeout bounds how long an allocation may suspend while
	// acquiring the heap mutex. Negative waits forever.
	MutexWaitTimeout time.Duration
	// SingleThreaded replaces the mutex with a no-op and arms the reentry
	// flags that detect overlapping calls from an interrupt context.
	SingleThreaded bool
	// Mutex overrides the exclusion primitive, usually with an RTOS binding.
	// Ignored when SingleThreaded is set.
	Mutex memutils.Mutex

	// AssertHandler receives every integrity-violation report.
	AssertHandler memutils.AssertHandler
	// Logger mirrors reports to structured logging. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the option set the library is modeled after: compact
// headers, first-fit, padding verification and overwrite-on-free enabled, fill
// byte 0xFF.
func DefaultConfig() Config {
	return Config{
		Layout:               HeaderLayoutCompact,
		Strategy:             AllocationStrategyFirstFit,
		PCLogSize:            defaultPCLogSize,
		MinimumMallocSize:    MinimumMallocFloor,
		CheckUnalignedOnFree: true,
		OverwriteOnFree:      true,
		OverwriteValue:       defaultOverwrite,
		CallocValue:          defaultCallocValue,
		MutexWaitTimeout:     defaultMutexWait,
	}
}
