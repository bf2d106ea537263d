package memutils

import (
	"golang.org/x/exp/slog"
)

// AssertKind tags every integrity violation or operational failure the library
// can report. The public API never panics on corruption; it reports one of
// these kinds through a Reporter and refuses the operation.
type AssertKind uint32

const (
	AssertInitInvalidSize AssertKind = iota
	AssertNotInitialized

	AssertOutOfMemory
	AssertSizeZeroAlloc
	AssertInvalidBlock
	AssertMallocCallOverlap

	AssertNullFree
	AssertFreePtrNotInHeap
	AssertFreeInvalidHeader
	AssertFreeInvalidBoundary
	AssertOutOfBoundWrite
	AssertDoubleFree
	AssertFreeCallOverlap
	AssertCoalescingNextInvalidCRC
	AssertCoalescingPrevInvalidCRC

	AssertNoMPUAvailable
	AssertMPUNotEnabled
	AssertInvalidMPUAddress
	AssertInvalidStackAlignment
	AssertInvalidRegionNumber
	AssertNoMPURegionLeft
	AssertTaskNotFound
	AssertMPUInvalidRegionSize

	AssertMutexCreationFailed
	AssertMutexDeletionFailed
	AssertMutexIsNil
	AssertMutexAcquireFailed
	AssertMutexReleaseFailed

	AssertInvalidAllocationStrategy
)

var assertKindMapping = map[AssertKind]string{
	AssertInitInvalidSize:           "InitInvalidSize",
	AssertNotInitialized:            "NotInitialized",
	AssertOutOfMemory:               "OutOfMemory",
	AssertSizeZeroAlloc:             "SizeZeroAlloc",
	AssertInvalidBlock:              "InvalidBlock",
	AssertMallocCallOverlap:         "MallocCallOverlap",
	AssertNullFree:                  "NullFree",
	AssertFreePtrNotInHeap:          "FreePtrNotInHeap",
	AssertFreeInvalidHeader:         "FreeInvalidHeader",
	AssertFreeInvalidBoundary:       "FreeInvalidBoundary",
	AssertOutOfBoundWrite:           "OutOfBoundWrite",
	AssertDoubleFree:                "DoubleFree",
	AssertFreeCallOverlap:           "FreeCallOverlap",
	AssertCoalescingNextInvalidCRC:  "CoalescingNextInvalidCRC",
	AssertCoalescingPrevInvalidCRC:  "CoalescingPrevInvalidCRC",
	AssertNoMPUAvailable:            "NoMPUAvailable",
	AssertMPUNotEnabled:             "MPUNotEnabled",
	AssertInvalidMPUAddress:         "InvalidMPUAddress",
	AssertInvalidStackAlignment:     "InvalidStackAlignment",
	AssertInvalidRegionNumber:       "InvalidRegionNumber",
	AssertNoMPURegionLeft:           "NoMPURegionLeft",
	AssertTaskNotFound:              "TaskNotFound",
	AssertMPUInvalidRegionSize:      "MPUInvalidRegionSize",
	AssertMutexCreationFailed:       "MutexCreationFailed",
	AssertMutexDeletionFailed:       "MutexDeletionFailed",
	AssertMutexIsNil:                "MutexIsNil",
	AssertMutexAcquireFailed:        "MutexAcquireFailed",
	AssertMutexReleaseFailed:        "MutexReleaseFailed",
	AssertInvalidAllocationStrategy: "InvalidAllocationStrategy",
}

func (k AssertKind) String() string {
	return assertKindMapping[k]
}

// AssertHandler receives every reported violation, tagged by kind. Handlers run
// inside the reporting subsystem's critical section and must not call back into
// it.
type AssertHandler func(kind AssertKind, message string)

// Reporter routes assertion reports to the registered handler and mirrors them
// to a structured logger.
type Reporter struct {
	handler AssertHandler
	logger  *slog.Logger
}

func NewReporter(handler AssertHandler, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		handler: handler,
		logger:  logger,
	}
}

// Report logs the violation and forwards it to the handler, if one is set.
func (r *Reporter) Report(kind AssertKind, message string) {
	r.logger.Warn(message, slog.String("kind", kind.String()))
	if r.handler != nil {
		r.handler(kind, message)
	}
}
