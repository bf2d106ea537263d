package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// Mutex adapter errors. The assertion taxonomy in this package maps these onto
// the AssertMutex* kinds so that RTOS ports and the pure-Go adapter report
// failures the same way.
var (
	ErrMutexIsNil         error = errors.New("no mutex available")
	ErrMutexAcquireFailed error = errors.New("could not acquire mutex")
	ErrMutexReleaseFailed error = errors.New("could not release mutex")
)
