package basic

import (
	"github.com/pkg/errors"
)

// Engine error taxonomy. Callers match with errors.Is; wrapped context is
// added at layer boundaries with errors.Wrap.
var (
	// ErrUniqueViolation insertion would create a second visible object
	// for the same key.
	ErrUniqueViolation = errors.New("btree: unique constraint violation")
	// ErrUniqueViolationWithKey unique violation reported with the key
	// value for the user.
	ErrUniqueViolationWithKey = errors.New("btree: unique constraint violation for key")

	ErrKeyNotFound = errors.New("btree: key not found")
	ErrOidNotFound = errors.New("btree: object not found for key")

	// ErrPromoteFailed a latch promotion lost the race; the traversal is
	// restarted with exclusive latches. Never surfaces to callers.
	ErrPromoteFailed = errors.New("pagebuf: latch promotion failed")

	// ErrLatchTimeout a conditional fix could not acquire the latch.
	ErrLatchTimeout = errors.New("pagebuf: conditional latch attempt failed")

	// ErrPageInvalid the fixed page is no longer the page the caller
	// expects (deallocated and reused); restart from root.
	ErrPageInvalid = errors.New("pagebuf: page was deallocated or repurposed")

	ErrLockNotGranted = errors.New("lock: not granted")
	ErrInterrupted    = errors.New("engine: operation interrupted")
	ErrScanAborted    = errors.New("btree: scan aborted")

	ErrDiskError       = errors.New("disk: i/o failure")
	ErrFileNotFound    = errors.New("disk: file not found")
	ErrRecordTooLarge  = errors.New("spage: record does not fit in page")
	ErrMalformedRecord = errors.New("btree: malformed record layout")
	ErrUnknownKeyType  = errors.New("btree: unknown key type codepoint")
)
