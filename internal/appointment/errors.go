package appointment

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord marks a stored record that cannot be normalized.
	// Such records are skipped, never fatal to a projection.
	ErrMalformedRecord = errors.New("malformed appointment record")

	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrConcurrentTransition = errors.New("appointment was changed concurrently, refetch and retry")
	ErrQueueEmpty           = errors.New("no patient waiting in queue")
	ErrStoreUnavailable     = errors.New("appointment store unavailable")

	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrPreconditionFailed is returned by conditional writes whose guard no
	// longer holds at write time.
	ErrPreconditionFailed = errors.New("write precondition failed")
	ErrPartitionMismatch  = errors.New("appointment does not belong to the requested queue")

	ErrConsultationInProgress = fmt.Errorf("%w: a consultation is already in progress", ErrIllegalTransition)
)
