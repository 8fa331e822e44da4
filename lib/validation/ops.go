package validation

import (
	"fmt"
	"time"
)

// MaxJobSize is the largest job body accepted by Put, in bytes.
const MaxJobSize = 65535

// ---- Queue operation validators ----
// These functions validate queue client parameters before any backend call.

// ValidatePutParams validates parameters for a put.
func ValidatePutParams(tube string, body []byte, priority int64) error {
	if err := TubeName("tube", tube); err != nil {
		return err
	}
	if len(body) > MaxJobSize {
		return NewResult("body", fmt.Sprintf("exceeds maximum size of %d bytes", MaxJobSize), ErrTooLong)
	}
	return Priority("priority", priority)
}

// ValidateReserveParams validates and parses a reserve timeout. An empty
// timeout means block until the context is done.
func ValidateReserveParams(timeout string) (time.Duration, error) {
	return DurationRange("timeout", timeout, time.Second, MaxDuration)
}

// ValidateUseParams validates parameters for use.
func ValidateUseParams(tube string) error {
	return TubeName("tube", tube)
}

// ValidateWatchParams validates parameters for watch and ignore.
func ValidateWatchParams(tube string) error {
	return TubeName("tube", tube)
}

// ValidateJobID validates a job id.
func ValidateJobID(id uint64) error {
	if id == 0 {
		return NewResult("id", "must be positive", ErrOutOfRange)
	}
	return nil
}
