package virtqueue

import (
	"errors"
	"fmt"
)

// MinQueueSize is the smallest legal virtqueue size.
const MinQueueSize = 1

// MaxQueueSize is the largest legal virtqueue size: the largest power of 2
// that still fits a 16-bit ring index (2*32768 would be 65536, which
// overflows uint16).
const MaxQueueSize = 32768

// ErrQueueSizeInvalid is returned when a requested queue size cannot back a
// [Queue].
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// CheckQueueSize validates queueSize against the constraints the virtio
// spec and this driver's 16-bit ring indices impose, returning
// [ErrQueueSizeInvalid] describing the first one violated.
func CheckQueueSize(queueSize int) error {
	if queueSize < MinQueueSize {
		return fmt.Errorf("%w: %d is smaller than the minimum queue size %d",
			ErrQueueSizeInvalid, queueSize, MinQueueSize)
	}
	if queueSize > MaxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum queue size %d",
			ErrQueueSizeInvalid, queueSize, MaxQueueSize)
	}
	// The queue size must be a power of 2 so that ring indices wrap
	// correctly once the 16-bit counters overflow.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}
	return nil
}
