package virtqueue

import (
	"fmt"
	"unsafe"
)

// usedRingFlag is the bitfield carried by a [UsedRing]'s flags word.
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is set by the device to advise the driver not to
	// kick it on new available buffers. It is advisory only (virtio spec
	// §2.7.7): the driver is free to kick anyway, and the device must still
	// eventually notice buffers even if it never sees a kick.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to hold a used ring for a queue
// of the given size: a 2-byte flags word, a 2-byte ring index, one
// [UsedElement] per slot, and a trailing 2-byte availableEvent field.
func usedRingSize(queueSize int) int {
	return 4 + 2 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment required of a [UsedRing] in
// memory by the virtio spec.
const usedRingAlignment = 4

// UsedRing is the device-to-driver half of a virtqueue: the device appends a
// [UsedElement] here and advances the ring index for every descriptor chain
// it has finished with, and the driver drains it. Only the device writes
// here; the driver only reads.
//
// The ring's size depends on the queue's configured size, so it cannot be
// represented as a fixed Go struct. Instead this type stores pointers
// directly into the shared mmap region.
type UsedRing struct {
	initialized bool

	flags     *usedRingFlag
	ringIndex *uint16
	ring      []UsedElement
	// availableEvent is the ring's trailing avail_event field. This driver
	// never reads it, including when the event-index feature bit is
	// negotiated; it kicks the device on every submission regardless.
	availableEvent *uint16

	// lastIndex is the ring index up to which the driver has already drained
	// entries; everything between lastIndex and *ringIndex is undrained.
	lastIndex uint16
}

// newUsedRing overlays a [UsedRing] on mem, which must be exactly
// [usedRingSize] bytes for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	want := usedRingSize(queueSize)
	if len(mem) != want {
		panic(fmt.Sprintf("used ring backing memory is %d bytes, want %d for queue size %d", len(mem), want, queueSize))
	}

	r := &UsedRing{
		initialized:    true,
		flags:          (*usedRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[want-2])),
	}
	// Anything the device already reported before this driver attached is
	// not a new completion; start draining from wherever the ring already
	// stands.
	r.lastIndex = *r.ringIndex
	return r
}

// Address returns the address of the first byte of the ring in memory. Do
// not write through it; use the ring's own methods.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.flags))
}

// Pending reports how many used elements are sitting in the ring, already
// written by the device but not yet drained by [UsedRing.take]. It exists
// mainly so callers can publish it as a depth metric.
func (r *UsedRing) Pending() int {
	return int(*r.ringIndex - r.lastIndex)
}

// take drains up to maxToTake undrained elements from the ring (0 means
// drain everything currently pending) and reports how many are still left
// after that, so a caller enforcing a per-call cap knows whether to come
// back for more without re-touching the ring.
func (r *UsedRing) take(maxToTake int) (remaining int, elems []UsedElement) {
	pending := r.Pending()
	if pending == 0 {
		return 0, nil
	}
	if pending > len(r.ring) {
		panic("used ring reports more pending elements than the ring can hold")
	}

	count := pending
	if maxToTake > 0 && maxToTake < pending {
		count = maxToTake
	}
	remaining = pending - count

	elems = make([]UsedElement, count)
	for i := range elems {
		elems[i] = r.ring[r.lastIndex%uint16(len(r.ring))]
		r.lastIndex++
	}
	return remaining, elems
}
