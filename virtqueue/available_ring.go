package virtqueue

import (
	"fmt"
	"unsafe"
)

// availableRingFlag is the bitfield carried by an [AvailableRing]'s flags
// word.
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is set by the driver to advise the
	// device not to call back on completions. It is advisory only (virtio
	// spec §2.7.7): the device may interrupt anyway, so a caller relying on
	// it to suppress reaping must still keep draining the used ring.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to hold an available ring
// for a queue of the given size: a 2-byte flags word, a 2-byte ring index,
// one 2-byte descriptor-table index per slot, and a trailing 2-byte
// usedEvent field.
func availableRingSize(queueSize int) int {
	return 4 + 2 + 2*queueSize
}

// availableRingAlignment is the minimum alignment required of an
// [AvailableRing] in memory by the virtio spec.
const availableRingAlignment = 2

// AvailableRing is the driver-to-device half of a virtqueue: the driver
// appends the head index of every descriptor chain it wants processed here
// and advances the ring index. Only the driver writes here; the device only
// reads.
//
// The ring's size depends on the queue's configured size, so it cannot be
// represented as a fixed Go struct. Instead this type stores pointers
// directly into the shared mmap region.
type AvailableRing struct {
	initialized bool

	flags     *availableRingFlag
	ringIndex *uint16
	ring      []uint16
	// usedEvent is the ring's trailing used_event field. This driver never
	// writes it, including when the event-index feature bit is negotiated.
	usedEvent *uint16
}

// newAvailableRing overlays an [AvailableRing] on mem, which must be exactly
// [availableRingSize] bytes for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	want := availableRingSize(queueSize)
	if len(mem) != want {
		panic(fmt.Sprintf("available ring backing memory is %d bytes, want %d for queue size %d", len(mem), want, queueSize))
	}

	return &AvailableRing{
		initialized: true,
		flags:       (*availableRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:   (*uint16)(unsafe.Pointer(&mem[2])),
		ring:        unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent:   (*uint16)(unsafe.Pointer(&mem[want-2])),
	}
}

// Address returns the address of the first byte of the ring in memory. Do
// not write through it; use the ring's own methods.
func (r *AvailableRing) Address() uintptr {
	if !r.initialized {
		panic("available ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.flags))
}

// offerSingle publishes one chain head to the device and advances the ring
// index by one. Every submission this driver makes offers exactly one head
// at a time, however many descriptors the chain behind it spans, since a
// chain is always identified to the device by its head index alone.
func (r *AvailableRing) offerSingle(head uint16) {
	// The 16-bit ring index wraps; this is fine as long as the ring length
	// (the queue size) stays a power of 2 no larger than the index space,
	// which [CheckQueueSize] guarantees.
	insertIndex := *r.ringIndex % uint16(len(r.ring))
	r.ring[insertIndex] = head
	*r.ringIndex++
}
