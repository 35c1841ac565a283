package virtqueue

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/HeyMrJee/seastar/eventfd"
	"golang.org/x/sys/unix"
)

// Queue is a virtqueue that consists of several parts, where each part is
// writeable by either the driver or the device, but not both.
type Queue struct {
	// size is the size of the queue.
	size int
	// buf is the underlying memory used for the queue.
	buf []byte

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	// kickEventFD is used to signal the device when descriptor chains were
	// added to the available ring.
	kickEventFD eventfd.EventFD
	// callEventFD is used by the device to signal when it has used descriptor
	// chains and put them in the used ring.
	callEventFD eventfd.EventFD

	// stop is used by [Queue.Close] to wake a goroutine blocked on used
	// buffer notifications by kicking the call eventfd. It does not wait for
	// that goroutine to end.
	stop func() error

	itemSize int

	epoll eventfd.Epoll

	eng engine
}

// NewQueue allocates a new [Queue] in memory. The given queue size
// specifies the number of entries/buffers the queue can hold. This also affects
// the memory consumption.
func NewQueue(queueSize int, itemSize int) (_ *Queue, err error) {
	if err = CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	if itemSize%os.Getpagesize() != 0 {
		return nil, errors.New("item size must be multiple of os.Getpagesize()")
	}

	sq := Queue{
		size:     queueSize,
		itemSize: itemSize,
	}

	// Clean up a partially initialized queue when something fails.
	defer func() {
		if err != nil {
			_ = sq.Close()
		}
	}()

	// A fixed Go struct can't model this: the queue size is configurable, so
	// the ring sizes aren't known at compile time, and a slice field would
	// put its Go slice header (pointer/len/cap) into the shared memory
	// instead of the device-readable bytes the virtio spec expects there.
	// Go also gives no way to force a struct's fields onto the alignments
	// the spec requires for each ring.
	//
	// mmap sidesteps both problems: it hands back page-aligned memory we can
	// slice up by hand with the alignment math below, and it keeps this
	// region outside the GC's reach, so nothing can move or collect it out
	// from under the device while a chain is still in flight. The three
	// rings don't strictly need to live in one contiguous mapping or start
	// on a page boundary — the kernel vhost-net backend addresses each by
	// its own pointer and never assumes they're adjacent — but packing them
	// into one mmap call makes the alignment bookkeeping and cleanup simpler.

	// The descriptor table is at the start of the page, so alignment is not an
	// issue here.
	descriptorTableStart := 0
	descriptorTableEnd := descriptorTableStart + descriptorTableSize(queueSize)
	availableRingStart := align(descriptorTableEnd, availableRingAlignment)
	availableRingEnd := availableRingStart + availableRingSize(queueSize)
	usedRingStart := align(availableRingEnd, usedRingAlignment)
	usedRingEnd := usedRingStart + usedRingSize(queueSize)

	sq.buf, err = unix.Mmap(-1, 0, usedRingEnd,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate virtqueue buffer: %w", err)
	}

	sq.descriptorTable = newDescriptorTable(queueSize, sq.buf[descriptorTableStart:descriptorTableEnd])
	sq.availableRing = newAvailableRing(queueSize, sq.buf[availableRingStart:availableRingEnd])
	sq.usedRing = newUsedRing(queueSize, sq.buf[usedRingStart:usedRingEnd])

	sq.kickEventFD, err = eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create kick event file descriptor: %w", err)
	}
	sq.callEventFD, err = eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create call event file descriptor: %w", err)
	}

	sq.descriptorTable.initializeDescriptors()

	sq.epoll, err = eventfd.NewEpoll()
	if err != nil {
		return nil, err
	}
	err = sq.epoll.AddEvent(sq.callEventFD.FD())
	if err != nil {
		return nil, err
	}

	sq.stop = sq.kickSelfToExit()

	sq.eng.pending = make(map[uint16]chan Completion)
	sq.eng.ownedBufs = make(map[uint16][]byte)
	sq.eng.sem = newDescriptorSemaphore(queueSize)

	return &sq, nil
}

// DisableInterrupts asks the device not to signal the call eventfd for newly
// used descriptor chains. This is an advisory hint only: the device may
// still interrupt regardless, so a caller relying on this to stop reaping
// must keep draining the used ring until it observes it is empty.
func (sq *Queue) DisableInterrupts() {
	*sq.availableRing.flags |= availableRingFlagNoInterrupt
}

// EnableInterrupts withdraws the advisory hint set by [Queue.DisableInterrupts].
func (sq *Queue) EnableInterrupts() {
	*sq.availableRing.flags &^= availableRingFlagNoInterrupt
}

// Size returns the size of this queue, which is the number of entries/buffers
// this queue can hold.
func (sq *Queue) Size() int {
	return sq.size
}

// DescriptorTable returns the [DescriptorTable] behind this queue.
func (sq *Queue) DescriptorTable() *DescriptorTable {
	return sq.descriptorTable
}

// AvailableRing returns the [AvailableRing] behind this queue.
func (sq *Queue) AvailableRing() *AvailableRing {
	return sq.availableRing
}

// UsedRing returns the [UsedRing] behind this queue.
func (sq *Queue) UsedRing() *UsedRing {
	return sq.usedRing
}

// KickEventFD returns the kick event file descriptor behind this queue.
// The returned file descriptor should be used with great care to not interfere
// with this implementation.
func (sq *Queue) KickEventFD() int {
	return sq.kickEventFD.FD()
}

// CallEventFD returns the call event file descriptor behind this queue.
// The returned file descriptor should be used with great care to not interfere
// with this implementation.
func (sq *Queue) CallEventFD() int {
	return sq.callEventFD.FD()
}

func (sq *Queue) kickSelfToExit() func() error {
	return func() error {

		// The goroutine blocks until it receives a signal on the event file
		// descriptor, so it will never notice the context being canceled.
		// To resolve this, we can just produce a fake-signal ourselves to wake
		// it up.
		if err := sq.callEventFD.Kick(); err != nil {
			return fmt.Errorf("wake up goroutine: %w", err)
		}
		return nil
	}
}

// BlockAndGetHeadsCapped drains up to maxToTake newly used elements (0 means
// no cap) from the used ring, blocking on the call eventfd only if the ring
// currently has nothing new. It is the primitive [Queue.reapLoop] drains the
// used ring with.
//
// A drain that returns nothing is not itself a signal to stop: the used
// ring's own index tracks exactly what has and hasn't been taken, so a call
// that finds elements waiting from a previous partial drain (bounded by
// maxToTake) picks them up without needing to wait on the eventfd again.
func (sq *Queue) BlockAndGetHeadsCapped(ctx context.Context, maxToTake int) ([]UsedElement, error) {
	for ctx.Err() == nil {
		if _, elems := sq.usedRing.take(maxToTake); len(elems) > 0 {
			return elems, nil
		}

		n, err := sq.epoll.Block()
		if err != nil {
			return nil, fmt.Errorf("wait for used ring notification: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := sq.epoll.Clear(); err != nil {
			return nil, fmt.Errorf("clear used ring notification: %w", err)
		}
	}

	return nil, ctx.Err()
}

func (sq *Queue) Kick() error {
	if err := sq.kickEventFD.Kick(); err != nil {
		return fmt.Errorf("notify device: %w", err)
	}
	return nil
}

// Close releases all resources used for this queue.
// The implementation will try to release as many resources as possible and
// collect potential errors before returning them.
func (sq *Queue) Close() error {
	var errs []error

	if sq.stop != nil {
		// This has to happen before the event file descriptors may be closed.
		if err := sq.stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop consume used ring: %w", err))
		}

		// Make sure that this code block is executed only once.
		sq.stop = nil
	}

	if err := sq.kickEventFD.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kick event file descriptor: %w", err))
	}
	if err := sq.callEventFD.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close call event file descriptor: %w", err))
	}

	if err := sq.eng.releaseOwnedBuffers(); err != nil {
		errs = append(errs, fmt.Errorf("release receive buffers: %w", err))
	}

	if sq.buf != nil {
		if err := unix.Munmap(sq.buf); err == nil {
			sq.buf = nil
		} else {
			errs = append(errs, fmt.Errorf("unmap virtqueue buffer: %w", err))
		}
	}

	return errors.Join(errs...)
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
