package virtqueue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Completion is delivered exactly once for the head descriptor of a chain
// that was submitted through [Queue.SubmitOut] or [Queue.SubmitIn]. Only the
// head of a chain ever receives a completion; descriptors chained after the
// head carry no promise of their own, since the used ring already reports
// the whole chain's length against the head index.
type Completion struct {
	// Head is the descriptor index this completion refers to.
	Head uint16
	// Length is the number of bytes the device wrote into the chain's
	// device-writable portion (zero for pure out chains).
	Length uint32
}

// newDescriptorSemaphore gates submission on descriptor availability instead
// of retrying [ErrNotEnoughFreeDescriptors] in a busy loop.
func newDescriptorSemaphore(queueSize int) *semaphore.Weighted {
	return semaphore.NewWeighted(int64(queueSize))
}

// engine is the submit/reap machinery layered onto a [Queue]. It owns the
// map from in-flight chain head to the single-shot promise a caller is
// waiting on, the background task that drains the used ring, and — for
// receive chains only, since those are the one case where this driver
// allocates the buffer itself rather than borrowing a caller-supplied one —
// the memory a still in-flight chain points at.
type engine struct {
	mu      sync.Mutex
	pending map[uint16]chan Completion
	// ownedBufs holds the receive buffer this engine mmap'd for a head still
	// awaiting completion, so [Queue.ReleaseIn] and [Queue.Close] know what
	// to munmap.
	ownedBufs map[uint16][]byte

	sem *semaphore.Weighted

	cancel context.CancelFunc
	done   chan struct{}
}

// releaseOwnedBuffers munmaps every receive buffer this engine still owns,
// for chains that were submitted but never released. It is only meant to be
// called from [Queue.Close].
func (e *engine) releaseOwnedBuffers() error {
	e.mu.Lock()
	bufs := e.ownedBufs
	e.ownedBufs = make(map[uint16][]byte)
	e.mu.Unlock()

	var errs []error
	for _, buf := range bufs {
		if err := unix.Munmap(buf); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("munmap %d leftover receive buffers, first error: %w", len(errs), errs[0])
}

// Run starts the reap loop that drains the used ring and fulfills pending
// completions. It must be called once after the queue has been registered
// with the device backend. Run returns once the background task has started;
// call the returned stop function to end it.
func (sq *Queue) Run(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	sq.eng.cancel = cancel
	sq.eng.done = make(chan struct{})

	go sq.reapLoop(ctx)

	return func() {
		cancel()
		// reapLoop blocks in epoll_wait with no timeout; cancelling ctx alone
		// does not wake it, so kick the call eventfd to force one more pass
		// through the loop where the cancellation is noticed.
		_ = sq.callEventFD.Kick()
		<-sq.eng.done
	}
}

// reapLoop blocks on the call eventfd and, for every newly used descriptor
// chain, resolves the completion promise registered for its head (if any).
// Non-head slots are never assigned a promise; see [Completion].
func (sq *Queue) reapLoop(ctx context.Context) {
	defer close(sq.eng.done)

	for {
		if ctx.Err() != nil {
			return
		}

		elems, err := sq.BlockAndGetHeadsCapped(ctx, 0)
		if err != nil {
			return
		}

		for _, elem := range elems {
			head := elem.Head()

			sq.eng.mu.Lock()
			ch, ok := sq.eng.pending[head]
			if ok {
				delete(sq.eng.pending, head)
			}
			sq.eng.mu.Unlock()

			if !ok {
				// No promise is registered for this head (for example, a
				// used element written for a chain this queue never
				// submitted); it is skipped.
				continue
			}

			// Buffered with capacity 1, so this never blocks the reap loop.
			ch <- Completion{Head: head, Length: elem.Length}
		}
	}
}

// SubmitOut offers a single, already-filled device-readable buffer to the
// device and returns a single-shot promise that resolves once the device
// has consumed it. buf is used directly as the descriptor's backing memory
// (no copy); it must stay alive and unmoved until the completion fires and
// the chain is released with [Queue.ReleaseOut].
//
// It is a convenience wrapper around [Queue.SubmitOutChain] for the common
// single-buffer case.
func (sq *Queue) SubmitOut(ctx context.Context, buf []byte) (head uint16, completion <-chan Completion, err error) {
	return sq.SubmitOutChain(ctx, [][]byte{buf})
}

// SubmitOutChain offers a chain of already-filled device-readable buffers to
// the device, one descriptor per entry of bufs, and returns a single-shot
// promise that resolves once the device has consumed the whole chain. Each
// buffer is used directly as its descriptor's backing memory; the driver
// never copies fragment data into a pool, so bufs must stay alive and
// unmoved until the completion fires and the chain is released with
// [Queue.ReleaseOut].
//
// The semaphore blocks the caller instead of spinning when the queue does
// not have len(bufs) free descriptors, so backpressure is applied to the
// submitter, not busy-waited away.
func (sq *Queue) SubmitOutChain(ctx context.Context, bufs [][]byte) (head uint16, completion <-chan Completion, err error) {
	if err = sq.eng.sem.Acquire(ctx, int64(len(bufs))); err != nil {
		return 0, nil, fmt.Errorf("acquire descriptors: %w", err)
	}

	head, err = sq.descriptorTable.CreateDescriptorChainForOutputs(bufs)
	if err != nil {
		sq.eng.sem.Release(int64(len(bufs)))
		return 0, nil, fmt.Errorf("create descriptor chain: %w", err)
	}

	// Register the promise before publishing the chain, so the reap loop
	// cannot find it in the used ring before anyone is waiting on it.
	ch := make(chan Completion, 1)
	sq.eng.mu.Lock()
	sq.eng.pending[head] = ch
	sq.eng.mu.Unlock()

	sq.availableRing.offerSingle(head)
	if err = sq.Kick(); err != nil {
		return 0, nil, err
	}

	return head, ch, nil
}

// SubmitIn allocates a fresh receive buffer, offers it to the device as a
// single device-writable descriptor (used to refill the receive queue), and
// returns a single-shot promise that resolves once the device has written a
// packet into it. The returned buffer is sized to the queue's configured
// item size and is owned by the engine until [Queue.ReleaseIn] frees it.
func (sq *Queue) SubmitIn(ctx context.Context) (head uint16, buf []byte, completion <-chan Completion, err error) {
	if err = sq.eng.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, nil, fmt.Errorf("acquire descriptor: %w", err)
	}

	buf, err = unix.Mmap(-1, 0, sq.itemSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		sq.eng.sem.Release(1)
		return 0, nil, nil, fmt.Errorf("allocate receive buffer: %w", err)
	}

	head, err = sq.descriptorTable.createDescriptorForInputs(buf)
	if err != nil {
		_ = unix.Munmap(buf)
		sq.eng.sem.Release(1)
		return 0, nil, nil, fmt.Errorf("create descriptor chain: %w", err)
	}

	// Register the promise before publishing the chain, so the reap loop
	// cannot find it in the used ring before anyone is waiting on it.
	ch := make(chan Completion, 1)
	sq.eng.mu.Lock()
	sq.eng.pending[head] = ch
	sq.eng.ownedBufs[head] = buf
	sq.eng.mu.Unlock()

	// Make the chain visible to the device right away; receive buffers are
	// meant to be offered greedily ahead of any packet arriving.
	sq.availableRing.offerSingle(head)
	if err = sq.Kick(); err != nil {
		return 0, nil, nil, err
	}

	return head, buf, ch, nil
}

// ReleaseIn frees a chain previously returned by [Queue.SubmitIn] once its
// payload has been consumed by the caller: it returns the descriptor to the
// free list, releases the matching semaphore slot so the receive queue can
// be refilled again, and munmaps the buffer [Queue.SubmitIn] allocated for
// it.
func (sq *Queue) ReleaseIn(head uint16) error {
	n, err := sq.descriptorTable.freeDescriptorChain(head)
	if err != nil {
		return err
	}

	sq.eng.mu.Lock()
	buf, ok := sq.eng.ownedBufs[head]
	delete(sq.eng.ownedBufs, head)
	sq.eng.mu.Unlock()

	sq.eng.sem.Release(int64(n))

	if ok {
		if err := unix.Munmap(buf); err != nil {
			return fmt.Errorf("release receive buffer: %w", err)
		}
	}
	return nil
}

// PendingHeads returns the descriptor heads currently awaiting completion.
// It exists for tests that drive a higher-level producer (e.g. a transmit
// queue) and need to reach in and simulate the device completing a specific
// chain without the producer itself exposing descriptor heads.
func (sq *Queue) PendingHeads() []uint16 {
	sq.eng.mu.Lock()
	defer sq.eng.mu.Unlock()
	heads := make([]uint16, 0, len(sq.eng.pending))
	for h := range sq.eng.pending {
		heads = append(heads, h)
	}
	return heads
}

// ReleaseOut frees a chain previously returned by [Queue.SubmitOut] or
// [Queue.SubmitOutChain] after its completion has been observed, returning
// its descriptors to the free list and releasing the matching semaphore
// slots. The chain's buffers were supplied by the caller and are never
// touched here; freeing them, if appropriate, is the caller's job.
func (sq *Queue) ReleaseOut(head uint16) error {
	n, err := sq.descriptorTable.freeDescriptorChain(head)
	if err != nil {
		return err
	}
	sq.eng.sem.Release(int64(n))
	return nil
}
