package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead marks that every descriptor is currently in use. It is outside
// the range any real index can take, since queue sizes top out at
// [MaxQueueSize].
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// DescriptorTable is the driver's view of a virtqueue's descriptor array. It
// owns only the bookkeeping for which slots are free; it never owns the
// memory a descriptor's address field points at. Every buffer a chain
// references — a packet fragment on transmit, a freshly allocated page on
// receive — is supplied by the caller at chain-creation time and stays
// theirs to free once the chain is released, which is what lets a
// descriptor point directly at that memory instead of a copy of it.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the head of the singly-linked chain of descriptors
	// not currently handed out. noFreeHead means none are free.
	freeHeadIndex uint16
	// freeNum is how many descriptors are on the free chain.
	freeNum uint16
}

// newDescriptorTable overlays a [DescriptorTable] on mem, which must be
// exactly [descriptorTableSize] bytes for the given queue size.
//
// The table is not usable until [DescriptorTable.initializeDescriptors] has
// been called.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	want := descriptorTableSize(queueSize)
	if len(mem) != want {
		panic(fmt.Sprintf("descriptor table backing memory is %d bytes, want %d for queue size %d", len(mem), want, queueSize))
	}

	return &DescriptorTable{
		descriptors:   unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		freeHeadIndex: noFreeHead,
	}
}

// Address returns the address of the first descriptor in memory. Do not
// write through it; use the table's own methods.
func (dt *DescriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// initializeDescriptors wires every descriptor into one big free chain that
// loops back on itself. Descriptors carry no buffer until a chain is
// created against them; address and length stay at zero until then.
func (dt *DescriptorTable) initializeDescriptors() {
	n := len(dt.descriptors)
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{
			flags: descriptorFlagHasNext,
			next:  uint16((i + 1) % n),
		}
	}
	dt.freeHeadIndex = 0
	dt.freeNum = uint16(n)
}

// popFree pulls n descriptors off the free chain and returns their indices in
// chain order (the order they will occupy in the resulting descriptor chain,
// first buffer first). It does not touch descriptor flags, length or next
// fields; callers link the returned indices themselves.
//
// To avoid having to iterate over the whole table to find the descriptor
// pointing at the free head just to replace it, chains are always carved out
// of the descriptors coming after the head, so only the head itself needs
// touching, and only as a last resort when every other descriptor is in use.
func (dt *DescriptorTable) popFree(n int) ([]uint16, error) {
	if n <= 0 {
		return nil, ErrDescriptorChainEmpty
	}
	if uint16(n) > dt.freeNum {
		return nil, ErrNotEnoughFreeDescriptors
	}
	if dt.freeHeadIndex == noFreeHead {
		panic("free descriptor chain head is unset but there should be free descriptors")
	}

	indices := make([]uint16, n)
	cur := dt.descriptors[dt.freeHeadIndex].next
	for i := 0; i < n; i++ {
		desc := &dt.descriptors[cur]
		desc.assertUnused(cur)
		indices[i] = cur
		cur = desc.next
	}
	// cur now points at the first descriptor after the popped run.

	dt.freeNum -= uint16(n)
	if dt.freeNum == 0 {
		// Taking every free descriptor walks the whole circle, so the last
		// descriptor taken should be the free chain head itself.
		if indices[n-1] != dt.freeHeadIndex {
			panic("descriptor chain takes up all free descriptors but does not end with the free chain head")
		}
		dt.freeHeadIndex = noFreeHead
	} else {
		// We took some descriptors out of the free chain, so make sure to close
		// the circle again.
		dt.descriptors[dt.freeHeadIndex].next = cur
	}

	return indices, nil
}

// createChain pops len(bufs) descriptors off the free list and wires each
// one directly at the corresponding entry of bufs — no copy, the descriptor
// address is the buffer's own address — chaining them into a single
// descriptor chain of the given direction. The chain is linked in reverse:
// the last buffer is materialized first with HAS_NEXT clear, and each
// earlier buffer points at the one after it with HAS_NEXT set. The chain
// head (the index of the first buffer) is returned.
//
// Every buffer in bufs must be non-empty and must stay alive and unmoved
// until the chain is released; the caller, not this table, owns that memory.
func (dt *DescriptorTable) createChain(bufs [][]byte, writable bool) (uint16, error) {
	if len(bufs) == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	for _, buf := range bufs {
		if len(buf) == 0 {
			return 0, fmt.Errorf("%w: a chain buffer must not be empty", ErrInvalidDescriptorChain)
		}
	}

	indices, err := dt.popFree(len(bufs))
	if err != nil {
		return 0, err
	}

	for i := len(indices) - 1; i >= 0; i-- {
		desc := &dt.descriptors[indices[i]]
		buf := bufs[i]
		// buf is caller-owned memory; the whole point of this table is to
		// hand the device a pointer directly at it instead of a copy.
		desc.address = uintptr(unsafe.Pointer(&buf[0]))
		desc.length = uint32(len(buf))
		if i == len(indices)-1 {
			desc.terminate(writable)
		} else {
			desc.linkTo(indices[i+1], writable)
		}
	}

	return indices[0], nil
}

// CreateDescriptorForOutputs allocates a single device-readable descriptor
// pointing directly at buf. See
// [DescriptorTable.CreateDescriptorChainForOutputs] for multi-buffer chains.
func (dt *DescriptorTable) CreateDescriptorForOutputs(buf []byte) (uint16, error) {
	return dt.createChain([][]byte{buf}, false)
}

// CreateDescriptorChainForOutputs allocates a chain of device-readable
// descriptors, one per entry of bufs in order, each pointing directly at
// that buffer, linked in reverse per the virtio descriptor chaining rule
// (the tail is materialized first with HAS_NEXT clear). It returns the head
// of the chain.
func (dt *DescriptorTable) CreateDescriptorChainForOutputs(bufs [][]byte) (uint16, error) {
	return dt.createChain(bufs, false)
}

// createDescriptorForInputs allocates a single device-writable descriptor
// pointing directly at buf, the caller's freshly allocated receive buffer.
func (dt *DescriptorTable) createDescriptorForInputs(buf []byte) (uint16, error) {
	return dt.createChain([][]byte{buf}, true)
}

// freeDescriptorChain returns the descriptor chain starting at head to the
// free list, clearing each descriptor's address and length and resetting its
// flags to the free chain's HAS_NEXT link along the way. The chain must have been created with [DescriptorTable.createChain]
// and not freed since. It reports how many descriptors were freed.
func (dt *DescriptorTable) freeDescriptorChain(head uint16) (int, error) {
	if int(head) >= len(dt.descriptors) {
		return 0, fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	cur := head
	var chainLen uint16
	var tail uint16
	tailFound := false

	// Bounded by the queue size so a corrupted chain cannot loop forever.
	for i := 0; i < len(dt.descriptors); i++ {
		if cur == dt.freeHeadIndex {
			return 0, fmt.Errorf("%w: must not be part of the free chain", ErrInvalidDescriptorChain)
		}

		desc := &dt.descriptors[cur]
		chainLen++
		last := !desc.hasNext()
		following := desc.next
		desc.reset()

		if last {
			tail = cur
			tailFound = true
			break
		}
		if following == head {
			return 0, fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
		}
		cur = following
	}
	if !tailFound {
		// A descriptor chain longer than the queue size but without loops
		// should be impossible.
		panic(fmt.Sprintf("could not find a tail for descriptor chain starting at %d", head))
	}

	tailDesc := &dt.descriptors[tail]
	if dt.freeHeadIndex == noFreeHead {
		// The whole free chain was used up, so this returned chain becomes
		// the new free chain by closing the loop on itself.
		tailDesc.next = head
		dt.freeHeadIndex = head
	} else {
		// Splice the returned chain in right after the free chain head.
		freeHeadDesc := &dt.descriptors[dt.freeHeadIndex]
		tailDesc.next = freeHeadDesc.next
		freeHeadDesc.next = head
	}

	dt.freeNum += chainLen

	return int(chainLen), nil
}
