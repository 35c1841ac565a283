package virtqueue

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allocTestDescriptorTable creates a ready-to-use descriptor table, mirroring
// what [NewQueue] does for a real [Queue].
func allocTestDescriptorTable(t *testing.T, queueSize int) *DescriptorTable {
	t.Helper()

	mem := make([]byte, descriptorTableSize(queueSize))
	dt := newDescriptorTable(queueSize, mem)
	dt.initializeDescriptors()

	return dt
}

// buffersOf returns n distinct, non-empty buffers for use as chain memory.
func buffersOf(n int) [][]byte {
	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = make([]byte, i+1)
	}
	return bufs
}

// TestDescriptorTable_CreateChain_ReverseLinks checks that a chain of k
// buffers is linked tail-first: descs[d_i].next == d_{i+1} with HAS_NEXT set
// for every descriptor but the last, which has HAS_NEXT clear.
func TestDescriptorTable_CreateChain_ReverseLinks(t *testing.T) {
	const k = 4

	dt := allocTestDescriptorTable(t, 8)

	head, err := dt.createChain(buffersOf(k), false)
	require.NoError(t, err)

	indices := make([]uint16, k)
	next := head
	for i := 0; i < k; i++ {
		indices[i] = next
		next = dt.descriptors[next].next
	}

	for i, idx := range indices {
		desc := dt.descriptors[idx]
		if i < k-1 {
			assert.True(t, desc.hasNext(), "descriptor %d should have HAS_NEXT set", idx)
			assert.Equal(t, indices[i+1], desc.next, "descriptor %d should point at the following buffer", idx)
		} else {
			assert.False(t, desc.hasNext(), "tail descriptor %d should have HAS_NEXT clear", idx)
		}
	}
}

// TestDescriptorTable_CreateChain_PointsAtCallerMemory checks that every
// descriptor in a created chain addresses the caller's own buffer directly,
// not a copy of it, and carries that buffer's exact length.
func TestDescriptorTable_CreateChain_PointsAtCallerMemory(t *testing.T) {
	dt := allocTestDescriptorTable(t, 8)

	bufs := buffersOf(3)
	head, err := dt.createChain(bufs, false)
	require.NoError(t, err)

	next := head
	for i, buf := range bufs {
		desc := dt.descriptors[next]
		assert.EqualValues(t, uintptr(unsafe.Pointer(&buf[0])), desc.address, "descriptor %d should address the caller's buffer directly", i)
		assert.EqualValues(t, len(buf), desc.length)
		next = desc.next
	}
}

// TestDescriptorTable_CreateChain_WritableFlag checks that every descriptor
// in a chain created for inputs is marked device-writable, and none in a
// chain created for outputs is.
func TestDescriptorTable_CreateChain_WritableFlag(t *testing.T) {
	dt := allocTestDescriptorTable(t, 8)

	outHead, err := dt.createChain(buffersOf(3), false)
	require.NoError(t, err)
	next := outHead
	for i := 0; i < 3; i++ {
		desc := dt.descriptors[next]
		assert.False(t, desc.writable(), "output descriptor %d should not be writable", next)
		next = desc.next
	}

	inHead, err := dt.createChain(buffersOf(2), true)
	require.NoError(t, err)
	next = inHead
	for i := 0; i < 2; i++ {
		desc := dt.descriptors[next]
		assert.True(t, desc.writable(), "input descriptor %d should be writable", next)
		next = desc.next
	}
}

// TestDescriptorTable_CreateChain_ExhaustsFreeList checks that allocating
// more descriptors than are free fails cleanly, and that freeing a chain
// makes its descriptors available for reuse.
func TestDescriptorTable_CreateChain_ExhaustsFreeList(t *testing.T) {
	dt := allocTestDescriptorTable(t, 4)

	head, err := dt.createChain(buffersOf(4), false)
	require.NoError(t, err)

	_, err = dt.createChain(buffersOf(1), false)
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)

	freed, err := dt.freeDescriptorChain(head)
	require.NoError(t, err)
	assert.Equal(t, 4, freed)

	_, err = dt.createChain(buffersOf(4), false)
	assert.NoError(t, err)
}

// TestDescriptorTable_CreateChain_RejectsEmptyBuffer checks that a chain
// containing a zero-length buffer is rejected before any descriptor is
// touched, since createChain would otherwise try to dereference an empty
// slice's backing array.
func TestDescriptorTable_CreateChain_RejectsEmptyBuffer(t *testing.T) {
	dt := allocTestDescriptorTable(t, 4)

	_, err := dt.createChain([][]byte{{1}, {}}, false)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}

// TestDescriptorTable_FreeDescriptorChain_ClearsAddress checks that a freed
// descriptor no longer references the buffer it used to point at, since
// that buffer is owned by whoever supplied it and may already be gone.
func TestDescriptorTable_FreeDescriptorChain_ClearsAddress(t *testing.T) {
	dt := allocTestDescriptorTable(t, 4)

	head, err := dt.createChain(buffersOf(2), false)
	require.NoError(t, err)

	_, err = dt.freeDescriptorChain(head)
	require.NoError(t, err)

	assert.Zero(t, dt.descriptors[head].address)
	assert.Zero(t, dt.descriptors[head].length)
}
