package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsedRing_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := make([]byte, usedRingSize(queueSize))
	r := newUsedRing(queueSize, memory)

	*r.flags = 0x01ff
	*r.ringIndex = 1
	r.ring[0] = UsedElement{
		DescriptorIndex: 0x0123,
		Length:          0x4567,
	}
	r.ring[1] = UsedElement{
		DescriptorIndex: 0x89ab,
		Length:          0xcdef,
	}

	assert.Equal(t, []byte{
		0xff, 0x01,
		0x01, 0x00,
		0x23, 0x01, 0x00, 0x00,
		0x67, 0x45, 0x00, 0x00,
		0xab, 0x89, 0x00, 0x00,
		0xef, 0xcd, 0x00, 0x00,
		0x00, 0x00,
	}, memory)
}

func TestUsedRing_Take(t *testing.T) {
	const queueSize = 8

	tests := []struct {
		name              string
		ring              []UsedElement
		ringIndex         uint16
		lastIndex         uint16
		maxToTake         int
		expectedRemaining int
		expectedElems     []UsedElement
	}{
		{
			name: "nothing new",
			ring: []UsedElement{
				{DescriptorIndex: 1}, {DescriptorIndex: 2}, {DescriptorIndex: 3}, {DescriptorIndex: 4},
				{}, {}, {}, {},
			},
			ringIndex:         4,
			lastIndex:         4,
			expectedRemaining: 0,
			expectedElems:     nil,
		},
		{
			name: "no overflow",
			ring: []UsedElement{
				{DescriptorIndex: 1}, {DescriptorIndex: 2}, {DescriptorIndex: 3}, {DescriptorIndex: 4},
				{}, {}, {}, {},
			},
			ringIndex:         4,
			lastIndex:         1,
			expectedRemaining: 0,
			expectedElems: []UsedElement{
				{DescriptorIndex: 2},
				{DescriptorIndex: 3},
				{DescriptorIndex: 4},
			},
		},
		{
			name: "ring overflow",
			ring: []UsedElement{
				{DescriptorIndex: 9}, {DescriptorIndex: 10}, {DescriptorIndex: 3}, {DescriptorIndex: 4},
				{DescriptorIndex: 5}, {DescriptorIndex: 6}, {DescriptorIndex: 7}, {DescriptorIndex: 8},
			},
			ringIndex:         10,
			lastIndex:         7,
			expectedRemaining: 0,
			expectedElems: []UsedElement{
				{DescriptorIndex: 8},
				{DescriptorIndex: 9},
				{DescriptorIndex: 10},
			},
		},
		{
			name: "index overflow",
			ring: []UsedElement{
				{DescriptorIndex: 9}, {DescriptorIndex: 10}, {DescriptorIndex: 3}, {DescriptorIndex: 4},
				{DescriptorIndex: 5}, {DescriptorIndex: 6}, {DescriptorIndex: 7}, {DescriptorIndex: 8},
			},
			ringIndex:         2,
			lastIndex:         65535,
			expectedRemaining: 0,
			expectedElems: []UsedElement{
				{DescriptorIndex: 8},
				{DescriptorIndex: 9},
				{DescriptorIndex: 10},
			},
		},
		{
			// maxToTake caps how much of a partial drain is returned; the rest
			// stays undrained for the next call to pick up via lastIndex.
			name: "capped leaves a remainder",
			ring: []UsedElement{
				{DescriptorIndex: 1}, {DescriptorIndex: 2}, {DescriptorIndex: 3}, {DescriptorIndex: 4},
				{}, {}, {}, {},
			},
			ringIndex:         4,
			lastIndex:         0,
			maxToTake:         2,
			expectedRemaining: 2,
			expectedElems: []UsedElement{
				{DescriptorIndex: 1},
				{DescriptorIndex: 2},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memory := make([]byte, usedRingSize(queueSize))
			r := newUsedRing(queueSize, memory)

			copy(r.ring, tt.ring)
			*r.ringIndex = tt.ringIndex
			r.lastIndex = tt.lastIndex

			remaining, elems := r.take(tt.maxToTake)
			assert.Equal(t, tt.expectedRemaining, remaining)
			assert.Equal(t, tt.expectedElems, elems)
		})
	}
}

// TestUsedRing_Take_ResumesAfterCap checks that a capped drain and a
// follow-up call together return everything pending, in order, matching
// how [Queue.BlockAndGetHeadsCapped] relies on lastIndex to resume a
// partial drain without waiting on the eventfd again.
func TestUsedRing_Take_ResumesAfterCap(t *testing.T) {
	const queueSize = 8

	memory := make([]byte, usedRingSize(queueSize))
	r := newUsedRing(queueSize, memory)

	r.ring[0] = UsedElement{DescriptorIndex: 1}
	r.ring[1] = UsedElement{DescriptorIndex: 2}
	r.ring[2] = UsedElement{DescriptorIndex: 3}
	*r.ringIndex = 3

	remaining, first := r.take(2)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, []UsedElement{{DescriptorIndex: 1}, {DescriptorIndex: 2}}, first)

	remaining, second := r.take(2)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, []UsedElement{{DescriptorIndex: 3}}, second)
}
