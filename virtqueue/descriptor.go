package virtqueue

import "fmt"

// descriptorFlag is the bitfield carried by every wire [Descriptor], as
// defined by virtio-v1.2 §2.7.5.
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor as continuing into the
	// descriptor named by its next field. Descriptor chains are singly
	// linked; a descriptor without this flag is a chain's tail.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks the descriptor's buffer as
	// device-writable. A descriptor without this flag is device-readable.
	// Within a chain, every device-readable descriptor must precede every
	// device-writable one.
	descriptorFlagWritable
	// descriptorFlagIndirect marks the descriptor's buffer as itself
	// holding a table of further descriptors. The driver requests
	// [virtio.FeatureIndirectDescriptors], but the chain builder here never
	// sets this flag.
	descriptorFlagIndirect
)

// descriptorSize is the wire size in bytes of one [Descriptor] entry.
const descriptorSize = 16

// Descriptor is one entry of a virtqueue's descriptor table: a pointer/length
// pair the driver hands to the device, tagged with direction and chaining
// information. A chain of descriptors linked through next describes a
// scatter-gather buffer that may mix a device-readable head (e.g. a
// virtio-net header and payload fragments) with a device-writable tail (e.g.
// a receive buffer).
//
// The struct layout mirrors the wire format exactly (address, length, flags,
// next, 16 bytes total) so it can be reinterpreted directly over mmap'd
// memory shared with the device; reordering or resizing any field would
// desynchronize the driver from what the kernel reads.
type Descriptor struct {
	address uintptr
	length  uint32
	flags   descriptorFlag
	next    uint16
}

// hasNext reports whether the chain continues at d.next.
func (d *Descriptor) hasNext() bool {
	return d.flags&descriptorFlagHasNext != 0
}

// writable reports whether this descriptor's buffer is device-writable.
func (d *Descriptor) writable() bool {
	return d.flags&descriptorFlagWritable != 0
}

// linkTo wires d as a non-tail chain member pointing at the descriptor index
// next, with the given direction.
func (d *Descriptor) linkTo(next uint16, writable bool) {
	d.flags = descriptorFlagHasNext
	if writable {
		d.flags |= descriptorFlagWritable
	}
	d.next = next
}

// terminate wires d as a chain tail with the given direction; its next field
// is left at whatever value it already carries, since a tail's next is never
// read by the device.
func (d *Descriptor) terminate(writable bool) {
	d.flags = 0
	if writable {
		d.flags |= descriptorFlagWritable
	}
}

// reset clears everything but the free-chain linkage, which the caller is
// expected to overwrite separately.
func (d *Descriptor) reset() {
	d.address = 0
	d.length = 0
	d.flags = descriptorFlagHasNext
}

// assertUnused panics if d is not the zero-length descriptor a free
// descriptor should always be. This is not a virtio requirement, it just
// catches this table's own bookkeeping going wrong before the device does.
func (d *Descriptor) assertUnused(index uint16) {
	if d.length != 0 {
		panic(fmt.Sprintf("descriptor %d should be unused but has a non-zero length", index))
	}
}
