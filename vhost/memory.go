package vhost

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// MemoryRegion describes a region of userspace memory which is being made
// accessible to a vhost device.
//
// Kernel name: vhost_memory_region
type MemoryRegion struct {
	// GuestPhysicalAddress is the physical address of the memory region within
	// the guest, when virtualization is used. When no virtualization is used,
	// this should be the same as UserspaceAddress.
	GuestPhysicalAddress uintptr
	// Size is the size of the memory region.
	Size uint64
	// UserspaceAddress is the virtual address in the userspace of the host
	// where the memory region can be found.
	UserspaceAddress uintptr
	// Padding and room for flags. Currently unused.
	_ uint64
}

// MemoryLayout is a list of [MemoryRegion]s.
type MemoryLayout []MemoryRegion

// identityMappedAddressSpaceSize is the size of the single wildcard region
// registered by [NewIdentityMemoryLayout]: the full 47-bit user virtual
// address space minus one page, matching what the reference driver this
// transport is modeled on registers with VHOST_SET_MEM_TABLE.
const identityMappedAddressSpaceSize = (uint64(1) << 47) - 4096

// NewIdentityMemoryLayout returns the single wildcard [MemoryRegion] this
// driver always registers with vhost-net: the guest-physical range equals
// the host's userspace address range starting at zero, so any buffer
// allocated anywhere in the process's address space (descriptor tables,
// tap/vhost buffers alike) is already covered without the driver having to
// track and re-register individual allocations as they come and go.
func NewIdentityMemoryLayout() MemoryLayout {
	return MemoryLayout{
		{
			GuestPhysicalAddress: 0,
			Size:                 identityMappedAddressSpaceSize,
			UserspaceAddress:     0,
		},
	}
}

// serializePayload serializes the list of memory regions into a format that is
// compatible to the vhost_memory kernel struct. The returned byte slice can be
// used as a payload for the vhostIoctlSetMemoryLayout ioctl.
func (regions MemoryLayout) serializePayload() []byte {
	regionCount := len(regions)
	regionSize := int(unsafe.Sizeof(MemoryRegion{}))
	payload := make([]byte, 8+regionCount*regionSize)

	// The first 32 bits contain the number of memory regions. The following 32
	// bits are padding.
	binary.LittleEndian.PutUint32(payload[0:4], uint32(regionCount))

	if regionCount > 0 {
		// The underlying byte array of the slice should already have the correct
		// format, so just copy that.
		copied := copy(payload[8:], unsafe.Slice((*byte)(unsafe.Pointer(&regions[0])), regionCount*regionSize))
		if copied != regionCount*regionSize {
			panic(fmt.Sprintf("copied only %d bytes of the memory regions, but expected %d",
				copied, regionCount*regionSize))
		}
	}

	return payload
}
