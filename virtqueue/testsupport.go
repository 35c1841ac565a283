package virtqueue

// SimulateCompletion writes a used-ring entry for head directly and kicks
// the call eventfd, exactly as a real device does once it has finished with
// a descriptor chain the driver offered it. It is exported only so that
// tests of higher-level producers layered on top of a [Queue] (which have
// no other way to reach the used ring) can simulate the device side of the
// protocol; production code must never call it.
func (sq *Queue) SimulateCompletion(head uint16, length uint32) error {
	sq.usedRing.ring[*sq.usedRing.ringIndex%uint16(len(sq.usedRing.ring))] = UsedElement{
		DescriptorIndex: uint32(head),
		Length:          length,
	}
	*sq.usedRing.ringIndex++
	return sq.callEventFD.Kick()
}
