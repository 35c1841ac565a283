// Package packet provides the move-only packet/fragment type handed between
// the driver and its callers. A [Packet] holds one or more fragment buffers
// supplied by whichever layer allocated them (typically a virtqueue
// descriptor) and a Release hook that returns them to their owner once the
// caller is done with it.
package packet

// Fragment is a contiguous piece of a packet's bytes. Receive packets are
// always a single fragment: the receive path delivers each receive buffer as
// its own packet and does not join buffers the device merged when merged
// receive buffers are negotiated. Transmit packets may gain additional fragments when a caller
// wants to send a header and a payload without copying them together first.
type Fragment struct {
	// Base is the raw byte slice for this fragment.
	Base []byte
}

// Packet is a single-owner ordered list of [Fragment]s. Callers must not
// retain a *Packet, or the slices within it, past a call to [Packet.Release].
type Packet struct {
	Fragments []Fragment

	release func()
}

// New returns an empty [Packet] with no release hook attached.
func New() *Packet {
	return &Packet{
		Fragments: make([]Fragment, 0, 2),
	}
}

// SetRelease attaches the function to call when this packet is released.
// It replaces any previously set release function.
func (p *Packet) SetRelease(release func()) {
	p.release = release
}

// Append adds a fragment referencing base to the end of the packet.
func (p *Packet) Append(base []byte) {
	p.Fragments = append(p.Fragments, Fragment{Base: base})
}

// Len returns the total number of bytes across all fragments.
func (p *Packet) Len() int {
	n := 0
	for _, f := range p.Fragments {
		n += len(f.Base)
	}
	return n
}

// Release invokes the attached release hook, if any, and clears the packet
// so it can be reused. After this call the packet must not be used until
// fragments are appended to it again.
func (p *Packet) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.Fragments = p.Fragments[:0]
}
