package netdev

import (
	"context"
	"fmt"

	"github.com/HeyMrJee/seastar/packet"
	"github.com/HeyMrJee/seastar/virtio"
	"github.com/HeyMrJee/seastar/virtqueue"
)

// rxQueue is the RX producer: it greedily offers receive buffers to the
// device and, as each one is filled, strips the virtio-net header and
// delivers the remaining Ethernet frame to whoever calls [rxQueue.Receive].
type rxQueue struct {
	q        *virtqueue.Queue
	mergedRX bool
	metrics  *deviceMetrics

	out chan *packet.Packet
}

func newRxQueue(q *virtqueue.Queue, mergedRX bool, m *deviceMetrics) *rxQueue {
	return &rxQueue{
		q:        q,
		mergedRX: mergedRX,
		metrics:  m,
		out:      make(chan *packet.Packet, 64),
	}
}

// refillLoop keeps the receive queue full, submitting a new buffer as soon
// as a descriptor is available. It returns once ctx is cancelled.
func (r *rxQueue) refillLoop(ctx context.Context) {
	for {
		head, buf, completion, err := r.q.SubmitIn(ctx)
		if err != nil {
			return
		}
		go r.await(ctx, head, buf, completion)
	}
}

func (r *rxQueue) await(ctx context.Context, head uint16, buf []byte, completion <-chan virtqueue.Completion) {
	select {
	case comp := <-completion:
		r.deliver(ctx, head, buf, comp)
	case <-ctx.Done():
		return
	}
}

// deliver strips the virtio-net header from a completed receive buffer and
// hands the remaining frame off to whoever is calling [rxQueue.Receive].
//
// A completion whose length doesn't even cover the header, or whose header
// fails to decode, is a violation of the shared-memory contract between
// driver and device: there is no way to recover a sane frame boundary from
// it, so this is treated as unrecoverable and aborts the process rather
// than silently dropping or misinterpreting memory.
func (r *rxQueue) deliver(ctx context.Context, head uint16, buf []byte, comp virtqueue.Completion) {
	hdrLen := virtio.HeaderLen(r.mergedRX)

	var hdr virtio.NetHdr
	if err := hdr.Decode(buf); err != nil || int(comp.Length) < hdrLen || int(comp.Length) > len(buf) {
		r.metrics.malformedRx.Inc(1)
		panic(fmt.Sprintf("rxQueue: malformed completion for descriptor %d: length=%d bufLen=%d", head, comp.Length, len(buf)))
	}

	pkt := packet.New()
	pkt.Append(buf[hdrLen:comp.Length])
	pkt.SetRelease(func() { _ = r.q.ReleaseIn(head) })

	r.metrics.rxPackets.Inc(1)
	r.metrics.rxBytes.Inc(int64(comp.Length) - int64(hdrLen))

	select {
	case r.out <- pkt:
	case <-ctx.Done():
		pkt.Release()
	}
}

// Receive blocks until a packet has arrived or ctx is done.
func (r *rxQueue) Receive(ctx context.Context) (*packet.Packet, error) {
	select {
	case pkt := <-r.out:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
