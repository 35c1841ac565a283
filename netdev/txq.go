package netdev

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/HeyMrJee/seastar/packet"
	"github.com/HeyMrJee/seastar/virtio"
	"github.com/HeyMrJee/seastar/virtqueue"
)

// txQueue is the TX producer: it prepends a virtio-net header to every
// packet handed to it, submits the resulting buffer to the transmit
// virtqueue, and frees the chain once the device reports it as used.
//
// The chain built for a packet points its device-readable descriptors
// directly at the packet's own fragment memory (see [virtqueue.Queue.SubmitOutChain]);
// nothing is copied onto a driver-owned buffer except the header, which the
// driver constructs itself and draws from a small [headerPool].
//
// Submission is additionally gated by a semaphore sized to a configurable
// high-water mark, separate from the queue's own descriptor count. Without
// this, an unbounded number of in-flight sends could pile up faster than the
// device drains them; bounding it here applies backpressure to the sender
// instead of letting the FIFO grow without limit.
type txQueue struct {
	q        *virtqueue.Queue
	hwm      *semaphore.Weighted
	headers  *headerPool
	mergedRX bool
	metrics  *deviceMetrics
}

func newTxQueue(q *virtqueue.Queue, highWaterMark int, mergedRX bool, m *deviceMetrics) (*txQueue, error) {
	headers, err := newHeaderPool(highWaterMark, virtio.NetHdrSize)
	if err != nil {
		return nil, err
	}
	return &txQueue{
		q:        q,
		hwm:      semaphore.NewWeighted(int64(highWaterMark)),
		headers:  headers,
		mergedRX: mergedRX,
		metrics:  m,
	}, nil
}

// Send transmits pkt. It blocks until a transmit slot is available within
// the configured high-water mark, then returns once the packet has been
// handed to the device; pkt is released asynchronously once the device
// reports the chain as used.
//
// The chain built for pkt has one host-readable descriptor for the
// virtio-net header followed by one host-readable descriptor per fragment
// of pkt, so fragments reach the device as a scatter-gather chain pointing
// straight at the fragment's own backing array, rather than being copied
// together into a single buffer.
func (t *txQueue) Send(ctx context.Context, pkt *packet.Packet) error {
	if err := t.hwm.Acquire(ctx, 1); err != nil {
		t.metrics.txStalls.Inc(1)
		return fmt.Errorf("acquire tx slot: %w", err)
	}

	hdrBuf, hdrSlot, err := t.headers.acquire(ctx)
	if err != nil {
		t.hwm.Release(1)
		return fmt.Errorf("acquire tx header buffer: %w", err)
	}

	hdr := virtio.NetHdr{}
	hdrLen := virtio.HeaderLen(t.mergedRX)
	if err = hdr.EncodeN(hdrBuf, hdrLen); err != nil {
		t.headers.release(hdrSlot)
		t.hwm.Release(1)
		return fmt.Errorf("encode virtio-net header: %w", err)
	}

	bufs := make([][]byte, 0, len(pkt.Fragments)+1)
	bufs = append(bufs, hdrBuf[:hdrLen])
	for _, frag := range pkt.Fragments {
		if len(frag.Base) == 0 {
			t.headers.release(hdrSlot)
			t.hwm.Release(1)
			return fmt.Errorf("fragment must not be empty")
		}
		bufs = append(bufs, frag.Base)
	}

	head, completion, err := t.q.SubmitOutChain(ctx, bufs)
	if err != nil {
		t.headers.release(hdrSlot)
		t.hwm.Release(1)
		return fmt.Errorf("submit tx chain: %w", err)
	}

	t.metrics.txPackets.Inc(1)
	t.metrics.txBytes.Inc(int64(pkt.Len()))
	t.metrics.txFifoDepth.Update(t.metrics.txFifoDepth.Value() + 1)

	go t.await(head, hdrSlot, completion, pkt)

	return nil
}

func (t *txQueue) await(head uint16, hdrSlot int, completion <-chan virtqueue.Completion, pkt *packet.Packet) {
	<-completion
	_ = t.q.ReleaseOut(head)
	t.headers.release(hdrSlot)
	t.hwm.Release(1)
	t.metrics.txFifoDepth.Update(t.metrics.txFifoDepth.Value() - 1)
	pkt.Release()
}

// close releases the header pool. Any packets whose completion is still
// pending at this point are not this queue's to clean up: the transmit
// virtqueue is closed independently and takes the outstanding descriptors
// with it.
func (t *txQueue) close() error {
	return t.headers.close()
}
