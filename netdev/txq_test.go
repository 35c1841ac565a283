package netdev

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HeyMrJee/seastar/packet"
	"github.com/HeyMrJee/seastar/virtqueue"
)

func newTestTxQueue(t *testing.T, queueSize, highWaterMark int) (*txQueue, *virtqueue.Queue) {
	t.Helper()

	q, err := virtqueue.NewQueue(queueSize, os.Getpagesize())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	m := newDeviceMetrics()
	tx, err := newTxQueue(q, highWaterMark, false, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.close() })

	return tx, q
}

func TestTxQueue_Send_RejectsEmptyFragment(t *testing.T) {
	tx, _ := newTestTxQueue(t, 4, 4)

	pkt := packet.New()
	pkt.Append(nil)

	err := tx.Send(context.Background(), pkt)
	assert.Error(t, err)
}

func TestTxQueue_Send_AcquiresHighWaterMark(t *testing.T) {
	// A high-water mark of zero means no send can ever acquire a slot.
	tx, _ := newTestTxQueue(t, 4, 0)

	pkt := packet.New()
	pkt.Append([]byte{1, 2, 3})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tx.Send(ctx, pkt)
	assert.Error(t, err)
}

// TestTxQueue_Send_ReleasesPacketExactlyOnceAfterCompletion drives a packet
// all the way through Send to a simulated device completion and checks that
// the packet's release hook fires exactly once, and only after the
// completion has actually been observed — not the moment Send returns.
func TestTxQueue_Send_ReleasesPacketExactlyOnceAfterCompletion(t *testing.T) {
	tx, q := newTestTxQueue(t, 4, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := q.Run(ctx)
	defer stop()

	releases := make(chan struct{}, 4)
	pkt := packet.New()
	pkt.Append([]byte("payload"))
	pkt.SetRelease(func() { releases <- struct{}{} })

	require.NoError(t, tx.Send(ctx, pkt))

	select {
	case <-releases:
		t.Fatal("packet was released before the device reported the chain as used")
	case <-time.After(50 * time.Millisecond):
	}

	heads := q.PendingHeads()
	require.Len(t, heads, 1, "exactly one chain should be awaiting completion")

	require.NoError(t, q.SimulateCompletion(heads[0], 0))

	select {
	case <-releases:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the packet to be released after completion")
	}

	select {
	case <-releases:
		t.Fatal("release hook fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}
