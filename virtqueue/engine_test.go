package virtqueue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, size int) *Queue {
	t.Helper()
	q, err := NewQueue(size, os.Getpagesize())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueue_SubmitOut_ResolvesOnCompletion(t *testing.T) {
	q := newTestQueue(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := q.Run(ctx)
	defer stop()

	head, completion, err := q.SubmitOut(ctx, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, q.SimulateCompletion(head, 0))

	select {
	case comp := <-completion:
		assert.Equal(t, head, comp.Head)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	require.NoError(t, q.ReleaseOut(head))
}

func TestQueue_SubmitIn_DeliversWrittenLength(t *testing.T) {
	q := newTestQueue(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := q.Run(ctx)
	defer stop()

	head, buf, completion, err := q.SubmitIn(ctx)
	require.NoError(t, err)
	assert.Len(t, buf, os.Getpagesize())

	require.NoError(t, q.SimulateCompletion(head, 42))

	select {
	case comp := <-completion:
		assert.Equal(t, head, comp.Head)
		assert.EqualValues(t, 42, comp.Length)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	require.NoError(t, q.ReleaseIn(head))
}

func TestQueue_SubmitOutChain_BuildsScatterGatherChain(t *testing.T) {
	q := newTestQueue(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := q.Run(ctx)
	defer stop()

	head, completion, err := q.SubmitOutChain(ctx, [][]byte{
		[]byte("header"),
		[]byte("payload-a"),
		[]byte("payload-b"),
	})
	require.NoError(t, err)

	require.NoError(t, q.SimulateCompletion(head, 0))

	select {
	case comp := <-completion:
		assert.Equal(t, head, comp.Head)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	// Releasing the 3-descriptor chain must return all 3 units to the
	// semaphore, not just one, or the queue would leak capacity.
	require.NoError(t, q.ReleaseOut(head))
	for i := 0; i < 4; i++ {
		_, _, err = q.SubmitOut(ctx, []byte{0})
		require.NoError(t, err)
	}
}

func TestQueue_SubmitOut_BlocksWhenQueueIsFull(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	head1, _, err := q.SubmitOut(ctx, []byte{1})
	require.NoError(t, err)
	_, _, err = q.SubmitOut(ctx, []byte{2})
	require.NoError(t, err)

	blockedCtx, blockedCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer blockedCancel()
	_, _, err = q.SubmitOut(blockedCtx, []byte{3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.ReleaseOut(head1))
}

// TestQueue_OutOfOrderCompletion checks that three independently submitted
// chains each resolve their own promise when the device completes them out
// of submission order, and that releasing all three fully restores the
// queue's descriptor capacity.
func TestQueue_OutOfOrderCompletion(t *testing.T) {
	q := newTestQueue(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := q.Run(ctx)
	defer stop()

	headA, completionA, err := q.SubmitOut(ctx, []byte("A"))
	require.NoError(t, err)
	headB, completionB, err := q.SubmitOut(ctx, []byte("BB"))
	require.NoError(t, err)
	headC, completionC, err := q.SubmitOut(ctx, []byte("CCC"))
	require.NoError(t, err)

	// The device completes them B, C, A: not the order they were submitted.
	require.NoError(t, q.SimulateCompletion(headB, 0))
	select {
	case comp := <-completionB:
		assert.Equal(t, headB, comp.Head)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for B's completion")
	}

	require.NoError(t, q.SimulateCompletion(headC, 0))
	select {
	case comp := <-completionC:
		assert.Equal(t, headC, comp.Head)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for C's completion")
	}

	require.NoError(t, q.SimulateCompletion(headA, 0))
	select {
	case comp := <-completionA:
		assert.Equal(t, headA, comp.Head)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for A's completion")
	}

	require.NoError(t, q.ReleaseOut(headA))
	require.NoError(t, q.ReleaseOut(headB))
	require.NoError(t, q.ReleaseOut(headC))

	// All 8 descriptors should be free again; a leaked one would make the
	// 8th of these block or fail.
	for i := 0; i < 8; i++ {
		_, _, err = q.SubmitOut(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}
}
