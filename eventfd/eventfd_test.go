package eventfd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Extends the eventfd test suite this package grew out of:
// https://github.com/google/gvisor/blob/0799336d64be65eb97d330606c30162dc3440cab/pkg/eventfd/eventfd_test.go
func TestEventFD_KickWakesEpoll(t *testing.T) {
	efd, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, efd.Close())
	})

	ep, err := NewEpoll()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
	})

	require.NoError(t, ep.AddEvent(efd.FD()))

	done := make(chan error, 1)
	go func() {
		_, err := ep.Block()
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("epoll returned before being kicked")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, efd.Kick())

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.NoError(t, ep.Clear())
	case <-time.After(5 * time.Second):
		t.Fatal("epoll did not observe the kick")
	}
}
