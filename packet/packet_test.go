package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacket_Release(t *testing.T) {
	p := New()
	released := false
	p.SetRelease(func() { released = true })
	p.Append([]byte{1, 2, 3})
	p.Append([]byte{4})

	assert.Equal(t, 4, p.Len())

	p.Release()
	assert.True(t, released)
	assert.Empty(t, p.Fragments)
}

func TestPacket_ReleaseWithoutHook(t *testing.T) {
	p := New()
	p.Append([]byte{1})
	assert.NotPanics(t, p.Release)
}
