package netdev

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// headerPool hands out small buffers for the virtio-net header the transmit
// path prepends to every packet. It exists because that header is a value
// the driver constructs itself, not a caller-supplied fragment, so there is
// nothing to point a descriptor at until somewhere owns the bytes; pooling a
// handful of fixed-size slots avoids a per-packet allocation without giving
// up the zero-copy handling everything else on the transmit chain gets.
//
// The slots live in one anonymous mmap region, the same allocation strategy
// [virtqueue.NewQueue] uses for the ring memory itself, so the pool's
// backing bytes are never subject to the Go garbage collector while a
// descriptor may still be pointing at them.
type headerPool struct {
	mem      []byte
	slotSize int
	free     chan int
}

func newHeaderPool(slots, slotSize int) (*headerPool, error) {
	// mmap rejects a zero-length mapping, so at least one slot's worth of
	// memory is mapped even when slots is zero; the free list below still
	// holds exactly slots entries.
	mem, err := unix.Mmap(-1, 0, max(slots, 1)*slotSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate header pool: %w", err)
	}

	free := make(chan int, slots)
	for i := 0; i < slots; i++ {
		free <- i
	}

	return &headerPool{mem: mem, slotSize: slotSize, free: free}, nil
}

// acquire blocks until a slot is free and returns it along with the index
// needed to release it later.
func (p *headerPool) acquire(ctx context.Context) ([]byte, int, error) {
	select {
	case i := <-p.free:
		return p.mem[i*p.slotSize : (i+1)*p.slotSize : (i+1)*p.slotSize], i, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// release returns slot i to the pool.
func (p *headerPool) release(i int) {
	p.free <- i
}

func (p *headerPool) close() error {
	return unix.Munmap(p.mem)
}
