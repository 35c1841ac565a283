// Package virtqueue implements the driver-side for a virtio queue as described
// in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
// This package does not make assumptions about the device that consumes the
// queue. It rather just allocates the queue structures in memory and provides
// methods to interact with it.
//
// # Memory ordering
//
// avail.idx and used.idx are 16-bit fields in the wire layout, and
// sync/atomic has no 16-bit load/store primitive to give them the
// acquire/release ordering the virtio spec calls for without widening the
// field and corrupting the adjacent bytes. Ordering is instead carried by
// the kick/call eventfd syscalls that already sit between every producer
// step and the point where the other side observes it:
// [AvailableRing.offerSingle] always runs before [eventfd.EventFD.Kick], and
// [UsedRing.take] runs again after every return of [eventfd.Epoll.Block]
// (the take that opens each [Queue.BlockAndGetHeadsCapped] call comes before
// any wait in that call). write(2)/read(2)/epoll_wait(2) are
// full compiler and hardware barriers, so the ring index write is visible to
// the host by the time it observes the kick, and the ring index read by the
// driver happens after the host's write is guaranteed visible by the call
// notification, with no separate atomic operation needed on the field
// itself. ring.flags is genuinely advisory (spec §9) and is read and written
// with plain loads/stores throughout.
package virtqueue
