package vhostnet

import (
	"errors"

	"github.com/HeyMrJee/seastar/virtqueue"
)

type optionValues struct {
	queueSize       int
	backendFD       int
	bufferPages     int
	mergedRXBuffers bool
	eventIndex      bool
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.queueSize == -1 {
		return errors.New("queue size is required")
	}
	if err := virtqueue.CheckQueueSize(o.queueSize); err != nil {
		return err
	}
	if o.backendFD == -1 {
		return errors.New("backend file descriptor is required")
	}
	return nil
}

var optionDefaults = optionValues{
	// Required.
	queueSize: -1,
	// Required.
	backendFD:   -1,
	bufferPages: 4,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithQueueSize returns an [Option] that sets the size of the TX and RX queues
// that are to be created for the device. It specifies the number of
// entries/buffers each queue can hold. This also affects the memory
// consumption.
// This is required and must be an integer from 1 to 32768 that is also a power
// of 2.
func WithQueueSize(queueSize int) Option {
	return func(o *optionValues) { o.queueSize = queueSize }
}

// WithBackendFD returns an [Option] that sets the file descriptor of the
// backend that will be used for the queues of the device. The device will write
// and read packets to/from that backend. The file descriptor can either be of a
// RAW socket or TUN/TAP device.
// This is required.
func WithBackendFD(backendFD int) Option {
	return func(o *optionValues) { o.backendFD = backendFD }
}

// WithBufferPages returns an [Option] that sets the number of memory pages
// backing each receive buffer a queue allocates ([virtqueue.Queue.SubmitIn]).
// Transmit descriptors point at caller memory and are not sized by it.
// Defaults to 4 pages, large enough to hold a maximum-size Ethernet frame
// plus the virtio-net header.
func WithBufferPages(pages int) Option {
	return func(o *optionValues) { o.bufferPages = pages }
}

// WithMergedRXBuffers returns an [Option] that requests
// [virtio.FeatureNetMergeRXBuffers] during feature negotiation, letting the
// device spread a single large receive packet across multiple descriptor
// chains instead of requiring the driver to offer one oversized buffer per
// packet. Off by default.
func WithMergedRXBuffers(enabled bool) Option {
	return func(o *optionValues) { o.mergedRXBuffers = enabled }
}

// WithEventIndex returns an [Option] that requests [virtio.FeatureEventIdx]
// during feature negotiation, letting the driver and device suppress
// notifications for each other based on the used_event/avail_event fields
// rather than every single descriptor completion. Off by default.
func WithEventIndex(enabled bool) Option {
	return func(o *optionValues) { o.eventIndex = enabled }
}
