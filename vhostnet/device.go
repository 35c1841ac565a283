package vhostnet

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/HeyMrJee/seastar/vhost"
	"github.com/HeyMrJee/seastar/virtio"
	"github.com/HeyMrJee/seastar/virtqueue"
	"golang.org/x/sys/unix"
)

// ErrDeviceClosed is returned when the [Device] is closed while operations are
// still running.
var ErrDeviceClosed = errors.New("device was closed")

// The indexes for the receive and transmit queues.
const (
	receiveQueueIndex  = 0
	transmitQueueIndex = 1
)

// Device represents a vhost networking device within the kernel-level virtio
// implementation. It sequences the one-time ioctl setup described by the
// vhost-net ABI and exposes the resulting queues; packet-level framing lives
// one layer up, in netdev.
type Device struct {
	initialized bool
	controlFD   int

	ReceiveQueue  *virtqueue.Queue
	TransmitQueue *virtqueue.Queue

	negotiatedFeatures virtio.Feature
}

// MergedRXBuffers reports whether [virtio.FeatureNetMergeRXBuffers] was
// negotiated with the device. It is false when the device doesn't support
// it or when [WithMergedRXBuffers] was never requested.
func (dev *Device) MergedRXBuffers() bool {
	return dev.negotiatedFeatures&virtio.FeatureNetMergeRXBuffers != 0
}

// EventIndex reports whether [virtio.FeatureEventIdx] was negotiated with
// the device.
func (dev *Device) EventIndex() bool {
	return dev.negotiatedFeatures&virtio.FeatureEventIdx != 0
}

// NewDevice initializes a new vhost networking device within the
// kernel-level virtio implementation, sets up the virtqueues and returns a
// [Device] instance that can be used to communicate with that vhost device.
//
// There are multiple options that can be passed to this constructor to
// influence device creation:
//   - [WithQueueSize]
//   - [WithBackendFD]
//   - [WithBufferPages]
//
// Remember to call [Device.Close] after use to free up resources.
func NewDevice(options ...Option) (*Device, error) {
	var err error
	opts := optionDefaults
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	dev := Device{
		controlFD: -1,
	}

	// Clean up a partially initialized device when something fails.
	defer func() {
		if err != nil {
			_ = dev.Close()
		}
	}()

	// Retrieve a new control file descriptor. This will be used to configure
	// the vhost networking device in the kernel.
	dev.controlFD, err = unix.Open("/dev/vhost-net", os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("get control file descriptor: %w", err)
	}
	if err = vhost.OwnControlFD(dev.controlFD); err != nil {
		return nil, fmt.Errorf("own control file descriptor: %w", err)
	}

	// This driver always requests the base virtio 1.0 contract plus
	// indirect descriptors. Merged receive buffers and the event index are
	// requested only when the caller opted in, and only actually apply once
	// intersected with what the device itself supports.
	wanted := virtio.FeatureVersion1 | virtio.FeatureIndirectDescriptors
	if opts.mergedRXBuffers {
		wanted |= virtio.FeatureNetMergeRXBuffers
	}
	if opts.eventIndex {
		wanted |= virtio.FeatureEventIdx
	}

	supported, err := vhost.GetFeatures(dev.controlFD)
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}

	dev.negotiatedFeatures = wanted & supported
	if err = vhost.SetFeatures(dev.controlFD, dev.negotiatedFeatures); err != nil {
		return nil, fmt.Errorf("set features: %w", err)
	}

	itemSize := os.Getpagesize() * opts.bufferPages

	// Initialize and register the queues needed for the networking device.
	if dev.ReceiveQueue, err = createQueue(dev.controlFD, receiveQueueIndex, opts.queueSize, itemSize); err != nil {
		return nil, fmt.Errorf("create receive queue: %w", err)
	}
	if dev.TransmitQueue, err = createQueue(dev.controlFD, transmitQueueIndex, opts.queueSize, itemSize); err != nil {
		return nil, fmt.Errorf("create transmit queue: %w", err)
	}

	// Register the whole process address space as a single identity-mapped
	// region. This has to happen before a backend for the queues can be
	// registered, and covers every buffer the descriptor tables hand out
	// without the driver needing to track individual allocations.
	if err = vhost.SetMemoryLayout(dev.controlFD, vhost.NewIdentityMemoryLayout()); err != nil {
		return nil, fmt.Errorf("setup memory layout: %w", err)
	}

	// Set the queue backends. This activates the queues within the kernel.
	if err = SetQueueBackend(dev.controlFD, receiveQueueIndex, opts.backendFD); err != nil {
		return nil, fmt.Errorf("set receive queue backend: %w", err)
	}
	if err = SetQueueBackend(dev.controlFD, transmitQueueIndex, opts.backendFD); err != nil {
		return nil, fmt.Errorf("set transmit queue backend: %w", err)
	}

	dev.initialized = true

	// Make sure to clean up even when the device gets garbage collected
	// without Close being called first.
	devPtr := &dev
	runtime.SetFinalizer(devPtr, (*Device).Close)

	return devPtr, nil
}

// Close cleans up the vhost networking device within the kernel and releases
// all resources used for it.
// The implementation will try to release as many resources as possible and
// collect potential errors before returning them.
func (dev *Device) Close() error {
	dev.initialized = false

	// Closing the control file descriptor will unregister all queues from the
	// kernel.
	if dev.controlFD >= 0 {
		if err := unix.Close(dev.controlFD); err != nil {
			// Return an error and do not continue, because the memory used for
			// the queues should not be released before they were unregistered
			// from the kernel.
			return fmt.Errorf("close control file descriptor: %w", err)
		}
		dev.controlFD = -1
	}

	var errs []error

	if dev.ReceiveQueue != nil {
		if err := dev.ReceiveQueue.Close(); err == nil {
			dev.ReceiveQueue = nil
		} else {
			errs = append(errs, fmt.Errorf("close receive queue: %w", err))
		}
	}

	if dev.TransmitQueue != nil {
		if err := dev.TransmitQueue.Close(); err == nil {
			dev.TransmitQueue = nil
		} else {
			errs = append(errs, fmt.Errorf("close transmit queue: %w", err))
		}
	}

	if len(errs) == 0 {
		// Everything was cleaned up. No need to run the finalizer anymore.
		runtime.SetFinalizer(dev, nil)
	}

	return errors.Join(errs...)
}

// createQueue creates a new virtqueue and registers it with the vhost device
// using the given index.
func createQueue(controlFD int, queueIndex int, queueSize int, itemSize int) (*virtqueue.Queue, error) {
	queue, err := virtqueue.NewQueue(queueSize, itemSize)
	if err != nil {
		return nil, fmt.Errorf("create virtqueue: %w", err)
	}
	if err = vhost.RegisterQueue(controlFD, uint32(queueIndex), queue); err != nil {
		return nil, fmt.Errorf("register virtqueue with index %d: %w", queueIndex, err)
	}
	return queue, nil
}
