// Package netdev wires together a tap interface, a vhost-net kernel backend,
// and the split-virtqueue transport into a single user-space virtio-net
// driver. It is the assembly point for the lower-level virtqueue, vhost,
// vhostnet, tap, and packet packages.
package netdev

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/HeyMrJee/seastar/config"
	"github.com/HeyMrJee/seastar/packet"
	"github.com/HeyMrJee/seastar/tap"
	"github.com/HeyMrJee/seastar/vhostnet"
)

// defaultHardwareAddress is used when no device.mac is configured. It has no
// significance beyond being a stable, locally administered placeholder.
var defaultHardwareAddress = net.HardwareAddr{0x12, 0x23, 0x34, 0x56, 0x67, 0x78}

// Device is a running virtio-net driver instance: a tap interface backing a
// vhost-net device, with a TX and RX queue layered on top of the transmit
// and receive virtqueues.
type Device struct {
	tap   *tap.Device
	vhost *vhostnet.Device

	tx *txQueue
	rx *rxQueue

	hwAddr  net.HardwareAddr
	metrics *deviceMetrics
	log     *logrus.Logger

	cancel    context.CancelFunc
	stopQueue []func()
}

// New brings up a tap interface, attaches it to a vhost-net device as
// backend, and starts the transmit and receive engines. c is consulted for:
//
//	tap.name               name of the tap interface to create (default: kernel-chosen)
//	tap.up                 whether to bring the interface up via netlink (default: true)
//	queue.size                   number of descriptors per virtqueue (default: 256)
//	queue.buffer_pages           pages per receive buffer (default: 4)
//	tx.high_water_mark           max in-flight sends before Send blocks (default: queue.size)
//	device.mac                   hardware address reported by [Device.HardwareAddress]
//	device.merged_rx_buffers     request VIRTIO_NET_F_MRG_RXBUF during feature negotiation (default: false)
//	device.event_index           request VIRTIO_RING_F_EVENT_IDX during feature negotiation (default: false)
func New(c *config.C, l *logrus.Logger) (*Device, error) {
	tapDev, err := tap.Open(c.GetString("tap.name", ""))
	if err != nil {
		return nil, fmt.Errorf("open tap device: %w", err)
	}

	if c.GetBool("tap.up", true) {
		if err = tapDev.Up(); err != nil {
			_ = tapDev.Close()
			return nil, fmt.Errorf("bring up tap device: %w", err)
		}
	}

	queueSize := c.GetInt("queue.size", 256)
	bufferPages := c.GetInt("queue.buffer_pages", 4)

	vhostDev, err := vhostnet.NewDevice(
		vhostnet.WithQueueSize(queueSize),
		vhostnet.WithBackendFD(int(tapDev.Fd())),
		vhostnet.WithBufferPages(bufferPages),
		vhostnet.WithMergedRXBuffers(c.GetBool("device.merged_rx_buffers", false)),
		vhostnet.WithEventIndex(c.GetBool("device.event_index", false)),
	)
	if err != nil {
		_ = tapDev.Close()
		return nil, fmt.Errorf("create vhost-net device: %w", err)
	}

	hwAddr, err := parseHardwareAddress(c.GetString("device.mac", ""))
	if err != nil {
		_ = vhostDev.Close()
		_ = tapDev.Close()
		return nil, fmt.Errorf("parse device.mac: %w", err)
	}

	m := newDeviceMetrics()
	highWaterMark := c.GetInt("tx.high_water_mark", queueSize)
	mergedRX := vhostDev.MergedRXBuffers()

	tx, err := newTxQueue(vhostDev.TransmitQueue, highWaterMark, mergedRX, m)
	if err != nil {
		_ = vhostDev.Close()
		_ = tapDev.Close()
		return nil, fmt.Errorf("create tx queue: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	dev := &Device{
		tap:     tapDev,
		vhost:   vhostDev,
		tx:      tx,
		rx:      newRxQueue(vhostDev.ReceiveQueue, mergedRX, m),
		hwAddr:  hwAddr,
		metrics: m,
		log:     l,
		cancel:  cancel,
	}

	stopTx := vhostDev.TransmitQueue.Run(ctx)
	stopRx := vhostDev.ReceiveQueue.Run(ctx)
	dev.stopQueue = []func(){stopTx, stopRx}

	go dev.rx.refillLoop(ctx)

	l.WithFields(logrus.Fields{
		"tap":        tapDev.Name,
		"queue_size": queueSize,
		"hw_addr":    hwAddr,
	}).Info("virtio-net device ready")

	return dev, nil
}

// parseHardwareAddress returns [defaultHardwareAddress] for an empty string,
// or parses raw as a colon-separated MAC address.
func parseHardwareAddress(raw string) (net.HardwareAddr, error) {
	if raw == "" {
		return defaultHardwareAddress, nil
	}
	return net.ParseMAC(raw)
}

// Send transmits pkt, taking ownership of it; pkt must not be used again
// after this call.
func (d *Device) Send(ctx context.Context, pkt *packet.Packet) error {
	return d.tx.Send(ctx, pkt)
}

// Receive blocks until a packet has arrived on the tap interface or ctx is
// done. The caller owns the returned packet and must call its Release once
// done with it.
func (d *Device) Receive(ctx context.Context) (*packet.Packet, error) {
	return d.rx.Receive(ctx)
}

// HardwareAddress returns the MAC address this device reports.
func (d *Device) HardwareAddress() net.HardwareAddr {
	return d.hwAddr
}

// Close stops the transmit and receive engines and tears down the
// underlying vhost-net device and tap interface.
func (d *Device) Close() error {
	d.cancel()
	for _, stop := range d.stopQueue {
		stop()
	}

	var errs []string
	if err := d.tx.close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := d.vhost.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := d.tap.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("close device: %s", strings.Join(errs, "; "))
	}
	return nil
}
