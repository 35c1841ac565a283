// Package tap creates and administers the host-side tap interface that
// vhost-net uses as the backend for a virtio-net device.
package tap

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	cIFFTap      = 0x0002
	cIFFNoPI     = 0x1000
	cIFFOneQueue = 0x2000
	cIFFVnetHdr  = 0x4000
)

// ifNameSize is the kernel's IFNAMSIZ: an interface name plus its
// terminating NUL must fit in ifReq.Name.
const ifNameSize = 16

type ifReq struct {
	Name  [16]byte
	Flags uint16
	pad   [22]byte
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Device is a tap network interface with virtio-net headers enabled,
// suitable as the backend file descriptor for a [vhostnet.Device].
type Device struct {
	*os.File

	Name string
}

// Open creates (or attaches to) a tap device with the given name. An empty
// name lets the kernel pick one. The device is created with IFF_NO_PI
// (no packet-information prefix; the virtio-net header takes its place),
// IFF_ONE_QUEUE, and IFF_VNET_HDR so that every read and write is preceded
// by a virtio_net_hdr as required by spec §6. The fd is opened non-blocking
// so a read with no packet waiting returns EAGAIN instead of stalling the
// caller.
func Open(name string) (*Device, error) {
	if len(name) > ifNameSize-1 {
		return nil, fmt.Errorf("tap device name %q is longer than %d bytes", name, ifNameSize-1)
	}

	fd, err := unix.Open("/dev/net/tun", os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var req ifReq
	req.Flags = cIFFTap | cIFFNoPI | cIFFOneQueue | cIFFVnetHdr
	copy(req.Name[:], name)
	if err = ioctl(uintptr(fd), uintptr(unix.TUNSETIFF), unsafe.Pointer(&req)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", err)
	}

	actualName := strings.Trim(string(req.Name[:]), "\x00")

	return &Device{
		File: os.NewFile(uintptr(fd), "/dev/net/tun"),
		Name: actualName,
	}, nil
}

// Up brings the tap interface administratively up through netlink. The
// original source leaves this to an external script; a self-contained
// driver needs it done before the host side can exchange frames.
func (d *Device) Up() error {
	link, err := netlink.LinkByName(d.Name)
	if err != nil {
		return fmt.Errorf("find tap link %s: %w", d.Name, err)
	}
	if err = netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring tap link %s up: %w", d.Name, err)
	}
	return nil
}
