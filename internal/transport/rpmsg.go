package transport

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RPMSG_CREATE_EPT_IOCTL, _IOW(0xb5, 0x1, struct rpmsg_endpoint_info)
const rpmsgCreateEptIoctl = 0x4028b501

const rpmsgAddrAny = 0xFFFFFFFF

// rpmsg_endpoint_info from linux/rpmsg.h
type rpmsgEndpointInfo struct {
	Name [32]byte
	Src  uint32
	Dst  uint32
}

// Options identify the rpmsg endpoint the firmware listens on.
type Options struct {
	// Device is the endpoint character device, e.g. /dev/rpmsg0.
	Device string
	// CtrlDevice, when set, is used to create the endpoint before opening Device.
	CtrlDevice   string
	EndpointName string
	EndpointNum  uint32
}

// Open creates the endpoint if requested and opens it for reading and
// writing.
func Open(opts Options) (*FdChannel, error) {
	if opts.Device == "" {
		return nil, fmt.Errorf("%w: no device configured", ErrTransport)
	}

	if opts.CtrlDevice != "" {
		if err := createEndpoint(opts); err != nil {
			return nil, err
		}
	}

	fd, err := unix.Open(opts.Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransport, opts.Device, err)
	}

	return newFdChannel(fd, opts.Device), nil
}

func createEndpoint(opts Options) error {
	if len(opts.EndpointName) >= 32 {
		return fmt.Errorf("%w: endpoint name %q longer than 31 bytes", ErrTransport, opts.EndpointName)
	}

	ctrl, err := unix.Open(opts.CtrlDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTransport, opts.CtrlDevice, err)
	}
	defer unix.Close(ctrl)

	info := rpmsgEndpointInfo{
		Src: rpmsgAddrAny,
		Dst: opts.EndpointNum,
	}
	copy(info.Name[:], opts.EndpointName)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ctrl), rpmsgCreateEptIoctl, uintptr(unsafe.Pointer(&info)))
	// EEXIST: endpoint survived a previous run
	if errno != 0 && errno != unix.EEXIST {
		return fmt.Errorf("%w: create endpoint %s/%d: %v", ErrTransport, opts.EndpointName, opts.EndpointNum, errno)
	}
	return nil
}
