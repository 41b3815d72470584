// Package transport provides the duplex frame channel to the charger
// firmware.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrTransport     = errors.New("transport error")
	ErrClosed        = fmt.Errorf("%w: channel closed", ErrTransport)
	ErrFrameTooLarge = fmt.Errorf("%w: frame fills read buffer", ErrTransport)
)

// pollSlice bounds each poll so cancellation is noticed.
const pollSlice = 100 * time.Millisecond

// Channel is a message-oriented link: every Write is one frame and every
// Read returns at most one frame.
type Channel interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) error
	Close() error
}

// FdChannel is a Channel over a file descriptor that preserves message
// boundaries (rpmsg character device or SOCK_SEQPACKET socket).
type FdChannel struct {
	fd   int
	name string
}

func newFdChannel(fd int, name string) *FdChannel {
	return &FdChannel{fd: fd, name: name}
}

func (c *FdChannel) Fd() int {
	return c.fd
}

func (c *FdChannel) String() string {
	return c.name
}

// Read reads one frame. A frame that fills p entirely may have been
// truncated and is reported as ErrFrameTooLarge.
func (c *FdChannel) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EBADF:
			return 0, ErrClosed
		case err != nil:
			return 0, fmt.Errorf("%w: read %s: %v", ErrTransport, c.name, err)
		case n == 0:
			return 0, io.EOF
		case n >= len(p):
			return n, ErrFrameTooLarge
		}
		return n, nil
	}
}

func (c *FdChannel) Write(p []byte) error {
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EBADF:
			return ErrClosed
		case err != nil:
			return fmt.Errorf("%w: write %s: %v", ErrTransport, c.name, err)
		case n != len(p):
			return fmt.Errorf("%w: short write to %s (%d of %d bytes)", ErrTransport, c.name, n, len(p))
		}
		return nil
	}
}

func (c *FdChannel) Close() error {
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrTransport, c.name, err)
	}
	return nil
}

// Pair returns two connected channels. Frames written to one are read from
// the other with boundaries intact.
func Pair() (*FdChannel, *FdChannel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: socketpair: %v", ErrTransport, err)
	}
	return newFdChannel(fds[0], "pair:host"), newFdChannel(fds[1], "pair:firmware"), nil
}

// WaitReadable blocks until fd has data, ctx is done, or the descriptor
// reports an error or hangup. Hangup without pending data returns io.EOF.
func WaitReadable(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(pollSlice/time.Millisecond))
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: poll: %v", ErrTransport, err)
		}

		revents := fds[0].Revents
		switch {
		case revents&unix.POLLIN != 0:
			return nil
		case revents&unix.POLLNVAL != 0:
			return ErrClosed
		case revents&unix.POLLERR != 0:
			return fmt.Errorf("%w: poll reported error on fd %d", ErrTransport, fd)
		case revents&unix.POLLHUP != 0:
			return io.EOF
		}
	}
}
