//go:build linux || darwin || freebsd

package tcp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Probe polls the socket without blocking: readable with nothing to peek, or
// a hangup, means the peer is gone. Pending bytes are left untouched.
func (c *Conn) Probe() bool {
	if c.closed.Load() {
		return false
	}
	sc, ok := c.raw.(syscall.Conn)
	if !ok {
		return true
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	alive := true
	err = rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, perr := unix.Poll(fds, 0)
		if perr != nil || n == 0 {
			return
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			alive = false
			return
		}
		var b [1]byte
		m, _, rerr := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if rerr == nil && m == 0 {
			alive = false
		}
		if rerr != nil && rerr != unix.EAGAIN && rerr != unix.EWOULDBLOCK && rerr != unix.EINTR {
			alive = false
		}
	})
	if err != nil {
		return false
	}
	return alive
}
