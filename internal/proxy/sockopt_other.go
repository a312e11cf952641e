//go:build !linux

package proxy

import "golang.org/x/sys/unix"

// tuneConnection sets the portable subset of TCP tuning options. The
// Linux-specific TCP_KEEPIDLE/INTVL/CNT knobs in sockopt_linux.go have no
// portable equivalent here.
func tuneConnection(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
}
