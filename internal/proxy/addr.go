package proxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// sockaddrInet4 builds a unix.SockaddrInet4 for ip:port. spec.md's
// Non-goals exclude IPv6 destination addressing, so this proxy only ever
// connects out over IPv4.
func sockaddrInet4(ip net.IP, port int) (*unix.SockaddrInet4, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("proxy: %s is not an IPv4 address", ip)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// sockaddrToIPPort extracts an IPv4 address and port from a unix.Sockaddr
// returned by Getsockname/Accept4, for building the SOCKS5 BND.ADDR reply.
func sockaddrToIPPort(sa unix.Sockaddr) (net.IP, uint16, error) {
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, 0, fmt.Errorf("proxy: unsupported sockaddr type %T", sa)
	}
	ip := make(net.IP, 4)
	copy(ip, v4.Addr[:])
	return ip, uint16(v4.Port), nil
}
