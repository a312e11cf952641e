//go:build linux

package proxy

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"github.com/netlabs/socks5reactor/internal/sink"
)

const defaultDNSPort = 53

// DiscoverResolver reads the system resolver configuration (normally
// /etc/resolv.conf) via miekg/dns and returns the address of the first
// configured nameserver as a unix.Sockaddr suitable for Sendto, so a
// query built by the resolver package can be sent without going through
// net.Dial.
func DiscoverResolver(path string) (unix.Sockaddr, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("proxy: reading resolver config: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("proxy: no nameservers found in %s", path)
	}

	server := cfg.Servers[0]
	ip := net.ParseIP(server)
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("proxy: nameserver %q is not a usable IPv4 address", server)
	}

	sa := &unix.SockaddrInet4{Port: defaultDNSPort}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// newListener opens, tunes, binds and starts listening on a non-blocking
// IPv4 TCP socket bound to 0.0.0.0:port.
func newListener(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("proxy: creating listen socket: %w", err)
	}
	if err := tuneConnection(fd); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("proxy: tuning listen socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("proxy: binding listen socket to port %d: %w", port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("proxy: listening on port %d: %w", port, err)
	}
	return fd, nil
}

// newUDPSocket opens a non-blocking UDP socket for DNS queries, bound to
// an ephemeral local port.
func newUDPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("proxy: creating udp socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: 0}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("proxy: binding udp socket: %w", err)
	}
	return fd, nil
}

// Bootstrap wires up the listener, the UDP DNS socket, resolver
// discovery, and the epoll instance, and returns a Reactor ready to Run.
func Bootstrap(port int, resolvConfPath string, log sink.Sink) (*Reactor, error) {
	resolverAddr, err := DiscoverResolver(resolvConfPath)
	if err != nil {
		return nil, err
	}

	listenFD, err := newListener(port)
	if err != nil {
		return nil, err
	}

	udpFD, err := newUDPSocket()
	if err != nil {
		unix.Close(listenFD)
		return nil, err
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFD)
		unix.Close(udpFD)
		return nil, fmt.Errorf("proxy: creating epoll instance: %w", err)
	}

	r := newReactor(epfd, listenFD, udpFD, resolverAddr, log)

	if err := r.addEpoll(listenFD, unix.EPOLLIN); err != nil {
		r.shutdown()
		return nil, fmt.Errorf("proxy: registering listener: %w", err)
	}
	if err := r.addEpoll(udpFD, unix.EPOLLIN); err != nil {
		r.shutdown()
		return nil, fmt.Errorf("proxy: registering udp socket: %w", err)
	}

	log.Printf("listening on port %d, resolver=%v", port, resolverAddr)
	return r, nil
}
