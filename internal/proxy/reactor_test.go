//go:build linux

package proxy

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/netlabs/socks5reactor/internal/sink"
)

// newTestReactor builds a Reactor the way Bootstrap would, except the
// listener binds an ephemeral port and the resolver address points at a
// caller-supplied stub instead of the real system resolver, so these
// tests need no root privilege and no real network access.
func newTestReactor(t *testing.T, resolverAddr unix.Sockaddr) (*Reactor, int) {
	t.Helper()

	listenFD, err := newListener(0)
	require.NoError(t, err)

	sa, err := unix.Getsockname(listenFD)
	require.NoError(t, err)
	_, port, err := sockaddrToIPPort(sa)
	require.NoError(t, err)

	udpFD, err := newUDPSocket()
	require.NoError(t, err)

	epfd, err := unix.EpollCreate1(0)
	require.NoError(t, err)

	r := newReactor(epfd, listenFD, udpFD, resolverAddr, sink.Discard)
	require.NoError(t, r.addEpoll(listenFD, unix.EPOLLIN))
	require.NoError(t, r.addEpoll(udpFD, unix.EPOLLIN))

	t.Cleanup(func() { r.shutdown() })

	return r, int(port)
}

func runReactor(t *testing.T, r *Reactor) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Run(stop) }()
	t.Cleanup(func() {
		close(stop)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("reactor did not stop in time")
		}
	})
}

// stubRemote is a plain loopback TCP listener standing in for the
// destination the proxy dials via CONNECT.
func stubRemote(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, port
}

func unusedResolverAddr(t *testing.T) unix.Sockaddr {
	t.Helper()
	return &unix.SockaddrInet4{Port: 1} // never reached by these tests unless noted
}

func TestConnectIPv4HappyPath(t *testing.T) {
	r, proxyPort := newTestReactor(t, unusedResolverAddr(t))
	runReactor(t, r)

	remoteLn, remotePort := stubRemote(t)
	echoed := make(chan []byte, 1)
	go func() {
		conn, err := remoteLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		echoed <- append([]byte(nil), buf[:n]...)
		conn.Write([]byte("pong"))
	}()

	client, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(proxyPort)))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	greetReply := make([]byte, 2)
	_, err = readFull(client, greetReply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, greetReply)

	req := []byte{0x05, cmdConnect, 0x00, atypIPv4, 127, 0, 0, 1, byte(remotePort >> 8), byte(remotePort)}
	_, err = client.Write(req)
	require.NoError(t, err)

	reqReply := make([]byte, 10)
	_, err = readFull(client, reqReply)
	require.NoError(t, err)
	require.Equal(t, byte(repSuccess), reqReply[1])

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case got := <-echoed:
		require.Equal(t, "ping", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("remote never received relayed bytes")
	}

	pong := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(client, pong)
	require.NoError(t, err)
	require.Equal(t, "pong", string(pong))
}

func TestNoAcceptableAuthMethodClosesConnection(t *testing.T) {
	r, proxyPort := newTestReactor(t, unusedResolverAddr(t))
	runReactor(t, r)

	client, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(proxyPort)))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte{0x05, 0x01, 0x02}) // only GSSAPI offered
	require.NoError(t, err)

	reply := make([]byte, 2)
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0xFF}, reply)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := client.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err) // connection closed by proxy
}

func TestUnsupportedAddressTypeReply(t *testing.T) {
	r, proxyPort := newTestReactor(t, unusedResolverAddr(t))
	runReactor(t, r)

	client, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(proxyPort)))
	require.NoError(t, err)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	greetReply := make([]byte, 2)
	readFull(client, greetReply)

	req := []byte{0x05, cmdConnect, 0x00, atypIPv6, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x00, 0x50}
	client.Write(req)

	reply := make([]byte, 10)
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(repAddrTypeNotSupported), reply[1])
}

// TestDomainResolutionHappyPath exercises the async DNS half end to end:
// a stub UDP "resolver" goroutine answers with an A record pointing at
// the loopback stub remote.
func TestDomainResolutionHappyPath(t *testing.T) {
	stubUDP, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stubUDP.Close()

	remoteLn, remotePort := stubRemote(t)
	go func() {
		conn, err := remoteLn.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	go func() {
		buf := make([]byte, 512)
		n, addr, err := stubUDP.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			return
		}
		resp := new(dns.Msg)
		resp.SetReply(msg)
		rr, _ := dns.NewRR(msg.Question[0].Name + " 60 IN A 127.0.0.1")
		resp.Answer = append(resp.Answer, rr)
		out, err := resp.Pack()
		if err != nil {
			return
		}
		stubUDP.WriteToUDP(out, addr)
	}()

	resolverAddr := &unix.SockaddrInet4{Port: stubUDP.LocalAddr().(*net.UDPAddr).Port}
	copy(resolverAddr.Addr[:], net.IPv4(127, 0, 0, 1).To4())

	r, proxyPort := newTestReactor(t, resolverAddr)
	runReactor(t, r)

	client, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(proxyPort)))
	require.NoError(t, err)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	greetReply := make([]byte, 2)
	_, err = readFull(client, greetReply)
	require.NoError(t, err)

	name := "example.test"
	req := append([]byte{0x05, cmdConnect, 0x00, atypDomain, byte(len(name))}, name...)
	req = append(req, byte(remotePort>>8), byte(remotePort))
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = readFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(repSuccess), reply[1])
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

