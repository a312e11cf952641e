//go:build linux

// Package proxy implements the SOCKS5 reactor: a single-threaded,
// non-blocking readiness loop that multiplexes the listening socket, every
// client and remote TCP socket, and one UDP DNS socket, dispatching
// readiness events to per-connection Sessions.
//
// The loop itself is grounded on the epoll-driven event loop in
// other_examples' rcproxy core/eventloop.go (see DESIGN.md): accept, then
// readable, then writable, where a writable event on a connecting remote
// socket completes the connect, rechecking the session hasn't closed
// between phases.
package proxy

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/netlabs/socks5reactor/internal/resolver"
	"github.com/netlabs/socks5reactor/internal/sink"
)

const (
	epollWaitTimeoutMs = 1000
	dnsQueryTimeout     = 8 * time.Second
	maxEpollEvents      = 256
	udpReadBufCap       = 4096
)

// Reactor owns the epoll instance, the listening and UDP sockets, and the
// map from registered fd to the Session that owns it. A Session's client
// fd and remote fd are both keys into this map pointing at the same
// Session value (spec.md §3 ownership note).
type Reactor struct {
	epfd     int
	listenFD int
	udpFD    int

	resolverAddr unix.Sockaddr
	tracker      *resolver.Tracker[*Session]

	sessions map[int]*Session
	log      sink.Sink
	stats    stats

	udpScratch [udpReadBufCap]byte
}

func newReactor(epfd, listenFD, udpFD int, resolverAddr unix.Sockaddr, log sink.Sink) *Reactor {
	return &Reactor{
		epfd:         epfd,
		listenFD:     listenFD,
		udpFD:        udpFD,
		resolverAddr: resolverAddr,
		tracker:      resolver.NewTracker[*Session](),
		sessions:     make(map[int]*Session),
		log:          log,
	}
}

// Run drives the readiness loop until stop is closed, when it shuts the
// reactor down and returns nil, or until epoll_wait fails with an error
// other than EINTR, which it returns. Accept errors are logged by
// onAcceptable and do not end the loop. Per spec.md §4.1, each iteration
// first sweeps the DNS tracker for timed-out queries, then blocks on the selector with
// a 1s timeout, then dispatches every ready key.
func (r *Reactor) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, maxEpollEvents)

	for {
		select {
		case <-stop:
			r.shutdown()
			return nil
		default:
		}

		r.sweepDNSTimeouts()

		n, err := unix.EpollWait(r.epfd, events, epollWaitTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			r.dispatch(events[i])
		}
	}
}

func (r *Reactor) sweepDNSTimeouts() {
	now := time.Now()
	for _, s := range r.tracker.Sweep(now, dnsQueryTimeout) {
		r.stats.dnsQueriesTimedOut++
		s.hasQuery = false
		s.onDNSTimeout()
	}
}

// dispatch handles one ready key. Order within a single key: accept (for
// the listener), readable (UDP socket special-cased), then writable, which
// on a connecting remote socket completes the connect (epoll reports
// connect completion as EPOLLOUT) — rechecking the session's validity
// before the writable phase, since the readable phase may have closed it.
func (r *Reactor) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	switch fd {
	case r.listenFD:
		if ev.Events&unix.EPOLLIN != 0 {
			r.onAcceptable()
		}
		return
	case r.udpFD:
		if ev.Events&unix.EPOLLIN != 0 {
			r.onUDPReadable()
		}
		return
	}

	s, ok := r.sessions[fd]
	if !ok {
		return // stale event for an fd we've already torn down
	}
	isClient := fd == s.clientFD

	if ev.Events&unix.EPOLLIN != 0 {
		if isClient {
			s.onClientReadable()
		} else {
			s.onRemoteReadable()
		}
	}

	if s.state == stateClosed {
		return
	}

	if ev.Events&unix.EPOLLOUT != 0 {
		if isClient {
			s.onClientWritable()
		} else {
			s.onRemoteWritable()
		}
	}
}

// onAcceptable drains every pending connection off the listener. A
// spurious wake (EAGAIN on the very first Accept4) is a no-op.
func (r *Reactor) onAcceptable() {
	for {
		fd, _, err := unix.Accept4(r.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			r.log.Printf("accept error: %v", err)
			return
		}

		if err := tuneConnection(fd); err != nil {
			r.log.Printf("tune accepted socket: %v", err)
		}

		s := newSession(r, fd, r.log)
		if err := r.addEpoll(fd, unix.EPOLLIN); err != nil {
			r.log.Printf("register accepted socket: %v", err)
			unix.Close(fd)
			continue
		}
		r.sessions[fd] = s
		r.stats.acceptsTotal++
		r.stats.sessionsActive++
	}
}

// onUDPReadable drains every pending DNS response datagram, matching each
// to its originating session via the tracker and routing the result back
// to that session. Unknown or malformed datagrams are dropped silently.
func (r *Reactor) onUDPReadable() {
	for {
		n, _, err := unix.Recvfrom(r.udpFD, r.udpScratch[:], 0)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			r.log.Printf("udp recv error: %v", err)
			return
		}

		id, addr, ok, perr := resolver.ParseResponse(r.udpScratch[:n])
		if perr != nil {
			continue // malformed: drop silently (spec.md §7)
		}

		owner, found := r.tracker.Take(id)
		if !found {
			continue // unknown id: drop silently
		}

		r.stats.dnsQueriesAnswered++
		owner.hasQuery = false
		if ok {
			owner.onDNSResolved(addr)
		} else {
			owner.onDNSFailed()
		}
	}
}

// registerRemote adds a freshly-dialed remote socket to the epoll set with
// OP_CONNECT (EPOLLOUT) interest and attaches it to the owning session.
func (r *Reactor) registerRemote(s *Session) error {
	if err := r.addEpoll(s.remoteFD, unix.EPOLLOUT); err != nil {
		return err
	}
	r.sessions[s.remoteFD] = s
	return nil
}

func (r *Reactor) addEpoll(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (r *Reactor) setInterest(fd int, read, write bool) error {
	if fd < 0 {
		return nil
	}
	var events uint32
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// unregisterFD removes fd from both the epoll set and the session map. A
// no-op for fd < 0, so callers can call it unconditionally on a socket
// that may already be gone.
func (r *Reactor) unregisterFD(fd int) {
	if fd < 0 {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.sessions, fd)
}

// closeSession tears a session down idempotently: cancels both
// registration keys, closes both sockets (errors suppressed per spec.md
// §4.7), cancels any outstanding DNS query, and marks CLOSED so further
// readiness events for it are ignored.
func (r *Reactor) closeSession(s *Session) {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed

	if s.hasQuery {
		r.tracker.Take(s.queryID)
		s.hasQuery = false
	}

	r.unregisterFD(s.remoteFD)
	if s.remoteFD >= 0 {
		_ = unix.Close(s.remoteFD)
		s.remoteFD = -1
	}

	r.unregisterFD(s.clientFD)
	if s.clientFD >= 0 {
		_ = unix.Close(s.clientFD)
		s.clientFD = -1
	}

	r.stats.sessionsActive--
}

// shutdown closes every active session and both bootstrap sockets, for a
// graceful process exit.
func (r *Reactor) shutdown() {
	for _, s := range r.sessions {
		r.closeSession(s)
	}
	_ = unix.Close(r.listenFD)
	_ = unix.Close(r.udpFD)
	_ = unix.Close(r.epfd)
}
