//go:build linux

package proxy

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/netlabs/socks5reactor/internal/buffer"
	"github.com/netlabs/socks5reactor/internal/resolver"
	"github.com/netlabs/socks5reactor/internal/sink"
)

// sessionState is the coarse phase a Session is in. Transitions are
// strictly forward except into stateClosed, which is terminal and
// reachable from anywhere.
type sessionState int

const (
	stateGreeting sessionState = iota
	stateRequest
	stateResolving
	stateConnecting
	stateRelaying
	stateClosed
)

const (
	relayBufCap = 64 * 1024
	msgBufCap   = 2 * 1024
)

// replyAction records what a queued client reply should trigger once it
// has been fully flushed. It only matters when closeAfterReply is false.
type replyAction int

const (
	replyActionNone replyAction = iota
	replyActionResumeHandshake
	replyActionBeginRelay
)

// Session is one client connection and everything hanging off it: the
// handshake parser, the pending CONNECT reply, the outstanding DNS query
// (if any), the remote socket once dialed, and the two relay buffers once
// CONNECT succeeds. A Session is only ever touched from the reactor
// goroutine, so it carries no locks (spec.md §5).
type Session struct {
	r   *Reactor
	log sink.Sink

	state sessionState

	clientFD int
	remoteFD int

	// msgBuf holds the not-yet-parsed handshake bytes read off the
	// client socket during stateGreeting/stateRequest.
	msgBuf *buffer.Buffer

	// pendingReply holds an encoded SOCKS5 reply waiting to be flushed
	// to the client before the session can move on (either into relay
	// mode on success, or straight to close on failure).
	pendingReply     []byte
	pendingReplySent int
	closeAfterReply  bool
	afterReply       replyAction

	req *request

	hasQuery bool
	queryID  uint16

	// c2r relays client->remote, r2c relays remote->client. Each
	// buffer's "source" fills it by reading from one socket and its
	// "sink" drains it by writing to the other.
	c2r *buffer.Buffer
	r2c *buffer.Buffer

	clientEOF bool // client half-closed (shutdown WR in, c2r drained means proxy should shut WR on remote)
	remoteEOF bool

	clientWantRead, clientWantWrite bool
	remoteWantRead, remoteWantWrite bool
}

func newSession(r *Reactor, clientFD int, log sink.Sink) *Session {
	return &Session{
		r:              r,
		log:            log,
		state:          stateGreeting,
		clientFD:       clientFD,
		remoteFD:       -1,
		msgBuf:         buffer.New(msgBufCap),
		clientWantRead: true,
	}
}

// onClientReadable is invoked whenever the client fd has EPOLLIN ready.
// Its meaning depends on the session's phase: during handshake it feeds
// the message buffer and tries to parse a frame; during relay it fills
// c2r for the remote side to drain.
func (s *Session) onClientReadable() {
	switch s.state {
	case stateGreeting, stateRequest:
		s.readHandshake()
	case stateRelaying:
		s.relayFill(s.clientFD, s.c2r, &s.clientEOF)
		s.afterRelayFill()
	}
}

func (s *Session) onClientWritable() {
	if s.pendingReply != nil {
		s.flushPendingReply()
		return
	}
	if s.state == stateRelaying {
		s.relayDrain(s.clientFD, s.r2c, &s.remoteWantRead)
		s.afterRelayDrain()
	}
}

func (s *Session) onRemoteReadable() {
	if s.state != stateRelaying {
		return
	}
	s.relayFill(s.remoteFD, s.r2c, &s.remoteEOF)
	s.afterRelayFill()
}

func (s *Session) onRemoteWritable() {
	switch s.state {
	case stateConnecting:
		s.onRemoteConnectable()
	case stateRelaying:
		s.relayDrain(s.remoteFD, s.c2r, &s.clientWantRead)
		s.afterRelayDrain()
	}
}

// readHandshake reads as much as fits in msgBuf off the client socket and
// tries to parse whichever frame the current state expects. A short read
// just waits for more; a protocol error sends the matching reply and
// closes once it's flushed.
func (s *Session) readHandshake() {
	for {
		if s.msgBuf.IsFull() {
			if s.state == stateGreeting {
				s.fail(encodeMethodSelection(authNoAcceptable))
			} else {
				s.fail(encodeReply(repCommandNotSupported, nil, 0))
			}
			return
		}
		n, err := unix.Read(s.clientFD, s.msgBuf.FillSlice())
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			s.closeSilently()
			return
		}
		if n == 0 {
			s.closeSilently() // EOF mid-handshake: nothing useful to reply with
			return
		}
		s.msgBuf.Advance(n)
	}
	s.progressHandshake()
}

func (s *Session) progressHandshake() {
	switch s.state {
	case stateGreeting:
		ok, err := parseGreeting(s.msgBuf)
		if err != nil {
			// Both a VER mismatch and "no acceptable method" are
			// handshake-phase failures; RFC 1928 defines only one error
			// reply at this phase, the 2-byte method-selection message
			// with METHOD 0xFF (spec.md §4.3/§6, scenario §8.4).
			s.fail(encodeMethodSelection(authNoAcceptable))
			return
		}
		if !ok {
			return // wait for more bytes
		}
		s.msgBuf.Compact()
		s.state = stateRequest
		s.spoolHandshakeReply(encodeMethodSelection(authNone))

	case stateRequest:
		req, ok, err := parseRequest(s.msgBuf)
		if err != nil {
			rep := repCommandNotSupported
			if err == errAddrTypeNotSupported {
				rep = repAddrTypeNotSupported
			}
			s.fail(encodeReply(byte(rep), nil, 0))
			return
		}
		if !ok {
			return
		}
		s.msgBuf.Compact()
		s.req = req
		s.beginResolutionOrConnect()
	}
}

// progressRequestIfBuffered re-parses immediately after the GREETING
// reply is queued, in case the client pipelined the REQUEST frame into
// the same TCP segment as the GREETING.
func (s *Session) progressRequestIfBuffered() {
	if !s.msgBuf.IsEmpty() {
		s.progressHandshake()
	}
}

// spoolHandshakeReply queues the method-selection reply to be written
// opportunistically; on completion it resumes handshake parsing (the
// client may have pipelined the REQUEST frame right behind it) rather
// than entering relay mode.
func (s *Session) spoolHandshakeReply(b []byte) {
	s.pendingReply = b
	s.pendingReplySent = 0
	s.closeAfterReply = false
	s.afterReply = replyActionResumeHandshake
	s.flushPendingReply()
}

// fail queues a terminal error reply: written out, then the session is
// closed as soon as the write completes (spec.md §8 error scenarios).
func (s *Session) fail(reply []byte) {
	s.pendingReply = reply
	s.pendingReplySent = 0
	s.closeAfterReply = true
	s.afterReply = replyActionNone
	s.flushPendingReply()
}

// flushPendingReply drives pendingReply to completion across possibly
// several EAGAIN-interrupted writes. What happens once it's fully
// written is determined by closeAfterReply/afterReply, set by whichever
// of fail/spoolHandshakeReply/onRemoteConnected queued it — never
// assumed here.
func (s *Session) flushPendingReply() {
	n, err := unix.Write(s.clientFD, s.pendingReply[s.pendingReplySent:])
	if err != nil {
		if err == unix.EAGAIN {
			s.setClientInterest(true, true)
			return
		}
		s.closeSilently()
		return
	}
	s.pendingReplySent += n
	if s.pendingReplySent < len(s.pendingReply) {
		s.setClientInterest(true, true)
		return
	}
	s.pendingReply = nil
	if s.closeAfterReply {
		s.closeSilently()
		return
	}
	switch s.afterReply {
	case replyActionBeginRelay:
		s.beginRelay()
	case replyActionResumeHandshake:
		s.setClientInterest(true, false)
		s.progressRequestIfBuffered()
	}
}

func (s *Session) setClientInterest(read, write bool) {
	s.clientWantRead, s.clientWantWrite = read, write
	_ = s.r.setInterest(s.clientFD, read, write)
}

func (s *Session) setRemoteInterest(read, write bool) {
	s.remoteWantRead, s.remoteWantWrite = read, write
	_ = s.r.setInterest(s.remoteFD, read, write)
}

// beginResolutionOrConnect dispatches on ATYP: an IPv4 literal dials
// immediately, a domain name first goes through async resolution.
func (s *Session) beginResolutionOrConnect() {
	if s.req.atyp == atypIPv4 {
		ip := net.ParseIP(s.req.host)
		s.startConnection(ip)
		return
	}
	s.state = stateResolving
	s.submitDNSQuery(s.req.host)
}

func (s *Session) submitDNSQuery(host string) {
	id, ok := s.r.tracker.Allocate(s, time.Now())
	if !ok {
		s.failWithHostUnreachable()
		return
	}
	query, err := resolver.BuildQuery(id, host)
	if err != nil {
		s.r.tracker.Take(id)
		s.failWithHostUnreachable()
		return
	}
	if err := unix.Sendto(s.r.udpFD, query, 0, s.r.resolverAddr); err != nil {
		s.r.tracker.Take(id)
		s.failWithHostUnreachable()
		return
	}
	s.hasQuery = true
	s.queryID = id
	s.r.stats.dnsQueriesSent++
}

// onDNSResolved is called by the reactor once a matching A record comes
// back. addr is a dotted-quad string per resolver.ParseResponse.
func (s *Session) onDNSResolved(addr string) {
	if s.state != stateResolving {
		return
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		s.failWithHostUnreachable()
		return
	}
	s.startConnection(ip)
}

func (s *Session) onDNSFailed() {
	if s.state != stateResolving {
		return
	}
	s.failWithHostUnreachable()
}

func (s *Session) onDNSTimeout() {
	if s.state != stateResolving {
		return
	}
	s.failWithHostUnreachable()
}

func (s *Session) failWithHostUnreachable() {
	s.fail(encodeReply(repHostUnreachable, nil, 0))
}

// startConnection opens a non-blocking TCP socket to ip:port and begins
// an asynchronous connect, registering for EPOLLOUT to learn of its
// outcome (spec.md §4.5).
func (s *Session) startConnection(ip net.IP) {
	if ip == nil {
		s.failWithHostUnreachable()
		return
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		s.failWithHostUnreachable()
		return
	}
	if err := tuneConnection(fd); err != nil {
		s.log.Printf("tune remote socket: %v", err)
	}

	sa, err := sockaddrInet4(ip, int(s.req.port))
	if err != nil {
		unix.Close(fd)
		s.failWithHostUnreachable()
		return
	}

	s.remoteFD = fd
	s.state = stateConnecting

	err = unix.Connect(fd, sa)
	if err == nil {
		if regErr := s.r.registerRemote(s); regErr != nil {
			s.closeRemoteOnly()
			s.failWithHostUnreachable()
			return
		}
		s.onRemoteConnected()
		return
	}
	if err != unix.EINPROGRESS {
		s.closeRemoteOnly()
		s.failWithHostUnreachable()
		return
	}
	if regErr := s.r.registerRemote(s); regErr != nil {
		s.closeRemoteOnly()
		s.failWithHostUnreachable()
	}
}

// onRemoteConnectable fires once EPOLLOUT arrives on a connecting remote
// socket: SO_ERROR distinguishes "connected" from "refused/unreachable".
func (s *Session) onRemoteConnectable() {
	errno, err := unix.GetsockoptInt(s.remoteFD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		s.closeRemoteOnly()
		s.failWithHostUnreachable()
		return
	}
	s.onRemoteConnected()
}

func (s *Session) onRemoteConnected() {
	bindIP, bindPort, err := boundAddr(s.remoteFD)
	if err != nil {
		s.failWithHostUnreachable()
		return
	}
	s.r.setInterest(s.remoteFD, false, false)
	s.pendingReply = encodeReply(repSuccess, bindIP, bindPort)
	s.pendingReplySent = 0
	s.closeAfterReply = false
	s.afterReply = replyActionBeginRelay
	s.flushPendingReply()
}

func boundAddr(fd int) (net.IP, uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, 0, err
	}
	return sockaddrToIPPort(sa)
}

// beginRelay switches the session into steady-state relaying: both relay
// buffers allocated, client read re-armed, remote read armed.
func (s *Session) beginRelay() {
	s.state = stateRelaying
	s.c2r = buffer.New(relayBufCap)
	s.r2c = buffer.New(relayBufCap)
	s.setClientInterest(true, false)
	s.setRemoteInterest(true, false)
}

// relayFill reads off src into buf until EAGAIN, EOF, or buf fills.
// *eofFlag records whether src signaled EOF so half-close can propagate.
func (s *Session) relayFill(srcFD int, buf *buffer.Buffer, eofFlag *bool) {
	for !buf.IsFull() {
		n, err := unix.Read(srcFD, buf.FillSlice())
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			*eofFlag = true
			return
		}
		if n == 0 {
			*eofFlag = true
			return
		}
		buf.Advance(n)
		if srcFD == s.clientFD {
			s.r.stats.bytesClientToRemote += int64(n)
		} else {
			s.r.stats.bytesRemoteToClient += int64(n)
		}
	}
}

// relayDrain writes buf's unread bytes to dstFD, compacting as it goes.
// srcWantRead is the read-interest flag of the socket that FILLS buf —
// draining frees space, so a previously-cleared read interest there must
// be re-armed (spec.md §4.6 backpressure).
func (s *Session) relayDrain(dstFD int, buf *buffer.Buffer, srcWantRead *bool) {
	for !buf.IsEmpty() {
		n, err := unix.Write(dstFD, buf.DrainSlice())
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			s.closeSilently()
			return
		}
		if n == 0 {
			break
		}
		buf.Consume(n)
	}
	buf.Compact()
	if !*srcWantRead && !buf.IsFull() {
		*srcWantRead = true
	}
}

// afterRelayFill re-evaluates both sockets' epoll interest after a fill:
// apply backpressure if a buffer is full, and kick a drain attempt
// opportunistically so a fast path doesn't wait for the next writable
// event.
func (s *Session) afterRelayFill() {
	if s.c2r.IsFull() {
		s.setClientInterest(false, s.clientWantWrite)
	}
	if s.r2c.IsFull() {
		s.setRemoteInterest(false, s.remoteWantWrite)
	}
	if !s.c2r.IsEmpty() {
		s.relayDrain(s.remoteFD, s.c2r, &s.clientWantRead)
	}
	if !s.r2c.IsEmpty() {
		s.relayDrain(s.clientFD, s.r2c, &s.remoteWantRead)
	}
	s.reconcileInterest()
	s.maybeClose()
}

func (s *Session) afterRelayDrain() {
	s.reconcileInterest()
	s.maybeClose()
}

// reconcileInterest applies EPOLLIN/EPOLLOUT per current backlog and
// EOF/backpressure state on both fds in one place, so every relay path
// converges on the same interest set.
func (s *Session) reconcileInterest() {
	if s.state != stateRelaying {
		return
	}
	clientRead := s.clientWantRead && !s.clientEOF && !s.c2r.IsFull()
	clientWrite := !s.r2c.IsEmpty()
	s.setClientInterest(clientRead, clientWrite)

	remoteRead := s.remoteWantRead && !s.remoteEOF && !s.r2c.IsFull()
	remoteWrite := !s.c2r.IsEmpty()
	s.setRemoteInterest(remoteRead, remoteWrite)

	// Half-close propagation: once the source of a direction has hit EOF
	// and its buffer has fully drained to the other side, shut that
	// write half down so the peer sees EOF too (spec.md §4.6, §8
	// scenario 6). Each source's own EOF only ever affects the *other*
	// socket's write half — the direction it was feeding — never its
	// own read interest a second time.
	if s.clientEOF && s.c2r.IsEmpty() {
		_ = unix.Shutdown(s.remoteFD, unix.SHUT_WR)
	}
	if s.remoteEOF && s.r2c.IsEmpty() {
		_ = unix.Shutdown(s.clientFD, unix.SHUT_WR)
	}
}

// maybeClose tears the session down once both directions have reached
// EOF and fully drained. If a write error has already closed the session
// via closeSilently, it does nothing.
func (s *Session) maybeClose() {
	if s.state != stateRelaying {
		return
	}
	bothDone := s.clientEOF && s.c2r.IsEmpty() && s.remoteEOF && s.r2c.IsEmpty()
	if bothDone {
		s.closeSilently()
	}
}

func (s *Session) closeSilently() {
	s.r.closeSession(s)
}

// closeRemoteOnly tears down a remote socket that failed to connect
// without touching the client side, since the caller still has a REQUEST
// error reply to send back over the client fd.
func (s *Session) closeRemoteOnly() {
	if s.remoteFD < 0 {
		return
	}
	s.r.unregisterFD(s.remoteFD)
	_ = unix.Close(s.remoteFD)
	s.remoteFD = -1
}
