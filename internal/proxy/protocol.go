package proxy

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/netlabs/socks5reactor/internal/buffer"
)

// SOCKS5 wire constants (RFC 1928), the CONNECT/no-auth/IPv4+domain subset
// this proxy implements.
const (
	socks5Version = 0x05

	authNone         = 0x00
	authNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess              = 0x00
	repHostUnreachable       = 0x04
	repCommandNotSupported  = 0x07
	repAddrTypeNotSupported = 0x08
)

// errIncomplete names the "not enough bytes yet" condition. parseGreeting
// and parseRequest never return it; they report an incomplete frame via
// their ok return instead.
var errIncomplete = errors.New("proxy: incomplete frame")

// errNoAcceptableMethod means the client offered no method this proxy
// supports (only no-auth, 0x00). The caller replies 0x05 0xFF and closes.
// It is also used for a GREETING VER mismatch: spec.md's open question
// says an unvalidated VER byte is a bug, but RFC 1928 defines no other
// error reply at this phase, so a bad VER gets the same "no acceptable
// method" reply as an unsupported auth method.
var errNoAcceptableMethod = errors.New("proxy: no acceptable auth method")

// errCommandNotSupported covers both a bad VER and a non-CONNECT CMD in
// the REQUEST frame; spec.md maps both to REP 0x07.
var errCommandNotSupported = errors.New("proxy: command not supported")

// errAddrTypeNotSupported is ATYP values other than IPv4/domain; REP 0x08.
var errAddrTypeNotSupported = errors.New("proxy: address type not supported")

// request is the parsed CONNECT request. host is either a dotted IPv4
// literal (ATYP 0x01) or a domain name (ATYP 0x03), distinguished by atyp.
type request struct {
	atyp byte
	host string
	port uint16
}

// parseGreeting attempts to parse VER(1) NMETHODS(1) METHODS(NMETHODS) from
// msgBuf. ok is false when there aren't enough bytes yet, in which case
// msgBuf's read cursor is rolled back to where it was on entry and the
// caller should wait for more bytes. err is non-nil only for a genuine
// protocol violation (bad VER, or no acceptable method among METHODS).
func parseGreeting(msgBuf *buffer.Buffer) (ok bool, err error) {
	msgBuf.Mark()
	data := msgBuf.Bytes()

	if len(data) < 2 {
		msgBuf.Reset()
		return false, nil
	}
	ver := data[0]
	nmethods := int(data[1])
	if len(data) < 2+nmethods {
		msgBuf.Reset()
		return false, nil
	}
	if ver != socks5Version {
		return false, errNoAcceptableMethod
	}

	methods := data[2 : 2+nmethods]
	hasNoAuth := false
	for _, m := range methods {
		if m == authNone {
			hasNoAuth = true
			break
		}
	}

	msgBuf.Consume(2 + nmethods)
	if !hasNoAuth {
		return false, errNoAcceptableMethod
	}
	return true, nil
}

// parseRequest attempts to parse VER|CMD|RSV|ATYP|DST.ADDR|DST.PORT from
// msgBuf. Same incomplete/error contract as parseGreeting.
func parseRequest(msgBuf *buffer.Buffer) (req *request, ok bool, err error) {
	msgBuf.Mark()
	data := msgBuf.Bytes()

	// spec.md §4.3: minimum 10 bytes before ATYP is even inspected.
	if len(data) < 10 {
		msgBuf.Reset()
		return nil, false, nil
	}

	ver, cmd, atyp := data[0], data[1], data[3]
	if ver != socks5Version || cmd != cmdConnect {
		return nil, false, errCommandNotSupported
	}

	switch atyp {
	case atypIPv4:
		ip := net.IP(append([]byte(nil), data[4:8]...))
		port := binary.BigEndian.Uint16(data[8:10])
		msgBuf.Consume(10)
		return &request{atyp: atyp, host: ip.String(), port: port}, true, nil

	case atypDomain:
		dlen := int(data[4])
		need := 4 + 1 + dlen + 2
		if len(data) < need {
			msgBuf.Reset()
			return nil, false, nil
		}
		host := string(data[5 : 5+dlen])
		port := binary.BigEndian.Uint16(data[5+dlen : 5+dlen+2])
		msgBuf.Consume(need)
		return &request{atyp: atyp, host: host, port: port}, true, nil

	default:
		return nil, false, errAddrTypeNotSupported
	}
}

// encodeReply builds the fixed 10-byte SOCKS5 reply: VER|REP|RSV|ATYP|
// BND.ADDR(4)|BND.PORT(2). On error replies bindIP/bindPort are the zero
// value and the address field is zero-filled, per spec.md §4.3.
func encodeReply(rep byte, bindIP net.IP, bindPort uint16) []byte {
	buf := make([]byte, 10)
	buf[0] = socks5Version
	buf[1] = rep
	buf[2] = 0x00
	buf[3] = atypIPv4

	if v4 := bindIP.To4(); v4 != nil {
		copy(buf[4:8], v4)
	}
	binary.BigEndian.PutUint16(buf[8:10], bindPort)
	return buf
}

// encodeMethodSelection builds the fixed 2-byte VER|METHOD reply to the
// GREETING frame (RFC 1928 §3). This is the only reply shape legal before
// a REQUEST frame exists, so it is kept distinct from encodeReply's
// 10-byte CONNECT reply.
func encodeMethodSelection(method byte) []byte {
	return []byte{socks5Version, method}
}
