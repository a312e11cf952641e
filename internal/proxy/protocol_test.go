package proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netlabs/socks5reactor/internal/buffer"
)

func TestParseGreetingWaitsForFullFrame(t *testing.T) {
	buf := buffer.New(64)
	buf.Advance(copy(buf.FillSlice(), []byte{0x05, 0x02, 0x00}))

	ok, err := parseGreeting(buf)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 3, buf.Len(), "short frame must not be consumed")
}

func TestParseGreetingAcceptsNoAuth(t *testing.T) {
	buf := buffer.New(64)
	frame := []byte{0x05, 0x02, 0x01, 0x00}
	buf.Advance(copy(buf.FillSlice(), frame))

	ok, err := parseGreeting(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, buf.Len(), "full frame must be consumed")
}

func TestParseGreetingBadVersionIsNoAcceptableMethod(t *testing.T) {
	buf := buffer.New(64)
	frame := []byte{0x04, 0x01, 0x00}
	buf.Advance(copy(buf.FillSlice(), frame))

	_, err := parseGreeting(buf)
	require.ErrorIs(t, err, errNoAcceptableMethod)
}

func TestParseGreetingNoSupportedMethod(t *testing.T) {
	buf := buffer.New(64)
	frame := []byte{0x05, 0x01, 0x02} // only GSSAPI offered
	buf.Advance(copy(buf.FillSlice(), frame))

	_, err := parseGreeting(buf)
	require.ErrorIs(t, err, errNoAcceptableMethod)
}

func TestParseRequestIPv4(t *testing.T) {
	buf := buffer.New(64)
	frame := []byte{0x05, cmdConnect, 0x00, atypIPv4, 93, 184, 216, 34, 0x00, 0x50}
	buf.Advance(copy(buf.FillSlice(), frame))

	req, ok, err := parseRequest(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "93.184.216.34", req.host)
	require.EqualValues(t, 80, req.port)
	require.Zero(t, buf.Len())
}

func TestParseRequestDomainWaitsForNameBytes(t *testing.T) {
	buf := buffer.New(64)
	// VER CMD RSV ATYP LEN "example.c" -- truncated, missing "om" + port
	frame := []byte{0x05, cmdConnect, 0x00, atypDomain, 11, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c'}
	buf.Advance(copy(buf.FillSlice(), frame))

	_, ok, err := parseRequest(buf)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, len(frame), buf.Len(), "incomplete frame must not be consumed")
}

func TestParseRequestDomainComplete(t *testing.T) {
	buf := buffer.New(64)
	name := "example.com"
	frame := append([]byte{0x05, cmdConnect, 0x00, atypDomain, byte(len(name))}, name...)
	frame = append(frame, 0x01, 0xBB) // port 443
	buf.Advance(copy(buf.FillSlice(), frame))

	req, ok, err := parseRequest(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, name, req.host)
	require.EqualValues(t, 443, req.port)
}

func TestParseRequestUnsupportedCommand(t *testing.T) {
	buf := buffer.New(64)
	frame := []byte{0x05, 0x02 /* BIND */, 0x00, atypIPv4, 1, 2, 3, 4, 0, 80}
	buf.Advance(copy(buf.FillSlice(), frame))

	_, _, err := parseRequest(buf)
	require.ErrorIs(t, err, errCommandNotSupported)
}

func TestParseRequestUnsupportedAddressType(t *testing.T) {
	buf := buffer.New(64)
	frame := []byte{0x05, cmdConnect, 0x00, atypIPv6, 0, 0, 0, 0, 0, 0}
	buf.Advance(copy(buf.FillSlice(), frame))

	_, _, err := parseRequest(buf)
	require.ErrorIs(t, err, errAddrTypeNotSupported)
}

func TestParseRequestWaitsForShortHeaderBeforeInspectingATYP(t *testing.T) {
	buf := buffer.New(64)
	frame := []byte{0x05, cmdConnect, 0x00, atypIPv4, 1, 2, 3} // < 10 bytes
	buf.Advance(copy(buf.FillSlice(), frame))

	_, ok, err := parseRequest(buf)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEncodeReplySuccess(t *testing.T) {
	ip := net.ParseIP("10.0.0.5")
	reply := encodeReply(repSuccess, ip, 1080)

	require.Len(t, reply, 10)
	require.Equal(t, byte(socks5Version), reply[0])
	require.Equal(t, byte(repSuccess), reply[1])
	require.Equal(t, byte(atypIPv4), reply[3])
	require.Equal(t, []byte{10, 0, 0, 5}, reply[4:8])
	require.EqualValues(t, 1080, uint16(reply[8])<<8|uint16(reply[9]))
}

func TestEncodeReplyErrorZerosAddress(t *testing.T) {
	reply := encodeReply(repHostUnreachable, nil, 0)

	require.Equal(t, byte(repHostUnreachable), reply[1])
	require.Equal(t, []byte{0, 0, 0, 0}, reply[4:8])
}
