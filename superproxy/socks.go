package superproxy

import (
	"io"
	"net"
	"strconv"

	"github.com/haxii/fastconduit/bytebufferpool"
	"github.com/pkg/errors"
)

// RFC 1928 and RFC 1929 constants
const (
	socks5Version         = 5
	socks5PasswordVersion = 1

	socks5MethodNone     = 0
	socks5MethodPassword = 2
	socks5NoAcceptable   = 0xff

	socks5CmdConnect = 1

	socks5AddrIPv4   = 1
	socks5AddrDomain = 3
	socks5AddrIPv6   = 4
)

// SOCKS5Error a non success reply of a SOCKS5 proxy
type SOCKS5Error struct {
	Proxy string
	Code  byte
}

var socks5Replies = map[byte]string{
	1: "general failure",
	2: "connection forbidden",
	3: "network unreachable",
	4: "host unreachable",
	5: "connection refused",
	6: "TTL expired",
	7: "command not supported",
	8: "address type not supported",
}

func (e *SOCKS5Error) Error() string {
	reason, ok := socks5Replies[e.Code]
	if !ok {
		reason = "unknown reply " + strconv.Itoa(int(e.Code))
	}
	return "SOCKS5 proxy " + e.Proxy + " failed to connect: " + reason
}

// socks5Credentials the RFC 1929 sub negotiation, nil without user
func socks5Credentials(user, pass string) []byte {
	if len(user) == 0 || len(user) > 255 || len(pass) > 255 {
		return nil
	}
	b := make([]byte, 0, 3+len(user)+len(pass))
	b = append(b, socks5PasswordVersion, byte(len(user)))
	b = append(b, user...)
	b = append(b, byte(len(pass)))
	return append(b, pass...)
}

// socks5Connect asks the proxy behind conn to extend it to host:port
func (p *SuperProxy) socks5Connect(conn net.Conn, host string, port int) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := p.socks5Negotiate(conn, buf); err != nil {
		return err
	}

	buf.Reset()
	buf.B = append(buf.B, socks5Version, socks5CmdConnect, 0)
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			buf.B = append(buf.B, socks5AddrIPv4)
			buf.B = append(buf.B, ip4...)
		} else {
			buf.B = append(buf.B, socks5AddrIPv6)
			buf.B = append(buf.B, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return errors.Errorf("host name %s too long for SOCKS5", host)
		}
		buf.B = append(buf.B, socks5AddrDomain, byte(len(host)))
		buf.B = append(buf.B, host...)
	}
	buf.B = append(buf.B, byte(port>>8), byte(port))
	if _, err := conn.Write(buf.B); err != nil {
		return errors.Wrapf(err, "fail to send connect request to SOCKS5 proxy %s", p.hostWithPort)
	}

	// VER REP RSV ATYP, then the bound address and port
	head := buf.B[:4]
	if _, err := io.ReadFull(conn, head); err != nil {
		return errors.Wrapf(err, "fail to read connect reply of SOCKS5 proxy %s", p.hostWithPort)
	}
	if head[1] != 0 {
		return &SOCKS5Error{Proxy: p.hostWithPort, Code: head[1]}
	}
	var addrLen int
	switch head[3] {
	case socks5AddrIPv4:
		addrLen = net.IPv4len
	case socks5AddrIPv6:
		addrLen = net.IPv6len
	case socks5AddrDomain:
		if _, err := io.ReadFull(conn, buf.B[:1]); err != nil {
			return errors.Wrapf(err, "fail to read bound address of SOCKS5 proxy %s", p.hostWithPort)
		}
		addrLen = int(buf.B[0])
	default:
		return errors.Errorf("SOCKS5 proxy %s replied unknown address type %d", p.hostWithPort, head[3])
	}
	if _, err := io.CopyN(io.Discard, conn, int64(addrLen+2)); err != nil {
		return errors.Wrapf(err, "fail to read bound address of SOCKS5 proxy %s", p.hostWithPort)
	}
	return nil
}

// socks5Negotiate picks the auth method and authenticates if asked to
func (p *SuperProxy) socks5Negotiate(conn net.Conn, buf *bytebufferpool.ByteBuffer) error {
	buf.Reset()
	if p.socks5Auth != nil {
		buf.B = append(buf.B, socks5Version, 2, socks5MethodNone, socks5MethodPassword)
	} else {
		buf.B = append(buf.B, socks5Version, 1, socks5MethodNone)
	}
	if _, err := conn.Write(buf.B); err != nil {
		return errors.Wrapf(err, "fail to greet SOCKS5 proxy %s", p.hostWithPort)
	}
	reply := buf.B[:2]
	if _, err := io.ReadFull(conn, reply); err != nil {
		return errors.Wrapf(err, "fail to read greeting of SOCKS5 proxy %s", p.hostWithPort)
	}
	if reply[0] != socks5Version {
		return errors.Errorf("SOCKS5 proxy %s speaks version %d", p.hostWithPort, reply[0])
	}
	switch reply[1] {
	case socks5MethodNone:
		return nil
	case socks5MethodPassword:
		if p.socks5Auth == nil {
			return errors.Errorf("SOCKS5 proxy %s requires a password", p.hostWithPort)
		}
	case socks5NoAcceptable:
		return errors.Errorf("SOCKS5 proxy %s accepts none of the offered auth methods", p.hostWithPort)
	default:
		return errors.Errorf("SOCKS5 proxy %s picked unsupported auth method %d", p.hostWithPort, reply[1])
	}

	if _, err := conn.Write(p.socks5Auth); err != nil {
		return errors.Wrapf(err, "fail to authenticate with SOCKS5 proxy %s", p.hostWithPort)
	}
	if _, err := io.ReadFull(conn, reply); err != nil {
		return errors.Wrapf(err, "fail to read auth reply of SOCKS5 proxy %s", p.hostWithPort)
	}
	if reply[1] != 0 {
		return errors.Errorf("SOCKS5 proxy %s rejected the credentials", p.hostWithPort)
	}
	return nil
}
