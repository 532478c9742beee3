package superproxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"

	"github.com/haxii/fastconduit/bufiopool"
	"github.com/haxii/fastconduit/cert"
	"github.com/pkg/errors"
)

// ProxyType type of super proxy
type ProxyType int

const (
	// ProxyTypeHTTP a traditional http proxy
	ProxyTypeHTTP ProxyType = iota
	// ProxyTypeHTTPS a HTTPS proxy a.k.a. which supports SSL
	ProxyTypeHTTPS
	// ProxyTypeSOCKS5 a SOCKS5 proxy
	ProxyTypeSOCKS5
)

// ParseProxyType parses HTTP, HTTPS or SOCKS5, case insensitive
func ParseProxyType(s string) (ProxyType, error) {
	switch strings.ToUpper(s) {
	case "", "HTTP":
		return ProxyTypeHTTP, nil
	case "HTTPS":
		return ProxyTypeHTTPS, nil
	case "SOCKS", "SOCKS5":
		return ProxyTypeSOCKS5, nil
	}
	return ProxyTypeHTTP, errors.Errorf("unknown proxy type %s", s)
}

func (t ProxyType) String() string {
	switch t {
	case ProxyTypeHTTPS:
		return "HTTPS"
	case ProxyTypeSOCKS5:
		return "SOCKS5"
	}
	return "HTTP"
}

// DialFunc dials the proxy itself
type DialFunc func(addr string) (net.Conn, error)

// SuperProxy chaining proxy
type SuperProxy struct {
	hostWithPort string

	// proxyType, HTTP/HTTPS/SOCKS5
	proxyType ProxyType

	// whether the super proxy supports SSL encryption?
	// if so, tlsConfig is set using host
	tlsConfig *tls.Config

	// HTTP proxy auth header
	authHeaderWithCRLF []byte

	// SOCKS5 user/password sub negotiation, nil without credentials
	socks5Auth []byte

	// host patterns reached directly
	nonProxyHosts []string
}

// NewSuperProxy new a super proxy
func NewSuperProxy(proxyHost string, proxyPort uint16, proxyType ProxyType,
	user string, pass string) (*SuperProxy, error) {
	// check input vars
	if len(proxyHost) == 0 {
		return nil, errors.New("nil host provided")
	}
	if proxyPort == 0 {
		return nil, errors.New("nil port provided")
	}

	// make a super proxy instance
	s := &SuperProxy{
		proxyType: proxyType,
	}
	s.hostWithPort = net.JoinHostPort(proxyHost, strconv.Itoa(int(proxyPort)))

	switch proxyType {
	case ProxyTypeSOCKS5:
		s.socks5Auth = socks5Credentials(user, pass)
	case ProxyTypeHTTPS:
		s.tlsConfig = cert.MakeClientTLSConfig(proxyHost, "")
		fallthrough
	default:
		s.authHeaderWithCRLF = basicProxyAuth(user, pass)
	}
	return s, nil
}

// GetProxyType returns super proxy type
func (p *SuperProxy) GetProxyType() ProxyType {
	return p.proxyType
}

// HostWithPort host with port of the proxy
func (p *SuperProxy) HostWithPort() string {
	return p.hostWithPort
}

// HTTPProxyAuthHeaderWithCRLF HTTP proxy basic auth header with CRLF if user & password is set
func (p *SuperProxy) HTTPProxyAuthHeaderWithCRLF() []byte {
	return p.authHeaderWithCRLF
}

// SetNonProxyHosts sets the hosts reached without the proxy,
// a '|' separated list of glob patterns like "localhost|*.internal"
func (p *SuperProxy) SetNonProxyHosts(patterns string) {
	p.nonProxyHosts = p.nonProxyHosts[:0]
	for _, pattern := range strings.Split(patterns, "|") {
		if pattern = strings.TrimSpace(pattern); len(pattern) > 0 {
			p.nonProxyHosts = append(p.nonProxyHosts, strings.ToLower(pattern))
		}
	}
}

// Bypass reports whether host matches a non proxy host pattern
func (p *SuperProxy) Bypass(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	for _, pattern := range p.nonProxyHosts {
		if ok, _ := path.Match(pattern, host); ok {
			return true
		}
	}
	return false
}

// Tunnelled reports whether a request to the target must go through
// a tunnel, plain http through a HTTP proxy is forwarded instead
func (p *SuperProxy) Tunnelled(isTLS bool) bool {
	return isTLS || p.proxyType == ProxyTypeSOCKS5
}

// Dial connects to the proxy, running the TLS handshake for a HTTPS proxy
func (p *SuperProxy) Dial(dial DialFunc) (net.Conn, error) {
	c, err := dial(p.hostWithPort)
	if err != nil {
		return nil, err
	}
	if p.proxyType == ProxyTypeHTTPS {
		tlsConn := tls.Client(c, p.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "TLS handshake with proxy %s failed", p.hostWithPort)
		}
		c = tlsConn
	}
	return c, nil
}

// MakeTunnel dials the proxy and asks it for a tunnel to targetHostWithPort,
// CONNECT for HTTP and HTTPS proxies, a SOCKS5 connect request otherwise.
// A HTTP proxy refusing the tunnel fails with a *TunnelError, a SOCKS5
// proxy with a *SOCKS5Error.
func (p *SuperProxy) MakeTunnel(pool *bufiopool.Pool, dial DialFunc,
	targetHostWithPort string) (net.Conn, error) {
	var (
		host string
		port int
	)
	if p.proxyType == ProxyTypeSOCKS5 {
		h, portStr, err := net.SplitHostPort(targetHostWithPort)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid tunnel target %s", targetHostWithPort)
		}
		if port, err = strconv.Atoi(portStr); err != nil || port < 1 || port > 0xffff {
			return nil, errors.Errorf("invalid port of tunnel target %s", targetHostWithPort)
		}
		host = h
	}

	c, err := p.Dial(dial)
	if err != nil {
		return nil, err
	}
	if p.proxyType == ProxyTypeSOCKS5 {
		err = p.socks5Connect(c, host, port)
	} else if err = p.writeConnect(c, targetHostWithPort); err == nil {
		err = p.readConnect(c, pool)
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (p *SuperProxy) String() string {
	return fmt.Sprintf("%s proxy %s", p.proxyType, p.hostWithPort)
}
