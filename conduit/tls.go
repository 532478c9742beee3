package conduit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/haxii/fastconduit/cert"
	"github.com/haxii/fastconduit/client"
	"github.com/pkg/errors"
)

// TLSClientParameters TLS settings of a conduit or of a single message
type TLSClientParameters struct {
	// RootCAs verifies servers, the system roots if nil
	RootCAs *x509.CertPool
	// Certificates offered when the server asks for a client certificate
	Certificates []tls.Certificate
	// CertAlias picks the certificate whose subject common name or DNS
	// name equals it
	CertAlias string
	// ServerName overrides the name verified and sent as SNI
	ServerName string

	// DisableCNCheck verifies the chain but not the host name
	DisableCNCheck bool
	// InsecureSkipVerify accepts any server
	InsecureSkipVerify bool
	// HostnameVerifier replaces the host name check, it runs after the
	// chain was verified
	HostnameVerifier func(host string, cs tls.ConnectionState) error
	// UseHTTPSURLConnectionDefaultHostnameVerifier ignores HostnameVerifier
	UseHTTPSURLConnectionDefaultHostnameVerifier bool

	MinVersion   uint16
	CipherSuites []uint16

	// SocketFactory dials the raw connection of https requests. The
	// asynchronous engine cannot use it, such requests are sent in sync.
	SocketFactory func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Hash digest of the parameters, pools and functions are hashed by
// identity
func (p *TLSClientParameters) Hash() uint64 {
	if p == nil {
		return 0
	}
	d := xxhash.New()
	fmt.Fprintf(d, "%p|%s|%s|%t|%t|%t|%d|%v|%x|%x|",
		p.RootCAs, p.CertAlias, p.ServerName,
		p.DisableCNCheck, p.InsecureSkipVerify, p.UseHTTPSURLConnectionDefaultHostnameVerifier,
		p.MinVersion, p.CipherSuites,
		funcID(p.HostnameVerifier), funcID(p.SocketFactory))
	for i := range p.Certificates {
		for _, der := range p.Certificates[i].Certificate {
			d.Write(der)
		}
		d.WriteString("|")
	}
	return d.Sum64()
}

func funcID(f interface{}) uintptr {
	v := reflect.ValueOf(f)
	if !v.IsValid() || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

// clientCertificates the certificates to offer, narrowed by CertAlias
func (p *TLSClientParameters) clientCertificates() []*tls.Certificate {
	var certs []*tls.Certificate
	for i := range p.Certificates {
		c := &p.Certificates[i]
		if len(p.CertAlias) > 0 && !matchAlias(c, p.CertAlias) {
			continue
		}
		certs = append(certs, c)
	}
	return certs
}

func matchAlias(c *tls.Certificate, alias string) bool {
	leaf := c.Leaf
	if leaf == nil {
		if len(c.Certificate) == 0 {
			return false
		}
		var err error
		if leaf, err = x509.ParseCertificate(c.Certificate[0]); err != nil {
			return false
		}
	}
	if leaf.Subject.CommonName == alias {
		return true
	}
	for _, name := range leaf.DNSNames {
		if name == alias {
			return true
		}
	}
	return false
}

// verifyChain verifies the peer chain against roots without any host
// name check
func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("server presented no certificate")
	}
	opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
		return errors.Wrap(err, "fail to verify server certificate")
	}
	return nil
}

// tlsContext a built config together with the client certificate the
// last handshake presented
type tlsContext struct {
	config *tls.Config
	local  atomic.Pointer[tls.Certificate]
}

func newTLSContext(p *TLSClientParameters, u *url.URL) *tlsContext {
	host := u.Hostname()
	tc := &tlsContext{config: cert.MakeClientTLSConfig(net.JoinHostPort(host, effectivePort(u)), p.ServerName)}
	cfg := tc.config
	cfg.RootCAs = p.RootCAs
	cfg.MinVersion = p.MinVersion
	cfg.CipherSuites = p.CipherSuites
	if p.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}

	if certs := p.clientCertificates(); len(certs) > 0 {
		cfg.GetClientCertificate = func(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			for _, c := range certs {
				if cri.SupportsCertificate(c) == nil {
					tc.local.Store(c)
					return c, nil
				}
			}
			return &tls.Certificate{}, nil
		}
	}

	verifier := p.HostnameVerifier
	if p.UseHTTPSURLConnectionDefaultHostnameVerifier {
		verifier = nil
	}
	if p.DisableCNCheck || verifier != nil {
		skipChain := p.InsecureSkipVerify
		disableCNCheck := p.DisableCNCheck
		roots := p.RootCAs
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if !skipChain {
				if err := verifyChain(cs, roots); err != nil {
					return err
				}
			}
			if verifier != nil && !disableCNCheck {
				if err := verifier(host, cs); err != nil {
					return errors.Wrapf(err, "could not verify host %s", host)
				}
			}
			return nil
		}
	}
	return tc
}

// localPrincipal subject of the client certificate presented last
func (tc *tlsContext) localPrincipal() string {
	c := tc.local.Load()
	if c == nil {
		return ""
	}
	if leaf := parseLeaf(c); leaf != nil {
		return leaf.Subject.String()
	}
	return ""
}

func parseLeaf(c *tls.Certificate) *x509.Certificate {
	if c.Leaf != nil {
		return c.Leaf
	}
	if len(c.Certificate) == 0 {
		return nil
	}
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		return nil
	}
	return leaf
}

func (tc *tlsContext) localCertificates() []*x509.Certificate {
	c := tc.local.Load()
	if c == nil {
		return nil
	}
	var chain []*x509.Certificate
	for _, der := range c.Certificate {
		if x, err := x509.ParseCertificate(der); err == nil {
			chain = append(chain, x)
		}
	}
	return chain
}

// tlsCache memoizes the TLS context of a conduit and the principal of the
// last negotiated session, the lease state pooled connections carry.
// It is reset when the parameters change or another authority is targeted.
type tlsCache struct {
	mu     sync.Mutex
	hash   uint64
	ctx    *tlsContext
	ctxURL *url.URL
	sslURL *url.URL
	// sslState local principal of the session negotiated for sslURL
	sslState string
}

func sameAuthority(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Hostname() == b.Hostname() && effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); len(port) > 0 {
		return port
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// strategy returns the TLS strategy for u and the lease state to request
func (c *tlsCache) strategy(p *TLSClientParameters, u *url.URL) (*tlsContext, client.TLSStrategy, string) {
	if p == nil {
		p = &TLSClientParameters{}
	}
	h := p.Hash()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil || c.hash != h || !sameAuthority(c.ctxURL, u) {
		c.ctx = newTLSContext(p, u)
		c.hash = h
		c.ctxURL = u
		c.sslURL, c.sslState = nil, ""
	}
	return c.ctx, &client.ConfigTLSStrategy{Config: c.ctx.config}, c.sslState
}

// negotiated records the session established for u
func (c *tlsCache) negotiated(tc *tlsContext, u *url.URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != tc {
		return
	}
	c.sslURL = u
	c.sslState = tc.localPrincipal()
}

func (c *tlsCache) reset() {
	c.mu.Lock()
	c.ctx, c.ctxURL, c.sslURL, c.sslState = nil, nil, nil, ""
	c.mu.Unlock()
}

// TLSSessionInfo the negotiated TLS session of a request
type TLSSessionInfo struct {
	Version            uint16
	CipherSuite        uint16
	ServerName         string
	NegotiatedProtocol string
	PeerCertificates   []*x509.Certificate
	LocalCertificates  []*x509.Certificate
	// LocalPrincipal subject of the presented client certificate
	LocalPrincipal string
}

func makeTLSSessionInfo(cs tls.ConnectionState, tc *tlsContext) *TLSSessionInfo {
	info := &TLSSessionInfo{
		Version:            cs.Version,
		CipherSuite:        cs.CipherSuite,
		ServerName:         cs.ServerName,
		NegotiatedProtocol: cs.NegotiatedProtocol,
		PeerCertificates:   cs.PeerCertificates,
	}
	if tc != nil {
		info.LocalCertificates = tc.localCertificates()
		info.LocalPrincipal = tc.localPrincipal()
	}
	return info
}

// CipherSuiteName name of the negotiated cipher suite
func (i *TLSSessionInfo) CipherSuiteName() string {
	return tls.CipherSuiteName(i.CipherSuite)
}
