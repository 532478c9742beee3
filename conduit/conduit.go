// Package conduit sends requests through pooled asynchronous clients and
// exposes each exchange as a blocking output stream and response.
package conduit

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/haxii/fastconduit/superproxy"
	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrUnsupportedScheme target scheme is neither http nor https
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrMalformedURL target address cannot be parsed
	ErrMalformedURL = errors.New("malformed URL")
	// ErrConduitClosed is returned by Prepare after Close
	ErrConduitClosed = errors.New("conduit is closed")
)

// AuthorizationPolicy credentials of an endpoint or of its proxy
type AuthorizationPolicy struct {
	UserName string `yaml:"userName"`
	Password string `yaml:"password"`
	// AuthorizationType scheme of Authorization, Basic if empty
	AuthorizationType string `yaml:"authorizationType"`
	// Authorization sent as is with AuthorizationType when set
	Authorization string `yaml:"authorization"`
}

// header value of the policy, empty without credentials
func (p *AuthorizationPolicy) header() string {
	if p == nil {
		return ""
	}
	scheme := p.AuthorizationType
	if len(scheme) == 0 {
		scheme = "Basic"
	}
	if len(p.Authorization) > 0 {
		return scheme + " " + p.Authorization
	}
	if len(p.UserName) == 0 || !strings.EqualFold(scheme, "Basic") {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.UserName+":"+p.Password))
}

// AuthSupplier provides credentials for a target
type AuthSupplier interface {
	// PreemptiveAuthorization the Authorization value of the first
	// request, empty for none
	PreemptiveAuthorization(policy *AuthorizationPolicy, target *url.URL) string
	// AuthorizationForRealm answers the challenge of a 401 or 407
	// response, empty gives up
	AuthorizationForRealm(policy *AuthorizationPolicy, target *url.URL, realm, challenge string) string
}

// BasicAuthSupplier answers Basic challenges with the policy credentials
type BasicAuthSupplier struct {
	// Preemptive sends the credentials without waiting for a challenge
	Preemptive bool
}

// PreemptiveAuthorization implements AuthSupplier
func (s BasicAuthSupplier) PreemptiveAuthorization(policy *AuthorizationPolicy, target *url.URL) string {
	if !s.Preemptive {
		return ""
	}
	return policy.header()
}

// AuthorizationForRealm implements AuthSupplier
func (s BasicAuthSupplier) AuthorizationForRealm(policy *AuthorizationPolicy, target *url.URL,
	realm, challenge string) string {
	if !strings.HasPrefix(strings.ToLower(challenge), "basic") {
		return ""
	}
	return policy.header()
}

// EndpointInfo target and settings of a conduit
type EndpointInfo struct {
	// Address default target, http, https, hc:// or hc5:// URL
	Address         string
	ClientPolicy    *ClientPolicy
	TLS             *TLSClientParameters
	AuthPolicy      *AuthorizationPolicy
	ProxyAuthPolicy *AuthorizationPolicy
	AuthSupplier    AuthSupplier
}

// Message one outgoing request
type Message struct {
	// Method POST if empty
	Method string
	// Address overrides the endpoint address
	Address     string
	Header      http.Header
	ContentType string

	// Async flags an asynchronous exchange
	Async bool
	// UseAsyncPolicy overrides the policy of the factory
	UseAsyncPolicy *UseAsyncPolicy
	// OnResponse receives the response of an asynchronous exchange on a
	// work queue worker, Response must not be called then
	OnResponse func(resp *Response, err error)

	// ContentLengthHint known body length, 0 and negative are unknown
	ContentLengthHint int64

	ClientPolicy    *ClientPolicy
	TLS             *TLSClientParameters
	AuthPolicy      *AuthorizationPolicy
	ProxyAuthPolicy *AuthorizationPolicy

	// Context bounds the whole exchange
	Context context.Context
}

// Conduit sends the messages of one endpoint.
//
// It is safe calling Conduit methods from concurrently running go routines,
// a prepared OutputStream belongs to a single goroutine.
type Conduit struct {
	factory  *Factory
	endpoint EndpointInfo
	policy   *ClientPolicy
	jar      *cookiejar.Jar

	tls tlsCache

	mu       sync.Mutex
	fallback *syncTransport
	closed   bool
}

// NewConduit makes a conduit sending through the clients of factory
func NewConduit(factory *Factory, endpoint EndpointInfo) (*Conduit, error) {
	c := &Conduit{factory: factory, endpoint: endpoint, policy: endpoint.ClientPolicy}
	if c.policy == nil {
		c.policy = DefaultClientPolicy()
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "fail to make cookie jar")
	}
	c.jar = jar
	return c, nil
}

// Endpoint the endpoint of the conduit
func (c *Conduit) Endpoint() EndpointInfo {
	return c.endpoint
}

// Close releases the pooled client of the conduit policy and the sync
// fallback connections
func (c *Conduit) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	st := c.fallback
	c.fallback = nil
	c.mu.Unlock()
	if st != nil {
		st.close()
	}
	c.tls.reset()
	if c.factory != nil {
		c.factory.Close(c.effectivePolicy(&Message{}))
	}
}

// ParseAddress strips the hc:// and hc5:// prefixes and checks the scheme
func ParseAddress(address string) (*url.URL, error) {
	s := strings.TrimSpace(address)
	switch {
	case strings.HasPrefix(s, "hc://"):
		s = s[len("hc://"):]
	case strings.HasPrefix(s, "hc5://"):
		s = s[len("hc5://"):]
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedURL, "%s: %s", address, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrapf(ErrUnsupportedScheme, "unknown protocol %q in %s", u.Scheme, address)
	}
	if len(u.Host) == 0 {
		return nil, errors.Wrapf(ErrMalformedURL, "no host in %s", address)
	}
	if len(u.Path) == 0 {
		u.Path = "/"
	}
	return u, nil
}

// Prepare decides how msg is sent and returns the stream its body is
// written to. Address errors are returned here, transport errors later.
func (c *Conduit) Prepare(msg *Message) (*OutputStream, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrConduitClosed
	}
	if msg == nil {
		msg = &Message{}
	}
	address := msg.Address
	if len(address) == 0 {
		address = c.endpoint.Address
	}
	u, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	policy := c.effectivePolicy(msg)
	async := c.useAsync(msg, u)
	if !async {
		log.Debugf("sending %s synchronously", u)
	}
	return newOutputStream(c, msg, u, policy, async)
}

func (c *Conduit) effectivePolicy(msg *Message) *ClientPolicy {
	policy := c.policy
	if msg.ClientPolicy != nil {
		policy = msg.ClientPolicy
	}
	if c.factory != nil && c.factory.HTTP2Enabled() && policy.Version != "2.0" {
		policy = policy.clone()
		policy.Version = "2.0"
	}
	return policy
}

// useAsync reports whether msg takes the asynchronous path. A shut down
// factory always sends in sync, then the use policy decides, and https
// with a custom socket factory is never sent asynchronously.
func (c *Conduit) useAsync(msg *Message, u *url.URL) bool {
	if c.factory == nil || c.factory.IsShutdown() {
		return false
	}
	usePolicy := c.factory.UseAsyncPolicy()
	if msg.UseAsyncPolicy != nil {
		usePolicy = *msg.UseAsyncPolicy
	}
	var async bool
	switch usePolicy {
	case Always:
		async = true
	case Never:
		async = false
	default:
		async = msg.Async
	}
	if u.Scheme == "https" {
		if p := c.tlsParams(msg); p != nil && p.SocketFactory != nil {
			async = false
		}
	}
	return async
}

func (c *Conduit) tlsParams(msg *Message) *TLSClientParameters {
	if msg.TLS != nil {
		return msg.TLS
	}
	return c.endpoint.TLS
}

func (c *Conduit) authPolicy(msg *Message) *AuthorizationPolicy {
	if msg.AuthPolicy != nil {
		return msg.AuthPolicy
	}
	return c.endpoint.AuthPolicy
}

func (c *Conduit) proxyAuthPolicy(msg *Message) *AuthorizationPolicy {
	if msg.ProxyAuthPolicy != nil {
		return msg.ProxyAuthPolicy
	}
	return c.endpoint.ProxyAuthPolicy
}

// proxyPolicy policy carrying the proxy credentials, those of the proxy
// auth policy are used when the client policy has none
func (c *Conduit) proxyPolicy(policy *ClientPolicy, msg *Message) *ClientPolicy {
	if len(policy.ProxyServer) == 0 || len(policy.ProxyUserName) > 0 {
		return policy
	}
	if pa := c.proxyAuthPolicy(msg); pa != nil && len(pa.UserName) > 0 {
		policy = policy.clone()
		policy.ProxyUserName, policy.ProxyPassword = pa.UserName, pa.Password
	}
	return policy
}

// proxyFor the upstream proxy of policy, nil for a direct connection
func (c *Conduit) proxyFor(policy *ClientPolicy, msg *Message) (*superproxy.SuperProxy, error) {
	return c.proxyPolicy(policy, msg).proxy()
}

// syncTransport the sync fallback for u, it is rebuilt whenever the
// policy, the TLS parameters or the target authority change
func (c *Conduit) syncTransport(policy *ClientPolicy, msg *Message, u *url.URL) (*syncTransport, error) {
	params := c.tlsParams(msg)
	key := syncKey{policy: policy.Key(), tls: params.Hash(), authority: u.Scheme + "://" + u.Host}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallback != nil && c.fallback.key == key {
		return c.fallback, nil
	}
	proxyPolicy := c.proxyPolicy(policy, msg)
	proxy, err := proxyPolicy.proxy()
	if err != nil {
		return nil, err
	}
	var tc *tlsContext
	if u.Scheme == "https" {
		tc, _, _ = c.tls.strategy(params, u)
	}
	st := newSyncTransport(key, syncOptions{
		policy:      policy,
		params:      params,
		tc:          tc,
		proxy:       proxy,
		proxyPolicy: proxyPolicy,
		settings:    c.fallbackSettings(),
	})
	if c.fallback != nil {
		go c.fallback.close()
	}
	c.fallback = st
	return st, nil
}

func (c *Conduit) fallbackSettings() socketSettings {
	if c.factory == nil {
		return defaultSocketSettings()
	}
	c.factory.mu.Lock()
	defer c.factory.mu.Unlock()
	return socketSettings{
		soTimeout:   c.factory.cfg.socket.SoTimeout,
		keepAlive:   c.factory.cfg.socket.SoKeepAlive,
		maxIdle:     c.factory.cfg.maxIdle,
		maxPerRoute: c.factory.cfg.maxPerRoute,
	}
}

// addCookies sends the stored cookies of u with h
func (c *Conduit) addCookies(policy *ClientPolicy, u *url.URL, h http.Header) {
	if !policy.AllowCookies {
		return
	}
	cookies := c.jar.Cookies(u)
	if len(cookies) == 0 {
		return
	}
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.String())
	}
	h.Set("Cookie", strings.Join(parts, "; "))
}

// storeCookies keeps the cookies set by a response from u
func (c *Conduit) storeCookies(policy *ClientPolicy, u *url.URL, h http.Header) {
	if !policy.AllowCookies || len(h.Values("Set-Cookie")) == 0 {
		return
	}
	resp := http.Response{Header: h}
	c.jar.SetCookies(u, resp.Cookies())
}
