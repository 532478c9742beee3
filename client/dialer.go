package client

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/haxii/fastconduit/superproxy"
	"github.com/pkg/errors"
)

type requestType int

const (
	requestDirectHTTP requestType = iota
	requestDirectHTTPS
	requestProxyHTTP
	requestProxyHTTPS
	requestProxySOCKS5
)

// parseRequestType picks how the target is reached, plain http through a
// HTTP proxy is the only proxied request sent without a tunnel
func parseRequestType(superProxy *superproxy.SuperProxy, isHTTPS bool) requestType {
	switch {
	case superProxy == nil && isHTTPS:
		return requestDirectHTTPS
	case superProxy == nil:
		return requestDirectHTTP
	case !superProxy.Tunnelled(isHTTPS):
		return requestProxyHTTP
	case superProxy.GetProxyType() == superproxy.ProxyTypeSOCKS5:
		return requestProxySOCKS5
	}
	return requestProxyHTTPS
}

// effectiveProxy the proxy of req unless its target bypasses it
func effectiveProxy(req *Request) *superproxy.SuperProxy {
	if req.Proxy == nil || req.Proxy.Bypass(req.URL.Hostname()) {
		return nil
	}
	return req.Proxy
}

// routeKey identifies the connections able to serve req
func routeKey(req *Request) string {
	key := req.URL.Scheme + "://" + req.hostWithPort()
	if proxy := effectiveProxy(req); proxy != nil {
		key += " via " + proxy.String()
	}
	if req.HTTP2 {
		key += " h2"
	}
	return key
}

// connect dials the target of the exchange, through its proxy if any,
// and upgrades https connections. The whole setup is bounded by the
// connect timeout.
func (ex *exchange) connect() (net.Conn, error) {
	req := ex.req
	timeout := req.Config.ConnectTimeout
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var raw net.Conn
	dial := func(addr string) (net.Conn, error) {
		c, err := ex.c.dialer.Dial(ex.ctx, addr, timeout)
		if err != nil {
			return nil, err
		}
		if !deadline.IsZero() {
			c.SetDeadline(deadline)
		}
		raw = c
		return c, nil
	}

	target := req.hostWithPort()
	proxy := effectiveProxy(req)
	var (
		conn net.Conn
		err  error
	)
	switch parseRequestType(proxy, req.isTLS()) {
	case requestDirectHTTP, requestDirectHTTPS:
		conn, err = dial(target)
	case requestProxyHTTP:
		conn, err = proxy.Dial(dial)
	case requestProxyHTTPS, requestProxySOCKS5:
		conn, err = proxy.MakeTunnel(ex.c.bufioPool, dial, target)
	default:
		err = errors.New("request type not implemented")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fail to connect to %s", target)
	}

	if req.isTLS() {
		var nextProtos []string
		if req.HTTP2 {
			nextProtos = []string{"h2", "http/1.1"}
		}
		var remaining time.Duration
		if !deadline.IsZero() {
			if remaining = time.Until(deadline); remaining <= 0 {
				conn.Close()
				return nil, errors.Errorf("connect to %s timed out", target)
			}
		}
		tlsConn, err := req.tlsStrategy().Upgrade(ex.ctx, conn, req.URL.Hostname(), nextProtos, remaining)
		if err != nil {
			return nil, err
		}
		conn = tlsConn
	}
	if raw != nil && !deadline.IsZero() {
		raw.SetDeadline(time.Time{})
	}
	return conn, nil
}

// negotiatedHTTP2 reports whether conn speaks HTTP/2 for req
func negotiatedHTTP2(req *Request, conn net.Conn) bool {
	if !req.HTTP2 {
		return false
	}
	if tc, ok := conn.(*tls.Conn); ok {
		return tc.ConnectionState().NegotiatedProtocol == "h2"
	}
	return !req.isTLS()
}
