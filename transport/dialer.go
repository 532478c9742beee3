package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
)

// SocketConfig socket options applied to every dialed connection
type SocketConfig struct {
	// SoLinger linger seconds on close, negative leaves the OS default
	SoLinger int
	// SoTimeout read and write inactivity timeout, 0 means none
	SoTimeout time.Duration
	// SoKeepAlive enables TCP keep alive probes
	SoKeepAlive bool
	// TCPNoDelay disables Nagle
	TCPNoDelay bool
}

// DefaultSocketConfig the socket options used if none set
var DefaultSocketConfig = SocketConfig{
	SoLinger:   -1,
	TCPNoDelay: true,
}

// Dialer dials TCP connections with socket options applied
type Dialer struct {
	SocketConfig
}

// NewDialer makes a dialer with the given options
func NewDialer(cfg SocketConfig) *Dialer {
	return &Dialer{SocketConfig: cfg}
}

// Dial dials addr within timeout (if > 0) or until ctx is done
func (d *Dialer) Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	nd := net.Dialer{Timeout: timeout}
	if !d.SoKeepAlive {
		nd.KeepAlive = -1
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to dial %s", addr)
	}
	if err := d.apply(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) apply(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(d.TCPNoDelay); err != nil {
		return errors.Wrap(err, "fail to set TCP_NODELAY")
	}
	if err := tc.SetKeepAlive(d.SoKeepAlive); err != nil {
		return errors.Wrap(err, "fail to set SO_KEEPALIVE")
	}
	if d.SoLinger >= 0 {
		if err := tc.SetLinger(d.SoLinger); err != nil {
			return errors.Wrap(err, "fail to set SO_LINGER")
		}
	}
	return nil
}

// Handshake runs the TLS client handshake on conn within timeout (if > 0),
// conn is closed on failure
func Handshake(ctx context.Context, conn net.Conn, tlsConfig *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "TLS handshake with %s failed", tlsConfig.ServerName)
	}
	return tlsConn, nil
}

// Dial dials addr with the default socket options
func Dial(addr string) (net.Conn, error) {
	return NewDialer(DefaultSocketConfig).Dial(context.Background(), addr, 0)
}
