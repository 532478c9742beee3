package client

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/haxii/fastconduit/transport"
)

// TLSStrategy upgrades a connected socket to TLS
type TLSStrategy interface {
	Upgrade(ctx context.Context, conn net.Conn, serverName string,
		nextProtos []string, timeout time.Duration) (*tls.Conn, error)
}

// ConfigTLSStrategy upgrades with a fixed config, the server name and the
// ALPN protocols are filled in per connection
type ConfigTLSStrategy struct {
	Config *tls.Config
}

// DefaultTLSStrategy verifies servers against the system roots
var DefaultTLSStrategy TLSStrategy = &ConfigTLSStrategy{
	Config: &tls.Config{ClientSessionCache: tls.NewLRUClientSessionCache(0)},
}

// Upgrade runs the handshake, conn is closed on failure
func (s *ConfigTLSStrategy) Upgrade(ctx context.Context, conn net.Conn, serverName string,
	nextProtos []string, timeout time.Duration) (*tls.Conn, error) {
	cfg := s.Config.Clone()
	if len(cfg.ServerName) == 0 {
		cfg.ServerName = serverName
	}
	if len(nextProtos) > 0 {
		cfg.NextProtos = nextProtos
	}
	return transport.Handshake(ctx, conn, cfg, timeout)
}
