package conduit

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/haxii/fastconduit/superproxy"
	"github.com/pkg/errors"
)

// Default client policy values
const (
	DefaultConnectionTimeout = 30 * time.Second
	DefaultReceiveTimeout    = 60 * time.Second
	DefaultChunkingThreshold = 4096
	DefaultMaxRetransmits    = 5
)

// ClientPolicy per endpoint client settings. Requests whose effective
// policies are equal share one pooled client.
type ClientPolicy struct {
	ConnectionTimeout        time.Duration `yaml:"connectionTimeout"`
	ConnectionRequestTimeout time.Duration `yaml:"connectionRequestTimeout"`
	// ReceiveTimeout bounds the wait for the response, 0 waits forever
	ReceiveTimeout time.Duration `yaml:"receiveTimeout"`

	// ChunkLength size of the shared buffers, buffer.DefaultBufferSize if 0
	ChunkLength       int  `yaml:"chunkLength"`
	ChunkingThreshold int  `yaml:"chunkingThreshold"`
	AllowChunking     bool `yaml:"allowChunking"`
	AutoRedirect      bool `yaml:"autoRedirect"`
	// MaxRetransmits -1 for unlimited
	MaxRetransmits int `yaml:"maxRetransmits"`

	// Version "1.1", "2.0" or "auto"
	Version string `yaml:"version"`

	ProxyServer     string `yaml:"proxyServer"`
	ProxyServerPort uint16 `yaml:"proxyServerPort"`
	// ProxyServerType HTTP, HTTPS or SOCKS5
	ProxyServerType string `yaml:"proxyServerType"`
	ProxyUserName   string `yaml:"proxyUserName"`
	ProxyPassword   string `yaml:"proxyPassword"`
	// NonProxyHosts '|' separated host patterns reached directly
	NonProxyHosts string `yaml:"nonProxyHosts"`

	AllowCookies   bool   `yaml:"allowCookies"`
	AcceptEncoding string `yaml:"acceptEncoding"`
	// Connection "keep-alive" or "close"
	Connection string `yaml:"connection"`
}

// DefaultClientPolicy returns a policy with the default values set
func DefaultClientPolicy() *ClientPolicy {
	return &ClientPolicy{
		ConnectionTimeout: DefaultConnectionTimeout,
		ReceiveTimeout:    DefaultReceiveTimeout,
		ChunkingThreshold: DefaultChunkingThreshold,
		AllowChunking:     true,
		MaxRetransmits:    DefaultMaxRetransmits,
		Version:           "auto",
		Connection:        "keep-alive",
	}
}

// Key digest of every policy field
func (p *ClientPolicy) Key() uint64 {
	d := xxhash.New()
	var b [8]byte
	num := func(v int64) {
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		d.Write(b[:])
	}
	str := func(s string) {
		num(int64(len(s)))
		d.WriteString(s)
	}
	flag := func(v bool) {
		if v {
			num(1)
		} else {
			num(0)
		}
	}
	num(int64(p.ConnectionTimeout))
	num(int64(p.ConnectionRequestTimeout))
	num(int64(p.ReceiveTimeout))
	num(int64(p.ChunkLength))
	num(int64(p.ChunkingThreshold))
	flag(p.AllowChunking)
	flag(p.AutoRedirect)
	num(int64(p.MaxRetransmits))
	str(p.Version)
	str(p.ProxyServer)
	num(int64(p.ProxyServerPort))
	str(p.ProxyServerType)
	str(p.ProxyUserName)
	str(p.ProxyPassword)
	str(p.NonProxyHosts)
	flag(p.AllowCookies)
	str(p.AcceptEncoding)
	str(p.Connection)
	return d.Sum64()
}

func (p *ClientPolicy) clone() *ClientPolicy {
	c := *p
	return &c
}

func (p *ClientPolicy) threshold() int {
	if p.ChunkingThreshold > 0 {
		return p.ChunkingThreshold
	}
	return DefaultChunkingThreshold
}

// proxy maps the proxy settings onto a super proxy, nil without proxy
func (p *ClientPolicy) proxy() (*superproxy.SuperProxy, error) {
	if len(p.ProxyServer) == 0 {
		return nil, nil
	}
	proxyType, err := superproxy.ParseProxyType(p.ProxyServerType)
	if err != nil {
		return nil, err
	}
	port := p.ProxyServerPort
	if port == 0 {
		port = 8080
	}
	proxy, err := superproxy.NewSuperProxy(p.ProxyServer, port, proxyType,
		p.ProxyUserName, p.ProxyPassword)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid proxy %s", p.ProxyServer)
	}
	if len(p.NonProxyHosts) > 0 {
		proxy.SetNonProxyHosts(p.NonProxyHosts)
	}
	return proxy, nil
}

func (p *ClientPolicy) keepAlive() bool {
	return !strings.EqualFold(p.Connection, "close")
}
