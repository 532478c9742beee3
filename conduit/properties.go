package conduit

import (
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/haxii/fastconduit/transport"
	"github.com/pkg/errors"
)

// Property keys understood by the factory
const (
	PropMaxConnections        = "org.apache.cxf.transport.http.async.MAX_CONNECTIONS"
	PropMaxPerHostConnections = "org.apache.cxf.transport.http.async.MAX_PER_HOST_CONNECTIONS"
	PropConnectionTTL         = "org.apache.cxf.transport.http.async.CONNECTION_TTL"
	PropConnectionMaxIdle     = "org.apache.cxf.transport.http.async.CONNECTION_MAX_IDLE"
	PropIOThreadCount         = "org.apache.cxf.transport.http.async.ioThreadCount"
	PropSelectInterval        = "org.apache.cxf.transport.http.async.selectInterval"
	PropSoLinger              = "org.apache.cxf.transport.http.async.SO_LINGER"
	PropSoTimeout             = "org.apache.cxf.transport.http.async.SO_TIMEOUT"
	PropSoKeepAlive           = "org.apache.cxf.transport.http.async.SO_KEEPALIVE"
	PropTCPNoDelay            = "org.apache.cxf.transport.http.async.TCP_NODELAY"
	PropUsePolicy             = "org.apache.cxf.transport.http.async.usePolicy"
	PropHTTP2Enabled          = "org.apache.cxf.transports.http2.enabled"
)

// Properties factory configuration keyed by the Prop* keys
type Properties map[string]string

// UseAsyncPolicy decides which requests take the asynchronous path
type UseAsyncPolicy int

const (
	// AsyncOnly only requests flagged as asynchronous exchanges
	AsyncOnly UseAsyncPolicy = iota
	// Always every request
	Always
	// Never no request, everything goes through the sync fallback
	Never
)

func (p UseAsyncPolicy) String() string {
	switch p {
	case Always:
		return "ALWAYS"
	case Never:
		return "NEVER"
	}
	return "ASYNC_ONLY"
}

// ParseUseAsyncPolicy parses a policy name or a boolean, true means
// Always and anything unknown means Never. An empty value is AsyncOnly.
func ParseUseAsyncPolicy(s string) UseAsyncPolicy {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return AsyncOnly
	}
	switch strings.ToUpper(s) {
	case "ALWAYS":
		return Always
	case "NEVER":
		return Never
	case "ASYNC_ONLY":
		return AsyncOnly
	}
	if b, _ := strconv.ParseBool(s); b {
		return Always
	}
	return Never
}

// factoryConfig the parsed form of Properties
type factoryConfig struct {
	usePolicy    UseAsyncPolicy
	http2Enabled bool

	// live updatable
	maxConnections int
	maxPerRoute    int
	ttl            time.Duration
	maxIdle        time.Duration

	// need a reactor restart
	ioThreadCount  int
	selectInterval time.Duration
	socket         transport.SocketConfig
}

func defaultFactoryConfig() factoryConfig {
	return factoryConfig{
		maxConnections: transport.DefaultMaxTotal,
		maxPerRoute:    transport.DefaultMaxPerRoute,
		ttl:            60 * time.Second,
		maxIdle:        60 * time.Second,
		ioThreadCount:  runtime.NumCPU(),
		selectInterval: time.Second,
		socket:         transport.DefaultSocketConfig,
	}
}

// apply parses props on top of cfg. Pool sizing keeps its current value
// when a key is absent, the reactor settings fall back to their defaults.
// It reports whether a reactor setting changed.
func (cfg *factoryConfig) apply(props Properties) (restart bool, err error) {
	if props == nil {
		return false, nil
	}
	cfg.usePolicy = ParseUseAsyncPolicy(props[PropUsePolicy])
	if v, ok := props[PropHTTP2Enabled]; ok {
		cfg.http2Enabled, _ = strconv.ParseBool(v)
	}

	if cfg.maxConnections, err = getInt(props, PropMaxConnections, cfg.maxConnections); err != nil {
		return false, err
	}
	if cfg.maxPerRoute, err = getInt(props, PropMaxPerHostConnections, cfg.maxPerRoute); err != nil {
		return false, err
	}
	if cfg.ttl, err = getMillis(props, PropConnectionTTL, cfg.ttl); err != nil {
		return false, err
	}
	if cfg.maxIdle, err = getMillis(props, PropConnectionMaxIdle, cfg.maxIdle); err != nil {
		return false, err
	}

	defaults := defaultFactoryConfig()
	old := *cfg
	if cfg.ioThreadCount, err = getInt(props, PropIOThreadCount, defaults.ioThreadCount); err != nil {
		return false, err
	}
	if cfg.selectInterval, err = getMillis(props, PropSelectInterval, defaults.selectInterval); err != nil {
		return false, err
	}
	// both drive tickers and worker counts
	if cfg.ioThreadCount <= 0 {
		cfg.ioThreadCount = defaults.ioThreadCount
	}
	if cfg.selectInterval <= 0 {
		cfg.selectInterval = defaults.selectInterval
	}
	if cfg.socket.SoLinger, err = getInt(props, PropSoLinger, defaults.socket.SoLinger); err != nil {
		return false, err
	}
	if cfg.socket.SoTimeout, err = getMillis(props, PropSoTimeout, defaults.socket.SoTimeout); err != nil {
		return false, err
	}
	if cfg.socket.SoKeepAlive, err = getBool(props, PropSoKeepAlive, defaults.socket.SoKeepAlive); err != nil {
		return false, err
	}
	if cfg.socket.TCPNoDelay, err = getBool(props, PropTCPNoDelay, defaults.socket.TCPNoDelay); err != nil {
		return false, err
	}
	restart = old.ioThreadCount != cfg.ioThreadCount ||
		old.selectInterval != cfg.selectInterval ||
		old.socket != cfg.socket
	return restart, nil
}

// getInt parses an int property, -1 and absent keys yield def
func getInt(props Properties, key string, def int) (int, error) {
	s, ok := props[key]
	if !ok || len(strings.TrimSpace(s)) == 0 {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def, errors.Wrapf(err, "invalid value %q of %s", s, key)
	}
	if i == -1 {
		return def, nil
	}
	return i, nil
}

func getMillis(props Properties, key string, def time.Duration) (time.Duration, error) {
	ms, err := getInt(props, key, int(def/time.Millisecond))
	if err != nil {
		return def, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getBool(props Properties, key string, def bool) (bool, error) {
	s, ok := props[key]
	if !ok || len(strings.TrimSpace(s)) == 0 {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def, errors.Wrapf(err, "invalid value %q of %s", s, key)
	}
	return b, nil
}
