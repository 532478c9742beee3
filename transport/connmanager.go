package transport

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxTotal is the maximum number of connections a manager keeps
	// across all routes if not set
	DefaultMaxTotal = 5000

	// DefaultMaxPerRoute is the maximum number of connections a manager keeps
	// per route if not set
	DefaultMaxPerRoute = 1000
)

var (
	// ErrPoolClosed is returned when leasing from a closed manager
	ErrPoolClosed = errors.New("connection pool shut down")

	// ErrTimeout is returned from timed out calls.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionRequestTimeout is returned when no connection could be
	// leased within the connection request timeout
	ErrConnectionRequestTimeout = errors.Wrap(ErrTimeout, "connection request timed out")
)

// NewConn dials a new connection for a lease
type NewConn func() (net.Conn, error)

// PoolStats pool totals, Max is the total cap
type PoolStats struct {
	Leased    int
	Pending   int
	Available int
	Max       int
}

// ConnManager is a strict pool of connections keyed by route.
//
// Idle connections are reused last in first out, so the warmest connection
// serves the next lease. Both the total and the per route caps are strict:
// a lease waits for a release instead of exceeding them.
//
// It is safe calling ConnManager methods from concurrently running go routines.
type ConnManager struct {
	mu sync.Mutex
	// closed and replaced on every release
	released chan struct{}

	maxTotal    int
	maxPerRoute int
	ttl         time.Duration

	routes    map[string]*routePool
	leased    int
	pending   int
	available int

	closed bool
}

type routePool struct {
	// oldest first, leases pop from the tail
	available []*Conn
	leased    int
	pending   int
}

func (rp *routePool) total() int {
	return rp.leased + rp.pending + len(rp.available)
}

// NewConnManager makes a manager, zero caps select the defaults and a zero
// ttl keeps connections forever
func NewConnManager(maxTotal, maxPerRoute int, ttl time.Duration) *ConnManager {
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	if maxPerRoute <= 0 {
		maxPerRoute = DefaultMaxPerRoute
	}
	return &ConnManager{
		released:    make(chan struct{}),
		maxTotal:    maxTotal,
		maxPerRoute: maxPerRoute,
		ttl:         ttl,
		routes:      make(map[string]*routePool),
	}
}

// AcquireConn leases a connection to route.
//
// An idle connection whose state equals state is preferred, then one without
// state. Otherwise dial is called once there is room, evicting idle
// connections that cannot serve this lease when a cap is reached. The wait
// for room is bounded by timeout (if > 0) and ctx.
func (m *ConnManager) AcquireConn(ctx context.Context, route string, state string,
	timeout time.Duration, dial NewConn) (*Conn, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	var stale []*Conn
	defer func() { closeConns(stale) }()

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		rp := m.routeLocked(route)
		stale = append(stale, m.purgeExpiredLocked(rp, time.Now())...)

		if cc := m.takeAvailableLocked(rp, state); cc != nil {
			cc.reused = true
			rp.leased++
			m.leased++
			m.mu.Unlock()
			return cc, nil
		}

		if rp.total() >= m.maxPerRoute && len(rp.available) > 0 {
			// idle connections of this route all carry a foreign state
			stale = append(stale, m.removeAvailableLocked(rp, 0))
		}
		if rp.total() < m.maxPerRoute {
			if m.totalLocked() >= m.maxTotal {
				if victim := m.evictOldestLocked(); victim != nil {
					stale = append(stale, victim)
				}
			}
			if m.totalLocked() < m.maxTotal {
				rp.pending++
				m.pending++
				m.mu.Unlock()
				return m.dial(rp, route, state, dial)
			}
		}

		ch := m.released
		m.mu.Unlock()
		closeConns(stale)
		stale = nil
		select {
		case <-ch:
		case <-deadline:
			return nil, ErrConnectionRequestTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
}

func (m *ConnManager) dial(rp *routePool, route, state string, dial NewConn) (*Conn, error) {
	conn, err := dial()

	m.mu.Lock()
	defer m.mu.Unlock()
	rp.pending--
	m.pending--
	if err != nil {
		m.broadcastLocked()
		m.dropRouteLocked(route, rp)
		return nil, err
	}
	if m.closed {
		m.broadcastLocked()
		conn.Close()
		return nil, ErrPoolClosed
	}
	cc := &Conn{
		c:           conn,
		id:          rand.Uint64(),
		route:       route,
		state:       state,
		createdTime: time.Now(),
	}
	rp.leased++
	m.leased++
	return cc, nil
}

// ReleaseConn returns a leased connection. A reusable connection goes back
// to the idle list unless it expired or the caps shrank meanwhile, any
// other connection is closed.
func (m *ConnManager) ReleaseConn(cc *Conn, reusable bool) {
	m.mu.Lock()
	rp := m.routes[cc.route]
	if rp == nil {
		m.mu.Unlock()
		cc.close()
		return
	}
	rp.leased--
	m.leased--
	now := time.Now()
	keep := reusable && !m.closed && !m.expired(cc, now) &&
		rp.total() < m.maxPerRoute && m.totalLocked() < m.maxTotal
	if keep {
		cc.lastUseTime = now
		rp.available = append(rp.available, cc)
		m.available++
	} else {
		m.dropRouteLocked(cc.route, rp)
	}
	m.broadcastLocked()
	m.mu.Unlock()

	if !keep {
		cc.close()
	}
}

// CloseConn closes a leased connection and frees its slot
func (m *ConnManager) CloseConn(cc *Conn) {
	m.ReleaseConn(cc, false)
}

// CloseIdle closes idle connections not used for longer than idle
func (m *ConnManager) CloseIdle(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	m.closeMatching(func(cc *Conn) bool { return !cc.lastUseTime.After(cutoff) })
}

// CloseExpired closes idle connections older than the connection ttl
func (m *ConnManager) CloseExpired() {
	now := time.Now()
	m.closeMatching(func(cc *Conn) bool { return m.expired(cc, now) })
}

func (m *ConnManager) closeMatching(match func(*Conn) bool) {
	var stale []*Conn
	m.mu.Lock()
	for route, rp := range m.routes {
		kept := rp.available[:0]
		for _, cc := range rp.available {
			if match(cc) {
				stale = append(stale, cc)
				m.available--
			} else {
				kept = append(kept, cc)
			}
		}
		for i := len(kept); i < len(rp.available); i++ {
			rp.available[i] = nil
		}
		rp.available = kept
		m.dropRouteLocked(route, rp)
	}
	if len(stale) > 0 {
		m.broadcastLocked()
	}
	m.mu.Unlock()
	closeConns(stale)
}

// SetMaxTotal changes the total cap of a live pool
func (m *ConnManager) SetMaxTotal(n int) {
	if n <= 0 {
		n = DefaultMaxTotal
	}
	m.mu.Lock()
	m.maxTotal = n
	stale := m.enforceLocked()
	m.broadcastLocked()
	m.mu.Unlock()
	closeConns(stale)
}

// SetDefaultMaxPerRoute changes the per route cap of a live pool
func (m *ConnManager) SetDefaultMaxPerRoute(n int) {
	if n <= 0 {
		n = DefaultMaxPerRoute
	}
	m.mu.Lock()
	m.maxPerRoute = n
	stale := m.enforceLocked()
	m.broadcastLocked()
	m.mu.Unlock()
	closeConns(stale)
}

// SetTTL changes the connection time to live, zero disables it
func (m *ConnManager) SetTTL(ttl time.Duration) {
	m.mu.Lock()
	m.ttl = ttl
	m.mu.Unlock()
}

// MaxTotal current total cap
func (m *ConnManager) MaxTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTotal
}

// DefaultMaxPerRoute current per route cap
func (m *ConnManager) DefaultMaxPerRoute() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxPerRoute
}

// TTL current connection time to live
func (m *ConnManager) TTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttl
}

// Stats returns the pool totals
func (m *ConnManager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PoolStats{
		Leased:    m.leased,
		Pending:   m.pending,
		Available: m.available,
		Max:       m.maxTotal,
	}
}

// RouteStats returns the totals of one route
func (m *ConnManager) RouteStats(route string) PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := PoolStats{Max: m.maxPerRoute}
	if rp := m.routes[route]; rp != nil {
		st.Leased = rp.leased
		st.Pending = rp.pending
		st.Available = len(rp.available)
	}
	return st
}

// Close closes every idle connection and fails later leases, leased
// connections are closed when they are released
func (m *ConnManager) Close() {
	var stale []*Conn
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for route, rp := range m.routes {
		stale = append(stale, rp.available...)
		m.available -= len(rp.available)
		rp.available = nil
		m.dropRouteLocked(route, rp)
	}
	m.broadcastLocked()
	m.mu.Unlock()
	closeConns(stale)
}

// IsClosed reports whether Close was called
func (m *ConnManager) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnManager) totalLocked() int {
	return m.leased + m.pending + m.available
}

func (m *ConnManager) broadcastLocked() {
	close(m.released)
	m.released = make(chan struct{})
}

func (m *ConnManager) routeLocked(route string) *routePool {
	rp := m.routes[route]
	if rp == nil {
		rp = &routePool{}
		m.routes[route] = rp
	}
	return rp
}

func (m *ConnManager) dropRouteLocked(route string, rp *routePool) {
	if rp.total() == 0 {
		delete(m.routes, route)
	}
}

func (m *ConnManager) expired(cc *Conn, now time.Time) bool {
	return m.ttl > 0 && now.Sub(cc.createdTime) > m.ttl
}

func (m *ConnManager) purgeExpiredLocked(rp *routePool, now time.Time) []*Conn {
	if m.ttl <= 0 {
		return nil
	}
	var stale []*Conn
	for i := 0; i < len(rp.available); {
		if m.expired(rp.available[i], now) {
			stale = append(stale, m.removeAvailableLocked(rp, i))
			continue
		}
		i++
	}
	return stale
}

func (m *ConnManager) takeAvailableLocked(rp *routePool, state string) *Conn {
	for i := len(rp.available) - 1; i >= 0; i-- {
		if rp.available[i].state == state {
			return m.removeAvailableLocked(rp, i)
		}
	}
	if state != "" {
		for i := len(rp.available) - 1; i >= 0; i-- {
			if rp.available[i].state == "" {
				cc := m.removeAvailableLocked(rp, i)
				cc.state = state
				return cc
			}
		}
	}
	return nil
}

func (m *ConnManager) removeAvailableLocked(rp *routePool, i int) *Conn {
	cc := rp.available[i]
	copy(rp.available[i:], rp.available[i+1:])
	rp.available[len(rp.available)-1] = nil
	rp.available = rp.available[:len(rp.available)-1]
	m.available--
	return cc
}

// evictOldestLocked removes the least recently used idle connection of
// any route
func (m *ConnManager) evictOldestLocked() *Conn {
	var (
		oldestRoute string
		oldestPool  *routePool
	)
	for route, rp := range m.routes {
		if len(rp.available) == 0 {
			continue
		}
		if oldestPool == nil || rp.available[0].lastUseTime.Before(oldestPool.available[0].lastUseTime) {
			oldestRoute, oldestPool = route, rp
		}
	}
	if oldestPool == nil {
		return nil
	}
	cc := m.removeAvailableLocked(oldestPool, 0)
	m.dropRouteLocked(oldestRoute, oldestPool)
	return cc
}

// enforceLocked closes idle connections above the current caps
func (m *ConnManager) enforceLocked() []*Conn {
	var stale []*Conn
	for route, rp := range m.routes {
		for len(rp.available) > 0 && rp.total() > m.maxPerRoute {
			stale = append(stale, m.removeAvailableLocked(rp, 0))
		}
		m.dropRouteLocked(route, rp)
	}
	for m.totalLocked() > m.maxTotal {
		victim := m.evictOldestLocked()
		if victim == nil {
			break
		}
		stale = append(stale, victim)
	}
	return stale
}

func closeConns(conns []*Conn) {
	for _, cc := range conns {
		cc.close()
	}
}

// Conn a pooled connection
type Conn struct {
	c     net.Conn
	id    uint64
	route string
	state string

	reused     bool
	attachment io.Closer

	createdTime time.Time
	lastUseTime time.Time

	// last read and write deadline time
	LastReadDeadlineTime  time.Time
	LastWriteDeadlineTime time.Time
}

// Get get the net conn in cc
func (cc *Conn) Get() net.Conn {
	return cc.c
}

// ID returns the id for this connection
func (cc *Conn) ID() uint64 {
	return cc.id
}

// Route the route the connection was leased for
func (cc *Conn) Route() string {
	return cc.route
}

// State the state the connection was established with, e.g. a TLS
// client principal
func (cc *Conn) State() string {
	return cc.state
}

// SetState updates the state once the connection is established
func (cc *Conn) SetState(state string) {
	cc.state = state
}

// Reused reports whether the lease was served from the idle list
func (cc *Conn) Reused() bool {
	return cc.reused
}

// Attachment protocol state bound to the connection, closed with it
func (cc *Conn) Attachment() io.Closer {
	return cc.attachment
}

// SetAttachment binds protocol state to the connection
func (cc *Conn) SetAttachment(a io.Closer) {
	cc.attachment = a
}

// CreatedTime get the net conn created time
func (cc *Conn) CreatedTime() time.Time {
	return cc.createdTime
}

// LastUseTime get the net conn last use time
func (cc *Conn) LastUseTime() time.Time {
	return cc.lastUseTime
}

func (cc *Conn) close() {
	if cc.attachment != nil {
		if err := cc.attachment.Close(); err != nil {
			log.Errorf(err, "fail to close attachment of connection %d", cc.id)
		}
	}
	if cc.c != nil {
		cc.c.Close()
	}
}
