package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDialer struct {
	dialed int32
	fail   error
}

func (d *fakeDialer) dial() (net.Conn, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	atomic.AddInt32(&d.dialed, 1)
	c, s := net.Pipe()
	s.Close()
	return c, nil
}

func (d *fakeDialer) count() int {
	return int(atomic.LoadInt32(&d.dialed))
}

func TestConnManagerReuseLIFO(t *testing.T) {
	m := NewConnManager(10, 10, 0)
	defer m.Close()
	d := &fakeDialer{}
	ctx := context.Background()

	c1, err := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	c2, err := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c1.Reused() || c2.Reused() {
		t.Fatalf("fresh connections must not be marked reused")
	}
	m.ReleaseConn(c1, true)
	time.Sleep(time.Millisecond)
	m.ReleaseConn(c2, true)

	c3, err := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c3 != c2 || !c3.Reused() {
		t.Fatalf("expected the most recently released connection")
	}
	if d.count() != 2 {
		t.Fatalf("expected 2 dials, got %d", d.count())
	}
	st := m.Stats()
	if st.Leased != 1 || st.Available != 1 || st.Max != 10 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestConnManagerRouteCapWaits(t *testing.T) {
	m := NewConnManager(10, 1, 0)
	defer m.Close()
	d := &fakeDialer{}
	ctx := context.Background()

	c1, err := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, err = m.AcquireConn(ctx, "a:80", "", 20*time.Millisecond, d.dial); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, err = m.AcquireConn(ctx, "b:80", "", 0, d.dial); err != nil {
		t.Fatalf("other routes must not be limited: %s", err)
	}

	got := make(chan *Conn, 1)
	go func() {
		cc, err := m.AcquireConn(ctx, "a:80", "", time.Second, d.dial)
		if err != nil {
			t.Errorf("unexpected error: %s", err)
		}
		got <- cc
	}()
	time.Sleep(10 * time.Millisecond)
	m.ReleaseConn(c1, true)
	select {
	case cc := <-got:
		if cc != c1 {
			t.Fatalf("waiter should get the released connection")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken by release")
	}
}

func TestConnManagerTotalCapEvictsIdle(t *testing.T) {
	m := NewConnManager(1, 1, 0)
	defer m.Close()
	d := &fakeDialer{}
	ctx := context.Background()

	c1, err := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	m.ReleaseConn(c1, true)
	c2, err := m.AcquireConn(ctx, "b:80", "", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c2 == c1 || d.count() != 2 {
		t.Fatalf("expected a new connection for the other route")
	}
	if st := m.RouteStats("a:80"); st.Available != 0 {
		t.Fatalf("idle connection of the other route should be evicted, got %+v", st)
	}
}

func TestConnManagerState(t *testing.T) {
	m := NewConnManager(10, 2, 0)
	defer m.Close()
	d := &fakeDialer{}
	ctx := context.Background()

	alice, _ := m.AcquireConn(ctx, "a:443", "alice", 0, d.dial)
	anon, _ := m.AcquireConn(ctx, "a:443", "", 0, d.dial)
	m.ReleaseConn(alice, true)
	m.ReleaseConn(anon, true)

	cc, err := m.AcquireConn(ctx, "a:443", "alice", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if cc != alice {
		t.Fatalf("expected the connection with matching state")
	}
	cc2, err := m.AcquireConn(ctx, "a:443", "bob", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if cc2 != anon || cc2.State() != "bob" {
		t.Fatalf("expected the stateless connection to be claimed")
	}
	m.ReleaseConn(cc, true)
	m.ReleaseConn(cc2, true)

	// route is full of foreign states, one of them gets replaced
	cc3, err := m.AcquireConn(ctx, "a:443", "carol", 0, d.dial)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if cc3 == alice || cc3 == anon || d.count() != 3 {
		t.Fatalf("expected a fresh connection for a new state")
	}
}

func TestConnManagerCloseIdleAndExpired(t *testing.T) {
	m := NewConnManager(10, 10, 30*time.Millisecond)
	defer m.Close()
	d := &fakeDialer{}
	ctx := context.Background()

	c1, _ := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
	m.ReleaseConn(c1, true)
	m.CloseIdle(time.Hour)
	if m.Stats().Available != 1 {
		t.Fatalf("fresh idle connection must survive")
	}
	time.Sleep(5 * time.Millisecond)
	m.CloseIdle(time.Millisecond)
	if m.Stats().Available != 0 {
		t.Fatalf("idle connection must be closed")
	}

	c2, _ := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
	m.ReleaseConn(c2, true)
	time.Sleep(40 * time.Millisecond)
	m.CloseExpired()
	if m.Stats().Available != 0 {
		t.Fatalf("expired connection must be closed")
	}
}

func TestConnManagerSetMax(t *testing.T) {
	m := NewConnManager(10, 10, 0)
	defer m.Close()
	d := &fakeDialer{}
	ctx := context.Background()

	var conns []*Conn
	for i := 0; i < 4; i++ {
		cc, err := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		conns = append(conns, cc)
	}
	for _, cc := range conns {
		m.ReleaseConn(cc, true)
	}
	m.SetDefaultMaxPerRoute(2)
	if st := m.RouteStats("a:80"); st.Available != 2 || st.Max != 2 {
		t.Fatalf("unexpected route stats %+v", st)
	}
	m.SetMaxTotal(1)
	if st := m.Stats(); st.Available != 1 || st.Max != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestConnManagerClose(t *testing.T) {
	m := NewConnManager(10, 1, 0)
	d := &fakeDialer{}
	ctx := context.Background()

	c1, _ := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
	waitErr := make(chan error, 1)
	go func() {
		_, err := m.AcquireConn(ctx, "a:80", "", 0, d.dial)
		waitErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	m.Close()
	if err := <-waitErr; err != ErrPoolClosed {
		t.Fatalf("expected pool closed, got %v", err)
	}
	m.ReleaseConn(c1, true)
	if st := m.Stats(); st.Available != 0 || st.Leased != 0 {
		t.Fatalf("unexpected stats after close %+v", st)
	}
}

func TestConnManagerContextCancel(t *testing.T) {
	m := NewConnManager(1, 1, 0)
	defer m.Close()
	d := &fakeDialer{}
	c1, _ := m.AcquireConn(context.Background(), "a:80", "", 0, d.dial)
	defer m.ReleaseConn(c1, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.AcquireConn(ctx, "a:80", "", 0, d.dial); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestConnManagerDialError(t *testing.T) {
	m := NewConnManager(1, 1, 0)
	defer m.Close()
	d := &fakeDialer{fail: errors.New("refused")}
	if _, err := m.AcquireConn(context.Background(), "a:80", "", 0, d.dial); err == nil {
		t.Fatalf("expected dial error")
	}
	if st := m.Stats(); st.Pending != 0 || st.Leased != 0 {
		t.Fatalf("failed dial must free its slot, got %+v", st)
	}
}
