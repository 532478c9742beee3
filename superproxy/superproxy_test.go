package superproxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/haxii/fastconduit/bufiopool"
	"github.com/haxii/socks5"
)

func echoServer(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return ln
}

// connectProxy serves CONNECT, answering 407 without the expected credentials
func connectProxy(t *testing.T, wantAuth string) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil || req.Method != http.MethodConnect {
					return
				}
				if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
					io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
					return
				}
				upstream, err := net.Dial("tcp", req.Host)
				if err != nil {
					io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
					return
				}
				defer upstream.Close()
				io.WriteString(c, "HTTP/1.1 200 Connection established\r\nProxy-Agent: test\r\n\r\n")
				go io.Copy(upstream, c)
				io.Copy(c, upstream)
			}()
		}
	}()
	return ln
}

func splitPort(t *testing.T, addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, uint16(port)
}

func dialTCP(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

func assertEcho(t *testing.T, conn net.Conn) {
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	result := make([]byte, 4)
	if _, err := io.ReadFull(conn, result); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(result) != "ping" {
		t.Fatalf("unexpected result %q", result)
	}
}

func TestNewSuperProxy(t *testing.T) {
	if _, err := NewSuperProxy("", 8080, ProxyTypeHTTP, "", ""); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewSuperProxy("localhost", 0, ProxyTypeHTTP, "", ""); err == nil {
		t.Fatalf("expected error")
	}
	superProxy, err := NewSuperProxy("localhost", 5080, ProxyTypeHTTP, "user", "pass")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if superProxy.GetProxyType() != ProxyTypeHTTP {
		t.Fatalf("unexpected proxy type")
	}
	if superProxy.HostWithPort() != "localhost:5080" {
		t.Fatalf("unexpected host with port")
	}
	if string(superProxy.HTTPProxyAuthHeaderWithCRLF()) != "Proxy-Authorization: Basic dXNlcjpwYXNz\r\n" {
		t.Fatalf("unexpected auth header %q", superProxy.HTTPProxyAuthHeaderWithCRLF())
	}
	if !superProxy.Tunnelled(true) || superProxy.Tunnelled(false) {
		t.Fatalf("unexpected tunnelling")
	}
}

func TestParseProxyType(t *testing.T) {
	for s, want := range map[string]ProxyType{"": ProxyTypeHTTP, "https": ProxyTypeHTTPS, "SOCKS": ProxyTypeSOCKS5} {
		got, err := ParseProxyType(s)
		if err != nil || got != want {
			t.Fatalf("unexpected type %s for %q", got, s)
		}
	}
	if _, err := ParseProxyType("ftp"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBypass(t *testing.T) {
	superProxy, _ := NewSuperProxy("localhost", 5080, ProxyTypeHTTP, "", "")
	superProxy.SetNonProxyHosts("localhost| *.internal ")
	for host, want := range map[string]bool{
		"localhost:80":      true,
		"api.internal":      true,
		"API.Internal:8443": true,
		"example.com":       false,
	} {
		if got := superProxy.Bypass(host); got != want {
			t.Fatalf("bypass %s: expected %v", host, want)
		}
	}
}

func TestHTTPTunnel(t *testing.T) {
	echo := echoServer(t)
	defer echo.Close()
	proxy := connectProxy(t, "Basic dXNlcjpwYXNz")
	defer proxy.Close()
	host, port := splitPort(t, proxy.Addr().String())
	pool := bufiopool.New(1, 1)

	superProxy, err := NewSuperProxy(host, port, ProxyTypeHTTP, "user", "pass")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	conn, err := superProxy.MakeTunnel(pool, dialTCP, echo.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer conn.Close()
	assertEcho(t, conn)

	anonymous, _ := NewSuperProxy(host, port, ProxyTypeHTTP, "", "")
	_, err = anonymous.MakeTunnel(pool, dialTCP, echo.Addr().String())
	var tunnelErr *TunnelError
	if !errors.As(err, &tunnelErr) || tunnelErr.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("expected a 407 failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "407 Proxy Authentication Required") {
		t.Fatalf("unexpected error text %s", err)
	}
}

func TestSOCKS5Tunnel(t *testing.T) {
	echo := echoServer(t)
	defer echo.Close()

	srv, err := socks5.New(&socks5.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer ln.Close()
	go srv.Serve(ln)

	host, port := splitPort(t, ln.Addr().String())
	superProxy, err := NewSuperProxy(host, port, ProxyTypeSOCKS5, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	conn, err := superProxy.MakeTunnel(bufiopool.New(1, 1), dialTCP, echo.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer conn.Close()
	assertEcho(t, conn)

	if _, err := superProxy.MakeTunnel(bufiopool.New(1, 1), dialTCP, "no-port"); err == nil {
		t.Fatalf("expected error")
	}
}
