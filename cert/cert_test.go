package cert

import (
	"crypto/tls"
	"net"
	"testing"
)

func TestGenCert(t *testing.T) {
	certPEM, keyPEM, err := GenCA("fastconduit test CA")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	ca, err := LoadCA(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	leaf, err := GenCert(ca, []string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(leaf.Leaf.DNSNames) != 1 || leaf.Leaf.DNSNames[0] != "localhost" {
		t.Fatalf("unexpected DNS names %v", leaf.Leaf.DNSNames)
	}
	if len(leaf.Leaf.IPAddresses) != 1 || !leaf.Leaf.IPAddresses[0].Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("unexpected IPs %v", leaf.Leaf.IPAddresses)
	}
	if _, err := GenCert(leaf, []string{"x"}); err == nil {
		t.Fatalf("a leaf must not sign certificates")
	}
}

func TestTLSHandshakeWithGeneratedCA(t *testing.T) {
	certPEM, keyPEM, err := GenCA("fastconduit test CA")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	ca, err := LoadCA(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	leaf, err := GenCert(ca, []string{"localhost"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	roots, err := CertPool(certPEM)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{*leaf}})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.(*tls.Conn).Handshake()
		c.Close()
	}()

	cfg := MakeClientTLSConfig(ln.Addr().String(), "localhost")
	cfg.RootCAs = roots
	conn, err := tls.Dial("tcp", ln.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	conn.Close()
}

func TestMakeClientTLSConfig(t *testing.T) {
	if cfg := MakeClientTLSConfig("example.com:443", ""); cfg.ServerName != "example.com" {
		t.Fatalf("unexpected server name %q", cfg.ServerName)
	}
	if cfg := MakeClientTLSConfig("example.com:443", "other.com"); cfg.ServerName != "other.com" {
		t.Fatalf("unexpected server name %q", cfg.ServerName)
	}
	if cfg := MakeClientTLSConfig("", ""); !cfg.InsecureSkipVerify {
		t.Fatalf("empty host should skip verification")
	}
	if _, err := CertPool([]byte("garbage")); err == nil {
		t.Fatalf("expected error")
	}
}
