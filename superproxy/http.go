package superproxy

import (
	"encoding/base64"
	"net"
	"strconv"

	"github.com/haxii/fastconduit/bufiopool"
	"github.com/haxii/fastconduit/bytebufferpool"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

// TunnelError a HTTP proxy answered CONNECT with a status other than 200
type TunnelError struct {
	Proxy      string
	StatusCode int
	Status     string
}

func (e *TunnelError) Error() string {
	return "proxy " + e.Proxy + " refused the tunnel with " + e.Status
}

// basicProxyAuth the Proxy-Authorization line with CRLF, nil without user
func basicProxyAuth(user, pass string) []byte {
	if len(user) == 0 {
		return nil
	}
	return []byte("Proxy-Authorization: Basic " +
		base64.StdEncoding.EncodeToString([]byte(user+":"+pass)) + "\r\n")
}

// writeConnect sends
//
//	CONNECT host:port HTTP/1.1
//	Host: host:port
//	Proxy-Authorization: Basic ... (with credentials only)
func (p *SuperProxy) writeConnect(c net.Conn, target string) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = append(buf.B, "CONNECT "...)
	buf.B = append(buf.B, target...)
	buf.B = append(buf.B, " HTTP/1.1\r\nHost: "...)
	buf.B = append(buf.B, target...)
	buf.B = append(buf.B, "\r\n"...)
	buf.B = append(buf.B, p.authHeaderWithCRLF...)
	buf.B = append(buf.B, "\r\n"...)
	n, err := c.Write(buf.B)
	if err != nil {
		return errors.Wrapf(err, "fail to send CONNECT to proxy %s", p.hostWithPort)
	}
	if n != len(buf.B) {
		return errors.Errorf("short write of CONNECT to proxy %s, %d of %d", p.hostWithPort, n, len(buf.B))
	}
	return nil
}

// readConnect reads the head answering CONNECT, only 200 opens the tunnel
func (p *SuperProxy) readConnect(c net.Conn, pool *bufiopool.Pool) error {
	r := pool.AcquireReader(c)
	defer pool.ReleaseReader(r)
	var h fasthttp.ResponseHeader
	if err := h.Read(r); err != nil {
		return errors.Wrapf(err, "fail to read CONNECT response of proxy %s", p.hostWithPort)
	}
	if code := h.StatusCode(); code != fasthttp.StatusOK {
		status := string(h.StatusMessage())
		if len(status) == 0 {
			status = fasthttp.StatusMessage(code)
		}
		return &TunnelError{
			Proxy:      p.hostWithPort,
			StatusCode: code,
			Status:     strconv.Itoa(code) + " " + status,
		}
	}
	return nil
}
